package server

// State of a connection handler.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateAuthFailed
)

var stateNames = map[State]string{
	StateDisconnected:  "DISCONNECTED",
	StateConnecting:    "CONNECTING",
	StateConnected:     "CONNECTED",
	StateDisconnecting: "DISCONNECTING",
	StateAuthFailed:    "AUTH_FAILED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}
