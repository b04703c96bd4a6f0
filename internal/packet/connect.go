package packet

import (
	"github.com/life-stream-dev/lsmq/internal/mqtt"
)

type ConnectRespType byte

const (
	Accepted ConnectRespType = iota
	UnacceptableProtocol
	IdentifierRejected
	ServerUnavailable
	AuthenticationFailed
	NotAuthorized
)

var connectRespText = map[ConnectRespType]string{
	Accepted:             "connection accepted",
	UnacceptableProtocol: "unacceptable protocol version",
	IdentifierRejected:   "identifier rejected",
	ServerUnavailable:    "server unavailable",
	AuthenticationFailed: "bad user name or password",
	NotAuthorized:        "not authorized",
}

func (c ConnectRespType) String() string {
	if s, ok := connectRespText[c]; ok {
		return s
	}
	return "unknown return code"
}

const (
	ProtocolName    = "MQTT"
	ProtocolLevel   = 0x04
	ProtocolNameV31 = "MQIsdp"
	ProtocolLevel31 = 0x03
)

// Will is the message a broker publishes on behalf of a client whose
// connection ends without a DISCONNECT.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

type Connect struct {
	ProtocolName  string
	ProtocolLevel byte
	ClientID      string
	CleanSession  bool
	KeepAlive     uint16
	UsernameFlag  bool
	Username      string
	PasswordFlag  bool
	Password      []byte
	Will          *Will
}

func (*Connect) Type() mqtt.PacketType { return mqtt.CONNECT }

func (c *Connect) Encode() []byte {
	name := c.ProtocolName
	level := c.ProtocolLevel
	if name == "" {
		name, level = ProtocolName, ProtocolLevel
	}

	var flags byte
	if c.UsernameFlag {
		flags |= 0x80
	}
	if c.PasswordFlag {
		flags |= 0x40
	}
	if c.Will != nil {
		flags |= 0x04 | (c.Will.QoS&0x03)<<3
		if c.Will.Retain {
			flags |= 0x20
		}
	}
	if c.CleanSession {
		flags |= 0x02
	}

	body := appendField(nil, []byte(name))
	body = append(body, level, flags)
	body = append(body, mqtt.UInt16ToByte(c.KeepAlive)...)
	body = appendField(body, []byte(c.ClientID))
	if c.Will != nil {
		body = appendField(body, []byte(c.Will.Topic))
		body = appendField(body, c.Will.Payload)
	}
	if c.UsernameFlag {
		body = appendField(body, []byte(c.Username))
	}
	if c.PasswordFlag {
		body = appendField(body, c.Password)
	}
	return frame(mqtt.CONNECT, 0, body)
}

// ParseConnectPacket decodes the variable header and payload of a CONNECT
// packet. Protocol level is not checked here; the caller answers
// unsupported levels with CONNACK UnacceptableProtocol.
func ParseConnectPacket(packet *mqtt.Packet) (*Connect, error) {
	payload := packet.Payload
	result := &Connect{}

	protocolName, err := readPacketString(payload)
	if err != nil {
		return nil, malformed("unable to read protocol name")
	}
	if protocolName != ProtocolName && protocolName != ProtocolNameV31 {
		return nil, malformed("incorrect protocol name: %s", protocolName)
	}
	result.ProtocolName = protocolName

	if result.ProtocolLevel, err = readPacketByte(payload); err != nil {
		return nil, malformed("insufficient bytes for protocol version")
	}

	connectFlag, err := readPacketByte(payload)
	if err != nil {
		return nil, malformed("insufficient bytes for connect flags")
	}
	if connectFlag&0x01 != 0 {
		return nil, malformed("reserved connect flag must be 0")
	}

	result.UsernameFlag = connectFlag&0x80 != 0
	result.PasswordFlag = connectFlag&0x40 != 0
	result.CleanSession = connectFlag&0x02 != 0
	willFlag := connectFlag&0x04 != 0
	willRetain := connectFlag&0x20 != 0
	willQoS := (connectFlag & 0x18) >> 3

	if !willFlag && (willRetain || willQoS != 0) {
		return nil, malformed("will retain and will QoS must be 0 when will flag is not set")
	}
	if willQoS > 2 {
		return nil, malformed("will QoS must not be 3")
	}
	if result.PasswordFlag && !result.UsernameFlag {
		return nil, malformed("password flag set without user name flag")
	}

	if result.KeepAlive, err = readPacketUint16(payload); err != nil {
		return nil, malformed("unable to read keep alive time")
	}

	if result.ClientID, err = readPacketString(payload); err != nil {
		return nil, malformed("client ID: %v", err)
	}

	if willFlag {
		will := &Will{QoS: willQoS, Retain: willRetain}
		if will.Topic, err = readPacketString(payload); err != nil {
			return nil, malformed("will topic: %v", err)
		}
		content, err := readPacketPayload(payload)
		if err != nil {
			return nil, malformed("will content: %v", err)
		}
		will.Payload = copyBytes(content)
		result.Will = will
	}

	if result.UsernameFlag {
		if result.Username, err = readPacketString(payload); err != nil {
			return nil, malformed("username: %v", err)
		}
	}

	if result.PasswordFlag {
		password, err := readPacketPayload(payload)
		if err != nil {
			return nil, malformed("password: %v", err)
		}
		result.Password = copyBytes(password)
	}

	if payload.CheckRemainingLength() {
		return nil, malformed("unexpected %d trailing bytes in CONNECT", payload.Remaining())
	}
	return result, nil
}

type Connack struct {
	SessionPresent bool
	ReturnCode     ConnectRespType
}

func (*Connack) Type() mqtt.PacketType { return mqtt.CONNACK }

func (c *Connack) Encode() []byte {
	var present byte
	if c.SessionPresent {
		present = 0x01
	}
	return frame(mqtt.CONNACK, 0, []byte{present, byte(c.ReturnCode)})
}

func NewConnectAckPacket(sessionPresent bool, returnCode ConnectRespType) *Connack {
	return &Connack{SessionPresent: sessionPresent, ReturnCode: returnCode}
}

func ParseConnackPacket(packet *mqtt.Packet) (*Connack, error) {
	if packet.Header.RemainingLength != 2 {
		return nil, malformed("CONNACK must have a remaining length of 2")
	}
	data := packet.Payload.Context
	if data[0]&0xFE != 0 {
		return nil, malformed("reserved acknowledge flags must be 0")
	}
	return &Connack{SessionPresent: data[0]&0x01 == 1, ReturnCode: ConnectRespType(data[1])}, nil
}
