// Package mqtt holds the MQTT 3.1.1 control packet framing shared by the
// broker and the client: packet types, the fixed header and the error taxonomy.
package mqtt

// PacketType is the control packet type carried in the high nibble of the
// first fixed header byte.
type PacketType byte

const (
	CONNECT     PacketType = iota + 1 // client request to connect
	CONNACK                           // connect acknowledgment
	PUBLISH                           // publish message
	PUBACK                            // publish acknowledgment (QoS 1)
	PUBREC                            // publish received (QoS 2, step 1)
	PUBREL                            // publish release (QoS 2, step 2)
	PUBCOMP                           // publish complete (QoS 2, step 3)
	SUBSCRIBE                         // subscribe request
	SUBACK                            // subscribe acknowledgment
	UNSUBSCRIBE                       // unsubscribe request
	UNSUBACK                          // unsubscribe acknowledgment
	PINGREQ                           // ping request
	PINGRESP                          // ping response
	DISCONNECT                        // client is disconnecting
)

var PacketTypeMap = map[PacketType]string{
	CONNECT:     "CONNECT",
	CONNACK:     "CONNACK",
	PUBLISH:     "PUBLISH",
	PUBACK:      "PUBACK",
	PUBREC:      "PUBREC",
	PUBREL:      "PUBREL",
	PUBCOMP:     "PUBCOMP",
	SUBSCRIBE:   "SUBSCRIBE",
	SUBACK:      "SUBACK",
	UNSUBSCRIBE: "UNSUBSCRIBE",
	UNSUBACK:    "UNSUBACK",
	PINGREQ:     "PINGREQ",
	PINGRESP:    "PINGRESP",
	DISCONNECT:  "DISCONNECT",
}

func (packetType PacketType) String() string {
	if s, ok := PacketTypeMap[packetType]; ok {
		return s
	}
	return "UNKNOWN"
}

// requiredFlags lists the fixed header flags each packet type must carry.
// PUBLISH is absent because its flags carry DUP, QoS and RETAIN.
var requiredFlags = map[PacketType]byte{
	CONNECT:     0x00,
	CONNACK:     0x00,
	PUBACK:      0x00,
	PUBREC:      0x00,
	PUBREL:      0x02,
	PUBCOMP:     0x00,
	SUBSCRIBE:   0x02,
	SUBACK:      0x00,
	UNSUBSCRIBE: 0x02,
	UNSUBACK:    0x00,
	PINGREQ:     0x00,
	PINGRESP:    0x00,
	DISCONNECT:  0x00,
}

// FixedHeader is the first part of every control packet.
type FixedHeader struct {
	Type            PacketType
	Flags           byte
	RemainingLength int
}

// Payload is the variable header and payload of a packet, read sequentially.
type Payload struct {
	Context    []byte
	ContextLen int
	CurrentPtr int
}

// Packet is a framed but not yet decoded control packet.
type Packet struct {
	Header  *FixedHeader
	Payload *Payload
}

// HeaderByte builds the first fixed header byte.
func HeaderByte(pt PacketType, flags byte) byte {
	return byte(pt)<<4 | flags&0x0F
}

// RequiredFlags returns the flags a packet of this type is sent with.
func RequiredFlags(pt PacketType) byte {
	return requiredFlags[pt]
}
