package packet

import (
	"github.com/life-stream-dev/lsmq/internal/mqtt"
)

// Ack is any packet whose body is just a packet identifier:
// PUBACK, PUBREC, PUBREL, PUBCOMP and UNSUBACK.
type Ack struct {
	Kind     mqtt.PacketType
	PacketID uint16
}

func (a *Ack) Type() mqtt.PacketType { return a.Kind }

func (a *Ack) Encode() []byte {
	return frame(a.Kind, mqtt.RequiredFlags(a.Kind), mqtt.UInt16ToByte(a.PacketID))
}

func NewPubAckPacket(packetID uint16) *Ack  { return &Ack{Kind: mqtt.PUBACK, PacketID: packetID} }
func NewPubRecPacket(packetID uint16) *Ack  { return &Ack{Kind: mqtt.PUBREC, PacketID: packetID} }
func NewPubRelPacket(packetID uint16) *Ack  { return &Ack{Kind: mqtt.PUBREL, PacketID: packetID} }
func NewPubCompPacket(packetID uint16) *Ack { return &Ack{Kind: mqtt.PUBCOMP, PacketID: packetID} }

func NewUnSubAckPacket(packetID uint16) *Ack {
	return &Ack{Kind: mqtt.UNSUBACK, PacketID: packetID}
}

func ParseAckPacket(packet *mqtt.Packet) (*Ack, error) {
	if packet.Header.RemainingLength != 2 {
		return nil, malformed("%s must have a remaining length of 2", packet.Header.Type)
	}
	return &Ack{
		Kind:     packet.Header.Type,
		PacketID: mqtt.ByteToUInt16(packet.Payload.Context),
	}, nil
}
