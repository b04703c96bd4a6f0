package packet

import (
	"github.com/life-stream-dev/lsmq/internal/mqtt"
)

type Unsubscribe struct {
	PacketID uint16
	Filters  []string
}

func (*Unsubscribe) Type() mqtt.PacketType { return mqtt.UNSUBSCRIBE }

func (u *Unsubscribe) Encode() []byte {
	body := mqtt.UInt16ToByte(u.PacketID)
	for _, filter := range u.Filters {
		body = appendField(body, []byte(filter))
	}
	return frame(mqtt.UNSUBSCRIBE, mqtt.RequiredFlags(mqtt.UNSUBSCRIBE), body)
}

func ParseUnsubscribePacket(packet *mqtt.Packet) (*Unsubscribe, error) {
	packetID, err := readPacketUint16(packet.Payload)
	if err != nil {
		return nil, malformed("error occured when reading packet ID, details: %v", err)
	}
	result := &Unsubscribe{PacketID: packetID}

	for packet.Payload.CheckRemainingLength() {
		filter, err := readPacketString(packet.Payload)
		if err != nil {
			return nil, malformed("error occured when reading topic filter, details: %v", err)
		}
		result.Filters = append(result.Filters, filter)
	}

	if len(result.Filters) == 0 {
		return nil, malformed("UNSUBSCRIBE must contain at least one topic filter")
	}
	return result, nil
}
