package packet

import (
	"github.com/life-stream-dev/lsmq/internal/mqtt"
)

type Publish struct {
	Dup      bool
	QoS      byte
	Retain   bool
	Topic    string
	PacketID uint16
	Payload  []byte
}

func (*Publish) Type() mqtt.PacketType { return mqtt.PUBLISH }

func (p *Publish) flags() byte {
	flags := (p.QoS & 0x03) << 1
	if p.Dup {
		flags |= 0x08
	}
	if p.Retain {
		flags |= 0x01
	}
	return flags
}

func (p *Publish) Encode() []byte {
	body := make([]byte, 0, 2+len(p.Topic)+2+len(p.Payload))
	body = appendField(body, []byte(p.Topic))
	if p.QoS > 0 {
		body = append(body, mqtt.UInt16ToByte(p.PacketID)...)
	}
	body = append(body, p.Payload...)
	return frame(mqtt.PUBLISH, p.flags(), body)
}

func ParsePublishPacket(packet *mqtt.Packet) (*Publish, error) {
	flags := packet.Header.Flags
	result := &Publish{
		Dup:    flags&0x08 != 0,
		QoS:    (flags & 0x06) >> 1,
		Retain: flags&0x01 != 0,
	}

	if result.QoS == 0 && result.Dup {
		return nil, malformed("when QoS level is 0, DUP flag must be 0")
	}
	if result.QoS == 3 {
		return nil, malformed("the QoS level must not be 3")
	}

	topic, err := readPacketString(packet.Payload)
	if err != nil {
		return nil, malformed("error occured when reading topic name, details: %v", err)
	}
	result.Topic = topic

	if result.QoS > 0 {
		if result.PacketID, err = readPacketUint16(packet.Payload); err != nil {
			return nil, malformed("error occured when reading packet ID, details: %v", err)
		}
		if result.PacketID == 0 {
			return nil, malformed("packet ID must be non-zero for QoS %d", result.QoS)
		}
	}

	payload, err := readPacketBytes(packet.Payload, packet.Payload.Remaining())
	if err != nil {
		return nil, malformed("error occured when reading payload, details: %v", err)
	}
	result.Payload = copyBytes(payload)

	return result, nil
}
