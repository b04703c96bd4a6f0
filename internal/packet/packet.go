// Package packet encodes and decodes the MQTT 3.1.1 control packets the
// broker and the client exchange.
package packet

import (
	"io"

	"github.com/life-stream-dev/lsmq/internal/mqtt"
)

// Packet is a decoded control packet.
type Packet interface {
	Type() mqtt.PacketType
	Encode() []byte
}

// Decode turns a framed packet into its typed form.
func Decode(packet *mqtt.Packet) (Packet, error) {
	switch packet.Header.Type {
	case mqtt.CONNECT:
		return ParseConnectPacket(packet)
	case mqtt.CONNACK:
		return ParseConnackPacket(packet)
	case mqtt.PUBLISH:
		return ParsePublishPacket(packet)
	case mqtt.PUBACK, mqtt.PUBREC, mqtt.PUBREL, mqtt.PUBCOMP, mqtt.UNSUBACK:
		return ParseAckPacket(packet)
	case mqtt.SUBSCRIBE:
		return ParseSubscribePacket(packet)
	case mqtt.SUBACK:
		return ParseSubackPacket(packet)
	case mqtt.UNSUBSCRIBE:
		return ParseUnsubscribePacket(packet)
	case mqtt.PINGREQ:
		return &Pingreq{}, expectEmpty(packet)
	case mqtt.PINGRESP:
		return &Pingresp{}, expectEmpty(packet)
	case mqtt.DISCONNECT:
		return &Disconnect{}, expectEmpty(packet)
	default:
		return nil, malformed("unsupported packet type %s", packet.Header.Type)
	}
}

// Read reads and decodes one packet from r.
func Read(r io.Reader, maxSize int) (Packet, error) {
	raw, err := mqtt.ReadPacket(r, maxSize)
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

// Write encodes p and writes all of it to w.
func Write(w io.Writer, p Packet) error {
	data := p.Encode()
	total := 0
	for total < len(data) {
		n, err := w.Write(data[total:])
		if err != nil {
			return err
		}
		total += n
	}
	return nil
}

func expectEmpty(packet *mqtt.Packet) error {
	if packet.Header.RemainingLength != 0 {
		return malformed("%s packet must not carry a payload", packet.Header.Type)
	}
	return nil
}
