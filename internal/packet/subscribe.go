package packet

import (
	"github.com/life-stream-dev/lsmq/internal/mqtt"
)

type SubscribeState byte

const (
	SuccessQos0 SubscribeState = iota
	SuccessQos1
	SuccessQos2
	Failure SubscribeState = 0x80
)

// Subscription is one requested (filter, qos) pair of a SUBSCRIBE.
type Subscription struct {
	Filter string
	QoS    byte
}

type Subscribe struct {
	PacketID      uint16
	Subscriptions []Subscription
}

func (*Subscribe) Type() mqtt.PacketType { return mqtt.SUBSCRIBE }

func (s *Subscribe) Encode() []byte {
	body := mqtt.UInt16ToByte(s.PacketID)
	for _, sub := range s.Subscriptions {
		body = appendField(body, []byte(sub.Filter))
		body = append(body, sub.QoS&0x03)
	}
	return frame(mqtt.SUBSCRIBE, mqtt.RequiredFlags(mqtt.SUBSCRIBE), body)
}

func ParseSubscribePacket(packet *mqtt.Packet) (*Subscribe, error) {
	result := &Subscribe{}

	packetID, err := readPacketUint16(packet.Payload)
	if err != nil {
		return nil, malformed("error occured when reading packet ID, details: %v", err)
	}
	result.PacketID = packetID

	for packet.Payload.CheckRemainingLength() {
		filter, err := readPacketString(packet.Payload)
		if err != nil {
			return nil, malformed("error occured when reading topic filter, details: %v", err)
		}
		qos, err := readPacketByte(packet.Payload)
		if err != nil {
			return nil, malformed("error occured when reading qos level, details: %v", err)
		}
		if qos&0xFC != 0 || qos == 3 {
			return nil, malformed("invalid requested QoS byte 0x%02x", qos)
		}
		result.Subscriptions = append(result.Subscriptions, Subscription{Filter: filter, QoS: qos})
	}

	if len(result.Subscriptions) == 0 {
		return nil, malformed("SUBSCRIBE must contain at least one topic filter")
	}
	return result, nil
}

type Suback struct {
	PacketID    uint16
	ReturnCodes []SubscribeState
}

func (*Suback) Type() mqtt.PacketType { return mqtt.SUBACK }

func (s *Suback) Encode() []byte {
	body := mqtt.UInt16ToByte(s.PacketID)
	for _, code := range s.ReturnCodes {
		body = append(body, byte(code))
	}
	return frame(mqtt.SUBACK, 0, body)
}

func NewSubAckPacket(packetID uint16, states ...SubscribeState) *Suback {
	return &Suback{PacketID: packetID, ReturnCodes: states}
}

func ParseSubackPacket(packet *mqtt.Packet) (*Suback, error) {
	packetID, err := readPacketUint16(packet.Payload)
	if err != nil {
		return nil, malformed("error occured when reading packet ID, details: %v", err)
	}
	result := &Suback{PacketID: packetID}
	for packet.Payload.CheckRemainingLength() {
		code, _ := readPacketByte(packet.Payload)
		state := SubscribeState(code)
		if state > SuccessQos2 && state != Failure {
			return nil, malformed("invalid SUBACK return code 0x%02x", code)
		}
		result.ReturnCodes = append(result.ReturnCodes, state)
	}
	return result, nil
}
