// Package message defines the application message routed by the broker.
package message

import (
	"time"

	"github.com/life-stream-dev/lsmq/internal/packet"
)

// Message is treated as immutable once created. Every session queue holds
// its own Clone.
type Message struct {
	Topic    string    `json:"topic" bson:"topic"`
	Payload  []byte    `json:"payload" bson:"payload"`
	QoS      byte      `json:"qos" bson:"qos"`
	PacketID uint16    `json:"packet_id,omitempty" bson:"packet_id,omitempty"`
	Retain   bool      `json:"retain" bson:"retain"`
	Dup      bool      `json:"dup,omitempty" bson:"dup,omitempty"`
	Created  time.Time `json:"created" bson:"created"`
}

func New(topic string, payload []byte, qos byte, retain bool) *Message {
	m := &Message{Topic: topic, QoS: qos, Retain: retain, Created: time.Now()}
	if payload != nil {
		m.Payload = make([]byte, len(payload))
		copy(m.Payload, payload)
	}
	return m
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	c := *m
	if m.Payload != nil {
		c.Payload = make([]byte, len(m.Payload))
		copy(c.Payload, m.Payload)
	}
	return &c
}

// FromPublish builds a message from a received PUBLISH packet.
func FromPublish(p *packet.Publish) *Message {
	m := New(p.Topic, p.Payload, p.QoS, p.Retain)
	m.PacketID = p.PacketID
	m.Dup = p.Dup
	return m
}

// ToPublish builds the PUBLISH packet that carries m.
func (m *Message) ToPublish() *packet.Publish {
	return &packet.Publish{
		Dup:      m.Dup,
		QoS:      m.QoS,
		Retain:   m.Retain,
		Topic:    m.Topic,
		PacketID: m.PacketID,
		Payload:  m.Payload,
	}
}
