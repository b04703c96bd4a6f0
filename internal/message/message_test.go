package message

import (
	"testing"

	"github.com/life-stream-dev/lsmq/internal/packet"
	"github.com/stretchr/testify/assert"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := New("topic1", []byte("hello"), 1, false)
	clone := original.Clone()
	clone.Payload[0] = 'J'
	clone.PacketID = 9

	assert.Equal(t, []byte("hello"), original.Payload)
	assert.Zero(t, original.PacketID)
}

func TestNewCopiesPayload(t *testing.T) {
	payload := []byte("abc")
	m := New("t", payload, 0, false)
	payload[0] = 'x'
	assert.Equal(t, []byte("abc"), m.Payload)
}

func TestPublishConversion(t *testing.T) {
	p := &packet.Publish{Topic: "a/b", QoS: 2, PacketID: 3, Retain: true, Payload: []byte("p")}
	m := FromPublish(p)
	assert.Equal(t, "a/b", m.Topic)
	assert.Equal(t, uint16(3), m.PacketID)
	assert.Equal(t, p, m.ToPublish())
}
