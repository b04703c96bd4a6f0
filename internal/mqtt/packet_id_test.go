package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPacketID(t *testing.T) {
	mgr := NewPacketIDManager()

	id1, ok := mgr.NextID()
	assert.True(t, ok)
	assert.Equal(t, uint16(1), id1)

	id2, _ := mgr.NextID()
	assert.Equal(t, uint16(2), id2)

	mgr.ReleaseID(id1)
	assert.Equal(t, 1, mgr.InUse())

	// overflow wraps to 1 and skips identifiers still in use
	mgr.currentID = 65535
	id3, _ := mgr.NextID()
	assert.Equal(t, uint16(65535), id3)
	id4, _ := mgr.NextID()
	assert.Equal(t, uint16(1), id4)
	mgr.Claim(3)
	id5, _ := mgr.NextID()
	assert.Equal(t, uint16(4), id5, "2 and 3 are in use")
}

func TestPacketIDExhausted(t *testing.T) {
	mgr := NewPacketIDManager()
	for i := 0; i < 65535; i++ {
		_, ok := mgr.NextID()
		assert.True(t, ok)
	}
	_, ok := mgr.NextID()
	assert.False(t, ok)
}
