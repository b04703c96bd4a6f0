package connection

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConnection(t *testing.T, id string) (*Connection, net.Conn) {
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return NewConnection(server, id), client
}

func TestConnectionManagerLimit(t *testing.T) {
	cm := NewConnectionManager(1)
	first, _ := pipeConnection(t, "c1")
	second, _ := pipeConnection(t, "c2")

	require.NoError(t, cm.AddConnection(first))
	assert.ErrorIs(t, cm.AddConnection(second), ErrLimitReached)

	cm.RemoveConnection(first)
	assert.NoError(t, cm.AddConnection(second))
	assert.Equal(t, 1, cm.Len())
}

func TestConnectionManagerTakeoverBinding(t *testing.T) {
	cm := NewConnectionManager(0)
	old, _ := pipeConnection(t, "c1")
	fresh, _ := pipeConnection(t, "c2")
	require.NoError(t, cm.AddConnection(old))
	require.NoError(t, cm.AddConnection(fresh))

	cm.BindClient("sub1-client", old)
	cm.BindClient("sub1-client", fresh)
	assert.Equal(t, "sub1-client", old.ClientID())

	// the evicted connection leaving must keep the new binding
	cm.RemoveConnection(old)
	got, ok := cm.GetConnection("sub1-client")
	require.True(t, ok)
	assert.Same(t, fresh, got)

	cm.RemoveConnection(fresh)
	_, ok = cm.GetConnection("sub1-client")
	assert.False(t, ok)
	assert.Equal(t, 0, cm.Len())
}

func TestSendAndCloseAll(t *testing.T) {
	cm := NewConnectionManager(0)
	conn, peer := pipeConnection(t, "c1")
	require.NoError(t, cm.AddConnection(conn))

	go func() { _ = Send(conn.Conn, []byte{0xd0, 0x00}, conn.ConnID) }()
	buf := make([]byte, 2)
	_, err := peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xd0, 0x00}, buf)

	cm.CloseAll()
	_, err = peer.Read(buf)
	assert.Error(t, err)
}
