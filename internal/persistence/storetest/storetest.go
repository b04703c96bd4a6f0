// Package storetest holds behaviour checks shared by every persistence
// backend.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/life-stream-dev/lsmq/internal/message"
	"github.com/life-stream-dev/lsmq/internal/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises a fresh store returned by newStore for each subtest.
func Run(t *testing.T, newStore func(t *testing.T) persistence.Store) {
	t.Run("Retained", func(t *testing.T) { testRetained(t, newStore(t)) })
	t.Run("Sessions", func(t *testing.T) { testSessions(t, newStore(t)) })
	t.Run("SessionContent", func(t *testing.T) { testSessionContent(t, newStore(t)) })
	t.Run("EmptyKeys", func(t *testing.T) { testEmptyKeys(t, newStore(t)) })
}

func testRetained(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	require.NoError(t, store.SaveRetained(ctx, message.New("sensors/b", []byte("1"), 0, true)))
	require.NoError(t, store.SaveRetained(ctx, message.New("sensors/a", []byte("2"), 1, true)))
	require.NoError(t, store.SaveRetained(ctx, message.New("sensors/a", []byte("3"), 2, true)))

	retained, err := store.LoadRetained(ctx)
	require.NoError(t, err)
	require.Len(t, retained, 2)
	byTopic := map[string]*message.Message{}
	for _, msg := range retained {
		byTopic[msg.Topic] = msg
	}
	assert.Equal(t, []byte("3"), byTopic["sensors/a"].Payload, "latest wins")
	assert.Equal(t, byte(2), byTopic["sensors/a"].QoS)
	assert.True(t, byTopic["sensors/a"].Retain)

	require.NoError(t, store.DeleteRetained(ctx, "sensors/a"))
	require.NoError(t, store.DeleteRetained(ctx, "sensors/missing"))
	retained, err = store.LoadRetained(ctx)
	require.NoError(t, err)
	require.Len(t, retained, 1)
	assert.Equal(t, "sensors/b", retained[0].Topic)
}

func testSessions(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, store.SaveSession(ctx, &persistence.SessionState{ClientID: id, LastActivity: time.Now()}))
	}

	state, err := store.LoadSession(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, "2", state.ClientID)

	require.NoError(t, store.DeleteSession(ctx, "1"))
	_, err = store.LoadSession(ctx, "1")
	assert.ErrorIs(t, err, persistence.ErrNotFound)

	all, err := store.LoadSessions(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, s := range all {
		ids = append(ids, s.ClientID)
	}
	assert.ElementsMatch(t, []string{"2", "3"}, ids)
}

func testSessionContent(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	inflight := message.New("a/c", []byte("y"), 2, false)
	inflight.PacketID = 7
	now := time.Now()
	state := &persistence.SessionState{
		ClientID:      "sub1-client",
		Subscriptions: []persistence.SubscriptionRecord{{Filter: "a/#", QoS: 1}, {Filter: "topic1", QoS: 0}},
		Pending:       []*message.Message{message.New("a/b", []byte("x"), 1, false)},
		Inflight:      []persistence.InflightRecord{{Message: inflight, Released: true}},
		InboundQoS2:   []uint16{3, 9},
		LastActivity:  now,
	}
	require.NoError(t, store.SaveSession(ctx, state))
	state.Pending[0].Payload[0] = 'z'

	// overwrite keeps a single document
	state.Subscriptions = append(state.Subscriptions, persistence.SubscriptionRecord{Filter: "b/+", QoS: 2})
	state.Pending[0].Payload[0] = 'x'
	require.NoError(t, store.SaveSession(ctx, state))

	loaded, err := store.LoadSession(ctx, "sub1-client")
	require.NoError(t, err)
	assert.ElementsMatch(t, state.Subscriptions, loaded.Subscriptions)
	require.Len(t, loaded.Pending, 1)
	assert.Equal(t, "a/b", loaded.Pending[0].Topic)
	assert.Equal(t, []byte("x"), loaded.Pending[0].Payload)
	require.Len(t, loaded.Inflight, 1)
	assert.True(t, loaded.Inflight[0].Released)
	assert.Equal(t, uint16(7), loaded.Inflight[0].Message.PacketID)
	assert.ElementsMatch(t, []uint16{3, 9}, loaded.InboundQoS2)
	assert.WithinDuration(t, now, loaded.LastActivity, time.Millisecond)

	all, err := store.LoadSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testEmptyKeys(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	assert.ErrorIs(t, store.SaveSession(ctx, &persistence.SessionState{}), persistence.ErrClientIDEmpty)
	_, err := store.LoadSession(ctx, "")
	assert.ErrorIs(t, err, persistence.ErrClientIDEmpty)
	assert.ErrorIs(t, store.DeleteSession(ctx, ""), persistence.ErrClientIDEmpty)
	assert.ErrorIs(t, store.SaveRetained(ctx, &message.Message{}), persistence.ErrTopicNameEmpty)
}
