package session

import (
	"testing"
	"time"

	"github.com/life-stream-dev/lsmq/internal/message"
	"github.com/life-stream-dev/lsmq/internal/topic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOrResumeTakeover(t *testing.T) {
	now := time.Now()
	store := NewStore(Config{})

	first := &fakeOwner{}
	sess, present := store.CreateOrResume("sub1-client", false, first, now)
	assert.False(t, present)
	require.NoError(t, store.AddSubscription(sess, "topic1", 1))

	second := &fakeOwner{}
	resumed, present := store.CreateOrResume("sub1-client", false, second, now)
	assert.True(t, present)
	assert.Same(t, sess, resumed)
	assert.Equal(t, 1, first.evicted, "prior connection evicted")
	assert.Equal(t, []Subscription{{Filter: "topic1", QoS: 1}}, resumed.Subscriptions())

	// the evicted connection ending later must not unbind the new one
	store.Release(sess, first, false, now)
	assert.True(t, resumed.Connected())
}

func TestCreateOrResumeCleanDiscards(t *testing.T) {
	now := time.Now()
	store := NewStore(Config{})
	var removed []string
	store.OnRemove(func(s *Session) { removed = append(removed, s.ClientID()) })

	old, _ := store.CreateOrResume("c", false, &fakeOwner{}, now)
	require.NoError(t, store.AddSubscription(old, "a/#", 0))

	owner := &fakeOwner{}
	fresh, present := store.CreateOrResume("c", true, owner, now)
	assert.False(t, present)
	assert.NotSame(t, old, fresh)
	assert.Empty(t, fresh.Subscriptions())
	assert.Empty(t, store.Match("a/b"), "old subscriptions left the index")
	assert.Equal(t, []string{"c"}, removed)
}

func TestCleanSessionNotResumedByPersistentConnect(t *testing.T) {
	now := time.Now()
	store := NewStore(Config{})
	owner := &fakeOwner{}
	old, _ := store.CreateOrResume("c1", true, owner, now)
	require.NoError(t, store.AddSubscription(old, "x/#", 1))
	store.Release(old, owner, false, now)

	sess, present := store.CreateOrResume("c1", false, &fakeOwner{}, now)
	assert.False(t, present)
	assert.NotSame(t, old, sess)
	assert.Empty(t, sess.Subscriptions())
	assert.Empty(t, store.Match("x/y"))
}

func TestSubscriptionsIdempotent(t *testing.T) {
	store := NewStore(Config{})
	sess, _ := store.CreateOrResume("c", false, &fakeOwner{}, time.Now())

	require.NoError(t, store.AddSubscription(sess, "a/+", 0))
	require.NoError(t, store.AddSubscription(sess, "a/+", 2))
	assert.Equal(t, []Subscription{{Filter: "a/+", QoS: 2}}, sess.Subscriptions())

	targets := store.Match("a/b")
	require.Len(t, targets, 1)
	assert.Equal(t, byte(2), targets[0].QoS)

	store.RemoveSubscription(sess, "a/+")
	store.RemoveSubscription(sess, "a/+")
	store.RemoveSubscription(sess, "never/subscribed")
	assert.Empty(t, sess.Subscriptions())
	assert.Empty(t, store.Match("a/b"))

	assert.ErrorIs(t, store.AddSubscription(sess, "a/#/b", 0), topic.ErrInvalidTopicFilter)
}

func TestAddSubscriptionQueuesRetainedFirst(t *testing.T) {
	now := time.Now()
	store := NewStore(Config{})
	sess, _ := store.CreateOrResume("c", false, &fakeOwner{}, now)

	retained := message.New("status", []byte("online"), 0, true)
	require.NoError(t, store.AddSubscription(sess, "status", 0, retained))
	require.NoError(t, store.Enqueue(sess, message.New("status", []byte("live"), 0, false)))

	first, _ := sess.Next(0, now)
	second, _ := sess.Next(0, now)
	assert.True(t, first.Retain)
	assert.Equal(t, []byte("live"), second.Payload)
}

func TestReleaseAndExpireStale(t *testing.T) {
	now := time.Now()
	store := NewStore(Config{Expiry: time.Hour})

	cleanOwner := &fakeOwner{}
	cleanSess, _ := store.CreateOrResume("clean", true, cleanOwner, now)
	durableOwner := &fakeOwner{}
	durable, _ := store.CreateOrResume("durable", false, durableOwner, now)
	liveOwner := &fakeOwner{}
	store.CreateOrResume("live", false, liveOwner, now)

	// silent failure: marked disconnected, clean session discarded on next check
	store.Release(cleanSess, cleanOwner, false, now)
	assert.False(t, cleanSess.Connected())
	_, ok := store.Get("clean")
	assert.True(t, ok)

	store.Release(durable, durableOwner, false, now)

	assert.Equal(t, 1, store.ExpireStale(now.Add(time.Minute)))
	_, ok = store.Get("clean")
	assert.False(t, ok)
	_, ok = store.Get("durable")
	assert.True(t, ok, "persistent session kept within expiry")

	assert.Equal(t, 1, store.ExpireStale(now.Add(2*time.Hour)))
	_, ok = store.Get("durable")
	assert.False(t, ok)
	_, ok = store.Get("live")
	assert.True(t, ok, "connected sessions never expire")
	assert.Equal(t, 1, store.Len())
}

func TestGracefulReleaseDestroysCleanSession(t *testing.T) {
	store := NewStore(Config{})
	owner := &fakeOwner{}
	sess, _ := store.CreateOrResume("c", true, owner, time.Now())
	require.NoError(t, store.AddSubscription(sess, "topic1", 0))

	store.Release(sess, owner, true, time.Now())
	_, ok := store.Get("c")
	assert.False(t, ok)
	assert.Empty(t, store.Match("topic1"))
}

func TestMatchScenarioTopic1Topic2(t *testing.T) {
	now := time.Now()
	store := NewStore(Config{})
	sub1, _ := store.CreateOrResume("sub1-client", false, &fakeOwner{}, now)
	sub2, _ := store.CreateOrResume("sub2-client", false, &fakeOwner{}, now)
	require.NoError(t, store.AddSubscription(sub1, "topic1", 0))
	require.NoError(t, store.AddSubscription(sub2, "topic2", 0))

	targets := store.Match("topic1")
	require.Len(t, targets, 1)
	assert.Same(t, sub1, targets[0].Session)
}

func TestSnapshotRestore(t *testing.T) {
	now := time.Now()
	store := NewStore(Config{})
	sess, _ := store.CreateOrResume("c", false, &fakeOwner{}, now)
	require.NoError(t, store.AddSubscription(sess, "a/#", 1))
	require.NoError(t, store.Enqueue(sess, message.New("a/1", []byte("one"), 1, false)))
	require.NoError(t, store.Enqueue(sess, message.New("a/2", []byte("two"), 2, false)))
	require.NoError(t, store.Enqueue(sess, message.New("a/3", []byte("three"), 0, false)))
	m1, _ := sess.Next(0, now)
	m2, _ := sess.Next(0, now)
	sess.Received(m2.PacketID, now)
	sess.MarkInbound(42, now)

	state := store.Snapshot(sess)
	assert.Len(t, state.Inflight, 2)
	assert.Len(t, state.Pending, 1)

	restoredStore := NewStore(Config{})
	restored, ok := restoredStore.Restore(state)
	require.True(t, ok)
	assert.False(t, restored.Connected())
	assert.Equal(t, []Subscription{{Filter: "a/#", QoS: 1}}, restored.Subscriptions())
	assert.Len(t, restoredStore.Match("a/x"), 1)

	assert.True(t, restored.Ack(m1.PacketID))
	assert.True(t, restored.Complete(m2.PacketID))
	assert.False(t, restored.MarkInbound(42, now))

	_, ok = restoredStore.Restore(state)
	assert.False(t, ok, "existing session is not overwritten")
}
