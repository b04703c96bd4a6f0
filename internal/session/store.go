package session

import (
	"sync"
	"time"

	"github.com/life-stream-dev/lsmq/internal/message"
	"github.com/life-stream-dev/lsmq/internal/persistence"
	"github.com/life-stream-dev/lsmq/internal/subscription"
	"github.com/life-stream-dev/lsmq/internal/topic"
)

type Config struct {
	// QueueLimit bounds pending plus inflight messages per session, 0 = unbounded.
	QueueLimit int
	// Expiry is how long a disconnected persistent session is kept, 0 = forever.
	Expiry time.Duration
}

// Target is a session matched by a published topic, with the QoS granted
// by its best matching subscription.
type Target struct {
	Session *Session
	QoS     byte
}

// Store owns every session of the broker. Lock order is Store before Session.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	index    *subscription.Tree
	cfg      Config
	onRemove func(*Session)
}

func NewStore(cfg Config) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		index:    subscription.NewTree(),
		cfg:      cfg,
	}
}

// OnRemove registers a hook called after a session has been destroyed.
func (s *Store) OnRemove(hook func(*Session)) {
	s.mu.Lock()
	s.onRemove = hook
	s.mu.Unlock()
}

// CreateOrResume binds owner to the session of clientID. A live connection
// already bound to it is evicted. With clean set, when no session exists, or
// when the existing session was itself clean, a fresh session replaces any
// stored state. present reports whether stored state was resumed.
func (s *Store) CreateOrResume(clientID string, clean bool, owner Owner, now time.Time) (sess *Session, present bool) {
	var evicted Owner
	var discarded *Session
	fresh := clean

	s.mu.Lock()
	existing := s.sessions[clientID]
	if existing != nil {
		existing.mu.Lock()
		// A clean session ends with its connection, it is never resumed.
		fresh = fresh || existing.clean
		evicted = existing.owner
		existing.owner = nil
		existing.connected = false
		existing.mu.Unlock()
	}

	if existing == nil || fresh {
		if existing != nil {
			s.unindexLocked(existing)
			discarded = existing
		}
		sess = newSession(clientID, clean, s.cfg.QueueLimit, now)
		s.sessions[clientID] = sess
	} else {
		sess = existing
		present = true
	}

	sess.mu.Lock()
	sess.clean = clean
	sess.owner = owner
	sess.connected = true
	sess.lastActivity = now
	sess.mu.Unlock()
	hook := s.onRemove
	s.mu.Unlock()

	if evicted != nil {
		evicted.Evict()
	}
	if discarded != nil && hook != nil {
		hook(discarded)
	}
	return sess, present
}

func (s *Store) Get(clientID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[clientID]
	return sess, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sessions returns a snapshot of all sessions.
func (s *Store) Sessions() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		result = append(result, sess)
	}
	return result
}

// AddSubscription subscribes sess to filter, updating the QoS of an existing
// subscription. Retained messages are queued in the same step so they are
// delivered before any live traffic on the new subscription.
func (s *Store) AddSubscription(sess *Session, filter string, qos byte, retained ...*message.Message) error {
	if err := topic.ValidateFilter(filter); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if s.sessions[sess.clientID] == sess {
		s.index.Insert(sess.clientID, filter, qos)
	}
	sess.subscriptions[filter] = qos
	for _, msg := range retained {
		if err := sess.enqueueLocked(msg); err != nil {
			break
		}
	}
	if len(retained) > 0 {
		sess.signal()
	}
	return nil
}

// RemoveSubscription is a no-op when sess is not subscribed to filter.
func (s *Store) RemoveSubscription(sess *Session, filter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if _, ok := sess.subscriptions[filter]; !ok {
		return
	}
	delete(sess.subscriptions, filter)
	if s.sessions[sess.clientID] == sess {
		s.index.Remove(sess.clientID, filter)
	}
}

// Enqueue appends msg to the outbound queue of sess. It fails with
// mqtt.ErrCapacityExceeded when the queue is full and msg cannot be accepted.
func (s *Store) Enqueue(sess *Session, msg *message.Message) error {
	sess.mu.Lock()
	err := sess.enqueueLocked(msg)
	sess.mu.Unlock()
	if err != nil {
		return err
	}
	sess.signal()
	return nil
}

// Match resolves the sessions subscribed to publishTopic.
func (s *Store) Match(publishTopic string) []Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subscribers := s.index.Match(publishTopic)
	targets := make([]Target, 0, len(subscribers))
	for _, sub := range subscribers {
		if sess, ok := s.sessions[sub.ClientID]; ok {
			targets = append(targets, Target{Session: sess, QoS: sub.QoS})
		}
	}
	return targets
}

// Release unbinds owner from sess once its connection ended. Nothing
// happens if another connection took the session over meanwhile. A clean
// session is destroyed right away after a DISCONNECT; otherwise it stays
// until ExpireStale removes it.
func (s *Store) Release(sess *Session, owner Owner, graceful bool, now time.Time) {
	sess.mu.Lock()
	if sess.owner != owner {
		sess.mu.Unlock()
		return
	}
	sess.owner = nil
	sess.connected = false
	sess.lastActivity = now
	destroy := sess.clean && graceful
	sess.mu.Unlock()

	if destroy {
		s.Remove(sess)
	}
}

// Remove destroys sess if it is still the registered session of its client.
func (s *Store) Remove(sess *Session) {
	s.mu.Lock()
	removed := s.removeLocked(sess)
	hook := s.onRemove
	s.mu.Unlock()
	if removed && hook != nil {
		hook(sess)
	}
}

func (s *Store) removeLocked(sess *Session) bool {
	if s.sessions[sess.clientID] != sess {
		return false
	}
	delete(s.sessions, sess.clientID)
	s.unindexLocked(sess)
	return true
}

func (s *Store) unindexLocked(sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for filter := range sess.subscriptions {
		s.index.Remove(sess.clientID, filter)
	}
}

// ExpireStale removes disconnected sessions that are clean or have been idle
// longer than the configured expiry, and returns how many were removed.
func (s *Store) ExpireStale(now time.Time) int {
	s.mu.Lock()
	var expired []*Session
	for _, sess := range s.sessions {
		sess.mu.Lock()
		stale := !sess.connected &&
			(sess.clean || (s.cfg.Expiry > 0 && now.Sub(sess.lastActivity) > s.cfg.Expiry))
		sess.mu.Unlock()
		if stale {
			expired = append(expired, sess)
		}
	}
	for _, sess := range expired {
		s.removeLocked(sess)
	}
	hook := s.onRemove
	s.mu.Unlock()

	if hook != nil {
		for _, sess := range expired {
			hook(sess)
		}
	}
	return len(expired)
}

// Snapshot captures the persistent state of sess.
func (s *Store) Snapshot(sess *Session) *persistence.SessionState {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	state := &persistence.SessionState{
		ClientID:     sess.clientID,
		LastActivity: sess.lastActivity,
	}
	for filter, qos := range sess.subscriptions {
		state.Subscriptions = append(state.Subscriptions, persistence.SubscriptionRecord{Filter: filter, QoS: qos})
	}
	for _, msg := range sess.pending {
		state.Pending = append(state.Pending, msg.Clone())
	}
	for _, inflight := range sess.orderedInflight() {
		state.Inflight = append(state.Inflight, persistence.InflightRecord{
			Message:  inflight.Message.Clone(),
			Released: inflight.State == AwaitingPubcomp,
		})
	}
	for id := range sess.inboundQoS2 {
		state.InboundQoS2 = append(state.InboundQoS2, id)
	}
	return state
}

// Restore recreates a disconnected persistent session from stored state.
// An existing session with the same client identifier is left untouched.
func (s *Store) Restore(state *persistence.SessionState) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[state.ClientID]; exists || state.ClientID == "" {
		return nil, false
	}

	sess := newSession(state.ClientID, false, s.cfg.QueueLimit, state.LastActivity)
	for _, sub := range state.Subscriptions {
		if topic.ValidateFilter(sub.Filter) != nil {
			continue
		}
		sess.subscriptions[sub.Filter] = sub.QoS
		s.index.Insert(sess.clientID, sub.Filter, sub.QoS)
	}
	for _, msg := range state.Pending {
		sess.pending = append(sess.pending, msg.Clone())
	}
	for _, rec := range state.Inflight {
		id := rec.Message.PacketID
		if id == 0 {
			continue
		}
		inflightState := AwaitingPuback
		switch {
		case rec.Released:
			inflightState = AwaitingPubcomp
		case rec.Message.QoS == 2:
			inflightState = AwaitingPubrec
		}
		sess.seq++
		sess.ids.Claim(id)
		sess.inflight[id] = &Inflight{Message: rec.Message.Clone(), State: inflightState, SentAt: state.LastActivity, seq: sess.seq}
	}
	for _, id := range state.InboundQoS2 {
		sess.inboundQoS2[id] = state.LastActivity
	}
	s.sessions[sess.clientID] = sess
	return sess, true
}
