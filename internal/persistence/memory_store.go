package persistence

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/life-stream-dev/lsmq/internal/message"
)

// MemoryStore keeps everything in process memory. It is the default backend
// and survives reconnects but not broker restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	retained map[string]*message.Message
	sessions map[string]*SessionState
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		retained: make(map[string]*message.Message),
		sessions: make(map[string]*SessionState),
	}
}

func (ms *MemoryStore) SaveRetained(_ context.Context, msg *message.Message) error {
	if msg.Topic == "" {
		return ErrTopicNameEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.retained[msg.Topic] = msg.Clone()
	return nil
}

func (ms *MemoryStore) DeleteRetained(_ context.Context, topic string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.retained, topic)
	return nil
}

func (ms *MemoryStore) LoadRetained(_ context.Context) ([]*message.Message, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	result := make([]*message.Message, 0, len(ms.retained))
	for _, msg := range ms.retained {
		result = append(result, msg.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Topic < result[j].Topic })
	return result, nil
}

func (ms *MemoryStore) SaveSession(_ context.Context, state *SessionState) error {
	if state.ClientID == "" {
		return ErrClientIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sessions[state.ClientID] = CloneState(state)
	return nil
}

func (ms *MemoryStore) LoadSession(_ context.Context, clientID string) (*SessionState, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	state, ok := ms.sessions[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return CloneState(state), nil
}

func (ms *MemoryStore) DeleteSession(_ context.Context, clientID string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.sessions, clientID)
	return nil
}

func (ms *MemoryStore) LoadSessions(_ context.Context) ([]*SessionState, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	result := make([]*SessionState, 0, len(ms.sessions))
	for _, state := range ms.sessions {
		result = append(result, CloneState(state))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ClientID < result[j].ClientID })
	return result, nil
}

func (ms *MemoryStore) Close(context.Context) error {
	return nil
}

// CloneState deep-copies a session state.
func CloneState(state *SessionState) *SessionState {
	c := &SessionState{
		ClientID:      state.ClientID,
		Subscriptions: append([]SubscriptionRecord(nil), state.Subscriptions...),
		InboundQoS2:   append([]uint16(nil), state.InboundQoS2...),
		LastActivity:  state.LastActivity,
	}
	for _, msg := range state.Pending {
		c.Pending = append(c.Pending, msg.Clone())
	}
	for _, rec := range state.Inflight {
		c.Inflight = append(c.Inflight, InflightRecord{Message: rec.Message.Clone(), Released: rec.Released})
	}
	return c
}

// EqualState reports whether a and b store the same session. Nil and empty
// lists are equal.
func EqualState(a, b *SessionState) bool {
	if a.ClientID != b.ClientID || !a.LastActivity.Equal(b.LastActivity) ||
		len(a.Subscriptions) != len(b.Subscriptions) || len(a.Pending) != len(b.Pending) ||
		len(a.Inflight) != len(b.Inflight) || len(a.InboundQoS2) != len(b.InboundQoS2) {
		return false
	}
	for i := range a.Subscriptions {
		if a.Subscriptions[i] != b.Subscriptions[i] {
			return false
		}
	}
	for i := range a.InboundQoS2 {
		if a.InboundQoS2[i] != b.InboundQoS2[i] {
			return false
		}
	}
	for i := range a.Pending {
		if !equalMessage(a.Pending[i], b.Pending[i]) {
			return false
		}
	}
	for i := range a.Inflight {
		if a.Inflight[i].Released != b.Inflight[i].Released || !equalMessage(a.Inflight[i].Message, b.Inflight[i].Message) {
			return false
		}
	}
	return true
}

func equalMessage(a, b *message.Message) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Topic == b.Topic && bytes.Equal(a.Payload, b.Payload) && a.QoS == b.QoS &&
		a.PacketID == b.PacketID && a.Retain == b.Retain && a.Dup == b.Dup && a.Created.Equal(b.Created)
}
