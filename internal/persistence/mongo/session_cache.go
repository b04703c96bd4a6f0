package mongo

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/life-stream-dev/lsmq/internal/persistence"
)

// sessionCache holds the last session state written to or read from the
// database per client id. A nil cache is disabled.
type sessionCache struct {
	lru *expirable.LRU[string, *persistence.SessionState]
}

func newSessionCache(size int, ttl time.Duration) *sessionCache {
	if size <= 0 {
		return nil
	}
	return &sessionCache{lru: expirable.NewLRU[string, *persistence.SessionState](size, nil, ttl)}
}

func (c *sessionCache) get(clientID string) (*persistence.SessionState, bool) {
	if c == nil {
		return nil, false
	}
	state, ok := c.lru.Get(clientID)
	if !ok {
		return nil, false
	}
	return persistence.CloneState(state), true
}

func (c *sessionCache) put(state *persistence.SessionState) {
	if c != nil {
		c.lru.Add(state.ClientID, persistence.CloneState(state))
	}
}

// unchanged reports whether state is what the database already holds.
func (c *sessionCache) unchanged(state *persistence.SessionState) bool {
	if c == nil {
		return false
	}
	cached, ok := c.lru.Peek(state.ClientID)
	return ok && persistence.EqualState(cached, state)
}

func (c *sessionCache) remove(clientID string) {
	if c != nil {
		c.lru.Remove(clientID)
	}
}

func (c *sessionCache) purge() {
	if c != nil {
		c.lru.Purge()
	}
}
