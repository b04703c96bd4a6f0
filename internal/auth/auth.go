// Package auth provides credential check implementations for the broker.
package auth

import (
	"crypto/subtle"
	"sync"
)

// Verifier decides whether a CONNECT may proceed. username and password
// are empty when the client did not send them.
type Verifier interface {
	Verify(clientID, username string, password []byte) bool
}

type VerifierFunc func(clientID, username string, password []byte) bool

func (f VerifierFunc) Verify(clientID, username string, password []byte) bool {
	return f(clientID, username, password)
}

// AllowAll accepts every connection.
var AllowAll Verifier = VerifierFunc(func(string, string, []byte) bool { return true })

// Static checks credentials against a fixed user table.
type Static struct {
	mu             sync.RWMutex
	users          map[string]string
	allowAnonymous bool
}

func NewStatic(users map[string]string, allowAnonymous bool) *Static {
	s := &Static{users: make(map[string]string, len(users)), allowAnonymous: allowAnonymous}
	for name, password := range users {
		s.users[name] = password
	}
	return s
}

func (s *Static) SetUser(username, password string) {
	s.mu.Lock()
	s.users[username] = password
	s.mu.Unlock()
}

func (s *Static) RemoveUser(username string) {
	s.mu.Lock()
	delete(s.users, username)
	s.mu.Unlock()
}

func (s *Static) Verify(_ string, username string, password []byte) bool {
	if username == "" {
		return s.allowAnonymous
	}
	s.mu.RLock()
	expected, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), password) == 1
}
