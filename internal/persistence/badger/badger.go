// Package badger stores retained messages and persistent sessions in an
// embedded BadgerDB.
//
// Key format: retained:{topic} and session:{client_id}, values are JSON.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/life-stream-dev/lsmq/internal/logger"
	"github.com/life-stream-dev/lsmq/internal/message"
	"github.com/life-stream-dev/lsmq/internal/persistence"
)

const (
	retainedPrefix = "retained:"
	sessionPrefix  = "session:"
)

type Config struct {
	Dir      string
	InMemory bool
	// GCInterval drives value log garbage collection, 0 means every 5 minutes.
	GCInterval time.Duration
}

type Store struct {
	db *badger.DB

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

var _ persistence.Store = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go s.runGC(interval, cfg.InMemory)
	logger.InfoF("Badger store opened (dir=%q, in_memory=%v)", cfg.Dir, cfg.InMemory)
	return s, nil
}

func (s *Store) runGC(interval time.Duration, inMemory bool) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !inMemory {
				// ErrNoRewrite just means nothing to collect
				_ = s.db.RunValueLogGC(0.5)
			}
		case <-s.gcStopCh:
			return
		}
	}
}

func (s *Store) set(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (s *Store) get(key string, value any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return persistence.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, value)
		})
	})
}

func (s *Store) delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// scan decodes every value under prefix with decode.
func (s *Store) scan(prefix string, decode func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if err := item.Value(decode); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %w", item.Key(), err)
			}
		}
		return nil
	})
}

func (s *Store) SaveRetained(_ context.Context, msg *message.Message) error {
	if msg.Topic == "" {
		return persistence.ErrTopicNameEmpty
	}
	return s.set(retainedPrefix+msg.Topic, msg)
}

func (s *Store) DeleteRetained(_ context.Context, topic string) error {
	return s.delete(retainedPrefix + topic)
}

func (s *Store) LoadRetained(_ context.Context) ([]*message.Message, error) {
	var result []*message.Message
	err := s.scan(retainedPrefix, func(val []byte) error {
		var msg message.Message
		if err := json.Unmarshal(val, &msg); err != nil {
			return err
		}
		result = append(result, &msg)
		return nil
	})
	return result, err
}

func (s *Store) SaveSession(_ context.Context, state *persistence.SessionState) error {
	if state.ClientID == "" {
		return persistence.ErrClientIDEmpty
	}
	return s.set(sessionPrefix+state.ClientID, state)
}

func (s *Store) LoadSession(_ context.Context, clientID string) (*persistence.SessionState, error) {
	if clientID == "" {
		return nil, persistence.ErrClientIDEmpty
	}
	var state persistence.SessionState
	if err := s.get(sessionPrefix+clientID, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *Store) DeleteSession(_ context.Context, clientID string) error {
	if clientID == "" {
		return persistence.ErrClientIDEmpty
	}
	return s.delete(sessionPrefix + clientID)
}

func (s *Store) LoadSessions(_ context.Context) ([]*persistence.SessionState, error) {
	var result []*persistence.SessionState
	err := s.scan(sessionPrefix, func(val []byte) error {
		var state persistence.SessionState
		if err := json.Unmarshal(val, &state); err != nil {
			return err
		}
		result = append(result, &state)
		return nil
	})
	return result, err
}

func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone
	return s.db.Close()
}
