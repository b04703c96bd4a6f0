package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/life-stream-dev/lsmq/internal/logger"
	"github.com/life-stream-dev/lsmq/internal/message"
)

var ErrUnavailable = errors.New("persistence backend unavailable")

type BreakerConfig struct {
	// Failures is the number of consecutive failures that opens the breaker.
	Failures int
	// Reset is how long the breaker stays open before a trial call.
	Reset time.Duration
}

// GuardedStore fails fast with ErrUnavailable while its backend keeps
// failing, instead of every caller waiting for the backend timeout.
// ErrNotFound and rejected empty keys are not failures.
type GuardedStore struct {
	store Store
	cb    *gobreaker.CircuitBreaker
}

var _ Store = (*GuardedStore)(nil)

func NewGuardedStore(store Store, name string, cfg BreakerConfig) *GuardedStore {
	failures := uint32(max(cfg.Failures, 1))
	return &GuardedStore{
		store: store,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     cfg.Reset,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.WarnF("Persistence %s circuit breaker %s -> %s", name, from, to)
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrNotFound) ||
					errors.Is(err, ErrClientIDEmpty) || errors.Is(err, ErrTopicNameEmpty)
			},
		}),
	}
}

func (g *GuardedStore) State() gobreaker.State {
	return g.cb.State()
}

func (g *GuardedStore) execute(call func() (any, error)) (any, error) {
	result, err := g.cb.Execute(call)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return result, err
}

func (g *GuardedStore) SaveRetained(ctx context.Context, msg *message.Message) error {
	_, err := g.execute(func() (any, error) { return nil, g.store.SaveRetained(ctx, msg) })
	return err
}

func (g *GuardedStore) DeleteRetained(ctx context.Context, topic string) error {
	_, err := g.execute(func() (any, error) { return nil, g.store.DeleteRetained(ctx, topic) })
	return err
}

func (g *GuardedStore) LoadRetained(ctx context.Context) ([]*message.Message, error) {
	result, err := g.execute(func() (any, error) { return g.store.LoadRetained(ctx) })
	if err != nil {
		return nil, err
	}
	return result.([]*message.Message), nil
}

func (g *GuardedStore) SaveSession(ctx context.Context, state *SessionState) error {
	_, err := g.execute(func() (any, error) { return nil, g.store.SaveSession(ctx, state) })
	return err
}

func (g *GuardedStore) LoadSession(ctx context.Context, clientID string) (*SessionState, error) {
	result, err := g.execute(func() (any, error) { return g.store.LoadSession(ctx, clientID) })
	if err != nil {
		return nil, err
	}
	return result.(*SessionState), nil
}

func (g *GuardedStore) DeleteSession(ctx context.Context, clientID string) error {
	_, err := g.execute(func() (any, error) { return nil, g.store.DeleteSession(ctx, clientID) })
	return err
}

func (g *GuardedStore) LoadSessions(ctx context.Context) ([]*SessionState, error) {
	result, err := g.execute(func() (any, error) { return g.store.LoadSessions(ctx) })
	if err != nil {
		return nil, err
	}
	return result.([]*SessionState), nil
}

func (g *GuardedStore) Close(ctx context.Context) error {
	return g.store.Close(ctx)
}
