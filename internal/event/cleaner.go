package event

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/life-stream-dev/lsmq/internal/logger"
)

type Callable interface {
	Invoke(ctx context.Context) error
}

type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

// Cleaner runs shutdown callables in reverse registration order, so
// resources are released before the things they depend on.
type Cleaner struct {
	cleaners []Callable
	mu       sync.Mutex
	cleaning bool
	timeout  time.Duration
	done     chan struct{}
	err      error
}

func NewCleaner(timeout time.Duration) *Cleaner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Cleaner{timeout: timeout, done: make(chan struct{})}
}

func (c *Cleaner) Add(callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.Debug("Cleaner is already shutting down, ignoring new cleaner")
		return
	}
	c.cleaners = append(c.cleaners, callable)
}

// Clean invokes every registered callable once. Later calls wait for the
// first one and return its result.
func (c *Cleaner) Clean() error {
	c.mu.Lock()
	if c.cleaning {
		c.mu.Unlock()
		<-c.done
		return c.err
	}
	c.cleaning = true
	cleanersCopy := make([]Callable, len(c.cleaners))
	copy(cleanersCopy, c.cleaners)
	c.mu.Unlock()

	logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

	var errs []error
	for i := len(cleanersCopy) - 1; i >= 0; i-- {
		callable := cleanersCopy[i]
		logger.DebugF("Invoking cleaner #%d (%T)", i+1, callable)
		timeoutCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
		if err := callable.Invoke(timeoutCtx); err != nil {
			logger.ErrorF("Cleaner #%d (%T) failed: %v", i+1, callable, err)
			errs = append(errs, err)
		}
		cancel()
	}

	if len(errs) > 0 {
		logger.ErrorF("%d errors occurred during cleanup", len(errs))
	} else {
		logger.Debug("All cleaners executed successfully")
	}

	c.err = errors.Join(errs...)
	close(c.done)
	return c.err
}

// CleanOnDone runs Clean once ctx is cancelled, typically by a signal.
func (c *Cleaner) CleanOnDone(ctx context.Context) <-chan struct{} {
	go func() {
		<-ctx.Done()
		logger.Info("Received interrupt signal, shutting down")
		_ = c.Clean()
	}()
	return c.done
}
