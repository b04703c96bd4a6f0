// Package server accepts MQTT connections and runs the per-connection
// protocol state machine on top of the delivery engine.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/life-stream-dev/lsmq/internal/auth"
	"github.com/life-stream-dev/lsmq/internal/config"
	"github.com/life-stream-dev/lsmq/internal/connection"
	"github.com/life-stream-dev/lsmq/internal/delivery"
	"github.com/life-stream-dev/lsmq/internal/logger"
	"github.com/life-stream-dev/lsmq/internal/metrics"
	"github.com/life-stream-dev/lsmq/internal/session"
)

type Options struct {
	MaxPacketSize  int
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	KeepaliveGrace float64
	SweepInterval  time.Duration
	// FlushInterval periodically stores persistent sessions, 0 disables it.
	FlushInterval  time.Duration
	MaxConnections int
	// AcceptRate limits new connections per second, 0 = unlimited.
	AcceptRate  float64
	AcceptBurst int
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		MaxPacketSize:  cfg.Broker.MaxPacketSize,
		ConnectTimeout: cfg.Broker.ConnectTimeout.Std(),
		WriteTimeout:   cfg.Broker.ConnectTimeout.Std(),
		KeepaliveGrace: cfg.Broker.KeepaliveGrace,
		SweepInterval:  cfg.Broker.SweepInterval.Std(),
		FlushInterval:  cfg.Persistence.FlushInterval.Std(),
		MaxConnections: cfg.Broker.MaxConnections,
		AcceptRate:     cfg.Broker.AcceptRate,
		AcceptBurst:    cfg.Broker.AcceptBurst,
	}
}

func (o *Options) applyDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = o.ConnectTimeout
	}
	if o.KeepaliveGrace < 1 {
		o.KeepaliveGrace = 1.5
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.AcceptBurst <= 0 {
		o.AcceptBurst = 1
	}
}

type Broker struct {
	engine   *delivery.Engine
	store    *session.Store
	verifier auth.Verifier
	conns    *connection.ConnectionManager
	metrics  *metrics.Metrics
	opts     Options
	limiter  *rate.Limiter

	wg       sync.WaitGroup
	mu       sync.Mutex
	shutdown bool
	stops    []context.CancelFunc
}

// NewBroker serves the sessions of engine. A nil verifier accepts everybody.
func NewBroker(engine *delivery.Engine, verifier auth.Verifier, m *metrics.Metrics, opts Options) *Broker {
	opts.applyDefaults()
	if verifier == nil {
		verifier = auth.AllowAll
	}
	b := &Broker{
		engine:   engine,
		store:    engine.Store(),
		verifier: verifier,
		conns:    connection.NewConnectionManager(opts.MaxConnections),
		metrics:  m,
		opts:     opts,
	}
	if opts.AcceptRate > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(opts.AcceptRate), opts.AcceptBurst)
	}
	b.store.OnRemove(func(sess *session.Session) {
		b.engine.ForgetSession(context.Background(), sess.ClientID())
		b.metrics.SetSessions(b.store.Len())
		logger.DebugF("Session %s removed", sess.ClientID())
	})
	return b
}

func (b *Broker) Engine() *delivery.Engine {
	return b.engine
}

func (b *Broker) Connections() *connection.ConnectionManager {
	return b.conns
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (b *Broker) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return b.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. It closes ln.
func (b *Broker) Serve(ctx context.Context, ln net.Listener) error {
	logger.InfoF("MQTT Server Listen On %s", ln.Addr().String())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	b.stops = append(b.stops, cancel)
	b.wg.Add(1)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	go func() {
		defer b.wg.Done()
		b.maintain(ctx)
	}()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				logger.WarnF("Accept connection error: %v; retrying in %v", err, backoff)
				time.Sleep(backoff)
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		backoff = 0

		if b.limiter != nil && !b.limiter.Allow() {
			logger.WarnF("[%s] Connection refused, accept rate exceeded", conn.RemoteAddr())
			b.metrics.ConnectionRejected(metrics.RejectRate)
			_ = conn.Close()
			continue
		}
		b.ServeConn(ctx, conn)
	}
}

// ServeConn runs the protocol on conn in a new goroutine. It reports false
// when conn was refused.
func (b *Broker) ServeConn(ctx context.Context, conn net.Conn) bool {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		_ = conn.Close()
		return false
	}
	c := connection.NewConnection(conn, conn.RemoteAddr().String())
	if err := b.conns.AddConnection(c); err != nil {
		b.mu.Unlock()
		logger.WarnF("[%s] Connection refused: %v", c.ConnID, err)
		b.metrics.ConnectionRejected(metrics.RejectLimit)
		_ = conn.Close()
		return false
	}
	b.wg.Add(1)
	b.mu.Unlock()

	logger.DebugF("Accepted new connection from %s", c.ConnID)
	b.metrics.ConnectionOpened()
	go func() {
		defer b.wg.Done()
		defer b.metrics.ConnectionClosed()
		defer b.conns.RemoveConnection(c)
		newConnectionHandler(b, c).handleConnection(ctx)
	}()
	return true
}

// maintain expires stale sessions and flushes persistent ones.
func (b *Broker) maintain(ctx context.Context) {
	sweep := time.NewTicker(b.opts.SweepInterval)
	defer sweep.Stop()
	var flush <-chan time.Time
	if b.opts.FlushInterval > 0 {
		ticker := time.NewTicker(b.opts.FlushInterval)
		defer ticker.Stop()
		flush = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-sweep.C:
			b.Sweep(now)
		case <-flush:
			if err := b.engine.PersistSessions(ctx); err != nil {
				logger.ErrorF("Fail to persist sessions: %v", err)
			}
		}
	}
}

// Sweep removes expired sessions and returns how many were removed.
func (b *Broker) Sweep(now time.Time) int {
	removed := b.store.ExpireStale(now)
	if removed > 0 {
		logger.InfoF("Expired %d stale sessions", removed)
	}
	b.metrics.SetSessions(b.store.Len())
	return removed
}

// Shutdown stops every Serve loop, closes every connection, waits for the
// handlers to finish and stores the persistent sessions.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.shutdown = true
	stops := b.stops
	b.stops = nil
	b.mu.Unlock()
	for _, stop := range stops {
		stop()
	}

	b.conns.CloseAll()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.engine.PersistSessions(ctx)
}

// Invoke lets the broker be registered with the shutdown cleaner.
func (b *Broker) Invoke(ctx context.Context) error {
	logger.Info("Stopping MQTT server")
	return b.Shutdown(ctx)
}
