// Package delivery routes published messages to the sessions subscribed to
// them and tracks the acknowledgment of QoS 1 and QoS 2 deliveries.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/life-stream-dev/lsmq/internal/logger"
	"github.com/life-stream-dev/lsmq/internal/message"
	"github.com/life-stream-dev/lsmq/internal/metrics"
	"github.com/life-stream-dev/lsmq/internal/mqtt"
	"github.com/life-stream-dev/lsmq/internal/persistence"
	"github.com/life-stream-dev/lsmq/internal/session"
	"github.com/life-stream-dev/lsmq/internal/topic"
)

type Config struct {
	// MaxQoS caps the QoS granted to subscriptions.
	MaxQoS        byte
	MaxInflight   int
	RetryInterval time.Duration
	MaxRetries    int
}

// Engine is shared by every connection. Lock order is Engine, then the
// Session Store, then a Session. persistMu is taken before mu.
type Engine struct {
	mu        sync.RWMutex
	persistMu sync.Mutex
	store     *session.Store
	persist   persistence.Store
	metrics   *metrics.Metrics
	cfg       Config
	retained  map[string]*message.Message
}

// NewEngine accepts a nil persist and a nil m.
func NewEngine(store *session.Store, persist persistence.Store, m *metrics.Metrics, cfg Config) *Engine {
	if cfg.MaxQoS > 2 {
		cfg.MaxQoS = 2
	}
	return &Engine{
		store:    store,
		persist:  persist,
		metrics:  m,
		cfg:      cfg,
		retained: make(map[string]*message.Message),
	}
}

func (e *Engine) Store() *session.Store {
	return e.store
}

func (e *Engine) Config() Config {
	return e.cfg
}

// LoadRetained replaces the retained messages with the persisted ones.
func (e *Engine) LoadRetained(ctx context.Context) error {
	if e.persist == nil {
		return nil
	}
	stored, err := e.persist.LoadRetained(ctx)
	if err != nil {
		return fmt.Errorf("load retained messages: %w", err)
	}
	e.mu.Lock()
	e.retained = make(map[string]*message.Message, len(stored))
	for _, msg := range stored {
		if topic.ValidateTopic(msg.Topic) != nil || len(msg.Payload) == 0 {
			continue
		}
		e.retained[msg.Topic] = msg
	}
	count := len(e.retained)
	e.mu.Unlock()

	e.metrics.SetRetained(count)
	logger.InfoF("Loaded %d retained messages", count)
	return nil
}

// Publish routes msg to every matching session and returns how many queued
// it. With Retain set, the retained message of the topic is replaced first,
// an empty payload clears it. Matching no session is not an error.
func (e *Engine) Publish(ctx context.Context, msg *message.Message) (int, error) {
	if err := topic.ValidateTopic(msg.Topic); err != nil {
		return 0, fmt.Errorf("%w: %w", mqtt.ErrProtocol, err)
	}
	if msg.QoS > 2 {
		return 0, fmt.Errorf("%w: invalid QoS %d", mqtt.ErrProtocol, msg.QoS)
	}

	var delivered int
	if msg.Retain {
		// retained update and routing happen as one step for Subscribe
		e.mu.Lock()
		e.updateRetainedLocked(msg)
		delivered = e.route(msg)
		e.mu.Unlock()
		e.persistRetained(ctx, msg.Topic)
	} else {
		e.mu.RLock()
		delivered = e.route(msg)
		e.mu.RUnlock()
	}
	logger.DebugF("Message on %s routed to %d sessions", msg.Topic, delivered)
	return delivered, nil
}

func (e *Engine) route(msg *message.Message) int {
	delivered := 0
	for _, target := range e.store.Match(msg.Topic) {
		out := msg.Clone()
		out.QoS = min(msg.QoS, target.QoS)
		out.PacketID = 0
		out.Dup = false
		out.Retain = false
		if err := e.store.Enqueue(target.Session, out); err != nil {
			e.metrics.MessageDropped(metrics.DropQueueFull)
			logger.WarnF("Message on %s not delivered to %s: %v", msg.Topic, target.Session.ClientID(), err)
			continue
		}
		e.metrics.MessageDelivered(out.QoS)
		delivered++
	}
	return delivered
}

func (e *Engine) updateRetainedLocked(msg *message.Message) {
	if len(msg.Payload) == 0 {
		delete(e.retained, msg.Topic)
	} else {
		stored := msg.Clone()
		stored.PacketID = 0
		stored.Dup = false
		stored.Retain = true
		e.retained[msg.Topic] = stored
	}
	e.metrics.SetRetained(len(e.retained))
}

// persistRetained writes the current retained message of name outside the
// engine lock. Writers are serialized and read the state they write under
// persistMu, so the last write matches memory.
func (e *Engine) persistRetained(ctx context.Context, name string) {
	if e.persist == nil {
		return
	}
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	e.mu.RLock()
	stored, ok := e.retained[name]
	e.mu.RUnlock()

	if !ok {
		if err := e.persist.DeleteRetained(ctx, name); err != nil {
			logger.ErrorF("Fail to delete retained message on %s: %v", name, err)
		}
		return
	}
	if err := e.persist.SaveRetained(ctx, stored); err != nil {
		logger.ErrorF("Fail to save retained message on %s: %v", name, err)
	}
}

// Subscribe adds or updates a subscription of sess and returns the granted
// QoS, at most Config.MaxQoS. Retained messages matching filter are queued
// ahead of any live message.
func (e *Engine) Subscribe(sess *session.Session, filter string, qos byte) (byte, error) {
	if err := topic.ValidateFilter(filter); err != nil {
		return 0, err
	}
	if qos > 2 {
		return 0, fmt.Errorf("%w: invalid QoS %d", mqtt.ErrProtocol, qos)
	}
	granted := min(qos, e.cfg.MaxQoS)

	e.mu.Lock()
	defer e.mu.Unlock()

	var retained []*message.Message
	for name, msg := range e.retained {
		if !topic.Matches(filter, name) {
			continue
		}
		out := msg.Clone()
		out.QoS = min(msg.QoS, granted)
		out.Retain = true
		retained = append(retained, out)
	}
	sort.Slice(retained, func(i, j int) bool { return retained[i].Topic < retained[j].Topic })

	if err := e.store.AddSubscription(sess, filter, granted, retained...); err != nil {
		return 0, err
	}
	e.metrics.Subscribed()
	logger.DebugF("[%s] Subscribed to %s with QoS %d, %d retained", sess.ClientID(), filter, granted, len(retained))
	return granted, nil
}

func (e *Engine) Unsubscribe(sess *session.Session, filter string) {
	e.store.RemoveSubscription(sess, filter)
	logger.DebugF("[%s] Unsubscribed from %s", sess.ClientID(), filter)
}

// Retained returns the retained messages sorted by topic.
func (e *Engine) Retained() []*message.Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	result := make([]*message.Message, 0, len(e.retained))
	for _, msg := range e.retained {
		result = append(result, msg.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Topic < result[j].Topic })
	return result
}

// Next returns the next message to write to the connection of sess.
func (e *Engine) Next(sess *session.Session, now time.Time) (*message.Message, bool) {
	return sess.Next(e.cfg.MaxInflight, now)
}

// Acknowledge handles PUBACK.
func (e *Engine) Acknowledge(sess *session.Session, packetID uint16) bool {
	if !sess.Ack(packetID) {
		logger.DebugF("[%s] PUBACK for unknown packet id %d", sess.ClientID(), packetID)
		return false
	}
	return true
}

// Received handles PUBREC and reports whether PUBREL must be sent.
func (e *Engine) Received(sess *session.Session, packetID uint16, now time.Time) bool {
	if !sess.Received(packetID, now) {
		logger.DebugF("[%s] PUBREC for unknown packet id %d", sess.ClientID(), packetID)
		return false
	}
	return true
}

// Complete handles PUBCOMP.
func (e *Engine) Complete(sess *session.Session, packetID uint16) bool {
	if !sess.Complete(packetID) {
		logger.DebugF("[%s] PUBCOMP for unknown packet id %d", sess.ClientID(), packetID)
		return false
	}
	return true
}

// Retransmits returns the overdue deliveries of sess. Deliveries out of
// retries are dropped and logged.
func (e *Engine) Retransmits(sess *session.Session, now time.Time) []session.Outbound {
	resend, dropped := sess.Retransmits(now, e.cfg.RetryInterval, e.cfg.MaxRetries)
	for _, msg := range dropped {
		e.metrics.MessageDropped(metrics.DropRetries)
		logger.WarnF("[%s] Message %d on %s dropped after %d retries", sess.ClientID(), msg.PacketID, msg.Topic, e.cfg.MaxRetries)
	}
	e.metrics.Retransmitted(len(resend))
	return resend
}

// PersistSession stores the state of a persistent session. Clean sessions
// and sessions no longer registered in the store are never stored.
func (e *Engine) PersistSession(ctx context.Context, sess *session.Session) error {
	if e.persist == nil || sess.CleanSession() {
		return nil
	}
	if current, ok := e.store.Get(sess.ClientID()); !ok || current != sess {
		return nil
	}
	return e.persist.SaveSession(ctx, e.store.Snapshot(sess))
}

// PersistSessions stores every persistent session and returns the first
// errors joined.
func (e *Engine) PersistSessions(ctx context.Context) error {
	if e.persist == nil {
		return nil
	}
	var errs []error
	for _, sess := range e.store.Sessions() {
		if err := e.PersistSession(ctx, sess); err != nil {
			errs = append(errs, fmt.Errorf("persist session %s: %w", sess.ClientID(), err))
		}
	}
	return errors.Join(errs...)
}

// ForgetSession deletes the stored state of a destroyed session.
func (e *Engine) ForgetSession(ctx context.Context, clientID string) {
	if e.persist == nil {
		return
	}
	if err := e.persist.DeleteSession(ctx, clientID); err != nil {
		logger.ErrorF("Fail to delete stored session %s: %v", clientID, err)
	}
}

// RestoreSessions recreates the persisted sessions as disconnected sessions.
func (e *Engine) RestoreSessions(ctx context.Context) (int, error) {
	if e.persist == nil {
		return 0, nil
	}
	states, err := e.persist.LoadSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load sessions: %w", err)
	}
	restored := 0
	for _, state := range states {
		if _, ok := e.store.Restore(state); ok {
			restored++
		}
	}
	e.metrics.SetSessions(e.store.Len())
	logger.InfoF("Restored %d persistent sessions", restored)
	return restored, nil
}
