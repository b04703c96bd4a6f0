// Package session holds per-client session state and the broker-wide
// Session Store.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/life-stream-dev/lsmq/internal/logger"
	"github.com/life-stream-dev/lsmq/internal/message"
	"github.com/life-stream-dev/lsmq/internal/mqtt"
)

type InflightState byte

const (
	AwaitingPuback  InflightState = iota // QoS 1 sent, waiting for PUBACK
	AwaitingPubrec                       // QoS 2 sent, waiting for PUBREC
	AwaitingPubcomp                      // PUBREL sent, waiting for PUBCOMP
)

// Inflight is an outbound QoS>0 message awaiting acknowledgment.
type Inflight struct {
	Message *message.Message
	State   InflightState
	SentAt  time.Time
	Retries int
	seq     uint64
}

// Outbound is a packet the owning connection has to (re)send.
// Release asks for a PUBREL instead of the PUBLISH itself.
type Outbound struct {
	Message *message.Message
	Release bool
}

// Subscription is owned by exactly one Session.
type Subscription struct {
	Filter string
	QoS    byte
}

// Owner is the live connection bound to a session.
type Owner interface {
	// Evict closes the connection because another one took the session over.
	// It must not block.
	Evict()
}

type Session struct {
	mu sync.Mutex

	clientID      string
	clean         bool
	subscriptions map[string]byte
	pending       []*message.Message
	inflight      map[uint16]*Inflight
	inboundQoS2   map[uint16]time.Time
	seq           uint64
	lastActivity  time.Time
	connected     bool
	owner         Owner
	ids           *mqtt.PacketIDManager
	notify        chan struct{}
	queueLimit    int
}

func newSession(clientID string, clean bool, queueLimit int, now time.Time) *Session {
	return &Session{
		clientID:      clientID,
		clean:         clean,
		subscriptions: make(map[string]byte),
		inflight:      make(map[uint16]*Inflight),
		inboundQoS2:   make(map[uint16]time.Time),
		lastActivity:  now,
		ids:           mqtt.NewPacketIDManager(),
		notify:        make(chan struct{}, 1),
		queueLimit:    queueLimit,
	}
}

func (s *Session) ClientID() string {
	return s.clientID
}

func (s *Session) CleanSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clean
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Touch records traffic from the client.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// Notify fires when new outbound work was queued or inflight space freed.
func (s *Session) Notify() <-chan struct{} {
	return s.notify
}

func (s *Session) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Subscriptions returns a snapshot sorted by filter.
func (s *Session) Subscriptions() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Subscription, 0, len(s.subscriptions))
	for filter, qos := range s.subscriptions {
		result = append(result, Subscription{Filter: filter, QoS: qos})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Filter < result[j].Filter })
	return result
}

func (s *Session) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Session) InflightLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// enqueueLocked applies the queue limit: a full queue drops its oldest QoS 0
// message to make room for a new QoS 0 one and rejects QoS>0 messages.
func (s *Session) enqueueLocked(msg *message.Message) error {
	if s.queueLimit > 0 && len(s.pending)+len(s.inflight) >= s.queueLimit {
		if msg.QoS > 0 {
			return mqtt.ErrCapacityExceeded
		}
		dropped := -1
		for i, queued := range s.pending {
			if queued.QoS == 0 {
				dropped = i
				break
			}
		}
		if dropped < 0 {
			return mqtt.ErrCapacityExceeded
		}
		logger.DebugF("[%s] Queue full, dropping oldest QoS 0 message on %s", s.clientID, s.pending[dropped].Topic)
		s.pending = append(s.pending[:dropped], s.pending[dropped+1:]...)
	}
	s.pending = append(s.pending, msg)
	return nil
}

// Next pops the head of the outbound queue. QoS>0 messages get a packet
// identifier and move to the inflight set; they are held back while
// maxInflight messages are unacknowledged, preserving FIFO order.
func (s *Session) Next(maxInflight int, now time.Time) (*message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil, false
	}
	head := s.pending[0]
	if head.QoS > 0 {
		if maxInflight > 0 && len(s.inflight) >= maxInflight {
			return nil, false
		}
		id, ok := s.ids.NextID()
		if !ok {
			return nil, false
		}
		head.PacketID = id
		state := AwaitingPuback
		if head.QoS == 2 {
			state = AwaitingPubrec
		}
		s.seq++
		s.inflight[id] = &Inflight{Message: head, State: state, SentAt: now, seq: s.seq}
	}
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return head.Clone(), true
}

func (s *Session) finish(id uint16) {
	delete(s.inflight, id)
	s.ids.ReleaseID(id)
	s.signal()
}

// Ack handles PUBACK.
func (s *Session) Ack(id uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	inflight, ok := s.inflight[id]
	if !ok || inflight.State != AwaitingPuback {
		return false
	}
	s.finish(id)
	return true
}

// Received handles PUBREC and reports whether a PUBREL must be sent.
// A repeated PUBREC for a released message is answered again.
func (s *Session) Received(id uint16, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	inflight, ok := s.inflight[id]
	if !ok {
		return false
	}
	switch inflight.State {
	case AwaitingPubrec:
		inflight.State = AwaitingPubcomp
		inflight.SentAt = now
		inflight.Retries = 0
		return true
	case AwaitingPubcomp:
		return true
	}
	return false
}

// Complete handles PUBCOMP.
func (s *Session) Complete(id uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	inflight, ok := s.inflight[id]
	if !ok || inflight.State != AwaitingPubcomp {
		return false
	}
	s.finish(id)
	return true
}

func (s *Session) orderedInflight() []*Inflight {
	list := make([]*Inflight, 0, len(s.inflight))
	for _, inflight := range s.inflight {
		list = append(list, inflight)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	return list
}

func outboundFor(inflight *Inflight) Outbound {
	if inflight.State == AwaitingPubcomp {
		return Outbound{Message: inflight.Message.Clone(), Release: true}
	}
	msg := inflight.Message.Clone()
	msg.Dup = true
	return Outbound{Message: msg}
}

// Retransmits returns the inflight messages whose acknowledgment is overdue.
// Messages already retried maxRetries times are dropped and returned
// separately.
func (s *Session) Retransmits(now time.Time, interval time.Duration, maxRetries int) (resend []Outbound, dropped []*message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, inflight := range s.orderedInflight() {
		if now.Sub(inflight.SentAt) < interval {
			continue
		}
		if inflight.Retries >= maxRetries {
			dropped = append(dropped, inflight.Message)
			s.finish(inflight.Message.PacketID)
			continue
		}
		inflight.Retries++
		inflight.SentAt = now
		resend = append(resend, outboundFor(inflight))
	}
	return resend, dropped
}

// Resume returns every inflight message for resending after a reconnect.
func (s *Session) Resume(now time.Time) []Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	var resend []Outbound
	for _, inflight := range s.orderedInflight() {
		inflight.SentAt = now
		resend = append(resend, outboundFor(inflight))
	}
	return resend
}

// MarkInbound records an inbound QoS 2 packet identifier and reports
// whether it is new. A duplicate must not be delivered again.
func (s *Session) MarkInbound(id uint16, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.inboundQoS2[id]; seen {
		return false
	}
	s.inboundQoS2[id] = now
	return true
}

// ReleaseInbound handles PUBREL for an inbound QoS 2 flow.
func (s *Session) ReleaseInbound(id uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.inboundQoS2[id]; !seen {
		return false
	}
	delete(s.inboundQoS2, id)
	return true
}
