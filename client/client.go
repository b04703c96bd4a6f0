// Package client is an MQTT 3.1.1 client. Received messages are handed to
// the handlers registered with Subscribe from the goroutine calling Run,
// which also reconnects after a lost connection.
package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/lsmq/internal/logger"
	"github.com/life-stream-dev/lsmq/internal/message"
	"github.com/life-stream-dev/lsmq/internal/mqtt"
	"github.com/life-stream-dev/lsmq/internal/packet"
	"github.com/life-stream-dev/lsmq/internal/topic"
)

var (
	ErrNotConnected        = errors.New("client not connected")
	ErrConnectionLost      = errors.New("connection lost")
	ErrClosed              = errors.New("client closed")
	ErrSubscriptionRefused = errors.New("subscription refused")
)

type Message = message.Message

// Handler is called for every received message whose topic matches the
// filter it was registered with.
type Handler func(msg *Message)

type ConnectResult struct {
	SessionPresent bool
	ReturnCode     packet.ConnectRespType
}

type subscription struct {
	qos     byte
	handler Handler
}

// link is one established connection.
type link struct {
	conn     net.Conn
	writeMu  sync.Mutex
	lost     chan struct{}
	lostOnce sync.Once
	err      error
	lastRecv atomic.Int64
	lastSent atomic.Int64
}

func newLink(conn net.Conn) *link {
	l := &link{conn: conn, lost: make(chan struct{})}
	now := time.Now().UnixNano()
	l.lastRecv.Store(now)
	l.lastSent.Store(now)
	return l
}

func (l *link) close(err error) {
	l.lostOnce.Do(func() {
		l.err = err
		close(l.lost)
		_ = l.conn.Close()
	})
}

func (l *link) send(p packet.Packet, timeout time.Duration) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := packet.Write(l.conn, p); err != nil {
		err = errors.Join(mqtt.ErrTransport, err)
		l.close(err)
		return err
	}
	l.lastSent.Store(time.Now().UnixNano())
	return nil
}

// inbox holds received messages until Run dispatches them. It never blocks
// the reader, so acks for requests made by handlers are still read.
type inbox struct {
	mu     sync.Mutex
	queue  []*Message
	notify chan struct{}
}

func newInbox(capacity int) *inbox {
	return &inbox{queue: make([]*Message, 0, capacity), notify: make(chan struct{}, 1)}
}

func (q *inbox) push(msg *Message) {
	q.mu.Lock()
	q.queue = append(q.queue, msg)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// take returns every queued message.
func (q *inbox) take() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.queue
	q.queue = make([]*Message, 0, cap(msgs))
	return msgs
}

type Client struct {
	opts Options
	ids  *mqtt.PacketIDManager

	mu       sync.Mutex
	link     *link
	closed   bool
	handlers map[string]subscription
	pending  map[uint16]chan packet.Packet
	inbound  map[uint16]struct{}

	incoming *inbox
}

func New(opts Options) (*Client, error) {
	if opts.Dialer == nil {
		return nil, errors.New("client: no dialer")
	}
	if opts.ClientID == "" && !opts.CleanSession {
		return nil, errors.New("client: a persistent session needs a client id")
	}
	if opts.KeepAlive < 0 || opts.KeepAlive > math.MaxUint16*time.Second {
		return nil, fmt.Errorf("client: keepalive %v out of range 0..%ds", opts.KeepAlive, math.MaxUint16)
	}
	opts.applyDefaults()
	return &Client{
		opts:     opts,
		ids:      mqtt.NewPacketIDManager(),
		handlers: make(map[string]subscription),
		pending:  make(map[uint16]chan packet.Packet),
		inbound:  make(map[uint16]struct{}),
		incoming: newInbox(opts.Buffer),
	}, nil
}

func (c *Client) current() *link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

func (c *Client) IsConnected() bool {
	return c.current() != nil
}

// detach forgets l if it is still the current connection.
func (c *Client) detach(l *link) {
	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	c.mu.Unlock()
}

func (c *Client) lose(l *link, err error) {
	l.close(err)
	c.detach(l)
}

// Connect dials the broker and performs the CONNECT handshake. A refused
// connection returns the result with its return code and an error wrapping
// mqtt.ErrAuth.
func (c *Client) Connect(ctx context.Context) (*ConnectResult, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, ErrClosed
	case c.link != nil:
		c.mu.Unlock()
		return nil, errors.New("client already connected")
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	conn, err := c.opts.Dialer(ctx)
	if err != nil {
		return nil, errors.Join(mqtt.ErrTransport, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	l := newLink(conn)
	connect := &packet.Connect{
		ClientID:     c.opts.ClientID,
		CleanSession: c.opts.CleanSession,
		KeepAlive:    uint16(c.opts.KeepAlive / time.Second),
		UsernameFlag: c.opts.Username != "",
		Username:     c.opts.Username,
		PasswordFlag: c.opts.Password != nil,
		Password:     c.opts.Password,
		Will:         c.opts.Will,
	}
	if err := l.send(connect, c.opts.ConnectTimeout); err != nil {
		return nil, err
	}

	reply, err := packet.Read(conn, c.opts.MaxPacketSize)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("fail to read CONNACK: %w", mqtt.ClassifyReadError(err))
	}
	connack, ok := reply.(*packet.Connack)
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: expected CONNACK, got %s", mqtt.ErrProtocol, reply.Type())
	}
	result := &ConnectResult{SessionPresent: connack.SessionPresent, ReturnCode: connack.ReturnCode}
	if connack.ReturnCode != packet.Accepted {
		_ = conn.Close()
		return result, fmt.Errorf("%w: %s", mqtt.ErrAuth, connack.ReturnCode)
	}
	if !stop() {
		_ = conn.Close()
		return nil, ctx.Err()
	}
	_ = conn.SetDeadline(time.Time{})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	c.link = l
	if !connack.SessionPresent {
		c.inbound = make(map[uint16]struct{})
	}
	c.mu.Unlock()

	go c.read(l)
	if c.opts.KeepAlive > 0 {
		go c.keepalive(l)
	}
	logger.InfoF("[%s] Connected, session present %v", c.opts.ClientID, connack.SessionPresent)
	return result, nil
}

func (c *Client) read(l *link) {
	for {
		p, err := packet.Read(l.conn, c.opts.MaxPacketSize)
		if err != nil {
			c.lose(l, mqtt.ClassifyReadError(err))
			return
		}
		l.lastRecv.Store(time.Now().UnixNano())
		if err := c.handle(l, p); err != nil {
			c.lose(l, err)
			return
		}
	}
}

// keepalive pings an idle connection and gives it up after 1.5 keepalive
// periods without traffic from the broker.
func (c *Client) keepalive(l *link) {
	interval := c.opts.KeepAlive
	limit := interval + interval/2
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-l.lost:
			return
		case now := <-ticker.C:
			if silent := now.Sub(time.Unix(0, l.lastRecv.Load())); silent > limit {
				c.lose(l, fmt.Errorf("%w: no packet from broker for %v", mqtt.ErrTimeout, silent.Truncate(time.Millisecond)))
				return
			}
			if now.Sub(time.Unix(0, l.lastSent.Load())) >= interval/2 {
				if err := l.send(&packet.Pingreq{}, c.opts.ConnectTimeout); err != nil {
					c.detach(l)
					return
				}
			}
		}
	}
}

func (c *Client) handle(l *link, p packet.Packet) error {
	switch p := p.(type) {
	case *packet.Publish:
		return c.receive(l, p)
	case *packet.Ack:
		switch p.Kind {
		case mqtt.PUBREL:
			c.mu.Lock()
			delete(c.inbound, p.PacketID)
			c.mu.Unlock()
			return l.send(packet.NewPubCompPacket(p.PacketID), c.opts.ConnectTimeout)
		case mqtt.PUBREC:
			return l.send(packet.NewPubRelPacket(p.PacketID), c.opts.ConnectTimeout)
		default:
			c.resolve(p.PacketID, p)
		}
	case *packet.Suback:
		c.resolve(p.PacketID, p)
	case *packet.Pingresp:
	default:
		return fmt.Errorf("%w: unexpected %s packet from broker", mqtt.ErrProtocol, p.Type())
	}
	return nil
}

// receive hands a PUBLISH to Run. A QoS 2 packet id is handed over once
// and ignored until the broker releases it.
func (c *Client) receive(l *link, p *packet.Publish) error {
	msg := message.FromPublish(p)
	switch p.QoS {
	case 0:
		c.incoming.push(msg)
		return nil
	case 1:
		c.incoming.push(msg)
		return l.send(packet.NewPubAckPacket(p.PacketID), c.opts.ConnectTimeout)
	default:
		c.mu.Lock()
		_, seen := c.inbound[p.PacketID]
		c.inbound[p.PacketID] = struct{}{}
		c.mu.Unlock()
		if !seen {
			c.incoming.push(msg)
		}
		return l.send(packet.NewPubRecPacket(p.PacketID), c.opts.ConnectTimeout)
	}
}

func (c *Client) resolve(id uint16, p packet.Packet) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		logger.DebugF("[%s] %s for unknown packet id %d", c.opts.ClientID, p.Type(), id)
		return
	}
	select {
	case ch <- p:
	default:
	}
}

// request sends the packet built for a fresh packet id and waits for the
// reply of the given kind.
func (c *Client) request(ctx context.Context, l *link, kind mqtt.PacketType, build func(id uint16) packet.Packet) (packet.Packet, error) {
	id, ok := c.ids.NextID()
	if !ok {
		return nil, fmt.Errorf("%w: no free packet identifier", mqtt.ErrCapacityExceeded)
	}
	defer c.ids.ReleaseID(id)

	ch := make(chan packet.Packet, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := l.send(build(id), c.opts.ConnectTimeout); err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		if reply.Type() != kind {
			return nil, fmt.Errorf("%w: expected %s for packet %d, got %s", mqtt.ErrProtocol, kind, id, reply.Type())
		}
		return reply, nil
	case <-l.lost:
		return nil, errors.Join(ErrConnectionLost, l.err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Publish sends a message. For QoS 1 and 2 it returns once the broker
// acknowledged it with PUBACK or PUBCOMP.
func (c *Client) Publish(ctx context.Context, topicName string, payload []byte, qos byte, retain bool) error {
	if err := topic.ValidateTopic(topicName); err != nil {
		return fmt.Errorf("%w: %w", mqtt.ErrProtocol, err)
	}
	if qos > 2 {
		return fmt.Errorf("%w: invalid QoS %d", mqtt.ErrProtocol, qos)
	}
	l := c.current()
	if l == nil {
		return ErrNotConnected
	}

	publish := &packet.Publish{Topic: topicName, Payload: payload, QoS: qos, Retain: retain}
	if qos == 0 {
		return l.send(publish, c.opts.ConnectTimeout)
	}
	kind := mqtt.PUBACK
	if qos == 2 {
		kind = mqtt.PUBCOMP
	}
	_, err := c.request(ctx, l, kind, func(id uint16) packet.Packet {
		publish.PacketID = id
		return publish
	})
	return err
}

// Subscribe registers handler for filter and returns the QoS granted by the
// broker. The handler is kept across reconnects.
func (c *Client) Subscribe(ctx context.Context, filter string, qos byte, handler Handler) (byte, error) {
	if err := topic.ValidateFilter(filter); err != nil {
		return 0, err
	}
	if qos > 2 {
		return 0, fmt.Errorf("%w: invalid QoS %d", mqtt.ErrProtocol, qos)
	}
	if handler == nil {
		return 0, errors.New("client: nil handler")
	}
	l := c.current()
	if l == nil {
		return 0, ErrNotConnected
	}

	c.mu.Lock()
	prev, had := c.handlers[filter]
	c.handlers[filter] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()
	restore := func() {
		c.mu.Lock()
		if had {
			c.handlers[filter] = prev
		} else {
			delete(c.handlers, filter)
		}
		c.mu.Unlock()
	}

	reply, err := c.request(ctx, l, mqtt.SUBACK, func(id uint16) packet.Packet {
		return &packet.Subscribe{PacketID: id, Subscriptions: []packet.Subscription{{Filter: filter, QoS: qos}}}
	})
	if err != nil {
		restore()
		return 0, err
	}
	codes := reply.(*packet.Suback).ReturnCodes
	if len(codes) != 1 {
		restore()
		return 0, fmt.Errorf("%w: SUBACK carries %d return codes", mqtt.ErrProtocol, len(codes))
	}
	if codes[0] == packet.Failure {
		restore()
		return 0, fmt.Errorf("%w: %s", ErrSubscriptionRefused, filter)
	}
	return byte(codes[0]), nil
}

func (c *Client) Unsubscribe(ctx context.Context, filters ...string) error {
	if len(filters) == 0 {
		return nil
	}
	l := c.current()
	if l == nil {
		return ErrNotConnected
	}
	_, err := c.request(ctx, l, mqtt.UNSUBACK, func(id uint16) packet.Packet {
		return &packet.Unsubscribe{PacketID: id, Filters: filters}
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	for _, filter := range filters {
		delete(c.handlers, filter)
	}
	c.mu.Unlock()
	return nil
}

// resubscribe registers every handler again on a connection without a
// stored session.
func (c *Client) resubscribe(ctx context.Context) error {
	c.mu.Lock()
	subs := make([]packet.Subscription, 0, len(c.handlers))
	for filter, sub := range c.handlers {
		subs = append(subs, packet.Subscription{Filter: filter, QoS: sub.qos})
	}
	c.mu.Unlock()
	if len(subs) == 0 {
		return nil
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Filter < subs[j].Filter })

	l := c.current()
	if l == nil {
		return ErrNotConnected
	}
	reply, err := c.request(ctx, l, mqtt.SUBACK, func(id uint16) packet.Packet {
		return &packet.Subscribe{PacketID: id, Subscriptions: subs}
	})
	if err != nil {
		return err
	}
	var errs []error
	for i, code := range reply.(*packet.Suback).ReturnCodes {
		if code == packet.Failure && i < len(subs) {
			errs = append(errs, fmt.Errorf("%w: %s", ErrSubscriptionRefused, subs[i].Filter))
		}
	}
	return errors.Join(errs...)
}

func (c *Client) dispatch(msg *Message) {
	c.mu.Lock()
	filters := make([]string, 0, 1)
	for filter := range c.handlers {
		if topic.Matches(filter, msg.Topic) {
			filters = append(filters, filter)
		}
	}
	sort.Strings(filters)
	handlers := make([]Handler, 0, len(filters))
	for _, filter := range filters {
		handlers = append(handlers, c.handlers[filter].handler)
	}
	c.mu.Unlock()

	if len(handlers) == 0 {
		logger.DebugF("[%s] No handler for message on %s", c.opts.ClientID, msg.Topic)
	}
	for _, handler := range handlers {
		handler(msg)
	}
}

// Run handles received messages until ctx is cancelled or Disconnect is
// called, reconnecting by the Backoff policy when the connection is lost.
// It returns nil after Disconnect, and an error once reconnecting gave up.
func (c *Client) Run(ctx context.Context) error {
	for {
		l := c.current()
		if l == nil {
			if c.isClosed() {
				return nil
			}
			if err := c.reconnect(ctx); err != nil {
				if errors.Is(err, ErrClosed) {
					return nil
				}
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.incoming.notify:
			for _, msg := range c.incoming.take() {
				c.dispatch(msg)
			}
		case <-l.lost:
			c.detach(l)
			if c.isClosed() {
				return nil
			}
			logger.WarnF("[%s] Connection lost: %v", c.opts.ClientID, l.err)
		}
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	backoff := c.opts.Backoff
	for attempt := 0; backoff.MaxAttempts == 0 || attempt < backoff.MaxAttempts; attempt++ {
		delay := backoff.Delay(attempt)
		logger.InfoF("[%s] Reconnecting in %v, attempt %d", c.opts.ClientID, delay, attempt+1)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		result, err := c.Connect(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, mqtt.ErrAuth) {
				return err
			}
			logger.WarnF("[%s] Reconnect attempt %d failed: %v", c.opts.ClientID, attempt+1, err)
			continue
		}
		if !result.SessionPresent {
			if err := c.resubscribe(ctx); err != nil {
				logger.WarnF("[%s] Fail to restore subscriptions: %v", c.opts.ClientID, err)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: gave up after %d attempts", ErrConnectionLost, backoff.MaxAttempts)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Disconnect sends DISCONNECT and closes the connection. The client cannot
// be connected again.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.closed = true
	l := c.link
	c.link = nil
	c.mu.Unlock()
	if l == nil {
		return nil
	}
	err := l.send(&packet.Disconnect{}, c.opts.ConnectTimeout)
	l.close(ErrClosed)
	return err
}
