package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/life-stream-dev/lsmq/internal/connection"
	"github.com/life-stream-dev/lsmq/internal/logger"
	"github.com/life-stream-dev/lsmq/internal/message"
	"github.com/life-stream-dev/lsmq/internal/metrics"
	"github.com/life-stream-dev/lsmq/internal/mqtt"
	pa "github.com/life-stream-dev/lsmq/internal/packet"
	"github.com/life-stream-dev/lsmq/internal/session"
	"github.com/life-stream-dev/lsmq/internal/topic"
)

// ConnectionHandler runs the protocol for one connection and is the Owner of
// its session while connected.
type ConnectionHandler struct {
	broker    *Broker
	conn      *connection.Connection
	connId    string
	keepAlive time.Duration
	state     atomic.Int32

	sess    *session.Session
	will    *pa.Will
	writeMu sync.Mutex
	evicted atomic.Bool
}

var _ session.Owner = (*ConnectionHandler)(nil)

func newConnectionHandler(b *Broker, c *connection.Connection) *ConnectionHandler {
	return &ConnectionHandler{broker: b, conn: c, connId: c.ConnID}
}

func (c *ConnectionHandler) State() State {
	return State(c.state.Load())
}

func (c *ConnectionHandler) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	logger.DebugF("[%s] %s -> %s", c.connId, old, s)
}

// Evict closes the transport after another connection took the session over.
func (c *ConnectionHandler) Evict() {
	c.evicted.Store(true)
	logger.InfoF("[%s] Session taken over by a new connection", c.connId)
	_ = c.conn.Conn.Close()
}

func (c *ConnectionHandler) send(p pa.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.Conn.SetWriteDeadline(time.Now().Add(c.broker.opts.WriteTimeout))
	if err := connection.Send(c.conn.Conn, p.Encode(), c.connId); err != nil {
		return errors.Join(mqtt.ErrTransport, err)
	}
	return nil
}

func (c *ConnectionHandler) reject(code pa.ConnectRespType, reason string) error {
	c.setState(StateAuthFailed)
	c.broker.metrics.ConnectionRejected(reason)
	if err := c.send(pa.NewConnectAckPacket(false, code)); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", mqtt.ErrAuth, code)
}

func (c *ConnectionHandler) handleFirstPacket() error {
	_ = c.conn.Conn.SetReadDeadline(time.Now().Add(c.broker.opts.ConnectTimeout))
	packet, err := mqtt.ReadPacket(c.conn.Conn, c.broker.opts.MaxPacketSize)
	if err != nil {
		return fmt.Errorf("fail to read first packet: %w", mqtt.ClassifyReadError(err))
	}

	if packet.Header.Type != mqtt.CONNECT {
		return fmt.Errorf("%w: expected %s packet, but got %s packet", mqtt.ErrProtocol, mqtt.CONNECT, packet.Header.Type)
	}
	c.setState(StateConnecting)

	clientInfo, err := pa.ParseConnectPacket(packet)
	if err != nil {
		return fmt.Errorf("fail to parse CONNECT packet: %w", err)
	}

	switch {
	case clientInfo.ProtocolName == pa.ProtocolName && clientInfo.ProtocolLevel == pa.ProtocolLevel:
	case clientInfo.ProtocolName == pa.ProtocolNameV31 && clientInfo.ProtocolLevel == pa.ProtocolLevel31:
	default:
		return c.reject(pa.UnacceptableProtocol, metrics.RejectProtocol)
	}

	if clientInfo.ClientID == "" {
		if !clientInfo.CleanSession {
			return c.reject(pa.IdentifierRejected, metrics.RejectProtocol)
		}
		clientInfo.ClientID = "auto-" + uuid.NewString()
		logger.DebugF("[%s] Assigned client id %s", c.connId, clientInfo.ClientID)
	}

	if clientInfo.Will != nil {
		if err := topic.ValidateTopic(clientInfo.Will.Topic); err != nil {
			return fmt.Errorf("%w: will topic: %w", mqtt.ErrProtocol, err)
		}
	}

	if !c.broker.verifier.Verify(clientInfo.ClientID, clientInfo.Username, clientInfo.Password) {
		logger.WarnF("[%s] Client %s rejected, bad credentials", c.connId, clientInfo.ClientID)
		if clientInfo.UsernameFlag {
			return c.reject(pa.AuthenticationFailed, metrics.RejectAuth)
		}
		return c.reject(pa.NotAuthorized, metrics.RejectAuth)
	}

	now := time.Now()
	sess, present := c.broker.store.CreateOrResume(clientInfo.ClientID, clientInfo.CleanSession, c, now)
	c.sess = sess
	c.will = clientInfo.Will
	c.broker.conns.BindClient(clientInfo.ClientID, c.conn)
	c.broker.metrics.SetSessions(c.broker.store.Len())

	if err := c.send(pa.NewConnectAckPacket(present, pa.Accepted)); err != nil {
		return err
	}
	c.setState(StateConnected)

	c.keepAlive = time.Duration(clientInfo.KeepAlive) * time.Second
	if c.keepAlive == 0 {
		logger.WarnF("[%s] Keep alive set to 0, heartbeat disable", c.connId)
	}
	logger.DebugF("[%s] CONNECT client_id=%s clean=%v keepalive=%v present=%v",
		c.connId, clientInfo.ClientID, clientInfo.CleanSession, c.keepAlive, present)

	for _, out := range sess.Resume(now) {
		if err := c.sendOutbound(out); err != nil {
			return err
		}
	}
	return nil
}

func (c *ConnectionHandler) readDeadline() time.Time {
	if c.keepAlive == 0 {
		return time.Time{}
	}
	grace := time.Duration(float64(c.keepAlive) * c.broker.opts.KeepaliveGrace)
	return time.Now().Add(grace)
}

// handlePacket reads packets until the connection ends. It returns nil
// after a DISCONNECT.
func (c *ConnectionHandler) handlePacket(ctx context.Context) error {
	for {
		_ = c.conn.Conn.SetReadDeadline(c.readDeadline())

		raw, err := mqtt.ReadPacket(c.conn.Conn, c.broker.opts.MaxPacketSize)
		if err != nil {
			return mqtt.ClassifyReadError(err)
		}
		c.sess.Touch(time.Now())

		p, err := pa.Decode(raw)
		if err != nil {
			return err
		}
		logger.DebugF("[%s] Receive %s package", c.connId, raw.Header.Type)

		switch p := p.(type) {
		case *pa.Connect:
			return fmt.Errorf("%w: duplicate CONNECT package", mqtt.ErrProtocol)
		case *pa.Publish:
			err = c.handlePublish(ctx, p)
		case *pa.Ack:
			err = c.handleAck(p)
		case *pa.Subscribe:
			err = c.handleSubscribe(p)
		case *pa.Unsubscribe:
			for _, filter := range p.Filters {
				c.broker.engine.Unsubscribe(c.sess, filter)
			}
			err = c.send(pa.NewUnSubAckPacket(p.PacketID))
		case *pa.Pingreq:
			err = c.send(pa.NewPingRespPacket())
		case *pa.Disconnect:
			logger.InfoF("[%s] Client disconnect", c.connId)
			c.will = nil
			return nil
		default:
			return fmt.Errorf("%w: %s package is not accepted from clients", mqtt.ErrProtocol, raw.Header.Type)
		}
		if err != nil {
			return err
		}
	}
}

func (c *ConnectionHandler) handlePublish(ctx context.Context, p *pa.Publish) error {
	c.broker.metrics.MessageReceived(p.QoS)
	msg := message.FromPublish(p)

	switch p.QoS {
	case 0:
		_, err := c.broker.engine.Publish(ctx, msg)
		return err
	case 1:
		if _, err := c.broker.engine.Publish(ctx, msg); err != nil {
			return err
		}
		return c.send(pa.NewPubAckPacket(p.PacketID))
	default:
		// routed once, duplicates are only answered until PUBREL
		if c.sess.MarkInbound(p.PacketID, time.Now()) {
			if _, err := c.broker.engine.Publish(ctx, msg); err != nil {
				c.sess.ReleaseInbound(p.PacketID)
				return err
			}
		} else {
			logger.DebugF("[%s] Duplicate QoS 2 PUBLISH %d", c.connId, p.PacketID)
		}
		return c.send(pa.NewPubRecPacket(p.PacketID))
	}
}

func (c *ConnectionHandler) handleAck(p *pa.Ack) error {
	engine := c.broker.engine
	switch p.Kind {
	case mqtt.PUBACK:
		engine.Acknowledge(c.sess, p.PacketID)
	case mqtt.PUBREC:
		if engine.Received(c.sess, p.PacketID, time.Now()) {
			return c.send(pa.NewPubRelPacket(p.PacketID))
		}
	case mqtt.PUBREL:
		c.sess.ReleaseInbound(p.PacketID)
		return c.send(pa.NewPubCompPacket(p.PacketID))
	case mqtt.PUBCOMP:
		engine.Complete(c.sess, p.PacketID)
	default:
		return fmt.Errorf("%w: %s package is not accepted from clients", mqtt.ErrProtocol, p.Kind)
	}
	return nil
}

func (c *ConnectionHandler) handleSubscribe(p *pa.Subscribe) error {
	states := make([]pa.SubscribeState, 0, len(p.Subscriptions))
	for _, sub := range p.Subscriptions {
		granted, err := c.broker.engine.Subscribe(c.sess, sub.Filter, sub.QoS)
		if err != nil {
			logger.WarnF("[%s] Subscription to %q refused: %v", c.connId, sub.Filter, err)
			states = append(states, pa.Failure)
			continue
		}
		states = append(states, pa.SubscribeState(granted))
	}
	return c.send(pa.NewSubAckPacket(p.PacketID, states...))
}

func (c *ConnectionHandler) sendOutbound(out session.Outbound) error {
	if out.Release {
		return c.send(pa.NewPubRelPacket(out.Message.PacketID))
	}
	return c.send(out.Message.ToPublish())
}

// deliver writes queued messages and retransmissions until stop is closed.
func (c *ConnectionHandler) deliver(stop <-chan struct{}) {
	interval := c.broker.engine.Config().RetryInterval / 2
	if interval <= 0 {
		interval = time.Second
	}
	interval = max(interval, 10*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fail := func(err error) {
		logger.DebugF("[%s] Delivery stopped: %v", c.connId, err)
		_ = c.conn.Conn.Close()
	}

	for {
		for !c.evicted.Load() {
			msg, ok := c.broker.engine.Next(c.sess, time.Now())
			if !ok {
				break
			}
			if err := c.send(msg.ToPublish()); err != nil {
				fail(err)
				return
			}
		}

		select {
		case <-stop:
			return
		case <-c.sess.Notify():
		case <-ticker.C:
			for _, out := range c.broker.engine.Retransmits(c.sess, time.Now()) {
				if err := c.sendOutbound(out); err != nil {
					fail(err)
					return
				}
			}
		}
	}
}

func (c *ConnectionHandler) publishWill(ctx context.Context) {
	if c.will == nil {
		return
	}
	will := message.New(c.will.Topic, c.will.Payload, c.will.QoS, c.will.Retain)
	c.will = nil
	if _, err := c.broker.engine.Publish(ctx, will); err != nil {
		logger.WarnF("[%s] Fail to publish will message: %v", c.connId, err)
	}
}

func (c *ConnectionHandler) logResult(err error) {
	switch {
	case err == nil:
	case c.evicted.Load():
		logger.InfoF("[%s] Connection closed by takeover", c.connId)
	case errors.Is(err, mqtt.ErrTimeout):
		logger.WarnF("[%s] Reading timeout: %v", c.connId, err)
	case errors.Is(err, mqtt.ErrAuth):
		logger.WarnF("[%s] Connection refused: %v", c.connId, err)
	case mqtt.IsClosed(err):
		logger.InfoF("[%s] Client close connection", c.connId)
	case errors.Is(err, mqtt.ErrProtocol):
		logger.ErrorF("[%s] Protocol error, details: %v", c.connId, err)
	default:
		logger.ErrorF("[%s] Error occured while reading packet, details: %v", c.connId, err)
	}
}

func (c *ConnectionHandler) handleConnection(ctx context.Context) {
	defer func() {
		logger.DebugF("[%s] Connection closed", c.connId)
		if err := c.conn.Conn.Close(); err != nil && !mqtt.IsClosed(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", c.connId, err)
		}
		// AUTH_FAILED is terminal
		if c.State() != StateAuthFailed {
			c.setState(StateDisconnected)
		}
	}()

	if err := c.handleFirstPacket(); err != nil {
		c.logResult(err)
		if c.sess != nil {
			c.broker.store.Release(c.sess, c, false, time.Now())
		}
		return
	}

	stop := make(chan struct{})
	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		c.deliver(stop)
	}()

	err := c.handlePacket(ctx)
	c.setState(StateDisconnecting)
	close(stop)
	<-delivered
	c.logResult(err)

	graceful := err == nil
	if !graceful {
		c.publishWill(ctx)
	}
	c.broker.store.Release(c.sess, c, graceful, time.Now())
	if err := c.broker.engine.PersistSession(ctx, c.sess); err != nil {
		logger.ErrorF("[%s] Fail to persist session, details: %v", c.connId, err)
	}
}
