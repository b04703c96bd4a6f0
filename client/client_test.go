package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/lsmq/internal/auth"
	"github.com/life-stream-dev/lsmq/internal/delivery"
	"github.com/life-stream-dev/lsmq/internal/mqtt"
	"github.com/life-stream-dev/lsmq/internal/packet"
	"github.com/life-stream-dev/lsmq/internal/server"
	"github.com/life-stream-dev/lsmq/internal/session"
)

func startBroker(t *testing.T, verifier auth.Verifier) (*server.Broker, string) {
	t.Helper()
	store := session.NewStore(session.Config{QueueLimit: 100, Expiry: time.Hour})
	engine := delivery.NewEngine(store, nil, nil, delivery.Config{MaxQoS: 2, MaxInflight: 16, RetryInterval: time.Second, MaxRetries: 3})
	b := server.NewBroker(engine, verifier, nil, server.Options{ConnectTimeout: time.Second})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = b.Shutdown(shutdownCtx)
	})
	return b, ln.Addr().String()
}

func fastBackoff(attempts int) Backoff {
	return Backoff{Initial: 20 * time.Millisecond, Multiplier: 2, Max: 100 * time.Millisecond, MaxAttempts: attempts}
}

func newClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func runClient(t *testing.T, c *Client) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = c.Disconnect()
	})
	return done
}

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{40, 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, b.Delay(tt.attempt))
		})
	}
	assert.Equal(t, 10, b.MaxAttempts)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{ClientID: "c"})
	assert.Error(t, err)
	_, err = New(Options{Dialer: TCPDialer("127.0.0.1:1883")})
	assert.Error(t, err)

	_, err = New(Options{Dialer: TCPDialer("127.0.0.1:1883"), CleanSession: true, KeepAlive: 65536 * time.Second})
	assert.Error(t, err, "keepalive above 65535s does not fit CONNECT")

	c, err := New(Options{Dialer: TCPDialer("127.0.0.1:1883"), CleanSession: true})
	require.NoError(t, err)
	assert.Equal(t, DefaultBackoff(), c.opts.Backoff)
	assert.ErrorIs(t, c.Publish(context.Background(), "a", nil, 0, false), ErrNotConnected)
	_, err = c.Subscribe(context.Background(), "a", 0, func(*Message) {})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPublishSubscribe(t *testing.T) {
	_, addr := startBroker(t, auth.NewStatic(map[string]string{"pub": "pub1", "sub1": "sub1"}, false))

	sub := newClient(t, Options{ClientID: "sub1-client", Username: "sub1", Password: []byte("sub1"), Dialer: TCPDialer(addr)})
	result, err := sub.Connect(context.Background())
	require.NoError(t, err)
	assert.False(t, result.SessionPresent)

	received := make(chan *Message, 10)
	granted, err := sub.Subscribe(context.Background(), "topic1", 2, func(msg *Message) { received <- msg })
	require.NoError(t, err)
	assert.Equal(t, byte(2), granted)
	runClient(t, sub)

	pub := newClient(t, Options{ClientID: "pub-client", Username: "pub", Password: []byte("pub1"), Dialer: TCPDialer(addr)})
	_, err = pub.Connect(context.Background())
	require.NoError(t, err)
	defer pub.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for qos := byte(0); qos <= 2; qos++ {
		require.NoError(t, pub.Publish(ctx, "topic1", []byte(fmt.Sprintf("hello topic1 %d", qos)), qos, false))
		require.NoError(t, pub.Publish(ctx, "topic2", []byte("hello topic2"), qos, false))
	}

	for qos := byte(0); qos <= 2; qos++ {
		select {
		case msg := <-received:
			assert.Equal(t, "topic1", msg.Topic)
			assert.Equal(t, fmt.Sprintf("hello topic1 %d", qos), string(msg.Payload))
			assert.Equal(t, qos, msg.QoS)
		case <-time.After(3 * time.Second):
			t.Fatalf("QoS %d message not received", qos)
		}
	}
	select {
	case msg := <-received:
		t.Fatalf("unexpected message on %s", msg.Topic)
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, sub.Unsubscribe(ctx, "topic1"))
	require.NoError(t, pub.Publish(ctx, "topic1", []byte("after unsubscribe"), 1, false))
	select {
	case msg := <-received:
		t.Fatalf("unexpected message %q", msg.Payload)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandlerPublishesWhileMessagesQueue(t *testing.T) {
	_, addr := startBroker(t, nil)

	sub := newClient(t, Options{ClientID: "relay", Dialer: TCPDialer(addr), Buffer: 1})
	_, err := sub.Connect(context.Background())
	require.NoError(t, err)
	results := make(chan error, 10)
	_, err = sub.Subscribe(context.Background(), "in", 0, func(msg *Message) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		results <- sub.Publish(ctx, "out", msg.Payload, 1, false)
	})
	require.NoError(t, err)

	pub := newClient(t, Options{ClientID: "pub-client", Dialer: TCPDialer(addr)})
	_, err = pub.Connect(context.Background())
	require.NoError(t, err)
	defer pub.Disconnect()
	for i := 0; i < 10; i++ {
		require.NoError(t, pub.Publish(context.Background(), "in", []byte(fmt.Sprint(i)), 0, false))
	}
	runClient(t, sub)

	for i := 0; i < 10; i++ {
		select {
		case err := <-results:
			require.NoError(t, err, "handler publish %d", i)
		case <-time.After(5 * time.Second):
			t.Fatalf("handler publish %d not finished", i)
		}
	}
}

func TestConnectRefused(t *testing.T) {
	_, addr := startBroker(t, auth.NewStatic(map[string]string{"pub": "pub1"}, false))
	c := newClient(t, Options{ClientID: "c", Username: "pub", Password: []byte("wrong"), Dialer: TCPDialer(addr)})

	result, err := c.Connect(context.Background())
	assert.ErrorIs(t, err, mqtt.ErrAuth)
	require.NotNil(t, result)
	assert.Equal(t, packet.AuthenticationFailed, result.ReturnCode)
	assert.False(t, c.IsConnected())
}

func TestConnectDialError(t *testing.T) {
	c := newClient(t, Options{ClientID: "c", Dialer: func(context.Context) (net.Conn, error) {
		return nil, errors.New("no route")
	}})
	_, err := c.Connect(context.Background())
	assert.ErrorIs(t, err, mqtt.ErrTransport)
}

func TestRunReconnectsAndRestoresSubscriptions(t *testing.T) {
	b, addr := startBroker(t, nil)
	sub := newClient(t, Options{ClientID: "sub", CleanSession: true, Dialer: TCPDialer(addr), Backoff: fastBackoff(10)})
	_, err := sub.Connect(context.Background())
	require.NoError(t, err)
	received := make(chan *Message, 100)
	_, err = sub.Subscribe(context.Background(), "topic1", 0, func(msg *Message) { received <- msg })
	require.NoError(t, err)
	runClient(t, sub)

	conn, ok := b.Connections().GetConnection("sub")
	require.True(t, ok)
	require.NoError(t, conn.Conn.Close())

	pub := newClient(t, Options{ClientID: "pub", CleanSession: true, Dialer: TCPDialer(addr)})
	_, err = pub.Connect(context.Background())
	require.NoError(t, err)
	defer pub.Disconnect()

	assert.Eventually(t, func() bool {
		_ = pub.Publish(context.Background(), "topic1", []byte("again"), 0, false)
		select {
		case msg := <-received:
			return string(msg.Payload) == "again"
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunGivesUp(t *testing.T) {
	b, addr := startBroker(t, nil)
	var dials atomic.Int32
	dialer := func(ctx context.Context) (net.Conn, error) {
		if dials.Add(1) > 1 {
			return nil, errors.New("broker gone")
		}
		return TCPDialer(addr)(ctx)
	}
	c := newClient(t, Options{ClientID: "c", Dialer: dialer, Backoff: fastBackoff(3)})
	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Disconnect() })

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	conn, ok := b.Connections().GetConnection("c")
	require.True(t, ok)
	require.NoError(t, conn.Conn.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not give up")
	}
	assert.Equal(t, int32(4), dials.Load())
}

func TestDisconnectStopsRun(t *testing.T) {
	_, addr := startBroker(t, nil)
	c := newClient(t, Options{ClientID: "c", CleanSession: true, Dialer: TCPDialer(addr)})
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	require.NoError(t, c.Disconnect())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	_, err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

// peer plays the broker side of a net.Pipe.
type peer struct {
	conn    net.Conn
	packets chan packet.Packet
}

func (p *peer) send(t *testing.T, pk packet.Packet) {
	t.Helper()
	require.NoError(t, packet.Write(p.conn, pk))
}

func (p *peer) expect(t *testing.T) packet.Packet {
	t.Helper()
	select {
	case pk, ok := <-p.packets:
		require.True(t, ok, "connection closed")
		return pk
	case <-time.After(3 * time.Second):
		t.Fatal("no packet from client")
		return nil
	}
}

func pipeDialer() (Dialer, <-chan net.Conn) {
	conns := make(chan net.Conn, 4)
	return func(context.Context) (net.Conn, error) {
		server, client := net.Pipe()
		conns <- server
		return client, nil
	}, conns
}

// accept answers the CONNECT on the next dialed pipe and then forwards
// everything the client sends.
func accept(conns <-chan net.Conn) (*peer, error) {
	conn := <-conns
	first, err := packet.Read(conn, 0)
	if err != nil {
		return nil, err
	}
	if _, ok := first.(*packet.Connect); !ok {
		return nil, fmt.Errorf("expected CONNECT, got %s", first.Type())
	}
	if err := packet.Write(conn, packet.NewConnectAckPacket(false, packet.Accepted)); err != nil {
		return nil, err
	}
	p := &peer{conn: conn, packets: make(chan packet.Packet, 16)}
	go func() {
		defer close(p.packets)
		for {
			pk, err := packet.Read(conn, 0)
			if err != nil {
				return
			}
			p.packets <- pk
		}
	}()
	return p, nil
}

func connectToPeer(t *testing.T, opts Options) (*Client, *peer) {
	t.Helper()
	dialer, conns := pipeDialer()
	opts.Dialer = dialer
	c := newClient(t, opts)

	peers := make(chan *peer, 1)
	errs := make(chan error, 1)
	go func() {
		p, err := accept(conns)
		if err != nil {
			errs <- err
			return
		}
		peers <- p
	}()
	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	select {
	case p := <-peers:
		t.Cleanup(func() { _ = p.conn.Close() })
		return c, p
	case err := <-errs:
		t.Fatal(err)
		return nil, nil
	}
}

func TestQoS2ReceivedOnce(t *testing.T) {
	c, p := connectToPeer(t, Options{ClientID: "c", CleanSession: true})
	var calls atomic.Int32
	go func() {
		_, _ = c.Subscribe(context.Background(), "q2", 2, func(*Message) { calls.Add(1) })
	}()
	subscribe := p.expect(t).(*packet.Subscribe)
	p.send(t, packet.NewSubAckPacket(subscribe.PacketID, packet.SuccessQos2))
	runClient(t, c)

	publish := &packet.Publish{Topic: "q2", QoS: 2, PacketID: 5, Payload: []byte("once")}
	p.send(t, publish)
	assert.Equal(t, packet.NewPubRecPacket(5), p.expect(t))
	publish.Dup = true
	p.send(t, publish)
	assert.Equal(t, packet.NewPubRecPacket(5), p.expect(t))
	p.send(t, packet.NewPubRelPacket(5))
	assert.Equal(t, packet.NewPubCompPacket(5), p.expect(t))

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	// released id, a new message
	publish.Dup = false
	p.send(t, publish)
	p.expect(t)
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestPublishQoS2Handshake(t *testing.T) {
	c, p := connectToPeer(t, Options{ClientID: "c", CleanSession: true})
	done := make(chan error, 1)
	go func() { done <- c.Publish(context.Background(), "q2", []byte("x"), 2, true) }()

	publish := p.expect(t).(*packet.Publish)
	assert.True(t, publish.Retain)
	p.send(t, packet.NewPubRecPacket(publish.PacketID))
	assert.Equal(t, packet.NewPubRelPacket(publish.PacketID), p.expect(t))
	p.send(t, packet.NewPubCompPacket(publish.PacketID))
	require.NoError(t, <-done)
	assert.Zero(t, c.ids.InUse())
}

func TestPublishFailsOnConnectionLoss(t *testing.T) {
	c, p := connectToPeer(t, Options{ClientID: "c", CleanSession: true})
	done := make(chan error, 1)
	go func() { done <- c.Publish(context.Background(), "q1", []byte("x"), 1, false) }()
	p.expect(t)
	require.NoError(t, p.conn.Close())
	assert.ErrorIs(t, <-done, ErrConnectionLost)
}

func TestKeepalivePingsAndDetectsSilence(t *testing.T) {
	c, p := connectToPeer(t, Options{ClientID: "c", CleanSession: true, KeepAlive: time.Second})

	_, ok := p.expect(t).(*packet.Pingreq)
	assert.True(t, ok)
	// no PINGRESP: the connection is given up after 1.5s of silence
	assert.Eventually(t, func() bool { return !c.IsConnected() }, 3*time.Second, 20*time.Millisecond)
}

func TestSubscribeRefused(t *testing.T) {
	c, p := connectToPeer(t, Options{ClientID: "c", CleanSession: true})

	_, err := c.Subscribe(context.Background(), "sport/tennis#", 0, func(*Message) {})
	assert.Error(t, err, "invalid filters never reach the broker")

	done := make(chan error, 1)
	go func() {
		_, err := c.Subscribe(context.Background(), "private/#", 1, func(*Message) {})
		done <- err
	}()
	subscribe := p.expect(t).(*packet.Subscribe)
	p.send(t, packet.NewSubAckPacket(subscribe.PacketID, packet.Failure))
	assert.ErrorIs(t, <-done, ErrSubscriptionRefused)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.handlers)
}
