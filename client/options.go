package client

import (
	"context"
	"net"
	"time"

	"github.com/life-stream-dev/lsmq/internal/packet"
)

// Dialer opens the byte stream a client speaks MQTT over.
type Dialer func(ctx context.Context) (net.Conn, error)

func TCPDialer(addr string) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

// Will is published by the broker when the connection ends without a
// DISCONNECT.
type Will = packet.Will

// Backoff is the reconnect policy used by Run.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	// MaxAttempts bounds consecutive failed attempts, 0 retries until the
	// context of Run is cancelled.
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Multiplier: 2, Max: 60 * time.Second, MaxAttempts: 10}
}

// Delay returns the wait before attempt, counting from 0.
func (b Backoff) Delay(attempt int) time.Duration {
	delay := float64(b.Initial)
	for i := 0; i < attempt; i++ {
		delay *= b.Multiplier
		if delay >= float64(b.Max) {
			return b.Max
		}
	}
	return min(time.Duration(delay), b.Max)
}

type Options struct {
	ClientID     string
	Username     string
	Password     []byte
	CleanSession bool
	// KeepAlive is sent to the broker in whole seconds, 0 disables it.
	KeepAlive time.Duration
	Will      *Will
	Dialer    Dialer
	Backoff   Backoff
	// ConnectTimeout bounds the dial and CONNACK wait and every write.
	ConnectTimeout time.Duration
	MaxPacketSize  int
	// Buffer is the initial capacity of the queue holding received messages
	// until Run handles them. The queue grows as needed.
	Buffer int
}

func (o *Options) applyDefaults() {
	if o.Backoff == (Backoff{}) {
		o.Backoff = DefaultBackoff()
	}
	if o.Backoff.Multiplier < 1 {
		o.Backoff.Multiplier = 1
	}
	if o.Backoff.Max < o.Backoff.Initial {
		o.Backoff.Max = o.Backoff.Initial
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.MaxPacketSize <= 0 {
		o.MaxPacketSize = 256 * 1024
	}
	if o.Buffer <= 0 {
		o.Buffer = 100
	}
	o.KeepAlive = o.KeepAlive.Truncate(time.Second)
}
