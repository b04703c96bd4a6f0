package server

import (
	"fmt"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/lsmq/internal/auth"
	"github.com/life-stream-dev/lsmq/internal/delivery"
)

func newPahoClient(t *testing.T, addr, clientID, username, password string) paho.Client {
	t.Helper()
	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", addr))
	opts.SetClientID(clientID)
	opts.SetUsername(username)
	opts.SetPassword(password)
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(3 * time.Second)
	opts.SetWriteTimeout(3 * time.Second)

	client := paho.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(3*time.Second), "connect timed out")
	require.NoError(t, token.Error())
	t.Cleanup(func() { client.Disconnect(100) })
	return client
}

func TestPahoInterop(t *testing.T) {
	users := map[string]string{"pub": "pub1", "sub1": "sub1"}
	b := startBroker(t, func(_ *Options, _ *delivery.Config, v *auth.Verifier) {
		*v = auth.NewStatic(users, false)
	})

	received := make(chan paho.Message, 10)
	sub := newPahoClient(t, b.addr, "sub1-client", "sub1", "sub1")
	token := sub.Subscribe("topic1", 2, func(_ paho.Client, msg paho.Message) {
		received <- msg
	})
	require.True(t, token.WaitTimeout(3*time.Second))
	require.NoError(t, token.Error())

	pub := newPahoClient(t, b.addr, "pub-client", "pub", "pub1")
	for qos := byte(0); qos <= 2; qos++ {
		token := pub.Publish("topic1", qos, false, fmt.Sprintf("hello %d", qos))
		require.True(t, token.WaitTimeout(3*time.Second))
		require.NoError(t, token.Error())
		token = pub.Publish("topic2", qos, false, "nobody listens")
		require.True(t, token.WaitTimeout(3*time.Second))
		require.NoError(t, token.Error())
	}

	for qos := byte(0); qos <= 2; qos++ {
		select {
		case msg := <-received:
			assert.Equal(t, "topic1", msg.Topic())
			assert.Equal(t, fmt.Sprintf("hello %d", qos), string(msg.Payload()))
			assert.Equal(t, qos, msg.Qos())
		case <-time.After(3 * time.Second):
			t.Fatalf("message with QoS %d not received", qos)
		}
	}
	select {
	case msg := <-received:
		t.Fatalf("unexpected message on %s", msg.Topic())
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPahoRejectedCredentials(t *testing.T) {
	b := startBroker(t, func(_ *Options, _ *delivery.Config, v *auth.Verifier) {
		*v = auth.NewStatic(map[string]string{"pub": "pub1"}, false)
	})

	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", b.addr))
	opts.SetClientID("intruder")
	opts.SetUsername("pub")
	opts.SetPassword("wrong")
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetProtocolVersion(4)

	client := paho.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(3*time.Second))
	assert.Error(t, token.Error())
	assert.False(t, client.IsConnected())
}
