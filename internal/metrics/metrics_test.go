package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	assert.NotNil(t, m)

	_, err = NewMetrics(reg)
	assert.Error(t, err, "duplicate registration")
}

func TestMetricsRecord(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.ConnectionRejected(RejectAuth)
	m.MessageReceived(1)
	m.MessageDelivered(0)
	m.MessageDelivered(0)
	m.MessageDropped(DropQueueFull)
	m.Retransmitted(3)
	m.SetSessions(4)
	m.SetRetained(2)
	m.Subscribed()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.connectionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionsRejected.WithLabelValues(RejectAuth)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesReceived.WithLabelValues("1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesDelivered.WithLabelValues("0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesDropped.WithLabelValues(DropQueueFull)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.retransmits))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.sessions))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.retained))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.subscriptions))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.ConnectionRejected(RejectRate)
		m.MessageReceived(2)
		m.MessageDelivered(2)
		m.MessageDropped(DropRetries)
		m.Retransmitted(1)
		m.SetSessions(1)
		m.SetRetained(1)
		m.Subscribed()
	})
}
