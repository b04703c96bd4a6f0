// Package metrics exposes broker counters to Prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lsmq"

// Drop reasons.
const (
	DropQueueFull  = "queue_full"
	DropRetries    = "retries_exceeded"
	DropNoSession  = "no_session"
	RejectLimit    = "connection_limit"
	RejectRate     = "accept_rate"
	RejectAuth     = "auth"
	RejectProtocol = "protocol"
)

type Metrics struct {
	connectionsActive   prometheus.Gauge
	connectionsTotal    prometheus.Counter
	connectionsRejected *prometheus.CounterVec
	sessions            prometheus.Gauge
	retained            prometheus.Gauge
	messagesReceived    *prometheus.CounterVec
	messagesDelivered   *prometheus.CounterVec
	messagesDropped     *prometheus.CounterVec
	retransmits         prometheus.Counter
	subscriptions       prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of connected clients",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted connections",
		}),
		connectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections refused by the broker",
		}, []string{"reason"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of stored sessions",
		}),
		retained: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retained_messages",
			Help:      "Number of retained messages",
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "PUBLISH packets received from clients",
		}, []string{"qos"}),
		messagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages queued for subscribers",
		}, []string{"qos"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages that could not be delivered",
		}, []string{"reason"}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmits_total",
			Help:      "Unacknowledged messages sent again",
		}),
		subscriptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_total",
			Help:      "Granted subscriptions",
		}),
	}

	collectors := []prometheus.Collector{
		m.connectionsActive, m.connectionsTotal, m.connectionsRejected,
		m.sessions, m.retained,
		m.messagesReceived, m.messagesDelivered, m.messagesDropped,
		m.retransmits, m.subscriptions,
	}
	var errs []error
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

func qosLabel(qos byte) string {
	return strconv.Itoa(int(qos))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) ConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.connectionsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) SetRetained(n int) {
	if m == nil {
		return
	}
	m.retained.Set(float64(n))
}

func (m *Metrics) MessageReceived(qos byte) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(qosLabel(qos)).Inc()
}

func (m *Metrics) MessageDelivered(qos byte) {
	if m == nil {
		return
	}
	m.messagesDelivered.WithLabelValues(qosLabel(qos)).Inc()
}

func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Retransmitted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.retransmits.Add(float64(n))
}

func (m *Metrics) Subscribed() {
	if m == nil {
		return
	}
	m.subscriptions.Inc()
}
