// Package persistence defines the durable storage the broker uses for
// retained messages and the state of persistent sessions.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/life-stream-dev/lsmq/internal/message"
)

var (
	ErrNotFound       = errors.New("document does not exist")
	ErrClientIDEmpty  = errors.New("client_id is empty")
	ErrUnknownBackend = errors.New("unknown persistence backend")
	ErrTopicNameEmpty = errors.New("topic is empty")
)

type SubscriptionRecord struct {
	Filter string `json:"filter" bson:"filter"`
	QoS    byte   `json:"qos" bson:"qos"`
}

// InflightRecord is an outbound QoS>0 message sent but not yet acknowledged.
// Released is set once PUBREC arrived for a QoS 2 message.
type InflightRecord struct {
	Message  *message.Message `json:"message" bson:"message"`
	Released bool             `json:"released" bson:"released"`
}

// SessionState is the stored form of a persistent session.
type SessionState struct {
	ClientID      string               `json:"client_id" bson:"client_id"`
	Subscriptions []SubscriptionRecord `json:"subscriptions" bson:"subscriptions"`
	Pending       []*message.Message   `json:"pending" bson:"pending"`
	Inflight      []InflightRecord     `json:"inflight" bson:"inflight"`
	InboundQoS2   []uint16             `json:"inbound_qos2" bson:"inbound_qos2"`
	LastActivity  time.Time            `json:"last_activity" bson:"last_activity"`
}

// Store is implemented by every backend.
type Store interface {
	SaveRetained(ctx context.Context, msg *message.Message) error
	DeleteRetained(ctx context.Context, topic string) error
	LoadRetained(ctx context.Context) ([]*message.Message, error)

	SaveSession(ctx context.Context, state *SessionState) error
	LoadSession(ctx context.Context, clientID string) (*SessionState, error)
	DeleteSession(ctx context.Context, clientID string) error
	LoadSessions(ctx context.Context) ([]*SessionState, error)

	Close(ctx context.Context) error
}
