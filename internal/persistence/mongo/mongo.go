// Package mongo stores retained messages and persistent sessions in MongoDB.
package mongo

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/life-stream-dev/lsmq/internal/config"
	"github.com/life-stream-dev/lsmq/internal/logger"
	"github.com/life-stream-dev/lsmq/internal/message"
	"github.com/life-stream-dev/lsmq/internal/persistence"
)

const (
	SessionCollectionName  = "sessions"
	RetainedCollectionName = "retained_messages"
)

type Store struct {
	client           *mongo.Client
	sessions         *mongo.Collection
	retained         *mongo.Collection
	operationTimeout time.Duration
	cache            *sessionCache
}

var _ persistence.Store = (*Store)(nil)

// URI builds the connection string for cfg.
func URI(cfg config.DatabaseConfig) string {
	if cfg.Username == "" {
		return fmt.Sprintf("mongodb://%s:%d/", cfg.Host, cfg.Port)
	}
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		url.QueryEscape(cfg.Username), url.QueryEscape(cfg.Password),
		cfg.Host,
		cfg.Port,
	)
}

func Connect(ctx context.Context, cfg config.DatabaseConfig, appName string) (*Store, error) {
	return ConnectURI(ctx, URI(cfg), cfg, appName)
}

// ConnectURI connects to uri and uses cfg for pool, timeout and cache settings.
func ConnectURI(ctx context.Context, uri string, cfg config.DatabaseConfig, appName string) (*Store, error) {
	logger.DebugF("Connecting to database...")

	clientOptions := options.Client().ApplyURI(uri).SetAppName(appName)
	clientOptions.SetMinPoolSize(cfg.MinPoolSize)
	if cfg.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	if d := cfg.ConnectIdleTimeout.Std(); d > 0 {
		clientOptions.SetMaxConnIdleTime(d)
	}
	if d := cfg.ConnectTimeout.Std(); d > 0 {
		clientOptions.SetConnectTimeout(d)
	}
	if d := cfg.SocketTimeout.Std(); d > 0 {
		clientOptions.SetSocketTimeout(d)
	}
	if d := cfg.Heartbeat.Std(); d > 0 {
		clientOptions.SetHeartbeatInterval(d)
	}
	if cfg.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s", evt.Address)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s (%s)", evt.Address, evt.Reason)
			}
		},
	})

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}
	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client:           client,
		sessions:         db.Collection(SessionCollectionName),
		retained:         db.Collection(RetainedCollectionName),
		operationTimeout: cfg.OperationTimeout.Std(),
	}
	if s.operationTimeout <= 0 {
		s.operationTimeout = 5 * time.Second
	}
	s.cache = newSessionCache(cfg.CacheSize, cfg.CacheTTL.Std())

	if err := s.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	logger.InfoF("Connected to database %s", cfg.Database)
	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.sessions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "client_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("sessions_client_id_unique"),
	})
	if err != nil {
		return fmt.Errorf("error occured while creating database indexes: %w", err)
	}
	_, err = s.retained.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "topic", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("retained_topic_unique"),
	})
	if err != nil {
		return fmt.Errorf("error occured while creating database indexes: %w", err)
	}
	return nil
}

func handleErr(err error) error {
	switch {
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("unique key conflicts: %w", err)
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%w: %w", persistence.ErrNotFound, err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.operationTimeout)
}

func (s *Store) SaveRetained(ctx context.Context, msg *message.Message) error {
	if msg.Topic == "" {
		return persistence.ErrTopicNameEmpty
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.D{{Key: "topic", Value: msg.Topic}}
	_, err := s.retained.ReplaceOne(ctx, filter, msg, options.Replace().SetUpsert(true))
	if err != nil {
		return handleErr(err)
	}
	logger.DebugF("Retained message saved: topic=%s", msg.Topic)
	return nil
}

func (s *Store) DeleteRetained(ctx context.Context, topic string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.retained.DeleteOne(ctx, bson.D{{Key: "topic", Value: topic}}); err != nil {
		return handleErr(err)
	}
	return nil
}

func (s *Store) LoadRetained(ctx context.Context) ([]*message.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cursor, err := s.retained.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "topic", Value: 1}}))
	if err != nil {
		return nil, handleErr(err)
	}
	var result []*message.Message
	if err := cursor.All(ctx, &result); err != nil {
		return nil, handleErr(err)
	}
	return result, nil
}

func (s *Store) SaveSession(ctx context.Context, state *persistence.SessionState) error {
	if state.ClientID == "" {
		return persistence.ErrClientIDEmpty
	}
	if s.cache.unchanged(state) {
		logger.DebugF("Session unchanged, not written: client_id=%s", state.ClientID)
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.D{{Key: "client_id", Value: state.ClientID}}
	result, err := s.sessions.ReplaceOne(ctx, filter, state, options.Replace().SetUpsert(true))
	if err != nil {
		s.cache.remove(state.ClientID)
		return handleErr(err)
	}
	s.cache.put(state)

	logger.DebugF("Session saved: client_id=%s, matched=%d, modified=%d, upserted=%v",
		state.ClientID,
		result.MatchedCount,
		result.ModifiedCount,
		result.UpsertedID != nil,
	)
	return nil
}

func (s *Store) LoadSession(ctx context.Context, clientID string) (*persistence.SessionState, error) {
	if clientID == "" {
		return nil, persistence.ErrClientIDEmpty
	}
	if state, ok := s.cache.get(clientID); ok {
		return state, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var state persistence.SessionState
	startTime := time.Now()
	err := s.sessions.FindOne(ctx, bson.D{{Key: "client_id", Value: clientID}}).Decode(&state)
	logger.DebugF("session query cost: %v", time.Since(startTime))
	if err != nil {
		return nil, handleErr(err)
	}
	s.cache.put(&state)
	return &state, nil
}

func (s *Store) DeleteSession(ctx context.Context, clientID string) error {
	if clientID == "" {
		return persistence.ErrClientIDEmpty
	}
	s.cache.remove(clientID)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.sessions.DeleteOne(ctx, bson.D{{Key: "client_id", Value: clientID}})
	if err != nil {
		return handleErr(err)
	}
	logger.DebugF("Session deleted: client_id=%s, deleted=%d", clientID, result.DeletedCount)
	return nil
}

func (s *Store) LoadSessions(ctx context.Context) ([]*persistence.SessionState, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cursor, err := s.sessions.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "client_id", Value: 1}}))
	if err != nil {
		return nil, handleErr(err)
	}
	var result []*persistence.SessionState
	if err := cursor.All(ctx, &result); err != nil {
		return nil, handleErr(err)
	}
	return result, nil
}

// Drop removes both collections, used to reset test databases.
func (s *Store) Drop(ctx context.Context) error {
	s.cache.purge()
	if err := s.sessions.Drop(ctx); err != nil {
		return handleErr(err)
	}
	if err := s.retained.Drop(ctx); err != nil {
		return handleErr(err)
	}
	return s.createIndexes(ctx)
}

func (s *Store) Close(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Disconnect(ctx)
}
