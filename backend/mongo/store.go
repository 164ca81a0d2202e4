// Package mongo provides a MongoDB implementation of backend.API.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/rbaliyan/inbox/backend"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ErrNotConnected is returned when the store is used before Connect.
var ErrNotConnected = errors.New("mongo: not connected")

// ErrAlreadyConnected is returned when Connect is called twice.
var ErrAlreadyConnected = errors.New("mongo: already connected")

// document is the stored form of a message.
type document struct {
	UserID          string `bson:"user_id"`
	backend.Message `bson:",inline"`
}

// Store manages the messages collection.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
	opts       *options
	connected  int32
	logger     *slog.Logger
}

// New creates a new MongoDB store with the provided client.
// Call Connect() to initialize the collection and indexes.
func New(client *mongo.Client, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		client: client,
		opts:   o,
		logger: o.logger,
	}
}

// Connect initializes the collection and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&s.connected) == 1 {
		return ErrAlreadyConnected
	}

	if s.client == nil {
		return fmt.Errorf("mongo: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo ping: %w", err)
	}

	s.collection = s.client.Database(s.opts.database).Collection(s.opts.collection)

	if err := s.ensureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}

	atomic.StoreInt32(&s.connected, 1)
	s.logger.Info("connected to MongoDB", "database", s.opts.database, "collection", s.opts.collection)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the MongoDB client.
func (s *Store) Close(ctx context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// ensureIndexes creates required indexes.
func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		// Page queries: newest first per user.
		{Keys: bson.D{
			bson.E{Key: "user_id", Value: 1},
			bson.E{Key: "created_at", Value: -1},
			bson.E{Key: "_id", Value: 1},
		}},
		{Keys: bson.D{bson.E{Key: "tags", Value: 1}}},
		// Unread count
		{
			Keys: bson.D{bson.E{Key: "user_id", Value: 1}},
			Options: mongoopts.Index().
				SetName("user_unread").
				SetPartialFilterExpression(bson.M{"read_at": nil, "archived_at": nil}),
		},
	}

	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return ErrNotConnected
	}
	return nil
}

// ForUser returns the API client for one user.
func (s *Store) ForUser(userID string) *Client {
	return &Client{store: s, userID: userID}
}

// Client is the backend.API for a single user.
type Client struct {
	store  *Store
	userID string
}

// Compile-time checks
var (
	_ backend.API           = (*Client)(nil)
	_ backend.UnreadCounter = (*Client)(nil)
)

// wrap maps driver errors onto backend sentinels.
func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return backend.ErrNotFound
	case mongo.IsTimeout(err), mongo.IsNetworkError(err):
		return fmt.Errorf("%s: %w: %v", op, backend.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// publish notifies the user's sockets. Failures are logged; the change is
// already committed.
func (s *Store) publish(ctx context.Context, userID string, env backend.Envelope) {
	if s.opts.publisher == nil {
		return
	}
	if err := s.opts.publisher.Publish(ctx, userID, env); err != nil {
		s.logger.Warn("failed to publish envelope", "user", userID, "event", env.Event, "error", err)
	}
}
