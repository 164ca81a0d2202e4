// Package postgres provides a PostgreSQL implementation of backend.API.
//
// A Store owns the schema and is shared by all users. ForUser returns the
// per-identity client the inbox engine talks to:
//
//	st := postgres.New(db, postgres.WithPublisher(redisPublisher))
//	if err := st.Connect(ctx); err != nil {
//	    return err
//	}
//	connector := func(ctx context.Context, id inbox.Identity) (backend.API, backend.Socket, error) {
//	    return st.ForUser(id.UserID), redis.NewSocket(rdb, id.UserID), nil
//	}
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/inbox/backend"
)

// ErrNotConnected is returned when the store is used before Connect.
var ErrNotConnected = errors.New("postgres: not connected")

// ErrAlreadyConnected is returned when Connect is called twice.
var ErrAlreadyConnected = errors.New("postgres: already connected")

// Store manages the messages table.
type Store struct {
	db        *sqlx.DB
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a new PostgreSQL store with the provided database connection.
// Call Connect() to initialize the schema and indexes.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		db:     db,
		opts:   o,
		logger: o.logger,
	}
}

// NewFromDB creates a new PostgreSQL store from a standard sql.DB connection.
// This wraps the sql.DB with sqlx for enhanced functionality.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

// Connect initializes the schema and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return ErrAlreadyConnected
	}

	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres ping: %w", err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.logger.Info("connected to PostgreSQL", "table", s.opts.table)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the database connection.
func (s *Store) Close(ctx context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// ensureSchema creates the required table and indexes.
func (s *Store) ensureSchema(ctx context.Context) error {
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			preview TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			actions JSONB NOT NULL DEFAULT '[]',
			tags TEXT[] NOT NULL DEFAULT '{}',
			data JSONB NOT NULL DEFAULT '{}',
			click_id VARCHAR(255) NOT NULL DEFAULT '',
			read_id VARCHAR(255) NOT NULL DEFAULT '',
			open_id VARCHAR(255) NOT NULL DEFAULT '',
			archive_id VARCHAR(255) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			read_at TIMESTAMPTZ,
			archived_at TIMESTAMPTZ,
			opened_at TIMESTAMPTZ,
			PRIMARY KEY (user_id, id)
		)
	`, s.opts.table)

	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_user_created ON %s(user_id, created_at DESC, id)`, s.opts.table, s.opts.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_tags ON %s USING GIN(tags)`, s.opts.table, s.opts.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_unread ON %s(user_id) WHERE read_at IS NULL AND archived_at IS NULL`, s.opts.table, s.opts.table),
	}

	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			s.logger.Warn("failed to create index", "error", err, "sql", idx)
		}
	}
	return nil
}

// checkConnected returns error if not connected.
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
	case errors.Is(err, sql.ErrNoRows):
		return backend.ErrNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, sql.ErrConnDone):
		return fmt.Errorf("%s: %w: %v", op, backend.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
