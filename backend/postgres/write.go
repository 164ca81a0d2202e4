package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rbaliyan/inbox/backend"
)

// Deliver stores a new message for userID and publishes it to the user's
// sockets. An empty ID is assigned a UUID and a zero CreatedAt is set to now.
func (s *Store) Deliver(ctx context.Context, userID string, msg backend.Message) (*backend.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	m := msg.Clone()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	actionsJSON, err := json.Marshal(nonNil(m.Actions))
	if err != nil {
		return nil, fmt.Errorf("marshal actions: %w", err)
	}
	data := m.Data
	if data == nil {
		data = map[string]any{}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := sqlx.Rebind(sqlx.DOLLAR, fmt.Sprintf(`
		INSERT INTO %s (id, user_id, title, preview, body, actions, tags, data,
		                click_id, read_id, open_id, archive_id, created_at, read_at, archived_at, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.opts.table))

	_, err = s.db.ExecContext(ctx, query,
		m.ID, userID, m.Title, m.Preview, m.Body, actionsJSON, pq.Array(nonNil(m.Tags)), dataJSON,
		m.Tracking.ClickID, m.Tracking.ReadID, m.Tracking.OpenID, m.Tracking.ArchiveID,
		m.CreatedAt, m.ReadAt, m.ArchivedAt, m.OpenedAt,
	)
	if err != nil {
		return nil, wrap("insert message", err)
	}

	s.publish(ctx, userID, backend.Envelope{Event: backend.EventNewMessage, Message: m.Clone(), At: m.CreatedAt})
	return m, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	return c.updateOne(ctx, messageID, "read_at = COALESCE(read_at, ?)", backend.EventRead)
}

func (c *Client) MarkUnread(ctx context.Context, messageID string) error {
	return c.updateOne(ctx, messageID, "read_at = NULL", backend.EventUnread)
}

func (c *Client) Open(ctx context.Context, messageID string) error {
	return c.updateOne(ctx, messageID, "opened_at = COALESCE(opened_at, ?)", backend.EventOpened)
}

func (c *Client) Archive(ctx context.Context, messageID string) error {
	return c.updateOne(ctx, messageID, "archived_at = COALESCE(archived_at, ?)", backend.EventArchive)
}

func (c *Client) Unarchive(ctx context.Context, messageID string) error {
	return c.updateOne(ctx, messageID, "archived_at = NULL", backend.EventUnarchive)
}

// Click verifies the message exists and notifies other sessions. Click
// tracking is not persisted.
func (c *Client) Click(ctx context.Context, messageID, trackingID string) error {
	s := c.store
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := sqlx.Rebind(sqlx.DOLLAR, fmt.Sprintf(`SELECT id FROM %s WHERE user_id = ? AND id = ?`, s.opts.table))
	var id string
	if err := s.db.GetContext(ctx, &id, query, c.userID, messageID); err != nil {
		return wrap("click", err)
	}
	s.logger.Debug("message clicked", "user", c.userID, "message", messageID, "tracking", trackingID)
	s.publish(ctx, c.userID, backend.Envelope{Event: backend.EventClicked, MessageID: messageID, At: time.Now().UTC()})
	return nil
}

// ReadAll marks every message of the user as read.
func (c *Client) ReadAll(ctx context.Context) error {
	return c.updateAll(ctx, "read_at = ?", "read_at IS NULL", backend.EventMarkAllRead)
}

// ArchiveRead archives every read message of the user.
func (c *Client) ArchiveRead(ctx context.Context) error {
	return c.updateAll(ctx, "archived_at = ?", "read_at IS NOT NULL AND archived_at IS NULL", backend.EventArchiveRead)
}

// updateOne applies set to one message. A set clause with a placeholder
// receives the current time.
func (c *Client) updateOne(ctx context.Context, messageID, set string, ev backend.EventType) error {
	s := c.store
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	now := time.Now().UTC()
	var args []any
	if strings.Contains(set, "?") {
		args = append(args, now)
	}
	args = append(args, c.userID, messageID)

	query := sqlx.Rebind(sqlx.DOLLAR, fmt.Sprintf(`UPDATE %s SET %s WHERE user_id = ? AND id = ?`, s.opts.table, set))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrap(string(ev), err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return backend.ErrNotFound
	}

	s.publish(ctx, c.userID, backend.Envelope{Event: ev, MessageID: messageID, At: now})
	return nil
}

func (c *Client) updateAll(ctx context.Context, set, where string, ev backend.EventType) error {
	s := c.store
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	now := time.Now().UTC()
	query := sqlx.Rebind(sqlx.DOLLAR, fmt.Sprintf(`UPDATE %s SET %s WHERE user_id = ? AND %s`, s.opts.table, set, where))
	if _, err := s.db.ExecContext(ctx, query, now, c.userID); err != nil {
		return wrap(string(ev), err)
	}

	s.publish(ctx, c.userID, backend.Envelope{Event: ev, At: now})
	return nil
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
