package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/inbox/backend"
	"go.mongodb.org/mongo-driver/v2/bson"
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
	// Stored precision is milliseconds; keep cursors consistent with reads.
	m.CreatedAt = m.CreatedAt.Truncate(time.Millisecond)

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if _, err := s.collection.InsertOne(ctx, document{UserID: userID, Message: *m}); err != nil {
		return nil, wrap("insert message", err)
	}

	s.publish(ctx, userID, backend.Envelope{Event: backend.EventNewMessage, Message: m.Clone(), At: m.CreatedAt})
	return m, nil
}

// setIfUnset keeps an existing timestamp and sets now otherwise.
func setIfUnset(field string, now time.Time) bson.A {
	return bson.A{bson.M{"$set": bson.M{field: bson.M{"$ifNull": bson.A{"$" + field, now}}}}}
}

func unset(field string) bson.M {
	return bson.M{"$unset": bson.M{field: ""}}
}

func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	return c.updateOne(ctx, messageID, backend.EventRead, func(now time.Time) any { return setIfUnset("read_at", now) })
}

func (c *Client) MarkUnread(ctx context.Context, messageID string) error {
	return c.updateOne(ctx, messageID, backend.EventUnread, func(time.Time) any { return unset("read_at") })
}

func (c *Client) Open(ctx context.Context, messageID string) error {
	return c.updateOne(ctx, messageID, backend.EventOpened, func(now time.Time) any { return setIfUnset("opened_at", now) })
}

func (c *Client) Archive(ctx context.Context, messageID string) error {
	return c.updateOne(ctx, messageID, backend.EventArchive, func(now time.Time) any { return setIfUnset("archived_at", now) })
}

func (c *Client) Unarchive(ctx context.Context, messageID string) error {
	return c.updateOne(ctx, messageID, backend.EventUnarchive, func(time.Time) any { return unset("archived_at") })
}

// Click verifies the message exists and notifies other sessions.
func (c *Client) Click(ctx context.Context, messageID, trackingID string) error {
	s := c.store
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	n, err := s.collection.CountDocuments(ctx, bson.M{"_id": messageID, "user_id": c.userID})
	if err != nil {
		return wrap("click", err)
	}
	if n == 0 {
		return backend.ErrNotFound
	}
	s.logger.Debug("message clicked", "user", c.userID, "message", messageID, "tracking", trackingID)
	s.publish(ctx, c.userID, backend.Envelope{Event: backend.EventClicked, MessageID: messageID, At: time.Now().UTC()})
	return nil
}

// ReadAll marks every message of the user as read.
func (c *Client) ReadAll(ctx context.Context) error {
	return c.updateMany(ctx, backend.EventMarkAllRead,
		bson.M{"read_at": nil},
		func(now time.Time) bson.M { return bson.M{"$set": bson.M{"read_at": now}} })
}

// ArchiveRead archives every read message of the user.
func (c *Client) ArchiveRead(ctx context.Context) error {
	return c.updateMany(ctx, backend.EventArchiveRead,
		bson.M{"read_at": bson.M{"$ne": nil}, "archived_at": nil},
		func(now time.Time) bson.M { return bson.M{"$set": bson.M{"archived_at": now}} })
}

func (c *Client) updateOne(ctx context.Context, messageID string, ev backend.EventType, update func(time.Time) any) error {
	s := c.store
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Millisecond)
	result, err := s.collection.UpdateOne(ctx, bson.M{"_id": messageID, "user_id": c.userID}, update(now))
	if err != nil {
		return wrap(string(ev), err)
	}
	if result.MatchedCount == 0 {
		return backend.ErrNotFound
	}

	s.publish(ctx, c.userID, backend.Envelope{Event: ev, MessageID: messageID, At: now})
	return nil
}

func (c *Client) updateMany(ctx context.Context, ev backend.EventType, match bson.M, update func(time.Time) bson.M) error {
	s := c.store
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Millisecond)
	match["user_id"] = c.userID
	if _, err := s.collection.UpdateMany(ctx, match, update(now)); err != nil {
		return wrap(string(ev), err)
	}

	s.publish(ctx, c.userID, backend.Envelope{Event: ev, At: now})
	return nil
}
