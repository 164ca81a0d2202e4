package mongo

import (
	"context"
	"time"

	"github.com/rbaliyan/inbox/backend"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// newestFirst is the page sort order; ties break by ascending id.
var newestFirst = bson.D{
	bson.E{Key: "created_at", Value: -1},
	bson.E{Key: "_id", Value: 1},
}

// buildFilter translates a filter and an optional keyset cursor into a query.
func buildFilter(userID string, f backend.Filter, after *backend.Cursor) bson.M {
	q := bson.M{"user_id": userID}

	if f.Archived {
		q["archived_at"] = bson.M{"$ne": nil}
	} else {
		q["archived_at"] = nil
	}

	switch f.Status {
	case backend.StatusRead:
		q["read_at"] = bson.M{"$ne": nil}
	case backend.StatusUnread:
		q["read_at"] = nil
	}

	if len(f.Tags) > 0 {
		q["tags"] = bson.M{"$in": f.Tags}
	}

	if after != nil {
		q["$or"] = bson.A{
			bson.M{"created_at": bson.M{"$lt": after.CreatedAt}},
			bson.M{"created_at": after.CreatedAt, "_id": bson.M{"$gt": after.ID}},
		}
	}
	return q
}

// GetMessages returns one page of messages, newest first.
func (c *Client) GetMessages(ctx context.Context, req backend.PageRequest) (*backend.Page, error) {
	s := c.store
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := req.Filter.Validate(); err != nil {
		return nil, err
	}
	if req.Limit <= 0 {
		req.Limit = 20
	}

	var after *backend.Cursor
	if req.Cursor != "" {
		cur, err := backend.DecodeCursor(req.Cursor)
		if err != nil {
			return nil, err
		}
		after = &cur
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	findOpts := mongoopts.Find().
		SetSort(newestFirst).
		SetLimit(int64(req.Limit + 1))

	cursor, err := s.collection.Find(ctx, buildFilter(c.userID, req.Filter, after), findOpts)
	if err != nil {
		return nil, wrap("find messages", err)
	}
	defer cursor.Close(ctx)

	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrap("decode messages", err)
	}

	hasMore := len(docs) > req.Limit
	if hasMore {
		docs = docs[:req.Limit]
	}

	page := &backend.Page{
		Messages:    make([]backend.Message, 0, len(docs)),
		CanPaginate: hasMore,
	}
	for i := range docs {
		page.Messages = append(page.Messages, normalize(docs[i].Message))
	}
	if n := len(page.Messages); n > 0 {
		last := page.Messages[n-1]
		page.Cursor = backend.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.Encode()
	}
	return page, nil
}

// normalize puts decoded timestamps in UTC.
func normalize(m backend.Message) backend.Message {
	m.CreatedAt = m.CreatedAt.UTC()
	for _, t := range []**time.Time{&m.ReadAt, &m.ArchivedAt, &m.OpenedAt} {
		if *t != nil {
			v := (*t).UTC()
			*t = &v
		}
	}
	return m
}

// UnreadCount returns the number of unread, unarchived messages.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	s := c.store
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	n, err := s.collection.CountDocuments(ctx, bson.M{
		"user_id":     c.userID,
		"read_at":     nil,
		"archived_at": nil,
	})
	if err != nil {
		return 0, wrap("count unread", err)
	}
	return int(n), nil
}
