package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rbaliyan/inbox/backend"
)

// messageColumns is the canonical SELECT column list. It must match the db
// tags of messageRow.
const messageColumns = `id, user_id, title, preview, body, actions, tags, data,
       click_id, read_id, open_id, archive_id, created_at, read_at, archived_at, opened_at`

// messageRow is the scan target for one row.
type messageRow struct {
	ID         string         `db:"id"`
	UserID     string         `db:"user_id"`
	Title      string         `db:"title"`
	Preview    string         `db:"preview"`
	Body       string         `db:"body"`
	Actions    []byte         `db:"actions"`
	Tags       pq.StringArray `db:"tags"`
	Data       []byte         `db:"data"`
	ClickID    string         `db:"click_id"`
	ReadID     string         `db:"read_id"`
	OpenID     string         `db:"open_id"`
	ArchiveID  string         `db:"archive_id"`
	CreatedAt  time.Time      `db:"created_at"`
	ReadAt     *time.Time     `db:"read_at"`
	ArchivedAt *time.Time     `db:"archived_at"`
	OpenedAt   *time.Time     `db:"opened_at"`
}

func (r *messageRow) toMessage() (backend.Message, error) {
	m := backend.Message{
		ID:      r.ID,
		Title:   r.Title,
		Preview: r.Preview,
		Body:    r.Body,
		Tags:    []string(r.Tags),
		Tracking: backend.Tracking{
			ClickID:   r.ClickID,
			ReadID:    r.ReadID,
			OpenID:    r.OpenID,
			ArchiveID: r.ArchiveID,
		},
		CreatedAt:  r.CreatedAt.UTC(),
		ReadAt:     utc(r.ReadAt),
		ArchivedAt: utc(r.ArchivedAt),
		OpenedAt:   utc(r.OpenedAt),
	}
	if len(r.Actions) > 0 {
		if err := json.Unmarshal(r.Actions, &m.Actions); err != nil {
			return m, fmt.Errorf("unmarshal actions: %w", err)
		}
	}
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &m.Data); err != nil {
			return m, fmt.Errorf("unmarshal data: %w", err)
		}
		if len(m.Data) == 0 {
			m.Data = nil
		}
	}
	return m, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// buildWhereClause translates a filter and an optional keyset cursor into a
// WHERE clause with '?' placeholders.
func buildWhereClause(userID string, f backend.Filter, after *backend.Cursor) (string, []any) {
	conds := []string{"user_id = ?"}
	args := []any{userID}

	if f.Archived {
		conds = append(conds, "archived_at IS NOT NULL")
	} else {
		conds = append(conds, "archived_at IS NULL")
	}

	switch f.Status {
	case backend.StatusRead:
		conds = append(conds, "read_at IS NOT NULL")
	case backend.StatusUnread:
		conds = append(conds, "read_at IS NULL")
	}

	if len(f.Tags) > 0 {
		conds = append(conds, "tags && ?")
		args = append(args, pq.Array(f.Tags))
	}

	// Newest first with ties broken by ascending id.
	if after != nil {
		conds = append(conds, "(created_at < ? OR (created_at = ? AND id > ?))")
		args = append(args, after.CreatedAt, after.CreatedAt, after.ID)
	}

	return strings.Join(conds, " AND "), args
}

// buildPageQuery returns the page query in PostgreSQL bind syntax. It
// fetches one extra row to learn whether another page exists.
func buildPageQuery(table, userID string, req backend.PageRequest, after *backend.Cursor) (string, []any) {
	where, args := buildWhereClause(userID, req.Filter, after)
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE %s
		ORDER BY created_at DESC, id ASC
		LIMIT ?
	`, messageColumns, table, where)
	args = append(args, req.Limit+1)
	return sqlx.Rebind(sqlx.DOLLAR, query), args
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

	query, args := buildPageQuery(s.opts.table, c.userID, req, after)
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, wrap("query messages", err)
	}

	hasMore := len(rows) > req.Limit
	if hasMore {
		rows = rows[:req.Limit]
	}

	page := &backend.Page{
		Messages:    make([]backend.Message, 0, len(rows)),
		CanPaginate: hasMore,
	}
	for i := range rows {
		m, err := rows[i].toMessage()
		if err != nil {
			return nil, fmt.Errorf("scan message %s: %w", rows[i].ID, err)
		}
		page.Messages = append(page.Messages, m)
	}
	if n := len(page.Messages); n > 0 {
		last := page.Messages[n-1]
		page.Cursor = backend.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.Encode()
	}
	return page, nil
}

// UnreadCount returns the number of unread, unarchived messages.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	s := c.store
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := sqlx.Rebind(sqlx.DOLLAR, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE user_id = ? AND read_at IS NULL AND archived_at IS NULL`,
		s.opts.table))
	var n int
	if err := s.db.GetContext(ctx, &n, query, c.userID); err != nil {
		return 0, wrap("count unread", err)
	}
	return n, nil
}
