// Package memory provides an in-memory inbox server for testing.
// It implements backend.API and backend.UnreadCounter, and hands out
// backend.Socket connections fed by a push hub. Not suitable for production.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rbaliyan/inbox/backend"
)

// Compile-time checks
var (
	_ backend.API           = (*Server)(nil)
	_ backend.UnreadCounter = (*Server)(nil)
)

// Op names a server request, for interception and call counting.
type Op string

// Server operations.
const (
	OpGetMessages Op = "get_messages"
	OpUnreadCount Op = "unread_count"
	OpMarkRead    Op = "mark_read"
	OpMarkUnread  Op = "mark_unread"
	OpClick       Op = "click"
	OpOpen        Op = "open"
	OpArchive     Op = "archive"
	OpUnarchive   Op = "unarchive"
	OpReadAll     Op = "read_all"
	OpArchiveRead Op = "archive_read"
)

// InterceptFunc runs before every request. A non-nil error fails the request
// without touching server state. It may block to hold a request in flight.
type InterceptFunc func(ctx context.Context, op Op, messageID string) error

// Server is a thread-safe in-memory inbox for a single user.
type Server struct {
	mu        sync.Mutex
	messages  map[string]*backend.Message
	calls     map[Op]int
	intercept InterceptFunc
	echo      bool
	now       func() time.Time

	hubMu   sync.Mutex
	sockets map[*Socket]struct{}
	connErr []error
}

// Option configures a Server.
type Option func(*Server)

// WithEcho makes the server push an envelope to every subscribed socket for
// each confirmed mutation, the way a real inbox service notifies other tabs.
func WithEcho() Option {
	return func(s *Server) { s.echo = true }
}

// WithClock sets the time source used for flag timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty server.
func New(opts ...Option) *Server {
	s := &Server{
		messages: make(map[string]*backend.Message),
		calls:    make(map[Op]int),
		sockets:  make(map[*Socket]struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add stores messages, replacing any with the same id.
func (s *Server) Add(msgs ...backend.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range msgs {
		s.messages[msgs[i].ID] = msgs[i].Clone()
	}
}

// Deliver stores a new message and pushes it to subscribed sockets.
func (s *Server) Deliver(msg backend.Message) {
	s.Add(msg)
	s.Push(backend.Envelope{Event: backend.EventNewMessage, Message: msg.Clone(), At: s.now()})
}

// Get returns a copy of a stored message.
func (s *Server) Get(id string) (*backend.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// Intercept installs fn to run before every request. Pass nil to remove it.
func (s *Server) Intercept(fn InterceptFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intercept = fn
}

// FailOn fails every request for op with err until cleared with FailOn(op, nil).
func (s *Server) FailOn(op Op, err error) {
	s.Intercept(func(_ context.Context, o Op, _ string) error {
		if o == op {
			return err
		}
		return nil
	})
}

// Calls returns how many requests reached op, including failed ones.
func (s *Server) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// begin counts the call and runs the interceptor outside the lock.
func (s *Server) begin(ctx context.Context, op Op, messageID string) error {
	s.mu.Lock()
	s.calls[op]++
	fn := s.intercept
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if fn != nil {
		return fn(ctx, op, messageID)
	}
	return nil
}

// GetMessages returns one page of matching messages, newest first.
func (s *Server) GetMessages(ctx context.Context, req backend.PageRequest) (*backend.Page, error) {
	if err := s.begin(ctx, OpGetMessages, ""); err != nil {
		return nil, err
	}
	if err := req.Filter.Validate(); err != nil {
		return nil, err
	}
	var after *backend.Cursor
	if req.Cursor != "" {
		c, err := backend.DecodeCursor(req.Cursor)
		if err != nil {
			return nil, err
		}
		after = &c
	}

	s.mu.Lock()
	matched := make([]*backend.Message, 0, len(s.messages))
	for _, m := range s.messages {
		if !req.Filter.Matches(m) {
			continue
		}
		if after != nil && !after.After(m) {
			continue
		}
		matched = append(matched, m.Clone())
	}
	s.mu.Unlock()

	slices.SortFunc(matched, backend.NewerFirst)

	limit := req.Limit
	if limit <= 0 || limit > len(matched) {
		limit = len(matched)
	}
	page := &backend.Page{
		Messages:    make([]backend.Message, 0, limit),
		CanPaginate: len(matched) > limit,
	}
	for _, m := range matched[:limit] {
		page.Messages = append(page.Messages, *m)
	}
	if limit > 0 {
		last := matched[limit-1]
		page.Cursor = backend.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.Encode()
	}
	return page, nil
}

// UnreadCount returns the number of unread, unarchived messages.
func (s *Server) UnreadCount(ctx context.Context) (int, error) {
	if err := s.begin(ctx, OpUnreadCount, ""); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.CountsAsUnread() {
			n++
		}
	}
	return n, nil
}

func (s *Server) MarkRead(ctx context.Context, messageID string) error {
	return s.mutate(ctx, OpMarkRead, messageID, backend.EventRead, func(m *backend.Message, now time.Time) {
		if m.ReadAt == nil {
			m.ReadAt = &now
		}
	})
}

func (s *Server) MarkUnread(ctx context.Context, messageID string) error {
	return s.mutate(ctx, OpMarkUnread, messageID, backend.EventUnread, func(m *backend.Message, _ time.Time) {
		m.ReadAt = nil
	})
}

// Click records a click. It does not change message state.
func (s *Server) Click(ctx context.Context, messageID, _ string) error {
	return s.mutate(ctx, OpClick, messageID, backend.EventClicked, func(*backend.Message, time.Time) {})
}

func (s *Server) Open(ctx context.Context, messageID string) error {
	return s.mutate(ctx, OpOpen, messageID, backend.EventOpened, func(m *backend.Message, now time.Time) {
		if m.OpenedAt == nil {
			m.OpenedAt = &now
		}
	})
}

func (s *Server) Archive(ctx context.Context, messageID string) error {
	return s.mutate(ctx, OpArchive, messageID, backend.EventArchive, func(m *backend.Message, now time.Time) {
		if m.ArchivedAt == nil {
			m.ArchivedAt = &now
		}
	})
}

func (s *Server) Unarchive(ctx context.Context, messageID string) error {
	return s.mutate(ctx, OpUnarchive, messageID, backend.EventUnarchive, func(m *backend.Message, _ time.Time) {
		m.ArchivedAt = nil
	})
}

// ReadAll marks every message as read.
func (s *Server) ReadAll(ctx context.Context) error {
	return s.mutateAll(ctx, OpReadAll, backend.EventMarkAllRead, func(m *backend.Message, now time.Time) {
		if m.ReadAt == nil {
			m.ReadAt = &now
		}
	})
}

// ArchiveRead archives every read message.
func (s *Server) ArchiveRead(ctx context.Context) error {
	return s.mutateAll(ctx, OpArchiveRead, backend.EventArchiveRead, func(m *backend.Message, now time.Time) {
		if m.IsRead() && m.ArchivedAt == nil {
			m.ArchivedAt = &now
		}
	})
}

func (s *Server) mutate(ctx context.Context, op Op, id string, ev backend.EventType, fn func(*backend.Message, time.Time)) error {
	if err := s.begin(ctx, op, id); err != nil {
		return err
	}
	now := s.now()
	s.mu.Lock()
	m, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		return backend.ErrNotFound
	}
	fn(m, now)
	echo := s.echo
	s.mu.Unlock()

	if echo {
		s.Push(backend.Envelope{Event: ev, MessageID: id, At: now})
	}
	return nil
}

func (s *Server) mutateAll(ctx context.Context, op Op, ev backend.EventType, fn func(*backend.Message, time.Time)) error {
	if err := s.begin(ctx, op, ""); err != nil {
		return err
	}
	now := s.now()
	s.mu.Lock()
	for _, m := range s.messages {
		fn(m, now)
	}
	echo := s.echo
	s.mu.Unlock()

	if echo {
		s.Push(backend.Envelope{Event: ev, At: now})
	}
	return nil
}
