package inbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/inbox/backend"
	"github.com/rbaliyan/inbox/backend/memory"
	"github.com/rbaliyan/inbox/retry"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// msg builds a message created minutesAgo before baseTime.
func msg(id string, minutesAgo int, opts ...func(*Message)) Message {
	m := Message{
		ID:        id,
		Title:     "title " + id,
		CreatedAt: baseTime.Add(-time.Duration(minutesAgo) * time.Minute),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

func read(m *Message) {
	at := baseTime
	m.ReadAt = &at
}

func archived(m *Message) {
	at := baseTime
	m.ArchivedAt = &at
}

func tagged(tags ...string) func(*Message) {
	return func(m *Message) { m.Tags = tags }
}

// testFeeds registers "all", "unread" and "archived" under one feed.
func testFeeds() []Feed {
	return []Feed{{
		ID:    "main",
		Title: "Inbox",
		Tabs: []Tab{
			{DatasetID: "all", Title: "All", Filter: backend.Unarchived()},
			{DatasetID: "unread", Title: "Unread", Filter: backend.UnreadOnly()},
			{DatasetID: "archived", Title: "Archived", Filter: backend.ArchivedOnly()},
		},
	}}
}

func fastReconnect(maxRetries int) retry.Config {
	return retry.Config{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
}

// newTestStore creates a data store for "u1" backed by srv. The store is
// closed when the test ends.
func newTestStore(t *testing.T, srv *memory.Server, opts ...Option) (*dataStore, *memory.Socket) {
	t.Helper()
	sock := srv.Socket()
	ds, err := NewDataStore(Identity{UserID: "u1"}, srv, sock, opts...)
	if err != nil {
		t.Fatalf("NewDataStore: %v", err)
	}
	t.Cleanup(func() { ds.Close(context.Background()) })
	return ds.(*dataStore), sock
}

// loadedStore registers testFeeds and loads every dataset.
func loadedStore(t *testing.T, srv *memory.Server, opts ...Option) (*dataStore, *memory.Socket) {
	t.Helper()
	s, sock := newTestStore(t, srv, opts...)
	if err := s.RegisterFeeds(testFeeds()); err != nil {
		t.Fatalf("RegisterFeeds: %v", err)
	}
	if err := s.Load(context.Background(), LoadOptions{}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s, sock
}

// recorder collects the events delivered to a listener.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(s DataStore, opts ...ListenOption) (*recorder, Subscription) {
	r := &recorder{}
	sub := s.AddListener(func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	}, opts...)
	return r, sub
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func (r *recorder) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// eventsOf returns the recorded events of type T.
func eventsOf[T Event](r *recorder) []T {
	var out []T
	for _, ev := range r.all() {
		if e, ok := ev.(T); ok {
			out = append(out, e)
		}
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// gate holds requests for one op until released.
type gate struct {
	entered chan string
	release chan struct{}
	once    sync.Once
}

// hold installs a gate on srv for op. Other ops pass through.
func hold(srv *memory.Server, op memory.Op) *gate {
	g := &gate{entered: make(chan string, 16), release: make(chan struct{})}
	srv.Intercept(func(ctx context.Context, o memory.Op, messageID string) error {
		if o != op {
			return nil
		}
		g.entered <- messageID
		select {
		case <-g.release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return g
}

func (g *gate) wait(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached the server")
	}
}

func (g *gate) open() {
	g.once.Do(func() { close(g.release) })
}

func datasetIDs(ds Dataset) []string {
	ids := make([]string, len(ds.Messages))
	for i, m := range ds.Messages {
		ids[i] = m.ID
	}
	return ids
}

func mustDataset(t *testing.T, s DataStore, id string) Dataset {
	t.Helper()
	ds, ok := s.Dataset(id)
	if !ok {
		t.Fatalf("dataset %q not registered", id)
	}
	return ds
}
