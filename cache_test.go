package inbox

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/rbaliyan/inbox/backend"
	"github.com/rbaliyan/inbox/backend/memory"
)

// plainAPI hides the server's UnreadCounter so the total is counted locally.
type plainAPI struct {
	backend.API
}

func TestUpsertFullAddsToMatchingDatasets(t *testing.T) {
	srv := memory.New()
	srv.Add(msg("m1", 10), msg("m2", 20, read))
	s, _ := loadedStore(t, srv)
	r, _ := record(s)

	fresh := msg("m3", 1)
	if err := s.Upsert(Full{Message: &fresh, Fresh: true}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if got := datasetIDs(mustDataset(t, s, "all")); !slices.Equal(got, []string{"m3", "m1", "m2"}) {
		t.Errorf("unexpected 'all' order: %v", got)
	}
	if got := datasetIDs(mustDataset(t, s, "unread")); !slices.Equal(got, []string{"m3", "m1"}) {
		t.Errorf("unexpected 'unread' order: %v", got)
	}
	if got := datasetIDs(mustDataset(t, s, "archived")); len(got) != 0 {
		t.Errorf("archived dataset should stay empty, got %v", got)
	}

	added := eventsOf[MessageAdded](r)
	if len(added) != 2 {
		t.Fatalf("expected MessageAdded for 'all' and 'unread', got %+v", added)
	}
	for _, ev := range added {
		if ev.Index != 0 || ev.Message.ID != "m3" {
			t.Errorf("unexpected MessageAdded: %+v", ev)
		}
	}
	if s.TotalUnreadCount() != 2 {
		t.Errorf("expected total 2, got %d", s.TotalUnreadCount())
	}
	if d := mustDataset(t, s, "unread"); d.UnreadCount != 2 {
		t.Errorf("expected unread count 2, got %d", d.UnreadCount)
	}
}

func TestUpsertFullMergesContent(t *testing.T) {
	srv := memory.New()
	srv.Add(msg("m1", 10, tagged("news")))
	s, _ := loadedStore(t, srv)
	r, _ := record(s)

	update := Message{ID: "m1", Preview: "new preview"}
	read(&update)
	if err := s.Upsert(Full{Message: &update}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	m, ok := s.Message("m1")
	if !ok {
		t.Fatal("message missing")
	}
	if m.Title != "title m1" {
		t.Errorf("empty incoming title should keep existing, got %q", m.Title)
	}
	if m.Preview != "new preview" {
		t.Errorf("expected preview to be replaced, got %q", m.Preview)
	}
	if !m.HasTag("news") {
		t.Error("empty incoming tags should keep existing")
	}
	if m.CreatedAt.IsZero() {
		t.Error("zero incoming CreatedAt should keep existing")
	}
	if !m.IsRead() {
		t.Error("flags should come from the incoming message")
	}

	removed := eventsOf[MessageRemoved](r)
	if len(removed) != 1 || removed[0].DatasetID != "unread" {
		t.Errorf("expected removal from 'unread', got %+v", removed)
	}
	updated := eventsOf[MessageUpdated](r)
	if len(updated) != 1 || updated[0].DatasetID != "all" {
		t.Errorf("expected update in 'all', got %+v", updated)
	}
}

func TestUpsertIdenticalIsSilent(t *testing.T) {
	srv := memory.New()
	srv.Add(msg("m1", 10))
	s, _ := loadedStore(t, srv)
	r, _ := record(s)

	same := msg("m1", 10)
	if err := s.Upsert(Full{Message: &same}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if r.size() != 0 {
		t.Errorf("identical upsert should not emit, got %v", r.all())
	}
}

func TestUpsertPatch(t *testing.T) {
	srv := memory.New()
	srv.Add(msg("m1", 10))
	s, _ := loadedStore(t, srv)

	t.Run("unknown message is dropped", func(t *testing.T) {
		r, sub := record(s)
		defer sub.Remove()
		if err := s.Upsert(Patch{MessageID: "missing", Flags: FlagsMarkRead}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		if r.size() != 0 {
			t.Errorf("expected no events, got %v", r.all())
		}
	})

	t.Run("patch uses its timestamp", func(t *testing.T) {
		at := baseTime.Add(time.Hour)
		if err := s.Upsert(Patch{MessageID: "m1", Flags: FlagsMarkOpened, At: at}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		m, _ := s.Message("m1")
		if m.OpenedAt == nil || !m.OpenedAt.Equal(at) {
			t.Errorf("expected OpenedAt %v, got %v", at, m.OpenedAt)
		}
	})

	t.Run("repeated patch keeps original timestamp", func(t *testing.T) {
		first, _ := s.Message("m1")
		if err := s.Upsert(Patch{MessageID: "m1", Flags: FlagsMarkOpened, At: baseTime.Add(2 * time.Hour)}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		m, _ := s.Message("m1")
		if !m.OpenedAt.Equal(*first.OpenedAt) {
			t.Errorf("timestamp changed from %v to %v", first.OpenedAt, m.OpenedAt)
		}
	})

	t.Run("archive moves between datasets", func(t *testing.T) {
		if err := s.Upsert(Patch{MessageID: "m1", Flags: FlagsMarkArchived}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		if got := datasetIDs(mustDataset(t, s, "all")); len(got) != 0 {
			t.Errorf("archived message should leave 'all', got %v", got)
		}
		if got := datasetIDs(mustDataset(t, s, "archived")); !slices.Equal(got, []string{"m1"}) {
			t.Errorf("archived message should enter 'archived', got %v", got)
		}
		if s.TotalUnreadCount() != 0 {
			t.Errorf("archived messages do not count as unread, got %d", s.TotalUnreadCount())
		}
	})
}

func TestPendingFlagsShieldFullUpserts(t *testing.T) {
	srv := memory.New()
	srv.Add(msg("m1", 10))
	s, _ := loadedStore(t, srv)
	g := hold(srv, memory.OpMarkRead)

	done := make(chan error, 1)
	go func() { done <- s.MarkRead(context.Background(), "m1") }()
	g.wait(t)

	stale := msg("m1", 10)
	stale.Preview = "refreshed"
	if err := s.Upsert(Full{Message: &stale}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	m, _ := s.Message("m1")
	if !m.IsRead() {
		t.Error("stale server copy overwrote an in-flight mutation")
	}
	if m.Preview != "refreshed" {
		t.Error("content should still merge while a flag is pending")
	}

	g.open()
	if err := <-done; err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if len(s.pending) != 0 {
		t.Errorf("pending flags not released: %v", s.pending)
	}
}

func TestOlderMessageWaitsForPagination(t *testing.T) {
	srv := memory.New()
	srv.Add(msg("m1", 1), msg("m2", 2), msg("m3", 3))
	s, _ := loadedStore(t, srv, WithPageSize(2))

	old := msg("m0", 100)
	if err := s.Upsert(Full{Message: &old}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if got := datasetIDs(mustDataset(t, s, "all")); !slices.Equal(got, []string{"m1", "m2"}) {
		t.Errorf("message older than the materialized range should not be inserted, got %v", got)
	}
}

func TestGarbageCollection(t *testing.T) {
	srv := memory.New()
	srv.Add(msg("m1", 1), msg("m2", 2, archived))
	s, _ := loadedStore(t, srv)

	feeds := testFeeds()
	feeds[0].Tabs = feeds[0].Tabs[:2]
	if err := s.RegisterFeeds(feeds); err != nil {
		t.Fatalf("RegisterFeeds: %v", err)
	}
	if _, ok := s.Message("m2"); ok {
		t.Error("message referenced only by a dropped dataset should be collected")
	}
	if _, ok := s.Message("m1"); !ok {
		t.Error("message still referenced should be kept")
	}
}

func TestTotalUnreadCount(t *testing.T) {
	t.Run("seeded from server", func(t *testing.T) {
		srv := memory.New()
		srv.Add(msg("m1", 1), msg("m2", 2), msg("m3", 3), msg("m4", 4, read))
		s, _ := loadedStore(t, srv, WithPageSize(1))

		if s.TotalUnreadCount() != 3 {
			t.Fatalf("expected server total 3, got %d", s.TotalUnreadCount())
		}
		if err := s.MarkRead(context.Background(), "m1"); err != nil {
			t.Fatalf("MarkRead: %v", err)
		}
		if s.TotalUnreadCount() != 2 {
			t.Errorf("expected total 2 after MarkRead, got %d", s.TotalUnreadCount())
		}
	})

	t.Run("counted locally without server count", func(t *testing.T) {
		srv := memory.New()
		srv.Add(msg("m1", 1), msg("m2", 2), msg("m3", 3))
		ds, err := NewDataStore(Identity{UserID: "u1"}, plainAPI{srv}, nil, WithPageSize(2))
		if err != nil {
			t.Fatalf("NewDataStore: %v", err)
		}
		defer ds.Close(context.Background())
		if err := ds.RegisterFeeds(testFeeds()); err != nil {
			t.Fatalf("RegisterFeeds: %v", err)
		}
		if err := ds.Load(context.Background(), LoadOptions{}); err != nil {
			t.Fatalf("Load: %v", err)
		}
		if ds.TotalUnreadCount() != 2 {
			t.Errorf("expected total counted from cache (2), got %d", ds.TotalUnreadCount())
		}
		if srv.Calls(memory.OpUnreadCount) != 0 {
			t.Error("server count should not be requested")
		}
	})

	t.Run("server count failure keeps local total", func(t *testing.T) {
		srv := memory.New()
		srv.Add(msg("m1", 1))
		srv.FailOn(memory.OpUnreadCount, backend.ErrUnavailable)
		s, _ := loadedStore(t, srv)
		if s.TotalUnreadCount() != 1 {
			t.Errorf("expected local total 1, got %d", s.TotalUnreadCount())
		}
	})
}

func TestRegisterFeeds(t *testing.T) {
	srv := memory.New()
	srv.Add(msg("m1", 1))
	s, _ := loadedStore(t, srv)

	t.Run("rejects invalid feeds", func(t *testing.T) {
		dup := []Feed{
			{ID: "a", Tabs: []Tab{{DatasetID: "x"}}},
			{ID: "b", Tabs: []Tab{{DatasetID: "x"}}},
		}
		for name, feeds := range map[string][]Feed{
			"duplicate dataset": dup,
			"duplicate feed":    {{ID: "a"}, {ID: "a"}},
			"missing dataset":   {{ID: "a", Tabs: []Tab{{Title: "t"}}}},
			"invalid filter":    {{ID: "a", Tabs: []Tab{{DatasetID: "x", Filter: Filter{Tags: []string{""}}}}}},
		} {
			if err := s.RegisterFeeds(feeds); !errors.Is(err, ErrInvalidFeeds) {
				t.Errorf("%s: expected ErrInvalidFeeds, got %v", name, err)
			}
		}
		if len(s.Feeds()) != 1 {
			t.Error("invalid registration should not replace feeds")
		}
	})

	t.Run("unchanged filter keeps state", func(t *testing.T) {
		if err := s.RegisterFeeds(testFeeds()); err != nil {
			t.Fatalf("RegisterFeeds: %v", err)
		}
		d := mustDataset(t, s, "all")
		if !d.Loaded || len(d.Messages) != 1 {
			t.Errorf("dataset with unchanged filter lost its state: %+v", d)
		}
	})

	t.Run("changed filter resets dataset", func(t *testing.T) {
		feeds := testFeeds()
		feeds[0].Tabs[0].Filter = backend.Tagged("promo")
		if err := s.RegisterFeeds(feeds); err != nil {
			t.Fatalf("RegisterFeeds: %v", err)
		}
		d := mustDataset(t, s, "all")
		if d.Loaded || len(d.Messages) != 0 {
			t.Errorf("dataset with a new filter should be empty, got %+v", d)
		}
		if !mustDataset(t, s, "unread").Loaded {
			t.Error("other datasets should keep their state")
		}
	})

	t.Run("selected tab survives when still present", func(t *testing.T) {
		if err := s.SelectTab("main", "unread"); err != nil {
			t.Fatalf("SelectTab: %v", err)
		}
		if err := s.RegisterFeeds(testFeeds()); err != nil {
			t.Fatalf("RegisterFeeds: %v", err)
		}
		if id, _ := s.SelectedTab("main"); id != "unread" {
			t.Errorf("expected selection to survive, got %q", id)
		}
		if err := s.SelectTab("main", "missing"); !errors.Is(err, ErrUnknownDataset) {
			t.Errorf("expected ErrUnknownDataset, got %v", err)
		}
	})
}
