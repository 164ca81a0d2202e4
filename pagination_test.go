package inbox

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/rbaliyan/inbox/backend"
	"github.com/rbaliyan/inbox/backend/memory"
)

func fiveMessages() []Message {
	return []Message{msg("m1", 1), msg("m2", 2), msg("m3", 3, read), msg("m4", 4), msg("m5", 5)}
}

func TestLoad(t *testing.T) {
	srv := memory.New()
	srv.Add(fiveMessages()...)
	s, _ := newTestStore(t, srv, WithPageSize(2))
	if err := s.RegisterFeeds(testFeeds()); err != nil {
		t.Fatalf("RegisterFeeds: %v", err)
	}
	r, _ := record(s)

	if err := s.Load(context.Background(), LoadOptions{}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	all := mustDataset(t, s, "all")
	if !all.Loaded || !all.CanPaginate || all.Cursor == "" {
		t.Errorf("unexpected dataset state: %+v", all)
	}
	if got := datasetIDs(all); !slices.Equal(got, []string{"m1", "m2"}) {
		t.Errorf("expected first page [m1 m2], got %v", got)
	}
	if all.State != PageIdle {
		t.Errorf("expected idle state, got %v", all.State)
	}
	archivedDS := mustDataset(t, s, "archived")
	if !archivedDS.Loaded || archivedDS.CanPaginate {
		t.Errorf("empty dataset should be loaded without more pages: %+v", archivedDS)
	}

	changed := eventsOf[DatasetChanged](r)
	if len(changed) != 3 {
		t.Errorf("expected DatasetChanged per dataset, got %d", len(changed))
	}
	if s.TotalUnreadCount() != 4 {
		t.Errorf("expected server total 4, got %d", s.TotalUnreadCount())
	}
}

func TestLoadSubset(t *testing.T) {
	srv := memory.New()
	srv.Add(fiveMessages()...)
	s, _ := newTestStore(t, srv)
	if err := s.RegisterFeeds(testFeeds()); err != nil {
		t.Fatalf("RegisterFeeds: %v", err)
	}

	if err := s.Load(context.Background(), LoadOptions{DatasetIDs: []string{"unread"}}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if mustDataset(t, s, "all").Loaded {
		t.Error("only the requested dataset should load")
	}
	if !mustDataset(t, s, "unread").Loaded {
		t.Error("requested dataset should be loaded")
	}

	err := s.Load(context.Background(), LoadOptions{DatasetIDs: []string{"nope"}})
	if !errors.Is(err, ErrUnknownDataset) {
		t.Errorf("expected ErrUnknownDataset, got %v", err)
	}
}

func TestLoadFromCache(t *testing.T) {
	srv := memory.New()
	srv.Add(fiveMessages()...)
	s, _ := loadedStore(t, srv)
	r, _ := record(s)

	pages := srv.Calls(memory.OpGetMessages)
	counts := srv.Calls(memory.OpUnreadCount)
	if err := s.Load(context.Background(), LoadOptions{CanUseCache: true}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if srv.Calls(memory.OpGetMessages) != pages || srv.Calls(memory.OpUnreadCount) != counts {
		t.Error("cached load should not reach the server")
	}
	if len(eventsOf[DatasetChanged](r)) != 3 {
		t.Errorf("cached load should still announce every dataset, got %v", r.all())
	}

	if err := s.Load(context.Background(), LoadOptions{}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if srv.Calls(memory.OpGetMessages) != pages+3 {
		t.Error("load without cache should refetch every dataset")
	}
}

func TestLoadFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"network failure", backend.ErrUnavailable, KindNetworkFailure},
		{"server rejection", errors.New("bad filter"), KindServerRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := memory.New()
			srv.Add(fiveMessages()...)
			srv.FailOn(memory.OpGetMessages, tt.err)
			s, _ := newTestStore(t, srv)
			if err := s.RegisterFeeds(testFeeds()); err != nil {
				t.Fatalf("RegisterFeeds: %v", err)
			}
			r, _ := record(s)

			err := s.Load(context.Background(), LoadOptions{DatasetIDs: []string{"all"}})
			opErr, ok := IsOperationError(err)
			if !ok {
				t.Fatalf("expected OperationError, got %v", err)
			}
			if opErr.Kind != tt.kind || !errors.Is(err, tt.err) {
				t.Errorf("unexpected error: %v", err)
			}

			d := mustDataset(t, s, "all")
			if d.State != PageError || d.Loaded {
				t.Errorf("expected error state, got %+v", d)
			}
			errs := eventsOf[ErrorEvent](r)
			if len(errs) != 1 || !slices.Equal(errs[0].Err.DatasetIDs, []string{"all"}) {
				t.Errorf("expected one ErrorEvent scoped to 'all', got %+v", errs)
			}

			srv.Intercept(nil)
			if err := s.Load(context.Background(), LoadOptions{DatasetIDs: []string{"all"}}); err != nil {
				t.Fatalf("retry Load: %v", err)
			}
			if d := mustDataset(t, s, "all"); d.State != PageIdle || !d.Loaded {
				t.Errorf("expected recovery after retry, got %+v", d)
			}
		})
	}
}

func TestFetchNextPage(t *testing.T) {
	srv := memory.New()
	srv.Add(fiveMessages()...)
	s, _ := loadedStore(t, srv, WithPageSize(2))
	r, _ := record(s, ForDatasets("all"))
	ctx := context.Background()

	page, err := s.FetchNextPage(ctx, "all")
	if err != nil {
		t.Fatalf("FetchNextPage: %v", err)
	}
	if got := datasetIDs(Dataset{Messages: page.Messages}); !slices.Equal(got, []string{"m3", "m4"}) {
		t.Errorf("expected second page [m3 m4], got %v", got)
	}
	if !page.CanPaginate {
		t.Error("expected more pages")
	}

	page, err = s.FetchNextPage(ctx, "all")
	if err != nil {
		t.Fatalf("FetchNextPage: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].ID != "m5" || page.CanPaginate {
		t.Errorf("expected final page [m5], got %+v", page)
	}

	all := mustDataset(t, s, "all")
	if got := datasetIDs(all); !slices.Equal(got, []string{"m1", "m2", "m3", "m4", "m5"}) {
		t.Errorf("unexpected dataset order: %v", got)
	}
	if all.CanPaginate {
		t.Error("expected CanPaginate false after the last page")
	}

	calls := srv.Calls(memory.OpGetMessages)
	page, err = s.FetchNextPage(ctx, "all")
	if page != nil || err != nil {
		t.Errorf("exhausted dataset should be a no-op, got %+v, %v", page, err)
	}
	if srv.Calls(memory.OpGetMessages) != calls {
		t.Error("exhausted dataset should not reach the server")
	}

	added := eventsOf[PageAdded](r)
	if len(added) != 2 {
		t.Errorf("expected 2 PageAdded events, got %d", len(added))
	}
}

func TestFetchNextPageNeverDuplicates(t *testing.T) {
	srv := memory.New()
	srv.Add(fiveMessages()...)
	s, _ := loadedStore(t, srv, WithPageSize(2))

	// m3 arrives by push before its page does.
	m3 := msg("m3", 3, read)
	if err := s.Upsert(Full{Message: &m3}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	newest := msg("m0", 0)
	if err := s.Upsert(Full{Message: &newest, Fresh: true}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	for {
		page, err := s.FetchNextPage(context.Background(), "all")
		if err != nil {
			t.Fatalf("FetchNextPage: %v", err)
		}
		if page == nil || !page.CanPaginate {
			break
		}
	}

	ids := datasetIDs(mustDataset(t, s, "all"))
	seen := make(map[string]bool)
	for _, id := range ids {
		if seen[id] {
			t.Errorf("duplicate message %q in %v", id, ids)
		}
		seen[id] = true
	}
	if len(ids) != 6 {
		t.Errorf("expected 6 messages, got %v", ids)
	}
}

func TestFetchNextPageUnloaded(t *testing.T) {
	srv := memory.New()
	srv.Add(fiveMessages()...)
	s, _ := newTestStore(t, srv, WithPageSize(2))
	if err := s.RegisterFeeds(testFeeds()); err != nil {
		t.Fatalf("RegisterFeeds: %v", err)
	}

	page, err := s.FetchNextPage(context.Background(), "all")
	if err != nil {
		t.Fatalf("FetchNextPage: %v", err)
	}
	if got := datasetIDs(Dataset{Messages: page.Messages}); !slices.Equal(got, []string{"m1", "m2"}) {
		t.Errorf("unloaded dataset should get its first page, got %v", got)
	}

	if _, err := s.FetchNextPage(context.Background(), "nope"); !errors.Is(err, ErrUnknownDataset) {
		t.Errorf("expected ErrUnknownDataset, got %v", err)
	}
}

func TestFetchNextPageCoalesces(t *testing.T) {
	srv := memory.New()
	srv.Add(msg("m1", 1), msg("m2", 2), msg("m3", 3))
	s, _ := loadedStore(t, srv, WithPageSize(2))
	calls := srv.Calls(memory.OpGetMessages)
	g := hold(srv, memory.OpGetMessages)

	var wg sync.WaitGroup
	results := make([]*Page, 2)
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = s.FetchNextPage(context.Background(), "all")
	}()
	g.wait(t)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = s.FetchNextPage(context.Background(), "all")
	}()
	g.open()
	wg.Wait()

	if n := srv.Calls(memory.OpGetMessages) - calls; n != 1 {
		t.Errorf("expected exactly one request, got %d", n)
	}
	for i, err := range errs {
		if err != nil {
			t.Errorf("call %d: %v", i, err)
		}
	}
	if results[0] == nil || len(results[0].Messages) != 1 || results[0].Messages[0].ID != "m3" {
		t.Errorf("unexpected first result: %+v", results[0])
	}
	if got := datasetIDs(mustDataset(t, s, "all")); !slices.Equal(got, []string{"m1", "m2", "m3"}) {
		t.Errorf("unexpected dataset: %v", got)
	}
}

func TestStalePageIsDiscarded(t *testing.T) {
	t.Run("next page after re-registration", func(t *testing.T) {
		srv := memory.New()
		srv.Add(fiveMessages()...)
		s, _ := loadedStore(t, srv, WithPageSize(2))
		g := hold(srv, memory.OpGetMessages)

		type result struct {
			page *Page
			err  error
		}
		done := make(chan result, 1)
		go func() {
			p, err := s.FetchNextPage(context.Background(), "all")
			done <- result{p, err}
		}()
		g.wait(t)

		feeds := testFeeds()
		feeds[0].Tabs[0].Filter = backend.Tagged("promo")
		if err := s.RegisterFeeds(feeds); err != nil {
			t.Fatalf("RegisterFeeds: %v", err)
		}
		g.open()

		res := <-done
		if res.page != nil || res.err != nil {
			t.Errorf("stale page should resolve as a no-op, got %+v, %v", res.page, res.err)
		}
		if d := mustDataset(t, s, "all"); d.Loaded || len(d.Messages) != 0 {
			t.Errorf("stale page leaked into the new dataset: %+v", d)
		}
	})

	t.Run("first page superseded by reload", func(t *testing.T) {
		srv := memory.New()
		srv.Add(fiveMessages()...)
		s, _ := newTestStore(t, srv)
		if err := s.RegisterFeeds(testFeeds()); err != nil {
			t.Fatalf("RegisterFeeds: %v", err)
		}
		g := hold(srv, memory.OpGetMessages)

		done := make(chan error, 1)
		go func() { done <- s.Load(context.Background(), LoadOptions{DatasetIDs: []string{"unread"}}) }()
		g.wait(t)

		if err := s.RegisterFeeds(nil); err != nil {
			t.Fatalf("RegisterFeeds: %v", err)
		}
		g.open()
		if err := <-done; err != nil {
			t.Errorf("stale load should resolve as a no-op, got %v", err)
		}
		if len(s.Datasets()) != 0 {
			t.Errorf("expected no datasets, got %v", s.Datasets())
		}
	})
}

func TestFetchNextPageFailureKeepsCursor(t *testing.T) {
	srv := memory.New()
	srv.Add(fiveMessages()...)
	s, _ := loadedStore(t, srv, WithPageSize(2))
	before := mustDataset(t, s, "all")

	srv.FailOn(memory.OpGetMessages, backend.ErrUnavailable)
	_, err := s.FetchNextPage(context.Background(), "all")
	if !IsRetryableError(err) {
		t.Errorf("expected retryable error, got %v", err)
	}
	after := mustDataset(t, s, "all")
	if after.Cursor != before.Cursor || len(after.Messages) != len(before.Messages) {
		t.Errorf("failure should leave the dataset untouched: %+v", after)
	}
	if after.State != PageError {
		t.Errorf("expected error state, got %v", after.State)
	}

	srv.Intercept(nil)
	page, err := s.FetchNextPage(context.Background(), "all")
	if err != nil || page == nil || len(page.Messages) != 2 {
		t.Errorf("expected retry to fetch the next page, got %+v, %v", page, err)
	}
}

func TestLoadAfterClose(t *testing.T) {
	srv := memory.New()
	s, _ := newTestStore(t, srv)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Load(context.Background(), LoadOptions{}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := s.FetchNextPage(context.Background(), "all"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := s.RegisterFeeds(testFeeds()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestLoadKeepsMessagesPushedMidFlight(t *testing.T) {
	tests := []struct {
		name   string
		loaded bool
	}{
		{"reload", true},
		{"first load", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := memory.New()
			srv.Add(msg("m1", 2))
			var s *dataStore
			if tt.loaded {
				s, _ = loadedStore(t, srv)
			} else {
				s, _ = newTestStore(t, srv)
				if err := s.RegisterFeeds(testFeeds()); err != nil {
					t.Fatalf("RegisterFeeds: %v", err)
				}
			}
			listen(t, s)

			g := hold(srv, memory.OpGetMessages)
			done := make(chan error, 1)
			go func() {
				done <- s.Load(context.Background(), LoadOptions{DatasetIDs: []string{"all"}})
			}()
			g.wait(t)

			// Pushed only over the socket, so the held page cannot contain it.
			m2 := msg("m2", 1)
			srv.Push(backend.Envelope{Event: backend.EventNewMessage, Message: &m2, At: baseTime})
			g.open()
			if err := <-done; err != nil {
				t.Fatalf("Load: %v", err)
			}

			if got := datasetIDs(mustDataset(t, s, "all")); !slices.Equal(got, []string{"m2", "m1"}) {
				t.Errorf("unexpected 'all': %v", got)
			}
			if _, ok := s.Message("m2"); !ok {
				t.Error("pushed message should stay cached")
			}
		})
	}
}
