package inbox

import (
	"context"
	"errors"
	"time"

	"github.com/rbaliyan/inbox/backend"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// LoadOptions controls Load.
type LoadOptions struct {
	// CanUseCache serves datasets that already hold a page without a request.
	CanUseCache bool
	// DatasetIDs limits the load to these datasets. Empty loads all.
	DatasetIDs []string
}

// Load fetches the first page of each dataset concurrently. Every dataset is
// attempted; the first failure is returned after all complete.
func (s *dataStore) Load(ctx context.Context, opts LoadOptions) error {
	ids := opts.DatasetIDs
	if len(ids) == 0 {
		s.mu.Lock()
		ids = append([]string(nil), s.order...)
		s.mu.Unlock()
	}
	if s.isClosed() {
		return ErrClosed
	}

	var g errgroup.Group
	fetched := false
	for _, id := range ids {
		warm := opts.CanUseCache && s.isLoaded(id)
		if !warm {
			fetched = true
		}
		g.Go(func() error {
			if warm {
				return s.serveCached(id)
			}
			return s.loadDataset(ctx, id)
		})
	}
	if counter, ok := s.api.(backend.UnreadCounter); ok && fetched {
		g.Go(func() error {
			s.seedTotal(ctx, counter)
			return nil
		})
	}
	return g.Wait()
}

func (s *dataStore) isLoaded(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.datasets[id]
	return ok && ds.loaded
}

func (s *dataStore) serveCached(id string) error {
	return s.commit(func(tx *txn) error {
		ds, ok := s.datasets[id]
		if !ok {
			return ErrUnknownDataset
		}
		tx.emit(DatasetChanged{Dataset: s.snapshot(ds)})
		return nil
	})
}

// seedTotal replaces the global total with the server's count. Failures
// keep the current total.
func (s *dataStore) seedTotal(ctx context.Context, counter backend.UnreadCounter) {
	ctx, cancel := s.scope(ctx)
	defer cancel()
	n, err := counter.UnreadCount(ctx)
	if err != nil {
		s.logger.Warn("unread count unavailable", "error", err)
		return
	}
	_ = s.commit(func(tx *txn) error {
		s.totalSeeded = true
		s.total = n
		return nil
	})
}

// loadDataset fetches page one of a dataset. Concurrent loads of the same
// dataset share one request.
func (s *dataStore) loadDataset(ctx context.Context, id string) error {
	ch := s.flight.DoChan("load:"+id, func() (any, error) {
		return nil, s.fetchFirst(id)
	})
	select {
	case res := <-ch:
		if res.Shared {
			s.logger.Debug("load coalesced", "dataset", id)
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *dataStore) fetchFirst(id string) (err error) {
	var (
		ds  *datasetState
		gen uint64
		req backend.PageRequest
	)
	err = s.commit(func(tx *txn) error {
		var ok bool
		ds, ok = s.datasets[id]
		if !ok {
			return ErrUnknownDataset
		}
		ds.gen++
		gen = ds.gen
		ds.state = PageLoading
		ds.arrived = make(map[string]bool)
		req = backend.PageRequest{Filter: ds.filter, Limit: s.opts.pageSize}
		return nil
	})
	if err != nil {
		return err
	}

	start := time.Now()
	ctx, end := s.otel.startSpan(s.life, "inbox.Load", attribute.String("dataset", id))
	page, fetchErr := s.api.GetMessages(ctx, req)
	count := 0
	if page != nil {
		count = len(page.Messages)
	}
	end(fetchErr)
	s.otel.recordLoad(ctx, time.Since(start), id, count, fetchErr)

	err = s.commit(func(tx *txn) error {
		if s.datasets[id] != ds || ds.gen != gen {
			return ErrStaleOperation
		}
		if fetchErr != nil {
			ds.arrived = nil
			return tx.pageFailed(ds, "load", fetchErr)
		}
		tx.replacePage(ds, page)
		return nil
	})
	if errors.Is(err, ErrStaleOperation) {
		s.logger.Debug("discarding stale page", "dataset", id, "op", "load")
		return nil
	}
	return err
}

// FetchNextPage appends the next page of a dataset. It returns nil, nil when
// the dataset cannot paginate, is already loading, or the response was
// superseded. An unloaded dataset gets its first page instead.
//
// Concurrent calls for one dataset share a single request and result.
func (s *dataStore) FetchNextPage(ctx context.Context, datasetID string) (*Page, error) {
	s.mu.Lock()
	ds, ok := s.datasets[datasetID]
	closed := s.closed
	loaded := ok && ds.loaded
	s.mu.Unlock()
	switch {
	case closed:
		return nil, ErrClosed
	case !ok:
		return nil, ErrUnknownDataset
	case !loaded:
		if err := s.loadDataset(ctx, datasetID); err != nil {
			return nil, err
		}
		d, _ := s.Dataset(datasetID)
		return &Page{DatasetID: datasetID, Messages: d.Messages, CanPaginate: d.CanPaginate}, nil
	}

	ch := s.flight.DoChan("page:"+datasetID, func() (any, error) {
		return s.fetchNext(datasetID)
	})
	select {
	case res := <-ch:
		if res.Shared {
			s.logger.Debug("page fetch coalesced", "dataset", datasetID)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		page, _ := res.Val.(*Page)
		return page, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *dataStore) fetchNext(id string) (*Page, error) {
	var (
		ds   *datasetState
		gen  uint64
		req  backend.PageRequest
		skip bool
	)
	err := s.commit(func(tx *txn) error {
		var ok bool
		ds, ok = s.datasets[id]
		if !ok {
			return ErrUnknownDataset
		}
		if !ds.canPaginate || ds.state == PageLoading {
			skip = true
			return nil
		}
		gen = ds.gen
		ds.state = PageLoading
		req = backend.PageRequest{Filter: ds.filter, Cursor: ds.cursor, Limit: s.opts.pageSize}
		return nil
	})
	if err != nil || skip {
		return nil, err
	}

	start := time.Now()
	ctx, end := s.otel.startSpan(s.life, "inbox.FetchNextPage", attribute.String("dataset", id))
	page, fetchErr := s.api.GetMessages(ctx, req)
	count := 0
	if page != nil {
		count = len(page.Messages)
	}
	end(fetchErr)
	s.otel.recordPage(ctx, time.Since(start), id, count, fetchErr)

	var out *Page
	err = s.commit(func(tx *txn) error {
		if s.datasets[id] != ds || ds.gen != gen || ds.cursor != req.Cursor {
			return ErrStaleOperation
		}
		if fetchErr != nil {
			return tx.pageFailed(ds, "fetch_next_page", fetchErr)
		}
		added := tx.appendPage(ds, page)
		out = &Page{DatasetID: id, Messages: added, CanPaginate: ds.canPaginate}
		return nil
	})
	if errors.Is(err, ErrStaleOperation) {
		s.logger.Debug("discarding stale page", "dataset", id, "op", "fetch_next_page")
		return nil, nil
	}
	return out, err
}

// pageFailed moves a dataset to PageError and surfaces the failure. The
// dataset's messages and cursor are left as they were.
func (tx *txn) pageFailed(ds *datasetState, op string, err error) error {
	ds.state = PageError
	opErr := remoteError(op, err, "", ds.id)
	tx.emit(ErrorEvent{Err: opErr})
	tx.s.logger.Warn("page fetch failed", "dataset", ds.id, "op", op, "error", err)
	return opErr
}
