package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rbaliyan/inbox/backend"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// dataStore is the default implementation of DataStore.
type dataStore struct {
	identity Identity
	api      backend.API
	socket   backend.Socket
	opts     *options
	logger   *slog.Logger
	otel     *otelInstrumentation
	mirror   *mirror
	bus      *bus
	reqSem   *semaphore.Weighted // Limits concurrent mutation requests
	flight   singleflight.Group
	now      func() time.Time

	// life is cancelled by Close. Every request is scoped to it.
	life   context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	closed      bool
	feeds       []Feed
	selected    map[string]string // feed id -> dataset id
	datasets    map[string]*datasetState
	order       []string
	messages    map[string]*Message
	pending     map[string]map[Flag]int
	total       int
	totalSeeded bool

	rt realtime
}

// NewDataStore creates a data store for one identity. socket may be nil, in
// which case ListenForUpdates returns ErrSocketUnavailable.
//
// Most applications obtain data stores from Service.SignIn; NewDataStore is
// for hosts that manage identity themselves.
func NewDataStore(id Identity, api backend.API, socket backend.Socket, opts ...Option) (DataStore, error) {
	return newDataStore(id, api, socket, newOptions(opts...), nil, nil)
}

func newDataStore(id Identity, api backend.API, socket backend.Socket, o *options, instr *otelInstrumentation, m *mirror) (*dataStore, error) {
	if api == nil {
		return nil, ErrAPIRequired
	}
	if id.UserID == "" {
		return nil, ErrInvalidIdentity
	}
	if instr == nil {
		var err error
		instr, err = newOtelInstrumentation(o)
		if err != nil {
			return nil, fmt.Errorf("init otel: %w", err)
		}
	}
	logger := o.logger.With("user", id.UserID)
	life, cancel := context.WithCancel(context.Background())
	s := &dataStore{
		identity: id,
		api:      api,
		socket:   socket,
		opts:     o,
		logger:   logger,
		otel:     instr,
		mirror:   m,
		bus:      newBus(logger),
		reqSem:   semaphore.NewWeighted(int64(o.maxConcurrentRequests)),
		now:      func() time.Time { return time.Now().UTC() },
		life:     life,
		cancel:   cancel,
		selected: make(map[string]string),
		datasets: make(map[string]*datasetState),
		messages: make(map[string]*Message),
		pending:  make(map[string]map[Flag]int),
	}
	return s, nil
}

// Identity returns the identity the store was built for.
func (s *dataStore) Identity() Identity {
	return s.identity
}

// AddListener registers fn for change events.
func (s *dataStore) AddListener(fn Listener, opts ...ListenOption) Subscription {
	return s.bus.add(fn, opts...)
}

// Upsert applies updates through the cache pipeline.
func (s *dataStore) Upsert(updates ...Update) error {
	return s.commit(func(tx *txn) error {
		for _, u := range updates {
			tx.upsert(u)
		}
		return nil
	})
}

// scope returns a context cancelled when either ctx is done or the store
// closes.
func (s *dataStore) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.life, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// isClosed reports whether Close was called.
func (s *dataStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears the store down. Results that arrive afterwards are discarded
// and no further events are delivered.
func (s *dataStore) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, ds := range s.datasets {
		ds.gen++
	}
	s.mu.Unlock()

	s.cancel()

	var errs []error
	if err := s.closeSocket(); err != nil {
		errs = append(errs, fmt.Errorf("close socket: %w", err))
	}

	// In-flight requests were cancelled above; wait for them to unwind.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, s.opts.shutdownTimeout)
	defer shutdownCancel()
	n := int64(s.opts.maxConcurrentRequests)
	if err := s.reqSem.Acquire(shutdownCtx, n); err != nil {
		s.logger.Warn("timeout waiting for in-flight requests, proceeding with shutdown", "error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		s.reqSem.Release(n)
	}

	s.logger.Debug("data store closed")
	return errors.Join(errs...)
}
