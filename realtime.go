package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/inbox/backend"
	"github.com/rbaliyan/inbox/retry"
)

// ConnState is the state of the push connection.
type ConnState int32

const (
	ConnClosed ConnState = iota
	ConnConnecting
	ConnOpen
)

func (c ConnState) String() string {
	switch c {
	case ConnClosed:
		return "closed"
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	default:
		return "unknown"
	}
}

// realtime is the push connection state of a data store.
type realtime struct {
	state atomic.Int32

	mu        sync.Mutex
	attempt   *connectAttempt
	installed bool
	stopping  bool
	removeFns []func()
	cancel    context.CancelFunc // cancels a running reconnect loop

	// inboundMu applies envelopes one at a time in arrival order.
	inboundMu sync.Mutex
}

// connectAttempt is shared by every caller waiting on one connect.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// ConnectionState returns the current connection state.
func (s *dataStore) ConnectionState() ConnState {
	return ConnState(s.rt.state.Load())
}

// ListenForUpdates connects the socket and subscribes to the identity's
// message stream. It is a no-op when already open. Callers arriving while a
// connect is in progress wait for it and receive its result.
func (s *dataStore) ListenForUpdates(ctx context.Context) error {
	if s.socket == nil {
		return ErrSocketUnavailable
	}
	if s.isClosed() {
		return ErrClosed
	}

	r := &s.rt
	r.mu.Lock()
	if s.ConnectionState() == ConnOpen {
		r.mu.Unlock()
		return nil
	}
	if a := r.attempt; a != nil {
		r.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := &connectAttempt{done: make(chan struct{})}
	r.attempt = a
	r.stopping = false
	r.mu.Unlock()

	s.transition(ConnConnecting)

	cctx, cancel := s.scope(ctx)
	start := time.Now()
	cctx, end := s.otel.startSpan(cctx, "inbox.ListenForUpdates")
	err := s.connectOnce(cctx)
	end(err)
	s.otel.recordConnect(cctx, time.Since(start), err)
	cancel()

	if err != nil {
		s.transition(ConnClosed)
		err = &OperationError{Op: "listen", Kind: KindConnectionError, Err: err}
		s.logger.Warn("socket connect failed", "error", err)
	} else if !s.open() {
		err = ErrClosed
	}
	s.finishAttempt(a, err)
	return err
}

// open moves Connecting to Open. It fails when StopListening or Close won
// the race, in which case the socket is closed again.
func (s *dataStore) open() bool {
	if s.casTransition(ConnConnecting, ConnOpen) {
		s.logger.Info("listening for updates")
		return true
	}
	_ = s.socket.Close()
	return false
}

func (s *dataStore) finishAttempt(a *connectAttempt, err error) {
	r := &s.rt
	r.mu.Lock()
	if r.attempt == a {
		r.attempt = nil
	}
	r.mu.Unlock()
	a.err = err
	close(a.done)
}

// connectOnce opens the socket and subscribes. A rejection by the server is
// marked permanent so the reconnect loop stops at it.
func (s *dataStore) connectOnce(ctx context.Context) error {
	s.installListeners()
	if err := s.socket.Connect(ctx); err != nil {
		return permanentIfRejected(fmt.Errorf("connect: %w", err))
	}
	if err := s.socket.SendSubscribe(ctx); err != nil {
		_ = s.socket.Close()
		return permanentIfRejected(fmt.Errorf("subscribe: %w", err))
	}
	return nil
}

func permanentIfRejected(err error) error {
	if errors.Is(err, backend.ErrRejected) {
		return retry.MarkNotRetryable(err)
	}
	return err
}

// installListeners registers the envelope and close handlers once per socket.
func (s *dataStore) installListeners() {
	r := &s.rt
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.installed {
		return
	}
	r.installed = true
	r.removeFns = append(r.removeFns,
		s.socket.AddMessageEventListener(s.onEnvelope),
		s.socket.AddCloseListener(s.onSocketClosed),
	)
}

// transition sets the state and emits ConnectionStateChanged when it changed.
func (s *dataStore) transition(to ConnState) {
	_ = s.commit(func(tx *txn) error {
		if ConnState(s.rt.state.Swap(int32(to))) != to {
			tx.emit(ConnectionStateChanged{State: to})
		}
		return nil
	})
}

func (s *dataStore) emitState(st ConnState) {
	_ = s.commit(func(tx *txn) error {
		tx.emit(ConnectionStateChanged{State: st})
		return nil
	})
}

func (s *dataStore) casTransition(from, to ConnState) bool {
	swapped := false
	_ = s.commit(func(tx *txn) error {
		if s.rt.state.CompareAndSwap(int32(from), int32(to)) {
			swapped = true
			tx.emit(ConnectionStateChanged{State: to})
		}
		return nil
	})
	return swapped
}

// onSocketClosed starts reconnecting after an unexpected close. A nil error
// is a deliberate close and is ignored.
func (s *dataStore) onSocketClosed(err error) {
	if err == nil {
		return
	}
	r := &s.rt
	r.mu.Lock()
	if r.stopping || r.attempt != nil || !r.state.CompareAndSwap(int32(ConnOpen), int32(ConnConnecting)) {
		r.mu.Unlock()
		return
	}
	a := &connectAttempt{done: make(chan struct{})}
	r.attempt = a
	ctx, cancel := context.WithCancel(s.life)
	r.cancel = cancel
	r.mu.Unlock()

	s.emitState(ConnConnecting)
	s.logger.Warn("socket closed unexpectedly, reconnecting", "error", err)
	go s.reconnect(ctx, cancel, a)
}

// reconnect retries connect and subscribe with the configured backoff.
// Only the outcome is reported to listeners, never individual attempts.
func (s *dataStore) reconnect(ctx context.Context, cancel context.CancelFunc, a *connectAttempt) {
	defer cancel()

	cfg := s.opts.reconnect
	cfg.IsRetryable = func(err error) bool { return ctx.Err() == nil && retry.DefaultIsRetryable(err) }
	cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		s.otel.recordReconnect(ctx)
		s.logger.Warn("socket reconnect attempt failed", "attempt", attempt, "backoff", backoff, "error", err)
	}
	err := retry.Do(ctx, cfg, s.connectOnce)

	r := &s.rt
	r.mu.Lock()
	stopped := r.stopping
	r.cancel = nil
	r.mu.Unlock()

	switch {
	case err == nil && !stopped:
		if !s.open() {
			err = ErrClosed
		}
	case err == nil:
		_ = s.socket.Close()
		err = ErrClosed
	case stopped || errors.Is(err, context.Canceled) || s.isClosed():
		// StopListening or Close ended the loop.
	default:
		opErr := &OperationError{Op: "reconnect", Kind: KindConnectionError, Err: err}
		_ = s.commit(func(tx *txn) error {
			if s.rt.state.CompareAndSwap(int32(ConnConnecting), int32(ConnClosed)) {
				tx.emit(ConnectionStateChanged{State: ConnClosed})
			}
			tx.emit(ErrorEvent{Err: opErr})
			return nil
		})
		s.logger.Error("socket reconnect failed", "error", err)
		err = opErr
	}
	s.finishAttempt(a, err)
}

// StopListening closes the connection deliberately. No reconnect follows.
func (s *dataStore) StopListening(ctx context.Context) error {
	if s.socket == nil {
		return ErrSocketUnavailable
	}
	r := &s.rt
	r.mu.Lock()
	r.stopping = true
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	err := s.socket.Close()
	s.transition(ConnClosed)
	if err != nil && !errors.Is(err, backend.ErrSocketClosed) {
		return fmt.Errorf("close socket: %w", err)
	}
	return nil
}

// closeSocket is StopListening for Close: handlers are removed and no
// events are emitted.
func (s *dataStore) closeSocket() error {
	if s.socket == nil {
		return nil
	}
	r := &s.rt
	r.mu.Lock()
	r.stopping = true
	if r.cancel != nil {
		r.cancel()
	}
	for _, fn := range r.removeFns {
		fn()
	}
	r.removeFns = nil
	r.mu.Unlock()

	r.state.Store(int32(ConnClosed))
	if err := s.socket.Close(); err != nil && !errors.Is(err, backend.ErrSocketClosed) {
		return err
	}
	return nil
}

// onEnvelope applies one inbound envelope.
func (s *dataStore) onEnvelope(env backend.Envelope) {
	s.rt.inboundMu.Lock()
	defer s.rt.inboundMu.Unlock()

	if err := env.Validate(); err != nil {
		s.logger.Warn("ignoring envelope", "event", env.Event, "error", err)
		return
	}
	reseed := false
	err := s.commit(func(tx *txn) error {
		reseed = tx.applyEnvelope(env)
		return nil
	})
	if err != nil {
		s.logger.Debug("envelope dropped", "event", env.Event, "message", env.MessageID, "error", err)
		return
	}
	if reseed {
		s.reseedTotal()
	}
}

// reseedTotal refreshes a server-seeded total in the background. Concurrent
// refreshes share one request.
func (s *dataStore) reseedTotal() {
	counter, ok := s.api.(backend.UnreadCounter)
	if !ok {
		return
	}
	s.flight.DoChan("total", func() (any, error) {
		s.seedTotal(s.life, counter)
		return nil, nil
	})
}

// applyEnvelope converts an envelope into cache operations. It reports
// whether the change touched a message outside the cache that a
// server-seeded total counts.
func (tx *txn) applyEnvelope(env backend.Envelope) (reseed bool) {
	s := tx.s
	at := env.At
	if at.IsZero() {
		at = s.now()
	}
	patch := func(f Flags) {
		if tx.applyPatch(Patch{MessageID: env.MessageID, Flags: f, At: at}) {
			return
		}
		if _, ok := s.messages[env.MessageID]; !ok {
			s.logger.Debug("envelope for unknown message", "event", env.Event, "message", env.MessageID)
			reseed = s.totalSeeded && (f.Read != nil || f.Archived != nil)
		}
	}
	all := func(selects func(*Message) bool, f Flags) {
		for _, id := range sortedIDs(s.messages) {
			if m := s.messages[id]; selects(m) {
				tx.applyPatch(Patch{MessageID: id, Flags: f, At: at})
			}
		}
	}

	switch env.Event {
	case backend.EventNewMessage:
		tx.upsertFull(env.Message, true, "")
	case backend.EventRead:
		patch(FlagsMarkRead)
	case backend.EventUnread:
		patch(FlagsMarkUnread)
	case backend.EventOpened:
		patch(FlagsMarkOpened)
	case backend.EventUnopened:
		patch(Flags{Opened: ptrFalse})
	case backend.EventArchive:
		patch(FlagsMarkArchived)
	case backend.EventUnarchive:
		patch(FlagsMarkUnarchived)
	case backend.EventClicked:
		// Tracking only.
	case backend.EventMarkAllRead:
		all(func(m *Message) bool { return !m.IsRead() }, FlagsMarkRead)
		if s.totalSeeded {
			s.total = 0
		}
	case backend.EventArchiveRead:
		all(func(m *Message) bool { return m.IsRead() && !m.IsArchived() }, FlagsMarkArchived)
	case backend.EventArchiveAll:
		all(func(m *Message) bool { return !m.IsArchived() }, FlagsMarkArchived)
		if s.totalSeeded {
			s.total = 0
		}
	case backend.EventRemoved:
		if !tx.remove(env.MessageID) {
			reseed = s.totalSeeded
		}
	}
	return reseed
}
