package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"github.com/rbaliyan/inbox/backend"
)

// Identity is the signed-in user.
type Identity struct {
	UserID string
	// Token is the credential the connector presents to the backend.
	Token string
}

// ConnectorFunc opens the backend collaborators for an identity. socket may
// be nil when the host has no push channel.
type ConnectorFunc func(ctx context.Context, id Identity) (backend.API, backend.Socket, error)

// SessionEvent reports a sign-in (SignedIn true) or a sign-out.
type SessionEvent struct {
	Identity Identity
	SignedIn bool
}

// SessionProvider supplies the current identity and reports changes.
type SessionProvider interface {
	// Current returns the signed-in identity, if any.
	Current() (Identity, bool)
	// Watch calls fn on every sign-in and sign-out until stop is called.
	Watch(fn func(SessionEvent)) (stop func())
}

// Connection states for the service.
const (
	stateDisconnected int32 = 0
	stateConnecting   int32 = 1
	stateConnected    int32 = 2
)

// service is the default implementation of Service.
type service struct {
	logger   *slog.Logger
	opts     *options
	state    int32 // stateDisconnected, stateConnecting, or stateConnected
	otel     *otelInstrumentation
	eventBus *event.Bus     // Event bus for the cross-process mirror
	events   *ServiceEvents // Per-service event instances

	// sessionMu serializes sign-in and sign-out.
	sessionMu sync.Mutex
	current   atomic.Pointer[dataStore]
}

// NewService creates a new inbox service.
// Call Connect() before signing in.
func NewService(opts ...Option) (Service, error) {
	o := newOptions(opts...)

	if o.connector == nil {
		return nil, ErrConnectorRequired
	}

	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	return &service{
		logger: o.logger,
		opts:   o,
		otel:   otelInstr,
	}, nil
}

// Events returns per-service event instances for subscribing and publishing.
func (s *service) Events() *ServiceEvents {
	return s.events
}

// IsConnected returns true if the service is connected and ready.
func (s *service) IsConnected() bool {
	return atomic.LoadInt32(&s.state) == stateConnected
}

// Connect initializes the event mirror.
func (s *service) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&s.state, stateConnected)
		} else {
			atomic.StoreInt32(&s.state, stateDisconnected)
		}
	}()

	if err := s.initEventBus(ctx); err != nil {
		return fmt.Errorf("init event bus: %w", err)
	}

	success = true
	s.logger.Info("inbox service connected")
	return nil
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

// initEventBus creates this service's bus and registers its events.
func (s *service) initEventBus(ctx context.Context) error {
	serviceName := s.opts.serviceName
	if serviceName == "" {
		serviceName = "inbox"
	}
	busName := fmt.Sprintf("%s-%d", serviceName, atomic.AddInt64(&busCounter, 1))

	var bus *event.Bus
	var err error

	switch {
	case s.opts.eventTransport != nil:
		s.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(s.opts.eventTransport))
	case s.opts.redisClient != nil:
		s.logger.Info("initializing event bus with Redis transport")
		t, transportErr := eventredis.New(s.opts.redisClient)
		if transportErr != nil {
			return fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		s.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}

	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	s.eventBus = bus

	s.events = newServiceEvents(busName)
	if err := registerServiceEvents(ctx, bus, s.events); err != nil {
		bus.Close(ctx)
		return fmt.Errorf("register service events: %w", err)
	}
	return nil
}

// Close signs out and closes the event bus.
func (s *service) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error
	if err := s.SignOut(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sign out: %w", err))
	}
	if s.eventBus != nil {
		if err := s.eventBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}
	return errors.Join(errs...)
}

// SignIn replaces the current data store with one for id.
func (s *service) SignIn(ctx context.Context, id Identity) (DataStore, error) {
	if id.UserID == "" {
		return nil, ErrInvalidIdentity
	}
	if !s.IsConnected() {
		return nil, ErrNotConnected
	}

	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	if err := s.teardown(ctx); err != nil {
		s.logger.Warn("previous session did not shut down cleanly", "error", err)
	}

	api, socket, err := s.opts.connector(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("connect backend: %w", err)
	}
	ds, err := newDataStore(id, api, socket, s.opts, s.otel, &mirror{events: s.events})
	if err != nil {
		if socket != nil {
			_ = socket.Close()
		}
		return nil, err
	}
	s.current.Store(ds)
	s.logger.Info("signed in", "user", id.UserID)
	return ds, nil
}

// SignOut tears down the current data store.
func (s *service) SignOut(ctx context.Context) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	return s.teardown(ctx)
}

// teardown closes the current data store. Callers hold sessionMu.
func (s *service) teardown(ctx context.Context) error {
	ds := s.current.Swap(nil)
	if ds == nil {
		return nil
	}
	s.logger.Info("signing out", "user", ds.identity.UserID)
	return ds.Close(ctx)
}

// Current returns the active data store, or nil.
func (s *service) Current() DataStore {
	if ds := s.current.Load(); ds != nil {
		return ds
	}
	return nil
}

// Follow mirrors the provider's session: the current identity is signed in
// immediately, later sign-ins replace the store and sign-outs tear it down.
func (s *service) Follow(ctx context.Context, p SessionProvider) (func(), error) {
	if id, ok := p.Current(); ok {
		if _, err := s.SignIn(ctx, id); err != nil {
			return nil, err
		}
	}
	stop := p.Watch(func(ev SessionEvent) {
		if !ev.SignedIn {
			if err := s.SignOut(ctx); err != nil {
				s.logger.Warn("sign out failed", "error", err)
			}
			return
		}
		if cur := s.current.Load(); cur != nil && cur.identity == ev.Identity {
			return
		}
		if _, err := s.SignIn(ctx, ev.Identity); err != nil {
			s.logger.Error("sign in failed", "user", ev.Identity.UserID, "error", err)
		}
	})
	return stop, nil
}
