// Package redis provides a Redis Pub/Sub push channel.
//
// Each user has one channel. Socket is the client side (backend.Socket) and
// Publisher is the server side (backend.Publisher). Envelopes travel as JSON.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/rbaliyan/inbox/backend"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix is prepended to the user id to form the channel name.
const DefaultChannelPrefix = "inbox:user:"

type options struct {
	prefix string
	logger *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		prefix: DefaultChannelPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a Socket or a Publisher.
type Option func(*options)

// WithChannelPrefix sets the channel name prefix.
func WithChannelPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Channel returns the channel name for a user.
func Channel(prefix, userID string) string {
	return prefix + userID
}

var _ backend.Socket = (*Socket)(nil)

// Socket receives envelopes for one user.
type Socket struct {
	client  goredis.UniversalClient
	channel string
	opts    *options
	logger  *slog.Logger

	mu        sync.Mutex
	open      bool
	pubsub    *goredis.PubSub
	cancel    context.CancelFunc
	onMessage map[string]func(backend.Envelope)
	onClose   map[string]func(error)
}

// NewSocket creates a closed socket for userID.
func NewSocket(client goredis.UniversalClient, userID string, opts ...Option) *Socket {
	o := newOptions(opts...)
	return &Socket{
		client:    client,
		channel:   Channel(o.prefix, userID),
		opts:      o,
		logger:    o.logger.With("channel", Channel(o.prefix, userID)),
		onMessage: make(map[string]func(backend.Envelope)),
		onClose:   make(map[string]func(error)),
	}
}

// Connect checks that Redis is reachable and marks the socket open.
func (s *Socket) Connect(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
	}
	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
	return nil
}

// SendSubscribe subscribes to the user's channel and starts delivering
// envelopes. It returns once Redis confirmed the subscription.
func (s *Socket) SendSubscribe(ctx context.Context) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return backend.ErrSocketClosed
	}
	if s.pubsub != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ps := s.client.Subscribe(ctx, s.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("%w: subscribe: %v", backend.ErrUnavailable, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if !s.open || s.pubsub != nil {
		s.mu.Unlock()
		cancel()
		_ = ps.Close()
		if !s.open {
			return backend.ErrSocketClosed
		}
		return nil
	}
	s.pubsub = ps
	s.cancel = cancel
	s.mu.Unlock()

	go s.receive(loopCtx, ps)
	return nil
}

// receive reads the subscription until it fails or the socket is closed.
func (s *Socket) receive(ctx context.Context, ps *goredis.PubSub) {
	for {
		msg, err := ps.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("redis subscription failed", "error", err)
			s.shutdown(ps, fmt.Errorf("%w: %v", backend.ErrUnavailable, err))
			return
		}
		m, ok := msg.(*goredis.Message)
		if !ok {
			continue
		}
		var env backend.Envelope
		if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
			s.logger.Warn("dropping malformed envelope", "error", err)
			continue
		}
		if err := env.Validate(); err != nil {
			s.logger.Warn("dropping invalid envelope", "error", err)
			continue
		}
		s.deliver(env)
	}
}

func (s *Socket) deliver(env backend.Envelope) {
	s.mu.Lock()
	listeners := make([]func(backend.Envelope), 0, len(s.onMessage))
	for _, fn := range s.onMessage {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(env)
	}
}

// Close unsubscribes and closes the socket. Close listeners receive nil.
func (s *Socket) Close() error {
	s.mu.Lock()
	ps := s.pubsub
	s.mu.Unlock()
	return s.shutdown(ps, nil)
}

// shutdown tears down the subscription ps. cause is nil for a deliberate
// close. A shutdown for a subscription that is no longer current is ignored.
func (s *Socket) shutdown(ps *goredis.PubSub, cause error) error {
	s.mu.Lock()
	if !s.open || s.pubsub != ps {
		s.mu.Unlock()
		return nil
	}
	s.open = false
	s.pubsub = nil
	cancel := s.cancel
	s.cancel = nil
	listeners := make([]func(error), 0, len(s.onClose))
	for _, fn := range s.onClose {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if ps != nil {
		err = ps.Close()
	}
	for _, fn := range listeners {
		fn(cause)
	}
	if errors.Is(err, goredis.ErrClosed) {
		err = nil
	}
	return err
}

// IsOpen reports whether the socket is open.
func (s *Socket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *Socket) AddMessageEventListener(fn func(backend.Envelope)) func() {
	id := uuid.NewString()
	s.mu.Lock()
	s.onMessage[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.onMessage, id)
		s.mu.Unlock()
	}
}

func (s *Socket) AddCloseListener(fn func(error)) func() {
	id := uuid.NewString()
	s.mu.Lock()
	s.onClose[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.onClose, id)
		s.mu.Unlock()
	}
}

var _ backend.Publisher = (*Publisher)(nil)

// Publisher publishes envelopes to user channels.
type Publisher struct {
	client goredis.UniversalClient
	opts   *options
}

// NewPublisher creates a publisher.
func NewPublisher(client goredis.UniversalClient, opts ...Option) *Publisher {
	return &Publisher{client: client, opts: newOptions(opts...)}
}

// Publish sends env to every socket subscribed for userID.
func (p *Publisher) Publish(ctx context.Context, userID string, env backend.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := p.client.Publish(ctx, Channel(p.opts.prefix, userID), payload).Err(); err != nil {
		return fmt.Errorf("%w: publish: %v", backend.ErrUnavailable, err)
	}
	return nil
}
