package inbox

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Listener receives change notifications. Callbacks run after the change is
// complete and before the triggering call returns, in the order changes were
// applied.
//
// A listener may call read-only DataStore methods (Dataset, Message,
// TotalUnreadCount, ...). A mutating call made from a listener does not
// block on delivery: its events follow once the current callback returns.
type Listener func(Event)

// Subscription is a live listener registration.
type Subscription interface {
	// ID returns the unique subscription id.
	ID() string
	// Remove unregisters the listener. It receives no callbacks after Remove
	// returns, including from operations already in flight. Safe to call twice.
	Remove()
}

// ListenOption configures a listener registration.
type ListenOption func(*listener)

// ForDatasets scopes dataset events to the given dataset ids. Global events
// (total unread count, connection state, unscoped errors) are always delivered.
func ForDatasets(ids ...string) ListenOption {
	return func(l *listener) {
		if len(ids) == 0 {
			return
		}
		l.datasets = make(map[string]bool, len(ids))
		for _, id := range ids {
			l.datasets[id] = true
		}
	}
}

type listener struct {
	id       string
	fn       Listener
	datasets map[string]bool
	removed  atomic.Bool
	bus      *bus
}

func (l *listener) ID() string { return l.id }

func (l *listener) Remove() {
	if l.removed.Swap(true) {
		return
	}
	l.bus.remove(l)
}

func (l *listener) accepts(ev Event) bool {
	if l.datasets == nil {
		return true
	}
	ids, global := eventDatasets(ev)
	if global {
		return true
	}
	for _, id := range ids {
		if l.datasets[id] {
			return true
		}
	}
	return false
}

// bus fans events out to listeners. Batches are queued while the state lock
// is held, so the queue is in apply order. One goroutine at a time drains it.
type bus struct {
	mu        sync.RWMutex
	listeners []*listener
	logger    *slog.Logger

	qmu      sync.Mutex
	cond     *sync.Cond
	queue    [][]Event
	queued   uint64
	sent     uint64
	draining bool
	inCall   atomic.Bool
}

func newBus(logger *slog.Logger) *bus {
	b := &bus{logger: logger}
	b.cond = sync.NewCond(&b.qmu)
	return b
}

func (b *bus) add(fn Listener, opts ...ListenOption) *listener {
	l := &listener{id: uuid.NewString(), fn: fn, bus: b}
	for _, opt := range opts {
		opt(l)
	}
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
	return l
}

func (b *bus) remove(l *listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.listeners {
		if cur == l {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

func (b *bus) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// enqueue appends a batch and returns its sequence number. Callers hold the
// state lock. An empty batch is not queued and gets sequence 0.
func (b *bus) enqueue(events []Event) uint64 {
	if len(events) == 0 {
		return 0
	}
	b.qmu.Lock()
	defer b.qmu.Unlock()
	b.queue = append(b.queue, events)
	b.queued++
	return b.queued
}

// flush returns once batch seq has been delivered. With nobody draining, the
// caller drains the queue itself. A caller arriving while the drainer is
// inside a listener returns at once; the drainer delivers the batch after
// that listener returns.
func (b *bus) flush(seq uint64) {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	if b.sent >= seq {
		return
	}
	if b.draining && b.inCall.Load() {
		return
	}
	for b.draining && b.sent < seq {
		b.cond.Wait()
	}
	if b.sent >= seq {
		return
	}

	b.draining = true
	for len(b.queue) > 0 {
		batch := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.qmu.Unlock()
		b.dispatch(batch)
		b.qmu.Lock()
		b.sent++
		b.cond.Broadcast()
	}
	b.draining = false
	b.cond.Broadcast()
}

func (b *bus) dispatch(events []Event) {
	b.mu.RLock()
	targets := make([]*listener, len(b.listeners))
	copy(targets, b.listeners)
	b.mu.RUnlock()

	for _, ev := range events {
		for _, l := range targets {
			if l.removed.Load() || !l.accepts(ev) {
				continue
			}
			b.call(l, ev)
		}
	}
}

// call invokes one listener, containing any panic so later listeners still
// receive the event.
func (b *bus) call(l *listener, ev Event) {
	b.inCall.Store(true)
	defer func() {
		b.inCall.Store(false)
		if r := recover(); r != nil {
			b.logger.Error("panic in inbox listener",
				"listener", l.id,
				"event", fmt.Sprintf("%T", ev),
				"panic", r,
			)
		}
	}()
	l.fn(ev)
}
