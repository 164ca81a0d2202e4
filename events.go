package inbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"
)

// Event names for the cross-process mirror.
const (
	EventNameMessageChanged     = "inbox.message.changed"
	EventNameUnreadCountChanged = "inbox.unread.changed"
)

// MessageChangedEvent is published after the server confirmed a flag change.
// Other processes serving the same user (another tab, a desktop notifier)
// can apply it without waiting for the push channel.
type MessageChangedEvent struct {
	MessageID string    `json:"message_id,omitempty"`
	UserID    string    `json:"user_id"`
	Operation string    `json:"operation"`
	Read      *bool     `json:"read,omitempty"`
	Archived  *bool     `json:"archived,omitempty"`
	Opened    *bool     `json:"opened,omitempty"`
	At        time.Time `json:"at"`
}

// UnreadCountChangedEvent carries the user's unread total after a confirmed change.
type UnreadCountChangedEvent struct {
	UserID string    `json:"user_id"`
	Total  int       `json:"total"`
	At     time.Time `json:"at"`
}

// ServiceEvents provides access to per-service event instances.
// Each service creates its own events bound to its own event bus.
//
// Subscribe to events:
//
//	svc.Events().MessageChanged.Subscribe(ctx, handler)
//	svc.Events().UnreadCountChanged.Subscribe(ctx, handler)
type ServiceEvents struct {
	// MessageChanged is published when a mutation is confirmed.
	MessageChanged event.Event[MessageChangedEvent]

	// UnreadCountChanged is published with the unread total after a confirmed mutation.
	UnreadCountChanged event.Event[UnreadCountChangedEvent]
}

// newServiceEvents creates per-service event instances with a unique name prefix.
func newServiceEvents(namePrefix string) *ServiceEvents {
	return &ServiceEvents{
		MessageChanged:     event.New[MessageChangedEvent](namePrefix + "." + EventNameMessageChanged),
		UnreadCountChanged: event.New[UnreadCountChangedEvent](namePrefix + "." + EventNameUnreadCountChanged),
	}
}

// registerServiceEvents registers per-service events with the given bus.
func registerServiceEvents(ctx context.Context, bus *event.Bus, events *ServiceEvents) error {
	if err := event.Register(ctx, bus, events.MessageChanged); err != nil {
		return fmt.Errorf("register MessageChanged: %w", err)
	}
	if err := event.Register(ctx, bus, events.UnreadCountChanged); err != nil {
		return fmt.Errorf("register UnreadCountChanged: %w", err)
	}
	return nil
}

// mirror publishes a data store's confirmed changes.
type mirror struct {
	events *ServiceEvents
}

// publishChange mirrors a confirmed single-message change.
func (s *dataStore) publishChange(ctx context.Context, messageID string, confirmed Flags) error {
	if s.mirror == nil || confirmed.IsZero() {
		return nil
	}
	ev := MessageChangedEvent{
		MessageID: messageID,
		UserID:    s.identity.UserID,
		Operation: opUpdate,
		Read:      confirmed.Read,
		Archived:  confirmed.Archived,
		Opened:    confirmed.Opened,
		At:        s.now(),
	}
	if err := s.publish(messageID, "MessageChanged", func() error {
		return s.mirror.events.MessageChanged.Publish(ctx, ev)
	}); err != nil {
		return err
	}
	return s.publishUnread(ctx)
}

// publishBulk mirrors a confirmed account-wide change.
func (s *dataStore) publishBulk(ctx context.Context, op string, b batch) error {
	if s.mirror == nil {
		return nil
	}
	ev := MessageChangedEvent{
		UserID:    s.identity.UserID,
		Operation: op,
		At:        s.now(),
	}
	switch op {
	case opReadAll:
		ev.Read = ptrTrue
	case opArchiveRead:
		ev.Archived = ptrTrue
	}
	if err := s.publish("", "MessageChanged", func() error {
		return s.mirror.events.MessageChanged.Publish(ctx, ev)
	}); err != nil {
		return err
	}
	s.logger.Debug("bulk change mirrored", "op", op, "messages", len(b.items))
	return s.publishUnread(ctx)
}

func (s *dataStore) publishUnread(ctx context.Context) error {
	ev := UnreadCountChangedEvent{
		UserID: s.identity.UserID,
		Total:  s.TotalUnreadCount(),
		At:     s.now(),
	}
	return s.publish("", "UnreadCountChanged", func() error {
		return s.mirror.events.UnreadCountChanged.Publish(ctx, ev)
	})
}

// publish runs fn and handles a failure according to WithEventErrorsFatal.
func (s *dataStore) publish(messageID, name string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if s.opts.eventErrorsFatal {
		return &EventPublishError{Event: name, MessageID: messageID, Err: err}
	}
	s.opts.safeEventPublishFailure(name, err)
	return nil
}
