package backend

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventType identifies the change an Envelope describes.
type EventType string

// Envelope event types.
const (
	EventNewMessage  EventType = "message"
	EventRead        EventType = "read"
	EventUnread      EventType = "unread"
	EventOpened      EventType = "opened"
	EventUnopened    EventType = "unopened"
	EventArchive     EventType = "archive"
	EventUnarchive   EventType = "unarchive"
	EventClicked     EventType = "clicked"
	EventMarkAllRead EventType = "mark-all-read"
	EventArchiveRead EventType = "archive-read"
	EventArchiveAll  EventType = "archive-all"
	EventRemoved     EventType = "removed"
)

// Envelope is one push-channel message describing a single remote change.
type Envelope struct {
	Event EventType `json:"event"`
	// MessageID identifies the affected message. Empty for account-wide events.
	MessageID string `json:"message_id,omitempty"`
	// Message carries the full message for EventNewMessage.
	Message *Message `json:"message,omitempty"`
	// At is when the change happened on the server.
	At time.Time `json:"at"`
}

// Validate checks that the envelope carries what its event type needs.
func (e Envelope) Validate() error {
	switch e.Event {
	case EventNewMessage:
		if e.Message == nil || e.Message.ID == "" {
			return fmt.Errorf("backend: %s envelope without message", e.Event)
		}
	case EventMarkAllRead, EventArchiveRead, EventArchiveAll:
	case EventRead, EventUnread, EventOpened, EventUnopened, EventArchive, EventUnarchive,
		EventClicked, EventRemoved:
		if e.MessageID == "" {
			return fmt.Errorf("backend: %s envelope without message id", e.Event)
		}
	default:
		return fmt.Errorf("backend: unknown envelope event %q", e.Event)
	}
	return nil
}

// Cursor is the keyset position after the last message of a page.
// Backends shipped with this module share its encoding.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns the opaque token form of the cursor.
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + ":" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// After reports whether m sorts after the cursor position (newest first).
func (c Cursor) After(m *Message) bool {
	return NewerFirst(&Message{ID: c.ID, CreatedAt: c.CreatedAt}, m) < 0
}

// DecodeCursor parses a token produced by Cursor.Encode.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	nanos, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return Cursor{}, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}
