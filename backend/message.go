package backend

import (
	"maps"
	"slices"
	"time"
)

// Action is a call-to-action attached to a message.
type Action struct {
	Content string `json:"content" bson:"content"`
	Href    string `json:"href" bson:"href"`
}

// Tracking holds the tracking identifiers the server issued for a message.
type Tracking struct {
	ClickID   string `json:"click_id,omitempty" bson:"click_id,omitempty"`
	ReadID    string `json:"read_id,omitempty" bson:"read_id,omitempty"`
	OpenID    string `json:"open_id,omitempty" bson:"open_id,omitempty"`
	ArchiveID string `json:"archive_id,omitempty" bson:"archive_id,omitempty"`
}

// Message is an inbox message as exchanged with the backend.
//
// Content fields (Title through Tracking) never change after creation.
// ReadAt, ArchivedAt and OpenedAt are the mutable flags; a nil timestamp
// means the flag is not set.
type Message struct {
	ID        string         `json:"id" bson:"_id"`
	Title     string         `json:"title,omitempty" bson:"title,omitempty"`
	Preview   string         `json:"preview,omitempty" bson:"preview,omitempty"`
	Body      string         `json:"body,omitempty" bson:"body,omitempty"`
	Actions   []Action       `json:"actions,omitempty" bson:"actions,omitempty"`
	Tags      []string       `json:"tags,omitempty" bson:"tags,omitempty"`
	Data      map[string]any `json:"data,omitempty" bson:"data,omitempty"`
	Tracking  Tracking       `json:"tracking" bson:"tracking"`
	CreatedAt time.Time      `json:"created_at" bson:"created_at"`

	ReadAt     *time.Time `json:"read_at,omitempty" bson:"read_at,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty" bson:"archived_at,omitempty"`
	OpenedAt   *time.Time `json:"opened_at,omitempty" bson:"opened_at,omitempty"`
}

func (m *Message) IsRead() bool     { return m.ReadAt != nil }
func (m *Message) IsArchived() bool { return m.ArchivedAt != nil }
func (m *Message) IsOpened() bool   { return m.OpenedAt != nil }

// CountsAsUnread reports whether the message contributes to the user's
// unread total: unread and not archived.
func (m *Message) CountsAsUnread() bool {
	return !m.IsRead() && !m.IsArchived()
}

// HasTag reports whether the message carries tag.
func (m *Message) HasTag(tag string) bool {
	return slices.Contains(m.Tags, tag)
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Actions = slices.Clone(m.Actions)
	c.Tags = slices.Clone(m.Tags)
	if m.Data != nil {
		c.Data = maps.Clone(m.Data)
	}
	c.ReadAt = cloneTime(m.ReadAt)
	c.ArchivedAt = cloneTime(m.ArchivedAt)
	c.OpenedAt = cloneTime(m.OpenedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// NewerFirst orders messages newest first, breaking ties by id so the order
// is total.
func NewerFirst(a, b *Message) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}
