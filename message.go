package inbox

import (
	"time"

	"github.com/rbaliyan/inbox/backend"
)

// Type aliases for commonly used backend types.
// These allow users to work with the inbox package without importing backend directly.
type (
	Message    = backend.Message
	Action     = backend.Action
	Tracking   = backend.Tracking
	Filter     = backend.Filter
	ReadStatus = backend.ReadStatus
	Envelope   = backend.Envelope
)

// Re-exported read status constants.
const (
	StatusAny    = backend.StatusAny
	StatusRead   = backend.StatusRead
	StatusUnread = backend.StatusUnread
)

// Update is a change applied to the message cache. It is either a Full
// message (replacing content, merging flags) or a flag-only Patch, so merge
// precedence never depends on which fields happen to be present.
type Update interface {
	messageID() string
	isUpdate()
}

// Full carries a complete message from a page fetch or a push.
type Full struct {
	Message *Message
	// Fresh marks a message the server just delivered. It is added to a
	// server-seeded unread total; messages arriving in pages are not, since
	// the server already counted them.
	Fresh bool
}

// Patch carries a flag-only change for a message the cache already holds.
type Patch struct {
	MessageID string
	Flags     Flags
	At        time.Time
}

func (u Full) messageID() string  { return u.Message.ID }
func (u Patch) messageID() string { return u.MessageID }
func (Full) isUpdate()            {}
func (Patch) isUpdate()           {}
