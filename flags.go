package inbox

import "time"

// Pre-allocated boolean pointers for efficient Flags creation.
var (
	ptrTrue  = ptr(true)
	ptrFalse = ptr(false)
)

func ptr(b bool) *bool { return &b }

// Flag names one mutable message flag.
type Flag int

const (
	FlagRead Flag = iota
	FlagArchived
	FlagOpened
)

func (f Flag) String() string {
	switch f {
	case FlagRead:
		return "read"
	case FlagArchived:
		return "archived"
	case FlagOpened:
		return "opened"
	default:
		return "unknown"
	}
}

var allFlags = [...]Flag{FlagRead, FlagArchived, FlagOpened}

// Flags represents message flags that can be updated together.
// Use nil values to indicate no change.
type Flags struct {
	Read     *bool // nil = no change, true = mark read, false = mark unread
	Archived *bool // nil = no change, true = archive, false = unarchive
	Opened   *bool // nil = no change, true = mark opened, false = mark unopened
}

// Pre-allocated flag values for common operations.
var (
	// FlagsMarkRead marks a message as read.
	FlagsMarkRead = Flags{Read: ptrTrue}
	// FlagsMarkUnread marks a message as unread.
	FlagsMarkUnread = Flags{Read: ptrFalse}
	// FlagsMarkArchived archives a message.
	FlagsMarkArchived = Flags{Archived: ptrTrue}
	// FlagsMarkUnarchived unarchives a message.
	FlagsMarkUnarchived = Flags{Archived: ptrFalse}
	// FlagsMarkOpened marks a message as opened.
	FlagsMarkOpened = Flags{Opened: ptrTrue}
)

// WithRead returns flags with read status set.
func (f Flags) WithRead(read bool) Flags {
	f.Read = ptr(read)
	return f
}

// WithArchived returns flags with archived status set.
func (f Flags) WithArchived(archived bool) Flags {
	f.Archived = ptr(archived)
	return f
}

// WithOpened returns flags with opened status set.
func (f Flags) WithOpened(opened bool) Flags {
	f.Opened = ptr(opened)
	return f
}

// IsZero reports whether no flag is set.
func (f Flags) IsZero() bool {
	return f.Read == nil && f.Archived == nil && f.Opened == nil
}

// Get returns the requested value for flag and whether it is set.
func (f Flags) Get(flag Flag) (value, ok bool) {
	var p *bool
	switch flag {
	case FlagRead:
		p = f.Read
	case FlagArchived:
		p = f.Archived
	case FlagOpened:
		p = f.Opened
	}
	if p == nil {
		return false, false
	}
	return *p, true
}

// flagState is the exact timestamp state of a message's mutable flags,
// kept so a rollback restores the prior value rather than a new timestamp.
type flagState struct {
	readAt     *time.Time
	archivedAt *time.Time
	openedAt   *time.Time
}

func stateOf(m *Message) flagState {
	return flagState{readAt: m.ReadAt, archivedAt: m.ArchivedAt, openedAt: m.OpenedAt}
}

func (s flagState) slot(flag Flag) *time.Time {
	switch flag {
	case FlagRead:
		return s.readAt
	case FlagArchived:
		return s.archivedAt
	default:
		return s.openedAt
	}
}

func flagPtr(m *Message, flag Flag) **time.Time {
	switch flag {
	case FlagRead:
		return &m.ReadAt
	case FlagArchived:
		return &m.ArchivedAt
	default:
		return &m.OpenedAt
	}
}

// applyFlags sets the requested flags on m using at as the timestamp for
// flags that become set. A flag already holding the requested value keeps its
// original timestamp. Returns true if anything changed.
func applyFlags(m *Message, f Flags, at time.Time) bool {
	changed := false
	for _, flag := range allFlags {
		want, ok := f.Get(flag)
		if !ok {
			continue
		}
		slot := flagPtr(m, flag)
		if (*slot != nil) == want {
			continue
		}
		if want {
			t := at
			*slot = &t
		} else {
			*slot = nil
		}
		changed = true
	}
	return changed
}
