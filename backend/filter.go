package backend

import (
	"fmt"
	"slices"
)

// ReadStatus selects messages by read state.
type ReadStatus int

const (
	// StatusAny matches read and unread messages.
	StatusAny ReadStatus = iota
	// StatusRead matches read messages only.
	StatusRead
	// StatusUnread matches unread messages only.
	StatusUnread
)

func (s ReadStatus) String() string {
	switch s {
	case StatusAny:
		return "any"
	case StatusRead:
		return "read"
	case StatusUnread:
		return "unread"
	default:
		return fmt.Sprintf("ReadStatus(%d)", int(s))
	}
}

// Filter is a predicate over messages. Two filters may match the same
// message, so a message can belong to several datasets at once.
//
// The zero Filter matches every unarchived message.
type Filter struct {
	// Tags matches messages carrying at least one of the listed tags.
	// Empty matches regardless of tags.
	Tags []string `json:"tags,omitempty"`
	// Status restricts by read state.
	Status ReadStatus `json:"status,omitempty"`
	// Archived selects archived messages only when true, unarchived only when false.
	Archived bool `json:"archived,omitempty"`
}

// Matches reports whether m satisfies the filter.
func (f Filter) Matches(m *Message) bool {
	if m == nil {
		return false
	}
	if f.Archived != m.IsArchived() {
		return false
	}
	switch f.Status {
	case StatusRead:
		if !m.IsRead() {
			return false
		}
	case StatusUnread:
		if m.IsRead() {
			return false
		}
	}
	if len(f.Tags) > 0 {
		return slices.ContainsFunc(f.Tags, m.HasTag)
	}
	return true
}

// Equal reports whether both filters select the same messages. Tag order is
// not significant.
func (f Filter) Equal(o Filter) bool {
	if f.Status != o.Status || f.Archived != o.Archived || len(f.Tags) != len(o.Tags) {
		return false
	}
	a := slices.Clone(f.Tags)
	b := slices.Clone(o.Tags)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

// DependsOnRead reports whether the read flag can change the filter's result.
func (f Filter) DependsOnRead() bool { return f.Status != StatusAny }

// Validate checks the filter for unsupported values.
func (f Filter) Validate() error {
	if f.Status < StatusAny || f.Status > StatusUnread {
		return fmt.Errorf("%w: unsupported status %d", ErrFilterInvalid, int(f.Status))
	}
	for _, t := range f.Tags {
		if t == "" {
			return fmt.Errorf("%w: empty tag", ErrFilterInvalid)
		}
	}
	return nil
}

// Convenience filters

// Unarchived matches every unarchived message. It is the "all messages" view
// the global unread total is defined against.
func Unarchived() Filter { return Filter{} }

// ArchivedOnly matches archived messages.
func ArchivedOnly() Filter { return Filter{Archived: true} }

// UnreadOnly matches unread, unarchived messages.
func UnreadOnly() Filter { return Filter{Status: StatusUnread} }

// Tagged matches unarchived messages carrying any of tags.
func Tagged(tags ...string) Filter { return Filter{Tags: tags} }
