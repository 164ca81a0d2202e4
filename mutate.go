package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Operation names used in errors, spans and metrics.
const (
	opMarkRead    = "mark_read"
	opMarkUnread  = "mark_unread"
	opOpen        = "open"
	opClick       = "click"
	opArchive     = "archive"
	opUnarchive   = "unarchive"
	opUpdate      = "update_flags"
	opReadAll     = "read_all"
	opArchiveRead = "archive_read"
)

// errNoChange ends a mutation whose target already holds the requested value.
var errNoChange = errors.New("inbox: no change")

// MarkRead marks a message read.
func (s *dataStore) MarkRead(ctx context.Context, messageID string) error {
	return s.update(ctx, opMarkRead, messageID, FlagsMarkRead)
}

// MarkUnread marks a message unread.
func (s *dataStore) MarkUnread(ctx context.Context, messageID string) error {
	return s.update(ctx, opMarkUnread, messageID, FlagsMarkUnread)
}

// Open marks a message opened.
func (s *dataStore) Open(ctx context.Context, messageID string) error {
	return s.update(ctx, opOpen, messageID, FlagsMarkOpened)
}

// Archive archives a message.
func (s *dataStore) Archive(ctx context.Context, messageID string) error {
	return s.update(ctx, opArchive, messageID, FlagsMarkArchived)
}

// Unarchive moves a message out of the archive.
func (s *dataStore) Unarchive(ctx context.Context, messageID string) error {
	return s.update(ctx, opUnarchive, messageID, FlagsMarkUnarchived)
}

// Click records a click on a message. No flag changes; the request is always
// issued and a failure is surfaced as an ErrorEvent.
func (s *dataStore) Click(ctx context.Context, messageID string) (retErr error) {
	start := time.Now()
	ctx, end := s.otel.startSpan(ctx, "inbox.Click", attribute.String("message_id", messageID))
	defer func() {
		end(retErr)
		s.otel.recordMutation(ctx, time.Since(start), opClick, retErr)
	}()

	var (
		trackingID string
		datasets   []string
	)
	err := s.commit(func(tx *txn) error {
		m, ok := s.messages[messageID]
		if !ok {
			return newOpError(opClick, ErrNotFound, messageID)
		}
		trackingID = m.Tracking.ClickID
		datasets = s.datasetsContaining(messageID)
		return nil
	})
	if err != nil {
		return err
	}

	reqErr := s.request(ctx, func(ctx context.Context) error {
		return s.api.Click(ctx, messageID, trackingID)
	})
	if reqErr == nil {
		return nil
	}
	opErr := remoteError(opClick, reqErr, messageID, datasets...)
	if err := s.commit(func(tx *txn) error {
		tx.emit(ErrorEvent{Err: opErr})
		return nil
	}); err != nil {
		return err
	}
	return opErr
}

// request runs one remote call bounded by the request semaphore and scoped
// to the store's lifetime.
func (s *dataStore) request(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := s.scope(ctx)
	defer cancel()
	if err := s.reqSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.reqSem.Release(1)
	return fn(ctx)
}

// optimistic is a flag change applied locally ahead of confirmation.
type optimistic struct {
	messageID string
	applied   Flags
	prior     flagState
	at        time.Time
	datasets  []string
}

// update applies flags optimistically, confirms them remotely and rolls back
// whatever was not confirmed.
func (s *dataStore) update(ctx context.Context, op, messageID string, flags Flags) (retErr error) {
	if flags.Opened != nil && !*flags.Opened {
		return fmt.Errorf("%w: opened cannot be cleared", ErrUnsupportedFlag)
	}

	start := time.Now()
	ctx, end := s.otel.startSpan(ctx, "inbox."+op, attribute.String("message_id", messageID))
	defer func() {
		end(retErr)
		s.otel.recordMutation(ctx, time.Since(start), op, retErr)
	}()

	var o optimistic
	err := s.commit(func(tx *txn) error {
		m, ok := s.messages[messageID]
		if !ok {
			return newOpError(op, ErrNotFound, messageID)
		}
		applied := pendingFlags(m, flags)
		if applied.IsZero() {
			return errNoChange
		}
		o = optimistic{
			messageID: messageID,
			applied:   applied,
			prior:     stateOf(m),
			at:        s.now(),
			datasets:  s.datasetsContaining(messageID),
		}
		s.hold(messageID, applied)
		tx.change(m, func(m *Message) bool { return applyFlags(m, applied, o.at) })
		return nil
	})
	if errors.Is(err, errNoChange) {
		s.logger.Debug("mutation is a no-op", "op", op, "message", messageID)
		return nil
	}
	if err != nil {
		return err
	}

	confirmed, reqErr := s.confirm(ctx, messageID, o.applied)

	err = s.commit(func(tx *txn) error {
		s.release(messageID, o.applied)
		if reqErr == nil {
			return nil
		}
		unconfirmed := subtractFlags(o.applied, confirmed)
		if tx.revert(messageID, unconfirmed, o.at, o.prior) {
			s.otel.recordRollback(ctx, op)
		}
		opErr := remoteError(op, reqErr, messageID, o.datasets...)
		tx.emit(ErrorEvent{Err: opErr})
		s.logger.Warn("mutation rolled back", "op", op, "message", messageID, "error", reqErr)
		return opErr
	})
	if err != nil {
		return err
	}
	return s.publishChange(ctx, messageID, confirmed)
}

// confirm issues the remote calls for applied, archive first. It returns the
// flags the server accepted before the first failure.
func (s *dataStore) confirm(ctx context.Context, messageID string, applied Flags) (Flags, error) {
	var confirmed Flags
	calls := []struct {
		set  func(*Flags, bool)
		get  *bool
		call func(ctx context.Context, v bool) error
	}{
		{
			set: func(f *Flags, v bool) { f.Archived = ptr(v) },
			get: applied.Archived,
			call: func(ctx context.Context, v bool) error {
				if v {
					return s.api.Archive(ctx, messageID)
				}
				return s.api.Unarchive(ctx, messageID)
			},
		},
		{
			set: func(f *Flags, v bool) { f.Read = ptr(v) },
			get: applied.Read,
			call: func(ctx context.Context, v bool) error {
				if v {
					return s.api.MarkRead(ctx, messageID)
				}
				return s.api.MarkUnread(ctx, messageID)
			},
		},
		{
			set: func(f *Flags, v bool) { f.Opened = ptr(v) },
			get: applied.Opened,
			call: func(ctx context.Context, _ bool) error {
				return s.api.Open(ctx, messageID)
			},
		},
	}
	for _, c := range calls {
		if c.get == nil {
			continue
		}
		v := *c.get
		if err := s.request(ctx, func(ctx context.Context) error { return c.call(ctx, v) }); err != nil {
			return confirmed, err
		}
		c.set(&confirmed, v)
	}
	return confirmed, nil
}

// pendingFlags returns the subset of f that would change m.
func pendingFlags(m *Message, f Flags) Flags {
	var out Flags
	if f.Read != nil && m.IsRead() != *f.Read {
		out.Read = f.Read
	}
	if f.Archived != nil && m.IsArchived() != *f.Archived {
		out.Archived = f.Archived
	}
	if f.Opened != nil && m.IsOpened() != *f.Opened {
		out.Opened = f.Opened
	}
	return out
}

// subtractFlags returns the flags of a that b does not set.
func subtractFlags(a, b Flags) Flags {
	if b.Read != nil {
		a.Read = nil
	}
	if b.Archived != nil {
		a.Archived = nil
	}
	if b.Opened != nil {
		a.Opened = nil
	}
	return a
}
