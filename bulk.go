package inbox

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// OperationResult contains the result of a single operation within a bulk operation.
type OperationResult struct {
	// ID is the identifier of the item that was processed.
	ID string
	// Success indicates whether the operation succeeded.
	Success bool
	// Error contains the error if the operation failed (nil if successful).
	Error error
}

// BulkResult contains the result of a bulk operation.
//
// Results are returned in order, matching the input order.
type BulkResult struct {
	// Results contains the outcome of each operation in input order.
	Results []OperationResult
}

// SuccessCount returns the number of successful operations.
func (r *BulkResult) SuccessCount() int {
	if r == nil {
		return 0
	}
	count := 0
	for _, res := range r.Results {
		if res.Success {
			count++
		}
	}
	return count
}

// FailureCount returns the number of failed operations.
func (r *BulkResult) FailureCount() int {
	if r == nil {
		return 0
	}
	return len(r.Results) - r.SuccessCount()
}

// HasFailures returns true if any operations failed.
func (r *BulkResult) HasFailures() bool {
	return r.FailureCount() > 0
}

// TotalCount returns the total number of items processed.
func (r *BulkResult) TotalCount() int {
	if r == nil {
		return 0
	}
	return len(r.Results)
}

// FailedIDs returns the IDs of items that failed.
func (r *BulkResult) FailedIDs() []string {
	if r == nil {
		return nil
	}
	var ids []string
	for _, res := range r.Results {
		if !res.Success {
			ids = append(ids, res.ID)
		}
	}
	return ids
}

// SuccessfulIDs returns the IDs of items that succeeded.
func (r *BulkResult) SuccessfulIDs() []string {
	if r == nil {
		return nil
	}
	var ids []string
	for _, res := range r.Results {
		if res.Success {
			ids = append(ids, res.ID)
		}
	}
	return ids
}

// Err returns an error if there are failures, nil otherwise.
func (r *BulkResult) Err() error {
	if !r.HasFailures() {
		return nil
	}
	return &BulkOperationError{Result: r}
}

// BulkOperationError is returned when a bulk operation has partial failures.
type BulkOperationError struct {
	Result *BulkResult
}

func (e *BulkOperationError) Error() string {
	return fmt.Sprintf("inbox: bulk operation failed for %d of %d items",
		e.Result.FailureCount(), e.Result.TotalCount())
}

// Unwrap returns the individual errors from failed operations.
func (e *BulkOperationError) Unwrap() []error {
	var errs []error
	for _, r := range e.Result.Results {
		if r.Error != nil {
			errs = append(errs, r.Error)
		}
	}
	return errs
}

// BulkUpdate applies flags to each message. Items commit independently: a
// failed item is rolled back while the others keep their change.
func (s *dataStore) BulkUpdate(ctx context.Context, messageIDs []string, flags Flags) (*BulkResult, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	result := &BulkResult{Results: make([]OperationResult, len(messageIDs))}
	var g errgroup.Group
	g.SetLimit(s.opts.maxConcurrentRequests)
	for i, id := range messageIDs {
		g.Go(func() error {
			res := OperationResult{ID: id}
			if err := s.update(ctx, opUpdate, id, flags); err != nil {
				res.Error = err
			} else {
				res.Success = true
			}
			result.Results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return result, result.Err()
}

// batch is an account-wide optimistic change.
type batch struct {
	items      []optimistic
	remainder  int
	datasetIDs []string
}

// ReadAll marks every message read with a single request. Cached unread
// messages and the global total change immediately; a failure restores both.
func (s *dataStore) ReadAll(ctx context.Context) error {
	return s.bulk(ctx, opReadAll, FlagsMarkRead,
		func(m *Message) bool { return !m.IsRead() },
		true,
		s.api.ReadAll)
}

// ArchiveRead archives every read message with a single request. A failure
// restores the whole batch.
func (s *dataStore) ArchiveRead(ctx context.Context) error {
	return s.bulk(ctx, opArchiveRead, FlagsMarkArchived,
		func(m *Message) bool { return m.IsRead() && !m.IsArchived() },
		false,
		s.api.ArchiveRead)
}

func (s *dataStore) bulk(ctx context.Context, op string, flags Flags, selects func(*Message) bool,
	zeroTotal bool, call func(ctx context.Context) error) (retErr error) {
	start := time.Now()
	ctx, end := s.otel.startSpan(ctx, "inbox."+op, attribute.String("op", op))
	defer func() {
		end(retErr)
		s.otel.recordMutation(ctx, time.Since(start), op, retErr)
	}()

	var b batch
	err := s.commit(func(tx *txn) error {
		b = s.applyBatch(tx, flags, selects, zeroTotal)
		return nil
	})
	if err != nil {
		return err
	}

	reqErr := s.request(ctx, call)

	err = s.commit(func(tx *txn) error {
		for _, it := range b.items {
			s.release(it.messageID, it.applied)
		}
		if reqErr == nil {
			return nil
		}
		for _, it := range b.items {
			tx.revert(it.messageID, it.applied, it.at, it.prior)
		}
		if s.totalSeeded {
			s.total += b.remainder
		}
		s.otel.recordRollback(ctx, op)
		opErr := remoteError(op, reqErr, "", b.datasetIDs...)
		tx.emit(ErrorEvent{Err: opErr})
		s.logger.Warn("bulk mutation rolled back", "op", op, "messages", len(b.items), "error", reqErr)
		return opErr
	})
	if err != nil {
		return err
	}
	return s.publishBulk(ctx, op, b)
}

// applyBatch applies flags to every cached message selects picks. With
// zeroTotal, uncached unread messages are cleared from a seeded total too and
// the amount is kept for rollback.
func (s *dataStore) applyBatch(tx *txn, flags Flags, selects func(*Message) bool, zeroTotal bool) batch {
	var b batch
	at := s.now()
	scoped := make(map[string]bool)
	for _, id := range sortedIDs(s.messages) {
		m := s.messages[id]
		if !selects(m) {
			continue
		}
		applied := pendingFlags(m, flags)
		if applied.IsZero() {
			continue
		}
		for _, dsID := range s.datasetsContaining(id) {
			scoped[dsID] = true
		}
		b.items = append(b.items, optimistic{
			messageID: id,
			applied:   applied,
			prior:     stateOf(m),
			at:        at,
		})
		s.hold(id, applied)
		tx.change(m, func(m *Message) bool { return applyFlags(m, applied, at) })
	}
	for _, id := range s.order {
		if scoped[id] {
			b.datasetIDs = append(b.datasetIDs, id)
		}
	}
	if zeroTotal && s.totalSeeded {
		b.remainder = s.total
		s.total = 0
	}
	return b
}
