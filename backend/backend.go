// Package backend defines the contracts between the inbox engine and the
// remote inbox service it synchronizes with.
//
// The engine never speaks a wire protocol itself. It consumes three
// collaborators:
//
//  1. API: a request/response client (REST, GraphQL, or a direct database
//     adapter) used to page through messages and to confirm mutations.
//  2. Socket: a push channel that delivers Envelopes describing remote
//     state changes for the signed-in user.
//  3. An identity provider, which lives in the root package.
//
// Implementations are in backend/memory (in-process, for tests and demos),
// backend/postgres, backend/mongo, and backend/redis (push channel).
//
// # Failure Contract
//
// All API calls return success or failure, never partial results. Return
// ErrUnavailable (or a net.Error) for transport failures and ErrRejected for
// requests the server refused. The engine rolls back optimistic state for both.
package backend

import (
	"context"
)

// PageRequest describes one page fetch.
type PageRequest struct {
	Filter Filter
	// Cursor is the opaque continuation token returned by the previous page.
	// Empty requests the first page.
	Cursor string
	Limit  int
}

// Page is the result of a page fetch.
type Page struct {
	Messages []Message
	// Cursor continues after the last message of this page.
	Cursor string
	// CanPaginate reports whether more pages exist after this one.
	CanPaginate bool
}

// MessageReader pages through the user's messages.
type MessageReader interface {
	// GetMessages returns one page of messages matching the filter, newest first.
	GetMessages(ctx context.Context, req PageRequest) (*Page, error)
}

// MessageMutator confirms single-message actions.
type MessageMutator interface {
	MarkRead(ctx context.Context, messageID string) error
	MarkUnread(ctx context.Context, messageID string) error
	Click(ctx context.Context, messageID, trackingID string) error
	Open(ctx context.Context, messageID string) error
	Archive(ctx context.Context, messageID string) error
	Unarchive(ctx context.Context, messageID string) error
}

// BulkMutator confirms account-wide actions. Each call succeeds or fails as a whole.
type BulkMutator interface {
	// ReadAll marks every message of the user as read.
	ReadAll(ctx context.Context) error
	// ArchiveRead archives every read message of the user.
	ArchiveRead(ctx context.Context) error
}

// API is the request/response collaborator.
//
// Composed of:
//   - MessageReader: page fetches
//   - MessageMutator: single message actions
//   - BulkMutator: account-wide actions
type API interface {
	MessageReader
	MessageMutator
	BulkMutator
}

// UnreadCounter is an optional interface an API can implement to report the
// authoritative unread total (unread, unarchived messages). When implemented,
// the engine seeds its global unread count from it instead of counting the
// messages it has materialized.
type UnreadCounter interface {
	UnreadCount(ctx context.Context) (int, error)
}

// Socket is the push channel collaborator.
//
// A Socket represents one logical connection for one identity. Connect may be
// called again after the connection closed.
type Socket interface {
	// Connect opens the connection. It returns once the connection is usable.
	Connect(ctx context.Context) error
	// SendSubscribe registers interest in the identity's message stream.
	// It must be called after every successful Connect.
	SendSubscribe(ctx context.Context) error
	// Close closes the connection. Close listeners receive a nil error.
	Close() error
	// IsOpen reports whether the connection is currently open.
	IsOpen() bool
	// AddMessageEventListener registers fn for inbound envelopes. Envelopes
	// are delivered in arrival order from a single goroutine.
	AddMessageEventListener(fn func(Envelope)) (remove func())
	// AddCloseListener registers fn to be called when the connection closes.
	// err is nil for a deliberate Close and non-nil for an unexpected drop.
	AddCloseListener(fn func(err error)) (remove func())
}

// Publisher pushes envelopes to every socket subscribed for a user. Database
// backends use it to notify other sessions after a confirmed change.
type Publisher interface {
	Publish(ctx context.Context, userID string, env Envelope) error
}
