package inbox

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rbaliyan/inbox/backend"
)

// Sentinel errors for the inbox package.
// Use errors.Is() to check for these errors.
var (
	// ErrNotFound is returned when a mutation targets a message the cache does not hold.
	// Wraps backend.ErrNotFound for consistent error checking.
	ErrNotFound = fmt.Errorf("inbox: %w", backend.ErrNotFound)

	// ErrStaleOperation is returned internally when a page result was superseded
	// by a newer load or a re-registration. Public calls resolve it as a no-op.
	ErrStaleOperation = errors.New("inbox: stale operation")

	// ErrClosed is returned when operations are attempted on a data store that
	// was torn down (sign-out or identity switch).
	ErrClosed = errors.New("inbox: data store closed")

	// ErrNotConnected is returned when service operations are attempted before Connect().
	ErrNotConnected = errors.New("inbox: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("inbox: already connected")

	// ErrConnectorRequired is returned when no connector is configured.
	ErrConnectorRequired = errors.New("inbox: connector is required")

	// ErrAPIRequired is returned when a data store is created without an API.
	ErrAPIRequired = errors.New("inbox: api is required")

	// ErrUnknownDataset is returned when a dataset id is not registered.
	ErrUnknownDataset = errors.New("inbox: unknown dataset")

	// ErrInvalidFeeds is returned when a feed registration is invalid.
	ErrInvalidFeeds = errors.New("inbox: invalid feeds")

	// ErrSocketUnavailable is returned by ListenForUpdates when no socket is configured.
	ErrSocketUnavailable = errors.New("inbox: socket unavailable")

	// ErrInvalidIdentity is returned when signing in without a user id.
	ErrInvalidIdentity = errors.New("inbox: invalid identity")

	// ErrUnsupportedFlag is returned when a flag change has no matching remote call.
	ErrUnsupportedFlag = errors.New("inbox: unsupported flag change")
)

// Kind classifies an operation failure.
type Kind int

const (
	// KindNotFound: the mutation target is missing locally. Never surfaced to listeners.
	KindNotFound Kind = iota + 1
	// KindNetworkFailure: transport-level failure. Optimistic state is rolled back.
	KindNetworkFailure
	// KindServerRejected: the server refused a valid request. Optimistic state is rolled back.
	KindServerRejected
	// KindStaleOperation: a page result was superseded. Never surfaced to listeners.
	KindStaleOperation
	// KindConnectionError: the socket failed to open or resubscribe.
	KindConnectionError
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindNetworkFailure:
		return "network_failure"
	case KindServerRejected:
		return "server_rejected"
	case KindStaleOperation:
		return "stale_operation"
	case KindConnectionError:
		return "connection_error"
	default:
		return "unknown"
	}
}

// OperationError describes a failed engine operation. It is returned to the
// caller and, for surfaced kinds, delivered to listeners in an ErrorEvent.
type OperationError struct {
	// Op is the operation name (e.g., "mark_read", "fetch_next_page").
	Op string
	// Kind classifies the failure.
	Kind Kind
	// MessageID is set for single-message mutations.
	MessageID string
	// DatasetIDs are the datasets the failure is scoped to.
	DatasetIDs []string
	// Err is the underlying error.
	Err error
}

func (e *OperationError) Error() string {
	target := e.MessageID
	if target == "" && len(e.DatasetIDs) == 1 {
		target = e.DatasetIDs[0]
	}
	if target != "" {
		return fmt.Sprintf("inbox: %s %s (%s): %v", e.Op, target, e.Kind, e.Err)
	}
	return fmt.Sprintf("inbox: %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Surfaced reports whether the failure is delivered to listeners.
func (e *OperationError) Surfaced() bool {
	return e.Kind != KindNotFound && e.Kind != KindStaleOperation
}

// Classify maps an error to a failure kind.
// Transport errors and deadlines are network failures; anything else the
// server returned is treated as a rejection.
func Classify(err error) Kind {
	var opErr *OperationError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &opErr):
		return opErr.Kind
	case errors.Is(err, backend.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrStaleOperation):
		return KindStaleOperation
	case errors.Is(err, backend.ErrSocketClosed):
		return KindConnectionError
	case errors.Is(err, backend.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindNetworkFailure
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetworkFailure
	}
	return KindServerRejected
}

// IsRetryableError reports whether repeating the operation may succeed.
// Only network and connection failures are retryable; rejections and
// missing messages are deterministic.
func IsRetryableError(err error) bool {
	switch Classify(err) {
	case KindNetworkFailure, KindConnectionError:
		return true
	default:
		return false
	}
}

// IsOperationError checks if the error is an operation error and returns details.
func IsOperationError(err error) (*OperationError, bool) {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr, true
	}
	return nil, false
}

func newOpError(op string, err error, messageID string, datasetIDs ...string) *OperationError {
	return &OperationError{
		Op:         op,
		Kind:       Classify(err),
		MessageID:  messageID,
		DatasetIDs: datasetIDs,
		Err:        err,
	}
}

// remoteError wraps a failed API request. Anything but a transport failure is
// a server rejection, including a message the server no longer knows.
func remoteError(op string, err error, messageID string, datasetIDs ...string) *OperationError {
	opErr := newOpError(op, err, messageID, datasetIDs...)
	if opErr.Kind != KindNetworkFailure {
		opErr.Kind = KindServerRejected
	}
	return opErr
}

// EventPublishError is returned when mirroring a confirmed change to the
// event bus fails but the change itself succeeded.
type EventPublishError struct {
	Event     string // The event name (e.g., "MessageChanged")
	MessageID string // The message ID the event was for, if any
	Err       error  // The underlying publish error
}

func (e *EventPublishError) Error() string {
	return fmt.Sprintf("inbox: event %s publish failed for message %s: %v", e.Event, e.MessageID, e.Err)
}

func (e *EventPublishError) Unwrap() error {
	return e.Err
}
