package backend

import "errors"

// Sentinel errors for backend implementations.
var (
	// ErrNotFound is returned when a message does not exist on the server.
	ErrNotFound = errors.New("backend: not found")

	// ErrRejected is returned when the server refused a valid request.
	ErrRejected = errors.New("backend: rejected")

	// ErrUnavailable is returned for transport-level failures.
	ErrUnavailable = errors.New("backend: unavailable")

	// ErrSocketClosed is returned when sending on a closed socket.
	ErrSocketClosed = errors.New("backend: socket closed")

	// ErrInvalidCursor is returned when a pagination cursor cannot be decoded.
	ErrInvalidCursor = errors.New("backend: invalid cursor")

	// ErrFilterInvalid is returned when a filter is invalid.
	ErrFilterInvalid = errors.New("backend: invalid filter")
)

// Error checking helpers.

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
