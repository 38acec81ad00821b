package audit

import "errors"

// Common store errors.
var (
	// ErrNotFound is returned when a trace has no record.
	ErrNotFound = errors.New("trace not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("audit store closed")
)
