package protocol

import "errors"

// Error taxonomy shared by both backends and all services. Callers match with
// errors.Is; concrete errors wrap one of these with context.
var (
	// ErrInvalidArgument reports a missing or empty required field.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound reports a reference to an id that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCorrupt reports a persisted document that failed to parse. Read
	// paths recover from it locally and treat the document as empty.
	ErrCorrupt = errors.New("corrupt document")

	// ErrStorage reports a failed write to the underlying store.
	ErrStorage = errors.New("storage failure")
)
