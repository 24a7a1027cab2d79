package trigger

import (
	"errors"
	"fmt"
)

// Errors returned by trigger construction.
var (
	// ErrNilLoop indicates a trigger was created without a run loop.
	ErrNilLoop = errors.New("trigger: nil run loop")

	// ErrNilCallback indicates a trigger was created without a callback.
	ErrNilCallback = errors.New("trigger: nil callback")
)

// ResourceError reports that the wake primitive backing a trigger could not
// be created or registered. There is no degraded mode: callers treat it as
// fatal.
type ResourceError struct {
	// Op is the failed step ("create", "register").
	Op string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ResourceError) Error() string {
	return fmt.Sprintf("trigger: %s wake source: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ResourceError) Unwrap() error {
	return e.Err
}
