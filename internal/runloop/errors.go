package runloop

import (
	"errors"
	"fmt"
)

// Sentinel errors for the runloop package.
var (
	// ErrAlreadyRunning is returned when Run is called on a running loop.
	ErrAlreadyRunning = errors.New("runloop: loop is already running")

	// ErrTerminated is returned when the loop has finished running.
	ErrTerminated = errors.New("runloop: loop has terminated")

	// ErrReentrantRun is returned when Run is called from the loop itself.
	ErrReentrantRun = errors.New("runloop: cannot call Run from within the loop")

	// ErrSourceClosed is returned when signalling a removed wake source.
	ErrSourceClosed = errors.New("runloop: wake source is closed")
)

// WakeError reports a failure of the OS wake primitive. Failing to create
// one means the process is out of descriptors; callers treat it as fatal.
type WakeError struct {
	Op  string // System call that failed (e.g. "eventfd", "poll")
	Err error  // Underlying errno
}

func (e *WakeError) Error() string {
	return fmt.Sprintf("runloop: %s: %v", e.Op, e.Err)
}

func (e *WakeError) Unwrap() error {
	return e.Err
}
