// Package contract reports programmer errors in the cross-thread core.
//
// Calling an event-thread-only operation from another goroutine, starting a
// second post-render cycle while one is in flight, or re-entering event
// processing from a handler are contract violations. Under PolicyPanic they
// panic immediately, which is what debug and test builds want. Under
// PolicyReport they are logged and the offending operation is rejected, so
// the shared state is never corrupted.
package contract

import (
	"fmt"
	"sync/atomic"

	"github.com/dshills/corebridge/internal/logging"
)

// Policy selects how violations are handled.
type Policy int32

const (
	// PolicyReport logs the violation and returns it as an error.
	PolicyReport Policy = iota
	// PolicyPanic panics with the violation.
	PolicyPanic
)

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case PolicyReport:
		return "report"
	case PolicyPanic:
		return "panic"
	default:
		return "unknown"
	}
}

// ViolationError describes a broken usage contract.
type ViolationError struct {
	Op     string // Operation that was misused (e.g. "ProcessCoreEvents")
	Detail string // What was wrong
}

func (e *ViolationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("contract violation: %s: %s", e.Op, e.Detail)
}

// IsViolation reports whether a recovered panic value is a contract
// violation. Recover sites that isolate ordinary handler panics re-panic
// these so that PolicyPanic stays fatal.
func IsViolation(r any) bool {
	_, ok := r.(*ViolationError)
	return ok
}

// Enforcer applies a Policy to reported violations.
// It is safe for concurrent use; the policy may be changed at any time.
type Enforcer struct {
	policy     atomic.Int32
	logger     *logging.Logger
	violations atomic.Uint64
}

// NewEnforcer creates an enforcer with the given policy.
func NewEnforcer(policy Policy, logger *logging.Logger) *Enforcer {
	if logger == nil {
		logger = logging.NullLogger()
	}
	e := &Enforcer{logger: logger.WithComponent("contract")}
	e.policy.Store(int32(policy))
	return e
}

// Default returns a reporting enforcer that discards its log output.
func Default() *Enforcer {
	return NewEnforcer(PolicyReport, nil)
}

// SetPolicy changes the policy.
func (e *Enforcer) SetPolicy(p Policy) {
	e.policy.Store(int32(p))
}

// Policy returns the current policy.
func (e *Enforcer) Policy() Policy {
	return Policy(e.policy.Load())
}

// Violations returns how many violations have been reported.
func (e *Enforcer) Violations() uint64 {
	return e.violations.Load()
}

// Violation reports a broken contract. It returns the error under
// PolicyReport and panics under PolicyPanic.
func (e *Enforcer) Violation(op, format string, args ...any) error {
	err := &ViolationError{Op: op, Detail: fmt.Sprintf(format, args...)}
	e.violations.Add(1)

	if e.Policy() == PolicyPanic {
		panic(err)
	}
	e.logger.Error("%v", err)
	return err
}

// Check reports a violation when cond is false and returns nil otherwise.
func (e *Enforcer) Check(cond bool, op, format string, args ...any) error {
	if cond {
		return nil
	}
	return e.Violation(op, format, args...)
}
