// Package trigger implements the cross-thread doorbell used to schedule a
// callback on the event thread.
//
// Trigger may be called from any goroutine and never blocks. The bound
// callback runs on the event thread at least once after every Trigger call;
// calls that arrive before the callback has run are coalesced into one
// invocation.
package trigger

import (
	"errors"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dshills/corebridge/internal/logging"
	"github.com/dshills/corebridge/internal/perf"
	"github.com/dshills/corebridge/internal/runloop"
)

// Retention describes what happens to a trigger after its callback ran.
type Retention int

const (
	// KeepAliveAfterTrigger keeps the trigger usable; the owner closes it.
	KeepAliveAfterTrigger Retention = iota
	// DeleteAfterTrigger closes the trigger right after its callback returns.
	DeleteAfterTrigger
)

// String returns the retention name.
func (r Retention) String() string {
	switch r {
	case KeepAliveAfterTrigger:
		return "keep-alive"
	case DeleteAfterTrigger:
		return "delete-after-trigger"
	default:
		return "unknown"
	}
}

// Trigger binds a callback to a run loop wake source.
type Trigger struct {
	id        string
	name      string
	loop      *runloop.Loop
	callback  func()
	retention Retention
	source    *runloop.WakeSource
	logger    *logging.Logger
	metrics   *perf.Metrics

	closed atomic.Bool
}

// Option configures a Trigger.
type Option func(*Trigger)

// WithLogger sets the trigger's logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *Trigger) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithMetrics records fired and delivered counts into m.
func WithMetrics(m *perf.Metrics) Option {
	return func(t *Trigger) {
		t.metrics = m
	}
}

// WithName sets a human readable name used in log lines.
func WithName(name string) Option {
	return func(t *Trigger) {
		t.name = name
	}
}

// New creates a trigger whose callback runs on loop's event thread.
// A failure to create the wake primitive is returned as *ResourceError.
func New(loop *runloop.Loop, callback func(), retention Retention, opts ...Option) (*Trigger, error) {
	if loop == nil {
		return nil, ErrNilLoop
	}
	if callback == nil {
		return nil, ErrNilCallback
	}

	t := &Trigger{
		id:        uuid.NewString(),
		name:      "trigger",
		loop:      loop,
		callback:  callback,
		retention: retention,
		logger:    logging.NullLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.WithFields(map[string]any{"trigger": t.name, "id": t.id})

	source, err := loop.AddWakeSource(t.deliver)
	if err != nil {
		op := "create"
		if errors.Is(err, runloop.ErrTerminated) {
			op = "register"
		}
		return nil, &ResourceError{Op: op, Err: err}
	}
	t.source = source

	t.logger.Debug("created (%s)", retention)
	return t, nil
}

// ID returns the trigger's unique identifier.
func (t *Trigger) ID() string {
	return t.id
}

// Retention returns the trigger's retention policy.
func (t *Trigger) Retention() Retention {
	return t.retention
}

// Closed reports whether the trigger was closed, either explicitly or by
// firing under DeleteAfterTrigger.
func (t *Trigger) Closed() bool {
	return t.closed.Load()
}

// Trigger schedules the callback on the event thread. It never blocks and
// is a no-op once the trigger is closed.
func (t *Trigger) Trigger() {
	if t.closed.Load() {
		return
	}

	if err := t.source.Signal(); err != nil {
		if !errors.Is(err, runloop.ErrSourceClosed) {
			t.logger.Warn("signal failed: %v", err)
		}
		return
	}

	if t.metrics != nil {
		t.metrics.RecordTriggerFired()
	}
}

// Close unregisters the wake source. It is safe to call more than once and
// from any goroutine.
func (t *Trigger) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.loop.RemoveWakeSource(t.source)
	t.logger.Debug("closed")
	return nil
}

// deliver runs on the event thread when the wake source is ready.
func (t *Trigger) deliver() {
	if t.closed.Load() {
		return
	}
	if t.retention == DeleteAfterTrigger {
		defer t.Close()
	}

	if t.metrics != nil {
		t.metrics.RecordTriggerDelivered()
	}
	t.callback()
}
