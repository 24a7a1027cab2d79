// Package threadsync implements the post-render handshake between the
// render thread and the event thread.
//
// Per surface, the render thread calls PostRenderStarted after submitting a
// frame, which wakes the event thread, and then blocks in
// PostRenderWaitForCompletion. The event thread runs the surface's
// post-render work and calls PostRenderComplete, which releases the render
// thread. Only one cycle may be in flight per surface.
package threadsync

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/corebridge/internal/contract"
	"github.com/dshills/corebridge/internal/logging"
	"github.com/dshills/corebridge/internal/perf"
)

// Errors returned by the handshake.
var (
	// ErrCycleInFlight is returned by PostRenderStarted while the previous
	// cycle has not been completed and waited for.
	ErrCycleInFlight = errors.New("post-render cycle already in flight")

	// ErrNotStarted is returned by PostRenderWaitForCompletion without a
	// preceding PostRenderStarted.
	ErrNotStarted = errors.New("no post-render cycle started")

	// ErrCompletionPending is returned by PostRenderStarted while the event
	// thread has not yet completed a cycle abandoned by a surface
	// replacement. It is not a contract violation; the frame may retry.
	ErrCompletionPending = errors.New("post-render work of an abandoned cycle still pending")
)

// State is the handshake state of one surface.
type State int

const (
	StateIdle State = iota
	StatePostRenderStarted
	StateAwaitingCompletion
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePostRenderStarted:
		return "post-render-started"
	case StateAwaitingCompletion:
		return "awaiting-completion"
	default:
		return "unknown"
	}
}

// Notifier wakes the event thread. Trigger must not block.
type Notifier interface {
	Trigger()
}

// Handshake is the post-render state machine of one surface.
type Handshake struct {
	name          string
	notifier      Notifier
	logger        *logging.Logger
	metrics       *perf.Metrics
	contracts     *contract.Enforcer
	isEventThread func() bool
	waitWarning   time.Duration

	mu          sync.Mutex
	cond        *sync.Cond
	state       State
	pendingWait bool
	// eventPending is set by PostRenderStarted and only cleared by
	// PostRenderComplete, so an abandoned cycle still owns the event side.
	eventPending bool
	replacing    bool
	replaceEpoch uint64
	cycles       uint64
	abandoned    uint64
}

// Option configures a Handshake.
type Option func(*Handshake)

// WithLogger sets the handshake's logger.
func WithLogger(l *logging.Logger) Option {
	return func(h *Handshake) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics records post-render markers, cycles and waits into m.
func WithMetrics(m *perf.Metrics) Option {
	return func(h *Handshake) {
		h.metrics = m
	}
}

// WithContracts sets the enforcer used for misuse of the handshake.
func WithContracts(e *contract.Enforcer) Option {
	return func(h *Handshake) {
		if e != nil {
			h.contracts = e
		}
	}
}

// WithEventThreadCheck makes PostRenderComplete verify it runs on the
// event thread.
func WithEventThreadCheck(fn func() bool) Option {
	return func(h *Handshake) {
		h.isEventThread = fn
	}
}

// WithWaitWarning logs a warning when the render thread has been waiting
// longer than d. The wait itself never times out. Zero disables it.
func WithWaitWarning(d time.Duration) Option {
	return func(h *Handshake) {
		h.waitWarning = d
	}
}

// New creates an idle handshake for the named surface. notifier is
// triggered by every PostRenderStarted.
func New(name string, notifier Notifier, opts ...Option) *Handshake {
	h := &Handshake{
		name:      name,
		notifier:  notifier,
		logger:    logging.NullLogger(),
		contracts: contract.Default(),
	}
	h.cond = sync.NewCond(&h.mu)
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.WithComponent("threadsync").WithField("surface", name)
	return h
}

// Name returns the surface name.
func (h *Handshake) Name() string {
	return h.name
}

// SetWaitWarning changes the wait warning threshold for subsequent waits.
func (h *Handshake) SetWaitWarning(d time.Duration) {
	h.mu.Lock()
	h.waitWarning = d
	h.mu.Unlock()
}

// PostRenderStarted begins a cycle and wakes the event thread. It is called
// by the render thread and never blocks. While a cycle abandoned by a
// surface replacement has not been completed by the event thread it
// returns ErrCompletionPending, unless the surface is still being replaced.
func (h *Handshake) PostRenderStarted() error {
	h.mu.Lock()
	if h.state != StateIdle || h.pendingWait {
		state := h.state
		h.mu.Unlock()
		err := h.contracts.Violation("PostRenderStarted", "surface %q: previous cycle still %s", h.name, state)
		return fmt.Errorf("%w: %w", ErrCycleInFlight, err)
	}
	if h.eventPending && !h.replacing {
		h.mu.Unlock()
		return ErrCompletionPending
	}
	h.state = StatePostRenderStarted
	h.pendingWait = true
	h.eventPending = true
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.AddMarker(perf.PostRenderStart)
	}
	if h.notifier != nil {
		h.notifier.Trigger()
	}
	return nil
}

// PostRenderWaitForCompletion blocks the render thread until the event
// thread calls PostRenderComplete, or until the surface is being replaced.
func (h *Handshake) PostRenderWaitForCompletion() error {
	h.mu.Lock()
	if !h.pendingWait {
		h.mu.Unlock()
		err := h.contracts.Violation("PostRenderWaitForCompletion", "surface %q: wait without PostRenderStarted", h.name)
		return fmt.Errorf("%w: %w", ErrNotStarted, err)
	}
	if h.state == StatePostRenderStarted {
		h.state = StateAwaitingCompletion
	}

	start := time.Now()
	var warning *time.Timer
	if h.waitWarning > 0 && h.state != StateIdle && !h.replacing {
		limit := h.waitWarning
		warning = time.AfterFunc(limit, func() {
			h.logger.Warn("render thread blocked in post-render wait for more than %v", limit)
		})
	}

	epoch := h.replaceEpoch
	for h.state != StateIdle && !h.replacing && h.replaceEpoch == epoch {
		h.cond.Wait()
	}
	h.pendingWait = false
	if h.state != StateIdle {
		// Released by a surface replacement.
		h.state = StateIdle
		h.abandoned++
		h.logger.Debug("post-render cycle abandoned for surface replacement")
	}
	h.mu.Unlock()

	if warning != nil {
		warning.Stop()
	}
	if h.metrics != nil {
		h.metrics.RecordPostRenderWait(time.Since(start))
	}
	return nil
}

// PostRenderComplete ends the current cycle and releases a waiting render
// thread. It is called by the event thread once the surface's post-render
// work is done, and is a no-op when no cycle is in progress.
func (h *Handshake) PostRenderComplete() {
	if h.isEventThread != nil {
		if err := h.contracts.Check(h.isEventThread(), "PostRenderComplete", "surface %q: called off the event thread", h.name); err != nil {
			return
		}
	}

	h.mu.Lock()
	if h.state == StateIdle {
		// Either nothing is in flight or this completes an abandoned cycle.
		h.eventPending = false
		h.mu.Unlock()
		return
	}
	h.state = StateIdle
	h.eventPending = false
	h.cycles++
	h.cond.Broadcast()
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.AddMarker(perf.PostRenderEnd)
		h.metrics.RecordPostRenderCycle()
	}
}

// SetReplacingSurface marks the surface as being replaced. While set, the
// render thread does not wait. Setting it releases a pending wait even if
// it is cleared again before the render thread wakes up.
func (h *Handshake) SetReplacingSurface(replacing bool) {
	h.mu.Lock()
	h.replacing = replacing
	if replacing {
		h.replaceEpoch++
		h.cond.Broadcast()
	}
	h.mu.Unlock()
}

// CompletionPending reports whether the event thread still owes a
// PostRenderComplete for a started cycle.
func (h *Handshake) CompletionPending() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.eventPending
}

// ReplacingSurface reports whether the surface is being replaced.
func (h *Handshake) ReplacingSurface() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.replacing
}

// State returns the current state.
func (h *Handshake) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Cycles returns the number of completed cycles.
func (h *Handshake) Cycles() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cycles
}

// Abandoned returns the number of cycles released by a surface replacement.
func (h *Handshake) Abandoned() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.abandoned
}
