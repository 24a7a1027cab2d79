// Package callback manages idle callbacks run by the event thread's loop.
//
// Callbacks are added on the event thread and invoked during the loop's idle
// phase in priority order, ties broken by registration order. Stop is
// synchronous: when it returns, every pending callback has been dropped and
// no invocation is still running.
package callback

import (
	"cmp"
	"errors"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/dshills/corebridge/internal/contract"
	"github.com/dshills/corebridge/internal/logging"
	"github.com/dshills/corebridge/internal/perf"
	"github.com/dshills/corebridge/internal/runloop"
)

// ErrAlreadyStarted is returned by Start when the manager is not stopped.
var ErrAlreadyStarted = errors.New("callback manager already started")

// IdleCallback is invoked on the event thread when the loop is idle.
// Returning true keeps it registered for the next idle pass.
type IdleCallback func() bool

// Priority orders callbacks within an idle pass. Lower values run first.
type Priority int

// Common priorities.
const (
	PriorityHigh    Priority = -100
	PriorityDefault Priority = 0
	PriorityLow     Priority = 100
)

// State is the manager's lifecycle state.
type State int

const (
	// Stopped is the initial state. Callbacks are rejected.
	Stopped State = iota
	// Running accepts and invokes callbacks.
	Running
	// Stopping is held while Stop waits for an in-flight callback.
	Stopping
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

type entry struct {
	fn       IdleCallback
	priority Priority
	seq      uint64
}

// Manager owns the idle callbacks of one loop.
type Manager struct {
	loop      *runloop.Loop
	logger    *logging.Logger
	metrics   *perf.Metrics
	contracts *contract.Enforcer

	mu         sync.Mutex
	drained    *sync.Cond
	state      State
	generation uint64
	callbacks  []*entry
	seq        uint64
	idler      *runloop.Idler
	inFlight   int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l.WithComponent("callback")
		}
	}
}

// WithMetrics records idle markers and runs into metrics.
func WithMetrics(metrics *perf.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithContracts sets the enforcer used for event-thread checks.
func WithContracts(e *contract.Enforcer) Option {
	return func(m *Manager) {
		if e != nil {
			m.contracts = e
		}
	}
}

// New creates a stopped manager for loop.
func New(loop *runloop.Loop, opts ...Option) *Manager {
	m := &Manager{
		loop:      loop,
		logger:    logging.NullLogger(),
		contracts: contract.Default(),
	}
	m.drained = sync.NewCond(&m.mu)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Pending returns the number of registered callbacks not currently running.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.callbacks)
}

// Start lets the manager accept and invoke callbacks.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Stopped {
		return ErrAlreadyStarted
	}
	m.state = Running
	m.generation++
	m.logger.Debug("started")
	return nil
}

// Stop drops every pending callback and waits for an in-flight invocation
// to return. Called from a callback on the event thread it does not wait
// for that callback. Stop on a stopped manager is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state != Running {
		// A concurrent Stop is draining; wait for it to finish.
		for m.state == Stopping && !m.loop.IsEventThread() {
			m.drained.Wait()
		}
		m.mu.Unlock()
		return
	}
	m.state = Stopping
	dropped := len(m.callbacks)
	clear(m.callbacks)
	m.callbacks = m.callbacks[:0]
	idler := m.idler
	m.idler = nil

	if !m.loop.IsEventThread() {
		for m.inFlight > 0 {
			m.drained.Wait()
		}
	}
	m.state = Stopped
	m.drained.Broadcast()
	m.mu.Unlock()

	m.loop.RemoveIdler(idler)
	m.logger.Debug("stopped, dropped %d pending callbacks", dropped)
}

// AddIdleCallback registers cb to run when the loop is idle. It must be
// called on the event thread and returns false when the manager is not
// running or the call is a contract violation.
func (m *Manager) AddIdleCallback(cb IdleCallback, priority Priority) bool {
	if cb == nil {
		return false
	}
	if err := m.contracts.Check(m.loop.IsEventThread(), "AddIdleCallback", "called off the event thread"); err != nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Running {
		m.logger.Debug("rejected callback while %s", m.state)
		return false
	}

	m.seq++
	m.insertLocked(&entry{fn: cb, priority: priority, seq: m.seq})
	if m.idler == nil {
		m.idler = m.loop.AddIdler(m.idle)
	}
	return true
}

// AddOneShot registers fn to run once on the next idle pass.
func (m *Manager) AddOneShot(fn func(), priority Priority) bool {
	if fn == nil {
		return false
	}
	return m.AddIdleCallback(func() bool {
		fn()
		return false
	}, priority)
}

func (m *Manager) insertLocked(e *entry) {
	i, _ := slices.BinarySearchFunc(m.callbacks, e, compareEntries)
	m.callbacks = slices.Insert(m.callbacks, i, e)
}

func compareEntries(a, b *entry) int {
	if c := cmp.Compare(a.priority, b.priority); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

// idle is the loop idler. It runs one pass over the callbacks registered
// when the pass began; callbacks added during the pass run on the next one.
func (m *Manager) idle() bool {
	m.mu.Lock()
	if m.state != Running || len(m.callbacks) == 0 {
		m.idler = nil
		m.mu.Unlock()
		return false
	}
	gen := m.generation
	batch := m.callbacks
	m.callbacks = nil
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.AddMarker(perf.IdleStart)
		defer m.metrics.AddMarker(perf.IdleEnd)
	}

	keep := make([]*entry, 0, len(batch))
	for _, e := range batch {
		m.mu.Lock()
		if m.state != Running || m.generation != gen {
			m.mu.Unlock()
			break
		}
		m.inFlight++
		m.mu.Unlock()

		if m.invoke(e) {
			keep = append(keep, e)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Running || m.generation != gen {
		return false
	}
	for _, e := range keep {
		m.insertLocked(e)
	}
	if len(m.callbacks) == 0 {
		m.idler = nil
		return false
	}
	return true
}

// invoke runs one callback that idle has counted as in flight. A panicking
// callback is logged and dropped; contract violations propagate.
func (m *Manager) invoke(e *entry) (again bool) {
	defer m.finishInvoke()
	defer func() {
		if r := recover(); r != nil {
			if contract.IsViolation(r) {
				panic(r)
			}
			m.logger.Error("idle callback panicked: %v\n%s", r, debug.Stack())
			again = false
		}
	}()

	if m.metrics != nil {
		m.metrics.RecordIdleRun()
	}
	return e.fn()
}

func (m *Manager) finishInvoke() {
	m.mu.Lock()
	m.inFlight--
	if m.inFlight == 0 {
		m.drained.Broadcast()
	}
	m.mu.Unlock()
}
