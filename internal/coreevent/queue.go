package coreevent

import (
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/corebridge/internal/contract"
	"github.com/dshills/corebridge/internal/logging"
	"github.com/dshills/corebridge/internal/perf"
)

// Queue is the unbounded FIFO between input producers and the event thread.
type Queue struct {
	processor     Processor
	logger        *logging.Logger
	metrics       *perf.Metrics
	contracts     *contract.Enforcer
	isEventThread func() bool

	mu      sync.Mutex
	pending []Event
	spare   []Event
	warned  bool

	warnDepth  atomic.Int64
	processing atomic.Bool

	queued     atomic.Uint64
	dispatched atomic.Uint64
	rejected   atomic.Uint64
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue's logger.
func WithLogger(l *logging.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l.WithComponent("coreevent")
		}
	}
}

// WithMetrics records queue depth and processed batches into m.
func WithMetrics(m *perf.Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// WithContracts sets the enforcer for event-thread and re-entrancy checks.
func WithContracts(e *contract.Enforcer) Option {
	return func(q *Queue) {
		if e != nil {
			q.contracts = e
		}
	}
}

// WithEventThreadCheck sets the function that reports whether the caller
// is on the event thread. Without it the thread is not checked.
func WithEventThreadCheck(fn func() bool) Option {
	return func(q *Queue) {
		q.isEventThread = fn
	}
}

// WithWarnDepth logs a warning each time the queue grows past depth.
// Zero disables the warning.
func WithWarnDepth(depth int) Option {
	return func(q *Queue) {
		q.SetWarnDepth(depth)
	}
}

// NewQueue creates a queue dispatching into processor.
func NewQueue(processor Processor, opts ...Option) *Queue {
	q := &Queue{
		processor: processor,
		logger:    logging.NullLogger(),
		contracts: contract.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetWarnDepth changes the warning threshold. Zero disables it.
func (q *Queue) SetWarnDepth(depth int) {
	if depth < 0 {
		depth = 0
	}
	q.warnDepth.Store(int64(depth))
}

// QueueCoreEvent appends ev. It may be called from any goroutine, never
// drops the event and only holds the lock for the append.
func (q *Queue) QueueCoreEvent(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	q.mu.Lock()
	q.pending = append(q.pending, ev)
	depth := len(q.pending)
	warn := false
	if limit := q.warnDepth.Load(); limit > 0 && int64(depth) > limit && !q.warned {
		q.warned = true
		warn = true
	}
	q.mu.Unlock()

	q.queued.Add(1)
	if q.metrics != nil {
		q.metrics.RecordQueued(depth)
	}
	if warn {
		q.logger.Warn("event queue depth %d exceeds %d; event thread is falling behind", depth, q.warnDepth.Load())
	}
}

// ProcessCoreEvents dispatches every queued event in arrival order and
// returns how many were dispatched. It must be called on the event thread
// and must not be called from inside ProcessEvent.
func (q *Queue) ProcessCoreEvents() int {
	if q.isEventThread != nil {
		if err := q.contracts.Check(q.isEventThread(), "ProcessCoreEvents", "called off the event thread"); err != nil {
			q.rejected.Add(1)
			return 0
		}
	}
	if !q.processing.CompareAndSwap(false, true) {
		q.rejected.Add(1)
		_ = q.contracts.Violation("ProcessCoreEvents", "nested call from an event handler")
		return 0
	}
	defer q.processing.Store(false)

	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return 0
	}
	batch := q.pending
	q.pending = q.spare[:0]
	q.spare = nil
	q.warned = false
	q.mu.Unlock()

	start := time.Now()
	for i := range batch {
		q.dispatch(batch[i])
		batch[i] = Event{}
	}
	q.dispatched.Add(uint64(len(batch)))
	if q.metrics != nil {
		q.metrics.RecordProcessed(len(batch), time.Since(start))
	}

	q.mu.Lock()
	if q.spare == nil {
		q.spare = batch[:0]
	}
	q.mu.Unlock()

	return len(batch)
}

func (q *Queue) dispatch(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			if contract.IsViolation(r) {
				panic(r)
			}
			q.logger.Error("processing %s event panicked: %v\n%s", ev.Kind, r, debug.Stack())
		}
	}()
	q.processor.ProcessEvent(ev)
}

// Len returns the number of events waiting to be processed.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats is a point-in-time view of queue counters.
type Stats struct {
	Queued     uint64
	Dispatched uint64
	Rejected   uint64
	Pending    int
}

// Stats returns the queue's counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Queued:     q.queued.Load(),
		Dispatched: q.dispatched.Load(),
		Rejected:   q.rejected.Load(),
		Pending:    q.Len(),
	}
}
