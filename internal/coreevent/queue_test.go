package coreevent

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dshills/corebridge/internal/contract"
	"github.com/dshills/corebridge/internal/logging"
	"github.com/dshills/corebridge/internal/perf"
)

type recorder struct {
	events []Event
}

func (r *recorder) ProcessEvent(ev Event) {
	r.events = append(r.events, ev)
}

func keyEvent(n int) Event {
	return Event{Kind: KindKey, Payload: KeyPress{Code: n}}
}

func TestQueue_FIFO(t *testing.T) {
	rec := &recorder{}
	q := NewQueue(rec)

	for i := 0; i < 50; i++ {
		q.QueueCoreEvent(keyEvent(i))
	}
	require.Equal(t, 50, q.Len())

	require.Equal(t, 50, q.ProcessCoreEvents())
	require.Len(t, rec.events, 50)
	for i, ev := range rec.events {
		require.Equal(t, i, ev.Payload.(KeyPress).Code)
		require.False(t, ev.Time.IsZero(), "queue stamps events without a time")
	}
	require.Zero(t, q.Len())
}

func TestQueue_EmptyIsNoop(t *testing.T) {
	calls := 0
	q := NewQueue(ProcessorFunc(func(Event) { calls++ }))

	require.Zero(t, q.ProcessCoreEvents())
	require.Zero(t, calls)
}

// Three producers, one consumer: every event is dispatched exactly once and
// each producer's order is preserved.
func TestQueue_ConcurrentProducers(t *testing.T) {
	type tag struct{ producer, seq int }

	rec := &recorder{}
	metrics := perf.NewMetrics()
	q := NewQueue(rec, WithMetrics(metrics))

	var wg sync.WaitGroup
	for p := 0; p < 3; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.QueueCoreEvent(Event{Kind: KindCustom, Payload: tag{p, i}})
			}
		}(p)
	}
	wg.Wait()

	require.Equal(t, 300, q.ProcessCoreEvents())
	require.Len(t, rec.events, 300)

	seen := make(map[tag]bool, 300)
	next := make([]int, 3)
	for _, ev := range rec.events {
		tg := ev.Payload.(tag)
		require.False(t, seen[tg], "duplicate event %+v", tg)
		seen[tg] = true
		require.Equal(t, next[tg.producer], tg.seq, "producer %d out of order", tg.producer)
		next[tg.producer]++
	}
	require.Equal(t, []int{100, 100, 100}, next)

	s := metrics.Snapshot()
	require.Equal(t, uint64(300), s.EventsQueued)
	require.Equal(t, uint64(300), s.EventsProcessed)
	require.Equal(t, int64(300), s.MaxQueueDepth)
}

func TestQueue_EventsQueuedDuringProcessingWait(t *testing.T) {
	var q *Queue
	var got []int
	q = NewQueue(ProcessorFunc(func(ev Event) {
		n := ev.Payload.(KeyPress).Code
		got = append(got, n)
		if n == 0 {
			q.QueueCoreEvent(keyEvent(99))
		}
	}))

	q.QueueCoreEvent(keyEvent(0))
	q.QueueCoreEvent(keyEvent(1))

	require.Equal(t, 2, q.ProcessCoreEvents())
	require.Equal(t, []int{0, 1}, got)
	require.Equal(t, 1, q.Len())

	require.Equal(t, 1, q.ProcessCoreEvents())
	require.Equal(t, []int{0, 1, 99}, got)
}

func TestQueue_NestedProcessIsRejected(t *testing.T) {
	enforcer := contract.Default()
	var q *Queue
	nested := -1
	q = NewQueue(ProcessorFunc(func(ev Event) {
		nested = q.ProcessCoreEvents()
	}), WithContracts(enforcer))

	q.QueueCoreEvent(keyEvent(1))
	q.QueueCoreEvent(keyEvent(2))

	require.Equal(t, 2, q.ProcessCoreEvents())
	require.Zero(t, nested)
	require.Equal(t, uint64(2), enforcer.Violations())
	require.Equal(t, uint64(2), q.Stats().Rejected)
}

func TestQueue_NestedProcessPanicsWhenStrict(t *testing.T) {
	var q *Queue
	calls := 0
	q = NewQueue(ProcessorFunc(func(ev Event) {
		calls++
		q.ProcessCoreEvents()
	}), WithContracts(contract.NewEnforcer(contract.PolicyPanic, nil)))

	q.QueueCoreEvent(keyEvent(1))

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		q.ProcessCoreEvents()
	}()

	require.IsType(t, &contract.ViolationError{}, recovered)
	require.Equal(t, 1, calls)
}

func TestQueue_ProcessingFlagClearedAfterViolation(t *testing.T) {
	strict := true
	var q *Queue
	q = NewQueue(ProcessorFunc(func(ev Event) {
		if strict {
			q.ProcessCoreEvents()
		}
	}), WithContracts(contract.NewEnforcer(contract.PolicyPanic, nil)))

	q.QueueCoreEvent(keyEvent(1))
	require.Panics(t, func() { q.ProcessCoreEvents() })

	strict = false
	q.QueueCoreEvent(keyEvent(2))
	require.Equal(t, 1, q.ProcessCoreEvents())
}

func TestQueue_OffEventThreadIsRejected(t *testing.T) {
	rec := &recorder{}
	q := NewQueue(rec, WithEventThreadCheck(func() bool { return false }))

	q.QueueCoreEvent(keyEvent(1))
	require.Zero(t, q.ProcessCoreEvents())
	require.Empty(t, rec.events)
	require.Equal(t, 1, q.Len(), "rejected call must not consume events")
}

func TestQueue_OffEventThreadPanicsWhenStrict(t *testing.T) {
	q := NewQueue(&recorder{},
		WithEventThreadCheck(func() bool { return false }),
		WithContracts(contract.NewEnforcer(contract.PolicyPanic, nil)))

	require.Panics(t, func() { q.ProcessCoreEvents() })
}

func TestQueue_ProcessorPanicDoesNotDropBatch(t *testing.T) {
	var got []int
	q := NewQueue(ProcessorFunc(func(ev Event) {
		n := ev.Payload.(KeyPress).Code
		if n == 1 {
			panic("malformed")
		}
		got = append(got, n)
	}))

	for i := 0; i < 3; i++ {
		q.QueueCoreEvent(keyEvent(i))
	}
	require.Equal(t, 3, q.ProcessCoreEvents())
	require.Equal(t, []int{0, 2}, got)
}

func TestQueue_WarnDepthOncePerCrossing(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Config{Level: logging.LevelDebug, Output: &buf})
	q := NewQueue(&recorder{}, WithLogger(logger), WithWarnDepth(2))

	for i := 0; i < 5; i++ {
		q.QueueCoreEvent(keyEvent(i))
	}
	require.Equal(t, 1, strings.Count(buf.String(), "falling behind"))

	q.ProcessCoreEvents()
	for i := 0; i < 3; i++ {
		q.QueueCoreEvent(keyEvent(i))
	}
	require.Equal(t, 2, strings.Count(buf.String(), "falling behind"))

	q.SetWarnDepth(0)
	q.ProcessCoreEvents()
	for i := 0; i < 10; i++ {
		q.QueueCoreEvent(keyEvent(i))
	}
	require.Equal(t, 2, strings.Count(buf.String(), "falling behind"))
}

func TestKind_String(t *testing.T) {
	names := map[Kind]string{
		KindTouch:  "touch",
		KindKey:    "key",
		KindWheel:  "wheel",
		KindHover:  "hover",
		KindResize: "resize",
		KindCustom: "custom",
		Kind(42):   "unknown",
	}
	for k, want := range names {
		require.Equal(t, want, k.String())
	}
}
