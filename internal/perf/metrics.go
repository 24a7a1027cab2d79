// Package perf tracks performance markers and counters for the event/render
// thread core.
package perf

import (
	"sync/atomic"
	"time"
)

// MarkerType identifies a performance marker.
type MarkerType int

const (
	// ProcessEventsStart is emitted before queued core events are processed.
	ProcessEventsStart MarkerType = iota
	// ProcessEventsEnd is emitted after queued core events are processed.
	ProcessEventsEnd
	// PostRenderStart is emitted when the render thread starts a post-render cycle.
	PostRenderStart
	// PostRenderEnd is emitted when the event thread completes a post-render cycle.
	PostRenderEnd
	// IdleStart is emitted before an idle pass of the callback manager.
	IdleStart
	// IdleEnd is emitted after an idle pass of the callback manager.
	IdleEnd

	markerCount
)

// String returns the marker name.
func (m MarkerType) String() string {
	switch m {
	case ProcessEventsStart:
		return "PROCESS_EVENTS_START"
	case ProcessEventsEnd:
		return "PROCESS_EVENTS_END"
	case PostRenderStart:
		return "POST_RENDER_START"
	case PostRenderEnd:
		return "POST_RENDER_END"
	case IdleStart:
		return "IDLE_START"
	case IdleEnd:
		return "IDLE_END"
	default:
		return "UNKNOWN"
	}
}

// Metrics tracks core performance metrics. All methods are safe for
// concurrent use and never block.
type Metrics struct {
	markerCounts [markerCount]atomic.Uint64
	markerLastNs [markerCount]atomic.Int64

	// Event queue
	eventsQueued    atomic.Uint64
	eventsProcessed atomic.Uint64
	maxQueueDepth   atomic.Int64
	processTotalNs  atomic.Int64
	processBatches  atomic.Uint64

	// Triggers
	triggersFired     atomic.Uint64
	triggersDelivered atomic.Uint64

	// Idle callbacks
	idleRuns atomic.Uint64

	// Post-render handshake
	postRenderCycles atomic.Uint64
	waitTotalNs      atomic.Int64
	waitMinNs        atomic.Int64
	waitMaxNs        atomic.Int64
	waitCount        atomic.Uint64

	startTime time.Time
}

// NewMetrics creates a new metrics tracker.
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),
	}
	// Initialize min to max int64 so the first wait will be smaller
	m.waitMinNs.Store(1<<63 - 1)
	return m
}

// AddMarker records a performance marker.
func (m *Metrics) AddMarker(t MarkerType) {
	if t < 0 || t >= markerCount {
		return
	}
	m.markerCounts[t].Add(1)
	m.markerLastNs[t].Store(time.Now().UnixNano())
}

// MarkerCount returns how many times a marker was recorded.
func (m *Metrics) MarkerCount(t MarkerType) uint64 {
	if t < 0 || t >= markerCount {
		return 0
	}
	return m.markerCounts[t].Load()
}

// RecordQueued records an event entering the core event queue at the given depth.
func (m *Metrics) RecordQueued(depth int) {
	m.eventsQueued.Add(1)
	d := int64(depth)
	for {
		old := m.maxQueueDepth.Load()
		if d <= old {
			break
		}
		if m.maxQueueDepth.CompareAndSwap(old, d) {
			break
		}
	}
}

// RecordProcessed records a processed batch of n events.
func (m *Metrics) RecordProcessed(n int, duration time.Duration) {
	m.eventsProcessed.Add(uint64(n))
	m.processBatches.Add(1)
	m.processTotalNs.Add(duration.Nanoseconds())
}

// RecordTriggerFired records a call to Trigger.
func (m *Metrics) RecordTriggerFired() {
	m.triggersFired.Add(1)
}

// RecordTriggerDelivered records a trigger callback running on the event thread.
func (m *Metrics) RecordTriggerDelivered() {
	m.triggersDelivered.Add(1)
}

// RecordIdleRun records one idle callback invocation.
func (m *Metrics) RecordIdleRun() {
	m.idleRuns.Add(1)
}

// RecordPostRenderCycle records a completed post-render cycle.
func (m *Metrics) RecordPostRenderCycle() {
	m.postRenderCycles.Add(1)
}

// RecordPostRenderWait records how long the render thread was blocked.
func (m *Metrics) RecordPostRenderWait(duration time.Duration) {
	ns := duration.Nanoseconds()

	m.waitCount.Add(1)
	m.waitTotalNs.Add(ns)

	for {
		old := m.waitMinNs.Load()
		if ns >= old {
			break
		}
		if m.waitMinNs.CompareAndSwap(old, ns) {
			break
		}
	}

	for {
		old := m.waitMaxNs.Load()
		if ns <= old {
			break
		}
		if m.waitMaxNs.CompareAndSwap(old, ns) {
			break
		}
	}
}

// Snapshot returns a snapshot of current metrics.
func (m *Metrics) Snapshot() Snapshot {
	waitCount := m.waitCount.Load()
	batches := m.processBatches.Load()

	var avgWaitNs int64
	if waitCount > 0 {
		avgWaitNs = m.waitTotalNs.Load() / int64(waitCount)
	}

	var avgProcessNs int64
	if batches > 0 {
		avgProcessNs = m.processTotalNs.Load() / int64(batches)
	}

	minWaitNs := m.waitMinNs.Load()
	if minWaitNs == 1<<63-1 {
		minWaitNs = 0
	}

	markers := make(map[MarkerType]uint64, markerCount)
	for t := MarkerType(0); t < markerCount; t++ {
		if c := m.markerCounts[t].Load(); c > 0 {
			markers[t] = c
		}
	}

	return Snapshot{
		Uptime:            time.Since(m.startTime),
		EventsQueued:      m.eventsQueued.Load(),
		EventsProcessed:   m.eventsProcessed.Load(),
		MaxQueueDepth:     m.maxQueueDepth.Load(),
		ProcessBatches:    batches,
		AvgProcessNs:      avgProcessNs,
		TriggersFired:     m.triggersFired.Load(),
		TriggersDelivered: m.triggersDelivered.Load(),
		IdleRuns:          m.idleRuns.Load(),
		PostRenderCycles:  m.postRenderCycles.Load(),
		PostRenderWaits:   waitCount,
		AvgWaitNs:         avgWaitNs,
		MinWaitNs:         minWaitNs,
		MaxWaitNs:         m.waitMaxNs.Load(),
		Markers:           markers,
	}
}

// Reset clears all metrics.
func (m *Metrics) Reset() {
	for i := range m.markerCounts {
		m.markerCounts[i].Store(0)
		m.markerLastNs[i].Store(0)
	}
	m.eventsQueued.Store(0)
	m.eventsProcessed.Store(0)
	m.maxQueueDepth.Store(0)
	m.processTotalNs.Store(0)
	m.processBatches.Store(0)
	m.triggersFired.Store(0)
	m.triggersDelivered.Store(0)
	m.idleRuns.Store(0)
	m.postRenderCycles.Store(0)
	m.waitTotalNs.Store(0)
	m.waitMinNs.Store(1<<63 - 1)
	m.waitMaxNs.Store(0)
	m.waitCount.Store(0)
}

// Snapshot is a point-in-time view of metrics.
type Snapshot struct {
	Uptime            time.Duration
	EventsQueued      uint64
	EventsProcessed   uint64
	MaxQueueDepth     int64
	ProcessBatches    uint64
	AvgProcessNs      int64
	TriggersFired     uint64
	TriggersDelivered uint64
	IdleRuns          uint64
	PostRenderCycles  uint64
	PostRenderWaits   uint64
	AvgWaitNs         int64
	MinWaitNs         int64
	MaxWaitNs         int64
	Markers           map[MarkerType]uint64
}

// AvgWait returns the average post-render wait.
func (s Snapshot) AvgWait() time.Duration {
	return time.Duration(s.AvgWaitNs)
}

// Backlog returns how many queued events have not been processed yet.
func (s Snapshot) Backlog() uint64 {
	if s.EventsProcessed >= s.EventsQueued {
		return 0
	}
	return s.EventsQueued - s.EventsProcessed
}

// Timer provides a simple way to measure elapsed time.
type Timer struct {
	start time.Time
}

// StartTimer creates a new timer.
func StartTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed time since the timer started.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// Stop returns the elapsed time and resets the timer.
func (t *Timer) Stop() time.Duration {
	elapsed := t.Elapsed()
	t.start = time.Now()
	return elapsed
}
