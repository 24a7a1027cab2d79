// Package coreevent funnels adaptor input events into the scene graph.
//
// Producers on any goroutine call Queue.QueueCoreEvent. The event thread
// later calls Queue.ProcessCoreEvents, which swaps the pending events out
// under the lock and dispatches them in arrival order without holding it.
package coreevent

import "time"

// Kind tags the payload carried by an Event.
type Kind int

const (
	KindTouch Kind = iota
	KindKey
	KindWheel
	KindHover
	KindResize
	KindCustom
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindTouch:
		return "touch"
	case KindKey:
		return "key"
	case KindWheel:
		return "wheel"
	case KindHover:
		return "hover"
	case KindResize:
		return "resize"
	case KindCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Event is one input event observed by the adaptor. The payload is opaque
// to the queue; validating it is the processor's job.
type Event struct {
	Kind    Kind
	Time    time.Time
	Source  string
	Payload any
}

// TouchState is the phase of a touch point.
type TouchState int

const (
	TouchDown TouchState = iota
	TouchUp
	TouchMotion
	TouchInterrupted
)

// TouchPoint is the payload of KindTouch and KindHover events.
type TouchPoint struct {
	ID     int
	State  TouchState
	X, Y   float64
	Button int
}

// KeyState distinguishes presses from releases.
type KeyState int

const (
	KeyDown KeyState = iota
	KeyUp
)

// KeyPress is the payload of KindKey events.
type KeyPress struct {
	Name      string
	Code      int
	Rune      rune
	Modifiers uint
	State     KeyState
}

// Wheel is the payload of KindWheel events.
type Wheel struct {
	X, Y      float64
	Direction int // 0 vertical, 1 horizontal
	Delta     int // positive away from the user / to the right
}

// Resize is the payload of KindResize events.
type Resize struct {
	Width, Height int
}

// Processor is the scene graph's event entry point. ProcessEvent must not
// call back into the queue synchronously.
type Processor interface {
	ProcessEvent(ev Event)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ev Event)

// ProcessEvent calls f(ev).
func (f ProcessorFunc) ProcessEvent(ev Event) {
	f(ev)
}
