// Package terminal produces core events from a tcell screen.
//
// A Source polls the screen on its own goroutine and queues every input
// event it understands. It never touches core state directly, so it can
// run alongside the event thread like any other producer.
package terminal

import (
	"errors"
	"sync"

	"github.com/gdamore/tcell/v2"

	"github.com/dshills/corebridge/internal/coreevent"
	"github.com/dshills/corebridge/internal/logging"
)

// SourceName is the Event.Source of every event produced here.
const SourceName = "tcell"

// ErrAlreadyStarted is returned by Start on a running source.
var ErrAlreadyStarted = errors.New("terminal source already started")

// Sink receives converted events. adaptor.Adaptor and coreevent.Queue
// both satisfy it.
type Sink interface {
	QueueCoreEvent(ev coreevent.Event)
}

// Source converts tcell events into core events.
type Source struct {
	screen tcell.Screen
	sink   Sink
	logger *logging.Logger

	// Converter state; only touched by the polling goroutine.
	buttons tcell.ButtonMask

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	count   uint64
}

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the source's logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Source) {
		if l != nil {
			s.logger = l.WithComponent("terminal")
		}
	}
}

// NewSource creates a source reading from screen. The caller owns the
// screen and must have initialized it.
func NewSource(screen tcell.Screen, sink Sink, opts ...Option) *Source {
	s := &Source{
		screen: screen,
		sink:   sink,
		logger: logging.NullLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins polling on a new goroutine.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyStarted
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.pollLoop(s.stop, s.done)
	return nil
}

// Stop ends polling and waits for the goroutine to exit.
func (s *Source) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	// Unblock PollEvent.
	_ = s.screen.PostEvent(tcell.NewEventInterrupt(nil))
	<-done
}

// Count returns how many core events have been queued.
func (s *Source) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *Source) pollLoop(stop, done chan struct{}) {
	defer close(done)

	for {
		ev := s.screen.PollEvent()
		if ev == nil {
			// Screen finalized.
			return
		}

		select {
		case <-stop:
			return
		default:
		}

		core, ok := s.Convert(ev)
		if !ok {
			continue
		}
		s.sink.QueueCoreEvent(core)

		s.mu.Lock()
		s.count++
		s.mu.Unlock()
	}
}

// Convert maps a tcell event to a core event. Mouse conversion is stateful:
// a release is reported as TouchUp of the previously pressed button. Events
// with no core equivalent return false.
func (s *Source) Convert(ev tcell.Event) (coreevent.Event, bool) {
	switch e := ev.(type) {
	case *tcell.EventKey:
		return coreevent.Event{
			Kind:   coreevent.KindKey,
			Time:   e.When(),
			Source: SourceName,
			Payload: coreevent.KeyPress{
				Name:      e.Name(),
				Code:      int(e.Key()),
				Rune:      e.Rune(),
				Modifiers: uint(e.Modifiers()),
				State:     coreevent.KeyDown,
			},
		}, true

	case *tcell.EventMouse:
		return s.convertMouse(e)

	case *tcell.EventResize:
		w, h := e.Size()
		return coreevent.Event{
			Kind:    coreevent.KindResize,
			Time:    e.When(),
			Source:  SourceName,
			Payload: coreevent.Resize{Width: w, Height: h},
		}, true

	default:
		return coreevent.Event{}, false
	}
}

const (
	pointerButtons = tcell.Button1 | tcell.Button2 | tcell.Button3
	wheelButtons   = tcell.WheelUp | tcell.WheelDown | tcell.WheelLeft | tcell.WheelRight
)

func (s *Source) convertMouse(e *tcell.EventMouse) (coreevent.Event, bool) {
	x, y := e.Position()
	buttons := e.Buttons()
	ev := coreevent.Event{Time: e.When(), Source: SourceName}

	if wheel := buttons & wheelButtons; wheel != 0 {
		w := coreevent.Wheel{X: float64(x), Y: float64(y)}
		switch {
		case wheel&tcell.WheelUp != 0:
			w.Delta = -1
		case wheel&tcell.WheelDown != 0:
			w.Delta = 1
		case wheel&tcell.WheelLeft != 0:
			w.Direction, w.Delta = 1, -1
		case wheel&tcell.WheelRight != 0:
			w.Direction, w.Delta = 1, 1
		}
		ev.Kind = coreevent.KindWheel
		ev.Payload = w
		return ev, true
	}

	pressed := buttons & pointerButtons
	prev := s.buttons
	s.buttons = pressed

	point := coreevent.TouchPoint{X: float64(x), Y: float64(y)}
	switch {
	case pressed != 0 && prev == 0:
		point.State = coreevent.TouchDown
		point.Button = buttonNumber(pressed)
		ev.Kind = coreevent.KindTouch
	case pressed != 0:
		point.State = coreevent.TouchMotion
		point.Button = buttonNumber(pressed)
		ev.Kind = coreevent.KindTouch
	case prev != 0:
		point.State = coreevent.TouchUp
		point.Button = buttonNumber(prev)
		ev.Kind = coreevent.KindTouch
	default:
		point.State = coreevent.TouchMotion
		ev.Kind = coreevent.KindHover
	}
	ev.Payload = point
	return ev, true
}

func buttonNumber(mask tcell.ButtonMask) int {
	switch {
	case mask&tcell.Button1 != 0:
		return 1
	case mask&tcell.Button2 != 0:
		return 2
	case mask&tcell.Button3 != 0:
		return 3
	default:
		return 0
	}
}
