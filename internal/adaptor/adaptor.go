// Package adaptor ties the event-thread core together: the run loop, the
// idle callback manager, the core event queue and the per-surface
// post-render handshakes.
//
// New must be called on the goroutine that will become the event thread,
// or Run must be called before any event-thread-only method is used.
package adaptor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dshills/corebridge/internal/callback"
	"github.com/dshills/corebridge/internal/config"
	"github.com/dshills/corebridge/internal/coreevent"
	"github.com/dshills/corebridge/internal/eventcb"
	"github.com/dshills/corebridge/internal/logging"
	"github.com/dshills/corebridge/internal/perf"
	"github.com/dshills/corebridge/internal/trigger"
)

// Errors returned by the adaptor.
var (
	// ErrInvalidState indicates a lifecycle call not allowed in the current state.
	ErrInvalidState = errors.New("invalid adaptor state")

	// ErrSurfaceExists indicates a surface name is already registered.
	ErrSurfaceExists = errors.New("surface already exists")

	// ErrNilProcessor indicates New was called without an event processor.
	ErrNilProcessor = errors.New("nil event processor")
)

// State is the adaptor lifecycle state.
type State int32

const (
	StateReady State = iota
	StateRunning
	StatePaused
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Adaptor is the event-thread side of the core.
type Adaptor struct {
	services Services
	logger   *logging.Logger
	queue    *coreevent.Queue
	notify   *trigger.Trigger

	configPath    string
	watcher       *config.Watcher
	reload        *eventcb.Callback
	pendingConfig atomic.Pointer[config.Config]
	onReload      func(*config.Config)

	mu       sync.Mutex
	state    State
	cfg      *config.Config
	surfaces map[string]*Surface
	runCtx   context.Context

	idleRequested atomic.Bool
}

// Option configures an Adaptor.
type Option func(*options)

type options struct {
	logger     *logging.Logger
	metrics    *perf.Metrics
	configPath string
	onReload   func(*config.Config)
}

// WithLogger sets the root logger. By default the adaptor logs to stderr at
// the configured level.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics sink shared by every component.
func WithMetrics(m *perf.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithConfigPath records the file the configuration was loaded from. When
// the configuration enables watching, Start watches it for changes.
func WithConfigPath(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithReloadHook is called on the event thread after a new configuration
// has been applied.
func WithReloadHook(fn func(*config.Config)) Option {
	return func(o *options) { o.onReload = fn }
}

// New creates an adaptor dispatching core events into processor. cfg may be
// nil to use config.Default. The calling goroutine is the event thread until
// Run is called.
func New(cfg *config.Config, processor coreevent.Processor, opts ...Option) (*Adaptor, error) {
	if processor == nil {
		return nil, ErrNilProcessor
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.New(logging.Config{Level: cfg.LogLevel(), Output: os.Stderr, Prefix: "corebridge"})
	}
	if o.metrics == nil {
		o.metrics = perf.NewMetrics()
	}

	services, err := newServices(o.logger, o.metrics, cfg.ContractPolicy())
	if err != nil {
		return nil, fmt.Errorf("creating run loop: %w", err)
	}

	a := &Adaptor{
		services:   services,
		logger:     o.logger.WithComponent("adaptor"),
		configPath: o.configPath,
		onReload:   o.onReload,
		cfg:        cfg.Clone(),
		surfaces:   make(map[string]*Surface),
		runCtx:     context.Background(),
	}

	a.queue = coreevent.NewQueue(processor,
		coreevent.WithLogger(o.logger),
		coreevent.WithMetrics(o.metrics),
		coreevent.WithContracts(services.Contracts),
		coreevent.WithEventThreadCheck(services.Loop.IsEventThread),
		coreevent.WithWarnDepth(cfg.Queue.WarnDepth))

	a.notify, err = services.Triggers.Create(func() { a.ProcessCoreEvents() },
		trigger.KeepAliveAfterTrigger, trigger.WithName("core-events"))
	if err != nil {
		_ = services.Loop.Close()
		return nil, err
	}

	a.reload, err = a.NewEventThreadCallback(a.applyPendingConfig, eventcb.WithName("config-reload"))
	if err != nil {
		_ = services.Loop.Close()
		return nil, err
	}

	return a, nil
}

// Services returns the adaptor's shared services.
func (a *Adaptor) Services() Services {
	return a.services
}

// Queue returns the core event queue.
func (a *Adaptor) Queue() *coreevent.Queue {
	return a.queue
}

// Config returns a copy of the active configuration.
func (a *Adaptor) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Clone()
}

// State returns the lifecycle state.
func (a *Adaptor) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start moves a ready adaptor to running: idle callbacks are accepted and
// the configuration file is watched if enabled.
func (a *Adaptor) Start() error {
	a.mu.Lock()
	if a.state != StateReady {
		state := a.state
		a.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidState, state)
	}
	a.state = StateRunning
	watch := a.cfg.Watch
	a.mu.Unlock()

	if err := a.services.Callbacks.Start(); err != nil {
		return err
	}

	if watch.Enabled && a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.handleReload,
			config.WithDebounce(watch.Debounce.Std()),
			config.WithWatchLogger(a.services.Logger))
		if err != nil {
			a.logger.Warn("config watch disabled: %v", err)
		} else {
			a.watcher = w
		}
	}

	a.logger.Info("started")
	return nil
}

// Pause stops idle processing. Queued core events are still delivered.
func (a *Adaptor) Pause() error {
	a.mu.Lock()
	if a.state != StateRunning {
		state := a.state
		a.mu.Unlock()
		return fmt.Errorf("%w: pause from %s", ErrInvalidState, state)
	}
	a.state = StatePaused
	a.mu.Unlock()

	a.services.Callbacks.Stop()
	if a.idleRequested.Swap(false) {
		// The dropped idle request must not strand queued events.
		a.notify.Trigger()
	}
	a.logger.Info("paused")
	return nil
}

// Resume restarts idle processing after Pause.
func (a *Adaptor) Resume() error {
	a.mu.Lock()
	if a.state != StatePaused {
		state := a.state
		a.mu.Unlock()
		return fmt.Errorf("%w: resume from %s", ErrInvalidState, state)
	}
	a.state = StateRunning
	a.mu.Unlock()

	if err := a.services.Callbacks.Start(); err != nil {
		return err
	}
	a.logger.Info("resumed")
	return nil
}

// Stop releases every surface, stops idle processing and asks the loop to
// exit. Any render thread blocked on a surface is released. Stop is
// idempotent.
func (a *Adaptor) Stop() error {
	a.mu.Lock()
	if a.state == StateStopped {
		a.mu.Unlock()
		return nil
	}
	a.state = StateStopped
	surfaces := make([]*Surface, 0, len(a.surfaces))
	for _, s := range a.surfaces {
		surfaces = append(surfaces, s)
	}
	clear(a.surfaces)
	watcher := a.watcher
	a.watcher = nil
	a.mu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	for _, s := range surfaces {
		s.close()
	}

	a.services.Callbacks.Stop()
	_ = a.notify.Close()
	if a.services.Loop.IsEventThread() {
		_ = a.reload.Close()
	}
	a.services.Loop.Quit()

	a.logger.Info("stopped")
	return nil
}

// Run starts the adaptor if needed and runs the event loop on the calling
// goroutine until ctx is cancelled or Stop is called.
func (a *Adaptor) Run(ctx context.Context) error {
	if a.State() == StateReady {
		if err := a.Start(); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.runCtx = ctx
	a.mu.Unlock()

	err := a.services.Loop.Run(ctx)
	_ = a.Stop()

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// QueueCoreEvent queues ev and makes sure it gets processed: on the event
// thread by an idle callback, elsewhere by waking the event thread.
func (a *Adaptor) QueueCoreEvent(ev coreevent.Event) {
	a.queue.QueueCoreEvent(ev)

	if a.services.Loop.IsEventThread() {
		a.RequestProcessEventsOnIdle()
		return
	}
	a.notify.Trigger()
}

// ProcessCoreEvents dispatches queued core events. Event thread only.
func (a *Adaptor) ProcessCoreEvents() int {
	m := a.services.Metrics
	m.AddMarker(perf.ProcessEventsStart)
	n := a.queue.ProcessCoreEvents()
	m.AddMarker(perf.ProcessEventsEnd)
	return n
}

// RequestProcessEventsOnIdle schedules one ProcessCoreEvents on the next
// idle pass. Repeated requests before it runs are merged. Event thread only.
func (a *Adaptor) RequestProcessEventsOnIdle() bool {
	if err := a.services.Contracts.Check(a.services.Loop.IsEventThread(),
		"RequestProcessEventsOnIdle", "called off the event thread"); err != nil {
		return false
	}
	// Claimed before the callback exists so a concurrent Pause always sees
	// the request it has to hand over to the notification trigger.
	if !a.idleRequested.CompareAndSwap(false, true) {
		return true
	}

	ok := a.services.Callbacks.AddOneShot(func() {
		a.idleRequested.Store(false)
		a.ProcessCoreEvents()
	}, callback.PriorityHigh)
	if !ok {
		// Idle processing is paused; fall back to the notification trigger.
		a.idleRequested.Store(false)
		a.notify.Trigger()
		return false
	}
	return true
}

// AddIdle registers an idle callback while the adaptor is running.
// Event thread only.
func (a *Adaptor) AddIdle(fn callback.IdleCallback, priority callback.Priority) bool {
	if a.State() != StateRunning {
		return false
	}
	return a.services.Callbacks.AddIdleCallback(fn, priority)
}

// NewEventThreadCallback creates a callback a worker goroutine can use to
// run fn on the event thread. Event thread only.
func (a *Adaptor) NewEventThreadCallback(fn func(), opts ...eventcb.Option) (*eventcb.Callback, error) {
	base := []eventcb.Option{
		eventcb.WithLogger(a.services.Logger.WithComponent("eventcb")),
		eventcb.WithMetrics(a.services.Metrics),
		eventcb.WithContracts(a.services.Contracts),
	}
	return eventcb.New(a.services.Loop, fn, append(base, opts...)...)
}

func (a *Adaptor) hookContext() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runCtx
}
