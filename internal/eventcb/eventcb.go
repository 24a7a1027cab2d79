// Package eventcb lets worker goroutines marshal a closure onto the event
// thread.
//
// A Callback is created and closed on the event thread. Trigger is the only
// method usable from other goroutines; it never blocks.
package eventcb

import (
	"github.com/dshills/corebridge/internal/contract"
	"github.com/dshills/corebridge/internal/logging"
	"github.com/dshills/corebridge/internal/perf"
	"github.com/dshills/corebridge/internal/runloop"
	"github.com/dshills/corebridge/internal/trigger"
)

// Callback runs a closure on the event thread each time it is triggered.
type Callback struct {
	loop      *runloop.Loop
	trigger   *trigger.Trigger
	contracts *contract.Enforcer
}

type options struct {
	name      string
	logger    *logging.Logger
	metrics   *perf.Metrics
	contracts *contract.Enforcer
	retention trigger.Retention
}

// Option configures a Callback.
type Option func(*options)

// WithLogger sets the logger of the underlying trigger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records trigger counts into m.
func WithMetrics(m *perf.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithContracts sets the enforcer for event-thread checks.
func WithContracts(e *contract.Enforcer) Option {
	return func(o *options) {
		if e != nil {
			o.contracts = e
		}
	}
}

// WithName names the callback in log lines.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// Once releases the callback after its first invocation.
func Once() Option {
	return func(o *options) { o.retention = trigger.DeleteAfterTrigger }
}

// New creates a callback running fn on loop. It must be called on the
// event thread.
func New(loop *runloop.Loop, fn func(), opts ...Option) (*Callback, error) {
	o := options{
		name:      "event-thread-callback",
		contracts: contract.Default(),
		retention: trigger.KeepAliveAfterTrigger,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if loop != nil {
		if err := o.contracts.Check(loop.IsEventThread(), "eventcb.New", "called off the event thread"); err != nil {
			return nil, err
		}
	}

	t, err := trigger.New(loop, fn, o.retention,
		trigger.WithName(o.name),
		trigger.WithLogger(o.logger),
		trigger.WithMetrics(o.metrics))
	if err != nil {
		return nil, err
	}

	return &Callback{loop: loop, trigger: t, contracts: o.contracts}, nil
}

// Trigger schedules the closure on the event thread. Safe from any goroutine.
func (c *Callback) Trigger() {
	c.trigger.Trigger()
}

// Closed reports whether the callback has been released.
func (c *Callback) Closed() bool {
	return c.trigger.Closed()
}

// Close releases the callback. It must be called on the event thread.
func (c *Callback) Close() error {
	if err := c.contracts.Check(c.loop.IsEventThread(), "eventcb.Close", "called off the event thread"); err != nil {
		return err
	}
	return c.trigger.Close()
}
