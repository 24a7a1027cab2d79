package trigger

import (
	"github.com/dshills/corebridge/internal/logging"
	"github.com/dshills/corebridge/internal/perf"
	"github.com/dshills/corebridge/internal/runloop"
)

// Factory creates triggers bound to one loop, sharing a logger and metrics.
type Factory struct {
	loop    *runloop.Loop
	logger  *logging.Logger
	metrics *perf.Metrics
}

// NewFactory creates a trigger factory. logger and metrics may be nil.
func NewFactory(loop *runloop.Loop, logger *logging.Logger, metrics *perf.Metrics) *Factory {
	if logger == nil {
		logger = logging.NullLogger()
	}
	return &Factory{
		loop:    loop,
		logger:  logger.WithComponent("trigger"),
		metrics: metrics,
	}
}

// Create creates a trigger running callback on the factory's loop.
func (f *Factory) Create(callback func(), retention Retention, opts ...Option) (*Trigger, error) {
	base := []Option{WithLogger(f.logger), WithMetrics(f.metrics)}
	return New(f.loop, callback, retention, append(base, opts...)...)
}

// Loop returns the loop the factory's triggers are bound to.
func (f *Factory) Loop() *runloop.Loop {
	return f.loop
}
