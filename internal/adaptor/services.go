package adaptor

import (
	"github.com/dshills/corebridge/internal/callback"
	"github.com/dshills/corebridge/internal/contract"
	"github.com/dshills/corebridge/internal/logging"
	"github.com/dshills/corebridge/internal/perf"
	"github.com/dshills/corebridge/internal/runloop"
	"github.com/dshills/corebridge/internal/trigger"
)

// Services holds the cross-cutting services shared by the adaptor's
// components. It is built once by New and passed explicitly; nothing in
// corebridge looks services up globally.
type Services struct {
	Logger    *logging.Logger
	Metrics   *perf.Metrics
	Contracts *contract.Enforcer
	Loop      *runloop.Loop
	Callbacks *callback.Manager
	Triggers  *trigger.Factory
}

// newServices creates the loop and the services bound to it.
func newServices(logger *logging.Logger, metrics *perf.Metrics, policy contract.Policy) (Services, error) {
	loop, err := runloop.New(runloop.WithLogger(logger))
	if err != nil {
		return Services{}, err
	}

	contracts := contract.NewEnforcer(policy, logger)
	return Services{
		Logger:    logger,
		Metrics:   metrics,
		Contracts: contracts,
		Loop:      loop,
		Callbacks: callback.New(loop,
			callback.WithLogger(logger),
			callback.WithMetrics(metrics),
			callback.WithContracts(contracts)),
		Triggers: trigger.NewFactory(loop, logger, metrics),
	}, nil
}
