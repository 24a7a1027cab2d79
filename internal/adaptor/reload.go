package adaptor

import "github.com/dshills/corebridge/internal/config"

// Reload applies cfg on the event thread. It may be called from any
// goroutine; if several reloads arrive before the event thread runs, only
// the latest is applied.
func (a *Adaptor) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.pendingConfig.Store(cfg.Clone())
	a.reload.Trigger()
	return nil
}

// handleReload receives configurations from the file watcher.
func (a *Adaptor) handleReload(cfg *config.Config, err error) {
	if err != nil {
		a.logger.Warn("keeping current configuration: %v", err)
		return
	}
	if err := a.Reload(cfg); err != nil {
		a.logger.Warn("rejected reloaded configuration: %v", err)
	}
}

// applyPendingConfig runs on the event thread.
func (a *Adaptor) applyPendingConfig() {
	cfg := a.pendingConfig.Swap(nil)
	if cfg == nil {
		return
	}

	a.services.Logger.SetLevel(cfg.LogLevel())
	a.services.Contracts.SetPolicy(cfg.ContractPolicy())
	a.queue.SetWarnDepth(cfg.Queue.WarnDepth)

	a.mu.Lock()
	a.cfg = cfg
	for _, s := range a.surfaces {
		s.handshake.SetWaitWarning(cfg.Render.PostRenderWaitWarning.Std())
	}
	a.mu.Unlock()

	a.logger.Info("configuration applied (level=%s, warn_depth=%d, strict=%t)",
		cfg.LogLevel(), cfg.Queue.WarnDepth, cfg.Contracts.Strict)

	if a.onReload != nil {
		a.onReload(cfg)
	}
}
