package adaptor

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dshills/corebridge/internal/threadsync"
	"github.com/dshills/corebridge/internal/trigger"
)

// PostRenderHook is the compositor-specific work the event thread performs
// between PostRenderStarted and PostRenderComplete. It may block.
type PostRenderHook interface {
	PostRender(ctx context.Context) error
}

// PostRenderHookFunc adapts a function to PostRenderHook.
type PostRenderHookFunc func(ctx context.Context) error

// PostRender calls f(ctx).
func (f PostRenderHookFunc) PostRender(ctx context.Context) error {
	return f(ctx)
}

// Surface is a render target that needs post-render synchronization.
type Surface struct {
	id        string
	name      string
	adaptor   *Adaptor
	hook      PostRenderHook
	handshake *threadsync.Handshake
	trigger   *trigger.Trigger
}

// AddSurface registers a surface. The render thread calls PostRender after
// each frame; the event thread runs hook and then releases it. A nil hook
// completes each cycle without extra work.
func (a *Adaptor) AddSurface(name string, hook PostRenderHook) (*Surface, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateStopped {
		return nil, fmt.Errorf("%w: add surface to a stopped adaptor", ErrInvalidState)
	}
	if _, ok := a.surfaces[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrSurfaceExists, name)
	}

	s := &Surface{
		id:      uuid.NewString(),
		name:    name,
		adaptor: a,
		hook:    hook,
	}

	t, err := a.services.Triggers.Create(s.postRenderOnEventThread, trigger.KeepAliveAfterTrigger,
		trigger.WithName("post-render:"+name))
	if err != nil {
		return nil, err
	}
	s.trigger = t

	s.handshake = threadsync.New(name, t,
		threadsync.WithLogger(a.services.Logger),
		threadsync.WithMetrics(a.services.Metrics),
		threadsync.WithContracts(a.services.Contracts),
		threadsync.WithEventThreadCheck(a.services.Loop.IsEventThread),
		threadsync.WithWaitWarning(a.cfg.Render.PostRenderWaitWarning.Std()))

	a.surfaces[name] = s
	a.logger.Debug("surface %q added (%s)", name, s.id)
	return s, nil
}

// RemoveSurface unregisters the named surface and releases a render thread
// blocked on it.
func (a *Adaptor) RemoveSurface(name string) bool {
	a.mu.Lock()
	s, ok := a.surfaces[name]
	delete(a.surfaces, name)
	a.mu.Unlock()

	if ok {
		s.close()
	}
	return ok
}

// Surface returns the named surface.
func (a *Adaptor) Surface(name string) (*Surface, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.surfaces[name]
	return s, ok
}

// ID returns the surface's unique identifier.
func (s *Surface) ID() string {
	return s.id
}

// Name returns the surface name.
func (s *Surface) Name() string {
	return s.name
}

// Handshake returns the surface's post-render handshake.
func (s *Surface) Handshake() *threadsync.Handshake {
	return s.handshake
}

// PostRender is called by the render thread after submitting a frame. It
// wakes the event thread and blocks until the post-render work is done.
// After a replacement released the previous frame early, it returns
// threadsync.ErrCompletionPending until the event thread has finished that
// frame's work; the caller skips the handshake for the frame.
func (s *Surface) PostRender() error {
	if err := s.handshake.PostRenderStarted(); err != nil {
		return err
	}
	return s.handshake.PostRenderWaitForCompletion()
}

// Replace runs replace while the surface is marked as being replaced. A
// render thread waiting on the surface is released even if replace returns
// before it wakes up.
func (s *Surface) Replace(replace func()) {
	s.handshake.SetReplacingSurface(true)
	defer s.handshake.SetReplacingSurface(false)
	if replace != nil {
		replace()
	}
}

// postRenderOnEventThread is the surface trigger's callback.
func (s *Surface) postRenderOnEventThread() {
	if s.hook != nil {
		if err := s.hook.PostRender(s.adaptor.hookContext()); err != nil {
			s.adaptor.logger.Warn("post-render hook for surface %q: %v", s.name, err)
		}
	}
	s.handshake.PostRenderComplete()
}

func (s *Surface) close() {
	// Keep the surface marked as replaced so no later wait can block.
	s.handshake.SetReplacingSurface(true)
	_ = s.trigger.Close()
}
