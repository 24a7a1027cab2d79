package runloop

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/dshills/corebridge/internal/contract"
	"github.com/dshills/corebridge/internal/logging"
)

// Loop states.
const (
	stateAwake int32 = iota
	stateRunning
	stateTerminated
)

// Loop is the event thread's run loop.
//
// A Loop multiplexes its own wake primitive and any number of registered
// wake sources with poll(2). Posted tasks run first on every pass, then the
// handlers of ready wake sources, and, when nothing was ready, one pass over
// the installed idlers.
type Loop struct {
	logger *logging.Logger

	mu      sync.Mutex
	tasks   []func()
	spare   []func()
	sources map[int]*WakeSource
	closing []*WakeSource
	idlers  []*Idler

	wake        *wakeFD
	wakePending atomic.Bool

	state     atomic.Int32
	quit      atomic.Bool
	ownerID   atomic.Uint64
	creatorID uint64
	done      chan struct{}

	// pollFds and pollSources are only touched by the loop goroutine.
	pollFds     []unix.PollFd
	pollSources []*WakeSource
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger used for handler panics and poll failures.
func WithLogger(l *logging.Logger) Option {
	return func(loop *Loop) {
		if l != nil {
			loop.logger = l.WithComponent("runloop")
		}
	}
}

// New creates a loop owned by the calling goroutine until Run is called.
// It fails only when the wake primitive cannot be created.
func New(opts ...Option) (*Loop, error) {
	wake, err := newWakeFD()
	if err != nil {
		return nil, err
	}

	l := &Loop{
		logger:    logging.NullLogger(),
		sources:   make(map[int]*WakeSource),
		wake:      wake,
		creatorID: goroutineID(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Run runs the loop on the calling goroutine and blocks until Quit is
// called, ctx is cancelled, or polling fails. The calling goroutine is
// locked to its OS thread for the duration and becomes the event thread.
// A loop runs at most once.
func (l *Loop) Run(ctx context.Context) error {
	if l.ownerID.Load() == goroutineID() {
		return ErrReentrantRun
	}
	if !l.state.CompareAndSwap(stateAwake, stateRunning) {
		if l.state.Load() == stateTerminated {
			return ErrTerminated
		}
		return ErrAlreadyRunning
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.ownerID.Store(goroutineID())
	defer l.terminate()

	stop := context.AfterFunc(ctx, l.Quit)
	defer stop()

	for !l.quit.Load() {
		l.closeRemoved()
		l.runTasks()
		if l.quit.Load() {
			break
		}

		timeout := -1
		if l.hasPendingWork() {
			timeout = 0
		}

		ready, err := l.poll(timeout)
		if err != nil {
			l.logger.Error("poll failed: %v", err)
			return err
		}

		if ready == 0 && !l.hasTasks() {
			l.runIdlers()
		}
	}

	return ctx.Err()
}

// Quit asks the loop to exit after the current pass.
// It may be called from any goroutine and never blocks.
func (l *Loop) Quit() {
	l.quit.Store(true)
	l.wakeup()
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Running reports whether Run is currently executing.
func (l *Loop) Running() bool {
	return l.state.Load() == stateRunning
}

// IsEventThread reports whether the caller is on the event thread: the
// goroutine running the loop or, while the loop is not running, the
// goroutine that created it.
func (l *Loop) IsEventThread() bool {
	id := goroutineID()
	if owner := l.ownerID.Load(); owner != 0 {
		return id == owner
	}
	return id == l.creatorID
}

// Post schedules fn to run on the event thread. Tasks run in the order they
// were posted. Post never blocks.
func (l *Loop) Post(fn func()) error {
	if fn == nil {
		return nil
	}

	l.mu.Lock()
	if l.state.Load() == stateTerminated {
		l.mu.Unlock()
		return ErrTerminated
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	l.wakeup()
	return nil
}

// AddWakeSource creates a wake primitive whose handler runs on the event
// thread each time the source is signalled. Signals that arrive before the
// handler runs are coalesced into one invocation.
func (l *Loop) AddWakeSource(handler func()) (*WakeSource, error) {
	if l.state.Load() == stateTerminated {
		return nil, ErrTerminated
	}

	fd, err := newWakeFD()
	if err != nil {
		return nil, err
	}
	ws := &WakeSource{fd: fd, handler: handler, loop: l}

	l.mu.Lock()
	l.sources[fd.readFD()] = ws
	l.mu.Unlock()

	// A loop blocked in poll must rebuild its descriptor set.
	l.wakeup()
	return ws, nil
}

// RemoveWakeSource unregisters ws and releases its descriptors. It may be
// called from any goroutine, including from ws's own handler.
func (l *Loop) RemoveWakeSource(ws *WakeSource) {
	if ws == nil {
		return
	}

	l.mu.Lock()
	if cur, ok := l.sources[ws.fd.readFD()]; !ok || cur != ws {
		l.mu.Unlock()
		return
	}
	delete(l.sources, ws.fd.readFD())
	ws.markRemoved()

	// Descriptors in an in-flight poll set cannot be closed under it.
	if l.state.Load() == stateRunning && !l.IsEventThread() {
		l.closing = append(l.closing, ws)
		l.mu.Unlock()
		l.wakeup()
		return
	}
	l.mu.Unlock()

	ws.close()
}

// AddIdler installs fn to run whenever the loop is idle. fn returning false
// uninstalls it.
func (l *Loop) AddIdler(fn func() bool) *Idler {
	idler := &Idler{fn: fn}

	l.mu.Lock()
	l.idlers = append(l.idlers, idler)
	l.mu.Unlock()

	// A loop blocked in poll must switch to non-blocking polling.
	l.wakeup()
	return idler
}

// RemoveIdler uninstalls idler. It will not be invoked again once
// RemoveIdler returns, unless it is currently executing.
func (l *Loop) RemoveIdler(idler *Idler) {
	if idler == nil {
		return
	}
	idler.removed.Store(true)

	l.mu.Lock()
	l.removeIdlerLocked(idler)
	l.mu.Unlock()
}

// IdlerCount returns the number of installed idlers.
func (l *Loop) IdlerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.idlers)
}

func (l *Loop) removeIdlerLocked(idler *Idler) {
	for i, cur := range l.idlers {
		if cur == idler {
			l.idlers = append(l.idlers[:i], l.idlers[i+1:]...)
			return
		}
	}
}

// wakeup signals the loop's own wake primitive, deduplicating signals that
// have not been drained yet.
func (l *Loop) wakeup() {
	if !l.wakePending.CompareAndSwap(false, true) {
		return
	}
	if err := l.wake.signal(); err != nil && !errors.Is(err, ErrSourceClosed) {
		l.logger.Warn("wake signal failed: %v", err)
	}
}

func (l *Loop) hasTasks() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks) > 0
}

func (l *Loop) hasPendingWork() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks) > 0 || len(l.idlers) > 0
}

// runTasks swaps out the posted tasks and runs them in order.
func (l *Loop) runTasks() {
	l.mu.Lock()
	if len(l.tasks) == 0 {
		l.mu.Unlock()
		return
	}
	batch := l.tasks
	l.tasks = l.spare[:0]
	l.mu.Unlock()

	for i, fn := range batch {
		l.safeExecute("task", fn)
		batch[i] = nil
	}

	l.mu.Lock()
	l.spare = batch[:0]
	l.mu.Unlock()
}

// poll waits for ready wake sources and dispatches their handlers.
// It returns the number of ready user sources.
func (l *Loop) poll(timeout int) (int, error) {
	l.mu.Lock()
	l.pollFds = append(l.pollFds[:0], unix.PollFd{Fd: int32(l.wake.readFD()), Events: unix.POLLIN})
	l.pollSources = append(l.pollSources[:0], nil)
	for fd, ws := range l.sources {
		l.pollFds = append(l.pollFds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		l.pollSources = append(l.pollSources, ws)
	}
	l.mu.Unlock()

	n, err := unix.Poll(l.pollFds, timeout)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, &WakeError{Op: "poll", Err: err}
	}
	if n == 0 {
		return 0, nil
	}

	ready := 0
	for i, pfd := range l.pollFds {
		if pfd.Revents == 0 {
			continue
		}

		ws := l.pollSources[i]
		if ws == nil {
			l.wake.drain()
			l.wakePending.Store(false)
			continue
		}

		// An earlier handler in this pass may have removed ws.
		if ws.isRemoved() {
			continue
		}

		ready++
		ws.fd.drain()
		if ws.handler != nil {
			l.safeExecute("wake source", ws.handler)
		}
	}
	clear(l.pollSources)
	return ready, nil
}

// runIdlers gives every installed idler one invocation.
func (l *Loop) runIdlers() {
	l.mu.Lock()
	if len(l.idlers) == 0 {
		l.mu.Unlock()
		return
	}
	snapshot := make([]*Idler, len(l.idlers))
	copy(snapshot, l.idlers)
	l.mu.Unlock()

	for _, idler := range snapshot {
		if idler.removed.Load() {
			continue
		}

		keep := false
		l.safeExecute("idler", func() { keep = idler.fn() })
		if !keep {
			l.RemoveIdler(idler)
		}
	}
}

// closeRemoved releases sources removed from other goroutines while polling.
func (l *Loop) closeRemoved() {
	l.mu.Lock()
	closing := l.closing
	l.closing = nil
	l.mu.Unlock()

	for _, ws := range closing {
		ws.close()
	}
}

// terminate releases every descriptor owned by the loop.
func (l *Loop) terminate() {
	l.mu.Lock()
	l.state.Store(stateTerminated)
	sources := make([]*WakeSource, 0, len(l.sources)+len(l.closing))
	for _, ws := range l.sources {
		ws.markRemoved()
		sources = append(sources, ws)
	}
	sources = append(sources, l.closing...)
	l.sources = make(map[int]*WakeSource)
	l.closing = nil
	l.idlers = nil
	l.tasks = nil
	l.mu.Unlock()

	for _, ws := range sources {
		ws.close()
	}
	_ = l.wake.close()
	l.ownerID.Store(0)
	close(l.done)
}

// Close releases the loop's descriptors without running it. It is only
// needed for loops that were created but never run.
func (l *Loop) Close() error {
	if !l.state.CompareAndSwap(stateAwake, stateRunning) {
		return nil
	}
	l.terminate()
	return nil
}

func (l *Loop) safeExecute(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if contract.IsViolation(r) {
				panic(r)
			}
			l.logger.Error("%s panicked: %v\n%s", kind, r, debug.Stack())
		}
	}()
	fn()
}

// Idler is an installed idle handler.
type Idler struct {
	fn      func() bool
	removed atomic.Bool
}
