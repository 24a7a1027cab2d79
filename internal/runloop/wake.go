package runloop

import (
	"sync"
	"sync/atomic"
)

// WakeSource is a registered wake primitive. Signal may be called from any
// goroutine; the source's handler runs on the event thread.
type WakeSource struct {
	fd      *wakeFD
	handler func()
	loop    *Loop
	removed atomic.Bool
}

// Signal wakes the loop and schedules the source's handler. It never blocks.
// Signals sent before the handler runs are coalesced. Signalling a removed
// source returns ErrSourceClosed.
func (ws *WakeSource) Signal() error {
	if ws.removed.Load() {
		return ErrSourceClosed
	}
	return ws.fd.signal()
}

// Remove unregisters the source from its loop.
func (ws *WakeSource) Remove() {
	ws.loop.RemoveWakeSource(ws)
}

func (ws *WakeSource) markRemoved() {
	ws.removed.Store(true)
}

func (ws *WakeSource) isRemoved() bool {
	return ws.removed.Load()
}

func (ws *WakeSource) close() {
	_ = ws.fd.close()
}

// wakeFD is a non-blocking, close-on-exec wake primitive. On Linux it is an
// eventfd (read and write ends are the same descriptor); elsewhere a pipe.
type wakeFD struct {
	mu     sync.RWMutex
	r, w   int
	closed bool
}

func (f *wakeFD) readFD() int {
	return f.r
}

// signal writes one wake-up. A full pipe or saturated eventfd already has a
// pending wake-up, so EAGAIN is not an error.
func (f *wakeFD) signal() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrSourceClosed
	}
	return writeWake(f.w)
}

// drain consumes every pending wake-up.
func (f *wakeFD) drain() {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	drainWake(f.r)
}

func (f *wakeFD) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return closeWake(f.r, f.w)
}
