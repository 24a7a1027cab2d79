package trigger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dshills/corebridge/internal/perf"
	"github.com/dshills/corebridge/internal/runloop"
)

func runLoop(t *testing.T) *runloop.Loop {
	t.Helper()

	loop, err := runloop.New()
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- loop.Run(context.Background()) }()
	require.Eventually(t, loop.Running, time.Second, time.Millisecond)

	t.Cleanup(func() {
		loop.Quit()
		select {
		case <-errc:
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not stop")
		}
	})
	return loop
}

func wait(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, func() {}, KeepAliveAfterTrigger)
	require.ErrorIs(t, err, ErrNilLoop)

	loop, err := runloop.New()
	require.NoError(t, err)
	defer loop.Close()

	_, err = New(loop, nil, KeepAliveAfterTrigger)
	require.ErrorIs(t, err, ErrNilCallback)
}

func TestNew_TerminatedLoopIsResourceError(t *testing.T) {
	loop, err := runloop.New()
	require.NoError(t, err)
	require.NoError(t, loop.Close())

	_, err = New(loop, func() {}, KeepAliveAfterTrigger)

	var re *ResourceError
	require.True(t, errors.As(err, &re), "got %T", err)
	require.Equal(t, "register", re.Op)
	require.ErrorIs(t, err, runloop.ErrTerminated)
}

func TestTrigger_RunsOnEventThread(t *testing.T) {
	loop := runLoop(t)

	done := make(chan struct{})
	var onLoop atomic.Bool
	trig, err := New(loop, func() {
		onLoop.Store(loop.IsEventThread())
		close(done)
	}, KeepAliveAfterTrigger)
	require.NoError(t, err)
	defer trig.Close()

	go trig.Trigger()

	wait(t, done, "callback")
	require.True(t, onLoop.Load())
	require.NotEmpty(t, trig.ID())
}

// A Trigger call made while the callback is running must not be lost.
func TestTrigger_AtLeastOnceWhileRunning(t *testing.T) {
	loop := runLoop(t)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var calls atomic.Int32
	second := make(chan struct{})

	trig, err := New(loop, func() {
		switch calls.Add(1) {
		case 1:
			entered <- struct{}{}
			<-release
		case 2:
			close(second)
		}
	}, KeepAliveAfterTrigger)
	require.NoError(t, err)
	defer trig.Close()

	trig.Trigger()
	wait(t, entered, "first invocation")

	trig.Trigger()
	close(release)

	wait(t, second, "second invocation")
}

func TestTrigger_Coalesces(t *testing.T) {
	loop, err := runloop.New()
	require.NoError(t, err)

	var calls atomic.Int32
	trig, err := New(loop, func() { calls.Add(1) }, KeepAliveAfterTrigger)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		trig.Trigger()
	}

	errc := make(chan error, 1)
	go func() { errc <- loop.Run(context.Background()) }()
	defer func() {
		loop.Quit()
		<-errc
	}()

	require.Eventually(t, func() bool { return calls.Load() > 0 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
}

func TestTrigger_DeleteAfterTrigger(t *testing.T) {
	loop := runLoop(t)

	var calls atomic.Int32
	done := make(chan struct{})
	trig, err := New(loop, func() {
		if calls.Add(1) == 1 {
			close(done)
		}
	}, DeleteAfterTrigger)
	require.NoError(t, err)
	require.Equal(t, DeleteAfterTrigger, trig.Retention())

	trig.Trigger()
	wait(t, done, "callback")

	require.Eventually(t, trig.Closed, time.Second, time.Millisecond)

	// Further calls are harmless no-ops.
	trig.Trigger()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
}

func TestTrigger_DeleteAfterTriggerClosesOnPanic(t *testing.T) {
	loop := runLoop(t)

	trig, err := New(loop, func() { panic("callback failed") }, DeleteAfterTrigger)
	require.NoError(t, err)

	trig.Trigger()
	require.Eventually(t, trig.Closed, time.Second, time.Millisecond)
}

func TestTrigger_CloseIsIdempotent(t *testing.T) {
	loop := runLoop(t)

	var calls atomic.Int32
	trig, err := New(loop, func() { calls.Add(1) }, KeepAliveAfterTrigger)
	require.NoError(t, err)

	require.NoError(t, trig.Close())
	require.NoError(t, trig.Close())

	trig.Trigger()
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, calls.Load())
}

func TestTrigger_ConcurrentTriggerAndClose(t *testing.T) {
	loop := runLoop(t)

	trig, err := New(loop, func() {}, KeepAliveAfterTrigger)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				trig.Trigger()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(time.Millisecond)
		_ = trig.Close()
	}()
	wg.Wait()

	require.True(t, trig.Closed())
}

func TestFactory_RecordsMetrics(t *testing.T) {
	loop := runLoop(t)
	metrics := perf.NewMetrics()
	f := NewFactory(loop, nil, metrics)
	require.Same(t, loop, f.Loop())

	done := make(chan struct{})
	trig, err := f.Create(func() { close(done) }, DeleteAfterTrigger, WithName("test"))
	require.NoError(t, err)

	trig.Trigger()
	wait(t, done, "callback")

	s := metrics.Snapshot()
	require.Equal(t, uint64(1), s.TriggersFired)
	require.Equal(t, uint64(1), s.TriggersDelivered)
}

func TestRetention_String(t *testing.T) {
	require.Equal(t, "keep-alive", KeepAliveAfterTrigger.String())
	require.Equal(t, "delete-after-trigger", DeleteAfterTrigger.String())
	require.Equal(t, "unknown", Retention(9).String())
}
