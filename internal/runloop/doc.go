// Package runloop provides the native run loop of the event thread.
//
// The loop is the registration point the rest of the core builds on:
// wake sources (one OS descriptor each, eventfd on Linux and a pipe on other
// unix systems) back the cross-thread triggers, and idlers back the idle
// callback manager. Everything registered with a loop runs on the goroutine
// that called Run, which is locked to its OS thread and is referred to as
// the event thread.
//
// Usage:
//
//	loop, err := runloop.New()
//	if err != nil {
//	    return err // out of descriptors
//	}
//	ws, _ := loop.AddWakeSource(func() { /* on the event thread */ })
//	go func() { _ = ws.Signal() }()
//	_ = loop.Run(ctx)
//
// The package builds on unix systems only.
package runloop
