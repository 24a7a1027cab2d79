// Package main runs the corebridge event/render thread core as a demo: the
// main goroutine is the event thread, a render goroutine drives one surface's
// post-render handshake per frame, and the terminal feeds input events.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/dshills/corebridge/internal/adaptor"
	"github.com/dshills/corebridge/internal/config"
	"github.com/dshills/corebridge/internal/coreevent"
	"github.com/dshills/corebridge/internal/eventcb"
	"github.com/dshills/corebridge/internal/input/terminal"
	"github.com/dshills/corebridge/internal/logging"
	"github.com/dshills/corebridge/internal/perf"
	"github.com/dshills/corebridge/internal/threadsync"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type options struct {
	ConfigPath string
	LogLevel   string
	Strict     bool
	Frames     int
	FPS        int
	Headless   bool
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n", err)
		return 1
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if opts.Strict {
		cfg.Contracts.Strict = true
	}
	if opts.FPS > 0 {
		cfg.Render.FPS = opts.FPS
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel(), Output: os.Stderr, Prefix: "corebridge"})

	var screen tcell.Screen
	var finiOnce sync.Once
	fini := func() {
		if screen != nil {
			finiOnce.Do(screen.Fini)
		}
	}
	if !opts.Headless {
		screen, err = tcell.NewScreen()
		if err == nil {
			err = screen.Init()
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to initialize terminal: %v\n", err)
			return 1
		}
		screen.EnableMouse()
		// Log lines would corrupt the terminal.
		logger.Disable()
		defer fini()
	}

	scene := &scene{logger: logger.WithComponent("scene")}
	a, err := adaptor.New(cfg, scene,
		adaptor.WithLogger(logger),
		adaptor.WithConfigPath(opts.ConfigPath),
		adaptor.WithReloadHook(func(c *config.Config) {
			logger.Info("configuration reloaded from %s", opts.ConfigPath)
		}))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		return 1
	}
	scene.stop = func() { _ = a.Stop() }

	frames := &atomic.Uint64{}
	surface, err := a.AddSurface("main", adaptor.PostRenderHookFunc(func(ctx context.Context) error {
		n := frames.Add(1)
		if screen != nil {
			drawStatus(screen, n, scene.count.Load())
		}
		return nil
	}))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to add surface: %v\n", err)
		return 1
	}

	// A background load reporting back to the event thread once.
	loaded, err := a.NewEventThreadCallback(func() {
		logger.Info("background resources loaded")
	}, eventcb.Once(), eventcb.WithName("resource-loader"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if screen != nil {
		source := terminal.NewSource(screen, a, terminal.WithLogger(logger))
		if err := source.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		defer source.Stop()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		loaded.Trigger()
	}()
	go func() {
		defer wg.Done()
		renderLoop(ctx, surface, cfg.Render.FPS, opts.Frames, logger)
		_ = a.Stop()
	}()

	runErr := a.Run(ctx)
	cancel()
	wg.Wait()

	fini()
	printSummary(os.Stdout, a.Services().Metrics.Snapshot(), frames.Load(), scene.count.Load())

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		return 1
	}
	return 0
}

// renderLoop plays the render thread: one frame per tick, each followed by
// the surface's post-render handshake.
func renderLoop(ctx context.Context, surface *adaptor.Surface, fps, limit int, logger *logging.Logger) {
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for n := 0; limit <= 0 || n < limit; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := surface.PostRender(); err != nil {
			if errors.Is(err, threadsync.ErrCompletionPending) {
				logger.Debug("frame %d: previous post-render work still pending", n)
				continue
			}
			logger.Error("frame %d: %v", n, err)
			return
		}
	}
}

// scene stands in for the scene graph.
type scene struct {
	logger *logging.Logger
	count  atomic.Uint64
	stop   func()
}

func (s *scene) ProcessEvent(ev coreevent.Event) {
	s.count.Add(1)
	s.logger.Debug("%s event from %s: %+v", ev.Kind, ev.Source, ev.Payload)

	if key, ok := ev.Payload.(coreevent.KeyPress); ok {
		if key.Rune == 'q' || key.Code == int(tcell.KeyEscape) || key.Code == int(tcell.KeyCtrlC) {
			s.stop()
		}
	}
}

func drawStatus(screen tcell.Screen, frames, events uint64) {
	line := fmt.Sprintf(" corebridge  frames=%d  events=%d  (q to quit) ", frames, events)
	style := tcell.StyleDefault.Reverse(true)
	for i, r := range line {
		screen.SetContent(i, 0, r, nil, style)
	}
	screen.Show()
}

func printSummary(w io.Writer, s perf.Snapshot, frames, events uint64) {
	fmt.Fprintf(w, "uptime:             %v\n", s.Uptime.Round(time.Millisecond))
	fmt.Fprintf(w, "frames:             %d\n", frames)
	fmt.Fprintf(w, "post-render cycles: %d (wait avg %v, max %v)\n",
		s.PostRenderCycles, s.AvgWait(), time.Duration(s.MaxWaitNs))
	fmt.Fprintf(w, "core events:        %d processed of %d queued, max depth %d\n",
		events, s.EventsQueued, s.MaxQueueDepth)
	fmt.Fprintf(w, "triggers:           %d fired, %d delivered\n", s.TriggersFired, s.TriggersDelivered)
	fmt.Fprintf(w, "idle callbacks:     %d\n", s.IdleRuns)
	// Markers in declaration order so the summary is stable across runs.
	for _, marker := range slices.Sorted(maps.Keys(s.Markers)) {
		fmt.Fprintf(w, "  %-22s %d\n", marker, s.Markers[marker])
	}
}

func parseFlags() options {
	var opts options
	var showVersion bool

	flag.StringVar(&opts.ConfigPath, "config", "", "Path to configuration file (.toml, .yaml)")
	flag.StringVar(&opts.ConfigPath, "c", "", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.BoolVar(&opts.Strict, "strict", false, "Panic on contract violations")
	flag.IntVar(&opts.Frames, "frames", 0, "Stop after rendering this many frames (0 = until interrupted)")
	flag.IntVar(&opts.FPS, "fps", 0, "Frames per second of the render thread (default from config)")
	flag.BoolVar(&opts.Headless, "headless", false, "Run without a terminal")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "corebridge - event/render thread synchronization core\n\n")
		fmt.Fprintf(os.Stderr, "Usage: corebridge [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  corebridge                         Interactive terminal demo\n")
		fmt.Fprintf(os.Stderr, "  corebridge -headless -frames 120   Render 120 frames and print metrics\n")
		fmt.Fprintf(os.Stderr, "  corebridge -c corebridge.toml      Load and watch a config file\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("corebridge %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	switch opts.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		fmt.Fprintf(os.Stderr, "Error: invalid log level %q (must be debug, info, warn, or error)\n", opts.LogLevel)
		os.Exit(1)
	}

	return opts
}
