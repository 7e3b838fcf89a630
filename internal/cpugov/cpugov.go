// Package cpugov gates chunk dispatch on host CPU headroom. A background
// loop samples system idle time and keeps a small rolling window; dispatch
// is allowed while the window mean stays at or above the configured idle
// floor. Jobs submitted with priority bypass skip the gate entirely.
package cpugov

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"scribelog/internal/event"
	"scribelog/internal/logging"
)

var (
	evStarted   = event.MustName("CPU_SCHEDULER_STARTED")
	evThrottled = event.MustName("CPU_DISPATCH_THROTTLED")
	evResumed   = event.MustName("CPU_DISPATCH_RESUMED")
)

const (
	DefaultMinIdlePct = 50.0
	DefaultWindow     = 10
	DefaultInterval   = time.Second
)

// Config configures a Governor. Zero values take the defaults.
type Config struct {
	// MinIdlePct is the idle floor: dispatch pauses while the rolling
	// mean idle percentage is below it.
	MinIdlePct float64

	// Window is the number of samples in the rolling window.
	Window int

	// Interval is the sampling period.
	Interval time.Duration

	// Sample returns the current system idle percentage. Defaults to a
	// /proc/stat delta reader.
	Sample func() (float64, error)

	Logger *slog.Logger
}

// Governor samples CPU idle time and answers dispatch admission.
type Governor struct {
	minIdle  float64
	window   int
	interval time.Duration
	sample   func() (float64, error)
	logger   *slog.Logger

	mu        sync.Mutex
	samples   []float64
	next      int
	filled    bool
	throttled bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg Config) *Governor {
	if cfg.MinIdlePct == 0 {
		cfg.MinIdlePct = DefaultMinIdlePct
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Sample == nil {
		cfg.Sample = newProcStatSampler()
	}
	return &Governor{
		minIdle:  cfg.MinIdlePct,
		window:   cfg.Window,
		interval: cfg.Interval,
		sample:   cfg.Sample,
		logger:   logging.Default(cfg.Logger).With("component", "cpugov"),
		samples:  make([]float64, cfg.Window),
		stop:     make(chan struct{}),
	}
}

// Start launches the sampling loop. The loop runs until Stop or ctx
// cancellation.
func (g *Governor) Start(ctx context.Context) {
	g.logger.Info(string(evStarted), "min_idle_pct", g.minIdle, "window", g.window, "interval", g.interval)
	g.wg.Go(func() {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.stop:
				return
			case <-ticker.C:
				idle, err := g.sample()
				if err != nil {
					g.logger.Warn("cpu sample failed", "error", err)
					continue
				}
				g.observe(idle)
			}
		}
	})
}

// Stop halts the sampling loop and waits for it to exit.
func (g *Governor) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
	g.wg.Wait()
}

// Allow reports whether a chunk may be dispatched now. bypass is the
// job's priority flag and always admits.
func (g *Governor) Allow(bypass bool) bool {
	if bypass {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.throttled
}

// IdleAbove reports whether the rolling mean idle percentage is at or
// above pct. Jobs carrying their own idle threshold consult this instead
// of the governor's configured floor.
func (g *Governor) IdleAbove(pct float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.meanIdleLocked() >= pct
}

// MeanIdle returns the current rolling mean idle percentage. Before the
// first sample it returns 100 (no evidence of load yet).
func (g *Governor) MeanIdle() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.meanIdleLocked()
}

// observe folds one idle sample into the window and handles throttle
// transitions.
func (g *Governor) observe(idlePct float64) {
	g.mu.Lock()
	g.samples[g.next] = idlePct
	g.next = (g.next + 1) % g.window
	if g.next == 0 {
		g.filled = true
	}
	mean := g.meanIdleLocked()
	was := g.throttled
	g.throttled = mean < g.minIdle
	now := g.throttled
	g.mu.Unlock()

	if now && !was {
		g.logger.Warn(string(evThrottled), "mean_idle_pct", mean, "min_idle_pct", g.minIdle)
	}
	if !now && was {
		g.logger.Info(string(evResumed), "mean_idle_pct", mean, "min_idle_pct", g.minIdle)
	}
}

func (g *Governor) meanIdleLocked() float64 {
	n := g.window
	if !g.filled {
		n = g.next
	}
	if n == 0 {
		return 100
	}
	var sum float64
	for _, s := range g.samples[:n] {
		sum += s
	}
	return sum / float64(n)
}
