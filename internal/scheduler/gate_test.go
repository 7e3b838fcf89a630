package scheduler

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"scribelog/internal/cpugov"
	"scribelog/internal/job"
)

// testGovernor runs a real governor over an adjustable idle sample.
func testGovernor(t *testing.T) (*cpugov.Governor, func(float64)) {
	t.Helper()
	var idleBits atomic.Uint64
	idleBits.Store(math.Float64bits(100))

	gov := cpugov.New(cpugov.Config{
		MinIdlePct: 50,
		Window:     1,
		Interval:   5 * time.Millisecond,
		Sample:     func() (float64, error) { return math.Float64frombits(idleBits.Load()), nil },
	})
	gov.Start(context.Background())
	t.Cleanup(gov.Stop)

	feed := func(idle float64) {
		idleBits.Store(math.Float64bits(idle))
		deadline := time.Now().Add(5 * time.Second)
		for gov.MeanIdle() != idle {
			if time.Now().After(deadline) {
				t.Fatalf("governor never observed idle %.0f", idle)
			}
			time.Sleep(time.Millisecond)
		}
	}
	return gov, feed
}

func TestCPUGateHoldsDispatchUntilIdleRecovers(t *testing.T) {
	gov, feed := testGovernor(t)
	rig := newTestRig(t, Config{Governor: gov}, map[string]float64{"/audio/short.wav": 12})

	// Saturated host: mean idle 10% is under the default 50% threshold.
	feed(10)

	jobID, err := rig.scheduler.Submit("sess-1", "/audio/short.wav", "aa11", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForStatus(t, rig.registry, jobID, job.StatusInProgress)

	time.Sleep(60 * time.Millisecond)
	if rows := chunkRows(t, rig.arch, jobID); len(rows) != 0 {
		t.Fatalf("%d chunks dispatched while throttled", len(rows))
	}

	feed(90)
	rec := waitForTerminal(t, rig.registry, jobID)
	if rec.Status != job.StatusCompleted {
		t.Fatalf("status = %s (error %q)", rec.Status, rec.Error)
	}
}

// logCapture records slog messages for assertion.
type logCapture struct {
	mu       sync.Mutex
	messages []string
}

func (c *logCapture) Enabled(context.Context, slog.Level) bool { return true }

func (c *logCapture) Handle(_ context.Context, r slog.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, r.Message)
	return nil
}

func (c *logCapture) WithAttrs([]slog.Attr) slog.Handler { return c }
func (c *logCapture) WithGroup(string) slog.Handler      { return c }

func (c *logCapture) saw(msg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.messages {
		if m == msg {
			return true
		}
	}
	return false
}

func waitForMessage(t *testing.T, capture *logCapture, msg string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !capture.saw(msg) {
		if time.Now().After(deadline) {
			t.Fatalf("never logged %s", msg)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPerJobThresholdThrottleIsAnnounced(t *testing.T) {
	gov, feed := testGovernor(t)
	capture := &logCapture{}
	rig := newTestRig(t, Config{Governor: gov, Logger: slog.New(capture)},
		map[string]float64{"/audio/short.wav": 12})

	// Idle 60 clears the governor's 50% floor but not the job's own 80%
	// threshold, so only the gate can announce the throttle.
	feed(60)

	jobID, err := rig.scheduler.Submit("sess-1", "/audio/short.wav", "cc33",
		map[string]any{"cpu_idle_threshold_pct": 80.0})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForStatus(t, rig.registry, jobID, job.StatusInProgress)
	waitForMessage(t, capture, string(evDispatchThrottled))
	if rows := chunkRows(t, rig.arch, jobID); len(rows) != 0 {
		t.Fatalf("%d chunks dispatched while throttled", len(rows))
	}

	feed(95)
	rec := waitForTerminal(t, rig.registry, jobID)
	if rec.Status != job.StatusCompleted {
		t.Fatalf("status = %s (error %q)", rec.Status, rec.Error)
	}
	waitForMessage(t, capture, string(evDispatchResumed))
}

func TestPriorityBypassSkipsGate(t *testing.T) {
	gov, feed := testGovernor(t)
	rig := newTestRig(t, Config{Governor: gov}, map[string]float64{"/audio/short.wav": 12})

	feed(10)

	jobID, err := rig.scheduler.Submit("sess-1", "/audio/short.wav", "bb22",
		map[string]any{"high_priority": true})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec := waitForTerminal(t, rig.registry, jobID)
	if rec.Status != job.StatusCompleted {
		t.Fatalf("status = %s, high_priority must bypass the gate", rec.Status)
	}
}
