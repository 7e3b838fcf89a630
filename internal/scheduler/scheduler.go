// Package scheduler admits diarization jobs, bounds their concurrency, and
// drives chunks through transcription into the archive.
//
// The model is cooperative at the dispatch boundary and parallel inside a
// job: a single admission loop decides which job runs, a bounded worker
// group processes its chunks, and a per-job persistence lane drains results
// strictly in chunk order.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"scribelog/internal/archive"
	"scribelog/internal/asr"
	"scribelog/internal/audit"
	"scribelog/internal/cpugov"
	"scribelog/internal/event"
	"scribelog/internal/job"
	"scribelog/internal/logging"
)

var ErrQueueFull = errors.New("submission queue full")

var (
	evDispatchThrottled = event.MustName("CPU_DISPATCH_THROTTLED")
	evDispatchResumed   = event.MustName("CPU_DISPATCH_RESUMED")
)

const defaultQueueDepth = 256

// DurationProbe reports the playable length of an audio file in seconds.
type DurationProbe func(path string) (float64, error)

// Config configures a Scheduler.
type Config struct {
	Registry *job.Registry
	Archive  *archive.Archive
	Ledger   *audit.Ledger
	Governor *cpugov.Governor

	// Transcriber and Classifier are the guarded adapters. Classifier may
	// be nil; jobs requesting classification then label every chunk
	// UNKNOWN.
	Transcriber  asr.Transcriber
	Classifier   asr.Classifier
	Materializer asr.Materializer
	Probe        DurationProbe

	// MaxActiveJobs caps concurrently running jobs. Defaults to 1.
	MaxActiveJobs int

	// QueueDepth bounds waiting submissions. Defaults to 256.
	QueueDepth int

	// GateInterval is the sleep between CPU gate polls. Defaults to the
	// governor sample interval.
	GateInterval time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

type jobState struct {
	cancelled atomic.Bool
}

// Scheduler runs jobs in FIFO order under the active-job semaphore.
type Scheduler struct {
	registry     *job.Registry
	arch         *archive.Archive
	ledger       *audit.Ledger
	governor     *cpugov.Governor
	transcriber  asr.Transcriber
	classifier   asr.Classifier
	materializer asr.Materializer
	probe        DurationProbe
	gateInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger

	sem   *semaphore.Weighted
	queue chan string

	mu     sync.Mutex
	states map[string]*jobState

	runCtx   context.Context
	runStop  context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.Registry == nil || cfg.Archive == nil || cfg.Ledger == nil {
		return nil, errors.New("scheduler requires a registry, an archive, and a ledger")
	}
	if cfg.Transcriber == nil || cfg.Materializer == nil || cfg.Probe == nil {
		return nil, errors.New("scheduler requires a transcriber, materializer, and duration probe")
	}
	if cfg.MaxActiveJobs < 1 {
		cfg.MaxActiveJobs = 1
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.GateInterval <= 0 {
		cfg.GateInterval = cpugov.DefaultInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		registry:     cfg.Registry,
		arch:         cfg.Archive,
		ledger:       cfg.Ledger,
		governor:     cfg.Governor,
		transcriber:  cfg.Transcriber,
		classifier:   cfg.Classifier,
		materializer: cfg.Materializer,
		probe:        cfg.Probe,
		gateInterval: cfg.GateInterval,
		now:          cfg.Now,
		logger:       logging.Default(cfg.Logger).With("component", "scheduler"),
		sem:          semaphore.NewWeighted(int64(cfg.MaxActiveJobs)),
		queue:        make(chan string, cfg.QueueDepth),
		states:       make(map[string]*jobState),
	}, nil
}

// Start launches the admission loop. Jobs submitted before Start wait in
// the queue.
func (s *Scheduler) Start(ctx context.Context) {
	s.runCtx, s.runStop = context.WithCancel(ctx)
	s.wg.Go(func() {
		for {
			select {
			case <-s.runCtx.Done():
				return
			case jobID := <-s.queue:
				if err := s.sem.Acquire(s.runCtx, 1); err != nil {
					return
				}
				s.wg.Go(func() {
					defer s.sem.Release(1)
					s.runJob(s.runCtx, jobID)
				})
			}
		}
	})
}

// Stop halts admission and waits for running jobs to wind down. Jobs
// interrupted mid-flight stay IN_PROGRESS and are failed by the orphan
// scan on next startup.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.runStop != nil {
			s.runStop()
		}
		s.wg.Wait()
	})
}

// Submit admits a job and returns its ID immediately. The job starts
// PENDING and runs when the admission loop reaches it.
func (s *Scheduler) Submit(sessionID, audioPath, audioHash string, opts map[string]any) (string, error) {
	cfg, err := job.ParseConfig(opts)
	if err != nil {
		return "", err
	}
	rec, err := s.registry.Create(sessionID, audioPath, audioHash, cfg)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.states[rec.JobID] = &jobState{}
	s.mu.Unlock()

	select {
	case s.queue <- rec.JobID:
	default:
		// The registry entry stands; the job fails closed rather than
		// waiting for a slot that may never come.
		if terr := s.registry.Transition(rec.JobID, job.StatusCancelled, "submission queue full"); terr != nil {
			return "", terr
		}
		return "", fmt.Errorf("%w: job %s rejected", ErrQueueFull, rec.JobID)
	}
	return rec.JobID, nil
}

// EnqueuePending queues jobs that were admitted by an earlier process and
// never ran. Call it once after the restart orphan scan, before Start.
// Returns the IDs queued; jobs that do not fit in the queue are left
// PENDING for the next restart.
func (s *Scheduler) EnqueuePending() []string {
	recs := s.registry.List()
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })

	var queued []string
	for _, rec := range recs {
		if rec.Status != job.StatusPending {
			continue
		}
		s.mu.Lock()
		s.states[rec.JobID] = &jobState{}
		s.mu.Unlock()
		select {
		case s.queue <- rec.JobID:
			queued = append(queued, rec.JobID)
		default:
			s.logger.Warn("queue full, job stays pending", "job_id", rec.JobID)
		}
	}
	return queued
}

// Cancel requests cancellation. A PENDING job is cancelled on the spot; a
// running job finishes its in-flight chunks, persists them, and then
// transitions. Terminal jobs are not cancellable.
func (s *Scheduler) Cancel(jobID string) error {
	if err := s.registry.Cancellable(jobID); err != nil {
		return err
	}
	st := s.state(jobID)
	st.cancelled.Store(true)

	rec, err := s.registry.Get(jobID)
	if err != nil {
		return err
	}
	if rec.Status == job.StatusPending {
		return s.registry.Transition(jobID, job.StatusCancelled, "")
	}
	return nil
}

func (s *Scheduler) state(jobID string) *jobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[jobID]
	if !ok {
		st = &jobState{}
		s.states[jobID] = st
	}
	return st
}

// gate blocks until the CPU governor admits a dispatch, the job carries
// priority bypass, or ctx ends. In-flight work is never preempted, only
// new dispatch waits here. The governor only announces its own idle floor,
// so a job held at its per-job threshold logs the throttle and resume
// edges from here.
func (s *Scheduler) gate(ctx context.Context, rec job.Record) error {
	if s.governor == nil || rec.Config.HighPriority {
		return nil
	}
	throttled := false
	for {
		if s.governor.IdleAbove(rec.Config.CPUIdleThresholdPct) {
			if throttled {
				s.logger.Info(string(evDispatchResumed), "job_id", rec.JobID,
					"threshold_pct", rec.Config.CPUIdleThresholdPct, "mean_idle_pct", s.governor.MeanIdle())
			}
			return nil
		}
		if !throttled {
			throttled = true
			s.logger.Warn(string(evDispatchThrottled), "job_id", rec.JobID,
				"threshold_pct", rec.Config.CPUIdleThresholdPct, "mean_idle_pct", s.governor.MeanIdle())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.gateInterval):
		}
	}
}
