package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/time/rate"

	"scribelog/internal/archive"
	"scribelog/internal/asr"
	"scribelog/internal/audit"
	"scribelog/internal/cpugov"
	"scribelog/internal/event"
	"scribelog/internal/janitor"
	"scribelog/internal/job"
	"scribelog/internal/policy"
	"scribelog/internal/scheduler"
	"scribelog/internal/spool"
	"scribelog/internal/status"
)

// runServe wires the whole engine together and blocks until ctx ends.
func runServe(ctx context.Context, logger *slog.Logger, set *Settings) error {
	if set.Transcriber.Command == "" {
		return errors.New("transcriber.command is required to serve")
	}

	if err := os.MkdirAll(set.Archive.Dir, 0o755); err != nil {
		return err
	}

	// The ledger is built on the archive, so integrity incidents reach it
	// through a late-bound callback.
	var ledgerRef atomic.Pointer[audit.Ledger]
	arch, err := archive.Open(archive.Config{
		Dir:    set.Archive.Dir,
		Owner:  set.Archive.Owner,
		Logger: logger,
		OnIntegrityEvent: func(label event.Name, detail string) {
			ledger := ledgerRef.Load()
			if ledger == nil {
				return
			}
			if _, err := ledger.Append(label, "archive", "", nil, nil, audit.StatusFailed,
				map[string]any{"detail": detail}); err != nil {
				logger.Error("integrity event not audited", "label", label, "error", err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer arch.Close()

	ledger, err := audit.New(audit.Config{Archive: arch, Logger: logger})
	if err != nil {
		return err
	}
	ledgerRef.Store(ledger)
	registry, err := job.NewRegistry(job.RegistryConfig{Archive: arch, Ledger: ledger, Logger: logger})
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	orphans, err := registry.MarkRestartOrphans()
	if err != nil {
		return fmt.Errorf("restart orphan scan: %w", err)
	}
	if len(orphans) > 0 {
		logger.Warn("failed jobs interrupted by restart", "count", len(orphans))
	}

	governor := cpugov.New(cpugov.Config{
		MinIdlePct: set.Governor.MinIdlePct,
		Window:     set.Governor.Window,
		Interval:   set.Governor.Interval,
		Logger:     logger,
	})
	governor.Start(ctx)
	defer governor.Stop()

	guard, err := policy.NewGuard(policy.Config{
		Ledger:           ledger,
		AllowedEndpoints: set.Policy.AllowedEndpoints,
		RateLimit:        rate.Limit(set.Policy.RateLimit),
		RateBurst:        set.Policy.RateBurst,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	transcriber := guard.Transcriber(
		asr.ExecTranscriber{Command: set.Transcriber.Command, Args: set.Transcriber.Args},
		set.Transcriber.Command, set.Archive.Owner)
	var classifier asr.Classifier
	if set.Classifier.Command != "" {
		classifier = guard.Classifier(
			asr.ExecClassifier{Command: set.Classifier.Command, Args: set.Classifier.Args},
			set.Classifier.Command, set.Archive.Owner)
	}

	sliceDir := set.Slices.Dir
	if sliceDir == "" {
		sliceDir = filepath.Join(set.Archive.Dir, "slices")
	}
	if err := os.MkdirAll(sliceDir, 0o755); err != nil {
		return err
	}

	sched, err := scheduler.New(scheduler.Config{
		Registry:      registry,
		Archive:       arch,
		Ledger:        ledger,
		Governor:      governor,
		Transcriber:   transcriber,
		Classifier:    classifier,
		Materializer:  asr.WAVMaterializer{Dir: sliceDir},
		Probe:         asr.ProbeWAVDuration,
		MaxActiveJobs: set.Scheduler.MaxActiveJobs,
		QueueDepth:    set.Scheduler.QueueDepth,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	if queued := sched.EnqueuePending(); len(queued) > 0 {
		logger.Info("requeued jobs from previous run", "count", len(queued))
	}
	sched.Start(ctx)
	defer sched.Stop()

	var watcher *spool.Watcher
	if set.Spool.Dir != "" {
		if err := os.MkdirAll(set.Spool.Dir, 0o755); err != nil {
			return err
		}
		watcher, err = spool.New(spool.Config{
			Dir:            set.Spool.Dir,
			Submit:         sched.Submit,
			SettleInterval: set.Spool.SettleInterval,
			Options:        set.Spool.Options,
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	jan, err := janitor.New(janitor.Config{
		Archive:    arch,
		Reader:     status.NewReader(arch),
		Ledger:     ledger,
		Interval:   set.Janitor.Interval,
		StallAfter: set.Janitor.StallAfter,
		ExportsDir: set.Exports.Dir,
		SliceDir:   sliceDir,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	jan.Start()
	defer jan.Stop()

	logger.Info("scribelog serving",
		"archive", set.Archive.Dir,
		"spool", set.Spool.Dir,
		"max_active_jobs", set.Scheduler.MaxActiveJobs)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
