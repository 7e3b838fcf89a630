// Package janitor runs periodic read-only integrity sweeps over the
// archive. Sweeps only observe and report: stuck jobs, counter drift, and
// chunk datasets that ran ahead of their job's counter are logged and
// audited, never repaired in place.
package janitor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-co-op/gocron/v2"

	"scribelog/internal/archive"
	"scribelog/internal/audit"
	"scribelog/internal/event"
	"scribelog/internal/export"
	"scribelog/internal/job"
	"scribelog/internal/logging"
	"scribelog/internal/status"
)

var (
	evSweepCompleted = event.MustName("INTEGRITY_SWEEP_COMPLETED")
	evDriftDetected  = event.MustName("PROGRESS_DRIFT_DETECTED")
	evStalled        = event.MustName("STALLED_JOB_DETECTED")
	evExpiredExport  = event.MustName("EXPIRED_EXPORT_DETECTED")
	evStaleSlice     = event.MustName("STALE_SLICE_DETECTED")
)

// Finding is one observation from a sweep.
type Finding struct {
	Label  event.Name
	JobID  string
	Detail string
}

// Report summarizes one sweep.
type Report struct {
	Jobs     int
	ByStatus map[job.Status]int
	Findings []Finding
}

// Config configures a Janitor.
type Config struct {
	Archive *archive.Archive
	Reader  *status.Reader
	Ledger  *audit.Ledger

	// Interval between sweeps. Defaults to 5 minutes.
	Interval time.Duration

	// StallAfter flags IN_PROGRESS jobs whose updated_at is older than
	// this. Defaults to 30 minutes.
	StallAfter time.Duration

	// ExportsDir, when set, is scanned for manifests whose retention has
	// lapsed.
	ExportsDir string

	// SliceDir, when set, is scanned for temp slice files older than
	// StallAfter. Workers normally remove their slices on completion.
	SliceDir string

	Now    func() time.Time
	Logger *slog.Logger
}

// Janitor owns the sweep schedule.
type Janitor struct {
	reader     *status.Reader
	ledger     *audit.Ledger
	stallAfter time.Duration
	exportsDir string
	sliceDir   string
	now        func() time.Time
	logger     *slog.Logger

	scheduler gocron.Scheduler
}

func New(cfg Config) (*Janitor, error) {
	if cfg.Archive == nil || cfg.Reader == nil || cfg.Ledger == nil {
		return nil, errors.New("janitor requires an archive, a reader, and a ledger")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = 30 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	j := &Janitor{
		reader:     cfg.Reader,
		ledger:     cfg.Ledger,
		stallAfter: cfg.StallAfter,
		exportsDir: cfg.ExportsDir,
		sliceDir:   cfg.SliceDir,
		now:        cfg.Now,
		logger:     logging.Default(cfg.Logger).With("component", "janitor"),
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create sweep scheduler: %w", err)
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(cfg.Interval),
		gocron.NewTask(j.runSweep),
		gocron.WithName("integrity-sweep"),
	); err != nil {
		return nil, fmt.Errorf("register sweep: %w", err)
	}
	j.scheduler = scheduler
	return j, nil
}

// Start begins the sweep schedule.
func (j *Janitor) Start() {
	j.scheduler.Start()
	j.logger.Info("janitor started")
}

// Stop shuts the schedule down and waits for a running sweep.
func (j *Janitor) Stop() error {
	return j.scheduler.Shutdown()
}

func (j *Janitor) runSweep() {
	report, err := j.Sweep()
	if err != nil {
		j.logger.Error("sweep failed", "error", err)
		return
	}
	j.logger.Info(string(evSweepCompleted), "jobs", report.Jobs, "findings", len(report.Findings))
}

// Sweep inspects every job once and returns the findings. Each finding
// also lands in the audit ledger.
func (j *Janitor) Sweep() (Report, error) {
	ids, err := j.reader.Jobs()
	if err != nil {
		return Report{}, err
	}

	report := Report{ByStatus: make(map[job.Status]int)}
	for _, id := range ids {
		view, err := j.reader.JobView(id)
		if err != nil {
			return Report{}, fmt.Errorf("sweep job %s: %w", id, err)
		}
		report.Jobs++
		st := job.Status(view.Status)
		report.ByStatus[st]++

		if len(view.Chunks) < view.ProcessedChunks {
			report.Findings = append(report.Findings, Finding{
				Label:  evDriftDetected,
				JobID:  id,
				Detail: fmt.Sprintf("%d rows behind counter %d", len(view.Chunks), view.ProcessedChunks),
			})
		}
		if st == job.StatusInProgress && j.now().Sub(view.UpdatedAt) > j.stallAfter {
			report.Findings = append(report.Findings, Finding{
				Label:  evStalled,
				JobID:  id,
				Detail: fmt.Sprintf("no progress since %s", view.UpdatedAt.Format(time.RFC3339)),
			})
		}
	}

	expired, err := j.sweepExports()
	if err != nil {
		return Report{}, err
	}
	report.Findings = append(report.Findings, expired...)

	stale, err := j.sweepSlices()
	if err != nil {
		return Report{}, err
	}
	report.Findings = append(report.Findings, stale...)

	for _, finding := range report.Findings {
		j.logger.Warn(string(finding.Label), "job_id", finding.JobID, "detail", finding.Detail)
		if _, err := j.ledger.Append(finding.Label, "janitor", "", nil, nil, audit.StatusFailed,
			map[string]any{"job_id": finding.JobID, "detail": finding.Detail}); err != nil {
			return Report{}, err
		}
	}
	return report, nil
}

// sweepExports flags manifests whose retention window has lapsed. The
// artifacts stay put; disposal is an operator decision.
func (j *Janitor) sweepExports() ([]Finding, error) {
	if j.exportsDir == "" {
		return nil, nil
	}
	paths, err := filepath.Glob(filepath.Join(j.exportsDir, "*.manifest.json"))
	if err != nil {
		return nil, err
	}
	var findings []Finding
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		manifest, err := export.DecodeManifest(data)
		if err != nil {
			j.logger.Warn("unreadable manifest", "path", path, "error", err)
			continue
		}
		if manifest.RetentionDays == 0 {
			continue
		}
		deadline := manifest.Timestamp.AddDate(0, 0, int(manifest.RetentionDays))
		if j.now().After(deadline) {
			findings = append(findings, Finding{
				Label:  evExpiredExport,
				Detail: fmt.Sprintf("%s expired %s", path, deadline.Format(time.RFC3339)),
			})
		}
	}
	return findings, nil
}

// sweepSlices flags slice temp files left behind by interrupted workers.
func (j *Janitor) sweepSlices() ([]Finding, error) {
	if j.sliceDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(j.sliceDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var findings []Finding
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if j.now().Sub(info.ModTime()) > j.stallAfter {
			findings = append(findings, Finding{
				Label:  evStaleSlice,
				Detail: fmt.Sprintf("%s untouched since %s", filepath.Join(j.sliceDir, entry.Name()), info.ModTime().Format(time.RFC3339)),
			})
		}
	}
	return findings, nil
}
