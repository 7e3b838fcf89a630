// Package job is the registry of diarization jobs. The in-memory map is a
// cache with a short-held mutex; the authoritative copy is the archive's
// /diarization group tree, and every state change lands there before the
// registry reflects it.
package job

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"scribelog/internal/archive"
	"scribelog/internal/audit"
	"scribelog/internal/event"
	"scribelog/internal/logging"
)

var (
	ErrDuplicateJob   = errors.New("duplicate job")
	ErrNotFound       = errors.New("job not found")
	ErrNotCancellable = errors.New("job not cancellable")
)

var (
	evEnqueued     = event.MustName("JOB_ENQUEUED")
	evTransitioned = event.MustName("JOB_STATUS_TRANSITIONED")
	evDuplicate    = event.MustName("DUPLICATE_JOB_DETECTED")
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// lattice holds the permitted transition edges. No return edges exist.
var lattice = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusCancelled},
}

// AllowsTransitionTo reports whether s -> next is a lattice edge.
func (s Status) AllowsTransitionTo(next Status) bool {
	for _, edge := range lattice[s] {
		if edge == next {
			return true
		}
	}
	return false
}

// Record is one job's registry entry.
type Record struct {
	JobID           string
	SessionID       string
	AudioPath       string
	AudioHash       string
	Status          Status
	TotalChunks     int
	ProcessedChunks int
	ProgressPct     int
	Language        string
	Config          Config
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Error           string
}

// Group returns the archive group path holding this job.
func (r Record) Group() string {
	return jobGroup(r.JobID)
}

func jobGroup(jobID string) string {
	return "diarization/" + jobID
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Archive *archive.Archive
	Ledger  *audit.Ledger
	Now     func() time.Time
	Logger  *slog.Logger
}

// Registry tracks jobs and persists their transitions.
type Registry struct {
	arch   *archive.Archive
	ledger *audit.Ledger
	now    func() time.Time
	logger *slog.Logger

	// transMu serializes Create and Transition end to end: the lattice
	// check, the audit append, and the persist are one atomic step, so two
	// racing transitions can never both validate against the same prior
	// status. mu only guards the map and stays short-held.
	transMu sync.Mutex

	mu   sync.Mutex
	byID map[string]*Record
}

// NewRegistry loads any jobs already present in the archive.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Archive == nil || cfg.Ledger == nil {
		return nil, errors.New("job registry requires an archive and a ledger")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Registry{
		arch:   cfg.Archive,
		ledger: cfg.Ledger,
		now:    cfg.Now,
		logger: logging.Default(cfg.Logger).With("component", "job"),
		byID:   make(map[string]*Record),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	ids, err := r.arch.ListGroups("diarization")
	if errors.Is(err, archive.ErrGroupNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, id := range ids {
		attrs, err := r.arch.GroupAttrs(jobGroup(id))
		if err != nil {
			return fmt.Errorf("load job %s: %w", id, err)
		}
		rec, err := recordFromAttrs(attrs)
		if err != nil {
			return fmt.Errorf("load job %s: %w", id, err)
		}
		r.byID[rec.JobID] = &rec
	}
	r.logger.Info("registry loaded", "jobs", len(r.byID))
	return nil
}

// Create admits a new job in PENDING. A prior COMPLETED job for the same
// (session, audio hash) pair blocks resubmission; FAILED and CANCELLED
// priors do not.
func (r *Registry) Create(sessionID, audioPath, audioHash string, cfg Config) (Record, error) {
	r.transMu.Lock()
	defer r.transMu.Unlock()

	r.mu.Lock()
	for _, rec := range r.byID {
		if rec.SessionID == sessionID && rec.AudioHash == audioHash && rec.Status == StatusCompleted {
			prior := rec.JobID
			r.mu.Unlock()
			if _, err := r.ledger.Append(evDuplicate, "scheduler", "", nil, nil, audit.StatusBlocked,
				map[string]any{"session_id": sessionID, "audio_hash": audioHash, "prior_job_id": prior}); err != nil {
				return Record{}, err
			}
			return Record{}, fmt.Errorf("%w: session %s already completed this audio (job %s)", ErrDuplicateJob, sessionID, prior)
		}
	}
	r.mu.Unlock()

	now := r.now().UTC()
	rec := Record{
		JobID:     uuid.NewString(),
		SessionID: sessionID,
		AudioPath: audioPath,
		AudioHash: audioHash,
		Status:    StatusPending,
		Language:  cfg.ASRLanguage,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
	// Trail first: the job group only appears in the archive once its
	// enqueue entry is on the ledger.
	if _, err := r.ledger.Append(evEnqueued, "scheduler", "", []byte(audioHash), nil, audit.StatusSuccess,
		map[string]any{"job_id": rec.JobID, "session_id": sessionID}); err != nil {
		return Record{}, err
	}
	if err := r.arch.SetGroupAttrs(rec.Group(), map[string]any{
		"job_id":           rec.JobID,
		"session_id":       rec.SessionID,
		"audio_path":       rec.AudioPath,
		"audio_hash":       rec.AudioHash,
		"status":           string(StatusPending),
		"processed_chunks": 0,
		"progress_pct":     0,
		"language":         rec.Language,
		"config_snapshot":  cfg.Options(),
		"created_at":       now.Format(time.RFC3339Nano),
		"updated_at":       now.Format(time.RFC3339Nano),
	}); err != nil {
		return Record{}, err
	}

	r.mu.Lock()
	r.byID[rec.JobID] = &rec
	r.mu.Unlock()
	r.logger.Info("job created", "job_id", rec.JobID, "session_id", sessionID)
	return rec, nil
}

// Get returns a copy of a job's record.
func (r *Registry) Get(jobID string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[jobID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return *rec, nil
}

// List returns copies of all records, unordered.
func (r *Registry) List() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, *rec)
	}
	return out
}

// Transition moves a job along the status lattice. The audit entry lands
// before the new status is readable anywhere, in the archive or in the
// registry; a trail that cannot be written blocks the transition.
// errMsg is recorded for FAILED transitions.
func (r *Registry) Transition(jobID string, next Status, errMsg string) error {
	r.transMu.Lock()
	defer r.transMu.Unlock()

	r.mu.Lock()
	rec, ok := r.byID[jobID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	from := rec.Status
	r.mu.Unlock()

	if !from.AllowsTransitionTo(next) {
		return fmt.Errorf("invalid transition %s -> %s for job %s", from, next, jobID)
	}

	if _, err := r.ledger.Append(evTransitioned, "scheduler", "", nil, nil, audit.StatusSuccess,
		map[string]any{"job_id": jobID, "from": string(from), "to": string(next), "reason": errMsg}); err != nil {
		return err
	}

	now := r.now().UTC()
	attrs := map[string]any{
		"status":     string(next),
		"updated_at": now.Format(time.RFC3339Nano),
	}
	if errMsg != "" {
		attrs["error"] = errMsg
	}
	if err := r.arch.SetGroupAttrs(jobGroup(jobID), attrs); err != nil {
		return err
	}

	r.mu.Lock()
	rec.Status = next
	rec.UpdatedAt = now
	if errMsg != "" {
		rec.Error = errMsg
	}
	r.mu.Unlock()
	r.logger.Info("job transitioned", "job_id", jobID, "from", from, "to", next, "reason", errMsg)
	return nil
}

// RecordPlan persists the chunk plan size. total_chunks is write-once; the
// plan is computed exactly once per job.
func (r *Registry) RecordPlan(jobID string, totalChunks int) error {
	r.mu.Lock()
	rec, ok := r.byID[jobID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err := r.arch.SetGroupAttrs(jobGroup(jobID), map[string]any{"total_chunks": totalChunks}); err != nil {
		return err
	}
	r.mu.Lock()
	rec.TotalChunks = totalChunks
	r.mu.Unlock()
	return nil
}

// RecordProgress persists the processed-chunk counter. It runs strictly
// after the corresponding chunk row append, so a reader can observe more
// rows than the counter but never fewer.
func (r *Registry) RecordProgress(jobID string, processed int) error {
	r.mu.Lock()
	rec, ok := r.byID[jobID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	total := rec.TotalChunks
	r.mu.Unlock()

	pct := 0
	if total > 0 {
		pct = int(math.Floor(100 * float64(processed) / float64(total)))
	}
	now := r.now().UTC()
	if err := r.arch.SetGroupAttrs(jobGroup(jobID), map[string]any{
		"processed_chunks": processed,
		"progress_pct":     pct,
		"updated_at":       now.Format(time.RFC3339Nano),
	}); err != nil {
		return err
	}

	r.mu.Lock()
	rec.ProcessedChunks = processed
	rec.ProgressPct = pct
	rec.UpdatedAt = now
	r.mu.Unlock()
	return nil
}

// Cancellable reports whether cancel may be requested for the job.
func (r *Registry) Cancellable(jobID string) error {
	rec, err := r.Get(jobID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrNotCancellable, jobID, rec.Status)
	}
	return nil
}

// MarkRestartOrphans fails every job left IN_PROGRESS by a previous
// process. Run once at startup before the scheduler admits new work.
func (r *Registry) MarkRestartOrphans() ([]string, error) {
	r.mu.Lock()
	var orphans []string
	for id, rec := range r.byID {
		if rec.Status == StatusInProgress {
			orphans = append(orphans, id)
		}
	}
	r.mu.Unlock()

	for _, id := range orphans {
		if err := r.Transition(id, StatusFailed, "PROCESS_RESTARTED_MID_JOB: process restarted before the job finished"); err != nil {
			return nil, err
		}
	}
	return orphans, nil
}
