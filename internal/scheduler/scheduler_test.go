package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"scribelog/internal/archive"
	"scribelog/internal/asr"
	"scribelog/internal/audit"
	"scribelog/internal/job"
	"scribelog/internal/policy"
)

type testRig struct {
	arch      *archive.Archive
	ledger    *audit.Ledger
	registry  *job.Registry
	scheduler *Scheduler
}

// slowTranscriber delays every call, optionally failing specific slices.
// Slices are identified by the materialized path suffix "#start-end".
type slowTranscriber struct {
	delay  time.Duration
	failOn map[string]error

	mu    sync.Mutex
	calls []string
}

func (s *slowTranscriber) Transcribe(ctx context.Context, wavPath string, opts asr.Options) (asr.Transcript, error) {
	s.mu.Lock()
	s.calls = append(s.calls, wavPath)
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return asr.Transcript{}, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	for suffix, err := range s.failOn {
		if strings.HasSuffix(wavPath, suffix) {
			return asr.Transcript{}, err
		}
	}
	return asr.Transcript{
		Segments:         []asr.Segment{{StartSec: 0, EndSec: 1, Text: "ok", AvgLogProb: -0.1}},
		DetectedLanguage: "en",
	}, nil
}

func newTestRig(t *testing.T, cfg Config, durations map[string]float64) *testRig {
	t.Helper()
	arch, err := archive.Open(archive.Config{Dir: t.TempDir(), Owner: "clinician@example.org"})
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { _ = arch.Close() })
	ledger, err := audit.New(audit.Config{Archive: arch})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	registry, err := job.NewRegistry(job.RegistryConfig{Archive: arch, Ledger: ledger})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	cfg.Registry = registry
	cfg.Archive = arch
	cfg.Ledger = ledger
	if cfg.Transcriber == nil {
		cfg.Transcriber = asr.NewFakeTranscriber()
	}
	if cfg.Materializer == nil {
		cfg.Materializer = asr.FakeMaterializer{}
	}
	if cfg.Probe == nil {
		cfg.Probe = func(path string) (float64, error) {
			if d, ok := durations[path]; ok {
				return d, nil
			}
			return 0, errors.New("unknown audio")
		}
	}
	if cfg.GateInterval == 0 {
		cfg.GateInterval = 5 * time.Millisecond
	}

	sched, err := New(cfg)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	t.Cleanup(sched.Stop)

	return &testRig{arch: arch, ledger: ledger, registry: registry, scheduler: sched}
}

func waitForStatus(t *testing.T, reg *job.Registry, jobID string, want job.Status) job.Record {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := reg.Get(jobID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.Status == want {
			return rec
		}
		if rec.Status.Terminal() {
			t.Fatalf("job %s reached %s (error %q), want %s", jobID, rec.Status, rec.Error, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", jobID, want)
	return job.Record{}
}

func waitForTerminal(t *testing.T, reg *job.Registry, jobID string) job.Record {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := reg.Get(jobID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.Status.Terminal() {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never terminated", jobID)
	return job.Record{}
}

func chunkRows(t *testing.T, arch *archive.Archive, jobID string) []archive.Row {
	t.Helper()
	group := "diarization/" + jobID
	n, err := arch.Len(group, archive.ChunkRowSchema)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	rows, err := arch.ReadRows(group, archive.ChunkRowSchema, 0, n)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return rows
}

func TestSingleChunkJobCompletes(t *testing.T) {
	rig := newTestRig(t, Config{}, map[string]float64{"/audio/short.wav": 12})

	jobID, err := rig.scheduler.Submit("sess-1", "/audio/short.wav", "aa11", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	rec := waitForTerminal(t, rig.registry, jobID)
	if rec.Status != job.StatusCompleted {
		t.Fatalf("status = %s (error %q), want COMPLETED", rec.Status, rec.Error)
	}
	if rec.TotalChunks != 1 || rec.ProcessedChunks != 1 || rec.ProgressPct != 100 {
		t.Errorf("counters = %d/%d/%d", rec.TotalChunks, rec.ProcessedChunks, rec.ProgressPct)
	}

	rows := chunkRows(t, rig.arch, jobID)
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0][1].(float64) != 0 || rows[0][2].(float64) != 12 {
		t.Errorf("slice bounds = %v..%v, want 0..12", rows[0][1], rows[0][2])
	}
}

func TestMultiChunkJobPersistsInOrder(t *testing.T) {
	trans := &slowTranscriber{delay: 2 * time.Millisecond}
	rig := newTestRig(t, Config{Transcriber: trans}, map[string]float64{"/audio/visit.wav": 441})

	jobID, err := rig.scheduler.Submit("sess-1", "/audio/visit.wav", "bb22", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	rec := waitForTerminal(t, rig.registry, jobID)
	if rec.Status != job.StatusCompleted {
		t.Fatalf("status = %s (error %q)", rec.Status, rec.Error)
	}
	if rec.TotalChunks != 15 || rec.ProcessedChunks != 15 {
		t.Fatalf("counters = %d/%d, want 15/15", rec.TotalChunks, rec.ProcessedChunks)
	}

	rows := chunkRows(t, rig.arch, jobID)
	if len(rows) != 15 {
		t.Fatalf("rows = %d, want 15", len(rows))
	}
	for i, row := range rows {
		if int(row[0].(uint32)) != i {
			t.Fatalf("row %d has chunk_idx %v", i, row[0])
		}
	}
	if start := rows[1][1].(float64); start < 29.19 || start > 29.21 {
		t.Errorf("start_sec[1] = %.3f, want 29.2", start)
	}
	if end := rows[14][2].(float64); end != 441.0 {
		t.Errorf("end_sec[14] = %.3f, want 441.0", end)
	}
}

func TestSecondJobWaitsForActiveJob(t *testing.T) {
	release := make(chan struct{})
	trans := &gatedTranscriber{release: release}
	rig := newTestRig(t, Config{Transcriber: trans}, map[string]float64{
		"/audio/j1.wav": 12,
		"/audio/j2.wav": 12,
	})

	j1, err := rig.scheduler.Submit("sess-1", "/audio/j1.wav", "11", nil)
	if err != nil {
		t.Fatalf("submit j1: %v", err)
	}
	j2, err := rig.scheduler.Submit("sess-2", "/audio/j2.wav", "22", nil)
	if err != nil {
		t.Fatalf("submit j2: %v", err)
	}

	waitForStatus(t, rig.registry, j1, job.StatusInProgress)

	// J2 must sit PENDING with no chunk rows while J1 holds the slot.
	time.Sleep(50 * time.Millisecond)
	rec2, err := rig.registry.Get(j2)
	if err != nil {
		t.Fatalf("get j2: %v", err)
	}
	if rec2.Status != job.StatusPending {
		t.Fatalf("j2 status = %s, want PENDING", rec2.Status)
	}
	if rows := chunkRows(t, rig.arch, j2); len(rows) != 0 {
		t.Fatalf("j2 has %d rows while j1 is active", len(rows))
	}

	close(release)
	if rec := waitForTerminal(t, rig.registry, j1); rec.Status != job.StatusCompleted {
		t.Fatalf("j1 = %s (error %q)", rec.Status, rec.Error)
	}
	if rec := waitForTerminal(t, rig.registry, j2); rec.Status != job.StatusCompleted {
		t.Fatalf("j2 = %s (error %q)", rec.Status, rec.Error)
	}
}

// gatedTranscriber blocks every call until release is closed.
type gatedTranscriber struct {
	release <-chan struct{}
}

func (g *gatedTranscriber) Transcribe(ctx context.Context, wavPath string, opts asr.Options) (asr.Transcript, error) {
	select {
	case <-ctx.Done():
		return asr.Transcript{}, ctx.Err()
	case <-g.release:
	}
	return asr.Transcript{Segments: []asr.Segment{{Text: "ok", AvgLogProb: -0.2}}}, nil
}

func TestPermanentFailureStopsJob(t *testing.T) {
	// Slice 7 of the 441s plan starts at 7*29.2 = 204.4.
	trans := &slowTranscriber{
		delay:  5 * time.Millisecond,
		failOn: map[string]error{"#204.4-234.4": asr.ErrInputRejected},
	}
	rig := newTestRig(t, Config{Transcriber: trans}, map[string]float64{"/audio/visit.wav": 441})

	jobID, err := rig.scheduler.Submit("sess-1", "/audio/visit.wav", "cc33", map[string]any{"max_parallel_chunks": 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	rec := waitForTerminal(t, rig.registry, jobID)
	if rec.Status != job.StatusFailed {
		t.Fatalf("status = %s, want FAILED", rec.Status)
	}
	if !strings.HasPrefix(rec.Error, "CHUNK_PROCESSING_FAILED") {
		t.Errorf("error = %q", rec.Error)
	}

	rows := chunkRows(t, rig.arch, jobID)
	if len(rows) != 7 {
		t.Fatalf("rows = %d, want 7 (chunks 0..6)", len(rows))
	}
	for i, row := range rows {
		if int(row[0].(uint32)) != i {
			t.Errorf("row %d has chunk_idx %v", i, row[0])
		}
	}
	if rec.ProcessedChunks != 7 {
		t.Errorf("processed_chunks = %d, want 7", rec.ProcessedChunks)
	}
}

func TestGuardedFailureLeavesAuditTrail(t *testing.T) {
	inner := &slowTranscriber{failOn: map[string]error{"#0.0-12.0": asr.ErrInputRejected}}

	arch, err := archive.Open(archive.Config{Dir: t.TempDir(), Owner: "clinician@example.org"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = arch.Close() })
	ledger, err := audit.New(audit.Config{Archive: arch})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	registry, err := job.NewRegistry(job.RegistryConfig{Archive: arch, Ledger: ledger})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	guard, err := policy.NewGuard(policy.Config{Ledger: ledger, AllowedEndpoints: []string{"asr://local"}})
	if err != nil {
		t.Fatalf("guard: %v", err)
	}

	sched, err := New(Config{
		Registry:     registry,
		Archive:      arch,
		Ledger:       ledger,
		Transcriber:  guard.Transcriber(inner, "asr://local", "worker"),
		Materializer: asr.FakeMaterializer{},
		Probe:        func(string) (float64, error) { return 12, nil },
	})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	sched.Start(context.Background())
	t.Cleanup(sched.Stop)

	jobID, err := sched.Submit("sess-1", "/audio/short.wav", "dd44", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec := waitForTerminal(t, registry, jobID)
	if rec.Status != job.StatusFailed {
		t.Fatalf("status = %s", rec.Status)
	}

	dispatched, err := ledger.QueryEntries(audit.Query{}, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var sawFailedCall bool
	for _, e := range dispatched {
		if e.Operation == "ASR_ADAPTER_DISPATCHED" && e.Status == audit.StatusFailed {
			sawFailedCall = true
		}
	}
	if !sawFailedCall {
		t.Error("expected a FAILED audit entry for the rejected adapter call")
	}
}

func TestCancelMidFlightFinishesCurrentChunk(t *testing.T) {
	trans := &slowTranscriber{delay: 30 * time.Millisecond}
	rig := newTestRig(t, Config{Transcriber: trans}, map[string]float64{"/audio/visit.wav": 441})

	jobID, err := rig.scheduler.Submit("sess-1", "/audio/visit.wav", "ee55", map[string]any{"max_parallel_chunks": 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Let a few chunks land, then cancel.
	deadline := time.Now().Add(10 * time.Second)
	for {
		rec, err := rig.registry.Get(jobID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.ProcessedChunks >= 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never reached 4 processed chunks")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := rig.scheduler.Cancel(jobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	rec := waitForTerminal(t, rig.registry, jobID)
	if rec.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", rec.Status)
	}
	if rec.ProcessedChunks >= rec.TotalChunks {
		t.Fatalf("processed = %d of %d, cancellation had no effect", rec.ProcessedChunks, rec.TotalChunks)
	}

	// Whatever landed is contiguous and matches the counter.
	rows := chunkRows(t, rig.arch, jobID)
	if len(rows) != rec.ProcessedChunks {
		t.Fatalf("rows = %d, processed = %d", len(rows), rec.ProcessedChunks)
	}
	for i, row := range rows {
		if int(row[0].(uint32)) != i {
			t.Errorf("row %d has chunk_idx %v", i, row[0])
		}
	}
}

func TestCancelPendingJob(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	trans := &gatedTranscriber{release: release}
	rig := newTestRig(t, Config{Transcriber: trans}, map[string]float64{
		"/audio/j1.wav": 12,
		"/audio/j2.wav": 12,
	})

	j1, err := rig.scheduler.Submit("sess-1", "/audio/j1.wav", "11", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForStatus(t, rig.registry, j1, job.StatusInProgress)

	j2, err := rig.scheduler.Submit("sess-2", "/audio/j2.wav", "22", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := rig.scheduler.Cancel(j2); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	rec, err := rig.registry.Get(j2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != job.StatusCancelled {
		t.Fatalf("j2 status = %s, want CANCELLED", rec.Status)
	}
	if err := rig.scheduler.Cancel(j2); !errors.Is(err, job.ErrNotCancellable) {
		t.Fatalf("second cancel: %v", err)
	}
}

func TestTransientErrorsAreRetried(t *testing.T) {
	fake := asr.NewFakeTranscriber()
	fake.Script("/audio/short.wav#0.0-12.0",
		asr.FakeStep{Err: asr.ErrRateLimited},
		asr.FakeStep{Err: asr.ErrTemporaryUnavailable},
		asr.FakeStep{Transcript: asr.Transcript{Segments: []asr.Segment{{Text: "third time", AvgLogProb: -0.1}}}},
	)
	rig := newTestRig(t, Config{Transcriber: fake}, map[string]float64{"/audio/short.wav": 12})

	jobID, err := rig.scheduler.Submit("sess-1", "/audio/short.wav", "ff66", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec := waitForTerminal(t, rig.registry, jobID)
	if rec.Status != job.StatusCompleted {
		t.Fatalf("status = %s (error %q)", rec.Status, rec.Error)
	}
	if calls := len(fake.Calls()); calls != 3 {
		t.Fatalf("adapter calls = %d, want 3", calls)
	}
	rows := chunkRows(t, rig.arch, jobID)
	if rows[0][3].(string) != "third time" {
		t.Errorf("text = %q", rows[0][3])
	}
}

func TestRetryBudgetExhaustionFailsJob(t *testing.T) {
	fake := asr.NewFakeTranscriber()
	fake.Script("/audio/short.wav#0.0-12.0",
		asr.FakeStep{Err: asr.ErrRateLimited},
		asr.FakeStep{Err: asr.ErrRateLimited},
	)
	rig := newTestRig(t, Config{Transcriber: fake}, map[string]float64{"/audio/short.wav": 12})

	jobID, err := rig.scheduler.Submit("sess-1", "/audio/short.wav", "gg77",
		map[string]any{"max_retries_per_chunk": 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec := waitForTerminal(t, rig.registry, jobID)
	if rec.Status != job.StatusFailed {
		t.Fatalf("status = %s, want FAILED", rec.Status)
	}
	if !strings.HasPrefix(rec.Error, "CHUNK_PROCESSING_FAILED") {
		t.Errorf("error = %q", rec.Error)
	}
	if calls := len(fake.Calls()); calls != 2 {
		t.Fatalf("adapter calls = %d, want 2 (initial + one retry)", calls)
	}
}

func TestSpeakerClassification(t *testing.T) {
	classifier := &asr.FakeClassifier{Label: asr.SpeakerClinician, Confidence: 0.8}
	rig := newTestRig(t, Config{Classifier: classifier}, map[string]float64{"/audio/short.wav": 12})

	jobID, err := rig.scheduler.Submit("sess-1", "/audio/short.wav", "hh88",
		map[string]any{"enable_speaker_classification": true})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec := waitForTerminal(t, rig.registry, jobID)
	if rec.Status != job.StatusCompleted {
		t.Fatalf("status = %s (error %q)", rec.Status, rec.Error)
	}
	rows := chunkRows(t, rig.arch, jobID)
	if rows[0][4].(string) != "CLINICIAN" {
		t.Errorf("speaker = %q, want CLINICIAN", rows[0][4])
	}
	if classifier.CallCount() != 1 {
		t.Errorf("classifier calls = %d, want 1", classifier.CallCount())
	}
}

func TestClassifierAbsenceMeansUnknown(t *testing.T) {
	rig := newTestRig(t, Config{}, map[string]float64{"/audio/short.wav": 12})

	jobID, err := rig.scheduler.Submit("sess-1", "/audio/short.wav", "ii99",
		map[string]any{"enable_speaker_classification": true})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec := waitForTerminal(t, rig.registry, jobID)
	if rec.Status != job.StatusCompleted {
		t.Fatalf("status = %s", rec.Status)
	}
	rows := chunkRows(t, rig.arch, jobID)
	if rows[0][4].(string) != "UNKNOWN" {
		t.Errorf("speaker = %q, want UNKNOWN", rows[0][4])
	}
}

func TestConfigRejectedAtSubmission(t *testing.T) {
	rig := newTestRig(t, Config{}, map[string]float64{"/audio/short.wav": 12})

	_, err := rig.scheduler.Submit("sess-1", "/audio/short.wav", "jj00",
		map[string]any{"chunk_size": 30})
	if !errors.Is(err, job.ErrConfigRejected) {
		t.Fatalf("expected ErrConfigRejected, got %v", err)
	}
	if got := rig.registry.List(); len(got) != 0 {
		t.Fatalf("rejected config still created %d jobs", len(got))
	}
}

func TestEnqueuePendingRunsCarriedOverJobs(t *testing.T) {
	rig := newTestRig(t, Config{}, map[string]float64{"/audio/short.wav": 12})

	// A job admitted by an earlier process: present in the registry but
	// never queued in this one.
	rec, err := rig.registry.Create("sess-1", "/audio/short.wav", "kk11", job.DefaultConfig())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	queued := rig.scheduler.EnqueuePending()
	if len(queued) != 1 || queued[0] != rec.JobID {
		t.Fatalf("queued = %v, want [%s]", queued, rec.JobID)
	}
	got := waitForTerminal(t, rig.registry, rec.JobID)
	if got.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}
}
