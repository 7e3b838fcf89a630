package status

import (
	"errors"
	"testing"
	"time"

	"scribelog/internal/archive"
	"scribelog/internal/audit"
	"scribelog/internal/job"
)

func newTestFixture(t *testing.T) (*archive.Archive, *job.Registry, *Reader) {
	t.Helper()
	arch, err := archive.Open(archive.Config{Dir: t.TempDir(), Owner: "clinician@example.org"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = arch.Close() })
	ledger, err := audit.New(audit.Config{Archive: arch})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	reg, err := job.NewRegistry(job.RegistryConfig{Archive: arch, Ledger: ledger})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return arch, reg, NewReader(arch)
}

func TestJobViewUnknownJob(t *testing.T) {
	_, _, reader := newTestFixture(t)
	if _, err := reader.JobView("no-such-job"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobViewReflectsProgress(t *testing.T) {
	arch, reg, reader := newTestFixture(t)

	rec, err := reg.Create("sess-1", "/audio/visit.wav", "aa", job.DefaultConfig())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.RecordPlan(rec.JobID, 3); err != nil {
		t.Fatalf("plan: %v", err)
	}
	if err := reg.Transition(rec.JobID, job.StatusInProgress, ""); err != nil {
		t.Fatalf("transition: %v", err)
	}

	produced := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	for i := range 2 {
		row := archive.Row{
			uint32(i), float64(i) * 29.2, float64(i)*29.2 + 30,
			"hello", "UNKNOWN", float32(0.9), float32(0.4), produced,
		}
		if _, err := arch.AppendRow(rec.Group(), archive.ChunkRowSchema, row); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := reg.RecordProgress(rec.JobID, i+1); err != nil {
			t.Fatalf("progress: %v", err)
		}
	}

	view, err := reader.JobView(rec.JobID)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.Status != "IN_PROGRESS" {
		t.Errorf("status = %s", view.Status)
	}
	if view.TotalChunks != 3 || view.ProcessedChunks != 2 {
		t.Errorf("counters = %d/%d", view.TotalChunks, view.ProcessedChunks)
	}
	if view.ProgressPct != 66 {
		t.Errorf("progress_pct = %d, want 66", view.ProgressPct)
	}
	if len(view.Chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(view.Chunks))
	}
	if view.Chunks[1].ChunkIdx != 1 || view.Chunks[1].Text != "hello" {
		t.Errorf("chunk 1 = %+v", view.Chunks[1])
	}
	if !view.Chunks[0].ProducedAt.Equal(produced) {
		t.Errorf("produced_at = %v", view.Chunks[0].ProducedAt)
	}
}

func TestSnapshotNeverTrailsCounter(t *testing.T) {
	// A row appended without a counter update models the window between
	// the lane's append and its progress write.
	arch, reg, reader := newTestFixture(t)

	rec, err := reg.Create("sess-1", "/audio/visit.wav", "aa", job.DefaultConfig())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.RecordPlan(rec.JobID, 2); err != nil {
		t.Fatalf("plan: %v", err)
	}
	row := archive.Row{uint32(0), 0.0, 12.0, "x", "UNKNOWN", float32(0.5), float32(0.1), time.Now().UTC()}
	if _, err := arch.AppendRow(rec.Group(), archive.ChunkRowSchema, row); err != nil {
		t.Fatalf("append: %v", err)
	}

	view, err := reader.JobView(rec.JobID)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if len(view.Chunks) < view.ProcessedChunks {
		t.Fatalf("len(chunks)=%d < processed=%d", len(view.Chunks), view.ProcessedChunks)
	}
	if len(view.Chunks) != 1 || view.ProcessedChunks != 0 {
		t.Errorf("expected fresh row ahead of counter, got %d rows / %d processed", len(view.Chunks), view.ProcessedChunks)
	}
}

func TestJobsListing(t *testing.T) {
	_, reg, reader := newTestFixture(t)

	ids, err := reader.Jobs()
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("ids = %v, want none", ids)
	}

	a, _ := reg.Create("sess-1", "/a.wav", "aa", job.DefaultConfig())
	b, _ := reg.Create("sess-2", "/b.wav", "bb", job.DefaultConfig())

	ids, err = reader.Jobs()
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v, want 2 entries", ids)
	}
	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	if !seen[a.JobID] || !seen[b.JobID] {
		t.Fatalf("ids = %v, missing created jobs", ids)
	}
}
