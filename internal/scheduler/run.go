package scheduler

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"scribelog/internal/archive"
	"scribelog/internal/chunkplan"
	"scribelog/internal/job"
)

type chunkResult struct {
	idx int
	row archive.Row
}

type laneOutcome struct {
	persisted int
	err       error
}

// runJob drives one job from PENDING to a terminal state. On process
// shutdown (ctx cancelled) the job is left IN_PROGRESS for the startup
// orphan scan.
func (s *Scheduler) runJob(ctx context.Context, jobID string) {
	rec, err := s.registry.Get(jobID)
	if err != nil {
		s.logger.Error("job vanished before start", "job_id", jobID, "error", err)
		return
	}
	if rec.Status != job.StatusPending {
		return // cancelled while queued
	}
	st := s.state(jobID)
	if st.cancelled.Load() {
		return
	}

	if err := s.registry.Transition(jobID, job.StatusInProgress, ""); err != nil {
		s.logger.Error("transition failed", "job_id", jobID, "error", err)
		return
	}

	duration, err := s.probe(rec.AudioPath)
	if err != nil {
		s.failJob(jobID, fmt.Sprintf("CHUNK_PROCESSING_FAILED: probe %s: %v", rec.AudioPath, err))
		return
	}
	plan, err := chunkplan.Plan(duration, chunkplan.Params{
		ChunkLenSec: rec.Config.ChunkSec,
		OverlapSec:  rec.Config.OverlapSec,
	})
	if err != nil {
		s.failJob(jobID, fmt.Sprintf("CHUNK_PROCESSING_FAILED: %v", err))
		return
	}
	if err := s.registry.RecordPlan(jobID, len(plan)); err != nil {
		s.failJob(jobID, fmt.Sprintf("ARCHIVE_WRITE_FAILED: %v", err))
		return
	}
	s.logger.Info("job planned", "job_id", jobID, "total_chunks", len(plan), "duration_sec", duration)

	results := make(chan chunkResult, rec.Config.MaxParallelChunks)
	laneDone := make(chan laneOutcome, 1)
	go func() {
		laneDone <- s.persistLane(jobID, results)
	}()

	var (
		failMu  sync.Mutex
		failErr error
	)
	recordFailure := func(idx int, err error) {
		failMu.Lock()
		if failErr == nil {
			failErr = fmt.Errorf("chunk %d: %w", idx, err)
		}
		failMu.Unlock()
	}
	failed := func() bool {
		failMu.Lock()
		defer failMu.Unlock()
		return failErr != nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rec.Config.MaxParallelChunks)

	for _, slice := range plan {
		if st.cancelled.Load() || failed() || gctx.Err() != nil {
			break
		}
		if err := s.gate(gctx, rec); err != nil {
			break
		}
		// A failing chunk does not abort its in-flight siblings; they
		// finish and persist, the dispatch loop just stops releasing
		// new work.
		g.Go(func() error {
			row, err := s.processChunk(gctx, rec, slice)
			if err != nil {
				recordFailure(slice.Idx, err)
				return nil
			}
			select {
			case results <- chunkResult{idx: slice.Idx, row: row}:
			case <-gctx.Done():
			}
			return nil
		})
	}

	_ = g.Wait()
	close(results)
	lane := <-laneDone

	if ctx.Err() != nil {
		// Shutdown: no terminal transition, the orphan scan owns it.
		return
	}

	switch {
	case lane.err != nil:
		s.failJob(jobID, fmt.Sprintf("ARCHIVE_WRITE_FAILED: %v", lane.err))
	case failed():
		failMu.Lock()
		msg := fmt.Sprintf("CHUNK_PROCESSING_FAILED: %v", failErr)
		failMu.Unlock()
		s.failJob(jobID, msg)
	case st.cancelled.Load():
		if err := s.registry.Transition(jobID, job.StatusCancelled, ""); err != nil {
			s.logger.Error("cancel transition failed", "job_id", jobID, "error", err)
		}
	case lane.persisted == len(plan):
		if err := s.registry.Transition(jobID, job.StatusCompleted, ""); err != nil {
			s.logger.Error("complete transition failed", "job_id", jobID, "error", err)
		}
	default:
		s.failJob(jobID, fmt.Sprintf("CHUNK_PROCESSING_FAILED: %d of %d chunks persisted", lane.persisted, len(plan)))
	}
}

func (s *Scheduler) failJob(jobID, msg string) {
	if err := s.registry.Transition(jobID, job.StatusFailed, msg); err != nil {
		s.logger.Error("fail transition failed", "job_id", jobID, "error", err)
	}
}

// persistLane is the single-writer ordering barrier: results may arrive
// out of order, rows land in strictly ascending chunk_idx. A row with a
// missing predecessor waits in the pending map; if the predecessor never
// arrives the row is dropped, keeping the dataset gap-free.
func (s *Scheduler) persistLane(jobID string, results <-chan chunkResult) laneOutcome {
	group := job.Record{JobID: jobID}.Group()
	pending := make(map[int]archive.Row)
	next := 0
	var laneErr error

	for res := range results {
		if laneErr != nil {
			continue // drain without persisting
		}
		pending[res.idx] = res.row
		for {
			row, ok := pending[next]
			if !ok {
				break
			}
			if _, err := s.arch.AppendRow(group, archive.ChunkRowSchema, row); err != nil {
				laneErr = err
				break
			}
			delete(pending, next)
			next++
			// Counter update happens strictly after the row append, so
			// pollers never see processed_chunks ahead of the dataset.
			if err := s.registry.RecordProgress(jobID, next); err != nil {
				laneErr = err
				break
			}
		}
	}
	return laneOutcome{persisted: next, err: laneErr}
}
