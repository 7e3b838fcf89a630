package scheduler

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"scribelog/internal/archive"
	"scribelog/internal/asr"
	"scribelog/internal/audit"
	"scribelog/internal/chunkplan"
	"scribelog/internal/event"
	"scribelog/internal/job"
)

var evChunkTimeout = event.MustName("CHUNK_TIMEOUT_DETECTED")

const (
	retryInitialBackoff = 500 * time.Millisecond
	retryMultiplier     = 2
	retryJitterPct      = 0.2
)

// processChunk runs one chunk end-to-end: materialize, transcribe with
// retries, classify, assemble the row. Persistence is the lane's business.
func (s *Scheduler) processChunk(ctx context.Context, rec job.Record, slice chunkplan.Slice) (archive.Row, error) {
	started := s.now()

	wavPath, err := s.materializer.Materialize(ctx, rec.AudioPath, slice.StartSec, slice.EndSec)
	if err != nil {
		return nil, fmt.Errorf("materialize: %w", err)
	}
	defer os.Remove(wavPath)

	soft := time.Duration(rec.Config.ChunkSoftTimeoutSec) * time.Second
	softTimer := time.AfterFunc(soft, func() {
		s.logger.Warn(string(evChunkTimeout), "job_id", rec.JobID, "chunk_idx", slice.Idx, "after", soft)
		if _, err := s.ledger.Append(evChunkTimeout, "worker", "", nil, nil, audit.StatusFailed,
			map[string]any{"job_id": rec.JobID, "chunk_idx": slice.Idx, "kind": "soft", "after_sec": rec.Config.ChunkSoftTimeoutSec}); err != nil {
			s.logger.Error("timeout audit failed", "job_id", rec.JobID, "error", err)
		}
	})
	defer softTimer.Stop()

	transcript, err := s.transcribeWithRetry(ctx, rec.Config, wavPath)
	if err != nil {
		return nil, err
	}

	speaker := asr.SpeakerUnknown
	if rec.Config.EnableSpeakerClassification && s.classifier != nil {
		speaker = s.classifyChunk(ctx, rec.Config, transcript)
	}

	text := joinSegments(transcript.Segments)
	elapsed := s.now().Sub(started)
	sliceLen := slice.EndSec - slice.StartSec
	rtf := 0.0
	if sliceLen > 0 {
		rtf = elapsed.Seconds() / sliceLen
	}

	return archive.Row{
		uint32(slice.Idx),
		slice.StartSec,
		slice.EndSec,
		text,
		string(speaker),
		confidence(transcript.Segments),
		float32(rtf),
		s.now().UTC(),
	}, nil
}

// transcribeWithRetry calls the guarded adapter under the hard timeout,
// retrying transient failures with exponential backoff. A hard-timeout
// expiry counts as one attempt.
func (s *Scheduler) transcribeWithRetry(ctx context.Context, cfg job.Config, wavPath string) (asr.Transcript, error) {
	opts := asr.Options{
		Language:  cfg.ASRLanguage,
		BeamSize:  cfg.ASRBeamSize,
		VADFilter: cfg.VADFilter,
	}
	hard := time.Duration(cfg.ChunkHardTimeoutSec) * time.Second

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetriesPerChunk; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return asr.Transcript{}, ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, hard)
		transcript, err := s.transcriber.Transcribe(callCtx, wavPath, opts)
		cancel()
		if err == nil {
			return transcript, nil
		}
		if ctx.Err() != nil {
			return asr.Transcript{}, ctx.Err()
		}
		if !asr.IsTransient(err) {
			return asr.Transcript{}, err
		}
		lastErr = err
	}
	return asr.Transcript{}, fmt.Errorf("retries exhausted: %w", lastErr)
}

// classifyChunk labels the chunk's speaker. Classifier trouble is never
// fatal; the chunk falls back to UNKNOWN.
func (s *Scheduler) classifyChunk(ctx context.Context, cfg job.Config, transcript asr.Transcript) asr.SpeakerLabel {
	text := joinSegments(transcript.Segments)
	for attempt := 0; attempt <= cfg.MaxRetriesPerChunk; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return asr.SpeakerUnknown
			case <-time.After(backoff(attempt)):
			}
		}
		class, err := s.classifier.ClassifySpeaker(ctx, text, nil)
		if err == nil {
			return class.Label
		}
		if !asr.IsTransient(err) {
			return asr.SpeakerUnknown
		}
	}
	return asr.SpeakerUnknown
}

// backoff returns the pre-attempt delay: 500ms doubling per attempt with
// ±20% jitter.
func backoff(attempt int) time.Duration {
	base := float64(retryInitialBackoff) * math.Pow(retryMultiplier, float64(attempt-1))
	jitter := 1 + retryJitterPct*(2*rand.Float64()-1)
	return time.Duration(base * jitter)
}

func joinSegments(segments []asr.Segment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg.Text != "" {
			parts = append(parts, seg.Text)
		}
	}
	return strings.Join(parts, " ")
}

// confidence folds per-segment average log probabilities into one [0, 1]
// score.
func confidence(segments []asr.Segment) float32 {
	if len(segments) == 0 {
		return 0
	}
	var sum float64
	for _, seg := range segments {
		sum += seg.AvgLogProb
	}
	mean := sum / float64(len(segments))
	c := math.Exp(mean)
	if c > 1 {
		c = 1
	}
	return float32(c)
}
