// Package status produces poller-facing job views straight from the
// archive. Reads are snapshot style: attributes first, then the chunk
// dataset length, then the rows. Because the progress counter is advanced
// only after its row append, a view can show more chunk rows than
// processed_chunks, never fewer.
package status

import (
	"errors"
	"fmt"
	"time"

	"scribelog/internal/archive"
)

var ErrJobNotFound = errors.New("job not found")

// ChunkView is one transcribed chunk as shown to pollers.
type ChunkView struct {
	ChunkIdx       int       `json:"chunk_idx"`
	StartSec       float64   `json:"start_sec"`
	EndSec         float64   `json:"end_sec"`
	Text           string    `json:"text"`
	Speaker        string    `json:"speaker"`
	ASRConfidence  float32   `json:"asr_confidence"`
	RealTimeFactor float32   `json:"real_time_factor"`
	ProducedAt     time.Time `json:"produced_at"`
}

// JobView is the read-only job snapshot.
type JobView struct {
	JobID           string      `json:"job_id"`
	SessionID       string      `json:"session_id"`
	Status          string      `json:"status"`
	TotalChunks     int         `json:"total_chunks"`
	ProcessedChunks int         `json:"processed_chunks"`
	ProgressPct     int         `json:"progress_pct"`
	Chunks          []ChunkView `json:"chunks"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	Error           string      `json:"error,omitempty"`
}

// Reader serves job views without touching the writer lane.
type Reader struct {
	arch *archive.Archive
}

func NewReader(arch *archive.Archive) *Reader {
	return &Reader{arch: arch}
}

// Jobs lists the job IDs present in the archive, sorted.
func (r *Reader) Jobs() ([]string, error) {
	ids, err := r.arch.ListGroups("diarization")
	if errors.Is(err, archive.ErrGroupNotFound) {
		return nil, nil
	}
	return ids, err
}

// JobView reads one job's snapshot.
func (r *Reader) JobView(jobID string) (JobView, error) {
	group := "diarization/" + jobID
	if !r.arch.HasGroup(group) {
		return JobView{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	attrs, err := r.arch.GroupAttrs(group)
	if err != nil {
		return JobView{}, err
	}

	view := JobView{
		JobID:           stringAttr(attrs, "job_id"),
		SessionID:       stringAttr(attrs, "session_id"),
		Status:          stringAttr(attrs, "status"),
		TotalChunks:     intAttr(attrs, "total_chunks"),
		ProcessedChunks: intAttr(attrs, "processed_chunks"),
		ProgressPct:     intAttr(attrs, "progress_pct"),
		Error:           stringAttr(attrs, "error"),
	}
	if view.JobID == "" {
		return JobView{}, fmt.Errorf("%w: %s has no attributes", ErrJobNotFound, jobID)
	}
	view.CreatedAt = timeAttr(attrs, "created_at")
	view.UpdatedAt = timeAttr(attrs, "updated_at")

	// Length is taken after the attribute snapshot, so the row slice can
	// only be ahead of the counter, keeping len(chunks) >= processed.
	n, err := r.arch.Len(group, archive.ChunkRowSchema)
	if err != nil {
		return JobView{}, err
	}
	rows, err := r.arch.ReadRows(group, archive.ChunkRowSchema, 0, n)
	if err != nil {
		return JobView{}, err
	}
	view.Chunks = make([]ChunkView, 0, len(rows))
	for _, row := range rows {
		view.Chunks = append(view.Chunks, ChunkView{
			ChunkIdx:       int(row[0].(uint32)),
			StartSec:       row[1].(float64),
			EndSec:         row[2].(float64),
			Text:           row[3].(string),
			Speaker:        row[4].(string),
			ASRConfidence:  row[5].(float32),
			RealTimeFactor: row[6].(float32),
			ProducedAt:     row[7].(time.Time),
		})
	}
	return view, nil
}

func stringAttr(attrs map[string]any, key string) string {
	s, _ := attrs[key].(string)
	return s
}

func intAttr(attrs map[string]any, key string) int {
	switch n := attrs[key].(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case uint64:
		return int(n)
	}
	return 0
}

func timeAttr(attrs map[string]any, key string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, stringAttr(attrs, key))
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
