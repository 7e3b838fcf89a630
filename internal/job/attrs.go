package job

import (
	"fmt"
	"time"
)

// recordFromAttrs rebuilds a Record from a job group's folded attribute
// view. Numeric attrs come back from msgpack as int64 or uint64, so every
// read goes through the coercion helpers.
func recordFromAttrs(attrs map[string]any) (Record, error) {
	rec := Record{
		JobID:     attrString(attrs, "job_id"),
		SessionID: attrString(attrs, "session_id"),
		AudioPath: attrString(attrs, "audio_path"),
		AudioHash: attrString(attrs, "audio_hash"),
		Status:    Status(attrString(attrs, "status")),
		Language:  attrString(attrs, "language"),
		Error:     attrString(attrs, "error"),
	}
	if rec.JobID == "" {
		return Record{}, fmt.Errorf("job group has no job_id attribute")
	}
	switch rec.Status {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
	default:
		return Record{}, fmt.Errorf("job %s has unknown status %q", rec.JobID, rec.Status)
	}

	rec.TotalChunks = attrInt(attrs, "total_chunks")
	rec.ProcessedChunks = attrInt(attrs, "processed_chunks")
	rec.ProgressPct = attrInt(attrs, "progress_pct")

	var err error
	if rec.CreatedAt, err = attrTime(attrs, "created_at"); err != nil {
		return Record{}, fmt.Errorf("job %s: %w", rec.JobID, err)
	}
	if rec.UpdatedAt, err = attrTime(attrs, "updated_at"); err != nil {
		return Record{}, fmt.Errorf("job %s: %w", rec.JobID, err)
	}

	if snapshot, ok := attrs["config_snapshot"].(map[string]any); ok {
		cfg, err := ParseConfig(snapshot)
		if err != nil {
			return Record{}, fmt.Errorf("job %s: config snapshot: %w", rec.JobID, err)
		}
		rec.Config = cfg
	} else {
		rec.Config = DefaultConfig()
	}
	return rec, nil
}

func attrString(attrs map[string]any, key string) string {
	s, _ := attrs[key].(string)
	return s
}

func attrInt(attrs map[string]any, key string) int {
	n, _ := coerceInt(attrs[key])
	return n
}

func attrTime(attrs map[string]any, key string) (time.Time, error) {
	raw := attrString(attrs, key)
	if raw == "" {
		return time.Time{}, fmt.Errorf("attribute %s missing", key)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("attribute %s: %w", key, err)
	}
	return t.UTC(), nil
}
