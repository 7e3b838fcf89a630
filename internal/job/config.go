package job

import (
	"errors"
	"fmt"
)

var ErrConfigRejected = errors.New("config rejected")

// Config is the per-job option set recognized at submission. Defaults
// apply per field; anything outside this set is rejected, no job is
// created for a bad config.
type Config struct {
	ChunkSec                    float64
	OverlapSec                  float64
	MaxParallelChunks           int
	CPUIdleThresholdPct         float64
	CPUIdleWindowSec            int
	EnableSpeakerClassification bool
	ASRLanguage                 string
	ASRBeamSize                 int
	VADFilter                   bool
	MaxRetriesPerChunk          int
	ChunkSoftTimeoutSec         int
	ChunkHardTimeoutSec         int

	// HighPriority bypasses the CPU governor gate. Reserved; defaults off.
	HighPriority bool
}

// DefaultConfig returns the option defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSec:            30,
		OverlapSec:          0.8,
		MaxParallelChunks:   2,
		CPUIdleThresholdPct: 50,
		CPUIdleWindowSec:    10,
		ASRBeamSize:         5,
		VADFilter:           true,
		MaxRetriesPerChunk:  3,
		ChunkSoftTimeoutSec: 540,
		ChunkHardTimeoutSec: 600,
	}
}

// ParseConfig folds intake options over the defaults. Unknown keys and
// uncoercible values are rejected.
func ParseConfig(opts map[string]any) (Config, error) {
	cfg := DefaultConfig()
	for key, raw := range opts {
		var ok bool
		switch key {
		case "chunk_sec":
			cfg.ChunkSec, ok = coerceFloat(raw)
		case "overlap_sec":
			cfg.OverlapSec, ok = coerceFloat(raw)
		case "max_parallel_chunks":
			cfg.MaxParallelChunks, ok = coerceInt(raw)
		case "cpu_idle_threshold_pct":
			cfg.CPUIdleThresholdPct, ok = coerceFloat(raw)
		case "cpu_idle_window_sec":
			cfg.CPUIdleWindowSec, ok = coerceInt(raw)
		case "enable_speaker_classification":
			cfg.EnableSpeakerClassification, ok = raw.(bool)
		case "asr_language":
			if raw == nil {
				cfg.ASRLanguage, ok = "", true
			} else {
				cfg.ASRLanguage, ok = raw.(string)
			}
		case "asr_beam_size":
			cfg.ASRBeamSize, ok = coerceInt(raw)
		case "vad_filter":
			cfg.VADFilter, ok = raw.(bool)
		case "max_retries_per_chunk":
			cfg.MaxRetriesPerChunk, ok = coerceInt(raw)
		case "chunk_soft_timeout_sec":
			cfg.ChunkSoftTimeoutSec, ok = coerceInt(raw)
		case "chunk_hard_timeout_sec":
			cfg.ChunkHardTimeoutSec, ok = coerceInt(raw)
		case "high_priority":
			cfg.HighPriority, ok = raw.(bool)
		default:
			return Config{}, fmt.Errorf("%w: unknown option %q", ErrConfigRejected, key)
		}
		if !ok {
			return Config{}, fmt.Errorf("%w: option %q has incompatible value %v", ErrConfigRejected, key, raw)
		}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.ChunkSec <= 0:
		return fmt.Errorf("%w: chunk_sec must be positive", ErrConfigRejected)
	case c.OverlapSec < 0 || c.OverlapSec >= c.ChunkSec:
		return fmt.Errorf("%w: overlap_sec must be in [0, chunk_sec)", ErrConfigRejected)
	case c.MaxParallelChunks < 1:
		return fmt.Errorf("%w: max_parallel_chunks must be at least 1", ErrConfigRejected)
	case c.CPUIdleThresholdPct < 0 || c.CPUIdleThresholdPct > 100:
		return fmt.Errorf("%w: cpu_idle_threshold_pct must be in [0, 100]", ErrConfigRejected)
	case c.CPUIdleWindowSec < 1:
		return fmt.Errorf("%w: cpu_idle_window_sec must be at least 1", ErrConfigRejected)
	case c.ASRBeamSize < 1:
		return fmt.Errorf("%w: asr_beam_size must be at least 1", ErrConfigRejected)
	case c.MaxRetriesPerChunk < 0:
		return fmt.Errorf("%w: max_retries_per_chunk must not be negative", ErrConfigRejected)
	case c.ChunkSoftTimeoutSec < 1 || c.ChunkHardTimeoutSec < 1:
		return fmt.Errorf("%w: chunk timeouts must be positive", ErrConfigRejected)
	case c.ChunkSoftTimeoutSec > c.ChunkHardTimeoutSec:
		return fmt.Errorf("%w: chunk_soft_timeout_sec must not exceed chunk_hard_timeout_sec", ErrConfigRejected)
	}
	return nil
}

// Options returns the canonical snapshot persisted with the job.
func (c Config) Options() map[string]any {
	return map[string]any{
		"chunk_sec":                     c.ChunkSec,
		"overlap_sec":                   c.OverlapSec,
		"max_parallel_chunks":           c.MaxParallelChunks,
		"cpu_idle_threshold_pct":        c.CPUIdleThresholdPct,
		"cpu_idle_window_sec":           c.CPUIdleWindowSec,
		"enable_speaker_classification": c.EnableSpeakerClassification,
		"asr_language":                  c.ASRLanguage,
		"asr_beam_size":                 c.ASRBeamSize,
		"vad_filter":                    c.VADFilter,
		"max_retries_per_chunk":         c.MaxRetriesPerChunk,
		"chunk_soft_timeout_sec":        c.ChunkSoftTimeoutSec,
		"chunk_hard_timeout_sec":        c.ChunkHardTimeoutSec,
		"high_priority":                 c.HighPriority,
	}
}

// coerceFloat accepts the numeric shapes JSON and msgpack decoding
// produce for an untyped option value.
func coerceFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// coerceInt accepts integral values, including whole floats from JSON.
func coerceInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	case float32:
		if float64(n) == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
