// Package chunkplan computes the overlapping slice plan for one recording.
// The plan is pure arithmetic over the clip duration; workers materialize
// and transcribe the slices, the planner never touches audio.
package chunkplan

import (
	"errors"
	"fmt"
	"math"
)

var ErrPlanRejected = errors.New("chunk plan rejected")

const (
	DefaultChunkLenSec = 30.0
	DefaultOverlapSec  = 0.8
)

// Slice is one planned cut of the recording. Indexes are dense from zero
// and match the chunk_idx persisted with each transcribed row.
type Slice struct {
	Idx      int
	StartSec float64
	EndSec   float64
}

// Params are the planning knobs. Zero values take the defaults.
type Params struct {
	ChunkLenSec float64
	OverlapSec  float64
}

// Plan returns the slice plan for a clip of durationSec seconds.
//
// Slices start every chunk_len-overlap seconds and run chunk_len seconds.
// A clip no longer than one chunk yields a single full-clip slice. The
// final slice absorbs any residual tail shorter than one stride, so its
// end always lands exactly on the clip duration and no degenerate
// sub-stride slice is emitted.
func Plan(durationSec float64, p Params) ([]Slice, error) {
	chunkLen := p.ChunkLenSec
	if chunkLen == 0 {
		chunkLen = DefaultChunkLenSec
	}
	overlap := p.OverlapSec
	if overlap == 0 {
		overlap = DefaultOverlapSec
	}

	if durationSec <= 0 {
		return nil, fmt.Errorf("%w: duration %.3fs", ErrPlanRejected, durationSec)
	}
	if chunkLen <= 0 {
		return nil, fmt.Errorf("%w: chunk length %.3fs", ErrPlanRejected, chunkLen)
	}
	if overlap < 0 || overlap >= chunkLen {
		return nil, fmt.Errorf("%w: overlap %.3fs with chunk length %.3fs", ErrPlanRejected, overlap, chunkLen)
	}

	if durationSec <= chunkLen {
		return []Slice{{Idx: 0, StartSec: 0, EndSec: durationSec}}, nil
	}

	stride := chunkLen - overlap
	// Small epsilon so exact stride multiples do not gain a slice from
	// float rounding.
	n := int(math.Floor((durationSec-chunkLen)/stride+1e-9)) + 1

	slices := make([]Slice, n)
	for i := range n {
		start := float64(i) * stride
		end := start + chunkLen
		if i == n-1 {
			end = durationSec
		}
		slices[i] = Slice{Idx: i, StartSec: start, EndSec: end}
	}
	return slices, nil
}
