// Package asr defines the contracts for the external speech adapters. The
// core treats both as opaque: a Transcriber turns a rendered WAV slice into
// timestamped segments, a Classifier assigns a speaker role to a chunk's
// text. Neither is implemented here; the core only ever calls them through
// the policy guard so every invocation leaves an audit entry.
package asr

import (
	"context"
	"errors"
)

// Transient error classes. The worker retries these with backoff.
var (
	ErrRateLimited          = errors.New("adapter rate limited")
	ErrTemporaryUnavailable = errors.New("adapter temporarily unavailable")
)

// Permanent error classes. These fail the chunk (and the job) immediately.
var (
	ErrInputRejected = errors.New("adapter rejected input")
)

// IsTransient reports whether the worker should retry the call.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTemporaryUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Segment is one timestamped token run from the transcriber.
type Segment struct {
	StartSec   float64 `json:"start_sec"`
	EndSec     float64 `json:"end_sec"`
	Text       string  `json:"text"`
	AvgLogProb float64 `json:"avg_logprob"`
}

// Transcript is the transcriber's result for one slice.
type Transcript struct {
	Segments         []Segment `json:"segments"`
	DetectedLanguage string    `json:"detected_language"`
}

// Options carries the per-job transcription knobs the adapter understands.
type Options struct {
	Language  string `json:"language,omitempty"`
	BeamSize  int    `json:"beam_size"`
	VADFilter bool   `json:"vad_filter"`
}

// Transcriber is the external ASR adapter.
type Transcriber interface {
	Transcribe(ctx context.Context, wavPath string, opts Options) (Transcript, error)
}

// SpeakerLabel is the closed set of roles a chunk can carry.
type SpeakerLabel string

const (
	SpeakerUnknown   SpeakerLabel = "UNKNOWN"
	SpeakerPatient   SpeakerLabel = "PATIENT"
	SpeakerClinician SpeakerLabel = "CLINICIAN"
)

// Classification is the classifier's result for one chunk.
type Classification struct {
	Label      SpeakerLabel `json:"label"`
	Confidence float64      `json:"confidence"`
}

// Classifier is the optional external speaker-classification adapter.
// A disabled or absent classifier is equivalent to always returning
// SpeakerUnknown.
type Classifier interface {
	ClassifySpeaker(ctx context.Context, contextText string, priorLabels []SpeakerLabel) (Classification, error)
}

// Materializer renders one planned slice of the source audio to a
// temporary WAV file a worker can hand to the transcriber. Rendering is an
// external collaborator (the transcoder); the core only consumes the path
// and removes nothing outside its own temp root.
type Materializer interface {
	Materialize(ctx context.Context, audioPath string, startSec, endSec float64) (string, error)
}
