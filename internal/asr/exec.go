package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"slices"
	"strconv"
)

// ExecTranscriber shells out to a local ASR command. The command gets the
// slice path as its last argument plus flags derived from the options, and
// must print one JSON document on stdout:
//
//	{"language": "en", "segments": [
//	  {"start": 0.0, "end": 4.2, "text": "...", "avg_logprob": -0.21}]}
//
// A failing process is treated as a transient adapter outage; output that
// does not parse is permanent, since retrying cannot fix the contract.
type ExecTranscriber struct {
	Command string
	Args    []string
}

type execSegment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	AvgLogProb float64 `json:"avg_logprob"`
}

type execTranscript struct {
	Language string        `json:"language"`
	Segments []execSegment `json:"segments"`
}

func (e ExecTranscriber) Transcribe(ctx context.Context, wavPath string, opts Options) (Transcript, error) {
	args := slices.Clone(e.Args)
	if opts.Language != "" {
		args = append(args, "--language", opts.Language)
	}
	if opts.BeamSize > 0 {
		args = append(args, "--beam-size", strconv.Itoa(opts.BeamSize))
	}
	if opts.VADFilter {
		args = append(args, "--vad-filter")
	}
	args = append(args, wavPath)

	cmd := exec.CommandContext(ctx, e.Command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return Transcript{}, ctx.Err()
		}
		return Transcript{}, fmt.Errorf("%w: %s: %v: %s", ErrTemporaryUnavailable, e.Command, err, stderr.Bytes())
	}

	var raw execTranscript
	if err := json.Unmarshal(out, &raw); err != nil {
		return Transcript{}, fmt.Errorf("%w: %s output: %v", ErrInputRejected, e.Command, err)
	}
	t := Transcript{DetectedLanguage: raw.Language}
	for _, seg := range raw.Segments {
		t.Segments = append(t.Segments, Segment{
			StartSec:   seg.Start,
			EndSec:     seg.End,
			Text:       seg.Text,
			AvgLogProb: seg.AvgLogProb,
		})
	}
	return t, nil
}

// ExecClassifier shells out to a speaker classification command. The
// command reads {"context": "...", "prior_labels": ["..."]} on stdin and
// prints {"label": "...", "confidence": 0.0} on stdout.
type ExecClassifier struct {
	Command string
	Args    []string
}

func (e ExecClassifier) ClassifySpeaker(ctx context.Context, contextText string, priorLabels []SpeakerLabel) (Classification, error) {
	input, err := json.Marshal(map[string]any{
		"context":      contextText,
		"prior_labels": priorLabels,
	})
	if err != nil {
		return Classification{}, err
	}

	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return Classification{}, ctx.Err()
		}
		return Classification{}, fmt.Errorf("%w: %s: %v: %s", ErrTemporaryUnavailable, e.Command, err, stderr.Bytes())
	}

	var raw struct {
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return Classification{}, fmt.Errorf("%w: %s output: %v", ErrInputRejected, e.Command, err)
	}
	label := SpeakerLabel(raw.Label)
	switch label {
	case SpeakerPatient, SpeakerClinician, SpeakerUnknown:
	default:
		return Classification{}, fmt.Errorf("%w: unknown label %q", ErrInputRejected, raw.Label)
	}
	return Classification{Label: label, Confidence: raw.Confidence}, nil
}
