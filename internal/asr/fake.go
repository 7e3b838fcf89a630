package asr

import (
	"context"
	"fmt"
	"sync"
)

// FakeTranscriber is a scripted Transcriber for tests. Each call consumes
// the next scripted step for the given path; an unscripted path yields a
// one-segment transcript echoing the path.
type FakeTranscriber struct {
	mu    sync.Mutex
	steps map[string][]FakeStep
	calls []string
}

// FakeStep is one scripted response. Err takes precedence over Transcript.
type FakeStep struct {
	Transcript Transcript
	Err        error
}

func NewFakeTranscriber() *FakeTranscriber {
	return &FakeTranscriber{steps: make(map[string][]FakeStep)}
}

// Script queues responses for wavPath in call order.
func (f *FakeTranscriber) Script(wavPath string, steps ...FakeStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps[wavPath] = append(f.steps[wavPath], steps...)
}

// Calls returns the paths transcribed so far, in call order.
func (f *FakeTranscriber) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *FakeTranscriber) Transcribe(ctx context.Context, wavPath string, opts Options) (Transcript, error) {
	if err := ctx.Err(); err != nil {
		return Transcript{}, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, wavPath)
	queue := f.steps[wavPath]
	var step FakeStep
	scripted := len(queue) > 0
	if scripted {
		step = queue[0]
		f.steps[wavPath] = queue[1:]
	}
	f.mu.Unlock()

	if !scripted {
		return Transcript{
			Segments:         []Segment{{StartSec: 0, EndSec: 1, Text: fmt.Sprintf("transcript of %s", wavPath)}},
			DetectedLanguage: "en",
		}, nil
	}
	if step.Err != nil {
		return Transcript{}, step.Err
	}
	return step.Transcript, nil
}

// FakeClassifier is a Classifier returning a fixed label, or Err when set.
type FakeClassifier struct {
	Label      SpeakerLabel
	Confidence float64
	Err        error

	mu    sync.Mutex
	calls int
}

func (f *FakeClassifier) ClassifySpeaker(ctx context.Context, contextText string, priorLabels []SpeakerLabel) (Classification, error) {
	if err := ctx.Err(); err != nil {
		return Classification{}, err
	}
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.Err != nil {
		return Classification{}, f.Err
	}
	label := f.Label
	if label == "" {
		label = SpeakerUnknown
	}
	return Classification{Label: label, Confidence: f.Confidence}, nil
}

func (f *FakeClassifier) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// FakeMaterializer returns deterministic paths without touching the
// filesystem. Slices render to "<audioPath>#<start>-<end>".
type FakeMaterializer struct{}

func (FakeMaterializer) Materialize(ctx context.Context, audioPath string, startSec, endSec float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s#%.1f-%.1f", audioPath, startSec, endSec), nil
}
