// Package policy enforces the no-mutation and controlled-egress rules.
// All external model traffic flows through a Guard, which checks the
// endpoint allowlist, applies the shared rate limit, and writes an audit
// entry for every attempt, including the blocked ones.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"scribelog/internal/asr"
	"scribelog/internal/audit"
	"scribelog/internal/event"
	"scribelog/internal/logging"
)

var ErrPolicyViolation = errors.New("policy violation")

var (
	evPolicyViolation      = event.MustName("POLICY_VIOLATION_DETECTED")
	evASRDispatched        = event.MustName("ASR_ADAPTER_DISPATCHED")
	evClassifierDispatched = event.MustName("CLASSIFIER_ADAPTER_DISPATCHED")
)

// Config configures a Guard.
type Config struct {
	Ledger *audit.Ledger

	// AllowedEndpoints is the egress allowlist. An empty list blocks all
	// external calls.
	AllowedEndpoints []string

	// RateLimit caps adapter calls per second across all workers.
	// Zero means no limit.
	RateLimit rate.Limit
	RateBurst int

	Logger *slog.Logger
}

// Guard wraps external adapters with allowlist, rate limit, and audit.
type Guard struct {
	ledger  *audit.Ledger
	allowed map[string]struct{}
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewGuard(cfg Config) (*Guard, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("%w: ledger is required", ErrPolicyViolation)
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedEndpoints))
	for _, ep := range cfg.AllowedEndpoints {
		allowed[ep] = struct{}{}
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}
	return &Guard{
		ledger:  cfg.Ledger,
		allowed: allowed,
		limiter: limiter,
		logger:  logging.Default(cfg.Logger).With("component", "policy"),
	}, nil
}

// CheckEgress reports whether endpoint may receive data. A denial is
// itself audited as a BLOCKED entry.
func (g *Guard) CheckEgress(actor, endpoint string) error {
	if _, ok := g.allowed[endpoint]; ok {
		return nil
	}
	g.logger.Warn("egress blocked", "endpoint", endpoint, "actor", actor)
	if _, err := g.ledger.Append(evPolicyViolation, actor, endpoint, nil, nil, audit.StatusBlocked,
		map[string]any{"reason": "endpoint not in allowlist"}); err != nil {
		return err
	}
	return fmt.Errorf("%w: endpoint %q not in allowlist", ErrPolicyViolation, endpoint)
}

// Transcriber returns inner wrapped with the guard. Every call is checked
// against the allowlist, rate limited, and audited before its result is
// returned to the worker.
func (g *Guard) Transcriber(inner asr.Transcriber, endpoint, actor string) asr.Transcriber {
	return &guardedTranscriber{guard: g, inner: inner, endpoint: endpoint, actor: actor}
}

// Classifier returns inner wrapped with the guard.
func (g *Guard) Classifier(inner asr.Classifier, endpoint, actor string) asr.Classifier {
	return &guardedClassifier{guard: g, inner: inner, endpoint: endpoint, actor: actor}
}

func (g *Guard) admit(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Wait(ctx)
}

type guardedTranscriber struct {
	guard    *Guard
	inner    asr.Transcriber
	endpoint string
	actor    string
}

func (t *guardedTranscriber) Transcribe(ctx context.Context, wavPath string, opts asr.Options) (asr.Transcript, error) {
	g := t.guard
	if err := g.CheckEgress(t.actor, t.endpoint); err != nil {
		return asr.Transcript{}, err
	}
	if err := g.admit(ctx); err != nil {
		return asr.Transcript{}, err
	}

	payload, err := json.Marshal(map[string]any{"wav_path": wavPath, "options": opts})
	if err != nil {
		return asr.Transcript{}, err
	}

	transcript, callErr := t.inner.Transcribe(ctx, wavPath, opts)

	status := audit.StatusSuccess
	var result []byte
	metadata := map[string]any{"wav_path": wavPath}
	if callErr != nil {
		status = audit.StatusFailed
		metadata["error"] = callErr.Error()
	} else {
		if result, err = json.Marshal(transcript); err != nil {
			return asr.Transcript{}, err
		}
	}
	// The trail is written before the result is published; a ledger
	// failure fails the call even when the adapter succeeded.
	if _, err := g.ledger.Append(evASRDispatched, t.actor, t.endpoint, payload, result, status, metadata); err != nil {
		return asr.Transcript{}, err
	}
	return transcript, callErr
}

type guardedClassifier struct {
	guard    *Guard
	inner    asr.Classifier
	endpoint string
	actor    string
}

func (c *guardedClassifier) ClassifySpeaker(ctx context.Context, contextText string, priorLabels []asr.SpeakerLabel) (asr.Classification, error) {
	g := c.guard
	if err := g.CheckEgress(c.actor, c.endpoint); err != nil {
		return asr.Classification{}, err
	}
	if err := g.admit(ctx); err != nil {
		return asr.Classification{}, err
	}

	payload, err := json.Marshal(map[string]any{"context": contextText, "prior_labels": priorLabels})
	if err != nil {
		return asr.Classification{}, err
	}

	class, callErr := c.inner.ClassifySpeaker(ctx, contextText, priorLabels)

	status := audit.StatusSuccess
	var result []byte
	metadata := map[string]any{}
	if callErr != nil {
		status = audit.StatusFailed
		metadata["error"] = callErr.Error()
	} else {
		if result, err = json.Marshal(class); err != nil {
			return asr.Classification{}, err
		}
	}
	if _, err := g.ledger.Append(evClassifierDispatched, c.actor, c.endpoint, payload, result, status, metadata); err != nil {
		return asr.Classification{}, err
	}
	return class, callErr
}
