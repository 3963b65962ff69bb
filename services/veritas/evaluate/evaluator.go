// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evaluate scores a generated response on factuality, relevance,
// and coherence, blends the signals into an overall confidence, and maps
// that confidence to a delivery action.
package evaluate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianVeritas/services/veritas/config"
)

var tracer = otel.Tracer("aleutian.ai/veritas/evaluate")

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	evaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veritas",
		Subsystem: "evaluate",
		Name:      "evaluations_total",
		Help:      "Evaluations by resulting action",
	}, []string{"action"})

	scorerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veritas",
		Subsystem: "evaluate",
		Name:      "scorer_failures_total",
		Help:      "Individual scorer failures by scorer name",
	}, []string{"scorer"})

	overallScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "veritas",
		Subsystem: "evaluate",
		Name:      "overall_score",
		Help:      "Blended overall confidence scores",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})
)

// =============================================================================
// Types
// =============================================================================

// Action is the delivery decision for an evaluated response.
type Action string

const (
	// ActionAccept delivers the response as-is.
	ActionAccept Action = "ACCEPT"

	// ActionReview delivers with a human-review flag.
	ActionReview Action = "REVIEW"

	// ActionRegenerate asks the generator for another attempt.
	ActionRegenerate Action = "REGENERATE"

	// ActionReject withholds the response.
	ActionReject Action = "REJECT"

	// ActionFallback marks answers produced without any sources.
	ActionFallback Action = "FALLBACK"
)

// Source is one evidence document with its retrieval confidence.
type Source struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

// ScorerFailure records one scorer that panicked during evaluation.
type ScorerFailure struct {
	Scorer string `json:"scorer"`
	Reason string `json:"reason"`
}

// Result is a complete evaluation.
type Result struct {
	Factuality float64 `json:"factuality"`
	Relevance  float64 `json:"relevance"`
	Coherence  float64 `json:"coherence"`

	// RawScore is the weighted blend of the three scorer outputs.
	RawScore float64 `json:"rawScore"`

	// Overall further blends RawScore with source and token confidence.
	Overall float64 `json:"overall"`

	QuestionType      QuestionType    `json:"questionType"`
	Action            Action          `json:"action"`
	HumanReviewNeeded bool            `json:"humanReviewNeeded"`
	UncertaintyAreas  []string        `json:"uncertaintyAreas,omitempty"`
	Failures          []ScorerFailure `json:"failures,omitempty"`
}

// =============================================================================
// Blend Weights
// =============================================================================

// Scorer weights for the raw score.
const (
	weightFactuality = 0.4
	weightRelevance  = 0.3
	weightCoherence  = 0.3
)

// Overall blend: raw scorer output, mean source confidence, token-level
// generation confidence. Without sources the source share is redistributed
// proportionally over the other two.
const (
	blendRaw    = 0.60
	blendSource = 0.25
	blendToken  = 0.15
)

// neutralOnFailure substitutes for a crashed scorer. Neutral rather than
// zero: a scorer bug says nothing about the response either way, and the
// forced human review covers the uncertainty.
const neutralOnFailure = 0.5

// =============================================================================
// Evaluator
// =============================================================================

// scorerFunc lets tests swap a scorer for a failing one.
type scorerFunc func(query, response string, sources []Source) float64

// Evaluator runs the three scorers concurrently and aggregates the result.
//
// # Description
//
// Scorers are independent and share no state. A scorer panic is contained:
// its score is substituted with a neutral default, the failure is recorded
// as an uncertainty area, and human review is forced. Evaluation never
// propagates an error past this boundary.
//
// # Thread Safety
//
// Safe for concurrent use.
type Evaluator struct {
	thresholds      config.Thresholds
	factualityFloor float64
	signals         SignalExtractor
	logger          *slog.Logger

	factuality scorerFunc
	relevance  scorerFunc
	coherence  scorerFunc
}

// NewEvaluator creates an evaluator with the default lexical signal
// extraction.
//
// # Inputs
//
//   - cfg: Validated configuration; supplies thresholds and the factuality
//     floor. Must not be nil.
//   - logger: May be nil.
//
// # Thread Safety
//
// The returned evaluator is safe for concurrent use.
func NewEvaluator(cfg *config.Config, logger *slog.Logger) *Evaluator {
	return NewEvaluatorWithSignals(cfg, HeuristicSignals{}, logger)
}

// NewEvaluatorWithSignals creates an evaluator over a custom signal
// extractor. The extractor must be safe for concurrent use.
func NewEvaluatorWithSignals(cfg *config.Config, signals SignalExtractor, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	if signals == nil {
		signals = HeuristicSignals{}
	}
	return &Evaluator{
		thresholds:      cfg.Thresholds,
		factualityFloor: cfg.FactualityFloor,
		signals:         signals,
		logger:          logger,
		factuality: func(_, response string, sources []Source) float64 {
			return scoreFactuality(signals, response, sources)
		},
		relevance: func(query, response string, _ []Source) float64 {
			return scoreRelevance(signals, query, response)
		},
		coherence: func(_, response string, _ []Source) float64 {
			return scoreCoherence(signals, response)
		},
	}
}

// Evaluate scores a response and decides its delivery action.
//
// # Inputs
//
//   - ctx: Context for tracing. The scorers themselves do not block.
//   - query: The user's query.
//   - response: The generated answer.
//   - sources: Evidence documents with retrieval confidence. May be empty.
//   - tokenConfidence: The extractor's generation confidence in [0, 1].
//
// # Outputs
//
//   - *Result: Never nil, even when every scorer fails.
//
// # Thread Safety
//
// Safe for concurrent use.
func (e *Evaluator) Evaluate(ctx context.Context, query, response string, sources []Source, tokenConfidence float64) *Result {
	_, span := tracer.Start(ctx, "evaluate.evaluate")
	defer span.End()

	scorers := []struct {
		name string
		fn   scorerFunc
	}{
		{"factuality", e.factuality},
		{"relevance", e.relevance},
		{"coherence", e.coherence},
	}

	outcomes := make([]scorerOutcome, len(scorers))
	var wg sync.WaitGroup
	for i, s := range scorers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = runScorer(s.name, s.fn, query, response, sources)
		}()
	}
	wg.Wait()

	result := &Result{
		Factuality:   outcomes[0].score,
		Relevance:    outcomes[1].score,
		Coherence:    outcomes[2].score,
		QuestionType: e.signals.QuestionType(query),
	}
	for _, o := range outcomes {
		if o.failure == nil {
			continue
		}
		result.Failures = append(result.Failures, *o.failure)
		result.UncertaintyAreas = append(result.UncertaintyAreas,
			fmt.Sprintf("%s scorer failed: %s", o.failure.Scorer, o.failure.Reason))
		scorerFailures.WithLabelValues(o.failure.Scorer).Inc()
		e.logger.Error("scorer failed, substituting neutral score",
			slog.String("scorer", o.failure.Scorer),
			slog.String("reason", o.failure.Reason),
		)
	}

	result.RawScore = weightFactuality*result.Factuality +
		weightRelevance*result.Relevance +
		weightCoherence*result.Coherence
	result.Overall = blendOverall(result.RawScore, sources, tokenConfidence)

	result.Action = e.decideAction(result.Overall, result.Factuality)
	if len(result.Failures) > 0 || result.Action == ActionReview {
		result.HumanReviewNeeded = true
	}

	// Token-level generation confidence is classified separately from the
	// overall blend: a fluent answer over strong sources can still carry a
	// low-certainty generation.
	gen := e.thresholds.Generation
	switch {
	case tokenConfidence < gen.Review:
		result.UncertaintyAreas = append(result.UncertaintyAreas,
			fmt.Sprintf("generation confidence %.2f is below the review threshold %.2f",
				tokenConfidence, gen.Review))
		result.HumanReviewNeeded = true
	case tokenConfidence < gen.Acceptable:
		result.UncertaintyAreas = append(result.UncertaintyAreas,
			fmt.Sprintf("generation confidence %.2f is below the acceptable threshold %.2f",
				tokenConfidence, gen.Acceptable))
	}

	evaluationsTotal.WithLabelValues(string(result.Action)).Inc()
	overallScore.Observe(result.Overall)
	span.SetAttributes(
		attribute.Float64("overall", result.Overall),
		attribute.String("action", string(result.Action)),
	)
	return result
}

// scorerOutcome is one scorer's score or its contained failure.
type scorerOutcome struct {
	score   float64
	failure *ScorerFailure
}

// runScorer executes one scorer with panic containment.
func runScorer(name string, fn scorerFunc, query, response string, sources []Source) (out scorerOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out.score = neutralOnFailure
			out.failure = &ScorerFailure{Scorer: name, Reason: fmt.Sprint(r)}
		}
	}()
	out.score = fn(query, response, sources)
	return out
}

// blendOverall combines the raw scorer output with source and token
// confidence. Without sources, the source share is redistributed.
func blendOverall(raw float64, sources []Source, tokenConfidence float64) float64 {
	if len(sources) == 0 {
		scale := blendRaw + blendToken
		return clamp01((blendRaw*raw + blendToken*tokenConfidence) / scale)
	}
	total := 0.0
	for _, s := range sources {
		total += s.Confidence
	}
	mean := total / float64(len(sources))
	return clamp01(blendRaw*raw + blendSource*mean + blendToken*tokenConfidence)
}

// decideAction maps the overall confidence to a delivery action. An
// overall score clearing the high bar still drops to REVIEW when the
// factuality signal is below its floor.
func (e *Evaluator) decideAction(overall, factuality float64) Action {
	o := e.thresholds.Overall
	switch {
	case overall >= o.High && factuality >= e.factualityFloor:
		return ActionAccept
	case overall >= o.Medium:
		return ActionReview
	case overall >= o.Low:
		return ActionRegenerate
	default:
		return ActionReject
	}
}
