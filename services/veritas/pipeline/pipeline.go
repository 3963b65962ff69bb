// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline wires the confidence stages end to end: complexity
// analysis, retrieval, reranking, context assembly, generation, confidence
// extraction, evaluation, calibration, and delivery.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianVeritas/services/llm"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/assemble"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/calibrate"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/complexity"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/config"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/deliver"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/evaluate"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/extract"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/perf"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/rerank"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/retrieval"
)

var tracer = otel.Tracer("aleutian.ai/veritas/pipeline")

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	answersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veritas",
		Subsystem: "pipeline",
		Name:      "answers_total",
		Help:      "Completed answers by final action",
	}, []string{"action"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "veritas",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Per-stage latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	generationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "veritas",
		Subsystem: "pipeline",
		Name:      "generation_failures_total",
		Help:      "Generator errors degraded to rejected answers",
	})
)

// =============================================================================
// Types
// =============================================================================

// Options controls one answer request.
type Options struct {
	// TopK is the number of documents kept after reranking. Values < 1
	// default to 5.
	TopK int `json:"topK"`

	// Mode selects the context layout.
	Mode assemble.Mode `json:"mode,omitempty"`

	// Display selects the confidence presentation.
	Display deliver.DisplayStyle `json:"display,omitempty"`

	// IncludeEvidence attaches source snippets to the delivery.
	IncludeEvidence bool `json:"includeEvidence"`
}

// Answer is the full pipeline output for one query.
type Answer struct {
	Query      string               `json:"query"`
	Response   *deliver.Response    `json:"response"`
	Evaluation *evaluate.Result     `json:"evaluation"`
	Complexity *complexity.Analysis `json:"complexity"`
	Context    *assemble.Context    `json:"context"`
	Extraction *extract.Extraction  `json:"extraction"`
	ModelTier  perf.ModelTier       `json:"modelTier"`
	Retrieved  int                  `json:"retrieved"`
	ElapsedMs  int64                `json:"elapsedMs"`
}

// Deps carries the stage implementations. All fields are required except
// Monitor and ModelForTier.
type Deps struct {
	Analyzer   *complexity.Analyzer
	Retriever  *retrieval.Retriever
	Reranker   *rerank.Reranker
	Builder    *assemble.Builder
	Generator  llm.Generator
	Extractor  *extract.Extractor
	Evaluator  *evaluate.Evaluator
	Calibrator *calibrate.Calibrator
	Delivery   *deliver.Manager

	// Monitor supplies load-aware model-tier suggestions. Nil defaults
	// every query to the standard tier.
	Monitor *perf.Monitor

	// ModelForTier maps a tier to a backend model name. Missing entries
	// keep the generator's default model.
	ModelForTier map[perf.ModelTier]string
}

// Pipeline executes the answer flow.
//
// # Description
//
// Every stage degrades rather than aborts: retrieval failure yields an
// ungrounded FALLBACK answer, generation failure yields a rejected empty
// answer, and scorer failures are contained inside the evaluator. The
// only error Answer returns is context cancellation between stages.
//
// # Thread Safety
//
// Safe for concurrent use.
type Pipeline struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger
}

// New creates a pipeline.
//
// # Inputs
//
//   - cfg: Validated configuration. Must not be nil.
//   - deps: Stage implementations.
//   - logger: May be nil.
//
// # Outputs
//
//   - *Pipeline: Nil on error.
//   - error: Non-nil when a required dependency is missing.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for name, missing := range map[string]bool{
		"analyzer":   deps.Analyzer == nil,
		"retriever":  deps.Retriever == nil,
		"reranker":   deps.Reranker == nil,
		"builder":    deps.Builder == nil,
		"generator":  deps.Generator == nil,
		"extractor":  deps.Extractor == nil,
		"evaluator":  deps.Evaluator == nil,
		"calibrator": deps.Calibrator == nil,
		"delivery":   deps.Delivery == nil,
	} {
		if missing {
			return nil, fmt.Errorf("pipeline: missing dependency %s", name)
		}
	}
	return &Pipeline{cfg: cfg, deps: deps, logger: logger}, nil
}

// Answer runs the full flow for one query.
//
// # Inputs
//
//   - ctx: Cancellation is checked between stages, not mid-stage.
//   - query: The user's question.
//   - opts: Request options.
//
// # Outputs
//
//   - *Answer: The delivered answer with all stage artifacts. Nil only
//     when err is non-nil.
//   - error: Context cancellation only; every upstream failure degrades.
//
// # Thread Safety
//
// Safe for concurrent use.
func (p *Pipeline) Answer(ctx context.Context, query string, opts Options) (*Answer, error) {
	ctx, span := tracer.Start(ctx, "pipeline.answer")
	defer span.End()
	started := time.Now()

	if opts.TopK < 1 {
		opts.TopK = 5
	}

	// Stage 1: complexity.
	analysis := timed(ctx, "complexity", func(ctx context.Context) *complexity.Analysis {
		return p.deps.Analyzer.Analyze(ctx, query)
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tier := perf.TierStandard
	if p.deps.Monitor != nil {
		tier = p.deps.Monitor.SuggestModel(analysis.Score)
	}

	// Stage 2: retrieval, under its own timeout. The retriever degrades
	// internally; a timeout surfaces as an empty result.
	retrieved := timed(ctx, "retrieval", func(ctx context.Context) *retrieval.Result {
		rctx, cancel := context.WithTimeout(ctx, p.cfg.Timeouts.Retrieval.Std())
		defer cancel()
		return p.deps.Retriever.Retrieve(rctx, query, retrieval.Options{
			TopK:          opts.TopK,
			MinConfidence: p.cfg.Thresholds.Retrieval.Minimum,
			Complexity:    analysis.Class,
		})
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stage 3: rerank. Degrades to retrieval order on any embedder issue.
	ranked := timed(ctx, "rerank", func(ctx context.Context) []rerank.RankedDocument {
		return p.deps.Reranker.Rerank(ctx, query, retrieved.Documents, opts.TopK)
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stage 4: context assembly.
	assembled := timed(ctx, "assemble", func(_ context.Context) *assemble.Context {
		return p.deps.Builder.Build(query, ranked, assemble.Options{
			MaxTokens:          p.cfg.Context.MaxTokens,
			CharsPerToken:      p.cfg.Context.CharsPerToken,
			Mode:               opts.Mode,
			PreferredThreshold: p.cfg.Thresholds.Retrieval.Preferred,
		})
	})

	// Stage 5: generation, under its own timeout.
	genResult, genErr := p.generate(ctx, query, assembled.Content, tier)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if genErr != nil {
		generationFailures.Inc()
		p.logger.Error("generation failed, degrading to rejected answer",
			slog.String("error", genErr.Error()))
		return p.degraded(query, analysis, assembled, tier, started), nil
	}

	// Stage 6: confidence extraction.
	extraction := timed(ctx, "extract", func(_ context.Context) *extract.Extraction {
		tokens := make([]extract.Token, 0, len(genResult.Tokens))
		for _, tok := range genResult.Tokens {
			tokens = append(tokens, extract.Token{Text: tok.Text, LogProb: tok.LogProb})
		}
		return p.deps.Extractor.Extract(genResult.Text, tokens)
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stage 7: evaluation.
	sources := sourcesFor(ranked, assembled)
	evaluation := timed(ctx, "evaluate", func(ctx context.Context) *evaluate.Result {
		return p.deps.Evaluator.Evaluate(ctx, query, genResult.Text, sources, extraction.Confidence)
	})

	// An answer produced without any sources is never trusted on its own
	// merits, whatever the scorers say.
	if len(sources) == 0 {
		evaluation.Action = evaluate.ActionFallback
		evaluation.HumanReviewNeeded = true
	}

	// Stage 8: calibration.
	calibrated := p.deps.Calibrator.Calibrate(evaluation.Overall)

	// Stage 9: delivery.
	response := p.deps.Delivery.Deliver(genResult.Text, evaluation, calibrated.Score, sources, deliver.Options{
		Display:         opts.Display,
		IncludeEvidence: opts.IncludeEvidence,
	})

	answersTotal.WithLabelValues(string(evaluation.Action)).Inc()
	span.SetAttributes(
		attribute.String("action", string(evaluation.Action)),
		attribute.Float64("confidence", calibrated.Score),
		attribute.String("complexity", string(analysis.Class)),
		attribute.Int("sources", len(sources)),
	)

	return &Answer{
		Query:      query,
		Response:   response,
		Evaluation: evaluation,
		Complexity: analysis,
		Context:    assembled,
		Extraction: extraction,
		ModelTier:  tier,
		Retrieved:  len(retrieved.Documents),
		ElapsedMs:  time.Since(started).Milliseconds(),
	}, nil
}

// =============================================================================
// Internals
// =============================================================================

func (p *Pipeline) generate(ctx context.Context, query, contextBlock string, tier perf.ModelTier) (*llm.Result, error) {
	gctx, cancel := context.WithTimeout(ctx, p.cfg.Timeouts.Generation.Std())
	defer cancel()

	start := time.Now()
	defer func() { stageDuration.WithLabelValues("generate").Observe(time.Since(start).Seconds()) }()

	params := llm.Params{}
	if model, ok := p.deps.ModelForTier[tier]; ok {
		params.ModelOverride = model
	}

	prompt := fmt.Sprintf("Context:\n%s\n\nQuestion: %s", contextBlock, query)
	return p.deps.Generator.Generate(gctx, "", prompt, params)
}

// degraded builds the rejected answer used when generation fails.
func (p *Pipeline) degraded(query string, analysis *complexity.Analysis, assembled *assemble.Context, tier perf.ModelTier, started time.Time) *Answer {
	evaluation := &evaluate.Result{
		Action:            evaluate.ActionReject,
		HumanReviewNeeded: true,
		UncertaintyAreas:  []string{"answer generation failed"},
	}
	response := p.deps.Delivery.Deliver("", evaluation, 0, nil, deliver.Options{})

	answersTotal.WithLabelValues(string(evaluation.Action)).Inc()
	return &Answer{
		Query:      query,
		Response:   response,
		Evaluation: evaluation,
		Complexity: analysis,
		Context:    assembled,
		Extraction: &extract.Extraction{},
		ModelTier:  tier,
		ElapsedMs:  time.Since(started).Milliseconds(),
	}
}

// timed runs one stage under a tracing span and a latency observation.
func timed[T any](ctx context.Context, stage string, fn func(context.Context) T) T {
	ctx, span := tracer.Start(ctx, "pipeline."+stage)
	start := time.Now()
	defer func() {
		stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
		span.End()
	}()
	return fn(ctx)
}

// sourcesFor maps the context's used documents to evaluation sources.
func sourcesFor(ranked []rerank.RankedDocument, assembled *assemble.Context) []evaluate.Source {
	used := make(map[string]bool, len(assembled.UsedDocuments))
	for _, id := range assembled.UsedDocuments {
		used[id] = true
	}
	var sources []evaluate.Source
	for _, doc := range ranked {
		if !used[doc.Document.Document.ID] {
			continue
		}
		sources = append(sources, evaluate.Source{
			Content:    doc.Document.Document.Content,
			Confidence: doc.CombinedScore,
		})
	}
	return sources
}
