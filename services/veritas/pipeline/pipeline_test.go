// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

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

// =============================================================================
// Fakes
// =============================================================================

type fakeStore struct {
	docs []retrieval.Document
	err  error
}

func (f *fakeStore) Search(_ context.Context, _ string, _ int) ([]retrieval.Document, error) {
	return f.docs, f.err
}

type fakeGenerator struct {
	mu         sync.Mutex
	result     *llm.Result
	err        error
	lastPrompt string
	lastParams llm.Params
}

func (f *fakeGenerator) Generate(_ context.Context, _, prompt string, params llm.Params) (*llm.Result, error) {
	f.mu.Lock()
	f.lastPrompt = prompt
	f.lastParams = params
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func dockerDocs() []retrieval.Document {
	content := "Docker is a container platform for packaging applications. " +
		"Docker packages applications with their dependencies so that deployments " +
		"stay reproducible across machines. For example, a service and its libraries " +
		"ship as one image."
	return []retrieval.Document{
		{ID: "d1", Content: content, Similarity: 0.92, Meta: retrieval.DocumentMeta{Source: "docs/docker.md", Title: "Docker"}},
		{ID: "d2", Content: content + " Images are built in layers.", Similarity: 0.88, Meta: retrieval.DocumentMeta{Source: "docs/images.md", Title: "Images"}},
	}
}

func goodGeneration() *llm.Result {
	return &llm.Result{
		Text: "Docker is a container platform. It packages applications together " +
			"with their dependencies for reproducible deployment.",
		Tokens: []llm.Token{
			{Text: "Docker", LogProb: -0.1},
			{Text: " is", LogProb: -0.2},
			{Text: " a", LogProb: -0.15},
			{Text: " container", LogProb: -0.3},
			{Text: " platform", LogProb: -0.25},
		},
		FinishReason: "stop",
	}
}

func newTestPipeline(t *testing.T, store retrieval.DocumentStore, gen llm.Generator) *Pipeline {
	t.Helper()
	cfg := config.Default()
	cache := perf.NewCache(64, time.Minute, true, nil)
	cal := calibrate.NewCalibrator(10, nil, nil)

	p, err := New(cfg, Deps{
		Analyzer:   complexity.NewAnalyzer(cache, nil),
		Retriever:  retrieval.NewRetriever(store, cache, time.Minute, nil),
		Reranker:   rerank.NewReranker(nil, nil),
		Builder:    assemble.NewBuilder(nil),
		Generator:  gen,
		Extractor:  extract.NewExtractor(nil),
		Evaluator:  evaluate.NewEvaluator(cfg, nil),
		Calibrator: cal,
		Delivery:   deliver.NewManager(cfg, cal, nil),
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

// =============================================================================
// Tests
// =============================================================================

func TestAnswer_GroundedQuery(t *testing.T) {
	gen := &fakeGenerator{result: goodGeneration()}
	p := newTestPipeline(t, &fakeStore{docs: dockerDocs()}, gen)

	got, err := p.Answer(context.Background(), "what is docker", Options{TopK: 3})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	if got.Response == nil || got.Response.FeedbackID == "" {
		t.Fatal("answer must carry a delivered response with a feedback id")
	}
	if got.Response.Answer != goodGeneration().Text {
		t.Errorf("delivered answer = %q", got.Response.Answer)
	}
	if got.Retrieved == 0 {
		t.Error("retrieved count not recorded")
	}
	if got.Evaluation.Action == evaluate.ActionReject || got.Evaluation.Action == evaluate.ActionFallback {
		t.Errorf("grounded on-topic answer got action %s (overall %.3f)",
			got.Evaluation.Action, got.Evaluation.Overall)
	}
	if got.Evaluation.Overall <= 0.5 {
		t.Errorf("overall = %.3f, want above 0.5 for a grounded answer", got.Evaluation.Overall)
	}
	if got.Extraction.Confidence <= 0.5 {
		t.Errorf("token confidence = %.3f, want high for strong logprobs", got.Extraction.Confidence)
	}
	if !strings.Contains(gen.lastPrompt, "what is docker") {
		t.Error("query missing from generation prompt")
	}
	if !strings.Contains(gen.lastPrompt, "Docker is a container platform") {
		t.Error("retrieved context missing from generation prompt")
	}
}

func TestAnswer_NoSourcesIsFallback(t *testing.T) {
	gen := &fakeGenerator{result: goodGeneration()}
	p := newTestPipeline(t, &fakeStore{}, gen)

	got, err := p.Answer(context.Background(), "what is docker", Options{})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	if got.Evaluation.Action != evaluate.ActionFallback {
		t.Errorf("action = %s, want %s", got.Evaluation.Action, evaluate.ActionFallback)
	}
	if !got.Evaluation.HumanReviewNeeded {
		t.Error("ungrounded answer must need human review")
	}
	if got.Context.Confidence != 0 {
		t.Errorf("empty-source context confidence = %v, want 0", got.Context.Confidence)
	}
	if !strings.Contains(strings.ToLower(got.Context.Content), "no sources found") {
		t.Errorf("context content %q missing the no-sources marker", got.Context.Content)
	}

	found := false
	for _, w := range got.Response.Warnings {
		if strings.Contains(w, "no supporting sources") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want the ungrounded warning", got.Response.Warnings)
	}
}

func TestAnswer_RetrievalMinimumThresholdFilters(t *testing.T) {
	gen := &fakeGenerator{result: goodGeneration()}
	store := &fakeStore{docs: dockerDocs()}

	cfg := config.Default()
	cfg.Thresholds.Retrieval.Minimum = 0.99
	cache := perf.NewCache(64, time.Minute, true, nil)
	cal := calibrate.NewCalibrator(10, nil, nil)
	p, err := New(cfg, Deps{
		Analyzer:   complexity.NewAnalyzer(cache, nil),
		Retriever:  retrieval.NewRetriever(store, cache, time.Minute, nil),
		Reranker:   rerank.NewReranker(nil, nil),
		Builder:    assemble.NewBuilder(nil),
		Generator:  gen,
		Extractor:  extract.NewExtractor(nil),
		Evaluator:  evaluate.NewEvaluator(cfg, nil),
		Calibrator: cal,
		Delivery:   deliver.NewManager(cfg, cal, nil),
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := p.Answer(context.Background(), "what is docker", Options{})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	// A 0.99 floor excludes every stub document, so the answer has no
	// sources and falls back.
	if got.Evaluation.Action != evaluate.ActionFallback {
		t.Errorf("action = %s, want %s when the minimum confidence floor excludes all documents",
			got.Evaluation.Action, evaluate.ActionFallback)
	}
	if len(got.Context.UsedDocuments) != 0 {
		t.Errorf("used documents = %v, want none", got.Context.UsedDocuments)
	}
}

func TestAnswer_StoreFailureDegrades(t *testing.T) {
	gen := &fakeGenerator{result: goodGeneration()}
	p := newTestPipeline(t, &fakeStore{err: errors.New("store down")}, gen)

	got, err := p.Answer(context.Background(), "what is docker", Options{})
	if err != nil {
		t.Fatalf("store failure must not fail the pipeline: %v", err)
	}
	if got.Evaluation.Action != evaluate.ActionFallback {
		t.Errorf("action = %s, want fallback when retrieval degrades to empty", got.Evaluation.Action)
	}
}

func TestAnswer_GenerationFailureRejects(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("model unavailable")}
	p := newTestPipeline(t, &fakeStore{docs: dockerDocs()}, gen)

	got, err := p.Answer(context.Background(), "what is docker", Options{})
	if err != nil {
		t.Fatalf("generation failure must degrade, not fail: %v", err)
	}
	if got.Evaluation.Action != evaluate.ActionReject {
		t.Errorf("action = %s, want %s", got.Evaluation.Action, evaluate.ActionReject)
	}
	if got.Response.Answer != "" {
		t.Errorf("degraded answer text = %q, want empty", got.Response.Answer)
	}
	if !got.Evaluation.HumanReviewNeeded {
		t.Error("degraded answer must need human review")
	}
}

func TestAnswer_CancelledContext(t *testing.T) {
	gen := &fakeGenerator{result: goodGeneration()}
	p := newTestPipeline(t, &fakeStore{docs: dockerDocs()}, gen)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Answer(ctx, "what is docker", Options{}); err == nil {
		t.Fatal("cancelled context must surface as an error")
	}
}

func TestAnswer_ModelTierOverride(t *testing.T) {
	gen := &fakeGenerator{result: goodGeneration()}
	p := newTestPipeline(t, &fakeStore{docs: dockerDocs()}, gen)
	p.deps.Monitor = perf.NewMonitor(time.Minute, 0, 0, nil)
	p.deps.ModelForTier = map[perf.ModelTier]string{
		perf.TierLight:    "small-model",
		perf.TierStandard: "standard-model",
		perf.TierHeavy:    "large-model",
	}

	if _, err := p.Answer(context.Background(), "what is docker", Options{}); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if gen.lastParams.ModelOverride == "" {
		t.Error("model tier override did not reach the generator")
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(config.Default(), Deps{}, nil); err == nil {
		t.Fatal("empty dependency set must error")
	}
}
