// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rerank

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianVeritas/services/veritas/retrieval"
)

// fakeEmbedder returns canned vectors keyed by exact text.
type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	vec, ok := f.vectors[text]
	if !ok {
		return nil, errors.New("no vector for text")
	}
	return vec, nil
}

// fakeBatchEmbedder adds batch calls over the same canned vectors and
// records the size of every batch it serves.
type fakeBatchEmbedder struct {
	fakeEmbedder

	mu         sync.Mutex
	batchSizes []int
	batchErr   error
}

func (f *fakeBatchEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batchSizes = append(f.batchSizes, len(texts))
	f.mu.Unlock()
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeBatchEmbedder) batchedTexts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.batchSizes {
		total += n
	}
	return total
}

func scoredDoc(id, content string, confidence float64) retrieval.ScoredDocument {
	return retrieval.ScoredDocument{
		Document:   retrieval.Document{ID: id, Content: content},
		Confidence: confidence,
	}
}

// =============================================================================
// Rerank Tests
// =============================================================================

func TestRerank_SemanticAlignmentWins(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"the query":  {1, 0},
		"aligned":    {1, 0},
		"orthogonal": {0, 1},
	}}
	r := NewReranker(embedder, nil)

	// The orthogonal document has the better retrieval score, but a zero
	// semantic score collapses its geometric mean.
	docs := []retrieval.ScoredDocument{
		scoredDoc("orthogonal", "orthogonal", 0.99),
		scoredDoc("aligned", "aligned", 0.50),
	}

	got := r.Rerank(context.Background(), "the query", docs, 0)

	if got[0].Document.Document.ID != "aligned" {
		t.Fatalf("top document = %s, want aligned", got[0].Document.Document.ID)
	}
	if got[0].SemanticScore != 1.0 {
		t.Errorf("aligned semantic score = %.3f, want 1.0", got[0].SemanticScore)
	}
	if got[1].SemanticScore != 0.0 {
		t.Errorf("orthogonal semantic score = %.3f, want 0.0", got[1].SemanticScore)
	}
}

func TestRerank_CombinedScoreMath(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"q":   {1, 0},
		"doc": {0.6, 0.8},
	}}
	r := NewReranker(embedder, nil)

	got := r.Rerank(context.Background(), "q",
		[]retrieval.ScoredDocument{scoredDoc("d", "doc", 0.8)}, 0)

	// 0.8^0.4 * 0.6^0.6
	want := math.Exp(0.4*math.Log(0.8) + 0.6*math.Log(0.6))
	if diff := math.Abs(got[0].CombinedScore - want); diff > 1e-9 {
		t.Errorf("combined = %.6f, want %.6f", got[0].CombinedScore, want)
	}
	if math.Abs(got[0].SemanticScore-0.6) > 1e-6 {
		t.Errorf("semantic = %.6f, want 0.6", got[0].SemanticScore)
	}
}

func TestGeometricBlend_PunishesLowAxis(t *testing.T) {
	blend := geometricBlend(0.9, 0.1)
	arithmetic := 0.4*0.9 + 0.6*0.1
	if blend >= arithmetic {
		t.Errorf("geometric %.3f not below arithmetic %.3f for a lopsided pair",
			blend, arithmetic)
	}
	if blend > 0.3 {
		t.Errorf("blend(0.9, 0.1) = %.3f, want heavily penalized (<= 0.3)", blend)
	}
}

// =============================================================================
// Batched Embedding Tests
// =============================================================================

func TestRerank_BatchedEmbedding(t *testing.T) {
	embedder := &fakeBatchEmbedder{fakeEmbedder: fakeEmbedder{vectors: map[string][]float32{
		"the query":  {1, 0},
		"aligned":    {1, 0},
		"orthogonal": {0, 1},
		"diagonal":   {1, 1},
	}}}
	r := NewBatchingReranker(embedder, 3, 20*time.Millisecond, nil)

	docs := []retrieval.ScoredDocument{
		scoredDoc("orthogonal", "orthogonal", 0.99),
		scoredDoc("diagonal", "diagonal", 0.70),
		scoredDoc("aligned", "aligned", 0.50),
	}

	got := r.Rerank(context.Background(), "the query", docs, 0)

	if got[0].Document.Document.ID != "aligned" {
		t.Fatalf("top document = %s, want aligned", got[0].Document.Document.ID)
	}
	if got[0].SemanticScore != 1.0 {
		t.Errorf("aligned semantic score = %.3f, want 1.0", got[0].SemanticScore)
	}
	// All three document embeddings must have gone through batch calls; the
	// query embedding stays a direct call.
	if total := embedder.batchedTexts(); total != len(docs) {
		t.Errorf("batched %d texts, want %d", total, len(docs))
	}
}

func TestRerank_BatchFailurePassesThrough(t *testing.T) {
	embedder := &fakeBatchEmbedder{
		fakeEmbedder: fakeEmbedder{vectors: map[string][]float32{"q": {1, 0}}},
		batchErr:     errors.New("embed backend down"),
	}
	r := NewBatchingReranker(embedder, 2, 20*time.Millisecond, nil)
	docs := []retrieval.ScoredDocument{
		scoredDoc("first", "a", 0.7),
		scoredDoc("second", "b", 0.9),
	}

	got := r.Rerank(context.Background(), "q", docs, 0)

	if len(got) != 2 {
		t.Fatalf("returned %d documents, want 2", len(got))
	}
	for i, want := range docs {
		if got[i].Document.Document.ID != want.Document.ID || got[i].CombinedScore != want.Confidence {
			t.Errorf("position %d = %+v, want passthrough of %s", i, got[i], want.Document.ID)
		}
	}
}

func TestNewBatchingReranker_PlainEmbedderFallsBack(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"q": {1, 0},
		"a": {1, 0},
	}}
	r := NewBatchingReranker(embedder, 8, 20*time.Millisecond, nil)

	if r.batcher != nil {
		t.Fatal("a non-batch embedder must not get a batcher")
	}
	got := r.Rerank(context.Background(), "q",
		[]retrieval.ScoredDocument{scoredDoc("d", "a", 0.8)}, 0)
	if got[0].SemanticScore != 1.0 {
		t.Errorf("semantic = %.3f, want 1.0 via the direct path", got[0].SemanticScore)
	}
}

// =============================================================================
// Degradation Tests
// =============================================================================

func TestRerank_QueryEmbedFailurePassesThrough(t *testing.T) {
	r := NewReranker(&fakeEmbedder{err: errors.New("ollama down")}, nil)
	docs := []retrieval.ScoredDocument{
		scoredDoc("first", "a", 0.7),
		scoredDoc("second", "b", 0.9),
	}

	got := r.Rerank(context.Background(), "q", docs, 0)

	if len(got) != 2 {
		t.Fatalf("returned %d documents, want 2", len(got))
	}
	for i, want := range docs {
		if got[i].Document.Document.ID != want.Document.ID {
			t.Errorf("position %d = %s, want input order preserved", i, got[i].Document.Document.ID)
		}
		if got[i].SemanticScore != want.Confidence || got[i].CombinedScore != want.Confidence {
			t.Errorf("position %d scores = (%.2f, %.2f), want retrieval confidence %.2f",
				i, got[i].SemanticScore, got[i].CombinedScore, want.Confidence)
		}
	}
}

func TestRerank_DocumentEmbedFailurePassesThrough(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"q": {1, 0},
		"a": {1, 0},
		// "b" missing: its embed call fails
	}}
	r := NewReranker(embedder, nil)
	docs := []retrieval.ScoredDocument{
		scoredDoc("first", "a", 0.7),
		scoredDoc("second", "b", 0.9),
	}

	got := r.Rerank(context.Background(), "q", docs, 0)

	if got[0].Document.Document.ID != "first" || got[0].CombinedScore != 0.7 {
		t.Errorf("expected passthrough order and scores, got %+v", got)
	}
}

func TestRerank_NilEmbedderAndTruncation(t *testing.T) {
	r := NewReranker(nil, nil)
	docs := []retrieval.ScoredDocument{
		scoredDoc("a", "a", 0.9),
		scoredDoc("b", "b", 0.8),
		scoredDoc("c", "c", 0.7),
	}

	got := r.Rerank(context.Background(), "q", docs, 2)

	if len(got) != 2 {
		t.Fatalf("returned %d documents, want 2 after truncation", len(got))
	}
	if got[0].Document.Document.ID != "a" {
		t.Errorf("top = %s, want a", got[0].Document.Document.ID)
	}
}

func TestRerank_EmptyInput(t *testing.T) {
	r := NewReranker(nil, nil)
	if got := r.Rerank(context.Background(), "q", nil, 5); len(got) != 0 {
		t.Errorf("empty input returned %d documents", len(got))
	}
}
