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
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianVeritas/services/veritas/perf"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/retrieval"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var rerankRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "veritas",
	Subsystem: "rerank",
	Name:      "requests_total",
	Help:      "Rerank requests by outcome: ok, passthrough",
}, []string{"outcome"})

// =============================================================================
// Constants
// =============================================================================

// Geometric-mean weights. The semantic axis dominates because the retrieval
// score already contains a similarity component.
const (
	weightRetrieval = 0.4
	weightSemantic  = 0.6
)

// scoreFloor keeps ln() finite for zero scores. A document scoring zero on
// either axis lands near zero combined, which is the intended penalty.
const scoreFloor = 1e-6

// embedConcurrency bounds parallel document-embedding calls.
const embedConcurrency = 4

// =============================================================================
// Types
// =============================================================================

// RankedDocument is one reranked result.
type RankedDocument struct {
	Document retrieval.ScoredDocument `json:"document"`

	// SemanticScore is the cosine similarity between query and document
	// embeddings, clamped to [0, 1].
	SemanticScore float64 `json:"semanticScore"`

	// CombinedScore is the weighted geometric mean of the retrieval
	// confidence and SemanticScore.
	CombinedScore float64 `json:"combinedScore"`
}

// =============================================================================
// Reranker
// =============================================================================

// Reranker reorders retrieval results by embedding similarity.
//
// # Description
//
// The combined score is a weighted geometric mean rather than an arithmetic
// one: a document that is lexically strong but semantically off-topic (or
// vice versa) is punished harder than averaging would allow. Any embedding
// failure degrades to a passthrough that preserves the input order, with the
// retrieval confidence standing in for both scores. Reranking never aborts
// the pipeline.
//
// # Thread Safety
//
// Safe for concurrent use.
type Reranker struct {
	embedder Embedder
	logger   *slog.Logger

	// batcher coalesces document-embedding calls when the embedder supports
	// batch requests. Nil means one call per document.
	batcher  *perf.Batcher[string, []float32]
	batchKey string
}

// NewReranker creates a reranker that embeds documents one call each.
//
// # Inputs
//
//   - embedder: Embedding backend. May be nil; a nil embedder makes every
//     call a passthrough.
//   - logger: May be nil.
//
// # Thread Safety
//
// The returned reranker is safe for concurrent use.
func NewReranker(embedder Embedder, logger *slog.Logger) *Reranker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reranker{embedder: embedder, logger: logger}
}

// NewBatchingReranker creates a reranker that coalesces document embeddings
// into batch calls.
//
// # Description
//
// Document embeddings from concurrent rerank calls are collected by a
// batcher and flushed to the embedder's EmbedBatch in groups of up to
// batchSize, or after batchTimeout for a partial group. The query embedding
// stays a direct call. An embedder that does not implement BatchEmbedder
// falls back to one call per document.
//
// # Inputs
//
//   - embedder: Embedding backend. May be nil.
//   - batchSize: Maximum documents per batch call. Values < 1 default to 1.
//   - batchTimeout: Partial-batch flush deadline. Values <= 0 default to 50ms.
//   - logger: May be nil.
//
// # Thread Safety
//
// The returned reranker is safe for concurrent use.
func NewBatchingReranker(embedder Embedder, batchSize int, batchTimeout time.Duration, logger *slog.Logger) *Reranker {
	r := NewReranker(embedder, logger)
	batch, ok := embedder.(BatchEmbedder)
	if !ok {
		return r
	}
	r.batchKey = "embed"
	if named, ok := embedder.(interface{ Model() string }); ok {
		r.batchKey = named.Model()
	}
	r.batcher = perf.NewBatcher(batchSize, batchTimeout,
		func(ctx context.Context, _ string, texts []string) ([][]float32, error) {
			return batch.EmbedBatch(ctx, texts)
		}, r.logger)
	return r
}

// Rerank scores and reorders documents for a query.
//
// # Inputs
//
//   - ctx: Context for the embedding calls.
//   - query: Raw query text.
//   - docs: Retrieval results to reorder. Empty input returns empty output.
//   - topK: Truncation limit after sorting. Values < 1 keep everything.
//
// # Outputs
//
//   - []RankedDocument: Sorted descending by CombinedScore, or the input
//     order on passthrough. Never nil.
//
// # Thread Safety
//
// Safe for concurrent use.
func (r *Reranker) Rerank(ctx context.Context, query string, docs []retrieval.ScoredDocument, topK int) []RankedDocument {
	if len(docs) == 0 {
		return []RankedDocument{}
	}
	if r.embedder == nil {
		rerankRequests.WithLabelValues("passthrough").Inc()
		return passthrough(docs, topK)
	}

	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		rerankRequests.WithLabelValues("passthrough").Inc()
		r.logger.Warn("query embedding failed, passing retrieval order through",
			slog.String("error", err.Error()),
		)
		return passthrough(docs, topK)
	}
	queryUnit := unitNormalize(queryVec)
	if queryUnit == nil {
		rerankRequests.WithLabelValues("passthrough").Inc()
		return passthrough(docs, topK)
	}

	docUnits := make([][]float32, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	if r.batcher == nil {
		// Unbatched calls are bounded; batched submissions must all be in
		// flight at once so the batcher can fill its groups.
		g.SetLimit(embedConcurrency)
	}
	for i, doc := range docs {
		g.Go(func() error {
			vec, err := r.embedDocument(gctx, doc.Document.Content)
			if err != nil {
				return err
			}
			docUnits[i] = unitNormalize(vec)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		rerankRequests.WithLabelValues("passthrough").Inc()
		r.logger.Warn("document embedding failed, passing retrieval order through",
			slog.String("error", err.Error()),
		)
		return passthrough(docs, topK)
	}

	ranked := make([]RankedDocument, len(docs))
	for i, doc := range docs {
		semantic := 0.0
		if docUnits[i] != nil {
			semantic = clamp01(float64(dotProduct(queryUnit, docUnits[i])))
		}
		ranked[i] = RankedDocument{
			Document:      doc,
			SemanticScore: semantic,
			CombinedScore: geometricBlend(doc.Confidence, semantic),
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].CombinedScore > ranked[j].CombinedScore
	})
	rerankRequests.WithLabelValues("ok").Inc()
	return truncate(ranked, topK)
}

// embedDocument routes one document embedding through the batcher when
// configured, falling back to a direct call.
func (r *Reranker) embedDocument(ctx context.Context, content string) ([]float32, error) {
	if r.batcher != nil {
		return r.batcher.Submit(ctx, r.batchKey, content)
	}
	return r.embedder.Embed(ctx, content)
}

// geometricBlend computes exp(wr*ln(r) + ws*ln(s)) with a floor that keeps
// the logs finite.
func geometricBlend(retrievalScore, semanticScore float64) float64 {
	r := math.Max(retrievalScore, scoreFloor)
	s := math.Max(semanticScore, scoreFloor)
	return math.Exp(weightRetrieval*math.Log(r) + weightSemantic*math.Log(s))
}

// passthrough maps documents 1:1 preserving order, with the retrieval
// confidence standing in for the semantic and combined scores.
func passthrough(docs []retrieval.ScoredDocument, topK int) []RankedDocument {
	ranked := make([]RankedDocument, len(docs))
	for i, doc := range docs {
		ranked[i] = RankedDocument{
			Document:      doc,
			SemanticScore: doc.Confidence,
			CombinedScore: doc.Confidence,
		}
	}
	return truncate(ranked, topK)
}

func truncate(ranked []RankedDocument, topK int) []RankedDocument {
	if topK > 0 && len(ranked) > topK {
		return ranked[:topK]
	}
	return ranked
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
