// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval fetches candidate documents from a vector store and
// re-scores them with a confidence blend of similarity, term coverage,
// contextual relevance, and document-quality heuristics.
package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianVeritas/services/veritas/complexity"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/perf"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/text"
)

var tracer = otel.Tracer("aleutian.ai/veritas/retrieval")

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	retrievalRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veritas",
		Subsystem: "retrieval",
		Name:      "requests_total",
		Help:      "Retrieval requests by outcome: ok, degraded",
	}, []string{"outcome"})

	retrievalDocsReturned = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "veritas",
		Subsystem: "retrieval",
		Name:      "documents_returned",
		Help:      "Documents returned per retrieval after filtering",
		Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
	})

	retrievalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "veritas",
		Subsystem: "retrieval",
		Name:      "duration_seconds",
		Help:      "End-to-end retrieval latency",
		Buckets:   prometheus.DefBuckets,
	})
)

// =============================================================================
// Types
// =============================================================================

// DocumentMeta is the closed metadata schema carried by every document.
// Unknown store fields are dropped at the adapter boundary rather than
// smuggled through an open map.
type DocumentMeta struct {
	Source    string    `json:"source,omitempty"`
	Title     string    `json:"title,omitempty"`
	Author    string    `json:"author,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
}

// Document is one candidate from the document store.
type Document struct {
	ID      string       `json:"id"`
	Content string       `json:"content"`
	Meta    DocumentMeta `json:"meta"`

	// Similarity is the store's base semantic similarity in [0, 1].
	Similarity float64 `json:"similarity"`
}

// ScoredDocument pairs a document with its blended confidence.
type ScoredDocument struct {
	Document   Document `json:"document"`
	Confidence float64  `json:"confidence"`
}

// Result is the outcome of one retrieval.
type Result struct {
	Documents         []ScoredDocument `json:"documents"`
	TotalMatches      int              `json:"totalMatches"`
	AverageConfidence float64          `json:"averageConfidence"`
	RetrievalTimeMs   int64            `json:"retrievalTimeMs"`
}

// Options tunes one retrieval call.
type Options struct {
	// TopK is the number of documents to return. Values < 1 default to 5.
	TopK int `json:"topK"`

	// MinConfidence drops documents scoring below it. Zero keeps everything.
	MinConfidence float64 `json:"minConfidence"`

	// Complexity widens the candidate oversample for harder queries.
	// Empty defaults to medium.
	Complexity complexity.Class `json:"complexity,omitempty"`
}

// DocumentStore abstracts the vector store behind retrieval.
type DocumentStore interface {
	// Search returns up to limit candidates ranked by semantic similarity.
	Search(ctx context.Context, query string, limit int) ([]Document, error)
}

// =============================================================================
// Scoring Constants
// =============================================================================

// Confidence blend weights. Fixed, not configurable: retrieval quality is a
// property of the system, not of a request.
const (
	weightSimilarity = 0.40
	weightCoverage   = 0.25
	weightContextual = 0.25
	weightQuality    = 0.10
)

// explanatoryMarkers boost contextual relevance for documents that explain
// rather than merely mention.
var explanatoryMarkers = []string{
	"is defined as", "refers to", "means that", "for example",
	"in other words", "consists of", "is used to",
}

// oversampleFor widens the candidate pool before re-scoring. Harder queries
// get a wider pool because the store's similarity ranking is noisier there.
func oversampleFor(class complexity.Class) int {
	switch class {
	case complexity.ClassSimple:
		return 2
	case complexity.ClassComplex:
		return 4
	default:
		return 3
	}
}

// =============================================================================
// Retriever
// =============================================================================

// Retriever wraps a DocumentStore with confidence scoring, filtering, and
// result caching.
//
// # Description
//
// Retrieval degrades instead of failing: any upstream error yields an empty
// result with zero average confidence so the pipeline can fall back rather
// than abort.
//
// # Thread Safety
//
// Safe for concurrent use.
type Retriever struct {
	store    DocumentStore
	cache    *perf.Cache
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewRetriever creates a retriever over the given store.
//
// # Inputs
//
//   - store: Candidate source. Must not be nil.
//   - cache: Result cache. May be nil to disable caching.
//   - cacheTTL: Lifetime for cached results. <= 0 uses the cache default.
//   - logger: May be nil.
//
// # Thread Safety
//
// The returned retriever is safe for concurrent use.
func NewRetriever(store DocumentStore, cache *perf.Cache, cacheTTL time.Duration, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{store: store, cache: cache, cacheTTL: cacheTTL, logger: logger}
}

// Retrieve fetches, scores, filters, and ranks documents for a query.
//
// # Description
//
// Requests topK x oversample candidates from the store, blends each
// candidate's similarity with term coverage, contextual relevance, and
// quality heuristics, drops candidates below MinConfidence, and returns the
// topK best. Upstream failures return an empty result, never an error.
//
// # Inputs
//
//   - ctx: Context for the store call and cache coalescing.
//   - query: Raw query text.
//   - opts: Result sizing and filtering.
//
// # Outputs
//
//   - *Result: Never nil. Empty (AverageConfidence 0) on upstream failure.
//
// # Thread Safety
//
// Safe for concurrent use.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts Options) *Result {
	if opts.TopK < 1 {
		opts.TopK = 5
	}

	if r.cache != nil {
		key := perf.Key("retrieval", text.NormalizeQuery(query), opts.TopK, opts.MinConfidence, string(opts.Complexity))
		v, err := r.cache.Do(ctx, key, r.cacheTTL, func(ctx context.Context) (any, error) {
			return r.retrieve(ctx, query, opts), nil
		})
		if err == nil {
			if result, ok := v.(*Result); ok {
				return result
			}
		}
	}
	return r.retrieve(ctx, query, opts)
}

func (r *Retriever) retrieve(ctx context.Context, query string, opts Options) *Result {
	ctx, span := tracer.Start(ctx, "retrieval.retrieve", trace.WithAttributes(
		attribute.Int("top_k", opts.TopK),
		attribute.Float64("min_confidence", opts.MinConfidence),
	))
	defer span.End()

	start := time.Now()
	limit := opts.TopK * oversampleFor(opts.Complexity)

	if r.store == nil {
		retrievalRequests.WithLabelValues("degraded").Inc()
		r.logger.Warn("no document store configured, returning empty result")
		return &Result{
			Documents:       []ScoredDocument{},
			RetrievalTimeMs: time.Since(start).Milliseconds(),
		}
	}

	candidates, err := r.store.Search(ctx, query, limit)
	if err != nil {
		retrievalRequests.WithLabelValues("degraded").Inc()
		span.RecordError(err)
		r.logger.Warn("document store search failed, returning empty result",
			slog.String("error", err.Error()),
		)
		return &Result{
			Documents:       []ScoredDocument{},
			RetrievalTimeMs: time.Since(start).Milliseconds(),
		}
	}

	queryTerms := text.ExtractTerms(query)
	scored := make([]ScoredDocument, 0, len(candidates))
	for _, doc := range candidates {
		confidence := r.score(queryTerms, doc)
		if opts.MinConfidence > 0 && confidence < opts.MinConfidence {
			continue
		}
		scored = append(scored, ScoredDocument{Document: doc, Confidence: confidence})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Confidence > scored[j].Confidence
	})
	if len(scored) > opts.TopK {
		scored = scored[:opts.TopK]
	}

	total := 0.0
	for _, s := range scored {
		total += s.Confidence
	}
	avg := 0.0
	if len(scored) > 0 {
		avg = total / float64(len(scored))
	}

	elapsed := time.Since(start)
	retrievalRequests.WithLabelValues("ok").Inc()
	retrievalDocsReturned.Observe(float64(len(scored)))
	retrievalDuration.Observe(elapsed.Seconds())
	span.SetAttributes(
		attribute.Int("documents", len(scored)),
		attribute.Float64("average_confidence", avg),
	)

	return &Result{
		Documents:         scored,
		TotalMatches:      len(candidates),
		AverageConfidence: avg,
		RetrievalTimeMs:   elapsed.Milliseconds(),
	}
}

// score blends the four confidence components for one candidate.
func (r *Retriever) score(queryTerms map[string]bool, doc Document) float64 {
	docTerms := text.ExtractTerms(doc.Content)

	similarity := clamp01(doc.Similarity)
	coverage := text.Coverage(queryTerms, docTerms)
	contextual := contextualScore(queryTerms, docTerms, doc.Content)
	quality := qualityScore(doc)

	return weightSimilarity*similarity +
		weightCoverage*coverage +
		weightContextual*contextual +
		weightQuality*quality
}

// contextualScore is lexical Jaccard similarity plus a flat boost when the
// document carries explanatory phrasing.
func contextualScore(queryTerms, docTerms map[string]bool, content string) float64 {
	score := text.Jaccard(queryTerms, docTerms)
	lower := strings.ToLower(content)
	for _, marker := range explanatoryMarkers {
		if strings.Contains(lower, marker) {
			score += 0.2
			break
		}
	}
	return clamp01(score)
}

// qualityScore rates a document on content length, metadata completeness,
// source attribution, and recency.
func qualityScore(doc Document) float64 {
	length := lengthScore(len(doc.Content))

	meta := 0.0
	if doc.Meta.Title != "" || doc.Meta.Author != "" || len(doc.Meta.Tags) > 0 {
		meta = 1.0
	}
	source := 0.0
	if doc.Meta.Source != "" {
		source = 1.0
	}
	recency := 0.0
	if !doc.Meta.CreatedAt.IsZero() {
		age := time.Since(doc.Meta.CreatedAt)
		switch {
		case age < 90*24*time.Hour:
			recency = 1.0
		case age < 365*24*time.Hour:
			recency = 0.6
		default:
			recency = 0.2
		}
	}

	return 0.4*length + 0.2*meta + 0.2*source + 0.2*recency
}

// lengthScore has a sweet spot between 100 and 2000 characters. Very short
// fragments rarely support an answer; very long blobs dilute the context
// budget.
func lengthScore(n int) float64 {
	switch {
	case n < 20:
		return 0.1
	case n < 100:
		return 0.4
	case n <= 2000:
		return 1.0
	case n <= 5000:
		return 0.7
	default:
		return 0.4
	}
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
