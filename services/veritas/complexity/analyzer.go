// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package complexity scores query difficulty on a 0-10 scale from lexical
// signals. The score sizes retrieval breadth and selects a generation-model
// tier; it never blocks a request.
package complexity

import (
	"context"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianVeritas/services/veritas/perf"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/text"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	complexityScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "veritas",
		Subsystem: "complexity",
		Name:      "score",
		Help:      "Distribution of query complexity scores (0-10)",
		Buckets:   []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
	})

	complexityClassTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veritas",
		Subsystem: "complexity",
		Name:      "class_total",
		Help:      "Analyzed queries by complexity class",
	}, []string{"class"})
)

// =============================================================================
// Types
// =============================================================================

// Class buckets a complexity score for routing decisions.
type Class string

const (
	// ClassSimple covers scores in [0, 3].
	ClassSimple Class = "simple"

	// ClassMedium covers scores in (3, 7].
	ClassMedium Class = "medium"

	// ClassComplex covers scores above 7.
	ClassComplex Class = "complex"
)

// Factors holds the five per-signal scores, each in [0, 1].
type Factors struct {
	// Syntactic reflects structural length: word count, clause count,
	// and average word length.
	Syntactic float64 `json:"syntactic"`

	// Semantic reflects technical/abstract term density and
	// comparative, causal, or conditional language.
	Semantic float64 `json:"semantic"`

	// Domain reflects how strongly the query concentrates in one
	// knowledge domain. A scattered mix scores lower than a clear hit.
	Domain float64 `json:"domain"`

	// MultiIntent is 1 when the query asks more than one thing, else 0.
	MultiIntent float64 `json:"multiIntent"`

	// Ambiguity reflects unresolved pronouns, vague quantifiers, and
	// underspecified phrasing.
	Ambiguity float64 `json:"ambiguity"`
}

// Analysis is the analyzer's full output for one query.
type Analysis struct {
	// Score is the weighted factor sum scaled to [0, 10].
	Score float64 `json:"score"`

	// Class buckets Score: simple <= 3, medium <= 7, complex above.
	Class Class `json:"class"`

	// Factors are the raw per-signal scores behind Score.
	Factors Factors `json:"factors"`
}

// Factor weights. They sum to 1.0 so the weighted sum stays in [0, 1]
// before the x10 scaling.
const (
	weightSyntactic   = 0.20
	weightSemantic    = 0.25
	weightDomain      = 0.20
	weightMultiIntent = 0.15
	weightAmbiguity   = 0.20
)

// =============================================================================
// Signal Vocabularies
// =============================================================================

var technicalTerms = map[string]bool{
	"algorithm": true, "api": true, "architecture": true, "async": true,
	"authentication": true, "cache": true, "compiler": true, "concurrency": true,
	"database": true, "deployment": true, "encryption": true, "framework": true,
	"implementation": true, "infrastructure": true, "kernel": true, "latency": true,
	"middleware": true, "optimization": true, "protocol": true, "recursion": true,
	"runtime": true, "scalability": true, "schema": true, "serialization": true,
	"throughput": true, "transaction": true,
}

var abstractTerms = map[string]bool{
	"concept": true, "framework": true, "implication": true, "methodology": true,
	"paradigm": true, "philosophy": true, "principle": true, "relationship": true,
	"strategy": true, "theory": true, "tradeoff": true, "tradeoffs": true,
}

var comparativeMarkers = []string{"compare", "versus", " vs ", "difference between", "better than", "worse than", "pros and cons"}
var causalMarkers = []string{"because", "why does", "why do", "cause", "effect of", "leads to", "result in", "impact of"}
var conditionalMarkers = []string{"if ", "unless", "depending on", "in case", "what happens when", "assuming"}

var questionWords = map[string]bool{
	"what": true, "how": true, "why": true, "when": true, "where": true,
	"who": true, "which": true,
}

var intentConnectives = []string{" and also ", " also ", " additionally ", " as well as ", " plus "}

var vagueQuantifiers = map[string]bool{
	"some": true, "many": true, "few": true, "several": true, "various": true,
	"stuff": true, "things": true, "something": true, "somehow": true,
}

// danglingPronouns are pronouns with no antecedent inside a single query.
var danglingPronouns = map[string]bool{
	"it": true, "this": true, "that": true, "they": true, "them": true,
	"these": true, "those": true,
}

// domainVocabularies drive the domain-specificity factor. Matching several
// terms in one domain signals a specialist query.
var domainVocabularies = map[string]map[string]bool{
	"technical": {
		"code": true, "software": true, "server": true, "network": true,
		"programming": true, "debug": true, "deploy": true, "api": true,
		"database": true, "algorithm": true, "compiler": true, "kernel": true,
	},
	"business": {
		"revenue": true, "market": true, "customer": true, "strategy": true,
		"profit": true, "sales": true, "investment": true, "stakeholder": true,
		"budget": true, "forecast": true,
	},
	"scientific": {
		"hypothesis": true, "experiment": true, "molecule": true, "quantum": true,
		"theorem": true, "genome": true, "catalyst": true, "entropy": true,
		"velocity": true, "synthesis": true,
	},
	"creative": {
		"story": true, "poem": true, "design": true, "character": true,
		"narrative": true, "melody": true, "sketch": true, "plot": true,
	},
	"educational": {
		"learn": true, "teach": true, "explain": true, "tutorial": true,
		"lesson": true, "curriculum": true, "beginner": true, "study": true,
	},
}

// =============================================================================
// Analyzer
// =============================================================================

// Analyzer scores query complexity. Analysis is deterministic and
// side-effect free, so results are cacheable by normalized query text.
//
// # Thread Safety
//
// Safe for concurrent use.
type Analyzer struct {
	cache  *perf.Cache
	logger *slog.Logger
}

// NewAnalyzer creates an analyzer.
//
// # Inputs
//
//   - cache: Result cache keyed by normalized query. May be nil to
//     disable caching.
//   - logger: May be nil.
//
// # Thread Safety
//
// The returned analyzer is safe for concurrent use.
func NewAnalyzer(cache *perf.Cache, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{cache: cache, logger: logger}
}

// Analyze scores one query.
//
// # Description
//
// Computes five lexical factors, combines them with fixed weights, and
// scales to 0-10. Identical queries (after case folding and whitespace
// collapsing) produce identical results and share a cache entry.
//
// # Inputs
//
//   - ctx: Context for cache coalescing. The computation itself does not block.
//   - query: Raw query string. Empty input yields a zero-score analysis.
//
// # Outputs
//
//   - *Analysis: Never nil.
//
// # Thread Safety
//
// Safe for concurrent use.
func (a *Analyzer) Analyze(ctx context.Context, query string) *Analysis {
	normalized := text.NormalizeQuery(query)
	if normalized == "" {
		return &Analysis{Score: 0, Class: ClassSimple}
	}

	if a.cache != nil {
		key := perf.Key("complexity", normalized)
		v, err := a.cache.Do(ctx, key, 0, func(context.Context) (any, error) {
			return a.compute(query, normalized), nil
		})
		if err == nil {
			if analysis, ok := v.(*Analysis); ok {
				return analysis
			}
		}
		// Cache trouble (cancelled flight) falls through to a direct compute.
	}
	return a.compute(query, normalized)
}

// compute runs the five factor scorers and assembles the result.
func (a *Analyzer) compute(raw, normalized string) *Analysis {
	words := text.Tokenize(normalized)

	f := Factors{
		Syntactic:   syntacticFactor(normalized, words),
		Semantic:    semanticFactor(normalized, words),
		Domain:      domainFactor(words),
		MultiIntent: multiIntentFactor(raw, normalized, words),
		Ambiguity:   ambiguityFactor(raw, words),
	}

	score := 10 * (weightSyntactic*f.Syntactic +
		weightSemantic*f.Semantic +
		weightDomain*f.Domain +
		weightMultiIntent*f.MultiIntent +
		weightAmbiguity*f.Ambiguity)

	analysis := &Analysis{Score: score, Class: Classify(score), Factors: f}

	complexityScore.Observe(score)
	complexityClassTotal.WithLabelValues(string(analysis.Class)).Inc()
	a.logger.Debug("query analyzed",
		slog.Float64("score", score),
		slog.String("class", string(analysis.Class)),
	)
	return analysis
}

// Classify buckets a 0-10 score into its complexity class.
func Classify(score float64) Class {
	switch {
	case score <= 3:
		return ClassSimple
	case score <= 7:
		return ClassMedium
	default:
		return ClassComplex
	}
}

// =============================================================================
// Factor Scorers
// =============================================================================

// syntacticFactor scores structural length: word count saturating at 25
// words, sentence count, and average word length.
func syntacticFactor(normalized string, words []string) float64 {
	if len(words) == 0 {
		return 0
	}

	lengthScore := clamp01(float64(len(words)) / 25.0)

	totalLen := 0
	for _, w := range words {
		totalLen += len(w)
	}
	avgLen := float64(totalLen) / float64(len(words))
	wordScore := clamp01((avgLen - 3.0) / 5.0)

	sentences := len(text.SplitSentences(normalized))
	if sentences == 0 {
		sentences = 1
	}
	sentenceScore := clamp01(float64(sentences-1) / 3.0)

	return 0.5*lengthScore + 0.3*wordScore + 0.2*sentenceScore
}

// semanticFactor scores technical/abstract vocabulary density plus
// comparative, causal, and conditional language.
func semanticFactor(normalized string, words []string) float64 {
	if len(words) == 0 {
		return 0
	}

	dense := 0
	for _, w := range words {
		if technicalTerms[w] || abstractTerms[w] {
			dense++
		}
	}
	densityScore := clamp01(3.0 * float64(dense) / float64(len(words)))

	markerScore := 0.0
	for _, group := range [][]string{comparativeMarkers, causalMarkers, conditionalMarkers} {
		for _, marker := range group {
			if strings.Contains(normalized, marker) {
				markerScore += 0.25
				break
			}
		}
	}

	return clamp01(0.6*densityScore + markerScore)
}

// domainFactor rewards concentration in a single knowledge domain.
// One clear domain scores higher than the same match count spread
// across several domains.
func domainFactor(words []string) float64 {
	best, total := 0, 0
	for _, vocab := range domainVocabularies {
		matches := 0
		for _, w := range words {
			if vocab[w] {
				matches++
			}
		}
		total += matches
		if matches > best {
			best = matches
		}
	}
	if total == 0 {
		return 0
	}
	concentration := float64(best) / float64(total)
	depth := clamp01(float64(best) / 3.0)
	return concentration * depth
}

// multiIntentFactor is boolean: 1 when the query asks more than one
// thing, detected via repeated question words, repeated question marks,
// or clause-joining connectives.
func multiIntentFactor(raw, normalized string, words []string) float64 {
	questions := 0
	for _, w := range words {
		if questionWords[w] {
			questions++
		}
	}
	if questions >= 2 {
		return 1
	}
	if strings.Count(raw, "?") >= 2 {
		return 1
	}
	padded := " " + normalized + " "
	for _, conn := range intentConnectives {
		if strings.Contains(padded, conn) {
			return 1
		}
	}
	return 0
}

// ambiguityFactor scores underspecification: dangling pronouns, vague
// quantifiers, missing terminal punctuation, and very short queries.
// Each signal contributes 0.25.
func ambiguityFactor(raw string, words []string) float64 {
	score := 0.0

	for _, w := range words {
		if danglingPronouns[w] {
			score += 0.25
			break
		}
	}
	for _, w := range words {
		if vagueQuantifiers[w] {
			score += 0.25
			break
		}
	}

	trimmed := strings.TrimSpace(raw)
	if trimmed != "" && !strings.ContainsAny(string(trimmed[len(trimmed)-1]), ".!?") {
		score += 0.25
	}
	if len(words) > 0 && len(words) < 4 {
		score += 0.25
	}
	return clamp01(score)
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
