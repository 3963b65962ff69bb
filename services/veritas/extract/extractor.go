// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extract derives a generation-confidence signal from model output:
// from token log-probabilities when the provider returns them, or from
// lexical heuristics when it does not.
package extract

import (
	"log/slog"
	"strings"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianVeritas/services/veritas/text"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	extractConfidence = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "veritas",
		Subsystem: "extract",
		Name:      "confidence",
		Help:      "Extracted generation confidence by method",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	}, []string{"method"})

	extractHedges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "veritas",
		Subsystem: "extract",
		Name:      "hedge_phrases_total",
		Help:      "Hedge phrases detected in generated responses",
	})
)

// =============================================================================
// Types
// =============================================================================

// Token is one generated token with its log-probability.
type Token struct {
	Text    string  `json:"text"`
	LogProb float64 `json:"logProb"`
}

// UncertaintyRegion marks a run of consecutive low-confidence tokens.
type UncertaintyRegion struct {
	// Start and End are token indices; End is inclusive.
	Start int `json:"start"`
	End   int `json:"end"`

	// Text is the concatenated token text of the run.
	Text string `json:"text"`
}

// Extraction is the confidence signal for one response.
type Extraction struct {
	// Confidence is the primary aggregate in [0, 1].
	Confidence float64 `json:"confidence"`

	// WeightedConfidence downweights punctuation and stop-word tokens.
	// Equal to Confidence for the heuristic method.
	WeightedConfidence float64 `json:"weightedConfidence"`

	// Method is "logprob" or "heuristic".
	Method string `json:"method"`

	// Hedges are the hedge phrases found in the response text.
	Hedges []string `json:"hedges,omitempty"`

	// UncertaintyRegions are runs of 3+ consecutive tokens below the
	// low-confidence threshold. Always empty for the heuristic method.
	UncertaintyRegions []UncertaintyRegion `json:"uncertaintyRegions,omitempty"`

	// TokenConfidences are the per-token confidences, aligned with the
	// input tokens. Nil for the heuristic method.
	TokenConfidences []float64 `json:"-"`
}

// =============================================================================
// Constants
// =============================================================================

// harmonicFloor excludes tokens from the harmonic mean. The harmonic mean
// is dominated by values near zero, so near-zero tokens (usually formatting
// artifacts) would swamp the aggregate.
const harmonicFloor = 0.1

// lowTokenThreshold marks a token as low-confidence for region detection.
const lowTokenThreshold = 0.3

// minRegionLength is the shortest run of low-confidence tokens reported as
// an uncertainty region.
const minRegionLength = 3

// fillerWeight downweights punctuation and stop-word tokens in the
// content-weighted mean.
const fillerWeight = 0.3

// Heuristic-path tuning. The band clip keeps text-only estimates away from
// both extremes: lexical signals alone never justify near-certainty.
const (
	heuristicBase       = 0.5
	hedgePenalty        = 0.08
	assertiveBonus      = 0.05
	questionPenalty     = 0.05
	shortAnswerPenalty  = 0.10
	shortAnswerMinWords = 10
	heuristicMin        = 0.1
	heuristicMax        = 0.9
)

var hedgePhrases = []string{
	"maybe", "might", "perhaps", "possibly", "not sure", "i think",
	"i believe", "it seems", "it appears", "unclear", "probably",
	"could be", "hard to say", "i'm not certain",
}

var assertiveMarkers = []string{
	"definitely", "certainly", "clearly", "in fact", "without doubt",
	"always", "never", "precisely", "specifically",
}

// =============================================================================
// Extractor
// =============================================================================

// Extractor computes generation confidence. Stateless apart from its logger.
//
// # Thread Safety
//
// Safe for concurrent use.
type Extractor struct {
	logger *slog.Logger
}

// NewExtractor creates an extractor. logger may be nil.
func NewExtractor(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger}
}

// Extract picks the extraction path: token-level when log-probabilities are
// present, text-only heuristics otherwise.
//
// # Inputs
//
//   - response: The generated answer text.
//   - tokens: Per-token log-probabilities. May be nil or empty.
//
// # Outputs
//
//   - *Extraction: Never nil.
//
// # Thread Safety
//
// Safe for concurrent use.
func (e *Extractor) Extract(response string, tokens []Token) *Extraction {
	if len(tokens) > 0 {
		return e.FromLogProbs(response, tokens)
	}
	return e.FromText(response)
}

// FromLogProbs aggregates per-token confidences.
//
// # Description
//
// Each log-probability maps to [0, 1] via a monotonic transform anchored at
// logProb >= 0 -> 1.0 and logProb <= -10 -> 0.0. The primary aggregate is
// the harmonic mean over tokens at or above the stability floor; the
// weighted aggregate downweights punctuation and stop-word tokens. Runs of
// three or more tokens below the low-confidence threshold are reported as
// uncertainty regions.
func (e *Extractor) FromLogProbs(response string, tokens []Token) *Extraction {
	confidences := make([]float64, len(tokens))
	for i, tok := range tokens {
		confidences[i] = LogProbToConfidence(tok.LogProb)
	}

	ext := &Extraction{
		Method:             "logprob",
		Confidence:         harmonicMean(confidences),
		WeightedConfidence: contentWeightedMean(tokens, confidences),
		Hedges:             findHedges(response),
		UncertaintyRegions: findUncertaintyRegions(tokens, confidences),
		TokenConfidences:   confidences,
	}

	extractConfidence.WithLabelValues(ext.Method).Observe(ext.Confidence)
	extractHedges.Add(float64(len(ext.Hedges)))
	e.logger.Debug("token-level confidence extracted",
		slog.Float64("confidence", ext.Confidence),
		slog.Int("tokens", len(tokens)),
		slog.Int("uncertainty_regions", len(ext.UncertaintyRegions)),
	)
	return ext
}

// FromText estimates confidence from lexical signals alone.
//
// # Description
//
// Starts from a neutral baseline, subtracts per detected hedge phrase, adds
// per assertive marker, and penalizes extra question marks and very short
// answers. The result is clipped to [0.1, 0.9]: heuristics never claim an
// extreme.
func (e *Extractor) FromText(response string) *Extraction {
	lower := strings.ToLower(response)
	hedges := findHedges(response)

	confidence := heuristicBase
	confidence -= hedgePenalty * float64(len(hedges))
	for _, marker := range assertiveMarkers {
		if strings.Contains(lower, marker) {
			confidence += assertiveBonus
		}
	}
	if questions := strings.Count(response, "?"); questions > 1 {
		confidence -= questionPenalty * float64(questions-1)
	}
	if len(text.Tokenize(response)) < shortAnswerMinWords {
		confidence -= shortAnswerPenalty
	}

	if confidence < heuristicMin {
		confidence = heuristicMin
	}
	if confidence > heuristicMax {
		confidence = heuristicMax
	}

	ext := &Extraction{
		Method:             "heuristic",
		Confidence:         confidence,
		WeightedConfidence: confidence,
		Hedges:             hedges,
	}
	extractConfidence.WithLabelValues(ext.Method).Observe(ext.Confidence)
	extractHedges.Add(float64(len(hedges)))
	return ext
}

// =============================================================================
// Transforms and Aggregates
// =============================================================================

// LogProbToConfidence maps a token log-probability to [0, 1].
//
// # Description
//
// Anchored at logProb >= 0 -> 1.0 and logProb <= -10 -> 0.0. Between the
// anchors the linear position is eased with a smoothstep curve, which is
// strictly monotonic and flattens near both anchors the way a sigmoid does.
func LogProbToConfidence(logProb float64) float64 {
	if logProb >= 0 {
		return 1.0
	}
	if logProb <= -10 {
		return 0.0
	}
	x := (logProb + 10) / 10
	return x * x * (3 - 2*x)
}

// harmonicMean aggregates confidences at or above the stability floor.
// Returns 0 when no token qualifies.
func harmonicMean(confidences []float64) float64 {
	n := 0
	sum := 0.0
	for _, c := range confidences {
		if c < harmonicFloor {
			continue
		}
		n++
		sum += 1.0 / c
	}
	if n == 0 {
		return 0
	}
	return float64(n) / sum
}

// contentWeightedMean averages token confidences with filler tokens
// (punctuation, stop words) downweighted.
func contentWeightedMean(tokens []Token, confidences []float64) float64 {
	totalWeight := 0.0
	sum := 0.0
	for i, tok := range tokens {
		w := 1.0
		if isFillerToken(tok.Text) {
			w = fillerWeight
		}
		totalWeight += w
		sum += w * confidences[i]
	}
	if totalWeight == 0 {
		return 0
	}
	return sum / totalWeight
}

// isFillerToken reports whether a token is punctuation, whitespace, or a
// stop word.
func isFillerToken(s string) bool {
	trimmed := strings.TrimSpace(strings.ToLower(s))
	if trimmed == "" {
		return true
	}
	hasLetter := false
	for _, r := range trimmed {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			hasLetter = true
			break
		}
	}
	if !hasLetter {
		return true
	}
	terms := text.ExtractTerms(trimmed)
	return len(terms) == 0
}

// findHedges returns each hedge phrase present in the response, once.
func findHedges(response string) []string {
	lower := strings.ToLower(response)
	var found []string
	for _, phrase := range hedgePhrases {
		if strings.Contains(lower, phrase) {
			found = append(found, phrase)
		}
	}
	return found
}

// findUncertaintyRegions locates runs of minRegionLength or more
// consecutive tokens below lowTokenThreshold.
func findUncertaintyRegions(tokens []Token, confidences []float64) []UncertaintyRegion {
	var regions []UncertaintyRegion
	runStart := -1

	flush := func(end int) {
		if runStart < 0 || end-runStart < minRegionLength {
			runStart = -1
			return
		}
		var sb strings.Builder
		for i := runStart; i < end; i++ {
			sb.WriteString(tokens[i].Text)
		}
		regions = append(regions, UncertaintyRegion{
			Start: runStart,
			End:   end - 1,
			Text:  strings.TrimSpace(sb.String()),
		})
		runStart = -1
	}

	for i, c := range confidences {
		if c < lowTokenThreshold {
			if runStart < 0 {
				runStart = i
			}
			continue
		}
		flush(i)
	}
	flush(len(confidences))
	return regions
}
