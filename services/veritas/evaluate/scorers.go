// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evaluate

import (
	"strings"

	"github.com/AleutianAI/AleutianVeritas/services/veritas/text"
)

// =============================================================================
// Factuality
// =============================================================================

// neutralFactuality is returned when a response carries no verifiable
// claims: nothing to verify is neither support nor contradiction.
const neutralFactuality = 0.6

// Claim/source overlap thresholds. Direct support needs most of the claim's
// key terms; contradiction and partial evidence need a meaningful overlap.
const (
	supportOverlap = 0.7
	partialOverlap = 0.3
)

// scoreFactuality verifies the response's claims against source sentences.
//
// # Description
//
// Each claim lands in exactly one bucket: supported (a source sentence
// covers most of its key terms), contradicted (meaningful overlap plus a
// negation disagreement between claim and source), or unsupported. The
// score is (supported + 0.5*unsupported - contradicted) / total, clamped
// to [0, 1]. Unsupported claims cost half credit rather than full: absence
// of evidence is weaker signal than contradiction.
func scoreFactuality(sig SignalExtractor, response string, sources []Source) float64 {
	claims := sig.Claims(response)
	if len(claims) == 0 {
		return neutralFactuality
	}

	var sourceSentences []string
	for _, src := range sources {
		sourceSentences = append(sourceSentences, text.SplitSentences(src.Content)...)
	}

	supported, contradicted := 0, 0
	for _, claim := range claims {
		claimTerms := text.ExtractTerms(claim)
		claimNegated := sig.Negated(claim)

		best := 0.0
		bestContradicts := false
		for _, sentence := range sourceSentences {
			overlap := text.Coverage(claimTerms, text.ExtractTerms(sentence))
			if overlap > best {
				best = overlap
				bestContradicts = sig.Negated(sentence) != claimNegated
			}
		}

		switch {
		case best >= supportOverlap && !bestContradicts:
			supported++
		case best >= partialOverlap && bestContradicts:
			contradicted++
		}
	}

	unsupported := len(claims) - supported - contradicted
	score := (float64(supported) + 0.5*float64(unsupported) - float64(contradicted)) / float64(len(claims))
	return clamp01(score)
}

// =============================================================================
// Relevance
// =============================================================================

// Relevance component weights: query-term coverage, lexical similarity,
// and question-type intent fulfillment.
const (
	relevanceCoverageWeight    = 0.4
	relevanceSimilarityWeight  = 0.3
	relevanceFulfillmentWeight = 0.3
)

// intentMarkers are the lexical patterns a response should carry for each
// question type.
var intentMarkers = map[QuestionType][]string{
	QuestionDefinition:  {"is a", "is the", "refers to", "means", "is defined"},
	QuestionProcedural:  {"first", "then", "next", "step", "finally", "1.", "2."},
	QuestionComparison:  {"while", "whereas", "in contrast", "on the other hand", "than", "both"},
	QuestionCausal:      {"because", "due to", "as a result", "leads to", "causes", "since"},
	QuestionEnumeration: {"include", "such as", "among them", "- ", "1.", "first"},
}

// scoreRelevance measures how directly the response addresses the query.
func scoreRelevance(sig SignalExtractor, query, response string) float64 {
	queryTerms := text.ExtractTerms(query)
	responseTerms := text.ExtractTerms(response)

	coverage := text.Coverage(queryTerms, responseTerms)
	similarity := text.Jaccard(queryTerms, responseTerms)
	fulfillment := intentFulfillment(sig.QuestionType(query), response)

	return clamp01(relevanceCoverageWeight*coverage +
		relevanceSimilarityWeight*similarity +
		relevanceFulfillmentWeight*fulfillment)
}

// intentFulfillment checks for type-specific answer markers. A general
// question has no markers to check and scores neutral.
func intentFulfillment(qt QuestionType, response string) float64 {
	markers, ok := intentMarkers[qt]
	if !ok {
		return 0.5
	}
	lower := strings.ToLower(response)
	if containsAny(lower, markers...) {
		return 1.0
	}
	return 0.3
}

// =============================================================================
// Coherence
// =============================================================================

// Coherence component weights: logical flow, internal consistency, and
// readability.
const (
	coherenceFlowWeight        = 0.4
	coherenceConsistencyWeight = 0.3
	coherenceReadabilityWeight = 0.3
)

var transitionWords = []string{
	"however", "therefore", "moreover", "furthermore", "additionally",
	"consequently", "meanwhile", "similarly", "for example", "in contrast",
	"as a result", "first", "second", "finally", "then", "because",
}

// scoreCoherence rates logical flow, consistency, and readability, then
// scales the result down for repetitive responses. A response that repeats
// one sentence has perfect "flow" between identical sentences, so the
// repetition factor is applied outside the weighted blend.
func scoreCoherence(sig SignalExtractor, response string) float64 {
	sentences := text.SplitSentences(response)
	if len(sentences) == 0 {
		return 0
	}
	if len(sentences) == 1 {
		// Flow and consistency are trivially satisfied by one sentence.
		return clamp01(coherenceFlowWeight*0.8 + coherenceConsistencyWeight +
			coherenceReadabilityWeight*readability(sentences))
	}

	blend := coherenceFlowWeight*flowScore(response, sentences) +
		coherenceConsistencyWeight*consistencyScore(sig, sentences) +
		coherenceReadabilityWeight*readability(sentences)

	return clamp01(blend * repetitionFactor(sentences))
}

// flowScore combines transition-word density with topic continuity between
// consecutive sentences.
func flowScore(response string, sentences []string) float64 {
	lower := strings.ToLower(response)
	transitions := 0
	for _, w := range transitionWords {
		transitions += strings.Count(lower, w)
	}
	density := clamp01(float64(transitions) / float64(len(sentences)))

	// Topic continuity: consecutive sentences should share some vocabulary.
	// Total shifts (near-zero similarity everywhere) read as disjointed.
	continuity := 0.0
	for i := 1; i < len(sentences); i++ {
		sim := text.Jaccard(text.ExtractTerms(sentences[i-1]), text.ExtractTerms(sentences[i]))
		if sim > 0 {
			continuity++
		}
	}
	continuity /= float64(len(sentences) - 1)

	return clamp01(0.4 + 0.3*density + 0.3*continuity)
}

// consistencyScore penalizes near-duplicate sentence pairs that disagree
// on negation: "X is thread safe" followed by "X is not thread safe".
func consistencyScore(sig SignalExtractor, sentences []string) float64 {
	contradictions := 0
	terms := make([]map[string]bool, len(sentences))
	for i, s := range sentences {
		terms[i] = text.ExtractTerms(s)
	}
	for i := 0; i < len(sentences); i++ {
		for j := i + 1; j < len(sentences); j++ {
			if text.Jaccard(terms[i], terms[j]) >= 0.5 && sig.Negated(sentences[i]) != sig.Negated(sentences[j]) {
				contradictions++
			}
		}
	}
	return clamp01(1.0 - 0.5*float64(contradictions))
}

// readability favors moderate sentence length and moderate word length.
func readability(sentences []string) float64 {
	totalWords, totalWordLen := 0, 0
	for _, s := range sentences {
		words := text.Tokenize(s)
		totalWords += len(words)
		for _, w := range words {
			totalWordLen += len(w)
		}
	}
	if totalWords == 0 {
		return 0
	}

	avgSentenceLen := float64(totalWords) / float64(len(sentences))
	lengthScore := 1.0
	switch {
	case avgSentenceLen < 4:
		lengthScore = 0.5
	case avgSentenceLen > 30:
		lengthScore = 0.6
	}

	avgWordLen := float64(totalWordLen) / float64(totalWords)
	wordScore := 1.0
	if avgWordLen > 8 {
		wordScore = 0.7
	}

	return 0.6*lengthScore + 0.4*wordScore
}

// repetitionFactor scales coherence down when the response repeats itself.
// A fully distinct response keeps factor 1.0; a single sentence repeated
// five times drops below 0.5.
func repetitionFactor(sentences []string) float64 {
	distinct := make(map[string]bool, len(sentences))
	for _, s := range sentences {
		distinct[strings.ToLower(strings.TrimSpace(s))] = true
	}
	ratio := float64(len(distinct)) / float64(len(sentences))
	return 0.3 + 0.7*ratio
}
