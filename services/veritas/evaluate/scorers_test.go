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
	"testing"
)

// =============================================================================
// Question Type Tests
// =============================================================================

func TestDetectQuestionType(t *testing.T) {
	tests := []struct {
		query string
		want  QuestionType
	}{
		{"what is a goroutine", QuestionDefinition},
		{"how do i configure the cache", QuestionProcedural},
		{"compare redis and memcached", QuestionComparison},
		{"why does the build fail", QuestionCausal},
		{"what are the supported drivers", QuestionEnumeration},
		{"tell me about the scheduler", QuestionGeneral},
	}
	for _, tt := range tests {
		if got := DetectQuestionType(tt.query); got != tt.want {
			t.Errorf("DetectQuestionType(%q) = %s, want %s", tt.query, got, tt.want)
		}
	}
}

// =============================================================================
// Claim Extraction Tests
// =============================================================================

func TestExtractClaims(t *testing.T) {
	response := "Go is a compiled language. " +
		"Is it fast? " +
		"It might be the most popular choice. " +
		"In my opinion it is the best language. " +
		"The runtime uses 2 garbage collectors."

	claims := ExtractClaims(response)

	if len(claims) != 2 {
		t.Fatalf("extracted %d claims, want 2: %v", len(claims), claims)
	}
	if !strings.Contains(claims[0], "compiled language") {
		t.Errorf("first claim = %q, want the declarative factual sentence", claims[0])
	}
	if !strings.Contains(claims[1], "garbage collectors") {
		t.Errorf("second claim = %q, want the numeric sentence", claims[1])
	}
}

// =============================================================================
// Factuality Tests
// =============================================================================

func TestScoreFactuality_SupportedClaim(t *testing.T) {
	sources := []Source{{Content: "Go is a compiled language designed at Google.", Confidence: 0.9}}
	got := scoreFactuality(HeuristicSignals{}, "Go is a compiled language.", sources)
	if got != 1.0 {
		t.Errorf("fully supported claim scored %.2f, want 1.0", got)
	}
}

func TestScoreFactuality_ContradictedClaim(t *testing.T) {
	sources := []Source{{Content: "Go is not a compiled language.", Confidence: 0.9}}
	got := scoreFactuality(HeuristicSignals{}, "Go is a compiled language.", sources)
	if got != 0.0 {
		t.Errorf("contradicted claim scored %.2f, want 0.0", got)
	}
}

func TestScoreFactuality_UnsupportedClaim(t *testing.T) {
	sources := []Source{{Content: "Bananas are yellow fruit.", Confidence: 0.9}}
	got := scoreFactuality(HeuristicSignals{}, "Go is a compiled language.", sources)
	if got != 0.5 {
		t.Errorf("unsupported claim scored %.2f, want 0.5 (half credit)", got)
	}
}

func TestScoreFactuality_NoVerifiableClaims(t *testing.T) {
	got := scoreFactuality(HeuristicSignals{}, "Is this right? It might work, perhaps.", nil)
	if got != neutralFactuality {
		t.Errorf("no-claims response scored %.2f, want neutral %.2f", got, neutralFactuality)
	}
}

// =============================================================================
// Relevance Tests
// =============================================================================

func TestScoreRelevance_OnTopicBeatsOffTopic(t *testing.T) {
	query := "what is docker"

	onTopic := scoreRelevance(HeuristicSignals{}, query, "Docker is a container platform for packaging applications.")
	offTopic := scoreRelevance(HeuristicSignals{}, query, "Bananas grow in tropical climates.")

	if onTopic <= offTopic {
		t.Errorf("on-topic %.2f not above off-topic %.2f", onTopic, offTopic)
	}
	if onTopic < 0.7 {
		t.Errorf("on-topic definition answer scored %.2f, want >= 0.7", onTopic)
	}
	if offTopic > 0.2 {
		t.Errorf("off-topic answer scored %.2f, want <= 0.2", offTopic)
	}
}

func TestIntentFulfillment_ByType(t *testing.T) {
	if got := intentFulfillment(QuestionProcedural, "First install it, then run the setup step."); got != 1.0 {
		t.Errorf("procedural answer with step markers = %.2f, want 1.0", got)
	}
	if got := intentFulfillment(QuestionProcedural, "It works somehow."); got != 0.3 {
		t.Errorf("procedural answer without markers = %.2f, want 0.3", got)
	}
	if got := intentFulfillment(QuestionGeneral, "anything"); got != 0.5 {
		t.Errorf("general question fulfillment = %.2f, want neutral 0.5", got)
	}
}

// =============================================================================
// Coherence Tests
// =============================================================================

func TestScoreCoherence_RepetitionScoresLow(t *testing.T) {
	repeated := strings.Repeat("The cache stores results. ", 5)
	got := scoreCoherence(HeuristicSignals{}, repeated)
	if got >= 0.5 {
		t.Errorf("repeated sentence coherence = %.2f, want < 0.5", got)
	}
}

func TestScoreCoherence_WellFormedScoresHigher(t *testing.T) {
	good := "The cache stores computed results. Therefore, repeated lookups avoid " +
		"recomputation. As a result, the cache cuts latency for hot queries."
	repeated := strings.Repeat("The cache stores results. ", 5)

	goodScore := scoreCoherence(HeuristicSignals{}, good)
	if goodScore <= scoreCoherence(HeuristicSignals{}, repeated) {
		t.Errorf("well-formed coherence %.2f not above repetitive baseline", goodScore)
	}
	if goodScore < 0.6 {
		t.Errorf("well-formed coherence = %.2f, want >= 0.6", goodScore)
	}
}

func TestConsistencyScore_NegationDisagreement(t *testing.T) {
	contradictory := []string{
		"The cache is thread safe.",
		"The cache is not thread safe.",
	}
	consistent := []string{
		"The cache is thread safe.",
		"The cache also supports eviction.",
	}

	if got := consistencyScore(HeuristicSignals{}, contradictory); got != 0.5 {
		t.Errorf("contradictory pair consistency = %.2f, want 0.5", got)
	}
	if got := consistencyScore(HeuristicSignals{}, consistent); got != 1.0 {
		t.Errorf("consistent pair consistency = %.2f, want 1.0", got)
	}
}

func TestScoreCoherence_Empty(t *testing.T) {
	if got := scoreCoherence(HeuristicSignals{}, ""); got != 0 {
		t.Errorf("empty response coherence = %.2f, want 0", got)
	}
}
