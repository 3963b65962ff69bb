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
	"unicode"

	"github.com/AleutianAI/AleutianVeritas/services/veritas/text"
)

// =============================================================================
// Signal Extraction
// =============================================================================

// SignalExtractor isolates the text analysis the scorers rely on: claim
// extraction, question typing, and negation detection. The default is
// lexical; a statistical implementation can replace it without changing
// the evaluator contract.
type SignalExtractor interface {
	// Claims returns the verifiable factual claims in a response.
	Claims(response string) []string

	// QuestionType classifies what kind of answer a query expects.
	QuestionType(query string) QuestionType

	// Negated reports whether a sentence carries a negation marker.
	Negated(sentence string) bool
}

// HeuristicSignals is the default lexical SignalExtractor.
type HeuristicSignals struct{}

func (HeuristicSignals) Claims(response string) []string { return ExtractClaims(response) }

func (HeuristicSignals) QuestionType(query string) QuestionType { return DetectQuestionType(query) }

func (HeuristicSignals) Negated(sentence string) bool { return hasNegation(sentence) }

// =============================================================================
// Question Types
// =============================================================================

// QuestionType classifies what kind of answer a query expects. The
// relevance scorer checks type-specific lexical markers in the response.
type QuestionType string

const (
	QuestionDefinition  QuestionType = "definition"
	QuestionProcedural  QuestionType = "procedural"
	QuestionComparison  QuestionType = "comparison"
	QuestionCausal      QuestionType = "causal"
	QuestionEnumeration QuestionType = "enumeration"
	QuestionGeneral     QuestionType = "general"
)

// DetectQuestionType classifies a query by its leading phrasing and
// characteristic keywords. First match wins, in specificity order.
func DetectQuestionType(query string) QuestionType {
	q := strings.ToLower(strings.TrimSpace(query))

	switch {
	case containsAny(q, "compare", "difference between", "versus", " vs ", "better than"):
		return QuestionComparison
	case containsAny(q, "why ", "what causes", "reason for", "how come"):
		return QuestionCausal
	case containsAny(q, "how do i", "how to", "how do you", "steps to", "walk me through"):
		return QuestionProcedural
	case containsAny(q, "what are the", "list ", "which ones", "examples of", "enumerate"):
		return QuestionEnumeration
	case containsAny(q, "what is", "what does", "define ", "meaning of", "definition of"):
		return QuestionDefinition
	default:
		return QuestionGeneral
	}
}

// =============================================================================
// Claim Extraction
// =============================================================================

var factualVerbs = []string{
	" is ", " are ", " was ", " were ", " has ", " have ", " contains ",
	" provides ", " uses ", " causes ", " consists ", " supports ",
	" requires ", " returns ", " runs ", " includes ", " produces ",
}

var hedgeMarkers = []string{
	"might", "maybe", "perhaps", "possibly", "probably", "i think",
	"i believe", "it seems", "could be", "not sure",
}

var opinionMarkers = []string{
	"i feel", "in my opinion", "personally", "i prefer", "arguably",
	"the best", "the worst", "should",
}

var contradictionMarkers = []string{
	" not ", " never ", "no longer", "incorrect", "false", "contrary to",
	" isn't ", " aren't ", " wasn't ", " doesn't ", " cannot ",
}

// ExtractClaims returns the verifiable factual claims in a response:
// declarative sentences carrying a factual verb, a number, or a date,
// excluding questions and hedged or opinion sentences.
func ExtractClaims(response string) []string {
	var claims []string
	for _, sentence := range text.SplitSentences(response) {
		if strings.HasSuffix(sentence, "?") {
			continue
		}
		lower := strings.ToLower(sentence)
		if containsAny(lower, hedgeMarkers...) || containsAny(lower, opinionMarkers...) {
			continue
		}
		padded := " " + lower + " "
		if containsAny(padded, factualVerbs...) || containsDigit(sentence) {
			claims = append(claims, sentence)
		}
	}
	return claims
}

// hasNegation reports whether a sentence carries a negation or
// contradiction marker.
func hasNegation(sentence string) bool {
	padded := " " + strings.ToLower(sentence) + " "
	return containsAny(padded, contradictionMarkers...)
}

// =============================================================================
// Helpers
// =============================================================================

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func containsDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
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
