// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package text provides shared tokenization and lexical-similarity helpers
// used by the retrieval scorer, the context assembler, and the evaluators.
//
// All functions are stateless and safe for concurrent use.
package text

import (
	"strings"
	"unicode"
)

// noiseWords are high-frequency terms that carry no ranking signal.
// Kept deliberately small: aggressive stop-word removal hurts short queries.
var noiseWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true, "has": true,
	"have": true, "how": true, "in": true, "is": true, "it": true, "its": true,
	"of": true, "on": true, "or": true, "that": true, "the": true, "this": true,
	"to": true, "was": true, "what": true, "when": true, "where": true,
	"which": true, "who": true, "why": true, "will": true, "with": true,
}

// NormalizeQuery canonicalizes a query for use as a cache key.
//
// # Description
//
// Lowercases the query and collapses all whitespace runs to a single space.
// Two queries that differ only in case or spacing normalize to the same
// string, so they share cache entries.
//
// # Thread Safety
//
// Stateless. Safe for concurrent use.
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// ExtractTerms tokenizes text into a deduplicated set of lowercase terms.
//
// # Description
//
// Splits on any non-letter/non-digit rune, lowercases, and removes noise
// words and single-character tokens. The result is a set: each term appears
// once regardless of frequency.
//
// # Inputs
//
//   - s: Raw text. Empty string returns an empty (non-nil) set.
//
// # Outputs
//
//   - map[string]bool: Term set. Never nil.
//
// # Thread Safety
//
// Stateless. Safe for concurrent use.
func ExtractTerms(s string) map[string]bool {
	terms := make(map[string]bool)
	for _, tok := range Tokenize(s) {
		if len(tok) < 2 || noiseWords[tok] {
			continue
		}
		terms[tok] = true
	}
	return terms
}

// Tokenize splits text into lowercase word tokens without deduplication.
//
// Splits on any rune that is not a letter or digit. Unlike ExtractTerms,
// noise words and repeats are preserved — callers that need frequency
// information (coherence repetition checks) depend on that.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Jaccard computes the Jaccard similarity of two term sets.
//
// # Description
//
// |A ∩ B| / |A ∪ B|. Returns 0 when both sets are empty.
//
// # Thread Safety
//
// Stateless. Safe for concurrent use.
func Jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for term := range a {
		if b[term] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// Coverage computes the fraction of query terms present in the candidate set.
//
// # Description
//
// |query ∩ candidate| / |query|. Returns 0 for an empty query set. Unlike
// Jaccard, coverage is asymmetric: a long document that contains every query
// term scores 1.0 regardless of how much extra text it carries.
//
// # Thread Safety
//
// Stateless. Safe for concurrent use.
func Coverage(query, candidate map[string]bool) float64 {
	if len(query) == 0 {
		return 0
	}
	hit := 0
	for term := range query {
		if candidate[term] {
			hit++
		}
	}
	return float64(hit) / float64(len(query))
}

// SplitSentences splits text into sentences on terminal punctuation.
//
// # Description
//
// Splits on '.', '!' and '?' and trims whitespace. Fragments shorter than
// two characters are dropped. This is a heuristic splitter: abbreviations
// and decimal numbers will over-split, which is acceptable for the lexical
// scorers that consume it.
//
// # Thread Safety
//
// Stateless. Safe for concurrent use.
func SplitSentences(s string) []string {
	var sentences []string
	var b strings.Builder
	for _, r := range s {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if frag := strings.TrimSpace(b.String()); len(frag) >= 2 {
				sentences = append(sentences, frag)
			}
			b.Reset()
		}
	}
	if frag := strings.TrimSpace(b.String()); len(frag) >= 2 {
		sentences = append(sentences, frag)
	}
	return sentences
}

// TruncateAtWordBoundary shortens s to at most max bytes, cutting at the
// last space before the limit so no word is split mid-way.
//
// Returns s unchanged when it already fits. Returns the empty string when
// max <= 0 or no word boundary exists inside the limit.
func TruncateAtWordBoundary(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := strings.LastIndex(s[:max], " ")
	if cut <= 0 {
		return ""
	}
	return strings.TrimSpace(s[:cut])
}
