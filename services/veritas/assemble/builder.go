// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package assemble builds the generation prompt context from reranked
// documents under a token budget.
package assemble

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianVeritas/services/veritas/rerank"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/text"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	assembleTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "veritas",
		Subsystem: "assemble",
		Name:      "estimated_tokens",
		Help:      "Estimated token size of assembled contexts",
		Buckets:   []float64{128, 256, 512, 1024, 2048, 4096, 8192},
	})

	assembleDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "veritas",
		Subsystem: "assemble",
		Name:      "documents_dropped_total",
		Help:      "Documents excluded from contexts for budget reasons",
	})
)

// =============================================================================
// Types
// =============================================================================

// Mode selects the context layout strategy.
type Mode string

const (
	// ModeUnified concatenates documents into one block. The last document
	// may be partially included, truncated at a word boundary.
	ModeUnified Mode = "unified"

	// ModeSectioned gives each document an explicit header. Documents are
	// whole or absent.
	ModeSectioned Mode = "sectioned"

	// ModeHierarchical groups documents into high/medium/low confidence
	// tiers; lower tiers are included only while budget remains.
	ModeHierarchical Mode = "hierarchical"
)

// Confidence tier boundaries for ModeHierarchical.
const (
	tierHighFloor   = 0.7
	tierMediumFloor = 0.4
)

// Confidence component weights: mean document confidence, document-count
// adequacy, and query-term coverage of the assembled text.
const (
	weightMeanConfidence = 0.5
	weightAdequacy       = 0.2
	weightCoverage       = 0.3
)

// lowConfidenceFloor triggers a warning when overall context confidence
// falls below it.
const lowConfidenceFloor = 0.4

// nearCeilingFraction triggers a warning when the estimated token count
// crosses this fraction of the budget.
const nearCeilingFraction = 0.9

// noSourcesMarker is the context content when nothing could be included.
const noSourcesMarker = "No sources found for this query."

// Options tunes one build.
type Options struct {
	// MaxTokens is the context budget. Values < 1 default to 2048.
	MaxTokens int `json:"maxTokens"`

	// Mode selects the layout. Empty defaults to ModeUnified.
	Mode Mode `json:"mode,omitempty"`

	// CharsPerToken is the estimation ratio. Values < 1 default to 4.
	CharsPerToken int `json:"charsPerToken,omitempty"`

	// PreferredThreshold is the confidence floor for the high tier in
	// ModeHierarchical, normally the retrieval "preferred" threshold.
	// Values <= 0 default to 0.7.
	PreferredThreshold float64 `json:"preferredThreshold,omitempty"`
}

// Context is an assembled prompt context.
type Context struct {
	Content         string   `json:"content"`
	UsedDocuments   []string `json:"usedDocuments"`
	EstimatedTokens int      `json:"estimatedTokens"`
	Confidence      float64  `json:"confidence"`
	Warnings        []string `json:"warnings,omitempty"`
}

// =============================================================================
// Builder
// =============================================================================

// Builder assembles contexts. Stateless apart from its logger.
//
// # Thread Safety
//
// Safe for concurrent use.
type Builder struct {
	logger *slog.Logger
}

// NewBuilder creates a builder. logger may be nil.
func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{logger: logger}
}

// Build assembles a context from reranked documents.
//
// # Description
//
// Documents are consumed in their given (already ranked) order until the
// token budget is exhausted, laid out per Options.Mode. The context
// confidence blends mean document confidence, a count-adequacy factor that
// saturates at three documents, and the fraction of query terms present in
// the assembled text. Warnings flag dropped documents, low confidence, and
// near-ceiling contexts.
//
// # Inputs
//
//   - query: Raw query text, used for the coverage component.
//   - docs: Ranked documents, best first.
//   - opts: Budget and layout.
//
// # Outputs
//
//   - *Context: Never nil. Empty input yields the no-sources marker with
//     zero confidence.
//
// # Thread Safety
//
// Safe for concurrent use.
func (b *Builder) Build(query string, docs []rerank.RankedDocument, opts Options) *Context {
	if opts.MaxTokens < 1 {
		opts.MaxTokens = 2048
	}
	if opts.CharsPerToken < 1 {
		opts.CharsPerToken = 4
	}
	if opts.Mode == "" {
		opts.Mode = ModeUnified
	}
	if opts.PreferredThreshold <= 0 {
		opts.PreferredThreshold = tierHighFloor
	}

	if len(docs) == 0 {
		return &Context{
			Content:         noSourcesMarker,
			UsedDocuments:   []string{},
			EstimatedTokens: estimateTokens(noSourcesMarker, opts.CharsPerToken),
			Confidence:      0,
			Warnings:        []string{"no documents available for context"},
		}
	}

	budgetChars := opts.MaxTokens * opts.CharsPerToken

	var content string
	var used []rerank.RankedDocument
	switch opts.Mode {
	case ModeSectioned:
		content, used = buildSectioned(docs, budgetChars)
	case ModeHierarchical:
		content, used = buildHierarchical(docs, budgetChars, opts.PreferredThreshold)
	default:
		content, used = buildUnified(docs, budgetChars)
	}

	ctx := &Context{
		Content:         content,
		UsedDocuments:   make([]string, 0, len(used)),
		EstimatedTokens: estimateTokens(content, opts.CharsPerToken),
	}
	for _, doc := range used {
		ctx.UsedDocuments = append(ctx.UsedDocuments, doc.Document.Document.ID)
	}
	ctx.Confidence = contextConfidence(query, content, used)

	if dropped := len(docs) - len(used); dropped > 0 {
		assembleDropped.Add(float64(dropped))
		ctx.Warnings = append(ctx.Warnings,
			fmt.Sprintf("%d document(s) dropped to fit the %d-token budget", dropped, opts.MaxTokens))
	}
	if ctx.Confidence < lowConfidenceFloor {
		ctx.Warnings = append(ctx.Warnings,
			fmt.Sprintf("context confidence %.2f is below the %.2f floor", ctx.Confidence, lowConfidenceFloor))
	}
	if float64(ctx.EstimatedTokens) >= nearCeilingFraction*float64(opts.MaxTokens) {
		ctx.Warnings = append(ctx.Warnings,
			fmt.Sprintf("context is near the token ceiling (%d of %d)", ctx.EstimatedTokens, opts.MaxTokens))
	}

	assembleTokens.Observe(float64(ctx.EstimatedTokens))
	b.logger.Debug("context assembled",
		slog.String("mode", string(opts.Mode)),
		slog.Int("documents", len(used)),
		slog.Int("estimated_tokens", ctx.EstimatedTokens),
		slog.Float64("confidence", ctx.Confidence),
	)
	return ctx
}

// =============================================================================
// Layout Strategies
// =============================================================================

// buildUnified concatenates document contents, partially including the
// first document that no longer fits whole.
func buildUnified(docs []rerank.RankedDocument, budgetChars int) (string, []rerank.RankedDocument) {
	var sb strings.Builder
	var used []rerank.RankedDocument

	for _, doc := range docs {
		separator := ""
		if sb.Len() > 0 {
			separator = "\n\n"
		}
		remaining := budgetChars - sb.Len() - len(separator)
		if remaining <= 0 {
			break
		}

		body := doc.Document.Document.Content
		if len(body) > remaining {
			partial := text.TruncateAtWordBoundary(body, remaining)
			if partial == "" {
				break
			}
			sb.WriteString(separator)
			sb.WriteString(partial)
			used = append(used, doc)
			break
		}
		sb.WriteString(separator)
		sb.WriteString(body)
		used = append(used, doc)
	}
	return sb.String(), used
}

// buildSectioned emits an explicit header per document and never includes
// a partial document.
func buildSectioned(docs []rerank.RankedDocument, budgetChars int) (string, []rerank.RankedDocument) {
	var sb strings.Builder
	var used []rerank.RankedDocument

	for i, doc := range docs {
		section := sectionFor(i+1, doc)
		separator := ""
		if sb.Len() > 0 {
			separator = "\n\n"
		}
		if sb.Len()+len(separator)+len(section) > budgetChars {
			continue // a shorter later document may still fit
		}
		sb.WriteString(separator)
		sb.WriteString(section)
		used = append(used, doc)
	}
	return sb.String(), used
}

// buildHierarchical groups documents into confidence tiers. A tier is
// emitted only if at least one of its documents fits; low tiers consume
// whatever budget the high tiers left over.
func buildHierarchical(docs []rerank.RankedDocument, budgetChars int, highFloor float64) (string, []rerank.RankedDocument) {
	// A high floor configured below the medium boundary collapses the
	// medium tier rather than double-counting documents.
	mediumFloor := tierMediumFloor
	if highFloor < mediumFloor {
		mediumFloor = highFloor
	}
	tiers := []struct {
		label string
		match func(float64) bool
	}{
		{"High Confidence Sources", func(c float64) bool { return c >= highFloor }},
		{"Medium Confidence Sources", func(c float64) bool { return c >= mediumFloor && c < highFloor }},
		{"Low Confidence Sources", func(c float64) bool { return c < mediumFloor }},
	}

	var sb strings.Builder
	var used []rerank.RankedDocument
	sectionIndex := 0

	for _, tier := range tiers {
		headerWritten := false
		for _, doc := range docs {
			if !tier.match(doc.CombinedScore) {
				continue
			}
			section := sectionFor(sectionIndex+1, doc)
			var pending strings.Builder
			if sb.Len() > 0 || headerWritten {
				pending.WriteString("\n\n")
			}
			if !headerWritten {
				pending.WriteString("# ")
				pending.WriteString(tier.label)
				pending.WriteString("\n\n")
			}
			pending.WriteString(section)

			if sb.Len()+pending.Len() > budgetChars {
				continue
			}
			sb.WriteString(pending.String())
			headerWritten = true
			sectionIndex++
			used = append(used, doc)
		}
	}
	return sb.String(), used
}

// sectionFor renders one document with its header.
func sectionFor(n int, doc rerank.RankedDocument) string {
	title := doc.Document.Document.Meta.Title
	if title == "" {
		title = doc.Document.Document.ID
	}
	return fmt.Sprintf("## Source %d: %s (confidence %.2f)\n%s",
		n, title, doc.CombinedScore, doc.Document.Document.Content)
}

// =============================================================================
// Confidence
// =============================================================================

// contextConfidence blends mean document confidence, count adequacy
// (saturating at three documents), and query-term coverage of the text.
func contextConfidence(query, content string, used []rerank.RankedDocument) float64 {
	if len(used) == 0 {
		return 0
	}

	total := 0.0
	for _, doc := range used {
		total += doc.CombinedScore
	}
	mean := total / float64(len(used))

	adequacy := float64(len(used)) / 3.0
	if adequacy > 1 {
		adequacy = 1
	}

	coverage := text.Coverage(text.ExtractTerms(query), text.ExtractTerms(content))

	return weightMeanConfidence*mean + weightAdequacy*adequacy + weightCoverage*coverage
}

// estimateTokens approximates token count from character count.
func estimateTokens(s string, charsPerToken int) int {
	if s == "" {
		return 0
	}
	return (len(s) + charsPerToken - 1) / charsPerToken
}
