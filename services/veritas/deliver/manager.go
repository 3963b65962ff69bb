// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package deliver formats evaluated answers for end users, keeps the
// delivery history, and routes user feedback back into calibration.
package deliver

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianVeritas/services/veritas/calibrate"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/config"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/evaluate"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/text"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veritas",
		Subsystem: "deliver",
		Name:      "deliveries_total",
		Help:      "Delivered responses by action",
	}, []string{"action"})

	feedbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veritas",
		Subsystem: "deliver",
		Name:      "feedback_total",
		Help:      "Captured feedback by outcome",
	}, []string{"outcome"})
)

// =============================================================================
// Types
// =============================================================================

// DisplayStyle selects how confidence is rendered to the user.
type DisplayStyle string

const (
	// DisplayPercentage renders a bare percentage, e.g. "87%".
	DisplayPercentage DisplayStyle = "percentage"

	// DisplayDetailed renders the percentage with its tier label and
	// the dominant signal scores.
	DisplayDetailed DisplayStyle = "detailed"

	// DisplayLabel renders only the tier label, e.g. "high confidence".
	DisplayLabel DisplayStyle = "label"
)

// Options controls presentation of one delivery.
type Options struct {
	// Display defaults to DisplayPercentage.
	Display DisplayStyle `json:"display"`

	// IncludeEvidence attaches source snippets supporting the answer.
	IncludeEvidence bool `json:"includeEvidence"`

	// MaxEvidenceSnippets caps attached snippets. Defaults to 3.
	MaxEvidenceSnippets int `json:"maxEvidenceSnippets"`
}

// Snippet is a short supporting excerpt from one source.
type Snippet struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Response is the end-user form of an evaluated answer.
type Response struct {
	FeedbackID        string           `json:"feedbackId"`
	Answer            string           `json:"answer"`
	Action            evaluate.Action  `json:"action"`
	Confidence        float64          `json:"confidence"`
	ConfidenceDisplay string           `json:"confidenceDisplay"`
	Warnings          []string         `json:"warnings,omitempty"`
	UncertaintyAreas  []string         `json:"uncertaintyAreas,omitempty"`
	Evidence          []Snippet        `json:"evidence,omitempty"`
	HumanReviewNeeded bool             `json:"humanReviewNeeded"`
	DeliveredAt       time.Time        `json:"deliveredAt"`
	Calibration       calibrate.Method `json:"calibration"`
}

// Feedback is a later user judgment on a delivered response.
type Feedback struct {
	// Rating is the user's accuracy judgment in [0, 1]. A thumbs-up/down
	// UI maps to 1.0 / 0.0.
	Rating float64 `json:"rating"`

	// Comment is optional free text, kept for audit only.
	Comment string `json:"comment,omitempty"`
}

// Stats aggregates the delivery history.
type Stats struct {
	Deliveries      int                     `json:"deliveries"`
	MeanConfidence  float64                 `json:"meanConfidence"`
	HumanReviewRate float64                 `json:"humanReviewRate"`
	FeedbackCount   int                     `json:"feedbackCount"`
	Actions         map[evaluate.Action]int `json:"actions"`
}

// snippetBudget bounds evidence excerpt length in characters.
const snippetBudget = 240

// historyLimit bounds the retained delivery records. Oldest entries are
// dropped first; aggregate counters are not affected.
const historyLimit = 10_000

// =============================================================================
// Manager
// =============================================================================

// record is one history entry awaiting possible feedback.
type record struct {
	confidence  float64
	action      evaluate.Action
	needsReview bool
	deliveredAt time.Time
	gotFeedback bool
}

// Manager formats deliveries and feeds captured feedback to the calibrator.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	history map[string]*record
	order   []string

	totalDeliveries int
	sumConfidence   float64
	reviewCount     int
	feedbackCount   int
	actionCounts    map[evaluate.Action]int

	calibrator *calibrate.Calibrator
	thresholds config.Thresholds
	logger     *slog.Logger
}

// NewManager creates a delivery manager.
//
// # Inputs
//
//   - cfg: Validated configuration; supplies the tier thresholds used for
//     labels and warnings. Must not be nil.
//   - calibrator: Receives feedback samples. May be nil, in which case
//     feedback is recorded in history only.
//   - logger: May be nil.
//
// # Thread Safety
//
// The returned manager is safe for concurrent use.
func NewManager(cfg *config.Config, calibrator *calibrate.Calibrator, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		history:      make(map[string]*record),
		actionCounts: make(map[evaluate.Action]int),
		calibrator:   calibrator,
		thresholds:   cfg.Thresholds,
		logger:       logger,
	}
}

// Deliver packages an evaluated answer for presentation.
//
// # Inputs
//
//   - answer: The generated answer text.
//   - eval: The evaluation result. Must not be nil.
//   - confidence: The calibrated overall confidence in [0, 1].
//   - sources: Evidence documents, used for snippets when requested.
//   - opts: Presentation options.
//
// # Outputs
//
//   - *Response: Never nil. Carries a fresh feedback-correlation id.
//
// # Thread Safety
//
// Safe for concurrent use.
func (m *Manager) Deliver(answer string, eval *evaluate.Result, confidence float64, sources []evaluate.Source, opts Options) *Response {
	if opts.Display == "" {
		opts.Display = DisplayPercentage
	}
	if opts.MaxEvidenceSnippets <= 0 {
		opts.MaxEvidenceSnippets = 3
	}

	resp := &Response{
		FeedbackID:        uuid.NewString(),
		Answer:            answer,
		Action:            eval.Action,
		Confidence:        confidence,
		ConfidenceDisplay: m.formatConfidence(confidence, eval, opts.Display),
		UncertaintyAreas:  eval.UncertaintyAreas,
		HumanReviewNeeded: eval.HumanReviewNeeded,
		DeliveredAt:       time.Now().UTC(),
	}
	if m.calibrator != nil {
		resp.Calibration = m.calibrator.Export().Method
	}

	resp.Warnings = m.buildWarnings(confidence, eval)
	if opts.IncludeEvidence {
		resp.Evidence = buildSnippets(sources, opts.MaxEvidenceSnippets)
	}

	m.recordDelivery(resp)
	deliveriesTotal.WithLabelValues(string(eval.Action)).Inc()
	return resp
}

// CaptureFeedback attaches a user judgment to a prior delivery. The pair
// (delivered confidence, rating) becomes a calibration sample.
//
// # Outputs
//
//   - error: Non-nil for an unknown or already-judged feedback id.
//
// # Thread Safety
//
// Safe for concurrent use.
func (m *Manager) CaptureFeedback(feedbackID string, fb Feedback) error {
	m.mu.Lock()
	rec, ok := m.history[feedbackID]
	if !ok {
		m.mu.Unlock()
		feedbackTotal.WithLabelValues("unknown_id").Inc()
		return fmt.Errorf("unknown feedback id %q", feedbackID)
	}
	if rec.gotFeedback {
		m.mu.Unlock()
		feedbackTotal.WithLabelValues("duplicate").Inc()
		return fmt.Errorf("feedback already captured for id %q", feedbackID)
	}
	rec.gotFeedback = true
	m.feedbackCount++
	predicted := rec.confidence
	m.mu.Unlock()

	if m.calibrator != nil {
		m.calibrator.AddSample(calibrate.DataPoint{
			Predicted: predicted,
			Actual:    calibrate.Clamp(fb.Rating),
		})
	}

	feedbackTotal.WithLabelValues("ok").Inc()
	m.logger.Info("feedback captured",
		slog.String("feedback_id", feedbackID),
		slog.Float64("predicted", predicted),
		slog.Float64("rating", fb.Rating),
	)
	return nil
}

// Stats summarizes all deliveries since construction.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Deliveries:    m.totalDeliveries,
		FeedbackCount: m.feedbackCount,
		Actions:       make(map[evaluate.Action]int, len(m.actionCounts)),
	}
	for action, n := range m.actionCounts {
		s.Actions[action] = n
	}
	if m.totalDeliveries > 0 {
		s.MeanConfidence = m.sumConfidence / float64(m.totalDeliveries)
		s.HumanReviewRate = float64(m.reviewCount) / float64(m.totalDeliveries)
	}
	return s
}

// =============================================================================
// Internals
// =============================================================================

func (m *Manager) recordDelivery(resp *Response) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history[resp.FeedbackID] = &record{
		confidence:  resp.Confidence,
		action:      resp.Action,
		needsReview: resp.HumanReviewNeeded,
		deliveredAt: resp.DeliveredAt,
	}
	m.order = append(m.order, resp.FeedbackID)
	for len(m.order) > historyLimit {
		delete(m.history, m.order[0])
		m.order = m.order[1:]
	}

	m.totalDeliveries++
	m.sumConfidence += resp.Confidence
	m.actionCounts[resp.Action]++
	if resp.HumanReviewNeeded {
		m.reviewCount++
	}
}

// tierLabel maps confidence to its presentation tier.
func (m *Manager) tierLabel(confidence float64) string {
	o := m.thresholds.Overall
	switch {
	case confidence >= o.High:
		return "high confidence"
	case confidence >= o.Medium:
		return "medium confidence"
	case confidence >= o.Low:
		return "low confidence"
	default:
		return "very low confidence"
	}
}

func (m *Manager) formatConfidence(confidence float64, eval *evaluate.Result, style DisplayStyle) string {
	switch style {
	case DisplayLabel:
		return m.tierLabel(confidence)
	case DisplayDetailed:
		return fmt.Sprintf("%.0f%% (%s; factuality %.2f, relevance %.2f, coherence %.2f)",
			confidence*100, m.tierLabel(confidence),
			eval.Factuality, eval.Relevance, eval.Coherence)
	default:
		return fmt.Sprintf("%.0f%%", confidence*100)
	}
}

func (m *Manager) buildWarnings(confidence float64, eval *evaluate.Result) []string {
	var warnings []string
	if confidence < m.thresholds.Overall.Medium {
		warnings = append(warnings,
			fmt.Sprintf("confidence %.0f%% is below the reliable threshold; verify independently", confidence*100))
	}
	if eval.HumanReviewNeeded {
		warnings = append(warnings, "this answer is flagged for human review")
	}
	if eval.Action == evaluate.ActionFallback {
		warnings = append(warnings, "no supporting sources were found; answer is not grounded")
	}
	return warnings
}

// buildSnippets excerpts the highest-confidence sources, trimmed at a
// word boundary.
func buildSnippets(sources []evaluate.Source, limit int) []Snippet {
	var snippets []Snippet
	for _, src := range sources {
		if len(snippets) >= limit {
			break
		}
		excerpt := strings.TrimSpace(text.TruncateAtWordBoundary(src.Content, snippetBudget))
		if excerpt == "" {
			continue
		}
		snippets = append(snippets, Snippet{Text: excerpt, Confidence: src.Confidence})
	}
	return snippets
}
