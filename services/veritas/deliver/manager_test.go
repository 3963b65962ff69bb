// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deliver

import (
	"math"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianVeritas/services/veritas/calibrate"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/config"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/evaluate"
)

func goodEval() *evaluate.Result {
	return &evaluate.Result{
		Factuality: 0.9,
		Relevance:  0.85,
		Coherence:  0.8,
		Overall:    0.87,
		Action:     evaluate.ActionAccept,
	}
}

func newTestManager(t *testing.T) (*Manager, *calibrate.Calibrator) {
	t.Helper()
	cal := calibrate.NewCalibrator(10, nil, nil)
	return NewManager(config.Default(), cal, nil), cal
}

// =============================================================================
// Delivery Tests
// =============================================================================

func TestDeliver_AssignsUniqueFeedbackIDs(t *testing.T) {
	m, _ := newTestManager(t)

	first := m.Deliver("answer one", goodEval(), 0.87, nil, Options{})
	second := m.Deliver("answer two", goodEval(), 0.87, nil, Options{})

	if first.FeedbackID == "" || second.FeedbackID == "" {
		t.Fatal("deliveries must carry feedback ids")
	}
	if first.FeedbackID == second.FeedbackID {
		t.Error("feedback ids must be unique per delivery")
	}
}

func TestDeliver_DisplayStyles(t *testing.T) {
	m, _ := newTestManager(t)

	tests := []struct {
		style DisplayStyle
		want  string
	}{
		{DisplayPercentage, "87%"},
		{DisplayLabel, "high confidence"},
	}
	for _, tt := range tests {
		got := m.Deliver("a", goodEval(), 0.87, nil, Options{Display: tt.style})
		if got.ConfidenceDisplay != tt.want {
			t.Errorf("style %s display = %q, want %q", tt.style, got.ConfidenceDisplay, tt.want)
		}
	}

	detailed := m.Deliver("a", goodEval(), 0.87, nil, Options{Display: DisplayDetailed})
	for _, fragment := range []string{"87%", "high confidence", "factuality 0.90"} {
		if !strings.Contains(detailed.ConfidenceDisplay, fragment) {
			t.Errorf("detailed display %q missing %q", detailed.ConfidenceDisplay, fragment)
		}
	}
}

func TestDeliver_TierLabels(t *testing.T) {
	m, _ := newTestManager(t)
	tests := []struct {
		confidence float64
		want       string
	}{
		{0.95, "high confidence"},
		{0.80, "high confidence"},
		{0.70, "medium confidence"},
		{0.50, "low confidence"},
		{0.20, "very low confidence"},
	}
	for _, tt := range tests {
		got := m.Deliver("a", goodEval(), tt.confidence, nil, Options{Display: DisplayLabel})
		if got.ConfidenceDisplay != tt.want {
			t.Errorf("confidence %.2f label = %q, want %q", tt.confidence, got.ConfidenceDisplay, tt.want)
		}
	}
}

func TestDeliver_Warnings(t *testing.T) {
	m, _ := newTestManager(t)

	clean := m.Deliver("a", goodEval(), 0.87, nil, Options{})
	if len(clean.Warnings) != 0 {
		t.Errorf("confident accepted answer carries warnings: %v", clean.Warnings)
	}

	low := m.Deliver("a", &evaluate.Result{Action: evaluate.ActionRegenerate}, 0.45, nil, Options{})
	if len(low.Warnings) == 0 || !strings.Contains(low.Warnings[0], "below the reliable threshold") {
		t.Errorf("low-confidence delivery warnings = %v, want threshold warning", low.Warnings)
	}

	review := m.Deliver("a", &evaluate.Result{Action: evaluate.ActionReview, HumanReviewNeeded: true}, 0.7, nil, Options{})
	found := false
	for _, w := range review.Warnings {
		if strings.Contains(w, "human review") {
			found = true
		}
	}
	if !found {
		t.Errorf("review delivery warnings = %v, want human-review warning", review.Warnings)
	}

	fallback := m.Deliver("a", &evaluate.Result{Action: evaluate.ActionFallback}, 0.3, nil, Options{})
	found = false
	for _, w := range fallback.Warnings {
		if strings.Contains(w, "no supporting sources") {
			found = true
		}
	}
	if !found {
		t.Errorf("fallback delivery warnings = %v, want ungrounded warning", fallback.Warnings)
	}
}

func TestDeliver_EvidenceSnippets(t *testing.T) {
	m, _ := newTestManager(t)
	sources := []evaluate.Source{
		{Content: "First supporting document about caching.", Confidence: 0.9},
		{Content: "Second supporting document about eviction.", Confidence: 0.8},
		{Content: "Third supporting document about TTLs.", Confidence: 0.7},
	}

	got := m.Deliver("a", goodEval(), 0.87, sources, Options{
		IncludeEvidence:     true,
		MaxEvidenceSnippets: 2,
	})
	if len(got.Evidence) != 2 {
		t.Fatalf("attached %d snippets, want 2", len(got.Evidence))
	}
	if got.Evidence[0].Confidence != 0.9 {
		t.Errorf("first snippet confidence = %v, want the top source", got.Evidence[0].Confidence)
	}

	plain := m.Deliver("a", goodEval(), 0.87, sources, Options{})
	if len(plain.Evidence) != 0 {
		t.Error("evidence attached without IncludeEvidence")
	}
}

func TestDeliver_LongSourceTruncatedAtWordBoundary(t *testing.T) {
	m, _ := newTestManager(t)
	long := strings.Repeat("supporting evidence sentence ", 40)

	got := m.Deliver("a", goodEval(), 0.87,
		[]evaluate.Source{{Content: long, Confidence: 0.9}},
		Options{IncludeEvidence: true})

	if len(got.Evidence) != 1 {
		t.Fatal("snippet missing")
	}
	if len(got.Evidence[0].Text) > snippetBudget {
		t.Errorf("snippet length %d exceeds budget %d", len(got.Evidence[0].Text), snippetBudget)
	}
	if strings.HasSuffix(got.Evidence[0].Text, "senten") {
		t.Error("snippet cut mid-word")
	}
}

// =============================================================================
// Feedback Tests
// =============================================================================

func TestCaptureFeedback_FeedsCalibrator(t *testing.T) {
	m, cal := newTestManager(t)
	resp := m.Deliver("a", goodEval(), 0.87, nil, Options{})

	if err := m.CaptureFeedback(resp.FeedbackID, Feedback{Rating: 1.0}); err != nil {
		t.Fatalf("CaptureFeedback: %v", err)
	}
	if cal.SampleCount() != 1 {
		t.Errorf("calibrator has %d samples, want 1", cal.SampleCount())
	}
}

func TestCaptureFeedback_UnknownID(t *testing.T) {
	m, cal := newTestManager(t)
	if err := m.CaptureFeedback("no-such-id", Feedback{Rating: 1.0}); err == nil {
		t.Fatal("unknown feedback id must error")
	}
	if cal.SampleCount() != 0 {
		t.Error("unknown id must not produce a calibration sample")
	}
}

func TestCaptureFeedback_DuplicateRejected(t *testing.T) {
	m, cal := newTestManager(t)
	resp := m.Deliver("a", goodEval(), 0.87, nil, Options{})

	if err := m.CaptureFeedback(resp.FeedbackID, Feedback{Rating: 1.0}); err != nil {
		t.Fatalf("first capture: %v", err)
	}
	if err := m.CaptureFeedback(resp.FeedbackID, Feedback{Rating: 0.0}); err == nil {
		t.Fatal("second capture for the same id must error")
	}
	if cal.SampleCount() != 1 {
		t.Errorf("calibrator has %d samples after duplicate, want 1", cal.SampleCount())
	}
}

// =============================================================================
// Stats Tests
// =============================================================================

func TestStats_Aggregates(t *testing.T) {
	m, _ := newTestManager(t)

	m.Deliver("a", goodEval(), 0.9, nil, Options{})
	m.Deliver("b", &evaluate.Result{Action: evaluate.ActionReview, HumanReviewNeeded: true}, 0.7, nil, Options{})
	resp := m.Deliver("c", &evaluate.Result{Action: evaluate.ActionReject}, 0.2, nil, Options{})
	if err := m.CaptureFeedback(resp.FeedbackID, Feedback{Rating: 0}); err != nil {
		t.Fatalf("CaptureFeedback: %v", err)
	}

	s := m.Stats()
	if s.Deliveries != 3 {
		t.Errorf("deliveries = %d, want 3", s.Deliveries)
	}
	if math.Abs(s.MeanConfidence-0.6) > 1e-9 {
		t.Errorf("mean confidence = %v, want 0.6", s.MeanConfidence)
	}
	if math.Abs(s.HumanReviewRate-1.0/3.0) > 1e-9 {
		t.Errorf("review rate = %v, want 1/3", s.HumanReviewRate)
	}
	if s.FeedbackCount != 1 {
		t.Errorf("feedback count = %d, want 1", s.FeedbackCount)
	}
	if s.Actions[evaluate.ActionAccept] != 1 || s.Actions[evaluate.ActionReview] != 1 || s.Actions[evaluate.ActionReject] != 1 {
		t.Errorf("action counts = %v", s.Actions)
	}
}

func TestStats_Empty(t *testing.T) {
	m, _ := newTestManager(t)
	s := m.Stats()
	if s.Deliveries != 0 || s.MeanConfidence != 0 || s.HumanReviewRate != 0 {
		t.Errorf("empty stats = %+v, want zeros", s)
	}
}
