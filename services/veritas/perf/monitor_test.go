// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package perf

import (
	"errors"
	"testing"
	"time"
)

func calmLoad() (float64, error) { return 0.1, nil }

// =============================================================================
// SuggestModel Tests
// =============================================================================

func TestSuggestModel_ByComplexity(t *testing.T) {
	m := NewMonitor(time.Second, 0, 0, nil)

	tests := []struct {
		name  string
		score float64
		want  ModelTier
	}{
		{"simple", 2.0, TierLight},
		{"simple boundary", 3.0, TierLight},
		{"medium", 5.0, TierStandard},
		{"medium boundary", 7.0, TierStandard},
		{"complex", 8.5, TierHeavy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.SuggestModel(tt.score); got != tt.want {
				t.Errorf("SuggestModel(%.1f) = %s, want %s", tt.score, got, tt.want)
			}
		})
	}
}

func TestSuggestModel_LoadForcesLighterTier(t *testing.T) {
	m := NewMonitor(time.Second, 0, 0, nil)
	m.overloaded.Store(true)

	if got := m.SuggestModel(9.0); got != TierStandard {
		t.Errorf("overloaded heavy = %s, want %s", got, TierStandard)
	}
	if got := m.SuggestModel(5.0); got != TierLight {
		t.Errorf("overloaded standard = %s, want %s", got, TierLight)
	}
	if got := m.SuggestModel(1.0); got != TierLight {
		t.Errorf("overloaded light = %s, want %s", got, TierLight)
	}
}

// =============================================================================
// Pressure Tests
// =============================================================================

func TestSample_MemoryPressureClearsCaches(t *testing.T) {
	// 1 MB high water is always exceeded by a running test process.
	m := NewMonitor(time.Second, 1, 0, nil)
	m.readLoad = calmLoad
	c := NewCache(8, time.Minute, true, nil)
	c.Set("k", "v", 0)
	m.RegisterCache(c)

	m.sample()

	if !m.Overloaded() {
		t.Error("expected overloaded state with a 1MB high-water mark")
	}
	if _, ok := c.Get("k"); ok {
		t.Error("expected registered cache to be cleared under memory pressure")
	}
}

func TestSample_NoThresholdsNoPressure(t *testing.T) {
	m := NewMonitor(time.Second, 0, 0, nil)
	m.readLoad = calmLoad
	m.sample()
	if m.Overloaded() {
		t.Error("expected no pressure when both thresholds are disabled")
	}
}

func TestSample_CPULoadPressure(t *testing.T) {
	m := NewMonitor(time.Second, 0, 0, nil)
	// Saturated on any core count.
	m.readLoad = func() (float64, error) { return 4096.0, nil }

	m.sample()

	if !m.Overloaded() {
		t.Error("expected overloaded state when the load average saturates every core")
	}
}

func TestSample_LoadReadFailureSkipsCPUCheck(t *testing.T) {
	m := NewMonitor(time.Second, 0, 0, nil)
	m.readLoad = func() (float64, error) { return 0, errors.New("no loadavg on this platform") }

	m.sample()

	if m.Overloaded() {
		t.Error("an unreadable load average must not count as pressure")
	}
}

// =============================================================================
// Load Average Parsing Tests
// =============================================================================

func TestParseLoadAvg(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    float64
		wantErr bool
	}{
		{"typical line", "0.52 0.58 0.59 1/467 12345\n", 0.52, false},
		{"single field", "2.00", 2.00, false},
		{"empty", "", 0, true},
		{"garbage", "not a number\n", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLoadAvg(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseLoadAvg(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseLoadAvg(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
