// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package calibrate

import (
	"context"
	"math"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := NewBadgerStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewBadgerStore: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store
}

func TestBadgerStore_SaveLoadRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	want := &Parameters{
		Method:      MethodTemperature,
		Temperature: 1.5,
		SampleCount: 42,
		TrainedAt:   time.Now().UTC().Truncate(time.Second),
	}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil {
		t.Fatal("Load returned nil after Save")
	}
	if got.Method != want.Method || got.Temperature != want.Temperature ||
		got.SampleCount != want.SampleCount || !got.TrainedAt.Equal(want.TrainedAt) {
		t.Errorf("loaded %+v, want %+v", got, want)
	}
}

func TestBadgerStore_LoadMissingIsNotAnError(t *testing.T) {
	store := newTestStore(t)

	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load on empty store: %v", err)
	}
	if got != nil {
		t.Errorf("empty store returned %+v, want nil", got)
	}
}

func TestBadgerStore_SaveReplacesPrevious(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &Parameters{Method: MethodTemperature, Temperature: 2.0}
	second := &Parameters{Method: MethodPlatt, PlattA: -4, PlattB: 2}
	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("Save first: %v", err)
	}
	if err := store.Save(ctx, second); err != nil {
		t.Fatalf("Save second: %v", err)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Method != MethodPlatt || got.PlattA != -4 {
		t.Errorf("loaded %+v, want the second save", got)
	}
}

func TestCalibrator_TrainPersistsAndRestores(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewBadgerStore(dir, nil)
	if err != nil {
		t.Fatalf("NewBadgerStore: %v", err)
	}
	c := NewCalibrator(10, store, nil)
	if _, err := c.Train(softened(2.0), MethodTemperature); err != nil {
		t.Fatalf("Train: %v", err)
	}
	trained := c.Calibrate(0.8).Score
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewBadgerStore(dir, nil)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	defer reopened.Close()

	fresh := NewCalibrator(10, reopened, nil)
	if err := fresh.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := fresh.Calibrate(0.8); got.Method != MethodTemperature ||
		math.Abs(got.Score-trained) > 1e-9 {
		t.Errorf("restored Calibrate(0.8) = %+v, want method temperature score %v", got, trained)
	}
}

func TestCalibrator_RestoreWithoutStore(t *testing.T) {
	c := NewCalibrator(2, nil, nil)
	if err := c.Restore(context.Background()); err != nil {
		t.Fatalf("storeless Restore must be a no-op, got %v", err)
	}
}
