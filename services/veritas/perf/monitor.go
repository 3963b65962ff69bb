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
	"context"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	monitorHeapBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "veritas",
		Subsystem: "perf",
		Name:      "heap_alloc_bytes",
		Help:      "Heap bytes in use at the last monitor sample",
	})

	monitorGoroutines = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "veritas",
		Subsystem: "perf",
		Name:      "goroutines",
		Help:      "Goroutine count at the last monitor sample",
	})

	monitorLoadAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "veritas",
		Subsystem: "perf",
		Name:      "load_average",
		Help:      "One-minute system load average at the last monitor sample",
	})

	monitorPressureEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veritas",
		Subsystem: "perf",
		Name:      "pressure_events_total",
		Help:      "Resource pressure events by kind: memory, load, cpu",
	}, []string{"kind"})
)

// =============================================================================
// Model Tiers
// =============================================================================

// ModelTier names a generation-model capability class. The pipeline maps
// tiers to concrete model names at wiring time.
type ModelTier string

const (
	// TierLight is the fastest, cheapest model class.
	TierLight ModelTier = "light"

	// TierStandard is the default model class.
	TierStandard ModelTier = "standard"

	// TierHeavy is the most capable model class, reserved for complex queries.
	TierHeavy ModelTier = "heavy"
)

// Complexity tier boundaries, matching the analyzer's 0-10 scale:
// simple <= 3, medium <= 7, complex above.
const (
	complexitySimpleCeiling = 3.0
	complexityMediumCeiling = 7.0
)

// =============================================================================
// Monitor
// =============================================================================

// Monitor samples process resource usage on a fixed interval and reacts to
// pressure: registered caches are cleared under memory pressure, and
// SuggestModel downgrades to a lighter tier while the process is loaded.
//
// # Description
//
// Memory is read from runtime.MemStats (heap in use); request fan-out is
// approximated by the goroutine count; CPU saturation is read from the
// one-minute system load average normalized by CPU count, where available.
// The memory and goroutine thresholds come from configuration. Pressure is
// sticky for the sample interval: it is re-evaluated at each tick, not per
// request.
//
// # Thread Safety
//
// Safe for concurrent use.
type Monitor struct {
	interval       time.Duration
	memHighWater   uint64 // bytes
	goroutineLimit int

	// readLoad supplies the one-minute load average; swapped in tests.
	readLoad func() (float64, error)

	overloaded atomic.Bool

	mu     sync.Mutex
	caches []*Cache
	cancel context.CancelFunc

	logger *slog.Logger
}

// NewMonitor creates a stopped monitor. Call Start to begin sampling.
//
// # Inputs
//
//   - interval: Sampling interval. Values <= 0 default to 10s.
//   - memHighWaterMB: Heap high-water mark in MiB. <= 0 disables the check.
//   - goroutineLimit: Goroutine high-water mark. <= 0 disables the check.
//   - logger: Logger for pressure events. May be nil.
//
// # Thread Safety
//
// The returned monitor is safe for concurrent use.
func NewMonitor(interval time.Duration, memHighWaterMB, goroutineLimit int, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	var highWater uint64
	if memHighWaterMB > 0 {
		highWater = uint64(memHighWaterMB) << 20
	}
	return &Monitor{
		interval:       interval,
		memHighWater:   highWater,
		goroutineLimit: goroutineLimit,
		readLoad:       readLoadAvg,
		logger:         logger,
	}
}

// RegisterCache adds a cache to be cleared on memory pressure.
//
// # Thread Safety
//
// Safe for concurrent use, but typically called during wiring.
func (m *Monitor) RegisterCache(c *Cache) {
	if c == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caches = append(m.caches, c)
}

// Start launches the sampling loop. Stop or ctx cancellation ends it.
//
// # Thread Safety
//
// Not safe to call concurrently with itself. Call once at startup.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sample()
			}
		}
	}()
}

// Stop ends the sampling loop. Safe to call on a never-started monitor.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// Overloaded reports whether the last sample exceeded a threshold.
//
// # Thread Safety
//
// Safe for concurrent use.
func (m *Monitor) Overloaded() bool {
	return m.overloaded.Load()
}

// sample reads resource usage once and updates pressure state.
func (m *Monitor) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	goroutines := runtime.NumGoroutine()

	monitorHeapBytes.Set(float64(ms.HeapInuse))
	monitorGoroutines.Set(float64(goroutines))

	memPressure := m.memHighWater > 0 && ms.HeapInuse > m.memHighWater
	loadPressure := m.goroutineLimit > 0 && goroutines > m.goroutineLimit

	if memPressure {
		monitorPressureEvents.WithLabelValues("memory").Inc()
		m.logger.Warn("memory pressure, clearing caches",
			slog.Uint64("heap_inuse_bytes", ms.HeapInuse),
			slog.Uint64("high_water_bytes", m.memHighWater),
		)
		m.mu.Lock()
		caches := make([]*Cache, len(m.caches))
		copy(caches, m.caches)
		m.mu.Unlock()
		for _, c := range caches {
			c.Clear()
		}
	}
	if loadPressure {
		monitorPressureEvents.WithLabelValues("load").Inc()
		m.logger.Warn("load pressure, downgrading model suggestions",
			slog.Int("goroutines", goroutines),
			slog.Int("limit", m.goroutineLimit),
		)
	}

	cpuPressure := false
	if load, err := m.readLoad(); err == nil {
		monitorLoadAvg.Set(load)
		cpuPressure = load/float64(runtime.NumCPU()) > cpuLoadPerCore
		if cpuPressure {
			monitorPressureEvents.WithLabelValues("cpu").Inc()
			m.logger.Warn("cpu pressure, downgrading model suggestions",
				slog.Float64("load_average", load),
				slog.Int("cpus", runtime.NumCPU()),
			)
		}
	}

	m.overloaded.Store(memPressure || loadPressure || cpuPressure)
}

// cpuLoadPerCore is the normalized one-minute load above which the process
// counts as CPU-saturated: more runnable tasks than cores.
const cpuLoadPerCore = 1.0

// loadAvgPath is the Linux load-average pseudo-file. On platforms without
// it the CPU check is skipped.
const loadAvgPath = "/proc/loadavg"

// readLoadAvg returns the one-minute system load average.
func readLoadAvg() (float64, error) {
	raw, err := os.ReadFile(loadAvgPath)
	if err != nil {
		return 0, err
	}
	return parseLoadAvg(string(raw))
}

// parseLoadAvg extracts the first field of a loadavg line, e.g.
// "0.52 0.58 0.59 1/467 12345".
func parseLoadAvg(s string) (float64, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseFloat(fields[0], 64)
}

// SuggestModel maps a query complexity score to a generation-model tier.
//
// # Description
//
// Simple queries get the light tier, medium the standard tier, complex the
// heavy tier. While the process is overloaded the suggestion is downgraded
// one tier regardless of complexity, trading answer quality for headroom.
//
// # Inputs
//
//   - complexityScore: The analyzer's 0-10 difficulty score.
//
// # Outputs
//
//   - ModelTier: The suggested tier. Never empty.
//
// # Thread Safety
//
// Safe for concurrent use.
func (m *Monitor) SuggestModel(complexityScore float64) ModelTier {
	var tier ModelTier
	switch {
	case complexityScore <= complexitySimpleCeiling:
		tier = TierLight
	case complexityScore <= complexityMediumCeiling:
		tier = TierStandard
	default:
		tier = TierHeavy
	}

	if m.Overloaded() {
		switch tier {
		case TierHeavy:
			tier = TierStandard
		case TierStandard:
			tier = TierLight
		}
	}
	return tier
}
