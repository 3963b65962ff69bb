// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package calibrate maps raw confidence scores to calibrated probabilities
// using temperature scaling, Platt scaling, or isotonic regression, trained
// from observed (predicted, actual) feedback pairs.
package calibrate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	calibrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veritas",
		Subsystem: "calibrate",
		Name:      "calibrations_total",
		Help:      "Score calibrations by active method",
	}, []string{"method"})

	trainingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veritas",
		Subsystem: "calibrate",
		Name:      "trainings_total",
		Help:      "Training runs by method and outcome",
	}, []string{"method", "outcome"})
)

// =============================================================================
// Types
// =============================================================================

// Method names a calibration technique.
type Method string

const (
	// MethodNone is the uncalibrated identity state.
	MethodNone Method = "none"

	// MethodTemperature divides the logit by a fitted temperature.
	MethodTemperature Method = "temperature"

	// MethodPlatt applies a fitted logistic 1/(1+exp(a*x+b)).
	MethodPlatt Method = "platt"

	// MethodIsotonic interpolates a monotonic piecewise-linear fit.
	MethodIsotonic Method = "isotonic"
)

// DataPoint is one observed (predicted confidence, actual accuracy) pair.
type DataPoint struct {
	Predicted float64 `json:"predicted"`
	Actual    float64 `json:"actual"`
}

// Parameters is the full trained state of a calibrator. Exportable so
// calibration survives process restarts.
type Parameters struct {
	Method      Method    `json:"method"`
	Temperature float64   `json:"temperature,omitempty"`
	PlattA      float64   `json:"plattA,omitempty"`
	PlattB      float64   `json:"plattB,omitempty"`
	IsotonicX   []float64 `json:"isotonicX,omitempty"`
	IsotonicY   []float64 `json:"isotonicY,omitempty"`
	SampleCount int       `json:"sampleCount"`
	TrainedAt   time.Time `json:"trainedAt,omitempty"`
}

// Calibrated is the result of calibrating one score.
type Calibrated struct {
	Raw    float64 `json:"raw"`
	Score  float64 `json:"score"`
	Method Method  `json:"method"`
}

// Quality summarizes how well calibrated scores track observed accuracy.
type Quality struct {
	// ECE is the expected calibration error: the bucket-weighted mean gap
	// between mean confidence and mean accuracy.
	ECE float64 `json:"ece"`

	// MCE is the maximum bucket gap.
	MCE float64 `json:"mce"`

	// Brier is the mean squared error between prediction and outcome.
	Brier float64 `json:"brier"`

	// Bins is the number of non-empty buckets.
	Bins int `json:"bins"`
}

// qualityBins is the number of equal-width buckets for ECE/MCE.
const qualityBins = 10

// logitEpsilon keeps logits finite at the probability extremes.
const logitEpsilon = 1e-6

// =============================================================================
// Calibrator
// =============================================================================

// Calibrator holds the trained calibration state.
//
// # Description
//
// Starts in the identity state: Calibrate returns its (clamped) input until
// a method is trained or imported. Training replaces the parameters
// atomically; in-flight calibrations see either the old or new state, never
// a mix.
//
// # Thread Safety
//
// Safe for concurrent use.
type Calibrator struct {
	mu         sync.RWMutex
	params     Parameters
	samples    []DataPoint
	minSamples int
	store      Store
	logger     *slog.Logger
}

// NewCalibrator creates an identity calibrator.
//
// # Inputs
//
//   - minSamples: Minimum training-set size. Values < 2 are raised to 2.
//   - store: Optional persistence for trained parameters. May be nil, in
//     which case calibration state is process-local.
//   - logger: May be nil.
//
// # Thread Safety
//
// The returned calibrator is safe for concurrent use.
func NewCalibrator(minSamples int, store Store, logger *slog.Logger) *Calibrator {
	if minSamples < 2 {
		minSamples = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Calibrator{
		params:     Parameters{Method: MethodNone},
		minSamples: minSamples,
		store:      store,
		logger:     logger,
	}
}

// Restore loads persisted parameters from the store, if any. Missing or
// invalid state leaves the calibrator in its identity state.
func (c *Calibrator) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	p, err := c.store.Load(ctx)
	if err != nil {
		return err
	}
	if p == nil {
		return nil
	}
	if err := c.Import(*p); err != nil {
		c.logger.Warn("ignoring invalid persisted calibration parameters",
			slog.String("error", err.Error()))
		return nil
	}
	c.logger.Info("calibration parameters restored",
		slog.String("method", string(p.Method)),
		slog.Int("samples", p.SampleCount),
	)
	return nil
}

// Clamp forces any real input into [0, 1]: NaN maps to 0, +Inf to 1,
// -Inf to 0.
func Clamp(raw float64) float64 {
	if math.IsNaN(raw) {
		return 0
	}
	if raw < 0 {
		return 0
	}
	if raw > 1 {
		return 1
	}
	return raw
}

// Calibrate maps a raw score through the active method.
//
// # Inputs
//
//   - raw: Any real value. Clamped to [0, 1] first.
//
// # Outputs
//
//   - Calibrated: Score in [0, 1] and the method that produced it.
//
// # Thread Safety
//
// Safe for concurrent use.
func (c *Calibrator) Calibrate(raw float64) Calibrated {
	x := Clamp(raw)

	c.mu.RLock()
	params := c.params
	c.mu.RUnlock()

	var score float64
	switch params.Method {
	case MethodTemperature:
		score = TemperatureScale(x, params.Temperature)
	case MethodPlatt:
		score = PlattScale(x, params.PlattA, params.PlattB)
	case MethodIsotonic:
		score = isotonicApply(params.IsotonicX, params.IsotonicY, x)
	default:
		score = x
	}

	calibrationsTotal.WithLabelValues(string(params.Method)).Inc()
	return Calibrated{Raw: raw, Score: Clamp(score), Method: params.Method}
}

// BatchCalibrate calibrates scores preserving input order.
func (c *Calibrator) BatchCalibrate(raws []float64) []Calibrated {
	out := make([]Calibrated, len(raws))
	for i, raw := range raws {
		out[i] = c.Calibrate(raw)
	}
	return out
}

// AddSample records one feedback pair for later training.
//
// # Thread Safety
//
// Safe for concurrent use.
func (c *Calibrator) AddSample(dp DataPoint) {
	dp.Predicted = Clamp(dp.Predicted)
	dp.Actual = Clamp(dp.Actual)
	c.mu.Lock()
	c.samples = append(c.samples, dp)
	c.mu.Unlock()
}

// SampleCount reports the accumulated feedback pairs.
func (c *Calibrator) SampleCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.samples)
}

// Train fits the given method on a training set and activates it.
//
// # Description
//
// Temperature is fit by grid search minimizing squared calibration error;
// Platt by linear regression in logit space; isotonic by pool-adjacent-
// violators on the sorted pairs. Training sets below the minimum sample
// count are rejected without touching the active parameters.
//
// # Inputs
//
//   - data: Training pairs. Nil uses the accumulated feedback samples.
//   - method: The method to fit. MethodNone resets to identity.
//
// # Outputs
//
//   - *Parameters: The activated parameters. Nil on error.
//   - error: Non-nil when the sample count is insufficient or the method
//     is unknown.
//
// # Thread Safety
//
// Safe for concurrent use.
func (c *Calibrator) Train(data []DataPoint, method Method) (*Parameters, error) {
	if data == nil {
		c.mu.RLock()
		data = append([]DataPoint(nil), c.samples...)
		c.mu.RUnlock()
	}

	if method == MethodNone {
		c.Reset()
		p := c.Export()
		return &p, nil
	}
	if len(data) < c.minSamples {
		trainingsTotal.WithLabelValues(string(method), "rejected").Inc()
		return nil, fmt.Errorf("training requires at least %d samples, got %d", c.minSamples, len(data))
	}

	params := Parameters{
		Method:      method,
		SampleCount: len(data),
		TrainedAt:   time.Now().UTC(),
	}
	switch method {
	case MethodTemperature:
		params.Temperature = fitTemperature(data)
	case MethodPlatt:
		params.PlattA, params.PlattB = fitPlatt(data)
	case MethodIsotonic:
		params.IsotonicX, params.IsotonicY = fitIsotonic(data)
	default:
		trainingsTotal.WithLabelValues(string(method), "rejected").Inc()
		return nil, fmt.Errorf("unknown calibration method %q", method)
	}

	c.mu.Lock()
	c.params = params
	c.mu.Unlock()

	trainingsTotal.WithLabelValues(string(method), "ok").Inc()
	c.logger.Info("calibration trained",
		slog.String("method", string(method)),
		slog.Int("samples", len(data)),
	)

	if c.store != nil {
		// Persistence failures degrade to process-local calibration.
		if err := c.store.Save(context.Background(), &params); err != nil {
			c.logger.Warn("failed to persist calibration parameters",
				slog.String("error", err.Error()))
		}
	}
	return &params, nil
}

// EvaluateQuality bins the calibrated predictions of a labeled set and
// reports ECE, MCE, and Brier score.
func (c *Calibrator) EvaluateQuality(data []DataPoint) Quality {
	type bucket struct {
		n          int
		confidence float64
		accuracy   float64
	}
	buckets := make([]bucket, qualityBins)

	var brier float64
	for _, dp := range data {
		score := c.Calibrate(dp.Predicted).Score
		brier += (score - dp.Actual) * (score - dp.Actual)

		idx := int(score * qualityBins)
		if idx >= qualityBins {
			idx = qualityBins - 1
		}
		buckets[idx].n++
		buckets[idx].confidence += score
		buckets[idx].accuracy += dp.Actual
	}

	q := Quality{}
	if len(data) == 0 {
		return q
	}
	brier /= float64(len(data))
	q.Brier = brier

	for _, b := range buckets {
		if b.n == 0 {
			continue
		}
		q.Bins++
		gap := math.Abs(b.confidence/float64(b.n) - b.accuracy/float64(b.n))
		q.ECE += gap * float64(b.n) / float64(len(data))
		if gap > q.MCE {
			q.MCE = gap
		}
	}
	return q
}

// Export returns a copy of the active parameters.
func (c *Calibrator) Export() Parameters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := c.params
	p.IsotonicX = append([]float64(nil), c.params.IsotonicX...)
	p.IsotonicY = append([]float64(nil), c.params.IsotonicY...)
	return p
}

// Import replaces the active parameters, typically with a persisted export.
//
// # Outputs
//
//   - error: Non-nil when the parameters are internally inconsistent.
func (c *Calibrator) Import(p Parameters) error {
	switch p.Method {
	case MethodNone:
	case MethodPlatt:
		// A zero slope collapses the sigmoid to a constant 0.5.
		if p.PlattA == 0 {
			return fmt.Errorf("platt slope must be non-zero")
		}
	case MethodTemperature:
		if p.Temperature <= 0 {
			return fmt.Errorf("temperature must be positive, got %v", p.Temperature)
		}
	case MethodIsotonic:
		if len(p.IsotonicX) != len(p.IsotonicY) || len(p.IsotonicX) < 2 {
			return fmt.Errorf("isotonic parameters need matching x/y with at least 2 points")
		}
		if !sort.Float64sAreSorted(p.IsotonicX) {
			return fmt.Errorf("isotonic x points must be sorted")
		}
	default:
		return fmt.Errorf("unknown calibration method %q", p.Method)
	}

	c.mu.Lock()
	c.params = p
	c.mu.Unlock()
	return nil
}

// Reset returns the calibrator to the uncalibrated identity state. The
// accumulated feedback samples are kept.
func (c *Calibrator) Reset() {
	c.mu.Lock()
	c.params = Parameters{Method: MethodNone}
	c.mu.Unlock()
}

// =============================================================================
// Transforms
// =============================================================================

// TemperatureScale divides the logit of p by temperature and converts back.
//
// # Description
//
// Monotonic with a fixed point at 0.5 for any temperature. Temperatures
// below 1 sharpen (push scores away from 0.5); above 1 soften (pull scores
// toward 0.5). Non-positive temperatures are treated as identity.
func TemperatureScale(p, temperature float64) float64 {
	if temperature <= 0 {
		return Clamp(p)
	}
	x := clampOpen(Clamp(p))
	logit := math.Log(x / (1 - x))
	return sigmoid(logit / temperature)
}

// PlattScale applies the fitted logistic 1/(1+exp(a*x+b)).
func PlattScale(p, a, b float64) float64 {
	return 1.0 / (1.0 + math.Exp(a*Clamp(p)+b))
}

// isotonicApply interpolates the piecewise-linear isotonic fit, with
// linear extrapolation clamped to [0, 1] outside the trained range.
func isotonicApply(xs, ys []float64, p float64) float64 {
	if len(xs) == 0 || len(xs) != len(ys) {
		return p
	}
	if len(xs) == 1 {
		return ys[0]
	}
	if p <= xs[0] {
		return Clamp(extrapolate(xs[0], ys[0], xs[1], ys[1], p))
	}
	last := len(xs) - 1
	if p >= xs[last] {
		return Clamp(extrapolate(xs[last-1], ys[last-1], xs[last], ys[last], p))
	}

	i := sort.SearchFloat64s(xs, p)
	// xs[i-1] < p <= xs[i]
	return Clamp(extrapolate(xs[i-1], ys[i-1], xs[i], ys[i], p))
}

func extrapolate(x0, y0, x1, y1, p float64) float64 {
	if x1 == x0 {
		return y0
	}
	return y0 + (y1-y0)*(p-x0)/(x1-x0)
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}

// clampOpen keeps a probability strictly inside (0, 1) for logit math.
func clampOpen(p float64) float64 {
	if p < logitEpsilon {
		return logitEpsilon
	}
	if p > 1-logitEpsilon {
		return 1 - logitEpsilon
	}
	return p
}

// =============================================================================
// Fitting
// =============================================================================

// fitTemperature grid-searches temperatures in [0.05, 5] minimizing the
// squared calibration error against the observed accuracies.
func fitTemperature(data []DataPoint) float64 {
	bestT, bestErr := 1.0, math.Inf(1)
	for t := 0.05; t <= 5.0; t += 0.05 {
		var sqErr float64
		for _, dp := range data {
			d := TemperatureScale(dp.Predicted, t) - dp.Actual
			sqErr += d * d
		}
		if sqErr < bestErr {
			bestErr = sqErr
			bestT = t
		}
	}
	return bestT
}

// fitPlatt fits 1/(1+exp(a*x+b)) by least-squares linear regression in
// logit space: logit(actual) = -(a*x + b).
func fitPlatt(data []DataPoint) (a, b float64) {
	n := float64(len(data))
	var sumX, sumZ, sumXX, sumXZ float64
	for _, dp := range data {
		y := clampOpen(dp.Actual)
		z := math.Log(y / (1 - y))
		x := dp.Predicted
		sumX += x
		sumZ += z
		sumXX += x * x
		sumXZ += x * z
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		// Degenerate inputs (all predictions identical): identity-like fit.
		return -4, 2
	}
	slope := (n*sumXZ - sumX*sumZ) / denom
	intercept := (sumZ - slope*sumX) / n
	return -slope, -intercept
}

// fitIsotonic runs pool-adjacent-violators over the pairs sorted by
// prediction, yielding a monotonic non-decreasing step fit. The returned
// points are each block's mean prediction and fitted value.
func fitIsotonic(data []DataPoint) (xs, ys []float64) {
	sorted := append([]DataPoint(nil), data...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Predicted < sorted[j].Predicted })

	type block struct {
		sumX, sumY float64
		n          int
	}
	var blocks []block
	for _, dp := range sorted {
		blocks = append(blocks, block{sumX: dp.Predicted, sumY: dp.Actual, n: 1})
		// Pool while the new block violates monotonicity.
		for len(blocks) >= 2 {
			last := blocks[len(blocks)-1]
			prev := blocks[len(blocks)-2]
			if prev.sumY/float64(prev.n) <= last.sumY/float64(last.n) {
				break
			}
			merged := block{
				sumX: prev.sumX + last.sumX,
				sumY: prev.sumY + last.sumY,
				n:    prev.n + last.n,
			}
			blocks = blocks[:len(blocks)-2]
			blocks = append(blocks, merged)
		}
	}

	xs = make([]float64, len(blocks))
	ys = make([]float64, len(blocks))
	for i, b := range blocks {
		xs[i] = b.sumX / float64(b.n)
		ys[i] = b.sumY / float64(b.n)
	}
	return xs, ys
}
