// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config defines the Veritas confidence configuration.
//
// # Description
//
// A single threshold table plus cache/batch sizes, TTLs, and timeouts,
// loaded once at startup from embedded defaults with an optional YAML file
// override. Validation happens at load time: invalid or non-monotonic
// thresholds are a ConfigurationError and fail construction, never a
// request. The loaded Config is immutable — changing thresholds means
// constructing a new pipeline, never mutating shared state.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultConfigYAML []byte

// =============================================================================
// Duration
// =============================================================================

// Duration is a time.Duration that unmarshals from YAML strings like "5s"
// or "50ms". yaml.v3 has no native duration support.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// =============================================================================
// Configuration Types
// =============================================================================

// Thresholds is the confidence threshold table.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type Thresholds struct {
	// Retrieval thresholds gate which documents enter the pipeline.
	Retrieval struct {
		// Minimum is the floor below which a document is discarded.
		Minimum float64 `yaml:"minimum"`

		// Preferred marks a document as high quality for tiered assembly.
		Preferred float64 `yaml:"preferred"`
	} `yaml:"retrieval"`

	// Generation thresholds classify response-level confidence.
	Generation struct {
		// Acceptable is the minimum confidence for unflagged delivery.
		Acceptable float64 `yaml:"acceptable"`

		// Review marks responses that need a human-review warning.
		Review float64 `yaml:"review"`
	} `yaml:"generation"`

	// Overall thresholds drive the evaluator's action state machine:
	// ACCEPT >= High, REVIEW >= Medium, REGENERATE >= Low, REJECT below.
	Overall struct {
		High   float64 `yaml:"high"`
		Medium float64 `yaml:"medium"`
		Low    float64 `yaml:"low"`
	} `yaml:"overall"`
}

// Config is the full Veritas configuration.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type Config struct {
	// Thresholds is the confidence threshold table.
	Thresholds Thresholds `yaml:"thresholds"`

	// FactualityFloor is the additional factuality requirement for ACCEPT.
	FactualityFloor float64 `yaml:"factuality_floor"`

	// Cache controls the shared result cache.
	Cache struct {
		Enabled    bool     `yaml:"enabled"`
		MaxEntries int      `yaml:"max_entries"`
		TTL        Duration `yaml:"ttl"`
	} `yaml:"cache"`

	// Batch controls request batching.
	Batch struct {
		Size    int      `yaml:"size"`
		Timeout Duration `yaml:"timeout"`
	} `yaml:"batch"`

	// Timeouts wrap all calls to external collaborators.
	Timeouts struct {
		Retrieval  Duration `yaml:"retrieval"`
		Generation Duration `yaml:"generation"`
		Embedding  Duration `yaml:"embedding"`
	} `yaml:"timeouts"`

	// Resources configures the resource monitor.
	Resources struct {
		SampleInterval     Duration `yaml:"sample_interval"`
		MemoryHighWaterMB  int      `yaml:"memory_high_water_mb"`
		GoroutineHighWater int      `yaml:"goroutine_high_water"`
	} `yaml:"resources"`

	// Context bounds the assembled context block.
	Context struct {
		MaxTokens     int `yaml:"max_tokens"`
		CharsPerToken int `yaml:"chars_per_token"`
	} `yaml:"context"`

	// Calibration controls calibrator training.
	Calibration struct {
		MinTrainingSamples int `yaml:"min_training_samples"`
	} `yaml:"calibration"`
}

// =============================================================================
// ConfigurationError
// =============================================================================

// ConfigurationError reports an invalid configuration. It is the only fatal
// error class in Veritas: it fails at construction, never at request time.
type ConfigurationError struct {
	// Field names the offending configuration field.
	Field string

	// Message describes the violation.
	Message string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
}

// =============================================================================
// Loading
// =============================================================================

// Default returns the embedded default configuration.
//
// # Description
//
// Parses and validates the embedded defaults.yaml. The embedded defaults
// are known-good; a failure here indicates a build problem and panics.
//
// # Thread Safety
//
// Returns a fresh Config on each call. Safe for concurrent use.
func Default() *Config {
	cfg, err := parse(defaultConfigYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded default config is invalid: %v", err))
	}
	return cfg
}

// Load reads configuration from an optional YAML file over the defaults.
//
// # Description
//
// Starts from the embedded defaults, then unmarshals the file on top so
// unset fields keep their default values. The merged result is validated;
// a validation failure returns a *ConfigurationError.
//
// # Inputs
//
//   - path: YAML file path. Empty string returns the defaults unchanged.
//
// # Outputs
//
//   - *Config: The validated configuration. Nil on error.
//   - error: *ConfigurationError on invalid content, wrapped I/O error
//     on read failure.
//
// # Thread Safety
//
// Safe for concurrent use.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, &ConfigurationError{Field: path, Message: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, &ConfigurationError{Field: "yaml", Message: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks threshold ranges and monotonicity.
//
// # Description
//
// Every threshold must be in [0, 1]. Within each group the ordering must
// hold: retrieval minimum <= preferred, generation review <= acceptable,
// overall low < medium < high. Sizes, TTLs, and timeouts must be positive.
//
// # Outputs
//
//   - error: *ConfigurationError naming the first violated field. Nil when valid.
func (c *Config) Validate() error {
	unit := []struct {
		name  string
		value float64
	}{
		{"thresholds.retrieval.minimum", c.Thresholds.Retrieval.Minimum},
		{"thresholds.retrieval.preferred", c.Thresholds.Retrieval.Preferred},
		{"thresholds.generation.acceptable", c.Thresholds.Generation.Acceptable},
		{"thresholds.generation.review", c.Thresholds.Generation.Review},
		{"thresholds.overall.high", c.Thresholds.Overall.High},
		{"thresholds.overall.medium", c.Thresholds.Overall.Medium},
		{"thresholds.overall.low", c.Thresholds.Overall.Low},
		{"factuality_floor", c.FactualityFloor},
	}
	for _, f := range unit {
		if f.value < 0 || f.value > 1 {
			return &ConfigurationError{Field: f.name, Message: fmt.Sprintf("must be in [0,1], got %v", f.value)}
		}
	}

	if c.Thresholds.Retrieval.Minimum > c.Thresholds.Retrieval.Preferred {
		return &ConfigurationError{Field: "thresholds.retrieval", Message: "minimum must not exceed preferred"}
	}
	if c.Thresholds.Generation.Review > c.Thresholds.Generation.Acceptable {
		return &ConfigurationError{Field: "thresholds.generation", Message: "review must not exceed acceptable"}
	}
	o := c.Thresholds.Overall
	if !(o.Low < o.Medium && o.Medium < o.High) {
		return &ConfigurationError{Field: "thresholds.overall", Message: "must satisfy low < medium < high"}
	}

	if c.Cache.MaxEntries <= 0 {
		return &ConfigurationError{Field: "cache.max_entries", Message: "must be positive"}
	}
	if c.Cache.TTL <= 0 {
		return &ConfigurationError{Field: "cache.ttl", Message: "must be positive"}
	}
	if c.Batch.Size <= 0 {
		return &ConfigurationError{Field: "batch.size", Message: "must be positive"}
	}
	if c.Batch.Timeout <= 0 {
		return &ConfigurationError{Field: "batch.timeout", Message: "must be positive"}
	}
	if c.Timeouts.Retrieval <= 0 || c.Timeouts.Generation <= 0 || c.Timeouts.Embedding <= 0 {
		return &ConfigurationError{Field: "timeouts", Message: "all timeouts must be positive"}
	}
	if c.Context.MaxTokens <= 0 {
		return &ConfigurationError{Field: "context.max_tokens", Message: "must be positive"}
	}
	if c.Context.CharsPerToken <= 0 {
		return &ConfigurationError{Field: "context.chars_per_token", Message: "must be positive"}
	}
	if c.Calibration.MinTrainingSamples < 2 {
		return &ConfigurationError{Field: "calibration.min_training_samples", Message: "must be at least 2"}
	}
	return nil
}
