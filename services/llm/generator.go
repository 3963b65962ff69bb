// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the answer-generation client. Generators return
// per-token log probabilities when the backend supplies them, which feed
// the downstream confidence extraction.
package llm

import "context"

// Token is one generated token with its log probability.
type Token struct {
	Text    string  `json:"text"`
	LogProb float64 `json:"logProb"`
}

// Result is one completed generation.
type Result struct {
	Text string `json:"text"`

	// Tokens carries per-token log probabilities. Empty when the backend
	// does not expose them; callers fall back to text heuristics.
	Tokens []Token `json:"tokens,omitempty"`

	FinishReason string `json:"finishReason,omitempty"`
}

// Params are per-request generation parameters. Nil pointer fields keep
// the backend's defaults.
type Params struct {
	Temperature   *float32 `json:"temperature,omitempty"`
	MaxTokens     *int     `json:"maxTokens,omitempty"`
	TopP          *float32 `json:"topP,omitempty"`
	Stop          []string `json:"stop,omitempty"`
	ModelOverride string   `json:"modelOverride,omitempty"`
}

// Generator produces an answer from a system prompt and a user prompt.
//
// Implementations must be safe for concurrent use and must honor context
// cancellation.
type Generator interface {
	Generate(ctx context.Context, system, prompt string, params Params) (*Result, error)
}
