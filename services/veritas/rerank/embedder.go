// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rerank reorders retrieved documents by blending retrieval
// confidence with embedding-based semantic similarity.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"time"
)

// embedQueryTimeout bounds a single embedding call. Reranking sits on the
// answer hot path; 3 seconds is ample for a local Ollama instance.
const embedQueryTimeout = 3 * time.Second

// Embedder produces an embedding vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BatchEmbedder additionally embeds many texts in one backend call.
type BatchEmbedder interface {
	Embedder
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ollamaEmbedReq is the Ollama /api/embed request body. Input is a single
// string or an array of strings.
type ollamaEmbedReq struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

// ollamaEmbedResp is the Ollama /api/embed response body.
type ollamaEmbedResp struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// OllamaEmbedder calls Ollama's /api/embed endpoint.
//
// # Thread Safety
//
// Safe for concurrent use.
type OllamaEmbedder struct {
	url    string
	model  string
	client *http.Client
	logger *slog.Logger
}

// NewOllamaEmbedder creates an embedder.
//
// # Description
//
// Empty url or model fall back to EMBEDDING_SERVICE_URL and EMBEDDING_MODEL
// from the environment, then to local Ollama defaults.
//
// # Inputs
//
//   - url: Embed endpoint. May be empty.
//   - model: Embedding model name. May be empty.
//   - logger: May be nil.
//
// # Thread Safety
//
// The returned embedder is safe for concurrent use.
func NewOllamaEmbedder(url, model string, logger *slog.Logger) *OllamaEmbedder {
	if logger == nil {
		logger = slog.Default()
	}
	if url == "" {
		url = os.Getenv("EMBEDDING_SERVICE_URL")
	}
	if url == "" {
		url = "http://host.containers.internal:11434/api/embed"
	}
	if model == "" {
		model = os.Getenv("EMBEDDING_MODEL")
	}
	if model == "" {
		model = "nomic-embed-text-v2-moe"
	}
	return &OllamaEmbedder{
		url:    url,
		model:  model,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// Embed returns the raw embedding vector for text.
//
// # Inputs
//
//   - ctx: Context for cancellation. A per-call timeout is applied internally.
//   - text: Text to embed.
//
// # Outputs
//
//   - []float32: Non-empty embedding vector.
//   - error: Non-nil on transport, HTTP, or decode failure.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.call(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return nil, fmt.Errorf("embed service returned empty vector")
	}
	return embeddings[0], nil
}

// EmbedBatch embeds texts in one call, returning one vector per input in
// input order.
//
// # Inputs
//
//   - ctx: Context for cancellation. A per-call timeout is applied internally.
//   - texts: Texts to embed. Must be non-empty.
//
// # Outputs
//
//   - [][]float32: len(texts) vectors in input order.
//   - error: Non-nil on transport, HTTP, decode failure, or a count
//     mismatch between inputs and returned vectors.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("embed batch: no texts")
	}
	embeddings, err := e.call(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(embeddings) != len(texts) {
		return nil, fmt.Errorf("embed service returned %d vectors for %d texts", len(embeddings), len(texts))
	}
	return embeddings, nil
}

// Model reports the embedding model name, used to key batches.
func (e *OllamaEmbedder) Model() string { return e.model }

// call posts one /api/embed request. input is a string or []string.
func (e *OllamaEmbedder) call(ctx context.Context, input any) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, embedQueryTimeout)
	defer cancel()

	reqBody, err := json.Marshal(ollamaEmbedReq{Model: e.model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed HTTP call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed service returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed ollamaEmbedResp
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse embed response: %w", err)
	}
	return parsed.Embeddings, nil
}

// =============================================================================
// Vector Helpers
// =============================================================================

// l2Norm computes the L2 (Euclidean) norm of a float32 vector.
func l2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// unitNormalize scales v to unit length so cosine = dot product.
// Returns nil for a zero vector.
func unitNormalize(v []float32) []float32 {
	norm := l2Norm(v)
	if norm == 0 {
		return nil
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / float32(norm)
	}
	return out
}

// dotProduct computes the dot product of two float32 vectors.
// Mismatched lengths use the shorter.
func dotProduct(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float32
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
