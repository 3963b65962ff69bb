// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// =============================================================================
// OpenAI Wire Types
// =============================================================================

const defaultOpenAIBaseURL = "https://api.openai.com/v1/chat/completions"

type openaiRequest struct {
	Model               string          `json:"model"`
	Messages            []openaiMessage `json:"messages"`
	Temperature         *float32        `json:"temperature,omitempty"`
	MaxCompletionTokens *int            `json:"max_completion_tokens,omitempty"`
	TopP                *float32        `json:"top_p,omitempty"`
	Stop                []string        `json:"stop,omitempty"`
	LogProbs            bool            `json:"logprobs,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Choices []openaiChoice `json:"choices"`
	Error   *openaiError   `json:"error,omitempty"`
}

type openaiChoice struct {
	Index        int             `json:"index"`
	Message      openaiMessage   `json:"message"`
	LogProbs     *openaiLogProbs `json:"logprobs,omitempty"`
	FinishReason string          `json:"finish_reason"`
}

type openaiLogProbs struct {
	Content []openaiTokenLogProb `json:"content"`
}

type openaiTokenLogProb struct {
	Token   string  `json:"token"`
	LogProb float64 `json:"logprob"`
}

type openaiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// =============================================================================
// Client Implementation
// =============================================================================

// OpenAIClient implements Generator against the OpenAI Chat Completions
// REST API using raw net/http. Any OpenAI-compatible endpoint (vLLM,
// llama.cpp server, LM Studio) works via the base URL.
//
// Description:
//
//	Requests per-token log probabilities on every call. Backends that
//	do not support logprobs simply omit them from the response; the
//	result then carries text only.
//
// Thread Safety: OpenAIClient is safe for concurrent use.
type OpenAIClient struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
}

// NewOpenAIClientWithConfig creates an OpenAIClient with explicit
// configuration. Useful for testing with mock servers or when
// configuration comes from a source other than environment variables.
//
// Inputs:
//   - apiKey: The API key. May be empty for local backends.
//   - model: The model name (e.g., "gpt-4o-mini").
//   - baseURL: The chat-completions endpoint URL.
//
// Outputs:
//   - *OpenAIClient: The configured client.
func NewOpenAIClientWithConfig(apiKey, model, baseURL string) *OpenAIClient {
	return &OpenAIClient{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
	}
}

// NewOpenAIClient creates a client from environment variables.
//
// Description:
//
//	Reads OPENAI_API_KEY, OPENAI_MODEL, and OPENAI_BASE_URL from the
//	environment. Defaults to "gpt-4o-mini" and the public endpoint.
//
// Outputs:
//   - *OpenAIClient: The configured client.
//   - error: Non-nil if OPENAI_API_KEY is missing.
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	model := os.Getenv("OPENAI_MODEL")
	baseURL := os.Getenv("OPENAI_BASE_URL")
	if apiKey == "" {
		slog.Warn("OpenAI API Key is empty. OpenAI Client will not function.")
		return nil, fmt.Errorf("openai: API key is missing (OPENAI_API_KEY)")
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	slog.Info("Initializing OpenAI client", "model", model)
	return &OpenAIClient{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
	}, nil
}

// Generate implements the Generator interface.
//
// Description:
//
//	Sends a two-message conversation (system, user) and parses the
//	response text plus per-token log probabilities when present.
//
// Inputs:
//   - ctx: Context for cancellation and timeout.
//   - system: System prompt. Empty uses a minimal default.
//   - prompt: The user prompt, typically query plus assembled context.
//   - params: Generation parameters.
//
// Outputs:
//   - *Result: The generation with any token logprobs.
//   - error: Non-nil if the request fails.
//
// Thread Safety: This method is safe for concurrent use.
func (o *OpenAIClient) Generate(ctx context.Context, system, prompt string, params Params) (*Result, error) {
	model := o.model
	if params.ModelOverride != "" {
		model = params.ModelOverride
	}
	if system == "" {
		system = "You are a helpful assistant. Answer using only the provided context."
	}

	slog.Debug("Generating text via OpenAI", slog.String("model", model))

	reqPayload := openaiRequest{
		Model: model,
		Messages: []openaiMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		LogProbs: true,
	}
	if params.Temperature != nil {
		reqPayload.Temperature = params.Temperature
	}
	if params.MaxTokens != nil {
		reqPayload.MaxCompletionTokens = params.MaxTokens
	}
	if params.TopP != nil {
		reqPayload.TopP = params.TopP
	}
	if len(params.Stop) > 0 {
		reqPayload.Stop = params.Stop
	}

	reqBody, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("openai: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", o.baseURL, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("openai: creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai: API returned status %d: %s", resp.StatusCode, SafeLogString(string(bodyBytes)))
	}

	var apiResp openaiResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return nil, fmt.Errorf("openai: parsing response JSON: %w", err)
	}

	if apiResp.Error != nil {
		return nil, fmt.Errorf("openai: API error: %s - %s", apiResp.Error.Type, SafeLogString(apiResp.Error.Message))
	}

	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("openai: returned no choices")
	}

	choice := apiResp.Choices[0]
	result := &Result{
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
	}
	if choice.LogProbs != nil {
		result.Tokens = make([]Token, 0, len(choice.LogProbs.Content))
		for _, tlp := range choice.LogProbs.Content {
			result.Tokens = append(result.Tokens, Token{Text: tlp.Token, LogProb: tlp.LogProb})
		}
	}

	slog.Debug("Received OpenAI chat response",
		slog.String("finish_reason", choice.FinishReason),
		slog.Int("response_len", len(choice.Message.Content)),
		slog.Int("logprob_tokens", len(result.Tokens)),
	)

	return result, nil
}
