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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewOpenAIClient_MissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewOpenAIClient(); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestGenerate_ParsesTextAndLogProbs(t *testing.T) {
	var gotReq openaiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		resp := openaiResponse{
			Choices: []openaiChoice{{
				Message:      openaiMessage{Role: "assistant", Content: "Go is compiled."},
				FinishReason: "stop",
				LogProbs: &openaiLogProbs{Content: []openaiTokenLogProb{
					{Token: "Go", LogProb: -0.1},
					{Token: " is", LogProb: -0.3},
					{Token: " compiled", LogProb: -0.8},
					{Token: ".", LogProb: -0.05},
				}},
			}},
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encoding response: %v", err)
		}
	}))
	defer server.Close()

	client := NewOpenAIClientWithConfig("test-key", "test-model", server.URL)
	result, err := client.Generate(context.Background(), "", "what is go", Params{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if result.Text != "Go is compiled." {
		t.Errorf("text = %q", result.Text)
	}
	if len(result.Tokens) != 4 {
		t.Fatalf("parsed %d tokens, want 4", len(result.Tokens))
	}
	if result.Tokens[2].Text != " compiled" || result.Tokens[2].LogProb != -0.8 {
		t.Errorf("token 2 = %+v", result.Tokens[2])
	}
	if result.FinishReason != "stop" {
		t.Errorf("finish reason = %q", result.FinishReason)
	}

	if !gotReq.LogProbs {
		t.Error("request must ask for logprobs")
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" || gotReq.Messages[1].Role != "user" {
		t.Errorf("request messages = %+v", gotReq.Messages)
	}
}

func TestGenerate_BackendWithoutLogProbs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := openaiResponse{
			Choices: []openaiChoice{{
				Message:      openaiMessage{Role: "assistant", Content: "answer"},
				FinishReason: "stop",
			}},
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encoding response: %v", err)
		}
	}))
	defer server.Close()

	client := NewOpenAIClientWithConfig("", "local-model", server.URL)
	result, err := client.Generate(context.Background(), "sys", "q", Params{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.Text != "answer" || len(result.Tokens) != 0 {
		t.Errorf("result = %+v, want text only", result)
	}
}

func TestGenerate_ModelOverride(t *testing.T) {
	var gotReq openaiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		resp := openaiResponse{Choices: []openaiChoice{{Message: openaiMessage{Content: "x"}}}}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encoding response: %v", err)
		}
	}))
	defer server.Close()

	client := NewOpenAIClientWithConfig("k", "default-model", server.URL)
	if _, err := client.Generate(context.Background(), "", "q", Params{ModelOverride: "heavier-model"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if gotReq.Model != "heavier-model" {
		t.Errorf("request model = %q, want the override", gotReq.Model)
	}
}

func TestGenerate_APIErrorSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := openaiResponse{
			Error: &openaiError{Type: "invalid_request_error", Message: "bad model"},
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encoding response: %v", err)
		}
	}))
	defer server.Close()

	client := NewOpenAIClientWithConfig("k", "m", server.URL)
	if _, err := client.Generate(context.Background(), "", "q", Params{}); err == nil {
		t.Fatal("API error body must surface as an error")
	}
}

func TestGenerate_NonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewOpenAIClientWithConfig("k", "m", server.URL)
	if _, err := client.Generate(context.Background(), "", "q", Params{}); err == nil {
		t.Fatal("non-200 status must surface as an error")
	}
}

func TestGenerate_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewOpenAIClientWithConfig("k", "m", server.URL)
	if _, err := client.Generate(ctx, "", "q", Params{}); err == nil {
		t.Fatal("cancelled context must abort the request")
	}
}
