// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// DefaultClassName is the Weaviate class holding answerable documents.
const DefaultClassName = "VeritasDocument"

// WeaviateStore implements DocumentStore over a Weaviate nearText search.
//
// # Description
//
// Documents live in a single class with a closed property schema matching
// DocumentMeta. The store maps Weaviate's certainty to the document's base
// similarity; re-scoring happens in the Retriever, not here.
//
// # Thread Safety
//
// Safe for concurrent use.
type WeaviateStore struct {
	client    *weaviate.Client
	className string
}

// NewWeaviateStore creates a store over an existing client.
//
// # Inputs
//
//   - client: Connected Weaviate client. Must not be nil.
//   - className: Document class. Empty uses DefaultClassName.
//
// # Outputs
//
//   - *WeaviateStore: The configured store.
//   - error: Non-nil when client is nil.
func NewWeaviateStore(client *weaviate.Client, className string) (*WeaviateStore, error) {
	if client == nil {
		return nil, errors.New("weaviate client must not be nil")
	}
	if className == "" {
		className = DefaultClassName
	}
	return &WeaviateStore{client: client, className: className}, nil
}

// Search runs a nearText query and maps the response to documents.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - query: Free-text search concepts.
//   - limit: Maximum candidates to fetch. Values < 1 default to 10.
//
// # Outputs
//
//   - []Document: Candidates with certainty as base similarity. May be empty.
//   - error: Non-nil on transport or GraphQL errors.
func (s *WeaviateStore) Search(ctx context.Context, query string, limit int) ([]Document, error) {
	if limit < 1 {
		limit = 10
	}

	nearText := s.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})

	fields := []graphql.Field{
		{Name: "docId"},
		{Name: "content"},
		{Name: "source"},
		{Name: "title"},
		{Name: "author"},
		{Name: "createdAt"},
		{Name: "tags"},
		{Name: "_additional { certainty }"},
	}

	resp, err := s.client.GraphQL().Get().
		WithClassName(s.className).
		WithFields(fields...).
		WithNearText(nearText).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search: %w", err)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search: %s", resp.Errors[0].Message)
	}

	return parseSearchResponse(resp, s.className), nil
}

// parseSearchResponse maps a GraphQL Get response onto the closed document
// schema. Malformed objects are skipped rather than failing the batch.
func parseSearchResponse(resp *models.GraphQLResponse, className string) []Document {
	data, ok := resp.Data["Get"].(map[string]interface{})
	if !ok {
		return []Document{}
	}
	objects, ok := data[className].([]interface{})
	if !ok {
		return []Document{}
	}

	docs := make([]Document, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}

		doc := Document{
			ID:      getString(m, "docId"),
			Content: getString(m, "content"),
			Meta: DocumentMeta{
				Source: getString(m, "source"),
				Title:  getString(m, "title"),
				Author: getString(m, "author"),
				Tags:   getStringSlice(m, "tags"),
			},
		}

		if created := getString(m, "createdAt"); created != "" {
			if t, err := time.Parse(time.RFC3339, created); err == nil {
				doc.Meta.CreatedAt = t
			}
		}

		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			if certainty, ok := additional["certainty"].(float64); ok {
				doc.Similarity = certainty
			}
		}

		docs = append(docs, doc)
	}
	return docs
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getStringSlice(m map[string]interface{}, key string) []string {
	raw, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
