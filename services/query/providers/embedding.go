// Copyright (C) 2025 Pocketsage Labs (oss@pocketsage.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package providers implements the model-backed collaborators the query core
// depends on: the embedding provider and the zero-shot classifier.
package providers

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

// ollamaEmbedReq is the Ollama /api/embed request body.
type ollamaEmbedReq struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// ollamaEmbedResp is the Ollama /api/embed response body.
type ollamaEmbedResp struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// OllamaEmbedder calls an Ollama /api/embed endpoint.
//
// # Description
//
// Ollama is deterministic for identical input within a session, which the
// semantic matcher depends on. The endpoint URL and model come from
// EMBEDDING_SERVICE_URL and EMBEDDING_MODEL, with container-friendly
// defaults.
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

// NewOllamaEmbedder creates an embedder from the environment.
//
// # Inputs
//
//   - logger: May be nil.
//
// # Outputs
//
//   - *OllamaEmbedder: Ready to use; no warm-up of its own.
func NewOllamaEmbedder(logger *slog.Logger) *OllamaEmbedder {
	if logger == nil {
		logger = slog.Default()
	}

	url := os.Getenv("EMBEDDING_SERVICE_URL")
	if url == "" {
		url = "http://host.containers.internal:11434/api/embed"
	}
	model := os.Getenv("EMBEDDING_MODEL")
	if model == "" {
		model = "nomic-embed-text-v2-moe"
	}

	return &OllamaEmbedder{
		url:   url,
		model: model,
		client: &http.Client{
			Timeout: 30 * time.Second, // warm-up can be slow; callers set tighter per-call deadlines
		},
		logger: logger,
	}
}

// NewOllamaEmbedderAt creates an embedder against an explicit endpoint.
// Tests point this at an httptest server.
func NewOllamaEmbedderAt(url, model string, logger *slog.Logger) *OllamaEmbedder {
	e := NewOllamaEmbedder(logger)
	if url != "" {
		e.url = url
	}
	if model != "" {
		e.model = model
	}
	return e
}

// Model returns the embedding model name.
func (e *OllamaEmbedder) Model() string { return e.model }

// Embed returns the embedding vector for text.
//
// # Inputs
//
//   - ctx: Context for the HTTP call; the caller owns the deadline.
//   - text: Text to embed. Should already be normalized by the caller.
//
// # Outputs
//
//   - []float32: The vector, of a model-defined fixed dimension.
//   - error: Non-nil on transport, status, or decode failure.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(ollamaEmbedReq{Model: e.model, Input: text})
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
	if len(parsed.Embeddings) == 0 || len(parsed.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("embed service returned empty vector")
	}
	return parsed.Embeddings[0], nil
}
