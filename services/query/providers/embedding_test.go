// Copyright (C) 2025 Pocketsage Labs (oss@pocketsage.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaEmbedder_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.Model != "test-model" {
			t.Errorf("expected model test-model, got %q", req.Model)
		}
		if req.Input != "hello world" {
			t.Errorf("expected input to pass through, got %q", req.Input)
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbedResp{
			Embeddings: [][]float32{{0.1, 0.2, 0.3}},
		})
	}))
	defer srv.Close()

	e := NewOllamaEmbedderAt(srv.URL, "test-model", nil)
	vec, err := e.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.1 {
		t.Errorf("unexpected vector: %v", vec)
	}
	if e.Model() != "test-model" {
		t.Errorf("Model() = %q", e.Model())
	}
}

func TestOllamaEmbedder_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewOllamaEmbedderAt(srv.URL, "test-model", nil)
	if _, err := e.Embed(context.Background(), "hello"); err == nil {
		t.Error("expected error on 500 response")
	}
}

func TestOllamaEmbedder_EmptyVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(ollamaEmbedResp{Embeddings: [][]float32{}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedderAt(srv.URL, "test-model", nil)
	if _, err := e.Embed(context.Background(), "hello"); err == nil {
		t.Error("expected error on empty embedding")
	}
}

func TestOllamaEmbedder_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := NewOllamaEmbedderAt(srv.URL, "test-model", nil)
	if _, err := e.Embed(ctx, "hello"); err == nil {
		t.Error("expected error on cancelled context")
	}
}
