// Copyright (C) 2025 Pocketsage Labs (oss@pocketsage.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routing converts a free-form user utterance about personal
// financial data into a routed intent. Three stages run in a fixed fallback
// order — deterministic rules, embedding similarity, generative zero-shot
// classification — and the router degrades to a safe default when every
// stage abstains. A stage abstains by returning nil; provider failures are
// absorbed at the stage boundary and never propagate as routing errors.
package routing

import "context"

// =============================================================================
// Route Results
// =============================================================================

// Method identifies which stage produced a RouteResult.
type Method string

const (
	// MethodRule marks a deterministic pattern-table hit.
	MethodRule Method = "rule"

	// MethodEmbedding marks a semantic-similarity match.
	MethodEmbedding Method = "embedding"

	// MethodLLM marks a generative zero-shot classification.
	MethodLLM Method = "llm"

	// MethodFallback marks the safe default used when every stage abstains.
	MethodFallback Method = "fallback"
)

// RouteResult is one routing decision.
type RouteResult struct {
	// Intent is the selected canonical intent key.
	Intent string `json:"intent"`

	// Confidence is the stage's confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	// Method names the stage that produced the decision.
	Method Method `json:"method"`

	// Score is the raw similarity score for embedding matches. Zero for
	// other methods.
	Score float64 `json:"score,omitempty"`
}

// CanonicalIntent is a named query category with representative example
// phrasings used for semantic matching. The set is fixed at construction.
type CanonicalIntent struct {
	// Key is the intent identifier.
	Key string

	// Examples are representative phrasings, embedded at warm-up.
	Examples []string
}

// =============================================================================
// Provider Contracts
// =============================================================================

// EmbeddingProvider produces fixed-dimension embedding vectors. Vectors must
// be deterministic for identical input within a session.
type EmbeddingProvider interface {
	// Embed returns the embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Model returns the embedding model name, used to key the vector cache.
	Model() string
}

// Ranking is a best-first label ranking from a classification provider.
// Labels and Scores are parallel; Labels[0] is the top label.
type Ranking struct {
	Labels []string  `json:"labels"`
	Scores []float64 `json:"scores"`
}

// Classifier ranks candidate labels for a text (zero-shot classification).
type Classifier interface {
	Classify(ctx context.Context, text string, labels []string) (*Ranking, error)
}

// =============================================================================
// Helpers
// =============================================================================

// truncateForLog shortens a string for log/span attributes.
func truncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
