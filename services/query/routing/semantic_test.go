// Copyright (C) 2025 Pocketsage Labs (oss@pocketsage.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routing

import (
	"context"
	"errors"
	"math"
	"testing"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeEmbedder returns fixture vectors by (already normalized) text, falling
// back to a deterministic vector derived from the text bytes. Deterministic
// for identical input, as the provider contract requires.
type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	// Derived vector: stable, text-dependent, never zero for non-empty text.
	vec := make([]float32, 4)
	for i, r := range text {
		vec[i%4] += float32(r % 31)
	}
	return vec, nil
}

func (f *fakeEmbedder) Model() string { return "fake-embed-v1" }

// testIntents is a tiny vocabulary with hand-placed fixture vectors so the
// tests control similarity exactly.
func testIntents() []CanonicalIntent {
	return []CanonicalIntent{
		{Key: "budget_status", Examples: []string{"am i over budget"}},
		{Key: "spending_summary", Examples: []string{"how much did i spend"}},
	}
}

func warmedMatcher(t *testing.T, emb *fakeEmbedder) *SemanticMatcher {
	t.Helper()
	m := NewSemanticMatcher(emb, testIntents(), nil, nil)
	if err := m.Warm(context.Background()); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if !m.IsWarmed() {
		t.Fatal("expected matcher to be warmed")
	}
	return m
}

// =============================================================================
// Cosine / Normalization Tests
// =============================================================================

func TestCosine_IdenticalVectorsScoreOne(t *testing.T) {
	emb := &fakeEmbedder{}
	a, _ := emb.Embed(context.Background(), "how much did i spend")
	b, _ := emb.Embed(context.Background(), "how much did i spend")

	ua, ub := unitNormalize(a), unitNormalize(b)
	if ua == nil || ub == nil {
		t.Fatal("expected non-zero vectors")
	}
	sim := float64(dotProduct(ua, ub))
	if math.Abs(sim-1.0) > 1e-6 {
		t.Errorf("identical text must give cosine 1.0, got %v", sim)
	}
}

func TestUnitNormalize_ZeroVector(t *testing.T) {
	if unitNormalize([]float32{0, 0, 0}) != nil {
		t.Error("expected nil for zero-magnitude vector")
	}
}

func TestDotProduct_MismatchedLengths(t *testing.T) {
	got := dotProduct([]float32{1, 2, 3}, []float32{1, 1})
	if got != 3 {
		t.Errorf("expected shorter-length dot 3, got %v", got)
	}
}

// =============================================================================
// Warm Tests
// =============================================================================

func TestSemanticMatcher_UnwarmedAbstains(t *testing.T) {
	m := NewSemanticMatcher(&fakeEmbedder{}, testIntents(), nil, nil)
	if res := m.Match(context.Background(), "am i over budget", 0.42); res != nil {
		t.Errorf("unwarmed matcher must abstain, got %+v", res)
	}
}

func TestSemanticMatcher_WarmProviderDown(t *testing.T) {
	emb := &fakeEmbedder{err: errors.New("connection refused")}
	m := NewSemanticMatcher(emb, testIntents(), nil, nil)

	// Individual embed failures are skipped; the matcher simply stays unwarmed.
	if err := m.Warm(context.Background()); err != nil {
		t.Fatalf("Warm should absorb per-example failures: %v", err)
	}
	if m.IsWarmed() {
		t.Error("expected matcher to stay unwarmed when every example fails")
	}
	if res := m.Match(context.Background(), "anything", 0.42); res != nil {
		t.Errorf("expected abstention, got %+v", res)
	}
}

func TestSemanticMatcher_WarmCancelledContext(t *testing.T) {
	// A real client fails its in-flight call once the context is cancelled;
	// the fake mimics that with a standing error.
	emb := &fakeEmbedder{err: errors.New("context canceled")}
	m := NewSemanticMatcher(emb, testIntents(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.Warm(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("cancellation must surface from Warm, got %v", err)
	}
	if m.IsWarmed() {
		t.Error("cancelled warm-up must leave the matcher unwarmed")
	}
}

func TestSemanticMatcher_EmptyVocabulary(t *testing.T) {
	m := NewSemanticMatcher(&fakeEmbedder{}, nil, nil, nil)
	if err := m.Warm(context.Background()); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if m.IsWarmed() {
		t.Error("empty vocabulary must not mark the matcher warmed")
	}
}

// =============================================================================
// Match Tests
// =============================================================================

func TestSemanticMatcher_ExactExampleMatches(t *testing.T) {
	m := warmedMatcher(t, &fakeEmbedder{})

	// The utterance equals an example verbatim, so cosine is exactly 1.0.
	res := m.Match(context.Background(), "Am I Over Budget", 0.42)
	if res == nil {
		t.Fatal("expected a semantic hit")
	}
	if res.Intent != "budget_status" {
		t.Errorf("expected budget_status, got %q", res.Intent)
	}
	if res.Method != MethodEmbedding {
		t.Errorf("expected method embedding, got %q", res.Method)
	}
	if math.Abs(res.Score-1.0) > 1e-6 {
		t.Errorf("expected score 1.0 for verbatim example, got %v", res.Score)
	}
	if res.Confidence != 1.0 {
		t.Errorf("expected confidence capped at 1.0, got %v", res.Confidence)
	}
}

func TestSemanticMatcher_ConfidenceBoost(t *testing.T) {
	// Fixture vectors with a known cosine: query·example = 0.5.
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"am i over budget":     {1, 0},
		"how much did i spend": {0, 1},
		"half match":           {1, math.Sqrt2 + 1}, // wrong on purpose; overwritten below
	}}
	// cos(60°) = 0.5 against (1,0).
	emb.vectors["half match"] = []float32{0.5, float32(math.Sqrt(3) / 2)}

	m := warmedMatcher(t, emb)
	res := m.Match(context.Background(), "half match", 0.42)
	if res == nil {
		t.Fatal("expected a hit at score 0.5 with threshold 0.42")
	}
	if math.Abs(res.Score-0.5) > 1e-6 {
		t.Fatalf("expected score 0.5, got %v", res.Score)
	}
	if math.Abs(res.Confidence-0.6) > 1e-6 {
		t.Errorf("expected confidence 0.5*1.2=0.6, got %v", res.Confidence)
	}
}

func TestSemanticMatcher_BelowThresholdAbstains(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"am i over budget":     {1, 0},
		"how much did i spend": {0.9, 0.1},
		"orthogonal":           {0, 1},
	}}
	m := warmedMatcher(t, emb)

	if res := m.Match(context.Background(), "orthogonal", 0.42); res != nil {
		t.Errorf("expected abstention below threshold, got %+v", res)
	}
}

func TestSemanticMatcher_TieBreaksLexically(t *testing.T) {
	// Both examples share the exact same vector, so every query ties. The
	// lexicographically smaller intent key must win deterministically.
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"am i over budget":     {1, 1},
		"how much did i spend": {1, 1},
		"tie query":            {1, 1},
	}}
	m := warmedMatcher(t, emb)

	for i := 0; i < 10; i++ {
		res := m.Match(context.Background(), "tie query", 0.42)
		if res == nil {
			t.Fatal("expected a hit")
		}
		if res.Intent != "budget_status" {
			t.Fatalf("tie must resolve to lexically smaller intent, got %q", res.Intent)
		}
	}
}

func TestSemanticMatcher_QueryEmbedFailureAbstains(t *testing.T) {
	emb := &fakeEmbedder{}
	m := warmedMatcher(t, emb)

	emb.err = errors.New("provider down")
	if res := m.Match(context.Background(), "am i over budget", 0.42); res != nil {
		t.Errorf("expected abstention on provider failure, got %+v", res)
	}
}

func TestSemanticMatcher_NormalizesUtterance(t *testing.T) {
	m := warmedMatcher(t, &fakeEmbedder{})

	// Leading/trailing whitespace and case must not change the embedding input.
	res := m.Match(context.Background(), "   AM I OVER BUDGET   ", 0.42)
	if res == nil || res.Intent != "budget_status" {
		t.Errorf("expected normalized match, got %+v", res)
	}
}
