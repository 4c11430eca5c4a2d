// Copyright (C) 2025 Pocketsage Labs (oss@pocketsage.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routing

import (
	"context"
	"strings"
	"testing"
)

// =============================================================================
// Helpers
// =============================================================================

// newTestRouter wires a full three-stage chain with controllable fakes.
// The rule table hits "budget"; the semantic stage knows the test vocabulary;
// the fake classifier returns whatever ranking the test installs.
func newTestRouter(t *testing.T, emb *fakeEmbedder, cls *fakeClassifier) *HybridIntentRouter {
	t.Helper()

	rules, err := NewRuleMatcher(testRules(), 0.95, nil)
	if err != nil {
		t.Fatalf("NewRuleMatcher: %v", err)
	}

	var semantic *SemanticMatcher
	if emb != nil {
		semantic = warmedMatcher(t, emb)
	} else {
		// Unwarmed: always abstains.
		semantic = NewSemanticMatcher(&fakeEmbedder{err: context.Canceled}, testIntents(), nil, nil)
	}

	var fallback *FallbackClassifier
	if cls != nil {
		fallback = NewFallbackClassifier(cls, 0.4, nil)
	}

	return NewHybridIntentRouter(RouterParams{
		Rules:             rules,
		Semantic:          semantic,
		Fallback:          fallback,
		Labels:            testLabels,
		DefaultIntent:     "spending_summary",
		DefaultConfidence: 0.3,
	})
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestRouter_RejectsEmptyUtterance(t *testing.T) {
	r := newTestRouter(t, nil, nil)

	for _, bad := range []string{"", "   ", "\t\n"} {
		_, err := r.RouteIntent(context.Background(), bad, DefaultRouteOptions())
		if err == nil {
			t.Errorf("%q: expected validation error", bad)
			continue
		}
		if !IsValidation(err) {
			t.Errorf("%q: expected a validation QueryError, got %v", bad, err)
		}
	}
}

func TestRouter_RejectsOverlongUtterance(t *testing.T) {
	r := newTestRouter(t, nil, nil)

	long := strings.Repeat("a", 501)
	_, err := r.RouteIntent(context.Background(), long, DefaultRouteOptions())
	if err == nil {
		t.Fatal("expected validation error for 501 characters")
	}
	if !IsValidation(err) {
		t.Errorf("expected a validation QueryError, got %v", err)
	}

	// Exactly at the ceiling is fine.
	ok := strings.Repeat("a", 500)
	if _, err := r.RouteIntent(context.Background(), ok, DefaultRouteOptions()); err != nil {
		t.Errorf("500 characters must pass validation: %v", err)
	}
}

// =============================================================================
// Chain Tests
// =============================================================================

func TestRouter_RuleShortCircuits(t *testing.T) {
	// Both the semantic stage and the classifier would also answer; a rule hit
	// must win without consulting them.
	cls := &fakeClassifier{ranking: &Ranking{
		Labels: []string{"top_categories"},
		Scores: []float64{0.9},
	}}
	r := newTestRouter(t, &fakeEmbedder{}, cls)

	res, err := r.RouteIntent(context.Background(), "am I over budget", DefaultRouteOptions())
	if err != nil {
		t.Fatalf("RouteIntent: %v", err)
	}
	if res.Method != MethodRule || res.Intent != "budget_status" {
		t.Errorf("expected rule hit budget_status, got %+v", res)
	}
	if cls.calls != 0 {
		t.Errorf("classifier must not run after a rule hit, got %d calls", cls.calls)
	}
}

func TestRouter_FallsThroughToSemantic(t *testing.T) {
	// No rule matches "how much did i spend"; the semantic stage holds that
	// exact example, so cosine is 1.0.
	r := newTestRouter(t, &fakeEmbedder{}, nil)

	res, err := r.RouteIntent(context.Background(), "how much did i spend", DefaultRouteOptions())
	if err != nil {
		t.Fatalf("RouteIntent: %v", err)
	}
	if res.Method != MethodEmbedding || res.Intent != "spending_summary" {
		t.Errorf("expected semantic hit spending_summary, got %+v", res)
	}
}

func TestRouter_FallsThroughToClassifier(t *testing.T) {
	// Unwarmed semantic stage abstains, no rule matches; the classifier wins.
	cls := &fakeClassifier{ranking: &Ranking{
		Labels: []string{"top_categories"},
		Scores: []float64{0.7},
	}}
	r := newTestRouter(t, nil, cls)

	res, err := r.RouteIntent(context.Background(), "where does my money mostly go", DefaultRouteOptions())
	if err != nil {
		t.Fatalf("RouteIntent: %v", err)
	}
	if res.Method != MethodLLM || res.Intent != "top_categories" {
		t.Errorf("expected llm hit top_categories, got %+v", res)
	}
	if res.Confidence != 0.7 {
		t.Errorf("expected confidence 0.7, got %v", res.Confidence)
	}
}

func TestRouter_SafeDefaultWhenAllAbstain(t *testing.T) {
	cls := &fakeClassifier{ranking: &Ranking{
		Labels: []string{"budget_status"},
		Scores: []float64{0.1}, // below threshold
	}}
	r := newTestRouter(t, nil, cls)

	res, err := r.RouteIntent(context.Background(), "xyzzy plugh", DefaultRouteOptions())
	if err != nil {
		t.Fatalf("RouteIntent must not fail when stages abstain: %v", err)
	}
	if res == nil {
		t.Fatal("expected the safe default, got nil")
	}
	if res.Intent != "spending_summary" || res.Confidence != 0.3 || res.Method != MethodFallback {
		t.Errorf("expected {spending_summary 0.3 fallback}, got %+v", res)
	}
}

func TestRouter_SafeDefaultWithoutClassifier(t *testing.T) {
	// Nil classifier stage: the chain still terminates in the default.
	r := newTestRouter(t, nil, nil)

	res, err := r.RouteIntent(context.Background(), "xyzzy plugh", DefaultRouteOptions())
	if err != nil {
		t.Fatalf("RouteIntent: %v", err)
	}
	if res.Method != MethodFallback {
		t.Errorf("expected fallback default, got %+v", res)
	}
}

func TestRouter_RuleFirstDisabled(t *testing.T) {
	// With RuleFirst off, an utterance the rule table would catch goes to the
	// semantic stage instead.
	r := newTestRouter(t, &fakeEmbedder{}, nil)

	opts := RouteOptions{RuleFirst: false, EmbeddingThreshold: 0.42}
	res, err := r.RouteIntent(context.Background(), "am i over budget", opts)
	if err != nil {
		t.Fatalf("RouteIntent: %v", err)
	}
	if res.Method != MethodEmbedding {
		t.Errorf("expected semantic method with rules disabled, got %+v", res)
	}
	if res.Intent != "budget_status" {
		t.Errorf("expected budget_status, got %q", res.Intent)
	}
}

func TestRouter_DefaultCopyIsNotShared(t *testing.T) {
	// Two all-abstain calls must not alias the same RouteResult.
	r := newTestRouter(t, nil, nil)
	ctx := context.Background()

	a, _ := r.RouteIntent(ctx, "xyzzy", DefaultRouteOptions())
	b, _ := r.RouteIntent(ctx, "plugh", DefaultRouteOptions())
	if a == b {
		t.Error("safe default must be copied per call")
	}
	a.Intent = "mutated"
	if b.Intent != "spending_summary" {
		t.Error("mutating one result leaked into another")
	}
}
