// Copyright (C) 2025 Pocketsage Labs (oss@pocketsage.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routing

import (
	"context"
	"testing"
	"time"

	badgerstore "github.com/pocketsage/pocketsage/services/query/storage/badger"
)

// =============================================================================
// Helpers
// =============================================================================

func newTestVectorStore(t *testing.T) *BadgerVectorStore {
	t.Helper()
	db, err := badgerstore.OpenDB(badgerstore.InMemoryConfig())
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewBadgerVectorStore(db, time.Hour, nil)
}

func testVectors() map[exampleKey][]float32 {
	return map[exampleKey][]float32{
		{Intent: "budget_status", Example: "am i over budget"}:        {0.6, 0.8},
		{Intent: "spending_summary", Example: "how much did i spend"}: {1, 0},
	}
}

// =============================================================================
// Store Tests
// =============================================================================

func TestBadgerVectorStore_RoundTrip(t *testing.T) {
	store := newTestVectorStore(t)
	ctx := context.Background()
	hash := computeCorpusHash(testIntents(), "fake-embed-v1")

	if err := store.SaveVectors(ctx, hash, testVectors()); err != nil {
		t.Fatalf("SaveVectors: %v", err)
	}

	loaded, err := store.LoadVectors(ctx, hash)
	if err != nil {
		t.Fatalf("LoadVectors: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(loaded))
	}

	key := exampleKey{Intent: "budget_status", Example: "am i over budget"}
	vec, ok := loaded[key]
	if !ok {
		t.Fatalf("missing vector for %+v", key)
	}
	if len(vec) != 2 || vec[0] != 0.6 || vec[1] != 0.8 {
		t.Errorf("vector corrupted in round-trip: %v", vec)
	}
}

func TestBadgerVectorStore_MissReturnsNilNil(t *testing.T) {
	store := newTestVectorStore(t)

	loaded, err := store.LoadVectors(context.Background(), "no-such-hash")
	if err != nil {
		t.Fatalf("a miss must not be an error: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil map on miss, got %v", loaded)
	}
}

func TestBadgerVectorStore_SaveEmptyIsNoop(t *testing.T) {
	store := newTestVectorStore(t)
	if err := store.SaveVectors(context.Background(), "h", nil); err != nil {
		t.Errorf("empty save must be a no-op: %v", err)
	}
}

func TestBadgerVectorStore_DifferentHashesAreIsolated(t *testing.T) {
	store := newTestVectorStore(t)
	ctx := context.Background()

	if err := store.SaveVectors(ctx, "hash-a", testVectors()); err != nil {
		t.Fatalf("SaveVectors: %v", err)
	}
	loaded, err := store.LoadVectors(ctx, "hash-b")
	if err != nil {
		t.Fatalf("LoadVectors: %v", err)
	}
	if loaded != nil {
		t.Errorf("hash-b must not see hash-a's vectors, got %v", loaded)
	}
}

// =============================================================================
// Corpus Hash Tests
// =============================================================================

func TestComputeCorpusHash_Deterministic(t *testing.T) {
	a := computeCorpusHash(testIntents(), "model-x")
	b := computeCorpusHash(testIntents(), "model-x")
	if a != b {
		t.Errorf("hash must be deterministic: %s vs %s", a, b)
	}
}

func TestComputeCorpusHash_IntentOrderIndependent(t *testing.T) {
	intents := testIntents()
	reversed := []CanonicalIntent{intents[1], intents[0]}

	a := computeCorpusHash(intents, "model-x")
	b := computeCorpusHash(reversed, "model-x")
	if a != b {
		t.Error("intent declaration order must not affect the hash")
	}
}

func TestComputeCorpusHash_ExampleOrderSensitive(t *testing.T) {
	// Example order within an intent is the tie-break order, so reordering
	// examples must re-key the cache.
	a := computeCorpusHash([]CanonicalIntent{
		{Key: "k", Examples: []string{"one", "two"}},
	}, "m")
	b := computeCorpusHash([]CanonicalIntent{
		{Key: "k", Examples: []string{"two", "one"}},
	}, "m")
	if a == b {
		t.Error("example order must affect the hash")
	}
}

func TestComputeCorpusHash_ModelSensitive(t *testing.T) {
	a := computeCorpusHash(testIntents(), "model-x")
	b := computeCorpusHash(testIntents(), "model-y")
	if a == b {
		t.Error("model name must affect the hash")
	}
}

func TestComputeCorpusHash_VocabularySensitive(t *testing.T) {
	base := testIntents()
	extended := append(append([]CanonicalIntent{}, base...),
		CanonicalIntent{Key: "zz_new", Examples: []string{"brand new"}})

	if computeCorpusHash(base, "m") == computeCorpusHash(extended, "m") {
		t.Error("adding an intent must change the hash")
	}
}

// =============================================================================
// Warm-Through-Store Tests
// =============================================================================

// A second warm-up against the same store must come from cache, not the
// provider.
func TestSemanticMatcher_WarmUsesStoreOnSecondRun(t *testing.T) {
	store := newTestVectorStore(t)
	ctx := context.Background()

	first := NewSemanticMatcher(&fakeEmbedder{}, testIntents(), store, nil)
	if err := first.Warm(ctx); err != nil {
		t.Fatalf("first Warm: %v", err)
	}
	if !first.IsWarmed() {
		t.Fatal("first matcher should be warmed")
	}

	// Provider permanently failing: if the second warm-up hits the provider
	// at all, it will end up unwarmed.
	broken := &fakeEmbedder{err: context.DeadlineExceeded}
	second := NewSemanticMatcher(broken, testIntents(), store, nil)
	if err := second.Warm(ctx); err != nil {
		t.Fatalf("second Warm: %v", err)
	}
	if !second.IsWarmed() {
		t.Error("second matcher should warm entirely from the store")
	}
}
