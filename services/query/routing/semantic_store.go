// Copyright (C) 2025 Pocketsage Labs (oss@pocketsage.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routing

// =============================================================================
// ExampleVectorStore — Embedding Persistence
// =============================================================================
//
// Example embedding vectors are expensive to compute (one provider call per
// vocabulary example) but change only when the intent vocabulary or the
// embedding model changes. This store persists them in BadgerDB between
// restarts.
//
// Design choices:
//
//	1. Corpus hash as cache key: SHA256(sorted intents + model name). Any
//	   change to intent keys, example text, or the model produces a different
//	   hash, automatically invalidating the cached vectors. No explicit
//	   invalidation API is needed.
//
//	2. BadgerDB native TTL: 7-day expiry is enforced by BadgerDB's GC, not by
//	   application code. Expired keys return ErrKeyNotFound, which the store
//	   treats as a cache miss.
//
//	3. Composite map keys: vectors are keyed by (intent, example) structs,
//	   not "intent:example" strings — nothing ever has to parse a key apart.
//
// Storage layout:
//
//	query/emb/v1/{corpusHash}  →  gob-encoded map[exampleKey][]float32
//	                              (unit-normalized vectors, TTL 7 days)

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	badgerstore "github.com/pocketsage/pocketsage/services/query/storage/badger"
)

// vectorCacheDefaultTTL is the default lifetime of a cached vector entry.
const vectorCacheDefaultTTL = 7 * 24 * time.Hour

// vectorCacheKeyPrefix is prepended to the corpus hash to form the BadgerDB
// key. Versioned to allow future format changes without collision.
const vectorCacheKeyPrefix = "query/emb/v1/"

// errCacheMiss distinguishes "key not found" from a genuine storage error.
var errCacheMiss = errors.New("cache miss")

// ExampleVectorStore persists example embedding vectors across restarts.
//
// Both methods are nil-safe at the call site: the SemanticMatcher checks for
// a nil store and operates in-memory-only, which is the correct behavior for
// tests and deployments without a cache directory configured.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ExampleVectorStore interface {
	// LoadVectors retrieves cached unit-normalized vectors for a corpus hash.
	// Returns (nil, nil) on cache miss and (nil, error) on storage failure.
	LoadVectors(ctx context.Context, corpusHash string) (map[exampleKey][]float32, error)

	// SaveVectors persists unit-normalized vectors under a corpus hash with
	// the store's TTL. Persistence failure is non-fatal to the caller.
	SaveVectors(ctx context.Context, corpusHash string, vectors map[exampleKey][]float32) error
}

// BadgerVectorStore implements ExampleVectorStore over a BadgerDB instance.
//
// Vectors are gob-encoded; the encoding is compact and fast, and both ends
// live in this package so there is no cross-version schema concern beyond
// the key prefix version.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerVectorStore struct {
	db     *badgerstore.DB
	ttl    time.Duration
	logger *slog.Logger
}

// NewBadgerVectorStore creates a store backed by the given DB.
//
// The caller owns the DB lifecycle; this store does not close it.
//
// # Inputs
//
//   - db: Opened BadgerDB wrapper. Must not be nil.
//   - ttl: Entry lifetime. Zero uses the default (7 days).
//   - logger: Hit/miss diagnostics. May be nil.
func NewBadgerVectorStore(db *badgerstore.DB, ttl time.Duration, logger *slog.Logger) *BadgerVectorStore {
	if db == nil {
		panic("NewBadgerVectorStore: db must not be nil")
	}
	if ttl <= 0 {
		ttl = vectorCacheDefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerVectorStore{db: db, ttl: ttl, logger: logger}
}

// LoadVectors retrieves cached vectors for the corpus hash.
func (s *BadgerVectorStore) LoadVectors(ctx context.Context, corpusHash string) (map[exampleKey][]float32, error) {
	key := []byte(vectorCacheKeyPrefix + corpusHash)

	var raw []byte
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return errCacheMiss
		}
		if err != nil {
			return fmt.Errorf("get cache key: %w", err)
		}
		raw, err = item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("copy value: %w", err)
		}
		return nil
	})

	if errors.Is(err, errCacheMiss) {
		s.logger.Debug("vector store: miss", slog.String("hash", shortHash(corpusHash)))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vector store load: %w", err)
	}

	vectors, err := gobDecodeVectors(raw)
	if err != nil {
		return nil, fmt.Errorf("vector store decode: %w", err)
	}

	s.logger.Debug("vector store: hit",
		slog.String("hash", shortHash(corpusHash)),
		slog.Int("example_count", len(vectors)),
	)
	return vectors, nil
}

// SaveVectors persists vectors with the configured TTL.
func (s *BadgerVectorStore) SaveVectors(ctx context.Context, corpusHash string, vectors map[exampleKey][]float32) error {
	if len(vectors) == 0 {
		return nil
	}

	raw, err := gobEncodeVectors(vectors)
	if err != nil {
		return fmt.Errorf("vector store encode: %w", err)
	}

	key := []byte(vectorCacheKeyPrefix + corpusHash)
	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		entry := dgbadger.NewEntry(key, raw).WithTTL(s.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("vector store save: %w", err)
	}

	s.logger.Debug("vector store: saved",
		slog.String("hash", shortHash(corpusHash)),
		slog.Int("example_count", len(vectors)),
		slog.Duration("ttl", s.ttl),
	)
	return nil
}

// =============================================================================
// Corpus Hash
// =============================================================================

// computeCorpusHash computes a deterministic SHA256 over the intent
// vocabulary and embedding model name.
//
// The hash captures every signal that determines vector content: intent
// keys, example text (in vocabulary order — reordering examples changes the
// tie-break, so it must re-key the cache), and the model name. Intents are
// sorted by key so YAML ordering of the intents themselves does not matter.
func computeCorpusHash(intents []CanonicalIntent, model string) string {
	sorted := make([]CanonicalIntent, len(intents))
	copy(sorted, intents)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Key < sorted[j].Key
	})

	h := sha256.New()
	for _, in := range sorted {
		fmt.Fprintf(h, "%s\t%s\n", in.Key, strings.Join(in.Examples, "\t"))
	}
	fmt.Fprintf(h, "model=%s\n", model)

	return hex.EncodeToString(h.Sum(nil))
}

// =============================================================================
// Helpers
// =============================================================================

// shortHash returns the first 8 characters of a hash for log display.
func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8] + "..."
	}
	return h
}

// gobEncodeVectors serializes the vector map using encoding/gob.
func gobEncodeVectors(vectors map[exampleKey][]float32) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(vectors); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

// gobDecodeVectors deserializes the vector map from gob-encoded bytes.
func gobDecodeVectors(data []byte) (map[exampleKey][]float32, error) {
	var vectors map[exampleKey][]float32
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	return vectors, nil
}
