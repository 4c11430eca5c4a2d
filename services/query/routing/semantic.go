// Copyright (C) 2025 Pocketsage Labs (oss@pocketsage.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routing

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"log/slog"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	semanticMatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pocketsage",
		Subsystem: "router",
		Name:      "semantic_match_total",
		Help:      "Semantic-stage outcomes: hit, below_threshold, unwarmed, provider_error",
	}, []string{"outcome"})

	semanticWarmupSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pocketsage",
		Subsystem: "router",
		Name:      "semantic_warmup_seconds",
		Help:      "Duration of the example-embedding warm-up",
		Buckets:   []float64{0.01, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
	})
)

// =============================================================================
// OTel Tracer
// =============================================================================

var semanticTracer = otel.Tracer("pocketsage.query.routing.semantic")

// =============================================================================
// SemanticMatcher
// =============================================================================

// exampleWarmConcurrency bounds parallel embedding calls during warm-up.
const exampleWarmConcurrency = 8

// exampleQueryTimeout is the per-query embedding call timeout. Match() is on
// the hot path; the fallback chain must not stall behind a slow provider.
const exampleQueryTimeout = 3 * time.Second

// exampleKey identifies one cached vector: a composite of the intent key and
// the exact example text. A composite key avoids the string-concatenation
// fragility of "intent:example" keys.
type exampleKey struct {
	Intent  string
	Example string
}

// exampleEntry is one cached vector in deterministic scan order.
type exampleEntry struct {
	key exampleKey
	vec []float32 // unit-normalized
}

// SemanticMatcher embeds the canonical intent examples once at warm-up and
// ranks an utterance against every cached example by cosine similarity.
//
// # Description
//
// Embedding-based matching generalizes where rules cannot: "where does my
// money go" and "spending breakdown" land close in vector space despite
// sharing no keywords. The matcher stores unit-normalized vectors so cosine
// reduces to a dot product at query time; at this vocabulary scale a linear
// scan beats any index.
//
// Vectors are persisted between restarts when a store is configured, keyed
// by a corpus hash of the intent vocabulary and model name — any vocabulary
// or model change is an automatic cache miss. A nil store means
// in-memory-only operation, which is correct for tests.
//
// If the provider is unavailable at warm-up or at query time the matcher
// degrades gracefully: Match returns nil and the router falls through to the
// next stage.
//
// # Thread Safety
//
// Safe for concurrent use after Warm() completes.
type SemanticMatcher struct {
	mu      sync.RWMutex
	entries []exampleEntry
	warmed  bool

	provider EmbeddingProvider
	intents  []CanonicalIntent
	store    ExampleVectorStore // nil = in-memory-only
	logger   *slog.Logger
}

// NewSemanticMatcher creates an unwarmed matcher.
//
// # Inputs
//
//   - provider: Embedding provider. Must not be nil.
//   - intents: Canonical intent vocabulary. Immutable after construction.
//   - store: Optional vector persistence. Nil disables persistence.
//   - logger: Logger for degradation warnings. May be nil.
//
// # Outputs
//
//   - *SemanticMatcher: Unwarmed matcher. Call Warm() before serving queries.
func NewSemanticMatcher(provider EmbeddingProvider, intents []CanonicalIntent, store ExampleVectorStore, logger *slog.Logger) *SemanticMatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SemanticMatcher{
		provider: provider,
		intents:  intents,
		store:    store,
		logger:   logger,
	}
}

// Warm eagerly embeds every (intent, example) pair.
//
// # Description
//
// Checks the persistent store first; on a corpus-hash hit no provider calls
// are made. Otherwise embeds all examples with bounded concurrency, stores
// unit-normalized vectors, and persists them best-effort. Individual example
// failures are logged and skipped; if every example fails the matcher stays
// unwarmed and Match() abstains.
//
// # Inputs
//
//   - ctx: Context for the warm-up calls. Cancellation aborts pending embeds.
//
// # Outputs
//
//   - error: Non-nil only when ctx is cancelled mid-warm-up. Per-example
//     provider failures are absorbed: they are logged and skipped, and when
//     every embed fails the matcher stays unwarmed so Match abstains.
//
// # Thread Safety
//
// Not safe to call concurrently. Call once at startup.
func (m *SemanticMatcher) Warm(ctx context.Context) error {
	if len(m.intents) == 0 {
		return nil
	}

	start := time.Now()
	ctx, span := semanticTracer.Start(ctx, "routing.SemanticMatcher.Warm")
	defer span.End()

	hash := computeCorpusHash(m.intents, m.provider.Model())

	if m.store != nil {
		cached, err := m.store.LoadVectors(ctx, hash)
		if err != nil {
			m.logger.Warn("semantic matcher: store load failed, continuing with provider warm-up",
				slog.String("error", err.Error()),
			)
		} else if len(cached) > 0 {
			m.install(cached)
			semanticWarmupSeconds.Observe(time.Since(start).Seconds())
			span.SetAttributes(
				attribute.Bool("cache_hit", true),
				attribute.Int("example_count", len(cached)),
			)
			m.logger.Info("semantic matcher: loaded vectors from store",
				slog.Int("example_count", len(cached)),
				slog.String("corpus_hash", shortHash(hash)),
			)
			return nil
		}
	}

	m.logger.Info("semantic matcher: starting warm-up",
		slog.Int("intent_count", len(m.intents)),
		slog.String("model", m.provider.Model()),
	)

	type result struct {
		key exampleKey
		vec []float32
	}

	total := 0
	for _, in := range m.intents {
		total += len(in.Examples)
	}
	resultCh := make(chan result, total)

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, exampleWarmConcurrency)

	for _, in := range m.intents {
		for _, ex := range in.Examples {
			key := exampleKey{Intent: in.Key, Example: ex}
			g.Go(func() error {
				sem <- struct{}{}
				defer func() { <-sem }()

				vec, err := m.provider.Embed(gctx, normalizeUtterance(key.Example))
				if err != nil {
					// Cancellation aborts the whole warm-up.
					if gctx.Err() != nil {
						return gctx.Err()
					}
					// Individual failure is not fatal; the example is skipped.
					m.logger.Warn("semantic matcher: failed to embed example",
						slog.String("intent", key.Intent),
						slog.String("example", truncateForLog(key.Example, 60)),
						slog.String("error", err.Error()),
					)
					return nil
				}
				resultCh <- result{key: key, vec: vec}
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	close(resultCh)

	vectors := make(map[exampleKey][]float32, total)
	for r := range resultCh {
		if unit := unitNormalize(r.vec); unit != nil {
			vectors[r.key] = unit
		}
	}
	m.install(vectors)

	semanticWarmupSeconds.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Bool("cache_hit", false),
		attribute.Int("example_count", len(vectors)),
		attribute.Int("requested_count", total),
	)
	m.logger.Info("semantic matcher: warm-up complete",
		slog.Int("embedded", len(vectors)),
		slog.Int("requested", total),
	)

	// Persistence failure is non-fatal: vectors are already in RAM.
	if len(vectors) > 0 && m.store != nil {
		if err := m.store.SaveVectors(ctx, hash, vectors); err != nil {
			m.logger.Warn("semantic matcher: failed to persist vectors",
				slog.String("error", err.Error()),
				slog.String("corpus_hash", shortHash(hash)),
			)
		}
	}

	return nil
}

// install replaces the cached entries with a deterministically ordered scan
// list: intent keys in lexical order, examples in vocabulary order within
// each intent. The scan in Match keeps the first best score, so this order
// IS the tie-break.
func (m *SemanticMatcher) install(vectors map[exampleKey][]float32) {
	examplePos := make(map[exampleKey]int, len(vectors))
	for _, in := range m.intents {
		for i, ex := range in.Examples {
			examplePos[exampleKey{Intent: in.Key, Example: ex}] = i
		}
	}

	entries := make([]exampleEntry, 0, len(vectors))
	for key, vec := range vectors {
		entries = append(entries, exampleEntry{key: key, vec: vec})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].key.Intent != entries[j].key.Intent {
			return entries[i].key.Intent < entries[j].key.Intent
		}
		return examplePos[entries[i].key] < examplePos[entries[j].key]
	})

	m.mu.Lock()
	m.entries = entries
	m.warmed = len(entries) > 0
	m.mu.Unlock()
}

// Match embeds the utterance and ranks it against every cached example.
//
// # Description
//
// The utterance is trimmed and lowercased before embedding. The single
// highest cosine score wins; when two examples tie exactly, the one with the
// lexicographically smaller intent key (then earlier vocabulary position)
// wins — an explicit tie-break rather than map-iteration luck.
//
// Returns nil in three cases:
//  1. The matcher was never warmed (provider unavailable at startup).
//  2. The query embedding call fails or times out.
//  3. The best score does not exceed the threshold.
//
// On a hit, confidence is min(score*1.2, 1.0) — similarity understates
// confidence for short utterances, and the boost keeps the embedding stage
// comparable with the other stages' scales.
//
// # Inputs
//
//   - ctx: Context for the embedding call. A per-call timeout applies.
//   - utterance: Raw query text.
//   - threshold: Minimum cosine similarity, exclusive. Zero or negative uses 0.42.
//
// # Outputs
//
//   - *RouteResult: Method "embedding" with the raw score; nil on abstain.
//
// # Thread Safety
//
// Safe for concurrent use after Warm() completes.
func (m *SemanticMatcher) Match(ctx context.Context, utterance string, threshold float64) *RouteResult {
	if threshold <= 0 {
		threshold = 0.42
	}

	m.mu.RLock()
	warmed := m.warmed
	m.mu.RUnlock()
	if !warmed {
		semanticMatchTotal.WithLabelValues("unwarmed").Inc()
		return nil
	}

	ctx, span := semanticTracer.Start(ctx, "routing.SemanticMatcher.Match",
		trace.WithAttributes(
			attribute.String("query_preview", truncateForLog(utterance, 80)),
			attribute.Float64("threshold", threshold),
		),
	)
	defer span.End()

	embedCtx, cancel := context.WithTimeout(ctx, exampleQueryTimeout)
	defer cancel()

	queryVec, err := m.provider.Embed(embedCtx, normalizeUtterance(utterance))
	if err != nil {
		m.logger.Warn("semantic matcher: query embedding failed, abstaining",
			slog.String("error", err.Error()),
		)
		semanticMatchTotal.WithLabelValues("provider_error").Inc()
		return nil
	}

	queryUnit := unitNormalize(queryVec)
	if queryUnit == nil {
		semanticMatchTotal.WithLabelValues("provider_error").Inc()
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		bestScore  float64 = math.Inf(-1)
		bestIntent string
	)
	for _, e := range m.entries {
		// Both vectors are unit-normalized: dot product = cosine similarity.
		// Strictly-greater keeps the first (lexically smallest) entry on ties.
		if sim := float64(dotProduct(queryUnit, e.vec)); sim > bestScore {
			bestScore = sim
			bestIntent = e.key.Intent
		}
	}

	span.SetAttributes(
		attribute.String("best_intent", bestIntent),
		attribute.Float64("best_score", bestScore),
	)

	if bestScore <= threshold {
		semanticMatchTotal.WithLabelValues("below_threshold").Inc()
		return nil
	}

	semanticMatchTotal.WithLabelValues("hit").Inc()
	return &RouteResult{
		Intent:     bestIntent,
		Confidence: math.Min(bestScore*1.2, 1.0),
		Method:     MethodEmbedding,
		Score:      bestScore,
	}
}

// IsWarmed reports whether the matcher holds at least one cached vector.
func (m *SemanticMatcher) IsWarmed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.warmed
}

// =============================================================================
// Vector Helpers
// =============================================================================

// normalizeUtterance applies the canonical pre-embedding normalization.
func normalizeUtterance(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// unitNormalize returns a unit-length copy of v, or nil when v has zero
// magnitude (cosine against a zero vector is defined as 0 — never a hit).
func unitNormalize(v []float32) []float32 {
	norm := l2Norm(v)
	if norm == 0 {
		return nil
	}
	unit := make([]float32, len(v))
	for i, x := range v {
		unit[i] = x / float32(norm)
	}
	return unit
}

// l2Norm computes the Euclidean norm of a float32 vector.
func l2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// dotProduct computes the dot product of two float32 vectors. Mismatched
// lengths use the shorter.
func dotProduct(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float32
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
