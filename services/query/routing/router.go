// Copyright (C) 2025 Pocketsage Labs (oss@pocketsage.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routing

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	routeMethodTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pocketsage",
		Subsystem: "router",
		Name:      "route_method_total",
		Help:      "Routing decisions by winning method: rule, embedding, llm, fallback",
	}, []string{"method"})

	routeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pocketsage",
		Subsystem: "router",
		Name:      "route_latency_seconds",
		Help:      "End-to-end intent routing latency",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1.0, 3.0, 5.0},
	})

	routeRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pocketsage",
		Subsystem: "router",
		Name:      "route_rejected_total",
		Help:      "Utterances rejected before routing, by reason",
	}, []string{"reason"})
)

var routerTracer = otel.Tracer("pocketsage.query.routing.router")

// =============================================================================
// HybridIntentRouter
// =============================================================================

// RouteOptions controls a single RouteIntent call.
type RouteOptions struct {
	// RuleFirst runs the deterministic rule table before the model stages.
	RuleFirst bool

	// EmbeddingThreshold is the minimum cosine similarity for the semantic
	// stage. Zero uses the configured default.
	EmbeddingThreshold float64
}

// DefaultRouteOptions returns the standard precision-first configuration.
func DefaultRouteOptions() RouteOptions {
	return RouteOptions{RuleFirst: true, EmbeddingThreshold: 0.42}
}

// HybridIntentRouter runs the three matching stages in a fixed fallback
// order and always returns a decision.
//
// # Description
//
// The chain encodes a precision-first policy: cheap deterministic rules
// first, semantic generalization second, expensive generative inference
// third. Each stage abstains by returning nil; no stage error reaches the
// caller. When every stage abstains the router returns the configured safe
// default — the system is never left without an answer.
//
// The only error path is validation: an empty or over-long utterance is
// rejected before any stage runs.
//
// # Thread Safety
//
// Safe for concurrent use (delegates to thread-safe stages).
type HybridIntentRouter struct {
	rules     *RuleMatcher
	semantic  *SemanticMatcher
	fallback  *FallbackClassifier
	labels    []string // intent vocabulary for the generative stage
	defaults  RouteResult
	maxLen    int
	threshold float64
	logger    *slog.Logger
}

// RouterParams bundles the router's constructor inputs.
type RouterParams struct {
	// Rules is the deterministic stage. Must not be nil.
	Rules *RuleMatcher

	// Semantic is the embedding stage. Must not be nil (use an unwarmed
	// matcher to disable it — it abstains on every call).
	Semantic *SemanticMatcher

	// Fallback is the generative stage. Nil disables it.
	Fallback *FallbackClassifier

	// Labels is the intent vocabulary supplied to the generative stage.
	Labels []string

	// DefaultIntent and DefaultConfidence define the safe default.
	DefaultIntent     string
	DefaultConfidence float64

	// EmbeddingThreshold is the default semantic threshold. Zero uses 0.42.
	EmbeddingThreshold float64

	// MaxUtteranceLen is the validation ceiling. Zero uses 500.
	MaxUtteranceLen int

	// Logger may be nil.
	Logger *slog.Logger
}

// NewHybridIntentRouter wires the fallback chain.
func NewHybridIntentRouter(p RouterParams) *HybridIntentRouter {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.MaxUtteranceLen <= 0 {
		p.MaxUtteranceLen = 500
	}
	if p.EmbeddingThreshold <= 0 {
		p.EmbeddingThreshold = 0.42
	}
	if p.DefaultIntent == "" {
		p.DefaultIntent = "spending_summary"
	}
	if p.DefaultConfidence <= 0 {
		p.DefaultConfidence = 0.3
	}
	return &HybridIntentRouter{
		rules:    p.Rules,
		semantic: p.Semantic,
		fallback: p.Fallback,
		labels:   p.Labels,
		defaults: RouteResult{
			Intent:     p.DefaultIntent,
			Confidence: p.DefaultConfidence,
			Method:     MethodFallback,
		},
		maxLen:    p.MaxUtteranceLen,
		threshold: p.EmbeddingThreshold,
		logger:    p.Logger,
	}
}

// ValidateUtterance rejects empty and over-long utterances.
//
// Outputs:
//
//	error - A QueryError with a validation code, or nil.
func (r *HybridIntentRouter) ValidateUtterance(utterance string) error {
	if strings.TrimSpace(utterance) == "" {
		routeRejectedTotal.WithLabelValues("empty").Inc()
		return NewQueryError(ErrCodeEmptyQuery, "utterance is empty", false)
	}
	if len(utterance) > r.maxLen {
		routeRejectedTotal.WithLabelValues("too_long").Inc()
		return NewQueryError(ErrCodeQueryTooLong, "utterance exceeds length ceiling", false)
	}
	return nil
}

// RouteIntent classifies an utterance through the fallback chain.
//
// # Description
//
//  1. Validate (empty / over length ceiling → error, never silently routed).
//  2. If opts.RuleFirst, try the rule table.
//  3. Try the semantic matcher with opts.EmbeddingThreshold.
//  4. Try the generative classifier over the full intent vocabulary.
//  5. Return the safe default.
//
// # Inputs
//
//   - ctx: Context for the model-backed stages.
//   - utterance: Raw query text.
//   - opts: Per-call options; zero value means rules off and default threshold,
//     so most callers want DefaultRouteOptions().
//
// # Outputs
//
//   - *RouteResult: Always non-nil when error is nil.
//   - error: Non-nil only for validation failures.
//
// # Thread Safety
//
// Safe for concurrent use.
func (r *HybridIntentRouter) RouteIntent(ctx context.Context, utterance string, opts RouteOptions) (*RouteResult, error) {
	if err := r.ValidateUtterance(utterance); err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := routerTracer.Start(ctx, "routing.HybridIntentRouter.RouteIntent",
		trace.WithAttributes(
			attribute.String("query_preview", truncateForLog(utterance, 80)),
			attribute.Bool("rule_first", opts.RuleFirst),
		),
	)
	defer span.End()
	defer func() { routeLatency.Observe(time.Since(start).Seconds()) }()

	threshold := opts.EmbeddingThreshold
	if threshold <= 0 {
		threshold = r.threshold
	}

	if opts.RuleFirst && r.rules != nil {
		if res := r.rules.Match(utterance); res != nil {
			return r.finish(span, res), nil
		}
	}

	if r.semantic != nil {
		if res := r.semantic.Match(ctx, utterance, threshold); res != nil {
			return r.finish(span, res), nil
		}
	}

	if r.fallback != nil {
		if res := r.fallback.Classify(ctx, utterance, r.labels); res != nil {
			return r.finish(span, res), nil
		}
	}

	// Every stage abstained. Not an error: the caller always gets an answer,
	// just a low-confidence one.
	def := r.defaults
	r.logger.Info("router: all stages abstained, using safe default",
		slog.String("intent", def.Intent),
		slog.String("query_preview", truncateForLog(utterance, 80)),
	)
	return r.finish(span, &def), nil
}

// finish records the decision on metrics and the span.
func (r *HybridIntentRouter) finish(span trace.Span, res *RouteResult) *RouteResult {
	routeMethodTotal.WithLabelValues(string(res.Method)).Inc()
	span.SetAttributes(
		attribute.String("intent", res.Intent),
		attribute.String("method", string(res.Method)),
		attribute.Float64("confidence", res.Confidence),
	)
	return res
}
