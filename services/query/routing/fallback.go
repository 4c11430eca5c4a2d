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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	fallbackClassifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pocketsage",
		Subsystem: "router",
		Name:      "llm_classify_total",
		Help:      "Generative classification outcomes: hit, below_threshold, unknown_label, provider_error",
	}, []string{"outcome"})

	fallbackClassifyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pocketsage",
		Subsystem: "router",
		Name:      "llm_classify_latency_seconds",
		Help:      "Latency of generative classification calls",
		Buckets:   []float64{0.1, 0.5, 1.0, 2.0, 3.0, 5.0},
	})
)

var fallbackTracer = otel.Tracer("pocketsage.query.routing.fallback")

// =============================================================================
// FallbackClassifier
// =============================================================================

// fallbackClassifyTimeout bounds a single classification call. The generative
// stage is the most expensive step in the chain and must not hold the caller
// hostage — a slow provider is an abstention, not a wait.
const fallbackClassifyTimeout = 5 * time.Second

// FallbackClassifier is the last model-backed stage of the chain: zero-shot
// labelling of the utterance over the full canonical intent vocabulary.
//
// Description:
//
//	Accepts the provider's top-ranked label only when its score clears the
//	threshold (0.4 by default) AND the label is actually in the supplied
//	vocabulary — generative providers hallucinate labels, and a made-up
//	intent must abstain rather than leak downstream.
//
// Thread Safety: Safe for concurrent use.
type FallbackClassifier struct {
	classifier Classifier
	threshold  float64
	logger     *slog.Logger
}

// NewFallbackClassifier creates the generative fallback stage.
//
// Inputs:
//
//	classifier - Zero-shot classification provider. Must not be nil.
//	threshold - Minimum top-label score, exclusive. Zero uses 0.4.
//	logger - Logger instance. May be nil.
func NewFallbackClassifier(classifier Classifier, threshold float64, logger *slog.Logger) *FallbackClassifier {
	if threshold <= 0 {
		threshold = 0.4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackClassifier{classifier: classifier, threshold: threshold, logger: logger}
}

// Classify labels the utterance against the candidate vocabulary.
//
// Description:
//
//	Returns nil (stage abstains) when the provider fails, returns an empty
//	ranking, ranks an unknown label first, or the top score does not clear
//	the threshold. Provider errors are logged, never propagated.
//
// Inputs:
//
//	ctx - Context for the provider call. A per-call timeout applies.
//	utterance - Raw query text.
//	labels - Candidate intent vocabulary. Must not be empty.
//
// Outputs:
//
//	*RouteResult - Method "llm" on acceptance; nil on abstain.
func (f *FallbackClassifier) Classify(ctx context.Context, utterance string, labels []string) *RouteResult {
	if len(labels) == 0 {
		return nil
	}

	ctx, span := fallbackTracer.Start(ctx, "routing.FallbackClassifier.Classify")
	defer span.End()
	span.SetAttributes(
		attribute.String("query_preview", truncateForLog(utterance, 80)),
		attribute.Int("label_count", len(labels)),
	)

	callCtx, cancel := context.WithTimeout(ctx, fallbackClassifyTimeout)
	defer cancel()

	start := time.Now()
	ranking, err := f.classifier.Classify(callCtx, utterance, labels)
	fallbackClassifyLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		f.logger.Warn("fallback classifier: provider failed, abstaining",
			slog.String("error", err.Error()),
		)
		fallbackClassifyTotal.WithLabelValues("provider_error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "classify failed")
		return nil
	}
	if ranking == nil || len(ranking.Labels) == 0 || len(ranking.Scores) == 0 {
		fallbackClassifyTotal.WithLabelValues("provider_error").Inc()
		return nil
	}

	top, score := ranking.Labels[0], ranking.Scores[0]
	span.SetAttributes(
		attribute.String("top_label", top),
		attribute.Float64("top_score", score),
	)

	if !containsLabel(labels, top) {
		f.logger.Warn("fallback classifier: provider returned unknown label, abstaining",
			slog.String("label", top),
		)
		fallbackClassifyTotal.WithLabelValues("unknown_label").Inc()
		return nil
	}

	if score <= f.threshold {
		fallbackClassifyTotal.WithLabelValues("below_threshold").Inc()
		return nil
	}

	fallbackClassifyTotal.WithLabelValues("hit").Inc()
	return &RouteResult{
		Intent:     top,
		Confidence: score,
		Method:     MethodLLM,
	}
}

// containsLabel reports whether label is in the candidate set.
func containsLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}
