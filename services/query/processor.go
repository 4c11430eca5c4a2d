// Copyright (C) 2025 Pocketsage Labs (oss@pocketsage.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package query is the caller-facing boundary of the query-understanding
// core: one entry point that turns a raw utterance plus external context into
// a resolved query ready for the response generator.
package query

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pocketsage/pocketsage/services/query/conversation"
	"github.com/pocketsage/pocketsage/services/query/routing"
	"github.com/pocketsage/pocketsage/services/query/slots"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var resolveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "pocketsage",
	Subsystem: "query",
	Name:      "resolve_latency_seconds",
	Help:      "End-to-end query resolution latency",
	Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1.0, 3.0, 5.0, 10.0},
})

var processorTracer = otel.Tracer("pocketsage.query.processor")

// =============================================================================
// Processor
// =============================================================================

// ResolvedQuery is the merged output of routing, slot extraction, and
// conversation-context resolution for one utterance.
type ResolvedQuery struct {
	Intent          string                          `json:"intent"`
	Confidence      float64                         `json:"confidence"`
	Method          routing.Method                  `json:"method"`
	Slots           slots.Slots                     `json:"slots"`
	ContextualQuery string                          `json:"contextualQuery"`
	EnhancedContext map[string]any                  `json:"enhancedContext"`
	ReferenceData   *conversation.EmbeddedComponent `json:"referenceData,omitempty"`
}

// Processor wires the three pipelines together.
//
// # Description
//
// For each utterance the processor: validates it, lets the conversation
// manager decide topic continuity, resolves referential language, routes the
// (resolved) query to an intent, extracts slots from the raw utterance, and
// finally records the turn back into the conversation so the next follow-up
// has context to work with.
//
// Routing runs over the contextually resolved query — "show them again"
// routes better as "show the previously shown transactions again" — while
// slot extraction runs over the raw utterance, which carries the literal
// dates and amounts.
//
// # Thread Safety
//
// Safe for concurrent use; per-conversation ordering is the manager's job.
type Processor struct {
	router    *routing.HybridIntentRouter
	extractor *slots.Extractor
	conv      *conversation.Manager
	logger    *slog.Logger
}

// ProcessorParams bundles the constructor inputs. All components are
// required except Logger.
type ProcessorParams struct {
	Router    *routing.HybridIntentRouter
	Extractor *slots.Extractor
	Conv      *conversation.Manager
	Logger    *slog.Logger
}

// NewProcessor creates the query-resolution pipeline.
func NewProcessor(p ProcessorParams) *Processor {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Processor{
		router:    p.Router,
		extractor: p.Extractor,
		conv:      p.Conv,
		logger:    p.Logger,
	}
}

// ResolveQuery turns one utterance into a resolved query.
//
// # Inputs
//
//   - ctx: Context for the model-backed stages and persistence.
//   - utterance: Raw query text.
//   - external: Caller-supplied context (user id, account scope, ...). May be nil.
//
// # Outputs
//
//   - *ResolvedQuery: Always non-nil when error is nil.
//   - error: Non-nil only for validation failures (empty / over-long input).
func (p *Processor) ResolveQuery(ctx context.Context, utterance string, external map[string]any) (*ResolvedQuery, error) {
	// Validate before touching conversation state: a rejected query must not
	// shift topic focus or enter the history.
	if err := p.router.ValidateUtterance(utterance); err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := processorTracer.Start(ctx, "query.Processor.ResolveQuery")
	defer span.End()
	defer func() { resolveLatency.Observe(time.Since(start).Seconds()) }()

	shaped := p.conv.MaintainTopicFocus(ctx, utterance, external)
	followUp := p.conv.HandleFollowUp(ctx, utterance, shaped)

	route, err := p.router.RouteIntent(ctx, followUp.ContextualQuery, routing.DefaultRouteOptions())
	if err != nil {
		return nil, err
	}

	// Slots always come from the raw utterance: referential substitution can
	// reword the query but never invents dates or amounts.
	extracted := slots.Normalize(p.extractor.Extract(utterance))

	p.recordTurn(ctx, utterance, route)

	span.SetAttributes(
		attribute.String("intent", route.Intent),
		attribute.String("method", string(route.Method)),
		attribute.Float64("confidence", route.Confidence),
	)
	p.logger.Info("query resolved",
		slog.String("intent", route.Intent),
		slog.String("method", string(route.Method)),
		slog.Float64("confidence", route.Confidence),
	)

	return &ResolvedQuery{
		Intent:          route.Intent,
		Confidence:      route.Confidence,
		Method:          route.Method,
		Slots:           extracted,
		ContextualQuery: followUp.ContextualQuery,
		EnhancedContext: followUp.EnhancedContext,
		ReferenceData:   followUp.ReferenceData,
	}, nil
}

// recordTurn appends the user message and refreshes the context's query type
// so the next turn's continuity heuristics see this one.
func (p *Processor) recordTurn(ctx context.Context, utterance string, route *routing.RouteResult) {
	p.conv.AddMessage(ctx, conversation.Message{
		Content: utterance,
		Role:    conversation.RoleUser,
	})
	p.conv.UpdateContext(ctx, conversation.ContextUpdate{
		LastQueryType: queryTypeForIntent(route.Intent),
	})
}

// queryTypeForIntent buckets an intent into the conversation's domain
// vocabulary used by the topic-continuity heuristics.
func queryTypeForIntent(intent string) string {
	switch intent {
	case "budget_status", "savings_progress":
		return "budget"
	case "transaction_search", "merchant_summary":
		return "transaction"
	case "top_categories", "category_breakdown":
		return "category"
	case "spending_trend":
		return "chart"
	default:
		return "general"
	}
}
