// Copyright (C) 2025 Pocketsage Labs (oss@pocketsage.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var followUpResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pocketsage",
	Subsystem: "conversation",
	Name:      "followup_resolved_total",
	Help:      "Referential follow-up substitutions by reference kind",
}, []string{"kind"})

// =============================================================================
// Referential Markers
// =============================================================================

var (
	transactionRefPattern = regexp.MustCompile(`(?i)\bthose\s+transactions\b|\bthem\b`)
	categoryRefPattern    = regexp.MustCompile(`(?i)\bthese\s+categories\b|\bwhich\s+categories\b`)
	budgetRefPattern      = regexp.MustCompile(`(?i)\bthat\s+budget\b|\bthis\s+budget\b`)
)

// FollowUpResult is the output of referential resolution.
type FollowUpResult struct {
	// ContextualQuery is the query with referential phrases replaced by
	// explicit ones. Equal to the input when nothing matched.
	ContextualQuery string

	// EnhancedContext folds the conversation's timeframe and focus into the
	// caller-supplied external context.
	EnhancedContext map[string]any

	// ReferenceData is the embedded payload a transaction reference pointed
	// at, when one was resolved.
	ReferenceData *EmbeddedComponent
}

// HandleFollowUp resolves referential language against the active context.
//
// # Description
//
// Three reference kinds are recognized:
//
//   - "those transactions" / "them": replaced with "the previously shown
//     transactions" when the window holds a transaction-list component; the
//     most recent such component is attached as reference data.
//   - "these categories" / "which categories": focused category ids resolve
//     to display names via the lookup, and the phrase becomes an explicit
//     "categories: <names>" clause.
//   - "that budget" / "this budget": same, becoming "budget for <names>".
//
// A query with no referential markers passes through unchanged. The returned
// context always folds the conversation's timeframe and focus into whatever
// the caller supplied, whether or not a substitution happened.
//
// # Inputs
//
//   - ctx: Context for the lookup calls.
//   - query: The raw follow-up query.
//   - external: Caller-supplied external context. May be nil.
//
// # Outputs
//
//   - *FollowUpResult: Never nil.
func (m *Manager) HandleFollowUp(ctx context.Context, query string, external map[string]any) *FollowUpResult {
	m.mu.Lock()
	var cctx *ConversationContext
	if m.conv != nil {
		cctx = copyContext(&m.conv.Context)
	}
	m.mu.Unlock()

	result := &FollowUpResult{
		ContextualQuery: query,
		EnhancedContext: m.enhanceContext(cctx, external),
	}
	if cctx == nil {
		return result
	}

	if transactionRefPattern.MatchString(result.ContextualQuery) {
		if comp := latestComponent(cctx.EmbeddedComponents, ComponentTransactionList); comp != nil {
			result.ContextualQuery = transactionRefPattern.ReplaceAllString(
				result.ContextualQuery, "the previously shown transactions")
			result.ReferenceData = comp
			followUpResolvedTotal.WithLabelValues("transactions").Inc()
		}
	}

	if categoryRefPattern.MatchString(result.ContextualQuery) && len(cctx.FocusedCategories) > 0 {
		if names := m.resolveCategoryNames(ctx, cctx.FocusedCategories); len(names) > 0 {
			result.ContextualQuery = categoryRefPattern.ReplaceAllString(
				result.ContextualQuery, "categories: "+strings.Join(names, ", "))
			followUpResolvedTotal.WithLabelValues("categories").Inc()
		}
	}

	if budgetRefPattern.MatchString(result.ContextualQuery) && len(cctx.FocusedBudgets) > 0 {
		if names := m.resolveBudgetNames(ctx, cctx.FocusedBudgets); len(names) > 0 {
			result.ContextualQuery = budgetRefPattern.ReplaceAllString(
				result.ContextualQuery, "budget for "+strings.Join(names, ", "))
			followUpResolvedTotal.WithLabelValues("budgets").Inc()
		}
	}

	if result.ContextualQuery != query {
		m.logger.Debug("conversation: resolved follow-up",
			slog.String("original", query),
			slog.String("contextual", result.ContextualQuery),
		)
	}
	return result
}

// enhanceContext folds the conversation's focus state into the external
// context. The external context wins on key collisions: the caller knows
// more about the current request than stored state does.
func (m *Manager) enhanceContext(cctx *ConversationContext, external map[string]any) map[string]any {
	out := make(map[string]any, len(external)+4)
	if cctx != nil {
		if cctx.Timeframe != nil {
			out["timeframe"] = map[string]any{
				"start": cctx.Timeframe.Start,
				"end":   cctx.Timeframe.End,
			}
		}
		if len(cctx.FocusedCategories) > 0 {
			out["focusedCategories"] = append([]string{}, cctx.FocusedCategories...)
		}
		if len(cctx.FocusedBudgets) > 0 {
			out["focusedBudgets"] = append([]string{}, cctx.FocusedBudgets...)
		}
		if cctx.LastQueryType != "" {
			out["lastQueryType"] = cctx.LastQueryType
		}
	}
	for k, v := range external {
		out[k] = v
	}
	return out
}

// resolveCategoryNames maps focused category ids to display names. A failed
// or missing lookup resolves nothing; the substitution is skipped rather
// than emitting raw ids into user-visible text.
func (m *Manager) resolveCategoryNames(ctx context.Context, ids []string) []string {
	if m.lookup == nil {
		return nil
	}
	categories, err := m.lookup.AllCategories(ctx)
	if err != nil {
		m.logger.Warn("conversation: category lookup failed",
			slog.String("error", err.Error()),
		)
		return nil
	}
	byID := make(map[string]string, len(categories))
	for _, c := range categories {
		byID[c.ID] = c.Name
	}
	return namesFor(ids, byID)
}

// resolveBudgetNames maps focused budget ids to display names.
func (m *Manager) resolveBudgetNames(ctx context.Context, ids []string) []string {
	if m.lookup == nil {
		return nil
	}
	budgets, err := m.lookup.AllBudgets(ctx)
	if err != nil {
		m.logger.Warn("conversation: budget lookup failed",
			slog.String("error", err.Error()),
		)
		return nil
	}
	byID := make(map[string]string, len(budgets))
	for _, b := range budgets {
		byID[b.ID] = b.Name
	}
	return namesFor(ids, byID)
}

// =============================================================================
// Helpers
// =============================================================================

// latestComponent returns the most recent component of the given type, or
// nil. The window is append-ordered, so the scan runs back-to-front.
func latestComponent(components []EmbeddedComponent, componentType string) *EmbeddedComponent {
	for i := len(components) - 1; i >= 0; i-- {
		if components[i].Type == componentType {
			comp := components[i]
			return &comp
		}
	}
	return nil
}

// namesFor resolves ids through the name map, preserving id order. Unknown
// ids keep a placeholder so the substituted text still accounts for them.
func namesFor(ids []string, byID map[string]string) []string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if name, ok := byID[id]; ok {
			names = append(names, name)
		} else {
			names = append(names, fmt.Sprintf("unknown (%s)", id))
		}
	}
	return names
}
