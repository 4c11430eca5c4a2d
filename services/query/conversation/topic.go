// Copyright (C) 2025 Pocketsage Labs (oss@pocketsage.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var topicDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pocketsage",
	Subsystem: "conversation",
	Name:      "topic_decisions_total",
	Help:      "Topic continuity decisions: continued, switched",
}, []string{"decision"})

// =============================================================================
// Continuity Heuristics
// =============================================================================

// continuityMarkerPattern matches phrases that signal the user is extending
// the current topic rather than starting a new one. Word boundaries keep
// "and" from firing inside "understand" or "brand".
var continuityMarkerPattern = regexp.MustCompile(
	`\b(?:also|and|what about|how about|those|these|show me)\b`,
)

// domainKeywords groups the vocabulary of each query domain. A new query
// sharing a domain with the previous one continues the topic even without an
// explicit continuity marker.
var domainKeywords = map[string][]string{
	"budget":      {"budget", "budgets", "limit", "overspend"},
	"transaction": {"transaction", "transactions", "purchase", "purchases", "expense", "expenses", "spent", "spend"},
	"category":    {"category", "categories"},
}

// MaintainTopicFocus decides whether the new query continues the current
// topic and shapes the external context accordingly.
//
// # Description
//
// Two heuristics, either of which keeps the topic alive:
//
//	(a) the query contains a continuity marker ("also", "what about", ...);
//	(b) the query and the context's last query type share a domain keyword
//	    set (budget terms, transaction terms, or category terms).
//
// On continuation, the conversation's focus (categories, budgets, timeframe)
// merges into the returned context. On a topic switch, the focused id sets
// are cleared — both in the returned context and in the manager's own state —
// and the last query type is reclassified from the new query.
//
// # Inputs
//
//   - ctx: Context for the persistence write on a topic switch.
//   - newQuery: The incoming query.
//   - external: Caller-supplied external context. May be nil.
//
// # Outputs
//
//   - map[string]any: The shaped external context. Never nil.
func (m *Manager) MaintainTopicFocus(ctx context.Context, newQuery string, external map[string]any) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]any, len(external)+4)
	for k, v := range external {
		out[k] = v
	}
	if m.conv == nil {
		return out
	}

	cctx := &m.conv.Context
	lower := strings.ToLower(newQuery)

	if m.isRelatedLocked(lower) {
		topicDecisionsTotal.WithLabelValues("continued").Inc()
		if len(cctx.FocusedCategories) > 0 {
			out["focusedCategories"] = append([]string{}, cctx.FocusedCategories...)
		}
		if len(cctx.FocusedBudgets) > 0 {
			out["focusedBudgets"] = append([]string{}, cctx.FocusedBudgets...)
		}
		if cctx.Timeframe != nil {
			out["timeframe"] = map[string]any{
				"start": cctx.Timeframe.Start,
				"end":   cctx.Timeframe.End,
			}
		}
		return out
	}

	// Topic switch: stale focus must not contaminate the new topic.
	topicDecisionsTotal.WithLabelValues("switched").Inc()
	cctx.FocusedCategories = nil
	cctx.FocusedBudgets = nil
	cctx.LastQueryType = classifyQueryType(lower)
	m.conv.UpdatedAt = m.clock()
	m.persistLocked(ctx)

	m.logger.Debug("conversation: topic switched",
		slog.String("new_query_type", cctx.LastQueryType),
	)
	return out
}

// isRelatedLocked applies the two continuity heuristics. Caller holds mu.
func (m *Manager) isRelatedLocked(lowerQuery string) bool {
	if continuityMarkerPattern.MatchString(lowerQuery) {
		return true
	}

	last := m.conv.Context.LastQueryType
	if last == "" {
		return false
	}
	keywords, ok := domainKeywords[last]
	if !ok {
		return false
	}
	for _, kw := range keywords {
		if strings.Contains(lowerQuery, kw) {
			return true
		}
	}
	return false
}

// classifyQueryType buckets a query into a domain by keyword.
func classifyQueryType(lowerQuery string) string {
	switch {
	case strings.Contains(lowerQuery, "budget"):
		return "budget"
	case strings.Contains(lowerQuery, "transaction") || strings.Contains(lowerQuery, "expense"):
		return "transaction"
	case strings.Contains(lowerQuery, "categor"):
		return "category"
	case strings.Contains(lowerQuery, "chart") || strings.Contains(lowerQuery, "graph"):
		return "chart"
	default:
		return "general"
	}
}
