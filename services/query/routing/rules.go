// Copyright (C) 2025 Pocketsage Labs (oss@pocketsage.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routing

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var ruleMatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pocketsage",
	Subsystem: "router",
	Name:      "rule_match_total",
	Help:      "Rule-stage outcomes: hit, miss",
}, []string{"outcome"})

// =============================================================================
// RuleMatcher
// =============================================================================

// RulePattern is one entry of the deterministic pattern table.
type RulePattern struct {
	// Pattern is a regular expression, compiled case-insensitively.
	Pattern string

	// Intent is the intent key selected when the pattern matches.
	Intent string
}

// compiledRule pairs a pre-compiled regex with its intent key.
type compiledRule struct {
	re     *regexp.Regexp
	intent string
}

// RuleMatcher tests an utterance against an ordered, compiled-once pattern
// table. The first matching rule wins — there is no scoring and no
// backtracking across later rules.
//
// Description:
//
//	Rules encode the precision end of the fallback chain: a handful of
//	unambiguous phrasings that should never reach a model. On a hit the
//	matcher returns a fixed high confidence (0.95 by default).
//
// Thread Safety: Safe for concurrent use (all state is read-only after
// construction).
type RuleMatcher struct {
	rules      []compiledRule
	confidence float64
	logger     *slog.Logger
}

// NewRuleMatcher compiles the pattern table.
//
// Description:
//
//	Patterns are compiled once, case-insensitively, in list order. An invalid
//	pattern fails construction — rules are configuration, and a bad one
//	should fail the load rather than silently skip at query time.
//
// Inputs:
//
//	rules - Ordered pattern table. Evaluation order is list order.
//	confidence - Confidence assigned to every hit. Zero uses 0.95.
//	logger - Logger instance. May be nil.
//
// Outputs:
//
//	*RuleMatcher - The compiled matcher.
//	error - Non-nil if any pattern does not compile.
func NewRuleMatcher(rules []RulePattern, confidence float64, logger *slog.Logger) (*RuleMatcher, error) {
	if confidence <= 0 {
		confidence = 0.95
	}
	if logger == nil {
		logger = slog.Default()
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule pattern %q: %w", r.Pattern, err)
		}
		compiled = append(compiled, compiledRule{re: re, intent: r.Intent})
	}

	return &RuleMatcher{rules: compiled, confidence: confidence, logger: logger}, nil
}

// Match tests the utterance against the pattern table in order.
//
// Description:
//
//	Returns the first hit with the fixed rule confidence, or nil when no
//	pattern matches. Deterministic, no side effects, O(rules) per call.
//
// Inputs:
//
//	utterance - Raw query text.
//
// Outputs:
//
//	*RouteResult - Method "rule" on hit; nil on miss.
func (m *RuleMatcher) Match(utterance string) *RouteResult {
	for _, r := range m.rules {
		if r.re.MatchString(utterance) {
			ruleMatchTotal.WithLabelValues("hit").Inc()
			m.logger.Debug("rule matcher hit",
				slog.String("intent", r.intent),
				slog.String("query_preview", truncateForLog(utterance, 80)),
			)
			return &RouteResult{
				Intent:     r.intent,
				Confidence: m.confidence,
				Method:     MethodRule,
			}
		}
	}
	ruleMatchTotal.WithLabelValues("miss").Inc()
	return nil
}

// Len returns the number of compiled rules.
func (m *RuleMatcher) Len() int {
	return len(m.rules)
}
