// Copyright (C) 2025 Pocketsage Labs (oss@pocketsage.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package slots extracts structured query parameters from raw utterances.
//
// Extraction is deliberately regex- and vocabulary-based rather than
// model-based: slots feed directly into database filters, and a deterministic
// extractor is auditable in a way a generative one is not. It runs
// independently of intent routing, always over the raw utterance.
package slots

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var slotExtractedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pocketsage",
	Subsystem: "slots",
	Name:      "extracted_total",
	Help:      "Extracted slot values by slot name",
}, []string{"slot"})

// =============================================================================
// Slot Names
// =============================================================================

// Slot key constants. Slots is a plain string map so the result can flow into
// JSON query payloads without an intermediate struct.
const (
	SlotStartDate       = "start_date"
	SlotEndDate         = "end_date"
	SlotGranularity     = "granularity"
	SlotCategory        = "category"
	SlotMerchant        = "merchant"
	SlotTransactionType = "transaction_type"
	SlotTopN            = "top_n"
	SlotAmountMin       = "amount_min"
	SlotAmountMax       = "amount_max"
)

// Granularity values for the timeframe slots.
const (
	GranularityMonth = "month"
	GranularityDay   = "day"
)

// dateLayout is the wire format for the date slots.
const dateLayout = "2006-01-02"

// Slots holds extracted query parameters keyed by slot name.
type Slots map[string]any

// =============================================================================
// Extraction Patterns
// =============================================================================

var (
	// top_n: "top 3", "number 5", "#2". A bare "top" with no digit implies 1.
	topNPattern    = regexp.MustCompile(`(?i)(?:\btop\b|\bnumber\b|#)\s*(\d+)`)
	bareTopPattern = regexp.MustCompile(`(?i)\btop\b`)

	// Relative timeframes.
	thisMonthPattern = regexp.MustCompile(`(?i)\bthis\s+month\b`)
	lastMonthPattern = regexp.MustCompile(`(?i)\blast\s+month\b`)
	lastNDaysPattern = regexp.MustCompile(`(?i)\blast\s+(\d+)\s+days?\b`)

	// Explicit dates: "since March 3" and "from Jan 1 to Feb 15". The captures
	// are handed to a permissive date parser; non-dates simply fail to parse.
	sincePattern  = regexp.MustCompile(`(?i)\bsince\s+(.+?)(?:[.?!,]|$)`)
	fromToPattern = regexp.MustCompile(`(?i)\bfrom\s+(.+?)\s+(?:to|until|through)\s+(.+?)(?:[.?!,]|$)`)

	// merchant: "at Whole Foods", "from Amazon", "Target store". Requires a
	// capitalized phrase so common prepositional uses ("at least") don't hit.
	merchantAtFromPattern = regexp.MustCompile(`(?:\bat|\bfrom)\s+((?:[A-Z][\w'&.-]*)(?:\s+[A-Z][\w'&.-]*)*)`)
	merchantStorePattern  = regexp.MustCompile(`((?:[A-Z][\w'&.-]*)(?:\s+[A-Z][\w'&.-]*)*)\s+store\b`)

	// Amount bounds.
	amountMinPattern = regexp.MustCompile(`(?i)(?:over|above|more\s+than)\s+\$?(\d+(?:\.\d+)?)`)
	amountMaxPattern = regexp.MustCompile(`(?i)(?:under|below|less\s+than)\s+\$?(\d+(?:\.\d+)?)`)
)

// =============================================================================
// Extractor
// =============================================================================

// Config controls extraction.
type Config struct {
	// Categories is the category vocabulary, matched case-insensitively as
	// substrings. First hit in slice order wins.
	Categories []string

	// DefaultTransactionType is emitted when the utterance does not override
	// it. Empty uses "expense".
	DefaultTransactionType string

	// Clock supplies "today" for relative timeframes. Nil uses time.Now.
	// Tests inject a fixed clock.
	Clock func() time.Time
}

// Extractor pulls structured slots out of raw utterances.
//
// # Thread Safety
//
// Safe for concurrent use. All state is immutable after construction.
type Extractor struct {
	categories      []string
	categoriesLower []string
	txnType         string
	clock           func() time.Time
}

// NewExtractor creates an extractor over the given vocabulary.
func NewExtractor(cfg Config) *Extractor {
	if cfg.DefaultTransactionType == "" {
		cfg.DefaultTransactionType = "expense"
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	lower := make([]string, len(cfg.Categories))
	for i, c := range cfg.Categories {
		lower[i] = strings.ToLower(c)
	}
	return &Extractor{
		categories:      cfg.Categories,
		categoriesLower: lower,
		txnType:         cfg.DefaultTransactionType,
		clock:           cfg.Clock,
	}
}

// Extract pulls every recognizable slot from the utterance.
//
// # Description
//
// Extraction is independent of intent: the extractor does not know or care
// what the router decided. Every utterance gets a timeframe (month-to-date
// when nothing explicit matches) and a transaction type; the remaining slots
// appear only when their pattern fires. The result still carries raw values —
// callers run Normalize before handing slots downstream.
//
// # Inputs
//
//   - utterance: Raw query text.
//
// # Outputs
//
//   - Slots: Extracted parameters. Never nil.
func (e *Extractor) Extract(utterance string) Slots {
	out := Slots{}

	e.extractTopN(utterance, out)
	e.extractTimeframe(utterance, out)
	e.extractCategory(utterance, out)
	e.extractMerchant(utterance, out)
	e.extractAmounts(utterance, out)

	out[SlotTransactionType] = e.txnType

	for slot := range out {
		slotExtractedTotal.WithLabelValues(slot).Inc()
	}
	return out
}

// extractTopN parses "top N" / "number N" / "#N", clamped to [1, 10].
func (e *Extractor) extractTopN(utterance string, out Slots) {
	if m := topNPattern.FindStringSubmatch(utterance); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			out[SlotTopN] = clampTopN(n)
			return
		}
	}
	// Bare "top" ("what's my top category") implies the single best item.
	if bareTopPattern.MatchString(utterance) {
		out[SlotTopN] = 1
	}
}

// extractTimeframe resolves relative and explicit date ranges.
//
// Precedence: explicit ranges ("from X to Y", "since X") beat relative
// phrases, which beat the month-to-date default. All dates are computed from
// the injected clock so tests are day-independent.
func (e *Extractor) extractTimeframe(utterance string, out Slots) {
	now := e.clock()

	if m := fromToPattern.FindStringSubmatch(utterance); m != nil {
		start, errStart := dateparse.ParseAny(m[1])
		end, errEnd := dateparse.ParseAny(m[2])
		if errStart == nil && errEnd == nil && !end.Before(start) {
			setTimeframe(out, start, end, GranularityDay)
			return
		}
	}

	if m := sincePattern.FindStringSubmatch(utterance); m != nil {
		if start, err := dateparse.ParseAny(m[1]); err == nil {
			setTimeframe(out, start, now, GranularityDay)
			return
		}
	}

	if m := lastNDaysPattern.FindStringSubmatch(utterance); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			setTimeframe(out, now.AddDate(0, 0, -n), now, GranularityDay)
			return
		}
	}

	if lastMonthPattern.MatchString(utterance) {
		firstOfThis := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		firstOfLast := firstOfThis.AddDate(0, -1, 0)
		lastOfLast := firstOfThis.AddDate(0, 0, -1)
		setTimeframe(out, firstOfLast, lastOfLast, GranularityMonth)
		return
	}

	if thisMonthPattern.MatchString(utterance) {
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		last := first.AddDate(0, 1, -1)
		setTimeframe(out, first, last, GranularityMonth)
		return
	}

	// Default: month-to-date.
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	setTimeframe(out, first, now, GranularityMonth)
}

// extractCategory scans the vocabulary for a case-insensitive substring hit.
func (e *Extractor) extractCategory(utterance string, out Slots) {
	lower := strings.ToLower(utterance)
	for i, c := range e.categoriesLower {
		if strings.Contains(lower, c) {
			out[SlotCategory] = e.categories[i]
			return
		}
	}
}

// extractMerchant captures a capitalized phrase after "at"/"from" or before
// "store". A "from <phrase>" capture that parses as a date is discarded — it
// belongs to the timeframe ("from Jan 1 to ..."), not to a merchant.
func (e *Extractor) extractMerchant(utterance string, out Slots) {
	if m := merchantAtFromPattern.FindStringSubmatch(utterance); m != nil {
		candidate := strings.TrimSpace(m[1])
		if _, err := dateparse.ParseAny(candidate); err != nil {
			out[SlotMerchant] = candidate
			return
		}
	}
	if m := merchantStorePattern.FindStringSubmatch(utterance); m != nil {
		out[SlotMerchant] = strings.TrimSpace(m[1])
	}
}

// extractAmounts parses "over/above/more than $X" and "under/below/less than $X".
func (e *Extractor) extractAmounts(utterance string, out Slots) {
	if m := amountMinPattern.FindStringSubmatch(utterance); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			out[SlotAmountMin] = v
		}
	}
	if m := amountMaxPattern.FindStringSubmatch(utterance); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			out[SlotAmountMax] = v
		}
	}
}

// =============================================================================
// Helpers
// =============================================================================

// clampTopN bounds the requested ranking size to [1, 10]. The downstream
// query layer renders top-N lists; an unbounded N is a query amplification
// vector, not a feature.
func clampTopN(n int) int {
	if n < 1 {
		return 1
	}
	if n > 10 {
		return 10
	}
	return n
}

// setTimeframe writes the three timeframe slots in the wire date format.
func setTimeframe(out Slots, start, end time.Time, granularity string) {
	out[SlotStartDate] = start.Format(dateLayout)
	out[SlotEndDate] = end.Format(dateLayout)
	out[SlotGranularity] = granularity
}

// String renders the slots compactly for log lines.
func (s Slots) String() string {
	return fmt.Sprintf("%v", map[string]any(s))
}
