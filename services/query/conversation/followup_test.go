// Copyright (C) 2025 Pocketsage Labs (oss@pocketsage.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeLookup serves a fixed catalogue.
type fakeLookup struct {
	categories []Category
	budgets    []Budget
	err        error
}

func (f *fakeLookup) AllCategories(context.Context) ([]Category, error) {
	return f.categories, f.err
}

func (f *fakeLookup) AllBudgets(context.Context) ([]Budget, error) {
	return f.budgets, f.err
}

func newFollowUpManager(t *testing.T, lookup Lookup) *Manager {
	t.Helper()
	return NewManager(ManagerParams{
		Lookup: lookup,
		Clock:  func() time.Time { return time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC) },
	})
}

// =============================================================================
// Transaction Reference Tests
// =============================================================================

func TestHandleFollowUp_ThoseTransactions(t *testing.T) {
	m := newFollowUpManager(t, nil)
	ctx := context.Background()

	m.AddMessage(ctx, Message{
		Role:         RoleAssistant,
		EmbeddedData: &EmbeddedComponent{Type: ComponentTransactionList, Title: "june txns", Data: "payload"},
	})

	res := m.HandleFollowUp(ctx, "can you categorize those transactions", nil)
	if !strings.Contains(res.ContextualQuery, "the previously shown transactions") {
		t.Errorf("expected substitution, got %q", res.ContextualQuery)
	}
	if res.ReferenceData == nil || res.ReferenceData.Title != "june txns" {
		t.Errorf("expected attached reference data, got %+v", res.ReferenceData)
	}
}

func TestHandleFollowUp_ReferencesMostRecentTransactionList(t *testing.T) {
	m := newFollowUpManager(t, nil)
	ctx := context.Background()

	m.AddMessage(ctx, Message{
		Role:         RoleAssistant,
		EmbeddedData: &EmbeddedComponent{Type: ComponentTransactionList, Title: "older"},
	})
	m.AddMessage(ctx, Message{
		Role:         RoleAssistant,
		EmbeddedData: &EmbeddedComponent{Type: ComponentCategoryChart, Title: "chart"},
	})
	m.AddMessage(ctx, Message{
		Role:         RoleAssistant,
		EmbeddedData: &EmbeddedComponent{Type: ComponentTransactionList, Title: "newer"},
	})

	res := m.HandleFollowUp(ctx, "export them", nil)
	if res.ReferenceData == nil || res.ReferenceData.Title != "newer" {
		t.Errorf("expected the most recent transaction list, got %+v", res.ReferenceData)
	}
}

func TestHandleFollowUp_NoTransactionListNoSubstitution(t *testing.T) {
	m := newFollowUpManager(t, nil)
	ctx := context.Background()

	m.AddMessage(ctx, Message{
		Role:         RoleAssistant,
		EmbeddedData: &EmbeddedComponent{Type: ComponentCategoryChart},
	})

	query := "show those transactions again"
	res := m.HandleFollowUp(ctx, query, nil)
	if res.ContextualQuery != query {
		t.Errorf("no transaction list in window: query must pass through, got %q", res.ContextualQuery)
	}
	if res.ReferenceData != nil {
		t.Errorf("expected no reference data, got %+v", res.ReferenceData)
	}
}

// =============================================================================
// Category / Budget Reference Tests
// =============================================================================

func TestHandleFollowUp_TheseCategories(t *testing.T) {
	lookup := &fakeLookup{categories: []Category{
		{ID: "c-1", Name: "Groceries"},
		{ID: "c-2", Name: "Dining"},
	}}
	m := newFollowUpManager(t, lookup)
	ctx := context.Background()

	m.UpdateContext(ctx, ContextUpdate{FocusedCategories: []string{"c-1", "c-2"}})

	res := m.HandleFollowUp(ctx, "compare these categories over time", nil)
	if !strings.Contains(res.ContextualQuery, "categories: Groceries, Dining") {
		t.Errorf("expected resolved category names, got %q", res.ContextualQuery)
	}
}

func TestHandleFollowUp_ThatBudget(t *testing.T) {
	lookup := &fakeLookup{budgets: []Budget{{ID: "b-1", Name: "Monthly Essentials"}}}
	m := newFollowUpManager(t, lookup)
	ctx := context.Background()

	m.UpdateContext(ctx, ContextUpdate{FocusedBudgets: []string{"b-1"}})

	res := m.HandleFollowUp(ctx, "how is that budget doing", nil)
	if !strings.Contains(res.ContextualQuery, "budget for Monthly Essentials") {
		t.Errorf("expected resolved budget name, got %q", res.ContextualQuery)
	}
}

func TestHandleFollowUp_LookupFailureLeavesQueryUnchanged(t *testing.T) {
	lookup := &fakeLookup{err: errors.New("database offline")}
	m := newFollowUpManager(t, lookup)
	ctx := context.Background()

	m.UpdateContext(ctx, ContextUpdate{FocusedCategories: []string{"c-1"}})

	query := "compare these categories"
	res := m.HandleFollowUp(ctx, query, nil)
	if res.ContextualQuery != query {
		t.Errorf("failed lookup must not substitute, got %q", res.ContextualQuery)
	}
}

// =============================================================================
// Pass-Through and Context Enhancement Tests
// =============================================================================

func TestHandleFollowUp_NoMarkersPassThrough(t *testing.T) {
	m := newFollowUpManager(t, nil)
	ctx := context.Background()

	query := "how much did I spend on groceries"
	res := m.HandleFollowUp(ctx, query, nil)
	if res.ContextualQuery != query {
		t.Errorf("query with no referential markers must pass through, got %q", res.ContextualQuery)
	}
}

func TestHandleFollowUp_EnhancedContextFoldsFocus(t *testing.T) {
	m := newFollowUpManager(t, nil)
	ctx := context.Background()

	m.UpdateContext(ctx, ContextUpdate{
		FocusedCategories: []string{"c-1"},
		Timeframe:         &Timeframe{Start: "2025-06-01", End: "2025-06-30"},
		LastQueryType:     "category",
	})

	res := m.HandleFollowUp(ctx, "anything", map[string]any{"userId": "u-1"})

	if res.EnhancedContext["userId"] != "u-1" {
		t.Error("external context lost")
	}
	if res.EnhancedContext["lastQueryType"] != "category" {
		t.Error("lastQueryType not folded")
	}
	if _, ok := res.EnhancedContext["timeframe"]; !ok {
		t.Error("timeframe not folded")
	}
	if _, ok := res.EnhancedContext["focusedCategories"]; !ok {
		t.Error("focused categories not folded")
	}
}

func TestHandleFollowUp_ExternalContextWinsCollisions(t *testing.T) {
	m := newFollowUpManager(t, nil)
	ctx := context.Background()

	m.UpdateContext(ctx, ContextUpdate{LastQueryType: "category"})

	res := m.HandleFollowUp(ctx, "anything", map[string]any{"lastQueryType": "override"})
	if res.EnhancedContext["lastQueryType"] != "override" {
		t.Errorf("caller-supplied key must win, got %v", res.EnhancedContext["lastQueryType"])
	}
}

func TestHandleFollowUp_NoConversation(t *testing.T) {
	m := newFollowUpManager(t, nil)

	res := m.HandleFollowUp(context.Background(), "show them", map[string]any{"k": "v"})
	if res.ContextualQuery != "show them" {
		t.Errorf("no conversation: query must pass through, got %q", res.ContextualQuery)
	}
	if res.EnhancedContext["k"] != "v" {
		t.Error("external context must survive with no conversation")
	}
}
