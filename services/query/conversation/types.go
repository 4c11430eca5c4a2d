// Copyright (C) 2025 Pocketsage Labs (oss@pocketsage.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package conversation owns per-conversation state: topic focus, message
// history, the recent-results window, and referential follow-up resolution.
package conversation

import (
	"context"
	"time"
)

// defaultFocusWindow caps the embedded-components history when the manager is
// not configured otherwise. Referential follow-ups ("those transactions")
// only ever reach back a handful of turns; a bounded window keeps persisted
// state small and eviction strictly FIFO.
const defaultFocusWindow = 5

// Component types carried in embedded result payloads.
const (
	ComponentTransactionList = "transaction_list"
	ComponentBudgetSummary   = "budget_summary"
	ComponentCategoryChart   = "category_chart"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Timeframe is a resolved date range in wire format (2006-01-02).
type Timeframe struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// EmbeddedComponent is a result payload attached to an assistant message: a
// rendered transaction list, budget summary, or chart. The context keeps a
// bounded window of the most recent (five by default) so follow-up queries
// can refer back to them.
type EmbeddedComponent struct {
	Type        string     `json:"type"`
	Title       string     `json:"title,omitempty"`
	BudgetID    string     `json:"budgetId,omitempty"`
	CategoryIDs []string   `json:"categoryIds,omitempty"`
	Timeframe   *Timeframe `json:"timeframe,omitempty"`
	Data        any        `json:"data,omitempty"`
}

// ConversationContext is the mutable per-conversation focus state.
//
// Exactly one context is active per conversation; the manager serializes all
// access to it.
type ConversationContext struct {
	FocusedBudgets     []string            `json:"focusedBudgets,omitempty"`
	FocusedCategories  []string            `json:"focusedCategories,omitempty"`
	Timeframe          *Timeframe          `json:"timeframe,omitempty"`
	LastQueryType      string              `json:"lastQueryType,omitempty"`
	EmbeddedComponents []EmbeddedComponent `json:"embeddedComponents,omitempty"`
}

// Message is one turn of the conversation.
type Message struct {
	ID           string             `json:"id"`
	Content      string             `json:"content"`
	Role         Role               `json:"role"`
	Timestamp    time.Time          `json:"timestamp"`
	Status       string             `json:"status,omitempty"`
	EmbeddedData *EmbeddedComponent `json:"embeddedData,omitempty"`
}

// Conversation is the full persisted record: history plus context plus
// lifecycle timestamps.
type Conversation struct {
	ID        string              `json:"id"`
	Messages  []Message           `json:"messages"`
	Context   ConversationContext `json:"context"`
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// ContextUpdate is a shallow partial update to the conversation context.
// Nil/empty fields mean "leave unchanged"; to clear a field, use Clear on the
// manager instead.
type ContextUpdate struct {
	FocusedBudgets    []string
	FocusedCategories []string
	Timeframe         *Timeframe
	LastQueryType     string
}

// Category is a spending category as known to the lookup collaborator.
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Budget is a budget as known to the lookup collaborator.
type Budget struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Lookup resolves category and budget ids to display names during
// referential substitution. Implemented by the application's data layer.
type Lookup interface {
	AllCategories(ctx context.Context) ([]Category, error)
	AllBudgets(ctx context.Context) ([]Budget, error)
}
