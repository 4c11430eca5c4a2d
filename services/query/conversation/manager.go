// Copyright (C) 2025 Pocketsage Labs (oss@pocketsage.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	conversationTurnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pocketsage",
		Subsystem: "conversation",
		Name:      "turns_total",
		Help:      "Messages appended across all conversations",
	})

	componentEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pocketsage",
		Subsystem: "conversation",
		Name:      "component_evictions_total",
		Help:      "Embedded components evicted from the focus window",
	})

	persistFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pocketsage",
		Subsystem: "conversation",
		Name:      "persist_failures_total",
		Help:      "Best-effort persistence failures by record",
	}, []string{"record"})
)

// =============================================================================
// Manager
// =============================================================================

// auxMemory is the third persisted record: conversation identity and
// lifecycle timestamps, kept separate from context and history so a restore
// can cheaply check whether a conversation exists at all.
type auxMemory struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Manager owns the state of one logical conversation.
//
// # Description
//
// The manager is a small state machine: no conversation → active (on
// StartNewConversation or the first AddMessage) → active (every subsequent
// message or context update, persisted each time) → no conversation (on
// Clear). Persistence is best-effort: a failed write is logged and counted,
// and the conversation keeps operating in-memory for the rest of the process
// lifetime.
//
// # Thread Safety
//
// Safe for concurrent use. One mutex serializes all state access; callers
// that need multiple logical conversations run one Manager per conversation.
type Manager struct {
	mu   sync.Mutex
	conv *Conversation

	store  KVStore // nil = in-memory only
	lookup Lookup  // nil disables referential name resolution
	window int     // embedded-components window capacity
	logger *slog.Logger
	clock  func() time.Time
	newID  func() string
}

// ManagerParams bundles the constructor inputs.
type ManagerParams struct {
	// Store persists the conversation. Nil runs in-memory only.
	Store KVStore

	// Lookup resolves ids to display names for follow-up substitution.
	// Nil disables category/budget name resolution.
	Lookup Lookup

	// FocusWindow caps the embedded-components window. Zero or negative
	// uses the default of five.
	FocusWindow int

	// Logger may be nil.
	Logger *slog.Logger

	// Clock and NewID exist for tests; nil uses time.Now and uuid.NewString.
	Clock func() time.Time
	NewID func() string
}

// NewManager creates a manager with no active conversation.
func NewManager(p ManagerParams) *Manager {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}
	if p.NewID == nil {
		p.NewID = uuid.NewString
	}
	if p.FocusWindow <= 0 {
		p.FocusWindow = defaultFocusWindow
	}
	return &Manager{
		store:  p.Store,
		lookup: p.Lookup,
		window: p.FocusWindow,
		logger: p.Logger,
		clock:  p.Clock,
		newID:  p.NewID,
	}
}

// StartNewConversation creates an empty active conversation, replacing any
// current one, and persists it immediately.
//
// # Outputs
//
//   - string: The new conversation id.
func (m *Manager) StartNewConversation(ctx context.Context) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(ctx)
}

// startLocked creates and persists a fresh conversation. Caller holds mu.
func (m *Manager) startLocked(ctx context.Context) string {
	now := m.clock()
	m.conv = &Conversation{
		ID:        m.newID(),
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.persistLocked(ctx)
	m.logger.Info("conversation: started", slog.String("conversation_id", m.conv.ID))
	return m.conv.ID
}

// AddMessage appends a message, lazily starting a conversation if none is
// active.
//
// # Description
//
// Messages are appended in call order, never reordered. A message carrying an
// embedded result payload also updates the context: the payload's budget id,
// category ids, and timeframe fold into the focus fields, and the payload
// itself joins the embedded-components window (FIFO, oldest evicted beyond
// the configured capacity). Context and history persist together after every
// call.
//
// # Inputs
//
//   - ctx: Context for the persistence writes.
//   - msg: The message. A zero ID or Timestamp is filled in.
//
// # Outputs
//
//   - Message: The stored message, with ID and Timestamp populated.
func (m *Manager) AddMessage(ctx context.Context, msg Message) Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conv == nil {
		m.startLocked(ctx)
	}

	if msg.ID == "" {
		msg.ID = m.newID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.clock()
	}

	m.conv.Messages = append(m.conv.Messages, msg)
	m.conv.UpdatedAt = m.clock()
	conversationTurnsTotal.Inc()

	if msg.EmbeddedData != nil {
		m.foldComponentLocked(*msg.EmbeddedData)
	}

	m.persistLocked(ctx)
	return msg
}

// foldComponentLocked merges an embedded result payload into the context
// focus fields and the FIFO window. Caller holds mu.
func (m *Manager) foldComponentLocked(comp EmbeddedComponent) {
	cctx := &m.conv.Context

	if comp.BudgetID != "" {
		cctx.FocusedBudgets = appendUnique(cctx.FocusedBudgets, comp.BudgetID)
	}
	for _, id := range comp.CategoryIDs {
		cctx.FocusedCategories = appendUnique(cctx.FocusedCategories, id)
	}
	if comp.Timeframe != nil {
		tf := *comp.Timeframe
		cctx.Timeframe = &tf
	}

	cctx.EmbeddedComponents = append(cctx.EmbeddedComponents, comp)
	for len(cctx.EmbeddedComponents) > m.window {
		cctx.EmbeddedComponents = cctx.EmbeddedComponents[1:]
		componentEvictionsTotal.Inc()
	}
}

// UpdateContext shallow-merges the partial update into the current context
// and persists. Starts a conversation lazily if none is active.
func (m *Manager) UpdateContext(ctx context.Context, update ContextUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conv == nil {
		m.startLocked(ctx)
	}

	cctx := &m.conv.Context
	if update.FocusedBudgets != nil {
		cctx.FocusedBudgets = update.FocusedBudgets
	}
	if update.FocusedCategories != nil {
		cctx.FocusedCategories = update.FocusedCategories
	}
	if update.Timeframe != nil {
		tf := *update.Timeframe
		cctx.Timeframe = &tf
	}
	if update.LastQueryType != "" {
		cctx.LastQueryType = update.LastQueryType
	}

	m.conv.UpdatedAt = m.clock()
	m.persistLocked(ctx)
}

// Context returns a copy of the active context, or nil when no conversation
// is active.
func (m *Manager) Context() *ConversationContext {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conv == nil {
		return nil
	}
	return copyContext(&m.conv.Context)
}

// History returns the message history in append order. Empty, never nil,
// when no conversation is active.
func (m *Manager) History() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conv == nil {
		return []Message{}
	}
	out := make([]Message, len(m.conv.Messages))
	copy(out, m.conv.Messages)
	return out
}

// ConversationID returns the active conversation id, or "" when none.
func (m *Manager) ConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conv == nil {
		return ""
	}
	return m.conv.ID
}

// Clear discards in-memory state and removes the persisted records, context
// first, then history, then the auxiliary memory. Idempotent: clearing with
// no active conversation still removes any persisted leftovers.
func (m *Manager) Clear(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.conv = nil

	if m.store == nil {
		return
	}
	// Removal order matters for crash consistency: a context without history
	// is useless, but history without context is recoverable. Removing the
	// context first means a partial clear never leaves a dangling context.
	for _, key := range []string{keyContext, keyHistory, keyMemory} {
		if err := m.store.Remove(ctx, key); err != nil {
			m.logger.Warn("conversation: failed to remove persisted record",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			persistFailuresTotal.WithLabelValues("remove").Inc()
		}
	}
	m.logger.Info("conversation: cleared")
}

// Restore loads the persisted conversation, if any, into memory. Called once
// at startup; a missing record means no conversation was active.
//
// # Outputs
//
//   - bool: Whether a conversation was restored.
//   - error: Non-nil on storage or decode failure.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	if m.store == nil {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rawMem, found, err := m.store.Get(ctx, keyMemory)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	var mem auxMemory
	if err := json.Unmarshal([]byte(rawMem), &mem); err != nil {
		return false, err
	}

	conv := &Conversation{
		ID:        mem.ID,
		Messages:  []Message{},
		CreatedAt: mem.CreatedAt,
		UpdatedAt: mem.UpdatedAt,
	}

	if raw, found, err := m.store.Get(ctx, keyContext); err != nil {
		return false, err
	} else if found {
		if err := json.Unmarshal([]byte(raw), &conv.Context); err != nil {
			return false, err
		}
	}

	if raw, found, err := m.store.Get(ctx, keyHistory); err != nil {
		return false, err
	} else if found {
		if err := json.Unmarshal([]byte(raw), &conv.Messages); err != nil {
			return false, err
		}
	}

	m.conv = conv
	m.logger.Info("conversation: restored",
		slog.String("conversation_id", conv.ID),
		slog.Int("message_count", len(conv.Messages)),
	)
	return true, nil
}

// persistLocked writes context, history, and auxiliary memory. Best-effort:
// failures are logged and counted, never propagated — the conversation keeps
// working in-memory. Caller holds mu.
func (m *Manager) persistLocked(ctx context.Context) {
	if m.store == nil || m.conv == nil {
		return
	}

	records := []struct {
		key   string
		value any
	}{
		{keyContext, m.conv.Context},
		{keyHistory, m.conv.Messages},
		{keyMemory, auxMemory{ID: m.conv.ID, CreatedAt: m.conv.CreatedAt, UpdatedAt: m.conv.UpdatedAt}},
	}

	for _, rec := range records {
		raw, err := json.Marshal(rec.value)
		if err != nil {
			m.logger.Warn("conversation: failed to encode record",
				slog.String("key", rec.key),
				slog.String("error", err.Error()),
			)
			persistFailuresTotal.WithLabelValues("encode").Inc()
			continue
		}
		if err := m.store.Set(ctx, rec.key, string(raw)); err != nil {
			m.logger.Warn("conversation: failed to persist record",
				slog.String("key", rec.key),
				slog.String("error", err.Error()),
			)
			persistFailuresTotal.WithLabelValues("write").Inc()
		}
	}
}

// =============================================================================
// Helpers
// =============================================================================

// copyContext deep-copies a context so callers cannot mutate manager state.
func copyContext(src *ConversationContext) *ConversationContext {
	out := &ConversationContext{
		LastQueryType: src.LastQueryType,
	}
	if src.FocusedBudgets != nil {
		out.FocusedBudgets = append([]string{}, src.FocusedBudgets...)
	}
	if src.FocusedCategories != nil {
		out.FocusedCategories = append([]string{}, src.FocusedCategories...)
	}
	if src.Timeframe != nil {
		tf := *src.Timeframe
		out.Timeframe = &tf
	}
	if src.EmbeddedComponents != nil {
		out.EmbeddedComponents = append([]EmbeddedComponent{}, src.EmbeddedComponents...)
	}
	return out
}

// appendUnique appends v unless already present.
func appendUnique(xs []string, v string) []string {
	for _, x := range xs {
		if x == v {
			return xs
		}
	}
	return append(xs, v)
}
