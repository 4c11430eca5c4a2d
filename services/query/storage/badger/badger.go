// Copyright (C) 2025 Pocketsage Labs (oss@pocketsage.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package badger wraps a BadgerDB instance behind a small transactional API.
//
// The query core uses BadgerDB for two things: the example-embedding vector
// cache and the conversation key-value records. Both are service
// infrastructure, not user-facing data stores — an embedded KV database with
// no network dependency is the right weight for them.
package badger

import (
	"context"
	"fmt"
	"log/slog"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// Config controls how the database is opened.
type Config struct {
	// Dir is the on-disk directory for the database. Ignored when InMemory.
	Dir string

	// InMemory opens a purely in-memory database. Used by tests and by the
	// CLI's offline mode; nothing survives Close().
	InMemory bool

	// Logger receives open/close diagnostics. May be nil.
	Logger *slog.Logger
}

// InMemoryConfig returns a Config for an in-memory database.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// DB wraps a BadgerDB handle with context-aware transaction helpers.
//
// # Thread Safety
//
// Safe for concurrent use. BadgerDB transactions are per-goroutine.
type DB struct {
	db     *dgbadger.DB
	logger *slog.Logger
}

// OpenDB opens (or creates) a BadgerDB instance.
//
// # Inputs
//
//   - cfg: Open configuration. Dir must be non-empty unless InMemory is set.
//
// # Outputs
//
//   - *DB: Opened database. The caller owns the lifecycle and must Close().
//   - error: Non-nil if the directory cannot be opened.
func OpenDB(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, fmt.Errorf("badger: Dir must be set for on-disk databases")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := dgbadger.DefaultOptions(cfg.Dir).
		WithInMemory(cfg.InMemory).
		WithLogger(nil) // suppress BadgerDB internal logs; we log at this layer
	if cfg.InMemory {
		opts.Dir = ""
		opts.ValueDir = ""
	}

	db, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open %q: %w", cfg.Dir, err)
	}

	logger.Debug("badger: opened",
		slog.String("dir", cfg.Dir),
		slog.Bool("in_memory", cfg.InMemory),
	)
	return &DB{db: db, logger: logger}, nil
}

// WithTxn runs fn inside a read-write transaction.
//
// The context is checked before the transaction starts; BadgerDB itself does
// not observe contexts, so long-running fns should check ctx themselves.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(fn)
}

// WithReadTxn runs fn inside a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.View(fn)
}

// Close flushes and closes the underlying database.
func (d *DB) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("badger: close: %w", err)
	}
	return nil
}
