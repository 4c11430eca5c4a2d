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
	"fmt"

	dgbadger "github.com/dgraph-io/badger/v4"

	badgerstore "github.com/pocketsage/pocketsage/services/query/storage/badger"
)

// The manager persists exactly three records.
const (
	keyContext = "query/conv/v1/context"
	keyHistory = "query/conv/v1/history"
	keyMemory  = "query/conv/v1/memory"
)

// KVStore is the persistence contract the manager writes through. A string
// value store is all the conversation layer needs; the manager owns the JSON
// encoding of what goes in.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type KVStore interface {
	// Get returns the value and whether the key exists. A missing key is
	// (zero, false, nil), not an error.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes the value, overwriting any previous one.
	Set(ctx context.Context, key, value string) error

	// Remove deletes the key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
}

// BadgerKVStore implements KVStore over the shared BadgerDB wrapper.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerKVStore struct {
	db *badgerstore.DB
}

// NewBadgerKVStore creates a store backed by the given DB. The caller owns
// the DB lifecycle.
func NewBadgerKVStore(db *badgerstore.DB) *BadgerKVStore {
	if db == nil {
		panic("NewBadgerKVStore: db must not be nil")
	}
	return &BadgerKVStore{db: db}
}

// Get returns the value for key, reporting absence distinctly from failure.
func (s *BadgerKVStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	found := false
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get %q: %w", key, err)
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("copy %q: %w", key, err)
		}
		value = string(raw)
		found = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return value, found, nil
}

// Set writes the value.
func (s *BadgerKVStore) Set(ctx context.Context, key, value string) error {
	return s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
}

// Remove deletes the key; deleting a missing key succeeds.
func (s *BadgerKVStore) Remove(ctx context.Context, key string) error {
	return s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Delete([]byte(key))
	})
}
