// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/Vigil/services/vigil/intervention"
	"github.com/AleutianAI/Vigil/services/vigil/strikes"
	"github.com/AleutianAI/Vigil/services/vigil/tasks"
)

const (
	keyLedger  = "vigil/ledger"
	keyPending = "vigil/pending"
	keyTasks   = "vigil/tasks"
	keyBalance = "vigil/balance"
)

// writeTimeout bounds write-through saves, which carry no caller context.
const writeTimeout = 5 * time.Second

// StateStore is the durable enforcement state.
//
// It satisfies strikes.Store, tasks.Store and incentives.Store.
type StateStore struct {
	db *DB
}

// NewStateStore wraps db.
func NewStateStore(db *DB) *StateStore {
	return &StateStore{db: db}
}

// SaveLedger writes the ledger snapshot.
func (s *StateStore) SaveLedger(snap strikes.Snapshot) error {
	return s.put(keyLedger, snap)
}

// LoadLedger reads the ledger snapshot.
//
// # Outputs
//
//   - strikes.Snapshot: The stored snapshot.
//   - bool: false if nothing was stored.
//   - error: Non-nil on read or decode failure.
func (s *StateStore) LoadLedger(ctx context.Context) (strikes.Snapshot, bool, error) {
	var snap strikes.Snapshot
	ok, err := s.get(ctx, keyLedger, &snap)
	return snap, ok, err
}

// SavePending writes the intervention record, acknowledged or not.
func (s *StateStore) SavePending(p intervention.Pending) error {
	return s.put(keyPending, p)
}

// LoadPending reads the last intervention record.
func (s *StateStore) LoadPending(ctx context.Context) (intervention.Pending, bool, error) {
	var p intervention.Pending
	ok, err := s.get(ctx, keyPending, &p)
	return p, ok, err
}

// SaveTasks writes the task list.
func (s *StateStore) SaveTasks(items []tasks.Task) error {
	return s.put(keyTasks, items)
}

// LoadTasks reads the task list.
func (s *StateStore) LoadTasks(ctx context.Context) ([]tasks.Task, bool, error) {
	var items []tasks.Task
	ok, err := s.get(ctx, keyTasks, &items)
	return items, ok, err
}

// SaveBalance writes the balance.
func (s *StateStore) SaveBalance(balance float64) error {
	return s.put(keyBalance, balance)
}

// LoadBalance reads the balance.
func (s *StateStore) LoadBalance(ctx context.Context) (float64, bool, error) {
	var balance float64
	ok, err := s.get(ctx, keyBalance, &balance)
	return balance, ok, err
}

func (s *StateStore) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *StateStore) get(ctx context.Context, key string, out any) (bool, error) {
	var data []byte
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}
