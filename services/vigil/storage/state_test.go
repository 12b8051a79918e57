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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/Vigil/services/vigil/intervention"
	"github.com/AleutianAI/Vigil/services/vigil/strikes"
	"github.com/AleutianAI/Vigil/services/vigil/tasks"
)

func openMemory(t *testing.T) *StateStore {
	t.Helper()
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStateStore(db)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestStateStore_EmptyLoads(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	_, ok, err := s.LoadLedger(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.LoadPending(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.LoadTasks(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.LoadBalance(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStateStore_LedgerRoundTrip(t *testing.T) {
	s := openMemory(t)
	window := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

	require.NoError(t, s.SaveLedger(strikes.Snapshot{Count: 2, WindowStart: window}))

	snap, ok, err := s.LoadLedger(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, snap.Count)
	assert.True(t, window.Equal(snap.WindowStart))
}

func TestStateStore_PendingOverwrite(t *testing.T) {
	s := openMemory(t)
	p := intervention.Pending{
		ID:             "iv-1",
		Message:        "close the video tab",
		StrikeSnapshot: 2,
		Mood:           intervention.MoodSad,
		Penalty:        &intervention.Penalty{Amount: 10, BalanceBefore: 95, BalanceAfter: 85},
	}
	require.NoError(t, s.SavePending(p))

	p.Acknowledged = true
	require.NoError(t, s.SavePending(p))

	got, ok, err := s.LoadPending(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Acknowledged)
	require.NotNil(t, got.Penalty)
	assert.Equal(t, 85.0, got.Penalty.BalanceAfter)
}

func TestStateStore_TasksAndBalance(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTasks([]tasks.Task{{ID: "a", Text: "one", Done: true}}))
	require.NoError(t, s.SaveBalance(42.5))

	items, ok, err := s.LoadTasks(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []tasks.Task{{ID: "a", Text: "one", Done: true}}, items)

	balance, ok, err := s.LoadBalance(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 42.5, balance)
}

func TestStateStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)

	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, NewStateStore(db).SaveLedger(strikes.Snapshot{Count: 3}))
	require.NoError(t, db.Close())

	db, err = Open(cfg)
	require.NoError(t, err)
	defer db.Close()

	snap, ok, err := NewStateStore(db).LoadLedger(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, snap.Count)
}

func TestStateStore_CancelledContext(t *testing.T) {
	s := openMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := s.LoadLedger(ctx)
	assert.Error(t, err)
}

func TestDB_RunGCStopsOnCancel(t *testing.T) {
	db, err := Open(Config{Path: t.TempDir(), GCInterval: time.Millisecond, GCDiscardRatio: 0.5})
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, db.RunGC(ctx))
}

func TestStateStore_SatisfiesStores(t *testing.T) {
	var _ strikes.Store = (*StateStore)(nil)
	var _ tasks.Store = (*StateStore)(nil)
}
