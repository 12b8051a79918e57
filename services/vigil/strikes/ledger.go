// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package strikes holds the authoritative strike counter.
//
// The counter only moves two ways: Escalate (one step up, saturating at
// MaxStrikes) and MaybeReset (back to zero). Acknowledging an intervention
// never touches it.
package strikes

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MaxStrikes is the saturation point of the counter.
const MaxStrikes = 3

// Snapshot is a point-in-time copy of the ledger.
type Snapshot struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
}

// Store persists ledger snapshots. Implemented by the badger state store.
type Store interface {
	SaveLedger(Snapshot) error
}

// Ledger is the process-wide strike counter.
//
// # Description
//
// Mutex-guarded; callers only see Snapshot copies. When a Store is attached
// every mutation is written through. A failed write is logged and the
// in-memory value stays authoritative.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Escalate and MaybeReset are
// serialized through the same mutex, so a Manager escalation and a
// Compaction reset never interleave.
type Ledger struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	store       Store
	logger      *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStore attaches write-through persistence.
func WithStore(store Store) Option {
	return func(l *Ledger) { l.store = store }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLedger returns a ledger at count 0 with windowStart = now.
func NewLedger(now time.Time, opts ...Option) *Ledger {
	l := &Ledger{
		windowStart: now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Escalate increments the counter, saturating at MaxStrikes.
//
// # Outputs
//
//   - Snapshot: The ledger after the increment. Count is the strike the new
//     intervention is created with.
func (l *Ledger) Escalate() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count < MaxStrikes {
		l.count++
	}
	snap := l.snapshotLocked()
	l.persistLocked(snap, "escalate")

	l.logger.Info("strike escalated", "count", snap.Count)
	return snap
}

// MaybeReset zeroes the counter if it is within range.
//
// # Description
//
// A reset applies when 0 < count <= MaxStrikes: count becomes 0 and
// windowStart becomes now. A ledger already at zero is left alone, so a
// second call right after a reset changes nothing until the next Escalate.
// A count above MaxStrikes can only come from a restored snapshot written
// by an older build; such a ledger is never reset here.
//
// # Inputs
//
//   - now: The compaction tick time.
//
// # Outputs
//
//   - Snapshot: The ledger after the call.
//   - bool: true if the reset was applied.
func (l *Ledger) MaybeReset(now time.Time) (Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count == 0 || l.count > MaxStrikes {
		return l.snapshotLocked(), false
	}

	previous := l.count
	l.count = 0
	l.windowStart = now
	snap := l.snapshotLocked()
	l.persistLocked(snap, "reset")

	l.logger.Info("strike ledger reset", "previous_count", previous, "window_start", now)
	return snap, true
}

// Snapshot returns the current ledger state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Restore replaces the in-memory state with a persisted snapshot.
//
// # Description
//
// Used once at startup before any loop runs. The count is taken as stored,
// without clamping. It is not written back to the store.
//
// # Outputs
//
//   - error: Non-nil for a negative count.
func (l *Ledger) Restore(snap Snapshot) error {
	if snap.Count < 0 {
		return fmt.Errorf("restore ledger: negative count %d", snap.Count)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.count = snap.Count
	if !snap.WindowStart.IsZero() {
		l.windowStart = snap.WindowStart
	}
	return nil
}

func (l *Ledger) snapshotLocked() Snapshot {
	return Snapshot{Count: l.count, WindowStart: l.windowStart}
}

func (l *Ledger) persistLocked(snap Snapshot, op string) {
	if l.store == nil {
		return
	}
	if err := l.store.SaveLedger(snap); err != nil {
		l.logger.Warn("failed to persist strike ledger", "op", op, "error", err)
	}
}
