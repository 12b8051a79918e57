// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guard provides the single-flight gate and generation tokens that
// keep at most one intervention in flight.
package guard

import "sync"

// Guard is a single busy flag plus a monotonic generation counter.
//
// # Description
//
// The busy flag is held for the whole lifetime of an intervention session.
// Every asynchronous operation dispatched on behalf of the session captures
// the generation returned by Next; its completion calls IsCurrent and does
// nothing if a later Next (skip, acknowledge, a newer dispatch) has happened.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Fields are never exposed.
type Guard struct {
	mu         sync.Mutex
	busy       bool
	generation uint64
}

// New returns an idle Guard at generation 0.
func New() *Guard {
	return &Guard{}
}

// TryAcquire sets busy if it was clear.
//
// # Outputs
//
//   - bool: true if the caller now owns the guard, false if already busy.
func (g *Guard) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.busy {
		return false
	}
	g.busy = true
	return true
}

// Release clears busy. Releasing an idle guard is a no-op.
func (g *Guard) Release() {
	g.mu.Lock()
	g.busy = false
	g.mu.Unlock()
}

// Busy reports whether a session currently holds the guard.
func (g *Guard) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busy
}

// Next allocates a new generation and returns it. Every earlier generation
// becomes stale.
func (g *Guard) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.generation++
	return g.generation
}

// Current returns the latest generation without advancing it.
func (g *Guard) Current() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generation
}

// IsCurrent reports whether gen is still the latest generation.
func (g *Guard) IsCurrent(gen uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return gen == g.generation
}
