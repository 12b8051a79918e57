// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guard

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuard_TryAcquireRelease(t *testing.T) {
	g := New()

	assert.False(t, g.Busy())
	assert.True(t, g.TryAcquire())
	assert.True(t, g.Busy())
	assert.False(t, g.TryAcquire(), "second acquire must fail while busy")

	g.Release()
	assert.False(t, g.Busy())
	assert.True(t, g.TryAcquire())
}

func TestGuard_ReleaseIdleIsNoop(t *testing.T) {
	g := New()
	g.Release()
	assert.False(t, g.Busy())
}

func TestGuard_GenerationsAreMonotonic(t *testing.T) {
	g := New()
	assert.Equal(t, uint64(0), g.Current())

	first := g.Next()
	second := g.Next()

	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(2), second)
	assert.False(t, g.IsCurrent(first))
	assert.True(t, g.IsCurrent(second))
}

func TestGuard_GenerationIndependentOfBusy(t *testing.T) {
	g := New()
	gen := g.Next()

	g.TryAcquire()
	g.Release()

	assert.True(t, g.IsCurrent(gen), "acquire and release do not advance the generation")
}

func TestGuard_ConcurrentAcquireSingleWinner(t *testing.T) {
	g := New()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryAcquire() {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestGuard_ConcurrentNextUnique(t *testing.T) {
	g := New()

	const n = 100
	seen := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- g.Next()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]bool)
	for gen := range seen {
		assert.False(t, unique[gen], "duplicate generation %d", gen)
		unique[gen] = true
	}
	assert.Len(t, unique, n)
	assert.Equal(t, uint64(n), g.Current())
}
