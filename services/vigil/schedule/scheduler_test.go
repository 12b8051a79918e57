// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AleutianAI/Vigil/pkg/logging"
)

const waitFor = 2 * time.Second

// =============================================================================
// Test fakes
// =============================================================================

type fakeProducers struct {
	busy     atomic.Bool
	observed chan struct{}
	managed  chan struct{}
	compacts chan struct{}
}

func newFakeProducers() *fakeProducers {
	return &fakeProducers{
		observed: make(chan struct{}, 16),
		managed:  make(chan struct{}, 16),
		compacts: make(chan struct{}, 16),
	}
}

func (f *fakeProducers) Observe(context.Context) { f.observed <- struct{}{} }
func (f *fakeProducers) Manage(context.Context)  { f.managed <- struct{}{} }
func (f *fakeProducers) Compact(context.Context) { f.compacts <- struct{}{} }
func (f *fakeProducers) ManagerBusy() bool       { return f.busy.Load() }

type countingRecorder struct {
	mu      sync.Mutex
	ticks   map[string]int
	dropped map[string]int
	jumps   map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		ticks:   make(map[string]int),
		dropped: make(map[string]int),
		jumps:   make(map[string]int),
	}
}

func (r *countingRecorder) Tick(loop string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks[loop]++
}

func (r *countingRecorder) Dropped(loop string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped[loop]++
}

func (r *countingRecorder) ClockJump(loop string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jumps[loop]++
}

func (r *countingRecorder) get(m map[string]int, loop string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return m[loop]
}

// scriptedIntervals returns the given delays in order, then repeats the last.
type scriptedIntervals struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *scriptedIntervals) Next() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.delays[0]
	if len(s.delays) > 1 {
		s.delays = s.delays[1:]
	}
	return d
}

func testConfig(intervals IntervalGenerator) Config {
	return Config{
		ObserverInterval:   30 * time.Second,
		CompactionInterval: 30 * time.Minute,
		ManagerIntervals:   intervals,
	}
}

func expect(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func expectNone(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(30 * time.Millisecond):
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestScheduler_StartTwice(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := NewManualClock(start)
	s := New(clock, testConfig(FixedInterval(2*time.Minute)), newFakeProducers(), WithLogger(logging.Discard()))

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)
	assert.True(t, s.Running())

	s.Stop()
	s.Stop()
	assert.False(t, s.Running())
}

func TestScheduler_ObserverSuspendedWhileCaptureInactive(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := NewManualClock(start)
	producers := newFakeProducers()
	s := New(clock, testConfig(FixedInterval(2*time.Minute)), producers, WithLogger(logging.Discard()))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	// manager + compaction only
	require.True(t, clock.WaitForTimers(2, waitFor))
	clock.Advance(31 * time.Second)
	expectNone(t, producers.observed, "observe while capture inactive")

	s.SetCaptureActive(true)
	require.True(t, clock.WaitForTimers(3, waitFor))
	clock.Advance(30 * time.Second)
	expect(t, producers.observed, "observe after capture resumed")

	// re-armed
	require.True(t, clock.WaitForTimers(3, waitFor))
	s.SetCaptureActive(false)
	require.Eventually(t, func() bool { return clock.Pending() == 2 }, waitFor, time.Millisecond)
	clock.Advance(30 * time.Second)
	expectNone(t, producers.observed, "observe after capture suspended")
	assert.False(t, s.CaptureActive())
}

func TestScheduler_ManagerRearmsWithGeneratedInterval(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := NewManualClock(start)
	producers := newFakeProducers()
	intervals := &scriptedIntervals{delays: []time.Duration{115 * time.Second, 125 * time.Second}}
	s := New(clock, testConfig(intervals), producers, WithLogger(logging.Discard()))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.True(t, clock.WaitForTimers(2, waitFor))
	assert.Equal(t, []time.Duration{115 * time.Second, 30 * time.Minute}, clock.PendingDurations())

	clock.Advance(115 * time.Second)
	expect(t, producers.managed, "first manager cycle")

	require.True(t, clock.WaitForTimers(2, waitFor))
	assert.Equal(t, 125*time.Second, clock.PendingDurations()[0])

	clock.Advance(124 * time.Second)
	expectNone(t, producers.managed, "manager before its interval")
	clock.Advance(time.Second)
	expect(t, producers.managed, "second manager cycle")
}

func TestScheduler_ManagerBusyTickIsDroppedAndRearmed(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := NewManualClock(start)
	producers := newFakeProducers()
	recorder := newCountingRecorder()
	s := New(clock, testConfig(FixedInterval(2*time.Minute)), producers,
		WithLogger(logging.Discard()), WithRecorder(recorder))

	producers.busy.Store(true)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	for i := 0; i < 3; i++ {
		require.True(t, clock.WaitForTimers(2, waitFor))
		clock.Advance(2 * time.Minute)
		require.Eventually(t, func() bool {
			return recorder.get(recorder.dropped, LoopManager) == i+1
		}, waitFor, time.Millisecond)
	}
	expectNone(t, producers.managed, "manage while busy")

	producers.busy.Store(false)
	require.True(t, clock.WaitForTimers(2, waitFor))
	clock.Advance(2 * time.Minute)
	expect(t, producers.managed, "manage after release")
	assert.Equal(t, 4, recorder.get(recorder.ticks, LoopManager))
}

func TestScheduler_CompactionNeverSuspended(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := NewManualClock(start)
	producers := newFakeProducers()
	producers.busy.Store(true)
	s := New(clock, testConfig(FixedInterval(time.Hour)), producers, WithLogger(logging.Discard()))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.True(t, clock.WaitForTimers(2, waitFor))
	clock.Advance(30 * time.Minute)
	expect(t, producers.compacts, "compaction while busy and capture inactive")
}

func TestScheduler_NothingFiresAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := NewManualClock(start)
	producers := newFakeProducers()
	s := New(clock, testConfig(FixedInterval(2*time.Minute)), producers, WithLogger(logging.Discard()))
	s.SetCaptureActive(true)

	require.NoError(t, s.Start(context.Background()))
	require.True(t, clock.WaitForTimers(3, waitFor))

	s.Stop()
	assert.Equal(t, 0, clock.Pending(), "stop disarms every timer")

	clock.Advance(time.Hour)
	expectNone(t, producers.observed, "observe after stop")
	expectNone(t, producers.managed, "manage after stop")
	expectNone(t, producers.compacts, "compact after stop")
}

func TestScheduler_ParentContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := NewManualClock(start)
	s := New(clock, testConfig(FixedInterval(2*time.Minute)), newFakeProducers(), WithLogger(logging.Discard()))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	require.True(t, clock.WaitForTimers(2, waitFor))

	cancel()
	require.Eventually(t, func() bool { return clock.Pending() == 0 }, waitFor, time.Millisecond)
	s.Stop()
}

func TestScheduler_RestartAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := NewManualClock(start)
	producers := newFakeProducers()
	s := New(clock, testConfig(FixedInterval(2*time.Minute)), producers, WithLogger(logging.Discard()))

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.True(t, clock.WaitForTimers(2, waitFor))
	clock.Advance(2 * time.Minute)
	expect(t, producers.managed, "manage after restart")
}

func TestScheduler_ClockJumpReported(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := NewManualClock(start)
	producers := newFakeProducers()
	recorder := newCountingRecorder()
	s := New(clock, testConfig(FixedInterval(2*time.Minute)), producers,
		WithLogger(logging.Discard()),
		WithRecorder(recorder),
		WithJumpDetector(NewJumpDetector(time.Minute, logging.Discard())))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.True(t, clock.WaitForTimers(2, waitFor))
	clock.Advance(10 * time.Minute)
	expect(t, producers.managed, "manage after jump")
	assert.Equal(t, 1, recorder.get(recorder.jumps, LoopManager))
}

func TestNew_AppliesDefaults(t *testing.T) {
	s := New(nil, Config{}, newFakeProducers())
	cfg := s.Config()
	assert.Equal(t, 30*time.Second, cfg.ObserverInterval)
	assert.Equal(t, 30*time.Minute, cfg.CompactionInterval)
	require.NotNil(t, cfg.ManagerIntervals)

	d := cfg.ManagerIntervals.Next()
	assert.GreaterOrEqual(t, d, 115*time.Second)
	assert.LessOrEqual(t, d, 125*time.Second)
}
