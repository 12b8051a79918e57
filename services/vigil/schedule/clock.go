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
	"log/slog"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// Clock
// =============================================================================

// Timer is a one-shot timer created by a Clock.
type Timer interface {
	// C delivers the fire time once.
	C() <-chan time.Time

	// Stop prevents the timer from firing. Returns false if it already fired
	// or was stopped.
	Stop() bool
}

// Clock is the time source for all scheduler loops.
//
// # Description
//
// Production uses RealClock. Tests use ManualClock so tick sequences are
// driven explicitly instead of by wall time.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// RealClock returns a Clock backed by the time package.
func RealClock() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

type realTimer struct {
	t *time.Timer
}

func (r *realTimer) C() <-chan time.Time { return r.t.C }
func (r *realTimer) Stop() bool          { return r.t.Stop() }

// =============================================================================
// Manual Clock (for testing)
// =============================================================================

// ManualClock is a Clock whose time only moves on Advance.
//
// # Description
//
// Timers fire, in deadline order, during the Advance call that moves the
// clock past their deadline. Each timer channel is buffered so Advance
// never blocks on a slow loop.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*manualTimer
	changed chan struct{}
}

// NewManualClock returns a ManualClock reading start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{
		now:     start,
		changed: make(chan struct{}),
	}
}

// Now returns the manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// NewTimer registers a timer that fires once the clock reaches now+d.
func (c *ManualClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &manualTimer{
		clock:    c,
		deadline: c.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	if d <= 0 {
		t.fired = true
		t.ch <- c.now
		return t
	}
	c.timers = append(c.timers, t)
	c.notifyLocked()
	return t
}

// Advance moves the clock forward by d and fires every timer now due.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)

	sort.SliceStable(c.timers, func(i, j int) bool {
		return c.timers[i].deadline.Before(c.timers[j].deadline)
	})

	pending := c.timers[:0]
	for _, t := range c.timers {
		if !t.deadline.After(c.now) {
			t.fired = true
			t.ch <- t.deadline
			continue
		}
		pending = append(pending, t)
	}
	c.timers = pending
	c.notifyLocked()
}

// Pending returns the number of armed timers.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// PendingDurations returns how far each armed timer is from firing, soonest
// first.
func (c *ManualClock) PendingDurations() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]time.Duration, 0, len(c.timers))
	for _, t := range c.timers {
		out = append(out, t.deadline.Sub(c.now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// WaitForTimers blocks until at least n timers are armed or timeout passes.
//
// # Outputs
//
//   - bool: false on timeout.
func (c *ManualClock) WaitForTimers(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		count := len(c.timers)
		changed := c.changed
		c.mu.Unlock()

		if count >= n {
			return true
		}
		select {
		case <-changed:
		case <-deadline:
			return false
		}
	}
}

func (c *ManualClock) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *ManualClock) stop(t *manualTimer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	for i, armed := range c.timers {
		if armed == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			break
		}
	}
	c.notifyLocked()
	return true
}

type manualTimer struct {
	clock    *ManualClock
	deadline time.Time
	ch       chan time.Time
	fired    bool
	stopped  bool
}

func (t *manualTimer) C() <-chan time.Time { return t.ch }
func (t *manualTimer) Stop() bool          { return t.clock.stop(t) }

// =============================================================================
// Jump Detection
// =============================================================================

// JumpDetector notices when the clock moved much further than a loop expected,
// which on a laptop host usually means the machine slept.
//
// # Description
//
// Loops call Observe with the tick time and the interval they armed. A tick
// that arrives more than MaxLateness after its due time is reported once and
// the baseline moves to the new time.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type JumpDetector struct {
	mu          sync.Mutex
	maxLateness time.Duration
	jumps       int64
	logger      *slog.Logger
}

// DefaultMaxLateness is how late a tick may be before it counts as a jump.
const DefaultMaxLateness = 5 * time.Minute

// NewJumpDetector returns a detector. A non-positive maxLateness uses
// DefaultMaxLateness.
func NewJumpDetector(maxLateness time.Duration, logger *slog.Logger) *JumpDetector {
	if maxLateness <= 0 {
		maxLateness = DefaultMaxLateness
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JumpDetector{maxLateness: maxLateness, logger: logger}
}

// Observe reports whether a tick armed at armedAt for interval, observed at
// now, arrived suspiciously late.
func (j *JumpDetector) Observe(loop string, armedAt, now time.Time, interval time.Duration) bool {
	late := now.Sub(armedAt.Add(interval))
	if late <= j.maxLateness {
		return false
	}

	j.mu.Lock()
	j.jumps++
	j.mu.Unlock()

	j.logger.Warn("clock jump detected, tick arrived late",
		"loop", loop,
		"late_by", late.String(),
		"interval", interval.String(),
	)
	return true
}

// Jumps returns how many late ticks have been seen.
func (j *JumpDetector) Jumps() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.jumps
}
