// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package schedule drives the three periodic producers of the coordinator.
//
// Three independent loops run on an injected Clock:
//
//   - observer: fixed interval, suspended while frame capture is inactive
//   - manager: re-armed after each completed cycle with a delay drawn from an
//     IntervalGenerator; skipped (but re-armed) while an intervention is busy
//   - compaction: fixed interval, never suspended
//
// Ticks are never queued. A loop arms its next timer only after its handler
// returns, so a slow handler delays its own loop and nothing else.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Loop names, used in logs and metrics.
const (
	LoopObserver   = "observer"
	LoopManager    = "manager"
	LoopCompaction = "compaction"
)

// ErrAlreadyRunning is returned by Start on a running scheduler.
var ErrAlreadyRunning = errors.New("scheduler is already running")

// =============================================================================
// Dependencies
// =============================================================================

// Producers is the work each loop performs.
//
// # Description
//
// Observe, Manage and Compact are called synchronously from their own loop
// goroutine. ManagerBusy is consulted before each manager tick; when it
// reports true the tick is dropped.
type Producers interface {
	Observe(ctx context.Context)
	Manage(ctx context.Context)
	Compact(ctx context.Context)
	ManagerBusy() bool
}

// Recorder receives loop events for metrics. Optional.
type Recorder interface {
	Tick(loop string)
	Dropped(loop string)
	ClockJump(loop string)
}

type nopRecorder struct{}

func (nopRecorder) Tick(string)      {}
func (nopRecorder) Dropped(string)   {}
func (nopRecorder) ClockJump(string) {}

// Config holds loop timing.
type Config struct {
	// ObserverInterval is the fixed observer period. Default: 30s.
	ObserverInterval time.Duration

	// CompactionInterval is the fixed compaction period. Default: 30m.
	CompactionInterval time.Duration

	// ManagerIntervals supplies each manager delay. Required.
	ManagerIntervals IntervalGenerator
}

// DefaultConfig returns the production timings with a 115s-125s manager
// jitter seeded from the wall clock.
func DefaultConfig() Config {
	jitter, _ := NewUniformJitter(115*time.Second, 125*time.Second, time.Now().UnixNano())
	return Config{
		ObserverInterval:   30 * time.Second,
		CompactionInterval: 30 * time.Minute,
		ManagerIntervals:   jitter,
	}
}

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler owns the three loops.
//
// # Description
//
// Start launches the loops; Stop cancels them and waits until every loop
// goroutine has returned, so no handler runs after Stop returns. A stopped
// scheduler may be started again.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Scheduler struct {
	clock     Clock
	config    Config
	producers Producers
	recorder  Recorder
	jumps     *JumpDetector
	logger    *slog.Logger

	captureActive atomic.Bool
	captureSignal chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithJumpDetector replaces the default late-tick detector.
func WithJumpDetector(j *JumpDetector) Option {
	return func(s *Scheduler) {
		if j != nil {
			s.jumps = j
		}
	}
}

// New creates a stopped scheduler.
//
// # Inputs
//
//   - clock: Time source. Nil uses RealClock.
//   - config: Loop timings. Zero intervals take the defaults.
//   - producers: Work for each loop.
//
// # Outputs
//
//   - *Scheduler: Not yet running. Frame capture starts inactive.
func New(clock Clock, config Config, producers Producers, opts ...Option) *Scheduler {
	if clock == nil {
		clock = RealClock()
	}
	defaults := DefaultConfig()
	if config.ObserverInterval <= 0 {
		config.ObserverInterval = defaults.ObserverInterval
	}
	if config.CompactionInterval <= 0 {
		config.CompactionInterval = defaults.CompactionInterval
	}
	if config.ManagerIntervals == nil {
		config.ManagerIntervals = defaults.ManagerIntervals
	}

	s := &Scheduler{
		clock:         clock,
		config:        config,
		producers:     producers,
		recorder:      nopRecorder{},
		logger:        slog.Default(),
		captureSignal: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.jumps == nil {
		s.jumps = NewJumpDetector(DefaultMaxLateness, s.logger)
	}
	return s
}

// Start launches the loops under ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// The loop reads captureActive directly on entry; a signal queued before
	// Start carries no extra information.
	select {
	case <-s.captureSignal:
	default:
	}

	s.logger.Info("scheduler starting",
		"observer_interval", s.config.ObserverInterval.String(),
		"compaction_interval", s.config.CompactionInterval.String(),
		"capture_active", s.captureActive.Load(),
	)

	s.wg.Add(3)
	go s.observerLoop(loopCtx)
	go s.managerLoop(loopCtx)
	go s.compactionLoop(loopCtx)
	return nil
}

// Stop cancels all loops and waits for them to exit. Safe to call on a
// stopped scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Running reports whether the loops are active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetCaptureActive resumes (true) or suspends (false) the observer loop.
// Suspending disarms the pending observer timer.
func (s *Scheduler) SetCaptureActive(active bool) {
	if s.captureActive.Swap(active) == active {
		return
	}
	select {
	case s.captureSignal <- struct{}{}:
	default:
	}
}

// CaptureActive reports whether the observer loop is resumed.
func (s *Scheduler) CaptureActive() bool {
	return s.captureActive.Load()
}

// Config returns the loop timings.
func (s *Scheduler) Config() Config {
	return s.config
}

// =============================================================================
// Loops
// =============================================================================

func (s *Scheduler) observerLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		if !s.captureActive.Load() {
			select {
			case <-ctx.Done():
				return
			case <-s.captureSignal:
				continue
			}
		}

		armedAt := s.clock.Now()
		timer := s.clock.NewTimer(s.config.ObserverInterval)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.captureSignal:
			timer.Stop()
			continue
		case <-timer.C():
		}

		if ctx.Err() != nil {
			return
		}
		if !s.captureActive.Load() {
			continue
		}
		s.fire(ctx, LoopObserver, armedAt, s.config.ObserverInterval, s.producers.Observe)
	}
}

func (s *Scheduler) managerLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		interval := s.config.ManagerIntervals.Next()
		armedAt := s.clock.Now()
		timer := s.clock.NewTimer(interval)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}

		if ctx.Err() != nil {
			return
		}
		if s.producers.ManagerBusy() {
			s.recorder.Tick(LoopManager)
			s.recorder.Dropped(LoopManager)
			s.logger.Debug("manager tick dropped, intervention in flight")
			continue
		}
		s.fire(ctx, LoopManager, armedAt, interval, s.producers.Manage)
	}
}

func (s *Scheduler) compactionLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		armedAt := s.clock.Now()
		timer := s.clock.NewTimer(s.config.CompactionInterval)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}

		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, LoopCompaction, armedAt, s.config.CompactionInterval, s.producers.Compact)
	}
}

func (s *Scheduler) fire(ctx context.Context, loop string, armedAt time.Time, interval time.Duration, run func(context.Context)) {
	if s.jumps.Observe(loop, armedAt, s.clock.Now(), interval) {
		s.recorder.ClockJump(loop)
	}
	s.recorder.Tick(loop)
	run(ctx)
}
