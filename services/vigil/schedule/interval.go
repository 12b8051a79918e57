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
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// IntervalGenerator supplies the delay before the next Manager tick.
type IntervalGenerator interface {
	Next() time.Duration
}

// FixedInterval always returns the same delay.
type FixedInterval time.Duration

// Next returns the fixed delay.
func (f FixedInterval) Next() time.Duration { return time.Duration(f) }

// UniformJitter draws delays uniformly from [Min, Max].
//
// # Description
//
// The random source is owned by the generator and seeded at construction, so
// a fixed seed yields a reproducible sequence. Bounds can be changed while
// the scheduler runs (config reload); the next draw uses the new bounds.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type UniformJitter struct {
	mu  sync.Mutex
	min time.Duration
	max time.Duration
	rng *rand.Rand
}

// NewUniformJitter creates a generator over [min, max] seeded with seed.
//
// # Outputs
//
//   - *UniformJitter: Ready generator.
//   - error: Non-nil if min <= 0 or max < min.
func NewUniformJitter(min, max time.Duration, seed int64) (*UniformJitter, error) {
	if err := validateBounds(min, max); err != nil {
		return nil, err
	}
	return &UniformJitter{
		min: min,
		max: max,
		rng: rand.New(rand.NewSource(seed)),
	}, nil
}

// Next returns a delay in [min, max].
func (u *UniformJitter) Next() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()

	span := int64(u.max - u.min)
	if span == 0 {
		return u.min
	}
	return u.min + time.Duration(u.rng.Int63n(span+1))
}

// SetBounds replaces the range used by later draws.
func (u *UniformJitter) SetBounds(min, max time.Duration) error {
	if err := validateBounds(min, max); err != nil {
		return err
	}
	u.mu.Lock()
	u.min, u.max = min, max
	u.mu.Unlock()
	return nil
}

// Bounds returns the current range.
func (u *UniformJitter) Bounds() (time.Duration, time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.min, u.max
}

func validateBounds(min, max time.Duration) error {
	if min <= 0 {
		return fmt.Errorf("jitter min must be positive, got %v", min)
	}
	if max < min {
		return fmt.Errorf("jitter max %v is below min %v", max, min)
	}
	return nil
}
