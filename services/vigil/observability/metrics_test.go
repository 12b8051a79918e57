// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/Vigil/services/vigil/capture"
	"github.com/AleutianAI/Vigil/services/vigil/schedule"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetrics(prometheus.NewRegistry())
}

func TestMetrics_SchedulerRecorder(t *testing.T) {
	m := newTestMetrics(t)
	var r schedule.Recorder = m

	r.Tick(schedule.LoopObserver)
	r.Tick(schedule.LoopObserver)
	r.Dropped(schedule.LoopManager)
	r.ClockJump(schedule.LoopCompaction)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TicksTotal.WithLabelValues(schedule.LoopObserver)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DroppedTicksTotal.WithLabelValues(schedule.LoopManager)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClockJumpsTotal.WithLabelValues(schedule.LoopCompaction)))
}

func TestMetrics_CaptureRecorder(t *testing.T) {
	m := newTestMetrics(t)
	var r capture.Recorder = m

	r.CaptureAttempt("generic", errors.New("busy"))
	r.CaptureAttempt("generic", errors.New("busy"))
	r.CaptureAttempt("device", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CaptureAttemptsTotal.WithLabelValues("generic", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CaptureAttemptsTotal.WithLabelValues("device", "success")))
}

func TestMetrics_InterventionHelpers(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordPhase("", "alert")
	m.RecordPhase("alert", "listening")
	m.RecordStale("speech")
	m.RecordEscalation(2)
	m.RecordEscalationDropped()
	m.SetBalance(85)
	m.SetActive(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PhaseTransitionsTotal.WithLabelValues("none", "alert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StaleTotal.WithLabelValues("speech")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EscalationsTotal.WithLabelValues("2")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StrikeCount))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EscalationsDroppedTotal))
	assert.Equal(t, 85.0, testutil.ToFloat64(m.Balance))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InterventionActive))

	m.SetActive(false)
	m.SetStrikes(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InterventionActive))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StrikeCount))
}

func TestMetrics_Capability(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordCapability("transcribe", 1200*time.Millisecond, nil)
	m.RecordCapability("transcribe", time.Second, errors.New("timeout"))

	assert.Equal(t, 2, testutil.CollectAndCount(m.CapabilityDurationSeconds))
}

func TestNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}
