// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the coordinator.
//
// # Description
//
// Metrics cover the scheduler (ticks, dropped ticks, clock jumps), the
// intervention state machine (phase changes, stale completions, escalations),
// response capture attempts, capability latency and the enforcement state
// (strike count, balance).
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "vigil"

const (
	schedulerSubsystem    = "scheduler"
	interventionSubsystem = "intervention"
	captureSubsystem      = "capture"
	capabilitySubsystem   = "capability"
	stateSubsystem        = "state"
)

// Metrics holds every coordinator metric.
//
// # Fields
//
//   - TicksTotal: Loop ticks that ran a producer. Labels: loop
//   - DroppedTicksTotal: Manager ticks dropped while busy. Labels: loop
//   - ClockJumpsTotal: Timers that fired far past their deadline. Labels: loop
//   - PhaseTransitionsTotal: Session phase changes. Labels: from, to
//   - StaleTotal: Completions suppressed by the generation check. Labels: operation
//   - EscalationsTotal: Ledger escalations. Labels: strike
//   - EscalationsDroppedTotal: Escalations rejected by the guard
//   - CaptureAttemptsTotal: Device acquisition attempts. Labels: stage, outcome
//   - CapabilityDurationSeconds: External capability latency. Labels: capability, status
//   - StrikeCount: Current ledger count
//   - Balance: Current wallet balance
//   - InterventionActive: 1 while a session holds the guard
type Metrics struct {
	TicksTotal                *prometheus.CounterVec
	DroppedTicksTotal         *prometheus.CounterVec
	ClockJumpsTotal           *prometheus.CounterVec
	PhaseTransitionsTotal     *prometheus.CounterVec
	StaleTotal                *prometheus.CounterVec
	EscalationsTotal          *prometheus.CounterVec
	EscalationsDroppedTotal   prometheus.Counter
	CaptureAttemptsTotal      *prometheus.CounterVec
	CapabilityDurationSeconds *prometheus.HistogramVec
	StrikeCount               prometheus.Gauge
	Balance                   prometheus.Gauge
	InterventionActive        prometheus.Gauge
}

// NewMetrics creates and registers every metric on reg.
//
// # Inputs
//
//   - reg: Registry to register on. prometheus.DefaultRegisterer in
//     production, a fresh registry in tests.
//
// # Limitations
//
//   - Panics if the same registry is used twice (duplicate registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TicksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: schedulerSubsystem,
				Name:      "ticks_total",
				Help:      "Scheduler ticks that ran a producer, by loop",
			},
			[]string{"loop"},
		),

		DroppedTicksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: schedulerSubsystem,
				Name:      "dropped_ticks_total",
				Help:      "Scheduler ticks dropped because the loop was busy",
			},
			[]string{"loop"},
		),

		ClockJumpsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: schedulerSubsystem,
				Name:      "clock_jumps_total",
				Help:      "Timers that fired far later than scheduled, usually after sleep",
			},
			[]string{"loop"},
		),

		PhaseTransitionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: interventionSubsystem,
				Name:      "phase_transitions_total",
				Help:      "Intervention phase changes",
			},
			[]string{"from", "to"},
		),

		StaleTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: interventionSubsystem,
				Name:      "stale_completions_total",
				Help:      "Async completions discarded by the generation check",
			},
			[]string{"operation"},
		),

		EscalationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: interventionSubsystem,
				Name:      "escalations_total",
				Help:      "Strike ledger escalations by resulting strike",
			},
			[]string{"strike"},
		),

		EscalationsDroppedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: interventionSubsystem,
				Name:      "escalations_dropped_total",
				Help:      "Escalations dropped because an intervention was in flight",
			},
		),

		CaptureAttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: captureSubsystem,
				Name:      "attempts_total",
				Help:      "Input device acquisition attempts by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),

		CapabilityDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: capabilitySubsystem,
				Name:      "duration_seconds",
				Help:      "External capability call latency in seconds",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"capability", "status"},
		),

		StrikeCount: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: stateSubsystem,
				Name:      "strike_count",
				Help:      "Current strike ledger count",
			},
		),

		Balance: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: stateSubsystem,
				Name:      "balance",
				Help:      "Current incentive balance",
			},
		),

		InterventionActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: stateSubsystem,
				Name:      "intervention_active",
				Help:      "1 while an intervention is in flight",
			},
		),
	}
}

// =============================================================================
// Scheduler recorder
// =============================================================================

// Tick records a loop tick that ran its producer.
func (m *Metrics) Tick(loop string) {
	m.TicksTotal.WithLabelValues(loop).Inc()
}

// Dropped records a tick dropped while busy.
func (m *Metrics) Dropped(loop string) {
	m.DroppedTicksTotal.WithLabelValues(loop).Inc()
}

// ClockJump records a late timer.
func (m *Metrics) ClockJump(loop string) {
	m.ClockJumpsTotal.WithLabelValues(loop).Inc()
}

// =============================================================================
// Capture recorder
// =============================================================================

// CaptureAttempt records one acquisition attempt.
func (m *Metrics) CaptureAttempt(stage string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.CaptureAttemptsTotal.WithLabelValues(stage, outcome).Inc()
}

// =============================================================================
// Coordinator helpers
// =============================================================================

// RecordPhase records a phase change.
func (m *Metrics) RecordPhase(from, to string) {
	if from == "" {
		from = "none"
	}
	if to == "" {
		to = "none"
	}
	m.PhaseTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordStale records a suppressed completion.
func (m *Metrics) RecordStale(operation string) {
	m.StaleTotal.WithLabelValues(operation).Inc()
}

// RecordEscalation records a ledger escalation and updates the strike gauge.
func (m *Metrics) RecordEscalation(strike int) {
	m.EscalationsTotal.WithLabelValues(strconv.Itoa(strike)).Inc()
	m.StrikeCount.Set(float64(strike))
}

// RecordEscalationDropped records an escalation rejected by the guard.
func (m *Metrics) RecordEscalationDropped() {
	m.EscalationsDroppedTotal.Inc()
}

// RecordCapability records one capability call.
//
// # Inputs
//
//   - capability: Name such as "judge_activity" or "transcribe".
//   - elapsed: Wall time of the call.
//   - err: The call's error, nil on success.
func (m *Metrics) RecordCapability(capability string, elapsed time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.CapabilityDurationSeconds.WithLabelValues(capability, status).Observe(elapsed.Seconds())
}

// SetStrikes sets the strike gauge.
func (m *Metrics) SetStrikes(count int) {
	m.StrikeCount.Set(float64(count))
}

// SetBalance sets the balance gauge.
func (m *Metrics) SetBalance(balance float64) {
	m.Balance.Set(balance)
}

// SetActive sets the intervention gauge.
func (m *Metrics) SetActive(active bool) {
	if active {
		m.InterventionActive.Set(1)
		return
	}
	m.InterventionActive.Set(0)
}
