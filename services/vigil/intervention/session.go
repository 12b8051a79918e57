// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package intervention implements the escalation state machine for a single
// active intervention.
//
// # Phases
//
//	alert ──speech done──▶ listening            (strike < 3)
//	alert ──speech done──▶ ready                (strike >= 3)
//	listening ──skip / compliant / unassessed──▶ ready
//	listening ──non-compliant / unintelligible──▶ non-compliance
//	non-compliance ──speech done──▶ listening   (strike >= 3 or count >= 2)
//	non-compliance ──speech done──▶ ready       (otherwise)
//	ready ──acknowledge──▶ (cleared, guard released)
//
// Every asynchronous completion passes the generation it was dispatched
// with. A completion whose generation is no longer current is rejected with
// ErrStale and changes nothing.
package intervention

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/Vigil/services/vigil/guard"
)

// Session is the owned state of the active intervention.
//
// # Description
//
// Session does no I/O. The coordinator dispatches speech, capture and
// evaluation, and reports their outcomes back here with the generation it
// was handed. Session decides the next phase.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Session struct {
	mu     sync.Mutex
	guard  *guard.Guard
	logger *slog.Logger

	active             bool
	phase              Phase
	step               Step
	nonComplianceCount int
	forceRedirect      bool
	mood               Mood
	strike             int
	note               string
	pending            *Pending
}

// NewSession creates an idle session bound to g.
func NewSession(g *guard.Guard, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{guard: g, logger: logger, mood: MoodCool}
}

// Trigger starts a new intervention.
//
// # Description
//
// Acquires the guard first. Only when that succeeds is build called; build
// is where the caller escalates the ledger and applies the penalty, so a
// rejected trigger leaves no trace. If build fails the guard is released.
//
// # Inputs
//
//   - build: Produces the Pending record. StrikeSnapshot decides
//     forceRedirect.
//
// # Outputs
//
//   - Pending: The record built.
//   - uint64: Generation for the alert speech.
//   - error: ErrBusy if a session is active, or build's error.
func (s *Session) Trigger(build func() (Pending, error)) (Pending, uint64, error) {
	if !s.guard.TryAcquire() {
		s.logger.Info("escalation dropped, intervention already in flight")
		return Pending{}, 0, ErrBusy
	}

	p, err := build()
	if err != nil {
		s.guard.Release()
		return Pending{}, 0, fmt.Errorf("build intervention: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = true
	s.phase = PhaseAlert
	s.step = ""
	s.nonComplianceCount = 0
	s.strike = p.StrikeSnapshot
	s.forceRedirect = p.StrikeSnapshot >= 3
	if p.Mood == "" {
		p.Mood = MoodForStrike(p.StrikeSnapshot)
	}
	s.mood = p.Mood
	s.note = ""
	s.pending = &p

	gen := s.guard.Next()
	s.logger.Info("intervention triggered",
		"id", p.ID,
		"strike", p.StrikeSnapshot,
		"mood", p.Mood,
		"force_redirect", s.forceRedirect,
		"generation", gen,
	)
	return p, gen, nil
}

// Recover re-establishes an unacknowledged intervention after a restart.
//
// # Description
//
// The session goes straight to PhaseReady with the guard held. Nothing is
// replayed; the subject only has to acknowledge.
func (s *Session) Recover(p Pending) error {
	if p.Acknowledged {
		return fmt.Errorf("recover %s: already acknowledged", p.ID)
	}
	if !s.guard.TryAcquire() {
		return ErrBusy
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = true
	s.phase = PhaseReady
	s.step = ""
	s.nonComplianceCount = 0
	s.strike = p.StrikeSnapshot
	s.forceRedirect = p.StrikeSnapshot >= 3
	s.mood = p.Mood
	s.note = "recovered after restart"
	s.pending = &p
	s.guard.Next()

	s.logger.Info("intervention recovered", "id", p.ID, "strike", p.StrikeSnapshot)
	return nil
}

// SpeechFinished handles the end of the alert or escalation speech.
//
// # Description
//
// Playback failure is reported the same way as completion. From
// PhaseAlert the session moves to listening unless forceRedirect is set.
// From PhaseNonCompliance it loops back to listening when strike >= 3 or
// nonComplianceCount >= 2, otherwise it moves to ready.
func (s *Session) SpeechFinished(gen uint64) (Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(gen); err != nil {
		return Transition{}, err
	}

	from := s.phase
	switch s.phase {
	case PhaseAlert:
		if s.forceRedirect {
			return s.moveLocked(from, PhaseReady), nil
		}
		return s.moveLocked(from, PhaseListening), nil

	case PhaseNonCompliance:
		// strike >= 3 never reaches listening from alert, and a second
		// non-compliance needs a listening phase first, so today this
		// always resolves to ready.
		if s.strike >= 3 || s.nonComplianceCount >= 2 {
			return s.moveLocked(from, PhaseListening), nil
		}
		return s.moveLocked(from, PhaseReady), nil

	default:
		return Transition{}, fmt.Errorf("speech finished in %q: %w", s.phase, ErrWrongPhase)
	}
}

// BeginResponse marks the start of response capture.
//
// # Outputs
//
//   - uint64: Generation for the capture.
//   - error: ErrWrongPhase outside listening or if a response is in progress.
func (s *Session) BeginResponse() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return 0, ErrNoSession
	}
	if s.phase != PhaseListening || s.step != StepAwaiting {
		return 0, fmt.Errorf("begin response in %q/%q: %w", s.phase, s.step, ErrWrongPhase)
	}
	s.step = StepCapturing
	return s.guard.Next(), nil
}

// CaptureFailed returns a capturing session to awaiting so the subject can
// retry or skip. The note carries the guidance shown to the subject.
func (s *Session) CaptureFailed(gen uint64, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(gen); err != nil {
		return err
	}
	if s.phase != PhaseListening || s.step != StepCapturing {
		return fmt.Errorf("capture failed in %q/%q: %w", s.phase, s.step, ErrWrongPhase)
	}
	s.step = StepAwaiting
	s.note = note
	return nil
}

// EndResponse marks the response complete and hands out the generation for
// transcription and assessment.
func (s *Session) EndResponse() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return 0, ErrNoSession
	}
	if s.phase != PhaseListening || s.step != StepCapturing {
		return 0, fmt.Errorf("end response in %q/%q: %w", s.phase, s.step, ErrWrongPhase)
	}
	s.step = StepEvaluating
	return s.guard.Next(), nil
}

// Resolve applies an evaluated response.
//
// # Description
//
//   - VerdictCompliant: ready, mood happy.
//   - VerdictUnassessed: ready, note kept, tasks untouched by the caller.
//   - VerdictNonCompliant, VerdictUnintelligible: non-compliance,
//     nonComplianceCount+1. Mood is sad on the first, angry on a repeat
//     when strike >= 2, sad otherwise. The returned generation is for the
//     escalation speech.
func (s *Session) Resolve(gen uint64, v Verdict) (Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(gen); err != nil {
		return Transition{}, err
	}
	if s.phase != PhaseListening || s.step != StepEvaluating {
		return Transition{}, fmt.Errorf("resolve in %q/%q: %w", s.phase, s.step, ErrWrongPhase)
	}

	s.note = v.Note
	from := s.phase

	switch v.Kind {
	case VerdictCompliant:
		s.mood = MoodHappy
		return s.moveLocked(from, PhaseReady), nil

	case VerdictUnassessed:
		return s.moveLocked(from, PhaseReady), nil

	default:
		s.nonComplianceCount++
		if s.nonComplianceCount >= 2 && s.strike >= 2 {
			s.mood = MoodAngry
		} else {
			s.mood = MoodSad
		}
		return s.moveLocked(from, PhaseNonCompliance), nil
	}
}

// Skip ends listening early. Any in-flight capture or evaluation becomes
// stale.
func (s *Session) Skip() (Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return Transition{}, ErrNoSession
	}
	if s.phase != PhaseListening {
		return Transition{}, fmt.Errorf("skip in %q: %w", s.phase, ErrWrongPhase)
	}
	s.note = "skipped"
	return s.moveLocked(s.phase, PhaseReady), nil
}

// Acknowledge closes the session from PhaseReady.
//
// # Description
//
// Clears every session field, advances the generation so nothing in flight
// can land, marks the Pending acknowledged and releases the guard. The
// strike ledger is not touched.
//
// # Outputs
//
//   - Pending: The acknowledged record, for persistence.
//   - error: ErrNoSession or ErrNotReady.
func (s *Session) Acknowledge() (Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return Pending{}, ErrNoSession
	}
	if s.phase != PhaseReady {
		return Pending{}, fmt.Errorf("acknowledge in %q: %w", s.phase, ErrNotReady)
	}

	var acked Pending
	if s.pending != nil {
		acked = *s.pending
	}
	acked.Acknowledged = true

	s.active = false
	s.phase = PhaseNone
	s.step = ""
	s.mood = MoodCool
	s.forceRedirect = false
	s.nonComplianceCount = 0
	s.strike = 0
	s.note = ""
	s.pending = nil

	s.guard.Next()
	s.guard.Release()

	s.logger.Info("intervention acknowledged", "id", acked.ID)
	return acked, nil
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Active:             s.active,
		Phase:              s.phase,
		Step:               s.step,
		Generation:         s.guard.Current(),
		NonComplianceCount: s.nonComplianceCount,
		ForceRedirect:      s.forceRedirect,
		Mood:               s.mood,
		Strike:             s.strike,
		Note:               s.note,
	}
	if s.pending != nil {
		snap.PendingID = s.pending.ID
	}
	return snap
}

// Pending returns the active record, if any.
func (s *Session) Pending() (Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return Pending{}, false
	}
	return *s.pending, true
}

// Active reports whether a session is in flight.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) checkLocked(gen uint64) error {
	if !s.active {
		return ErrNoSession
	}
	if !s.guard.IsCurrent(gen) {
		s.logger.Debug("stale completion suppressed",
			"generation", gen,
			"current", s.guard.Current(),
			"phase", s.phase,
		)
		return ErrStale
	}
	return nil
}

func (s *Session) moveLocked(from, to Phase) Transition {
	s.phase = to
	if to == PhaseListening {
		s.step = StepAwaiting
	} else {
		s.step = ""
	}
	gen := s.guard.Next()

	s.logger.Info("intervention phase changed",
		"from", from,
		"to", to,
		"mood", s.mood,
		"non_compliance_count", s.nonComplianceCount,
		"generation", gen,
	)
	return Transition{
		From:               from,
		To:                 to,
		Generation:         gen,
		Mood:               s.mood,
		NonComplianceCount: s.nonComplianceCount,
		Note:               s.note,
	}
}
