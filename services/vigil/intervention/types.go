// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intervention

import (
	"errors"
	"time"
)

// Phase is the position of a session in the escalation state machine.
type Phase string

const (
	// PhaseNone means no session is active.
	PhaseNone Phase = ""

	// PhaseAlert is the opening speech.
	PhaseAlert Phase = "alert"

	// PhaseListening waits for, captures and evaluates the spoken response.
	PhaseListening Phase = "listening"

	// PhaseNonCompliance is the escalation speech after a bad response.
	PhaseNonCompliance Phase = "non-compliance"

	// PhaseReady waits for the subject to acknowledge.
	PhaseReady Phase = "ready"
)

// Mood is the presentation tone of the session.
type Mood string

const (
	MoodCool  Mood = "cool"
	MoodSad   Mood = "sad"
	MoodAngry Mood = "angry"
	MoodHappy Mood = "happy"
)

// MoodForStrike is the tone an intervention opens with.
func MoodForStrike(strike int) Mood {
	switch {
	case strike >= 3:
		return MoodAngry
	case strike == 2:
		return MoodSad
	default:
		return MoodCool
	}
}

// Penalty records the balance change applied when an intervention was created.
type Penalty struct {
	Amount        float64 `json:"amount"`
	BalanceBefore float64 `json:"balance_before"`
	BalanceAfter  float64 `json:"balance_after"`
}

// Pending is the durable record of one intervention.
//
// At most one unacknowledged Pending exists at a time.
type Pending struct {
	ID             string    `json:"id"`
	Message        string    `json:"message"`
	StrikeSnapshot int       `json:"strike_snapshot"`
	Mood           Mood      `json:"mood"`
	Penalty        *Penalty  `json:"penalty,omitempty"`
	Acknowledged   bool      `json:"acknowledged"`
	CreatedAt      time.Time `json:"created_at"`
}

// Step is the sub-state of PhaseListening.
type Step string

const (
	// StepAwaiting waits for the subject to start responding.
	StepAwaiting Step = "awaiting"

	// StepCapturing is recording the response.
	StepCapturing Step = "capturing"

	// StepEvaluating is transcribing and assessing the response.
	StepEvaluating Step = "evaluating"
)

// Snapshot is a read-only copy of the session for the host.
type Snapshot struct {
	Active             bool   `json:"active"`
	Phase              Phase  `json:"phase"`
	Step               Step   `json:"step,omitempty"`
	Generation         uint64 `json:"generation"`
	NonComplianceCount int    `json:"non_compliance_count"`
	ForceRedirect      bool   `json:"force_redirect"`
	Mood               Mood   `json:"mood"`
	Strike             int    `json:"strike"`
	Note               string `json:"note,omitempty"`
	PendingID          string `json:"pending_id,omitempty"`
}

// VerdictKind classifies the outcome of a response evaluation.
type VerdictKind int

const (
	// VerdictCompliant means at least one outstanding item was completed.
	VerdictCompliant VerdictKind = iota

	// VerdictNonCompliant means the response was understood but not accepted.
	VerdictNonCompliant

	// VerdictUnintelligible means no usable transcript (empty recording,
	// transcription failure, blank text).
	VerdictUnintelligible

	// VerdictUnassessed means the assessment itself failed. Tasks stay as
	// they were.
	VerdictUnassessed
)

// String returns the verdict name used in logs and events.
func (v VerdictKind) String() string {
	switch v {
	case VerdictCompliant:
		return "compliant"
	case VerdictNonCompliant:
		return "non_compliant"
	case VerdictUnintelligible:
		return "unintelligible"
	case VerdictUnassessed:
		return "unassessed"
	default:
		return "unknown"
	}
}

// Verdict is the evaluated response passed to Resolve.
type Verdict struct {
	Kind VerdictKind
	Note string
}

// Transition describes an applied phase change.
type Transition struct {
	From               Phase
	To                 Phase
	Generation         uint64
	Mood               Mood
	NonComplianceCount int
	Note               string
}

var (
	// ErrBusy means another intervention holds the guard.
	ErrBusy = errors.New("intervention already in flight")

	// ErrNoSession means no intervention is active.
	ErrNoSession = errors.New("no active intervention")

	// ErrWrongPhase means the operation is not valid in the current phase.
	ErrWrongPhase = errors.New("operation not valid in current phase")

	// ErrNotReady means acknowledge was attempted before the ready phase.
	ErrNotReady = errors.New("intervention not ready for acknowledgment")

	// ErrStale means a completion carried a superseded generation.
	ErrStale = errors.New("stale generation")
)
