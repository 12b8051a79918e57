// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compliance turns a transcribed response into a verdict.
package compliance

import (
	"context"
	"log/slog"
	"strings"

	"github.com/AleutianAI/Vigil/services/vigil/intervention"
	"github.com/AleutianAI/Vigil/services/vigil/tasks"
)

// UnassessedNote is the note attached when the assessment call fails.
const UnassessedNote = "could not assess the response, tasks unchanged"

// Assessment is the raw judgment returned by the assessor.
type Assessment struct {
	CompletedIDs []string `json:"completed_ids"`
	Compliant    bool     `json:"compliant"`
	Note         string   `json:"note"`
}

// Assessor judges a response against outstanding tasks.
type Assessor interface {
	AssessCompliance(ctx context.Context, transcript string, outstanding []tasks.Task) (Assessment, error)
}

// AssessorFunc adapts a function to Assessor.
type AssessorFunc func(ctx context.Context, transcript string, outstanding []tasks.Task) (Assessment, error)

// AssessCompliance calls f.
func (f AssessorFunc) AssessCompliance(ctx context.Context, transcript string, outstanding []tasks.Task) (Assessment, error) {
	return f(ctx, transcript, outstanding)
}

// NewAssessorFunc wraps f as an Assessor.
func NewAssessorFunc(f func(ctx context.Context, transcript string, outstanding []tasks.Task) (Assessment, error)) Assessor {
	return AssessorFunc(f)
}

// Result is the outcome of Evaluate.
//
// CompletedIDs only ever contains ids from the outstanding list passed in.
// The caller applies them.
type Result struct {
	CompletedIDs []string
	Compliant    bool
	Note         string
	Verdict      intervention.Verdict
}

// Evaluator wraps an Assessor with the verdict rules.
type Evaluator struct {
	assessor Assessor
	logger   *slog.Logger
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(assessor Assessor, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{assessor: assessor, logger: logger}
}

// Evaluate assesses transcript against outstanding.
//
// # Description
//
// One assessor call, no retries. The rules:
//
//   - blank transcript: unintelligible, no call made
//   - assessor error: unassessed, nothing completed
//   - at least one known id completed: compliant
//   - otherwise: non-compliant, even if the assessor said compliant
//
// Evaluate never returns an error; failures are folded into the verdict.
func (e *Evaluator) Evaluate(ctx context.Context, transcript string, outstanding []tasks.Task) Result {
	if strings.TrimSpace(transcript) == "" {
		return Result{
			Note:    "no intelligible response",
			Verdict: intervention.Verdict{Kind: intervention.VerdictUnintelligible, Note: "no intelligible response"},
		}
	}

	assessment, err := e.assessor.AssessCompliance(ctx, transcript, outstanding)
	if err != nil {
		e.logger.Warn("compliance assessment failed", "error", err)
		return Result{
			Note:    UnassessedNote,
			Verdict: intervention.Verdict{Kind: intervention.VerdictUnassessed, Note: UnassessedNote},
		}
	}

	known := make(map[string]bool, len(outstanding))
	for _, t := range outstanding {
		known[t.ID] = true
	}
	var completed []string
	seen := make(map[string]bool)
	for _, id := range assessment.CompletedIDs {
		if known[id] && !seen[id] {
			completed = append(completed, id)
			seen[id] = true
		}
	}

	result := Result{
		CompletedIDs: completed,
		Compliant:    len(completed) > 0,
		Note:         assessment.Note,
	}
	if result.Compliant {
		result.Verdict = intervention.Verdict{Kind: intervention.VerdictCompliant, Note: assessment.Note}
	} else {
		result.Verdict = intervention.Verdict{Kind: intervention.VerdictNonCompliant, Note: assessment.Note}
	}

	e.logger.Info("compliance evaluated",
		"verdict", result.Verdict.Kind.String(),
		"completed", len(completed),
		"assessor_compliant", assessment.Compliant,
	)
	return result
}
