// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compliance

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/Vigil/pkg/logging"
	"github.com/AleutianAI/Vigil/services/vigil/intervention"
	"github.com/AleutianAI/Vigil/services/vigil/tasks"
)

type stubAssessor struct {
	assessment Assessment
	err        error
	calls      int
}

func (s *stubAssessor) AssessCompliance(context.Context, string, []tasks.Task) (Assessment, error) {
	s.calls++
	return s.assessment, s.err
}

var outstanding = []tasks.Task{{ID: "t1", Text: "write report"}, {ID: "t2", Text: "reply to email"}}

func TestEvaluate_BlankTranscriptSkipsAssessor(t *testing.T) {
	a := &stubAssessor{}
	e := NewEvaluator(a, logging.Discard())

	res := e.Evaluate(context.Background(), "   ", outstanding)

	assert.Equal(t, intervention.VerdictUnintelligible, res.Verdict.Kind)
	assert.Equal(t, 0, a.calls)
	assert.Empty(t, res.CompletedIDs)
}

func TestEvaluate_AssessorFailureIsUnassessed(t *testing.T) {
	a := &stubAssessor{err: errors.New("timeout")}
	e := NewEvaluator(a, logging.Discard())

	res := e.Evaluate(context.Background(), "I did it", outstanding)

	assert.Equal(t, intervention.VerdictUnassessed, res.Verdict.Kind)
	assert.Equal(t, UnassessedNote, res.Note)
	assert.Empty(t, res.CompletedIDs)
	assert.Equal(t, 1, a.calls, "no retries")
}

func TestEvaluate_CompliantWithKnownCompletion(t *testing.T) {
	a := &stubAssessor{assessment: Assessment{CompletedIDs: []string{"t1", "t1", "bogus"}, Compliant: true, Note: "nice"}}
	e := NewEvaluator(a, logging.Discard())

	res := e.Evaluate(context.Background(), "report is done", outstanding)

	assert.True(t, res.Compliant)
	assert.Equal(t, []string{"t1"}, res.CompletedIDs)
	assert.Equal(t, intervention.VerdictCompliant, res.Verdict.Kind)
	assert.Equal(t, "nice", res.Verdict.Note)
}

func TestEvaluate_CompliantWithoutCompletionIsNonCompliant(t *testing.T) {
	a := &stubAssessor{assessment: Assessment{Compliant: true}}
	e := NewEvaluator(a, logging.Discard())

	res := e.Evaluate(context.Background(), "I'll get to it", outstanding)

	assert.False(t, res.Compliant)
	assert.Equal(t, intervention.VerdictNonCompliant, res.Verdict.Kind)
}

func TestEvaluate_UnknownIDsOnly(t *testing.T) {
	a := &stubAssessor{assessment: Assessment{CompletedIDs: []string{"elsewhere"}, Compliant: true}}
	e := NewEvaluator(NewAssessorFunc(a.AssessCompliance), nil)

	res := e.Evaluate(context.Background(), "done", outstanding)
	assert.Equal(t, intervention.VerdictNonCompliant, res.Verdict.Kind)
}
