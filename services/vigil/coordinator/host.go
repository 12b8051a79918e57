// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/Vigil/services/vigil/capture"
	"github.com/AleutianAI/Vigil/services/vigil/compliance"
	"github.com/AleutianAI/Vigil/services/vigil/events"
	"github.com/AleutianAI/Vigil/services/vigil/incentives"
	"github.com/AleutianAI/Vigil/services/vigil/intervention"
	"github.com/AleutianAI/Vigil/services/vigil/tasks"
)

// =============================================================================
// Event payloads
// =============================================================================

// GuidancePayload tells the subject how to fix a failed acquisition.
type GuidancePayload struct {
	Generation uint64 `json:"generation"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
}

// RewardPayload is published when a response completed tasks.
type RewardPayload struct {
	Reward       incentives.Reward `json:"reward"`
	CompletedIDs []string          `json:"completed_ids"`
}

// RefocusPayload asks the host to bring the subject back to work.
type RefocusPayload struct {
	PendingID string `json:"pending_id"`
}

// =============================================================================
// Speech
// =============================================================================

// speak plays script for gen and reports the end to the session. A failed
// or timed-out playback counts as finished.
func (c *Coordinator) speak(gen uint64, script string, mood intervention.Mood) {
	c.dispatch(func(ctx context.Context) {
		start := time.Now()
		err := c.Speaker.Speak(ctx, gen, script, mood)
		c.track("speech", start, err)
		if ctx.Err() != nil {
			return
		}

		tr, err := c.Session.SpeechFinished(gen)
		if err != nil {
			if !c.stale("speech", err) {
				c.Logger.Warn("speech completion rejected", "generation", gen, "error", err)
			}
			return
		}
		c.afterTransition(tr)
	})
}

// SpeechEnded is the host's report that the clip for gen stopped playing.
// It returns false if no clip for gen is playing.
func (c *Coordinator) SpeechEnded(gen uint64) bool {
	return c.Speaker.Ended(gen)
}

// afterTransition publishes a phase change and starts whatever the new
// phase needs.
func (c *Coordinator) afterTransition(tr intervention.Transition) {
	c.Recorder.RecordPhase(string(tr.From), string(tr.To))
	c.publishPhase()

	if tr.To == intervention.PhaseNonCompliance {
		c.speak(tr.Generation, escalationScript(tr.Mood), tr.Mood)
	}
}

func escalationScript(mood intervention.Mood) string {
	if mood == intervention.MoodAngry {
		return "That's not good enough. Close the distraction and get back to your tasks now."
	}
	return "I didn't hear any progress there. Let's get back to what matters."
}

// =============================================================================
// Response capture
// =============================================================================

// ReportResponseStart begins capturing the subject's spoken response.
//
// # Description
//
// The session moves to capturing at once; device acquisition runs in the
// background. If acquisition fails the session returns to awaiting and a
// guidance event explains the fix. Skip stays available throughout.
//
// # Outputs
//
//   - uint64: The capture generation.
//   - error: ErrNoSession or ErrWrongPhase.
func (c *Coordinator) ReportResponseStart() (uint64, error) {
	gen, err := c.Session.BeginResponse()
	if err != nil {
		return 0, err
	}
	c.publishPhase()

	c.dispatch(func(ctx context.Context) {
		acq, err := c.Capture.Begin(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, capture.ErrAborted) {
				c.Recorder.RecordStale("capture")
				return
			}
			guidance := capture.Guidance(err)
			c.Logger.Warn("response capture failed", "generation", gen, "error", err)
			if ferr := c.Session.CaptureFailed(gen, guidance); ferr != nil {
				c.stale("capture", ferr)
				return
			}
			c.Events.Publish(events.TypeGuidance, GuidancePayload{
				Generation: gen,
				Kind:       failureKind(err),
				Message:    guidance,
			})
			c.publishPhase()
			return
		}
		if !c.Guard.IsCurrent(gen) {
			c.Capture.Abort()
			c.Recorder.RecordStale("capture")
			return
		}
		c.Logger.Debug("response capture ready", "generation", gen, "profile", acq.Profile, "device_id", acq.DeviceID)
	})
	return gen, nil
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, capture.ErrNoDevice):
		return "no_device"
	case errors.Is(err, capture.ErrDeviceExhausted), errors.Is(err, capture.ErrDeviceUnresponsive):
		return "device_unresponsive"
	default:
		return "unknown"
	}
}

// AppendAudio adds a recorded chunk to the active response.
func (c *Coordinator) AppendAudio(chunk []byte) error {
	return c.Capture.Append(chunk)
}

// ReportResponseEnd stops capture and evaluates the response.
//
// # Description
//
// Transcription and assessment run in the background against the tasks
// outstanding right now. An empty recording or failed transcription is an
// unintelligible response. A compliant response marks the completed tasks
// done and pays the reward.
func (c *Coordinator) ReportResponseEnd() (uint64, error) {
	gen, err := c.Session.EndResponse()
	if err != nil {
		return 0, err
	}
	c.publishPhase()

	outstanding := c.Tasks.Outstanding()
	c.dispatch(func(ctx context.Context) {
		c.evaluate(ctx, gen, outstanding)
	})
	return gen, nil
}

func (c *Coordinator) evaluate(ctx context.Context, gen uint64, outstanding []tasks.Task) {
	start := time.Now()
	transcript, err := c.Capture.StopAndTranscribe(ctx)
	switch {
	case errors.Is(err, capture.ErrEmptyRecording), errors.Is(err, capture.ErrNotRecording):
		c.Logger.Info("no response recorded", "generation", gen, "error", err)
	case err != nil:
		c.track("transcribe", start, err)
	default:
		c.track("transcribe", start, nil)
	}
	if err != nil {
		transcript = ""
	}

	result := c.Evaluator.Evaluate(ctx, transcript, outstanding)
	if ctx.Err() != nil {
		return
	}

	tr, err := c.Session.Resolve(gen, result.Verdict)
	if err != nil {
		if !c.stale("evaluate", err) {
			c.Logger.Warn("evaluation rejected", "generation", gen, "error", err)
		}
		return
	}

	if result.Verdict.Kind == intervention.VerdictCompliant {
		c.applyCompletions(result, len(outstanding))
	}
	c.afterTransition(tr)
}

func (c *Coordinator) applyCompletions(result compliance.Result, outstandingBefore int) {
	completed := c.Tasks.Complete(result.CompletedIDs)
	if len(completed) == 0 || outstandingBefore == 0 {
		return
	}
	reward := c.Wallet.ApplyReward(float64(len(completed)) / float64(outstandingBefore))
	c.Recorder.SetBalance(reward.BalanceAfter)

	c.Events.Publish(events.TypeTasks, c.Tasks.List())
	c.Events.Publish(events.TypeReward, RewardPayload{Reward: reward, CompletedIDs: completed})
}

// =============================================================================
// Skip and acknowledge
// =============================================================================

// Skip ends listening without a response. Any capture or evaluation in
// flight is discarded.
func (c *Coordinator) Skip() error {
	tr, err := c.Session.Skip()
	if err != nil {
		return err
	}
	c.Capture.Abort()
	c.afterTransition(tr)
	return nil
}

// Acknowledge closes the ready intervention and asks the host to refocus
// the subject. The strike count is left alone.
func (c *Coordinator) Acknowledge() (intervention.Pending, error) {
	p, err := c.Session.Acknowledge()
	if err != nil {
		return intervention.Pending{}, err
	}
	c.Capture.Abort()

	if err := c.Store.SavePending(p); err != nil {
		c.Logger.Warn("failed to persist acknowledgment", "id", p.ID, "error", err)
	}

	c.Recorder.RecordPhase(string(intervention.PhaseReady), string(intervention.PhaseNone))
	c.Recorder.SetActive(false)
	c.Events.Publish(events.TypeAcknowledged, p)
	c.Events.Publish(events.TypeRefocus, RefocusPayload{PendingID: p.ID})
	return p, nil
}

// =============================================================================
// Tasks
// =============================================================================

// ReplaceTasks swaps the task list and announces it.
func (c *Coordinator) ReplaceTasks(items []tasks.Task) []tasks.Task {
	out := c.Tasks.Replace(items)
	c.Events.Publish(events.TypeTasks, out)
	return out
}

// Braindump extracts tasks from free text and replaces the list with them.
// The text is redacted before it leaves the process.
//
// # Outputs
//
//   - []tasks.Task: The new list.
//   - error: Wraps ErrCapabilityUnavailable if extraction failed. The list
//     is unchanged in that case.
func (c *Coordinator) Braindump(ctx context.Context, text string) ([]tasks.Task, error) {
	start := time.Now()
	texts, err := c.Extractor.ExtractTasks(ctx, c.scrub("braindump", text))
	c.track("extract", start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
	}

	items := make([]tasks.Task, 0, len(texts))
	for _, t := range texts {
		items = append(items, tasks.Task{Text: t})
	}
	return c.ReplaceTasks(items), nil
}
