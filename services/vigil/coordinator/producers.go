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
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/Vigil/services/llm"
	"github.com/AleutianAI/Vigil/services/vigil/events"
	"github.com/AleutianAI/Vigil/services/vigil/history"
	"github.com/AleutianAI/Vigil/services/vigil/intervention"
	"github.com/AleutianAI/Vigil/services/vigil/strikes"
)

// =============================================================================
// Observer
// =============================================================================

// SubmitFrame stores the latest screen frame for the next observer tick.
// Only the newest frame is kept.
func (c *Coordinator) SubmitFrame(data []byte, mimeType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frameSeq++
	c.latest = &frame{data: data, mimeType: mimeType, seq: c.frameSeq}
}

// Observe judges the newest frame and records the observation. A tick with
// no new frame since the previous one does nothing.
//
// # Description
//
// The judge sees the outstanding tasks, the latest window summary and the
// observations since that summary (or the most recent few before the first
// summary). Tasks it reports as visibly done are marked complete and the
// new list is published. History read failures only shrink the context.
func (c *Coordinator) Observe(ctx context.Context) {
	c.mu.Lock()
	f := c.latest
	if f == nil || f.seq == c.judgedSeq {
		c.mu.Unlock()
		return
	}
	c.judgedSeq = f.seq
	c.mu.Unlock()

	in := c.judgeContext(ctx)
	in.Frame = f.data
	in.MimeType = f.mimeType
	in.Tasks = c.Tasks.Texts()

	start := time.Now()
	judgment, err := c.Judge.JudgeActivity(ctx, in)
	c.track("judge", start, err)
	if err != nil {
		return
	}

	obs := history.Observation{
		ID:          uuid.NewString(),
		Timestamp:   c.Clock.Now(),
		Description: c.scrub("description", judgment.Description),
		Thought:     c.scrub("thought", judgment.Thought),
		Focused:     judgment.Focused,
		Method:      judgment.Method,
		ElapsedMs:   float64(time.Since(start).Microseconds()) / 1000,
	}
	if err := c.History.AddObservation(ctx, obs); err != nil {
		c.Logger.Warn("failed to store observation", "error", err)
		return
	}
	c.Logger.Debug("observation recorded", "focused", obs.Focused, "description", obs.Description)

	if completed := c.Tasks.Complete(c.Tasks.OutstandingIDs(judgment.CompletedTasks)); len(completed) > 0 {
		c.Logger.Info("tasks completed from screen", "ids", completed)
		c.Events.Publish(events.TypeTasks, c.Tasks.List())
	}
}

// judgeContext loads the summary and observations the judge sees.
func (c *Coordinator) judgeContext(ctx context.Context) llm.JudgeInput {
	var in llm.JudgeInput
	summary, ok, err := c.History.LatestSummary(ctx)
	if err != nil {
		c.Logger.Warn("failed to load latest summary for judgment", "error", err)
	}
	if ok {
		in.Summary = summary.Summary
		in.Recent, err = c.History.ObservationsSince(ctx, summary.Timestamp, c.config.ContextObservations)
	} else {
		in.Recent, err = c.History.RecentObservations(ctx, c.config.ContextObservations)
	}
	if err != nil {
		c.Logger.Warn("failed to load observations for judgment", "error", err)
	}
	return in
}

// =============================================================================
// Manager
// =============================================================================

// InterjectionPayload is published for a productive cycle.
type InterjectionPayload struct {
	Text   string `json:"text"`
	Reason string `json:"reason"`
}

// Manage runs one decision cycle.
//
// # Description
//
// Builds the decision context (outstanding tasks, observations since the
// previous cycle or the most recent few, the latest window summary) and asks
// the decider. A productive verdict publishes its interjection. An
// unproductive one triggers an intervention: the ledger escalates and the
// penalty is applied only once the guard is held, so an escalation dropped
// because another intervention is in flight leaves no trace.
//
// A decider failure is logged and treated as no verdict.
func (c *Coordinator) Manage(ctx context.Context) {
	now := c.Clock.Now()
	observations, err := c.contextObservations(ctx)
	if err != nil {
		c.Logger.Warn("failed to load observations for decision", "error", err)
		return
	}
	if len(observations) == 0 {
		c.Logger.Debug("manager cycle skipped, no observations")
		return
	}

	var summary string
	if s, ok, err := c.History.LatestSummary(ctx); err != nil {
		c.Logger.Warn("failed to load latest summary", "error", err)
	} else if ok {
		summary = s.Summary
	}

	nextStrike := c.Ledger.Snapshot().Count + 1
	if nextStrike > strikes.MaxStrikes {
		nextStrike = strikes.MaxStrikes
	}

	start := time.Now()
	decision, err := c.Decider.DecideProductivity(ctx, llm.DecisionInput{
		Tasks:        c.Tasks.Texts(),
		Observations: observations,
		Summary:      summary,
		NextStrike:   nextStrike,
	})
	c.track("decide", start, err)
	if err != nil {
		return
	}

	c.mu.Lock()
	c.lastManaged = now
	c.mu.Unlock()

	record := history.Decision{
		ID:           uuid.NewString(),
		Timestamp:    now,
		Productive:   decision.Productive,
		Reason:       decision.Reason,
		Interjection: decision.Interjection,
	}

	if decision.Productive {
		c.recordDecision(ctx, record)
		if decision.Interjection != "" {
			c.Events.Publish(events.TypeInterjection, InterjectionPayload{
				Text:   decision.Interjection,
				Reason: decision.Reason,
			})
		}
		return
	}

	pending, gen, err := c.Session.Trigger(func() (intervention.Pending, error) {
		return c.buildPending(decision, now)
	})
	if errors.Is(err, intervention.ErrBusy) {
		c.Recorder.RecordEscalationDropped()
		c.recordDecision(ctx, record)
		return
	}
	if err != nil {
		c.Logger.Warn("failed to start intervention", "error", err)
		return
	}

	record.Strike = pending.StrikeSnapshot
	c.recordDecision(ctx, record)

	c.Recorder.RecordEscalation(pending.StrikeSnapshot)
	c.Recorder.SetActive(true)
	c.Recorder.RecordPhase(string(intervention.PhaseNone), string(intervention.PhaseAlert))
	if pending.Penalty != nil {
		c.Recorder.SetBalance(pending.Penalty.BalanceAfter)
	}
	c.publishPending(pending)
	c.speak(gen, pending.Message, pending.Mood)
}

// buildPending runs with the guard held.
func (c *Coordinator) buildPending(decision llm.Decision, now time.Time) (intervention.Pending, error) {
	snap := c.Ledger.Escalate()

	p := intervention.Pending{
		ID:             uuid.NewString(),
		Message:        decision.Message,
		StrikeSnapshot: snap.Count,
		Mood:           intervention.MoodForStrike(snap.Count),
		CreatedAt:      now,
	}
	if p.Message == "" {
		p.Message = c.config.DefaultMessage
	}
	if penalty, err := c.Wallet.ApplyPenalty(snap.Count); err != nil {
		c.Logger.Warn("penalty not applied", "strike", snap.Count, "error", err)
	} else {
		p.Penalty = &penalty
	}

	if err := c.Store.SavePending(p); err != nil {
		c.Logger.Warn("failed to persist pending intervention", "id", p.ID, "error", err)
	}
	return p, nil
}

func (c *Coordinator) contextObservations(ctx context.Context) ([]history.Observation, error) {
	c.mu.Lock()
	since := c.lastManaged
	c.mu.Unlock()

	if !since.IsZero() {
		obs, err := c.History.ObservationsSince(ctx, since, maxContextObservations)
		if err != nil {
			return nil, err
		}
		if len(obs) > 0 {
			return obs, nil
		}
	}
	return c.History.RecentObservations(ctx, c.config.ContextObservations)
}

func (c *Coordinator) recordDecision(ctx context.Context, d history.Decision) {
	if err := c.History.AddDecision(ctx, d); err != nil {
		c.Logger.Warn("failed to store decision", "error", err)
	}
}

// =============================================================================
// Compaction
// =============================================================================

// Compact summarizes the window since the previous summary, then resets the
// strike ledger.
//
// # Description
//
// A window with no observations produces no summary. A summarizer failure
// is logged and never blocks the reset. The reset applies even while an
// intervention is active; that session keeps the strike it was created
// with.
func (c *Coordinator) Compact(ctx context.Context) {
	now := c.Clock.Now()
	c.summarize(ctx, now)

	snap, reset := c.Ledger.MaybeReset(now)
	c.Recorder.SetStrikes(snap.Count)
	if reset {
		c.Logger.Info("compaction reset strikes", "window_start", snap.WindowStart)
	}
}

func (c *Coordinator) summarize(ctx context.Context, now time.Time) {
	var since time.Time
	if last, ok, err := c.History.LatestSummary(ctx); err != nil {
		c.Logger.Warn("failed to load latest summary", "error", err)
		return
	} else if ok {
		since = last.PeriodEnd
	}

	observations, err := c.History.ObservationsSince(ctx, since, 0)
	if err != nil {
		c.Logger.Warn("failed to load observations for summary", "error", err)
		return
	}
	if len(observations) == 0 {
		return
	}

	start := time.Now()
	text, err := c.Summarizer.SummarizeWindow(ctx, observations)
	c.track("summarize", start, err)
	if err != nil {
		return
	}

	stored, err := c.History.AddSummary(ctx, history.Summary{
		Timestamp:        now,
		Summary:          text,
		ObservationCount: len(observations),
		PeriodStart:      observations[0].Timestamp,
		PeriodEnd:        observations[len(observations)-1].Timestamp,
	})
	if err != nil {
		c.Logger.Warn("failed to store summary", "error", err)
		return
	}
	c.Logger.Info("window summarized", "summary_id", stored.ID, "observations", stored.ObservationCount)
}
