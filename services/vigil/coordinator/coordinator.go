// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordinator drives the enforcement loop.
//
// # Description
//
// The Coordinator is the scheduler's producer set and the host's entry
// point. It owns no state machine logic itself: the guard, strike ledger
// and intervention session decide; the coordinator performs the I/O they
// ask for (speech, capture, transcription, assessment), hands the captured
// generation back with each result and publishes what changed.
//
// Capability failures never cross this boundary. Each is logged, counted
// and turned into the conservative outcome for its phase.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/Vigil/services/llm"
	"github.com/AleutianAI/Vigil/services/vigil/capture"
	"github.com/AleutianAI/Vigil/services/vigil/compliance"
	"github.com/AleutianAI/Vigil/services/vigil/events"
	"github.com/AleutianAI/Vigil/services/vigil/guard"
	"github.com/AleutianAI/Vigil/services/vigil/history"
	"github.com/AleutianAI/Vigil/services/vigil/incentives"
	"github.com/AleutianAI/Vigil/services/vigil/intervention"
	"github.com/AleutianAI/Vigil/services/vigil/schedule"
	"github.com/AleutianAI/Vigil/services/vigil/strikes"
	"github.com/AleutianAI/Vigil/services/vigil/tasks"
)

// ErrCapabilityUnavailable wraps a capability failure surfaced to the host
// by a direct request (task extraction).
var ErrCapabilityUnavailable = errors.New("capability unavailable")

const (
	// maxContextObservations caps the observations handed to one decision.
	maxContextObservations = 50

	defaultMessage = "You've drifted off task. Let's get back to it."
)

// =============================================================================
// Collaborators
// =============================================================================

// Judge classifies one frame in the context of recent history.
type Judge interface {
	JudgeActivity(ctx context.Context, in llm.JudgeInput) (llm.Judgment, error)
}

// Summarizer condenses a compaction window.
type Summarizer interface {
	SummarizeWindow(ctx context.Context, observations []history.Observation) (string, error)
}

// Decider runs the manager decision.
type Decider interface {
	DecideProductivity(ctx context.Context, in llm.DecisionInput) (llm.Decision, error)
}

// Extractor turns free text into tasks.
type Extractor interface {
	ExtractTasks(ctx context.Context, text string) ([]string, error)
}

// Speaker plays a script and blocks until playback ends. An error is
// treated like completion.
type Speaker interface {
	Speak(ctx context.Context, gen uint64, script string, mood intervention.Mood) error
	Ended(gen uint64) bool
}

// Publisher pushes events to the host.
type Publisher interface {
	Publish(typ events.Type, payload any) events.Event
}

// StateStore persists enforcement state.
type StateStore interface {
	SavePending(p intervention.Pending) error
	LoadPending(ctx context.Context) (intervention.Pending, bool, error)
	LoadLedger(ctx context.Context) (strikes.Snapshot, bool, error)
	LoadTasks(ctx context.Context) ([]tasks.Task, bool, error)
	LoadBalance(ctx context.Context) (float64, bool, error)
}

// HistoryStore is the activity history.
type HistoryStore interface {
	AddObservation(ctx context.Context, o history.Observation) error
	ObservationsSince(ctx context.Context, since time.Time, limit int) ([]history.Observation, error)
	RecentObservations(ctx context.Context, limit int) ([]history.Observation, error)
	AddSummary(ctx context.Context, s history.Summary) (history.Summary, error)
	LatestSummary(ctx context.Context) (history.Summary, bool, error)
	AddDecision(ctx context.Context, d history.Decision) error
}

// Redactor scrubs secrets and personal data from text. Optional.
type Redactor interface {
	Redact(text string) (string, int)
}

// Recorder receives coordinator metrics. Optional.
type Recorder interface {
	RecordPhase(from, to string)
	RecordStale(operation string)
	RecordEscalation(strike int)
	RecordEscalationDropped()
	RecordCapability(capability string, elapsed time.Duration, err error)
	SetStrikes(count int)
	SetBalance(balance float64)
	SetActive(active bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordPhase(string, string)                    {}
func (nopRecorder) RecordStale(string)                            {}
func (nopRecorder) RecordEscalation(int)                          {}
func (nopRecorder) RecordEscalationDropped()                      {}
func (nopRecorder) RecordCapability(string, time.Duration, error) {}
func (nopRecorder) SetStrikes(int)                                {}
func (nopRecorder) SetBalance(float64)                            {}
func (nopRecorder) SetActive(bool)                                {}

// =============================================================================
// Construction
// =============================================================================

// Config holds coordinator settings.
type Config struct {
	// ContextObservations is how many recent observations the judge sees, and
	// the manager when none arrived since its last cycle. Default: 5.
	ContextObservations int

	// DefaultMessage is spoken when the decider gives no message.
	DefaultMessage string
}

// Deps are the coordinator's collaborators. Redactor, Recorder and Logger
// are optional; everything else is required.
type Deps struct {
	Clock     schedule.Clock
	Guard     *guard.Guard
	Session   *intervention.Session
	Ledger    *strikes.Ledger
	Tasks     *tasks.Set
	Wallet    *incentives.Wallet
	Capture   *capture.Capture
	Evaluator *compliance.Evaluator
	Store     StateStore
	History   HistoryStore

	Judge      Judge
	Summarizer Summarizer
	Decider    Decider
	Extractor  Extractor
	Speaker    Speaker
	Events     Publisher

	Redactor Redactor
	Recorder Recorder
	Logger   *slog.Logger
}

type frame struct {
	data     []byte
	mimeType string
	seq      uint64
}

// Coordinator wires the enforcement components together.
type Coordinator struct {
	Deps
	config Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	latest      *frame
	frameSeq    uint64
	judgedSeq   uint64
	lastManaged time.Time
}

// New validates deps and creates a Coordinator. Call Close on shutdown.
func New(deps Deps, config Config) (*Coordinator, error) {
	missing := []struct {
		name string
		nil  bool
	}{
		{"Clock", deps.Clock == nil},
		{"Guard", deps.Guard == nil},
		{"Session", deps.Session == nil},
		{"Ledger", deps.Ledger == nil},
		{"Tasks", deps.Tasks == nil},
		{"Wallet", deps.Wallet == nil},
		{"Capture", deps.Capture == nil},
		{"Evaluator", deps.Evaluator == nil},
		{"Store", deps.Store == nil},
		{"History", deps.History == nil},
		{"Judge", deps.Judge == nil},
		{"Summarizer", deps.Summarizer == nil},
		{"Decider", deps.Decider == nil},
		{"Extractor", deps.Extractor == nil},
		{"Speaker", deps.Speaker == nil},
		{"Events", deps.Events == nil},
	}
	for _, m := range missing {
		if m.nil {
			return nil, fmt.Errorf("coordinator: %s is required", m.name)
		}
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if config.ContextObservations <= 0 {
		config.ContextObservations = 5
	}
	if config.DefaultMessage == "" {
		config.DefaultMessage = defaultMessage
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{Deps: deps, config: config, ctx: ctx, cancel: cancel}, nil
}

// Close cancels in-flight dispatches and waits for them to return.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.Capture.Abort()
}

// dispatch runs fn on its own goroutine under the coordinator's lifetime.
func (c *Coordinator) dispatch(fn func(ctx context.Context)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

// =============================================================================
// Recovery
// =============================================================================

// Recover restores persisted state. Call it once before the scheduler
// starts.
//
// # Description
//
// Restores the ledger, task list and balance. An unacknowledged intervention
// is re-established in ready with the guard held and announced to the
// host. Nothing is replayed.
//
// # Outputs
//
//   - error: Non-nil if the store cannot be read or holds invalid state.
func (c *Coordinator) Recover(ctx context.Context) error {
	snap, ok, err := c.Store.LoadLedger(ctx)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	if ok {
		if err := c.Ledger.Restore(snap); err != nil {
			return fmt.Errorf("restore ledger: %w", err)
		}
	}
	c.Recorder.SetStrikes(c.Ledger.Snapshot().Count)

	items, ok, err := c.Store.LoadTasks(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	if ok {
		c.Tasks.Restore(items)
	}

	balance, ok, err := c.Store.LoadBalance(ctx)
	if err != nil {
		return fmt.Errorf("load balance: %w", err)
	}
	if ok {
		c.Wallet.Restore(balance)
	}
	c.Recorder.SetBalance(c.Wallet.Balance())

	pending, ok, err := c.Store.LoadPending(ctx)
	if err != nil {
		return fmt.Errorf("load pending intervention: %w", err)
	}
	if ok && !pending.Acknowledged {
		if err := c.Session.Recover(pending); err != nil {
			return fmt.Errorf("recover intervention: %w", err)
		}
		c.Recorder.SetActive(true)
		c.Recorder.RecordPhase(string(intervention.PhaseNone), string(intervention.PhaseReady))
		c.publishPending(pending)
	}

	c.Logger.Info("state recovered",
		"strikes", c.Ledger.Snapshot().Count,
		"tasks", len(c.Tasks.List()),
		"balance", c.Wallet.Balance(),
		"pending", ok && !pending.Acknowledged,
	)
	return nil
}

// =============================================================================
// Views
// =============================================================================

// State is everything the host shows.
type State struct {
	Ledger  strikes.Snapshot      `json:"ledger"`
	Session intervention.Snapshot `json:"session"`
	Pending *intervention.Pending `json:"pending,omitempty"`
	Balance float64               `json:"balance"`
	Tasks   []tasks.Task          `json:"tasks"`
}

// State returns a consistent-enough view for display.
func (c *Coordinator) State() State {
	st := State{
		Ledger:  c.Ledger.Snapshot(),
		Session: c.Session.Snapshot(),
		Balance: c.Wallet.Balance(),
		Tasks:   c.Tasks.List(),
	}
	if p, ok := c.Session.Pending(); ok {
		st.Pending = &p
	}
	return st
}

// ManagerBusy reports whether an intervention holds the guard.
func (c *Coordinator) ManagerBusy() bool {
	return c.Guard.Busy()
}

// =============================================================================
// Internal helpers
// =============================================================================

// PendingPayload is published when an intervention starts or is recovered.
type PendingPayload struct {
	Pending intervention.Pending  `json:"pending"`
	Session intervention.Snapshot `json:"session"`
}

func (c *Coordinator) publishPending(p intervention.Pending) {
	c.Events.Publish(events.TypePending, PendingPayload{Pending: p, Session: c.Session.Snapshot()})
}

func (c *Coordinator) publishPhase() {
	c.Events.Publish(events.TypePhase, c.Session.Snapshot())
}

// track records a capability call's latency and outcome.
func (c *Coordinator) track(capability string, start time.Time, err error) {
	c.Recorder.RecordCapability(capability, time.Since(start), err)
	if err != nil {
		c.Logger.Warn("capability failed", "capability", capability, "error", err)
	}
}

// scrub redacts text when a Redactor is configured.
func (c *Coordinator) scrub(field, text string) string {
	if c.Redactor == nil || text == "" {
		return text
	}
	out, n := c.Redactor.Redact(text)
	if n > 0 {
		c.Logger.Info("redacted sensitive text", "field", field, "matches", n)
	}
	return out
}

// stale reports whether err is a generation mismatch, counting it if so.
func (c *Coordinator) stale(operation string, err error) bool {
	if errors.Is(err, intervention.ErrStale) || errors.Is(err, intervention.ErrNoSession) {
		c.Recorder.RecordStale(operation)
		c.Logger.Debug("stale completion suppressed", "operation", operation, "error", err)
		return true
	}
	return false
}
