// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history stores activity observations, window summaries and
// manager decisions in SQLite.
//
// The coordinator writes an observation per observer tick, a summary per
// compaction window and a decision per manager cycle. Reads feed the manager
// prompt and the host history views.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Observation is one observer judgment.
type Observation struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
	Thought     string    `json:"thought"`
	Focused     bool      `json:"focused"`
	Method      string    `json:"method"`
	ElapsedMs   float64   `json:"elapsed_ms"`
}

// Summary condenses the observations of one compaction window.
type Summary struct {
	ID               int64     `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Summary          string    `json:"summary"`
	ObservationCount int       `json:"observation_count"`
	PeriodStart      time.Time `json:"period_start"`
	PeriodEnd        time.Time `json:"period_end"`
}

// Decision is one manager cycle outcome.
type Decision struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Productive   bool      `json:"productive"`
	Reason       string    `json:"reason"`
	Interjection string    `json:"interjection,omitempty"`
	Strike       int       `json:"strike"`
}

const schema = `
CREATE TABLE IF NOT EXISTS observations (
	id          TEXT PRIMARY KEY,
	timestamp   INTEGER NOT NULL,
	description TEXT NOT NULL,
	thought     TEXT NOT NULL DEFAULT '',
	focused     INTEGER NOT NULL,
	method      TEXT NOT NULL,
	elapsed_ms  REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_observations_ts ON observations(timestamp);

CREATE TABLE IF NOT EXISTS summaries (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp         INTEGER NOT NULL,
	summary           TEXT NOT NULL,
	observation_count INTEGER NOT NULL,
	period_start      INTEGER NOT NULL,
	period_end        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS decisions (
	id           TEXT PRIMARY KEY,
	timestamp    INTEGER NOT NULL,
	productive   INTEGER NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	interjection TEXT NOT NULL DEFAULT '',
	strike       INTEGER NOT NULL DEFAULT 0
);
`

// Store is the SQLite-backed history.
//
// # Thread Safety
//
// Safe for concurrent use. The pool is limited to one connection so an
// in-memory database is shared by every caller.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" is accepted.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("history path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// Observations
// =============================================================================

// AddObservation stores o.
func (s *Store) AddObservation(ctx context.Context, o Observation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO observations (id, timestamp, description, thought, focused, method, elapsed_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Timestamp.UnixMilli(), o.Description, o.Thought, boolInt(o.Focused), o.Method, o.ElapsedMs)
	if err != nil {
		return fmt.Errorf("insert observation: %w", err)
	}
	return nil
}

// ObservationsSince returns observations strictly after since, oldest first.
// limit <= 0 means no limit.
func (s *Store) ObservationsSince(ctx context.Context, since time.Time, limit int) ([]Observation, error) {
	query := `SELECT id, timestamp, description, thought, focused, method, elapsed_ms
	          FROM observations WHERE timestamp > ? ORDER BY timestamp ASC`
	args := []any{since.UnixMilli()}
	if limit > 0 {
		// keep the newest `limit` rows, still oldest first
		query = `SELECT * FROM (
		           SELECT id, timestamp, description, thought, focused, method, elapsed_ms
		           FROM observations WHERE timestamp > ? ORDER BY timestamp DESC LIMIT ?
		         ) ORDER BY timestamp ASC`
		args = append(args, limit)
	}
	return s.queryObservations(ctx, query, args...)
}

// RecentObservations returns the newest limit observations, oldest first.
func (s *Store) RecentObservations(ctx context.Context, limit int) ([]Observation, error) {
	return s.queryObservations(ctx,
		`SELECT * FROM (
		   SELECT id, timestamp, description, thought, focused, method, elapsed_ms
		   FROM observations ORDER BY timestamp DESC LIMIT ?
		 ) ORDER BY timestamp ASC`, limit)
}

// Observations returns the newest limit observations, newest first.
func (s *Store) Observations(ctx context.Context, limit int) ([]Observation, error) {
	return s.queryObservations(ctx,
		`SELECT id, timestamp, description, thought, focused, method, elapsed_ms
		 FROM observations ORDER BY timestamp DESC LIMIT ?`, limit)
}

func (s *Store) queryObservations(ctx context.Context, query string, args ...any) ([]Observation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var o Observation
		var ts int64
		var focused int
		if err := rows.Scan(&o.ID, &ts, &o.Description, &o.Thought, &focused, &o.Method, &o.ElapsedMs); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		o.Timestamp = time.UnixMilli(ts).UTC()
		o.Focused = focused != 0
		out = append(out, o)
	}
	return out, rows.Err()
}

// =============================================================================
// Summaries
// =============================================================================

// AddSummary stores sum and returns it with its assigned ID.
func (s *Store) AddSummary(ctx context.Context, sum Summary) (Summary, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries (timestamp, summary, observation_count, period_start, period_end)
		 VALUES (?, ?, ?, ?, ?)`,
		sum.Timestamp.UnixMilli(), sum.Summary, sum.ObservationCount,
		sum.PeriodStart.UnixMilli(), sum.PeriodEnd.UnixMilli())
	if err != nil {
		return Summary{}, fmt.Errorf("insert summary: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Summary{}, fmt.Errorf("summary id: %w", err)
	}
	sum.ID = id
	return sum, nil
}

// LatestSummary returns the most recent summary.
func (s *Store) LatestSummary(ctx context.Context) (Summary, bool, error) {
	sums, err := s.Summaries(ctx, 1)
	if err != nil {
		return Summary{}, false, err
	}
	if len(sums) == 0 {
		return Summary{}, false, nil
	}
	return sums[0], true, nil
}

// Summaries returns the newest limit summaries, newest first.
func (s *Store) Summaries(ctx context.Context, limit int) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, summary, observation_count, period_start, period_end
		 FROM summaries ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var ts, start, end int64
		if err := rows.Scan(&sum.ID, &ts, &sum.Summary, &sum.ObservationCount, &start, &end); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.Timestamp = time.UnixMilli(ts).UTC()
		sum.PeriodStart = time.UnixMilli(start).UTC()
		sum.PeriodEnd = time.UnixMilli(end).UTC()
		out = append(out, sum)
	}
	return out, rows.Err()
}

// =============================================================================
// Decisions
// =============================================================================

// AddDecision stores d.
func (s *Store) AddDecision(ctx context.Context, d Decision) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, timestamp, productive, reason, interjection, strike)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.Timestamp.UnixMilli(), boolInt(d.Productive), d.Reason, d.Interjection, d.Strike)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// LatestDecision returns the most recent decision.
func (s *Store) LatestDecision(ctx context.Context) (Decision, bool, error) {
	ds, err := s.Decisions(ctx, 1)
	if err != nil {
		return Decision{}, false, err
	}
	if len(ds) == 0 {
		return Decision{}, false, nil
	}
	return ds[0], true, nil
}

// Decisions returns the newest limit decisions, newest first.
func (s *Store) Decisions(ctx context.Context, limit int) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, productive, reason, interjection, strike
		 FROM decisions ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var ts int64
		var productive int
		if err := rows.Scan(&d.ID, &ts, &productive, &d.Reason, &d.Interjection, &d.Strike); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Timestamp = time.UnixMilli(ts).UTC()
		d.Productive = productive != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

// =============================================================================
// Maintenance
// =============================================================================

// Clear deletes every observation, summary and decision.
func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, table := range []string{"observations", "summaries", "decisions"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
