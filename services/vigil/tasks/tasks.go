// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tasks holds the subject's ordered task list.
//
// Task text is opaque. The coordinator only reads the list and marks ids
// done when a compliance evaluation or a screen judgment reports them
// completed.
package tasks

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Task is one item on the list.
type Task struct {
	ID   string `json:"id"`
	Text string `json:"text" validate:"required,max=500"`
	Done bool   `json:"done"`
}

// Store persists the list. Implemented by the badger state store.
type Store interface {
	SaveTasks([]Task) error
}

// Set is the ordered task list.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Returned slices are copies.
type Set struct {
	mu     sync.RWMutex
	items  []Task
	store  Store
	logger *slog.Logger
}

// NewSet creates an empty set. store may be nil.
func NewSet(store Store, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{store: store, logger: logger}
}

// Replace swaps the whole list. Blank entries are dropped and missing ids
// are assigned.
func (s *Set) Replace(items []Task) []Task {
	cleaned := make([]Task, 0, len(items))
	for _, t := range items {
		t.Text = strings.TrimSpace(t.Text)
		if t.Text == "" {
			continue
		}
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		cleaned = append(cleaned, t)
	}

	s.mu.Lock()
	s.items = cleaned
	out := s.copyLocked()
	s.persistLocked()
	s.mu.Unlock()
	return out
}

// Restore loads a persisted list without writing it back.
func (s *Set) Restore(items []Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append([]Task(nil), items...)
}

// List returns every task in order.
func (s *Set) List() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

// Outstanding returns the tasks not yet done, in order.
func (s *Set) Outstanding() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Task, 0, len(s.items))
	for _, t := range s.items {
		if !t.Done {
			out = append(out, t)
		}
	}
	return out
}

// Complete marks the given ids done.
//
// # Outputs
//
//   - []string: The ids that were outstanding and are now done. Unknown or
//     already-done ids are ignored.
func (s *Set) Complete(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var applied []string
	for i := range s.items {
		if want[s.items[i].ID] && !s.items[i].Done {
			s.items[i].Done = true
			applied = append(applied, s.items[i].ID)
		}
	}
	if len(applied) > 0 {
		s.persistLocked()
	}
	return applied
}

// OutstandingIDs maps task texts to the ids of outstanding tasks with the
// same text, ignoring case and surrounding space. Texts with no match are
// dropped.
func (s *Set) OutstandingIDs(texts []string) []string {
	if len(texts) == 0 {
		return nil
	}
	var ids []string
	for _, t := range s.Outstanding() {
		for _, text := range texts {
			if strings.EqualFold(strings.TrimSpace(text), t.Text) {
				ids = append(ids, t.ID)
				break
			}
		}
	}
	return ids
}

// Texts returns the outstanding task texts, for prompts.
func (s *Set) Texts() []string {
	outstanding := s.Outstanding()
	out := make([]string, len(outstanding))
	for i, t := range outstanding {
		out[i] = t.Text
	}
	return out
}

func (s *Set) copyLocked() []Task {
	return append([]Task(nil), s.items...)
}

func (s *Set) persistLocked() {
	if s.store == nil {
		return
	}
	if err := s.store.SaveTasks(s.copyLocked()); err != nil {
		s.logger.Warn("failed to persist tasks", "error", err)
	}
}
