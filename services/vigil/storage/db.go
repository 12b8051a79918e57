// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage persists enforcement state in BadgerDB.
//
// # Description
//
// The state that must survive a restart is small: the strike ledger, the
// unacknowledged intervention, the task list and the balance. Each lives
// under its own key as JSON.
//
// # Thread Safety
//
// DB and StateStore are safe for concurrent use.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures the database.
type Config struct {
	// Path is the database directory. Required unless InMemory.
	Path string

	// InMemory runs without disk. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives badger's internal logs. Nil silences them.
	Logger *slog.Logger

	// GCInterval is how often RunGC collects the value log. 0 disables.
	GCInterval time.Duration

	// GCDiscardRatio is passed to RunValueLogGC.
	GCDiscardRatio float64
}

// DefaultConfig returns durable settings with GC every 10 minutes.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns settings for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// =============================================================================
// DB
// =============================================================================

// DB wraps badger.DB with transaction helpers and value log GC.
type DB struct {
	db     *badger.DB
	config Config
}

// Open opens or creates the database.
//
// # Outputs
//
//   - *DB: Open database. Close it on shutdown.
//   - error: Non-nil if Path is missing or badger fails to open.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create state directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &DB{db: db, config: cfg}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// WithTxn runs fn in a read-write transaction and commits if fn succeeds.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.db.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// WithReadTxn runs fn in a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.db.NewTransaction(false)
	defer txn.Discard()

	return fn(txn)
}

// RunGC collects the value log every GCInterval until ctx is done.
//
// Returns nil on cancellation. In-memory databases and a zero GCInterval
// just wait for ctx.
func (d *DB) RunGC(ctx context.Context) error {
	if d.config.InMemory || d.config.GCInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(d.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.collect()
		}
	}
}

func (d *DB) collect() {
	ratio := d.config.GCDiscardRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.5
	}
	err := d.db.RunValueLogGC(ratio)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) && d.config.Logger != nil {
		d.config.Logger.Warn("badger value log GC error", "error", err)
	}
}
