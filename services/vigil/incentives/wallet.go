// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package incentives applies penalties and rewards to the subject's balance.
package incentives

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/AleutianAI/Vigil/services/vigil/intervention"
)

// Config holds the balance rules.
type Config struct {
	// StartingBalance is used when nothing was persisted.
	StartingBalance float64 `yaml:"starting_balance" json:"starting_balance" validate:"gte=0"`

	// PenaltyPerStrike[i] is deducted at strike i+1. Strikes past the end use
	// the last entry.
	PenaltyPerStrike []float64 `yaml:"penalty_per_strike" json:"penalty_per_strike" validate:"min=1,dive,gte=0"`

	// RewardScale is multiplied by the completion ratio.
	RewardScale float64 `yaml:"reward_scale" json:"reward_scale" validate:"gte=0"`
}

// DefaultConfig returns 100 starting, 5/10/20 penalties and a reward of 10
// for clearing every outstanding task.
func DefaultConfig() Config {
	return Config{
		StartingBalance:  100,
		PenaltyPerStrike: []float64{5, 10, 20},
		RewardScale:      10,
	}
}

// Store persists the balance.
type Store interface {
	SaveBalance(float64) error
}

// Reward records a balance increase.
type Reward struct {
	Ratio         float64 `json:"ratio"`
	Amount        float64 `json:"amount"`
	BalanceBefore float64 `json:"balance_before"`
	BalanceAfter  float64 `json:"balance_after"`
}

// Wallet is the subject's balance.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Wallet struct {
	mu      sync.Mutex
	balance float64
	config  Config
	store   Store
	logger  *slog.Logger
}

// NewWallet creates a wallet at config.StartingBalance. store may be nil.
func NewWallet(config Config, store Store, logger *slog.Logger) *Wallet {
	if len(config.PenaltyPerStrike) == 0 {
		config.PenaltyPerStrike = DefaultConfig().PenaltyPerStrike
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Wallet{
		balance: config.StartingBalance,
		config:  config,
		store:   store,
		logger:  logger,
	}
}

// Restore sets the balance from storage without writing it back.
func (w *Wallet) Restore(balance float64) {
	w.mu.Lock()
	w.balance = balance
	w.mu.Unlock()
}

// Balance returns the current balance.
func (w *Wallet) Balance() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance
}

// ApplyPenalty deducts the amount scheduled for strike.
//
// # Description
//
// The balance never goes below zero; the recorded amount is what was
// actually deducted.
//
// # Outputs
//
//   - intervention.Penalty: Amount and balances for the pending record.
//   - error: Non-nil for strike < 1.
func (w *Wallet) ApplyPenalty(strike int) (intervention.Penalty, error) {
	if strike < 1 {
		return intervention.Penalty{}, fmt.Errorf("penalty for strike %d", strike)
	}
	idx := strike - 1
	if idx >= len(w.config.PenaltyPerStrike) {
		idx = len(w.config.PenaltyPerStrike) - 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	before := w.balance
	amount := math.Min(w.config.PenaltyPerStrike[idx], before)
	w.balance = round2(before - amount)
	w.persistLocked()

	w.logger.Info("penalty applied", "strike", strike, "amount", amount, "balance", w.balance)
	return intervention.Penalty{
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  w.balance,
	}, nil
}

// ApplyReward credits RewardScale * ratio. ratio is clamped to [0, 1].
func (w *Wallet) ApplyReward(ratio float64) Reward {
	ratio = math.Max(0, math.Min(1, ratio))

	w.mu.Lock()
	defer w.mu.Unlock()

	before := w.balance
	amount := round2(w.config.RewardScale * ratio)
	w.balance = round2(before + amount)
	if amount > 0 {
		w.persistLocked()
	}

	w.logger.Info("reward applied", "ratio", ratio, "amount", amount, "balance", w.balance)
	return Reward{Ratio: ratio, Amount: amount, BalanceBefore: before, BalanceAfter: w.balance}
}

func (w *Wallet) persistLocked() {
	if w.store == nil {
		return
	}
	if err := w.store.SaveBalance(w.balance); err != nil {
		w.logger.Warn("failed to persist balance", "error", err)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
