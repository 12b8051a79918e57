// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/Vigil/pkg/logging"
	"github.com/AleutianAI/Vigil/services/vigil"
	"github.com/AleutianAI/Vigil/services/vigil/config"
	"github.com/AleutianAI/Vigil/services/vigil/history"
	"github.com/AleutianAI/Vigil/services/vigil/storage"
)

var (
	configPath string
	listLimit  int
	cfg        config.Config
)

var (
	rootCmd = &cobra.Command{
		Use:          "vigil",
		Short:        "Attention coordinator that watches the screen and redirects drift",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator and the host API",
		RunE:  runServe,
	}

	ledgerCmd = &cobra.Command{
		Use:   "ledger",
		Short: "Print the strike ledger, balance, tasks and pending intervention",
		RunE:  runLedger,
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Print recent observations and manager decisions",
		RunE:  runHistory,
	}

	summariesCmd = &cobra.Command{
		Use:   "summaries",
		Short: "Print compaction summaries",
		RunE:  runSummaries,
	}

	clearHistoryCmd = &cobra.Command{
		Use:   "clear-history",
		Short: "Delete observations, summaries and decisions (the ledger is kept)",
		RunE:  runClearHistory,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("VIGIL_CONFIG"), "Path to the YAML config file")
	historyCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum rows per table")
	summariesCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum summaries")

	rootCmd.AddCommand(serveCmd, ledgerCmd, historyCmd, summariesCmd, clearHistoryCmd)
}

// =============================================================================
// serve
// =============================================================================

func runServe(cmd *cobra.Command, _ []string) error {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "vigil",
		JSON:    cfg.Logging.JSON,
	})
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := vigil.New(ctx, cfg, vigil.Options{
		ConfigPath: configPath,
		Logger:     logger.Slog(),
	})
	if err != nil {
		logger.Error("failed to start vigil", "error", err)
		return err
	}
	defer svc.Close()

	if err := svc.Run(ctx); err != nil {
		logger.Error("vigil stopped with error", "error", err)
		return err
	}
	logger.Info("vigil stopped")
	return nil
}

// =============================================================================
// Offline inspection
// =============================================================================

type taskView struct {
	Text string `yaml:"text"`
	Done bool   `yaml:"done"`
}

type pendingView struct {
	ID           string `yaml:"id"`
	Message      string `yaml:"message"`
	Strike       int    `yaml:"strike"`
	Mood         string `yaml:"mood"`
	Acknowledged bool   `yaml:"acknowledged"`
}

type ledgerView struct {
	Strikes     int          `yaml:"strikes"`
	WindowStart string       `yaml:"window_start,omitempty"`
	Balance     float64      `yaml:"balance"`
	Tasks       []taskView   `yaml:"tasks"`
	Pending     *pendingView `yaml:"pending,omitempty"`
}

func runLedger(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	db, err := storage.Open(storage.DefaultConfig(cfg.Storage.StateDir))
	if err != nil {
		return fmt.Errorf("open state (is vigil serve running?): %w", err)
	}
	defer db.Close()
	state := storage.NewStateStore(db)

	var view ledgerView
	snap, ok, err := state.LoadLedger(ctx)
	if err != nil {
		return err
	}
	if ok {
		view.Strikes = snap.Count
		view.WindowStart = snap.WindowStart.Local().Format("2006-01-02 15:04")
	}

	view.Balance = cfg.Incentives.StartingBalance
	balance, ok, err := state.LoadBalance(ctx)
	if err != nil {
		return err
	}
	if ok {
		view.Balance = balance
	}

	items, _, err := state.LoadTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range items {
		view.Tasks = append(view.Tasks, taskView{Text: t.Text, Done: t.Done})
	}

	p, ok, err := state.LoadPending(ctx)
	if err != nil {
		return err
	}
	if ok {
		view.Pending = &pendingView{
			ID:           p.ID,
			Message:      p.Message,
			Strike:       p.StrikeSnapshot,
			Mood:         string(p.Mood),
			Acknowledged: p.Acknowledged,
		}
	}

	return printYAML(cmd.OutOrStdout(), view)
}

func withHistory(ctx context.Context, fn func(*history.Store) error) error {
	store, err := history.Open(ctx, cfg.Storage.HistoryPath)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func runHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	return withHistory(ctx, func(store *history.Store) error {
		obs, err := store.Observations(ctx, listLimit)
		if err != nil {
			return err
		}
		decisions, err := store.Decisions(ctx, listLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Observations (%d)\n", len(obs))
		for _, o := range obs {
			mark := " "
			if o.Focused {
				mark = "*"
			}
			fmt.Fprintf(out, "  %s %s [%s] %s\n", mark, o.Timestamp.Local().Format("15:04:05"), o.Method, o.Description)
		}
		fmt.Fprintf(out, "Decisions (%d)\n", len(decisions))
		for _, d := range decisions {
			verdict := "off-task"
			if d.Productive {
				verdict = "productive"
			}
			fmt.Fprintf(out, "  %s %-10s strike=%d %s\n", d.Timestamp.Local().Format("15:04:05"), verdict, d.Strike, d.Reason)
		}
		return nil
	})
}

func runSummaries(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	return withHistory(ctx, func(store *history.Store) error {
		sums, err := store.Summaries(ctx, listLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, s := range sums {
			fmt.Fprintf(out, "%s - %s (%d observations)\n  %s\n",
				s.PeriodStart.Local().Format("15:04"), s.PeriodEnd.Local().Format("15:04"),
				s.ObservationCount, s.Summary)
		}
		if len(sums) == 0 {
			fmt.Fprintln(out, "No summaries yet.")
		}
		return nil
	})
}

func runClearHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	return withHistory(ctx, func(store *history.Store) error {
		if err := store.Clear(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "History cleared.")
		return nil
	})
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
