// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Command fieldsync-sim runs simulated field devices against a fieldsync server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mobiletoly/go-fieldsync/internal/simulator"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Simulation failed:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		cfg      = simulator.DefaultConfig()
		scenario string
		parallel int
		verbose  bool
	)
	cmd := &cobra.Command{
		Use:   "fieldsync-sim",
		Short: "Simulate field devices going offline and online",
		Long: "Runs scripted device scenarios against a fieldsync server and verifies\n" +
			"that every submission and photo reached it exactly once.\n\nScenarios: " +
			strings.Join(simulator.GetAvailableScenarios(), ", ") + ", all",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if parallel < 1 || parallel > 500 {
				return fmt.Errorf("parallel users must be between 1 and 500, got %d", parallel)
			}
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)
			cfg.Logger = logger

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, scenario, parallel)
		},
	}

	f := cmd.Flags()
	f.StringVar(&scenario, "scenario", "all", "scenario to run")
	f.IntVar(&parallel, "parallel", 1, "number of users to simulate concurrently (1-500)")
	f.BoolVar(&verbose, "verbose", false, "enable verbose logging")
	f.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "server URL")
	f.StringVar(&cfg.Password, "password", cfg.Password, "password used for device sign in")
	f.StringVar(&cfg.OutputFile, "output", "", "write a JSON report to this file")
	f.StringVar(&cfg.WorkDir, "work-dir", "", "directory for device databases (default: temporary)")
	f.BoolVar(&cfg.PreserveDB, "preserve-db", false, "keep device databases for inspection")
	f.BoolVar(&cfg.Verify, "verify", cfg.Verify, "verify delivered data against the server")
	f.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "media chunk size in bytes")
	f.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "maximum time to drain a device queue")
	f.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "seed for generated form data and photos")
	return cmd
}

func run(ctx context.Context, cfg *simulator.Config, scenario string, parallel int) error {
	sim, err := simulator.NewSimulator(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := sim.Close(); err != nil {
			cfg.Logger.Warn("Failed to close simulator", "error", err)
		}
	}()

	start := time.Now()
	runOne := func(s *simulator.Simulator) error {
		if scenario == "all" {
			return s.RunAll(ctx)
		}
		return s.RunScenario(ctx, scenario)
	}

	if parallel == 1 {
		if err := runOne(sim); err != nil {
			return err
		}
	} else {
		cfg.Logger.Info("🚀 Starting parallel simulation", "users", parallel, "scenario", scenario, "server", cfg.ServerURL)
		g, _ := errgroup.WithContext(ctx)
		g.SetLimit(min(parallel, 32))
		for i := range parallel {
			s := sim.ForUser(fmt.Sprintf("u%03d-", i+1))
			g.Go(func() error { return runOne(s) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	final := sim.Reporter().Final()
	cfg.Logger.Info("🎉 Simulation completed",
		"scenarios", final.TotalScenarios,
		"successful", final.SuccessfulRuns,
		"failed", final.FailedRuns,
		"duration", time.Since(start).Round(time.Millisecond))
	return nil
}
