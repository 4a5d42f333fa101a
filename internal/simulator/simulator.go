// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package simulator drives simulated field devices through offline and online
// scenarios against a running API and verifies what reached the server.
package simulator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// Config holds simulator settings.
type Config struct {
	ServerURL string
	Password  string

	// WorkDir holds device databases; empty creates a temporary directory.
	WorkDir    string
	PreserveDB bool
	Verify     bool
	OutputFile string

	ChunkSize    int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	MaxAttempts  int
	DrainTimeout time.Duration
	Seed         uint64

	// Transport underlies every device network; nil uses http.DefaultTransport.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// DefaultConfig returns settings tuned for quick local runs.
func DefaultConfig() *Config {
	return &Config{
		ServerURL:    "http://localhost:8080",
		Password:     "sim",
		Verify:       true,
		ChunkSize:    8 << 10,
		BackoffBase:  20 * time.Millisecond,
		BackoffMax:   200 * time.Millisecond,
		MaxAttempts:  10,
		DrainTimeout: 30 * time.Second,
		Seed:         1,
		Logger:       slog.Default(),
	}
}

// Simulator runs scenarios and records their reports.
type Simulator struct {
	config   *Config
	logger   *slog.Logger
	verifier *Verifier
	reporter *Reporter

	// userPrefix separates the users of parallel runs.
	userPrefix string
	ownsDir    bool
}

// NewSimulator creates a simulator; a nil cfg uses DefaultConfig.
func NewSimulator(cfg *Config) (*Simulator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	s := &Simulator{config: &c, logger: c.Logger}
	if c.WorkDir == "" {
		dir, err := os.MkdirTemp("", "fieldsync-sim-")
		if err != nil {
			return nil, fmt.Errorf("failed to create work directory: %w", err)
		}
		c.WorkDir = dir
		s.ownsDir = true
	} else if err := os.MkdirAll(c.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	if c.Verify {
		s.verifier = NewVerifier(c.ServerURL, c.Password, c.Transport, s.logger)
	}
	s.reporter = NewReporter(c.OutputFile, s.logger)
	return s, nil
}

// ForUser returns a simulator sharing reporter and verifier whose scenarios
// use users prefixed with prefix.
func (s *Simulator) ForUser(prefix string) *Simulator {
	cp := *s
	cp.userPrefix = prefix
	cp.ownsDir = false
	cp.logger = s.logger.With("sim_user", prefix)
	return &cp
}

// Reporter returns the shared reporter.
func (s *Simulator) Reporter() *Reporter { return s.reporter }

// Logger returns the simulator logger.
func (s *Simulator) Logger() *slog.Logger { return s.logger }

// RunScenario executes one scenario: setup, execute, verify and cleanup.
func (s *Simulator) RunScenario(ctx context.Context, name string) (err error) {
	scenario := GetScenario(s, name)
	if scenario == nil {
		return fmt.Errorf("unknown scenario: %s", name)
	}
	report := s.reporter.StartScenario(name, scenario.Description())
	defer func() { report.finish(err) }()

	s.logger.Info("🎬 Starting scenario", "name", name, "description", scenario.Description())
	defer func() {
		if cerr := scenario.Cleanup(context.WithoutCancel(ctx)); cerr != nil {
			s.logger.Warn("Cleanup failed", "name", name, "error", cerr)
		}
	}()

	if err := scenario.Setup(ctx); err != nil {
		return fmt.Errorf("setup failed: %w", err)
	}
	if err := scenario.Execute(ctx, report); err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}
	if s.verifier != nil {
		if err := scenario.Verify(ctx, s.verifier, report); err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
	}
	s.logger.Info("✅ Scenario completed", "name", name, "duration", time.Since(report.Result().StartTime).Round(time.Millisecond))
	return nil
}

// RunAll executes every registered scenario in order and stops at the first failure.
func (s *Simulator) RunAll(ctx context.Context) error {
	names := GetAvailableScenarios()
	for i, name := range names {
		s.logger.Info("📋 Running scenario", "index", i+1, "total", len(names), "name", name)
		if err := s.RunScenario(ctx, name); err != nil {
			return fmt.Errorf("scenario %s failed: %w", name, err)
		}
	}
	return nil
}

// Close writes the report and removes a temporary work directory.
func (s *Simulator) Close() error {
	err := s.reporter.Close()
	if s.ownsDir && !s.config.PreserveDB {
		if rerr := os.RemoveAll(s.config.WorkDir); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}
