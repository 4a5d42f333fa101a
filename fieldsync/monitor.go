// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"log/slog"
	"time"
)

// Monitor checks the remote API health endpoint on an interval and feeds the
// result to the engine. A restored connection triggers a drain.
type Monitor struct {
	engine   *Engine
	client   *Client
	interval time.Duration
	logger   *slog.Logger
}

// NewMonitor creates a connectivity monitor. interval defaults to 5s.
func NewMonitor(engine *Engine, client *Client, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{engine: engine, client: client, interval: interval, logger: logger}
}

// Check runs one health check and records the outcome.
func (m *Monitor) Check(ctx context.Context) bool {
	err := m.client.Health(ctx)
	if err != nil && ctx.Err() != nil {
		return m.engine.Online()
	}
	if err != nil {
		m.logger.Debug("Health check failed", "error", err)
	}
	m.engine.SetOnline(err == nil)
	return err == nil
}

// Run checks until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
