// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package simulator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"sync"
	"time"
)

// Reporter collects scenario reports and writes them as JSON on Close.
type Reporter struct {
	outputFile string
	logger     *slog.Logger

	mu      sync.Mutex
	reports []*ScenarioReport
}

// NewReporter creates a reporter; an empty outputFile keeps reports in memory only.
func NewReporter(outputFile string, logger *slog.Logger) *Reporter {
	return &Reporter{outputFile: outputFile, logger: logger}
}

// StartScenario starts tracking a new scenario run.
func (r *Reporter) StartScenario(name, description string) *ScenarioReport {
	report := &ScenarioReport{res: ScenarioResult{
		Name:        name,
		Description: description,
		StartTime:   time.Now(),
		Status:      "running",
		Metrics:     make(map[string]any),
	}}
	r.mu.Lock()
	r.reports = append(r.reports, report)
	r.mu.Unlock()
	return report
}

// Final summarizes every report collected so far.
func (r *Reporter) Final() FinalReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	final := FinalReport{GeneratedAt: time.Now(), TotalScenarios: len(r.reports)}
	for _, report := range r.reports {
		res := report.Result()
		switch res.Status {
		case "success":
			final.SuccessfulRuns++
		case "failed":
			final.FailedRuns++
		}
		final.TotalDuration += res.Duration
		final.Scenarios = append(final.Scenarios, res)
	}
	return final
}

// Close writes the final report if an output file was configured.
func (r *Reporter) Close() error {
	if r.outputFile == "" {
		return nil
	}
	final := r.Final()
	data, err := json.MarshalIndent(final, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(r.outputFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}
	r.logger.Info("📊 Report written",
		"file", r.outputFile,
		"scenarios", final.TotalScenarios,
		"successful", final.SuccessfulRuns,
		"failed", final.FailedRuns)
	return nil
}

// ScenarioResult is the JSON form of one scenario run.
type ScenarioResult struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     time.Time      `json:"end_time"`
	Duration    time.Duration  `json:"duration"`
	Status      string         `json:"status"` // running, success, failed
	Error       string         `json:"error,omitempty"`
	Metrics     map[string]any `json:"metrics"`
}

// ScenarioReport tracks one scenario run. Parallel users share a reporter, so
// updates are locked.
type ScenarioReport struct {
	mu  sync.Mutex
	res ScenarioResult
}

func (sr *ScenarioReport) finish(err error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.res.EndTime = time.Now()
	sr.res.Duration = sr.res.EndTime.Sub(sr.res.StartTime)
	if err != nil {
		sr.res.Status = "failed"
		sr.res.Error = err.Error()
		return
	}
	sr.res.Status = "success"
}

// AddMetric records a metric for the scenario.
func (sr *ScenarioReport) AddMetric(key string, value any) {
	sr.mu.Lock()
	sr.res.Metrics[key] = value
	sr.mu.Unlock()
}

// Result returns a copy of the current state.
func (sr *ScenarioReport) Result() ScenarioResult {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	res := sr.res
	res.Metrics = maps.Clone(sr.res.Metrics)
	return res
}

// FinalReport contains the complete run.
type FinalReport struct {
	GeneratedAt    time.Time        `json:"generated_at"`
	TotalScenarios int              `json:"total_scenarios"`
	SuccessfulRuns int              `json:"successful_runs"`
	FailedRuns     int              `json:"failed_runs"`
	TotalDuration  time.Duration    `json:"total_duration"`
	Scenarios      []ScenarioResult `json:"scenarios"`
}
