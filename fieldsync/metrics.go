// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricsOpCycle = "cycle"
	MetricsOpItem  = "item"

	MetricsStageTotal  = "total"
	MetricsStageHealth = "health"
	MetricsStageBatch  = "batch"

	// Item stages, one per queue item type.
	MetricsStageSubmission = "form_submission"
	MetricsStageMedia      = "media_upload"
	MetricsStageReplay     = "request_replay"

	// Media upload stages.
	MetricsStageChunk    = "chunk"
	MetricsStageComplete = "complete"
)

type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Attempt   int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// PrometheusRecorder exports stage timings as Prometheus metrics.
type PrometheusRecorder struct {
	durations *prometheus.HistogramVec
	items     *prometheus.CounterVec
}

// NewPrometheusRecorder registers the sync metrics with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fieldsync",
			Name:      "stage_duration_seconds",
			Help:      "Duration of sync engine stages.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"op", "stage", "error"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "stage_items_total",
			Help:      "Items handled by sync engine stages.",
		}, []string{"op", "stage", "error"}),
	}
	for _, c := range []prometheus.Collector{r.durations, r.items} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *PrometheusRecorder) ObserveStage(_ context.Context, t StageTiming) {
	errLabel := "false"
	if t.Error {
		errLabel = "true"
	}
	r.durations.WithLabelValues(t.Operation, t.Stage, errLabel).Observe(t.Duration.Seconds())
	if t.Count > 0 {
		r.items.WithLabelValues(t.Operation, t.Stage, errLabel).Add(float64(t.Count))
	}
}

// stageObserver feeds timings to an optional recorder and an optional debug log.
type stageObserver struct {
	recorder StageMetricsRecorder
	log      bool
	logger   *slog.Logger
}

func (s stageObserver) enabled() bool { return s.recorder != nil || s.log }

func (s stageObserver) start() time.Time {
	if !s.enabled() {
		return time.Time{}
	}
	return time.Now()
}

func (s stageObserver) observe(ctx context.Context, op, stage string, start time.Time, count, attempt int, hadError bool) {
	if start.IsZero() {
		return
	}
	timing := StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Attempt:   attempt,
		Error:     hadError,
	}
	if s.recorder != nil {
		s.recorder.ObserveStage(ctx, timing)
	}
	if s.log && s.logger != nil {
		s.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}
