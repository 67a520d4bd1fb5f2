// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package deltasync

import (
	"context"
	"time"
)

const (
	MetricsOpSync = "sync"
	MetricsOpPoll = "poll"

	MetricsStageFetch  = "fetch"
	MetricsStageApply  = "apply"
	MetricsStageCommit = "commit"
	MetricsStageTotal  = "total"
)

type StageTiming struct {
	Operation  string
	Collection string
	Stage      string
	Duration   time.Duration
	Count      int
	Attempt    int
	Error      bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

func (s *Syncer) stageTimingEnabled() bool {
	return s.config.StageMetrics != nil || s.config.LogStageTimings
}

func (s *Syncer) stageStart() time.Time {
	if !s.stageTimingEnabled() {
		return time.Time{}
	}
	return time.Now()
}

func (s *Syncer) observeStage(ctx context.Context, op, stage string, start time.Time, count, attempt int, hadError bool) {
	if start.IsZero() {
		return
	}

	timing := StageTiming{
		Operation:  op,
		Collection: s.config.Collection,
		Stage:      stage,
		Duration:   time.Since(start),
		Count:      count,
		Attempt:    attempt,
		Error:      hadError,
	}

	if s.config.StageMetrics != nil {
		s.config.StageMetrics.ObserveStage(ctx, timing)
	}
	if s.config.LogStageTimings {
		s.logger.Debug("Stage timing",
			"collection", timing.Collection,
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}
