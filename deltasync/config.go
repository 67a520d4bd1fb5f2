// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package deltasync

import "time"

// Config holds configuration of a Syncer. One Syncer serves one collection.
type Config struct {
	Collection string   // name of the synced collection, used in logs and metrics
	Select     []string // fields requested on the initial query; empty = ask the applier

	Retry           RetryPolicy // transient fetch failures
	Poll            Backoff     // wait between "no changes yet" polls
	PollMaxAttempts int         // 0 = poll until the context is cancelled
	MaxResyncs      int         // consecutive forced full resyncs tolerated in one call

	SyncInterval time.Duration // Run: wait between successful passes
	ErrorBackoff Backoff       // Run: wait after a failed pass

	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
}

// DefaultConfig returns a configuration for the named collection.
func DefaultConfig(collection string, fields ...string) *Config {
	return &Config{
		Collection: collection,
		Select:     fields,
		Retry: RetryPolicy{
			MaxAttempts: 5,
			Backoff:     Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2},
		},
		Poll:         Backoff{Min: 1 * time.Second, Max: 30 * time.Second, Multiplier: 2},
		MaxResyncs:   3,
		SyncInterval: 30 * time.Second,
		ErrorBackoff: Backoff{Min: 1 * time.Second, Max: 60 * time.Second, Multiplier: 2},
	}
}
