// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package deltasync

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the wait between attempts. Multiplier <= 1 gives a fixed interval.
type Backoff struct {
	Min        time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     time.Duration // uniform random extra wait in [0, Jitter)
}

// Delay returns the wait before attempt n (n starts at 0).
func (b Backoff) Delay(n int) time.Duration {
	d := b.Min
	if b.Multiplier > 1 {
		for i := 0; i < n; i++ {
			next := float64(d) * b.Multiplier
			if next >= math.MaxInt64 {
				d = math.MaxInt64
				break
			}
			d = time.Duration(next)
			if b.Max > 0 && d >= b.Max {
				d = b.Max
				break
			}
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		if j := rand.N(b.Jitter); d <= math.MaxInt64-j {
			d += j
		}
	}
	return d
}

// RetryPolicy bounds the retries of transient fetch failures
type RetryPolicy struct {
	MaxAttempts int // total attempts including the first; <= 0 means 1
	Backoff     Backoff
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
