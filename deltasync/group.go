// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package deltasync

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// SyncAll runs one Sync per Syncer concurrently. Each Syncer owns its cursor and
// session state, so collections progress independently; the first failure cancels
// the remaining passes. Results are returned in argument order.
func SyncAll(ctx context.Context, syncers ...*Syncer) ([]*SyncResult, error) {
	results := make([]*SyncResult, len(syncers))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range syncers {
		g.Go(func() error {
			res, err := s.Sync(gctx)
			if err != nil {
				return fmt.Errorf("collection %q: %w", s.Collection(), err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// RunAll runs Syncer.Run for every Syncer until ctx is cancelled or one loop fails.
func RunAll(ctx context.Context, syncers ...*Syncer) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range syncers {
		g.Go(func() error { return s.Run(gctx) })
	}
	return g.Wait()
}
