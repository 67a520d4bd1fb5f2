// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package deltasync

import (
	"context"
	"sync"
)

// CursorStore holds the delta watermark of one collection between passes.
// Set must be atomic with respect to the cursor it replaces: a concurrent Get observes
// either the old or the new value, never a partial write.
type CursorStore interface {
	// Get returns the stored cursor, or an empty cursor when none is known.
	Get(ctx context.Context) (Cursor, error)
	// Set replaces the stored cursor.
	Set(ctx context.Context, cursor Cursor) error
	// Clear discards the stored cursor, forcing the next pass to be a full resync.
	Clear(ctx context.Context) error
}

// MemoryCursorStore keeps the cursor in process memory only.
// It does not survive restarts.
type MemoryCursorStore struct {
	mu     sync.RWMutex
	cursor Cursor
}

// NewMemoryCursorStore creates a store seeded with an optional cursor
func NewMemoryCursorStore(initial Cursor) *MemoryCursorStore {
	return &MemoryCursorStore{cursor: initial}
}

func (s *MemoryCursorStore) Get(_ context.Context) (Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor, nil
}

func (s *MemoryCursorStore) Set(_ context.Context, cursor Cursor) error {
	s.mu.Lock()
	s.cursor = cursor
	s.mu.Unlock()
	return nil
}

func (s *MemoryCursorStore) Clear(ctx context.Context) error {
	return s.Set(ctx, "")
}
