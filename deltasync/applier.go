// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package deltasync

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// ChangeApplier consumes change records and updates a local projection.
// Apply must be an idempotent upsert; a removed record deletes the local entry if
// present and is a no-op otherwise.
type ChangeApplier interface {
	Apply(ctx context.Context, rec ChangeRecord) error
}

// PageApplier is implemented by appliers that can apply a whole page atomically,
// e.g. inside a single database transaction.
type PageApplier interface {
	ApplyPage(ctx context.Context, records []ChangeRecord) error
}

// Resetter is implemented by appliers that can drop their projection. It is called
// when a full pass delivers its first page.
type Resetter interface {
	Reset(ctx context.Context) error
}

// FieldSelector is implemented by appliers that know which attributes they need.
// The fields are used as the initial query selection when Config.Select is empty.
type FieldSelector interface {
	Fields() []string
}

// ApplierFunc adapts a function to ChangeApplier
type ApplierFunc func(ctx context.Context, rec ChangeRecord) error

func (f ApplierFunc) Apply(ctx context.Context, rec ChangeRecord) error { return f(ctx, rec) }

// Projection is an in-memory last-writer-wins table keyed by entity id
type Projection struct {
	mu       sync.RWMutex
	entities map[string]map[string]any
	fields   []string
}

// NewProjection creates an empty projection that selects the given fields
func NewProjection(fields ...string) *Projection {
	return &Projection{
		entities: make(map[string]map[string]any),
		fields:   fields,
	}
}

// Apply implements ChangeApplier
func (p *Projection) Apply(_ context.Context, rec ChangeRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyLocked(rec)
	return nil
}

// ApplyPage implements PageApplier
func (p *Projection) ApplyPage(_ context.Context, records []ChangeRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range records {
		p.applyLocked(rec)
	}
	return nil
}

func (p *Projection) applyLocked(rec ChangeRecord) {
	if rec.Removed {
		delete(p.entities, rec.ID)
		return
	}
	p.entities[rec.ID] = maps.Clone(rec.Attributes)
}

// Reset implements Resetter
func (p *Projection) Reset(_ context.Context) error {
	p.mu.Lock()
	p.entities = make(map[string]map[string]any)
	p.mu.Unlock()
	return nil
}

// Fields implements FieldSelector
func (p *Projection) Fields() []string { return p.fields }

// Get returns a copy of the entity attributes
func (p *Projection) Get(id string) (map[string]any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	attrs, ok := p.entities[id]
	if !ok {
		return nil, false
	}
	return maps.Clone(attrs), true
}

// Len returns the number of entities
func (p *Projection) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entities)
}

// IDs returns the entity ids in sorted order
func (p *Projection) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Sorted(maps.Keys(p.entities))
}

// Snapshot returns a deep-enough copy of the projection for comparisons
func (p *Projection) Snapshot() map[string]map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]map[string]any, len(p.entities))
	for id, attrs := range p.entities {
		out[id] = maps.Clone(attrs)
	}
	return out
}
