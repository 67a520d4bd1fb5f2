// Package deltaredis keeps delta cursors and entity projections in Redis.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package deltaredis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mobiletoly/go-deltasync/deltasync"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces all keys written by this package
const DefaultKeyPrefix = "deltasync"

// Store is a deltasync.CursorStore holding the cursor of one collection in a string key
type Store struct {
	client     redis.UniversalClient
	key        string
	expiration time.Duration
}

// NewStore returns the cursor store of a collection. A positive expiration lets Redis
// drop cursors the server would have expired anyway, which forces a full pass.
func NewStore(client redis.UniversalClient, prefix, collection string, expiration time.Duration) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("client must be provided")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection must be provided")
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{
		client:     client,
		key:        prefix + ":cursor:" + collection,
		expiration: expiration,
	}, nil
}

// Get implements deltasync.CursorStore
func (s *Store) Get(ctx context.Context) (deltasync.Cursor, error) {
	val, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read cursor: %w", err)
	}
	return deltasync.Cursor(val), nil
}

// Set implements deltasync.CursorStore
func (s *Store) Set(ctx context.Context, cursor deltasync.Cursor) error {
	if err := s.client.Set(ctx, s.key, string(cursor), s.expiration).Err(); err != nil {
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	return nil
}

// Clear implements deltasync.CursorStore
func (s *Store) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to clear cursor: %w", err)
	}
	return nil
}

// Projection materializes a collection into a hash, field per entity id.
// Each page runs in a MULTI/EXEC block.
type Projection struct {
	client redis.UniversalClient
	key    string
	fields []string
}

// NewProjection returns the projection of a collection
func NewProjection(client redis.UniversalClient, prefix, collection string, fields ...string) (*Projection, error) {
	if client == nil {
		return nil, fmt.Errorf("client must be provided")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection must be provided")
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Projection{
		client: client,
		key:    prefix + ":entities:" + collection,
		fields: fields,
	}, nil
}

// Fields implements deltasync.FieldSelector
func (p *Projection) Fields() []string { return p.fields }

// Apply implements deltasync.ChangeApplier
func (p *Projection) Apply(ctx context.Context, rec deltasync.ChangeRecord) error {
	return p.ApplyPage(ctx, []deltasync.ChangeRecord{rec})
}

// ApplyPage implements deltasync.PageApplier. Records are encoded before anything
// is sent, so an encoding failure leaves the hash untouched.
func (p *Projection) ApplyPage(ctx context.Context, records []deltasync.ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}
	payloads := make([]string, len(records))
	for i, rec := range records {
		if rec.Removed {
			continue
		}
		attrs := rec.Attributes
		if attrs == nil {
			attrs = map[string]any{}
		}
		b, err := json.Marshal(attrs)
		if err != nil {
			return &deltasync.ApplyError{ID: rec.ID, Err: fmt.Errorf("failed to encode attributes: %w", err)}
		}
		payloads[i] = string(b)
	}

	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, rec := range records {
			if rec.Removed {
				pipe.HDel(ctx, p.key, rec.ID)
			} else {
				pipe.HSet(ctx, p.key, rec.ID, payloads[i])
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply page: %w", err)
	}
	return nil
}

// Reset implements deltasync.Resetter
func (p *Projection) Reset(ctx context.Context) error {
	if err := p.client.Del(ctx, p.key).Err(); err != nil {
		return fmt.Errorf("failed to reset projection: %w", err)
	}
	return nil
}

// Get returns the stored attributes of an entity
func (p *Projection) Get(ctx context.Context, id string) (map[string]any, bool, error) {
	val, err := p.client.HGet(ctx, p.key, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read entity: %w", err)
	}
	var attrs map[string]any
	if err := json.Unmarshal([]byte(val), &attrs); err != nil {
		return nil, false, fmt.Errorf("failed to decode attributes of %s: %w", id, err)
	}
	return attrs, true, nil
}

// IDs returns the ids of stored entities in ascending order
func (p *Projection) IDs(ctx context.Context) ([]string, error) {
	ids, err := p.client.HKeys(ctx, p.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}
