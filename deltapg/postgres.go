// Package deltapg keeps delta cursors and entity projections in PostgreSQL.
// Several clients or workers can share one database, each collection keyed by name.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package deltapg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-deltasync/deltasync"
)

const (
	stmtUpsertEntity = `
		INSERT INTO delta_entities (collection, id, attributes) VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (collection, id) DO UPDATE SET
			attributes = EXCLUDED.attributes,
			updated_at = now()`
	stmtDeleteEntity = `DELETE FROM delta_entities WHERE collection = $1 AND id = $2`

	// page transactions that lose a serialization race are replayed this many times
	maxTxAttempts = 3
	txRetryDelay  = 20 * time.Millisecond
)

// InitializeSchema creates the delta tables if they do not exist
func InitializeSchema(ctx context.Context, pool *pgxpool.Pool) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		statements := []string{
			`CREATE TABLE IF NOT EXISTS delta_cursor (
				collection TEXT PRIMARY KEY,
				cursor     TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE TABLE IF NOT EXISTS delta_entities (
				collection TEXT NOT NULL,
				id         TEXT NOT NULL,
				attributes JSONB NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				PRIMARY KEY (collection, id)
			)`,
		}
		for _, stmt := range statements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create delta schema: %w", err)
			}
		}
		return nil
	})
}

// Store is a deltasync.CursorStore backed by the delta_cursor table
type Store struct {
	pool       *pgxpool.Pool
	collection string
}

// NewStore returns the cursor store of a collection. Call InitializeSchema first.
func NewStore(pool *pgxpool.Pool, collection string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool must be provided")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection must be provided")
	}
	return &Store{pool: pool, collection: collection}, nil
}

// Get implements deltasync.CursorStore
func (s *Store) Get(ctx context.Context) (deltasync.Cursor, error) {
	var cursor string
	err := s.pool.QueryRow(ctx,
		`SELECT cursor FROM delta_cursor WHERE collection = $1`, s.collection).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read cursor: %w", err)
	}
	return deltasync.Cursor(cursor), nil
}

// Set implements deltasync.CursorStore
func (s *Store) Set(ctx context.Context, cursor deltasync.Cursor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delta_cursor (collection, cursor) VALUES ($1, $2)
		ON CONFLICT (collection) DO UPDATE SET
			cursor = EXCLUDED.cursor,
			updated_at = now()`,
		s.collection, string(cursor))
	if err != nil {
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	return nil
}

// Clear implements deltasync.CursorStore
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM delta_cursor WHERE collection = $1`, s.collection); err != nil {
		return fmt.Errorf("failed to clear cursor: %w", err)
	}
	return nil
}

// Projection materializes a collection into delta_entities. A page is sent as one
// batch inside one transaction.
type Projection struct {
	pool       *pgxpool.Pool
	collection string
	fields     []string
}

// NewProjection returns the projection of a collection. Call InitializeSchema first.
func NewProjection(pool *pgxpool.Pool, collection string, fields ...string) (*Projection, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool must be provided")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection must be provided")
	}
	return &Projection{pool: pool, collection: collection, fields: fields}, nil
}

// Fields implements deltasync.FieldSelector
func (p *Projection) Fields() []string { return p.fields }

// Apply implements deltasync.ChangeApplier
func (p *Projection) Apply(ctx context.Context, rec deltasync.ChangeRecord) error {
	return p.ApplyPage(ctx, []deltasync.ChangeRecord{rec})
}

// ApplyPage implements deltasync.PageApplier
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
		payload, err := json.Marshal(attrs)
		if err != nil {
			return &deltasync.ApplyError{ID: rec.ID, Err: fmt.Errorf("failed to encode attributes: %w", err)}
		}
		payloads[i] = string(payload)
	}

	for attempt := 1; ; attempt++ {
		err := p.applyBatch(ctx, records, payloads)
		if err == nil || attempt >= maxTxAttempts || !isRetryablePGTxError(err) {
			return err
		}
		timer := time.NewTimer(time.Duration(attempt) * txRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (p *Projection) applyBatch(ctx context.Context, records []deltasync.ChangeRecord, payloads []string) error {
	b := &pgx.Batch{}
	for i, rec := range records {
		if rec.Removed {
			b.Queue(stmtDeleteEntity, p.collection, rec.ID)
		} else {
			b.Queue(stmtUpsertEntity, p.collection, rec.ID, payloads[i])
		}
	}

	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, b)
		for _, rec := range records {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return &deltasync.ApplyError{ID: rec.ID, Err: err}
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("failed to apply page: %w", err)
		}
		return nil
	})
}

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available
		return true
	default:
		return false
	}
}

// Reset implements deltasync.Resetter
func (p *Projection) Reset(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM delta_entities WHERE collection = $1`, p.collection); err != nil {
		return fmt.Errorf("failed to reset projection: %w", err)
	}
	return nil
}

// Get returns the stored attributes of an entity
func (p *Projection) Get(ctx context.Context, id string) (map[string]any, bool, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx,
		`SELECT attributes FROM delta_entities WHERE collection = $1 AND id = $2`, p.collection, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read entity: %w", err)
	}
	var attrs map[string]any
	if err := json.Unmarshal(payload, &attrs); err != nil {
		return nil, false, fmt.Errorf("failed to decode attributes of %s: %w", id, err)
	}
	return attrs, true, nil
}

// IDs returns the ids of stored entities in ascending order
func (p *Projection) IDs(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id FROM delta_entities WHERE collection = $1 ORDER BY id COLLATE "C"`, p.collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	return ids, nil
}
