// Package deltasqlite keeps delta cursors and entity projections in a SQLite database,
// so a client resumes incremental sync after a restart.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package deltasqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mobiletoly/go-deltasync/deltasync"
)

// initializeDatabase creates the delta metadata tables
func initializeDatabase(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	tables := []string{
		// One cursor per collection
		`CREATE TABLE IF NOT EXISTS _delta_cursor (
			collection  TEXT NOT NULL PRIMARY KEY,
			cursor      TEXT NOT NULL,
			updated_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Last known state of each entity, attributes as a JSON object
		`CREATE TABLE IF NOT EXISTS _delta_entities (
			collection  TEXT NOT NULL,
			id          TEXT NOT NULL,
			attributes  TEXT NOT NULL,
			updated_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (collection, id)
		)`,
	}
	for _, table := range tables {
		if _, err := db.ExecContext(ctx, table); err != nil {
			return fmt.Errorf("failed to create delta table: %w", err)
		}
	}
	return nil
}

// Store is a deltasync.CursorStore backed by the _delta_cursor table
type Store struct {
	DB         *sql.DB
	Collection string
}

// NewStore creates the metadata tables if needed and returns the cursor store of a collection
func NewStore(ctx context.Context, db *sql.DB, collection string) (*Store, error) {
	if collection == "" {
		return nil, fmt.Errorf("collection must be provided")
	}
	if err := initializeDatabase(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &Store{DB: db, Collection: collection}, nil
}

// Get implements deltasync.CursorStore
func (s *Store) Get(ctx context.Context) (deltasync.Cursor, error) {
	var cursor string
	err := s.DB.QueryRowContext(ctx,
		`SELECT cursor FROM _delta_cursor WHERE collection = ?`, s.Collection).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read cursor: %w", err)
	}
	return deltasync.Cursor(cursor), nil
}

// Set implements deltasync.CursorStore. The upsert is a single statement.
func (s *Store) Set(ctx context.Context, cursor deltasync.Cursor) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO _delta_cursor (collection, cursor) VALUES (?, ?)
		ON CONFLICT(collection) DO UPDATE SET
			cursor = excluded.cursor,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')`,
		s.Collection, string(cursor))
	if err != nil {
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	return nil
}

// Clear implements deltasync.CursorStore
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM _delta_cursor WHERE collection = ?`, s.Collection); err != nil {
		return fmt.Errorf("failed to clear cursor: %w", err)
	}
	return nil
}

// Projection is a deltasync applier that materializes a collection into _delta_entities.
// Each page is applied in one transaction.
type Projection struct {
	DB         *sql.DB
	Collection string
	fields     []string
	writeMu    sync.Mutex // Serialize write transactions to prevent SQLite locking issues
}

// NewProjection creates the metadata tables if needed and returns the projection of a collection
func NewProjection(ctx context.Context, db *sql.DB, collection string, fields ...string) (*Projection, error) {
	if collection == "" {
		return nil, fmt.Errorf("collection must be provided")
	}
	if err := initializeDatabase(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &Projection{DB: db, Collection: collection, fields: fields}, nil
}

// Fields implements deltasync.FieldSelector
func (p *Projection) Fields() []string { return p.fields }

// Apply implements deltasync.ChangeApplier
func (p *Projection) Apply(ctx context.Context, rec deltasync.ChangeRecord) error {
	return p.ApplyPage(ctx, []deltasync.ChangeRecord{rec})
}

// ApplyPage implements deltasync.PageApplier
func (p *Projection) ApplyPage(ctx context.Context, records []deltasync.ChangeRecord) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range records {
		if err := p.applyInTx(ctx, tx, rec); err != nil {
			return &deltasync.ApplyError{ID: rec.ID, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit page: %w", err)
	}
	return nil
}

func (p *Projection) applyInTx(ctx context.Context, tx *sql.Tx, rec deltasync.ChangeRecord) error {
	if rec.Removed {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM _delta_entities WHERE collection = ? AND id = ?`, p.Collection, rec.ID)
		return err
	}

	attrs := rec.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _delta_entities (collection, id, attributes) VALUES (?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			attributes = excluded.attributes,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')`,
		p.Collection, rec.ID, string(payload))
	return err
}

// Reset implements deltasync.Resetter
func (p *Projection) Reset(ctx context.Context) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.DB.ExecContext(ctx, `DELETE FROM _delta_entities WHERE collection = ?`, p.Collection); err != nil {
		return fmt.Errorf("failed to reset projection: %w", err)
	}
	return nil
}

// Get returns the stored attributes of an entity
func (p *Projection) Get(ctx context.Context, id string) (map[string]any, bool, error) {
	var payload string
	err := p.DB.QueryRowContext(ctx,
		`SELECT attributes FROM _delta_entities WHERE collection = ? AND id = ?`, p.Collection, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read entity: %w", err)
	}
	var attrs map[string]any
	if err := json.Unmarshal([]byte(payload), &attrs); err != nil {
		return nil, false, fmt.Errorf("failed to decode attributes of %s: %w", id, err)
	}
	return attrs, true, nil
}

// IDs returns the ids of stored entities in ascending order
func (p *Projection) IDs(ctx context.Context) ([]string, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT id FROM _delta_entities WHERE collection = ? ORDER BY id`, p.Collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
