// Package deltaserver is a reference delta-query service. It keeps collections of
// JSON entities in memory and serves them through paged full and incremental passes
// with opaque continuation and delta tokens.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package deltaserver

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-deltasync/deltasync"
)

var (
	ErrUnknownCollection = errors.New("unknown collection")
	ErrNotFound          = errors.New("entity not found")
	ErrTokenExpired      = errors.New("sync state not found or expired")
	ErrInvalidEntity     = errors.New("invalid entity")
)

// ServiceConfig holds configuration for the delta service
type ServiceConfig struct {
	AppName     string
	Collections []string // collections served by the service (required)

	DefaultPageSize int           // page size when the client sends no Prefer hint
	MaxPageSize     int           // upper bound for client page size hints
	TokenTTL        time.Duration // lifetime of skip and delta tokens (0 = never expire)

	// VisibilityDelay delays the moment a write shows up in delta passes, simulating
	// replication lag between the write and the read side.
	VisibilityDelay time.Duration

	Clock func() time.Time // defaults to time.Now
}

// DefaultServiceConfig returns a configuration serving the given collections
func DefaultServiceConfig(collections ...string) *ServiceConfig {
	return &ServiceConfig{
		AppName:         "go-deltasync-server",
		Collections:     collections,
		DefaultPageSize: 100,
		MaxPageSize:     1000,
		TokenTTL:        24 * time.Hour,
	}
}

// Entity is the latest visible state of an entity
type Entity struct {
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes"`
	Version    int64          `json:"version"`
	Deleted    bool           `json:"deleted"`
}

// revision is one write to an entity
type revision struct {
	seq       int64
	attrs     map[string]any
	deleted   bool
	visibleAt time.Time
}

type collectionState struct {
	revisions map[string][]revision // per entity, ordered by seq
}

// passState is the server side of a paged traversal, addressed by a skip token
type passState struct {
	collection string
	selectKey  string
	fields     []string
	watermark  int64
	ids        []string // frozen at pass start
	offset     int
	issuedAt   time.Time
}

// deltaState is the server side of a delta token
type deltaState struct {
	collection string
	selectKey  string
	fields     []string
	watermark  int64
	issuedAt   time.Time
}

// DeltaQuery is one delta request. At most one of SkipToken and DeltaToken is set.
type DeltaQuery struct {
	Select     []string
	SkipToken  string
	DeltaToken string
	PageSize   int
}

// DeltaPage is one page of a traversal. Exactly one of SkipToken and DeltaToken is set.
type DeltaPage struct {
	Entities   []Entity
	Fields     []string
	SkipToken  string
	DeltaToken string
}

// Service serves delta traversals over in-memory collections
type Service struct {
	config *ServiceConfig
	logger *slog.Logger

	mu          sync.Mutex
	seq         int64
	collections map[string]*collectionState
	passes      map[string]*passState
	deltas      map[string]*deltaState
	deltaIndex  map[string]string // collection/watermark/select -> delta token
}

// NewService creates a new delta service
func NewService(config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if len(config.Collections) == 0 {
		return nil, fmt.Errorf("at least one collection must be configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.DefaultPageSize <= 0 {
		config.DefaultPageSize = 100
	}
	if config.MaxPageSize <= 0 {
		config.MaxPageSize = 1000
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	s := &Service{
		config:      config,
		logger:      logger,
		collections: make(map[string]*collectionState),
		passes:      make(map[string]*passState),
		deltas:      make(map[string]*deltaState),
		deltaIndex:  make(map[string]string),
	}
	for _, name := range config.Collections {
		s.collections[strings.ToLower(name)] = &collectionState{revisions: make(map[string][]revision)}
	}
	return s, nil
}

// Collections returns the names of the served collections
func (s *Service) Collections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.collections))
}

// Create stores a new entity. A missing id is generated.
func (s *Service) Create(ctx context.Context, collection string, attrs map[string]any) (Entity, error) {
	id, _ := attrs[deltasync.IDField].(string)
	if id == "" {
		id = uuid.NewString()
	}
	return s.Put(ctx, collection, id, attrs)
}

// Put creates or replaces the entity with the given id
func (s *Service) Put(_ context.Context, collection, id string, attrs map[string]any) (Entity, error) {
	if id == "" {
		return Entity{}, fmt.Errorf("%w: id is required", ErrInvalidEntity)
	}
	clean, err := cleanAttributes(attrs)
	if err != nil {
		return Entity{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.collection(collection)
	if err != nil {
		return Entity{}, err
	}
	rev := s.appendRevision(col, id, clean, false)
	s.logger.Debug("Entity stored", "collection", collection, "id", id, "version", rev.seq)
	return Entity{ID: id, Attributes: maps.Clone(clean), Version: rev.seq}, nil
}

// Update merges patch into the entity. A nil value removes the attribute.
func (s *Service) Update(_ context.Context, collection, id string, patch map[string]any) (Entity, error) {
	clean, err := cleanAttributes(patch)
	if err != nil {
		return Entity{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.collection(collection)
	if err != nil {
		return Entity{}, err
	}
	latest, ok := latestRevision(col.revisions[id])
	if !ok || latest.deleted {
		return Entity{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	merged := maps.Clone(latest.attrs)
	for k, v := range clean {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	rev := s.appendRevision(col, id, merged, false)
	return Entity{ID: id, Attributes: maps.Clone(merged), Version: rev.seq}, nil
}

// Delete removes the entity, leaving a tombstone for incremental passes
func (s *Service) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	latest, ok := latestRevision(col.revisions[id])
	if !ok || latest.deleted {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rev := s.appendRevision(col, id, nil, true)
	s.logger.Debug("Entity deleted", "collection", collection, "id", id, "version", rev.seq)
	return nil
}

// Get returns the latest written state of an entity, visible or not
func (s *Service) Get(_ context.Context, collection, id string) (Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.collection(collection)
	if err != nil {
		return Entity{}, err
	}
	latest, ok := latestRevision(col.revisions[id])
	if !ok || latest.deleted {
		return Entity{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return Entity{ID: id, Attributes: maps.Clone(latest.attrs), Version: latest.seq}, nil
}

// ExpireTokens invalidates every outstanding skip and delta token, forcing clients
// into a full resync.
func (s *Service) ExpireTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.passes)
	clear(s.deltas)
	clear(s.deltaIndex)
	s.logger.Info("All sync tokens expired")
}

// Delta serves one page of a full or incremental traversal
func (s *Service) Delta(_ context.Context, collection string, q DeltaQuery) (*DeltaPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	name := strings.ToLower(collection)
	now := s.config.Clock()
	s.evictExpired(now)

	var pass *passState
	switch {
	case q.SkipToken != "":
		p, ok := s.passes[q.SkipToken]
		if !ok || p.collection != name {
			return nil, fmt.Errorf("%w: skip token", ErrTokenExpired)
		}
		// tokens stay valid until they expire, so a page can be fetched again
		cp := *p
		pass = &cp

	case q.DeltaToken != "":
		d, ok := s.deltas[q.DeltaToken]
		if !ok || d.collection != name {
			return nil, fmt.Errorf("%w: delta token", ErrTokenExpired)
		}
		watermark := visibleWatermark(col, now)
		pass = &passState{
			collection: name,
			selectKey:  d.selectKey,
			fields:     d.fields,
			watermark:  max(watermark, d.watermark),
			ids:        changedIDs(col, d.watermark, watermark, now),
		}

	default:
		fields := normalizeSelect(q.Select)
		watermark := visibleWatermark(col, now)
		pass = &passState{
			collection: name,
			selectKey:  strings.Join(fields, ","),
			fields:     fields,
			watermark:  watermark,
			ids:        liveIDs(col, watermark, now),
		}
	}

	size := s.pageSize(q.PageSize)
	end := min(pass.offset+size, len(pass.ids))
	page := &DeltaPage{
		Entities: make([]Entity, 0, end-pass.offset),
		Fields:   pass.fields,
	}
	for _, id := range pass.ids[pass.offset:end] {
		page.Entities = append(page.Entities, visibleEntity(col, id, now))
	}
	pass.offset = end

	if pass.offset < len(pass.ids) {
		pass.issuedAt = now
		token := uuid.NewString()
		s.passes[token] = pass
		page.SkipToken = token
		return page, nil
	}
	page.DeltaToken = s.issueDeltaToken(pass, now)
	return page, nil
}

// issueDeltaToken returns the token for the pass watermark. The same collection,
// watermark and selection always map to the same token while it is alive.
func (s *Service) issueDeltaToken(pass *passState, now time.Time) string {
	key := fmt.Sprintf("%s/%d/%s", pass.collection, pass.watermark, pass.selectKey)
	if token, ok := s.deltaIndex[key]; ok {
		if d, ok := s.deltas[token]; ok {
			d.issuedAt = now
			return token
		}
	}
	token := uuid.NewString()
	s.deltas[token] = &deltaState{
		collection: pass.collection,
		selectKey:  pass.selectKey,
		fields:     pass.fields,
		watermark:  pass.watermark,
		issuedAt:   now,
	}
	s.deltaIndex[key] = token
	return token
}

func (s *Service) evictExpired(now time.Time) {
	ttl := s.config.TokenTTL
	if ttl <= 0 {
		return
	}
	for token, p := range s.passes {
		if now.Sub(p.issuedAt) > ttl {
			delete(s.passes, token)
		}
	}
	for token, d := range s.deltas {
		if now.Sub(d.issuedAt) > ttl {
			delete(s.deltas, token)
		}
	}
	for key, token := range s.deltaIndex {
		if _, ok := s.deltas[token]; !ok {
			delete(s.deltaIndex, key)
		}
	}
}

func (s *Service) pageSize(hint int) int {
	if hint <= 0 {
		return s.config.DefaultPageSize
	}
	return min(hint, s.config.MaxPageSize)
}

func (s *Service) collection(name string) (*collectionState, error) {
	col, ok := s.collections[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	return col, nil
}

// appendRevision records a write and prunes revisions hidden behind a visible newer one
func (s *Service) appendRevision(col *collectionState, id string, attrs map[string]any, deleted bool) revision {
	s.seq++
	now := s.config.Clock()
	rev := revision{
		seq:       s.seq,
		attrs:     attrs,
		deleted:   deleted,
		visibleAt: now.Add(s.config.VisibilityDelay),
	}
	revs := append(col.revisions[id], rev)

	// keep the newest visible revision and everything after it
	keepFrom := 0
	for i, r := range revs {
		if !r.visibleAt.After(now) {
			keepFrom = i
		}
	}
	col.revisions[id] = slices.Clone(revs[keepFrom:])
	return rev
}

func latestRevision(revs []revision) (revision, bool) {
	if len(revs) == 0 {
		return revision{}, false
	}
	return revs[len(revs)-1], true
}

func latestVisible(revs []revision, now time.Time) (revision, bool) {
	for i := len(revs) - 1; i >= 0; i-- {
		if !revs[i].visibleAt.After(now) {
			return revs[i], true
		}
	}
	return revision{}, false
}

func visibleWatermark(col *collectionState, now time.Time) int64 {
	var watermark int64
	for _, revs := range col.revisions {
		if r, ok := latestVisible(revs, now); ok && r.seq > watermark {
			watermark = r.seq
		}
	}
	return watermark
}

// liveIDs lists entities alive at the watermark, ordered by version
func liveIDs(col *collectionState, watermark int64, now time.Time) []string {
	return selectIDs(col, now, func(r revision) bool {
		return !r.deleted && r.seq <= watermark
	})
}

// changedIDs lists entities whose latest visible revision lies in (from, to], ordered by version
func changedIDs(col *collectionState, from, to int64, now time.Time) []string {
	return selectIDs(col, now, func(r revision) bool {
		return r.seq > from && r.seq <= to
	})
}

func selectIDs(col *collectionState, now time.Time, keep func(revision) bool) []string {
	type versioned struct {
		id  string
		seq int64
	}
	var out []versioned
	for id, revs := range col.revisions {
		if r, ok := latestVisible(revs, now); ok && keep(r) {
			out = append(out, versioned{id: id, seq: r.seq})
		}
	}
	slices.SortFunc(out, func(a, b versioned) int { return cmp.Compare(a.seq, b.seq) })
	ids := make([]string, len(out))
	for i, v := range out {
		ids[i] = v.id
	}
	return ids
}

// visibleEntity returns the current visible state of a listed entity.
// An entity deleted after the pass started is reported as a tombstone.
func visibleEntity(col *collectionState, id string, now time.Time) Entity {
	r, ok := latestVisible(col.revisions[id], now)
	if !ok || r.deleted {
		return Entity{ID: id, Version: r.seq, Deleted: true}
	}
	return Entity{ID: id, Attributes: maps.Clone(r.attrs), Version: r.seq}
}

func normalizeSelect(fields []string) []string {
	var out []string
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" || f == deltasync.IDField || slices.Contains(out, f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func cleanAttributes(attrs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if k == deltasync.IDField || strings.HasPrefix(k, "@odata.") {
			continue
		}
		if strings.HasPrefix(k, "@") {
			return nil, fmt.Errorf("%w: attribute %q is reserved", ErrInvalidEntity, k)
		}
		out[k] = v
	}
	return out, nil
}
