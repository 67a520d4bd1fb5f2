// Package deltasync implements client-side delta-query synchronization: it traverses
// a remote paged collection, feeds every change to a local applier and keeps the opaque
// delta cursor that lets the next pass fetch only subsequent changes.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package deltasync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// State of the synchronization state machine
type State int32

const (
	StateStart   State = iota // no cursor known, next pass is a full snapshot
	StatePaging               // following continuation links of a pass
	StateSettled              // a terminal cursor is stored
	StatePolling              // waiting for the remote cursor to move
)

func (s State) String() string {
	switch s {
	case StatePaging:
		return "paging"
	case StateSettled:
		return "settled"
	case StatePolling:
		return "polling"
	default:
		return "start"
	}
}

// SyncResult summarizes one Sync, Resync or WaitForChanges call
type SyncResult struct {
	Full           bool   // the last pass was a full snapshot
	Resynced       bool   // the stored cursor was discarded during this call
	Pages          int    // pages fetched by the last pass
	Applied        int    // upserts applied by the last pass
	Removed        int    // tombstones applied by the last pass
	Cursor         Cursor // cursor stored after the call
	PreviousCursor Cursor // cursor the last pass started from
	Changed        bool   // records were returned or the cursor moved
	Polls          int    // WaitForChanges only: passes issued
}

// session is the transient state of a single traversal
type session struct {
	op      string
	full    bool
	polling bool
	start   Cursor
	request Request
	result  *SyncResult
}

// Syncer drives delta traversals for one collection.
// Passes of a Syncer are serialized; separate Syncers share no state.
type Syncer struct {
	fetcher PageFetcher
	store   CursorStore
	applier ChangeApplier
	config  *Config
	logger  *slog.Logger

	mu    sync.Mutex // one pass at a time
	state atomic.Int32
}

// NewSyncer creates a Syncer
func NewSyncer(fetcher PageFetcher, store CursorStore, applier ChangeApplier, config *Config, logger *slog.Logger) (*Syncer, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("cursor store cannot be nil")
	}
	if applier == nil {
		return nil, fmt.Errorf("applier cannot be nil")
	}
	if config == nil {
		config = DefaultConfig("")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Syncer{
		fetcher: fetcher,
		store:   store,
		applier: applier,
		config:  config,
		logger:  logger.With("collection", config.Collection),
	}
	s.setState(StateStart)
	return s, nil
}

// State returns the current state of the machine
func (s *Syncer) State() State { return State(s.state.Load()) }

func (s *Syncer) setState(st State) { s.state.Store(int32(st)) }

// Collection returns the configured collection name
func (s *Syncer) Collection() string { return s.config.Collection }

// Cursor returns the stored cursor
func (s *Syncer) Cursor(ctx context.Context) (Cursor, error) {
	return s.store.Get(ctx)
}

// Sync performs one pass: a full snapshot when no cursor is stored, an incremental
// pass otherwise. An invalidated cursor triggers a full resync.
func (s *Syncer) Sync(ctx context.Context) (*SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cursor, err := s.store.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read delta cursor: %w", err)
	}
	return s.syncFrom(ctx, cursor, MetricsOpSync, false)
}

// Resync discards the stored cursor and performs a full snapshot.
func (s *Syncer) Resync(ctx context.Context) (*SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.discard(ctx); err != nil {
		return nil, err
	}
	res, err := s.syncFrom(ctx, "", MetricsOpSync, false)
	if res != nil {
		res.Resynced = true
	}
	return res, err
}

// WaitForChanges polls with the stored cursor until the server reports a change:
// records are returned or the terminal cursor differs from the stored one. Identical
// cursors with no records mean "no changes yet" (e.g. replication lag) and are retried
// after Config.Poll backoff. The context must be cancellable or carry a deadline
// unless Config.PollMaxAttempts bounds the loop.
func (s *Syncer) WaitForChanges(ctx context.Context) (*SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cursor, err := s.store.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read delta cursor: %w", err)
	}
	if cursor.IsEmpty() {
		// No watermark to compare against; the snapshot itself is the observation.
		return s.syncFrom(ctx, cursor, MetricsOpSync, false)
	}

	polls := 0
	for {
		s.setState(StatePolling)
		start := s.stageStart()
		res, err := s.syncFrom(ctx, cursor, MetricsOpPoll, true)
		polls++
		s.observeStage(ctx, MetricsOpPoll, MetricsStageTotal, start, 0, polls, err != nil)
		if err != nil {
			if res != nil {
				res.Polls = polls
			}
			return res, err
		}
		res.Polls = polls
		if res.Changed {
			return res, nil
		}

		if s.config.PollMaxAttempts > 0 && polls >= s.config.PollMaxAttempts {
			s.setState(StateSettled)
			return res, ErrNoChanges
		}

		wait := s.config.Poll.Delay(polls - 1)
		s.logger.Debug("No changes yet, polling again", "poll", polls, "wait", wait)
		if err := sleepWithContext(ctx, wait); err != nil {
			s.setState(StateSettled)
			return res, err
		}
	}
}

// Run syncs in a loop until ctx is cancelled, waiting Config.SyncInterval between
// successful passes and backing off exponentially after failures.
func (s *Syncer) Run(ctx context.Context) error {
	failures := 0
	for {
		res, err := s.Sync(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := s.config.SyncInterval
		if err != nil {
			wait = s.config.ErrorBackoff.Delay(failures)
			failures++
			s.logger.Error("Delta sync failed", "error", err, "failures", failures, "retry_in", wait)
		} else {
			failures = 0
			if res.Changed {
				s.logger.Info("Delta sync settled",
					"full", res.Full, "pages", res.Pages, "applied", res.Applied, "removed", res.Removed)
			}
		}

		if err := sleepWithContext(ctx, wait); err != nil {
			return err
		}
	}
}

// syncFrom runs passes starting at cursor, restarting from START whenever the server
// invalidates the cursor, up to Config.MaxResyncs times (at least once).
func (s *Syncer) syncFrom(ctx context.Context, cursor Cursor, op string, polling bool) (*SyncResult, error) {
	maxResyncs := s.config.MaxResyncs
	if maxResyncs <= 0 {
		maxResyncs = 1
	}
	resynced := false
	resyncs := 0
	for {
		res, err := s.traverse(ctx, cursor, op, polling)
		if err == nil {
			res.Resynced = resynced
			return res, nil
		}
		if !IsCursorExpired(err) {
			s.restoreState(cursor)
			return res, err
		}

		resyncs++
		if resyncs > maxResyncs {
			s.restoreState("")
			return res, fmt.Errorf("%w after %d attempts: %w", ErrResyncLimit, resyncs-1, err)
		}
		s.logger.Warn("Delta cursor expired, performing full resync", "error", err, "resync", resyncs)
		if err := s.discard(ctx); err != nil {
			return res, err
		}
		cursor = ""
		resynced = true
		polling = false
	}
}

// traverse walks a pass page by page until a terminal cursor is reached.
// Pages are fetched strictly sequentially: each continuation link is only valid once
// the previous page has been consumed.
func (s *Syncer) traverse(ctx context.Context, cursor Cursor, op string, polling bool) (*SyncResult, error) {
	sess := &session{
		op:      op,
		full:    cursor.IsEmpty(),
		polling: polling,
		start:   cursor,
		result:  &SyncResult{Full: cursor.IsEmpty(), PreviousCursor: cursor},
	}
	if sess.full {
		s.setState(StateStart)
		sess.request = InitialRequest(s.selectFields())
	} else {
		sess.request = DeltaRequest(cursor)
	}

	for {
		if !sess.polling {
			s.setState(StatePaging)
		}

		page, err := s.fetchWithRetry(ctx, sess)
		if err != nil {
			return sess.result, err
		}
		sess.result.Pages++

		if sess.full && sess.result.Pages == 1 {
			// entities deleted while no cursor was held never arrive as tombstones
			if err := s.resetProjection(ctx); err != nil {
				return sess.result, err
			}
		}

		if err := s.applyPage(ctx, sess, page.Records); err != nil {
			return sess.result, err
		}

		if !page.IsTerminal() {
			sess.request = NextRequest(page.NextLink)
			continue
		}
		return sess.result, s.settle(ctx, sess, page.DeltaCursor)
	}
}

// settle stores the terminal cursor of a pass
func (s *Syncer) settle(ctx context.Context, sess *session, cursor Cursor) error {
	res := sess.result
	res.Cursor = cursor
	res.Changed = sess.full || res.Applied+res.Removed > 0 || cursor != sess.start

	if res.Changed {
		start := s.stageStart()
		err := s.store.Set(ctx, cursor)
		s.observeStage(ctx, sess.op, MetricsStageCommit, start, 1, 1, err != nil)
		if err != nil {
			res.Cursor = sess.start
			s.restoreState(sess.start)
			return fmt.Errorf("failed to store delta cursor: %w", err)
		}
		s.logger.Debug("Delta cursor advanced", "full", sess.full, "pages", res.Pages,
			"applied", res.Applied, "removed", res.Removed)
	}

	if !sess.polling || res.Changed {
		s.setState(StateSettled)
	}
	return nil
}

// fetchWithRetry fetches the session's current page, retrying transient failures.
func (s *Syncer) fetchWithRetry(ctx context.Context, sess *session) (*Page, error) {
	attempts := s.config.Retry.attempts()
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := s.config.Retry.Backoff.Delay(attempt - 1)
			if ra := retryAfter(lastErr); ra > wait {
				wait = ra
			}
			s.logger.Warn("Retrying delta page fetch",
				"kind", sess.request.Kind.String(), "attempt", attempt+1, "wait", wait, "error", lastErr)
			if err := sleepWithContext(ctx, wait); err != nil {
				return nil, err
			}
		}

		start := s.stageStart()
		page, err := s.fetcher.Fetch(ctx, sess.request)
		count := 0
		if page != nil {
			count = len(page.Records)
		}
		s.observeStage(ctx, sess.op, MetricsStageFetch, start, count, attempt+1, err != nil)
		if err == nil {
			if page == nil {
				return nil, &ProtocolError{Reason: "fetcher returned no page"}
			}
			if err := checkPageLinks(page); err != nil {
				return nil, err
			}
			return page, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to fetch delta page after %d attempts: %w", attempts, lastErr)
}

// applyPage feeds the records of one page to the applier, preserving order.
func (s *Syncer) applyPage(ctx context.Context, sess *session, records []ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}

	start := s.stageStart()
	err := s.applyRecords(ctx, records)
	s.observeStage(ctx, sess.op, MetricsStageApply, start, len(records), 1, err != nil)
	if err != nil {
		return err
	}

	for _, rec := range records {
		if rec.Removed {
			sess.result.Removed++
		} else {
			sess.result.Applied++
		}
	}
	return nil
}

func (s *Syncer) applyRecords(ctx context.Context, records []ChangeRecord) error {
	if pa, ok := s.applier.(PageApplier); ok {
		if err := pa.ApplyPage(ctx, records); err != nil {
			var applyErr *ApplyError
			if errors.As(err, &applyErr) {
				return err
			}
			return &ApplyError{Err: err}
		}
		return nil
	}
	for _, rec := range records {
		if err := s.applier.Apply(ctx, rec); err != nil {
			return &ApplyError{ID: rec.ID, Err: err}
		}
	}
	return nil
}

// discard drops the stored cursor so the next pass starts from START. The projection
// is reset once that pass delivers its first page.
func (s *Syncer) discard(ctx context.Context) error {
	if err := s.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear delta cursor: %w", err)
	}
	s.setState(StateStart)
	return nil
}

func (s *Syncer) resetProjection(ctx context.Context) error {
	if r, ok := s.applier.(Resetter); ok {
		if err := r.Reset(ctx); err != nil {
			return fmt.Errorf("failed to reset projection: %w", err)
		}
	}
	return nil
}

// checkPageLinks rejects pages that carry neither or both of the continuation link
// and the terminal cursor.
func checkPageLinks(page *Page) error {
	hasNext := page.NextLink != ""
	hasCursor := !page.DeltaCursor.IsEmpty()
	switch {
	case hasNext && hasCursor:
		return &ProtocolError{Reason: "page carries both a next link and a delta cursor"}
	case !hasNext && !hasCursor:
		return &ProtocolError{Reason: "page carries neither a next link nor a delta cursor"}
	}
	return nil
}

// restoreState puts the machine back into the state implied by the stored cursor
// after a failed pass.
func (s *Syncer) restoreState(cursor Cursor) {
	if cursor.IsEmpty() {
		s.setState(StateStart)
		return
	}
	s.setState(StateSettled)
}

func (s *Syncer) selectFields() []string {
	if len(s.config.Select) > 0 {
		return s.config.Select
	}
	if fs, ok := s.applier.(FieldSelector); ok {
		return fs.Fields()
	}
	return nil
}
