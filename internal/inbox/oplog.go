package inbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"
)

// OpStatus is the lifecycle state of a logged operation. Every entry is born
// calling and moves exactly once to done or error.
type OpStatus string

const (
	OpCalling OpStatus = "calling"
	OpDone    OpStatus = "done"
	OpError   OpStatus = "error"
)

// OpLogEntry is one row of the operation log as surfaced to observers.
// DurationMS and Summary are nil while the operation is still calling.
type OpLogEntry struct {
	ID         int64     `json:"id"`
	UserID     string    `json:"user_id"`
	Operation  string    `json:"operation"`
	Platform   Platform  `json:"platform,omitempty"`
	Status     OpStatus  `json:"status"`
	DurationMS *int64    `json:"duration_ms,omitempty"`
	Summary    *string   `json:"result_summary,omitempty"`
	CalledAt   time.Time `json:"called_at"`
}

// OpHandle finalizes one in-flight operation log entry. It is returned by
// StartOp and must be finished exactly once; later Finish calls are no-ops.
type OpHandle struct {
	store *Store
	id    int64
	scope string
	op    string
	plat  Platform
	began time.Time

	mu       sync.Mutex
	finished bool
}

// ID returns the log row ID for this operation.
func (h *OpHandle) ID() int64 { return h.id }

// StartOp appends a calling entry to the operation log and returns a handle
// used to finalize it. The entry is visible to RecentOps and the live feed
// immediately, before the operation's outcome is known.
func (s *Store) StartOp(ctx context.Context, scope, operation string, platform Platform) (*OpHandle, error) {
	if strings.TrimSpace(operation) == "" {
		return nil, fmt.Errorf("%w: operation name required", ErrInvalidInput)
	}
	scope = ScopeUser(scope)
	now := time.Now()
	calledAt := timeText(now)

	var id int64
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
INSERT INTO operation_log (user_id, operation, platform, status, called_at)
VALUES (?, ?, ?, ?, ?)
RETURNING id`),
		scope, operation, nullIfEmpty(string(platform)), string(OpCalling), calledAt).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("start op %s: %w", operation, err)
	}

	h := &OpHandle{
		store: s,
		id:    id,
		scope: scope,
		op:    operation,
		plat:  platform,
		began: now,
	}
	s.publishOp(OpLogEntry{
		ID:        id,
		UserID:    scope,
		Operation: operation,
		Platform:  platform,
		Status:    OpCalling,
		CalledAt:  now.UTC(),
	})
	return h, nil
}

// Finish moves the entry to done or error, recording the wall-clock duration
// since StartOp and a short human-readable summary. Finishing twice, or with
// a status other than done/error, is a no-op after the first success. The
// update is guarded on status so an entry can never leave done or error; a
// Finish that fails on a write error does not latch the handle, so the
// caller may retry.
func (h *OpHandle) Finish(ctx context.Context, status OpStatus, summary string) error {
	if status != OpDone && status != OpError {
		return fmt.Errorf("%w: finish status must be done or error, got %q", ErrInvalidInput, status)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return nil
	}

	duration := time.Since(h.began).Milliseconds()
	_, err := h.store.db.ExecContext(ctx, h.store.dialect.rebind(`
UPDATE operation_log
SET status = ?, duration_ms = ?, result_summary = ?
WHERE id = ? AND status = ?`),
		string(status), duration, nullIfEmpty(summary), h.id, string(OpCalling))
	if err != nil {
		return fmt.Errorf("finish op %s: %w", h.op, err)
	}
	h.finished = true

	h.store.publishOp(OpLogEntry{
		ID:         h.id,
		UserID:     h.scope,
		Operation:  h.op,
		Platform:   h.plat,
		Status:     status,
		DurationMS: &duration,
		Summary:    optional(summary),
		CalledAt:   h.began.UTC(),
	})
	return nil
}

// Error finishes the entry as an error using err's message as the summary.
// A nil err finishes as done.
func (h *OpHandle) Error(ctx context.Context, err error) error {
	if err == nil {
		return h.Finish(ctx, OpDone, "")
	}
	return h.Finish(ctx, OpError, err.Error())
}

func optional(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

const defaultOpsLimit = 20

// RecentOps returns the newest operation log entries for scope. The global
// scope additionally matches rows written before per-user scoping existed,
// which carry a NULL user.
func (s *Store) RecentOps(ctx context.Context, scope string, limit int) ([]OpLogEntry, error) {
	scope = ScopeUser(scope)
	if limit <= 0 {
		limit = defaultOpsLimit
	}

	where := "user_id = ?"
	args := []any{scope}
	if scope == GlobalScope {
		where = "(user_id = ? OR user_id IS NULL)"
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
SELECT id, user_id, operation, platform, status, duration_ms, result_summary, called_at
FROM operation_log
WHERE `+where+`
ORDER BY called_at DESC, id DESC
LIMIT ?`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OpLogEntry
	for rows.Next() {
		var (
			e          OpLogEntry
			userID     sql.NullString
			platform   sql.NullString
			durationMS sql.NullInt64
			summary    sql.NullString
			calledAt   string
		)
		if err := rows.Scan(&e.ID, &userID, &e.Operation, &platform, &e.Status,
			&durationMS, &summary, &calledAt); err != nil {
			return nil, err
		}
		e.UserID = userID.String
		if e.UserID == "" {
			e.UserID = GlobalScope
		}
		e.Platform = Platform(platform.String)
		if durationMS.Valid {
			d := durationMS.Int64
			e.DurationMS = &d
		}
		if summary.Valid && summary.String != "" {
			v := summary.String
			e.Summary = &v
		}
		e.CalledAt = parseTimeText(calledAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeStaleCalling marks entries stuck in calling older than the cutoff as
// errors, so a crashed process cannot leave the log lying about in-flight
// work forever. Returns how many entries were swept. Admin-triggered only;
// nothing runs this on a timer.
func (s *Store) PurgeStaleCalling(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: cutoff must be positive", ErrInvalidInput)
	}
	cutoff := timeText(time.Now().Add(-olderThan))
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
UPDATE operation_log
SET status = ?, result_summary = ?
WHERE status = ? AND called_at < ?`),
		string(OpError), "abandoned", string(OpCalling), cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// OpFeed delivers operation log entries to one subscriber. The channel is
// closed when the subscriber is dropped or the store shuts down.
type OpFeed struct {
	ch chan OpLogEntry
}

// C is the subscriber's receive channel.
func (f *OpFeed) C() <-chan OpLogEntry { return f.ch }

// SubscribeOps registers a live feed of operation log entries. Entries are
// best-effort: a subscriber that stops draining its buffer is closed and
// dropped rather than slowing the log down. Callers must Unsubscribe when
// done.
func (s *Store) SubscribeOps() *OpFeed {
	f := &OpFeed{ch: make(chan OpLogEntry, s.feedBuffer)}
	s.feedMu.Lock()
	s.feeds[f] = struct{}{}
	s.feedMu.Unlock()
	return f
}

// Unsubscribe removes the feed and closes its channel. Safe to call after
// the feed was already dropped.
func (s *Store) Unsubscribe(f *OpFeed) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if _, ok := s.feeds[f]; !ok {
		return
	}
	delete(s.feeds, f)
	close(f.ch)
}

func (s *Store) publishOp(e OpLogEntry) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	for f := range s.feeds {
		select {
		case f.ch <- e:
		default:
			// Buffer full: the subscriber is too slow, cut it loose.
			delete(s.feeds, f)
			close(f.ch)
		}
	}
}
