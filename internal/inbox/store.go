// Package inbox is the message cache and synchronization core: it normalizes
// platform messages into one schema, persists them per user scope with
// idempotent upserts, overlays local read-state on top of the platform's own
// unread flags, and keeps an append-then-finalize log of every externally
// observable operation.
package inbox

import (
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrDuplicate    = errors.New("already exists")
)

// GlobalScope is the shared scope used when no per-user isolation is
// requested. Pre-auth and system-level operations land here.
const GlobalScope = "global"

// ScopeUser normalizes a user scope, falling back to the shared global scope.
func ScopeUser(userID string) string {
	scoped := strings.TrimSpace(userID)
	if scoped == "" {
		return GlobalScope
	}
	return scoped
}

type StoreOptions struct {
	// DSN selects the storage engine: a postgres:// URL opens lib/pq, any
	// other non-empty value is treated as a SQLite database path.
	DSN string

	// FeedBuffer is the per-subscriber buffer for the live operation feed.
	// A subscriber whose buffer fills up is dropped.
	FeedBuffer int
}

const defaultFeedBuffer = 64

// Store is the durable cache shared by all scopes and all concurrent
// callers. All methods are safe for concurrent use; the underlying
// database/sql pool serializes access per the engine's own rules.
type Store struct {
	db      *sql.DB
	dialect dialect

	feedBuffer int
	feedMu     sync.Mutex
	feeds      map[*OpFeed]struct{}
}

// Open opens the backing database, applies engine pragmas, and ensures the
// schema is present and current. A schema failure here is fatal to the
// caller: the store must not serve traffic against an unknown schema.
func Open(opts StoreOptions) (*Store, error) {
	db, d, err := openDatabase(opts.DSN)
	if err != nil {
		return nil, err
	}
	feedBuffer := opts.FeedBuffer
	if feedBuffer <= 0 {
		feedBuffer = defaultFeedBuffer
	}
	s := &Store{
		db:         db,
		dialect:    d,
		feedBuffer: feedBuffer,
		feeds:      map[*OpFeed]struct{}{},
	}
	if err := s.EnsureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	s.feedMu.Lock()
	for feed := range s.feeds {
		delete(s.feeds, feed)
		close(feed.ch)
	}
	s.feedMu.Unlock()
	return s.db.Close()
}

// timeText renders a timestamp in the canonical stored form: UTC with
// fixed-width microseconds, so lexicographic order equals time order.
func timeText(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}

func parseTimeText(value string) time.Time {
	for _, layout := range []string{
		"2006-01-02T15:04:05.000000Z",
		time.RFC3339Nano,
		time.RFC3339,
	} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
