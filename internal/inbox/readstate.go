package inbox

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MarkRead records that scope has read messageID and reports whether the
// message is recorded as read after the call. Marking an already-read
// message is a no-op that still returns true and leaves the original
// read_at untouched. The message itself does not have to be cached:
// read-state survives cache clears and re-syncs.
func (s *Store) MarkRead(ctx context.Context, scope, messageID string) (bool, error) {
	if strings.TrimSpace(messageID) == "" {
		return false, fmt.Errorf("%w: message id required", ErrInvalidInput)
	}
	scope = ScopeUser(scope)

	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
INSERT INTO read_state (user_id, message_id, read_at) VALUES (?, ?, ?)
ON CONFLICT (user_id, message_id) DO NOTHING`),
		scope, messageID, timeText(time.Now()))
	if err != nil {
		return false, err
	}
	return true, nil
}

// IsRead reports whether scope has marked messageID read.
func (s *Store) IsRead(ctx context.Context, scope, messageID string) (bool, error) {
	scope = ScopeUser(scope)
	var one int
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		"SELECT 1 FROM read_state WHERE user_id = ? AND message_id = ?"),
		scope, messageID).Scan(&one)
	if err == nil {
		return true, nil
	}
	if isNoRows(err) {
		return false, nil
	}
	return false, err
}
