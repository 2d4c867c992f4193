package inbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message is one normalized message from any platform. ID is the composite
// "platform:native_id" form, unique per scope. Unread is the platform's own
// flag at fetch time; EffectiveUnread overlays the local read-state and is
// populated on query results only.
type Message struct {
	ID          string          `json:"id"`
	Platform    Platform        `json:"platform"`
	Sender      string          `json:"sender"`
	SenderEmail string          `json:"sender_email,omitempty"`
	Subject     string          `json:"subject,omitempty"`
	Preview     string          `json:"preview,omitempty"`
	Body        string          `json:"body,omitempty"`
	ThreadID    string          `json:"thread_id,omitempty"`
	Channel     string          `json:"channel,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Unread      bool            `json:"unread"`
	RawJSON     json.RawMessage `json:"raw_json,omitempty"`

	CachedAt        time.Time `json:"cached_at,omitempty"`
	EffectiveUnread bool      `json:"effective_unread"`
}

func (m Message) validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: message id required", ErrInvalidInput)
	}
	if _, err := ParsePlatform(string(m.Platform)); err != nil {
		return fmt.Errorf("%w: message %s: unknown platform %q", ErrInvalidInput, m.ID, m.Platform)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: message %s: timestamp required", ErrInvalidInput, m.ID)
	}
	return nil
}

const upsertMessageSQL = `
INSERT INTO messages (
	user_id, id, platform, sender, sender_email, subject, preview, body,
	thread_id, channel, timestamp, is_unread, raw_json, cached_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, id) DO UPDATE SET
	platform     = excluded.platform,
	sender       = excluded.sender,
	sender_email = excluded.sender_email,
	subject      = excluded.subject,
	preview      = excluded.preview,
	body         = excluded.body,
	thread_id    = excluded.thread_id,
	channel      = excluded.channel,
	timestamp    = excluded.timestamp,
	is_unread    = excluded.is_unread,
	raw_json     = excluded.raw_json,
	cached_at    = excluded.cached_at`

// UpsertMessages inserts or fully replaces the given messages under scope and
// returns how many rows were written. The batch is validated up front and
// applied in one transaction: either every message lands or none does. When
// the same ID appears twice in one batch the later entry wins.
func (s *Store) UpsertMessages(ctx context.Context, scope string, msgs []Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	scope = ScopeUser(scope)
	for _, m := range msgs {
		if err := m.validate(); err != nil {
			return 0, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.dialect.rebind(upsertMessageSQL))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	cachedAt := timeText(time.Now())
	for _, m := range msgs {
		unread := 0
		if m.Unread {
			unread = 1
		}
		var raw any
		if len(m.RawJSON) > 0 {
			raw = string(m.RawJSON)
		}
		_, err := stmt.ExecContext(ctx,
			scope, m.ID, string(m.Platform), m.Sender,
			nullIfEmpty(m.SenderEmail), nullIfEmpty(m.Subject),
			nullIfEmpty(m.Preview), nullIfEmpty(m.Body),
			nullIfEmpty(m.ThreadID), nullIfEmpty(m.Channel),
			timeText(m.Timestamp), unread, raw, cachedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("upsert message %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(msgs), nil
}

// MessageQuery narrows a QueryMessages call. Zero value means everything,
// newest first, default limit.
type MessageQuery struct {
	Platform   Platform
	UnreadOnly bool
	Limit      int
}

const defaultQueryLimit = 50

// QueryMessages returns cached messages for scope, newest first. UnreadOnly
// filters on effective unread: the platform flagged it unread AND no local
// read-state row exists for it.
func (s *Store) QueryMessages(ctx context.Context, scope string, q MessageQuery) ([]Message, error) {
	scope = ScopeUser(scope)
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	query := `
SELECT m.id, m.platform, m.sender, m.sender_email, m.subject, m.preview,
       m.body, m.thread_id, m.channel, m.timestamp, m.is_unread, m.raw_json,
       m.cached_at,
       CASE WHEN m.is_unread = 1 AND rs.message_id IS NULL THEN 1 ELSE 0 END
FROM messages m
LEFT JOIN read_state rs ON rs.user_id = m.user_id AND rs.message_id = m.id
WHERE m.user_id = ?`
	args := []any{scope}

	if q.Platform != "" {
		p, err := ParsePlatform(string(q.Platform))
		if err != nil {
			return nil, err
		}
		query += " AND m.platform = ?"
		args = append(args, string(p))
	}
	if q.UnreadOnly {
		query += " AND m.is_unread = 1 AND rs.message_id IS NULL"
	}
	query += " ORDER BY m.timestamp DESC, m.id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(rows *sql.Rows) (Message, error) {
	var (
		m                       Message
		platform, ts, cachedAt  string
		senderEmail, subject    sql.NullString
		preview, body           sql.NullString
		threadID, channel, raw  sql.NullString
		unread, effectiveUnread int
	)
	err := rows.Scan(&m.ID, &platform, &m.Sender, &senderEmail, &subject,
		&preview, &body, &threadID, &channel, &ts, &unread, &raw,
		&cachedAt, &effectiveUnread)
	if err != nil {
		return Message{}, err
	}
	m.Platform = Platform(platform)
	m.SenderEmail = senderEmail.String
	m.Subject = subject.String
	m.Preview = preview.String
	m.Body = body.String
	m.ThreadID = threadID.String
	m.Channel = channel.String
	m.Timestamp = parseTimeText(ts)
	m.Unread = unread == 1
	if raw.Valid && raw.String != "" {
		m.RawJSON = json.RawMessage(raw.String)
	}
	m.CachedAt = parseTimeText(cachedAt)
	m.EffectiveUnread = effectiveUnread == 1
	return m, nil
}

// UnreadCounts returns the number of effectively unread cached messages per
// platform. Every known platform is present in the result, zero when it has
// none cached.
func (s *Store) UnreadCounts(ctx context.Context, scope string) (map[Platform]int, error) {
	scope = ScopeUser(scope)
	counts := make(map[Platform]int, len(KnownPlatforms()))
	for _, p := range KnownPlatforms() {
		counts[p] = 0
	}

	query := `
SELECT m.platform, COUNT(*)
FROM messages m
LEFT JOIN read_state rs ON rs.user_id = m.user_id AND rs.message_id = m.id
WHERE m.user_id = ? AND m.is_unread = 1 AND rs.message_id IS NULL
GROUP BY m.platform`
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var platform string
		var n int
		if err := rows.Scan(&platform, &n); err != nil {
			return nil, err
		}
		counts[Platform(platform)] = n
	}
	return counts, rows.Err()
}

// ClearCache deletes cached messages for scope, optionally narrowed to one
// platform, and returns how many rows were removed. Read-state rows are left
// alone: a message that comes back on the next sync stays read.
func (s *Store) ClearCache(ctx context.Context, scope string, platform Platform) (int, error) {
	scope = ScopeUser(scope)

	where := "user_id = ?"
	args := []any{scope}
	if platform != "" {
		p, err := ParsePlatform(string(platform))
		if err != nil {
			return 0, err
		}
		where += " AND platform = ?"
		args = append(args, string(p))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var n int
	countSQL := s.dialect.rebind("SELECT COUNT(*) FROM messages WHERE " + where)
	if err := tx.QueryRowContext(ctx, countSQL, args...).Scan(&n); err != nil {
		return 0, err
	}
	deleteSQL := s.dialect.rebind("DELETE FROM messages WHERE " + where)
	if _, err := tx.ExecContext(ctx, deleteSQL, args...); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}
