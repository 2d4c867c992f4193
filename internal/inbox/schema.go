package inbox

import (
	"fmt"
)

// Timestamps are stored as text in a fixed-width UTC form (see timeText) so
// that ORDER BY on them is a plain string sort on both engines.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS messages (
	id            TEXT NOT NULL,            -- platform:native_id
	user_id       TEXT NOT NULL DEFAULT 'global',
	platform      TEXT NOT NULL,
	sender        TEXT NOT NULL,
	sender_email  TEXT,
	subject       TEXT,
	preview       TEXT,
	body          TEXT,
	thread_id     TEXT,
	channel       TEXT,
	timestamp     TEXT NOT NULL,
	is_unread     INTEGER NOT NULL DEFAULT 1,
	raw_json      TEXT,
	cached_at     TEXT NOT NULL,
	PRIMARY KEY (user_id, id)
);

CREATE TABLE IF NOT EXISTS read_state (
	user_id       TEXT NOT NULL,
	message_id    TEXT NOT NULL,
	read_at       TEXT NOT NULL,
	PRIMARY KEY (user_id, message_id)
);

CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	display_name  TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS user_sessions (
	session_id    TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at    TEXT NOT NULL,
	expires_at    TEXT NOT NULL,
	last_seen_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS provider_tokens (
	user_id       TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	provider      TEXT NOT NULL,
	access_token  TEXT NOT NULL,
	refresh_token TEXT,
	token_uri     TEXT,
	client_id     TEXT,
	client_secret TEXT,
	scopes        TEXT,
	expiry        TEXT,
	account_email TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	PRIMARY KEY (user_id, provider)
);

CREATE TABLE IF NOT EXISTS oauth_state (
	state         TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	provider      TEXT NOT NULL,
	redirect_to   TEXT,
	created_at    TEXT NOT NULL,
	expires_at    TEXT NOT NULL
);
`

const indexDDL = `
CREATE INDEX IF NOT EXISTS idx_messages_user_ts      ON messages(user_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_messages_platform     ON messages(platform);
CREATE INDEX IF NOT EXISTS idx_operation_log_user_at ON operation_log(user_id, called_at DESC);
CREATE INDEX IF NOT EXISTS idx_user_sessions_user    ON user_sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_provider_tokens_user  ON provider_tokens(user_id);
CREATE INDEX IF NOT EXISTS idx_oauth_state_expires   ON oauth_state(expires_at);
`

// EnsureSchema creates every table and index if missing and applies additive
// column migrations. Safe to call on every start, including against an
// already-current schema.
func (s *Store) EnsureSchema() error {
	operationLogDDL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS operation_log (
	id             %s,
	user_id        TEXT,
	operation      TEXT NOT NULL,
	platform       TEXT,
	status         TEXT NOT NULL DEFAULT 'calling',
	duration_ms    BIGINT,
	result_summary TEXT,
	called_at      TEXT NOT NULL
);`, s.dialect.serialPK())

	if _, err := s.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	if _, err := s.db.Exec(operationLogDDL); err != nil {
		return fmt.Errorf("create operation_log: %w", err)
	}
	if err := s.migrateSchema(); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	if _, err := s.db.Exec(indexDDL); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// migrateSchema applies additive, backward-compatible column migrations.
// Columns are only ever added, never altered or dropped, and adding is
// skipped when the column is already present.
func (s *Store) migrateSchema() error {
	migrations := []struct {
		table, column, ddl string
	}{
		{"messages", "user_id", "TEXT NOT NULL DEFAULT 'global'"},
		{"messages", "raw_json", "TEXT"},
		{"operation_log", "user_id", "TEXT"},
		{"provider_tokens", "account_email", "TEXT"},
	}
	for _, m := range migrations {
		if err := s.ensureColumn(m.table, m.column, m.ddl); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureColumn(table, column, columnDDL string) error {
	columns, err := s.dialect.tableColumns(s.db, table)
	if err != nil {
		return err
	}
	if len(columns) == 0 {
		// Table absent entirely; CREATE TABLE above carries the column.
		return nil
	}
	if _, ok := columns[column]; ok {
		return nil
	}
	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, columnDDL))
	return err
}
