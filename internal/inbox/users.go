package inbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is an account. PasswordHash never leaves the process in JSON form.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"display_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Session is one issued bearer token.
type Session struct {
	ID         string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// CreateUser registers an account with an already-hashed password. Emails
// are unique; a taken email fails with ErrDuplicate.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash, displayName string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return User{}, fmt.Errorf("%w: valid email required", ErrInvalidInput)
	}
	if passwordHash == "" {
		return User{}, fmt.Errorf("%w: password hash required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	u := User{
		ID:           "u-" + uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		DisplayName:  strings.TrimSpace(displayName),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
INSERT INTO users (id, email, password_hash, display_name, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`),
		u.ID, u.Email, u.PasswordHash, nullIfEmpty(u.DisplayName),
		timeText(now), timeText(now))
	if isUniqueViolation(err) {
		// The unique index on email is the arbiter, so two racing
		// registrations both land here rather than one seeing a raw
		// constraint error.
		return User{}, fmt.Errorf("%w: email %s", ErrDuplicate, email)
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *Store) scanUser(row *sql.Row) (User, bool, error) {
	var (
		u                    User
		displayName          sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &displayName, &createdAt, &updatedAt)
	if isNoRows(err) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	u.DisplayName = displayName.String
	u.CreatedAt = parseTimeText(createdAt)
	u.UpdatedAt = parseTimeText(updatedAt)
	return u, true, nil
}

// GetUserByEmail looks an account up by email; absence is (zero, false, nil).
func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	return s.scanUser(s.db.QueryRowContext(ctx, s.dialect.rebind(`
SELECT id, email, password_hash, display_name, created_at, updated_at
FROM users WHERE email = ?`), email))
}

// GetUserByID looks an account up by ID; absence is (zero, false, nil).
func (s *Store) GetUserByID(ctx context.Context, id string) (User, bool, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, s.dialect.rebind(`
SELECT id, email, password_hash, display_name, created_at, updated_at
FROM users WHERE id = ?`), id))
}

// CreateSession issues a bearer session token for the user, valid for ttl.
func (s *Store) CreateSession(ctx context.Context, userID string, ttl time.Duration) (Session, error) {
	if strings.TrimSpace(userID) == "" {
		return Session{}, fmt.Errorf("%w: user id required", ErrInvalidInput)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now().UTC()
	sess := Session{
		ID:         "sess-" + uuid.NewString(),
		UserID:     userID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		LastSeenAt: now,
	}
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
INSERT INTO user_sessions (session_id, user_id, created_at, expires_at, last_seen_at)
VALUES (?, ?, ?, ?, ?)`),
		sess.ID, sess.UserID, timeText(now), timeText(sess.ExpiresAt), timeText(now))
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

// UserBySession resolves a session token to its user, touching last_seen_at.
// Expired or unknown tokens resolve to (zero, false, nil).
func (s *Store) UserBySession(ctx context.Context, sessionID string) (User, bool, error) {
	if strings.TrimSpace(sessionID) == "" {
		return User{}, false, nil
	}
	now := timeText(time.Now())

	var userID string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
SELECT user_id FROM user_sessions
WHERE session_id = ? AND expires_at > ?`), sessionID, now).Scan(&userID)
	if isNoRows(err) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}

	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(
		"UPDATE user_sessions SET last_seen_at = ? WHERE session_id = ?"),
		now, sessionID); err != nil {
		return User{}, false, err
	}
	return s.GetUserByID(ctx, userID)
}

// DeleteSession revokes a session token. Revoking an unknown token succeeds.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(
		"DELETE FROM user_sessions WHERE session_id = ?"), sessionID)
	return err
}

// PurgeExpiredSessions removes expired sessions and returns how many went.
func (s *Store) PurgeExpiredSessions(ctx context.Context) (int, error) {
	now := timeText(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, s.dialect.rebind(
		"SELECT COUNT(*) FROM user_sessions WHERE expires_at <= ?"), now).Scan(&n); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		"DELETE FROM user_sessions WHERE expires_at <= ?"), now); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteUser removes the account and everything scoped to it. Sessions,
// provider tokens and oauth state go via foreign-key cascade; read-state
// rows are removed explicitly because that table has no user FK (the global
// scope is not a user). Cached messages stay until an explicit clear.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id required", ErrInvalidInput)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		"DELETE FROM read_state WHERE user_id = ?"), userID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, s.dialect.rebind(
		"DELETE FROM users WHERE id = ?"), userID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return tx.Commit()
}
