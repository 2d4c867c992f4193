package inbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ProviderToken is one user's credential bundle for one provider. Secret
// fields (AccessToken, RefreshToken, ClientSecret) are stored exactly as
// given; sealing happens above this layer so the vault itself never holds a
// key.
type ProviderToken struct {
	UserID       string    `json:"user_id"`
	Provider     Platform  `json:"provider"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenURI     string    `json:"token_uri,omitempty"`
	ClientID     string    `json:"client_id,omitempty"`
	ClientSecret string    `json:"client_secret,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	AccountEmail string    `json:"account_email,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// UpsertProviderToken stores tok under (user, provider), fully replacing any
// previous row. Every column is overwritten: a re-auth that comes back
// without a refresh token clears the stored one rather than keeping a stale
// value.
func (s *Store) UpsertProviderToken(ctx context.Context, userID string, tok ProviderToken) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id required", ErrInvalidInput)
	}
	provider, err := ParsePlatform(string(tok.Provider))
	if err != nil {
		return err
	}
	if strings.TrimSpace(tok.AccessToken) == "" {
		return fmt.Errorf("%w: access token required", ErrInvalidInput)
	}

	var scopes any
	if len(tok.Scopes) > 0 {
		b, err := json.Marshal(tok.Scopes)
		if err != nil {
			return fmt.Errorf("encode scopes: %w", err)
		}
		scopes = string(b)
	}
	var expiry any
	if !tok.Expiry.IsZero() {
		expiry = timeText(tok.Expiry)
	}
	now := timeText(time.Now())

	_, err = s.db.ExecContext(ctx, s.dialect.rebind(`
INSERT INTO provider_tokens (
	user_id, provider, access_token, refresh_token, token_uri, client_id,
	client_secret, scopes, expiry, account_email, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, provider) DO UPDATE SET
	access_token  = excluded.access_token,
	refresh_token = excluded.refresh_token,
	token_uri     = excluded.token_uri,
	client_id     = excluded.client_id,
	client_secret = excluded.client_secret,
	scopes        = excluded.scopes,
	expiry        = excluded.expiry,
	account_email = excluded.account_email,
	updated_at    = excluded.updated_at`),
		userID, string(provider), tok.AccessToken,
		nullIfEmpty(tok.RefreshToken), nullIfEmpty(tok.TokenURI),
		nullIfEmpty(tok.ClientID), nullIfEmpty(tok.ClientSecret),
		scopes, expiry, nullIfEmpty(tok.AccountEmail), now, now)
	return err
}

// GetProviderToken returns the stored credential bundle for (user, provider).
// Absence is not an error: ok is false and err is nil when nothing is stored.
func (s *Store) GetProviderToken(ctx context.Context, userID string, provider Platform) (ProviderToken, bool, error) {
	p, err := ParsePlatform(string(provider))
	if err != nil {
		return ProviderToken{}, false, err
	}

	var (
		tok                     ProviderToken
		refresh, tokenURI       sql.NullString
		clientID, clientSecret  sql.NullString
		scopes, expiry, account sql.NullString
		createdAt, updatedAt    string
	)
	err = s.db.QueryRowContext(ctx, s.dialect.rebind(`
SELECT user_id, provider, access_token, refresh_token, token_uri, client_id,
       client_secret, scopes, expiry, account_email, created_at, updated_at
FROM provider_tokens
WHERE user_id = ? AND provider = ?`),
		userID, string(p)).Scan(
		&tok.UserID, &tok.Provider, &tok.AccessToken, &refresh, &tokenURI,
		&clientID, &clientSecret, &scopes, &expiry, &account,
		&createdAt, &updatedAt)
	if isNoRows(err) {
		return ProviderToken{}, false, nil
	}
	if err != nil {
		return ProviderToken{}, false, err
	}

	tok.RefreshToken = refresh.String
	tok.TokenURI = tokenURI.String
	tok.ClientID = clientID.String
	tok.ClientSecret = clientSecret.String
	if scopes.Valid && scopes.String != "" {
		if err := json.Unmarshal([]byte(scopes.String), &tok.Scopes); err != nil {
			return ProviderToken{}, false, fmt.Errorf("decode scopes: %w", err)
		}
	}
	if expiry.Valid && expiry.String != "" {
		tok.Expiry = parseTimeText(expiry.String)
	}
	tok.AccountEmail = account.String
	tok.CreatedAt = parseTimeText(createdAt)
	tok.UpdatedAt = parseTimeText(updatedAt)
	return tok, true, nil
}

// DeleteProviderToken removes the stored credentials for (user, provider).
// Deleting what is not there succeeds.
func (s *Store) DeleteProviderToken(ctx context.Context, userID string, provider Platform) error {
	p, err := ParsePlatform(string(provider))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.rebind(
		"DELETE FROM provider_tokens WHERE user_id = ? AND provider = ?"),
		userID, string(p))
	return err
}

// ListProviderConnections reports which providers have stored credentials
// for the user, with the non-secret metadata only.
func (s *Store) ListProviderConnections(ctx context.Context, userID string) (map[Platform]string, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		"SELECT provider, account_email FROM provider_tokens WHERE user_id = ?"),
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[Platform]string{}
	for rows.Next() {
		var provider string
		var account sql.NullString
		if err := rows.Scan(&provider, &account); err != nil {
			return nil, err
		}
		out[Platform(provider)] = account.String
	}
	return out, rows.Err()
}

// CreateOAuthState records a short-lived state nonce for an in-flight OAuth
// round trip.
func (s *Store) CreateOAuthState(ctx context.Context, state, userID string, provider Platform, redirectTo string, ttl time.Duration) error {
	if strings.TrimSpace(state) == "" {
		return fmt.Errorf("%w: state required", ErrInvalidInput)
	}
	p, err := ParsePlatform(string(provider))
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx, s.dialect.rebind(`
INSERT INTO oauth_state (state, user_id, provider, redirect_to, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?)`),
		state, userID, string(p), nullIfEmpty(redirectTo),
		timeText(now), timeText(now.Add(ttl)))
	return err
}

// ConsumeOAuthState validates and burns a state nonce in one step. A second
// consume of the same state, or a consume after expiry, fails with
// ErrNotFound.
func (s *Store) ConsumeOAuthState(ctx context.Context, state string) (userID string, provider Platform, redirectTo string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", "", "", err
	}
	defer tx.Rollback()

	var redirect sql.NullString
	var prov string
	err = tx.QueryRowContext(ctx, s.dialect.rebind(`
SELECT user_id, provider, redirect_to FROM oauth_state
WHERE state = ? AND expires_at > ?`),
		state, timeText(time.Now())).Scan(&userID, &prov, &redirect)
	if isNoRows(err) {
		return "", "", "", fmt.Errorf("%w: oauth state", ErrNotFound)
	}
	if err != nil {
		return "", "", "", err
	}
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		"DELETE FROM oauth_state WHERE state = ?"), state); err != nil {
		return "", "", "", err
	}
	if err := tx.Commit(); err != nil {
		return "", "", "", err
	}
	return userID, Platform(prov), redirect.String, nil
}

// PurgeExpiredOAuthState drops expired state rows and returns how many went.
func (s *Store) PurgeExpiredOAuthState(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		"DELETE FROM oauth_state WHERE expires_at <= ?"), timeText(time.Now()))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
