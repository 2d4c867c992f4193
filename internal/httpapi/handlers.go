package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openinbox/inboxd/internal/inbox"
	"github.com/openinbox/inboxd/internal/secrets"
)

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func requireAuth(w http.ResponseWriter, authed bool, correlationID string) bool {
	if !authed {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid session token", correlationID)
		return false
	}
	return true
}

func (s *Server) routeAuth(w http.ResponseWriter, r *http.Request, action string, user inbox.User, authed bool, correlationID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	switch action {
	case "register":
		s.handleRegister(w, r, correlationID)
	case "login":
		s.handleLogin(w, r, correlationID)
	case "logout":
		s.handleLogout(w, r, authed, correlationID)
	case "me":
		if !requireAuth(w, authed, correlationID) {
			return
		}
		writeJSON(w, http.StatusOK, user)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type credentialsRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
}

type sessionResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	User      inbox.User `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req credentialsRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "bad_request", "password must be at least 8 characters", correlationID)
		return
	}
	hash, err := secrets.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	user, err := s.store.CreateUser(r.Context(), req.Email, hash, req.DisplayName)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	sess, err := s.store.CreateSession(r.Context(), user.ID, s.cfg.SessionTTL)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Token: sess.ID, ExpiresAt: sess.ExpiresAt, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req credentialsRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	user, ok, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	if !ok || !secrets.VerifyPassword(req.Password, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid email or password", correlationID)
		return
	}
	sess, err := s.store.CreateSession(r.Context(), user.ID, s.cfg.SessionTTL)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Token: sess.ID, ExpiresAt: sess.ExpiresAt, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, authed bool, correlationID string) {
	if !requireAuth(w, authed, correlationID) {
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if err := s.store.DeleteSession(r.Context(), token); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleMessagesList(w http.ResponseWriter, r *http.Request, scope, correlationID string) {
	q := inbox.MessageQuery{
		Platform:   inbox.Platform(r.URL.Query().Get("platform")),
		UnreadOnly: r.URL.Query().Get("unread_only") == "true",
		Limit:      parseBoundedInt(r.URL.Query().Get("limit"), 50, 1, 500),
	}
	msgs, err := s.store.QueryMessages(r.Context(), scope, q)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	if msgs == nil {
		msgs = []inbox.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "count": len(msgs)})
}

func (s *Server) handleMessagesIngest(w http.ResponseWriter, r *http.Request, scope, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	msgs, err := decodeMessageBatch(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	n, err := s.store.UpsertMessages(r.Context(), scope, msgs)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cached": n})
}

func (s *Server) handleMessagesClear(w http.ResponseWriter, r *http.Request, scope, correlationID string) {
	n, err := s.store.ClearCache(r.Context(), scope, inbox.Platform(r.URL.Query().Get("platform")))
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (s *Server) handleUnreadCounts(w http.ResponseWriter, r *http.Request, scope, correlationID string) {
	counts, err := s.store.UnreadCounts(r.Context(), scope)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts, "total": total})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, scope, messageID, correlationID string) {
	if s.syncer != nil {
		if err := s.syncer.MarkRead(r.Context(), scope, messageID); err != nil {
			writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": messageID, "read": true})
		return
	}
	if _, err := s.store.MarkRead(r.Context(), scope, messageID); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": messageID, "read": true})
}

type sendMessageRequest struct {
	Platform string `json:"platform"`
	inbox.SendRequest
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, scope, correlationID string) {
	if s.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "no platform clients configured", correlationID)
		return
	}
	var req sendMessageRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	res, err := s.syncer.Send(r.Context(), scope, inbox.Platform(req.Platform), req.SendRequest)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, scope, correlationID string) {
	if s.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "no platform clients configured", correlationID)
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 50, 1, 500)
	platform := r.URL.Query().Get("platform")

	if platform != "" {
		n, err := s.syncer.Sync(r.Context(), scope, inbox.Platform(platform), limit)
		if err != nil {
			writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cached": map[string]int{platform: n}})
		return
	}

	counts, err := s.syncer.SyncAll(r.Context(), scope, limit)
	if err != nil && len(counts) == 0 {
		writeStoreError(w, err, correlationID)
		return
	}
	resp := map[string]any{"cached": counts}
	if err != nil {
		resp["partial_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOpsList(w http.ResponseWriter, r *http.Request, scope, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 20, 1, 200)
	ops, err := s.store.RecentOps(r.Context(), scope, limit)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	if ops == nil {
		ops = []inbox.OpLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops, "count": len(ops)})
}

func (s *Server) handlePurgeStale(w http.ResponseWriter, r *http.Request, authed bool, correlationID string) {
	if !requireAuth(w, authed, correlationID) {
		return
	}
	var req struct {
		OlderThanSeconds int `json:"older_than_seconds"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.OlderThanSeconds <= 0 {
		req.OlderThanSeconds = 3600
	}
	n, err := s.store.PurgeStaleCalling(r.Context(), time.Duration(req.OlderThanSeconds)*time.Second)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

func (s *Server) handleProvidersList(w http.ResponseWriter, r *http.Request, user inbox.User, authed bool, correlationID string) {
	if !requireAuth(w, authed, correlationID) {
		return
	}
	conns, err := s.store.ListProviderConnections(r.Context(), user.ID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	out := map[string]any{}
	for _, p := range inbox.KnownPlatforms() {
		account, connected := conns[p]
		entry := map[string]any{"connected": connected}
		if account != "" {
			entry["account_email"] = account
		}
		out[string(p)] = entry
	}
	writeJSON(w, http.StatusOK, out)
}

type providerTokenRequest struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	TokenURI     string   `json:"token_uri,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	Expiry       string   `json:"expiry,omitempty"`
	AccountEmail string   `json:"account_email,omitempty"`
}

func (s *Server) routeProvider(w http.ResponseWriter, r *http.Request, user inbox.User, authed bool, provider, correlationID string) {
	if !requireAuth(w, authed, correlationID) {
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleProviderConnect(w, r, user, provider, correlationID)
	case http.MethodGet:
		s.handleProviderStatus(w, r, user, provider, correlationID)
	case http.MethodDelete:
		if err := s.store.DeleteProviderToken(r.Context(), user.ID, inbox.Platform(provider)); err != nil {
			writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleProviderConnect(w http.ResponseWriter, r *http.Request, user inbox.User, provider, correlationID string) {
	var req providerTokenRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}

	tok := inbox.ProviderToken{
		Provider:     inbox.Platform(provider),
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		TokenURI:     req.TokenURI,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		Scopes:       req.Scopes,
		AccountEmail: req.AccountEmail,
	}
	if req.Expiry != "" {
		t, err := time.Parse(time.RFC3339, req.Expiry)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid expiry timestamp", correlationID)
			return
		}
		tok.Expiry = t
	}

	// Secret fields are sealed before they touch the database; the vault
	// stores only ciphertext.
	if s.sealer != nil {
		var err error
		if tok.AccessToken, err = s.sealer.Seal(tok.AccessToken); err == nil {
			if tok.RefreshToken, err = s.sealer.Seal(tok.RefreshToken); err == nil {
				tok.ClientSecret, err = s.sealer.Seal(tok.ClientSecret)
			}
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
			return
		}
	}

	if err := s.store.UpsertProviderToken(r.Context(), user.ID, tok); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected", "provider": provider})
}

func (s *Server) handleProviderStatus(w http.ResponseWriter, r *http.Request, user inbox.User, provider, correlationID string) {
	tok, ok, err := s.store.GetProviderToken(r.Context(), user.ID, inbox.Platform(provider))
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "provider not connected", correlationID)
		return
	}
	// Never return secret material, sealed or not.
	resp := map[string]any{
		"provider":   string(tok.Provider),
		"connected":  true,
		"scopes":     tok.Scopes,
		"updated_at": tok.UpdatedAt,
	}
	if tok.AccountEmail != "" {
		resp["account_email"] = tok.AccountEmail
	}
	if !tok.Expiry.IsZero() {
		resp["expiry"] = tok.Expiry
	}
	writeJSON(w, http.StatusOK, resp)
}
