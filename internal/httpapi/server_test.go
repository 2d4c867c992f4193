package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/openinbox/inboxd/internal/inbox"
	"github.com/openinbox/inboxd/internal/secrets"
)

func newTestServer(t *testing.T) (*Server, *inbox.Store) {
	t.Helper()
	store, err := inbox.Open(inbox.StoreOptions{DSN: filepath.Join(t.TempDir(), "inbox.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sealer, err := secrets.NewSealer("test-key")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	syncer := inbox.NewSyncer(store, inbox.NewDemoClients()...)
	return NewServer(store, syncer, sealer), store
}

func doJSON(t *testing.T, server *Server, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	decoded := map[string]any{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s: invalid json response %q", method, path, rec.Body.String())
		}
	}
	return rec, decoded
}

func registerTestUser(t *testing.T, server *Server, email string) string {
	t.Helper()
	rec, resp := doJSON(t, server, http.MethodPost, "/v1/auth/register", "", map[string]string{
		"email":    email,
		"password": "hunter2hunter2",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: status %d body %v", rec.Code, resp)
	}
	token, _ := resp["token"].(string)
	if token == "" {
		t.Fatalf("register returned no token: %v", resp)
	}
	return token
}

func TestHealth(t *testing.T) {
	server, _ := newTestServer(t)
	rec, resp := doJSON(t, server, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || resp["status"] != "ok" {
		t.Fatalf("health: %d %v", rec.Code, resp)
	}
}

func TestUnknownRoute(t *testing.T) {
	server, _ := newTestServer(t)
	rec, resp := doJSON(t, server, http.MethodGet, "/v1/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rec.Code)
	}
	if resp["code"] != "not_found" || resp["correlationId"] == "" {
		t.Fatalf("error body: %v", resp)
	}
}

func TestAuthFlow(t *testing.T) {
	server, _ := newTestServer(t)
	token := registerTestUser(t, server, "flow@example.com")

	rec, resp := doJSON(t, server, http.MethodPost, "/v1/auth/me", token, nil)
	if rec.Code != http.StatusOK || resp["email"] != "flow@example.com" {
		t.Fatalf("me: %d %v", rec.Code, resp)
	}

	// Wrong password rejected, correct one issues a fresh session.
	rec, _ = doJSON(t, server, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email": "flow@example.com", "password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login: status %d", rec.Code)
	}
	rec, resp = doJSON(t, server, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email": "flow@example.com", "password": "hunter2hunter2",
	})
	if rec.Code != http.StatusOK || resp["token"] == "" {
		t.Fatalf("login: %d %v", rec.Code, resp)
	}

	rec, _ = doJSON(t, server, http.MethodPost, "/v1/auth/logout", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout: status %d", rec.Code)
	}
	rec, _ = doJSON(t, server, http.MethodPost, "/v1/auth/me", token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("me after logout: status %d, want 401", rec.Code)
	}
}

func TestRegisterValidation(t *testing.T) {
	server, _ := newTestServer(t)

	rec, _ := doJSON(t, server, http.MethodPost, "/v1/auth/register", "", map[string]string{
		"email": "short@example.com", "password": "short",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("short password: status %d", rec.Code)
	}

	registerTestUser(t, server, "taken@example.com")
	rec, _ = doJSON(t, server, http.MethodPost, "/v1/auth/register", "", map[string]string{
		"email": "taken@example.com", "password": "hunter2hunter2",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate email: status %d, want 409", rec.Code)
	}
}

func ingestBody(n int, platform string) map[string]any {
	msgs := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, map[string]any{
			"id":        fmt.Sprintf("%s:api-%d", platform, i),
			"platform":  platform,
			"sender":    "API Test",
			"timestamp": time.Date(2025, 5, 1, 12, i, 0, 0, time.UTC).Format(time.RFC3339),
			"unread":    true,
		})
	}
	return map[string]any{"messages": msgs}
}

func TestMessagesIngestAndQuery(t *testing.T) {
	server, _ := newTestServer(t)

	rec, resp := doJSON(t, server, http.MethodPost, "/v1/messages", "", ingestBody(3, "gmail"))
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest: %d %v", rec.Code, resp)
	}
	if resp["cached"] != float64(3) {
		t.Fatalf("cached = %v, want 3", resp["cached"])
	}

	rec, resp = doJSON(t, server, http.MethodGet, "/v1/messages?platform=gmail&limit=2", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %v", rec.Code, resp)
	}
	if resp["count"] != float64(2) {
		t.Fatalf("count = %v, want 2", resp["count"])
	}

	rec, resp = doJSON(t, server, http.MethodGet, "/v1/messages/unread-counts", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("counts: %d %v", rec.Code, resp)
	}
	counts := resp["counts"].(map[string]any)
	if counts["gmail"] != float64(3) || resp["total"] != float64(3) {
		t.Fatalf("counts: %v", resp)
	}

	rec, resp = doJSON(t, server, http.MethodPost, "/v1/messages/gmail:api-0/read", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("mark read: %d %v", rec.Code, resp)
	}
	_, resp = doJSON(t, server, http.MethodGet, "/v1/messages/unread-counts", "", nil)
	if resp["total"] != float64(2) {
		t.Fatalf("total after read = %v, want 2", resp["total"])
	}

	rec, resp = doJSON(t, server, http.MethodDelete, "/v1/messages?platform=gmail", "", nil)
	if rec.Code != http.StatusOK || resp["cleared"] != float64(3) {
		t.Fatalf("clear: %d %v", rec.Code, resp)
	}
}

func TestMessagesIngestRejectsInvalidBatch(t *testing.T) {
	server, _ := newTestServer(t)

	bad := []map[string]any{
		{"messages": []map[string]any{{"id": "gmail:x"}}},                                                                        // missing fields
		{"messages": []map[string]any{{"id": "m:1", "platform": "myspace", "sender": "s", "timestamp": "2025-05-01T12:00:00Z"}}}, // bad platform
		{}, // no messages key
	}
	for i, body := range bad {
		rec, resp := doJSON(t, server, http.MethodPost, "/v1/messages", "", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("bad batch %d: status %d body %v", i, rec.Code, resp)
		}
	}
}

func TestPerUserScopeViaSessions(t *testing.T) {
	server, _ := newTestServer(t)
	alice := registerTestUser(t, server, "alice@example.com")
	bob := registerTestUser(t, server, "bob@example.com")

	rec, _ := doJSON(t, server, http.MethodPost, "/v1/messages", alice, ingestBody(2, "slack"))
	if rec.Code != http.StatusOK {
		t.Fatalf("alice ingest: %d", rec.Code)
	}

	_, resp := doJSON(t, server, http.MethodGet, "/v1/messages", bob, nil)
	if resp["count"] != float64(0) {
		t.Fatalf("bob sees alice's messages: %v", resp)
	}
	_, resp = doJSON(t, server, http.MethodGet, "/v1/messages", "", nil)
	if resp["count"] != float64(0) {
		t.Fatalf("global scope sees alice's messages: %v", resp)
	}
	_, resp = doJSON(t, server, http.MethodGet, "/v1/messages", alice, nil)
	if resp["count"] != float64(2) {
		t.Fatalf("alice lost her messages: %v", resp)
	}
}

func TestSyncEndpointAndOps(t *testing.T) {
	server, _ := newTestServer(t)

	rec, resp := doJSON(t, server, http.MethodPost, "/v1/sync", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync: %d %v", rec.Code, resp)
	}
	cached := resp["cached"].(map[string]any)
	if cached["gmail"] != float64(4) {
		t.Fatalf("sync counts: %v", cached)
	}

	rec, resp = doJSON(t, server, http.MethodGet, "/v1/ops", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ops: %d %v", rec.Code, resp)
	}
	if resp["count"] != float64(3) {
		t.Fatalf("op count = %v, want 3 (one fetch per platform)", resp["count"])
	}
	ops := resp["operations"].([]any)
	first := ops[0].(map[string]any)
	if first["operation"] != "fetch_messages" || first["status"] != "done" {
		t.Fatalf("unexpected op entry: %v", first)
	}
}

func TestPurgeStaleRequiresAuth(t *testing.T) {
	server, _ := newTestServer(t)

	rec, _ := doJSON(t, server, http.MethodPost, "/v1/admin/ops/purge-stale", "", map[string]int{"older_than_seconds": 60})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated purge: status %d, want 401", rec.Code)
	}

	token := registerTestUser(t, server, "admin@example.com")
	rec, resp := doJSON(t, server, http.MethodPost, "/v1/admin/ops/purge-stale", token, map[string]int{"older_than_seconds": 60})
	if rec.Code != http.StatusOK || resp["purged"] != float64(0) {
		t.Fatalf("purge: %d %v", rec.Code, resp)
	}
}

func TestProviderTokenEndpoints(t *testing.T) {
	server, store := newTestServer(t)
	token := registerTestUser(t, server, "prov@example.com")

	rec, _ := doJSON(t, server, http.MethodPost, "/v1/providers/gmail", "", map[string]string{"access_token": "x"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated connect: status %d", rec.Code)
	}

	rec, resp := doJSON(t, server, http.MethodPost, "/v1/providers/gmail", token, map[string]any{
		"access_token":  "plaintext-access",
		"refresh_token": "plaintext-refresh",
		"scopes":        []string{"gmail.readonly"},
		"account_email": "me@gmail.com",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("connect: %d %v", rec.Code, resp)
	}

	rec, resp = doJSON(t, server, http.MethodGet, "/v1/providers/gmail", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d %v", rec.Code, resp)
	}
	if resp["connected"] != true || resp["account_email"] != "me@gmail.com" {
		t.Fatalf("status body: %v", resp)
	}
	for _, key := range []string{"access_token", "refresh_token", "client_secret"} {
		if _, ok := resp[key]; ok {
			t.Fatalf("secret %q leaked in status body", key)
		}
	}

	// Stored values are sealed, not plaintext.
	user, ok, err := store.GetUserByEmail(httptest.NewRequest("GET", "/", nil).Context(), "prov@example.com")
	if err != nil || !ok {
		t.Fatalf("lookup user: (%v, %v)", ok, err)
	}
	stored, ok, err := store.GetProviderToken(httptest.NewRequest("GET", "/", nil).Context(), user.ID, inbox.PlatformGmail)
	if err != nil || !ok {
		t.Fatalf("stored token: (%v, %v)", ok, err)
	}
	if stored.AccessToken == "plaintext-access" || stored.RefreshToken == "plaintext-refresh" {
		t.Fatalf("token stored unsealed")
	}

	rec, resp = doJSON(t, server, http.MethodGet, "/v1/providers", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %v", rec.Code, resp)
	}
	gmail := resp["gmail"].(map[string]any)
	slack := resp["slack"].(map[string]any)
	if gmail["connected"] != true || slack["connected"] != false {
		t.Fatalf("connection list: %v", resp)
	}

	rec, _ = doJSON(t, server, http.MethodDelete, "/v1/providers/gmail", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("disconnect: %d", rec.Code)
	}
	rec, _ = doJSON(t, server, http.MethodGet, "/v1/providers/gmail", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status after disconnect: %d, want 404", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	store, err := inbox.Open(inbox.StoreOptions{DSN: filepath.Join(t.TempDir(), "inbox.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	server := NewServerWithConfig(store, nil, nil, ServerConfig{
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	})

	for i := 0; i < 2; i++ {
		rec, _ := doJSON(t, server, http.MethodGet, "/v1/messages", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i+1, rec.Code)
		}
	}
	rec, resp := doJSON(t, server, http.MethodGet, "/v1/messages", "", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: status %d, want 429", rec.Code)
	}
	if resp["code"] != "rate_limited" || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("rate limit body/headers: %v", resp)
	}

	// Health is never rate limited.
	rec, _ = doJSON(t, server, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health rate limited: %d", rec.Code)
	}
}
