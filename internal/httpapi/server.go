// Package httpapi is the JSON surface over the inbox cache: session auth,
// message queries and ingest, sync triggers, the operation log and its live
// websocket feed, and provider credential management.
package httpapi

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openinbox/inboxd/internal/inbox"
	"github.com/openinbox/inboxd/internal/secrets"
)

type ServerConfig struct {
	SessionTTL      time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	store       *inbox.Store
	syncer      *inbox.Syncer
	sealer      *secrets.Sealer
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *inbox.Store, syncer *inbox.Syncer, sealer *secrets.Sealer) *Server {
	return NewServerWithConfig(store, syncer, sealer, ServerConfig{})
}

func NewServerWithConfig(store *inbox.Store, syncer *inbox.Syncer, sealer *secrets.Sealer, cfg ServerConfig) *Server {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		syncer:      syncer,
		sealer:      sealer,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}

	correlationID := getCorrelationID(r)

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	user, authed, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	// Unauthenticated requests operate on the shared global scope; routes
	// that need an account reject them below.
	scope := inbox.GlobalScope
	if authed {
		scope = user.ID
	}

	switch {
	case len(parts) == 3 && parts[1] == "auth":
		s.routeAuth(w, r, parts[2], user, authed, correlationID)

	case len(parts) == 2 && parts[1] == "messages" && r.Method == http.MethodGet:
		s.handleMessagesList(w, r, scope, correlationID)
	case len(parts) == 2 && parts[1] == "messages" && r.Method == http.MethodPost:
		s.handleMessagesIngest(w, r, scope, correlationID)
	case len(parts) == 2 && parts[1] == "messages" && r.Method == http.MethodDelete:
		s.handleMessagesClear(w, r, scope, correlationID)
	case len(parts) == 3 && parts[1] == "messages" && parts[2] == "unread-counts" && r.Method == http.MethodGet:
		s.handleUnreadCounts(w, r, scope, correlationID)
	case len(parts) == 3 && parts[1] == "messages" && parts[2] == "send" && r.Method == http.MethodPost:
		s.handleSend(w, r, scope, correlationID)
	case len(parts) == 4 && parts[1] == "messages" && parts[3] == "read" && r.Method == http.MethodPost:
		s.handleMarkRead(w, r, scope, parts[2], correlationID)

	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodPost:
		s.handleSync(w, r, scope, correlationID)

	case len(parts) == 2 && parts[1] == "ops" && r.Method == http.MethodGet:
		s.handleOpsList(w, r, scope, correlationID)
	case len(parts) == 3 && parts[1] == "ops" && parts[2] == "feed" && r.Method == http.MethodGet:
		s.handleOpsFeed(w, r)

	case len(parts) == 4 && parts[1] == "admin" && parts[2] == "ops" && parts[3] == "purge-stale" && r.Method == http.MethodPost:
		s.handlePurgeStale(w, r, authed, correlationID)

	case len(parts) == 2 && parts[1] == "providers" && r.Method == http.MethodGet:
		s.handleProvidersList(w, r, user, authed, correlationID)
	case len(parts) == 3 && parts[1] == "providers":
		s.routeProvider(w, r, user, authed, parts[2], correlationID)

	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// authenticate resolves the bearer session token, if any. A missing or
// expired token is not an error here; routes decide whether auth is
// required.
func (s *Server) authenticate(r *http.Request) (inbox.User, bool, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return inbox.User{}, false, nil
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return inbox.User{}, false, nil
	}
	return s.store.UserBySession(r.Context(), token)
}

func clientKey(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

// getCorrelationID echoes the caller's X-Correlation-Id or mints one so
// every error body carries something traceable.
func getCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

// writeStoreError maps the store's sentinel errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, inbox.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, inbox.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, inbox.ErrDuplicate):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(l.window),
		}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
