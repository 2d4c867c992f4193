package main

import (
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/openinbox/inboxd/internal/httpapi"
	"github.com/openinbox/inboxd/internal/inbox"
	"github.com/openinbox/inboxd/internal/secrets"
)

func main() {
	addr := os.Getenv("INBOXD_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	store, err := inbox.Open(inbox.StoreOptions{
		DSN:        databaseDSNFromEnv(),
		FeedBuffer: intEnv("INBOXD_FEED_BUFFER", 0),
	})
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	var sealer *secrets.Sealer
	if passphrase := os.Getenv("INBOXD_ENCRYPTION_KEY"); passphrase != "" {
		sealer, err = secrets.NewSealer(passphrase)
		if err != nil {
			log.Fatalf("failed to initialize sealer: %v", err)
		}
	} else {
		log.Printf("INBOXD_ENCRYPTION_KEY not set, provider tokens will be stored unsealed")
	}

	syncer := inbox.NewSyncer(store, platformClientsFromEnv()...)

	server := httpapi.NewServerWithConfig(store, syncer, sealer, httpapi.ServerConfig{
		SessionTTL:      durationEnv("INBOXD_SESSION_TTL", 24*time.Hour),
		RateLimitMax:    intEnv("INBOXD_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("INBOXD_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("INBOXD_MAX_BODY_BYTES", 0),
	})

	log.Printf("inboxd listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func databaseDSNFromEnv() string {
	if dsn := strings.TrimSpace(os.Getenv("INBOXD_DB_DSN")); dsn != "" {
		return dsn
	}
	dataDir := strings.TrimSpace(os.Getenv("INBOXD_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".inboxd"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatalf("failed to create data dir %s: %v", dataDir, err)
	}
	return filepath.Join(dataDir, "inbox.db")
}

// platformClientsFromEnv wires platform clients. Only the deterministic demo
// clients ship in-tree; real platform integrations register here.
func platformClientsFromEnv() []inbox.PlatformClient {
	mode := strings.ToLower(strings.TrimSpace(os.Getenv("INBOXD_PLATFORM_MODE")))
	switch mode {
	case "", "demo":
		return inbox.NewDemoClients()
	case "none":
		return nil
	default:
		log.Printf("unsupported INBOXD_PLATFORM_MODE=%q, using demo clients", mode)
		return inbox.NewDemoClients()
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
