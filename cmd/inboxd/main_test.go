package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("INBOXD_TEST_INT", "42")
	got := intEnv("INBOXD_TEST_INT", 7)
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("INBOXD_TEST_INT_BAD", "not-a-number")
	got := intEnv("INBOXD_TEST_INT_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestInt64EnvParsesValue(t *testing.T) {
	t.Setenv("INBOXD_TEST_INT64", "1048576")
	got := int64Env("INBOXD_TEST_INT64", 1)
	if got != 1048576 {
		t.Fatalf("expected 1048576, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("INBOXD_TEST_DURATION", "150ms")
	got := durationEnv("INBOXD_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("INBOXD_TEST_DURATION_BAD", "soon")
	got := durationEnv("INBOXD_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("INBOXD_TEST_INT_UNSET")
	_ = os.Unsetenv("INBOXD_TEST_DURATION_UNSET")

	if got := intEnv("INBOXD_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := durationEnv("INBOXD_TEST_DURATION_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
}

func TestDatabaseDSNFromEnvPrefersExplicitDSN(t *testing.T) {
	t.Setenv("INBOXD_DB_DSN", "postgres://inbox:pw@localhost/inbox")
	if got := databaseDSNFromEnv(); got != "postgres://inbox:pw@localhost/inbox" {
		t.Fatalf("unexpected DSN %q", got)
	}
}

func TestDatabaseDSNFromEnvDefaultsToDataDir(t *testing.T) {
	t.Setenv("INBOXD_DB_DSN", "")
	dir := t.TempDir()
	t.Setenv("INBOXD_DATA_DIR", dir)

	got := databaseDSNFromEnv()
	if got != filepath.Join(dir, "inbox.db") {
		t.Fatalf("unexpected default DSN %q", got)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("data dir not created: %v", err)
	}
}

func TestPlatformClientsFromEnv(t *testing.T) {
	t.Setenv("INBOXD_PLATFORM_MODE", "none")
	if clients := platformClientsFromEnv(); len(clients) != 0 {
		t.Fatalf("mode none built %d clients", len(clients))
	}

	t.Setenv("INBOXD_PLATFORM_MODE", "demo")
	if clients := platformClientsFromEnv(); len(clients) != 3 {
		t.Fatalf("demo mode built %d clients, want 3", len(clients))
	}
}
