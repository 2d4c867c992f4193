package inbox

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("INBOXD_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set INBOXD_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func TestPostgresIntegrationRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	ctx := context.Background()

	store, err := Open(StoreOptions{DSN: dsn})
	if err != nil {
		t.Fatalf("open postgres store: %v", err)
	}
	t.Cleanup(func() {
		for _, table := range []string{"oauth_state", "provider_tokens", "user_sessions", "users", "operation_log", "read_state", "messages"} {
			_, _ = store.db.Exec("DROP TABLE IF EXISTS " + table)
		}
		_ = store.Close()
	})

	ts := time.Now().Add(-time.Hour)
	batch := []Message{
		testMessage(PlatformGmail, "pg1", ts, true),
		testMessage(PlatformSlack, "pg2", ts.Add(time.Minute), true),
	}
	if n, err := store.UpsertMessages(ctx, "pg-user", batch); err != nil || n != 2 {
		t.Fatalf("upsert: (%d, %v)", n, err)
	}
	// The rebound ON CONFLICT path must be idempotent on Postgres too.
	if _, err := store.UpsertMessages(ctx, "pg-user", batch); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if _, err := store.MarkRead(ctx, "pg-user", CompositeID(PlatformGmail, "pg1")); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	counts, err := store.UnreadCounts(ctx, "pg-user")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[PlatformGmail] != 0 || counts[PlatformSlack] != 1 {
		t.Fatalf("counts = %v", counts)
	}

	// RETURNING id on the operation log insert.
	op, err := store.StartOp(ctx, "pg-user", "fetch_messages", PlatformGmail)
	if err != nil {
		t.Fatalf("StartOp: %v", err)
	}
	if op.ID() <= 0 {
		t.Fatalf("bad op id %d", op.ID())
	}
	if err := op.Finish(ctx, OpDone, "ok"); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	ops, err := store.RecentOps(ctx, "pg-user", 5)
	if err != nil {
		t.Fatalf("RecentOps: %v", err)
	}
	if len(ops) != 1 || ops[0].Status != OpDone {
		t.Fatalf("ops = %+v", ops)
	}

	if n, err := store.ClearCache(ctx, "pg-user", ""); err != nil || n != 2 {
		t.Fatalf("clear: (%d, %v)", n, err)
	}
}
