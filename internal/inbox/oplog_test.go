package inbox

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOpLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	op, err := store.StartOp(ctx, "u1", "fetch_messages", PlatformGmail)
	if err != nil {
		t.Fatalf("StartOp: %v", err)
	}

	ops, err := store.RecentOps(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("RecentOps: %v", err)
	}
	if len(ops) != 1 || ops[0].Status != OpCalling {
		t.Fatalf("in-flight entry not visible as calling: %+v", ops)
	}
	if ops[0].DurationMS != nil {
		t.Fatalf("calling entry has a duration: %+v", ops[0])
	}

	if err := op.Finish(ctx, OpDone, "cached 4 messages"); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	ops, err = store.RecentOps(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("RecentOps after finish: %v", err)
	}
	if len(ops) != 1 || ops[0].Status != OpDone {
		t.Fatalf("entry not done: %+v", ops)
	}
	if ops[0].DurationMS == nil || *ops[0].DurationMS < 0 {
		t.Fatalf("finished entry has no duration: %+v", ops[0])
	}
	if ops[0].Summary == nil || *ops[0].Summary != "cached 4 messages" {
		t.Fatalf("summary not recorded: %+v", ops[0])
	}
}

func TestOpFinishTwiceIsNoOp(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	op, err := store.StartOp(ctx, "", "send_message", PlatformSlack)
	if err != nil {
		t.Fatalf("StartOp: %v", err)
	}
	if err := op.Finish(ctx, OpError, "network down"); err != nil {
		t.Fatalf("first finish: %v", err)
	}
	if err := op.Finish(ctx, OpDone, "should not apply"); err != nil {
		t.Fatalf("second finish: %v", err)
	}

	ops, err := store.RecentOps(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentOps: %v", err)
	}
	if ops[0].Status != OpError || *ops[0].Summary != "network down" {
		t.Fatalf("second finish overwrote the first: %+v", ops[0])
	}
}

func TestOpFinishRetriesAfterWriteError(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	op, err := store.StartOp(ctx, "", "fetch_messages", PlatformGmail)
	if err != nil {
		t.Fatalf("StartOp: %v", err)
	}

	// Make the terminal update fail by hiding the table, then put it back.
	// A failed finish must not latch the handle: the entry would be stuck
	// in calling forever with no way to complete it.
	if _, err := store.db.Exec("ALTER TABLE operation_log RENAME TO operation_log_hidden"); err != nil {
		t.Fatalf("hide table: %v", err)
	}
	if err := op.Finish(ctx, OpDone, "first try"); err == nil {
		t.Fatalf("finish succeeded with the table missing")
	}
	if _, err := store.db.Exec("ALTER TABLE operation_log_hidden RENAME TO operation_log"); err != nil {
		t.Fatalf("restore table: %v", err)
	}

	if err := op.Finish(ctx, OpDone, "second try"); err != nil {
		t.Fatalf("retry after failed finish: %v", err)
	}
	ops, err := store.RecentOps(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentOps: %v", err)
	}
	if len(ops) != 1 || ops[0].Status != OpDone {
		t.Fatalf("entry not done after retry: %+v", ops)
	}
	if ops[0].Summary == nil || *ops[0].Summary != "second try" {
		t.Fatalf("retry summary not recorded: %+v", ops[0])
	}
}

func TestOpFinishRejectsInvalidStatus(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	op, err := store.StartOp(ctx, "", "fetch_messages", PlatformGmail)
	if err != nil {
		t.Fatalf("StartOp: %v", err)
	}
	if err := op.Finish(ctx, OpCalling, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("finish with calling: got %v, want ErrInvalidInput", err)
	}
	// The entry must still be finishable after the rejected call.
	if err := op.Finish(ctx, OpDone, "ok"); err != nil {
		t.Fatalf("finish after rejected status: %v", err)
	}
}

func TestRecentOpsScopingAndOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		op, err := store.StartOp(ctx, "u1", "fetch_messages", PlatformGmail)
		if err != nil {
			t.Fatalf("StartOp %d: %v", i, err)
		}
		_ = op.Finish(ctx, OpDone, "")
	}
	if _, err := store.StartOp(ctx, "", "send_message", PlatformSlack); err != nil {
		t.Fatalf("StartOp global: %v", err)
	}

	u1, err := store.RecentOps(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("RecentOps u1: %v", err)
	}
	if len(u1) != 3 {
		t.Fatalf("u1 sees %d entries, want 3", len(u1))
	}
	for i := 1; i < len(u1); i++ {
		if u1[i].ID > u1[i-1].ID {
			t.Fatalf("not newest-first: %+v", u1)
		}
	}

	global, err := store.RecentOps(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentOps global: %v", err)
	}
	if len(global) != 1 || global[0].Operation != "send_message" {
		t.Fatalf("global scope leaked user entries: %+v", global)
	}

	limited, err := store.RecentOps(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("RecentOps limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit ignored: %d entries", len(limited))
	}
}

func TestPurgeStaleCalling(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// A crashed process leaves entries stuck in calling with an old
	// called_at. Simulate by rewriting the timestamp.
	op, err := store.StartOp(ctx, "", "fetch_messages", PlatformGmail)
	if err != nil {
		t.Fatalf("StartOp: %v", err)
	}
	old := timeText(time.Now().Add(-2 * time.Hour))
	if _, err := store.db.Exec(store.dialect.rebind(
		"UPDATE operation_log SET called_at = ? WHERE id = ?"), old, op.ID()); err != nil {
		t.Fatalf("age entry: %v", err)
	}

	fresh, err := store.StartOp(ctx, "", "send_message", PlatformSlack)
	if err != nil {
		t.Fatalf("StartOp fresh: %v", err)
	}

	n, err := store.PurgeStaleCalling(ctx, time.Hour)
	if err != nil {
		t.Fatalf("PurgeStaleCalling: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}

	ops, err := store.RecentOps(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentOps: %v", err)
	}
	for _, e := range ops {
		switch e.ID {
		case op.ID():
			if e.Status != OpError || e.Summary == nil || *e.Summary != "abandoned" {
				t.Fatalf("stale entry not swept: %+v", e)
			}
		case fresh.ID():
			if e.Status != OpCalling {
				t.Fatalf("fresh entry swept: %+v", e)
			}
		}
	}

	if _, err := store.PurgeStaleCalling(ctx, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero cutoff: got %v, want ErrInvalidInput", err)
	}
}

func TestOpFeedDelivery(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	feed := store.SubscribeOps()
	defer store.Unsubscribe(feed)

	op, err := store.StartOp(ctx, "u1", "fetch_messages", PlatformGmail)
	if err != nil {
		t.Fatalf("StartOp: %v", err)
	}
	if err := op.Finish(ctx, OpDone, "ok"); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	want := []OpStatus{OpCalling, OpDone}
	for i, status := range want {
		select {
		case entry, ok := <-feed.C():
			if !ok {
				t.Fatalf("feed closed before entry %d", i)
			}
			if entry.Status != status || entry.ID != op.ID() {
				t.Fatalf("entry %d = %+v, want status %s", i, entry, status)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for entry %d", i)
		}
	}
}

func TestOpFeedDropsSlowSubscriber(t *testing.T) {
	store, err := Open(StoreOptions{
		DSN:        t.TempDir() + "/inbox.db",
		FeedBuffer: 2,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	slow := store.SubscribeOps()
	// Never drained: each StartOp publishes one entry, so the third
	// publish overflows the buffer of two and drops the subscriber.
	for i := 0; i < 3; i++ {
		if _, err := store.StartOp(ctx, "", "fetch_messages", PlatformGmail); err != nil {
			t.Fatalf("StartOp %d: %v", i, err)
		}
	}

	// Drain what was buffered; the channel must now be closed.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-slow.C():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("slow subscriber was never dropped")
		}
	}
}

func TestOpFeedClosedOnStoreClose(t *testing.T) {
	store := openTestStore(t)
	feed := store.SubscribeOps()
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case _, ok := <-feed.C():
		if ok {
			t.Fatalf("got entry after close")
		}
	case <-time.After(time.Second):
		t.Fatalf("feed not closed on store close")
	}
}
