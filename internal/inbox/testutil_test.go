package inbox

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(StoreOptions{DSN: filepath.Join(t.TempDir(), "inbox.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testMessage(p Platform, nativeID string, ts time.Time, unread bool) Message {
	return Message{
		ID:        CompositeID(p, nativeID),
		Platform:  p,
		Sender:    "Test Sender",
		Subject:   "subject " + nativeID,
		Preview:   "preview " + nativeID,
		Timestamp: ts,
		Unread:    unread,
	}
}
