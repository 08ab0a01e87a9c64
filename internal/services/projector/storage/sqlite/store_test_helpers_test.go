package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/projectiond/internal/services/projector/event"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "projector.sqlite")
	store, err := Open(path, WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func appendTestEvents(t *testing.T, store *Store, events ...event.Event) []event.Event {
	t.Helper()
	stored, err := store.AppendEvents(context.Background(), events)
	if err != nil {
		t.Fatalf("append events: %v", err)
	}
	return stored
}

// insertRawEvent writes an event with an explicit sequence, bypassing the
// append path so tests can create gaps.
func insertRawEvent(t *testing.T, store *Store, seq uint64, streamID string) {
	t.Helper()
	_, err := store.sqlDB.Exec(
		`INSERT INTO events (seq_id, stream_id, tenant_id, version, type, data, timestamp)
		 VALUES (?, ?, ?, ?, 'raw', '{}', 0)`,
		int64(seq), streamID, event.DefaultTenant, int64(seq),
	)
	if err != nil {
		t.Fatalf("insert raw event %d: %v", seq, err)
	}
}
