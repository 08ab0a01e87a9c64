package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/louisbranch/projectiond/internal/services/projector/event"
	"github.com/louisbranch/projectiond/internal/services/projector/storage"
)

func TestSeedWorkItemsNewestFirstAndSkipsArchived(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	appendTestEvents(t, store,
		event.Event{StreamID: "old", Type: "trip.started", AggregateType: "trip"},
		event.Event{StreamID: "other", Type: "car.built", AggregateType: "car"},
		event.Event{StreamID: "gone", Type: "trip.started", AggregateType: "trip"},
	)
	// Later creation time for the newest stream.
	store.now = func() time.Time { return testNow.Add(time.Hour) }
	appendTestEvents(t, store, event.Event{StreamID: "new", Type: "trip.started", AggregateType: "trip"})
	if err := store.ArchiveStream(ctx, event.Identity{StreamID: "gone"}); err != nil {
		t.Fatalf("archive: %v", err)
	}

	// Stale items from an earlier attempt are replaced.
	if _, err := store.sqlDB.Exec("INSERT INTO rebuild_work_items (stream_id, stream_type, tenant_id) VALUES ('stale', 'trip', '*DEFAULT*')"); err != nil {
		t.Fatalf("insert stale item: %v", err)
	}

	if err := executeBatch(t, store, storage.SeedWorkItems{Alias: "trip"}); err != nil {
		t.Fatalf("seed work items: %v", err)
	}
	items, err := store.PendingWorkItems(ctx, "trip", "", 10)
	if err != nil {
		t.Fatalf("pending work items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %+v, want 2", items)
	}
	if items[0].StreamID != "new" || items[1].StreamID != "old" {
		t.Fatalf("items order = %s,%s, want new,old", items[0].StreamID, items[1].StreamID)
	}

	if err := executeBatch(t, store, storage.CompleteWorkItems{Numbers: []int64{items[0].Number}}); err != nil {
		t.Fatalf("complete work items: %v", err)
	}
	count, err := store.CountWorkItems(ctx, "trip")
	if err != nil || count != 1 {
		t.Fatalf("count = %d, err %v, want 1", count, err)
	}
}

func TestWorkItemTenants(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	appendTestEvents(t, store,
		event.Event{StreamID: "a", TenantID: "t2", Type: "trip.started", AggregateType: "trip"},
		event.Event{StreamID: "b", TenantID: "t1", Type: "trip.started", AggregateType: "trip"},
		event.Event{StreamID: "c", TenantID: "t1", Type: "trip.started", AggregateType: "trip"},
	)
	if err := executeBatch(t, store, storage.SeedWorkItems{Alias: "trip"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	tenants, err := store.WorkItemTenants(ctx, "trip")
	if err != nil {
		t.Fatalf("tenants: %v", err)
	}
	if len(tenants) != 2 || tenants[0] != "t1" || tenants[1] != "t2" {
		t.Fatalf("tenants = %v, want [t1 t2]", tenants)
	}
	items, err := store.PendingWorkItems(ctx, "trip", "t1", 0)
	if err != nil || len(items) != 2 {
		t.Fatalf("t1 items = %+v, err %v", items, err)
	}
}

func TestStampStreamTypesTagsUntaggedStreams(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	appendTestEvents(t, store,
		event.Event{StreamID: "legacy", Type: "trip.started"},
		event.Event{StreamID: "tagged", Type: "trip.started", AggregateType: "journey"},
		event.Event{StreamID: "late", Type: "trip.started"},
	)

	err := executeBatch(t, store, storage.StampStreamTypes{Alias: "trip", Types: []event.Type{"trip.started"}, Floor: 0, Ceiling: 2})
	if err != nil {
		t.Fatalf("stamp: %v", err)
	}
	events, err := store.FetchEvents(ctx, storage.EventQuery{Ceiling: 3})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := map[string]string{"legacy": "trip", "tagged": "journey", "late": ""}
	for _, evt := range events {
		if evt.AggregateType != want[evt.StreamID] {
			t.Fatalf("stream %s type = %q, want %q", evt.StreamID, evt.AggregateType, want[evt.StreamID])
		}
	}
}

func TestDeadLettersNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	err := executeBatch(t, store,
		storage.RecordDeadLetter{Shard: "Trip:All", Seq: 4, StreamID: "a", Type: "trip.started", Payload: []byte(`{"day":"x"}`), Error: "bad day"},
		storage.RecordDeadLetter{Shard: "Trip:All", Seq: 9, StreamID: "b", Type: "trip.ended", Error: "bad end"},
		storage.RecordDeadLetter{Shard: "Other:All", Seq: 2, StreamID: "c", Type: "x", Error: "x"},
	)
	if err != nil {
		t.Fatalf("record dead letters: %v", err)
	}
	letters, err := store.ListDeadLetters(ctx, "Trip:All", 0)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 2 || letters[0].Seq != 9 || letters[1].Seq != 4 {
		t.Fatalf("letters = %+v", letters)
	}
	if letters[1].TenantID != event.DefaultTenant || string(letters[1].Payload) != `{"day":"x"}` {
		t.Fatalf("letter = %+v", letters[1])
	}
	all, err := store.ListDeadLetters(ctx, "", 1)
	if err != nil || len(all) != 1 {
		t.Fatalf("all letters = %+v, err %v", all, err)
	}
}

func TestListProgressAndDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	err := executeBatch(t, store,
		storage.UpdateProgress{Name: "b", Seq: 2},
		storage.UpdateProgress{Name: "a", Seq: 1, Mode: storage.ModeRebuilding, RebuildThreshold: 40},
	)
	if err != nil {
		t.Fatalf("seed progress: %v", err)
	}
	list, err := store.ListProgress(ctx)
	if err != nil {
		t.Fatalf("list progress: %v", err)
	}
	if len(list) != 2 || list[0].Name != "a" || list[0].Mode != storage.ModeRebuilding || list[0].RebuildThreshold != 40 {
		t.Fatalf("progress = %+v", list)
	}
	if err := store.DeleteProgress(ctx, "a"); err != nil {
		t.Fatalf("delete progress: %v", err)
	}
	if err := store.DeleteProgress(ctx, "a"); err == nil {
		t.Fatal("expected not found deleting twice")
	}
}
