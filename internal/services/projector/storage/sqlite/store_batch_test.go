package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	apperrors "github.com/louisbranch/projectiond/internal/platform/errors"
	"github.com/louisbranch/projectiond/internal/services/projector/event"
	"github.com/louisbranch/projectiond/internal/services/projector/storage"
)

func executeBatch(t *testing.T, store *Store, ops ...storage.Operation) error {
	t.Helper()
	batch, err := store.OpenBatch(context.Background())
	if err != nil {
		t.Fatalf("open batch: %v", err)
	}
	defer batch.Close()
	batch.Queue(ops...)
	return batch.Execute(context.Background())
}

func TestBatchCommitsDocumentsWithProgress(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	id := event.Identity{StreamID: "trip-1"}

	err := executeBatch(t, store,
		storage.UpsertDocument{Alias: "trip", Identity: id, Data: []byte(`{"state":"TX"}`), Version: 3, LastSeq: 7},
		storage.UpdateProgress{Name: "Trip:All", Expected: 0, Seq: 7},
	)
	if err != nil {
		t.Fatalf("execute batch: %v", err)
	}

	doc, err := store.GetDocument(ctx, "trip", id)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if string(doc.Data) != `{"state":"TX"}` || doc.Version != 3 || doc.LastSeq != 7 {
		t.Fatalf("document = %+v", doc)
	}
	if doc.Identity.TenantID != event.DefaultTenant {
		t.Fatalf("tenant = %q, want default", doc.Identity.TenantID)
	}
	progress, err := store.GetProgress(ctx, "Trip:All")
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	if progress.LastSeq != 7 || progress.Mode != storage.ModeContinuous {
		t.Fatalf("progress = %+v", progress)
	}
	if !progress.UpdatedAt.Equal(testNow) {
		t.Fatalf("updated_at = %v, want %v", progress.UpdatedAt, testNow)
	}
}

func TestBatchProgressConflictRollsBackDocuments(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := executeBatch(t, store, storage.UpdateProgress{Name: "Trip:All", Seq: 10}); err != nil {
		t.Fatalf("seed progress: %v", err)
	}

	err := executeBatch(t, store,
		storage.UpsertDocument{Alias: "trip", Identity: event.Identity{StreamID: "trip-1"}, Data: []byte(`{}`), LastSeq: 12},
		storage.UpdateProgress{Name: "Trip:All", Expected: 5, Seq: 12},
	)
	if !errors.Is(err, storage.ErrProgressConflict) {
		t.Fatalf("expected ErrProgressConflict, got %v", err)
	}
	if apperrors.IsTransient(err) {
		t.Fatal("progress conflicts must not be transient")
	}

	if _, err := store.GetDocument(ctx, "trip", event.Identity{StreamID: "trip-1"}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("document after conflict: got %v, want ErrNotFound", err)
	}
	progress, err := store.GetProgress(ctx, "Trip:All")
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	if progress.LastSeq != 10 {
		t.Fatalf("progress = %d, want 10", progress.LastSeq)
	}
}

func TestBatchMissingProgressRequiresZeroExpected(t *testing.T) {
	store := openTestStore(t)
	err := executeBatch(t, store, storage.UpdateProgress{Name: "Trip:All", Expected: 3, Seq: 9})
	if !errors.Is(err, storage.ErrProgressConflict) {
		t.Fatalf("expected ErrProgressConflict, got %v", err)
	}
}

func TestBatchDeleteAndRawSQL(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	id := event.Identity{StreamID: "trip-1", TenantID: "acme"}

	if err := executeBatch(t, store, storage.UpsertDocument{Alias: "trip", Identity: id, Data: []byte(`{}`)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	err := executeBatch(t, store,
		storage.DeleteDocument{Alias: "trip", Identity: id},
		storage.DeleteDocument{Alias: "never_created", Identity: id},
		storage.RawSQL{Statement: "INSERT INTO projection_progress (name, last_seq_id, updated_at) VALUES (?, ?, 0)", Args: []any{"raw", 4}},
	)
	if err != nil {
		t.Fatalf("delete batch: %v", err)
	}
	if _, err := store.GetDocument(ctx, "trip", id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("document after delete: got %v, want ErrNotFound", err)
	}
	progress, err := store.GetProgress(ctx, "raw")
	if err != nil || progress.LastSeq != 4 {
		t.Fatalf("raw progress = %+v, err %v", progress, err)
	}
}

func TestBatchDeleteAllDocumentsAcrossTenants(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := executeBatch(t, store,
		storage.UpsertDocument{Alias: "trip", Identity: event.Identity{StreamID: "a"}, Data: []byte(`{}`)},
		storage.UpsertDocument{Alias: "trip", Identity: event.Identity{StreamID: "b", TenantID: "acme"}, Data: []byte(`{}`)},
		storage.UpsertDocument{Alias: "other", Identity: event.Identity{StreamID: "c"}, Data: []byte(`{}`)},
	)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	err = executeBatch(t, store,
		storage.DeleteAllDocuments{Alias: "trip"},
		storage.DeleteAllDocuments{Alias: "never_created"},
	)
	if err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if n, err := store.CountDocuments(ctx, "trip"); err != nil || n != 0 {
		t.Fatalf("trip documents = %d, %v; want 0", n, err)
	}
	if n, err := store.CountDocuments(ctx, "other"); err != nil || n != 1 {
		t.Fatalf("other documents = %d, %v; want 1", n, err)
	}
}

func TestLoadDocumentsReturnsExistingOnly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var ops []storage.Operation
	var ids []event.Identity
	for i := 0; i < 300; i++ {
		id := event.Identity{StreamID: uuid.NewString(), TenantID: event.DefaultTenant}
		ids = append(ids, id)
		if i%2 == 0 {
			ops = append(ops, storage.UpsertDocument{Alias: "trip", Identity: id, Data: []byte(`{}`), LastSeq: uint64(i)})
		}
	}
	if err := executeBatch(t, store, ops...); err != nil {
		t.Fatalf("seed documents: %v", err)
	}

	docs, err := store.LoadDocuments(ctx, "trip", ids)
	if err != nil {
		t.Fatalf("load documents: %v", err)
	}
	if len(docs) != 150 {
		t.Fatalf("documents = %d, want 150", len(docs))
	}
	if _, ok := docs[ids[0]]; !ok {
		t.Fatal("expected first identity to be loaded")
	}
	if _, ok := docs[ids[1]]; ok {
		t.Fatal("did not expect odd identity to be loaded")
	}
	count, err := store.CountDocuments(ctx, "trip")
	if err != nil || count != 150 {
		t.Fatalf("count = %d, err %v", count, err)
	}
}

func TestEnsureStorageExistsRejectsInvalidAlias(t *testing.T) {
	store := openTestStore(t)
	for _, alias := range []string{"", "1trip", "trip; DROP TABLE events", "trip-x"} {
		if err := store.EnsureStorageExists(context.Background(), alias); err == nil {
			t.Fatalf("expected alias %q to be rejected", alias)
		}
	}
	if err := store.EnsureStorageExists(context.Background(), "Trip_v2"); err != nil {
		t.Fatalf("ensure storage: %v", err)
	}
	if err := store.EnsureStorageExists(context.Background(), "trip_v2"); err != nil {
		t.Fatalf("ensure storage twice: %v", err)
	}
}

func TestClosedBatchRejectsExecute(t *testing.T) {
	store := openTestStore(t)
	batch, err := store.OpenBatch(context.Background())
	if err != nil {
		t.Fatalf("open batch: %v", err)
	}
	batch.Queue(storage.UpdateProgress{Name: "x", Seq: 1})
	if batch.Len() != 1 {
		t.Fatalf("len = %d, want 1", batch.Len())
	}
	_ = batch.Close()
	if err := batch.Execute(context.Background()); err == nil {
		t.Fatal("expected closed batch error")
	}
}
