package loader

import (
	"context"
	"errors"
	"testing"

	apperrors "github.com/louisbranch/projectiond/internal/platform/errors"
	"github.com/louisbranch/projectiond/internal/services/projector/event"
)

func newTestLoader(t *testing.T, store *fakeEventStore, handling ErrorHandling) *Loader {
	t.Helper()
	l, err := New(Config{Store: store, Registry: testRegistry(), ErrorHandling: handling, Logf: t.Logf})
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	return l
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Config{Registry: testRegistry()}); err == nil {
		t.Fatal("expected missing store error")
	}
	if _, err := New(Config{Store: &fakeEventStore{}}); err == nil {
		t.Fatal("expected missing registry error")
	}
}

func TestLoadFullPageCeilingIsLastEvent(t *testing.T) {
	store := &fakeEventStore{events: seqEvents(10, "trip.started")}
	l := newTestLoader(t, store, ErrorHandling{})

	page, err := l.Load(context.Background(), Request{Floor: 2, HighWater: 10, BatchSize: 3})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if page.Floor != 2 || page.Ceiling != 5 {
		t.Fatalf("page = %s, want (2,5]", page)
	}
	if page.Len() != 3 || page.Events[0].Seq != 3 {
		t.Fatalf("events = %+v", page.Events)
	}
	if _, ok := page.Events[0].Data.(dayPayload); !ok {
		t.Fatalf("data = %T, want dayPayload", page.Events[0].Data)
	}
}

func TestLoadShortPageCeilingIsHighWater(t *testing.T) {
	store := &fakeEventStore{events: seqEvents(4, "trip.started")}
	l := newTestLoader(t, store, ErrorHandling{})

	page, err := l.Load(context.Background(), Request{Floor: 0, HighWater: 8, BatchSize: 10})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if page.Ceiling != 8 || page.Len() != 4 {
		t.Fatalf("page = %s with %d events, want (0,8] with 4", page, page.Len())
	}
	if err := page.Validate(); err != nil {
		t.Fatalf("page invalid: %v", err)
	}
}

func TestLoadTypeFilterStillAdvancesToHighWater(t *testing.T) {
	store := &fakeEventStore{events: seqEvents(6, "other.thing")}
	l := newTestLoader(t, store, ErrorHandling{})

	page, err := l.Load(context.Background(), Request{Floor: 0, HighWater: 6, BatchSize: 2, Types: []event.Type{"trip.started"}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !page.IsEmpty() || page.Ceiling != 6 {
		t.Fatalf("page = %s with %d events, want empty (0,6]", page, page.Len())
	}
}

func TestLoadEqualFloorAndHighWaterSkipsStore(t *testing.T) {
	store := &fakeEventStore{}
	l := newTestLoader(t, store, ErrorHandling{})
	page, err := l.Load(context.Background(), Request{Floor: 5, HighWater: 5, BatchSize: 10})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if page.Ceiling != 5 || len(store.queries) != 0 {
		t.Fatalf("page = %s, queries = %d", page, len(store.queries))
	}
}

func TestLoadRejectsFloorAboveHighWater(t *testing.T) {
	l := newTestLoader(t, &fakeEventStore{}, ErrorHandling{})
	_, err := l.Load(context.Background(), Request{Floor: 9, HighWater: 3, BatchSize: 10})
	if !apperrors.Is(err, apperrors.CodeInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestLoadUnknownEventHandling(t *testing.T) {
	events := []event.Event{
		{Seq: 1, StreamID: "s", Type: "trip.started", PayloadJSON: []byte(`{}`)},
		{Seq: 2, StreamID: "s", Type: "trip.renamed", PayloadJSON: []byte(`{}`)},
	}

	strict := newTestLoader(t, &fakeEventStore{events: events}, ErrorHandling{})
	if _, err := strict.Load(context.Background(), Request{HighWater: 2, BatchSize: 10}); !errors.Is(err, event.ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}

	tolerant := newTestLoader(t, &fakeEventStore{events: events}, ErrorHandling{SkipUnknownEvents: true})
	page, err := tolerant.Load(context.Background(), Request{HighWater: 2, BatchSize: 10})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if page.Len() != 1 || len(page.Skipped) != 0 {
		t.Fatalf("events = %d skipped = %d, want 1 and 0", page.Len(), len(page.Skipped))
	}
}

func TestLoadSerializationErrorHandling(t *testing.T) {
	events := []event.Event{
		{Seq: 1, StreamID: "s", Type: "trip.started", PayloadJSON: []byte(`{"day":"one"}`)},
		{Seq: 2, StreamID: "s", Type: "trip.ended", PayloadJSON: []byte(`{"day":2}`)},
	}

	strict := newTestLoader(t, &fakeEventStore{events: events}, ErrorHandling{})
	if _, err := strict.Load(context.Background(), Request{HighWater: 2, BatchSize: 10}); !errors.Is(err, event.ErrDeserialization) {
		t.Fatalf("expected ErrDeserialization, got %v", err)
	}

	tolerant := newTestLoader(t, &fakeEventStore{events: events}, ErrorHandling{SkipSerializationErrors: true})
	page, err := tolerant.Load(context.Background(), Request{HighWater: 2, BatchSize: 10})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if page.Len() != 1 || len(page.Skipped) != 1 || page.Skipped[0].Event.Seq != 1 {
		t.Fatalf("page = %+v", page)
	}
}
