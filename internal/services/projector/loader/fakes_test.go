package loader

import (
	"context"
	"sync"

	"github.com/louisbranch/projectiond/internal/services/projector/event"
	"github.com/louisbranch/projectiond/internal/services/projector/storage"
)

// fakeEventStore serves events from memory honoring range, limit and type filters.
type fakeEventStore struct {
	mu      sync.Mutex
	events  []event.Event
	queries []storage.EventQuery
	err     error
}

func (f *fakeEventStore) FetchEvents(_ context.Context, q storage.EventQuery) ([]event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	types := make(map[event.Type]bool, len(q.Types))
	for _, t := range q.Types {
		types[t] = true
	}
	var out []event.Event
	for _, evt := range f.events {
		if evt.Seq <= q.Floor || evt.Seq > q.Ceiling {
			continue
		}
		if len(types) > 0 && !types[evt.Type] {
			continue
		}
		if q.TenantID != "" && evt.TenantID != q.TenantID {
			continue
		}
		out = append(out, evt)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

type loaderFunc func(ctx context.Context, req Request) (event.Page, error)

func (f loaderFunc) Load(ctx context.Context, req Request) (event.Page, error) {
	return f(ctx, req)
}

type dayPayload struct {
	Day int `json:"day"`
}

func testRegistry() *event.Registry {
	registry := event.NewRegistry()
	registry.MustRegister(
		event.Definition{Type: "trip.started", Decode: event.JSON[dayPayload]()},
		event.Definition{Type: "trip.ended", Decode: event.JSON[dayPayload]()},
	)
	return registry
}

func seqEvents(n int, typ event.Type) []event.Event {
	events := make([]event.Event, n)
	for i := range events {
		events[i] = event.Event{Seq: uint64(i + 1), StreamID: "s", Type: typ, PayloadJSON: []byte(`{"day":1}`)}
	}
	return events
}
