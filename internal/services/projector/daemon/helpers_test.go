package daemon

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/louisbranch/projectiond/internal/platform/retry"
	"github.com/louisbranch/projectiond/internal/services/projector/event"
	"github.com/louisbranch/projectiond/internal/services/projector/highwater"
	"github.com/louisbranch/projectiond/internal/services/projector/projections/trip"
	"github.com/louisbranch/projectiond/internal/services/projector/storage"
	"github.com/louisbranch/projectiond/internal/services/projector/storage/sqlite"
)

const waitTimeout = 5 * time.Second

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "projector.sqlite"))
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

func testOptions() Options {
	return Options{
		BatchSize:  10,
		HopperSize: 50,
		PauseTime:  20 * time.Millisecond,
		Retry: retry.Policy{
			MaxAttempts:     1,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
		},
		ErrorHandling: ErrorHandling{SkipUnknownEvents: true},
	}
}

// startTestDaemon registers the trip projection and runs the daemon until
// the test ends.
func startTestDaemon(t *testing.T, store storage.Store, opts Options, overrides Overrides) *Daemon {
	t.Helper()
	reg := event.NewRegistry()
	if err := trip.Register(reg); err != nil {
		t.Fatalf("register events: %v", err)
	}
	detector, err := highwater.New(highwater.Config{Store: store, PollInterval: 5 * time.Millisecond, Logf: t.Logf})
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}
	d, err := New(Config{
		Store:        store,
		Registry:     reg,
		Detector:     detector,
		Hub:          NewHub(1024),
		Options:      opts,
		Overrides:    overrides,
		DrainTimeout: 2 * time.Second,
		Logf:         t.Logf,
	})
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	def, err := trip.Projection()
	if err != nil {
		t.Fatalf("build trip projection: %v", err)
	}
	if err := d.Register(def); err != nil {
		t.Fatalf("register projection: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("daemon run: %v", err)
		}
	})
	return d
}

type tripEvent struct {
	stream string
	typ    event.Type
	data   any
}

func appendTrips(t *testing.T, store storage.EventAppender, events ...tripEvent) []event.Event {
	t.Helper()
	batch := make([]event.Event, len(events))
	for i, e := range events {
		payload, err := json.Marshal(e.data)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		batch[i] = event.Event{StreamID: e.stream, Type: e.typ, AggregateType: trip.Alias, PayloadJSON: payload}
	}
	stored, err := store.AppendEvents(context.Background(), batch)
	if err != nil {
		t.Fatalf("append events: %v", err)
	}
	return stored
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitCommitted(t *testing.T, d *Daemon, want uint64) ShardStatus {
	t.Helper()
	var status ShardStatus
	waitFor(t, "shard commit", func() bool {
		s, err := d.ShardStatus(context.Background(), trip.Name)
		status = s
		return err == nil && s.LastCommitted >= want
	})
	return status
}

func loadTrip(t *testing.T, store storage.DocumentStore, stream string) trip.Trip {
	t.Helper()
	doc, err := store.GetDocument(context.Background(), trip.Alias, event.Identity{StreamID: stream, TenantID: event.DefaultTenant})
	if err != nil {
		t.Fatalf("get document %s: %v", stream, err)
	}
	var value trip.Trip
	if err := json.Unmarshal(doc.Data, &value); err != nil {
		t.Fatalf("decode document %s: %v", stream, err)
	}
	return value
}

// gatedStore blocks batch commits until the gate is closed.
type gatedStore struct {
	storage.Store
	gate chan struct{}
}

func (s *gatedStore) OpenBatch(ctx context.Context) (storage.Batch, error) {
	select {
	case <-s.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Store.OpenBatch(ctx)
}

// flakyStore fails the first failures batch opens with a transient error.
type flakyStore struct {
	storage.Store
	failures atomic.Int32
	opened   atomic.Int32
}

func (s *flakyStore) OpenBatch(ctx context.Context) (storage.Batch, error) {
	s.opened.Add(1)
	if s.failures.Add(-1) >= 0 {
		return nil, storage.ErrTransient
	}
	return s.Store.OpenBatch(ctx)
}
