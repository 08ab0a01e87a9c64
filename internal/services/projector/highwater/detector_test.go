package highwater

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/projectiond/internal/services/projector/storage"
)

// fakeLog is an in-memory set of committed sequences.
type fakeLog struct {
	mu   sync.Mutex
	seqs map[uint64]bool
	err  error
}

func newFakeLog(seqs ...uint64) *fakeLog {
	f := &fakeLog{seqs: make(map[uint64]bool)}
	f.add(seqs...)
	return f
}

func (f *fakeLog) add(seqs ...uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, seq := range seqs {
		f.seqs[seq] = true
	}
}

func (f *fakeLog) HighWaterStatistics(_ context.Context, after uint64) (storage.HighWaterStatistics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return storage.HighWaterStatistics{}, f.err
	}
	var stats storage.HighWaterStatistics
	for seq := range f.seqs {
		stats.Highest = max(stats.Highest, seq)
	}
	stats.Contiguous = after
	for f.seqs[stats.Contiguous+1] {
		stats.Contiguous++
	}
	for seq := range f.seqs {
		if seq > stats.Contiguous && (stats.NextAfter == 0 || seq < stats.NextAfter) {
			stats.NextAfter = seq
		}
	}
	return stats, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestDetector(t *testing.T, store storage.HighWaterStore, clock *fakeClock) *Detector {
	t.Helper()
	d, err := New(Config{
		Store:          store,
		PollInterval:   5 * time.Millisecond,
		StaleThreshold: 3 * time.Second,
		Logf:           t.Logf,
		Now:            clock.Now,
	})
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}
	return d
}

func TestRefreshStopsAtGapThenSkipsWhenStale(t *testing.T) {
	store := newFakeLog(1, 2, 3, 6, 7)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	d := newTestDetector(t, store, clock)
	ctx := context.Background()

	mark, err := d.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if mark != 3 {
		t.Fatalf("mark = %d, want 3", mark)
	}
	if stats := d.Statistics(); !stats.Stalled || stats.Highest != 7 {
		t.Fatalf("stats = %+v, want stalled with highest 7", stats)
	}

	clock.Advance(time.Second)
	if mark, _ = d.Refresh(ctx); mark != 3 {
		t.Fatalf("mark before stale threshold = %d, want 3", mark)
	}

	clock.Advance(3 * time.Second)
	if mark, _ = d.Refresh(ctx); mark != 7 {
		t.Fatalf("mark after stale threshold = %d, want 7", mark)
	}
	stats := d.Statistics()
	if stats.Stalled || stats.SkippedGaps != 1 {
		t.Fatalf("stats = %+v, want unstalled with one skipped gap", stats)
	}
}

func TestRefreshGapFilledBeforeThreshold(t *testing.T) {
	store := newFakeLog(1, 3)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	d := newTestDetector(t, store, clock)
	ctx := context.Background()

	if mark, _ := d.Refresh(ctx); mark != 1 {
		t.Fatalf("mark = %d, want 1", mark)
	}
	store.add(2)
	clock.Advance(time.Second)
	if mark, _ := d.Refresh(ctx); mark != 3 {
		t.Fatalf("mark = %d, want 3", mark)
	}
	if d.Statistics().SkippedGaps != 0 {
		t.Fatal("expected no skipped gaps")
	}
}

func TestRefreshErrorKeepsMark(t *testing.T) {
	store := newFakeLog(1, 2)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	d := newTestDetector(t, store, clock)
	if _, err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	store.err = errors.New("disk gone")
	mark, err := d.Refresh(context.Background())
	if err == nil {
		t.Fatal("expected poll error")
	}
	if mark != 2 {
		t.Fatalf("mark = %d, want 2", mark)
	}
}

func TestSubscribersSeeMonotonicCoalescedMarks(t *testing.T) {
	store := newFakeLog()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	d := newTestDetector(t, store, clock)
	ch, cancel := d.Subscribe()
	defer cancel()

	for seq := uint64(1); seq <= 5; seq++ {
		store.add(seq)
		if _, err := d.Refresh(context.Background()); err != nil {
			t.Fatalf("refresh: %v", err)
		}
	}
	select {
	case mark := <-ch:
		if mark != 5 {
			t.Fatalf("coalesced mark = %d, want 5", mark)
		}
	default:
		t.Fatal("expected a published mark")
	}
	select {
	case mark := <-ch:
		t.Fatalf("unexpected extra mark %d", mark)
	default:
	}
}

func TestRunPublishesIncreasingMarks(t *testing.T) {
	store := newFakeLog()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	d := newTestDetector(t, store, clock)
	ch, cancel := d.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	var last uint64
	for target := uint64(1); target <= 20; target++ {
		store.add(target)
		deadline := time.After(2 * time.Second)
		for last < target {
			select {
			case mark := <-ch:
				if mark <= last {
					t.Fatalf("mark %d not above previous %d", mark, last)
				}
				last = mark
			case <-deadline:
				t.Fatalf("timed out waiting for mark %d (last %d)", target, last)
			}
		}
	}
	stop()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestSubscribeDeliversCurrentMark(t *testing.T) {
	store := newFakeLog(1, 2, 3)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	d := newTestDetector(t, store, clock)
	if _, err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	ch, cancel := d.Subscribe()
	cancel()
	cancel()
	if mark := <-ch; mark != 3 {
		t.Fatalf("initial mark = %d, want 3", mark)
	}
}

func TestSeedRaisesMarkAndPollsBeyondIt(t *testing.T) {
	store := newFakeLog(1, 2, 5, 6)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	d := newTestDetector(t, store, clock)

	updates, cancel := d.Subscribe()
	defer cancel()

	d.Seed(5)
	d.Seed(3)
	if got := d.Current(); got != 5 {
		t.Fatalf("mark after seed = %d, want 5", got)
	}
	if got := <-updates; got != 5 {
		t.Fatalf("published mark = %d, want 5", got)
	}

	mark, err := d.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if mark != 6 {
		t.Fatalf("mark after refresh = %d, want 6", mark)
	}
}
