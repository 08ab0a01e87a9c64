// Package highwater tracks the latest gap-free committed sequence of the
// event log and publishes advances to subscribers.
package highwater

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/louisbranch/projectiond/internal/services/projector/storage"
)

const (
	defaultPollInterval   = time.Second
	defaultStaleThreshold = 3 * time.Second
)

// Config wires a Detector.
type Config struct {
	Store storage.HighWaterStore
	// PollInterval is the delay between polls.
	PollInterval time.Duration
	// StaleThreshold is how long a gap may persist before the missing
	// sequences are treated as abandoned and skipped.
	StaleThreshold time.Duration
	Logf           func(format string, args ...any)
	Now            func() time.Time
}

// Statistics is a snapshot of the detector state.
type Statistics struct {
	// Mark is the last published high-water mark.
	Mark uint64
	// Highest is the largest sequence seen in the log.
	Highest uint64
	// Stalled is true while a gap holds the mark below Highest.
	Stalled bool
	// GapSince is when the current gap was first observed.
	GapSince time.Time
	// SkippedGaps counts gaps abandoned after StaleThreshold.
	SkippedGaps int
	LastPoll    time.Time
	// LastAdvance is when Mark last moved.
	LastAdvance time.Time
}

// Detector polls the store and publishes a monotonic high-water mark.
type Detector struct {
	store    storage.HighWaterStore
	interval time.Duration
	stale    time.Duration
	logf     func(format string, args ...any)
	now      func() time.Time

	pollMu sync.Mutex

	mu     sync.Mutex
	stats  Statistics
	gapAt  uint64
	subs   map[int]chan uint64
	nextID int
}

// New validates cfg and returns a Detector starting at mark zero.
func New(cfg Config) (*Detector, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("high water store is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = defaultStaleThreshold
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Detector{
		store:    cfg.Store,
		interval: cfg.PollInterval,
		stale:    cfg.StaleThreshold,
		logf:     cfg.Logf,
		now:      cfg.Now,
		subs:     make(map[int]chan uint64),
	}, nil
}

// Current returns the last published mark.
func (d *Detector) Current() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats.Mark
}

// Statistics returns a snapshot of the detector state.
func (d *Detector) Statistics() Statistics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Seed raises the mark to at least mark without polling. A daemon seeds the
// detector with the highest committed checkpoint so that a gap abandoned in
// an earlier run does not hold new shards below their own progress.
func (d *Detector) Seed(mark uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if mark <= d.stats.Mark {
		return
	}
	d.stats.Mark = mark
	d.stats.LastAdvance = d.now()
	for _, ch := range d.subs {
		publish(ch, mark)
	}
}

// Subscribe returns a channel receiving mark advances and a cancel func.
//
// The channel holds at most one value: a slow reader sees only the newest
// mark, never a stale backlog. The current mark is delivered immediately
// when it is above zero.
func (d *Detector) Subscribe() (<-chan uint64, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	ch := make(chan uint64, 1)
	d.subs[id] = ch
	if d.stats.Mark > 0 {
		ch <- d.stats.Mark
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
		})
	}
}

// Run polls until ctx is done. Poll errors are logged and retried on the
// next tick; Run only returns when ctx ends.
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		if _, err := d.Refresh(ctx); err != nil && ctx.Err() == nil {
			d.logf("high water: poll failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Refresh polls once and returns the resulting mark.
func (d *Detector) Refresh(ctx context.Context) (uint64, error) {
	d.pollMu.Lock()
	defer d.pollMu.Unlock()

	mark := d.Current()
	stats, err := d.store.HighWaterStatistics(ctx, mark)
	if err != nil {
		return mark, err
	}
	now := d.now()
	next := stats.Contiguous

	d.mu.Lock()
	gapAt, gapSince := d.gapAt, d.stats.GapSince
	d.mu.Unlock()

	skipped := false
	switch {
	case !stats.HasGap():
		gapAt, gapSince = 0, time.Time{}
	case gapSince.IsZero() || gapAt != stats.Contiguous:
		gapAt, gapSince = stats.Contiguous, now
	case now.Sub(gapSince) >= d.stale:
		d.logf("high water: skipping stale gap (%d,%d) open since %s", stats.Contiguous, stats.NextAfter, gapSince.Format(time.RFC3339))
		beyond, err := d.store.HighWaterStatistics(ctx, stats.NextAfter-1)
		if err != nil {
			return mark, err
		}
		stats = beyond
		next = beyond.Contiguous
		skipped = true
		gapAt, gapSince = 0, time.Time{}
		if beyond.HasGap() {
			gapAt, gapSince = beyond.Contiguous, now
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.gapAt = gapAt
	d.stats.GapSince = gapSince
	d.stats.Highest = stats.Highest
	d.stats.Stalled = stats.HasGap()
	d.stats.LastPoll = now
	if skipped {
		d.stats.SkippedGaps++
	}
	if next > d.stats.Mark {
		d.stats.Mark = next
		d.stats.LastAdvance = now
		for _, ch := range d.subs {
			publish(ch, next)
		}
	}
	return d.stats.Mark, nil
}

// publish replaces any unread value with mark without blocking.
func publish(ch chan uint64, mark uint64) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- mark:
	default:
	}
}
