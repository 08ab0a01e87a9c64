package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/zhangyunhao116/skipmap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/louisbranch/projectiond/internal/platform/errors"
	"github.com/louisbranch/projectiond/internal/platform/timeouts"
	"github.com/louisbranch/projectiond/internal/services/projector/aggregation"
	"github.com/louisbranch/projectiond/internal/services/projector/event"
	"github.com/louisbranch/projectiond/internal/services/projector/highwater"
	"github.com/louisbranch/projectiond/internal/services/projector/rebuild"
	"github.com/louisbranch/projectiond/internal/services/projector/storage"
)

var (
	// ErrShardNotFound is returned for names matching no registered projection.
	ErrShardNotFound = apperrors.New(apperrors.CodeNotFound, "shard not found")
	// ErrShardNotRunning is returned when stopping a shard that is not running.
	ErrShardNotRunning = apperrors.New(apperrors.CodeShardNotRunning, "shard is not running")
	// ErrShardRunning is returned when starting a shard twice or rebuilding it
	// concurrently.
	ErrShardRunning = apperrors.New(apperrors.CodeShardAlreadyRunning, "shard is already running")
)

// ShardName returns the shard that processes every event of a projection.
func ShardName(projection string) string {
	return projection + ":All"
}

// Config wires a Daemon.
type Config struct {
	Store    storage.Store
	Registry *event.Registry
	Detector *highwater.Detector
	// Hub receives shard notifications; nil creates one.
	Hub       *Hub
	Options   Options
	Overrides Overrides
	// DrainTimeout bounds the graceful stop when Run returns.
	DrainTimeout time.Duration
	// RebuildBatchSize is the number of work items per rebuild transaction.
	RebuildBatchSize int
	Logf             func(format string, args ...any)
}

// Daemon runs the shards of every registered projection against one store.
type Daemon struct {
	store            storage.Store
	registry         *event.Registry
	detector         *highwater.Detector
	hub              *Hub
	opts             Options
	overrides        Overrides
	drainTimeout     time.Duration
	rebuildBatchSize int
	logf             func(format string, args ...any)

	projections *skipmap.FuncMap[string, aggregation.Aggregator]
	agents      *skipmap.FuncMap[string, *Agent]

	// lifecycleMu serializes start, stop and rebuild of shards.
	lifecycleMu sync.Mutex
	rebuilding  map[string]bool
}

func byName(a, b string) bool {
	return a < b
}

// New validates cfg and returns a Daemon with no registered projections.
func New(cfg Config) (*Daemon, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("event registry is required")
	}
	if cfg.Detector == nil {
		return nil, fmt.Errorf("high water detector is required")
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub(0)
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = timeouts.Drain
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	opts := cfg.Options
	if opts.Logf == nil {
		opts.Logf = cfg.Logf
	}
	return &Daemon{
		store:            cfg.Store,
		registry:         cfg.Registry,
		detector:         cfg.Detector,
		hub:              cfg.Hub,
		opts:             opts.normalized(),
		overrides:        cfg.Overrides,
		drainTimeout:     cfg.DrainTimeout,
		rebuildBatchSize: cfg.RebuildBatchSize,
		logf:             cfg.Logf,
		projections:      skipmap.NewFunc[string, aggregation.Aggregator](byName),
		agents:           skipmap.NewFunc[string, *Agent](byName),
		rebuilding:       make(map[string]bool),
	}, nil
}

// Register adds projections. Names and aliases must be unique.
func (d *Daemon) Register(aggs ...aggregation.Aggregator) error {
	for _, agg := range aggs {
		if agg == nil {
			return fmt.Errorf("register projection: nil aggregator")
		}
		name := agg.Name()
		if _, ok := d.projections.Load(name); ok {
			return fmt.Errorf("register projection %s: already registered", name)
		}
		var clash string
		d.projections.Range(func(other string, existing aggregation.Aggregator) bool {
			if existing.Alias() == agg.Alias() {
				clash = other
				return false
			}
			return true
		})
		if clash != "" {
			return fmt.Errorf("register projection %s: alias %s already used by %s", name, agg.Alias(), clash)
		}
		d.projections.Store(name, agg)
	}
	return nil
}

// Projections returns the registered projection names in order.
func (d *Daemon) Projections() []string {
	names := make([]string, 0, d.projections.Len())
	d.projections.Range(func(name string, _ aggregation.Aggregator) bool {
		names = append(names, name)
		return true
	})
	return names
}

// Hub returns the notification hub.
func (d *Daemon) Hub() *Hub {
	return d.hub
}

// Subscribe attaches a shard notification subscriber.
func (d *Daemon) Subscribe() (<-chan ShardState, func()) {
	return d.hub.Subscribe()
}

// lookup resolves a projection name or a shard name.
func (d *Daemon) lookup(name string) (aggregation.Aggregator, string, error) {
	projection := strings.TrimSuffix(strings.TrimSpace(name), ":All")
	agg, ok := d.projections.Load(projection)
	if !ok {
		return nil, "", apperrors.WithMetadata(apperrors.CodeNotFound,
			fmt.Sprintf("shard %q not found", name), map[string]string{"shard": name})
	}
	return agg, ShardName(projection), nil
}

func (d *Daemon) running(shard string) (*Agent, bool) {
	agent, ok := d.agents.Load(shard)
	if !ok {
		return nil, false
	}
	select {
	case <-agent.Done():
		return agent, false
	default:
		return agent, true
	}
}

// StartShard starts the shard of one projection.
func (d *Daemon) StartShard(ctx context.Context, name string) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	return d.startShard(ctx, name)
}

func (d *Daemon) startShard(ctx context.Context, name string) error {
	agg, shard, err := d.lookup(name)
	if err != nil {
		return err
	}
	if _, ok := d.running(shard); ok || d.rebuilding[shard] {
		return fmt.Errorf("start %s: %w", shard, ErrShardRunning)
	}

	progress, err := d.store.GetProgress(ctx, shard)
	switch {
	case err == nil:
		d.detector.Seed(progress.LastSeq)
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("start %s: %w", shard, err)
	}

	agent, err := newAgent(agentConfig{
		Shard:      shard,
		Aggregator: agg,
		Store:      d.store,
		Registry:   d.registry,
		Hub:        d.hub,
		Options:    d.opts.forShard(d.overrides.For(agg.Name())),
	})
	if err != nil {
		return fmt.Errorf("start %s: %w", shard, err)
	}
	if err := agent.Start(ctx, d.detector.Current()); err != nil {
		return err
	}
	d.agents.Store(shard, agent)
	agent.MarkHighWater(d.detector.Current())
	return nil
}

// StartAll starts every enabled projection that is not already running. A
// shard failing to start does not prevent the others from starting.
func (d *Daemon) StartAll(ctx context.Context) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	var errs []error
	for _, name := range d.Projections() {
		if d.overrides.For(name).Disabled {
			d.logf("shard %s: disabled by configuration", ShardName(name))
			continue
		}
		if _, ok := d.running(ShardName(name)); ok {
			continue
		}
		if err := d.startShard(ctx, name); err != nil {
			d.logf("shard %s: start failed: %v", ShardName(name), err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopShard drains one shard: pages already fetched are committed first.
func (d *Daemon) StopShard(ctx context.Context, name string) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	return d.stopShard(ctx, name)
}

func (d *Daemon) stopShard(ctx context.Context, name string) error {
	_, shard, err := d.lookup(name)
	if err != nil {
		return err
	}
	agent, ok := d.running(shard)
	if !ok {
		return fmt.Errorf("stop %s: %w", shard, ErrShardNotRunning)
	}
	return agent.StopAndDrain(ctx)
}

// StopAll drains every running shard concurrently.
func (d *Daemon) StopAll(ctx context.Context) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	d.agents.Range(func(shard string, agent *Agent) bool {
		g.Go(func() error {
			if err := agent.StopAndDrain(ctx); err != nil {
				d.logf("shard %s: drain failed: %v", shard, err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("stop %s: %w", shard, err))
				mu.Unlock()
			}
			return nil
		})
		return true
	})
	_ = g.Wait()
	return errors.Join(errs...)
}

// HardStopAll cancels every shard without waiting for in-flight commits.
func (d *Daemon) HardStopAll() {
	d.agents.Range(func(_ string, agent *Agent) bool {
		agent.HardStop()
		return true
	})
}

// Run polls the high-water mark and feeds it to running shards until ctx
// ends, then drains every shard within the drain timeout.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.detector.Run(gctx)
	})
	g.Go(func() error {
		updates, cancel := d.detector.Subscribe()
		defer cancel()
		for {
			select {
			case <-gctx.Done():
				return nil
			case mark := <-updates:
				d.hub.Publish(ShardState{Action: ActionHighWater, Sequence: mark, HighWater: mark})
				d.agents.Range(func(_ string, agent *Agent) bool {
					agent.MarkHighWater(mark)
					return true
				})
			}
		}
	})
	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), d.drainTimeout)
	defer cancel()
	if stopErr := d.StopAll(stopCtx); stopErr != nil {
		d.logf("daemon: stop shards: %v", stopErr)
	}
	return err
}

// Status reports every registered projection, including shards that were
// never started in this process.
func (d *Daemon) Status(ctx context.Context) ([]ShardStatus, error) {
	list, err := d.store.ListProgress(ctx)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	progress := make(map[string]storage.Progress, len(list))
	for _, p := range list {
		progress[p.Name] = p
	}
	names := d.Projections()
	statuses := make([]ShardStatus, 0, len(names))
	for _, name := range names {
		statuses = append(statuses, d.status(name, progress))
	}
	return statuses, nil
}

// ShardStatus reports one shard.
func (d *Daemon) ShardStatus(ctx context.Context, name string) (ShardStatus, error) {
	agg, shard, err := d.lookup(name)
	if err != nil {
		return ShardStatus{}, err
	}
	progress := map[string]storage.Progress{}
	p, err := d.store.GetProgress(ctx, shard)
	switch {
	case err == nil:
		progress[shard] = p
	case !errors.Is(err, storage.ErrNotFound):
		return ShardStatus{}, fmt.Errorf("load progress of %s: %w", shard, err)
	}
	return d.status(agg.Name(), progress), nil
}

func (d *Daemon) status(projection string, progress map[string]storage.Progress) ShardStatus {
	shard := ShardName(projection)
	p, known := progress[shard]
	if agent, ok := d.agents.Load(shard); ok {
		status := agent.Status()
		if known && status.State == StateStopped {
			status.LastCommitted = p.LastSeq
			status.Mode = p.Mode
		}
		return status
	}
	status := ShardStatus{
		Shard:      shard,
		Projection: projection,
		State:      StateStopped,
		Mode:       storage.ModeContinuous,
		HighWater:  d.detector.Current(),
	}
	if known {
		status.LastCommitted = p.LastSeq
		status.Mode = p.Mode
		status.UpdatedAt = p.UpdatedAt
	}
	return status
}

// DeadLetters lists events a shard skipped, newest first.
func (d *Daemon) DeadLetters(ctx context.Context, name string, limit int) ([]storage.DeadLetter, error) {
	_, shard, err := d.lookup(name)
	if err != nil {
		return nil, err
	}
	return d.store.ListDeadLetters(ctx, shard, limit)
}

// Rebuild recomputes a projection from full history. A running shard is
// drained first and restarted from the rebuild ceiling afterwards.
func (d *Daemon) Rebuild(ctx context.Context, name string, timeout time.Duration) (rebuild.Result, error) {
	d.lifecycleMu.Lock()
	agg, shard, err := d.lookup(name)
	if err != nil {
		d.lifecycleMu.Unlock()
		return rebuild.Result{}, err
	}
	if d.rebuilding[shard] {
		d.lifecycleMu.Unlock()
		return rebuild.Result{}, fmt.Errorf("rebuild %s: %w", shard, ErrShardRunning)
	}
	_, wasRunning := d.running(shard)
	if wasRunning {
		if err := d.stopShard(ctx, name); err != nil {
			d.lifecycleMu.Unlock()
			return rebuild.Result{}, fmt.Errorf("rebuild %s: stop shard: %w", shard, err)
		}
	}
	d.rebuilding[shard] = true
	d.lifecycleMu.Unlock()

	result, err := d.rebuild(ctx, agg, shard, timeout)

	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	delete(d.rebuilding, shard)
	if err != nil {
		return result, err
	}
	if wasRunning {
		if err := d.startShard(ctx, agg.Name()); err != nil {
			return result, fmt.Errorf("rebuild %s: restart shard: %w", shard, err)
		}
	}
	return result, nil
}

func (d *Daemon) rebuild(ctx context.Context, agg aggregation.Aggregator, shard string, timeout time.Duration) (rebuild.Result, error) {
	opts := d.opts.forShard(d.overrides.For(agg.Name()))
	coordinator, err := rebuild.New(rebuild.Config{
		Store:         d.store,
		Registry:      d.registry,
		BatchSize:     d.rebuildBatchSize,
		ErrorHandling: opts.ErrorHandling.Rebuild(),
		Retry:         opts.Retry,
		Logf:          d.logf,
	})
	if err != nil {
		return rebuild.Result{}, err
	}

	mark, err := d.detector.Refresh(ctx)
	if err != nil {
		d.logf("rebuild %s: refresh high water: %v", shard, err)
		mark = d.detector.Current()
	}
	d.hub.Publish(ShardState{Shard: shard, Action: ActionRebuildStarted, HighWater: mark})
	result, err := coordinator.Rebuild(ctx, agg, rebuild.Request{Shard: shard, HighWater: mark, Timeout: timeout})
	if err != nil {
		d.hub.Publish(ShardState{Shard: shard, Action: ActionErrored, HighWater: mark, Error: err.Error()})
		return result, err
	}
	d.hub.Publish(ShardState{Shard: shard, Action: ActionRebuildCompleted, Sequence: result.Ceiling, HighWater: mark})
	return result, nil
}
