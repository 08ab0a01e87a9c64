// Package rebuild recomputes a projection's documents from the full event
// history up to a frozen ceiling, then hands the shard back to continuous
// processing at that ceiling.
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/projectiond/internal/platform/errors"
	"github.com/louisbranch/projectiond/internal/platform/otel"
	"github.com/louisbranch/projectiond/internal/platform/retry"
	"github.com/louisbranch/projectiond/internal/services/projector/aggregation"
	"github.com/louisbranch/projectiond/internal/services/projector/event"
	"github.com/louisbranch/projectiond/internal/services/projector/storage"
)

const (
	defaultBatchSize     = 100
	defaultBackfillRange = 10000
)

// Status is the outcome of a rebuild.
type Status string

const (
	// StatusNoData means the log was empty and nothing was written.
	StatusNoData    Status = "no_data"
	StatusCompleted Status = "completed"
)

// Store is the subset of storage a rebuild needs.
type Store interface {
	storage.EventStore
	storage.DocumentStore
	storage.ProgressStore
	storage.RebuildStore
}

// ErrorHandling mirrors the continuous shard policy.
type ErrorHandling struct {
	SkipUnknownEvents       bool
	SkipSerializationErrors bool
	SkipApplyErrors         bool
}

// Config wires a Coordinator.
type Config struct {
	Store    Store
	Registry *event.Registry
	// BatchSize is the number of work items processed per transaction.
	BatchSize int
	// BackfillRange is the sequence span stamped per backfill transaction.
	BackfillRange uint64
	ErrorHandling ErrorHandling
	Retry         retry.Policy
	Logf          func(format string, args ...any)
}

// Request selects the shard to rebuild.
type Request struct {
	Shard string
	// HighWater is the gap-free mark captured at rebuild start; it becomes
	// the frozen rebuild ceiling.
	HighWater uint64
	// Timeout bounds the whole run when positive.
	Timeout time.Duration
}

// Result reports what a rebuild did.
type Result struct {
	Status  Status `json:"status"`
	Ceiling uint64 `json:"ceiling"`
	// Aggregates counts work items processed by this run.
	Aggregates int `json:"aggregates"`
	// Resumed is true when the run continued an interrupted rebuild.
	Resumed bool `json:"resumed"`
}

// Coordinator runs rebuilds. It holds no per-run state and may be shared.
type Coordinator struct {
	store         Store
	registry      *event.Registry
	batchSize     int
	backfillRange uint64
	handling      ErrorHandling
	retry         retry.Policy
	logf          func(format string, args ...any)
	tracer        trace.Tracer
}

// New validates cfg and returns a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("rebuild store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("event registry is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BackfillRange == 0 {
		cfg.BackfillRange = defaultBackfillRange
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	return &Coordinator{
		store:         cfg.Store,
		registry:      cfg.Registry,
		batchSize:     cfg.BatchSize,
		backfillRange: cfg.BackfillRange,
		handling:      cfg.ErrorHandling,
		retry:         cfg.Retry,
		logf:          cfg.Logf,
		tracer:        otel.Tracer("rebuild"),
	}, nil
}

// BackfillShard names the pseudo-shard tracking stream type stamping.
func BackfillShard(alias string) string {
	return alias + ":Backfill"
}

// Rebuild recomputes every live aggregate of agg from blank state.
//
// A shard left in rebuilding mode by an interrupted run resumes from its
// remaining work items and keeps its original ceiling. Cancellation leaves
// the work items in place. Exceeding req.Timeout fails with REBUILD_TIMEOUT.
func (c *Coordinator) Rebuild(ctx context.Context, agg aggregation.Aggregator, req Request) (Result, error) {
	if req.Shard == "" {
		return Result{}, fmt.Errorf("rebuild shard is required")
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	ctx, span := c.tracer.Start(ctx, "rebuild.Rebuild", trace.WithAttributes(
		attribute.String("projector.shard", req.Shard),
		attribute.Int64("projector.high_water", int64(req.HighWater)),
	))
	defer span.End()

	result, err := c.rebuild(ctx, agg, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && req.Timeout > 0 {
			err = apperrors.WrapWithMetadata(apperrors.CodeRebuildTimeout,
				fmt.Sprintf("rebuild of %s exceeded %s", req.Shard, req.Timeout),
				map[string]string{"shard": req.Shard}, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "rebuild")
		return result, err
	}
	span.SetAttributes(
		attribute.String("projector.rebuild_status", string(result.Status)),
		attribute.Int("projector.aggregates", result.Aggregates),
	)
	return result, nil
}

func (c *Coordinator) rebuild(ctx context.Context, agg aggregation.Aggregator, req Request) (Result, error) {
	progress, err := c.progress(ctx, req.Shard)
	if err != nil {
		return Result{}, err
	}

	result := Result{Status: StatusCompleted}
	if progress.Mode == storage.ModeRebuilding {
		result.Ceiling = progress.RebuildThreshold
		result.Resumed = true
		c.logf("rebuild %s: resuming at ceiling %d", req.Shard, result.Ceiling)
	} else {
		if req.HighWater == 0 {
			c.logf("rebuild %s: event log is empty", req.Shard)
			return Result{Status: StatusNoData}, nil
		}
		if progress.LastSeq > req.HighWater {
			return Result{}, apperrors.New(apperrors.CodeInvariantViolation,
				fmt.Sprintf("shard %s checkpoint %d is ahead of high water %d", req.Shard, progress.LastSeq, req.HighWater))
		}
		result.Ceiling = req.HighWater
		if err := c.backfill(ctx, agg, result.Ceiling); err != nil {
			return Result{}, err
		}
		if err := c.seed(ctx, agg, progress, result.Ceiling); err != nil {
			return Result{}, err
		}
		c.logf("rebuild %s: seeded work items up to ceiling %d", req.Shard, result.Ceiling)
	}

	if err := c.store.EnsureStorageExists(ctx, agg.Alias()); err != nil {
		return Result{}, fmt.Errorf("ensure %s storage: %w", agg.Alias(), err)
	}

	tenants := []string{""}
	if agg.Tenancy() == aggregation.Conjoined {
		tenants, err = c.store.WorkItemTenants(ctx, agg.Alias())
		if err != nil {
			return result, fmt.Errorf("list work item tenants: %w", err)
		}
	}
	for _, tenant := range tenants {
		n, err := c.rebuildTenant(ctx, agg, req.Shard, tenant, result.Ceiling)
		result.Aggregates += n
		if err != nil {
			return result, err
		}
	}

	complete := storage.UpdateProgress{
		Name:     req.Shard,
		Expected: progress.LastSeq,
		Seq:      result.Ceiling,
		Mode:     storage.ModeContinuous,
	}
	if err := c.execute(ctx, complete); err != nil {
		return result, fmt.Errorf("complete rebuild of %s: %w", req.Shard, err)
	}
	c.logf("rebuild %s: completed %d aggregates at %d", req.Shard, result.Aggregates, result.Ceiling)
	return result, nil
}

func (c *Coordinator) progress(ctx context.Context, name string) (storage.Progress, error) {
	progress, err := retry.Do(ctx, c.retry, func(ctx context.Context) (storage.Progress, error) {
		return c.store.GetProgress(ctx, name)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Progress{Name: name, Mode: storage.ModeContinuous}, nil
	}
	if err != nil {
		return storage.Progress{}, fmt.Errorf("load progress of %s: %w", name, err)
	}
	return progress, nil
}

// backfill stamps stream types in fixed sequence ranges, checkpointing each
// range under the backfill pseudo-shard so an interrupted run resumes.
func (c *Coordinator) backfill(ctx context.Context, agg aggregation.Aggregator, ceiling uint64) error {
	name := BackfillShard(agg.Alias())
	progress, err := c.progress(ctx, name)
	if err != nil {
		return err
	}
	for floor := progress.LastSeq; floor < ceiling; {
		if err := ctx.Err(); err != nil {
			return err
		}
		next := min(floor+c.backfillRange, ceiling)
		err := c.execute(ctx,
			storage.StampStreamTypes{Alias: agg.Alias(), Types: agg.EventTypes(), Floor: floor, Ceiling: next},
			storage.UpdateProgress{Name: name, Expected: floor, Seq: next, Mode: storage.ModeContinuous},
		)
		if err != nil {
			return fmt.Errorf("backfill %s range (%d,%d]: %w", agg.Alias(), floor, next, err)
		}
		floor = next
	}
	return nil
}

// seed clears the documents of the alias, replaces the work items and flips
// the shard to rebuilding in one transaction.
func (c *Coordinator) seed(ctx context.Context, agg aggregation.Aggregator, progress storage.Progress, ceiling uint64) error {
	err := c.execute(ctx,
		storage.DeleteAllDocuments{Alias: agg.Alias()},
		storage.SeedWorkItems{Alias: agg.Alias()},
		storage.UpdateProgress{
			Name:             progress.Name,
			Expected:         progress.LastSeq,
			Seq:              progress.LastSeq,
			Mode:             storage.ModeRebuilding,
			RebuildThreshold: ceiling,
		},
	)
	if err != nil {
		return fmt.Errorf("seed %s work items: %w", agg.Alias(), err)
	}
	return nil
}

func (c *Coordinator) rebuildTenant(ctx context.Context, agg aggregation.Aggregator, shard, tenant string, ceiling uint64) (int, error) {
	total := 0
	slicer := agg.Slicer(c.logf)
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		items, err := retry.Do(ctx, c.retry, func(ctx context.Context) ([]storage.WorkItem, error) {
			return c.store.PendingWorkItems(ctx, agg.Alias(), tenant, c.batchSize)
		})
		if err != nil {
			return total, fmt.Errorf("load work items: %w", err)
		}
		if len(items) == 0 {
			return total, nil
		}
		if err := c.rebuildBatch(ctx, agg, slicer, shard, tenant, ceiling, items); err != nil {
			return total, err
		}
		total += len(items)
	}
}

func (c *Coordinator) rebuildBatch(ctx context.Context, agg aggregation.Aggregator, slicer *aggregation.Slicer, shard, tenant string, ceiling uint64, items []storage.WorkItem) error {
	ctx, span := c.tracer.Start(ctx, "rebuild.Batch", trace.WithAttributes(
		attribute.String("projector.shard", shard),
		attribute.String("projector.tenant", tenant),
		attribute.Int("projector.work_items", len(items)),
	))
	defer span.End()

	streamIDs := make([]string, len(items))
	numbers := make([]int64, len(items))
	for i, item := range items {
		streamIDs[i] = item.StreamID
		numbers[i] = item.Number
	}

	raw, err := retry.Do(ctx, c.retry, func(ctx context.Context) ([]event.Event, error) {
		return c.store.FetchEvents(ctx, storage.EventQuery{
			Ceiling:   ceiling,
			Types:     agg.EventTypes(),
			TenantID:  tenant,
			StreamIDs: streamIDs,
		})
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("fetch events for %d streams: %w", len(streamIDs), err)
	}
	page, err := c.resolve(raw, ceiling)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve events")
		return err
	}
	group := slicer.Group(page)

	ops := make([]storage.Operation, 0, len(group.Slices)+len(group.Skipped)+1)
	opts := aggregation.BuildOptions{SkipApplyErrors: c.handling.SkipApplyErrors}
	for _, slice := range group.Slices {
		result, err := agg.BuildOperation(ctx, nil, slice, opts)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "build operation")
			return err
		}
		if result.Operation != nil {
			ops = append(ops, result.Operation)
		}
		for _, skipped := range result.Skipped {
			ops = append(ops, deadLetter(shard, skipped))
		}
	}
	for _, skipped := range group.Skipped {
		ops = append(ops, deadLetter(shard, skipped))
	}
	ops = append(ops, storage.CompleteWorkItems{Numbers: numbers})

	if err := c.execute(ctx, ops...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit batch")
		return fmt.Errorf("commit rebuild batch of %s: %w", shard, err)
	}
	return nil
}

// resolve decodes payloads with the same skip policy as continuous loading.
func (c *Coordinator) resolve(raw []event.Event, ceiling uint64) (event.Page, error) {
	page := event.Page{Ceiling: ceiling, Events: make([]event.Event, 0, len(raw))}
	for _, evt := range raw {
		resolved, err := c.registry.Resolve(evt)
		switch {
		case err == nil:
			page.Events = append(page.Events, resolved)
		case errors.Is(err, event.ErrUnknownType) && c.handling.SkipUnknownEvents:
			c.logf("rebuild: skipping unknown event type %s at seq %d", evt.Type, evt.Seq)
		case errors.Is(err, event.ErrDeserialization) && c.handling.SkipSerializationErrors:
			page.Skipped = append(page.Skipped, event.Skipped{Event: evt, Err: err})
		default:
			return event.Page{}, err
		}
	}
	return page, nil
}

func (c *Coordinator) execute(ctx context.Context, ops ...storage.Operation) error {
	return retry.Run(ctx, c.retry, func(ctx context.Context) error {
		batch, err := c.store.OpenBatch(ctx)
		if err != nil {
			return err
		}
		defer batch.Close()
		batch.Queue(ops...)
		return batch.Execute(ctx)
	})
}

func deadLetter(shard string, skipped event.Skipped) storage.RecordDeadLetter {
	msg := ""
	if skipped.Err != nil {
		msg = skipped.Err.Error()
	}
	return storage.RecordDeadLetter{
		Shard:    shard,
		Seq:      skipped.Event.Seq,
		StreamID: skipped.Event.StreamID,
		TenantID: skipped.Event.TenantID,
		Type:     skipped.Event.Type,
		Payload:  skipped.Event.PayloadJSON,
		Error:    msg,
	}
}
