package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"

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

var (
	// errGroupFailed marks grouping failures; they pause the shard.
	errGroupFailed = errors.New("group page failed")
	// errExecutionClosed is returned when enqueueing into a stopped pipeline.
	errExecutionClosed = errors.New("execution pipeline closed")
)

// shouldPause reports whether err leaves the shard eligible for an
// automatic resume from its checkpoint. Invariant violations never resume.
func shouldPause(err error) bool {
	if apperrors.Is(err, apperrors.CodeInvariantViolation) {
		return false
	}
	return apperrors.IsTransient(err) || errors.Is(err, errGroupFailed)
}

type executionConfig struct {
	Shard      string
	Aggregator aggregation.Aggregator
	Store      storage.DocumentStore
	Options    Options
	// Committed is the checkpoint the first batch expects to advance from.
	Committed   uint64
	OnCommitted func(ceiling uint64, events int)
	OnFailed    func(err error)
}

// Execution is the two-stage pipeline of one shard generation.
//
// Stage one groups pages by aggregate identity and stage two builds and
// commits one transactional batch per page. Each stage is a single
// goroutine reading a bounded FIFO channel, so commits happen one at a time
// in page order. An Execution is used once: after Drain or Stop a new one is
// created for the next generation.
type Execution struct {
	shard    string
	agg      aggregation.Aggregator
	slicer   *aggregation.Slicer
	store    storage.DocumentStore
	opts     Options
	tracer   trace.Tracer
	expected uint64

	onCommitted func(ceiling uint64, events int)
	onFailed    func(err error)

	pages  chan event.Page
	groups chan aggregation.Group

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

func newExecution(parent context.Context, cfg executionConfig) *Execution {
	ctx, cancel := context.WithCancel(parent)
	opts := cfg.Options.normalized()
	e := &Execution{
		shard:       cfg.Shard,
		agg:         cfg.Aggregator,
		slicer:      cfg.Aggregator.Slicer(opts.Logf),
		store:       cfg.Store,
		opts:        opts,
		tracer:      otel.Tracer("daemon"),
		expected:    cfg.Committed,
		onCommitted: cfg.OnCommitted,
		onFailed:    cfg.OnFailed,
		pages:       make(chan event.Page, pipelineDepth),
		groups:      make(chan aggregation.Group, pipelineDepth),
		ctx:         ctx,
		cancel:      cancel,
	}
	if e.onCommitted == nil {
		e.onCommitted = func(uint64, int) {}
	}
	if e.onFailed == nil {
		e.onFailed = func(error) {}
	}
	e.wg.Add(2)
	go e.groupStage()
	go e.commitStage()
	return e
}

// Enqueue hands a page to stage one, blocking while the pipeline is full.
// Only one goroutine may enqueue, and never after Drain.
func (e *Execution) Enqueue(ctx context.Context, page event.Page) error {
	select {
	case e.pages <- page:
		return nil
	case <-e.ctx.Done():
		return errExecutionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain stops accepting pages and waits until every enqueued page has been
// committed or the pipeline failed. It returns the pipeline failure, if any.
func (e *Execution) Drain() error {
	e.closeOnce.Do(func() { close(e.pages) })
	e.wg.Wait()
	e.cancel()
	return e.Err()
}

// Stop cancels both stages, discarding uncommitted pages, and waits for them.
func (e *Execution) Stop() {
	e.cancel()
	e.wg.Wait()
}

// Err returns the failure that stopped the pipeline.
func (e *Execution) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

func (e *Execution) fail(err error) {
	e.errMu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.errMu.Unlock()
	e.cancel()
	e.onFailed(err)
}

func (e *Execution) groupStage() {
	defer e.wg.Done()
	defer close(e.groups)
	for {
		var (
			page event.Page
			ok   bool
		)
		select {
		case <-e.ctx.Done():
			return
		case page, ok = <-e.pages:
			if !ok {
				return
			}
		}
		group, err := retry.Do(e.ctx, e.opts.Retry, func(context.Context) (aggregation.Group, error) {
			return e.group(page)
		})
		if err != nil {
			if e.ctx.Err() == nil {
				e.opts.Logf("shard %s range %s: grouping failed: %v", e.shard, page, err)
				e.fail(fmt.Errorf("%w: shard %s range %s: %w", errGroupFailed, e.shard, page, err))
			}
			return
		}
		select {
		case e.groups <- group:
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Execution) group(page event.Page) (group aggregation.Group, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("slicer panic: %v", r)
		}
	}()
	if err := page.Validate(); err != nil {
		return aggregation.Group{}, apperrors.Wrap(apperrors.CodeInvariantViolation, "invalid page", err)
	}
	return e.slicer.Group(page), nil
}

func (e *Execution) commitStage() {
	defer e.wg.Done()
	for {
		var (
			group aggregation.Group
			ok    bool
		)
		select {
		case <-e.ctx.Done():
			return
		case group, ok = <-e.groups:
			if !ok {
				return
			}
		}
		if err := e.commit(group); err != nil {
			if e.ctx.Err() == nil {
				e.opts.Logf("shard %s range (%d,%d]: commit failed: %v", e.shard, group.Floor, group.Ceiling, err)
				e.fail(err)
			}
			return
		}
		e.expected = group.Ceiling
		e.onCommitted(group.Ceiling, group.EventCount())
	}
}

func (e *Execution) commit(group aggregation.Group) error {
	ctx, span := e.tracer.Start(e.ctx, "execution.Commit", trace.WithAttributes(
		attribute.String("projector.shard", e.shard),
		attribute.Int64("projector.floor", int64(group.Floor)),
		attribute.Int64("projector.ceiling", int64(group.Ceiling)),
		attribute.Int("projector.slices", len(group.Slices)),
	))
	defer span.End()

	err := retry.Run(ctx, e.opts.Retry, func(ctx context.Context) error {
		return e.commitOnce(ctx, group)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit batch")
	}
	return err
}

func (e *Execution) commitOnce(ctx context.Context, group aggregation.Group) error {
	alias := e.agg.Alias()
	var existing map[event.Identity]storage.Document
	if len(group.Slices) > 0 {
		if err := e.store.EnsureStorageExists(ctx, alias); err != nil {
			return fmt.Errorf("ensure %s storage: %w", alias, err)
		}
		docs, err := e.store.LoadDocuments(ctx, alias, group.Identities())
		if err != nil {
			return fmt.Errorf("load %s documents: %w", alias, err)
		}
		existing = docs
	}

	batch, err := e.store.OpenBatch(ctx)
	if err != nil {
		return fmt.Errorf("open batch: %w", err)
	}
	defer batch.Close()

	opts := aggregation.BuildOptions{SkipApplyErrors: e.opts.ErrorHandling.SkipApplyErrors}
	for _, slice := range group.Slices {
		var doc *storage.Document
		if found, ok := existing[slice.Identity]; ok {
			doc = &found
		}
		result, err := e.agg.BuildOperation(ctx, doc, slice, opts)
		if err != nil {
			return err
		}
		if result.Operation != nil {
			batch.Queue(result.Operation)
		}
		for _, skipped := range result.Skipped {
			batch.Queue(deadLetter(e.shard, skipped))
		}
	}
	for _, skipped := range group.Skipped {
		batch.Queue(deadLetter(e.shard, skipped))
	}
	batch.Queue(storage.UpdateProgress{
		Name:     e.shard,
		Expected: e.expected,
		Seq:      group.Ceiling,
		Mode:     storage.ModeContinuous,
	})
	return batch.Execute(ctx)
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
