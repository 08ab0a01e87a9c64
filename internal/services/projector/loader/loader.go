// Package loader fetches bounded, sequence-ordered pages of events for a
// shard and resolves their payloads.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/projectiond/internal/platform/errors"
	"github.com/louisbranch/projectiond/internal/platform/otel"
	"github.com/louisbranch/projectiond/internal/services/projector/event"
	"github.com/louisbranch/projectiond/internal/services/projector/storage"
)

// ErrorHandling selects which resolution failures are tolerated.
type ErrorHandling struct {
	// SkipUnknownEvents logs and drops events with no registered type.
	SkipUnknownEvents bool
	// SkipSerializationErrors routes undecodable events to dead letters.
	SkipSerializationErrors bool
}

// Request describes one page fetch.
type Request struct {
	// Floor is exclusive.
	Floor uint64
	// HighWater is the inclusive upper bound; it must not be below Floor.
	HighWater uint64
	BatchSize int
	Types     []event.Type
	TenantID  string
}

// PageLoader loads pages of events.
type PageLoader interface {
	Load(ctx context.Context, req Request) (event.Page, error)
}

// Config wires a Loader.
type Config struct {
	Store         storage.EventStore
	Registry      *event.Registry
	ErrorHandling ErrorHandling
	// Logf receives skip notices; nil uses log.Printf.
	Logf func(format string, args ...any)
}

// Loader reads pages from an event store. One Loader serves one shard's
// sequential fetch loop.
type Loader struct {
	store    storage.EventStore
	registry *event.Registry
	handling ErrorHandling
	logf     func(format string, args ...any)
	tracer   trace.Tracer
}

// New validates cfg and returns a Loader.
func New(cfg Config) (*Loader, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("event registry is required")
	}
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Loader{
		store:    cfg.Store,
		registry: cfg.Registry,
		handling: cfg.ErrorHandling,
		logf:     logf,
		tracer:   otel.Tracer("loader"),
	}, nil
}

// Load returns events in (Floor, HighWater], at most BatchSize of them.
//
// The page ceiling is the sequence of the last event when the page is full,
// and HighWater otherwise, so an empty or short page still lets the shard
// advance to the high-water mark.
func (l *Loader) Load(ctx context.Context, req Request) (event.Page, error) {
	if req.HighWater < req.Floor {
		return event.Page{}, apperrors.New(apperrors.CodeInvariantViolation,
			fmt.Sprintf("load floor %d above high water %d", req.Floor, req.HighWater))
	}
	if req.BatchSize <= 0 {
		return event.Page{}, fmt.Errorf("batch size must be positive")
	}
	page := event.Page{Floor: req.Floor, Ceiling: req.HighWater}
	if req.Floor == req.HighWater {
		return page, nil
	}

	ctx, span := l.tracer.Start(ctx, "loader.Load", trace.WithAttributes(
		attribute.Int64("projector.floor", int64(req.Floor)),
		attribute.Int64("projector.high_water", int64(req.HighWater)),
		attribute.Int("projector.batch_size", req.BatchSize),
	))
	defer span.End()

	events, err := l.store.FetchEvents(ctx, storage.EventQuery{
		Floor:    req.Floor,
		Ceiling:  req.HighWater,
		Limit:    req.BatchSize,
		Types:    req.Types,
		TenantID: req.TenantID,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch events")
		return event.Page{}, err
	}
	if len(events) >= req.BatchSize {
		page.Ceiling = events[len(events)-1].Seq
	}

	page.Events = make([]event.Event, 0, len(events))
	for _, evt := range events {
		resolved, err := l.registry.Resolve(evt)
		if err == nil {
			page.Events = append(page.Events, resolved)
			continue
		}
		switch {
		case errors.Is(err, event.ErrUnknownType) && l.handling.SkipUnknownEvents:
			l.logf("loader: skipping unknown event type %s at seq %d", evt.Type, evt.Seq)
		case errors.Is(err, event.ErrDeserialization) && l.handling.SkipSerializationErrors:
			l.logf("loader: dead-lettering seq %d: %v", evt.Seq, err)
			page.Skipped = append(page.Skipped, event.Skipped{Event: evt, Err: err})
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "resolve event")
			return event.Page{}, err
		}
	}
	span.SetAttributes(
		attribute.Int("projector.events", len(page.Events)),
		attribute.Int64("projector.ceiling", int64(page.Ceiling)),
	)
	return page, nil
}
