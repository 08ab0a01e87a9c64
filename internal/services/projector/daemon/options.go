package daemon

import (
	"log"
	"time"

	"github.com/louisbranch/projectiond/internal/platform/retry"
	"github.com/louisbranch/projectiond/internal/services/projector/loader"
	"github.com/louisbranch/projectiond/internal/services/projector/rebuild"
)

const (
	defaultBatchSize  = 500
	defaultHopperSize = 1000
	defaultPauseTime  = 5 * time.Second
	// pipelineDepth bounds pages and groups buffered between stages.
	pipelineDepth = 2
)

// ErrorHandling selects which failures a shard tolerates instead of stopping.
type ErrorHandling struct {
	SkipUnknownEvents       bool
	SkipSerializationErrors bool
	// SkipApplyErrors dead-letters events whose handler fails.
	SkipApplyErrors bool
}

// WithOverride returns e with every flag set in override replaced.
func (e ErrorHandling) WithOverride(override *ErrorHandlingOverride) ErrorHandling {
	if override == nil {
		return e
	}
	if override.SkipUnknownEvents != nil {
		e.SkipUnknownEvents = *override.SkipUnknownEvents
	}
	if override.SkipSerializationErrors != nil {
		e.SkipSerializationErrors = *override.SkipSerializationErrors
	}
	if override.SkipApplyErrors != nil {
		e.SkipApplyErrors = *override.SkipApplyErrors
	}
	return e
}

// Rebuild returns the same policy for a rebuild coordinator.
func (e ErrorHandling) Rebuild() rebuild.ErrorHandling {
	return rebuild.ErrorHandling{
		SkipUnknownEvents:       e.SkipUnknownEvents,
		SkipSerializationErrors: e.SkipSerializationErrors,
		SkipApplyErrors:         e.SkipApplyErrors,
	}
}

func (e ErrorHandling) loader() loader.ErrorHandling {
	return loader.ErrorHandling{
		SkipUnknownEvents:       e.SkipUnknownEvents,
		SkipSerializationErrors: e.SkipSerializationErrors,
	}
}

// Options is the immutable configuration shared by every shard component.
type Options struct {
	// BatchSize is the maximum number of events per page.
	BatchSize int
	// HopperSize bounds how far fetching may run ahead of committing, in
	// sequence numbers.
	HopperSize int
	// PauseTime is how long a shard stays paused after a transient failure
	// before resuming from its checkpoint.
	PauseTime     time.Duration
	Retry         retry.Policy
	ErrorHandling ErrorHandling
	Logf          func(format string, args ...any)
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		BatchSize:     defaultBatchSize,
		HopperSize:    defaultHopperSize,
		PauseTime:     defaultPauseTime,
		Retry:         retry.DefaultPolicy(),
		ErrorHandling: ErrorHandling{SkipUnknownEvents: true},
	}
}

func (o Options) normalized() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.HopperSize <= 0 {
		o.HopperSize = defaultHopperSize
	}
	if o.PauseTime <= 0 {
		o.PauseTime = defaultPauseTime
	}
	if o.Logf == nil {
		o.Logf = log.Printf
	}
	return o
}

// forShard applies a per-shard override on top of the daemon options.
func (o Options) forShard(override ShardOverride) Options {
	if override.BatchSize > 0 {
		o.BatchSize = override.BatchSize
	}
	if override.HopperSize > 0 {
		o.HopperSize = override.HopperSize
	}
	o.ErrorHandling = o.ErrorHandling.WithOverride(override.ErrorHandling)
	return o
}
