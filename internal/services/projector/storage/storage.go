package storage

import (
	"context"
	"time"

	apperrors "github.com/louisbranch/projectiond/internal/platform/errors"
	"github.com/louisbranch/projectiond/internal/services/projector/event"
)

// ErrNotFound indicates a requested persistence record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrProgressConflict indicates the stored checkpoint did not match the
// sequence an UpdateProgress operation expected. The whole batch is rolled back.
var ErrProgressConflict = apperrors.New(apperrors.CodeProgressConflict, "progress checkpoint conflict")

// ErrTransient marks storage failures that are worth retrying, such as a busy
// database.
var ErrTransient = apperrors.New(apperrors.CodeTransientStorage, "transient storage failure")

// Mode is the progress mode of a shard.
type Mode string

const (
	ModeContinuous Mode = "continuous"
	ModeRebuilding Mode = "rebuilding"
)

// Progress is the durable checkpoint of one shard.
type Progress struct {
	Name    string
	LastSeq uint64
	Mode    Mode
	// RebuildThreshold is the frozen ceiling while Mode is ModeRebuilding.
	RebuildThreshold uint64
	UpdatedAt        time.Time
}

// EventQuery selects events in (Floor, Ceiling].
type EventQuery struct {
	Floor   uint64
	Ceiling uint64
	// Limit caps the number of returned events; zero means no limit.
	Limit int
	// Types restricts results to the listed event types when non-empty.
	Types []event.Type
	// TenantID restricts results to one tenant when non-empty.
	TenantID string
	// StreamIDs restricts results to the listed streams when non-empty.
	StreamIDs []string
	// IncludeArchived includes events of archived streams.
	IncludeArchived bool
}

// EventStore reads the append-only log.
type EventStore interface {
	// FetchEvents returns matching events ordered by ascending sequence.
	FetchEvents(ctx context.Context, query EventQuery) ([]event.Event, error)
}

// HighWaterStatistics describes the log relative to a known-safe sequence.
type HighWaterStatistics struct {
	// Contiguous is the highest sequence such that every sequence between the
	// queried floor and it exists.
	Contiguous uint64
	// Highest is the largest sequence in the log.
	Highest uint64
	// NextAfter is the lowest existing sequence above Contiguous, or zero when
	// there is none.
	NextAfter uint64
}

// HasGap reports whether events exist beyond a missing sequence.
func (s HighWaterStatistics) HasGap() bool {
	return s.NextAfter > s.Contiguous+1
}

// HighWaterStore computes gap-free high-water statistics.
type HighWaterStore interface {
	HighWaterStatistics(ctx context.Context, after uint64) (HighWaterStatistics, error)
}

// Document is one materialized aggregate row.
type Document struct {
	Identity event.Identity
	Data     []byte
	// Version is the stream version of the last applied event.
	Version uint64
	// LastSeq is the global sequence of the last applied event.
	LastSeq   uint64
	UpdatedAt time.Time
}

// Batch accumulates operations and executes them in one transaction.
// A batch is owned by a single goroutine.
type Batch interface {
	Queue(ops ...Operation)
	Len() int
	// Execute runs every queued operation atomically.
	Execute(ctx context.Context) error
	// Close releases the batch; queued operations that were not executed are discarded.
	Close() error
}

// DocumentStore persists aggregate documents.
type DocumentStore interface {
	// EnsureStorageExists idempotently provisions the table for alias.
	EnsureStorageExists(ctx context.Context, alias string) error
	// LoadDocuments returns the existing documents among ids.
	LoadDocuments(ctx context.Context, alias string, ids []event.Identity) (map[event.Identity]Document, error)
	// GetDocument returns one document or ErrNotFound.
	GetDocument(ctx context.Context, alias string, id event.Identity) (Document, error)
	OpenBatch(ctx context.Context) (Batch, error)
}

// ProgressStore reads shard checkpoints.
type ProgressStore interface {
	// GetProgress returns ErrNotFound for shards that never committed.
	GetProgress(ctx context.Context, name string) (Progress, error)
	ListProgress(ctx context.Context) ([]Progress, error)
}

// WorkItem is one row of the rebuild scratch table.
type WorkItem struct {
	Number     int64
	StreamID   string
	StreamType string
	TenantID   string
	Completed  bool
}

// RebuildStore reads the rebuild work table and stream metadata.
type RebuildStore interface {
	// PendingWorkItems returns up to limit uncompleted items for alias and
	// tenant in number order. An empty tenant matches every tenant.
	PendingWorkItems(ctx context.Context, alias, tenant string, limit int) ([]WorkItem, error)
	// WorkItemTenants lists distinct tenants with pending items for alias.
	WorkItemTenants(ctx context.Context, alias string) ([]string, error)
	CountWorkItems(ctx context.Context, alias string) (int, error)
}

// DeadLetter is an event skipped by a shard together with the failure.
type DeadLetter struct {
	ID         int64
	Shard      string
	Seq        uint64
	StreamID   string
	TenantID   string
	Type       event.Type
	Payload    []byte
	Error      string
	RecordedAt time.Time
}

// DeadLetterStore reads dead-letter records.
type DeadLetterStore interface {
	// ListDeadLetters returns the newest records first; an empty shard lists all.
	ListDeadLetters(ctx context.Context, shard string, limit int) ([]DeadLetter, error)
}

// EventAppender is the write path used by tests, tooling and samples. The
// daemon itself never appends.
type EventAppender interface {
	// AppendEvents assigns global sequence and stream version to each event
	// and returns the stored events.
	AppendEvents(ctx context.Context, events []event.Event) ([]event.Event, error)
	// ArchiveStream excludes a stream from rebuild seeding and default fetches.
	ArchiveStream(ctx context.Context, identity event.Identity) error
}

// Store is the full set of contracts the daemon needs from one database.
type Store interface {
	EventStore
	HighWaterStore
	DocumentStore
	ProgressStore
	RebuildStore
	DeadLetterStore
}
