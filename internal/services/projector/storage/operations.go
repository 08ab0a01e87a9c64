package storage

import (
	"fmt"

	"github.com/louisbranch/projectiond/internal/services/projector/event"
)

// Operation is one statement queued into a Batch. The set of operations is
// closed; backends switch on the concrete type.
type Operation interface {
	operation()
	// Describe returns a short label used in logs and errors.
	Describe() string
}

// UpsertDocument inserts or replaces one aggregate document.
type UpsertDocument struct {
	Alias    string
	Identity event.Identity
	Data     []byte
	Version  uint64
	LastSeq  uint64
}

// DeleteDocument removes one aggregate document.
type DeleteDocument struct {
	Alias    string
	Identity event.Identity
}

// DeleteAllDocuments removes every document of Alias across all tenants.
type DeleteAllDocuments struct {
	Alias string
}

// UpdateProgress moves a shard checkpoint from Expected to Seq. When the
// stored value differs from Expected the batch fails with ErrProgressConflict.
// A missing row is inserted when Expected is zero.
type UpdateProgress struct {
	Name             string
	Expected         uint64
	Seq              uint64
	Mode             Mode
	RebuildThreshold uint64
}

// RawSQL runs an arbitrary statement inside the batch transaction.
type RawSQL struct {
	Statement string
	Args      []any
}

// RecordDeadLetter stores an event a shard skipped.
type RecordDeadLetter struct {
	Shard    string
	Seq      uint64
	StreamID string
	TenantID string
	Type     event.Type
	Payload  []byte
	Error    string
}

// CompleteWorkItems removes processed rebuild work items.
type CompleteWorkItems struct {
	Numbers []int64
}

// SeedWorkItems replaces the work items of Alias with one item per live
// stream of that type, newest stream first.
type SeedWorkItems struct {
	Alias string
}

// StampStreamTypes tags untagged streams with Alias when they own events of
// the listed types within (Floor, Ceiling].
type StampStreamTypes struct {
	Alias   string
	Types   []event.Type
	Floor   uint64
	Ceiling uint64
}

func (UpsertDocument) operation()     {}
func (DeleteDocument) operation()     {}
func (DeleteAllDocuments) operation() {}
func (UpdateProgress) operation()     {}
func (RawSQL) operation()             {}
func (RecordDeadLetter) operation()   {}
func (CompleteWorkItems) operation()  {}
func (SeedWorkItems) operation()      {}
func (StampStreamTypes) operation()   {}

func (o UpsertDocument) Describe() string {
	return fmt.Sprintf("upsert %s %s", o.Alias, o.Identity)
}

func (o DeleteDocument) Describe() string {
	return fmt.Sprintf("delete %s %s", o.Alias, o.Identity)
}

func (o DeleteAllDocuments) Describe() string {
	return fmt.Sprintf("delete all %s", o.Alias)
}

func (o UpdateProgress) Describe() string {
	return fmt.Sprintf("progress %s %d->%d", o.Name, o.Expected, o.Seq)
}

func (o RawSQL) Describe() string {
	return "sql"
}

func (o RecordDeadLetter) Describe() string {
	return fmt.Sprintf("dead letter %s seq %d", o.Shard, o.Seq)
}

func (o CompleteWorkItems) Describe() string {
	return fmt.Sprintf("complete %d work items", len(o.Numbers))
}

func (o SeedWorkItems) Describe() string {
	return fmt.Sprintf("seed work items %s", o.Alias)
}

func (o StampStreamTypes) Describe() string {
	return fmt.Sprintf("stamp %s (%d,%d]", o.Alias, o.Floor, o.Ceiling)
}
