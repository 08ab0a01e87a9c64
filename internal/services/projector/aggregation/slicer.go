package aggregation

import (
	"log"

	"github.com/louisbranch/projectiond/internal/services/projector/event"
)

// Tenancy selects how tenant ids participate in aggregate identity.
type Tenancy int

const (
	// Single stores every aggregate under event.DefaultTenant.
	Single Tenancy = iota
	// Conjoined keeps each tenant's aggregates separate.
	Conjoined
)

func (t Tenancy) String() string {
	if t == Conjoined {
		return "conjoined"
	}
	return "single"
}

// IdentityFunc extracts the aggregate identity owning an event. Returning
// false excludes the event from the projection.
type IdentityFunc func(evt event.Event) (event.Identity, bool)

// ByStream keys aggregates by the event's stream.
func ByStream(evt event.Event) (event.Identity, bool) {
	return evt.Identity(), evt.StreamID != ""
}

// Slice is the ordered subset of one page owned by a single identity.
type Slice struct {
	Identity event.Identity
	Events   []event.Event
}

// Group is a page partitioned by aggregate identity.
type Group struct {
	Floor   uint64
	Ceiling uint64
	// Slices appear in order of each identity's first event in the page.
	Slices []Slice
	// Excluded counts events with no resolvable identity.
	Excluded int
	// Skipped carries the page's dead-letter candidates through to commit.
	Skipped []event.Skipped
}

// Identities returns the identity of every slice.
func (g Group) Identities() []event.Identity {
	ids := make([]event.Identity, len(g.Slices))
	for i, slice := range g.Slices {
		ids[i] = slice.Identity
	}
	return ids
}

// EventCount returns the number of grouped events.
func (g Group) EventCount() int {
	n := 0
	for _, slice := range g.Slices {
		n += len(slice.Events)
	}
	return n
}

// Slicer groups pages by aggregate identity. It is pure and safe for
// concurrent use.
type Slicer struct {
	identity IdentityFunc
	tenancy  Tenancy
	logf     func(format string, args ...any)
}

// NewSlicer returns a Slicer; a nil identity func keys by stream.
func NewSlicer(identity IdentityFunc, tenancy Tenancy, logf func(format string, args ...any)) *Slicer {
	if identity == nil {
		identity = ByStream
	}
	if logf == nil {
		logf = log.Printf
	}
	return &Slicer{identity: identity, tenancy: tenancy, logf: logf}
}

// Group partitions page preserving intra-identity event order.
func (s *Slicer) Group(page event.Page) Group {
	group := Group{Floor: page.Floor, Ceiling: page.Ceiling, Skipped: page.Skipped}
	index := make(map[event.Identity]int)
	for _, evt := range page.Events {
		id, ok := s.identity(evt)
		if !ok || id.IsZero() {
			group.Excluded++
			s.logf("slicer: no aggregate identity for %s at seq %d", evt.Type, evt.Seq)
			continue
		}
		if s.tenancy == Single {
			id.TenantID = event.DefaultTenant
		} else {
			id.TenantID = event.NormalizeTenant(id.TenantID)
		}
		i, seen := index[id]
		if !seen {
			i = len(group.Slices)
			index[id] = i
			group.Slices = append(group.Slices, Slice{Identity: id})
		}
		group.Slices[i].Events = append(group.Slices[i].Events, evt)
	}
	return group
}
