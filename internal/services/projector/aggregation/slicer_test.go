package aggregation

import (
	"testing"

	"github.com/louisbranch/projectiond/internal/services/projector/event"
)

func TestSlicerPreservesOrderPerIdentity(t *testing.T) {
	page := event.Page{Floor: 0, Ceiling: 6, Events: []event.Event{
		{Seq: 1, StreamID: "b"},
		{Seq: 2, StreamID: "a"},
		{Seq: 3, StreamID: "b"},
		{Seq: 4, StreamID: "c"},
		{Seq: 5, StreamID: "a"},
		{Seq: 6, StreamID: "b"},
	}}
	group := NewSlicer(nil, Single, t.Logf).Group(page)

	if len(group.Slices) != 3 {
		t.Fatalf("slices = %d, want 3", len(group.Slices))
	}
	wantOrder := []string{"b", "a", "c"}
	wantSeqs := [][]uint64{{1, 3, 6}, {2, 5}, {4}}
	for i, slice := range group.Slices {
		if slice.Identity.StreamID != wantOrder[i] {
			t.Fatalf("slice %d identity = %s, want %s", i, slice.Identity.StreamID, wantOrder[i])
		}
		for j, evt := range slice.Events {
			if evt.Seq != wantSeqs[i][j] {
				t.Fatalf("slice %s event %d seq = %d, want %d", slice.Identity.StreamID, j, evt.Seq, wantSeqs[i][j])
			}
		}
	}
	if group.EventCount() != 6 || group.Ceiling != 6 {
		t.Fatalf("group = %+v", group)
	}
}

func TestSlicerTenancy(t *testing.T) {
	page := event.Page{Ceiling: 2, Events: []event.Event{
		{Seq: 1, StreamID: "a", TenantID: "t1"},
		{Seq: 2, StreamID: "a", TenantID: "t2"},
	}}

	single := NewSlicer(nil, Single, t.Logf).Group(page)
	if len(single.Slices) != 1 || single.Slices[0].Identity.TenantID != event.DefaultTenant {
		t.Fatalf("single tenancy slices = %+v", single.Slices)
	}

	conjoined := NewSlicer(nil, Conjoined, t.Logf).Group(page)
	if len(conjoined.Slices) != 2 {
		t.Fatalf("conjoined slices = %d, want 2", len(conjoined.Slices))
	}
	if conjoined.Slices[1].Identity.TenantID != "t2" {
		t.Fatalf("second slice tenant = %q, want t2", conjoined.Slices[1].Identity.TenantID)
	}
}

func TestSlicerExcludesEventsWithoutIdentity(t *testing.T) {
	byOwner := func(evt event.Event) (event.Identity, bool) {
		owner, ok := evt.Data.(string)
		return event.Identity{StreamID: owner}, ok
	}
	page := event.Page{Ceiling: 3, Skipped: []event.Skipped{{Event: event.Event{Seq: 9}}}, Events: []event.Event{
		{Seq: 1, Data: "x"},
		{Seq: 2, Data: 42},
		{Seq: 3, Data: ""},
	}}
	var logged int
	group := NewSlicer(byOwner, Single, func(string, ...any) { logged++ }).Group(page)
	if len(group.Slices) != 1 || group.Slices[0].Identity.StreamID != "x" {
		t.Fatalf("slices = %+v", group.Slices)
	}
	if group.Excluded != 2 || logged != 2 {
		t.Fatalf("excluded = %d logged = %d, want 2 and 2", group.Excluded, logged)
	}
	if len(group.Skipped) != 1 {
		t.Fatal("expected page skips carried into group")
	}
}
