package aggregation

import (
	"context"
	"errors"
	"fmt"

	"github.com/louisbranch/projectiond/internal/services/projector/event"
	"github.com/louisbranch/projectiond/internal/services/projector/storage"
)

type journey struct {
	StartedOn int    `json:"started_on"`
	EndedOn   int    `json:"ended_on"`
	State     string `json:"state"`
	Active    bool   `json:"active"`
	Miles     int    `json:"miles"`
}

type dayData struct{ Day int }
type stateData struct{ State string }
type milesData struct{ Miles int }

var errBoom = errors.New("boom")

func journeyProjection() *Projection[journey] {
	return New[journey]("Journey", "journey").
		CreateOn("started", func(_ context.Context, evt event.Event) (journey, error) {
			return journey{StartedOn: evt.Data.(dayData).Day, Active: true}, nil
		}).
		ApplyOn("arrived", func(_ context.Context, j journey, evt event.Event) (journey, error) {
			j.State = evt.Data.(stateData).State
			return j, nil
		}).
		ApplyOn("traveled", func(_ context.Context, j journey, evt event.Event) (journey, error) {
			j.Miles += evt.Data.(milesData).Miles
			return j, nil
		}).
		ApplyOn("ended", func(_ context.Context, j journey, evt event.Event) (journey, error) {
			j.EndedOn = evt.Data.(dayData).Day
			j.Active = false
			return j, nil
		}).
		ApplyOn("broken", func(context.Context, journey, event.Event) (journey, error) {
			return journey{}, errBoom
		}).
		DeleteOn("aborted", nil)
}

func mustBuild[T any](p *Projection[T]) *Definition[T] {
	def, err := p.Build()
	if err != nil {
		panic(fmt.Sprintf("build projection: %v", err))
	}
	return def
}

// eventSeq builds events with ascending sequences and per-stream versions.
type eventSeq struct {
	seq      uint64
	versions map[string]uint64
}

func (s *eventSeq) next(stream string, typ event.Type, data any) event.Event {
	if s.versions == nil {
		s.versions = make(map[string]uint64)
	}
	s.seq++
	s.versions[stream]++
	return event.Event{Seq: s.seq, StreamID: stream, Version: s.versions[stream], Type: typ, Data: data, TenantID: event.DefaultTenant}
}

// foldPage groups a page and folds every slice onto docs, mimicking one
// commit of the execution pipeline.
func foldPage(ctx context.Context, def *Definition[journey], docs map[event.Identity]storage.Document, page event.Page) error {
	group := def.Slicer(func(string, ...any) {}).Group(page)
	for _, slice := range group.Slices {
		var existing *storage.Document
		if doc, ok := docs[slice.Identity]; ok {
			existing = &doc
		}
		result, err := def.BuildOperation(ctx, existing, slice, BuildOptions{})
		if err != nil {
			return err
		}
		switch op := result.Operation.(type) {
		case storage.UpsertDocument:
			docs[op.Identity] = storage.Document{Identity: op.Identity, Data: op.Data, Version: op.Version, LastSeq: op.LastSeq}
		case storage.DeleteDocument:
			delete(docs, op.Identity)
		}
	}
	return nil
}
