// Package trip is the sample aggregate projection shipped with the daemon:
// one document per trip stream, built from trip lifecycle events.
package trip

import (
	"context"
	"fmt"

	"github.com/louisbranch/projectiond/internal/services/projector/aggregation"
	"github.com/louisbranch/projectiond/internal/services/projector/event"
)

const (
	// Name is the projection name; its shard is "Trip:All".
	Name = "Trip"
	// Alias is the stream type and document table suffix.
	Alias = "trip"
)

const (
	EventStarted  event.Type = "trip.started"
	EventArrived  event.Type = "trip.arrived"
	EventTraveled event.Type = "trip.traveled"
	EventEnded    event.Type = "trip.ended"
	EventAborted  event.Type = "trip.aborted"
)

type Started struct {
	Day int `json:"day"`
}

type Arrived struct {
	Day   int    `json:"day"`
	State string `json:"state"`
}

type Traveled struct {
	Day   int `json:"day"`
	Miles int `json:"miles"`
}

type Ended struct {
	Day   int    `json:"day"`
	State string `json:"state,omitempty"`
}

type Aborted struct {
	Reason string `json:"reason,omitempty"`
}

// Trip is the materialized document.
type Trip struct {
	ID        string `json:"id"`
	StartedOn int    `json:"started_on"`
	EndedOn   int    `json:"ended_on,omitempty"`
	State     string `json:"state,omitempty"`
	Active    bool   `json:"active"`
	Traveled  int    `json:"traveled"`
}

// Register adds the trip event payloads to reg.
func Register(reg *event.Registry) error {
	defs := []event.Definition{
		{Type: EventStarted, Decode: event.JSON[Started]()},
		{Type: EventArrived, Decode: event.JSON[Arrived]()},
		{Type: EventTraveled, Decode: event.JSON[Traveled]()},
		{Type: EventEnded, Decode: event.JSON[Ended]()},
		{Type: EventAborted, Decode: event.JSON[Aborted]()},
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("register trip events: %w", err)
		}
	}
	return nil
}

// Projection builds the trip projection definition.
func Projection() (*aggregation.Definition[Trip], error) {
	return aggregation.New[Trip](Name, Alias).
		CreateOn(EventStarted, func(_ context.Context, evt event.Event) (Trip, error) {
			started, err := payload[Started](evt)
			if err != nil {
				return Trip{}, err
			}
			return Trip{ID: evt.StreamID, StartedOn: started.Day, Active: true}, nil
		}).
		ApplyOn(EventArrived, func(_ context.Context, trip Trip, evt event.Event) (Trip, error) {
			arrived, err := payload[Arrived](evt)
			if err != nil {
				return trip, err
			}
			trip.State = arrived.State
			return trip, nil
		}).
		ApplyOn(EventTraveled, func(_ context.Context, trip Trip, evt event.Event) (Trip, error) {
			traveled, err := payload[Traveled](evt)
			if err != nil {
				return trip, err
			}
			if traveled.Miles < 0 {
				return trip, fmt.Errorf("negative distance %d", traveled.Miles)
			}
			trip.Traveled += traveled.Miles
			return trip, nil
		}).
		ApplyOn(EventEnded, func(_ context.Context, trip Trip, evt event.Event) (Trip, error) {
			ended, err := payload[Ended](evt)
			if err != nil {
				return trip, err
			}
			trip.EndedOn = ended.Day
			trip.Active = false
			if ended.State != "" {
				trip.State = ended.State
			}
			return trip, nil
		}).
		DeleteOn(EventAborted, nil).
		Build()
}

func payload[T any](evt event.Event) (T, error) {
	value, ok := evt.Data.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s payload has type %T", evt.Type, evt.Data)
	}
	return value, nil
}
