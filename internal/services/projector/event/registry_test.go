package event

import (
	"errors"
	"testing"

	apperrors "github.com/louisbranch/projectiond/internal/platform/errors"
)

type started struct {
	Day int `json:"day"`
}

func TestRegistryRejectsDuplicateAndEmptyTypes(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Definition{Type: "trip.started"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register(Definition{Type: "trip.started"}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if err := registry.Register(Definition{Type: " "}); err == nil {
		t.Fatal("expected empty type error")
	}
}

func TestRegistryResolveDecodesPayload(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(Definition{Type: "trip.started", Decode: JSON[started]()})

	evt, err := registry.Resolve(Event{Seq: 1, Type: "trip.started", PayloadJSON: []byte(`{"day":3}`)})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	data, ok := evt.Data.(started)
	if !ok {
		t.Fatalf("data type = %T, want started", evt.Data)
	}
	if data.Day != 3 {
		t.Fatalf("day = %d, want 3", data.Day)
	}
}

func TestRegistryResolveUnknownType(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Resolve(Event{Seq: 9, Type: "trip.mystery"})
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	var coded *apperrors.Error
	if !errors.As(err, &coded) || coded.Metadata["seq"] != "9" {
		t.Fatalf("expected seq metadata, got %#v", coded)
	}
}

func TestRegistryResolveDeserializationFailure(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(Definition{Type: "trip.started", Decode: JSON[started]()})

	_, err := registry.Resolve(Event{Seq: 2, Type: "trip.started", PayloadJSON: []byte(`{"day":"x"}`)})
	if !errors.Is(err, ErrDeserialization) {
		t.Fatalf("expected ErrDeserialization, got %v", err)
	}
	if apperrors.IsTransient(err) {
		t.Fatal("deserialization errors must not be transient")
	}
}

func TestRegistryTypesSorted(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(
		Definition{Type: "b"},
		Definition{Type: "a"},
	)
	types := registry.Types()
	if len(types) != 2 || types[0] != "a" || types[1] != "b" {
		t.Fatalf("types = %v", types)
	}
	if !registry.Has("a") || registry.Has("c") {
		t.Fatal("unexpected Has result")
	}
}
