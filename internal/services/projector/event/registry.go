package event

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/louisbranch/projectiond/internal/platform/errors"
)

var (
	// ErrUnknownType indicates an event type with no registered definition.
	ErrUnknownType = apperrors.New(apperrors.CodeUnknownEventType, "unknown event type")
	// ErrDeserialization indicates a payload that could not be decoded.
	ErrDeserialization = apperrors.New(apperrors.CodeEventDeserialization, "event payload deserialization failed")
)

// Decoder turns a raw payload into a typed value.
type Decoder func(payload []byte) (any, error)

// Definition registers one event type.
type Definition struct {
	Type Type
	// Decode resolves PayloadJSON; nil leaves Data unset.
	Decode Decoder
}

// JSON returns a decoder that unmarshals payloads into T and stores the value.
func JSON[T any]() Decoder {
	return func(payload []byte) (any, error) {
		var value T
		if len(payload) == 0 {
			return value, nil
		}
		if err := json.Unmarshal(payload, &value); err != nil {
			return nil, err
		}
		return value, nil
	}
}

// Registry maps event types to payload decoders. It is populated at startup
// and read concurrently by every shard loader.
type Registry struct {
	mu          sync.RWMutex
	definitions map[Type]Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[Type]Definition)}
}

// Register adds a definition. Registering a type twice is an error.
func (r *Registry) Register(def Definition) error {
	if r == nil {
		return fmt.Errorf("registry is required")
	}
	def.Type = Type(strings.TrimSpace(string(def.Type)))
	if def.Type == "" {
		return fmt.Errorf("event type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.definitions[def.Type]; exists {
		return fmt.Errorf("event type %s already registered", def.Type)
	}
	r.definitions[def.Type] = def
	return nil
}

// MustRegister registers every definition and panics on error. Intended for
// package-level projection wiring.
func (r *Registry) MustRegister(defs ...Definition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

// Has reports whether t is registered.
func (r *Registry) Has(t Type) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.definitions[t]
	return ok
}

// Types returns all registered types in lexical order.
func (r *Registry) Types() []Type {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	types := make([]Type, 0, len(r.definitions))
	for t := range r.definitions {
		types = append(types, t)
	}
	r.mu.RUnlock()
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Resolve decodes the event payload into Data.
//
// Unknown types return an error matching ErrUnknownType; decode failures
// return an error matching ErrDeserialization. Both carry the sequence and
// type as metadata.
func (r *Registry) Resolve(evt Event) (Event, error) {
	if r == nil {
		return evt, fmt.Errorf("registry is required")
	}
	r.mu.RLock()
	def, ok := r.definitions[evt.Type]
	r.mu.RUnlock()
	if !ok {
		return evt, apperrors.WithMetadata(apperrors.CodeUnknownEventType,
			fmt.Sprintf("unknown event type %s", evt.Type), eventMetadata(evt))
	}
	if def.Decode == nil {
		return evt, nil
	}
	data, err := def.Decode(evt.PayloadJSON)
	if err != nil {
		return evt, apperrors.WrapWithMetadata(apperrors.CodeEventDeserialization,
			fmt.Sprintf("decode %s payload at seq %d", evt.Type, evt.Seq), eventMetadata(evt), err)
	}
	evt.Data = data
	return evt, nil
}

func eventMetadata(evt Event) map[string]string {
	return map[string]string{
		"seq":       fmt.Sprintf("%d", evt.Seq),
		"type":      string(evt.Type),
		"stream_id": evt.StreamID,
	}
}
