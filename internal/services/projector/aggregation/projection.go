package aggregation

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/louisbranch/projectiond/internal/services/projector/event"
	"github.com/louisbranch/projectiond/internal/services/projector/storage"
)

var aliasPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// capability is the set of roles a handler entry plays for one event type.
type capability uint8

const (
	canCreate capability = 1 << iota
	canApply
	canDelete
)

// handlerEntry is the resolved dispatch row for one event type.
type handlerEntry[T any] struct {
	caps         capability
	create       func(ctx context.Context, evt event.Event) (T, error)
	apply        func(ctx context.Context, state T, evt event.Event) (T, error)
	shouldDelete func(state T, evt event.Event) bool
}

// Projection declares the handlers of an aggregate projection. Call Build to
// obtain a validated Definition.
type Projection[T any] struct {
	name     string
	alias    string
	handlers map[event.Type]*handlerEntry[T]
	newState func(id event.Identity) T
	identity IdentityFunc
	tenancy  Tenancy
	problems []string
}

// New starts a projection named name whose documents live under alias.
func New[T any](name, alias string) *Projection[T] {
	return &Projection[T]{
		name:     strings.TrimSpace(name),
		alias:    strings.TrimSpace(alias),
		handlers: make(map[event.Type]*handlerEntry[T]),
	}
}

func (p *Projection[T]) entry(t event.Type, c capability) *handlerEntry[T] {
	h, ok := p.handlers[t]
	if !ok {
		h = &handlerEntry[T]{}
		p.handlers[t] = h
	}
	if h.caps&c != 0 {
		p.problems = append(p.problems, fmt.Sprintf("duplicate %s handler for %s", c, t))
	}
	h.caps |= c
	return h
}

// CreateOn registers the handler that starts an aggregate from event type t.
func (p *Projection[T]) CreateOn(t event.Type, fn func(ctx context.Context, evt event.Event) (T, error)) *Projection[T] {
	if fn == nil {
		p.problems = append(p.problems, fmt.Sprintf("nil create handler for %s", t))
		return p
	}
	p.entry(t, canCreate).create = fn
	return p
}

// ApplyOn registers the handler that evolves an existing aggregate.
func (p *Projection[T]) ApplyOn(t event.Type, fn func(ctx context.Context, state T, evt event.Event) (T, error)) *Projection[T] {
	if fn == nil {
		p.problems = append(p.problems, fmt.Sprintf("nil apply handler for %s", t))
		return p
	}
	p.entry(t, canApply).apply = fn
	return p
}

// DeleteOn marks t as ending the aggregate's life when fn reports true.
// A nil fn always deletes.
func (p *Projection[T]) DeleteOn(t event.Type, fn func(state T, evt event.Event) bool) *Projection[T] {
	if fn == nil {
		fn = func(T, event.Event) bool { return true }
	}
	p.entry(t, canDelete).shouldDelete = fn
	return p
}

// WithDefault supplies the blank state used when an event other than a
// create event is the first one seen for an identity.
func (p *Projection[T]) WithDefault(fn func(id event.Identity) T) *Projection[T] {
	p.newState = fn
	return p
}

// WithIdentity overrides how events map to aggregate identities.
func (p *Projection[T]) WithIdentity(fn IdentityFunc) *Projection[T] {
	p.identity = fn
	return p
}

// WithTenancy selects single or conjoined tenancy.
func (p *Projection[T]) WithTenancy(t Tenancy) *Projection[T] {
	p.tenancy = t
	return p
}

// Build validates the declaration and freezes the handler table.
func (p *Projection[T]) Build() (*Definition[T], error) {
	if p.name == "" {
		return nil, configError("<unnamed>", "name is required")
	}
	if !aliasPattern.MatchString(p.alias) {
		return nil, configError(p.name, "alias %q must be lowercase letters, digits or underscores", p.alias)
	}
	if len(p.problems) > 0 {
		return nil, configError(p.name, "%s", strings.Join(p.problems, "; "))
	}
	if len(p.handlers) == 0 {
		return nil, configError(p.name, "no event handlers registered")
	}
	hasCreate := false
	for _, h := range p.handlers {
		if h.caps&canCreate != 0 {
			hasCreate = true
			break
		}
	}
	if !hasCreate && p.newState == nil {
		return nil, configError(p.name, "no create handler and no default state")
	}

	table := make(map[event.Type]handlerEntry[T], len(p.handlers))
	types := make([]event.Type, 0, len(p.handlers))
	for t, h := range p.handlers {
		table[t] = *h
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	return &Definition[T]{
		name:     p.name,
		alias:    p.alias,
		handlers: table,
		types:    types,
		newState: p.newState,
		identity: p.identity,
		tenancy:  p.tenancy,
	}, nil
}

func (c capability) String() string {
	switch c {
	case canCreate:
		return "create"
	case canApply:
		return "apply"
	case canDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// BuildOptions controls handler failure policy while folding a slice.
type BuildOptions struct {
	// SkipApplyErrors drops the failing event and reports it as skipped
	// instead of failing the batch.
	SkipApplyErrors bool
}

// Result is the outcome of folding one slice.
type Result struct {
	// Operation is an UpsertDocument, a DeleteDocument, or nil when no event
	// of the slice changed the aggregate.
	Operation storage.Operation
	// Skipped lists events dropped under SkipApplyErrors.
	Skipped []event.Skipped
}

// Aggregator is the type-erased view of a Definition used by the daemon.
type Aggregator interface {
	Name() string
	Alias() string
	Tenancy() Tenancy
	// EventTypes lists every type with a handler, sorted.
	EventTypes() []event.Type
	// Slicer returns the slicer configured for this projection.
	Slicer(logf func(format string, args ...any)) *Slicer
	// BuildOperation folds slice onto existing, or onto blank state when
	// existing is nil.
	BuildOperation(ctx context.Context, existing *storage.Document, slice Slice, opts BuildOptions) (Result, error)
}

// Definition is a validated, immutable projection.
type Definition[T any] struct {
	name     string
	alias    string
	handlers map[event.Type]handlerEntry[T]
	types    []event.Type
	newState func(id event.Identity) T
	identity IdentityFunc
	tenancy  Tenancy
}

var _ Aggregator = (*Definition[struct{}])(nil)

func (d *Definition[T]) Name() string { return d.name }

func (d *Definition[T]) Alias() string { return d.alias }

func (d *Definition[T]) Tenancy() Tenancy { return d.tenancy }

func (d *Definition[T]) EventTypes() []event.Type {
	return append([]event.Type(nil), d.types...)
}

func (d *Definition[T]) Slicer(logf func(format string, args ...any)) *Slicer {
	return NewSlicer(d.identity, d.tenancy, logf)
}

// Decode unmarshals a stored document into T.
func (d *Definition[T]) Decode(doc storage.Document) (T, error) {
	var state T
	if err := json.Unmarshal(doc.Data, &state); err != nil {
		return state, fmt.Errorf("decode %s document %s: %w", d.name, doc.Identity, err)
	}
	return state, nil
}

// BuildOperation folds the slice in sequence order.
//
// Events at or below the existing document's LastSeq were already applied
// and are ignored, which makes replaying a committed page a no-op. The first
// delete-eligible event turns the result into a delete and ends the fold.
func (d *Definition[T]) BuildOperation(ctx context.Context, existing *storage.Document, slice Slice, opts BuildOptions) (Result, error) {
	var (
		result  Result
		state   T
		has     bool
		touched bool
		version uint64
		lastSeq uint64
	)
	if existing != nil {
		decoded, err := d.Decode(*existing)
		if err != nil {
			return Result{}, err
		}
		state, has = decoded, true
		version, lastSeq = existing.Version, existing.LastSeq
	}

	for _, evt := range slice.Events {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if existing != nil && evt.Seq <= existing.LastSeq {
			continue
		}
		h, ok := d.handlers[evt.Type]
		if !ok {
			continue
		}
		if h.caps&canDelete != 0 {
			del, err := d.shouldDelete(h, state, evt)
			if err != nil {
				if opts.SkipApplyErrors {
					result.Skipped = append(result.Skipped, event.Skipped{Event: evt, Err: err})
					continue
				}
				return Result{}, err
			}
			if del {
				result.Operation = storage.DeleteDocument{Alias: d.alias, Identity: slice.Identity}
				return result, nil
			}
		}

		next, applied, err := d.step(ctx, h, state, has, slice.Identity, evt)
		if err != nil {
			if opts.SkipApplyErrors {
				result.Skipped = append(result.Skipped, event.Skipped{Event: evt, Err: err})
				continue
			}
			return Result{}, err
		}
		if !applied {
			continue
		}
		state, has, touched = next, true, true
		version, lastSeq = evt.Version, evt.Seq
	}

	if !touched {
		return result, nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return Result{}, handlerError(d.name, slice.Events[len(slice.Events)-1], fmt.Errorf("encode document: %w", err))
	}
	result.Operation = storage.UpsertDocument{
		Alias:    d.alias,
		Identity: slice.Identity,
		Data:     data,
		Version:  version,
		LastSeq:  lastSeq,
	}
	return result, nil
}

// step applies one event. It reports applied=false when the event cannot
// act on the current state (no document yet and no way to start one, or an
// existing document and no apply handler).
func (d *Definition[T]) step(ctx context.Context, h handlerEntry[T], state T, has bool, id event.Identity, evt event.Event) (next T, applied bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = handlerError(d.name, evt, fmt.Errorf("panic: %v", r))
		}
	}()

	if !has {
		switch {
		case h.caps&canCreate != 0:
			next, err = h.create(ctx, evt)
			if err != nil {
				return next, false, handlerError(d.name, evt, err)
			}
			return next, true, nil
		case d.newState != nil && h.caps&canApply != 0:
			state = d.newState(id)
		default:
			return next, false, nil
		}
	}
	if h.caps&canApply == 0 {
		return next, false, nil
	}
	next, err = h.apply(ctx, state, evt)
	if err != nil {
		return next, false, handlerError(d.name, evt, err)
	}
	return next, true, nil
}

func (d *Definition[T]) shouldDelete(h handlerEntry[T], state T, evt event.Event) (del bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			del, err = false, handlerError(d.name, evt, fmt.Errorf("panic in delete predicate: %v", r))
		}
	}()
	return h.shouldDelete(state, evt), nil
}
