package agent

import (
	"fmt"
	"slices"
)

// Slice is an independently authored unit of reducer logic. It owns one state
// fragment and a disjoint set of event types. Slices are built with NewSlice.
type Slice interface {
	// Name identifies the slice and its fragment within State.
	Name() string
	// EventTypes lists the event types this slice reduces.
	EventTypes() []string
	// Capabilities lists the dependencies the slice needs from its host.
	Capabilities() []Capability

	initialFragment() any
	reduceFragment(frag any, ev Event) (any, error)
	definitionErr() error
}

// SliceDef is a typed slice definition. F is the fragment type; reducers
// receive it by value and must return a new value instead of mutating shared
// maps or slices in place.
type SliceDef[F any] struct {
	name     string
	initial  F
	handlers map[string]func(F, Event) (F, error)
	order    []string
	requires []Capability
	err      error
}

// NewSlice starts a slice definition with the given fragment initial value.
func NewSlice[F any](name string, initial F) *SliceDef[F] {
	return &SliceDef[F]{name: name, initial: initial, handlers: map[string]func(F, Event) (F, error){}}
}

// On registers the reducer for one event type.
func (d *SliceDef[F]) On(eventType string, fn func(F, Event) (F, error)) *SliceDef[F] {
	if _, dup := d.handlers[eventType]; dup && d.err == nil {
		d.err = fmt.Errorf("slice %q: event type %q registered twice", d.name, eventType)
	}
	if eventType == "" && d.err == nil {
		d.err = fmt.Errorf("slice %q: empty event type", d.name)
	}
	d.handlers[eventType] = fn
	d.order = append(d.order, eventType)
	return d
}

// Requires declares host capabilities the slice depends on.
func (d *SliceDef[F]) Requires(caps ...Capability) *SliceDef[F] {
	d.requires = append(d.requires, caps...)
	return d
}

// Handle registers a reducer whose payload is decoded into D first.
// A payload that does not decode is a schema mismatch and fails the fold.
func Handle[F, D any](d *SliceDef[F], eventType string, fn func(F, D, Event) (F, error)) *SliceDef[F] {
	return d.On(eventType, func(f F, ev Event) (F, error) {
		var data D
		if err := ev.Decode(&data); err != nil {
			return f, err
		}
		return fn(f, data, ev)
	})
}

// From returns the slice fragment held by st, or the initial value.
func (d *SliceDef[F]) From(st State) F {
	v, ok := st.Fragment(d.name)
	if !ok {
		return d.initial
	}
	f, ok := v.(F)
	if !ok {
		return d.initial
	}
	return f
}

func (d *SliceDef[F]) Name() string { return d.name }

func (d *SliceDef[F]) EventTypes() []string { return slices.Clone(d.order) }

func (d *SliceDef[F]) Capabilities() []Capability { return slices.Clone(d.requires) }

func (d *SliceDef[F]) initialFragment() any { return d.initial }

func (d *SliceDef[F]) reduceFragment(frag any, ev Event) (any, error) {
	fn, ok := d.handlers[ev.Type]
	if !ok {
		return frag, nil
	}
	f, ok := frag.(F)
	if !ok {
		f = d.initial
	}
	return fn(f, ev)
}

func (d *SliceDef[F]) definitionErr() error { return d.err }
