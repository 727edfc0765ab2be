package agent

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrDuplicateEventType is returned by Compose when two slices claim the same event type.
	ErrDuplicateEventType = errors.New("event type claimed by more than one slice")
	// ErrOutOfOrder is returned by Apply when an event does not directly follow the state.
	ErrOutOfOrder = errors.New("event applied out of order")
	// ErrMissingCapability is returned by CheckCapabilities.
	ErrMissingCapability = errors.New("missing capability")
)

// Reducer is the merged reducer composed from a set of slices. Each event type
// routes to exactly one slice; types no slice claims only advance the index.
type Reducer struct {
	slices   []Slice
	routes   map[string]Slice
	requires []Capability
}

// Compose validates the slices and builds the merged reducer.
// Slice names must be unique and event types disjoint across slices.
func Compose(sl ...Slice) (*Reducer, error) {
	r := &Reducer{routes: map[string]Slice{}}
	names := map[string]bool{}
	caps := map[Capability]bool{}
	for _, s := range sl {
		if s == nil {
			return nil, errors.New("compose: nil slice")
		}
		if err := s.definitionErr(); err != nil {
			return nil, fmt.Errorf("compose: %w", err)
		}
		if s.Name() == "" {
			return nil, errors.New("compose: slice with empty name")
		}
		if names[s.Name()] {
			return nil, fmt.Errorf("compose: slice %q registered twice", s.Name())
		}
		names[s.Name()] = true
		for _, typ := range s.EventTypes() {
			if owner, taken := r.routes[typ]; taken {
				return nil, fmt.Errorf("compose: %w: %q claimed by %q and %q", ErrDuplicateEventType, typ, owner.Name(), s.Name())
			}
			r.routes[typ] = s
		}
		for _, c := range s.Capabilities() {
			caps[c] = true
		}
		r.slices = append(r.slices, s)
	}
	for c := range caps {
		r.requires = append(r.requires, c)
	}
	slices.Sort(r.requires)
	return r, nil
}

// Requires returns the sorted union of the capabilities of all slices.
func (r *Reducer) Requires() []Capability { return slices.Clone(r.requires) }

// CheckCapabilities fails when a required capability is not provided.
func (r *Reducer) CheckCapabilities(provided ...Capability) error {
	var missing []string
	for _, c := range r.requires {
		if !slices.Contains(provided, c) {
			missing = append(missing, string(c))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCapability, strings.Join(missing, ", "))
	}
	return nil
}

// Handles reports whether some slice reduces events of the given type.
func (r *Reducer) Handles(eventType string) bool {
	_, ok := r.routes[eventType]
	return ok
}

// SliceNames lists the composed slices in registration order.
func (r *Reducer) SliceNames() []string {
	out := make([]string, 0, len(r.slices))
	for _, s := range r.slices {
		out = append(out, s.Name())
	}
	return out
}

// Initial returns the state before any event: every slice at its initial fragment.
func (r *Reducer) Initial() State {
	st := State{fragments: make(map[string]any, len(r.slices))}
	for _, s := range r.slices {
		st.fragments[s.Name()] = s.initialFragment()
	}
	return st
}

// Apply folds one event into st. The event must directly follow st.
func (r *Reducer) Apply(st State, ev Event) (State, error) {
	if ev.EventIndex != st.Index()+1 {
		return st, fmt.Errorf("%w: state at %d, event %d", ErrOutOfOrder, st.Index(), ev.EventIndex)
	}
	s, ok := r.routes[ev.Type]
	if !ok {
		return st.with(ev.EventIndex, "", nil), nil
	}
	cur, _ := st.Fragment(s.Name())
	next, err := s.reduceFragment(cur, ev)
	if err != nil {
		return st, fmt.Errorf("slice %q reducing %s at %d: %w", s.Name(), ev.Type, ev.EventIndex, err)
	}
	return st.with(ev.EventIndex, s.Name(), next), nil
}

// Fold applies events to the initial state in order.
func (r *Reducer) Fold(events []Event) (State, error) {
	st := r.Initial()
	for _, ev := range events {
		var err error
		if st, err = r.Apply(st, ev); err != nil {
			return st, err
		}
	}
	return st, nil
}
