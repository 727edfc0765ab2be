package agent

import (
	"encoding/json"
	"maps"
)

// State is the reduced view of the log up to some event index.
// It is an immutable value: applying an event yields a new State and leaves
// the previous one untouched, so historical states can be kept side by side.
//
// The zero State has Index() == -1 and no fragments.
type State struct {
	next      int64
	fragments map[string]any
}

// Index returns the index of the last applied event, or -1 when empty.
func (s State) Index() int64 { return s.next - 1 }

// Fragment returns the raw fragment owned by the named slice.
func (s State) Fragment(name string) (any, bool) {
	v, ok := s.fragments[name]
	return v, ok
}

// with returns a copy of s with the named fragment replaced and the index advanced.
func (s State) with(index int64, name string, frag any) State {
	out := State{next: index + 1, fragments: maps.Clone(s.fragments)}
	if out.fragments == nil {
		out.fragments = map[string]any{}
	}
	if name != "" {
		out.fragments[name] = frag
	}
	return out
}

// MarshalJSON encodes the state deterministically: map keys are sorted by
// encoding/json, so equal states always produce equal bytes.
func (s State) MarshalJSON() ([]byte, error) {
	frags := s.fragments
	if frags == nil {
		frags = map[string]any{}
	}
	return json.Marshal(struct {
		Index  int64          `json:"index"`
		Slices map[string]any `json:"slices"`
	}{Index: s.Index(), Slices: frags})
}
