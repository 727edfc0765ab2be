// Package agent defines the core contracts of the conversation actor.
// It provides the event, state, slice and tool types that the event log,
// the reducer engine and the tool pipeline are built on.
//
// The package implements these principles:
//   - The event log is the only source of truth
//   - State is a pure fold of the log through a merged reducer
//   - Slices own disjoint sets of event types
//   - Tools are data (ToolSpec) bound late to behavior (Registry)
//
// Example usage:
//
//	counter := agent.NewSlice("counter", 0).
//		On("COUNTER:INC", func(n int, _ agent.Event) (int, error) { return n + 1, nil })
//	reducer, err := agent.Compose(counter)
//	st, err := reducer.Fold(events)
//	n := counter.From(st)
package agent

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is a single immutable entry of the conversation log.
//
// Events are:
//   - Assigned a contiguous EventIndex by the log, never by the caller
//   - Serializable to JSON for persistence and replay
//   - Deduplicated by IdempotencyKey when one is present
type Event struct {
	// EventIndex is the 0-based position of the event in the log.
	EventIndex int64 `json:"event_index"`

	// Type is a namespaced tag of the form DOMAIN:ACTION.
	Type string `json:"type"`

	// Data is the JSON encoded payload. Its shape depends on Type.
	Data json.RawMessage `json:"data"`

	// Metadata carries non-semantic annotations (trace ids, origin).
	Metadata map[string]any `json:"metadata,omitempty"`

	// CreatedAt is stamped by the log at append time.
	CreatedAt time.Time `json:"created_at"`

	// IdempotencyKey makes re-submission of the same draft a no-op.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// TriggerNextStep asks the actor to run another model step after the
	// event has been applied.
	TriggerNextStep bool `json:"trigger_next_step,omitempty"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s event %d: %w", e.Type, e.EventIndex, err)
	}
	return nil
}

// Draft is an event proposed by a caller. The log turns it into an Event.
type Draft struct {
	Type            string
	Data            any
	Metadata        map[string]any
	IdempotencyKey  string
	TriggerNextStep bool
}

// NewDraft is shorthand for a draft with a type and payload.
func NewDraft(typ string, data any) Draft {
	return Draft{Type: typ, Data: data}
}

// EncodeData returns the JSON payload of the draft. A nil payload encodes as {}.
func (d Draft) EncodeData() (json.RawMessage, error) {
	switch v := d.Data.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(v) {
			return nil, fmt.Errorf("draft %s: payload is not valid JSON", d.Type)
		}
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("draft %s: %w", d.Type, err)
		}
		return b, nil
	}
}

// EventRef identifies an appended event.
type EventRef struct {
	EventIndex int64 `json:"event_index"`
	// Existing is set when the draft matched an idempotency key already in
	// the log and nothing new was appended.
	Existing bool `json:"existing,omitempty"`
}

// Capability names a dependency a slice needs from its host actor
// (a scheduler, a connection manager, a model client...).
type Capability string
