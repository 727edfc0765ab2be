// Package eval replays captured event logs offline: it rebuilds state at any
// index, proves reduction is deterministic and diffs state between indices.
// Nothing here runs hooks, so replaying a log has no side effects.
package eval

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gowebpki/jcs"

	"github.com/wilhg/convo/pkg/agent"
	"github.com/wilhg/convo/pkg/prompt"
)

// Capture is an exported actor log.
type Capture struct {
	ActorID string        `json:"actor_id"`
	Events  []agent.Event `json:"events"`
}

// ReadCapture decodes a capture. Both a Capture object and a bare JSON
// array of events are accepted.
func ReadCapture(r io.Reader) (Capture, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Capture{}, err
	}
	raw = bytes.TrimSpace(raw)
	var c Capture
	if len(raw) > 0 && raw[0] == '[' {
		err = json.Unmarshal(raw, &c.Events)
	} else {
		err = json.Unmarshal(raw, &c)
	}
	if err != nil {
		return Capture{}, fmt.Errorf("decode capture: %w", err)
	}
	return c, nil
}

// ReplayCapture folds the events of c up to and including index. A negative
// index replays everything.
func ReplayCapture(r *agent.Reducer, c Capture, index int64) (agent.State, error) {
	events := c.Events
	if index >= 0 {
		events = upTo(events, index)
		if int64(len(events)) != index+1 {
			return agent.State{}, fmt.Errorf("capture ends at %d, before index %d", int64(len(events))-1, index)
		}
	}
	return r.Fold(events)
}

func upTo(events []agent.Event, index int64) []agent.Event {
	for i, ev := range events {
		if ev.EventIndex > index {
			return events[:i]
		}
	}
	return events
}

// Digest is the canonical hash of a state.
func Digest(st agent.State) (string, error) {
	b, err := canonical(st)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func canonical(st agent.State) ([]byte, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// Divergence reports the first index at which two reductions disagree.
type Divergence struct {
	Index int64
	First string
	Again string
}

func (d *Divergence) Error() string {
	return fmt.Sprintf("reduction diverged at index %d: %s != %s", d.Index, d.First, d.Again)
}

// VerifyDeterminism reduces events twice, event by event, and compares the
// canonical digests after each one. It returns the digest of the final state.
func VerifyDeterminism(r *agent.Reducer, events []agent.Event) (string, error) {
	a, b := r.Initial(), r.Initial()
	digest := ""
	for _, ev := range events {
		var err error
		if a, err = r.Apply(a, ev); err != nil {
			return "", err
		}
		if b, err = r.Apply(b, ev); err != nil {
			return "", err
		}
		da, err := Digest(a)
		if err != nil {
			return "", err
		}
		db, err := Digest(b)
		if err != nil {
			return "", err
		}
		if da != db {
			return "", &Divergence{Index: ev.EventIndex, First: da, Again: db}
		}
		digest = da
	}
	return digest, nil
}

// StateDiff returns a line diff of the indented state JSON at two indices.
func StateDiff(r *agent.Reducer, c Capture, from, to int64) (string, error) {
	a, err := ReplayCapture(r, c, from)
	if err != nil {
		return "", err
	}
	b, err := ReplayCapture(r, c, to)
	if err != nil {
		return "", err
	}
	ja, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", err
	}
	jb, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", err
	}
	return prompt.UnifiedDiff(string(ja), string(jb)), nil
}
