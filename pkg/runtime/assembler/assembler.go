// Package assembler selects the part of a transcript that is sent to the
// model under a token budget.
package assembler

import (
	"slices"

	"github.com/wilhg/convo/pkg/adapters/llm"
)

// Item is one transcript message positioned at the event that produced it.
// Items sharing an EventIndex keep their input order.
type Item struct {
	EventIndex int64
	Message    llm.Message
}

// AssemblyLog summarizes the assembly decision.
type AssemblyLog struct {
	IncludedTokens int
	DroppedCount   int // items excluded by the budget; duplicates are not counted
}

// TokenEstimator estimates token usage of text content.
type TokenEstimator func(text string) int

// Assembler deterministically assembles context respecting pins, dedup, and token budget.
type Assembler struct {
	estimate  TokenEstimator
	maxTokens int
}

// Option configures the Assembler.
type Option func(*Assembler)

// WithTokenEstimator sets the token estimator. Defaults to rune length.
func WithTokenEstimator(est TokenEstimator) Option {
	return func(a *Assembler) {
		if est != nil {
			a.estimate = est
		}
	}
}

// WithMaxTokens sets the maximum token budget. Defaults to a large value (1e9).
func WithMaxTokens(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.maxTokens = n
		}
	}
}

// New creates a new Assembler.
func New(opts ...Option) *Assembler {
	a := &Assembler{
		estimate:  func(s string) int { return len([]rune(s)) },
		maxTokens: 1_000_000_000,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type group struct {
	items  []Item
	cost   int
	pinned bool
}

// Assemble returns the messages to send, in event order.
//
// Behavior:
//   - Items are ordered by EventIndex and deduplicated by (EventIndex, role, tool call id).
//   - An assistant message and the tool messages that follow it form one unit
//     that is kept or dropped as a whole.
//   - Units containing a pinned event index are taken first.
//   - Remaining units are taken newest first until one no longer fits; older
//     units are dropped so the kept history stays contiguous.
func (a *Assembler) Assemble(items []Item, pins ...int64) ([]llm.Message, AssemblyLog) {
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(x, y Item) int {
		switch {
		case x.EventIndex < y.EventIndex:
			return -1
		case x.EventIndex > y.EventIndex:
			return 1
		}
		return 0
	})

	type key struct {
		idx        int64
		role, call string
	}
	seen := make(map[key]bool, len(sorted))
	var groups []*group
	for _, it := range sorted {
		k := key{it.EventIndex, it.Message.Role, it.Message.ToolCallID}
		if seen[k] {
			continue
		}
		seen[k] = true
		if it.Message.Role != llm.RoleTool || len(groups) == 0 {
			groups = append(groups, &group{})
		}
		g := groups[len(groups)-1]
		g.items = append(g.items, it)
		g.cost += a.cost(it.Message)
		if slices.Contains(pins, it.EventIndex) {
			g.pinned = true
		}
	}

	budget := a.maxTokens
	var log AssemblyLog
	keep := make([]bool, len(groups))
	take := func(i int) bool {
		if groups[i].cost > budget {
			return false
		}
		budget -= groups[i].cost
		log.IncludedTokens += groups[i].cost
		keep[i] = true
		return true
	}
	for i, g := range groups {
		if g.pinned && !take(i) {
			log.DroppedCount += len(g.items)
		}
	}
	full := false
	for i := len(groups) - 1; i >= 0; i-- {
		if groups[i].pinned {
			continue
		}
		if full || !take(i) {
			full = true
			log.DroppedCount += len(groups[i].items)
		}
	}

	var out []llm.Message
	for i, g := range groups {
		if !keep[i] {
			continue
		}
		for _, it := range g.items {
			out = append(out, it.Message)
		}
	}
	return out, log
}

func (a *Assembler) cost(m llm.Message) int {
	n := a.estimate(m.Text)
	for _, tc := range m.ToolCalls {
		n += a.estimate(tc.Name)
		for k, v := range tc.Args {
			if s, ok := v.(string); ok {
				n += a.estimate(k) + a.estimate(s)
			} else {
				n += a.estimate(k) + 1
			}
		}
	}
	return n
}
