// Package fake provides a scripted llm.Client for tests.
package fake

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/wilhg/convo/pkg/adapters/llm"
)

// ErrScriptExhausted is returned when the client is asked for more responses
// than it was given.
var ErrScriptExhausted = errors.New("fake llm: script exhausted")

// Step is one scripted turn. Exactly one of Response or Err is used.
type Step struct {
	Response llm.Response
	Err      error
}

// Client replays scripted steps in order and records every request.
type Client struct {
	mu       sync.Mutex
	steps    []Step
	requests []llm.Request
	// Fallback, when set, answers requests after the script ends.
	Fallback func(llm.Request) llm.Response
}

func New(steps ...Step) *Client { return &Client{steps: steps} }

// Reply is shorthand for a text-only step.
func Reply(text string) Step { return Step{Response: llm.Response{Text: text}} }

// Call is shorthand for a step requesting one tool call.
func Call(id, name string, args map[string]any) Step {
	return Step{Response: llm.Response{ToolCalls: []llm.ToolCall{{ID: id, Name: name, Args: args}}}}
}

func (c *Client) Name() string { return "fake" }

// Push appends steps to the script.
func (c *Client) Push(steps ...Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, steps...)
}

func (c *Client) Requests() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Request(nil), c.requests...)
}

func (c *Client) StreamCompletion(ctx context.Context, req llm.Request) iter.Seq2[llm.Chunk, error] {
	return func(yield func(llm.Chunk, error) bool) {
		c.mu.Lock()
		c.requests = append(c.requests, req)
		var st Step
		switch {
		case len(c.steps) > 0:
			st = c.steps[0]
			c.steps = c.steps[1:]
		case c.Fallback != nil:
			st = Step{Response: c.Fallback(req)}
		default:
			st = Step{Err: ErrScriptExhausted}
		}
		c.mu.Unlock()

		if err := ctx.Err(); err != nil {
			yield(llm.Chunk{}, err)
			return
		}
		if st.Err != nil {
			yield(llm.Chunk{}, st.Err)
			return
		}
		if st.Response.Text != "" && !yield(llm.Chunk{TextDelta: st.Response.Text}, nil) {
			return
		}
		resp := st.Response
		yield(llm.Chunk{Done: true, Response: &resp}, nil)
	}
}
