// Package fake provides a recording mcpclient.Client for tests.
package fake

import (
	"context"
	"errors"
	"sync"

	"github.com/wilhg/convo/pkg/mcpclient"
)

// Call records one CallTool invocation.
type Call struct {
	Name string
	Args map[string]any
}

// Client is an in-memory mcpclient.Client. Handlers answer CallTool by name.
type Client struct {
	Tools    []mcpclient.ToolDescriptor
	Handlers map[string]func(args map[string]any) (any, error)
	ListErr  error

	mu     sync.Mutex
	calls  []Call
	closed bool
}

var _ mcpclient.Client = (*Client)(nil)

func (c *Client) ListTools(context.Context) ([]mcpclient.ToolDescriptor, error) {
	if c.ListErr != nil {
		return nil, c.ListErr
	}
	return c.Tools, nil
}

func (c *Client) CallTool(_ context.Context, name string, args map[string]any) (any, error) {
	c.mu.Lock()
	c.calls = append(c.calls, Call{Name: name, Args: args})
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, errors.New("client closed")
	}
	h, ok := c.Handlers[name]
	if !ok {
		return nil, errors.New("unknown tool " + name)
	}
	return h(args)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Calls returns the recorded calls.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
