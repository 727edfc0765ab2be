// Package mcpclient is the client side of integration servers speaking the
// Model Context Protocol.
package mcpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/convo/pkg/errmodel"
)

// Client defines the integration-server capabilities the actor needs.
type Client interface {
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
	Close() error
}

// ToolDescriptor is a subset of the MCP tool schema.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Option configures Dial and Connect.
type Option func(*config)

type config struct {
	httpClient *http.Client
	impl       mcp.Implementation
	maxRetries int
}

// WithHTTPClient sets the HTTP client of the streamable transport, for
// example one whose transport adds OAuth tokens.
func WithHTTPClient(c *http.Client) Option { return func(cfg *config) { cfg.httpClient = c } }

// WithImplementation sets the client identity sent during initialization.
func WithImplementation(name, version string) Option {
	return func(cfg *config) { cfg.impl = mcp.Implementation{Name: name, Version: version} }
}

// WithMaxRetries bounds stream reconnects. Negative disables them.
func WithMaxRetries(n int) Option { return func(cfg *config) { cfg.maxRetries = n } }

func newConfig(opts []Option) config {
	cfg := config{impl: mcp.Implementation{Name: "convo", Version: "v1"}}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return cfg
}

// Dial connects to endpoint over streamable HTTP and completes the handshake.
func Dial(ctx context.Context, endpoint string, opts ...Option) (*Session, error) {
	cfg := newConfig(opts)
	t := &mcp.StreamableClientTransport{Endpoint: endpoint, HTTPClient: cfg.httpClient, MaxRetries: cfg.maxRetries}
	return connect(ctx, t, cfg)
}

// Connect completes the handshake over an existing transport.
func Connect(ctx context.Context, t mcp.Transport, opts ...Option) (*Session, error) {
	return connect(ctx, t, newConfig(opts))
}

func connect(ctx context.Context, t mcp.Transport, cfg config) (*Session, error) {
	impl := cfg.impl
	c := mcp.NewClient(&impl, nil)
	cs, err := c.Connect(ctx, t, nil)
	if err != nil {
		return nil, errmodel.Network("mcp_handshake_failed", "cannot initialize integration session", nil, err)
	}
	return &Session{cs: cs}, nil
}

// Session is a Client over an initialized MCP session.
type Session struct {
	cs *mcp.ClientSession
}

// ListTools pages through the server's tools.
func (s *Session) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	var out []ToolDescriptor
	for t, err := range s.cs.Tools(ctx, nil) {
		if err != nil {
			return nil, errmodel.Network("mcp_list_tools_failed", "cannot list integration tools", nil, err)
		}
		d := ToolDescriptor{Name: t.Name, Description: t.Description}
		if t.InputSchema != nil {
			if b, err := json.Marshal(t.InputSchema); err == nil {
				_ = json.Unmarshal(b, &d.InputSchema)
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// CallTool calls a remote tool. Structured content is returned as decoded
// JSON; otherwise the text contents are joined. A result flagged as an
// error becomes a tool error.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	res, err := s.cs.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, errmodel.Network("mcp_call_failed", "integration call failed", map[string]any{"tool": name}, err)
	}
	text := contentText(res.Content)
	if res.IsError {
		return nil, errmodel.Tool("remote_error", text, map[string]any{"tool": name}, nil)
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}
	return text, nil
}

// Close ends the session.
func (s *Session) Close() error { return s.cs.Close() }

func contentText(cs []mcp.Content) string {
	var parts []string
	for _, c := range cs {
		if t, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}
