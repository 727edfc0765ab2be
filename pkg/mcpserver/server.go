// Package mcpserver exports a tool registry as a Model Context Protocol server.
package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/wilhg/convo/pkg/agent"
	"github.com/wilhg/convo/pkg/errmodel"
)

type Server struct {
	srv      *mcp.Server
	allowed  map[string]bool
	validate agent.ValidateFunc
	logger   *zap.Logger
}

type Option func(*Server)

// WithPermissions restricts exported handlers to the granted permissions.
func WithPermissions(allowed map[string]bool) Option { return func(s *Server) { s.allowed = allowed } }

// WithValidator overrides the JSON schema validator.
func WithValidator(v agent.ValidateFunc) Option { return func(s *Server) { s.validate = v } }

func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.logger = l } }

func New(name, version string, opts ...Option) *Server {
	s := &Server{srv: mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil), logger: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Export adds every handler of reg as an MCP tool.
func (s *Server) Export(reg *agent.Registry) error {
	for _, d := range reg.Descriptors() {
		h, _ := reg.Lookup(d.Name)
		if err := s.add(h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) add(h agent.Handler) error {
	d := h.Descriptor
	var schema map[string]any
	if err := json.Unmarshal(d.InputSchema, &schema); err != nil {
		return err
	}
	if schema["type"] != "object" {
		return errmodel.Validation("invalid_schema", "exported tools need an object input schema", map[string]any{"tool": d.Name})
	}
	s.srv.AddTool(&mcp.Tool{Name: d.Name, Description: d.Description, InputSchema: schema}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := map[string]any{}
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return errorResult(errmodel.Validation("invalid_input", "arguments must be an object", nil)), nil
			}
		}
		res, err := agent.SafeInvoke(ctx, h, args, s.allowed, s.validate)
		if err != nil {
			s.logger.Info("exported tool failed", zap.String("tool", d.Name), zap.Error(err))
			return errorResult(err), nil
		}
		b, err := json.Marshal(res.Output)
		if err != nil {
			return nil, err
		}
		out := &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(b)}}}
		if len(b) > 0 && b[0] == '{' {
			out.StructuredContent = json.RawMessage(b)
		}
		return out, nil
	})
	return nil
}

func errorResult(err error) *mcp.CallToolResult {
	ce := errmodel.From(err)
	return &mcp.CallToolResult{IsError: true, Content: []mcp.Content{&mcp.TextContent{Text: ce.Error()}}}
}

// Handler serves the tools over streamable HTTP.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.srv }, nil)
}

// Connect serves one session over t.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.srv.Connect(ctx, t, nil)
}
