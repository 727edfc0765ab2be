// Package tools turns serializable tool specs into runtime tools bound to a
// live actor, wraps them with middleware and maps their outcomes to events.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/wilhg/convo/pkg/agent"
	"github.com/wilhg/convo/pkg/errmodel"
)

// Invocation is what a middleware chain sees for one call.
type Invocation struct {
	Spec              agent.ToolSpec
	CallID            string
	Args              map[string]any
	ImpersonateUserID string
	// Approved is set when the call is an approved replay and must not be gated again.
	Approved bool
}

// ExecFunc executes an invocation.
type ExecFunc func(ctx context.Context, inv Invocation) (agent.ToolResult, error)

// Middleware wraps an ExecFunc. It may short-circuit, retry or annotate.
type Middleware func(next ExecFunc) ExecFunc

// RemoteCaller executes tools on connected integration servers.
type RemoteCaller interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (any, error)
}

// Bindings is the binding context specs are resolved against.
type Bindings struct {
	// Methods are the actor's own methods exposed as tools.
	Methods *agent.Registry
	// Builtins are platform capabilities.
	Builtins *agent.Registry
	Remote   RemoteCaller
	// Permissions granted to method and builtin handlers. Nil grants all.
	Permissions map[string]bool
	Validate    agent.ValidateFunc
}

// RuntimeTool is the executable form of a spec. Only Invoke runs it, and
// Invoke always goes through the full middleware chain.
type RuntimeTool struct {
	spec   agent.ToolSpec
	schema json.RawMessage
	exec   ExecFunc
}

// Spec returns the spec the tool was resolved from.
func (t *RuntimeTool) Spec() agent.ToolSpec { return t.spec }

// Name is the name offered to the model.
func (t *RuntimeTool) Name() string { return t.spec.Name }

// InputSchema is the JSON schema of caller-supplied arguments.
func (t *RuntimeTool) InputSchema() json.RawMessage { return t.schema }

// Invoke runs the composed executable.
func (t *RuntimeTool) Invoke(ctx context.Context, call Call) (agent.ToolResult, error) {
	return t.exec(ctx, Invocation{
		Spec:              t.spec,
		CallID:            call.ID,
		Args:              call.Args,
		ImpersonateUserID: call.ImpersonateUserID,
		Approved:          call.approved,
	})
}

type resolveConfig struct {
	common  []Middleware
	perTool map[string][]Middleware
}

// ResolveOption configures Resolve.
type ResolveOption func(*resolveConfig)

// WithMiddleware wraps every resolved tool. The first middleware is outermost.
func WithMiddleware(mws ...Middleware) ResolveOption {
	return func(c *resolveConfig) { c.common = append(c.common, mws...) }
}

// WithToolMiddleware wraps one tool, inside the common middleware.
func WithToolMiddleware(name string, mws ...Middleware) ResolveOption {
	return func(c *resolveConfig) {
		if c.perTool == nil {
			c.perTool = map[string][]Middleware{}
		}
		c.perTool[name] = append(c.perTool[name], mws...)
	}
}

// Resolve binds specs to executables. Unknown methods or builtins, duplicate
// names and remote specs without a remote caller are configuration errors.
func Resolve(specs []agent.ToolSpec, b Bindings, opts ...ResolveOption) ([]*RuntimeTool, error) {
	var cfg resolveConfig
	for _, o := range opts {
		o(&cfg)
	}
	seen := map[string]bool{}
	out := make([]*RuntimeTool, 0, len(specs))
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, errmodel.Validation("invalid_tool_spec", err.Error(), nil)
		}
		if seen[spec.Name] {
			return nil, errmodel.Validation("duplicate_tool", fmt.Sprintf("tool %q listed twice", spec.Name), nil)
		}
		seen[spec.Name] = true
		core, schema, err := bind(spec, b)
		if err != nil {
			return nil, err
		}
		exec := compose(core, append(append([]Middleware(nil), cfg.common...), cfg.perTool[spec.Name]...))
		out = append(out, &RuntimeTool{spec: spec, schema: schema, exec: exec})
	}
	return out, nil
}

func compose(core ExecFunc, mws []Middleware) ExecFunc {
	exec := core
	for i := len(mws) - 1; i >= 0; i-- {
		exec = mws[i](exec)
	}
	return exec
}

func bind(spec agent.ToolSpec, b Bindings) (ExecFunc, json.RawMessage, error) {
	switch spec.Kind {
	case agent.ToolKindMethod, agent.ToolKindBuiltin:
		reg, what := b.Methods, "method"
		if spec.Kind == agent.ToolKindBuiltin {
			reg, what = b.Builtins, "builtin"
		}
		h, ok := reg.Lookup(spec.Target)
		if !ok {
			return nil, nil, errmodel.Validation("unknown_"+what, fmt.Sprintf("tool %q names unknown %s %q", spec.Name, what, spec.Target), nil)
		}
		schema := json.RawMessage(h.Descriptor.InputSchema)
		if len(spec.InputSchema) > 0 {
			schema = spec.InputSchema
		}
		core := func(ctx context.Context, inv Invocation) (agent.ToolResult, error) {
			return agent.SafeInvoke(ctx, h, mergeArgs(inv.Args, spec.FixedArgs), b.Permissions, b.Validate)
		}
		return core, schema, nil
	case agent.ToolKindRemote:
		if b.Remote == nil {
			return nil, nil, errmodel.Validation("no_remote", fmt.Sprintf("tool %q is remote but no integration client is bound", spec.Name), nil)
		}
		validate := b.Validate
		if validate == nil {
			validate = agent.JSONSchemaValidator
		}
		core := func(ctx context.Context, inv Invocation) (agent.ToolResult, error) {
			args := mergeArgs(inv.Args, spec.FixedArgs)
			if err := validate(spec.InputSchema, args); err != nil {
				return agent.ToolResult{}, errmodel.Validation("invalid_input", "tool input validation failed", map[string]any{"tool": spec.Name, "error": err.Error()})
			}
			out, err := b.Remote.CallTool(ctx, spec.Server, spec.Target, args)
			if err != nil {
				return agent.ToolResult{}, err
			}
			return agent.ToolResult{Output: out}, nil
		}
		return core, spec.InputSchema, nil
	}
	return nil, nil, errmodel.Validation("invalid_tool_spec", fmt.Sprintf("tool %q has unknown kind %q", spec.Name, spec.Kind), nil)
}

// mergeArgs overlays fixed arguments on caller arguments; fixed ones win.
func mergeArgs(caller, fixed map[string]any) map[string]any {
	out := maps.Clone(caller)
	if out == nil {
		out = map[string]any{}
	}
	maps.Copy(out, fixed)
	return out
}
