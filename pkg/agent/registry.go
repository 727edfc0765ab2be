package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/wilhg/convo/pkg/errmodel"
)

// HandlerFunc executes a tool with already validated arguments.
type HandlerFunc func(ctx context.Context, args map[string]any) (ToolResult, error)

// Handler binds a descriptor to its implementation.
type Handler struct {
	Descriptor ToolDescriptor
	Func       HandlerFunc
}

// Registry keeps tool handlers by name. Each actor owns its registries;
// there is no process-wide registration.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Add registers a handler by its descriptor name.
func (r *Registry) Add(h Handler) error {
	if h.Func == nil {
		return fmt.Errorf("handler %q has no func", h.Descriptor.Name)
	}
	if h.Descriptor.Name == "" {
		return fmt.Errorf("handler name is empty")
	}
	if err := CompileJSONSchema(h.Descriptor.InputSchema); err != nil {
		return fmt.Errorf("handler %q: input schema: %w", h.Descriptor.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Descriptor.Name]; exists {
		return fmt.Errorf("handler %q already registered", h.Descriptor.Name)
	}
	r.handlers[h.Descriptor.Name] = h
	return nil
}

// Lookup returns a handler by name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	if r == nil {
		return Handler{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Descriptors returns all descriptors sorted by name.
func (r *Registry) Descriptors() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h.Descriptor)
	}
	slices.SortFunc(out, func(a, b ToolDescriptor) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// Register adds a typed handler. The input schema is inferred from In and the
// raw arguments are decoded into In before fn runs.
func Register[In, Out any](r *Registry, name, description string, fn func(ctx context.Context, in In) (Out, error), perms ...ToolPermission) error {
	return RegisterResult(r, name, description, func(ctx context.Context, in In) (ToolResult, error) {
		out, err := fn(ctx, in)
		if err != nil {
			return ToolResult{}, err
		}
		return ToolResult{Output: out}, nil
	}, perms...)
}

// RegisterResult is Register for handlers that also emit supplementary events.
func RegisterResult[In any](r *Registry, name, description string, fn func(ctx context.Context, in In) (ToolResult, error), perms ...ToolPermission) error {
	schema, err := jsonschema.For[In](nil)
	if err != nil {
		return fmt.Errorf("handler %q: infer schema: %w", name, err)
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	return r.Add(Handler{
		Descriptor: ToolDescriptor{Name: name, Description: description, InputSchema: raw, Permissions: perms},
		Func: func(ctx context.Context, args map[string]any) (ToolResult, error) {
			var in In
			if err := decodeArgs(args, &in); err != nil {
				return ToolResult{}, errmodel.Validation("invalid_input", "tool arguments do not match", map[string]any{"tool": name, "error": err.Error()})
			}
			return fn(ctx, in)
		},
	})
}

func decodeArgs(args map[string]any, v any) error {
	if args == nil {
		args = map[string]any{}
	}
	b, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// SafeInvoke checks permissions, validates input against the handler schema,
// invokes it, and validates output when an output schema is declared.
func SafeInvoke(ctx context.Context, h Handler, args map[string]any, allowed map[string]bool, validate ValidateFunc) (ToolResult, error) {
	d := h.Descriptor
	if allowed != nil {
		for _, p := range d.Permissions {
			if !allowed[p.Name] {
				return ToolResult{}, errmodel.Policy("forbidden", "permission denied for tool", map[string]any{"permission": p.Name, "tool": d.Name})
			}
		}
	}
	if validate == nil {
		validate = JSONSchemaValidator
	}
	if err := validate(d.InputSchema, args); err != nil {
		return ToolResult{}, errmodel.Validation("invalid_input", "tool input validation failed", map[string]any{"tool": d.Name, "error": err.Error()})
	}
	res, err := h.Func(ctx, args)
	if err != nil {
		return ToolResult{}, err
	}
	if err := validate(d.OutputSchema, res.Output); err != nil {
		return ToolResult{}, errmodel.Validation("invalid_output", "tool output validation failed", map[string]any{"tool": d.Name, "error": err.Error()})
	}
	return res, nil
}
