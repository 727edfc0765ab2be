package agent

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ToolPermission describes a capability a tool handler requires.
// Example: network:outbound, reminders:write
type ToolPermission struct {
	// Name is a stable, lower_snake identifier of the permission.
	Name string `json:"name"`
	// Description explains what the permission allows.
	Description string `json:"description,omitempty"`
}

// ToolDescriptor declares the static interface of a tool handler.
// InputSchema and OutputSchema are JSON Schemas (draft 2020-12) in UTF-8 bytes.
type ToolDescriptor struct {
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	InputSchema  []byte           `json:"input_schema"`
	OutputSchema []byte           `json:"output_schema,omitempty"`
	Permissions  []ToolPermission `json:"permissions,omitempty"`
}

// ToolKind selects how a ToolSpec is bound to behavior.
type ToolKind string

const (
	// ToolKindMethod calls a method registered on the hosting actor.
	ToolKindMethod ToolKind = "method"
	// ToolKindBuiltin calls a built-in capability of the runtime.
	ToolKindBuiltin ToolKind = "builtin"
	// ToolKindRemote calls a tool exposed by a connected integration server.
	ToolKindRemote ToolKind = "remote"
)

// ToolSpec is the serializable description of a tool offered to the model.
// It lives in events and state; resolution turns it into a runtime tool.
type ToolSpec struct {
	Kind ToolKind `json:"kind"`
	// Name is the name the model sees.
	Name string `json:"name"`
	// Target is the method name, builtin capability, or remote tool name.
	Target string `json:"target"`
	// Server is the connection key of a remote tool.
	Server      string         `json:"server,omitempty"`
	Description string         `json:"description,omitempty"`
	FixedArgs   map[string]any `json:"fixed_args,omitempty"`
	// InputSchema overrides the schema of the bound handler. Remote tools carry theirs here.
	InputSchema      json.RawMessage `json:"input_schema,omitempty"`
	RequiresApproval bool            `json:"requires_approval,omitempty"`
	// TriggerNextStep overrides whether results of this tool wake the model. Defaults to true.
	TriggerNextStep *bool `json:"trigger_next_step,omitempty"`
}

// Triggers reports the effective TriggerNextStep flag.
func (s ToolSpec) Triggers() bool {
	return s.TriggerNextStep == nil || *s.TriggerNextStep
}

// Validate checks the spec is well formed.
func (s ToolSpec) Validate() error {
	if s.Name == "" {
		return errors.New("tool spec: empty name")
	}
	switch s.Kind {
	case ToolKindMethod, ToolKindBuiltin:
	case ToolKindRemote:
		if s.Server == "" {
			return fmt.Errorf("tool spec %q: remote tool without server", s.Name)
		}
	default:
		return fmt.Errorf("tool spec %q: unknown kind %q", s.Name, s.Kind)
	}
	if s.Target == "" {
		return fmt.Errorf("tool spec %q: empty target", s.Name)
	}
	return nil
}

// ToolResult is what a handler returns: an output for the model and optional
// supplementary events appended in the same batch as the result event.
type ToolResult struct {
	Output any     `json:"output"`
	Events []Draft `json:"-"`
}
