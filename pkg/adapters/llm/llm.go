// Package llm defines the streaming model client the actor drives, plus a
// provider factory registry. Provider adapters register themselves from
// their init functions.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"sync"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a function call emitted by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Message is one entry of the prompt. Tool messages carry the result of the
// call named by ToolCallID in Text.
type Message struct {
	Role       string
	Text       string
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
}

// ToolDef offers a tool to the model. Parameters is a JSON Schema object.
type ToolDef struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Request is one completion request.
type Request struct {
	Model           string
	System          string
	Messages        []Message
	Tools           []ToolDef
	MaxOutputTokens int
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is the assembled result of a stream.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
	Model     string
}

// Chunk is one element of a completion stream. The last chunk of a
// successful stream has Done set and carries the assembled Response.
type Chunk struct {
	TextDelta string
	Done      bool
	Response  *Response
}

// Client streams completions from one provider.
type Client interface {
	// Name returns the provider name (e.g., "openai").
	Name() string
	StreamCompletion(ctx context.Context, req Request) iter.Seq2[Chunk, error]
}

// Collect drains a stream and returns its final response.
func Collect(seq iter.Seq2[Chunk, error]) (Response, error) {
	var text strings.Builder
	for c, err := range seq {
		if err != nil {
			return Response{}, err
		}
		text.WriteString(c.TextDelta)
		if c.Done && c.Response != nil {
			return *c.Response, nil
		}
	}
	return Response{Text: text.String()}, nil
}

// DecodeArgs parses the JSON argument string of a tool call. An empty string
// is an empty object.
func DecodeArgs(raw string) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("llm: tool arguments are not a JSON object: %w", err)
	}
	return args, nil
}

// Factory constructs a Client from provider-specific config.
type Factory func(ctx context.Context, cfg map[string]any) (Client, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a factory under a provider name.
func Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("llm: empty provider name")
	}
	if f == nil {
		return fmt.Errorf("llm: nil factory for %q", name)
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, exists := factories[name]; exists {
		return fmt.Errorf("llm: provider %q already registered", name)
	}
	factories[name] = f
	return nil
}

// Resolve gets a registered factory by name.
func Resolve(name string) (Factory, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// Range iterates all registered factories.
func Range(fn func(name string, f Factory)) {
	regMu.RLock()
	defer regMu.RUnlock()
	for n, f := range factories {
		fn(n, f)
	}
}
