package slices

import (
	"github.com/wilhg/convo/pkg/agent"
)

const (
	EventUserMessage     = "CONVERSATION:USER_MESSAGE"
	EventLLMResponse     = "CONVERSATION:LLM_RESPONSE"
	EventLLMError        = "CONVERSATION:LLM_ERROR"
	EventPaused          = "CONVERSATION:PAUSED"
	EventResumed         = "CONVERSATION:RESUMED"
	EventSystemPromptSet = "CONVERSATION:SYSTEM_PROMPT_SET"
)

// Message roles of conversation items.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Usage counts model tokens.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// UserMessage is the payload of EventUserMessage.
type UserMessage struct {
	Text   string `json:"text"`
	UserID string `json:"user_id,omitempty"`
}

// LLMResponse is the payload of EventLLMResponse.
type LLMResponse struct {
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
	Model     string     `json:"model,omitempty"`
}

// LLMError is the payload of EventLLMError.
type LLMError struct {
	Message string `json:"message"`
}

// PauseChange is the payload of EventPaused and EventResumed.
type PauseChange struct {
	Reason string `json:"reason,omitempty"`
}

// SystemPrompt is the payload of EventSystemPromptSet.
type SystemPrompt struct {
	Prompt string `json:"prompt"`
}

// Item is one entry of the transcript.
type Item struct {
	EventIndex int64      `json:"event_index"`
	Role       string     `json:"role"`
	Text       string     `json:"text,omitempty"`
	UserID     string     `json:"user_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ConversationState is the conversation fragment.
type ConversationState struct {
	SystemPrompt string `json:"system_prompt,omitempty"`
	Items        []Item `json:"items"`
	Paused       bool   `json:"paused"`
	Usage        Usage  `json:"usage"`
	Steps        int    `json:"steps"`
	LastError    string `json:"last_error,omitempty"`
}

// Conversation reduces the transcript, pause flag and usage counters.
var Conversation = newConversation()

func newConversation() *agent.SliceDef[ConversationState] {
	s := agent.NewSlice("conversation", ConversationState{}).Requires(CapModel)
	agent.Handle(s, EventUserMessage, func(c ConversationState, m UserMessage, ev agent.Event) (ConversationState, error) {
		c.Items = appendItem(c.Items, Item{EventIndex: ev.EventIndex, Role: RoleUser, Text: m.Text, UserID: m.UserID})
		return c, nil
	})
	agent.Handle(s, EventLLMResponse, func(c ConversationState, r LLMResponse, ev agent.Event) (ConversationState, error) {
		c.Items = appendItem(c.Items, Item{EventIndex: ev.EventIndex, Role: RoleAssistant, Text: r.Text, ToolCalls: r.ToolCalls})
		c.Usage.InputTokens += r.Usage.InputTokens
		c.Usage.OutputTokens += r.Usage.OutputTokens
		c.Steps++
		c.LastError = ""
		return c, nil
	})
	agent.Handle(s, EventLLMError, func(c ConversationState, e LLMError, _ agent.Event) (ConversationState, error) {
		c.LastError = e.Message
		return c, nil
	})
	agent.Handle(s, EventPaused, func(c ConversationState, _ PauseChange, _ agent.Event) (ConversationState, error) {
		c.Paused = true
		return c, nil
	})
	agent.Handle(s, EventResumed, func(c ConversationState, _ PauseChange, _ agent.Event) (ConversationState, error) {
		c.Paused = false
		return c, nil
	})
	agent.Handle(s, EventSystemPromptSet, func(c ConversationState, p SystemPrompt, _ agent.Event) (ConversationState, error) {
		c.SystemPrompt = p.Prompt
		return c, nil
	})
	return s
}

func appendItem(items []Item, it Item) []Item {
	out := make([]Item, len(items), len(items)+1)
	copy(out, items)
	return append(out, it)
}
