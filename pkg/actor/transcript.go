package actor

import (
	"encoding/json"
	"fmt"

	"github.com/wilhg/convo/pkg/adapters/llm"
	"github.com/wilhg/convo/pkg/agent"
	"github.com/wilhg/convo/pkg/runtime/assembler"
	convo "github.com/wilhg/convo/pkg/slices"
	"github.com/wilhg/convo/pkg/store"
)

// transcript merges the conversation, tool results, reminder wakes and
// background process endings into model messages positioned by event index.
// Every tool call of an assistant message is answered right after it, with
// a status text while the call has not finished.
func transcript(st agent.State) []assembler.Item {
	conv := convo.Conversation.From(st)
	calls := convo.Tools.From(st).Calls
	var items []assembler.Item
	answered := map[string]bool{}

	for _, it := range conv.Items {
		switch it.Role {
		case convo.RoleUser:
			items = append(items, assembler.Item{EventIndex: it.EventIndex, Message: llm.Message{Role: llm.RoleUser, Text: it.Text}})
		case convo.RoleAssistant:
			msg := llm.Message{Role: llm.RoleAssistant, Text: it.Text}
			for _, tc := range it.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args})
			}
			items = append(items, assembler.Item{EventIndex: it.EventIndex, Message: msg})
			for _, tc := range it.ToolCalls {
				answered[tc.ID] = true
				items = append(items, assembler.Item{EventIndex: it.EventIndex, Message: llm.Message{
					Role: llm.RoleTool, ToolCallID: tc.ID, Name: tc.Name, Text: callText(calls[tc.ID]),
				}})
			}
		}
	}

	for _, id := range convo.Tools.From(st).Order {
		rec := calls[id]
		if answered[id] || !rec.Injected || !rec.Done() {
			continue
		}
		items = append(items, assembler.Item{EventIndex: rec.ResultIndex, Message: llm.Message{
			Role: llm.RoleUser,
			Text: fmt.Sprintf("Tool %s was run outside this conversation and returned: %s", rec.Tool, callText(rec)),
		}})
	}

	for _, in := range convo.Reminders.From(st).Inputs {
		items = append(items, assembler.Item{EventIndex: in.EventIndex, Message: llm.Message{Role: llm.RoleUser, Text: in.Text}})
	}

	for _, p := range convo.Processes.From(st).Processes {
		if p.Status == store.ProcessRunning || p.EndIndex == 0 {
			continue
		}
		text := fmt.Sprintf("Background process %s finished with status %s.", p.Name, p.Status)
		if p.Error != "" {
			text = fmt.Sprintf("Background process %s finished with status %s: %s", p.Name, p.Status, p.Error)
		}
		items = append(items, assembler.Item{EventIndex: p.EndIndex, Message: llm.Message{Role: llm.RoleUser, Text: text}})
	}
	return items
}

func callText(rec convo.CallRecord) string {
	switch rec.Status {
	case convo.CallSucceeded:
		b, err := json.Marshal(rec.Output)
		if err != nil {
			return fmt.Sprint(rec.Output)
		}
		return string(b)
	case convo.CallFailed:
		return `{"error":` + quote(rec.Error) + `}`
	case convo.CallRejected:
		return `{"error":"the call was rejected"}`
	case convo.CallAwaitingApproval:
		return `{"status":"awaiting human approval"}`
	case "":
		return `{"status":"unknown call"}`
	}
	if rec.Background {
		return `{"status":"running in the background; the result will be reported when it arrives"}`
	}
	return `{"status":"running"}`
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
