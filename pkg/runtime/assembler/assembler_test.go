package assembler

import (
	"testing"

	"github.com/wilhg/convo/pkg/adapters/llm"
)

func user(idx int64, text string) Item {
	return Item{EventIndex: idx, Message: llm.Message{Role: llm.RoleUser, Text: text}}
}

func TestAssemble_KeepsNewestUnderBudget(t *testing.T) {
	asm := New(WithMaxTokens(10))
	out, log := asm.Assemble([]Item{
		user(2, "cccc"),
		user(0, "aaaa"),
		user(1, "bbbb"),
		user(1, "bbbb"), // duplicate
	})
	if len(out) != 2 || out[0].Text != "bbbb" || out[1].Text != "cccc" {
		t.Fatalf("got %+v", out)
	}
	if log.IncludedTokens != 8 || log.DroppedCount != 1 {
		t.Fatalf("log mismatch: %+v", log)
	}
}

func TestAssemble_PinnedFirst(t *testing.T) {
	asm := New(WithMaxTokens(10))
	out, _ := asm.Assemble([]Item{user(0, "system-ish"), user(1, "xx"), user(2, "yy")}, 0)
	if len(out) != 1 || out[0].Text != "system-ish" {
		t.Fatalf("got %+v", out)
	}
	out, _ = New(WithMaxTokens(12)).Assemble([]Item{user(0, "system-ish"), user(1, "xx"), user(2, "yy")}, 0)
	if len(out) != 2 || out[1].Text != "yy" {
		t.Fatalf("got %+v", out)
	}
}

// A tool result never survives without the assistant message that asked for it.
func TestAssemble_ToolUnitsStayTogether(t *testing.T) {
	est := func(text string) int { return len(text) }
	items := []Item{
		user(0, "q"),
		{EventIndex: 1, Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "t"}}}},
		{EventIndex: 1, Message: llm.Message{Role: llm.RoleTool, ToolCallID: "c1", Text: "0123456789"}},
		user(3, "next"),
	}
	out, _ := New(WithTokenEstimator(est), WithMaxTokens(8)).Assemble(items)
	if len(out) != 1 || out[0].Text != "next" {
		t.Fatalf("got %+v", out)
	}
	out, _ = New(WithTokenEstimator(est), WithMaxTokens(20)).Assemble(items)
	if len(out) != 4 || out[1].Role != llm.RoleAssistant || out[2].Role != llm.RoleTool {
		t.Fatalf("got %+v", out)
	}
}
