// Package prompt lints system prompts and reads their history from an
// actor log.
package prompt

import (
	"strings"

	"github.com/wilhg/convo/pkg/agent"
	convo "github.com/wilhg/convo/pkg/slices"
)

// Issue describes a lint finding.
type Issue struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
	Offset  int    `json:"offset"`
}

var secretMarkers = []string{"aws_secret_access_key", "begin private key", "sk-"}

// Lint checks a system prompt before it is recorded.
func Lint(body string) []Issue {
	var issues []Issue
	if strings.TrimSpace(body) == "" {
		issues = append(issues, Issue{Rule: "body.required", Message: "prompt is empty"})
	}
	lower := strings.ToLower(body)
	for _, m := range secretMarkers {
		if i := strings.Index(lower, m); i >= 0 {
			issues = append(issues, Issue{Rule: "security.secrets", Message: "prompt appears to contain a credential", Offset: i})
			break
		}
	}
	if n := strings.Count(body, "{{"); n != strings.Count(body, "}}") {
		issues = append(issues, Issue{Rule: "template.unbalanced", Message: "unbalanced template braces"})
	}
	return issues
}

// Version is one system prompt as recorded in the log.
type Version struct {
	Number     int    `json:"version"`
	EventIndex int64  `json:"event_index"`
	Body       string `json:"body"`
}

// History returns the system prompt versions recorded in events, oldest
// first. Setting the same prompt twice in a row is not a new version.
func History(events []agent.Event) ([]Version, error) {
	var out []Version
	for _, ev := range events {
		if ev.Type != convo.EventSystemPromptSet {
			continue
		}
		var p convo.SystemPrompt
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		if len(out) > 0 && out[len(out)-1].Body == p.Prompt {
			continue
		}
		out = append(out, Version{Number: len(out) + 1, EventIndex: ev.EventIndex, Body: p.Prompt})
	}
	return out, nil
}

// Diff returns the diff between two versions of a history, or "" when either
// does not exist.
func Diff(h []Version, v1, v2 int) string {
	if v1 < 1 || v2 < 1 || v1 > len(h) || v2 > len(h) {
		return ""
	}
	return UnifiedDiff(h[v1-1].Body, h[v2-1].Body)
}
