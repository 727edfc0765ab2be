package slices

import (
	"maps"

	"github.com/wilhg/convo/pkg/agent"
)

const (
	EventToolSpecsAdded     = "TOOLS:SPECS_ADDED"
	EventToolSpecsRemoved   = "TOOLS:SPECS_REMOVED"
	EventToolCallRequested  = "TOOLS:CALL_REQUESTED"
	EventToolCallResult     = "TOOLS:CALL_RESULT"
	EventToolCallError      = "TOOLS:CALL_ERROR"
	EventApprovalRequested  = "TOOLS:APPROVAL_REQUESTED"
	EventApprovalGranted    = "TOOLS:APPROVAL_GRANTED"
	EventApprovalRejected   = "TOOLS:APPROVAL_REJECTED"
	EventBackgroundDetached = "TOOLS:BACKGROUND_DETACHED"
)

// Call statuses.
const (
	CallRequested        = "requested"
	CallAwaitingApproval = "awaiting_approval"
	CallRunning          = "running"
	CallSucceeded        = "succeeded"
	CallFailed           = "failed"
	CallRejected         = "rejected"
)

// ToolSpecsAdded is the payload of EventToolSpecsAdded.
type ToolSpecsAdded struct {
	Specs []agent.ToolSpec `json:"specs"`
}

// ToolSpecsRemoved is the payload of EventToolSpecsRemoved.
type ToolSpecsRemoved struct {
	Names []string `json:"names"`
}

// ToolCallRequested is the payload of EventToolCallRequested. Injected calls
// that did not come from a model response set Injected.
type ToolCallRequested struct {
	CallID            string         `json:"call_id"`
	Tool              string         `json:"tool"`
	Args              map[string]any `json:"args"`
	Injected          bool           `json:"injected,omitempty"`
	Background        bool           `json:"background,omitempty"`
	ImpersonateUserID string         `json:"impersonate_user_id,omitempty"`
}

// ToolCallResult is the payload of EventToolCallResult.
type ToolCallResult struct {
	CallID string `json:"call_id"`
	Tool   string `json:"tool"`
	Output any    `json:"output"`
}

// ToolCallError is the payload of EventToolCallError.
type ToolCallError struct {
	CallID   string `json:"call_id"`
	Tool     string `json:"tool"`
	Category string `json:"category"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message"`
}

// ApprovalRequested is the payload of EventApprovalRequested. Args are the
// exact arguments that will be replayed once approved.
type ApprovalRequested struct {
	Key               string         `json:"key"`
	CallID            string         `json:"call_id"`
	Tool              string         `json:"tool"`
	Args              map[string]any `json:"args"`
	ImpersonateUserID string         `json:"impersonate_user_id,omitempty"`
}

// ApprovalDecision is the payload of EventApprovalGranted and EventApprovalRejected.
type ApprovalDecision struct {
	Key        string `json:"key"`
	ApproverID string `json:"approver_id"`
	Reason     string `json:"reason,omitempty"`
}

// CallRecord tracks one tool call.
type CallRecord struct {
	CallID       string         `json:"call_id"`
	Tool         string         `json:"tool"`
	Args         map[string]any `json:"args"`
	Injected     bool           `json:"injected,omitempty"`
	Background   bool           `json:"background,omitempty"`
	Status       string         `json:"status"`
	Output       any            `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
	RequestIndex int64          `json:"request_index"`
	ResultIndex  int64          `json:"result_index,omitempty"`
}

// Done reports whether the call reached a terminal status.
func (c CallRecord) Done() bool {
	return c.Status == CallSucceeded || c.Status == CallFailed || c.Status == CallRejected
}

// ToolsState is the tools fragment.
type ToolsState struct {
	Specs   map[string]agent.ToolSpec    `json:"specs"`
	Calls   map[string]CallRecord        `json:"calls"`
	Order   []string                     `json:"order"`
	Pending map[string]ApprovalRequested `json:"pending"`
}

// Tools reduces tool specs, the call log and pending approvals.
var Tools = newTools()

func newTools() *agent.SliceDef[ToolsState] {
	s := agent.NewSlice("tools", ToolsState{}).Requires(CapTools)
	agent.Handle(s, EventToolSpecsAdded, func(t ToolsState, p ToolSpecsAdded, _ agent.Event) (ToolsState, error) {
		specs := maps.Clone(t.Specs)
		if specs == nil {
			specs = map[string]agent.ToolSpec{}
		}
		for _, sp := range p.Specs {
			if err := sp.Validate(); err != nil {
				return t, err
			}
			specs[sp.Name] = sp
		}
		t.Specs = specs
		return t, nil
	})
	agent.Handle(s, EventToolSpecsRemoved, func(t ToolsState, p ToolSpecsRemoved, _ agent.Event) (ToolsState, error) {
		specs := maps.Clone(t.Specs)
		for _, n := range p.Names {
			delete(specs, n)
		}
		t.Specs = specs
		return t, nil
	})
	agent.Handle(s, EventToolCallRequested, func(t ToolsState, p ToolCallRequested, ev agent.Event) (ToolsState, error) {
		if _, dup := t.Calls[p.CallID]; dup {
			return t, nil
		}
		status := CallRequested
		if p.Background {
			status = CallRunning
		}
		t = t.withCall(CallRecord{CallID: p.CallID, Tool: p.Tool, Args: p.Args, Injected: p.Injected, Background: p.Background, Status: status, RequestIndex: ev.EventIndex})
		t.Order = append(append([]string(nil), t.Order...), p.CallID)
		return t, nil
	})
	agent.Handle(s, EventToolCallResult, func(t ToolsState, p ToolCallResult, ev agent.Event) (ToolsState, error) {
		rec := t.callOrNew(p.CallID, p.Tool, ev.EventIndex)
		rec.Status, rec.Output, rec.ResultIndex = CallSucceeded, p.Output, ev.EventIndex
		return t.withOrderedCall(rec), nil
	})
	agent.Handle(s, EventToolCallError, func(t ToolsState, p ToolCallError, ev agent.Event) (ToolsState, error) {
		rec := t.callOrNew(p.CallID, p.Tool, ev.EventIndex)
		rec.Status, rec.Error, rec.ResultIndex = CallFailed, p.Message, ev.EventIndex
		return t.withOrderedCall(rec), nil
	})
	agent.Handle(s, EventApprovalRequested, func(t ToolsState, p ApprovalRequested, ev agent.Event) (ToolsState, error) {
		pending := maps.Clone(t.Pending)
		if pending == nil {
			pending = map[string]ApprovalRequested{}
		}
		pending[p.Key] = p
		t.Pending = pending
		rec := t.callOrNew(p.CallID, p.Tool, ev.EventIndex)
		rec.Args = p.Args
		rec.Status = CallAwaitingApproval
		return t.withOrderedCall(rec), nil
	})
	agent.Handle(s, EventApprovalGranted, func(t ToolsState, p ApprovalDecision, _ agent.Event) (ToolsState, error) {
		req, ok := t.Pending[p.Key]
		if !ok {
			return t, nil
		}
		t.Pending = maps.Clone(t.Pending)
		delete(t.Pending, p.Key)
		if rec, ok := t.Calls[req.CallID]; ok {
			rec.Status = CallRunning
			t = t.withCall(rec)
		}
		return t, nil
	})
	// a rejection is a notice only: the request stays pending for an authorized approver
	agent.Handle(s, EventApprovalRejected, func(t ToolsState, _ ApprovalDecision, _ agent.Event) (ToolsState, error) {
		return t, nil
	})
	agent.Handle(s, EventBackgroundDetached, func(t ToolsState, p ToolCallRequested, _ agent.Event) (ToolsState, error) {
		if rec, ok := t.Calls[p.CallID]; ok && !rec.Done() {
			rec.Background = true
			rec.Status = CallRunning
			t = t.withCall(rec)
		}
		return t, nil
	})
	return s
}

func (t ToolsState) callOrNew(id, tool string, index int64) CallRecord {
	if rec, ok := t.Calls[id]; ok {
		return rec
	}
	return CallRecord{CallID: id, Tool: tool, RequestIndex: index}
}

func (t ToolsState) withCall(rec CallRecord) ToolsState {
	calls := maps.Clone(t.Calls)
	if calls == nil {
		calls = map[string]CallRecord{}
	}
	calls[rec.CallID] = rec
	t.Calls = calls
	return t
}

func (t ToolsState) withOrderedCall(rec CallRecord) ToolsState {
	_, known := t.Calls[rec.CallID]
	t = t.withCall(rec)
	if !known {
		t.Order = append(append([]string(nil), t.Order...), rec.CallID)
	}
	return t
}

// PendingFor returns the pending approval with the given key.
func (t ToolsState) PendingFor(key string) (ApprovalRequested, bool) {
	p, ok := t.Pending[key]
	return p, ok
}
