package actor

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wilhg/convo/pkg/adapters/llm"
	"github.com/wilhg/convo/pkg/agent"
	"github.com/wilhg/convo/pkg/connect"
	"github.com/wilhg/convo/pkg/errmodel"
	convo "github.com/wilhg/convo/pkg/slices"
	"github.com/wilhg/convo/pkg/tools"
)

// hook reacts to applied events. It runs once per event in log order and
// never during replay, so everything it starts is either idempotent or
// asynchronous.
func (a *Actor) hook(ctx context.Context, ev agent.Event, st agent.State) {
	switch ev.Type {
	case convo.EventConnectionOAuthCallback:
		var ce convo.ConnectionEvent
		if err := ev.Decode(&ce); err != nil {
			a.logger.Error("undecodable oauth callback", zap.Int64("event.index", ev.EventIndex), zap.Error(err))
			return
		}
		serverID := convo.Connections.From(st).Records[ce.Key.String()].ServerID
		a.async(func(ctx context.Context) {
			_, err := a.conns.CompleteOAuth(ctx, connect.Request{Key: ce.Key, ServerID: serverID, Code: ce.Code, State: ce.State})
			if err != nil {
				a.logger.Warn("oauth completion failed", zap.String("key", ce.Key.String()), errmodel.Field(err))
			}
		})
	case convo.EventConnectionEstablished:
		rec := convo.Connections.From(st).Records
		var ce convo.ConnectionEvent
		if ev.Decode(&ce) == nil {
			a.logger.Info("integration tools available", zap.String("key", ce.Key.String()), zap.Int("tools", len(rec[ce.Key.String()].Tools)))
		}
	}
	if ev.TriggerNextStep {
		a.scheduleStep()
	}
}

// async runs fn on the actor's lifetime context.
func (a *Actor) async(fn func(ctx context.Context)) {
	a.stepMu.Lock()
	defer a.stepMu.Unlock()
	if a.closed {
		return
	}
	a.wg.Go(func() { fn(a.ctx) })
}

// scheduleStep coalesces step requests: at most one step runs at a time, and
// requests arriving while it runs collapse into one follow-up step.
func (a *Actor) scheduleStep() {
	a.stepMu.Lock()
	defer a.stepMu.Unlock()
	if a.closed || a.opts.Model == nil {
		return
	}
	if a.stepRunning {
		a.stepPending = true
		return
	}
	a.stepRunning = true
	a.wg.Go(a.runSteps)
}

// runSteps runs coalesced steps. n counts steps since the model last yielded.
func (a *Actor) runSteps() {
	n := 0
	for {
		a.stepMu.Lock()
		a.stepPending = false
		a.stepMu.Unlock()

		n++
		if n > a.opts.MaxSteps {
			a.recordStepError(a.ctx, fmt.Sprintf("stopped after %d consecutive model steps", a.opts.MaxSteps))
		} else {
			yielded, err := a.step(a.ctx)
			if err != nil && a.ctx.Err() == nil {
				a.logger.Error("model step failed", errmodel.Field(err))
			}
			if yielded {
				n = 0
			}
		}

		a.stepMu.Lock()
		if !a.stepPending || a.closed || n > a.opts.MaxSteps {
			a.stepRunning = false
			a.stepMu.Unlock()
			return
		}
		a.stepMu.Unlock()
	}
}

// step runs one model turn: assemble the transcript, stream the completion,
// record the response and execute the tool calls it asks for. Tool results
// that trigger schedule the next step; a response without tool calls yields.
func (a *Actor) step(ctx context.Context) (yielded bool, err error) {
	st := a.core.State()
	conv := convo.Conversation.From(st)
	if conv.Paused {
		return true, nil
	}
	rts, err := a.pipeline.Tools()
	if err != nil {
		a.recordStepError(ctx, err.Error())
		return false, err
	}
	msgs, alog := a.asm.Assemble(transcript(st))
	req := llm.Request{
		Model:           a.opts.ModelName,
		System:          conv.SystemPrompt,
		Messages:        msgs,
		Tools:           a.toolDefs(rts),
		MaxOutputTokens: a.opts.MaxOutputTokens,
	}
	a.logger.Debug("model step", zap.Int("messages", len(msgs)), zap.Int("context.tokens", alog.IncludedTokens), zap.Int("context.dropped", alog.DroppedCount))

	var resp *llm.Response
	for chunk, err := range a.opts.Model.StreamCompletion(ctx, req) {
		if err != nil {
			a.observeStep(err)
			if ctx.Err() == nil {
				a.recordStepError(ctx, errmodel.Text(err))
			}
			return false, err
		}
		if chunk.TextDelta != "" {
			a.binding.Broadcast(ctx, Update{ActorID: a.id, Delta: chunk.TextDelta})
		}
		if chunk.Done {
			resp = chunk.Response
		}
	}
	if resp == nil {
		err := errmodel.Model("incomplete_stream", "model stream ended without a final response", nil, nil)
		a.observeStep(err)
		a.recordStepError(ctx, err.Message)
		return false, err
	}
	a.observeStep(nil)

	out := convo.LLMResponse{
		Text:  resp.Text,
		Usage: convo.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
		Model: resp.Model,
	}
	calls := make([]tools.Call, 0, len(resp.ToolCalls))
	for _, tc := range resp.ToolCalls {
		id := tc.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		out.ToolCalls = append(out.ToolCalls, convo.ToolCall{ID: id, Name: tc.Name, Args: tc.Args})
		calls = append(calls, tools.Call{ID: id, Tool: tc.Name, Args: tc.Args})
	}
	if _, err := a.core.AddEvent(ctx, agent.NewDraft(convo.EventLLMResponse, out)); err != nil {
		return false, err
	}
	if len(calls) == 0 {
		return true, nil
	}
	_, err = a.pipeline.Execute(ctx, calls)
	return false, err
}

func (a *Actor) observeStep(err error) {
	if a.opts.Recorder != nil {
		a.opts.Recorder.ObserveStep(a.opts.Model.Name(), err)
	}
}

func (a *Actor) recordStepError(ctx context.Context, msg string) {
	if _, err := a.core.AddEvent(context.WithoutCancel(ctx), agent.NewDraft(convo.EventLLMError, convo.LLMError{Message: msg})); err != nil {
		a.logger.Error("recording model error failed", zap.Error(err))
	}
}

func (a *Actor) toolDefs(rts []*tools.RuntimeTool) []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(rts))
	for _, t := range rts {
		sp := t.Spec()
		desc := sp.Description
		if desc == "" {
			desc = a.describe(sp)
		}
		defs = append(defs, llm.ToolDef{Name: t.Name(), Description: desc, Parameters: t.InputSchema()})
	}
	return defs
}

func (a *Actor) describe(sp agent.ToolSpec) string {
	var reg *agent.Registry
	switch sp.Kind {
	case agent.ToolKindMethod:
		reg = a.methods
	case agent.ToolKindBuiltin:
		reg = a.builtins
	default:
		return ""
	}
	if h, ok := reg.Lookup(sp.Target); ok {
		return h.Descriptor.Description
	}
	return ""
}
