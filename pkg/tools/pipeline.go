package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wilhg/convo/pkg/agent"
	"github.com/wilhg/convo/pkg/errmodel"
	convo "github.com/wilhg/convo/pkg/slices"
)

// Call is a request to run one tool.
type Call struct {
	ID                string
	Tool              string
	Args              map[string]any
	ImpersonateUserID string
	// TriggerNextStep overrides the spec's flag for this call's result.
	TriggerNextStep *bool
	// Background calls run detached from the caller and are not cancelled
	// when the caller's context ends.
	Background bool
	Injected   bool

	approved bool
}

// Outcome reports what happened to a call.
type Outcome struct {
	CallID     string
	Tool       string
	Output     any
	Err        error
	PendingKey string
	Background bool
	// Duplicate is set when a call with the same id was already requested.
	// The tool did not run again; Output and Err reflect the first run so far.
	Duplicate bool
}

// Core is the part of the agent core the pipeline appends to.
type Core interface {
	AddEvents(ctx context.Context, drafts []agent.Draft) ([]agent.EventRef, error)
	State() agent.State
}

// SpecSource lists the tool specs callable in a state.
type SpecSource func(agent.State) []agent.ToolSpec

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithResolveOptions passes options, typically middleware, to every resolution.
func WithResolveOptions(opts ...ResolveOption) Option {
	return func(p *Pipeline) { p.resolveOpts = append(p.resolveOpts, opts...) }
}

// WithPolicy sets the approval policy.
func WithPolicy(pol ApprovalPolicy) Option { return func(p *Pipeline) { p.policy = pol } }

// WithSpecSource replaces CallableSpecs.
func WithSpecSource(s SpecSource) Option { return func(p *Pipeline) { p.specs = s } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// WithIDs sets the call id generator.
func WithIDs(gen func() string) Option { return func(p *Pipeline) { p.newID = gen } }

// Launcher starts fn as a tracked background process and returns its id.
// heartbeat.Monitor.Go is one.
type Launcher func(ctx context.Context, name string, fn func(ctx context.Context, beat func() error) error) (string, error)

// WithLauncher tracks background calls as processes. A tracked call is
// cancelled when its process times out.
func WithLauncher(l Launcher) Option { return func(p *Pipeline) { p.launch = l } }

type beatKey struct{}

// Beat reports that the background call running under ctx is alive. It is a
// no-op outside a tracked background call.
func Beat(ctx context.Context) error {
	if beat, ok := ctx.Value(beatKey{}).(func() error); ok {
		return beat()
	}
	return nil
}

// Pipeline executes tool calls for one actor and records them as events.
type Pipeline struct {
	core        Core
	bindings    Bindings
	resolveOpts []ResolveOption
	specs       SpecSource
	policy      ApprovalPolicy
	logger      *zap.Logger
	newID       func() string
	launch      Launcher

	approveMu sync.Mutex
	bg        sync.WaitGroup
}

// New builds a pipeline over core.
func New(core Core, b Bindings, opts ...Option) *Pipeline {
	p := &Pipeline{core: core, bindings: b, specs: CallableSpecs, logger: zap.NewNop(), newID: uuid.NewString}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Tools resolves the tools callable in the current state.
func (p *Pipeline) Tools() ([]*RuntimeTool, error) {
	return Resolve(p.specs(p.core.State()), p.bindings, p.resolveOpts...)
}

// Execute records the calls, then runs them concurrently. Foreground calls
// complete before Execute returns; background calls keep running and append
// their result whenever it arrives.
func (p *Pipeline) Execute(ctx context.Context, calls []Call) ([]Outcome, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	resolved, err := p.Tools()
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*RuntimeTool, len(resolved))
	for _, t := range resolved {
		byName[t.Name()] = t
	}
	calls = slices.Clone(calls)
	drafts := make([]agent.Draft, 0, len(calls))
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = p.newID()
		}
		c := calls[i]
		drafts = append(drafts, agent.Draft{
			Type: convo.EventToolCallRequested,
			Data: convo.ToolCallRequested{
				CallID: c.ID, Tool: c.Tool, Args: c.Args, Injected: c.Injected,
				Background: c.Background, ImpersonateUserID: c.ImpersonateUserID,
			},
			IdempotencyKey: "tool-call:" + c.ID,
		})
	}
	refs, err := p.core.AddEvents(ctx, drafts)
	if err != nil {
		return nil, err
	}

	out := make([]Outcome, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range calls {
		// the request event is the claim on the call id; only its appender runs it
		if refs[i].Existing {
			out[i] = p.recorded(c)
			continue
		}
		tool := byName[c.Tool]
		if c.Background {
			out[i] = Outcome{CallID: c.ID, Tool: c.Tool, Background: true}
			p.background(ctx, tool, c)
			continue
		}
		g.Go(func() error {
			o, err := p.run(gctx, tool, c)
			out[i] = o
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// background runs c detached from ctx's cancellation, as a tracked process
// when a launcher is set.
func (p *Pipeline) background(ctx context.Context, tool *RuntimeTool, c Call) {
	bgctx := context.WithoutCancel(ctx)
	if p.launch != nil {
		_, err := p.launch(bgctx, "tool:"+c.Tool, func(pctx context.Context, beat func() error) error {
			_, err := p.run(context.WithValue(pctx, beatKey{}, beat), tool, c)
			return err
		})
		if err == nil {
			return
		}
		p.logger.Warn("background call runs untracked", zap.String("call_id", c.ID), zap.Error(err))
	}
	p.bg.Go(func() {
		if _, err := p.run(bgctx, tool, c); err != nil {
			p.logger.Error("background tool result not recorded", zap.String("call_id", c.ID), zap.Error(err))
		}
	})
}

// recorded reports a call already in the log without running it.
func (p *Pipeline) recorded(c Call) Outcome {
	o := Outcome{CallID: c.ID, Tool: c.Tool, Background: c.Background, Duplicate: true}
	rec, ok := convo.Tools.From(p.core.State()).Calls[c.ID]
	if !ok {
		return o
	}
	o.Tool, o.Output, o.Background = rec.Tool, rec.Output, rec.Background
	if rec.Status == convo.CallFailed {
		o.Err = errmodel.Tool("call_failed", rec.Error, map[string]any{"call_id": c.ID}, nil)
	}
	return o
}

// Inject executes a call that did not come from the model. Injecting a call
// id that is already logged returns the recorded outcome.
func (p *Pipeline) Inject(ctx context.Context, call Call) (Outcome, error) {
	call.Injected = true
	out, err := p.Execute(ctx, []Call{call})
	if len(out) == 0 {
		return Outcome{}, err
	}
	return out[0], err
}

// run invokes one call and appends its outcome. The returned error is only
// set when the outcome could not be recorded. A cancelled call still records
// its error.
func (p *Pipeline) run(ctx context.Context, tool *RuntimeTool, c Call) (Outcome, error) {
	o := Outcome{CallID: c.ID, Tool: c.Tool, Background: c.Background}
	if tool == nil {
		o.Err = errmodel.Validation("unknown_tool", fmt.Sprintf("no callable tool named %q", c.Tool), map[string]any{"tool": c.Tool})
		_, err := p.core.AddEvents(ctx, []agent.Draft{p.errorDraft(c, true, o.Err)})
		return o, err
	}
	res, err := tool.Invoke(ctx, c)
	ctx = context.WithoutCancel(ctx)
	var pending *PendingApproval
	switch {
	case errors.As(err, &pending):
		o.PendingKey = pending.Key
		_, aerr := p.core.AddEvents(ctx, []agent.Draft{{
			Type: convo.EventApprovalRequested,
			Data: convo.ApprovalRequested{
				Key: pending.Key, CallID: c.ID, Tool: c.Tool,
				Args: c.Args, ImpersonateUserID: c.ImpersonateUserID,
			},
			IdempotencyKey: "approval:" + c.ID,
		}})
		return o, aerr
	case err != nil:
		if errmodel.IsFatal(err) {
			p.logger.Error("tool failed with an internal error", zap.String("tool", c.Tool), zap.Error(err))
		}
		o.Err = err
		_, aerr := p.core.AddEvents(ctx, []agent.Draft{p.errorDraft(c, triggers(c, tool.Spec()), err)})
		return o, aerr
	}
	o.Output = res.Output
	drafts := append([]agent.Draft{{
		Type:            convo.EventToolCallResult,
		Data:            convo.ToolCallResult{CallID: c.ID, Tool: c.Tool, Output: res.Output},
		IdempotencyKey:  "tool-result:" + c.ID,
		TriggerNextStep: triggers(c, tool.Spec()),
	}}, res.Events...)
	_, aerr := p.core.AddEvents(ctx, drafts)
	return o, aerr
}

func (p *Pipeline) errorDraft(c Call, trigger bool, err error) agent.Draft {
	ce := errmodel.From(err)
	return agent.Draft{
		Type: convo.EventToolCallError,
		Data: convo.ToolCallError{
			CallID: c.ID, Tool: c.Tool, Category: ce.Category, Code: ce.Code, Message: ce.Message,
		},
		IdempotencyKey:  "tool-result:" + c.ID,
		TriggerNextStep: trigger,
	}
}

func triggers(c Call, spec agent.ToolSpec) bool {
	if c.TriggerNextStep != nil {
		return *c.TriggerNextStep
	}
	return spec.Triggers()
}

// ApprovalOutcome reports the result of an approval attempt.
type ApprovalOutcome struct {
	Rejected bool
	Reason   string
	Outcome  Outcome
}

// Approve grants the pending approval key on behalf of approver. An
// unauthorized approver is not an error: a rejection notice is appended and
// the request stays pending. On success the stored call is replayed with
// exactly the arguments that were approved.
func (p *Pipeline) Approve(ctx context.Context, key string, approver Approver) (ApprovalOutcome, error) {
	p.approveMu.Lock()
	req, ok := convo.Tools.From(p.core.State()).PendingFor(key)
	if !ok {
		p.approveMu.Unlock()
		return ApprovalOutcome{}, errmodel.NotFound("no pending approval with this key", map[string]any{"key": key})
	}
	if allowed, reason := p.policy.Authorize(approver, req.ImpersonateUserID); !allowed {
		_, err := p.core.AddEvents(ctx, []agent.Draft{{
			Type: convo.EventApprovalRejected,
			Data: convo.ApprovalDecision{Key: key, ApproverID: approver.ID, Reason: reason},
		}})
		p.approveMu.Unlock()
		p.logger.Warn("approval rejected", zap.String("key", key), zap.String("approver", approver.ID), zap.String("reason", reason))
		return ApprovalOutcome{Rejected: true, Reason: reason}, err
	}
	_, err := p.core.AddEvents(ctx, []agent.Draft{{
		Type: convo.EventApprovalGranted,
		Data: convo.ApprovalDecision{Key: key, ApproverID: approver.ID},
	}})
	p.approveMu.Unlock()
	if err != nil {
		return ApprovalOutcome{}, err
	}

	resolved, err := p.Tools()
	if err != nil {
		return ApprovalOutcome{}, err
	}
	var tool *RuntimeTool
	for _, t := range resolved {
		if t.Name() == req.Tool {
			tool = t
		}
	}
	call := Call{ID: req.CallID, Tool: req.Tool, Args: req.Args, ImpersonateUserID: req.ImpersonateUserID, approved: true}
	o, err := p.run(ctx, tool, call)
	return ApprovalOutcome{Outcome: o}, err
}

// Close waits for untracked background calls. Tracked calls belong to the
// launcher.
func (p *Pipeline) Close() { p.bg.Wait() }

// CallableSpecs lists the tool specs of a state: those added with
// TOOLS:SPECS_ADDED followed by the tools of established connections.
func CallableSpecs(st agent.State) []agent.ToolSpec {
	ts := convo.Tools.From(st)
	out := make([]agent.ToolSpec, 0, len(ts.Specs))
	for _, name := range slices.Sorted(maps.Keys(ts.Specs)) {
		out = append(out, ts.Specs[name])
	}
	for _, sp := range RemoteSpecs(convo.Connections.From(st)) {
		if _, shadowed := ts.Specs[sp.Name]; !shadowed {
			out = append(out, sp)
		}
	}
	return out
}

// RemoteSpecs derives specs for the tools of established connections. Tool
// names are prefixed with the server id when one is known.
func RemoteSpecs(c convo.ConnectionsState) []agent.ToolSpec {
	var out []agent.ToolSpec
	seen := map[string]bool{}
	for _, rec := range c.Established() {
		for _, rt := range rec.Tools {
			name := rt.Name
			if rec.ServerID != "" {
				name = sanitize(rec.ServerID) + "__" + rt.Name
			}
			if seen[name] {
				continue
			}
			seen[name] = true
			spec := agent.ToolSpec{
				Kind:        agent.ToolKindRemote,
				Name:        name,
				Target:      rt.Name,
				Server:      rec.Key.String(),
				Description: rt.Description,
			}
			if rt.InputSchema != nil {
				if raw, err := json.Marshal(rt.InputSchema); err == nil {
					spec.InputSchema = raw
				}
			}
			out = append(out, spec)
		}
	}
	return out
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}
