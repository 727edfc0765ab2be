package tools

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/wilhg/convo/pkg/agent"
	"github.com/wilhg/convo/pkg/errmodel"
	"github.com/wilhg/convo/pkg/eventlog"
	"github.com/wilhg/convo/pkg/runtime"
	convo "github.com/wilhg/convo/pkg/slices"
	"github.com/wilhg/convo/pkg/store/memstore"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

type echoIn struct {
	Text  string  `json:"text"`
	Scale float64 `json:"scale,omitempty"`
}

type echoOut struct {
	Text  string  `json:"text"`
	Scale float64 `json:"scale"`
}

func newCore(t *testing.T) *runtime.Core {
	t.Helper()
	r, err := agent.Compose(convo.All()...)
	if err != nil {
		t.Fatal(err)
	}
	c := runtime.NewCore(eventlog.New(memstore.New(), "actor-1"), r)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	return c
}

func addSpecs(t *testing.T, c *runtime.Core, specs ...agent.ToolSpec) {
	t.Helper()
	if _, err := c.AddEvent(context.Background(), agent.NewDraft(convo.EventToolSpecsAdded, convo.ToolSpecsAdded{Specs: specs})); err != nil {
		t.Fatal(err)
	}
}

func types(c *runtime.Core) []string {
	var out []string
	for _, ev := range c.Events() {
		out = append(out, ev.Type)
	}
	return out
}

func echoMethods(t *testing.T, calls *atomic.Int32) *agent.Registry {
	t.Helper()
	reg := agent.NewRegistry()
	err := agent.Register(reg, "echo", "echoes", func(_ context.Context, in echoIn) (echoOut, error) {
		if calls != nil {
			calls.Add(1)
		}
		return echoOut(in), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestResolveUnknownMethodIsConfigError(t *testing.T) {
	_, err := Resolve([]agent.ToolSpec{{Kind: agent.ToolKindMethod, Name: "x", Target: "missing"}}, Bindings{Methods: agent.NewRegistry()})
	if !errmodel.IsCategory(err, errmodel.CategoryValidation) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	_, err = Resolve([]agent.ToolSpec{{Kind: agent.ToolKindRemote, Name: "r", Target: "t", Server: "s"}}, Bindings{})
	if err == nil {
		t.Fatal("expected error for remote tool without client")
	}
}

func TestMiddlewareOrderAndFixedArgs(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next ExecFunc) ExecFunc {
			return func(ctx context.Context, inv Invocation) (agent.ToolResult, error) {
				order = append(order, name)
				return next(ctx, inv)
			}
		}
	}
	spec := agent.ToolSpec{Kind: agent.ToolKindMethod, Name: "echo", Target: "echo", FixedArgs: map[string]any{"scale": 2.0}}
	rt, err := Resolve([]agent.ToolSpec{spec}, Bindings{Methods: echoMethods(t, nil)},
		WithMiddleware(mark("outer"), mark("middle")), WithToolMiddleware("echo", mark("inner")))
	if err != nil {
		t.Fatal(err)
	}
	res, err := rt[0].Invoke(context.Background(), Call{Args: map[string]any{"text": "hi", "scale": 9.0}})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(order, []string{"outer", "middle", "inner"}) {
		t.Fatalf("order %v", order)
	}
	if out := res.Output.(echoOut); out.Scale != 2 || out.Text != "hi" {
		t.Fatalf("fixed args must win: %+v", out)
	}
}

func TestShortCircuitSkipsCore(t *testing.T) {
	var calls atomic.Int32
	block := func(ExecFunc) ExecFunc {
		return func(context.Context, Invocation) (agent.ToolResult, error) {
			return agent.ToolResult{Output: "blocked"}, nil
		}
	}
	rt, err := Resolve([]agent.ToolSpec{{Kind: agent.ToolKindMethod, Name: "echo", Target: "echo"}}, Bindings{Methods: echoMethods(t, &calls)}, WithMiddleware(block))
	if err != nil {
		t.Fatal(err)
	}
	if res, _ := rt[0].Invoke(context.Background(), Call{}); res.Output != "blocked" || calls.Load() != 0 {
		t.Fatalf("core ran: %v %d", res.Output, calls.Load())
	}
}

func TestExecuteRecordsResultWithSupplementaryEvents(t *testing.T) {
	c := newCore(t)
	reg := agent.NewRegistry()
	err := agent.RegisterResult(reg, "pause", "", func(_ context.Context, _ struct{}) (agent.ToolResult, error) {
		return agent.ToolResult{Output: "ok", Events: []agent.Draft{agent.NewDraft(convo.EventPaused, convo.PauseChange{Reason: "tool"})}}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	off := false
	addSpecs(t, c, agent.ToolSpec{Kind: agent.ToolKindMethod, Name: "pause", Target: "pause", TriggerNextStep: &off})
	p := New(c, Bindings{Methods: reg}, WithIDs(func() string { return "c1" }))
	out, err := p.Execute(context.Background(), []Call{{Tool: "pause"}})
	if err != nil || out[0].Err != nil {
		t.Fatal(err, out)
	}
	want := []string{convo.EventToolSpecsAdded, convo.EventToolCallRequested, convo.EventToolCallResult, convo.EventPaused}
	if got := types(c); !slices.Equal(got, want) {
		t.Fatalf("events %v", got)
	}
	if c.Events()[2].TriggerNextStep {
		t.Fatal("spec disabled trigger")
	}
	if !convo.Conversation.From(c.State()).Paused || convo.Tools.From(c.State()).Calls["c1"].Status != convo.CallSucceeded {
		t.Fatal("state not updated")
	}
}

func TestUnknownToolAndFailuresBecomeErrorEvents(t *testing.T) {
	c := newCore(t)
	reg := agent.NewRegistry()
	_ = agent.Register(reg, "fail", "", func(context.Context, struct{}) (struct{}, error) {
		return struct{}{}, errmodel.Tool("boom", "exploded", nil, nil)
	})
	addSpecs(t, c, agent.ToolSpec{Kind: agent.ToolKindMethod, Name: "fail", Target: "fail"})
	p := New(c, Bindings{Methods: reg})
	out, err := p.Execute(context.Background(), []Call{{Tool: "fail"}, {Tool: "ghost"}})
	if err != nil {
		t.Fatal(err)
	}
	if !errmodel.IsCategory(out[0].Err, errmodel.CategoryTool) || !errmodel.IsCategory(out[1].Err, errmodel.CategoryValidation) {
		t.Fatalf("outcomes %+v", out)
	}
	n := 0
	for _, ev := range c.Events() {
		if ev.Type == convo.EventToolCallError {
			n++
			if !ev.TriggerNextStep {
				t.Fatal("errors wake the model by default")
			}
		}
	}
	if n != 2 {
		t.Fatalf("want 2 error events, got %d", n)
	}
}

func TestApprovalReplaysExactArguments(t *testing.T) {
	c := newCore(t)
	var seen []map[string]any
	var mu sync.Mutex
	reg := agent.NewRegistry()
	_ = reg.Add(agent.Handler{
		Descriptor: agent.ToolDescriptor{Name: "transfer", InputSchema: []byte(`{"type":"object"}`)},
		Func: func(_ context.Context, args map[string]any) (agent.ToolResult, error) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, args)
			return agent.ToolResult{Output: "sent"}, nil
		},
	})
	addSpecs(t, c, agent.ToolSpec{Kind: agent.ToolKindMethod, Name: "transfer", Target: "transfer", RequiresApproval: true})
	p := New(c, Bindings{Methods: reg}, WithResolveOptions(WithMiddleware(ApprovalGate())))
	ctx := context.Background()

	args := map[string]any{"amount": 10.0, "to": "bob"}
	out, err := p.Execute(ctx, []Call{{ID: "c1", Tool: "transfer", Args: args}})
	if err != nil {
		t.Fatal(err)
	}
	key := out[0].PendingKey
	if want, _ := ApprovalKey("transfer", args); key == "" || key != want {
		t.Fatalf("pending key %q", key)
	}
	if len(seen) != 0 {
		t.Fatal("gated call executed")
	}

	rej, err := p.Approve(ctx, key, Approver{ID: "eve", Roles: []string{"member"}})
	if err != nil || !rej.Rejected {
		t.Fatalf("expected rejection: %+v %v", rej, err)
	}
	if _, ok := convo.Tools.From(c.State()).PendingFor(key); !ok || len(seen) != 0 {
		t.Fatal("rejection must not execute or clear the request")
	}

	res, err := p.Approve(ctx, key, Approver{ID: "olga", Roles: []string{"owner"}})
	if err != nil || res.Rejected {
		t.Fatalf("approve: %+v %v", res, err)
	}
	if len(seen) != 1 || seen[0]["amount"] != 10.0 || seen[0]["to"] != "bob" {
		t.Fatalf("replayed args %v", seen)
	}
	if _, err := p.Approve(ctx, key, Approver{ID: "olga", Roles: []string{"owner"}}); !errmodel.IsCategory(err, errmodel.CategoryValidation) {
		t.Fatalf("second approval must fail, got %v", err)
	}
	want := []string{
		convo.EventToolSpecsAdded, convo.EventToolCallRequested, convo.EventApprovalRequested,
		convo.EventApprovalRejected, convo.EventApprovalGranted, convo.EventToolCallResult,
	}
	if got := types(c); !slices.Equal(got, want) {
		t.Fatalf("events %v", got)
	}
}

func TestImpersonatedCallNeedsTargetUser(t *testing.T) {
	pol := ApprovalPolicy{}
	if ok, _ := pol.Authorize(Approver{ID: "admin1", Roles: []string{"admin"}}, "u1"); ok {
		t.Fatal("admin must not approve a call scoped to another user")
	}
	if ok, _ := pol.Authorize(Approver{ID: "u1"}, "u1"); !ok {
		t.Fatal("target user must approve")
	}
	if ok, _ := pol.Authorize(Approver{ID: "m", Roles: []string{"member"}}, ""); ok {
		t.Fatal("members are not approvers by default")
	}
	if ok, _ := (ApprovalPolicy{ApproverRoles: []string{"member"}}).Authorize(Approver{ID: "m", Roles: []string{"member"}}, ""); !ok {
		t.Fatal("configured role must approve")
	}
}

func TestApprovalKeyIsCanonical(t *testing.T) {
	a, err := ApprovalKey("t", map[string]any{"a": 1, "b": []any{"x"}})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := ApprovalKey("t", map[string]any{"b": []any{"x"}, "a": 1.0})
	c, _ := ApprovalKey("u", map[string]any{"a": 1, "b": []any{"x"}})
	if a != b || a == c {
		t.Fatalf("keys %s %s %s", a, b, c)
	}
}

func TestRetryOnlyTransient(t *testing.T) {
	var n int
	flaky := func(err error) ExecFunc {
		return func(context.Context, Invocation) (agent.ToolResult, error) {
			n++
			return agent.ToolResult{}, err
		}
	}
	n = 0
	_, _ = Retry(3, time.Millisecond)(flaky(errmodel.Network("down", "down", nil, nil)))(context.Background(), Invocation{})
	if n != 3 {
		t.Fatalf("transient attempts %d", n)
	}
	n = 0
	_, _ = Retry(3, time.Millisecond)(flaky(errmodel.Validation("bad", "bad", nil)))(context.Background(), Invocation{})
	if n != 1 {
		t.Fatalf("validation attempts %d", n)
	}
}

func TestInjectRetryRunsOnce(t *testing.T) {
	c := newCore(t)
	var calls atomic.Int32
	addSpecs(t, c, agent.ToolSpec{Kind: agent.ToolKindMethod, Name: "echo", Target: "echo"})
	p := New(c, Bindings{Methods: echoMethods(t, &calls)})
	ctx := context.Background()

	first, err := p.Inject(ctx, Call{ID: "same", Tool: "echo", Args: map[string]any{"text": "hi"}})
	if err != nil || first.Duplicate {
		t.Fatal(first, err)
	}
	again, err := p.Inject(ctx, Call{ID: "same", Tool: "echo", Args: map[string]any{"text": "hi"}})
	if err != nil || !again.Duplicate {
		t.Fatal(again, err)
	}
	if out, ok := again.Output.(map[string]any); !ok || out["text"] != "hi" {
		t.Fatalf("retry output %#v", again.Output)
	}

	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			_, err := p.Inject(ctx, Call{ID: "conc", Tool: "echo", Args: map[string]any{"text": "x"}})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("handler ran %d times, want 2", n)
	}
}

func TestBackgroundCallOutlivesCaller(t *testing.T) {
	c := newCore(t)
	release := make(chan struct{})
	reg := agent.NewRegistry()
	_ = agent.Register(reg, "slow", "", func(ctx context.Context, _ struct{}) (string, error) {
		<-release
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "done", nil
	})
	addSpecs(t, c, agent.ToolSpec{Kind: agent.ToolKindMethod, Name: "slow", Target: "slow"})
	p := New(c, Bindings{Methods: reg})
	ctx, cancel := context.WithCancel(context.Background())
	out, err := p.Inject(ctx, Call{ID: "bg", Tool: "slow", Background: true})
	if err != nil || !out.Background {
		t.Fatal(out, err)
	}
	cancel()
	close(release)
	p.Close()
	rec := convo.Tools.From(c.State()).Calls["bg"]
	if rec.Status != convo.CallSucceeded || rec.Output != "done" || !rec.Injected {
		t.Fatalf("record %+v", rec)
	}
}

func TestBuiltins(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg, err := Builtins(BuiltinOptions{Now: func() time.Time { return fixed }, FS: fstest.MapFS{"notes.txt": {Data: []byte("hello")}}})
	if err != nil {
		t.Fatal(err)
	}
	rt, err := Resolve([]agent.ToolSpec{
		{Kind: agent.ToolKindBuiltin, Name: "now", Target: BuiltinCurrentTime},
		{Kind: agent.ToolKindBuiltin, Name: "read", Target: BuiltinReadFile},
	}, Bindings{Builtins: reg})
	if err != nil {
		t.Fatal(err)
	}
	res, err := rt[0].Invoke(context.Background(), Call{})
	if err != nil || res.Output.(currentTimeOut).Now != "2026-03-01T12:00:00Z" {
		t.Fatal(res, err)
	}
	res, err = rt[1].Invoke(context.Background(), Call{Args: map[string]any{"path": "notes.txt"}})
	if err != nil || res.Output.(readFileOut).Content != "hello" {
		t.Fatal(res, err)
	}
	if _, err := rt[1].Invoke(context.Background(), Call{Args: map[string]any{"path": "../etc/passwd"}}); !errors.As(err, new(*errmodel.Error)) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

type launches struct {
	mu    sync.Mutex
	names []string
	beats int
	wg    sync.WaitGroup
}

func (l *launches) Go(ctx context.Context, name string, fn func(ctx context.Context, beat func() error) error) (string, error) {
	l.mu.Lock()
	l.names = append(l.names, name)
	l.mu.Unlock()
	l.wg.Go(func() {
		_ = fn(ctx, func() error {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.beats++
			return nil
		})
	})
	return name, nil
}

func TestBackgroundCallRunsThroughLauncher(t *testing.T) {
	c := newCore(t)
	reg := agent.NewRegistry()
	_ = agent.Register(reg, "sync", "", func(ctx context.Context, _ struct{}) (string, error) {
		if err := Beat(ctx); err != nil {
			return "", err
		}
		return "synced", nil
	})
	addSpecs(t, c, agent.ToolSpec{Kind: agent.ToolKindMethod, Name: "sync", Target: "sync"})
	l := &launches{}
	p := New(c, Bindings{Methods: reg}, WithLauncher(l.Go))
	out, err := p.Inject(context.Background(), Call{ID: "bg", Tool: "sync", Background: true})
	if err != nil || !out.Background {
		t.Fatal(out, err)
	}
	l.wg.Wait()
	p.Close()
	if len(l.names) != 1 || l.names[0] != "tool:sync" || l.beats != 1 {
		t.Fatalf("launches %v beats %d", l.names, l.beats)
	}
	if rec := convo.Tools.From(c.State()).Calls["bg"]; rec.Status != convo.CallSucceeded {
		t.Fatalf("record %+v", rec)
	}
}
