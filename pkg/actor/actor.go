// Package actor hosts one conversation: it owns the event log, the reducer
// core and every component that turns reduced state into side effects (the
// model loop, the tool pipeline, integration connections, reminders and the
// background process monitor). Nothing here is shared between actors.
package actor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wilhg/convo/pkg/adapters/llm"
	"github.com/wilhg/convo/pkg/agent"
	"github.com/wilhg/convo/pkg/connect"
	"github.com/wilhg/convo/pkg/errmodel"
	"github.com/wilhg/convo/pkg/eventlog"
	"github.com/wilhg/convo/pkg/heartbeat"
	"github.com/wilhg/convo/pkg/host"
	"github.com/wilhg/convo/pkg/prompt"
	"github.com/wilhg/convo/pkg/reminders"
	"github.com/wilhg/convo/pkg/runtime"
	"github.com/wilhg/convo/pkg/runtime/assembler"
	convo "github.com/wilhg/convo/pkg/slices"
	"github.com/wilhg/convo/pkg/store"
	"github.com/wilhg/convo/pkg/tools"
)

// Recorder receives the metrics of every component of an actor.
type Recorder interface {
	tools.Recorder
	connect.Recorder
	reminders.Recorder
	heartbeat.Recorder
	ObserveEvent(eventType string)
	ObserveStep(provider string, err error)
}

// Options configures an actor. ID, Store and Runtime are required.
type Options struct {
	ID      string
	Store   store.Store
	Runtime host.Runtime
	// Model drives the conversation. Without it the conversation slice
	// cannot be composed.
	Model     llm.Client
	ModelName string

	// Connector performs integration handshakes. It defaults to an MCP
	// connector over Integrations.
	Connector    connect.Connector
	Integrations []connect.ServerConfig

	// Slices are composed after the built-in ones. Capabilities lists what
	// the embedding application provides to them.
	Slices       []agent.Slice
	Capabilities []agent.Capability

	// Methods are exposed next to the built-in actor methods.
	Methods []agent.Handler
	// Specs are offered to the model in addition to the built-in ones.
	Specs      []agent.ToolSpec
	Builtins   *agent.Registry
	Middleware []tools.Middleware
	Policy     tools.ApprovalPolicy

	SystemPrompt     string
	MaxContextTokens int
	MaxOutputTokens  int
	// MaxSteps bounds consecutive model steps without a yield.
	MaxSteps int

	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	SnapshotEvery    int

	Recorder Recorder
	Logger   *zap.Logger
	Clock    func() time.Time
	IDs      func() string
}

// Update is broadcast to observers for every appended event and every
// streamed text delta.
type Update struct {
	ActorID string       `json:"actor_id"`
	Event   *agent.Event `json:"event,omitempty"`
	Delta   string       `json:"delta,omitempty"`
}

type stateResolver interface {
	KeyForState(state string) (connect.Key, bool)
}

// Actor is one live conversation.
type Actor struct {
	id      string
	opts    Options
	logger  *zap.Logger
	log     *eventlog.Log
	core    *runtime.Core
	binding host.Binding

	methods   *agent.Registry
	builtins  *agent.Registry
	pipeline  *tools.Pipeline
	conns     *connect.Manager
	oauth     stateResolver
	reminders *reminders.Reconciler
	heartbeat *heartbeat.Monitor
	asm       *assembler.Assembler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopSweep context.CancelFunc
	sweeper   sync.WaitGroup

	stepMu      sync.Mutex
	stepRunning bool
	stepPending bool
	closed      bool
}

// New builds the actor and replays its history. Hooks do not run for
// replayed events.
func New(ctx context.Context, opts Options) (*Actor, error) {
	if opts.ID == "" || opts.Store == nil || opts.Runtime == nil {
		return nil, errmodel.Validation("invalid_options", "actor needs an id, a store and a host runtime", nil)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 16
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if len(opts.Policy.ApproverRoles) == 0 {
		opts.Policy.ApproverRoles = tools.DefaultApproverRoles
	}

	reducer, err := agent.Compose(append(convo.All(), opts.Slices...)...)
	if err != nil {
		return nil, err
	}
	provided := []agent.Capability{convo.CapTools, convo.CapConnections, convo.CapScheduler, convo.CapHeartbeat}
	if opts.Model != nil {
		provided = append(provided, convo.CapModel)
	}
	if err := reducer.CheckCapabilities(append(provided, opts.Capabilities...)...); err != nil {
		return nil, err
	}

	logger := opts.Logger.With(zap.String("actor.id", opts.ID))
	a := &Actor{id: opts.ID, opts: opts, logger: logger}
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))
	a.binding = opts.Runtime.Bind(opts.ID, a.HandleWake)

	a.log = eventlog.New(opts.Store, opts.ID,
		eventlog.WithSummaries(opts.Store),
		eventlog.WithLogger(logger),
		eventlog.WithObserver(a.observe))
	a.core = runtime.NewCore(a.log, reducer,
		runtime.WithHook(a.hook),
		runtime.WithLogger(logger),
		runtime.WithSnapshots(opts.Store, opts.SnapshotEvery))

	connector := opts.Connector
	if connector == nil {
		connector = connect.NewMCPConnector(opts.Integrations)
	}
	if sr, ok := connector.(stateResolver); ok {
		a.oauth = sr
	}
	a.conns = connect.NewManager(connector, a.core, connect.WithLogger(logger), connect.WithRecorder(opts.Recorder))

	remOpts := []reminders.Option{reminders.WithClock(opts.Clock), reminders.WithLogger(logger), reminders.WithRecorder(opts.Recorder)}
	hbOpts := []heartbeat.Option{heartbeat.WithClock(opts.Clock), heartbeat.WithLogger(logger), heartbeat.WithRecorder(opts.Recorder)}
	if opts.IDs != nil {
		remOpts = append(remOpts, reminders.WithIDs(opts.IDs))
		hbOpts = append(hbOpts, heartbeat.WithIDs(opts.IDs))
	}
	if opts.HeartbeatTimeout > 0 {
		hbOpts = append(hbOpts, heartbeat.WithTimeout(opts.HeartbeatTimeout))
	}
	a.reminders = reminders.New(a.core, a.binding, remOpts...)
	a.heartbeat = heartbeat.New(opts.Store, a.core, opts.ID, hbOpts...)
	if err := a.buildTools(); err != nil {
		a.cancel()
		return nil, err
	}
	a.asm = assembler.New(
		assembler.WithTokenEstimator(assembler.EstimatorFor(opts.ModelName)),
		assembler.WithMaxTokens(opts.MaxContextTokens))

	if err := a.core.Initialize(ctx); err != nil {
		a.cancel()
		return nil, err
	}
	if err := a.seed(ctx); err != nil {
		a.cancel()
		return nil, err
	}
	sctx, stop := context.WithCancel(context.WithoutCancel(ctx))
	a.stopSweep = stop
	a.sweeper.Go(func() { a.heartbeat.Run(sctx, opts.SweepInterval) })
	logger.Info("actor activated", zap.Int64("event.index", a.core.State().Index()))
	return a, nil
}

func (a *Actor) buildTools() error {
	a.methods = agent.NewRegistry()
	if err := a.registerMethods(); err != nil {
		return err
	}
	for _, h := range a.opts.Methods {
		if err := a.methods.Add(h); err != nil {
			return err
		}
	}
	a.builtins = a.opts.Builtins
	if a.builtins == nil {
		b, err := tools.Builtins(tools.BuiltinOptions{Now: a.opts.Clock})
		if err != nil {
			return err
		}
		a.builtins = b
	}
	chain := append([]tools.Middleware{
		tools.Tracing(),
		tools.Audit(a.logger, a.opts.Recorder),
		tools.ApprovalGate(),
		tools.Retry(3, 200*time.Millisecond),
	}, a.opts.Middleware...)
	popts := []tools.Option{
		tools.WithResolveOptions(tools.WithMiddleware(chain...)),
		tools.WithPolicy(a.opts.Policy),
		tools.WithLogger(a.logger),
		tools.WithLauncher(a.heartbeat.Go),
	}
	if a.opts.IDs != nil {
		popts = append(popts, tools.WithIDs(a.opts.IDs))
	}
	a.pipeline = tools.New(a.core, tools.Bindings{
		Methods:  a.methods,
		Builtins: a.builtins,
		Remote:   a.conns,
		Validate: (&agent.SchemaCache{}).Validate,
	}, popts...)
	return nil
}

// seed records configuration the log does not have yet: the system prompt
// and tool specs missing from state.
func (a *Actor) seed(ctx context.Context) error {
	st := a.core.State()
	var drafts []agent.Draft
	if p := a.opts.SystemPrompt; p != "" && convo.Conversation.From(st).SystemPrompt != p {
		for _, is := range prompt.Lint(p) {
			a.logger.Warn("system prompt lint", zap.String("rule", is.Rule), zap.String("message", is.Message))
		}
		drafts = append(drafts, agent.NewDraft(convo.EventSystemPromptSet, convo.SystemPrompt{Prompt: p}))
	}
	have := convo.Tools.From(st).Specs
	var missing []agent.ToolSpec
	for _, sp := range append(defaultSpecs(), a.opts.Specs...) {
		if _, ok := have[sp.Name]; !ok {
			missing = append(missing, sp)
		}
	}
	if len(missing) > 0 {
		drafts = append(drafts, agent.NewDraft(convo.EventToolSpecsAdded, convo.ToolSpecsAdded{Specs: missing}))
	}
	if len(drafts) == 0 {
		return nil
	}
	_, err := a.core.AddEvents(ctx, drafts)
	return err
}

// observe is the log observer: metrics and broadcast. Failures here never
// reach the appender.
func (a *Actor) observe(ctx context.Context, events []agent.Event) error {
	for i := range events {
		if a.opts.Recorder != nil {
			a.opts.Recorder.ObserveEvent(events[i].Type)
		}
		a.binding.Broadcast(ctx, Update{ActorID: a.id, Event: &events[i]})
	}
	return nil
}

// ID returns the actor id.
func (a *Actor) ID() string { return a.id }

// AddEvent appends one event. It is idempotent only when the draft carries
// an idempotency key.
func (a *Actor) AddEvent(ctx context.Context, d agent.Draft) (agent.EventRef, error) {
	return a.core.AddEvent(ctx, d)
}

// AddEvents appends drafts atomically.
func (a *Actor) AddEvents(ctx context.Context, drafts []agent.Draft) ([]agent.EventRef, error) {
	return a.core.AddEvents(ctx, drafts)
}

// SendMessage appends a user message and wakes the model.
func (a *Actor) SendMessage(ctx context.Context, userID, text, idempotencyKey string) (agent.EventRef, error) {
	if text == "" {
		return agent.EventRef{}, errmodel.Validation("empty_message", "message text is empty", nil)
	}
	return a.core.AddEvent(ctx, agent.Draft{
		Type:            convo.EventUserMessage,
		Data:            convo.UserMessage{Text: text, UserID: userID},
		IdempotencyKey:  idempotencyKey,
		TriggerNextStep: true,
	})
}

// Pause stops model steps until Resume.
func (a *Actor) Pause(ctx context.Context, reason string) (agent.EventRef, error) {
	return a.core.AddEvent(ctx, agent.NewDraft(convo.EventPaused, convo.PauseChange{Reason: reason}))
}

// Resume lifts a pause and wakes the model.
func (a *Actor) Resume(ctx context.Context, reason string) (agent.EventRef, error) {
	return a.core.AddEvent(ctx, agent.Draft{Type: convo.EventResumed, Data: convo.PauseChange{Reason: reason}, TriggerNextStep: true})
}

// State returns the live reduced state.
func (a *Actor) State() agent.State { return a.core.State() }

// Events returns the applied events.
func (a *Actor) Events() []agent.Event { return a.core.Events() }

// ReducedStateAt rebuilds the state as of index without side effects.
func (a *Actor) ReducedStateAt(ctx context.Context, index int64) (agent.State, error) {
	return a.core.ReducedStateAt(ctx, index)
}

// Export snapshots the state at index.
func (a *Actor) Export(ctx context.Context, index int64) (store.SnapshotRecord, error) {
	return a.core.Export(ctx, index)
}

// InjectRequest is a tool call that did not come from the model.
type InjectRequest struct {
	CallID            string         `json:"call_id,omitempty"`
	Tool              string         `json:"tool"`
	Args              map[string]any `json:"args"`
	ImpersonateUserID string         `json:"impersonate_user_id,omitempty"`
	Background        bool           `json:"background,omitempty"`
	TriggerNextStep   *bool          `json:"trigger_next_step,omitempty"`
}

// InjectToolCall runs a tool on behalf of a caller. Retrying with the same
// CallID, even concurrently, runs the tool once.
func (a *Actor) InjectToolCall(ctx context.Context, req InjectRequest) (tools.Outcome, error) {
	if req.Tool == "" {
		return tools.Outcome{}, errmodel.Validation("invalid_input", "tool is required", nil)
	}
	return a.pipeline.Inject(ctx, tools.Call{
		ID:                req.CallID,
		Tool:              req.Tool,
		Args:              req.Args,
		ImpersonateUserID: req.ImpersonateUserID,
		Background:        req.Background,
		TriggerNextStep:   req.TriggerNextStep,
	})
}

// ApproveToolCall grants a pending approval. A policy mismatch is reported in
// the outcome and recorded as an event, not returned as an error.
func (a *Actor) ApproveToolCall(ctx context.Context, key string, approver tools.Approver) (tools.ApprovalOutcome, error) {
	return a.pipeline.Approve(ctx, key, approver)
}

// CreateReminder schedules a reminder.
func (a *Actor) CreateReminder(ctx context.Context, req reminders.Request) (convo.Reminder, error) {
	return a.reminders.Create(ctx, req)
}

// ListReminders returns live reminders, pruning orphans.
func (a *Actor) ListReminders(ctx context.Context) ([]convo.Reminder, error) {
	return a.reminders.List(ctx)
}

// CancelReminder cancels a reminder by its internal id.
func (a *Actor) CancelReminder(ctx context.Context, id string) error {
	return a.reminders.Cancel(ctx, id)
}

// HandleWake is the host wake callback.
func (a *Actor) HandleWake(ctx context.Context, timerID string, firedAt time.Time) {
	if a.reminders == nil {
		return
	}
	if _, err := a.reminders.Fire(ctx, timerID, firedAt); err != nil {
		a.logger.Error("reminder wake failed", zap.String("timer_id", timerID), zap.Error(err))
	}
}

// ConnectRequest initiates a connection. ServerID selects a configured
// integration; Key may be given directly instead.
type ConnectRequest struct {
	ServerID string            `json:"server_id,omitempty"`
	Key      connect.Key       `json:"key"`
	Params   map[string]string `json:"params,omitempty"`
}

// Connect initiates or reuses a connection.
func (a *Actor) Connect(ctx context.Context, req ConnectRequest) (connect.Outcome, error) {
	key, err := a.resolveKey(req)
	if err != nil {
		return connect.Outcome{}, err
	}
	return a.conns.Connect(ctx, connect.Request{Key: key, ServerID: req.ServerID, Params: req.Params})
}

func (a *Actor) resolveKey(req ConnectRequest) (connect.Key, error) {
	k := req.Key
	if req.ServerID != "" && k.ServerURL == "" {
		for _, s := range a.opts.Integrations {
			if s.ID == req.ServerID {
				k.ServerURL = s.URL
				if k.Mode == "" {
					k.Mode = s.Mode
				}
			}
		}
	}
	if k.ServerURL == "" {
		return k, errmodel.Validation("unknown_server", "no integration server with this id", map[string]any{"server_id": req.ServerID})
	}
	if k.Mode == "" {
		k.Mode = "shared"
	}
	if k.Mode == "per_user" && k.UserID == "" {
		return k, errmodel.Validation("missing_user", "per-user connections need a user id", map[string]any{"server_id": req.ServerID})
	}
	return k, nil
}

// OAuthKey resolves the connection an OAuth state value was issued for.
func (a *Actor) OAuthKey(state string) (connect.Key, bool) {
	if a.oauth == nil {
		return connect.Key{}, false
	}
	return a.oauth.KeyForState(state)
}

// CompleteOAuth records the OAuth callback as a reconnect event. The hook
// then completes the handshake through the key's queue.
func (a *Actor) CompleteOAuth(ctx context.Context, key connect.Key, code, state string) (agent.EventRef, error) {
	if code == "" {
		return agent.EventRef{}, errmodel.Validation("missing_code", "authorization code is required", nil)
	}
	return a.core.AddEvent(ctx, agent.Draft{
		Type:           convo.EventConnectionOAuthCallback,
		Data:           convo.ConnectionEvent{Key: key, Code: code, State: state},
		IdempotencyKey: "oauth-callback:" + key.String() + ":" + state,
	})
}

// Disconnect closes the connection of a key.
func (a *Actor) Disconnect(ctx context.Context, key connect.Key) error {
	return a.conns.Disconnect(ctx, key)
}

// Heartbeat exposes the background process monitor.
func (a *Actor) Heartbeat() *heartbeat.Monitor { return a.heartbeat }

// Close stops model steps, waits for background work and closes connections.
// A background call that stops beating is cancelled once the heartbeat
// timeout passes.
func (a *Actor) Close() error {
	a.stepMu.Lock()
	if a.closed {
		a.stepMu.Unlock()
		return nil
	}
	a.closed = true
	a.stepMu.Unlock()

	a.cancel()
	a.wg.Wait()
	a.pipeline.Close()
	// sweeps continue until background calls end, so a stuck one times out
	a.heartbeat.Wait()
	a.stopSweep()
	a.sweeper.Wait()
	err := a.conns.Close()
	a.log.Close()
	if errors.Is(err, connect.ErrClosed) {
		err = nil
	}
	a.logger.Info("actor closed")
	return err
}
