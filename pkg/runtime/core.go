// Package runtime hosts the reducer engine of an actor: it owns the current
// reduced state, applies newly appended events incrementally, runs the
// post-apply hook and answers time-travel queries.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wilhg/convo/pkg/agent"
	"github.com/wilhg/convo/pkg/errmodel"
	"github.com/wilhg/convo/pkg/eventlog"
	"github.com/wilhg/convo/pkg/otel"
	"github.com/wilhg/convo/pkg/store"
)

var (
	ErrNotInitialized     = errors.New("core is not initialized")
	ErrAlreadyInitialized = errors.New("core is already initialized")
	ErrCorrupted          = errors.New("core state is corrupted")
)

// Hook runs after an appended event has been applied. It observes the event
// and the state that includes it. Hooks may call AddEvent(s) on the same core;
// those events are queued and their hooks run after the current one.
type Hook func(ctx context.Context, ev agent.Event, st agent.State)

// CoreOption configures the Core at construction time.
type CoreOption func(*Core)

// WithHook installs the post-apply hook.
func WithHook(h Hook) CoreOption { return func(c *Core) { c.hook = h } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) CoreOption { return func(c *Core) { c.logger = l } }

// WithSnapshots enables Export. If every > 0 a snapshot is also written each
// time the log index crosses a multiple of every.
func WithSnapshots(s store.SnapshotStore, every int) CoreOption {
	return func(c *Core) {
		c.snapshots = s
		c.snapshotEvery = every
	}
}

type hookItem struct {
	ev agent.Event
	st agent.State
}

// Core is the reducer engine of one actor.
type Core struct {
	log           *eventlog.Log
	reducer       *agent.Reducer
	hook          Hook
	snapshots     store.SnapshotStore
	snapshotEvery int
	logger        *zap.Logger
	tracer        trace.Tracer

	mu          sync.Mutex
	initialized bool
	failed      error
	state       agent.State
	events      []agent.Event
	keys        map[string]bool
	queue       []hookItem
	draining    bool
}

// NewCore constructs a core over the actor's log and merged reducer.
func NewCore(log *eventlog.Log, reducer *agent.Reducer, opts ...CoreOption) *Core {
	c := &Core{log: log, reducer: reducer, logger: zap.NewNop(), tracer: otel.Tracer("runtime"), keys: map[string]bool{}}
	for _, o := range opts {
		o(c)
	}
	c.state = reducer.Initial()
	return c
}

// Initialize loads the whole log and folds it. Hooks are not run.
func (c *Core) Initialize(ctx context.Context) error {
	events, err := c.log.ReadAll(ctx)
	if err != nil {
		return err
	}
	return c.InitializeWithEvents(ctx, events)
}

// InitializeWithEvents folds events into the initial state. It may be called
// once per activation; hooks are not run.
func (c *Core) InitializeWithEvents(ctx context.Context, events []agent.Event) error {
	_, span := c.tracer.Start(ctx, "Core.InitializeWithEvents", trace.WithAttributes(
		otel.ActorID.String(c.log.ActorID()),
		otel.EventCount.Int(len(events)),
	))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return ErrAlreadyInitialized
	}
	st, err := c.reducer.Fold(events)
	if err != nil {
		span.RecordError(err)
		return errmodel.System("replay_failed", "event history does not fold", map[string]any{"actor": c.log.ActorID()}, err)
	}
	c.state = st
	c.events = append([]agent.Event(nil), events...)
	for _, ev := range events {
		if ev.IdempotencyKey != "" {
			c.keys[ev.IdempotencyKey] = true
		}
	}
	c.initialized = true
	c.logger.Debug("core initialized", zap.String("actor.id", c.log.ActorID()), zap.Int64("event.index", st.Index()))
	return nil
}

// AddEvent appends one draft and applies it.
func (c *Core) AddEvent(ctx context.Context, d agent.Draft) (agent.EventRef, error) {
	refs, err := c.AddEvents(ctx, []agent.Draft{d})
	if err != nil {
		return agent.EventRef{}, err
	}
	return refs[0], nil
}

// AddEvents appends drafts atomically, applies the new events in order and
// runs the post-apply hook once per new event. Drafts deduplicated by their
// idempotency key are not applied again; their refs are marked Existing.
// Drafts the reducer rejects fail with a validation error and nothing is
// appended.
func (c *Core) AddEvents(ctx context.Context, drafts []agent.Draft) ([]agent.EventRef, error) {
	ctx, span := c.tracer.Start(ctx, "Core.AddEvents", trace.WithAttributes(
		otel.ActorID.String(c.log.ActorID()),
		otel.EventCount.Int(len(drafts)),
	))
	defer span.End()

	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return nil, ErrNotInitialized
	}
	if c.failed != nil {
		c.mu.Unlock()
		return nil, c.failed
	}
	if err := c.checkLocked(drafts); err != nil {
		c.mu.Unlock()
		span.RecordError(err)
		return nil, err
	}
	evs, err := c.log.AppendBatch(ctx, drafts)
	if err != nil {
		c.mu.Unlock()
		span.RecordError(err)
		return nil, err
	}
	before := c.state.Index()
	refs := make([]agent.EventRef, 0, len(evs))
	for _, ev := range evs {
		if ev.EventIndex <= c.state.Index() {
			refs = append(refs, agent.EventRef{EventIndex: ev.EventIndex, Existing: true})
			continue
		}
		refs = append(refs, agent.EventRef{EventIndex: ev.EventIndex})
		next, err := c.reducer.Apply(c.state, ev)
		if err != nil {
			c.failed = fmt.Errorf("%w: %v", ErrCorrupted, err)
			c.drainLocked(context.WithoutCancel(ctx))
			span.RecordError(err)
			c.logger.Error("reducer failed on a durable event", zap.String("actor.id", c.log.ActorID()), zap.Int64("event.index", ev.EventIndex), zap.String("event.type", ev.Type), zap.Error(err))
			return nil, errmodel.System("reducer_failed", "reducer rejected a logged event", map[string]any{"event_index": ev.EventIndex, "type": ev.Type}, err)
		}
		c.state = next
		c.events = append(c.events, ev)
		if ev.IdempotencyKey != "" {
			c.keys[ev.IdempotencyKey] = true
		}
		span.AddEvent("applied", trace.WithAttributes(otel.EventIndex.Int64(ev.EventIndex), otel.EventType.String(ev.Type)))
		if c.hook != nil {
			c.queue = append(c.queue, hookItem{ev: ev, st: next})
		}
	}
	after := c.state.Index()
	c.drainLocked(context.WithoutCancel(ctx))

	if c.snapshotEvery > 0 && c.snapshots != nil && crossed(before, after, int64(c.snapshotEvery)) {
		if _, err := c.Export(ctx, after); err != nil {
			c.logger.Warn("snapshot failed", zap.String("actor.id", c.log.ActorID()), zap.Int64("event.index", after), zap.Error(err))
		}
	}
	return refs, nil
}

// checkLocked folds drafts over a copy of the live state at the indices they
// would get, so input the reducer rejects never becomes a durable event.
// Drafts that will be deduplicated are skipped.
func (c *Core) checkLocked(drafts []agent.Draft) error {
	st := c.state
	batch := map[string]bool{}
	now := time.Now().UTC()
	for _, d := range drafts {
		if k := d.IdempotencyKey; k != "" {
			if c.keys[k] || batch[k] {
				continue
			}
			batch[k] = true
		}
		if d.Type == "" {
			return errmodel.Validation("invalid_event", "event type is required", nil)
		}
		data, err := d.EncodeData()
		if err != nil {
			return errmodel.Validation("invalid_event", err.Error(), map[string]any{"type": d.Type})
		}
		next, err := c.reducer.Apply(st, agent.Event{
			EventIndex:      st.Index() + 1,
			Type:            d.Type,
			Data:            data,
			Metadata:        d.Metadata,
			CreatedAt:       now,
			IdempotencyKey:  d.IdempotencyKey,
			TriggerNextStep: d.TriggerNextStep,
		})
		if err != nil {
			return errmodel.New(errmodel.CategoryValidation, "invalid_event", "event rejected: "+err.Error(), map[string]any{"type": d.Type}, err)
		}
		st = next
	}
	return nil
}

// drainLocked runs queued hooks in order. It is entered with c.mu held and
// returns with it released. Only one goroutine drains at a time; nested
// AddEvents calls from hooks only enqueue.
func (c *Core) drainLocked(ctx context.Context) {
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.queue) > 0 {
		item := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		c.runHook(ctx, item)
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}

func (c *Core) runHook(ctx context.Context, item hookItem) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("post-apply hook panicked", zap.String("actor.id", c.log.ActorID()), zap.Int64("event.index", item.ev.EventIndex), zap.Any("panic", r))
		}
	}()
	c.hook(ctx, item.ev, item.st)
}

func crossed(before, after, every int64) bool {
	return after >= 0 && (after+1)/every > (before+1)/every
}

// State returns the current reduced state.
func (c *Core) State() agent.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns a copy of the applied events.
func (c *Core) Events() []agent.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]agent.Event(nil), c.events...)
}

// ReducedStateAt folds events [0, index] from the initial state. It does not
// touch the live state and runs no hooks. index -1 yields the initial state.
func (c *Core) ReducedStateAt(ctx context.Context, index int64) (agent.State, error) {
	_, span := c.tracer.Start(ctx, "Core.ReducedStateAt", trace.WithAttributes(
		otel.ActorID.String(c.log.ActorID()),
		otel.EventIndex.Int64(index),
	))
	defer span.End()

	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return agent.State{}, ErrNotInitialized
	}
	last := int64(len(c.events)) - 1
	if index < -1 || index > last {
		c.mu.Unlock()
		return agent.State{}, errmodel.Validation("index_out_of_range", "event index is outside the log", map[string]any{"index": index, "last": last})
	}
	// applied events are never mutated, so the prefix can be folded unlocked
	prefix := c.events[:index+1]
	c.mu.Unlock()
	return c.reducer.Fold(prefix)
}

// Export writes a snapshot of the state at index to the snapshot store.
func (c *Core) Export(ctx context.Context, index int64) (store.SnapshotRecord, error) {
	if c.snapshots == nil {
		return store.SnapshotRecord{}, errors.New("export: no snapshot store configured")
	}
	st, err := c.ReducedStateAt(ctx, index)
	if err != nil {
		return store.SnapshotRecord{}, err
	}
	data, err := json.Marshal(st)
	if err != nil {
		return store.SnapshotRecord{}, fmt.Errorf("export: encode state: %w", err)
	}
	return c.snapshots.SaveSnapshot(ctx, store.SnapshotRecord{
		SnapshotID: fmt.Sprintf("snap-%s-%d", c.log.ActorID(), index),
		ActorID:    c.log.ActorID(),
		UptoIndex:  index,
		State:      data,
	})
}

// Reducer returns the merged reducer.
func (c *Core) Reducer() *agent.Reducer { return c.reducer }
