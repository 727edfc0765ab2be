// Package eventlog is the append-only, per-actor conversation log. It owns
// index assignment (through the store), idempotent appends, observer
// notification and the best-effort summary row.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wilhg/convo/pkg/agent"
	"github.com/wilhg/convo/pkg/errmodel"
	"github.com/wilhg/convo/pkg/store"
)

// Observer is notified after events are durably appended. Observers run
// synchronously in index order; failures are logged and swallowed.
// Observers must not append to the log that notifies them.
type Observer func(ctx context.Context, events []agent.Event) error

// Option configures a Log.
type Option func(*Log)

// WithObserver registers a broadcast observer.
func WithObserver(o Observer) Option { return func(l *Log) { l.observers = append(l.observers, o) } }

// WithSummaries enables the asynchronous summary row update.
func WithSummaries(s store.SummaryStore) Option { return func(l *Log) { l.summaries = s } }

// WithLogger sets the logger.
func WithLogger(lg *zap.Logger) Option { return func(l *Log) { l.logger = lg } }

// Log is the event log of one actor.
type Log struct {
	store     store.EventStore
	actorID   string
	summaries store.SummaryStore
	observers []Observer
	logger    *zap.Logger

	mu     sync.Mutex
	last   int64
	loaded bool

	pending sync.WaitGroup
	sumMu   sync.Mutex
	written int64
}

// New returns the log of actorID on top of st.
func New(st store.EventStore, actorID string, opts ...Option) *Log {
	l := &Log{store: st, actorID: actorID, logger: zap.NewNop(), last: -1, written: -1}
	for _, o := range opts {
		o(l)
	}
	return l
}

// ActorID returns the owner of the log.
func (l *Log) ActorID() string { return l.actorID }

// Append appends a single draft.
func (l *Log) Append(ctx context.Context, d agent.Draft) (agent.Event, error) {
	evs, err := l.AppendBatch(ctx, []agent.Draft{d})
	if err != nil {
		return agent.Event{}, err
	}
	return evs[0], nil
}

// AppendBatch appends drafts atomically with contiguous indices. The result
// is aligned with drafts; a draft whose idempotency key is already logged
// yields the previously stored event.
func (l *Log) AppendBatch(ctx context.Context, drafts []agent.Draft) ([]agent.Event, error) {
	if len(drafts) == 0 {
		return nil, nil
	}
	recs := make([]store.EventRecord, len(drafts))
	for i, d := range drafts {
		r, err := toRecord(d)
		if err != nil {
			return nil, errmodel.Validation("invalid_event", err.Error(), map[string]any{"type": d.Type})
		}
		recs[i] = r
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.loaded {
		last, err := l.store.LastIndex(ctx, l.actorID)
		if err != nil {
			return nil, fmt.Errorf("eventlog: last index: %w", err)
		}
		l.last, l.loaded = last, true
	}
	stored, err := l.store.AppendEvents(ctx, l.actorID, recs)
	if err != nil {
		return nil, fmt.Errorf("eventlog: append: %w", err)
	}
	out := make([]agent.Event, len(stored))
	var fresh []agent.Event
	for i, r := range stored {
		ev, err := fromRecord(r)
		if err != nil {
			return nil, err
		}
		out[i] = ev
		if ev.EventIndex > l.last {
			if ev.EventIndex != l.last+1 {
				return nil, errmodel.System("index_gap", "store assigned a non contiguous index", map[string]any{"actor": l.actorID, "expected": l.last + 1, "got": ev.EventIndex}, nil)
			}
			l.last = ev.EventIndex
			fresh = append(fresh, ev)
		}
	}
	if len(fresh) > 0 {
		l.notify(ctx, fresh)
		l.summarize(fresh[len(fresh)-1])
	}
	return out, nil
}

func (l *Log) notify(ctx context.Context, events []agent.Event) {
	for _, o := range l.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Warn("event observer panicked", zap.String("actor.id", l.actorID), zap.Any("panic", r))
				}
			}()
			if err := o(ctx, events); err != nil {
				l.logger.Warn("event observer failed", zap.String("actor.id", l.actorID), zap.Error(err))
			}
		}()
	}
}

func (l *Log) summarize(last agent.Event) {
	if l.summaries == nil {
		return
	}
	sum := store.Summary{
		ActorID:        l.actorID,
		EventCount:     last.EventIndex + 1,
		LastEventIndex: last.EventIndex,
		LastEventType:  last.Type,
		LastEventAt:    last.CreatedAt,
	}
	l.pending.Add(1)
	go func() {
		defer l.pending.Done()
		l.sumMu.Lock()
		defer l.sumMu.Unlock()
		if sum.LastEventIndex <= l.written {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.summaries.UpsertSummary(ctx, sum); err != nil {
			l.logger.Warn("summary update failed", zap.String("actor.id", l.actorID), zap.Int64("event.index", sum.LastEventIndex), zap.Error(err))
			return
		}
		l.written = sum.LastEventIndex
	}()
}

// ReadAll returns the whole log. Rows that are out of sequence or do not
// decode fail the read.
func (l *Log) ReadAll(ctx context.Context) ([]agent.Event, error) {
	recs, err := l.store.ListEvents(ctx, l.actorID, -1, 0)
	if err != nil {
		return nil, fmt.Errorf("eventlog: read: %w", err)
	}
	out := make([]agent.Event, 0, len(recs))
	for i, r := range recs {
		if r.EventIndex != int64(i) {
			return nil, errmodel.System("schema_mismatch", "event log is not contiguous", map[string]any{"actor": l.actorID, "expected": i, "got": r.EventIndex}, nil)
		}
		ev, err := fromRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// ReadByType returns events of one type in index order.
func (l *Log) ReadByType(ctx context.Context, eventType string) ([]agent.Event, error) {
	recs, err := l.store.ListEventsByType(ctx, l.actorID, eventType)
	if err != nil {
		return nil, fmt.Errorf("eventlog: read by type: %w", err)
	}
	out := make([]agent.Event, 0, len(recs))
	for _, r := range recs {
		ev, err := fromRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// Close waits for in-flight summary writes.
func (l *Log) Close() { l.pending.Wait() }

func toRecord(d agent.Draft) (store.EventRecord, error) {
	if d.Type == "" {
		return store.EventRecord{}, fmt.Errorf("event type required")
	}
	data, err := d.EncodeData()
	if err != nil {
		return store.EventRecord{}, err
	}
	var meta json.RawMessage
	if len(d.Metadata) > 0 {
		if meta, err = json.Marshal(d.Metadata); err != nil {
			return store.EventRecord{}, fmt.Errorf("metadata: %w", err)
		}
	}
	return store.EventRecord{
		Type:            d.Type,
		Data:            data,
		Metadata:        meta,
		IdempotencyKey:  d.IdempotencyKey,
		TriggerNextStep: d.TriggerNextStep,
	}, nil
}

func fromRecord(r store.EventRecord) (agent.Event, error) {
	mismatch := func(reason string) error {
		return errmodel.System("schema_mismatch", reason, map[string]any{"actor": r.ActorID, "event_index": r.EventIndex}, nil)
	}
	if r.Type == "" {
		return agent.Event{}, mismatch("event row without type")
	}
	if r.EventIndex < 0 {
		return agent.Event{}, mismatch("event row with negative index")
	}
	if !json.Valid(r.Data) {
		return agent.Event{}, mismatch("event data is not valid JSON")
	}
	ev := agent.Event{
		EventIndex:      r.EventIndex,
		Type:            r.Type,
		Data:            r.Data,
		CreatedAt:       r.CreatedAt,
		IdempotencyKey:  r.IdempotencyKey,
		TriggerNextStep: r.TriggerNextStep,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &ev.Metadata); err != nil {
			return agent.Event{}, mismatch("event metadata is not a JSON object")
		}
	}
	return ev, nil
}
