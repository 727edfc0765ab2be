// Package heartbeat bounds long-running background processes of an actor:
// a process that stops beating for longer than the timeout is marked timed
// out and the actor is told so through an event.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wilhg/convo/pkg/agent"
	"github.com/wilhg/convo/pkg/errmodel"
	convo "github.com/wilhg/convo/pkg/slices"
	"github.com/wilhg/convo/pkg/store"
)

// Emitter appends process events.
type Emitter interface {
	AddEvents(ctx context.Context, drafts []agent.Draft) ([]agent.EventRef, error)
}

// Recorder receives timeout metrics.
type Recorder interface {
	ProcessTimedOut(name string)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithTimeout sets how long a process may go without a beat.
func WithTimeout(d time.Duration) Option { return func(m *Monitor) { m.timeout = d } }

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(m *Monitor) { m.logger = l } }

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option { return func(m *Monitor) { m.rec = r } }

// WithIDs sets the process id generator.
func WithIDs(gen func() string) Option { return func(m *Monitor) { m.newID = gen } }

// Monitor tracks the background processes of one actor.
type Monitor struct {
	hb      store.HeartbeatStore
	emit    Emitter
	actorID string
	timeout time.Duration
	now     func() time.Time
	newID   func() string
	logger  *zap.Logger
	rec     Recorder

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New returns a monitor for one actor. The default timeout is two minutes.
func New(hb store.HeartbeatStore, emit Emitter, actorID string, opts ...Option) *Monitor {
	m := &Monitor{hb: hb, emit: emit, actorID: actorID, timeout: 2 * time.Minute, now: time.Now, newID: uuid.NewString, logger: zap.NewNop(), cancels: map[string]context.CancelFunc{}}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start registers a running process and returns its id.
func (m *Monitor) Start(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	id := m.newID()
	rec := store.HeartbeatRecord{ActorID: m.actorID, ProcessID: id, Name: name, Status: store.ProcessRunning, StartedAt: now, LastBeatAt: now}
	if err := m.hb.UpsertHeartbeat(ctx, rec); err != nil {
		return "", err
	}
	_, err := m.emit.AddEvents(ctx, []agent.Draft{agent.NewDraft(convo.EventProcessStarted, convo.ProcessEvent{ProcessID: id, Name: name, At: now})})
	return id, err
}

func (m *Monitor) find(ctx context.Context, id string) (store.HeartbeatRecord, error) {
	all, err := m.hb.ListHeartbeats(ctx, m.actorID)
	if err != nil {
		return store.HeartbeatRecord{}, err
	}
	for _, r := range all {
		if r.ProcessID == id {
			return r, nil
		}
	}
	return store.HeartbeatRecord{}, errmodel.NotFound("unknown process", map[string]any{"process_id": id})
}

// Beat records liveness of a running process. Beats after a terminal status
// fail so a timed out process learns it was abandoned.
func (m *Monitor) Beat(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.find(ctx, id)
	if err != nil {
		return err
	}
	if r.Status != store.ProcessRunning {
		return errmodel.Validation("process_finished", "process is no longer running", map[string]any{"process_id": id, "status": r.Status})
	}
	r.LastBeatAt = m.now().UTC()
	return m.hb.UpsertHeartbeat(ctx, r)
}

// Finish records a terminal status, store.ProcessCompleted or store.ProcessFailed.
// A failed process triggers a model step; a completed one reports its result
// through its own events.
func (m *Monitor) Finish(ctx context.Context, id, status string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.find(ctx, id)
	if err != nil {
		return err
	}
	if r.Status != store.ProcessRunning {
		return nil
	}
	r.Status = status
	r.LastBeatAt = m.now().UTC()
	if err := m.hb.UpsertHeartbeat(ctx, r); err != nil {
		return err
	}
	ev := convo.ProcessEvent{ProcessID: id, Name: r.Name, Status: status, At: r.LastBeatAt}
	if cause != nil {
		ev.Error = errmodel.Text(cause)
	}
	_, err = m.emit.AddEvents(ctx, []agent.Draft{{Type: convo.EventProcessCompleted, Data: ev, TriggerNextStep: status != store.ProcessCompleted}})
	return err
}

// Sweep marks running processes without a beat inside the timeout window as
// timed out and returns their ids. Processes started with Go are cancelled.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all, err := m.hb.ListHeartbeats(ctx, m.actorID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, r := range all {
		if r.Status != store.ProcessRunning || now.Sub(r.LastBeatAt) <= m.timeout {
			continue
		}
		r.Status = store.ProcessTimedOut
		if err := m.hb.UpsertHeartbeat(ctx, r); err != nil {
			return out, err
		}
		if cancel, ok := m.cancels[r.ProcessID]; ok {
			cancel()
		}
		d := agent.Draft{
			Type:            convo.EventProcessTimedOut,
			Data:            convo.ProcessEvent{ProcessID: r.ProcessID, Name: r.Name, Status: store.ProcessTimedOut, At: now.UTC()},
			IdempotencyKey:  "process-timeout:" + r.ProcessID,
			TriggerNextStep: true,
		}
		if _, err := m.emit.AddEvents(ctx, []agent.Draft{d}); err != nil {
			return out, err
		}
		m.logger.Warn("background process timed out", zap.String("actor.id", m.actorID), zap.String("process_id", r.ProcessID), zap.String("name", r.Name))
		if m.rec != nil {
			m.rec.ProcessTimedOut(r.Name)
		}
		out = append(out, r.ProcessID)
	}
	return out, nil
}

// Run sweeps every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := m.Sweep(ctx, m.now()); err != nil && ctx.Err() == nil {
				m.logger.Error("heartbeat sweep failed", zap.Error(err))
			}
		}
	}
}

// Go runs fn as a tracked background process. fn calls beat to stay alive;
// its return value decides the terminal status. The process is not bound to
// ctx's cancellation, but its context is cancelled when it times out.
func (m *Monitor) Go(ctx context.Context, name string, fn func(ctx context.Context, beat func() error) error) (string, error) {
	id, err := m.Start(ctx, name)
	if err != nil {
		return "", err
	}
	bctx := context.WithoutCancel(ctx)
	pctx, cancel := context.WithCancel(bctx)
	m.mu.Lock()
	m.cancels[id] = cancel
	m.mu.Unlock()
	m.wg.Go(func() {
		ferr := fn(pctx, func() error { return m.Beat(bctx, id) })
		m.mu.Lock()
		delete(m.cancels, id)
		m.mu.Unlock()
		cancel()
		status := store.ProcessCompleted
		if ferr != nil {
			status = store.ProcessFailed
		}
		if err := m.Finish(bctx, id, status, ferr); err != nil {
			m.logger.Warn("recording process end failed", zap.String("process_id", id), zap.Error(err))
		}
	})
	return id, nil
}

// Wait blocks until processes started with Go return.
func (m *Monitor) Wait() { m.wg.Wait() }
