// Package connect establishes connections to integration servers with at
// most one attempt in flight per connection key.
package connect

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wilhg/convo/pkg/agent"
	"github.com/wilhg/convo/pkg/errmodel"
	"github.com/wilhg/convo/pkg/mcpclient"
	"github.com/wilhg/convo/pkg/otel"
	convo "github.com/wilhg/convo/pkg/slices"
)

// Key identifies a logical connection target.
type Key = convo.ConnectionKey

// ErrClosed is returned after Close.
var ErrClosed = errors.New("connection manager closed")

// Outcome statuses.
const (
	StatusEstablished        = convo.ConnEstablished
	StatusAwaitingParameters = convo.ConnAwaitingParameters
	StatusAwaitingOAuth      = convo.ConnAwaitingOAuth
	StatusErrored            = convo.ConnErrored
)

// Request asks for a connection.
type Request struct {
	Key      Key
	ServerID string
	Params   map[string]string
	// Code and State complete an OAuth sub-flow.
	Code  string
	State string
}

// Attempt is what a Connector reports for one try. Exactly one of Client,
// RequiredFields or AuthURL is set on success.
type Attempt struct {
	Client         mcpclient.Client
	Tools          []convo.RemoteTool
	RequiredFields []string
	AuthURL        string
	ServerID       string
}

// Connector performs a single connection attempt.
type Connector interface {
	Connect(ctx context.Context, req Request) (Attempt, error)
}

// Outcome is what every caller of one attempt observes.
type Outcome struct {
	Status         string
	Client         mcpclient.Client
	Tools          []convo.RemoteTool
	RequiredFields []string
	AuthURL        string
	Err            error
	// Cached is set when the outcome came from the cache without an attempt.
	Cached bool
}

// Emitter appends connection events.
type Emitter interface {
	AddEvents(ctx context.Context, drafts []agent.Draft) ([]agent.EventRef, error)
}

// Recorder receives connection attempt metrics.
type Recorder interface {
	ObserveConnect(status string, elapsed time.Duration)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithRecorder sets the connection metrics recorder.
func WithRecorder(r Recorder) Option { return func(m *Manager) { m.rec = r } }

// WithAttemptTimeout bounds one attempt. Attempts are detached from the
// caller that started them since other callers may share the outcome.
func WithAttemptTimeout(d time.Duration) Option { return func(m *Manager) { m.timeout = d } }

type flight struct {
	req  Request
	done chan struct{}
	out  Outcome
	err  error
}

type keyQueue struct {
	sem      chan struct{}
	refs     int
	inflight *flight
}

// Manager owns the connection cache and per-key queues of one actor.
type Manager struct {
	connector Connector
	emit      Emitter
	logger    *zap.Logger
	rec       Recorder
	tracer    trace.Tracer
	timeout   time.Duration

	flights sync.WaitGroup

	mu     sync.Mutex
	cache  map[Key]cached
	queues map[Key]*keyQueue
	closed bool
}

type cached struct {
	client   mcpclient.Client
	tools    []convo.RemoteTool
	serverID string
}

// NewManager builds a manager. emit may be nil when no events are wanted.
func NewManager(c Connector, emit Emitter, opts ...Option) *Manager {
	m := &Manager{
		connector: c,
		emit:      emit,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("connect"),
		timeout:   time.Minute,
		cache:     map[Key]cached{},
		queues:    map[Key]*keyQueue{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Connect returns the cached connection for the key or runs an attempt.
// Concurrent callers with the same key and parameters share one attempt;
// other requests for the key wait their turn in the key's queue.
func (m *Manager) Connect(ctx context.Context, req Request) (Outcome, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Outcome{}, ErrClosed
	}
	if c, ok := m.cache[req.Key]; ok {
		m.mu.Unlock()
		return c.outcome(), nil
	}
	q := m.queueLocked(req.Key)
	if f := q.inflight; f != nil && f.req.Code == "" && maps.Equal(f.req.Params, req.Params) {
		m.mu.Unlock()
		defer m.release(req.Key)
		select {
		case <-f.done:
			return f.out, f.err
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
	f := &flight{req: req, done: make(chan struct{})}
	q.inflight = f
	m.mu.Unlock()
	return m.lead(ctx, q, f)
}

// CompleteOAuth finishes an OAuth sub-flow. It goes through the same key
// queue as Connect, so a racing manual request cannot produce a second
// connection: whichever runs second sees the first one's cached handle.
func (m *Manager) CompleteOAuth(ctx context.Context, req Request) (Outcome, error) {
	if req.Code == "" {
		return Outcome{}, errmodel.Validation("missing_code", "authorization code is required", nil)
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Outcome{}, ErrClosed
	}
	q := m.queueLocked(req.Key)
	m.mu.Unlock()
	f := &flight{req: req, done: make(chan struct{})}
	return m.lead(ctx, q, f)
}

func (m *Manager) queueLocked(k Key) *keyQueue {
	q, ok := m.queues[k]
	if !ok {
		q = &keyQueue{sem: make(chan struct{}, 1)}
		m.queues[k] = q
	}
	q.refs++
	return q
}

func (m *Manager) release(k Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[k]
	if q == nil {
		return
	}
	q.refs--
	if q.refs == 0 {
		delete(m.queues, k)
	}
}

// lead starts f and waits for its outcome. The flight is detached from ctx:
// a leader that gives up returns ctx.Err() while callers that joined the
// flight still observe the attempt's real outcome.
func (m *Manager) lead(ctx context.Context, q *keyQueue, f *flight) (Outcome, error) {
	m.flights.Add(1)
	go m.fly(context.WithoutCancel(ctx), q, f)
	select {
	case <-f.done:
		return f.out, f.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// fly runs f once the key's queue is free and publishes the outcome. It owns
// the queue reference taken by the leader.
func (m *Manager) fly(ctx context.Context, q *keyQueue, f *flight) {
	defer m.flights.Done()
	defer m.release(f.req.Key)
	q.sem <- struct{}{}
	defer func() { <-q.sem }()

	var (
		out Outcome
		err error
	)
	m.mu.Lock()
	c, ok := m.cache[f.req.Key]
	closed := m.closed
	m.mu.Unlock()
	switch {
	case closed:
		err = ErrClosed
	case ok:
		out = c.outcome()
	default:
		out, err = m.attempt(ctx, f.req)
	}

	m.mu.Lock()
	f.out, f.err = out, err
	if q.inflight == f {
		q.inflight = nil
	}
	m.mu.Unlock()
	close(f.done)
}

func (m *Manager) attempt(ctx context.Context, req Request) (Outcome, error) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()
	actx, span := m.tracer.Start(actx, "Manager.Connect", trace.WithAttributes(
		otel.ConnectionKey.String(req.Key.String()),
		attribute.Bool("connection.oauth_callback", req.Code != ""),
	))
	defer span.End()
	start := time.Now()

	if req.Code == "" {
		if err := m.record(actx, convo.EventConnectionRequested, convo.ConnectionEvent{Key: req.Key, ServerID: req.ServerID}, false); err != nil {
			return Outcome{}, err
		}
	}
	a, err := m.connector.Connect(actx, req)
	var out Outcome
	ev := convo.ConnectionEvent{Key: req.Key, ServerID: firstNonEmpty(a.ServerID, req.ServerID)}
	typ, trigger := "", false
	switch {
	case err != nil:
		out = Outcome{Status: StatusErrored, Err: err}
		ev.Error = errmodel.Text(err)
		typ, trigger = convo.EventConnectionFailed, req.Code != ""
		span.RecordError(err)
	case a.Client != nil:
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			_ = a.Client.Close()
			return Outcome{}, ErrClosed
		}
		m.cache[req.Key] = cached{client: a.Client, tools: a.Tools, serverID: ev.ServerID}
		m.mu.Unlock()
		out = Outcome{Status: StatusEstablished, Client: a.Client, Tools: a.Tools}
		ev.Tools = a.Tools
		// a completed OAuth flow resumes the conversation that asked for it
		typ, trigger = convo.EventConnectionEstablished, req.Code != ""
	case len(a.RequiredFields) > 0:
		out = Outcome{Status: StatusAwaitingParameters, RequiredFields: a.RequiredFields}
		ev.RequiredFields = a.RequiredFields
		typ = convo.EventConnectionAwaitingParameters
	case a.AuthURL != "":
		out = Outcome{Status: StatusAwaitingOAuth, AuthURL: a.AuthURL}
		ev.AuthURL = a.AuthURL
		typ = convo.EventConnectionAwaitingOAuth
	default:
		err = errmodel.System("connector_contract", "connector reported no outcome", map[string]any{"key": req.Key.String()}, nil)
		out = Outcome{Status: StatusErrored, Err: err}
		ev.Error = err.Error()
		typ = convo.EventConnectionFailed
	}
	span.SetAttributes(attribute.String("connection.status", out.Status))
	if m.rec != nil {
		m.rec.ObserveConnect(out.Status, time.Since(start))
	}
	m.logger.Info("connection attempt",
		zap.String("key", req.Key.String()),
		zap.String("status", out.Status),
		zap.Duration("elapsed", time.Since(start)),
		errmodel.Field(out.Err))
	if rerr := m.record(actx, typ, ev, trigger); rerr != nil {
		return out, rerr
	}
	return out, nil
}

func (m *Manager) record(ctx context.Context, typ string, ev convo.ConnectionEvent, trigger bool) error {
	if m.emit == nil {
		return nil
	}
	_, err := m.emit.AddEvents(ctx, []agent.Draft{{Type: typ, Data: ev, TriggerNextStep: trigger}})
	return err
}

// Client returns the established connection of a key.
func (m *Manager) Client(k Key) (mcpclient.Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cache[k]
	return c.client, ok
}

// CallTool calls a tool on the established connection named by server,
// the String form of its key.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (any, error) {
	m.mu.Lock()
	var client mcpclient.Client
	for k, c := range m.cache {
		if k.String() == server {
			client = c.client
			break
		}
	}
	m.mu.Unlock()
	if client == nil {
		return nil, errmodel.Network("not_connected", "integration is not connected", map[string]any{"server": server}, nil)
	}
	return client.CallTool(ctx, tool, args)
}

// Disconnect drops and closes the connection of a key.
func (m *Manager) Disconnect(ctx context.Context, k Key) error {
	m.mu.Lock()
	c, ok := m.cache[k]
	delete(m.cache, k)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	err := c.client.Close()
	if rerr := m.record(ctx, convo.EventConnectionClosed, convo.ConnectionEvent{Key: k, ServerID: c.serverID}, false); rerr != nil {
		return rerr
	}
	return err
}

// Close waits for running attempts and closes every cached connection.
// Further requests fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.flights.Wait()

	m.mu.Lock()
	clients := make([]mcpclient.Client, 0, len(m.cache))
	for _, c := range m.cache {
		clients = append(clients, c.client)
	}
	m.cache = map[Key]cached{}
	m.mu.Unlock()
	var errs []error
	for _, c := range clients {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func (c cached) outcome() Outcome {
	return Outcome{Status: StatusEstablished, Client: c.client, Tools: c.tools, Cached: true}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
