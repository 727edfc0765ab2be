// Package local is an in-process host: timers are time.AfterFunc and
// broadcast fans out to subscriber channels.
package local

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wilhg/convo/pkg/host"
)

// Message is a broadcast payload tagged with its actor.
type Message struct {
	ActorID string
	Payload any
}

type Host struct {
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	seq    int64
	timers map[string]*timer
	subs   map[int]chan Message
	nextID int
}

type timer struct {
	actorID string
	t       *time.Timer
}

type Option func(*Host)

func WithLogger(l *zap.Logger) Option { return func(h *Host) { h.logger = l } }

// WithClock replaces time.Now for computing delays.
func WithClock(now func() time.Time) Option { return func(h *Host) { h.now = now } }

func New(opts ...Option) *Host {
	h := &Host{logger: zap.NewNop(), now: time.Now, timers: map[string]*timer{}, subs: map[int]chan Message{}}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Actor returns the host view of one actor. wake is called when its timers fire.
func (h *Host) Actor(actorID string, wake host.WakeFunc) *Actor {
	return &Actor{h: h, id: actorID, wake: wake}
}

// Bind implements host.Runtime.
func (h *Host) Bind(actorID string, wake host.WakeFunc) host.Binding { return h.Actor(actorID, wake) }

// Subscribe returns a channel receiving broadcasts of all actors. Slow
// subscribers miss messages instead of blocking broadcasters.
func (h *Host) Subscribe(buffer int) (<-chan Message, func()) {
	ch := make(chan Message, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// Close stops all timers.
func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, t := range h.timers {
		t.t.Stop()
		delete(h.timers, id)
	}
}

// Actor implements host.Scheduler and host.Broadcaster for one actor.
type Actor struct {
	h    *Host
	id   string
	wake host.WakeFunc
}

var (
	_ host.Scheduler   = (*Actor)(nil)
	_ host.Broadcaster = (*Actor)(nil)
)

func (a *Actor) ScheduleWake(_ context.Context, when time.Time) (string, error) {
	h := a.h
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	id := a.id + "/t" + strconv.FormatInt(h.seq, 10)
	delay := when.Sub(h.now())
	if delay < 0 {
		delay = 0
	}
	h.timers[id] = &timer{actorID: a.id, t: time.AfterFunc(delay, func() { a.fire(id) })}
	return id, nil
}

// fire runs the wake callback. The timer stays listed as live until the
// callback returns, so reconciliation never sees a wake in flight as lost.
func (a *Actor) fire(id string) {
	h := a.h
	h.mu.Lock()
	t, live := h.timers[id]
	h.mu.Unlock()
	if !live {
		return
	}
	if a.wake != nil {
		a.wake(context.Background(), id, h.now())
	}
	h.mu.Lock()
	if h.timers[id] == t {
		delete(h.timers, id)
	}
	h.mu.Unlock()
}

func (a *Actor) CancelWake(_ context.Context, timerID string) (bool, error) {
	h := a.h
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.timers[timerID]
	if !ok || t.actorID != a.id {
		return false, nil
	}
	delete(h.timers, timerID)
	return t.t.Stop(), nil
}

func (a *Actor) ListLiveWakes(context.Context) ([]string, error) {
	h := a.h
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for id, t := range h.timers {
		if t.actorID == a.id {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (a *Actor) Broadcast(_ context.Context, payload any) {
	h := a.h
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- Message{ActorID: a.id, Payload: payload}:
		default:
			h.logger.Debug("broadcast dropped for slow subscriber", zap.String("actor.id", a.id))
		}
	}
}

// Expire removes a live timer without firing it, as if the platform lost it.
func (a *Actor) Expire(timerID string) {
	h := a.h
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.timers[timerID]; ok {
		t.t.Stop()
		delete(h.timers, timerID)
	}
}
