// Package host declares what a conversation actor consumes from the runtime
// hosting it: wake scheduling and best-effort broadcast. The event log itself
// is persisted through store.EventStore.
package host

import (
	"context"
	"time"
)

// Scheduler manages platform timers of one actor.
type Scheduler interface {
	// ScheduleWake arranges a wake at when and returns the platform timer id.
	ScheduleWake(ctx context.Context, when time.Time) (string, error)
	// CancelWake cancels a timer. It reports false if the timer was not live.
	CancelWake(ctx context.Context, timerID string) (bool, error)
	// ListLiveWakes returns the ids of timers that have neither fired nor been cancelled.
	ListLiveWakes(ctx context.Context) ([]string, error)
}

// WakeFunc is called by a host when a timer of the actor fires.
type WakeFunc func(ctx context.Context, timerID string, firedAt time.Time)

// Broadcaster delivers payloads to live observers, fire-and-forget.
type Broadcaster interface {
	Broadcast(ctx context.Context, payload any)
}

// Binding is the set of host services bound to one actor.
type Binding interface {
	Scheduler
	Broadcaster
}

// Runtime hosts actors. wake is called for every fired timer of the actor.
type Runtime interface {
	Bind(actorID string, wake WakeFunc) Binding
}
