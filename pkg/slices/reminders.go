package slices

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/wilhg/convo/pkg/agent"
)

const (
	EventReminderCreated     = "REMINDERS:CREATED"
	EventReminderFired       = "REMINDERS:FIRED"
	EventReminderRescheduled = "REMINDERS:RESCHEDULED"
	EventReminderCancelled   = "REMINDERS:CANCELLED"
	EventReminderPruned      = "REMINDERS:PRUNED"
)

// Reminder is a scheduled wake owned by the actor.
type Reminder struct {
	ID              string    `json:"id"`
	PlatformTimerID string    `json:"platform_timer_id"`
	Message         string    `json:"message"`
	CreatedAt       time.Time `json:"created_at"`
	Recurring       bool      `json:"recurring"`
	// Schedule describes how the reminder was set: "delay:<seconds>", "at:<rfc3339>" or "cron:<expr>".
	Schedule string    `json:"schedule"`
	NextAt   time.Time `json:"next_at"`
}

// ReminderFired is the payload of EventReminderFired. Text is the synthetic
// input shown to the model.
type ReminderFired struct {
	ID      string    `json:"id"`
	Text    string    `json:"text"`
	FiredAt time.Time `json:"fired_at"`
}

// ReminderRescheduled is the payload of EventReminderRescheduled.
type ReminderRescheduled struct {
	ID              string    `json:"id"`
	PlatformTimerID string    `json:"platform_timer_id"`
	NextAt          time.Time `json:"next_at"`
}

// ReminderRemoved is the payload of EventReminderCancelled and EventReminderPruned.
type ReminderRemoved struct {
	IDs []string `json:"ids"`
}

// ReminderInput is a fired reminder as it appears in the transcript.
type ReminderInput struct {
	EventIndex int64  `json:"event_index"`
	ReminderID string `json:"reminder_id"`
	Text       string `json:"text"`
}

// RemindersState is the reminders fragment.
type RemindersState struct {
	Active map[string]Reminder `json:"active"`
	// Pruned keeps reminders dropped for lack of a live timer, so a wake
	// that was already in flight can still be matched.
	Pruned map[string]Reminder `json:"pruned,omitempty"`
	Inputs []ReminderInput     `json:"inputs"`
}

// Sorted returns the active reminders ordered by creation time then id.
func (r RemindersState) Sorted() []Reminder {
	out := slices.Collect(maps.Values(r.Active))
	slices.SortFunc(out, func(a, b Reminder) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// ByPlatformTimer finds the active reminder bound to a platform timer.
func (r RemindersState) ByPlatformTimer(timerID string) (Reminder, bool) {
	for _, rem := range r.Active {
		if rem.PlatformTimerID == timerID {
			return rem, true
		}
	}
	return Reminder{}, false
}

// PrunedByPlatformTimer finds a pruned reminder bound to a platform timer.
func (r RemindersState) PrunedByPlatformTimer(timerID string) (Reminder, bool) {
	for _, rem := range r.Pruned {
		if rem.PlatformTimerID == timerID {
			return rem, true
		}
	}
	return Reminder{}, false
}

// Reminders reduces scheduled wakes.
var Reminders = newReminders()

func newReminders() *agent.SliceDef[RemindersState] {
	s := agent.NewSlice("reminders", RemindersState{}).Requires(CapScheduler)
	agent.Handle(s, EventReminderCreated, func(r RemindersState, p Reminder, _ agent.Event) (RemindersState, error) {
		return r.with(p), nil
	})
	agent.Handle(s, EventReminderFired, func(r RemindersState, p ReminderFired, ev agent.Event) (RemindersState, error) {
		rem, ok := r.Active[p.ID]
		if ok && !rem.Recurring {
			r = r.without(p.ID)
		}
		in := make([]ReminderInput, len(r.Inputs), len(r.Inputs)+1)
		copy(in, r.Inputs)
		r.Inputs = append(in, ReminderInput{EventIndex: ev.EventIndex, ReminderID: p.ID, Text: p.Text})
		return r, nil
	})
	agent.Handle(s, EventReminderRescheduled, func(r RemindersState, p ReminderRescheduled, _ agent.Event) (RemindersState, error) {
		rem, ok := r.Active[p.ID]
		if !ok {
			return r, nil
		}
		rem.PlatformTimerID, rem.NextAt = p.PlatformTimerID, p.NextAt
		return r.with(rem), nil
	})
	agent.Handle(s, EventReminderCancelled, func(r RemindersState, p ReminderRemoved, _ agent.Event) (RemindersState, error) {
		return r.without(p.IDs...), nil
	})
	agent.Handle(s, EventReminderPruned, func(r RemindersState, p ReminderRemoved, _ agent.Event) (RemindersState, error) {
		pruned := maps.Clone(r.Pruned)
		if pruned == nil {
			pruned = map[string]Reminder{}
		}
		for _, id := range p.IDs {
			if rem, ok := r.Active[id]; ok {
				pruned[id] = rem
			}
		}
		r = r.without(p.IDs...)
		r.Pruned = pruned
		return r, nil
	})
	return s
}

func (r RemindersState) with(rem Reminder) RemindersState {
	active := maps.Clone(r.Active)
	if active == nil {
		active = map[string]Reminder{}
	}
	active[rem.ID] = rem
	r.Active = active
	if _, ok := r.Pruned[rem.ID]; ok {
		r.Pruned = maps.Clone(r.Pruned)
		delete(r.Pruned, rem.ID)
	}
	return r
}

func (r RemindersState) without(ids ...string) RemindersState {
	active := maps.Clone(r.Active)
	for _, id := range ids {
		delete(active, id)
	}
	r.Active = active
	return r
}
