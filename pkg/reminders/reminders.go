// Package reminders keeps the reminders in actor state consistent with the
// platform timers that back them.
package reminders

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/wilhg/convo/pkg/agent"
	"github.com/wilhg/convo/pkg/errmodel"
	"github.com/wilhg/convo/pkg/host"
	convo "github.com/wilhg/convo/pkg/slices"
)

// Request creates a reminder. Exactly one of NumberOfSecondsFromNow, At and
// Cron must be set.
type Request struct {
	Message                string `json:"message"`
	NumberOfSecondsFromNow *int   `json:"numberOfSecondsFromNow,omitempty"`
	// At is an RFC 3339 timestamp, or "2006-01-02 15:04" in UTC.
	At string `json:"at,omitempty"`
	// Cron is a cron expression with optional seconds field, or a descriptor like @daily.
	Cron string `json:"cron,omitempty"`
}

// Core is the part of the agent core the reconciler uses.
type Core interface {
	AddEvents(ctx context.Context, drafts []agent.Draft) ([]agent.EventRef, error)
	State() agent.State
}

// Recorder receives reminder metrics.
type Recorder interface {
	ReminderFired(recurring bool)
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock sets the time source used for scheduling.
func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

// WithIDs sets the reminder id generator.
func WithIDs(gen func() string) Option { return func(r *Reconciler) { r.newID = gen } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(r *Reconciler) { r.logger = l } }

// WithRecorder sets the metrics recorder.
func WithRecorder(rec Recorder) Option { return func(r *Reconciler) { r.rec = rec } }

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var atLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02 15:04"}

// Reconciler keeps logged reminders and host timers in agreement.
type Reconciler struct {
	core   Core
	sched  host.Scheduler
	now    func() time.Time
	newID  func() string
	logger *zap.Logger
	rec    Recorder

	// serializes read-check-append sequences against the reminders fragment
	mu sync.Mutex
}

// New returns a reconciler appending to core and scheduling on sched.
func New(core Core, sched host.Scheduler, opts ...Option) *Reconciler {
	r := &Reconciler{core: core, sched: sched, now: time.Now, newID: uuid.NewString, logger: zap.NewNop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

func invalid(msg string) error {
	return errmodel.Validation("invalid_schedule", msg, nil)
}

// plan validates the request and returns the first wake time, whether the
// reminder recurs and its schedule descriptor.
func (r *Reconciler) plan(req Request, now time.Time) (time.Time, bool, string, error) {
	modes := 0
	if req.NumberOfSecondsFromNow != nil {
		modes++
	}
	if req.At != "" {
		modes++
	}
	if req.Cron != "" {
		modes++
	}
	if modes != 1 {
		return time.Time{}, false, "", invalid("Set exactly one of numberOfSecondsFromNow, at or cron.")
	}
	switch {
	case req.NumberOfSecondsFromNow != nil:
		n := *req.NumberOfSecondsFromNow
		if n <= 0 {
			return time.Time{}, false, "", invalid(fmt.Sprintf("numberOfSecondsFromNow must be a positive whole number of seconds, got %d.", n))
		}
		return now.Add(time.Duration(n) * time.Second), false, "delay:" + strconv.Itoa(n), nil
	case req.At != "":
		at, ok := parseAt(req.At)
		if !ok {
			return time.Time{}, false, "", invalid(fmt.Sprintf("Cannot read %q as a date and time; use a format like 2006-01-02T15:04:05Z.", req.At))
		}
		if !at.After(now) {
			return time.Time{}, false, "", invalid(fmt.Sprintf("%s is in the past; reminders must be set in the future.", at.UTC().Format(time.RFC3339)))
		}
		return at, false, "at:" + at.UTC().Format(time.RFC3339), nil
	}
	s, err := parser.Parse(req.Cron)
	if err != nil {
		return time.Time{}, false, "", invalid(fmt.Sprintf("%q is not a valid cron expression: %v.", req.Cron, err))
	}
	next := s.Next(now)
	if next.IsZero() {
		return time.Time{}, false, "", invalid(fmt.Sprintf("%q never fires.", req.Cron))
	}
	return next, true, "cron:" + req.Cron, nil
}

func parseAt(s string) (time.Time, bool) {
	for _, l := range atLayouts {
		if t, err := time.ParseInLocation(l, strings.TrimSpace(s), time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Create schedules a platform wake and records the reminder.
func (r *Reconciler) Create(ctx context.Context, req Request) (convo.Reminder, error) {
	if strings.TrimSpace(req.Message) == "" {
		return convo.Reminder{}, errmodel.Validation("invalid_reminder", "A reminder needs a message.", nil)
	}
	now := r.now()
	next, recurring, schedule, err := r.plan(req, now)
	if err != nil {
		return convo.Reminder{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	timerID, err := r.sched.ScheduleWake(ctx, next)
	if err != nil {
		return convo.Reminder{}, errmodel.System("schedule_failed", "host could not schedule the wake", nil, err)
	}
	rem := convo.Reminder{
		ID:              r.newID(),
		PlatformTimerID: timerID,
		Message:         req.Message,
		CreatedAt:       now.UTC(),
		Recurring:       recurring,
		Schedule:        schedule,
		NextAt:          next.UTC(),
	}
	if _, err := r.core.AddEvents(ctx, []agent.Draft{agent.NewDraft(convo.EventReminderCreated, rem)}); err != nil {
		if _, cerr := r.sched.CancelWake(ctx, timerID); cerr != nil {
			r.logger.Warn("orphaned platform timer", zap.String("timer_id", timerID), zap.Error(cerr))
		}
		return convo.Reminder{}, err
	}
	return rem, nil
}

// List returns the reminders whose platform timer is still live. Reminders
// whose timer is gone are pruned first.
func (r *Reconciler) List(ctx context.Context) ([]convo.Reminder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	live, err := r.sched.ListLiveWakes(ctx)
	if err != nil {
		return nil, errmodel.System("list_wakes_failed", "host could not list wakes", nil, err)
	}
	alive := make(map[string]bool, len(live))
	for _, id := range live {
		alive[id] = true
	}
	var keep []convo.Reminder
	var orphans []string
	for _, rem := range convo.Reminders.From(r.core.State()).Sorted() {
		if alive[rem.PlatformTimerID] {
			keep = append(keep, rem)
		} else {
			orphans = append(orphans, rem.ID)
		}
	}
	if len(orphans) > 0 {
		if _, err := r.core.AddEvents(ctx, []agent.Draft{agent.NewDraft(convo.EventReminderPruned, convo.ReminderRemoved{IDs: orphans})}); err != nil {
			return nil, err
		}
		r.logger.Info("pruned reminders without live timers", zap.Strings("ids", orphans))
	}
	return keep, nil
}

// Cancel cancels a reminder by its internal id.
func (r *Reconciler) Cancel(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rem, ok := convo.Reminders.From(r.core.State()).Active[id]
	if !ok {
		return errmodel.NotFound("No reminder with id "+id+".", nil)
	}
	if _, err := r.sched.CancelWake(ctx, rem.PlatformTimerID); err != nil {
		return errmodel.System("cancel_failed", "host could not cancel the wake", nil, err)
	}
	_, err := r.core.AddEvents(ctx, []agent.Draft{agent.NewDraft(convo.EventReminderCancelled, convo.ReminderRemoved{IDs: []string{id}})})
	return err
}

// Fire handles a platform wake. A paused conversation is resumed, then a
// synthetic input describing the reminder is appended. Recurring reminders
// are rescheduled in the same batch. A reminder pruned while its wake was
// in flight is restored first. Unknown timers are ignored.
func (r *Reconciler) Fire(ctx context.Context, timerID string, firedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.core.State()
	var drafts []agent.Draft
	rs := convo.Reminders.From(st)
	rem, ok := rs.ByPlatformTimer(timerID)
	if !ok {
		if rem, ok = rs.PrunedByPlatformTimer(timerID); !ok {
			r.logger.Info("wake for unknown timer", zap.String("timer_id", timerID))
			return false, nil
		}
		r.logger.Info("wake for a pruned reminder", zap.String("timer_id", timerID), zap.String("id", rem.ID))
		drafts = append(drafts, agent.NewDraft(convo.EventReminderCreated, rem))
	}
	if convo.Conversation.From(st).Paused {
		drafts = append(drafts, agent.NewDraft(convo.EventResumed, convo.PauseChange{Reason: "reminder " + rem.ID}))
	}
	drafts = append(drafts, agent.Draft{
		Type:            convo.EventReminderFired,
		Data:            convo.ReminderFired{ID: rem.ID, Text: WakeText(rem, firedAt), FiredAt: firedAt.UTC()},
		IdempotencyKey:  "reminder-fired:" + timerID,
		TriggerNextStep: true,
	})
	if rem.Recurring {
		d, err := r.reschedule(ctx, rem, firedAt)
		if err != nil {
			return false, err
		}
		drafts = append(drafts, d)
	}
	if _, err := r.core.AddEvents(ctx, drafts); err != nil {
		return false, err
	}
	if r.rec != nil {
		r.rec.ReminderFired(rem.Recurring)
	}
	return true, nil
}

func (r *Reconciler) reschedule(ctx context.Context, rem convo.Reminder, after time.Time) (agent.Draft, error) {
	s, err := parser.Parse(strings.TrimPrefix(rem.Schedule, "cron:"))
	if err != nil {
		return agent.Draft{}, errmodel.System("schedule_corrupt", "stored cron expression no longer parses", map[string]any{"id": rem.ID}, err)
	}
	next := s.Next(after)
	timerID, err := r.sched.ScheduleWake(ctx, next)
	if err != nil {
		return agent.Draft{}, errmodel.System("schedule_failed", "host could not schedule the wake", nil, err)
	}
	return agent.NewDraft(convo.EventReminderRescheduled, convo.ReminderRescheduled{ID: rem.ID, PlatformTimerID: timerID, NextAt: next.UTC()}), nil
}

// WakeText is the synthetic input appended when a reminder fires.
func WakeText(rem convo.Reminder, firedAt time.Time) string {
	return fmt.Sprintf("Reminder: %s (set %s)", rem.Message, humanize.RelTime(rem.CreatedAt, firedAt, "ago", "from now"))
}
