package reminders

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wilhg/convo/pkg/agent"
	"github.com/wilhg/convo/pkg/errmodel"
	"github.com/wilhg/convo/pkg/eventlog"
	"github.com/wilhg/convo/pkg/runtime"
	convo "github.com/wilhg/convo/pkg/slices"
	"github.com/wilhg/convo/pkg/store/memstore"
)

// scheduler is a host.Scheduler double; timers fire only when the test says so.
type scheduler struct {
	mu    sync.Mutex
	seq   int
	live  map[string]time.Time
	calls []string
}

func newScheduler() *scheduler { return &scheduler{live: map[string]time.Time{}} }

func (s *scheduler) ScheduleWake(_ context.Context, when time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := "t" + strconv.Itoa(s.seq)
	s.live[id] = when
	s.calls = append(s.calls, "schedule:"+id)
	return id, nil
}

func (s *scheduler) CancelWake(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "cancel:"+id)
	_, ok := s.live[id]
	delete(s.live, id)
	return ok, nil
}

func (s *scheduler) ListLiveWakes(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.live))
	for id := range s.live {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

// pop simulates the platform firing a timer.
func (s *scheduler) pop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, id)
}

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Reconciler, *runtime.Core, *scheduler, *time.Time) {
	t.Helper()
	r, err := agent.Compose(convo.All()...)
	if err != nil {
		t.Fatal(err)
	}
	core := runtime.NewCore(eventlog.New(memstore.New(), "a"), r)
	if err := core.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	now := t0
	sched := newScheduler()
	n := 0
	rec := New(core, sched, WithClock(func() time.Time { return now }), WithIDs(func() string { n++; return "r" + strconv.Itoa(n) }))
	return rec, core, sched, &now
}

func secs(n int) *int { return &n }

func TestCreateValidation(t *testing.T) {
	rec, _, _, _ := setup(t)
	ctx := context.Background()
	cases := []struct {
		name string
		req  Request
		want string
	}{
		{"no mode", Request{Message: "x"}, "exactly one"},
		{"two modes", Request{Message: "x", NumberOfSecondsFromNow: secs(5), Cron: "@daily"}, "exactly one"},
		{"zero seconds", Request{Message: "x", NumberOfSecondsFromNow: secs(0)}, "positive"},
		{"garbage at", Request{Message: "x", At: "tomorrow-ish"}, "Cannot read"},
		{"past at", Request{Message: "x", At: "2020-01-01T00:00:00Z"}, "in the past"},
		{"bad cron", Request{Message: "x", Cron: "every tuesday"}, "not a valid cron"},
		{"no message", Request{NumberOfSecondsFromNow: secs(5)}, "message"},
	}
	for _, c := range cases {
		_, err := rec.Create(ctx, c.req)
		if !errmodel.IsCategory(err, errmodel.CategoryValidation) || !strings.Contains(err.Error(), c.want) {
			t.Fatalf("%s: got %v", c.name, err)
		}
	}
}

func TestCreateModes(t *testing.T) {
	rec, _, sched, _ := setup(t)
	ctx := context.Background()
	a, err := rec.Create(ctx, Request{Message: "a", NumberOfSecondsFromNow: secs(90)})
	if err != nil || !a.NextAt.Equal(t0.Add(90*time.Second)) || a.Recurring {
		t.Fatal(a, err)
	}
	b, err := rec.Create(ctx, Request{Message: "b", At: "2026-05-02 10:30"})
	if err != nil || !b.NextAt.Equal(time.Date(2026, 5, 2, 10, 30, 0, 0, time.UTC)) {
		t.Fatal(b, err)
	}
	c, err := rec.Create(ctx, Request{Message: "c", Cron: "0 30 9 * * *"})
	if err != nil || !c.Recurring || !c.NextAt.Equal(t0.Add(30*time.Minute)) {
		t.Fatal(c, err)
	}
	if len(sched.live) != 3 || c.PlatformTimerID != "t3" || c.ID != "r3" {
		t.Fatalf("scheduler %+v reminder %+v", sched.live, c)
	}
}

func TestListPrunesFiredReminders(t *testing.T) {
	rec, core, sched, now := setup(t)
	ctx := context.Background()
	first, _ := rec.Create(ctx, Request{Message: "five", NumberOfSecondsFromNow: secs(5)})
	second, _ := rec.Create(ctx, Request{Message: "sixty", NumberOfSecondsFromNow: secs(60)})

	l1, err := rec.List(ctx)
	if err != nil || len(l1) != 2 {
		t.Fatal(l1, err)
	}
	l2, _ := rec.List(ctx)
	if !slices.EqualFunc(l1, l2, func(a, b convo.Reminder) bool { return a.ID == b.ID }) {
		t.Fatal("listing is not idempotent")
	}

	*now = t0.Add(5 * time.Second)
	sched.pop(first.PlatformTimerID)
	fired, err := rec.Fire(ctx, first.PlatformTimerID, *now)
	if err != nil || !fired {
		t.Fatal(fired, err)
	}
	l3, _ := rec.List(ctx)
	if len(l3) != 1 || l3[0].ID != second.ID {
		t.Fatalf("after firing: %+v", l3)
	}

	// a timer lost by the platform is pruned on the next listing
	sched.pop(second.PlatformTimerID)
	l4, _ := rec.List(ctx)
	if len(l4) != 0 {
		t.Fatalf("orphan not pruned: %+v", l4)
	}
	if len(convo.Reminders.From(core.State()).Active) != 0 {
		t.Fatal("state still holds orphan")
	}
	l5, _ := rec.List(ctx)
	if len(l5) != 0 {
		t.Fatal("second listing differs")
	}
}

func TestFireResumesAndDescribesAge(t *testing.T) {
	rec, core, sched, now := setup(t)
	ctx := context.Background()
	rem, _ := rec.Create(ctx, Request{Message: "stand up", NumberOfSecondsFromNow: secs(300)})
	if _, err := core.AddEvent(ctx, agent.NewDraft(convo.EventPaused, convo.PauseChange{})); err != nil {
		t.Fatal(err)
	}
	*now = t0.Add(5 * time.Minute)
	sched.pop(rem.PlatformTimerID)
	if _, err := rec.Fire(ctx, rem.PlatformTimerID, *now); err != nil {
		t.Fatal(err)
	}
	st := core.State()
	if convo.Conversation.From(st).Paused {
		t.Fatal("wake must resume the conversation")
	}
	in := convo.Reminders.From(st).Inputs
	if len(in) != 1 || in[0].Text != "Reminder: stand up (set 5 minutes ago)" {
		t.Fatalf("inputs %+v", in)
	}
	evs := core.Events()
	last := evs[len(evs)-1]
	if last.Type != convo.EventReminderFired || !last.TriggerNextStep || evs[len(evs)-2].Type != convo.EventResumed {
		t.Fatalf("events %+v", evs)
	}
	if fired, _ := rec.Fire(ctx, rem.PlatformTimerID, *now); fired {
		t.Fatal("one-shot reminder fired twice")
	}
}

func TestRecurringReminderIsRescheduled(t *testing.T) {
	rec, core, sched, now := setup(t)
	ctx := context.Background()
	rem, _ := rec.Create(ctx, Request{Message: "hourly", Cron: "@hourly"})
	*now = rem.NextAt
	sched.pop(rem.PlatformTimerID)
	if _, err := rec.Fire(ctx, rem.PlatformTimerID, *now); err != nil {
		t.Fatal(err)
	}
	got := convo.Reminders.From(core.State()).Active[rem.ID]
	if got.PlatformTimerID == rem.PlatformTimerID || !got.NextAt.Equal(rem.NextAt.Add(time.Hour)) {
		t.Fatalf("not rescheduled: %+v", got)
	}
	l, _ := rec.List(ctx)
	if len(l) != 1 {
		t.Fatalf("recurring reminder lost: %+v", l)
	}
}

func TestWakeForPrunedReminderStillFires(t *testing.T) {
	rec, core, sched, now := setup(t)
	ctx := context.Background()
	daily, _ := rec.Create(ctx, Request{Message: "water plants", Cron: "@daily"})
	once, _ := rec.Create(ctx, Request{Message: "call back", NumberOfSecondsFromNow: secs(30)})

	// both wakes are in flight when a listing runs
	*now = daily.NextAt
	sched.pop(daily.PlatformTimerID)
	sched.pop(once.PlatformTimerID)
	if l, err := rec.List(ctx); err != nil || len(l) != 0 {
		t.Fatal(l, err)
	}

	for _, rem := range []convo.Reminder{daily, once} {
		fired, err := rec.Fire(ctx, rem.PlatformTimerID, *now)
		if err != nil || !fired {
			t.Fatalf("%s: fired=%v err=%v", rem.ID, fired, err)
		}
	}
	rs := convo.Reminders.From(core.State())
	got, ok := rs.Active[daily.ID]
	if !ok || got.PlatformTimerID == daily.PlatformTimerID || !got.NextAt.Equal(daily.NextAt.Add(24*time.Hour)) {
		t.Fatalf("recurring reminder not retained: %+v", rs.Active)
	}
	if _, ok := rs.Active[once.ID]; ok || len(rs.Inputs) != 2 || len(rs.Pruned) != 0 {
		t.Fatalf("state %+v", rs)
	}
	var types []string
	for _, ev := range core.Events() {
		types = append(types, ev.Type)
	}
	want := []string{
		convo.EventReminderCreated, convo.EventReminderCreated, convo.EventReminderPruned,
		convo.EventReminderCreated, convo.EventReminderFired, convo.EventReminderRescheduled,
		convo.EventReminderCreated, convo.EventReminderFired,
	}
	if !slices.Equal(types, want) {
		t.Fatalf("events %v", types)
	}
	if fired, _ := rec.Fire(ctx, once.PlatformTimerID, *now); fired {
		t.Fatal("duplicate wake fired again")
	}
}

func TestCancel(t *testing.T) {
	rec, _, sched, _ := setup(t)
	ctx := context.Background()
	rem, _ := rec.Create(ctx, Request{Message: "x", NumberOfSecondsFromNow: secs(10)})
	if err := rec.Cancel(ctx, rem.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := sched.live[rem.PlatformTimerID]; ok {
		t.Fatal("platform timer still live")
	}
	if err := rec.Cancel(ctx, rem.ID); !errmodel.IsCategory(err, errmodel.CategoryValidation) {
		t.Fatalf("expected not found, got %v", err)
	}
}
