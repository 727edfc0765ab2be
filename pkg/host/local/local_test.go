package local

import (
	"context"
	"testing"
	"time"
)

func TestTimersFireAndLeaveLiveList(t *testing.T) {
	h := New()
	defer h.Close()
	fired := make(chan string, 1)
	a := h.Actor("a1", func(_ context.Context, id string, _ time.Time) { fired <- id })
	ctx := context.Background()
	soon, _ := a.ScheduleWake(ctx, time.Now().Add(10*time.Millisecond))
	later, _ := a.ScheduleWake(ctx, time.Now().Add(time.Hour))
	select {
	case id := <-fired:
		if id != soon {
			t.Fatalf("fired %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	deadline := time.Now().Add(2 * time.Second)
	live, _ := a.ListLiveWakes(ctx)
	for len(live) != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		live, _ = a.ListLiveWakes(ctx)
	}
	if len(live) != 1 || live[0] != later {
		t.Fatalf("live %v", live)
	}
	if ok, _ := a.CancelWake(ctx, later); !ok {
		t.Fatal("cancel failed")
	}
	if ok, _ := a.CancelWake(ctx, later); ok {
		t.Fatal("second cancel must report false")
	}
	other := h.Actor("a2", nil)
	if live, _ := other.ListLiveWakes(ctx); len(live) != 0 {
		t.Fatal("timers leak across actors")
	}
}

func TestBroadcastDoesNotBlock(t *testing.T) {
	h := New()
	ch, cancel := h.Subscribe(1)
	defer cancel()
	a := h.Actor("a1", nil)
	a.Broadcast(context.Background(), 1)
	a.Broadcast(context.Background(), 2)
	if m := <-ch; m.Payload != 1 || m.ActorID != "a1" {
		t.Fatalf("message %+v", m)
	}
}

func TestTimerIsLiveWhileWakeRuns(t *testing.T) {
	h := New()
	defer h.Close()
	seen := make(chan []string, 1)
	var a *Actor
	a = h.Actor("a1", func(ctx context.Context, _ string, _ time.Time) {
		live, _ := a.ListLiveWakes(ctx)
		seen <- live
	})
	id, _ := a.ScheduleWake(context.Background(), time.Now())
	select {
	case live := <-seen:
		if len(live) != 1 || live[0] != id {
			t.Fatalf("live during wake %v", live)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}
