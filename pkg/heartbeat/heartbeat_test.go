package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/wilhg/convo/pkg/agent"
	convo "github.com/wilhg/convo/pkg/slices"
	"github.com/wilhg/convo/pkg/store"
	"github.com/wilhg/convo/pkg/store/memstore"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

type sink struct {
	mu     sync.Mutex
	drafts []agent.Draft
}

func (s *sink) AddEvents(_ context.Context, d []agent.Draft) ([]agent.EventRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts = append(s.drafts, d...)
	return make([]agent.EventRef, len(d)), nil
}

func (s *sink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, d := range s.drafts {
		out = append(out, d.Type)
	}
	return out
}

func TestSweepTimesOutExactlyOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := memstore.New()
	s := &sink{}
	m := New(st, s, "a1", WithTimeout(time.Minute), WithClock(func() time.Time { return now }))

	stale, _ := m.Start(ctx, "sync")
	fresh, _ := m.Start(ctx, "index")
	now = now.Add(50 * time.Second)
	if err := m.Beat(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	now = now.Add(20 * time.Second)

	ids, err := m.Sweep(ctx, now)
	if err != nil || len(ids) != 1 || ids[0] != stale {
		t.Fatal(ids, err)
	}
	if ids, _ := m.Sweep(ctx, now); len(ids) != 0 {
		t.Fatalf("timed out twice: %v", ids)
	}
	hbs, _ := st.ListHeartbeats(ctx, "a1")
	for _, h := range hbs {
		if h.ProcessID == stale && h.Status != store.ProcessTimedOut {
			t.Fatalf("status %q", h.Status)
		}
	}
	if err := m.Beat(ctx, stale); err == nil {
		t.Fatal("beat after timeout must fail")
	}
	if err := m.Finish(ctx, stale, store.ProcessCompleted, nil); err != nil {
		t.Fatal(err)
	}
	want := []string{convo.EventProcessStarted, convo.EventProcessStarted, convo.EventProcessTimedOut}
	got := s.types()
	if len(got) != len(want) {
		t.Fatalf("events %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events %v", got)
		}
	}
}

func TestGoRecordsTerminalStatus(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	s := &sink{}
	m := New(st, s, "a1")
	ok, _ := m.Go(ctx, "ok", func(_ context.Context, beat func() error) error { return beat() })
	bad, _ := m.Go(ctx, "bad", func(context.Context, func() error) error { return errors.New("broke") })
	m.Wait()
	hbs, _ := st.ListHeartbeats(ctx, "a1")
	status := map[string]string{}
	for _, h := range hbs {
		status[h.ProcessID] = h.Status
	}
	if status[ok] != store.ProcessCompleted || status[bad] != store.ProcessFailed {
		t.Fatalf("statuses %v", status)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	m := New(memstore.New(), &sink{}, "a1")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { m.Run(ctx, time.Millisecond); close(done) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestSweepCancelsStuckProcess(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	st := memstore.New()
	s := &sink{}
	m := New(st, s, "a1", WithTimeout(time.Minute), WithClock(clock))

	stopped := make(chan error, 1)
	id, err := m.Go(ctx, "stuck", func(ctx context.Context, _ func() error) error {
		<-ctx.Done()
		stopped <- ctx.Err()
		return ctx.Err()
	})
	if err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	ids, err := m.Sweep(ctx, clock())
	if err != nil || len(ids) != 1 || ids[0] != id {
		t.Fatal(ids, err)
	}
	select {
	case err := <-stopped:
		if !errors.Is(err, context.Canceled) {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out process was not cancelled")
	}
	m.Wait()
	hbs, _ := st.ListHeartbeats(ctx, "a1")
	if len(hbs) != 1 || hbs[0].Status != store.ProcessTimedOut {
		t.Fatalf("heartbeats %v", hbs)
	}
	got := s.types()
	if len(got) != 2 || got[1] != convo.EventProcessTimedOut {
		t.Fatalf("events %v", got)
	}
}
