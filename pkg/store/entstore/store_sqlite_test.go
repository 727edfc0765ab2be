package entstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/wilhg/convo/pkg/errmodel"
	"github.com/wilhg/convo/pkg/store"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	dsn := fmt.Sprintf("sqlite:file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", t.Name())
	st, err := Open(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	return st
}

func rec(typ, data, key string) store.EventRecord {
	return store.EventRecord{Type: typ, Data: json.RawMessage(data), IdempotencyKey: key}
}

func TestSQLiteAppendAssignsContiguousIndices(t *testing.T) {
	ctx := context.Background()
	st := openSQLite(t)

	if last, err := st.LastIndex(ctx, "a1"); err != nil || last != -1 {
		t.Fatalf("empty log last=%d err=%v", last, err)
	}
	got, err := st.AppendEvents(ctx, "a1", []store.EventRecord{rec("X:ONE", `{"hello":"world"}`, ""), rec("X:TWO", "", "")})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].EventIndex != 0 || got[1].EventIndex != 1 {
		t.Fatalf("indices = %d,%d", got[0].EventIndex, got[1].EventIndex)
	}
	more, err := st.AppendEvents(ctx, "a1", []store.EventRecord{rec("X:ONE", `{}`, "")})
	if err != nil {
		t.Fatal(err)
	}
	if more[0].EventIndex != 2 {
		t.Fatalf("index = %d want 2", more[0].EventIndex)
	}
	// other actors have their own sequence
	other, err := st.AppendEvents(ctx, "a2", []store.EventRecord{rec("X:ONE", `{}`, "")})
	if err != nil {
		t.Fatal(err)
	}
	if other[0].EventIndex != 0 {
		t.Fatalf("a2 index = %d", other[0].EventIndex)
	}

	all, err := st.ListEvents(ctx, "a1", -1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || string(all[0].Data) != `{"hello":"world"}` || string(all[1].Data) != `{}` {
		t.Fatalf("unexpected list %+v", all)
	}
	ones, err := st.ListEventsByType(ctx, "a1", "X:ONE")
	if err != nil {
		t.Fatal(err)
	}
	if len(ones) != 2 || ones[1].EventIndex != 2 {
		t.Fatalf("by type = %+v", ones)
	}
	page, err := st.ListEvents(ctx, "a1", 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].EventIndex != 1 {
		t.Fatalf("page = %+v", page)
	}
}

func TestSQLiteIdempotencyKeyDedup(t *testing.T) {
	ctx := context.Background()
	st := openSQLite(t)

	first, err := st.AppendEvents(ctx, "a", []store.EventRecord{rec("X:ONE", `{"n":1}`, "k1")})
	if err != nil {
		t.Fatal(err)
	}
	again, err := st.AppendEvents(ctx, "a", []store.EventRecord{rec("X:ONE", `{"n":2}`, "k1"), rec("X:ONE", `{"n":3}`, "k2"), rec("X:ONE", `{"n":4}`, "k2")})
	if err != nil {
		t.Fatal(err)
	}
	if again[0].EventIndex != first[0].EventIndex || string(again[0].Data) != `{"n":1}` {
		t.Fatalf("duplicate not collapsed: %+v", again[0])
	}
	if again[1].EventIndex != 1 || again[2].EventIndex != 1 {
		t.Fatalf("in-batch duplicate not collapsed: %+v", again)
	}
	if last, _ := st.LastIndex(ctx, "a"); last != 1 {
		t.Fatalf("last = %d want 1", last)
	}
}

func TestSQLiteRejectsMissingType(t *testing.T) {
	st := openSQLite(t)
	_, err := st.AppendEvents(context.Background(), "a", []store.EventRecord{rec("X:ONE", `{}`, ""), rec("", `{}`, "")})
	if !errmodel.IsCategory(err, errmodel.CategoryValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	// the batch is atomic
	if last, _ := st.LastIndex(context.Background(), "a"); last != -1 {
		t.Fatalf("partial batch persisted, last=%d", last)
	}
}

func TestSQLiteSchemaMismatchFailsLoudly(t *testing.T) {
	ctx := context.Background()
	st := openSQLite(t)
	// a row written by an incompatible writer
	if _, err := st.drv.DB().ExecContext(ctx, `INSERT INTO events (actor_id, event_index, type, data, trigger_next_step, created_at) VALUES ('a', 0, 'X:ONE', '{}', 'yes', 'yesterday')`); err != nil {
		t.Fatal(err)
	}
	_, err := st.ListEvents(ctx, "a", -1, 0)
	if !errmodel.IsFatal(err) {
		t.Fatalf("expected schema mismatch, got %v", err)
	}
}

func TestSQLiteSummariesSnapshotsHeartbeats(t *testing.T) {
	ctx := context.Background()
	st := openSQLite(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	if _, err := st.GetSummary(ctx, "a"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	for i := int64(0); i < 3; i++ {
		if err := st.UpsertSummary(ctx, store.Summary{ActorID: "a", EventCount: i + 1, LastEventIndex: i, LastEventType: "X:ONE", LastEventAt: now}); err != nil {
			t.Fatal(err)
		}
	}
	sum, err := st.GetSummary(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if sum.LastEventIndex != 2 || sum.EventCount != 3 || !sum.LastEventAt.Equal(now) {
		t.Fatalf("summary = %+v", sum)
	}

	if _, err := st.LoadLatestSnapshot(ctx, "a"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	for _, upto := range []int64{1, 4} {
		if _, err := st.SaveSnapshot(ctx, store.SnapshotRecord{SnapshotID: fmt.Sprintf("s%d", upto), ActorID: "a", UptoIndex: upto, State: json.RawMessage(`{"index":1}`)}); err != nil {
			t.Fatal(err)
		}
	}
	sn, err := st.LoadLatestSnapshot(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if sn.UptoIndex != 4 {
		t.Fatalf("latest snapshot = %+v", sn)
	}

	h := store.HeartbeatRecord{ActorID: "a", ProcessID: "p1", Name: "sync", Status: store.ProcessRunning, StartedAt: now, LastBeatAt: now}
	if err := st.UpsertHeartbeat(ctx, h); err != nil {
		t.Fatal(err)
	}
	h.Status = store.ProcessTimedOut
	if err := st.UpsertHeartbeat(ctx, h); err != nil {
		t.Fatal(err)
	}
	hs, err := st.ListHeartbeats(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(hs) != 1 || hs[0].Status != store.ProcessTimedOut {
		t.Fatalf("heartbeats = %+v", hs)
	}
}
