// Package memstore is an in-process implementation of store.Store for tests
// and single-node development. It mirrors the SQL store semantics.
package memstore

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/wilhg/convo/pkg/errmodel"
	"github.com/wilhg/convo/pkg/store"
)

// Store keeps everything in maps guarded by one mutex.
type Store struct {
	mu         sync.Mutex
	events     map[string][]store.EventRecord
	keys       map[string]map[string]int64
	snapshots  map[string][]store.SnapshotRecord
	summaries  map[string]store.Summary
	heartbeats map[string]map[string]store.HeartbeatRecord
	now        func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		events:     map[string][]store.EventRecord{},
		keys:       map[string]map[string]int64{},
		snapshots:  map[string][]store.SnapshotRecord{},
		summaries:  map[string]store.Summary{},
		heartbeats: map[string]map[string]store.HeartbeatRecord{},
		now:        time.Now,
	}
}

func (s *Store) AppendEvents(_ context.Context, actorID string, records []store.EventRecord) ([]store.EventRecord, error) {
	if actorID == "" {
		return nil, errmodel.Validation("missing_fields", "actor id required", nil)
	}
	for i, r := range records {
		if r.Type == "" {
			return nil, errmodel.Validation("missing_fields", "event type required", map[string]any{"position": i})
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.events[actorID]
	keys := s.keys[actorID]
	if keys == nil {
		keys = map[string]int64{}
	}
	pending := map[string]int64{}
	next := int64(len(log))
	out := make([]store.EventRecord, len(records))
	var fresh []store.EventRecord
	now := s.now().UTC()
	for i, r := range records {
		if r.IdempotencyKey != "" {
			if idx, ok := keys[r.IdempotencyKey]; ok {
				out[i] = log[idx]
				continue
			}
			if idx, ok := pending[r.IdempotencyKey]; ok {
				out[i] = fresh[idx-int64(len(log))]
				continue
			}
			pending[r.IdempotencyKey] = next
		}
		r.ActorID = actorID
		r.EventIndex = next
		r.CreatedAt = now
		if len(r.Data) == 0 {
			r.Data = json.RawMessage(`{}`)
		}
		r.Data = slices.Clone(r.Data)
		r.Metadata = slices.Clone(r.Metadata)
		fresh = append(fresh, r)
		out[i] = r
		next++
	}
	for k, v := range pending {
		keys[k] = v
	}
	s.keys[actorID] = keys
	s.events[actorID] = append(log, fresh...)
	return out, nil
}

func (s *Store) ListEvents(_ context.Context, actorID string, afterIndex int64, limit int) ([]store.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.EventRecord
	for _, r := range s.events[actorID] {
		if r.EventIndex <= afterIndex {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListEventsByType(_ context.Context, actorID, eventType string) ([]store.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.EventRecord
	for _, r := range s.events[actorID] {
		if r.Type == eventType {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) LastIndex(_ context.Context, actorID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.events[actorID])) - 1, nil
}

func (s *Store) SaveSnapshot(_ context.Context, sn store.SnapshotRecord) (store.SnapshotRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sn.CreatedAt = s.now().UTC()
	list := slices.DeleteFunc(s.snapshots[sn.ActorID], func(o store.SnapshotRecord) bool { return o.UptoIndex == sn.UptoIndex })
	list = append(list, sn)
	slices.SortFunc(list, func(a, b store.SnapshotRecord) int { return int(a.UptoIndex - b.UptoIndex) })
	s.snapshots[sn.ActorID] = list
	return sn, nil
}

func (s *Store) LoadLatestSnapshot(_ context.Context, actorID string) (store.SnapshotRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.snapshots[actorID]
	if len(list) == 0 {
		return store.SnapshotRecord{}, store.ErrNotFound
	}
	return list[len(list)-1], nil
}

func (s *Store) UpsertSummary(_ context.Context, sum store.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[sum.ActorID] = sum
	return nil
}

func (s *Store) GetSummary(_ context.Context, actorID string) (store.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.summaries[actorID]
	if !ok {
		return store.Summary{}, store.ErrNotFound
	}
	return sum, nil
}

func (s *Store) ListSummaries(_ context.Context) ([]store.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Summary, 0, len(s.summaries))
	for _, v := range s.summaries {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b store.Summary) int { return strings.Compare(a.ActorID, b.ActorID) })
	return out, nil
}

func (s *Store) UpsertHeartbeat(_ context.Context, h store.HeartbeatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.heartbeats[h.ActorID]
	if m == nil {
		m = map[string]store.HeartbeatRecord{}
		s.heartbeats[h.ActorID] = m
	}
	m[h.ProcessID] = h
	return nil
}

func (s *Store) ListHeartbeats(_ context.Context, actorID string) ([]store.HeartbeatRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.HeartbeatRecord, 0, len(s.heartbeats[actorID]))
	for _, h := range s.heartbeats[actorID] {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b store.HeartbeatRecord) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ProcessID, b.ProcessID)
	})
	return out, nil
}
