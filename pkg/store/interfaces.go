// Package store defines persistence interfaces for the conversation log and
// its side tables. Implementations must provide identical semantics across
// backends so that replay is portable.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// EventRecord is the persisted representation of an event.
// Data and Metadata hold JSON. EventIndex is assigned by the store.
type EventRecord struct {
	ActorID         string
	EventIndex      int64
	Type            string
	Data            json.RawMessage
	Metadata        json.RawMessage
	IdempotencyKey  string
	TriggerNextStep bool
	CreatedAt       time.Time
}

// SnapshotRecord stores a materialized state up to a given event index.
type SnapshotRecord struct {
	SnapshotID string
	ActorID    string
	UptoIndex  int64
	State      json.RawMessage
	CreatedAt  time.Time
}

// Summary is the one-row-per-actor summary kept for listings.
type Summary struct {
	ActorID        string
	EventCount     int64
	LastEventIndex int64
	LastEventType  string
	LastEventAt    time.Time
}

// Process status values for heartbeat records.
const (
	ProcessRunning   = "running"
	ProcessCompleted = "completed"
	ProcessFailed    = "failed"
	ProcessTimedOut  = "timed_out"
)

// HeartbeatRecord tracks a background process of an actor.
type HeartbeatRecord struct {
	ActorID    string
	ProcessID  string
	Name       string
	Status     string
	StartedAt  time.Time
	LastBeatAt time.Time
}

// EventStore defines operations on the append-only log.
type EventStore interface {
	// AppendEvents assigns contiguous indices to records in one transaction.
	// A record whose IdempotencyKey already exists for the actor is not
	// inserted; the existing record is returned in its place.
	AppendEvents(ctx context.Context, actorID string, records []EventRecord) ([]EventRecord, error)
	// ListEvents returns events with index > afterIndex in index order. limit <= 0 means all.
	ListEvents(ctx context.Context, actorID string, afterIndex int64, limit int) ([]EventRecord, error)
	// ListEventsByType returns events of one type in index order.
	ListEventsByType(ctx context.Context, actorID, eventType string) ([]EventRecord, error)
	// LastIndex returns the highest index, or -1 for an empty log.
	LastIndex(ctx context.Context, actorID string) (int64, error)
}

// SnapshotStore defines operations for reading/writing snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, s SnapshotRecord) (SnapshotRecord, error)
	LoadLatestSnapshot(ctx context.Context, actorID string) (SnapshotRecord, error)
}

// SummaryStore keeps the per-actor summary row.
type SummaryStore interface {
	UpsertSummary(ctx context.Context, s Summary) error
	GetSummary(ctx context.Context, actorID string) (Summary, error)
	ListSummaries(ctx context.Context) ([]Summary, error)
}

// HeartbeatStore keeps background process liveness outside the event log.
type HeartbeatStore interface {
	UpsertHeartbeat(ctx context.Context, h HeartbeatRecord) error
	ListHeartbeats(ctx context.Context, actorID string) ([]HeartbeatRecord, error)
}

// Store aggregates all stores.
type Store interface {
	EventStore
	SnapshotStore
	SummaryStore
	HeartbeatStore
}
