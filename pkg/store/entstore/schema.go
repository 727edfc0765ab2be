package entstore

import (
	"context"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

const (
	tableEvents     = "events"
	tableSnapshots  = "snapshots"
	tableSummaries  = "actor_summaries"
	tableHeartbeats = "process_heartbeats"

	textSize = 2147483647
)

var (
	eventsColumns = []*schema.Column{
		{Name: "actor_id", Type: field.TypeString, Size: 255},
		{Name: "event_index", Type: field.TypeInt64},
		{Name: "type", Type: field.TypeString, Size: 255},
		{Name: "data", Type: field.TypeString, Size: textSize},
		{Name: "metadata", Type: field.TypeString, Size: textSize, Nullable: true},
		{Name: "idempotency_key", Type: field.TypeString, Size: 255, Nullable: true},
		{Name: "trigger_next_step", Type: field.TypeInt64, Default: 0},
		{Name: "created_at", Type: field.TypeInt64},
	}
	eventsTable = &schema.Table{
		Name:       tableEvents,
		Columns:    eventsColumns,
		PrimaryKey: []*schema.Column{eventsColumns[0], eventsColumns[1]},
		Indexes: []*schema.Index{
			// secondary index for reads by type
			{Name: "events_actor_type_index", Columns: []*schema.Column{eventsColumns[0], eventsColumns[2], eventsColumns[1]}},
			// NULL keys are distinct, so only keyed events are deduplicated
			{Name: "events_actor_idempotency", Unique: true, Columns: []*schema.Column{eventsColumns[0], eventsColumns[5]}},
		},
	}

	snapshotsColumns = []*schema.Column{
		{Name: "snapshot_id", Type: field.TypeString, Size: 255},
		{Name: "actor_id", Type: field.TypeString, Size: 255},
		{Name: "upto_index", Type: field.TypeInt64},
		{Name: "state", Type: field.TypeString, Size: textSize},
		{Name: "created_at", Type: field.TypeInt64},
	}
	snapshotsTable = &schema.Table{
		Name:       tableSnapshots,
		Columns:    snapshotsColumns,
		PrimaryKey: []*schema.Column{snapshotsColumns[0]},
		Indexes: []*schema.Index{
			{Name: "snapshots_actor_upto", Unique: true, Columns: []*schema.Column{snapshotsColumns[1], snapshotsColumns[2]}},
		},
	}

	summariesColumns = []*schema.Column{
		{Name: "actor_id", Type: field.TypeString, Size: 255},
		{Name: "event_count", Type: field.TypeInt64},
		{Name: "last_event_index", Type: field.TypeInt64},
		{Name: "last_event_type", Type: field.TypeString, Size: 255},
		{Name: "last_event_at", Type: field.TypeInt64},
	}
	summariesTable = &schema.Table{
		Name:       tableSummaries,
		Columns:    summariesColumns,
		PrimaryKey: []*schema.Column{summariesColumns[0]},
	}

	heartbeatsColumns = []*schema.Column{
		{Name: "actor_id", Type: field.TypeString, Size: 255},
		{Name: "process_id", Type: field.TypeString, Size: 255},
		{Name: "name", Type: field.TypeString, Size: 255},
		{Name: "status", Type: field.TypeString, Size: 32},
		{Name: "started_at", Type: field.TypeInt64},
		{Name: "last_beat_at", Type: field.TypeInt64},
	}
	heartbeatsTable = &schema.Table{
		Name:       tableHeartbeats,
		Columns:    heartbeatsColumns,
		PrimaryKey: []*schema.Column{heartbeatsColumns[0], heartbeatsColumns[1]},
	}

	tables = []*schema.Table{eventsTable, snapshotsTable, summariesTable, heartbeatsTable}
)

// Migrate creates or updates the database schema.
func (s *Store) Migrate(ctx context.Context) error {
	m, err := schema.NewMigrate(s.drv)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := m.Create(ctx, tables...); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) builder() *entsql.DialectBuilder {
	return entsql.Dialect(s.drv.Dialect())
}
