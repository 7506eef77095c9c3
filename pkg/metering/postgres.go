package metering

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresMeter persists usage events in the node's shared Postgres
// database, alongside the outbox tables.
type PostgresMeter struct {
	db *sql.DB
}

func NewPostgresMeter(db *sql.DB) *PostgresMeter {
	return &PostgresMeter{db: db}
}

const usageSchema = `
CREATE TABLE IF NOT EXISTS keel_usage_events (
	id BIGSERIAL PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	quantity BIGINT NOT NULL,
	recorded_at TIMESTAMP NOT NULL,
	metadata JSONB
);
CREATE INDEX IF NOT EXISTS keel_usage_events_tenant_time_idx
	ON keel_usage_events(tenant_id, recorded_at);
`

const insertUsageEvent = `
	INSERT INTO keel_usage_events (tenant_id, event_type, quantity, recorded_at, metadata)
	VALUES ($1, $2, $3, $4, $5)
`

// Init creates the usage table. Safe to run on every node start.
func (m *PostgresMeter) Init(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, usageSchema)
	return err
}

// Record stores a single usage event.
func (m *PostgresMeter) Record(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	metadata, err := marshalMetadata(event)
	if err != nil {
		return err
	}
	if _, err := m.db.ExecContext(ctx, insertUsageEvent,
		event.TenantID, event.EventType, event.Quantity, event.Timestamp, metadata); err != nil {
		return fmt.Errorf("metering: record %s for %s: %w", event.EventType, event.TenantID, err)
	}
	return nil
}

// RecordBatch stores events atomically: either the whole batch lands or
// none of it does.
func (m *PostgresMeter) RecordBatch(ctx context.Context, events []Event) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metering: begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertUsageEvent)
	if err != nil {
		return fmt.Errorf("metering: prepare batch insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC()
	for _, event := range events {
		if err := event.Validate(); err != nil {
			return err
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = now
		}
		metadata, err := marshalMetadata(event)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			event.TenantID, event.EventType, event.Quantity, event.Timestamp, metadata); err != nil {
			return fmt.Errorf("metering: batch insert %s: %w", event.EventType, err)
		}
	}
	return tx.Commit()
}

// GetUsage aggregates a tenant's usage across all event types for one
// billing period.
func (m *PostgresMeter) GetUsage(ctx context.Context, tenantID string, period Period) (*Usage, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT event_type, SUM(quantity)
		FROM keel_usage_events
		WHERE tenant_id = $1 AND recorded_at >= $2 AND recorded_at < $3
		GROUP BY event_type
	`, tenantID, period.Start, period.End)
	if err != nil {
		return nil, fmt.Errorf("metering: query usage for %s: %w", tenantID, err)
	}
	defer func() { _ = rows.Close() }()

	usage := &Usage{
		TenantID:   tenantID,
		Period:     period,
		Totals:     make(map[EventType]int64),
		LastUpdate: time.Now().UTC(),
	}
	for rows.Next() {
		var eventType EventType
		var total int64
		if err := rows.Scan(&eventType, &total); err != nil {
			return nil, fmt.Errorf("metering: scan usage row: %w", err)
		}
		usage.Totals[eventType] = total
	}
	return usage, rows.Err()
}

// GetUsageByType returns one event type's total for the period. A tenant
// with no rows in the period reads as zero.
func (m *PostgresMeter) GetUsageByType(ctx context.Context, tenantID string, eventType EventType, period Period) (int64, error) {
	var total sql.NullInt64
	err := m.db.QueryRowContext(ctx, `
		SELECT SUM(quantity)
		FROM keel_usage_events
		WHERE tenant_id = $1 AND event_type = $2 AND recorded_at >= $3 AND recorded_at < $4
	`, tenantID, eventType, period.Start, period.End).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("metering: query %s usage for %s: %w", eventType, tenantID, err)
	}
	return total.Int64, nil
}

func marshalMetadata(event Event) ([]byte, error) {
	if event.Metadata == nil {
		return nil, nil
	}
	data, err := json.Marshal(event.Metadata)
	if err != nil {
		return nil, fmt.Errorf("metering: marshal metadata for %s: %w", event.EventType, err)
	}
	return data, nil
}
