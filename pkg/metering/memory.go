package metering

import (
	"context"
	"sync"
	"time"
)

// MemoryMeter implements Meter with in-process storage. It is the
// default sink when no DATABASE_URL is configured.
type MemoryMeter struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryMeter creates an in-memory meter.
func NewMemoryMeter() *MemoryMeter {
	return &MemoryMeter{}
}

// Record stores a single usage event.
func (m *MemoryMeter) Record(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// RecordBatch stores multiple events. Validation failures reject the
// whole batch before anything is stored.
func (m *MemoryMeter) RecordBatch(ctx context.Context, events []Event) error {
	now := time.Now().UTC()
	stamped := make([]Event, 0, len(events))
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		stamped = append(stamped, e)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, stamped...)
	return nil
}

// GetUsage retrieves aggregated usage for all event types.
func (m *MemoryMeter) GetUsage(ctx context.Context, tenantID string, period Period) (*Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	usage := &Usage{
		TenantID:   tenantID,
		Period:     period,
		Totals:     make(map[EventType]int64),
		LastUpdate: time.Now().UTC(),
	}
	for _, e := range m.events {
		if e.TenantID != tenantID {
			continue
		}
		if e.Timestamp.Before(period.Start) || !e.Timestamp.Before(period.End) {
			continue
		}
		usage.Totals[e.EventType] += e.Quantity
	}
	return usage, nil
}

// GetUsageByType retrieves usage for a specific event type.
func (m *MemoryMeter) GetUsageByType(ctx context.Context, tenantID string, eventType EventType, period Period) (int64, error) {
	usage, err := m.GetUsage(ctx, tenantID, period)
	if err != nil {
		return 0, err
	}
	return usage.Totals[eventType], nil
}
