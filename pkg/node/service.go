// Package node composes a stream store with the outbox so that derived
// work is enqueued in the same mutation path as the append that
// triggers it.
package node

import (
	"context"
	"log/slog"

	"github.com/Mindburn-Labs/keel/pkg/ledger"
	"github.com/Mindburn-Labs/keel/pkg/metering"
	"github.com/Mindburn-Labs/keel/pkg/observability"
	"github.com/Mindburn-Labs/keel/pkg/outbox"
)

// Service is the append surface of a node: the spool delivers through
// it, and every committed event fans out its outbox triggers. It
// satisfies spool.Sender.
type Service struct {
	streams ledger.StreamStore
	queue   outbox.Backend
	meter   metering.Meter
	obs     *observability.Provider
	logger  *slog.Logger
}

type ServiceOption func(*Service)

// WithMeter records per-tenant usage for every committed append.
func WithMeter(m metering.Meter) ServiceOption {
	return func(s *Service) { s.meter = m }
}

// WithObservability counts appends on the node's metrics.
func WithObservability(p *observability.Provider) ServiceOption {
	return func(s *Service) { s.obs = p }
}

func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

func NewService(streams ledger.StreamStore, queue outbox.Backend, opts ...ServiceOption) *Service {
	s := &Service{
		streams: streams,
		queue:   queue,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append commits an event and enqueues its derived work. Trigger
// messages carry a dedupe identity, so a replayed append (same
// idempotency key) re-derives the same messages and the queue drops
// them.
//
// Enqueue and metering failures after a committed append are logged,
// not returned: the event is already durable and the caller must not
// retry it.
func (s *Service) Append(ctx context.Context, tenantID string, e ledger.Event, idempotencyKey string) (ledger.Event, error) {
	stored, err := s.streams.Append(ctx, tenantID, e, idempotencyKey)
	if err != nil {
		return ledger.Event{}, err
	}

	if msgs := outbox.MessagesFor(tenantID, stored); len(msgs) > 0 {
		if _, err := s.queue.Enqueue(ctx, msgs...); err != nil {
			s.logger.Error("outbox enqueue failed",
				"tenantId", tenantID, "streamId", stored.StreamID,
				"eventId", stored.ID, "error", err)
		}
	}

	if s.meter != nil {
		record := metering.Event{
			TenantID:  tenantID,
			EventType: metering.EventAppend,
			Quantity:  1,
			Metadata:  map[string]any{"eventType": string(stored.Type)},
		}
		if err := s.meter.Record(ctx, record); err != nil {
			s.logger.Error("metering record failed", "tenantId", tenantID, "error", err)
		}
	}
	if s.obs != nil {
		s.obs.RecordAppend(ctx, tenantID, string(stored.Type))
	}

	return stored, nil
}

// Head returns the current chain head of a stream.
func (s *Service) Head(ctx context.Context, tenantID, streamID string) (*string, error) {
	return s.streams.Head(ctx, tenantID, streamID)
}

// Events returns the full ordered stream.
func (s *Service) Events(ctx context.Context, tenantID, streamID string) ([]ledger.Event, error) {
	return s.streams.Events(ctx, tenantID, streamID)
}
