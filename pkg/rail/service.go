package rail

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/canonicalize"
	"github.com/Mindburn-Labs/keel/pkg/limiter"
	"github.com/Mindburn-Labs/keel/pkg/retry"
)

// ErrRateLimited is returned when the tenant's submission bucket is
// empty.
var ErrRateLimited = fmt.Errorf("rail: rate limited")

// Provider submits transfers to the external money rail.
type Provider interface {
	Submit(ctx context.Context, op Operation) (providerRef string, err error)
}

// CreateRequest is the caller-supplied part of an operation. Its
// canonical hash is pinned against the idempotency key.
type CreateRequest struct {
	Direction      Direction `json:"direction"`
	AmountCents    int64     `json:"amountCents"`
	Currency       string    `json:"currency"`
	Counterparty   string    `json:"counterparty"`
	IdempotencyKey string    `json:"idempotencyKey"`
}

func (r CreateRequest) validate() error {
	switch r.Direction {
	case DirectionOutbound, DirectionInbound:
	default:
		return fmt.Errorf("rail: unknown direction %q", r.Direction)
	}
	if r.AmountCents <= 0 {
		return fmt.Errorf("rail: amount must be positive, got %d", r.AmountCents)
	}
	if len(r.Currency) != 3 {
		return fmt.Errorf("rail: currency must be an ISO 4217 code, got %q", r.Currency)
	}
	if r.IdempotencyKey == "" {
		return fmt.Errorf("rail: idempotency key required")
	}
	return nil
}

// Service drives operations through the state machine.
type Service struct {
	store    Store
	provider Provider
	limits   limiter.Limiter
	policy   limiter.Policy
	retries  retry.Policy
	auditor  audit.Logger
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(time.Duration)
}

type ServiceOption func(*Service)

func WithProvider(p Provider) ServiceOption {
	return func(s *Service) { s.provider = p }
}

func WithLimiter(l limiter.Limiter, policy limiter.Policy) ServiceOption {
	return func(s *Service) { s.limits = l; s.policy = policy }
}

func WithRetryPolicy(p retry.Policy) ServiceOption {
	return func(s *Service) { s.retries = p }
}

func WithAuditor(a audit.Logger) ServiceOption {
	return func(s *Service) { s.auditor = a }
}

func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides time and sleep, for tests.
func WithClock(now func() time.Time, sleep func(time.Duration)) ServiceOption {
	return func(s *Service) { s.now = now; s.sleep = sleep }
}

func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		retries: retry.DefaultPolicy,
		auditor: audit.Nop(),
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   time.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a new operation, idempotent on
// (tenant, direction, idempotencyKey). An identical replay returns the
// existing operation; a different body under the same key conflicts.
func (s *Service) Create(ctx context.Context, tenantID string, req CreateRequest) (Operation, error) {
	if err := req.validate(); err != nil {
		return Operation{}, err
	}
	requestHash, err := canonicalize.CanonicalHash(req)
	if err != nil {
		return Operation{}, fmt.Errorf("rail: hash request: %w", err)
	}

	if existing, ok, err := s.store.ByIdempotencyKey(ctx, tenantID, req.Direction, req.IdempotencyKey); err != nil {
		return Operation{}, err
	} else if ok {
		if existing.RequestHash != requestHash {
			return Operation{}, fmt.Errorf("%w: idempotency key %q reused with a different request", ErrConflict, req.IdempotencyKey)
		}
		return existing, nil
	}

	now := s.now()
	op := Operation{
		OperationID:    uuid.New().String(),
		TenantID:       tenantID,
		Direction:      req.Direction,
		State:          StateInitiated,
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
		Counterparty:   req.Counterparty,
		IdempotencyKey: req.IdempotencyKey,
		RequestHash:    requestHash,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Insert(ctx, op); err != nil {
		return Operation{}, err
	}
	if err := s.auditor.Record(ctx, tenantID, "rail", audit.EventMoney,
		"rail.operation.create", "operation/"+op.OperationID,
		map[string]any{"direction": string(op.Direction), "amountCents": op.AmountCents}); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// Transition moves an operation along the fixed table, rejecting
// anything the table does not allow.
func (s *Service) Transition(ctx context.Context, tenantID, operationID string, to State, reason string) (Operation, error) {
	op, err := s.store.Get(ctx, tenantID, operationID)
	if err != nil {
		return Operation{}, err
	}
	if !CanTransition(op.State, to) {
		return Operation{}, fmt.Errorf("%w: %s -> %s is not a valid transition", ErrConflict, op.State, to)
	}
	op.State = to
	op.LastError = reason
	op.UpdatedAt = s.now()
	if err := s.store.Update(ctx, op); err != nil {
		return Operation{}, err
	}
	if err := s.auditor.Record(ctx, tenantID, "rail", audit.EventMoney,
		"rail.operation.transition", "operation/"+op.OperationID,
		map[string]any{"state": string(to), "reason": reason}); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// Submit hands an initiated operation to the provider, gated by the
// tenant's rate limit and retried with bounded backoff. Exhausted
// retries fail the operation rather than leaving it dangling.
func (s *Service) Submit(ctx context.Context, tenantID, operationID string) (Operation, error) {
	if s.provider == nil {
		return Operation{}, fmt.Errorf("rail: no provider configured")
	}
	op, err := s.store.Get(ctx, tenantID, operationID)
	if err != nil {
		return Operation{}, err
	}
	if op.State != StateInitiated {
		return Operation{}, fmt.Errorf("%w: operation %s is %s, not initiated", ErrConflict, operationID, op.State)
	}

	if s.limits != nil {
		allowed, err := s.limits.Allow(ctx, tenantID, s.policy, 1)
		if err != nil {
			return Operation{}, err
		}
		if !allowed {
			return Operation{}, ErrRateLimited
		}
	}

	// a zero or negative attempt budget still gets one try, so lastErr
	// is always set when the loop ends without success
	policy := s.retries
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; !retry.Exhausted(attempt, policy); attempt++ {
		if attempt > 0 {
			s.sleep(retry.Backoff(retry.Params{
				TenantID:     tenantID,
				Subject:      operationID,
				AttemptIndex: attempt,
			}, policy))
		}
		ref, err := s.provider.Submit(ctx, op)
		if err == nil {
			op.ProviderRef = ref
			submitted, terr := s.Transition(ctx, tenantID, operationID, StateSubmitted, "")
			if terr != nil {
				return Operation{}, terr
			}
			submitted.ProviderRef = ref
			if uerr := s.store.Update(ctx, submitted); uerr != nil {
				return Operation{}, uerr
			}
			return submitted, nil
		}
		lastErr = err
		s.logger.Warn("provider submit failed",
			"tenantId", tenantID, "operationId", operationID, "attempt", attempt, "error", err)
	}

	failed, terr := s.Transition(ctx, tenantID, operationID, StateFailed, lastErr.Error())
	if terr != nil {
		return Operation{}, terr
	}
	return failed, fmt.Errorf("rail: submit %s exhausted retries: %w", operationID, lastErr)
}

// providerEventStates maps webhook event types onto target states.
var providerEventStates = map[string]State{
	"submitted": StateSubmitted,
	"confirmed": StateConfirmed,
	"failed":    StateFailed,
	"cancelled": StateCancelled,
	"reversed":  StateReversed,
}

// IngestProviderEvent applies one provider webhook. Replays of the same
// delivery return the previously recorded outcome without touching the
// operation again.
func (s *Service) IngestProviderEvent(ctx context.Context, ev ProviderEvent) (IngestOutcome, error) {
	key := ev.DedupeKey()
	if recorded, ok, err := s.store.ProviderOutcome(ctx, key); err != nil {
		return IngestOutcome{}, err
	} else if ok {
		return recorded, nil
	}

	op, err := s.store.Get(ctx, ev.TenantID, ev.OperationID)
	if err != nil {
		return IngestOutcome{}, err
	}

	outcome := IngestOutcome{OperationID: op.OperationID, State: op.State}
	target, known := providerEventStates[ev.EventType]
	switch {
	case !known:
		outcome.Reason = fmt.Sprintf("unknown event type %q", ev.EventType)
	case !CanTransition(op.State, target):
		outcome.Reason = fmt.Sprintf("%s -> %s not allowed", op.State, target)
	default:
		op.State = target
		op.UpdatedAt = s.now()
		if err := s.store.Update(ctx, op); err != nil {
			return IngestOutcome{}, err
		}
		outcome.State = target
		outcome.Applied = true
	}

	if err := s.store.RecordProviderOutcome(ctx, key, outcome); err != nil {
		return IngestOutcome{}, err
	}
	if outcome.Applied {
		if err := s.auditor.Record(ctx, ev.TenantID, "rail-webhook", audit.EventMoney,
			"rail.provider.event", "operation/"+op.OperationID,
			map[string]any{"eventType": ev.EventType, "state": string(outcome.State)}); err != nil {
			return IngestOutcome{}, err
		}
	}
	return outcome, nil
}
