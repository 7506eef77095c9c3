package rail

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/limiter"
	"github.com/Mindburn-Labs/keel/pkg/retry"
)

func TestTransitionTable(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateInitiated, StateSubmitted},
		{StateInitiated, StateFailed},
		{StateInitiated, StateCancelled},
		{StateSubmitted, StateConfirmed},
		{StateSubmitted, StateFailed},
		{StateSubmitted, StateCancelled},
		{StateConfirmed, StateReversed},
	}
	for _, tc := range allowed {
		require.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to State }{
		{StateInitiated, StateConfirmed},
		{StateInitiated, StateReversed},
		{StateSubmitted, StateSubmitted},
		{StateConfirmed, StateFailed},
		{StateFailed, StateSubmitted},
		{StateCancelled, StateConfirmed},
		{StateReversed, StateConfirmed},
	}
	for _, tc := range denied {
		require.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	for _, s := range []State{StateFailed, StateCancelled, StateReversed} {
		require.True(t, Terminal(s), "%s must be terminal", s)
	}
	require.False(t, Terminal(StateInitiated))
}

func newService(t *testing.T, opts ...ServiceOption) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	opts = append([]ServiceOption{WithClock(func() time.Time { return now }, func(time.Duration) {})}, opts...)
	return NewService(store, opts...), store
}

func validCreate() CreateRequest {
	return CreateRequest{
		Direction:      DirectionOutbound,
		AmountCents:    2250,
		Currency:       "USD",
		Counterparty:   "search-tool",
		IdempotencyKey: "payout-job-1",
	}
}

func TestCreateIdempotentReplay(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	first, err := s.Create(ctx, "t1", validCreate())
	require.NoError(t, err)
	require.Equal(t, StateInitiated, first.State)
	require.Len(t, first.RequestHash, 64)

	second, err := s.Create(ctx, "t1", validCreate())
	require.NoError(t, err)
	require.Equal(t, first.OperationID, second.OperationID)
}

func TestCreateKeyReuseWithDifferentBodyConflicts(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "t1", validCreate())
	require.NoError(t, err)

	altered := validCreate()
	altered.AmountCents = 9999
	_, err = s.Create(ctx, "t1", altered)
	require.ErrorIs(t, err, ErrConflict)
}

func TestCreateValidation(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	noKey := validCreate()
	noKey.IdempotencyKey = ""
	_, err := s.Create(ctx, "t1", noKey)
	require.Error(t, err)

	badDirection := validCreate()
	badDirection.Direction = "sideways"
	_, err = s.Create(ctx, "t1", badDirection)
	require.Error(t, err)
}

func TestTransitionRejectsInvalid(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	op, err := s.Create(ctx, "t1", validCreate())
	require.NoError(t, err)

	_, err = s.Transition(ctx, "t1", op.OperationID, StateReversed, "")
	require.ErrorIs(t, err, ErrConflict)

	op, err = s.Transition(ctx, "t1", op.OperationID, StateSubmitted, "")
	require.NoError(t, err)
	op, err = s.Transition(ctx, "t1", op.OperationID, StateConfirmed, "")
	require.NoError(t, err)
	_, err = s.Transition(ctx, "t1", op.OperationID, StateReversed, "chargeback")
	require.NoError(t, err)
}

type scriptedProvider struct {
	failures int
	calls    int
}

func (p *scriptedProvider) Submit(ctx context.Context, op Operation) (string, error) {
	p.calls++
	if p.failures > 0 {
		p.failures--
		return "", errors.New("provider unavailable")
	}
	return "prov-ref-1", nil
}

func TestSubmitRetriesThenSucceeds(t *testing.T) {
	provider := &scriptedProvider{failures: 2}
	s, _ := newService(t,
		WithProvider(provider),
		WithRetryPolicy(retry.Policy{BaseMs: 1, MaxMs: 1, MaxJitterMs: 0, MaxAttempts: 5}))
	ctx := context.Background()

	op, err := s.Create(ctx, "t1", validCreate())
	require.NoError(t, err)

	submitted, err := s.Submit(ctx, "t1", op.OperationID)
	require.NoError(t, err)
	require.Equal(t, StateSubmitted, submitted.State)
	require.Equal(t, "prov-ref-1", submitted.ProviderRef)
	require.Equal(t, 3, provider.calls)
}

func TestSubmitExhaustedFailsOperation(t *testing.T) {
	provider := &scriptedProvider{failures: 100}
	s, store := newService(t,
		WithProvider(provider),
		WithRetryPolicy(retry.Policy{BaseMs: 1, MaxMs: 1, MaxJitterMs: 0, MaxAttempts: 3}))
	ctx := context.Background()

	op, err := s.Create(ctx, "t1", validCreate())
	require.NoError(t, err)

	_, err = s.Submit(ctx, "t1", op.OperationID)
	require.ErrorContains(t, err, "exhausted retries")

	stored, err := store.Get(ctx, "t1", op.OperationID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, stored.State)
	require.Contains(t, stored.LastError, "provider unavailable")
}

func TestSubmitZeroAttemptPolicyStillTriesOnce(t *testing.T) {
	provider := &scriptedProvider{failures: 100}
	s, store := newService(t,
		WithProvider(provider),
		WithRetryPolicy(retry.Policy{MaxAttempts: 0}))
	ctx := context.Background()

	op, err := s.Create(ctx, "t1", validCreate())
	require.NoError(t, err)

	_, err = s.Submit(ctx, "t1", op.OperationID)
	require.ErrorContains(t, err, "exhausted retries")
	require.Equal(t, 1, provider.calls)

	stored, err := store.Get(ctx, "t1", op.OperationID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, stored.State)
	require.Contains(t, stored.LastError, "provider unavailable")
}

func TestSubmitRateLimited(t *testing.T) {
	s, _ := newService(t,
		WithProvider(&scriptedProvider{}),
		WithLimiter(limiter.NewLocalLimiter(), limiter.Policy{RPM: 60, Burst: 1}))
	ctx := context.Background()

	a, err := s.Create(ctx, "t1", validCreate())
	require.NoError(t, err)
	other := validCreate()
	other.IdempotencyKey = "payout-job-2"
	b, err := s.Create(ctx, "t1", other)
	require.NoError(t, err)

	_, err = s.Submit(ctx, "t1", a.OperationID)
	require.NoError(t, err)
	_, err = s.Submit(ctx, "t1", b.OperationID)
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestIngestProviderEventAppliesOnce(t *testing.T) {
	s, _ := newService(t, WithProvider(&scriptedProvider{}))
	ctx := context.Background()

	op, err := s.Create(ctx, "t1", validCreate())
	require.NoError(t, err)
	_, err = s.Submit(ctx, "t1", op.OperationID)
	require.NoError(t, err)

	ev := ProviderEvent{
		TenantID:    "t1",
		OperationID: op.OperationID,
		EventType:   "confirmed",
		EventID:     "wh-1",
		At:          time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}
	outcome, err := s.IngestProviderEvent(ctx, ev)
	require.NoError(t, err)
	require.True(t, outcome.Applied)
	require.Equal(t, StateConfirmed, outcome.State)

	// replayed delivery: recorded outcome, no re-application
	replay, err := s.IngestProviderEvent(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, outcome, replay)
}

func TestIngestInvalidTransitionRecordsOutcome(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	op, err := s.Create(ctx, "t1", validCreate())
	require.NoError(t, err)

	// confirmed before submitted is not in the table
	ev := ProviderEvent{TenantID: "t1", OperationID: op.OperationID, EventType: "confirmed", EventID: "wh-1"}
	outcome, err := s.IngestProviderEvent(ctx, ev)
	require.NoError(t, err)
	require.False(t, outcome.Applied)
	require.Contains(t, outcome.Reason, "not allowed")
	require.Equal(t, StateInitiated, outcome.State)

	replay, err := s.IngestProviderEvent(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, outcome, replay)
}

func TestIngestUnknownEventType(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	op, err := s.Create(ctx, "t1", validCreate())
	require.NoError(t, err)

	outcome, err := s.IngestProviderEvent(ctx, ProviderEvent{
		TenantID: "t1", OperationID: op.OperationID, EventType: "ping", EventID: "wh-2",
	})
	require.NoError(t, err)
	require.False(t, outcome.Applied)
	require.Contains(t, outcome.Reason, "unknown event type")
}

func TestDedupeKeyFallsBackToTimestamp(t *testing.T) {
	at := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	a := ProviderEvent{TenantID: "t1", OperationID: "op-1", EventType: "confirmed", At: at}
	b := ProviderEvent{TenantID: "t1", OperationID: "op-1", EventType: "confirmed", At: at.Add(time.Second)}
	require.NotEqual(t, a.DedupeKey(), b.DedupeKey())
	require.Equal(t, a.DedupeKey(), a.DedupeKey())
}
