package rail

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func sqliteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "rail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func sampleOp(id, key string) Operation {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return Operation{
		OperationID:    id,
		TenantID:       "t1",
		Direction:      DirectionOutbound,
		State:          StateInitiated,
		AmountCents:    2250,
		Currency:       "USD",
		Counterparty:   "search-tool",
		IdempotencyKey: key,
		RequestHash:    "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestSQLiteInsertGetUpdate(t *testing.T) {
	ctx := context.Background()
	store := sqliteStore(t)

	op := sampleOp("op-1", "payout-1")
	require.NoError(t, store.Insert(ctx, op))

	got, err := store.Get(ctx, "t1", "op-1")
	require.NoError(t, err)
	require.Equal(t, op, got)

	got.State = StateSubmitted
	got.ProviderRef = "prov-1"
	require.NoError(t, store.Update(ctx, got))

	reread, err := store.Get(ctx, "t1", "op-1")
	require.NoError(t, err)
	require.Equal(t, StateSubmitted, reread.State)
	require.Equal(t, "prov-1", reread.ProviderRef)
}

func TestSQLiteIdempotencyKeyUnique(t *testing.T) {
	ctx := context.Background()
	store := sqliteStore(t)

	require.NoError(t, store.Insert(ctx, sampleOp("op-1", "payout-1")))
	err := store.Insert(ctx, sampleOp("op-2", "payout-1"))
	require.ErrorIs(t, err, ErrConflict)

	// same key in the other direction is a distinct operation
	inbound := sampleOp("op-3", "payout-1")
	inbound.Direction = DirectionInbound
	require.NoError(t, store.Insert(ctx, inbound))
}

func TestSQLiteByIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	store := sqliteStore(t)

	_, ok, err := store.ByIdempotencyKey(ctx, "t1", DirectionOutbound, "payout-1")
	require.NoError(t, err)
	require.False(t, ok)

	op := sampleOp("op-1", "payout-1")
	require.NoError(t, store.Insert(ctx, op))

	got, ok, err := store.ByIdempotencyKey(ctx, "t1", DirectionOutbound, "payout-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, op.OperationID, got.OperationID)
}

func TestSQLiteProviderOutcomeRecordOnce(t *testing.T) {
	ctx := context.Background()
	store := sqliteStore(t)

	outcome := IngestOutcome{OperationID: "op-1", State: StateConfirmed, Applied: true}
	require.NoError(t, store.RecordProviderOutcome(ctx, "t1|op-1|confirmed|wh-1", outcome))

	got, ok, err := store.ProviderOutcome(ctx, "t1|op-1|confirmed|wh-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, outcome, got)

	// re-recording the same delivery keeps the first outcome
	require.NoError(t, store.RecordProviderOutcome(ctx, "t1|op-1|confirmed|wh-1",
		IngestOutcome{OperationID: "op-1", State: StateFailed}))
	got, _, err = store.ProviderOutcome(ctx, "t1|op-1|confirmed|wh-1")
	require.NoError(t, err)
	require.Equal(t, outcome, got)
}

func TestSQLiteTenantIsolation(t *testing.T) {
	ctx := context.Background()
	store := sqliteStore(t)

	require.NoError(t, store.Insert(ctx, sampleOp("op-1", "payout-1")))
	_, err := store.Get(ctx, "t2", "op-1")
	require.ErrorIs(t, err, ErrNotFound)
}
