package ledger

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func sqliteStore(t *testing.T) *SQLiteStreamStore {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteStreamStore(db)
	require.NoError(t, err)
	return store
}

func TestSQLiteAppendRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := sqliteStore(t)

	e1, err := Finalize(Draft("job-1", EventJobCreated, Actor{Type: ActorClient, ID: "a"},
		map[string]any{"title": "fetch <data> & parse"}), nil, nil)
	require.NoError(t, err)
	_, err = store.Append(ctx, "t1", e1, IdempotencyKey(KeyModeClient, e1.ID, nil))
	require.NoError(t, err)

	e2, err := Finalize(Draft("job-1", EventQuoteIssued, Actor{Type: ActorServer, ID: "s"},
		map[string]any{"amountCents": 2500, "currency": "USD"}), &e1.ChainHash, nil)
	require.NoError(t, err)
	_, err = store.Append(ctx, "t1", e2, IdempotencyKey(KeyModeServer, e2.ID, e2.PrevChainHash))
	require.NoError(t, err)

	events, err := store.Events(ctx, "t1", "job-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.NoError(t, VerifyChain(events, nil), "persisted events must re-verify")

	head, err := store.Head(ctx, "t1", "job-1")
	require.NoError(t, err)
	require.Equal(t, e2.ChainHash, *head)
}

func TestSQLiteIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	store := sqliteStore(t)

	e, err := Finalize(Draft("job-1", EventJobCreated, Actor{Type: ActorClient, ID: "a"}, nil), nil, nil)
	require.NoError(t, err)
	key := IdempotencyKey(KeyModeClient, e.ID, nil)

	_, err = store.Append(ctx, "t1", e, key)
	require.NoError(t, err)
	replayed, err := store.Append(ctx, "t1", e, key)
	require.NoError(t, err)
	require.Equal(t, e.ChainHash, replayed.ChainHash)

	events, err := store.Events(ctx, "t1", "job-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestSQLiteStaleHeadConflict(t *testing.T) {
	ctx := context.Background()
	store := sqliteStore(t)

	e1, err := Finalize(Draft("job-1", EventJobCreated, Actor{Type: ActorClient, ID: "a"}, nil), nil, nil)
	require.NoError(t, err)
	_, err = store.Append(ctx, "t1", e1, IdempotencyKey(KeyModeClient, e1.ID, nil))
	require.NoError(t, err)

	stale, err := Finalize(Draft("job-1", EventEvidenceAdded, Actor{Type: ActorClient, ID: "a"}, nil), nil, nil)
	require.NoError(t, err)
	_, err = store.Append(ctx, "t1", stale, IdempotencyKey(KeyModeClient, stale.ID, nil))
	var cerr *ConflictError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ConflictStaleHead, cerr.Reason)
	require.Equal(t, e1.ChainHash, *cerr.Head)
}

func TestSQLiteTenantIsolation(t *testing.T) {
	ctx := context.Background()
	store := sqliteStore(t)

	e, err := Finalize(Draft("job-1", EventJobCreated, Actor{Type: ActorClient, ID: "a"}, nil), nil, nil)
	require.NoError(t, err)
	_, err = store.Append(ctx, "t1", e, IdempotencyKey(KeyModeClient, e.ID, nil))
	require.NoError(t, err)

	_, err = store.Events(ctx, "t2", "job-1")
	require.ErrorIs(t, err, ErrNotFound)

	head, err := store.Head(ctx, "t2", "job-1")
	require.NoError(t, err)
	require.Nil(t, head)
}
