package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SQLiteStreamStore implements StreamStore on an embedded SQLite database
// (modernc.org/sqlite). Events are stored as canonical JSON bodies with
// the chain columns broken out for head lookups and uniqueness.
type SQLiteStreamStore struct {
	db *sql.DB
}

const streamSchema = `
CREATE TABLE IF NOT EXISTS stream_events (
	tenant_id       TEXT NOT NULL,
	stream_id       TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	event_id        TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	chain_hash      TEXT NOT NULL,
	prev_chain_hash TEXT,
	body            TEXT NOT NULL,
	PRIMARY KEY (tenant_id, stream_id, seq),
	UNIQUE (tenant_id, idempotency_key),
	UNIQUE (tenant_id, stream_id, chain_hash)
);
`

func NewSQLiteStreamStore(db *sql.DB) (*SQLiteStreamStore, error) {
	if _, err := db.Exec(streamSchema); err != nil {
		return nil, fmt.Errorf("ledger: init schema: %w", err)
	}
	return &SQLiteStreamStore{db: db}, nil
}

func (s *SQLiteStreamStore) Append(ctx context.Context, tenantID string, e Event, idempotencyKey string) (Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, fmt.Errorf("ledger: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Idempotent replay check first: a repeat under the same key must not
	// even look at the head.
	var storedBody string
	var storedChainHash string
	err = tx.QueryRowContext(ctx,
		`SELECT body, chain_hash FROM stream_events WHERE tenant_id = ? AND idempotency_key = ?`,
		tenantID, idempotencyKey,
	).Scan(&storedBody, &storedChainHash)
	switch {
	case err == nil:
		if storedChainHash == e.ChainHash {
			var stored Event
			if err := json.Unmarshal([]byte(storedBody), &stored); err != nil {
				return Event{}, fmt.Errorf("ledger: corrupt stored event: %w", err)
			}
			return stored, nil
		}
		return Event{}, &ConflictError{Reason: ConflictKeyReuse}
	case errors.Is(err, sql.ErrNoRows):
		// fall through to append
	default:
		return Event{}, fmt.Errorf("ledger: idempotency lookup: %w", err)
	}

	var seq int64
	var head sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT seq, chain_hash FROM stream_events
		 WHERE tenant_id = ? AND stream_id = ?
		 ORDER BY seq DESC LIMIT 1`,
		tenantID, e.StreamID,
	).Scan(&seq, &head)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("ledger: head lookup: %w", err)
	}

	var headPtr *string
	if head.Valid {
		h := head.String
		headPtr = &h
	}
	if !prevMatches(e.PrevChainHash, headPtr) {
		return Event{}, &ConflictError{Reason: ConflictStaleHead, Head: headPtr}
	}

	body, err := json.Marshal(e)
	if err != nil {
		return Event{}, fmt.Errorf("ledger: marshal event: %w", err)
	}

	var prev any
	if e.PrevChainHash != nil {
		prev = *e.PrevChainHash
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO stream_events
		 (tenant_id, stream_id, seq, event_id, idempotency_key, chain_hash, prev_chain_hash, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tenantID, e.StreamID, seq+1, e.ID, idempotencyKey, e.ChainHash, prev, string(body),
	)
	if err != nil {
		// A unique violation here means another writer appended between
		// our head read and insert; surface it as a stale-head conflict.
		return Event{}, &ConflictError{Reason: ConflictStaleHead, Head: headPtr}
	}

	if err := tx.Commit(); err != nil {
		return Event{}, fmt.Errorf("ledger: commit: %w", err)
	}
	return e, nil
}

func (s *SQLiteStreamStore) Events(ctx context.Context, tenantID, streamID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM stream_events
		 WHERE tenant_id = ? AND stream_id = ?
		 ORDER BY seq ASC`,
		tenantID, streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var e Event
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("ledger: corrupt event body: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if events == nil {
		return nil, ErrNotFound
	}
	return events, nil
}

func (s *SQLiteStreamStore) Head(ctx context.Context, tenantID, streamID string) (*string, error) {
	var head string
	err := s.db.QueryRowContext(ctx,
		`SELECT chain_hash FROM stream_events
		 WHERE tenant_id = ? AND stream_id = ?
		 ORDER BY seq DESC LIMIT 1`,
		tenantID, streamID,
	).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: head lookup: %w", err)
	}
	return &head, nil
}
