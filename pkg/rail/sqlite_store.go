package rail

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SQLiteStore implements Store on an embedded SQLite database
// (modernc.org/sqlite). Operations are stored as JSON bodies with the
// idempotency columns broken out for the uniqueness constraint.
type SQLiteStore struct {
	db *sql.DB
}

const railSchema = `
CREATE TABLE IF NOT EXISTS rail_operations (
	tenant_id       TEXT NOT NULL,
	operation_id    TEXT NOT NULL,
	direction       TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	state           TEXT NOT NULL,
	body            TEXT NOT NULL,
	PRIMARY KEY (tenant_id, operation_id),
	UNIQUE (tenant_id, direction, idempotency_key)
);
CREATE TABLE IF NOT EXISTS rail_provider_outcomes (
	dedupe_key TEXT PRIMARY KEY,
	outcome    TEXT NOT NULL
);
`

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(railSchema); err != nil {
		return nil, fmt.Errorf("rail: init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, op Operation) error {
	body, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("rail: marshal operation: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rail_operations
		 (tenant_id, operation_id, direction, idempotency_key, state, body)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		op.TenantID, op.OperationID, string(op.Direction), op.IdempotencyKey, string(op.State), string(body),
	)
	if err != nil {
		return fmt.Errorf("%w: insert operation %s: %v", ErrConflict, op.OperationID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, tenantID, operationID string) (Operation, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM rail_operations WHERE tenant_id = ? AND operation_id = ?`,
		tenantID, operationID,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return Operation{}, fmt.Errorf("%w: %s", ErrNotFound, operationID)
	}
	if err != nil {
		return Operation{}, fmt.Errorf("rail: get operation: %w", err)
	}
	return decodeOperation(body)
}

func (s *SQLiteStore) ByIdempotencyKey(ctx context.Context, tenantID string, direction Direction, key string) (Operation, bool, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM rail_operations
		 WHERE tenant_id = ? AND direction = ? AND idempotency_key = ?`,
		tenantID, string(direction), key,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return Operation{}, false, nil
	}
	if err != nil {
		return Operation{}, false, fmt.Errorf("rail: idempotency lookup: %w", err)
	}
	op, err := decodeOperation(body)
	return op, err == nil, err
}

func (s *SQLiteStore) Update(ctx context.Context, op Operation) error {
	body, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("rail: marshal operation: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE rail_operations SET state = ?, body = ?
		 WHERE tenant_id = ? AND operation_id = ?`,
		string(op.State), string(body), op.TenantID, op.OperationID,
	)
	if err != nil {
		return fmt.Errorf("rail: update operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, op.OperationID)
	}
	return nil
}

func (s *SQLiteStore) ProviderOutcome(ctx context.Context, dedupeKey string) (IngestOutcome, bool, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT outcome FROM rail_provider_outcomes WHERE dedupe_key = ?`, dedupeKey,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return IngestOutcome{}, false, nil
	}
	if err != nil {
		return IngestOutcome{}, false, fmt.Errorf("rail: outcome lookup: %w", err)
	}
	var outcome IngestOutcome
	if err := json.Unmarshal([]byte(body), &outcome); err != nil {
		return IngestOutcome{}, false, fmt.Errorf("rail: corrupt outcome: %w", err)
	}
	return outcome, true, nil
}

func (s *SQLiteStore) RecordProviderOutcome(ctx context.Context, dedupeKey string, outcome IngestOutcome) error {
	body, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("rail: marshal outcome: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rail_provider_outcomes (dedupe_key, outcome) VALUES (?, ?)
		 ON CONFLICT(dedupe_key) DO NOTHING`,
		dedupeKey, string(body),
	)
	if err != nil {
		return fmt.Errorf("rail: record outcome: %w", err)
	}
	return nil
}

func decodeOperation(body string) (Operation, error) {
	var op Operation
	if err := json.Unmarshal([]byte(body), &op); err != nil {
		return Operation{}, fmt.Errorf("rail: corrupt operation body: %w", err)
	}
	return op, nil
}
