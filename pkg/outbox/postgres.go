package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresBackend is the claim-based durable queue for multi-process
// deployments. Claims use FOR UPDATE SKIP LOCKED so pollers never block
// each other on the same rows.
type PostgresBackend struct {
	db *sql.DB
}

func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

const postgresOutboxSchema = `
CREATE TABLE IF NOT EXISTS outbox_messages (
	id                TEXT PRIMARY KEY,
	dedupe_key        TEXT UNIQUE NOT NULL,
	topic             TEXT NOT NULL,
	tenant_id         TEXT NOT NULL,
	job_id            TEXT NOT NULL,
	source_event_id   TEXT NOT NULL,
	source_chain_hash TEXT NOT NULL,
	attributes        JSONB,
	attempts          INT NOT NULL DEFAULT 0,
	status            TEXT NOT NULL DEFAULT 'pending',
	last_error        TEXT,
	claimed_by        TEXT,
	claimed_at        TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_claim ON outbox_messages (topic, status, created_at);
`

// Init creates the outbox table.
func (b *PostgresBackend) Init(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, postgresOutboxSchema)
	return err
}

func (b *PostgresBackend) Enqueue(ctx context.Context, msgs ...Message) (int, error) {
	inserted := 0
	for _, m := range msgs {
		attrs, err := json.Marshal(m.Attributes)
		if err != nil {
			return inserted, fmt.Errorf("outbox: marshal attributes: %w", err)
		}
		res, err := b.db.ExecContext(ctx, `
			INSERT INTO outbox_messages
			(id, dedupe_key, topic, tenant_id, job_id, source_event_id, source_chain_hash, attributes, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9)
			ON CONFLICT (dedupe_key) DO NOTHING`,
			m.ID, m.DedupeKey(), m.Topic, m.TenantID, m.JobID,
			m.SourceEventID, m.SourceChainHash, attrs, m.CreatedAt,
		)
		if err != nil {
			return inserted, fmt.Errorf("outbox: enqueue: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += int(n)
	}
	return inserted, nil
}

func (b *PostgresBackend) Claim(ctx context.Context, topic string, maxMessages int, workerID string) ([]Message, error) {
	rows, err := b.db.QueryContext(ctx, `
		UPDATE outbox_messages SET status = 'claimed', claimed_by = $1, claimed_at = $2
		WHERE id IN (
			SELECT id FROM outbox_messages
			WHERE topic = $3 AND status = 'pending'
			ORDER BY created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, topic, tenant_id, job_id, source_event_id, source_chain_hash, attributes, attempts, created_at`,
		workerID, time.Now().UTC(), topic, maxMessages,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var claimed []Message
	for rows.Next() {
		var m Message
		var attrs []byte
		var createdAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.Topic, &m.TenantID, &m.JobID,
			&m.SourceEventID, &m.SourceChainHash, &attrs, &m.Attempts, &createdAt); err != nil {
			return nil, err
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &m.Attributes); err != nil {
				return nil, fmt.Errorf("outbox: corrupt attributes on %s: %w", m.ID, err)
			}
		}
		if createdAt.Valid {
			m.CreatedAt = createdAt.Time
		}
		m.Status = StatusClaimed
		claimed = append(claimed, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (b *PostgresBackend) MarkProcessed(ctx context.Context, id string, procErr error) error {
	status := StatusProcessed
	var lastErr any
	if procErr != nil {
		status = StatusDead
		lastErr = procErr.Error()
	}
	_, err := b.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = $1, last_error = $2 WHERE id = $3`,
		string(status), lastErr, id,
	)
	return err
}

func (b *PostgresBackend) MarkFailed(ctx context.Context, id string, lastErr string) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE outbox_messages
		 SET status = 'pending', attempts = attempts + 1, last_error = $1, claimed_by = NULL, claimed_at = NULL
		 WHERE id = $2`,
		lastErr, id,
	)
	return err
}
