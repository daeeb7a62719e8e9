package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresEventStore persists webhook event records in PostgreSQL.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates a PostgreSQL-backed event store.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (p *PostgresEventStore) BeginProcessing(ctx context.Context, id, eventType string) (bool, error) {
	// One statement: insert the record, or bump the retry count unless the
	// event already reached the terminal processed state.
	var processed bool
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO webhook_events (id, type, processed, retry_count, created_at)
		VALUES ($1, $2, FALSE, 0, NOW())
		ON CONFLICT (id) DO UPDATE SET
			retry_count = CASE WHEN webhook_events.processed
				THEN webhook_events.retry_count
				ELSE webhook_events.retry_count + 1 END
		RETURNING processed`,
		id, eventType).Scan(&processed)
	if err != nil {
		return false, fmt.Errorf("failed to register webhook event: %w", err)
	}
	return !processed, nil
}

func (p *PostgresEventStore) MarkProcessed(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE webhook_events SET processed = TRUE, error = NULL, processed_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (p *PostgresEventStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE webhook_events SET error = $2 WHERE id = $1`, id, errMsg)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (p *PostgresEventStore) Get(ctx context.Context, id string) (*EventRecord, error) {
	rec := &EventRecord{}
	var errMsg sql.NullString
	var processedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, type, processed, error, retry_count, processed_at, created_at
		FROM webhook_events WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.Type, &rec.Processed, &errMsg, &rec.RetryCount, &processedAt, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Error = errMsg.String
	if processedAt.Valid {
		t := processedAt.Time
		rec.ProcessedAt = &t
	}
	return rec, nil
}

func (p *PostgresEventStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

// Migrate creates the webhook event table (used in dev/test; prod uses
// migration files).
func (p *PostgresEventStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS webhook_events (
			id           TEXT PRIMARY KEY,
			type         TEXT NOT NULL,
			processed    BOOLEAN NOT NULL DEFAULT FALSE,
			error        TEXT,
			retry_count  INT NOT NULL DEFAULT 0,
			processed_at TIMESTAMPTZ,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_webhook_events_created ON webhook_events(created_at);
	`)
	return err
}

var _ EventStore = (*PostgresEventStore)(nil)
