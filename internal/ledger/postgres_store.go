package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/promptdeck/promptdeck/internal/account"
)

// PostgresStore persists the transaction log in PostgreSQL. Apply writes the
// user row and the transaction in one serializable transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Apply(ctx context.Context, u *account.User, txn *Transaction) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE users SET
			token_balance = $1, lifetime_tokens_used = $2,
			lifetime_tokens_purchased = $3, monthly_tokens_used = $4,
			monthly_reset_date = $5, last_purchase_at = $6,
			version = version + 1, updated_at = NOW()
		WHERE id = $7 AND version = $8`,
		u.TokenBalance, u.LifetimeTokensUsed,
		u.LifetimeTokensPurchased, u.MonthlyTokensUsed,
		u.MonthlyResetDate, u.LastPurchaseAt,
		u.ID, u.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update user balance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return account.ErrVersionConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO token_transactions (id, user_id, type, token_delta,
			balance_before, balance_after, cost_cents, package_id, model,
			complexity, external_ref, expires_at, is_expired, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''),
			NULLIF($10, ''), NULLIF($11, ''), $12, $13, $14)`,
		txn.ID, txn.UserID, string(txn.Type), txn.TokenDelta,
		txn.BalanceBefore, txn.BalanceAfter, txn.CostCents, txn.PackageID,
		txn.Model, txn.Complexity, txn.ExternalRef, txn.ExpiresAt,
		txn.IsExpired, txn.CreatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateCredit
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger apply: %w", err)
	}
	u.Version++
	return nil
}

func (p *PostgresStore) HasExternalRef(ctx context.Context, userID, ref string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM token_transactions
		WHERE user_id = $1 AND external_ref = $2)`, userID, ref).Scan(&exists)
	return exists, err
}

const txnColumns = `id, user_id, type, token_delta, balance_before,
	balance_after, cost_cents, COALESCE(package_id, ''), COALESCE(model, ''),
	COALESCE(complexity, ''), COALESCE(external_ref, ''), expires_at,
	is_expired, created_at`

func (p *PostgresStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+txnColumns+` FROM token_transactions
		WHERE token_delta > 0 AND is_expired = FALSE
			AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) MarkExpired(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE token_transactions SET is_expired = TRUE WHERE id = $1`, id)
	return err
}

func (p *PostgresStore) ActiveLots(ctx context.Context, userID string, now time.Time) ([]Lot, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, token_delta, expires_at FROM token_transactions
		WHERE user_id = $1 AND token_delta > 0 AND is_expired = FALSE
			AND expires_at IS NOT NULL AND expires_at > $2
		ORDER BY expires_at ASC`, userID, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var lots []Lot
	for rows.Next() {
		var lot Lot
		if err := rows.Scan(&lot.TransactionID, &lot.Tokens, &lot.ExpiresAt); err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func (p *PostgresStore) UsageCostSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var total int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost_cents), 0) FROM token_transactions
		WHERE user_id = $1 AND type = 'usage' AND created_at >= $2`,
		userID, since).Scan(&total)
	return total, err
}

func (p *PostgresStore) SumDeltas(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(token_delta), 0) FROM token_transactions
		WHERE user_id = $1`, userID).Scan(&sum)
	return sum, err
}

func (p *PostgresStore) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+txnColumns+` FROM token_transactions
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var txns []*Transaction
	for rows.Next() {
		t := &Transaction{}
		var typ string
		var expiresAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.UserID, &typ, &t.TokenDelta,
			&t.BalanceBefore, &t.BalanceAfter, &t.CostCents, &t.PackageID,
			&t.Model, &t.Complexity, &t.ExternalRef, &expiresAt,
			&t.IsExpired, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = Type(typ)
		if expiresAt.Valid {
			ts := expiresAt.Time
			t.ExpiresAt = &ts
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// Migrate creates the transaction table (used in dev/test; prod uses
// migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS token_transactions (
			id             TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL REFERENCES users(id),
			type           TEXT NOT NULL,
			token_delta    BIGINT NOT NULL,
			balance_before BIGINT NOT NULL,
			balance_after  BIGINT NOT NULL,
			cost_cents     BIGINT NOT NULL DEFAULT 0,
			package_id     TEXT,
			model          TEXT,
			complexity     TEXT,
			external_ref   TEXT,
			expires_at     TIMESTAMPTZ,
			is_expired     BOOLEAN NOT NULL DEFAULT FALSE,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_balance_snapshot CHECK (balance_after = balance_before + token_delta)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_txn_external_ref
			ON token_transactions(user_id, external_ref) WHERE external_ref IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_txn_user_created
			ON token_transactions(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_txn_expirable
			ON token_transactions(expires_at) WHERE NOT is_expired AND expires_at IS NOT NULL;
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
