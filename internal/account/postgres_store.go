package account

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/promptdeck/promptdeck/internal/pricing"
)

// PostgresStore persists users and subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `id, email, tier, subscription_status, token_balance,
	lifetime_tokens_used, lifetime_tokens_purchased, monthly_tokens_used,
	monthly_reset_date, is_active, COALESCE(suspension_reason, ''),
	COALESCE(stripe_customer_id, ''), COALESCE(stripe_subscription_id, ''),
	current_period_end, last_purchase_at, last_cost_warning_at,
	version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, u *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, email, tier, subscription_status, token_balance,
			lifetime_tokens_used, lifetime_tokens_purchased, monthly_tokens_used,
			monthly_reset_date, is_active, suspension_reason, stripe_customer_id,
			stripe_subscription_id, current_period_end, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), NULLIF($12, ''),
			NULLIF($13, ''), $14, $15, $16, $17)`,
		u.ID, u.Email, string(u.Tier), string(u.SubscriptionStatus), u.TokenBalance,
		u.LifetimeTokensUsed, u.LifetimeTokensPurchased, u.MonthlyTokensUsed,
		u.MonthlyResetDate, u.IsActive, u.SuspensionReason, u.StripeCustomerID,
		u.StripeSubscriptionID, u.CurrentPeriodEnd, u.Version, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrUserExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (p *PostgresStore) GetByCustomerID(ctx context.Context, customerID string) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE stripe_customer_id = $1`, customerID))
}

func (p *PostgresStore) Update(ctx context.Context, u *User) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET
			email = $1, tier = $2, subscription_status = $3, token_balance = $4,
			lifetime_tokens_used = $5, lifetime_tokens_purchased = $6,
			monthly_tokens_used = $7, monthly_reset_date = $8, is_active = $9,
			suspension_reason = NULLIF($10, ''), stripe_customer_id = NULLIF($11, ''),
			stripe_subscription_id = NULLIF($12, ''), current_period_end = $13,
			last_purchase_at = $14, last_cost_warning_at = $15,
			version = version + 1, updated_at = NOW()
		WHERE id = $16 AND version = $17`,
		u.Email, string(u.Tier), string(u.SubscriptionStatus), u.TokenBalance,
		u.LifetimeTokensUsed, u.LifetimeTokensPurchased,
		u.MonthlyTokensUsed, u.MonthlyResetDate, u.IsActive,
		u.SuspensionReason, u.StripeCustomerID,
		u.StripeSubscriptionID, u.CurrentPeriodEnd,
		u.LastPurchaseAt, u.LastCostWarningAt,
		u.ID, u.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing row from a concurrent write.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, u.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrUserNotFound
		}
		return ErrVersionConflict
	}
	u.Version++
	u.UpdatedAt = time.Now()
	return nil
}

func (p *PostgresStore) ApplySubscription(ctx context.Context, userID string, change SubscriptionChange) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE users SET
			tier = $1, subscription_status = $2, stripe_subscription_id = NULLIF($3, ''),
			current_period_end = $4, version = version + 1, updated_at = NOW()
		WHERE id = $5`,
		string(change.Tier), string(change.Status), change.SubscriptionID,
		change.CurrentPeriodEnd, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to update user subscription fields: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrUserNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO subscriptions (user_id, stripe_subscription_id, tier, status, current_period_end, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			stripe_subscription_id = NULLIF($2, ''),
			tier = $3, status = $4, current_period_end = $5, updated_at = NOW()`,
		userID, change.SubscriptionID, string(change.Tier), string(change.Status),
		change.CurrentPeriodEnd,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	sub := &Subscription{}
	var tier, status string
	var subID sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, stripe_subscription_id, tier, status, current_period_end, updated_at
		FROM subscriptions WHERE user_id = $1`, userID,
	).Scan(&sub.UserID, &subID, &tier, &status, &sub.CurrentPeriodEnd, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	sub.StripeSubscriptionID = subID.String
	sub.Tier = pricing.Tier(tier)
	sub.Status = Status(status)
	return sub, nil
}

func (p *PostgresStore) ListDueForReset(ctx context.Context, now time.Time, limit int) ([]*User, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users
		WHERE is_active = TRUE AND monthly_reset_date <= $1
		ORDER BY monthly_reset_date ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return p.scanUsers(rows)
}

func (p *PostgresStore) ListActivePaid(ctx context.Context) ([]*User, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users
		WHERE is_active = TRUE AND tier <> 'free'
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return p.scanUsers(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *PostgresStore) scanUser(row rowScanner) (*User, error) {
	u := &User{}
	var tier, status string
	var periodEnd sql.NullTime
	var lastPurchase, lastWarning sql.NullTime
	err := row.Scan(&u.ID, &u.Email, &tier, &status, &u.TokenBalance,
		&u.LifetimeTokensUsed, &u.LifetimeTokensPurchased, &u.MonthlyTokensUsed,
		&u.MonthlyResetDate, &u.IsActive, &u.SuspensionReason,
		&u.StripeCustomerID, &u.StripeSubscriptionID,
		&periodEnd, &lastPurchase, &lastWarning,
		&u.Version, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Tier = pricing.Tier(tier)
	u.SubscriptionStatus = Status(status)
	if periodEnd.Valid {
		u.CurrentPeriodEnd = periodEnd.Time
	}
	if lastPurchase.Valid {
		t := lastPurchase.Time
		u.LastPurchaseAt = &t
	}
	if lastWarning.Valid {
		t := lastWarning.Time
		u.LastCostWarningAt = &t
	}
	return u, nil
}

func (p *PostgresStore) scanUsers(rows *sql.Rows) ([]*User, error) {
	var users []*User
	for rows.Next() {
		u, err := p.scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Migrate creates the account tables (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id                        TEXT PRIMARY KEY,
			email                     TEXT NOT NULL,
			tier                      TEXT NOT NULL DEFAULT 'free',
			subscription_status       TEXT NOT NULL DEFAULT 'none',
			token_balance             BIGINT NOT NULL DEFAULT 0,
			lifetime_tokens_used      BIGINT NOT NULL DEFAULT 0,
			lifetime_tokens_purchased BIGINT NOT NULL DEFAULT 0,
			monthly_tokens_used       BIGINT NOT NULL DEFAULT 0,
			monthly_reset_date        TIMESTAMPTZ NOT NULL,
			is_active                 BOOLEAN NOT NULL DEFAULT TRUE,
			suspension_reason         TEXT,
			stripe_customer_id        TEXT UNIQUE,
			stripe_subscription_id    TEXT,
			current_period_end        TIMESTAMPTZ,
			last_purchase_at          TIMESTAMPTZ,
			last_cost_warning_at      TIMESTAMPTZ,
			version                   BIGINT NOT NULL DEFAULT 0,
			created_at                TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at                TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_token_balance_nonneg CHECK (token_balance >= 0)
		);
		CREATE INDEX IF NOT EXISTS idx_users_reset_date ON users(monthly_reset_date) WHERE is_active;
		CREATE INDEX IF NOT EXISTS idx_users_customer ON users(stripe_customer_id);

		CREATE TABLE IF NOT EXISTS subscriptions (
			user_id                 TEXT PRIMARY KEY REFERENCES users(id),
			stripe_subscription_id  TEXT,
			tier                    TEXT NOT NULL,
			status                  TEXT NOT NULL,
			current_period_end      TIMESTAMPTZ,
			updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
