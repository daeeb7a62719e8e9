// Package account owns the user billing aggregate: subscription tier and
// status, token balance and counters, and the local subscription record.
//
// Balance-mutating writes go through optimistic concurrency (a version
// column) so that the ledger, the rollover scheduler, and webhook
// reconciliation can all touch the same row without lost updates.
package account

import (
	"context"
	"errors"
	"time"

	"github.com/promptdeck/promptdeck/internal/pricing"
)

var (
	ErrUserNotFound    = errors.New("account: user not found")
	ErrUserExists      = errors.New("account: user already exists")
	ErrVersionConflict = errors.New("account: version conflict")
)

// Status represents a user's subscription lifecycle state.
type Status string

const (
	StatusNone     Status = "none"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
)

// User is the billing view of an account. Identity fields are owned by the
// (external) auth service; everything else here is owned by the ledger and
// cost-protection subsystems.
type User struct {
	ID                      string       `json:"id"`
	Email                   string       `json:"email"`
	Tier                    pricing.Tier `json:"tier"`
	SubscriptionStatus      Status       `json:"subscriptionStatus"`
	TokenBalance            int64        `json:"tokenBalance"`
	LifetimeTokensUsed      int64        `json:"lifetimeTokensUsed"`
	LifetimeTokensPurchased int64        `json:"lifetimeTokensPurchased"`
	MonthlyTokensUsed       int64        `json:"monthlyTokensUsed"`
	MonthlyResetDate        time.Time    `json:"monthlyResetDate"`
	IsActive                bool         `json:"isActive"`
	SuspensionReason        string       `json:"suspensionReason,omitempty"`
	StripeCustomerID        string       `json:"stripeCustomerId,omitempty"`
	StripeSubscriptionID    string       `json:"stripeSubscriptionId,omitempty"`
	CurrentPeriodEnd        time.Time    `json:"currentPeriodEnd,omitempty"`
	LastPurchaseAt          *time.Time   `json:"lastPurchaseAt,omitempty"`
	LastCostWarningAt       *time.Time   `json:"lastCostWarningAt,omitempty"`
	Version                 int64        `json:"-"`
	CreatedAt               time.Time    `json:"createdAt"`
	UpdatedAt               time.Time    `json:"updatedAt"`
}

// Subscription is the local mirror of the provider-side subscription. It is
// always written in the same transaction as the user's tier/status so the
// two can never disagree.
type Subscription struct {
	UserID               string       `json:"userId"`
	StripeSubscriptionID string       `json:"stripeSubscriptionId"`
	Tier                 pricing.Tier `json:"tier"`
	Status               Status       `json:"status"`
	CurrentPeriodEnd     time.Time    `json:"currentPeriodEnd"`
	UpdatedAt            time.Time    `json:"updatedAt"`
}

// SubscriptionChange describes an atomic tier/status transition applied to
// the user and the local subscription record together.
type SubscriptionChange struct {
	SubscriptionID   string
	Tier             pricing.Tier
	Status           Status
	CurrentPeriodEnd time.Time
}

// New creates a user on the free tier with a zero balance. Sign-up token
// grants are issued through the ledger so the transaction log stays the
// source of truth for the balance.
func New(id, email string) *User {
	now := time.Now()
	return &User{
		ID:                 id,
		Email:              email,
		Tier:               pricing.TierFree,
		SubscriptionStatus: StatusNone,
		MonthlyResetDate:   FirstOfNextMonth(now),
		IsActive:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// FirstOfNextMonth returns midnight UTC on the first day of the month after t.
func FirstOfNextMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

// Store persists users and their subscription mirrors.
type Store interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
	GetByCustomerID(ctx context.Context, customerID string) (*User, error)

	// Update persists a modified user. It fails with ErrVersionConflict if
	// the stored version no longer matches u.Version (someone else wrote in
	// between); on success the stored and in-memory versions are bumped.
	Update(ctx context.Context, u *User) error

	// ApplySubscription atomically updates the user's tier/status/period end
	// and upserts the local subscription record in a single transaction.
	ApplySubscription(ctx context.Context, userID string, change SubscriptionChange) error

	GetSubscription(ctx context.Context, userID string) (*Subscription, error)

	// ListDueForReset returns active users whose monthly reset boundary has
	// passed, up to limit.
	ListDueForReset(ctx context.Context, now time.Time, limit int) ([]*User, error)

	// ListActivePaid returns active users on a paid tier, for the
	// cost-protection audit sweep.
	ListActivePaid(ctx context.Context) ([]*User, error)
}
