// Package ledger is the append-only token transaction log and the balance
// derived from it.
//
// Flow:
//  1. User signs up, gets a free-tier grant (bonus credit)
//  2. Operations consume tokens (usage debits)
//  3. Purchases, rollovers, and refunds credit tokens back
//  4. Purchased lots expire on a schedule (expiration debits)
//
// Every balance mutation writes one transaction with a before/after snapshot,
// so the running sum of deltas always equals the user's current balance.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/promptdeck/promptdeck/internal/account"
	"github.com/promptdeck/promptdeck/internal/idgen"
	"github.com/promptdeck/promptdeck/internal/notify"
	"github.com/promptdeck/promptdeck/internal/pricing"
	"github.com/promptdeck/promptdeck/internal/syncutil"
	"github.com/promptdeck/promptdeck/internal/traces"
)

// lowBalanceThreshold is the balance below which a debit raises a
// balance.low alert. Alerts fire only on the crossing, not on every
// consume below the line.
const lowBalanceThreshold = 10

var (
	ErrInsufficientTokens   = errors.New("insufficient tokens")
	ErrMonthlyLimitExceeded = errors.New("monthly token limit exceeded")
	ErrAccountSuspended     = errors.New("account suspended")
	ErrDuplicateCredit      = errors.New("credit already processed")
	ErrInvalidCredit        = errors.New("invalid credit")
)

// Type classifies a ledger transaction.
type Type string

const (
	TypeUsage      Type = "usage"
	TypePurchase   Type = "purchase"
	TypeBonus      Type = "bonus"
	TypeRollover   Type = "rollover"
	TypeRefund     Type = "refund"
	TypeExpiration Type = "expiration"
)

// creditTypes are the transaction types Credit accepts.
var creditTypes = map[Type]bool{
	TypePurchase: true,
	TypeBonus:    true,
	TypeRollover: true,
	TypeRefund:   true,
}

// Transaction is one immutable ledger entry. Only the IsExpired flag ever
// changes after insert, and only false to true.
type Transaction struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	Type          Type       `json:"type"`
	TokenDelta    int64      `json:"tokenDelta"`
	BalanceBefore int64      `json:"balanceBefore"`
	BalanceAfter  int64      `json:"balanceAfter"`
	CostCents     int64      `json:"costCents,omitempty"`
	PackageID     string     `json:"packageId,omitempty"`
	Model         string     `json:"model,omitempty"`
	Complexity    string     `json:"complexity,omitempty"`
	ExternalRef   string     `json:"externalRef,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	IsExpired     bool       `json:"isExpired"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Availability is the result of a balance/quota pre-check.
type Availability struct {
	Available    bool   `json:"available"`
	TokensNeeded int64  `json:"tokensNeeded"`
	Shortfall    int64  `json:"shortfall,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// ConsumeRequest describes one billable operation.
type ConsumeRequest struct {
	Complexity pricing.Complexity `json:"complexity"`
	Model      string             `json:"model,omitempty"`
	CostCents  int64              `json:"-"`
}

// ConsumeResult reports a successful usage debit.
type ConsumeResult struct {
	TransactionID  string `json:"transactionId"`
	TokensConsumed int64  `json:"tokensConsumed"`
	NewBalance     int64  `json:"newBalance"`
}

// CreditRequest describes a positive-delta transaction. ExternalRef, when
// set, makes the credit idempotent: a second credit with the same reference
// fails with ErrDuplicateCredit and mutates nothing.
type CreditRequest struct {
	Type        Type       `json:"type"`
	Tokens      int64      `json:"tokens"`
	CostCents   int64      `json:"costCents,omitempty"`
	PackageID   string     `json:"packageId,omitempty"`
	ExternalRef string     `json:"externalRef,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// CreditResult reports a successful credit.
type CreditResult struct {
	TransactionID string `json:"transactionId"`
	NewBalance    int64  `json:"newBalance"`
}

// Lot is an unexpired purchased/rollover bundle still counting toward the
// balance.
type Lot struct {
	TransactionID string    `json:"transactionId"`
	Tokens        int64     `json:"tokens"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Breakdown is the read-only balance aggregate.
type Breakdown struct {
	UserID            string       `json:"userId"`
	Tier              pricing.Tier `json:"tier"`
	TokenBalance      int64        `json:"tokenBalance"`
	MonthlyAllotment  int64        `json:"monthlyAllotment"`
	MonthlyUsed       int64        `json:"monthlyUsed"`
	MonthlyRemaining  int64        `json:"monthlyRemaining"`
	MonthlyResetDate  time.Time    `json:"monthlyResetDate"`
	LifetimeUsed      int64        `json:"lifetimeUsed"`
	LifetimePurchased int64        `json:"lifetimePurchased"`
	ActiveLots        []Lot        `json:"activeLots"`
	NextExpiry        *time.Time   `json:"nextExpiry,omitempty"`
}

// Resetter advances a user's monthly window once its boundary has passed.
// Wired after construction to break the dependency between the ledger and
// the rollover scheduler, which issues its credits through the ledger.
type Resetter interface {
	ResetIfDue(ctx context.Context, userID string) (bool, error)
}

const maxCASRetries = 3

// Service owns all balance mutations. Writers serialize per user: the
// sharded mutex covers in-process races, the account version check covers
// concurrent writers in other processes.
type Service struct {
	users    account.Store
	store    Store
	locks    *syncutil.ShardedMutex
	resetter Resetter
	sink     notify.Sink
	logger   *slog.Logger
}

// New creates a ledger service.
func New(users account.Store, store Store, logger *slog.Logger) *Service {
	return &Service{
		users:  users,
		store:  store,
		locks:  &syncutil.ShardedMutex{},
		logger: logger,
	}
}

// SetResetter wires the rollover scheduler for lazy read-path resets.
func (s *Service) SetResetter(r Resetter) {
	s.resetter = r
}

// SetSink wires the alert sink for low-balance warnings.
func (s *Service) SetSink(sink notify.Sink) {
	s.sink = sink
}

// Locks exposes the per-user serialization primitive so that the rollover
// scheduler and webhook reconciliation mutate balances under the same locks.
func (s *Service) Locks() *syncutil.ShardedMutex {
	return s.locks
}

// CheckAvailability reports whether the user can afford an operation of the
// given complexity. It never mutates balance state; it may trigger a lazy
// monthly reset if the boundary has passed.
func (s *Service) CheckAvailability(ctx context.Context, userID string, complexity pricing.Complexity) (*Availability, error) {
	defer observeOp("check")()

	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	u, err = s.maybeReset(ctx, u)
	if err != nil {
		return nil, err
	}
	return s.availability(u, pricing.TokensFor(complexity))
}

// availability validates suspension, balance, and the monthly allotment.
func (s *Service) availability(u *account.User, needed int64) (*Availability, error) {
	if !u.IsActive {
		return &Availability{TokensNeeded: needed, Reason: "account_suspended"}, ErrAccountSuspended
	}
	if u.TokenBalance < needed {
		return &Availability{
			TokensNeeded: needed,
			Shortfall:    needed - u.TokenBalance,
			Reason:       "insufficient_tokens",
		}, ErrInsufficientTokens
	}
	allotment := pricing.ForTier(u.Tier).MonthlyTokens
	if allotment != pricing.Unlimited && u.MonthlyTokensUsed+needed > allotment {
		return &Availability{TokensNeeded: needed, Reason: "monthly_limit_exceeded"}, ErrMonthlyLimitExceeded
	}
	return &Availability{Available: true, TokensNeeded: needed}, nil
}

// Consume atomically debits the balance and records a usage transaction.
// Availability is re-validated under the per-user lock, so a concurrent
// consume that drained the balance surfaces as a genuine decline.
func (s *Service) Consume(ctx context.Context, userID string, req ConsumeRequest) (*ConsumeResult, error) {
	defer observeOp("consume")()

	ctx, span := traces.StartSpan(ctx, "ledger.Consume",
		traces.UserID(userID), traces.Complexity(string(req.Complexity)))
	defer span.End()

	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	// Lazy reset happens before taking the lock: the rollover path locks
	// the same key.
	if _, err := s.maybeReset(ctx, u); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	tokens := pricing.TokensFor(req.Complexity)
	var lastErr error
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		u, err = s.users.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		if _, err := s.availability(u, tokens); err != nil {
			return nil, err
		}

		txn := &Transaction{
			ID:            idgen.WithPrefix("txn_"),
			UserID:        userID,
			Type:          TypeUsage,
			TokenDelta:    -tokens,
			BalanceBefore: u.TokenBalance,
			BalanceAfter:  u.TokenBalance - tokens,
			CostCents:     req.CostCents,
			Model:         req.Model,
			Complexity:    string(req.Complexity),
			CreatedAt:     time.Now(),
		}
		u.TokenBalance -= tokens
		u.LifetimeTokensUsed += tokens
		u.MonthlyTokensUsed += tokens

		err = s.store.Apply(ctx, u, txn)
		if err == nil {
			TokensConsumed.Add(float64(tokens))
			span.SetAttributes(traces.TransactionID(txn.ID))
			if s.sink != nil && txn.BalanceBefore >= lowBalanceThreshold && txn.BalanceAfter < lowBalanceThreshold {
				s.sink.Notify(ctx, notify.NewEvent(notify.EventLowBalance, userID,
					fmt.Sprintf("token balance down to %d", txn.BalanceAfter),
					map[string]any{"balance": txn.BalanceAfter, "threshold": int64(lowBalanceThreshold)}))
			}
			return &ConsumeResult{
				TransactionID:  txn.ID,
				TokensConsumed: tokens,
				NewBalance:     txn.BalanceAfter,
			}, nil
		}
		if !errors.Is(err, account.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	span.RecordError(lastErr)
	return nil, fmt.Errorf("consume for %s did not settle: %w", userID, lastErr)
}

// Credit inserts a positive-delta transaction and updates the balance.
func (s *Service) Credit(ctx context.Context, userID string, req CreditRequest) (*CreditResult, error) {
	defer observeOp("credit")()

	ctx, span := traces.StartSpan(ctx, "ledger.Credit",
		traces.UserID(userID), traces.Tokens(req.Tokens))
	defer span.End()

	if !creditTypes[req.Type] {
		return nil, fmt.Errorf("%w: type %q", ErrInvalidCredit, req.Type)
	}
	if req.Tokens <= 0 {
		return nil, fmt.Errorf("%w: tokens must be positive", ErrInvalidCredit)
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	if req.ExternalRef != "" {
		seen, err := s.store.HasExternalRef(ctx, userID, req.ExternalRef)
		if err != nil {
			return nil, err
		}
		if seen {
			return nil, ErrDuplicateCredit
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		u, err := s.users.Get(ctx, userID)
		if err != nil {
			return nil, err
		}

		now := time.Now()
		txn := &Transaction{
			ID:            idgen.WithPrefix("txn_"),
			UserID:        userID,
			Type:          req.Type,
			TokenDelta:    req.Tokens,
			BalanceBefore: u.TokenBalance,
			BalanceAfter:  u.TokenBalance + req.Tokens,
			CostCents:     req.CostCents,
			PackageID:     req.PackageID,
			ExternalRef:   req.ExternalRef,
			ExpiresAt:     req.ExpiresAt,
			CreatedAt:     now,
		}
		u.TokenBalance += req.Tokens
		if req.Type == TypePurchase {
			u.LifetimeTokensPurchased += req.Tokens
			u.LastPurchaseAt = &now
		}

		err = s.store.Apply(ctx, u, txn)
		if err == nil {
			TokensCredited.WithLabelValues(string(req.Type)).Add(float64(req.Tokens))
			span.SetAttributes(traces.TransactionID(txn.ID))
			return &CreditResult{TransactionID: txn.ID, NewBalance: txn.BalanceAfter}, nil
		}
		if errors.Is(err, ErrDuplicateCredit) {
			// Another writer landed the same reference between the check
			// and the insert.
			return nil, ErrDuplicateCredit
		}
		if !errors.Is(err, account.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("credit for %s did not settle: %w", userID, lastErr)
}

// CapBalance trims the balance down to ceiling, recording the excess as an
// expiration transaction. Used when a subscription ends and the user drops
// to a tier with a lower balance ceiling. Returns the number of tokens
// removed.
func (s *Service) CapBalance(ctx context.Context, userID string, ceiling int64) (int64, error) {
	defer observeOp("cap")()

	unlock := s.locks.Lock(userID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		u, err := s.users.Get(ctx, userID)
		if err != nil {
			return 0, err
		}
		if u.TokenBalance <= ceiling {
			return 0, nil
		}

		excess := u.TokenBalance - ceiling
		txn := &Transaction{
			ID:            idgen.WithPrefix("txn_"),
			UserID:        userID,
			Type:          TypeExpiration,
			TokenDelta:    -excess,
			BalanceBefore: u.TokenBalance,
			BalanceAfter:  ceiling,
			CreatedAt:     time.Now(),
		}
		u.TokenBalance = ceiling

		err = s.store.Apply(ctx, u, txn)
		if err == nil {
			return excess, nil
		}
		if !errors.Is(err, account.ErrVersionConflict) {
			return 0, err
		}
		lastErr = err
	}
	return 0, fmt.Errorf("balance cap for %s did not settle: %w", userID, lastErr)
}

// Expire sweeps credit lots whose expiry has passed, marking each expired
// and inserting an offsetting expiration transaction clamped to the user's
// current balance so the balance never goes negative. Users are processed
// independently; one failure does not abort the sweep.
func (s *Service) Expire(ctx context.Context) (int, error) {
	defer observeOp("expire")()

	lots, err := s.store.ListExpirable(ctx, time.Now(), 500)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, lot := range lots {
		if err := s.expireLot(ctx, lot); err != nil {
			s.logger.Warn("failed to expire token lot",
				"transaction_id", lot.ID, "user_id", lot.UserID, "error", err)
			continue
		}
		expired++
	}
	if expired > 0 {
		LotsExpired.Add(float64(expired))
	}
	return expired, nil
}

func (s *Service) expireLot(ctx context.Context, lot *Transaction) error {
	unlock := s.locks.Lock(lot.UserID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		u, err := s.users.Get(ctx, lot.UserID)
		if err != nil {
			return err
		}

		deduct := lot.TokenDelta
		if deduct > u.TokenBalance {
			deduct = u.TokenBalance
		}
		if deduct <= 0 {
			// Already spent down to zero; just retire the lot.
			return s.store.MarkExpired(ctx, lot.ID)
		}

		txn := &Transaction{
			ID:            idgen.WithPrefix("txn_"),
			UserID:        lot.UserID,
			Type:          TypeExpiration,
			TokenDelta:    -deduct,
			BalanceBefore: u.TokenBalance,
			BalanceAfter:  u.TokenBalance - deduct,
			ExternalRef:   "expire:" + lot.ID,
			CreatedAt:     time.Now(),
		}
		u.TokenBalance -= deduct

		err = s.store.Apply(ctx, u, txn)
		if err == nil {
			return s.store.MarkExpired(ctx, lot.ID)
		}
		if !errors.Is(err, account.ErrVersionConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// BalanceBreakdown returns the read-only balance aggregate for a user.
func (s *Service) BalanceBreakdown(ctx context.Context, userID string) (*Breakdown, error) {
	defer observeOp("breakdown")()

	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	u, err = s.maybeReset(ctx, u)
	if err != nil {
		return nil, err
	}

	lots, err := s.store.ActiveLots(ctx, userID, time.Now())
	if err != nil {
		return nil, err
	}

	tier := pricing.ForTier(u.Tier)
	remaining := int64(pricing.Unlimited)
	if tier.MonthlyTokens != pricing.Unlimited {
		remaining = tier.MonthlyTokens - u.MonthlyTokensUsed
		if remaining < 0 {
			remaining = 0
		}
	}

	b := &Breakdown{
		UserID:            u.ID,
		Tier:              u.Tier,
		TokenBalance:      u.TokenBalance,
		MonthlyAllotment:  tier.MonthlyTokens,
		MonthlyUsed:       u.MonthlyTokensUsed,
		MonthlyRemaining:  remaining,
		MonthlyResetDate:  u.MonthlyResetDate,
		LifetimeUsed:      u.LifetimeTokensUsed,
		LifetimePurchased: u.LifetimeTokensPurchased,
		ActiveLots:        lots,
	}
	if len(lots) > 0 {
		b.NextExpiry = &lots[0].ExpiresAt
	}
	return b, nil
}

// UsageCostSince sums the recorded cost of usage transactions for a user
// since a point in time. Used by cost-protection projections.
func (s *Service) UsageCostSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	return s.store.UsageCostSince(ctx, userID, since)
}

// History returns recent ledger entries for a user, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.History(ctx, userID, limit)
}

// maybeReset runs the lazy read-path reset when the user's boundary has
// passed, then returns a fresh copy of the user. Reset failures are logged
// and do not block the caller.
func (s *Service) maybeReset(ctx context.Context, u *account.User) (*account.User, error) {
	if s.resetter == nil || u.MonthlyResetDate.After(time.Now()) {
		return u, nil
	}
	if _, err := s.resetter.ResetIfDue(ctx, u.ID); err != nil {
		s.logger.Warn("lazy monthly reset failed", "user_id", u.ID, "error", err)
		return u, nil
	}
	return s.users.Get(ctx, u.ID)
}
