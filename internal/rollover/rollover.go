// Package rollover advances each user's monthly usage window: it zeroes the
// monthly counter, moves the reset date to the first of the next calendar
// month, and carries unused allotment tokens forward as an expiring rollover
// credit, capped per tier.
//
// The transition is idempotent per boundary. The read path (ledger) and the
// periodic sweep both call ResetIfDue and converge on the same state.
package rollover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/promptdeck/promptdeck/internal/account"
	"github.com/promptdeck/promptdeck/internal/ledger"
	"github.com/promptdeck/promptdeck/internal/pricing"
	"github.com/promptdeck/promptdeck/internal/syncutil"
)

// Service drives the monthly reset transition.
type Service struct {
	users      account.Store
	ledger     *ledger.Service
	locks      *syncutil.ShardedMutex
	expiryDays int
	logger     *slog.Logger
}

// New creates a rollover service. locks must be the ledger's lock set so
// the window advance serializes against balance writes for the same user.
func New(users account.Store, lgr *ledger.Service, locks *syncutil.ShardedMutex, expiryDays int, logger *slog.Logger) *Service {
	if expiryDays <= 0 {
		expiryDays = 30
	}
	return &Service{
		users:      users,
		ledger:     lgr,
		locks:      locks,
		expiryDays: expiryDays,
		logger:     logger,
	}
}

// ResetIfDue runs the reset transition for one user if the boundary has
// passed. Returns true when a transition happened. Calling it again before
// the next boundary is a no-op.
//
// The credit lands before the window advances. A crash after the credit
// retries into a duplicate no-op (the credit is keyed by the boundary); a
// crash before it re-derives the same carried amount from the still-due
// window. Neither ordering can lose the carried tokens.
func (s *Service) ResetIfDue(ctx context.Context, userID string) (bool, error) {
	boundary, carried, err := s.dueBoundary(ctx, userID)
	if err != nil {
		return false, err
	}
	if boundary.IsZero() {
		return false, nil
	}

	// Outside the lock: Credit acquires the same per-user lock.
	if carried > 0 {
		if err := s.creditRollover(ctx, userID, boundary, carried); err != nil {
			return false, err
		}
	}

	advanced, err := s.advanceWindow(ctx, userID, boundary)
	if err != nil {
		return false, err
	}
	if !advanced {
		// Another caller completed the transition first.
		return false, nil
	}
	resetsTotal.Inc()
	return true, nil
}

// dueBoundary reads the user's window under the per-user lock and returns
// the pending boundary and the rollover amount earned at it, or a zero
// boundary when the window is current.
func (s *Service) dueBoundary(ctx context.Context, userID string) (time.Time, int64, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return time.Time{}, 0, err
	}
	if u.MonthlyResetDate.After(time.Now()) {
		return time.Time{}, 0, nil
	}
	return u.MonthlyResetDate, rolloverAmount(u), nil
}

// advanceWindow resets the monthly counter and moves the reset date under
// the per-user lock. It reports false when the window no longer sits at the
// given boundary, meaning someone else already advanced it.
func (s *Service) advanceWindow(ctx context.Context, userID string, boundary time.Time) (bool, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		u, err := s.users.Get(ctx, userID)
		if err != nil {
			return false, err
		}
		if !u.MonthlyResetDate.Equal(boundary) {
			return false, nil
		}

		u.MonthlyTokensUsed = 0
		u.MonthlyResetDate = account.FirstOfNextMonth(time.Now())

		err = s.users.Update(ctx, u)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, account.ErrVersionConflict) {
			return false, err
		}
		lastErr = err
	}
	return false, fmt.Errorf("monthly reset for %s did not settle: %w", userID, lastErr)
}

// rolloverAmount computes the tokens carried into the next window:
// min(unused allotment, tier rollover cap), unlimited caps permitting.
func rolloverAmount(u *account.User) int64 {
	tier := pricing.ForTier(u.Tier)
	if tier.MonthlyTokens == pricing.Unlimited {
		return 0
	}
	unused := tier.MonthlyTokens - u.MonthlyTokensUsed
	if unused <= 0 {
		return 0
	}
	if tier.MaxRollover != pricing.Unlimited && unused > tier.MaxRollover {
		return tier.MaxRollover
	}
	return unused
}

// creditRollover issues the rollover credit keyed by the consumed boundary,
// so a crash between the window advance and the credit can be retried
// without double-crediting.
func (s *Service) creditRollover(ctx context.Context, userID string, boundary time.Time, tokens int64) error {
	expiry := time.Now().AddDate(0, 0, s.expiryDays)
	_, err := s.ledger.Credit(ctx, userID, ledger.CreditRequest{
		Type:        ledger.TypeRollover,
		Tokens:      tokens,
		ExternalRef: fmt.Sprintf("rollover:%s:%s", userID, boundary.UTC().Format("2006-01")),
		ExpiresAt:   &expiry,
	})
	if errors.Is(err, ledger.ErrDuplicateCredit) {
		return nil
	}
	return err
}

// Sweep resets every user whose boundary has passed. Users are processed
// independently so one failure does not abort the batch. Returns the number
// of users transitioned.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	due, err := s.users.ListDueForReset(ctx, time.Now(), 500)
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, u := range due {
		did, err := s.ResetIfDue(ctx, u.ID)
		if err != nil {
			s.logger.Warn("monthly reset failed", "user_id", u.ID, "error", err)
			continue
		}
		if did {
			reset++
		}
	}
	return reset, nil
}
