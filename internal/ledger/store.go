package ledger

import (
	"context"
	"time"

	"github.com/promptdeck/promptdeck/internal/account"
)

// Store persists ledger transactions. Apply writes the transaction and the
// already-mutated user atomically, checking the user's version so a
// concurrent writer in another process is detected as a conflict.
type Store interface {
	// Apply persists u (compare-and-swap on u.Version) and inserts txn in
	// one atomic unit. Returns account.ErrVersionConflict when the stored
	// version moved, and ErrDuplicateCredit when txn.ExternalRef was
	// already recorded for this user.
	Apply(ctx context.Context, u *account.User, txn *Transaction) error

	// HasExternalRef reports whether a credit with this reference was
	// already recorded for the user.
	HasExternalRef(ctx context.Context, userID, ref string) (bool, error)

	// ListExpirable returns unexpired positive-delta transactions whose
	// expiry has passed, oldest first, up to limit.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)

	// MarkExpired flips the one-way isExpired flag.
	MarkExpired(ctx context.Context, id string) error

	// ActiveLots returns unexpired credit lots with a future expiry for a
	// user, soonest expiry first.
	ActiveLots(ctx context.Context, userID string, now time.Time) ([]Lot, error)

	// UsageCostSince sums cost_cents over usage transactions since a point
	// in time.
	UsageCostSince(ctx context.Context, userID string, since time.Time) (int64, error)

	// SumDeltas returns the running sum of all transaction deltas for a
	// user. Audit helper: it must always equal the user's stored balance.
	SumDeltas(ctx context.Context, userID string) (int64, error)

	// History returns recent transactions for a user, newest first.
	History(ctx context.Context, userID string, limit int) ([]*Transaction, error)
}
