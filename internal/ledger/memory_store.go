package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/promptdeck/promptdeck/internal/account"
)

// MemoryStore is an in-memory transaction log for demo/development mode.
// Atomicity of Apply relies on the service's per-user lock; there is no
// crash consistency to preserve in memory.
type MemoryStore struct {
	users account.Store
	txns  []*Transaction
	refs  map[string]bool // userID + "\x00" + externalRef
	mu    sync.RWMutex
}

// NewMemoryStore creates an in-memory ledger store writing user state
// through the given account store.
func NewMemoryStore(users account.Store) *MemoryStore {
	return &MemoryStore{
		users: users,
		refs:  make(map[string]bool),
	}
}

func refKey(userID, ref string) string {
	return userID + "\x00" + ref
}

func (m *MemoryStore) Apply(ctx context.Context, u *account.User, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if txn.ExternalRef != "" && m.refs[refKey(txn.UserID, txn.ExternalRef)] {
		return ErrDuplicateCredit
	}
	if err := m.users.Update(ctx, u); err != nil {
		return err
	}

	cp := *txn
	m.txns = append(m.txns, &cp)
	if txn.ExternalRef != "" {
		m.refs[refKey(txn.UserID, txn.ExternalRef)] = true
	}
	return nil
}

func (m *MemoryStore) HasExternalRef(_ context.Context, userID, ref string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refs[refKey(userID, ref)], nil
}

func (m *MemoryStore) ListExpirable(_ context.Context, now time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 500
	}
	var result []*Transaction
	for _, t := range m.txns {
		if len(result) >= limit {
			break
		}
		if t.TokenDelta > 0 && !t.IsExpired && t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
			cp := *t
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) MarkExpired(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.txns {
		if t.ID == id {
			t.IsExpired = true
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) ActiveLots(_ context.Context, userID string, now time.Time) ([]Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var lots []Lot
	for _, t := range m.txns {
		if t.UserID == userID && t.TokenDelta > 0 && !t.IsExpired &&
			t.ExpiresAt != nil && t.ExpiresAt.After(now) {
			lots = append(lots, Lot{
				TransactionID: t.ID,
				Tokens:        t.TokenDelta,
				ExpiresAt:     *t.ExpiresAt,
			})
		}
	}
	sort.Slice(lots, func(i, j int) bool {
		return lots[i].ExpiresAt.Before(lots[j].ExpiresAt)
	})
	return lots, nil
}

func (m *MemoryStore) UsageCostSince(_ context.Context, userID string, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, t := range m.txns {
		if t.UserID == userID && t.Type == TypeUsage && !t.CreatedAt.Before(since) {
			total += t.CostCents
		}
	}
	return total, nil
}

func (m *MemoryStore) SumDeltas(_ context.Context, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, t := range m.txns {
		if t.UserID == userID {
			sum += t.TokenDelta
		}
	}
	return sum, nil
}

func (m *MemoryStore) History(_ context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var result []*Transaction
	for i := len(m.txns) - 1; i >= 0 && len(result) < limit; i-- {
		if m.txns[i].UserID == userID {
			cp := *m.txns[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
