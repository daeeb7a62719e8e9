package account

import (
	"context"
	"sync"
	"time"

	"github.com/promptdeck/promptdeck/internal/pricing"
)

// MemoryStore is an in-memory account store for demo/development mode.
type MemoryStore struct {
	users map[string]*User
	subs  map[string]*Subscription
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]*User),
		subs:  make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[u.ID]; ok {
		return ErrUserExists
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetByCustomerID(_ context.Context, customerID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.StripeCustomerID == customerID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *MemoryStore) Update(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.users[u.ID]
	if !ok {
		return ErrUserNotFound
	}
	if stored.Version != u.Version {
		return ErrVersionConflict
	}

	u.Version++
	u.UpdatedAt = time.Now()
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) ApplySubscription(_ context.Context, userID string, change SubscriptionChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}

	now := time.Now()
	u.Tier = change.Tier
	u.SubscriptionStatus = change.Status
	u.StripeSubscriptionID = change.SubscriptionID
	u.CurrentPeriodEnd = change.CurrentPeriodEnd
	u.Version++
	u.UpdatedAt = now

	m.subs[userID] = &Subscription{
		UserID:               userID,
		StripeSubscriptionID: change.SubscriptionID,
		Tier:                 change.Tier,
		Status:               change.Status,
		CurrentPeriodEnd:     change.CurrentPeriodEnd,
		UpdatedAt:            now,
	}
	return nil
}

func (m *MemoryStore) GetSubscription(_ context.Context, userID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subs[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) ListDueForReset(_ context.Context, now time.Time, limit int) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*User
	for _, u := range m.users {
		if len(result) >= limit {
			break
		}
		if u.IsActive && !u.MonthlyResetDate.After(now) {
			cp := *u
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListActivePaid(_ context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*User
	for _, u := range m.users {
		if u.IsActive && u.Tier != pricing.TierFree {
			cp := *u
			result = append(result, &cp)
		}
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
