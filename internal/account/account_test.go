package account

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptdeck/promptdeck/internal/pricing"
)

func TestMemoryStore_CreateGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	u := New("usr_1", "a@example.com")
	require.NoError(t, store.Create(ctx, u))

	got, err := store.Get(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", got.Email)
	assert.Equal(t, pricing.TierFree, got.Tier)
	assert.Equal(t, int64(0), got.TokenBalance)
	assert.True(t, got.IsActive)

	assert.ErrorIs(t, store.Create(ctx, u), ErrUserExists)

	_, err = store.Get(ctx, "usr_missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestMemoryStore_UpdateVersionConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	u := New("usr_1", "a@example.com")
	require.NoError(t, store.Create(ctx, u))

	first, err := store.Get(ctx, "usr_1")
	require.NoError(t, err)
	second, err := store.Get(ctx, "usr_1")
	require.NoError(t, err)

	first.TokenBalance = 50
	require.NoError(t, store.Update(ctx, first))

	second.TokenBalance = 75
	assert.ErrorIs(t, store.Update(ctx, second), ErrVersionConflict)

	got, err := store.Get(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.TokenBalance)
}

func TestMemoryStore_UpdateBumpsVersion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	u := New("usr_1", "a@example.com")
	require.NoError(t, store.Create(ctx, u))

	got, err := store.Get(ctx, "usr_1")
	require.NoError(t, err)
	v := got.Version

	got.MonthlyTokensUsed = 10
	require.NoError(t, store.Update(ctx, got))
	assert.Equal(t, v+1, got.Version)

	// The bumped copy can write again without refetching.
	got.MonthlyTokensUsed = 20
	require.NoError(t, store.Update(ctx, got))
}

func TestMemoryStore_ApplySubscription(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	u := New("usr_1", "a@example.com")
	require.NoError(t, store.Create(ctx, u))

	periodEnd := time.Now().AddDate(0, 1, 0)
	change := SubscriptionChange{
		SubscriptionID:   "sub_123",
		Tier:             pricing.TierPro,
		Status:           StatusActive,
		CurrentPeriodEnd: periodEnd,
	}
	require.NoError(t, store.ApplySubscription(ctx, "usr_1", change))

	got, err := store.Get(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, pricing.TierPro, got.Tier)
	assert.Equal(t, StatusActive, got.SubscriptionStatus)
	assert.Equal(t, "sub_123", got.StripeSubscriptionID)

	sub, err := store.GetSubscription(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, pricing.TierPro, sub.Tier)
	assert.Equal(t, StatusActive, sub.Status)
	assert.True(t, periodEnd.Equal(sub.CurrentPeriodEnd))

	assert.ErrorIs(t, store.ApplySubscription(ctx, "usr_missing", change), ErrUserNotFound)
}

func TestMemoryStore_ListDueForReset(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	due := New("usr_due", "due@example.com")
	due.MonthlyResetDate = now.Add(-time.Hour)
	require.NoError(t, store.Create(ctx, due))

	notDue := New("usr_later", "later@example.com")
	notDue.MonthlyResetDate = now.Add(time.Hour)
	require.NoError(t, store.Create(ctx, notDue))

	inactive := New("usr_inactive", "gone@example.com")
	inactive.MonthlyResetDate = now.Add(-time.Hour)
	inactive.IsActive = false
	require.NoError(t, store.Create(ctx, inactive))

	users, err := store.ListDueForReset(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "usr_due", users[0].ID)
}

func TestMemoryStore_ListActivePaid(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	free := New("usr_free", "f@example.com")
	require.NoError(t, store.Create(ctx, free))

	paid := New("usr_paid", "p@example.com")
	paid.Tier = pricing.TierStarter
	require.NoError(t, store.Create(ctx, paid))

	users, err := store.ListActivePaid(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "usr_paid", users[0].ID)
}

func TestMemoryStore_GetByCustomerID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	u := New("usr_1", "a@example.com")
	u.StripeCustomerID = "cus_abc"
	require.NoError(t, store.Create(ctx, u))

	got, err := store.GetByCustomerID(ctx, "cus_abc")
	require.NoError(t, err)
	assert.Equal(t, "usr_1", got.ID)

	_, err = store.GetByCustomerID(ctx, "cus_nope")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestFirstOfNextMonth(t *testing.T) {
	midMonth := time.Date(2026, 3, 15, 13, 45, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), FirstOfNextMonth(midMonth))

	// December rolls into January of the next year.
	december := time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), FirstOfNextMonth(december))

	// Exactly at the boundary schedules the following month.
	boundary := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), FirstOfNextMonth(boundary))
}
