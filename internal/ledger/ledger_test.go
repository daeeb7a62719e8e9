package ledger

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptdeck/promptdeck/internal/account"
	"github.com/promptdeck/promptdeck/internal/notify"
	"github.com/promptdeck/promptdeck/internal/pricing"
)

// recordingSink captures alerts for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []*notify.Event
}

func (r *recordingSink) Notify(_ context.Context, event *notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) count(typ notify.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func newTestService(t *testing.T) (*Service, account.Store, Store) {
	t.Helper()
	users := account.NewMemoryStore()
	store := NewMemoryStore(users)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(users, store, logger), users, store
}

func seedUser(t *testing.T, users account.Store, id string, tier pricing.Tier, balance, monthlyUsed int64) {
	t.Helper()
	u := account.New(id, id+"@example.com")
	u.Tier = tier
	u.TokenBalance = balance
	u.MonthlyTokensUsed = monthlyUsed
	require.NoError(t, users.Create(context.Background(), u))
}

func TestConsume_DebitsAndRecords(t *testing.T) {
	svc, users, store := newTestService(t)
	ctx := context.Background()
	seedUser(t, users, "usr_1", pricing.TierFree, 5, 0)

	result, err := svc.Consume(ctx, "usr_1", ConsumeRequest{Complexity: pricing.ComplexityStandard})
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.TokensConsumed)
	assert.Equal(t, int64(2), result.NewBalance)

	u, err := users.Get(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), u.TokenBalance)
	assert.Equal(t, int64(3), u.LifetimeTokensUsed)
	assert.Equal(t, int64(3), u.MonthlyTokensUsed)

	txns, err := store.History(ctx, "usr_1", 10)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, TypeUsage, txns[0].Type)
	assert.Equal(t, int64(-3), txns[0].TokenDelta)
	assert.Equal(t, int64(5), txns[0].BalanceBefore)
	assert.Equal(t, int64(2), txns[0].BalanceAfter)
}

func TestConsume_InsufficientAfterFirst(t *testing.T) {
	svc, users, _ := newTestService(t)
	ctx := context.Background()
	seedUser(t, users, "usr_1", pricing.TierFree, 5, 0)

	_, err := svc.Consume(ctx, "usr_1", ConsumeRequest{Complexity: pricing.ComplexityStandard})
	require.NoError(t, err)

	_, err = svc.Consume(ctx, "usr_1", ConsumeRequest{Complexity: pricing.ComplexityStandard})
	assert.ErrorIs(t, err, ErrInsufficientTokens)

	u, err := users.Get(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), u.TokenBalance)
}

func TestConsume_LowBalanceAlertOnCrossing(t *testing.T) {
	svc, users, _ := newTestService(t)
	ctx := context.Background()
	sink := &recordingSink{}
	svc.SetSink(sink)
	seedUser(t, users, "usr_1", pricing.TierFree, 12, 0)

	// 12 -> 9 crosses the threshold: one alert.
	_, err := svc.Consume(ctx, "usr_1", ConsumeRequest{Complexity: pricing.ComplexityStandard})
	require.NoError(t, err)
	assert.Equal(t, 1, sink.count(notify.EventLowBalance))

	// 9 -> 6 stays below it: no second alert.
	_, err = svc.Consume(ctx, "usr_1", ConsumeRequest{Complexity: pricing.ComplexityStandard})
	require.NoError(t, err)
	assert.Equal(t, 1, sink.count(notify.EventLowBalance))
}

func TestConsume_MonthlyLimit(t *testing.T) {
	svc, users, _ := newTestService(t)
	ctx := context.Background()
	// Raw balance is plenty; the monthly allotment is what blocks.
	seedUser(t, users, "usr_1", pricing.TierPro, 5000, 999)

	_, err := svc.Consume(ctx, "usr_1", ConsumeRequest{Complexity: pricing.ComplexityStandard})
	assert.ErrorIs(t, err, ErrMonthlyLimitExceeded)
}

func TestConsume_Suspended(t *testing.T) {
	svc, users, _ := newTestService(t)
	ctx := context.Background()

	u := account.New("usr_1", "a@example.com")
	u.TokenBalance = 100
	u.IsActive = false
	u.SuspensionReason = "cost protection"
	require.NoError(t, users.Create(ctx, u))

	_, err := svc.Consume(ctx, "usr_1", ConsumeRequest{Complexity: pricing.ComplexitySimple})
	assert.ErrorIs(t, err, ErrAccountSuspended)
}

func TestConsume_ConcurrentOnlyOneSucceeds(t *testing.T) {
	svc, users, _ := newTestService(t)
	ctx := context.Background()
	// Balance covers exactly one standard operation.
	seedUser(t, users, "usr_1", pricing.TierPro, 3, 0)

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Consume(ctx, "usr_1", ConsumeRequest{Complexity: pricing.ComplexityStandard})
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientTokens)
		}
	}
	assert.Equal(t, 1, successes)

	u, err := users.Get(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.TokenBalance)
}

func TestCredit_Purchase(t *testing.T) {
	svc, users, _ := newTestService(t)
	ctx := context.Background()
	seedUser(t, users, "usr_1", pricing.TierStarter, 10, 0)

	result, err := svc.Credit(ctx, "usr_1", CreditRequest{
		Type:      TypePurchase,
		Tokens:    100,
		CostCents: 500,
		PackageID: "pack_small",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(110), result.NewBalance)

	u, err := users.Get(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), u.LifetimeTokensPurchased)
	require.NotNil(t, u.LastPurchaseAt)
}

func TestCredit_DuplicateExternalRef(t *testing.T) {
	svc, users, _ := newTestService(t)
	ctx := context.Background()
	seedUser(t, users, "usr_1", pricing.TierStarter, 0, 0)

	req := CreditRequest{Type: TypePurchase, Tokens: 100, ExternalRef: "pi_abc123"}
	_, err := svc.Credit(ctx, "usr_1", req)
	require.NoError(t, err)

	_, err = svc.Credit(ctx, "usr_1", req)
	assert.ErrorIs(t, err, ErrDuplicateCredit)

	u, err := users.Get(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), u.TokenBalance)
}

func TestCredit_InvalidType(t *testing.T) {
	svc, users, _ := newTestService(t)
	seedUser(t, users, "usr_1", pricing.TierFree, 0, 0)

	_, err := svc.Credit(context.Background(), "usr_1", CreditRequest{Type: TypeUsage, Tokens: 10})
	assert.ErrorIs(t, err, ErrInvalidCredit)

	_, err = svc.Credit(context.Background(), "usr_1", CreditRequest{Type: TypeBonus, Tokens: 0})
	assert.ErrorIs(t, err, ErrInvalidCredit)
}

func TestRoundTrip_DeltasSumToZero(t *testing.T) {
	svc, users, store := newTestService(t)
	ctx := context.Background()
	seedUser(t, users, "usr_1", pricing.TierPro, 0, 0)

	// Complexity "complex" maps to 8 tokens; credit exactly that.
	_, err := svc.Credit(ctx, "usr_1", CreditRequest{Type: TypeBonus, Tokens: 8})
	require.NoError(t, err)
	_, err = svc.Consume(ctx, "usr_1", ConsumeRequest{Complexity: pricing.ComplexityComplex})
	require.NoError(t, err)

	u, err := users.Get(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.TokenBalance)

	sum, err := store.SumDeltas(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum)
}

func TestBalanceMatchesDeltaSum(t *testing.T) {
	svc, users, store := newTestService(t)
	ctx := context.Background()
	seedUser(t, users, "usr_1", pricing.TierBusiness, 0, 0)

	_, err := svc.Credit(ctx, "usr_1", CreditRequest{Type: TypePurchase, Tokens: 500})
	require.NoError(t, err)
	_, err = svc.Credit(ctx, "usr_1", CreditRequest{Type: TypeBonus, Tokens: 25})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = svc.Consume(ctx, "usr_1", ConsumeRequest{Complexity: pricing.ComplexityAdvanced})
		require.NoError(t, err)
	}

	u, err := users.Get(ctx, "usr_1")
	require.NoError(t, err)
	sum, err := store.SumDeltas(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, u.TokenBalance, sum)
}

func TestExpire_RemovesExpiredLot(t *testing.T) {
	svc, users, store := newTestService(t)
	ctx := context.Background()
	seedUser(t, users, "usr_1", pricing.TierStarter, 0, 0)

	past := time.Now().Add(-time.Hour)
	_, err := svc.Credit(ctx, "usr_1", CreditRequest{
		Type: TypePurchase, Tokens: 100, ExpiresAt: &past,
	})
	require.NoError(t, err)

	count, err := svc.Expire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	u, err := users.Get(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.TokenBalance)

	sum, err := store.SumDeltas(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum)

	// A second sweep finds nothing.
	count, err = svc.Expire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestExpire_NeverDrivesBalanceNegative(t *testing.T) {
	svc, users, _ := newTestService(t)
	ctx := context.Background()
	seedUser(t, users, "usr_1", pricing.TierPro, 0, 0)

	past := time.Now().Add(-time.Hour)
	_, err := svc.Credit(ctx, "usr_1", CreditRequest{
		Type: TypePurchase, Tokens: 100, ExpiresAt: &past,
	})
	require.NoError(t, err)

	// Spend 60 of the lot before it expires.
	for i := 0; i < 4; i++ {
		_, err = svc.Consume(ctx, "usr_1", ConsumeRequest{Complexity: pricing.ComplexityAdvanced})
		require.NoError(t, err)
	}

	_, err = svc.Expire(ctx)
	require.NoError(t, err)

	u, err := users.Get(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.TokenBalance)
}

func TestCapBalance(t *testing.T) {
	svc, users, store := newTestService(t)
	ctx := context.Background()
	seedUser(t, users, "usr_1", pricing.TierPro, 50, 0)

	removed, err := svc.CapBalance(ctx, "usr_1", 25)
	require.NoError(t, err)
	assert.Equal(t, int64(25), removed)

	u, err := users.Get(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), u.TokenBalance)

	// Already at or below the ceiling is a no-op.
	removed, err = svc.CapBalance(ctx, "usr_1", 25)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)

	txns, err := store.History(ctx, "usr_1", 10)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, TypeExpiration, txns[0].Type)
	assert.Equal(t, int64(-25), txns[0].TokenDelta)
}

func TestCheckAvailability(t *testing.T) {
	svc, users, _ := newTestService(t)
	ctx := context.Background()
	seedUser(t, users, "usr_1", pricing.TierFree, 2, 0)

	avail, err := svc.CheckAvailability(ctx, "usr_1", pricing.ComplexityStandard)
	assert.ErrorIs(t, err, ErrInsufficientTokens)
	require.NotNil(t, avail)
	assert.False(t, avail.Available)
	assert.Equal(t, int64(3), avail.TokensNeeded)
	assert.Equal(t, int64(1), avail.Shortfall)

	avail, err = svc.CheckAvailability(ctx, "usr_1", pricing.ComplexitySimple)
	require.NoError(t, err)
	assert.True(t, avail.Available)

	_, err = svc.CheckAvailability(ctx, "usr_missing", pricing.ComplexitySimple)
	assert.ErrorIs(t, err, account.ErrUserNotFound)
}

func TestBalanceBreakdown(t *testing.T) {
	svc, users, _ := newTestService(t)
	ctx := context.Background()
	seedUser(t, users, "usr_1", pricing.TierPro, 0, 0)

	soon := time.Now().Add(24 * time.Hour)
	later := time.Now().Add(48 * time.Hour)
	_, err := svc.Credit(ctx, "usr_1", CreditRequest{Type: TypePurchase, Tokens: 200, ExpiresAt: &later})
	require.NoError(t, err)
	_, err = svc.Credit(ctx, "usr_1", CreditRequest{Type: TypePurchase, Tokens: 100, ExpiresAt: &soon})
	require.NoError(t, err)
	_, err = svc.Consume(ctx, "usr_1", ConsumeRequest{Complexity: pricing.ComplexityStandard})
	require.NoError(t, err)

	b, err := svc.BalanceBreakdown(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(297), b.TokenBalance)
	assert.Equal(t, int64(3), b.MonthlyUsed)
	assert.Equal(t, int64(997), b.MonthlyRemaining)
	require.Len(t, b.ActiveLots, 2)
	// Soonest expiry first.
	assert.Equal(t, int64(100), b.ActiveLots[0].Tokens)
	require.NotNil(t, b.NextExpiry)
	assert.True(t, b.NextExpiry.Equal(soon))
}

type fakeResetter struct {
	mu    sync.Mutex
	calls int
	users account.Store
}

func (f *fakeResetter) ResetIfDue(ctx context.Context, userID string) (bool, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	u, err := f.users.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	u.MonthlyTokensUsed = 0
	u.MonthlyResetDate = account.FirstOfNextMonth(time.Now())
	return true, f.users.Update(ctx, u)
}

func TestLazyResetOnRead(t *testing.T) {
	svc, users, _ := newTestService(t)
	ctx := context.Background()

	u := account.New("usr_1", "a@example.com")
	u.Tier = pricing.TierPro
	u.TokenBalance = 100
	u.MonthlyTokensUsed = 999
	u.MonthlyResetDate = time.Now().Add(-time.Hour)
	require.NoError(t, users.Create(ctx, u))

	resetter := &fakeResetter{users: users}
	svc.SetResetter(resetter)

	// The boundary passed, so the read path resets first and the consume
	// that would have hit the monthly limit goes through.
	_, err := svc.Consume(ctx, "usr_1", ConsumeRequest{Complexity: pricing.ComplexityStandard})
	require.NoError(t, err)
	assert.Equal(t, 1, resetter.calls)

	// Next consume is inside the new window; no further reset.
	_, err = svc.Consume(ctx, "usr_1", ConsumeRequest{Complexity: pricing.ComplexityStandard})
	require.NoError(t, err)
	assert.Equal(t, 1, resetter.calls)
}
