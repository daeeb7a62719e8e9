package costguard

import (
	"context"
	"errors"
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
	"github.com/promptdeck/promptdeck/internal/syncutil"
)

type stubUsage struct {
	cost int64
	err  error
}

func (s *stubUsage) UsageCostSince(context.Context, string, time.Time) (int64, error) {
	return s.cost, s.err
}

type recordingSink struct {
	mu     sync.Mutex
	events []*notify.Event
}

func (s *recordingSink) Notify(_ context.Context, e *notify.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) count(typ notify.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func defaultThresholds() Thresholds {
	return Thresholds{
		WarningRatio:    0.70,
		CriticalRatio:   0.90,
		MinMargin:       1.2,
		WarningInterval: 24 * time.Hour,
	}
}

func newTestMonitor(t *testing.T, usage UsageSource) (*Monitor, account.Store, *recordingSink) {
	t.Helper()
	users := account.NewMemoryStore()
	sink := &recordingSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New(users, usage, sink, defaultThresholds(), &syncutil.ShardedMutex{}, logger)
	return m, users, sink
}

func seedUser(t *testing.T, users account.Store, id string, tier pricing.Tier) {
	t.Helper()
	u := account.New(id, id+"@example.com")
	u.Tier = tier
	require.NoError(t, users.Create(context.Background(), u))
}

func TestEstimateOperationCost(t *testing.T) {
	e := EstimateOperationCost("gpt-4o", pricing.ComplexityStandard)
	assert.Equal(t, int64(3), e.Tokens)
	assert.Equal(t, int64(6), e.APICostCents)
	// 10% of 6 rounds up to 1.
	assert.Equal(t, int64(1), e.ProcessingCostCents)
	assert.Equal(t, int64(7), e.TotalCostCents)

	// Unknown model falls back to the default table.
	fallback := EstimateOperationCost("mystery-model", pricing.ComplexityStandard)
	assert.Equal(t, EstimateOperationCost("default", pricing.ComplexityStandard), fallback)
}

func TestCheckSafety_ZeroRevenueIsCritical(t *testing.T) {
	m, _, _ := newTestMonitor(t, &stubUsage{})

	s := m.CheckSafety(1, 0)
	assert.True(t, s.IsCritical)
	assert.Equal(t, 1.0, s.CostRatio)

	// Zero cost against zero revenue is healthy.
	s = m.CheckSafety(0, 0)
	assert.False(t, s.IsCritical)
	assert.False(t, s.IsWarning)
}

func TestCheckSafety_Bands(t *testing.T) {
	m, _, _ := newTestMonitor(t, &stubUsage{})

	healthy := m.CheckSafety(500, 1900)
	assert.False(t, healthy.IsWarning)
	assert.False(t, healthy.IsCritical)

	warning := m.CheckSafety(1400, 1900)
	assert.True(t, warning.IsWarning)
	assert.False(t, warning.IsCritical)

	critical := m.CheckSafety(1800, 1900)
	assert.True(t, critical.IsCritical)
	assert.False(t, critical.IsWarning)
}

func TestCheckSafety_MarginTooLow(t *testing.T) {
	m, _, _ := newTestMonitor(t, &stubUsage{})

	// Ratio 600/700 ≈ 0.86 is below critical, but margin 700/600 ≈ 1.17
	// is under the 1.2 minimum.
	s := m.CheckSafety(600, 700)
	assert.True(t, s.MarginTooLow)
	assert.True(t, s.IsWarning)
	assert.False(t, s.IsCritical)
}

func TestProjectMonthlyCost(t *testing.T) {
	// Day 10 of a 30-day month: triple the cost so far.
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, int64(300), ProjectMonthlyCost(100, now))

	// Last day of the month: projection equals the cost so far.
	end := time.Date(2026, 6, 30, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, int64(100), ProjectMonthlyCost(100, end))
}

func TestCheckOperationSafety_CriticalSuspends(t *testing.T) {
	usage := &stubUsage{cost: 50000}
	m, users, sink := newTestMonitor(t, usage)
	seedUser(t, users, "usr_1", pricing.TierPro)

	d := m.CheckOperationSafety(context.Background(), "usr_1", "gpt-4o", pricing.ComplexityStandard)
	assert.False(t, d.Allowed)
	assert.False(t, d.Degraded)

	u, err := users.Get(context.Background(), "usr_1")
	require.NoError(t, err)
	assert.False(t, u.IsActive)
	assert.NotEmpty(t, u.SuspensionReason)
	assert.Equal(t, 1, sink.count(notify.EventSuspension))

	// Already suspended: denied without a second suspension event.
	d = m.CheckOperationSafety(context.Background(), "usr_1", "gpt-4o", pricing.ComplexityStandard)
	assert.False(t, d.Allowed)
	assert.Equal(t, 1, sink.count(notify.EventSuspension))
}

func TestCheckOperationSafety_HealthyAllows(t *testing.T) {
	m, users, sink := newTestMonitor(t, &stubUsage{cost: 0})
	seedUser(t, users, "usr_1", pricing.TierPro)

	d := m.CheckOperationSafety(context.Background(), "usr_1", "gpt-4o-mini", pricing.ComplexitySimple)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, sink.count(notify.EventSuspension))
}

func TestCheckOperationSafety_FreeTierSkipped(t *testing.T) {
	// A free user has zero revenue; the operation path does not apply
	// revenue protection to them.
	m, users, sink := newTestMonitor(t, &stubUsage{cost: 50000})
	seedUser(t, users, "usr_1", pricing.TierFree)

	d := m.CheckOperationSafety(context.Background(), "usr_1", "gpt-4o", pricing.ComplexityStandard)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, sink.count(notify.EventSuspension))
}

func TestCheckOperationSafety_FailsOpen(t *testing.T) {
	m, users, _ := newTestMonitor(t, &stubUsage{err: errors.New("db down")})
	seedUser(t, users, "usr_1", pricing.TierPro)

	d := m.CheckOperationSafety(context.Background(), "usr_1", "gpt-4o", pricing.ComplexityStandard)
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
}

func TestWarning_DedupedWithinWindow(t *testing.T) {
	m, users, sink := newTestMonitor(t, &stubUsage{})
	seedUser(t, users, "usr_1", pricing.TierPro)

	u, err := users.Get(context.Background(), "usr_1")
	require.NoError(t, err)
	safety := Safety{CostRatio: 0.8, IsWarning: true}

	m.maybeWarn(context.Background(), u, safety)
	assert.Equal(t, 1, sink.count(notify.EventCostWarning))

	// Within the 24h window: no repeat.
	u, err = users.Get(context.Background(), "usr_1")
	require.NoError(t, err)
	m.maybeWarn(context.Background(), u, safety)
	assert.Equal(t, 1, sink.count(notify.EventCostWarning))

	// Age the stamp past the window: warning fires again.
	u, err = users.Get(context.Background(), "usr_1")
	require.NoError(t, err)
	old := time.Now().Add(-25 * time.Hour)
	u.LastCostWarningAt = &old
	require.NoError(t, users.Update(context.Background(), u))

	u, err = users.Get(context.Background(), "usr_1")
	require.NoError(t, err)
	m.maybeWarn(context.Background(), u, safety)
	assert.Equal(t, 2, sink.count(notify.EventCostWarning))
}

func TestAudit_ClassifiesAndSuspends(t *testing.T) {
	// Shared usage stub: every paid user shows a ruinous cost.
	m, users, sink := newTestMonitor(t, &stubUsage{cost: 50000})
	seedUser(t, users, "usr_crit", pricing.TierStarter)

	free := account.New("usr_free", "free@example.com")
	require.NoError(t, users.Create(context.Background(), free))

	report, err := m.Audit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Critical)
	assert.Equal(t, 1, report.Suspended)
	assert.Equal(t, 0, report.Healthy)

	u, err := users.Get(context.Background(), "usr_crit")
	require.NoError(t, err)
	assert.False(t, u.IsActive)

	// Free user was out of audit scope.
	u, err = users.Get(context.Background(), "usr_free")
	require.NoError(t, err)
	assert.True(t, u.IsActive)

	assert.Equal(t, 1, sink.count(notify.EventAuditReport))
}

func TestAudit_HealthyUsers(t *testing.T) {
	m, users, _ := newTestMonitor(t, &stubUsage{cost: 10})
	seedUser(t, users, "usr_1", pricing.TierBusiness)

	report, err := m.Audit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Healthy)
	assert.Equal(t, 0, report.Critical)
}
