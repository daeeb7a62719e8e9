package costguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/promptdeck/promptdeck/internal/account"
	"github.com/promptdeck/promptdeck/internal/notify"
	"github.com/promptdeck/promptdeck/internal/pricing"
	"github.com/promptdeck/promptdeck/internal/syncutil"
)

// Thresholds are the static cost-protection policy knobs.
type Thresholds struct {
	// WarningRatio is the cost/revenue ratio above which warnings fire.
	WarningRatio float64
	// CriticalRatio is the cost/revenue ratio above which the account is
	// suspended.
	CriticalRatio float64
	// MinMargin is the minimum acceptable revenue/cost multiplier.
	MinMargin float64
	// WarningInterval caps repeat warnings per user to one per window.
	WarningInterval time.Duration
}

// Safety classifies a cost/revenue pair.
type Safety struct {
	CostRatio      float64 `json:"costRatio"`
	Margin         float64 `json:"margin"`
	IsWarning      bool    `json:"isWarning"`
	IsCritical     bool    `json:"isCritical"`
	MarginTooLow   bool    `json:"marginTooLow"`
	Recommendation string  `json:"recommendation"`
}

// Decision is the outcome of a pre-operation safety check.
type Decision struct {
	Allowed bool `json:"allowed"`
	// Degraded reports that the check itself failed and the operation was
	// allowed fail-open.
	Degraded bool    `json:"degraded,omitempty"`
	Safety   *Safety `json:"safety,omitempty"`
}

// UsageSource reads recorded usage cost from the ledger.
type UsageSource interface {
	UsageCostSince(ctx context.Context, userID string, since time.Time) (int64, error)
}

// Monitor evaluates and enforces cost protection. Suspension writes go
// through the shared per-user locks so a suspended user cannot slip a
// concurrent in-flight operation past the next balance check.
type Monitor struct {
	users      account.Store
	usage      UsageSource
	sink       notify.Sink
	thresholds Thresholds
	locks      *syncutil.ShardedMutex
	logger     *slog.Logger
}

// New creates a cost-protection monitor. locks must be the ledger's lock set.
func New(users account.Store, usage UsageSource, sink notify.Sink, thresholds Thresholds, locks *syncutil.ShardedMutex, logger *slog.Logger) *Monitor {
	return &Monitor{
		users:      users,
		usage:      usage,
		sink:       sink,
		thresholds: thresholds,
		locks:      locks,
		logger:     logger,
	}
}

// CheckSafety classifies a projected monthly cost against revenue. Revenue
// of zero counts as a cost ratio of 1 whenever there is any cost, forcing a
// conservative outcome without dividing by zero.
func (m *Monitor) CheckSafety(costCents, revenueCents int64) Safety {
	var ratio, margin float64
	switch {
	case revenueCents <= 0 && costCents > 0:
		ratio = 1.0
	case revenueCents <= 0:
		ratio = 0
	default:
		ratio = float64(costCents) / float64(revenueCents)
	}
	if costCents > 0 {
		margin = float64(revenueCents) / float64(costCents)
	}

	s := Safety{
		CostRatio:    ratio,
		Margin:       margin,
		IsCritical:   ratio >= m.thresholds.CriticalRatio,
		MarginTooLow: costCents > 0 && margin < m.thresholds.MinMargin,
	}
	s.IsWarning = !s.IsCritical && (ratio >= m.thresholds.WarningRatio || s.MarginTooLow)

	switch {
	case s.IsCritical:
		s.Recommendation = "suspend account or force upgrade"
	case s.IsWarning:
		s.Recommendation = "nudge user toward a higher tier"
	default:
		s.Recommendation = "healthy"
	}
	return s
}

// ProjectMonthlyCost extrapolates the cost recorded so far this month
// linearly across the full month.
func ProjectMonthlyCost(costSoFarCents int64, now time.Time) int64 {
	now = now.UTC()
	dayOfMonth := int64(now.Day())
	daysInMonth := int64(time.Date(now.Year(), now.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day())
	return costSoFarCents * daysInMonth / dayOfMonth
}

// StartOfMonth returns midnight UTC on the first of now's month.
func StartOfMonth(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// CheckOperationSafety evaluates whether one more operation keeps the user
// profitable. Critical classification suspends the account synchronously
// before the decision is returned; warnings notify at most once per window.
// Internal failures fail open with Degraded set.
func (m *Monitor) CheckOperationSafety(ctx context.Context, userID, model string, complexity pricing.Complexity) *Decision {
	decision, err := m.evaluate(ctx, userID, model, complexity)
	if err != nil {
		SafetyCheckFailures.Inc()
		m.logger.Error("safety check failed open", "user_id", userID, "error", err)
		return &Decision{Allowed: true, Degraded: true}
	}
	return decision
}

func (m *Monitor) evaluate(ctx context.Context, userID, model string, complexity pricing.Complexity) (*Decision, error) {
	u, err := m.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return &Decision{Allowed: false}, nil
	}
	// Free-tier users have no revenue to protect; their exposure is already
	// bounded by the free allotment and balance ceiling.
	if u.Tier == pricing.TierFree {
		return &Decision{Allowed: true}, nil
	}

	now := time.Now()
	costSoFar, err := m.usage.UsageCostSince(ctx, userID, StartOfMonth(now))
	if err != nil {
		return nil, err
	}
	estimate := EstimateOperationCost(model, complexity)
	projected := ProjectMonthlyCost(costSoFar, now) + estimate.TotalCostCents
	revenue := pricing.ForTier(u.Tier).PriceCents

	safety := m.CheckSafety(projected, revenue)
	if safety.IsCritical {
		if err := m.Suspend(ctx, userID, fmt.Sprintf(
			"cost protection: projected monthly cost %d¢ against revenue %d¢", projected, revenue)); err != nil {
			return nil, err
		}
		return &Decision{Allowed: false, Safety: &safety}, nil
	}
	if safety.IsWarning {
		m.maybeWarn(ctx, u, safety)
	}
	return &Decision{Allowed: true, Safety: &safety}, nil
}

// Suspend deactivates the account. The write happens under the per-user
// lock so the next consume for this user observes it.
func (m *Monitor) Suspend(ctx context.Context, userID, reason string) error {
	unlock := m.locks.Lock(userID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		u, err := m.users.Get(ctx, userID)
		if err != nil {
			return err
		}
		if !u.IsActive {
			return nil
		}
		u.IsActive = false
		u.SuspensionReason = reason

		err = m.users.Update(ctx, u)
		if err == nil {
			SuspensionsTotal.Inc()
			m.logger.Warn("account suspended by cost protection", "user_id", userID, "reason", reason)
			m.sink.Notify(ctx, notify.NewEvent(notify.EventSuspension, userID, reason, nil))
			return nil
		}
		if !errors.Is(err, account.ErrVersionConflict) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("suspension for %s did not settle: %w", userID, lastErr)
}

// maybeWarn sends a cost warning unless one already fired inside the
// deduplication window. Failures here never block the operation.
func (m *Monitor) maybeWarn(ctx context.Context, u *account.User, safety Safety) {
	now := time.Now()
	if u.LastCostWarningAt != nil && now.Sub(*u.LastCostWarningAt) < m.thresholds.WarningInterval {
		return
	}

	unlock := m.locks.Lock(u.ID)
	defer unlock()

	fresh, err := m.users.Get(ctx, u.ID)
	if err != nil {
		m.logger.Warn("cost warning lookup failed", "user_id", u.ID, "error", err)
		return
	}
	if fresh.LastCostWarningAt != nil && now.Sub(*fresh.LastCostWarningAt) < m.thresholds.WarningInterval {
		return
	}
	fresh.LastCostWarningAt = &now
	if err := m.users.Update(ctx, fresh); err != nil {
		m.logger.Warn("cost warning stamp failed", "user_id", u.ID, "error", err)
		return
	}

	WarningsTotal.Inc()
	m.sink.Notify(ctx, notify.NewEvent(notify.EventCostWarning, u.ID,
		fmt.Sprintf("cost ratio %.2f approaching limit", safety.CostRatio),
		map[string]any{"costRatio": safety.CostRatio, "margin": safety.Margin}))
}

// Snapshot is the on-demand cost-protection status for one user.
type Snapshot struct {
	UserID             string       `json:"userId"`
	Tier               pricing.Tier `json:"tier"`
	MonthCostCents     int64        `json:"monthCostCents"`
	ProjectedCostCents int64        `json:"projectedCostCents"`
	RevenueCents       int64        `json:"revenueCents"`
	Safety             Safety       `json:"safety"`
	Suspended          bool         `json:"suspended"`
	SuspensionReason   string       `json:"suspensionReason,omitempty"`
}

// Status computes the current cost snapshot for a user. Derived on demand,
// never stored.
func (m *Monitor) Status(ctx context.Context, userID string) (*Snapshot, error) {
	u, err := m.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	costSoFar, err := m.usage.UsageCostSince(ctx, userID, StartOfMonth(now))
	if err != nil {
		return nil, err
	}
	projected := ProjectMonthlyCost(costSoFar, now)
	revenue := pricing.ForTier(u.Tier).PriceCents

	return &Snapshot{
		UserID:             u.ID,
		Tier:               u.Tier,
		MonthCostCents:     costSoFar,
		ProjectedCostCents: projected,
		RevenueCents:       revenue,
		Safety:             m.CheckSafety(projected, revenue),
		Suspended:          !u.IsActive,
		SuspensionReason:   u.SuspensionReason,
	}, nil
}
