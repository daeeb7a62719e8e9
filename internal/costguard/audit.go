package costguard

import (
	"context"
	"fmt"
	"time"

	"github.com/promptdeck/promptdeck/internal/notify"
	"github.com/promptdeck/promptdeck/internal/pricing"
)

// Report tallies one system-wide cost audit.
type Report struct {
	Healthy     int       `json:"healthy"`
	Warning     int       `json:"warning"`
	Critical    int       `json:"critical"`
	Suspended   int       `json:"suspended"`
	Errors      int       `json:"errors"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Audit recomputes safety for every active paid user and suspends
// unresolved criticals. Users are evaluated independently; one failure is
// counted and skipped. The report goes to the notification sink.
func (m *Monitor) Audit(ctx context.Context) (*Report, error) {
	users, err := m.users.ListActivePaid(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{GeneratedAt: time.Now()}
	for _, u := range users {
		now := time.Now()
		costSoFar, err := m.usage.UsageCostSince(ctx, u.ID, StartOfMonth(now))
		if err != nil {
			report.Errors++
			m.logger.Warn("audit usage lookup failed", "user_id", u.ID, "error", err)
			continue
		}
		projected := ProjectMonthlyCost(costSoFar, now)
		revenue := pricing.ForTier(u.Tier).PriceCents
		safety := m.CheckSafety(projected, revenue)

		switch {
		case safety.IsCritical:
			report.Critical++
			if err := m.Suspend(ctx, u.ID, fmt.Sprintf(
				"cost audit: projected monthly cost %d¢ against revenue %d¢", projected, revenue)); err != nil {
				report.Errors++
				m.logger.Warn("audit suspension failed", "user_id", u.ID, "error", err)
				continue
			}
			report.Suspended++
		case safety.IsWarning:
			report.Warning++
		default:
			report.Healthy++
		}
	}

	AuditCritical.Set(float64(report.Critical))
	AuditWarning.Set(float64(report.Warning))
	m.sink.Notify(ctx, notify.NewEvent(notify.EventAuditReport, "",
		fmt.Sprintf("cost audit: %d healthy, %d warning, %d critical, %d suspended",
			report.Healthy, report.Warning, report.Critical, report.Suspended),
		map[string]any{
			"healthy":   report.Healthy,
			"warning":   report.Warning,
			"critical":  report.Critical,
			"suspended": report.Suspended,
		}))
	return report, nil
}
