package costguard

import (
	"context"

	"github.com/promptdeck/promptdeck/internal/pricing"
)

// EstimateCostCents returns the total estimated cost of one operation.
func (m *Monitor) EstimateCostCents(model string, complexity pricing.Complexity) int64 {
	return EstimateOperationCost(model, complexity).TotalCostCents
}

// AllowOperation is the boolean form of CheckOperationSafety used by the
// consume pipeline.
func (m *Monitor) AllowOperation(ctx context.Context, userID, model string, complexity pricing.Complexity) (allowed, degraded bool) {
	d := m.CheckOperationSafety(ctx, userID, model, complexity)
	return d.Allowed, d.Degraded
}
