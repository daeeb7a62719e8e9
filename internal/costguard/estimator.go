// Package costguard estimates the real dollar cost of AI operations and
// protects margins: it projects each user's monthly cost against their
// subscription revenue, classifies the result, warns, and suspends accounts
// whose usage has become unprofitable.
package costguard

import (
	"github.com/promptdeck/promptdeck/internal/pricing"
)

// processingSurchargePct is the fixed overhead added on top of the external
// API cost, rounded up.
const processingSurchargePct = 10

// Estimate breaks down the projected cost of one operation in cents.
type Estimate struct {
	Tokens              int64 `json:"tokens"`
	APICostCents        int64 `json:"apiCostCents"`
	ProcessingCostCents int64 `json:"processingCostCents"`
	TotalCostCents      int64 `json:"totalCostCents"`
}

// EstimateOperationCost maps (model, complexity) to tokens and cents.
// Unknown models and complexities fall back to the default cost table.
func EstimateOperationCost(model string, complexity pricing.Complexity) Estimate {
	base := pricing.APICostCents(model, complexity)
	processing := (base*processingSurchargePct + 99) / 100
	return Estimate{
		Tokens:              pricing.TokensFor(complexity),
		APICostCents:        base,
		ProcessingCostCents: processing,
		TotalCostCents:      base + processing,
	}
}
