// Package pricing is the static catalog for PromptDeck billing: subscription
// tiers, per-complexity token costs, model API cost tables, and purchasable
// token packages. Pure data, loaded once, never persisted per-user.
package pricing

// Unlimited marks a quota or rollover cap with no limit.
const Unlimited = -1

// Tier identifies a subscription level.
type Tier string

const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierTeam       Tier = "team"
	TierBusiness   Tier = "business"
	TierEnterprise Tier = "enterprise"
)

// RateLimits holds per-tier request quotas. Unlimited disables a bucket.
type RateLimits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

// TierConfig defines the limits and price of a subscription tier.
type TierConfig struct {
	Tier          Tier
	MonthlyTokens int64 // Unlimited = no monthly cap
	MaxRollover   int64 // Unlimited = uncapped rollover
	PriceCents    int64 // monthly price in cents
	Limits        RateLimits
	Rank          int // priority order for tier comparisons
}

// Tiers is the hardcoded tier catalogue.
var Tiers = map[Tier]TierConfig{
	TierFree: {
		Tier:          TierFree,
		MonthlyTokens: 25,
		MaxRollover:   0,
		PriceCents:    0,
		Limits:        RateLimits{PerMinute: 5, PerHour: 30, PerDay: 100},
		Rank:          0,
	},
	TierStarter: {
		Tier:          TierStarter,
		MonthlyTokens: 500,
		MaxRollover:   100,
		PriceCents:    900,
		Limits:        RateLimits{PerMinute: 10, PerHour: 60, PerDay: 500},
		Rank:          1,
	},
	TierPro: {
		Tier:          TierPro,
		MonthlyTokens: 1000,
		MaxRollover:   250,
		PriceCents:    1900,
		Limits:        RateLimits{PerMinute: 20, PerHour: 200, PerDay: 2000},
		Rank:          2,
	},
	TierTeam: {
		Tier:          TierTeam,
		MonthlyTokens: 3000,
		MaxRollover:   750,
		PriceCents:    4900,
		Limits:        RateLimits{PerMinute: 30, PerHour: 400, PerDay: 5000},
		Rank:          3,
	},
	TierBusiness: {
		Tier:          TierBusiness,
		MonthlyTokens: 10000,
		MaxRollover:   2500,
		PriceCents:    9900,
		Limits:        RateLimits{PerMinute: 60, PerHour: 1000, PerDay: 10000},
		Rank:          4,
	},
	TierEnterprise: {
		Tier:          TierEnterprise,
		MonthlyTokens: Unlimited,
		MaxRollover:   Unlimited,
		PriceCents:    24900,
		Limits:        RateLimits{PerMinute: Unlimited, PerHour: Unlimited, PerDay: Unlimited},
		Rank:          5,
	},
}

// ForTier returns the config for a tier, falling back to free for unknown tiers.
func ForTier(t Tier) TierConfig {
	if cfg, ok := Tiers[t]; ok {
		return cfg
	}
	return Tiers[TierFree]
}

// ValidTier returns true if the tier name is recognised.
func ValidTier(t Tier) bool {
	_, ok := Tiers[t]
	return ok
}

// Compare orders tiers by rank: negative if a < b, zero if equal, positive if a > b.
func Compare(a, b Tier) int {
	return ForTier(a).Rank - ForTier(b).Rank
}

// FreeBalanceCeiling is the maximum token balance a user may keep after a
// downgrade to the free tier (the free tier's monthly allotment).
func FreeBalanceCeiling() int64 {
	return Tiers[TierFree].MonthlyTokens
}

// priceTierMap resolves Stripe price IDs to tiers. Price IDs are stable
// lookup keys created once in the Stripe dashboard.
var priceTierMap = map[string]Tier{
	"price_starter_monthly":    TierStarter,
	"price_pro_monthly":        TierPro,
	"price_team_monthly":       TierTeam,
	"price_business_monthly":   TierBusiness,
	"price_enterprise_monthly": TierEnterprise,
}

// TierForPriceID maps a payment-provider price ID to a tier.
// Unknown price IDs resolve to free with ok=false so callers can decide
// whether to reject or downgrade.
func TierForPriceID(priceID string) (Tier, bool) {
	t, ok := priceTierMap[priceID]
	if !ok {
		return TierFree, false
	}
	return t, true
}
