package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultCostWarningRatio, cfg.CostWarningRatio)
	assert.Equal(t, DefaultCostCriticalRatio, cfg.CostCriticalRatio)
	assert.Equal(t, DefaultWarningIntervalHrs, cfg.CostWarningIntervalHrs)
	assert.Equal(t, DefaultRolloverExpiryDays, cfg.RolloverExpiryDays)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("COST_WARNING_RATIO", "0.5")
	t.Setenv("ROLLOVER_EXPIRY_DAYS", "45")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 0.5, cfg.CostWarningRatio)
	assert.Equal(t, 45, cfg.RolloverExpiryDays)
}

func TestValidate_RatioOrdering(t *testing.T) {
	cfg := &Config{
		CostWarningRatio:    0.9,
		CostCriticalRatio:   0.7,
		MinProfitMultiplier: 1.2,
	}
	err := cfg.Validate()
	assert.ErrorContains(t, err, "COST_CRITICAL_RATIO")
}

func TestValidate_WarningRatioBounds(t *testing.T) {
	cfg := &Config{
		CostWarningRatio:    1.5,
		CostCriticalRatio:   2.0,
		MinProfitMultiplier: 1.2,
	}
	err := cfg.Validate()
	assert.ErrorContains(t, err, "COST_WARNING_RATIO")
}

func TestValidate_ProductionRequiresWebhookSecret(t *testing.T) {
	cfg := &Config{
		Env:                 "production",
		CostWarningRatio:    0.7,
		CostCriticalRatio:   0.9,
		MinProfitMultiplier: 1.2,
	}
	err := cfg.Validate()
	assert.ErrorContains(t, err, "STRIPE_WEBHOOK_SECRET")

	cfg.StripeWebhookSecret = "whsec_test"
	assert.NoError(t, cfg.Validate())
}

func TestIsEnvironment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.True(t, cfg.IsProduction())
}
