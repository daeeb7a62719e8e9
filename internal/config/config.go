// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string

	// Cost protection policy. Ratios are cost/revenue; values here are the
	// defaults the product shipped with, overridable per deployment.
	CostWarningRatio        float64
	CostCriticalRatio       float64
	MinProfitMultiplier     float64
	CostWarningIntervalHrs  int // min hours between repeat cost warnings per user
	RolloverExpiryDays      int // rollover credits expire this many days after reset
	WebhookRetentionDays    int // processed webhook events kept this long
	AuditIntervalHours      int // cost-protection audit sweep cadence
	ExpirySweepIntervalMins int // token lot expiry sweep cadence

	// Notification sink (optional outbound webhook)
	NotifyWebhookURL    string
	NotifyWebhookSecret string

	// Tracing
	OTLPEndpoint string

	// Security
	AdminSecret string // Admin API secret
}

// Defaults
const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultCostWarningRatio    = 0.70
	DefaultCostCriticalRatio   = 0.90
	DefaultMinProfitMultiplier = 1.2
	DefaultWarningIntervalHrs  = 24
	DefaultRolloverExpiryDays  = 30
	DefaultWebhookRetention    = 7
	DefaultAuditIntervalHours  = 6
	DefaultExpirySweepMinutes  = 60
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:             os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeSecretKey:         os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:     os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CostWarningRatio:        getEnvFloat("COST_WARNING_RATIO", DefaultCostWarningRatio),
		CostCriticalRatio:       getEnvFloat("COST_CRITICAL_RATIO", DefaultCostCriticalRatio),
		MinProfitMultiplier:     getEnvFloat("MIN_PROFIT_MULTIPLIER", DefaultMinProfitMultiplier),
		CostWarningIntervalHrs:  getEnvInt("COST_WARNING_INTERVAL_HOURS", DefaultWarningIntervalHrs),
		RolloverExpiryDays:      getEnvInt("ROLLOVER_EXPIRY_DAYS", DefaultRolloverExpiryDays),
		WebhookRetentionDays:    getEnvInt("WEBHOOK_RETENTION_DAYS", DefaultWebhookRetention),
		AuditIntervalHours:      getEnvInt("AUDIT_INTERVAL_HOURS", DefaultAuditIntervalHours),
		ExpirySweepIntervalMins: getEnvInt("EXPIRY_SWEEP_INTERVAL_MINUTES", DefaultExpirySweepMinutes),
		NotifyWebhookURL:        os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret:     os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:             os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.CostWarningRatio <= 0 || c.CostWarningRatio >= 1 {
		return fmt.Errorf("COST_WARNING_RATIO must be in (0, 1), got %v", c.CostWarningRatio)
	}
	if c.CostCriticalRatio <= c.CostWarningRatio {
		return fmt.Errorf("COST_CRITICAL_RATIO must be greater than COST_WARNING_RATIO")
	}
	if c.MinProfitMultiplier < 1 {
		return fmt.Errorf("MIN_PROFIT_MULTIPLIER must be >= 1, got %v", c.MinProfitMultiplier)
	}
	if c.IsProduction() && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
