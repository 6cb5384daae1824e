package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/panel-checkout/internal/config"
	"github.com/noah-isme/panel-checkout/internal/pricing"
)

func baseEnv() map[string]string {
	return map[string]string{
		"DATABASE_URL":       "postgres://localhost/checkout",
		"REDIS_URL":          "redis://localhost:6379/0",
		"PANEL_API_BASE_URL": "https://panel.example.com/api/",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadForTests(baseEnv())
	require.NoError(t, err)

	require.Equal(t, "https://panel.example.com/api", cfg.PanelAPIBaseURL)
	require.Equal(t, pricing.ModeAggregate, cfg.WholeOrderDiscountMode)
	require.Equal(t, "USD", cfg.CurrencyCode)
	require.Equal(t, 36, cfg.MaxBillingPeriods)
	require.Equal(t, 45*time.Second, cfg.SubmitLockTTL)
	require.Equal(t, 2*time.Hour, cfg.CheckoutSessionTTL)
	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.False(t, cfg.StripeEnabled())
	require.False(t, cfg.RunMigrations)
}

func TestLoadOverrides(t *testing.T) {
	env := baseEnv()
	env["PORT"] = ":9090"
	env["PRICING_TAX_RATE_BPS"] = "1000"
	env["PRICING_WHOLE_ORDER_DISCOUNT_MODE"] = "prorate"
	env["CURRENCY_CODE"] = "eur"
	env["SUBMIT_LOCK_TTL"] = "90s"
	env["RETRY_JITTER"] = "0.5"
	env["CORS_ALLOWED_ORIGINS"] = "https://shop.example.com, https://admin.example.com"
	env["STRIPE_SECRET_KEY"] = "sk_test"
	env["RUN_MIGRATIONS"] = "true"
	env["COUPON_RATE_LIMIT_WINDOW"] = "not-a-duration"

	cfg, err := config.LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddr())
	require.Equal(t, int64(1000), cfg.PricingTaxRateBPS)
	require.Equal(t, pricing.ModeProrate, cfg.WholeOrderDiscountMode)
	require.Equal(t, "EUR", cfg.CurrencyCode)
	require.Equal(t, 90*time.Second, cfg.SubmitLockTTL)
	require.InDelta(t, 0.5, cfg.RetryJitter, 1e-9)
	require.Equal(t, []string{"https://shop.example.com", "https://admin.example.com"}, cfg.CORSAllowedOrigins)
	require.True(t, cfg.StripeEnabled())
	require.True(t, cfg.RunMigrations)
	require.Equal(t, time.Minute, cfg.CouponRateLimitWindow)
}

func TestLoadRequiresCoreSettings(t *testing.T) {
	_, err := config.LoadForTests(map[string]string{
		"DATABASE_URL":       "",
		"REDIS_URL":          "",
		"PANEL_API_BASE_URL": "",
	})
	require.ErrorContains(t, err, "DATABASE_URL is required")
	require.ErrorContains(t, err, "REDIS_URL is required")
	require.ErrorContains(t, err, "PANEL_API_BASE_URL is required")

	env := baseEnv()
	env["STRIPE_WEBHOOK_SECRET"] = "whsec"
	env["STRIPE_SECRET_KEY"] = ""
	_, err = config.LoadForTests(env)
	require.ErrorContains(t, err, "STRIPE_SECRET_KEY")
}
