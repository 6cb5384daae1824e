package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/noah-isme/panel-checkout/internal/pricing"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv        string
	Port          string
	DatabaseURL   string
	RedisURL      string
	RunMigrations bool

	PanelAPIBaseURL string
	PanelAPIToken   string
	PanelAPITimeout time.Duration

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeBaseURL       string

	PricingTaxRateBPS      int64
	WholeOrderDiscountMode pricing.WholeOrderMode
	CurrencyCode           string
	MaxBillingPeriods      int
	ConfirmationPath       string
	CustomerHeader         string

	CheckoutSessionTTL time.Duration
	ConfirmationTTL    time.Duration
	SubmitLockTTL      time.Duration
	IdempotencyTTL     time.Duration
	WebhookReplayTTL   time.Duration

	CouponRateLimitMax    int
	CouponRateLimitWindow time.Duration
	// HTTPRateLimit uses the limiter format, e.g. "300-M".
	HTTPRateLimit string

	RetryBase           time.Duration
	RetryMaxAttempts    int
	RetryJitter         float64
	CircuitMinRequests  int
	CircuitFailureRatio float64
	CircuitOpenFor      time.Duration

	QueueRedisPrefix       string
	QueueConcurrency       int
	QueueVisibilityTimeout time.Duration
	ReconcileMaxAttempts   int
	ReconcileDelay         time.Duration
	ReconcileSweepInterval time.Duration

	SupportWebhookURL    string
	SupportWebhookSecret string
	AlertQueue           string
	AlertMaxRetry        int
	AlertConcurrency     int

	CORSAllowedOrigins []string
	BodyLimitBytes     int64
	AdminAPIToken      string
	AuditEnabled       bool

	LogFormat          string
	LogLevel           string
	MetricsEnabled     bool
	MetricsNamespace   string
	MetricsBucketsMS   string
	TracingEnabled     bool
	TracingExporter    string
	OTLPEndpoint       string
	TracingSampleRatio float64
	PprofEnabled       bool
	PprofUser          string
	PprofPass          string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:        valueOrDefault(k.String("APP_ENV"), "development"),
		Port:          valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:   k.String("DATABASE_URL"),
		RedisURL:      k.String("REDIS_URL"),
		RunMigrations: parseBool(k.String("RUN_MIGRATIONS"), false),

		PanelAPIBaseURL: strings.TrimRight(strings.TrimSpace(k.String("PANEL_API_BASE_URL")), "/"),
		PanelAPIToken:   strings.TrimSpace(k.String("PANEL_API_TOKEN")),
		PanelAPITimeout: parseDuration(k.String("PANEL_API_TIMEOUT"), "10s"),

		StripeSecretKey:     strings.TrimSpace(k.String("STRIPE_SECRET_KEY")),
		StripeWebhookSecret: strings.TrimSpace(k.String("STRIPE_WEBHOOK_SECRET")),
		StripeBaseURL:       valueOrDefault(k.String("STRIPE_BASE_URL"), "https://api.stripe.com"),

		PricingTaxRateBPS:      int64(parseInt(k.String("PRICING_TAX_RATE_BPS"), 0)),
		WholeOrderDiscountMode: pricing.ParseWholeOrderMode(k.String("PRICING_WHOLE_ORDER_DISCOUNT_MODE")),
		CurrencyCode:           strings.ToUpper(valueOrDefault(k.String("CURRENCY_CODE"), "USD")),
		MaxBillingPeriods:      parseInt(k.String("CHECKOUT_MAX_PERIODS"), 36),
		ConfirmationPath:       valueOrDefault(k.String("CHECKOUT_CONFIRMATION_PATH"), "/checkout/confirmation"),
		CustomerHeader:         valueOrDefault(k.String("CUSTOMER_ID_HEADER"), "X-Customer-ID"),

		CheckoutSessionTTL: parseDuration(k.String("CHECKOUT_SESSION_TTL"), "2h"),
		ConfirmationTTL:    parseDuration(k.String("CONFIRMATION_TTL"), "168h"),
		SubmitLockTTL:      parseDuration(k.String("SUBMIT_LOCK_TTL"), "45s"),
		IdempotencyTTL:     parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		WebhookReplayTTL:   parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "72h"),

		CouponRateLimitMax:    parseInt(k.String("COUPON_RATE_LIMIT_MAX"), 10),
		CouponRateLimitWindow: parseDuration(k.String("COUPON_RATE_LIMIT_WINDOW"), "1m"),
		HTTPRateLimit:         valueOrDefault(k.String("HTTP_RATE_LIMIT"), "300-M"),

		RetryBase:           parseDuration(k.String("RETRY_BASE"), "200ms"),
		RetryMaxAttempts:    parseInt(k.String("RETRY_MAX_ATTEMPTS"), 3),
		RetryJitter:         parseFloat(k.String("RETRY_JITTER"), 0.2),
		CircuitMinRequests:  parseInt(k.String("CIRCUIT_MIN_REQUESTS"), 10),
		CircuitFailureRatio: parseFloat(k.String("CIRCUIT_FAILURE_RATIO"), 0.5),
		CircuitOpenFor:      parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),

		QueueRedisPrefix:       valueOrDefault(k.String("QUEUE_REDIS_PREFIX"), "queue"),
		QueueConcurrency:       parseInt(k.String("QUEUE_CONCURRENCY"), 4),
		QueueVisibilityTimeout: parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "1m"),
		ReconcileMaxAttempts:   parseInt(k.String("RECONCILE_MAX_ATTEMPTS"), 8),
		ReconcileDelay:         parseDuration(k.String("RECONCILE_DELAY"), "5s"),
		ReconcileSweepInterval: parseDuration(k.String("RECONCILE_SWEEP_INTERVAL"), "1m"),

		SupportWebhookURL:    strings.TrimSpace(k.String("SUPPORT_WEBHOOK_URL")),
		SupportWebhookSecret: k.String("SUPPORT_WEBHOOK_SECRET"),
		AlertQueue:           valueOrDefault(k.String("ALERT_QUEUE"), "alerts"),
		AlertMaxRetry:        parseInt(k.String("ALERT_MAX_RETRY"), 10),
		AlertConcurrency:     parseInt(k.String("ALERT_CONCURRENCY"), 2),

		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		BodyLimitBytes:     int64(parseInt(k.String("BODY_LIMIT_BYTES"), 1<<20)),
		AdminAPIToken:      strings.TrimSpace(k.String("ADMIN_API_TOKEN")),
		AuditEnabled:       parseBool(k.String("AUDIT_ENABLED"), true),

		LogFormat:          valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
		LogLevel:           valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
		MetricsEnabled:     parseBool(k.String("OBS_ENABLE_PROMETHEUS"), true),
		MetricsNamespace:   valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "panel_checkout"),
		MetricsBucketsMS:   k.String("OBS_METRICS_BUCKETS_MS"),
		TracingEnabled:     parseBool(k.String("OBS_ENABLE_TRACING"), false),
		TracingExporter:    valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "otlp"),
		OTLPEndpoint:       strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
		TracingSampleRatio: parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1.0),
		PprofEnabled:       parseBool(k.String("OBS_ENABLE_PPROF"), false),
		PprofUser:          strings.TrimSpace(k.String("SECURE_PPROF_BASIC_AUTH_USER")),
		PprofPass:          strings.TrimSpace(k.String("SECURE_PPROF_BASIC_AUTH_PASS")),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required"))
	}
	if c.PanelAPIBaseURL == "" {
		errs = append(errs, errors.New("PANEL_API_BASE_URL is required"))
	}
	if c.PricingTaxRateBPS < 0 {
		errs = append(errs, errors.New("PRICING_TAX_RATE_BPS must not be negative"))
	}
	if c.MaxBillingPeriods < 1 {
		errs = append(errs, errors.New("CHECKOUT_MAX_PERIODS must be at least 1"))
	}
	if c.StripeWebhookSecret != "" && c.StripeSecretKey == "" {
		errs = append(errs, errors.New("STRIPE_SECRET_KEY is required when STRIPE_WEBHOOK_SECRET is set"))
	}
	if c.PprofEnabled && c.PprofUser == "" && c.AppEnv == "production" {
		errs = append(errs, errors.New("SECURE_PPROF_BASIC_AUTH_USER is required for pprof in production"))
	}
	return errors.Join(errs...)
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// StripeEnabled reports whether charges can be verified with the processor.
func (c *Config) StripeEnabled() bool {
	return c.StripeSecretKey != ""
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseBool(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "t", "true", "yes", "on":
		return true
	case "0", "f", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
