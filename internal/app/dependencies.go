// Package app assembles the services shared by the API and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	validator "github.com/go-playground/validator/v10"
	migrate "github.com/golang-migrate/migrate/v4"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/noah-isme/panel-checkout/internal/cart"
	"github.com/noah-isme/panel-checkout/internal/checkout"
	"github.com/noah-isme/panel-checkout/internal/config"
	"github.com/noah-isme/panel-checkout/internal/coupon"
	"github.com/noah-isme/panel-checkout/internal/db"
	"github.com/noah-isme/panel-checkout/internal/events"
	"github.com/noah-isme/panel-checkout/internal/health"
	"github.com/noah-isme/panel-checkout/internal/lock"
	"github.com/noah-isme/panel-checkout/internal/notify"
	"github.com/noah-isme/panel-checkout/internal/panelapi"
	"github.com/noah-isme/panel-checkout/internal/payment"
	"github.com/noah-isme/panel-checkout/internal/queue"
	"github.com/noah-isme/panel-checkout/internal/reconcile"
	"github.com/noah-isme/panel-checkout/internal/resilience"
)

// Dependencies holds the wired services. Build it with New and release it with Close.
type Dependencies struct {
	Config     *config.Config
	Logger     zerolog.Logger
	DB         *pgxpool.Pool
	Redis      *redis.Client
	Validator  *validator.Validate
	TaskClient *asynq.Client

	PanelBreaker *resilience.Breaker
	Panel        *panelapi.Client
	Stripe       *payment.Stripe

	Locker    lock.Locker
	Queue     queue.Enqueuer
	DLQ       queue.Store
	Outbox    reconcile.PgStore
	Scheduler reconcile.Scheduler
	Events    *events.Bus
	Checkout  *checkout.Service
}

// New connects to Postgres and Redis and wires the checkout services.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Dependencies, error) {
	pool, err := db.Connect(ctx, cfg.DatabaseURL, "panel-checkout")
	if err != nil {
		return nil, err
	}
	rdb, err := NewRedis(ctx, cfg.RedisURL, cfg.MetricsEnabled)
	if err != nil {
		pool.Close()
		return nil, err
	}

	d := &Dependencies{
		Config:     cfg,
		Logger:     logger,
		DB:         pool,
		Redis:      rdb,
		Validator:  validator.New(validator.WithRequiredStructEnabled()),
		TaskClient: asynq.NewClientFromRedisClient(rdb),
	}

	d.PanelBreaker = resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRatio, cfg.CircuitOpenFor).
		WithTarget("panel-api").
		WithLogger(logger)
	d.Panel = &panelapi.Client{
		BaseURL: cfg.PanelAPIBaseURL,
		Token:   cfg.PanelAPIToken,
		HTTP:    d.outbound(panelapi.NewHTTPClient(cfg.PanelAPITimeout), d.PanelBreaker, cfg.PanelAPITimeout),
	}
	if cfg.StripeEnabled() {
		d.Stripe = &payment.Stripe{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			BaseURL:       cfg.StripeBaseURL,
			HTTP: d.outbound(panelapi.NewHTTPClient(cfg.PanelAPITimeout),
				resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRatio, cfg.CircuitOpenFor).
					WithTarget("stripe").
					WithLogger(logger),
				cfg.PanelAPITimeout),
		}
	}

	d.Locker = lock.Locker{R: rdb}
	d.Queue = queue.Enqueuer{
		R:           rdb,
		Prefix:      cfg.QueueRedisPrefix,
		DedupTTL:    cfg.IdempotencyTTL,
		MaxAttempts: cfg.ReconcileMaxAttempts,
	}
	d.DLQ = queue.NewStore(pool)
	d.Outbox = reconcile.PgStore{Conn: pool}
	d.Scheduler = reconcile.Scheduler{
		Queue:       d.Queue,
		MaxAttempts: cfg.ReconcileMaxAttempts,
		Delay:       cfg.ReconcileDelay,
	}
	d.Events = &events.Bus{
		Store: events.PgStore{Conn: pool},
		Notifiers: []events.Notifier{
			notify.LogNotifier{Logger: logger.With().Str("component", "events").Logger()},
			notify.SupportNotifier{Alerts: notify.AlertPublisher{
				Client:   d.TaskClient,
				Queue:    cfg.AlertQueue,
				MaxRetry: cfg.AlertMaxRetry,
			}},
		},
	}

	svc := &checkout.Service{
		Sessions:      checkout.RedisStore{R: rdb, TTL: cfg.CheckoutSessionTTL},
		Confirmations: checkout.RedisConfirmations{R: rdb, TTL: cfg.ConfirmationTTL},
		Coupons:       &coupon.Validator{Remote: d.Panel, Logger: logger.With().Str("component", "coupon").Logger()},
		Orders:        d.Panel,
		Outbox:        d.Outbox,
		Reconcile:     d.Scheduler,
		Cart:          cart.RedisClearer{R: rdb},
		Locker:        d.Locker,
		Events:        d.Events,
		Validate:      d.Validator,
		Options: checkout.Options{
			TaxBps:           int(cfg.PricingTaxRateBPS),
			Mode:             cfg.WholeOrderDiscountMode,
			Currency:         cfg.CurrencyCode,
			MaxPeriods:       cfg.MaxBillingPeriods,
			SubmitLockTTL:    cfg.SubmitLockTTL,
			ConfirmationPath: cfg.ConfirmationPath,
		},
		Logger: logger.With().Str("component", "checkout").Logger(),
	}
	if d.Stripe != nil {
		svc.Payments = d.Stripe
	}
	d.Checkout = svc
	return d, nil
}

func (d *Dependencies) outbound(client *http.Client, breaker *resilience.Breaker, timeout time.Duration) resilience.HTTPClient {
	return resilience.HTTPClient{
		Client:      client,
		Breaker:     breaker,
		BaseBackoff: d.Config.RetryBase,
		MaxAttempts: d.Config.RetryMaxAttempts,
		Jitter:      d.Config.RetryJitter,
		Timeout:     timeout,
	}
}

// NewRedis parses url, instruments the client and verifies it with a ping.
func NewRedis(ctx context.Context, url string, metrics bool) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("instrument redis tracing: %w", err)
	}
	if metrics {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			return nil, fmt.Errorf("instrument redis metrics: %w", err)
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// ReconcileHandler builds the worker handler for stranded charges.
func (d *Dependencies) ReconcileHandler() reconcile.Handler {
	return reconcile.Handler{
		Store:     d.Outbox,
		Orders:    d.Panel,
		Confirmer: d.Checkout,
		Events:    d.Events,
		Logger:    d.Logger.With().Str("component", "reconcile").Logger(),
	}
}

// Probes lists readiness checks. The panel circuit is reported but does not fail readiness.
func (d *Dependencies) Probes() []health.Probe {
	return []health.Probe{
		health.Postgres(d.DB, 0),
		health.Redis(d.Redis, 0),
		{
			Name:     "panel_api",
			Optional: true,
			Check: func(context.Context) error {
				if state := d.PanelBreaker.State(); state == resilience.Open {
					return errors.New("circuit " + state.String())
				}
				return nil
			},
		},
	}
}

// NewHTTPLimiter builds the per-IP limiter for the public API from a rate like "300-M".
func (d *Dependencies) NewHTTPLimiter() (*limiter.Limiter, error) {
	rate, err := limiter.NewRateFromFormatted(d.Config.HTTPRateLimit)
	if err != nil {
		return nil, fmt.Errorf("parse HTTP_RATE_LIMIT: %w", err)
	}
	store, err := limiterredis.NewStoreWithOptions(d.Redis, limiter.StoreOptions{Prefix: "ratelimit:http"})
	if err != nil {
		return nil, err
	}
	return limiter.New(store, rate), nil
}

// RunMigrations applies the embedded schema.
func (d *Dependencies) RunMigrations() error {
	m, err := db.NewMigrator(d.Config.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Close() }()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close releases connections in reverse order of creation.
func (d *Dependencies) Close() {
	if d.TaskClient != nil {
		if err := d.TaskClient.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close task client")
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close redis")
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}
