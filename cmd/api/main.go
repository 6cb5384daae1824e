package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/noah-isme/panel-checkout/internal/app"
	"github.com/noah-isme/panel-checkout/internal/audit"
	"github.com/noah-isme/panel-checkout/internal/checkout"
	"github.com/noah-isme/panel-checkout/internal/common"
	"github.com/noah-isme/panel-checkout/internal/config"
	"github.com/noah-isme/panel-checkout/internal/health"
	custmw "github.com/noah-isme/panel-checkout/internal/http/middleware"
	"github.com/noah-isme/panel-checkout/internal/notify"
	"github.com/noah-isme/panel-checkout/internal/obs"
	"github.com/noah-isme/panel-checkout/internal/payment"
	"github.com/noah-isme/panel-checkout/internal/queue"
	"github.com/noah-isme/panel-checkout/internal/ratelimit"
	"github.com/noah-isme/panel-checkout/internal/reconcile"
	"github.com/noah-isme/panel-checkout/internal/security"
)

const serviceName = "panel-checkout-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel, serviceName).With().Str("env", cfg.AppEnv).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)
	queue.MustRegisterMetrics(cfg.MetricsNamespace, nil)

	if cfg.TracingEnabled {
		shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
			ServiceName:   serviceName,
			Endpoint:      cfg.OTLPEndpoint,
			Exporter:      cfg.TracingExporter,
			SamplingRatio: cfg.TracingSampleRatio,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			cfg.TracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	deps, err := app.New(startCtx, cfg, logger)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	if cfg.RunMigrations {
		if err := deps.RunMigrations(); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
		logger.Info().Msg("migrations applied")
	}

	var draining atomic.Bool
	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           newRouter(deps, logger, &draining),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server exited unexpectedly")
		}
	case <-ctx.Done():
		draining.Store(true)
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.SubmitLockTTL)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown")
		}
	}
}

func newRouter(deps *app.Dependencies, logger zerolog.Logger, draining *atomic.Bool) http.Handler {
	cfg := deps.Config

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.TracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if cfg.MetricsEnabled {
		httpMetrics := obs.NewHTTPMetrics(cfg.MetricsNamespace, obs.ParseBucketsCSV(cfg.MetricsBucketsMS), nil)
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(custmw.Customer(cfg.CustomerHeader))
	r.Use(obs.RequestLogger{Logger: logger, Skip: []string{"/health", "/metrics"}}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", cfg.CustomerHeader, common.IdempotencyHeader},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After", "Idempotent-Replayed"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if cfg.PprofEnabled {
		r.Mount("/debug", protectPprof(middleware.Profiler(), cfg.PprofUser, cfg.PprofPass))
	}

	healthHandler := health.Handler{Probes: deps.Probes(), Draining: draining}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	httpLimiter, err := deps.NewHTTPLimiter()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise http rate limiter")
	}
	onLimiterError := func(err error) {
		logger.Warn().Err(err).Msg("rate limiter unavailable")
	}

	checkoutHandler := &checkout.Handler{
		Svc: deps.Checkout,
		CouponGuard: ratelimit.Handler{
			Limiter: ratelimit.Limiter{Client: deps.Redis, Prefix: "ratelimit:coupon:"},
			Config: ratelimit.Config{
				Key:    ratelimit.CustomerKey("coupon"),
				Window: cfg.CouponRateLimitWindow,
				Max:    cfg.CouponRateLimitMax,
			},
			OnError: onLimiterError,
		}.Middleware,
		Idempotency: common.Idem{
			R:   deps.Redis,
			TTL: cfg.IdempotencyTTL,
			Scope: func(r *http.Request) string {
				id, _ := common.CustomerID(r.Context())
				return id
			},
		}.Middleware,
		Logger: logger.With().Str("component", "checkout_http").Logger(),
	}

	providers := map[string]payment.WebhookVerifier{}
	if deps.Stripe != nil {
		providers["stripe"] = *deps.Stripe
	}
	webhookHandler := payment.Webhook{
		Providers: providers,
		Replay:    notify.RedisReplayProtector{Client: deps.Redis, Prefix: "webhook:replay"},
		ReplayTTL: cfg.WebhookReplayTTL,
		Charges:   deps.Checkout,
		Logger:    logger.With().Str("component", "payment_webhook").Logger(),
	}

	reconcileAdmin := &reconcile.AdminHandler{
		Store:     deps.Outbox,
		Scheduler: deps.Scheduler,
		Logger:    logger.With().Str("component", "reconcile_admin").Logger(),
	}
	queueAdmin := &queue.AdminHandler{
		Store:             deps.DLQ,
		Queue:             deps.Queue,
		Logger:            logger.With().Str("component", "queue_admin").Logger(),
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
	}

	auditStore := audit.PgStore{Conn: deps.DB}
	auditRecorder := audit.HTTPRecorder{
		Service: &audit.Service{Store: auditStore, Enabled: cfg.AuditEnabled},
		OnError: func(err error) {
			logger.Error().Err(err).Msg("record admin audit entry")
		},
	}

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(ratelimit.Global{Limiter: httpLimiter, OnError: onLimiterError}.Middleware)
		v.Use(security.Headers{NoStore: true}.Middleware)
		v.Use(security.BodyLimit{Max: cfg.BodyLimitBytes}.Middleware)

		v.Route("/checkout/sessions", func(s chi.Router) {
			s.Use(custmw.RequireCustomer)
			checkoutHandler.Routes(s)
		})

		v.Post("/webhooks/payment/{provider}", webhookHandler.Handle)

		v.Route("/admin", func(admin chi.Router) {
			admin.Use(custmw.AdminToken(cfg.AdminAPIToken))
			admin.Use(auditRecorder.Middleware)
			admin.Get("/audit", audit.Handler{Store: auditStore}.List)
			admin.Route("/reconciliation", reconcileAdmin.Routes)
			admin.Get("/queue/dlq", queueAdmin.ListDLQ)
			admin.Post("/queue/dlq/replay", queueAdmin.ReplayDLQ)
			admin.Get("/queue/stats", queueAdmin.Stats)
		})
	})

	return r
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
