package main

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/panel-checkout/internal/app"
	"github.com/noah-isme/panel-checkout/internal/config"
	"github.com/noah-isme/panel-checkout/internal/notify"
	"github.com/noah-isme/panel-checkout/internal/obs"
	"github.com/noah-isme/panel-checkout/internal/queue"
	"github.com/noah-isme/panel-checkout/internal/reconcile"
)

const serviceName = "panel-checkout-worker"

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

	reconcileHandler := deps.ReconcileHandler()
	workerLogger := logger.With().Str("component", "reconcile_worker").Logger()
	reconcileWorker := queue.Worker{
		R:                 deps.Redis,
		Prefix:            cfg.QueueRedisPrefix,
		Kind:              reconcile.TaskKind,
		Concurrency:       cfg.QueueConcurrency,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		SoftDeadline:      cfg.PanelAPITimeout * time.Duration(max(cfg.RetryMaxAttempts, 1)),
		Handler:           reconcileHandler.Handle,
		RetryBase:         cfg.ReconcileDelay,
		RetryJitter:       cfg.RetryJitter,
		Store:             deps.DLQ,
		DeadLetter:        reconcileHandler.DeadLetter,
		Logger:            &workerLogger,
	}

	sweeper := reconcile.Sweeper{
		Store:     deps.Outbox,
		Scheduler: deps.Scheduler,
		Grace:     2 * cfg.SubmitLockTTL,
		Logger:    logger.With().Str("component", "reconcile_sweeper").Logger(),
	}

	alertServer := asynq.NewServerFromRedisClient(deps.Redis, asynq.Config{
		Concurrency: cfg.AlertConcurrency,
		Queues:      map[string]int{cfg.AlertQueue: 1},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return min(time.Duration(1<<min(n, 10))*time.Second, 15*time.Minute)
		},
	})
	mux := asynq.NewServeMux()
	notify.AlertHandler{
		Support: notify.SupportWebhook{
			URL:    cfg.SupportWebhookURL,
			Secret: cfg.SupportWebhookSecret,
			Client: notify.HttpClient(int(cfg.PanelAPITimeout/time.Millisecond), false),
		},
		Logger: logger.With().Str("component", "support_alerts").Logger(),
	}.Register(mux)
	if err := alertServer.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start alert server")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx, cfg.ReconcileSweepInterval)
	}()

	logger.Info().Str("kind", reconcile.TaskKind).Str("alert_queue", cfg.AlertQueue).Msg("worker starting")
	if err := reconcileWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	}
	stop()
	alertServer.Shutdown()
	wg.Wait()
	logger.Info().Msg("worker shutdown complete")
}
