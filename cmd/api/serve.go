package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/onnwee/creditledger/internal/api"
	"github.com/onnwee/creditledger/internal/auth"
	"github.com/onnwee/creditledger/internal/credits"
	"github.com/onnwee/creditledger/internal/db"
	"github.com/onnwee/creditledger/internal/health"
	"github.com/onnwee/creditledger/internal/idempotency"
	"github.com/onnwee/creditledger/internal/jobs"
	"github.com/onnwee/creditledger/internal/middleware"
	"github.com/onnwee/creditledger/internal/payment"
	"github.com/onnwee/creditledger/internal/tracing"
)

const (
	serviceName     = "creditledger"
	shutdownTimeout = 10 * time.Second
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func runServe(ctx context.Context, opts *rootOptions, migrate bool) error {
	a, err := newApp(ctx, opts, true)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	logger.Info("configuration loaded", slog.Any("config", cfg.LogSummary()))

	if migrate {
		if err := db.Migrate(a.db, db.DirectionUp, logger); err != nil {
			return err
		}
	}

	tp, err := tracing.NewProvider(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Enabled:        cfg.TracingEnabled,
		Environment:    cfg.Env,
		ExporterType:   cfg.TracingExporter,
		OTLPEndpoint:   cfg.TracingEndpoint,
		SamplingRate:   cfg.TracingSampleRate,
		InsecureMode:   cfg.TracingInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to flush traces", slog.String("error", err.Error()))
		}
	}()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	httpMetrics := middleware.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	for _, r := range []interface{ Register(prometheus.Registerer) error }{httpMetrics, jobMetrics, a.metrics} {
		if err := r.Register(registry); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})

	// Stores that move to Redis when it is configured.
	var (
		rateLimitStore  middleware.RateLimitStore = middleware.NewInMemoryRateLimitStore()
		idempotencyRepo idempotency.Repository    = idempotency.NewInMemoryRepository()
		redisChecker    api.HealthChecker
	)
	if a.redis != nil {
		rateLimitStore = middleware.NewRedisRateLimitStore(a.redis).WithMetrics(httpMetrics)
		idempotencyRepo = idempotency.NewRedisRepository(a.redis, cfg.IdempotencyTTL)
		redisChecker = health.NewRedisChecker(a.redis)
	}

	client := payment.NewStripeClient(cfg.StripeAPIKey)
	processor := a.processor()
	initiator := credits.NewInitiator(a.store, client, credits.InitiatorConfig{
		Currency:         cfg.Currency,
		CreditPriceCents: cfg.ServiceCreditPriceCents,
		AllowedOrigins:   cfg.AllowedReturnOrigins,
	}, a.metrics, logger)
	recovery := credits.NewRecovery(client, a.store, processor, a.metrics, logger)

	routerCfg := api.RouterConfig{
		Logger:            logger,
		ServiceName:       serviceName,
		HTTPMetrics:       httpMetrics,
		Tracing:           tp.IsEnabled(),
		CORS:              middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins, AllowCredentials: true, MaxAge: 600},
		RateLimitStore:    rateLimitStore,
		GlobalLimit:       middleware.RateLimitConfig{RequestsPerWindow: cfg.RateLimitGlobal, WindowDuration: cfg.RateLimitWindow},
		CheckoutLimit:     middleware.RateLimitConfig{RequestsPerWindow: cfg.RateLimitCheckout, WindowDuration: cfg.RateLimitWindow},
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		TokenValidator:    auth.NewJWTService(cfg.JWTSecretCurrent,
			auth.WithPreviousSecret(cfg.JWTSecretPrevious),
			auth.WithAudience(cfg.JWTAudience),
			auth.WithIssuer(cfg.JWTIssuer),
		),
		IdempotencyRepo:   idempotencyRepo,
		Webhooks:          api.NewWebhookHandlers(cfg.StripeWebhookSecret, a.events, processor, a.metrics, logger),
		Checkout:          api.NewCheckoutHandlers(initiator, recovery, a.audit, logger),
		Credits: api.NewCreditHandlers(
			credits.NewAccounts(a.store),
			credits.NewSpender(a.store, logger),
			credits.NewGranter(a.store, logger),
			a.audit,
			logger,
		),
		Health: api.NewHealthHandlers(api.HealthHandlersConfig{
			DBChecker:    health.NewDBChecker(a.db),
			RedisChecker: redisChecker,
			Version:      Version,
		}),
	}
	if cfg.MetricsPort == 0 {
		routerCfg.MetricsHandler = metricsHandler
	}

	servers := []*http.Server{newServer(cfg.Port, api.NewRouter(routerCfg))}
	if cfg.MetricsPort != 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		servers = append(servers, newServer(cfg.MetricsPort, mux))
	}

	// Background jobs stop with ctx.
	jobsCtx, stopJobs := context.WithCancel(ctx)
	defer stopJobs()
	if cfg.ReplayInterval > 0 {
		replayer := a.replayer()
		go jobs.RunPeriodic(jobsCtx, jobs.JobTypeWebhookReplay, cfg.ReplayInterval, func(ctx context.Context) error {
			_, err := replayer.Replay(ctx)
			return err
		}, jobMetrics, logger)
	}
	go jobs.RunPeriodic(jobsCtx, jobs.JobTypeIdempotencyCleanup, time.Hour, func(ctx context.Context) error {
		return idempotency.CleanupOldKeys(ctx, idempotencyRepo, cfg.IdempotencyTTL, logger)
	}, jobMetrics, logger)
	if mem, ok := rateLimitStore.(*middleware.InMemoryRateLimitStore); ok {
		go jobs.RunPeriodic(jobsCtx, jobs.JobTypeRateLimitCleanup, 5*cfg.RateLimitWindow, func(ctx context.Context) error {
			_, err := mem.Cleanup(ctx)
			return err
		}, jobMetrics, logger)
	}

	return serve(ctx, logger, servers...)
}

func newServer(port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// serve runs the servers until ctx is cancelled or one of them fails, then
// shuts all of them down gracefully.
func serve(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			logger.Info("starting server", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("server %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down server...")
	case runErr = <-errCh:
		logger.Error("server error", slog.String("error", runErr.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server forced to shutdown", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
			runErr = errors.Join(runErr, err)
		}
	}

	logger.Info("server stopped")
	return runErr
}
