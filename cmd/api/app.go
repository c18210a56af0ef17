package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/creditledger/internal/audit"
	"github.com/onnwee/creditledger/internal/config"
	"github.com/onnwee/creditledger/internal/credits"
	"github.com/onnwee/creditledger/internal/db"
	"github.com/onnwee/creditledger/internal/ledger"
	"github.com/onnwee/creditledger/internal/middleware"
	"github.com/onnwee/creditledger/internal/payment"
)

// app holds the long-lived dependencies shared by the subcommands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB
	redis  *redis.Client

	store   *ledger.PostgresStore
	events  *payment.PostgresWebhookRepository
	audit   *audit.PostgresRepository
	metrics *credits.Metrics
}

// serverOnly are the settings only the HTTP server needs. Operator commands
// run without them.
var serverOnly = []error{
	config.ErrMissingJWTSecret,
	config.ErrMissingStripeAPIKey,
	config.ErrMissingStripeWebhookSecret,
	config.ErrMissingAllowedReturnOrigins,
}

// loadConfig reads the dotenv file, the optional YAML file and the environment,
// then installs the process logger.
func loadConfig(opts *rootOptions, server bool) (*config.Config, *slog.Logger, error) {
	if err := config.LoadDotEnv(opts.envFile); err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", opts.envFile, err)
	}
	cfg, errs := config.Load(opts.configFile)
	if !server {
		errs = dropErrors(errs, serverOnly)
	}
	if len(errs) > 0 {
		return nil, nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}

	logger := middleware.NewLogger(cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func dropErrors(errs, drop []error) []error {
	out := errs[:0]
outer:
	for _, err := range errs {
		for _, d := range drop {
			if errors.Is(err, d) {
				continue outer
			}
		}
		out = append(out, err)
	}
	return out
}

// newApp opens the database and, when configured, Redis.
func newApp(ctx context.Context, opts *rootOptions, server bool) (*app, error) {
	cfg, logger, err := loadConfig(opts, server)
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		db:      conn,
		store:   ledger.NewPostgresStore(conn, logger),
		events:  payment.NewPostgresWebhookRepository(conn, logger),
		audit:   audit.NewPostgresRepository(conn),
		metrics: credits.NewMetrics(),
	}

	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(redisOpts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			// Rate limiting fails open, so a cold Redis is not fatal.
			logger.WarnContext(ctx, "redis not reachable at startup", slog.String("error", err.Error()))
		}
	}

	return a, nil
}

// processor builds the event processor every write path shares.
func (a *app) processor() *credits.Processor {
	return credits.NewProcessor(a.store, a.metrics, a.logger)
}

func (a *app) replayer() *credits.Replayer {
	return credits.NewReplayer(a.events, a.processor(), a.audit, a.cfg.ReplayMaxAttempts, a.logger)
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis client", slog.String("error", err.Error()))
		}
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("failed to close database", slog.String("error", err.Error()))
	}
}
