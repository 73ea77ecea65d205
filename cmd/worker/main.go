package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hookline/hookline/internal/config"
	"github.com/hookline/hookline/internal/dispatch"
	"github.com/hookline/hookline/internal/lock"
	"github.com/hookline/hookline/internal/obs"
	"github.com/hookline/hookline/internal/queue"
	"github.com/hookline/hookline/internal/resilience"
	"github.com/hookline/hookline/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "worker").Logger()

	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	events := store.NewEventStore(pool)
	dlq := store.NewDLQStore(pool, cfg.DLQMaxRetries, cfg.RetryMaxDelay)

	breaker := resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRatio, cfg.CircuitOpenFor).
		WithTarget("journey-service").
		WithLogger(logger)

	dispatcher := &dispatch.Dispatcher{
		Events:       events,
		DLQ:          dlq,
		Client:       &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Breaker:      breaker,
		TargetURL:    strings.TrimRight(cfg.JourneyServiceURL, "/") + "/api/v1/tracking/external-event",
		AuthToken:    cfg.ServiceToServiceToken,
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		Timeout:      cfg.DispatchTimeout,
		DLQEnabled:   cfg.DLQEnabled,
		Logger:       logger.With().Str("component", "dispatcher").Logger(),
	}

	sweeper := &dispatch.Sweeper{
		Dispatcher: dispatcher,
		Events:     events,
		DLQ:        dlq,
		Locker:     &lock.Locker{R: redisClient},
		Interval:   cfg.SweepInterval,
		BatchSize:  cfg.SweepBatchSize,
		StuckAfter: cfg.SweepStuckAfter,
		LockTTL:    cfg.LockTTL,
		Logger:     logger.With().Str("component", "sweeper").Logger(),
	}
	go func() {
		if err := sweeper.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("sweeper stopped with error")
		}
	}()

	dispatchWorker := queue.Worker{
		R:                 redisClient,
		Prefix:            cfg.QueueRedisPrefix,
		Kind:              dispatch.TaskKind,
		Concurrency:       cfg.QueueConcurrency,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		SoftDeadline:      cfg.DispatchTimeout * time.Duration(cfg.RetryMaxAttempts+1),
		Logger:            &logger,
		Handler: func(jobCtx context.Context, task queue.Task) error {
			decoded, err := dispatch.DecodeTask(task.Payload)
			if err != nil {
				logger.Error().Err(err).Msg("decode dispatch task")
				return nil
			}
			return dispatcher.Dispatch(jobCtx, decoded)
		},
	}

	logger.Info().Msg("worker starting")
	if err := dispatchWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	} else {
		logger.Info().Msg("worker shutdown complete")
	}
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "hookline-worker"
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Fatal().Msg("REDIS_URL is required for the worker")
	}
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}
