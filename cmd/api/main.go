package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hookline/hookline/internal/config"
	"github.com/hookline/hookline/internal/dispatch"
	"github.com/hookline/hookline/internal/health"
	"github.com/hookline/hookline/internal/ingest"
	"github.com/hookline/hookline/internal/obs"
	"github.com/hookline/hookline/internal/provider"
	"github.com/hookline/hookline/internal/queue"
	"github.com/hookline/hookline/internal/resilience"
	"github.com/hookline/hookline/internal/security"
	"github.com/hookline/hookline/internal/store"
	"github.com/hookline/hookline/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Logger()

	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)

	tracingEnabled := cfg.EnableTracing
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "hookline-api",
			Endpoint:      cfg.OTLPEndpoint,
			SamplingRatio: cfg.TracingSamplingRatio,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MigrateOnStart {
		if err := migrations.Apply(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("apply migrations")
		}
	}

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "hookline-api"

	pool, err := pgxpool.NewWithConfig(initCtx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	if err := pool.Ping(initCtx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	// Redis is optional. Without it dispatch falls back to in-process
	// delivery and the readiness probe reports redis as disabled.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("parse redis url")
		}
		redisClient = redis.NewClient(redisOpts)
		if err := redisotel.InstrumentTracing(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis tracing")
		}
		if cfg.EnablePrometheus {
			if err := redisotel.InstrumentMetrics(redisClient); err != nil {
				logger.Error().Err(err).Msg("instrument redis metrics")
			}
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		}()
		if err := redisClient.Ping(initCtx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("ping redis")
		}
	}

	registry, err := provider.DefaultRegistry(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise provider registry")
	}

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

	var enqueuer dispatch.Enqueuer
	if redisClient != nil {
		enqueuer = dispatch.QueueEnqueuer{
			Q: queue.Enqueuer{
				R:           redisClient,
				Prefix:      cfg.QueueRedisPrefix,
				DedupTTL:    cfg.QueueDedupTTL,
				MaxAttempts: cfg.QueueMaxAttempts,
			},
			MaxAttempts: cfg.QueueMaxAttempts,
		}
	} else {
		enqueuer = dispatch.Background{
			Dispatcher: dispatcher,
			Logger:     logger.With().Str("component", "background_dispatch").Logger(),
		}
		// No worker process without redis, so the API sweeps its own DLQ
		// and stuck events.
		sweeper := &dispatch.Sweeper{
			Dispatcher: dispatcher,
			Events:     events,
			DLQ:        dlq,
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
	}

	ingestHandler := ingest.Handler{
		Registry: registry,
		Events:   events,
		Enqueuer: enqueuer,
		Logger:   logger.With().Str("component", "ingest").Logger(),
	}
	adminHandler := dispatch.AdminHandler{
		Dispatcher: dispatcher,
		DLQ:        dlq,
		Events:     events,
	}

	var httpMetrics *obs.HTTPMetrics
	if cfg.EnablePrometheus {
		httpMetrics = obs.NewHTTPMetrics(cfg.MetricsNamespace, nil, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{Enable: true}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	if cfg.EnablePrometheus {
		r.Handle("/metrics", promhttp.Handler())
	}
	if cfg.EnablePprof {
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), cfg.PprofUser, cfg.PprofPassword))
	}

	healthHandler := health.Handler{
		Checker: readinessChecker{db: pool, redis: redisClient},
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	bodyLimit := security.BodyLimit{Max: cfg.MaxBodyBytes}
	r.Route("/api/v1", func(v chi.Router) {
		v.With(bodyLimit.Middleware).Post("/webhooks/{provider}", ingestHandler.Receive)
		v.Get("/providers", ingestHandler.Providers)

		v.Post("/dlq/retry", adminHandler.RetryDLQ)
		v.Get("/dlq/stats", adminHandler.DLQStats)
		v.Get("/events/failed", adminHandler.FailedEvents)
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: r,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	case <-ctx.Done():
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown")
		}
		logger.Info().Msg("server shutdown complete")
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

type readinessChecker struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func (c readinessChecker) PingDB(ctx context.Context, timeout time.Duration) error {
	if c.db == nil {
		return errors.New("db not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.db.Ping(ctx)
}

func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.redis == nil {
		return health.ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/allocs", pprof.Handler("allocs"))
	mux.Handle("/block", pprof.Handler("block"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/mutex", pprof.Handler("mutex"))
	mux.Handle("/threadcreate", pprof.Handler("threadcreate"))
	return mux
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
