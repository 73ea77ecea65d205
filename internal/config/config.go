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
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	MigrateOnStart     bool
	RedisURL           string
	CORSAllowedOrigins []string

	// Downstream journey service.
	JourneyServiceURL     string
	ServiceToServiceToken string

	// Webhook secrets keyed by provider name, discovered from
	// WEBHOOK_{NAME}_SECRET variables.
	WebhookSecrets map[string]string

	// Dispatch retry policy.
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	DispatchTimeout   time.Duration

	// Dead letter queue.
	DLQEnabled    bool
	DLQMaxRetries int

	// Redis-backed dispatch queue.
	QueueRedisPrefix       string
	QueueMaxAttempts       int
	QueueConcurrency       int
	QueueVisibilityTimeout time.Duration
	QueueDedupTTL          time.Duration

	// Sweeper for events stuck in processing.
	SweepInterval   time.Duration
	SweepBatchSize  int
	SweepStuckAfter time.Duration
	LockTTL         time.Duration

	// Circuit breaker guarding the downstream.
	CircuitMinRequests  int
	CircuitFailureRatio float64
	CircuitOpenFor      time.Duration

	MaxBodyBytes int64

	// Observability.
	LogFormat            string
	LogLevel             string
	MetricsNamespace     string
	EnablePrometheus     bool
	EnableTracing        bool
	OTLPEndpoint         string
	TracingSamplingRatio float64
	EnablePprof          bool
	PprofUser            string
	PprofPassword        string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		MigrateOnStart:     parseBoolDefault(k.String("MIGRATE_ON_START"), true),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		JourneyServiceURL:     valueOrDefault(k.String("JOURNEY_SERVICE_URL"), "http://localhost:8002"),
		ServiceToServiceToken: k.String("SERVICE_TO_SERVICE_TOKEN"),

		WebhookSecrets: webhookSecrets(k),

		RetryMaxAttempts:  parseInt(k.String("RETRY_MAX_ATTEMPTS"), 3),
		RetryInitialDelay: parseSeconds(k.String("RETRY_INITIAL_DELAY_SECONDS"), time.Second),
		RetryMaxDelay:     parseSeconds(k.String("RETRY_MAX_DELAY_SECONDS"), 60*time.Second),
		DispatchTimeout:   parseSeconds(k.String("DISPATCH_TIMEOUT_SECONDS"), 10*time.Second),

		DLQEnabled:    parseBoolDefault(k.String("DLQ_ENABLED"), true),
		DLQMaxRetries: parseInt(k.String("DLQ_MAX_RETRIES"), 3),

		QueueRedisPrefix:       valueOrDefault(k.String("QUEUE_REDIS_PREFIX"), "hookline"),
		QueueMaxAttempts:       parseInt(k.String("QUEUE_MAX_ATTEMPTS"), 5),
		QueueConcurrency:       parseInt(k.String("QUEUE_CONCURRENCY"), 4),
		QueueVisibilityTimeout: parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "30s"),
		QueueDedupTTL:          parseDuration(k.String("QUEUE_DEDUP_TTL"), "24h"),

		SweepInterval:   parseDuration(k.String("SWEEP_INTERVAL"), "30s"),
		SweepBatchSize:  parseInt(k.String("SWEEP_BATCH_SIZE"), 20),
		SweepStuckAfter: parseDuration(k.String("SWEEP_STUCK_AFTER"), "10m"),
		LockTTL:         parseDuration(k.String("LOCK_TTL"), "30s"),

		CircuitMinRequests:  parseInt(k.String("CIRCUIT_MIN_REQUESTS"), 10),
		CircuitFailureRatio: parseFloat(k.String("CIRCUIT_FAILURE_RATIO"), 0.5),
		CircuitOpenFor:      parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),

		MaxBodyBytes: int64(parseInt(k.String("MAX_BODY_BYTES"), 1<<20)),

		LogFormat:            valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
		LogLevel:             valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
		MetricsNamespace:     valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "hookline"),
		EnablePrometheus:     parseBoolDefault(k.String("OBS_ENABLE_PROMETHEUS"), true),
		EnableTracing:        parseBoolDefault(k.String("OBS_ENABLE_TRACING"), false),
		OTLPEndpoint:         k.String("OBS_OTLP_ENDPOINT"),
		TracingSamplingRatio: parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1.0),
		EnablePprof:          parseBoolDefault(k.String("OBS_ENABLE_PPROF"), false),
		PprofUser:            k.String("OBS_PPROF_USER"),
		PprofPassword:        k.String("OBS_PPROF_PASSWORD"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RetryMaxAttempts < 1 {
		return nil, errors.New("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.DLQMaxRetries < 1 {
		return nil, errors.New("DLQ_MAX_RETRIES must be at least 1")
	}

	return cfg, nil
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

// Secret implements the provider secret lookup: secrets live under the
// lowercase provider name.
func (c *Config) Secret(name string) string {
	return c.WebhookSecrets[strings.ToLower(strings.TrimSpace(name))]
}

// webhookSecrets scans WEBHOOK_{NAME}_SECRET variables so adding a provider
// needs no config change beyond its secret.
func webhookSecrets(k *koanf.Koanf) map[string]string {
	secrets := make(map[string]string)
	for _, key := range k.Keys() {
		if !strings.HasPrefix(key, "WEBHOOK_") || !strings.HasSuffix(key, "_SECRET") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(key, "WEBHOOK_"), "_SECRET")
		if name == "" {
			continue
		}
		if value := strings.TrimSpace(k.String(key)); value != "" {
			secrets[strings.ToLower(name)] = value
		}
	}
	return secrets
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
	if strings.TrimSpace(value) != "" {
		return value
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

// parseSeconds reads a duration expressed as a number of seconds, fractional
// values allowed.
func parseSeconds(value string, fallback time.Duration) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		return fallback
	}
	seconds, err := strconv.ParseFloat(base, 64)
	if err != nil || seconds < 0 {
		return fallback
	}
	return time.Duration(seconds * float64(time.Second))
}

func parseInt(value string, fallback int) int {
	base := strings.TrimSpace(value)
	if base == "" {
		return fallback
	}
	n, err := strconv.Atoi(base)
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	base := strings.TrimSpace(value)
	if base == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(base, 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseBoolDefault(value string, fallback bool) bool {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return parseBool(value)
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
