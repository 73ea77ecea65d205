package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadForTests(map[string]string{
		"DATABASE_URL": "postgres://localhost/hookline",
	})
	require.NoError(t, err)

	require.Equal(t, "development", cfg.AppEnv)
	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.True(t, cfg.MigrateOnStart)
	require.Equal(t, 3, cfg.RetryMaxAttempts)
	require.Equal(t, time.Second, cfg.RetryInitialDelay)
	require.Equal(t, 60*time.Second, cfg.RetryMaxDelay)
	require.Equal(t, 10*time.Second, cfg.DispatchTimeout)
	require.True(t, cfg.DLQEnabled)
	require.Equal(t, 3, cfg.DLQMaxRetries)
	require.Equal(t, "http://localhost:8002", cfg.JourneyServiceURL)
	require.Equal(t, int64(1<<20), cfg.MaxBodyBytes)
	require.Equal(t, "hookline", cfg.QueueRedisPrefix)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	_, err := LoadForTests(map[string]string{
		"DATABASE_URL": "",
	})
	require.Error(t, err)
}

func TestLoadFractionalSeconds(t *testing.T) {
	cfg, err := LoadForTests(map[string]string{
		"DATABASE_URL":                "postgres://localhost/hookline",
		"RETRY_INITIAL_DELAY_SECONDS": "0.5",
		"DISPATCH_TIMEOUT_SECONDS":    "2.5",
	})
	require.NoError(t, err)
	require.Equal(t, 500*time.Millisecond, cfg.RetryInitialDelay)
	require.Equal(t, 2500*time.Millisecond, cfg.DispatchTimeout)
}

func TestWebhookSecretDiscovery(t *testing.T) {
	cfg, err := LoadForTests(map[string]string{
		"DATABASE_URL":           "postgres://localhost/hookline",
		"WEBHOOK_FORM_SECRET":    "s3cret",
		"WEBHOOK_PAYMENT_SECRET": "whsec_x",
		"WEBHOOK_CUSTOM_SECRET":  "c",
		"WEBHOOK_MEETING_SECRET": "",
	})
	require.NoError(t, err)

	require.Equal(t, "s3cret", cfg.Secret("form"))
	require.Equal(t, "whsec_x", cfg.Secret("Payment"))
	require.Equal(t, "c", cfg.Secret("custom"))
	require.Empty(t, cfg.Secret("meeting"))
	require.Empty(t, cfg.Secret("unknown"))
}
