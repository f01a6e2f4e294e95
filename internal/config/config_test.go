package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/stridesync")
	t.Setenv("STRAVA_CLIENT_ID", "test_id")
	t.Setenv("STRAVA_CLIENT_SECRET", "test_secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "127.0.0.1:6379", cfg.RedisAddr)
	assert.Equal(t, 1000, cfg.Strava.DailyLimit)
	assert.Equal(t, 100, cfg.Strava.ShortLimit)
	assert.Equal(t, 5, cfg.Worker.BatchSize)
	assert.Equal(t, 5, cfg.Worker.Concurrency)
	assert.Equal(t, 300, cfg.Worker.SleepSeconds)
	assert.Equal(t, 2, cfg.Worker.ItemsPerUser)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.True(t, cfg.HasStrava())
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/stridesync")
	t.Setenv("STRAVA_CLIENT_ID", "test_id")
	t.Setenv("STRAVA_CLIENT_SECRET", "test_secret")
	t.Setenv("STRAVA_DAILY_LIMIT", "3")
	t.Setenv("WORKER_ITEMS_PER_USER_PER_CYCLE", "4")
	t.Setenv("WEBHOOK_SUBSCRIPTION_ID", "271828")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Strava.DailyLimit)
	assert.Equal(t, 4, cfg.Worker.ItemsPerUser)
	assert.Equal(t, int64(271828), cfg.Webhook.SubscriptionID)
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.Validate(), "expected error when nothing is configured")

	cfg.DatabaseURL = "postgres://localhost/stridesync"
	assert.Error(t, cfg.Validate(), "expected error without Strava credentials")

	cfg.Strava.ClientID = "id"
	cfg.Strava.ClientSecret = "secret"
	assert.Error(t, cfg.Validate(), "expected error with zero worker settings")

	cfg.Worker.BatchSize = 5
	cfg.Worker.Concurrency = 5
	assert.NoError(t, cfg.Validate())
}
