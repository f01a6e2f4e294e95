// Package config handles application configuration from environment variables
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`

	Strava  StravaConfig  `envPrefix:"STRAVA_"`
	Webhook WebhookConfig `envPrefix:"WEBHOOK_"`
	Worker  WorkerConfig  `envPrefix:"WORKER_"`
	Weather WeatherConfig `envPrefix:"WEATHER_"`
}

// StravaConfig holds Strava API credentials and quota limits
type StravaConfig struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	RedirectURL  string `env:"REDIRECT_URL"`
	DailyLimit   int    `env:"DAILY_LIMIT" envDefault:"1000"`
	ShortLimit   int    `env:"SHORT_LIMIT" envDefault:"100"`
}

// WebhookConfig holds the push-subscription verification settings
type WebhookConfig struct {
	VerifyToken    string `env:"VERIFY_TOKEN"`
	SubscriptionID int64  `env:"SUBSCRIPTION_ID"`
}

// WorkerConfig tunes the enrichment scheduler and its worker pool
type WorkerConfig struct {
	BatchSize        int `env:"BATCH_SIZE" envDefault:"5"`
	Concurrency      int `env:"CONCURRENCY" envDefault:"5"`
	SleepSeconds     int `env:"SLEEP_SECONDS" envDefault:"300"`
	ItemsPerUser     int `env:"ITEMS_PER_USER_PER_CYCLE" envDefault:"2"`
	MaxAttempts      int `env:"MAX_ATTEMPTS" envDefault:"3"`
	StaleAfterMin    int `env:"STALE_AFTER_MINUTES" envDefault:"30"`
	InterItemDelayMs int `env:"INTER_ITEM_DELAY_MS" envDefault:"500"`
}

// WeatherConfig points at the hourly weather service
type WeatherConfig struct {
	ForecastURL string `env:"FORECAST_URL" envDefault:"https://api.open-meteo.com/v1/forecast"`
	ArchiveURL  string `env:"ARCHIVE_URL" envDefault:"https://archive-api.open-meteo.com/v1/archive"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// HasStrava returns true if Strava API credentials are complete
func (c *Config) HasStrava() bool {
	return c.Strava.ClientID != "" && c.Strava.ClientSecret != ""
}

// Validate ensures the configuration can run the ingestion core
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if !c.HasStrava() {
		return fmt.Errorf("STRAVA_CLIENT_ID and STRAVA_CLIENT_SECRET are required")
	}
	if c.Worker.BatchSize < 1 || c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker batch size and concurrency must be positive")
	}
	return nil
}
