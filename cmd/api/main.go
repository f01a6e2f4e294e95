package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/stridesync/stridesync/internal/config"
	"github.com/stridesync/stridesync/internal/enrich"
	"github.com/stridesync/stridesync/internal/features"
	"github.com/stridesync/stridesync/internal/http/routes"
	"github.com/stridesync/stridesync/internal/quota"
	"github.com/stridesync/stridesync/internal/segments"
	"github.com/stridesync/stridesync/internal/store"
	"github.com/stridesync/stridesync/internal/strava"
	"github.com/stridesync/stridesync/internal/weather"
	"github.com/stridesync/stridesync/internal/webhook"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "api").Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("could not load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("could not connect to database")
	}
	defer pool.Close()

	st := store.New(pool)
	if err := st.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("could not run migrations")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	tasks := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer tasks.Close()

	quotaMgr := quota.NewManager(rdb, cfg.Strava.DailyLimit, cfg.Strava.ShortLimit, logger)
	tokens := strava.NewTokenProvider(cfg.Strava.ClientID, cfg.Strava.ClientSecret, strava.DefaultTokenURL, st, logger)
	client := strava.NewClient(strava.DefaultAPIBase, quotaMgr, tokens, logger)

	engine := segments.NewEngine(st, logger)
	fetcher := weather.NewFetcher(st, cfg.Weather.ForecastURL, cfg.Weather.ArchiveURL, logger)
	enricher := enrich.NewEnricher(client, st, logger, engine, fetcher)
	calc := features.NewCalculator(st, logger)

	hook := webhook.NewHandler(cfg.Webhook.VerifyToken, cfg.Webhook.SubscriptionID, tasks, logger)

	s := routes.New(routes.Options{
		Store:       st,
		Enricher:    enricher,
		Segments:    engine,
		Loads:       calc,
		Weather:     fetcher,
		Quota:       quotaMgr,
		Tasks:       tasks,
		Webhook:     hook,
		MaxAttempts: cfg.Worker.MaxAttempts,
		Log:         logger,
	})

	handler := hlog.NewHandler(logger)(s.Router)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
	}
}
