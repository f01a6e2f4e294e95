package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/stridesync/stridesync/internal/config"
	"github.com/stridesync/stridesync/internal/enrich"
	"github.com/stridesync/stridesync/internal/jobs"
	"github.com/stridesync/stridesync/internal/quota"
	"github.com/stridesync/stridesync/internal/segments"
	"github.com/stridesync/stridesync/internal/store"
	"github.com/stridesync/stridesync/internal/strava"
	"github.com/stridesync/stridesync/internal/weather"
	"github.com/stridesync/stridesync/internal/webhook"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "worker").Logger()

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

	quotaMgr := quota.NewManager(rdb, cfg.Strava.DailyLimit, cfg.Strava.ShortLimit, logger)
	tokens := strava.NewTokenProvider(cfg.Strava.ClientID, cfg.Strava.ClientSecret, strava.DefaultTokenURL, st, logger)
	client := strava.NewClient(strava.DefaultAPIBase, quotaMgr, tokens, logger)

	engine := segments.NewEngine(st, logger)
	fetcher := weather.NewFetcher(st, cfg.Weather.ForecastURL, cfg.Weather.ArchiveURL, logger)
	enricher := enrich.NewEnricher(client, st, logger, engine, fetcher)
	syncer := enrich.NewSyncer(client, st, cfg.Worker.MaxAttempts, logger)

	scheduler := enrich.NewScheduler(st, enricher, enrich.Config{
		BatchSize:      cfg.Worker.BatchSize,
		ItemsPerUser:   cfg.Worker.ItemsPerUser,
		Concurrency:    cfg.Worker.Concurrency,
		Sleep:          time.Duration(cfg.Worker.SleepSeconds) * time.Second,
		StaleAfter:     time.Duration(cfg.Worker.StaleAfterMin) * time.Minute,
		InterItemDelay: time.Duration(cfg.Worker.InterItemDelayMs) * time.Millisecond,
	}, logger)
	scheduler.Start(ctx)

	processor := webhook.NewProcessor(st, client, scheduler, cfg.Worker.MaxAttempts, logger)

	mux := asynq.NewServeMux()
	mux.HandleFunc(jobs.TaskWebhookEvent, processor.HandleTask)
	mux.HandleFunc(jobs.TaskWakeSchedule, func(ctx context.Context, t *asynq.Task) error {
		scheduler.Wake()
		return nil
	})
	mux.HandleFunc(jobs.TaskSyncUser, func(ctx context.Context, t *asynq.Task) error {
		var p jobs.SyncUserPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			logger.Error().Err(err).Msg("bad sync payload, dropping")
			return nil
		}
		userID, err := uuid.Parse(p.UserID)
		if err != nil {
			logger.Error().Err(err).Str("user_id", p.UserID).Msg("bad user id in sync payload, dropping")
			return nil
		}
		var since time.Time
		if p.SinceUnix != 0 {
			since = time.Unix(p.SinceUnix, 0)
		}
		queued, err := syncer.SyncUser(ctx, userID, since)
		if err != nil {
			return err
		}
		if queued > 0 {
			scheduler.Wake()
		}
		return nil
	})

	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, asynq.Config{
		Concurrency: 8,
		Queues: map[string]int{
			jobs.QueueWebhooks: 10,
			jobs.QueueDefault:  5,
		},
	})
	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("could not start task server")
	}

	c := cron.New()
	if _, err := c.AddFunc("*/15 * * * *", func() {
		reapCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if n, err := st.ReapStale(reapCtx, time.Duration(cfg.Worker.StaleAfterMin)*time.Minute); err != nil {
			logger.Warn().Err(err).Msg("stale reap failed")
		} else if n > 0 {
			logger.Info().Int64("items", n).Msg("reaped stale queue items")
		}
	}); err != nil {
		logger.Fatal().Err(err).Msg("could not schedule stale reaper")
	}
	if _, err := c.AddFunc("@hourly", func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if n, err := fetcher.Sweep(sweepCtx, 50); err != nil {
			logger.Warn().Err(err).Msg("weather sweep failed")
		} else if n > 0 {
			logger.Info().Int("fetched", n).Msg("weather backfilled")
		}
	}); err != nil {
		logger.Fatal().Err(err).Msg("could not schedule weather sweep")
	}
	c.Start()

	logger.Info().Msg("worker running")
	<-ctx.Done()
	logger.Info().Msg("shutting down")

	c.Stop()
	srv.Shutdown()
	scheduler.Stop()
}
