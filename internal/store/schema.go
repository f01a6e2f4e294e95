package store

import "context"

// schema is applied in order at startup. Statements are idempotent so a
// restart against an existing database is a no-op.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		strava_athlete_id BIGINT UNIQUE,
		access_token TEXT,
		refresh_token TEXT,
		token_expiry TIMESTAMPTZ,
		max_hr INT,
		last_synced_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS activities (
		id BIGSERIAL PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		upstream_id BIGINT UNIQUE,
		device_id TEXT,
		name TEXT NOT NULL DEFAULT '',
		sport TEXT NOT NULL DEFAULT 'run',
		start_time TIMESTAMPTZ NOT NULL,
		start_time_local TIMESTAMPTZ,
		distance_m DOUBLE PRECISION NOT NULL DEFAULT 0,
		moving_time_s INT NOT NULL DEFAULT 0,
		elapsed_time_s INT NOT NULL DEFAULT 0,
		elevation_gain_m DOUBLE PRECISION,
		average_speed DOUBLE PRECISION,
		max_speed DOUBLE PRECISION,
		average_hr DOUBLE PRECISION,
		max_hr DOUBLE PRECISION,
		average_cadence DOUBLE PRECISION,
		average_watts DOUBLE PRECISION,
		polyline TEXT,
		streams JSONB,
		laps JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS activities_user_start ON activities (user_id, start_time)`,
	`CREATE TABLE IF NOT EXISTS enrichment_queue (
		id BIGSERIAL PRIMARY KEY,
		activity_id BIGINT NOT NULL REFERENCES activities(id) ON DELETE CASCADE,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		priority INT NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INT NOT NULL DEFAULT 0,
		max_attempts INT NOT NULL DEFAULT 3,
		next_retry_at TIMESTAMPTZ,
		last_error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	// at most one live queue item per activity
	`CREATE UNIQUE INDEX IF NOT EXISTS enrichment_queue_active
		ON enrichment_queue (activity_id)
		WHERE status IN ('pending', 'in_progress')`,
	`CREATE INDEX IF NOT EXISTS enrichment_queue_ready
		ON enrichment_queue (user_id, priority, created_at)
		WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS segments (
		activity_id BIGINT NOT NULL REFERENCES activities(id) ON DELETE CASCADE,
		user_id UUID NOT NULL,
		segment_index INT NOT NULL,
		distance_m DOUBLE PRECISION NOT NULL,
		elapsed_s DOUBLE PRECISION NOT NULL,
		pace_min_per_km DOUBLE PRECISION NOT NULL,
		avg_grade DOUBLE PRECISION,
		elevation_gain_m DOUBLE PRECISION,
		elevation_loss_m DOUBLE PRECISION,
		avg_hr DOUBLE PRECISION,
		avg_cadence DOUBLE PRECISION,
		mid_lat DOUBLE PRECISION,
		mid_lon DOUBLE PRECISION,
		avg_altitude_m DOUBLE PRECISION,
		PRIMARY KEY (activity_id, segment_index)
	)`,
	`CREATE TABLE IF NOT EXISTS segment_features (
		activity_id BIGINT NOT NULL,
		segment_index INT NOT NULL,
		cumulative_distance_km DOUBLE PRECISION NOT NULL,
		cumulative_elapsed_min DOUBLE PRECISION NOT NULL,
		cumulative_gain_m DOUBLE PRECISION NOT NULL,
		cumulative_loss_m DOUBLE PRECISION NOT NULL,
		race_completion_pct DOUBLE PRECISION NOT NULL,
		intensity_proxy DOUBLE PRECISION,
		minetti_cost_j_per_kg_m DOUBLE PRECISION,
		cardiac_drift_pct DOUBLE PRECISION,
		cadence_decay_pct DOUBLE PRECISION,
		grade_variability DOUBLE PRECISION,
		efficiency_factor DOUBLE PRECISION,
		PRIMARY KEY (activity_id, segment_index),
		FOREIGN KEY (activity_id, segment_index)
			REFERENCES segments(activity_id, segment_index) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS weather (
		activity_id BIGINT PRIMARY KEY REFERENCES activities(id) ON DELETE CASCADE,
		temperature_c DOUBLE PRECISION,
		humidity_pct DOUBLE PRECISION,
		wind_speed_kmh DOUBLE PRECISION,
		wind_direction_deg DOUBLE PRECISION,
		pressure_hpa DOUBLE PRECISION,
		precipitation_mm DOUBLE PRECISION,
		cloud_cover_pct DOUBLE PRECISION,
		condition_code INT,
		observed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS training_load_days (
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		day DATE NOT NULL,
		intensity_load DOUBLE PRECISION NOT NULL DEFAULT 0,
		intensity_ctl DOUBLE PRECISION NOT NULL DEFAULT 0,
		intensity_atl DOUBLE PRECISION NOT NULL DEFAULT 0,
		intensity_tsb DOUBLE PRECISION NOT NULL DEFAULT 0,
		trimp_load DOUBLE PRECISION,
		trimp_ctl DOUBLE PRECISION,
		trimp_atl DOUBLE PRECISION,
		trimp_tsb DOUBLE PRECISION,
		resting_hr_delta DOUBLE PRECISION,
		PRIMARY KEY (user_id, day)
	)`,
}

// Migrate applies the schema. Safe to call on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
