package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// HasWeather reports whether a weather row exists for the activity.
func (s *Store) HasWeather(ctx context.Context, activityID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM weather WHERE activity_id = $1)`, activityID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has weather for activity %d: %w", activityID, err)
	}
	return exists, nil
}

// UpsertWeather stores the single observation for an activity.
func (s *Store) UpsertWeather(ctx context.Context, w *WeatherRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO weather (activity_id, temperature_c, humidity_pct, wind_speed_kmh,
			wind_direction_deg, pressure_hpa, precipitation_mm, cloud_cover_pct,
			condition_code, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (activity_id) DO UPDATE SET
			temperature_c = EXCLUDED.temperature_c,
			humidity_pct = EXCLUDED.humidity_pct,
			wind_speed_kmh = EXCLUDED.wind_speed_kmh,
			wind_direction_deg = EXCLUDED.wind_direction_deg,
			pressure_hpa = EXCLUDED.pressure_hpa,
			precipitation_mm = EXCLUDED.precipitation_mm,
			cloud_cover_pct = EXCLUDED.cloud_cover_pct,
			condition_code = EXCLUDED.condition_code,
			observed_at = EXCLUDED.observed_at`,
		w.ActivityID, w.TemperatureC, w.HumidityPct, w.WindSpeedKmh,
		w.WindDirectionDeg, w.PressureHpa, w.PrecipitationMm, w.CloudCoverPct,
		w.ConditionCode, w.ObservedAt)
	if err != nil {
		return fmt.Errorf("upsert weather for activity %d: %w", w.ActivityID, err)
	}
	return nil
}

// GetWeather returns the observation for an activity, or nil.
func (s *Store) GetWeather(ctx context.Context, activityID int64) (*WeatherRecord, error) {
	var w WeatherRecord
	err := s.db.QueryRow(ctx, `
		SELECT activity_id, temperature_c, humidity_pct, wind_speed_kmh, wind_direction_deg,
		       pressure_hpa, precipitation_mm, cloud_cover_pct, condition_code, observed_at
		FROM weather WHERE activity_id = $1`,
		activityID).Scan(&w.ActivityID, &w.TemperatureC, &w.HumidityPct, &w.WindSpeedKmh,
		&w.WindDirectionDeg, &w.PressureHpa, &w.PrecipitationMm, &w.CloudCoverPct,
		&w.ConditionCode, &w.ObservedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get weather for activity %d: %w", activityID, err)
	}
	return &w, nil
}

// WeatherCount reports how many activities carry an observation.
func (s *Store) WeatherCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM weather`).Scan(&n); err != nil {
		return 0, fmt.Errorf("weather count: %w", err)
	}
	return n, nil
}
