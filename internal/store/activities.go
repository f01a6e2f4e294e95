package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const activityColumns = `id, user_id, upstream_id, device_id, name, sport,
	start_time, start_time_local, distance_m, moving_time_s, elapsed_time_s,
	elevation_gain_m, average_speed, max_speed, average_hr, max_hr,
	average_cadence, average_watts, polyline, streams, laps, created_at, updated_at`

func scanActivity(row pgx.Row) (*Activity, error) {
	var a Activity
	err := row.Scan(&a.ID, &a.UserID, &a.UpstreamID, &a.DeviceID, &a.Name, &a.Sport,
		&a.StartTime, &a.StartTimeLocal, &a.DistanceM, &a.MovingTimeS, &a.ElapsedTimeS,
		&a.ElevationGainM, &a.AverageSpeed, &a.MaxSpeed, &a.AverageHR, &a.MaxHR,
		&a.AverageCadence, &a.AverageWatts, &a.Polyline, &a.Streams, &a.Laps,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetActivity returns the activity or nil when it does not exist.
func (s *Store) GetActivity(ctx context.Context, id int64) (*Activity, error) {
	a, err := scanActivity(s.db.QueryRow(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get activity %d: %w", id, err)
	}
	return a, nil
}

// GetActivityByUpstreamID returns the activity with the given upstream id,
// or nil when unknown.
func (s *Store) GetActivityByUpstreamID(ctx context.Context, upstreamID int64) (*Activity, error) {
	a, err := scanActivity(s.db.QueryRow(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE upstream_id = $1`, upstreamID))
	if err != nil {
		return nil, fmt.Errorf("get activity by upstream id %d: %w", upstreamID, err)
	}
	return a, nil
}

// UpsertSummary inserts or updates an activity from an upstream summary,
// keyed on upstream_id. Enrichment blobs are left untouched on update.
func (s *Store) UpsertSummary(ctx context.Context, a *Activity) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO activities (user_id, upstream_id, name, sport, start_time, start_time_local,
			distance_m, moving_time_s, elapsed_time_s, elevation_gain_m, average_speed,
			max_speed, average_hr, max_hr, average_cadence, average_watts, polyline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (upstream_id) DO UPDATE SET
			name = EXCLUDED.name,
			sport = EXCLUDED.sport,
			start_time = EXCLUDED.start_time,
			start_time_local = COALESCE(EXCLUDED.start_time_local, activities.start_time_local),
			distance_m = EXCLUDED.distance_m,
			moving_time_s = EXCLUDED.moving_time_s,
			elapsed_time_s = EXCLUDED.elapsed_time_s,
			elevation_gain_m = COALESCE(EXCLUDED.elevation_gain_m, activities.elevation_gain_m),
			average_speed = COALESCE(EXCLUDED.average_speed, activities.average_speed),
			max_speed = COALESCE(EXCLUDED.max_speed, activities.max_speed),
			average_hr = COALESCE(EXCLUDED.average_hr, activities.average_hr),
			max_hr = COALESCE(EXCLUDED.max_hr, activities.max_hr),
			average_cadence = COALESCE(EXCLUDED.average_cadence, activities.average_cadence),
			average_watts = COALESCE(EXCLUDED.average_watts, activities.average_watts),
			polyline = COALESCE(EXCLUDED.polyline, activities.polyline),
			updated_at = now()
		RETURNING id`,
		a.UserID, a.UpstreamID, a.Name, a.Sport, a.StartTime, a.StartTimeLocal,
		a.DistanceM, a.MovingTimeS, a.ElapsedTimeS, a.ElevationGainM, a.AverageSpeed,
		a.MaxSpeed, a.AverageHR, a.MaxHR, a.AverageCadence, a.AverageWatts, a.Polyline).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert activity summary: %w", err)
	}
	return id, nil
}

// UpdateEnrichment stores the fetched blobs in one statement so partial
// enrichment never becomes visible.
func (s *Store) UpdateEnrichment(ctx context.Context, id int64, streams, laps []byte, polyline *string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE activities
		SET streams = COALESCE($2, streams),
		    laps = COALESCE($3, laps),
		    polyline = COALESCE($4, polyline),
		    updated_at = now()
		WHERE id = $1`,
		id, streams, laps, polyline)
	if err != nil {
		return fmt.Errorf("update enrichment for activity %d: %w", id, err)
	}
	return nil
}

// UpdateActivityType applies a user type override.
func (s *Store) UpdateActivityType(ctx context.Context, id int64, sport string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE activities SET sport = $2, updated_at = now() WHERE id = $1`, id, sport)
	if err != nil {
		return fmt.Errorf("update activity %d type: %w", id, err)
	}
	return nil
}

// DeleteActivityByUpstreamID removes the activity; queue items, segments,
// features, and weather cascade away with it.
func (s *Store) DeleteActivityByUpstreamID(ctx context.Context, upstreamID int64) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM activities WHERE upstream_id = $1`, upstreamID)
	if err != nil {
		return false, fmt.Errorf("delete activity by upstream id %d: %w", upstreamID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// UnenrichedActivityIDs lists the user's activities without streams,
// oldest first, for auto-enrich.
func (s *Store) UnenrichedActivityIDs(ctx context.Context, userID uuid.UUID, limit int) ([]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM activities
		WHERE user_id = $1 AND (streams IS NULL OR streams::text = '"null"')
		ORDER BY start_time
		LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("unenriched activities for user %s: %w", userID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ActivitiesForUserInRange returns the user's activities whose start time
// falls inside [from, to), ordered by start time.
func (s *Store) ActivitiesForUserInRange(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]Activity, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+activityColumns+` FROM activities
		 WHERE user_id = $1 AND start_time >= $2 AND start_time < $3
		 ORDER BY start_time`,
		userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("activities for user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ActivityIDsMissingWeather lists GPS-capable activities without a
// weather row. The streams check is cheap and conservative; the fetcher
// re-validates GPS presence after decoding.
func (s *Store) ActivityIDsMissingWeather(ctx context.Context, limit int) ([]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT a.id FROM activities a
		LEFT JOIN weather w ON w.activity_id = a.id
		WHERE w.activity_id IS NULL
		  AND a.streams IS NOT NULL
		  AND a.streams::text <> '"null"'
		  AND a.streams ? 'latlng'
		ORDER BY a.start_time DESC
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("activities missing weather: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
