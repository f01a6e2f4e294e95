package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertTrainingLoadDay writes exactly one row per (user, date).
func (s *Store) UpsertTrainingLoadDay(ctx context.Context, d *TrainingLoadDay) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO training_load_days (user_id, day, intensity_load, intensity_ctl,
			intensity_atl, intensity_tsb, trimp_load, trimp_ctl, trimp_atl, trimp_tsb,
			resting_hr_delta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, day) DO UPDATE SET
			intensity_load = EXCLUDED.intensity_load,
			intensity_ctl = EXCLUDED.intensity_ctl,
			intensity_atl = EXCLUDED.intensity_atl,
			intensity_tsb = EXCLUDED.intensity_tsb,
			trimp_load = EXCLUDED.trimp_load,
			trimp_ctl = EXCLUDED.trimp_ctl,
			trimp_atl = EXCLUDED.trimp_atl,
			trimp_tsb = EXCLUDED.trimp_tsb,
			resting_hr_delta = EXCLUDED.resting_hr_delta`,
		d.UserID, d.Day, d.IntensityLoad, d.IntensityCTL, d.IntensityATL, d.IntensityTSB,
		d.TrimpLoad, d.TrimpCTL, d.TrimpATL, d.TrimpTSB, d.RestingHRDelta)
	if err != nil {
		return fmt.Errorf("upsert training load %s/%s: %w", d.UserID, d.Day.Format("2006-01-02"), err)
	}
	return nil
}

// TrainingLoadDays returns the rows for a user inside [from, to], ordered
// by day.
func (s *Store) TrainingLoadDays(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]TrainingLoadDay, error) {
	rows, err := s.db.Query(ctx, `
		SELECT user_id, day, intensity_load, intensity_ctl, intensity_atl, intensity_tsb,
		       trimp_load, trimp_ctl, trimp_atl, trimp_tsb, resting_hr_delta
		FROM training_load_days
		WHERE user_id = $1 AND day >= $2 AND day <= $3
		ORDER BY day`,
		userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("training load days for user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []TrainingLoadDay
	for rows.Next() {
		var d TrainingLoadDay
		if err := rows.Scan(&d.UserID, &d.Day, &d.IntensityLoad, &d.IntensityCTL,
			&d.IntensityATL, &d.IntensityTSB, &d.TrimpLoad, &d.TrimpCTL, &d.TrimpATL,
			&d.TrimpTSB, &d.RestingHRDelta); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SegmentLoadForRange sums avg_hr * distance_km over the user's segments
// grouped by activity day, the per-day intensity proxy input.
func (s *Store) SegmentLoadForRange(ctx context.Context, userID uuid.UUID, from, to time.Time) (map[string]float64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT date_trunc('day', a.start_time)::date, COALESCE(sum(sg.avg_hr * sg.distance_m / 1000.0), 0)
		FROM segments sg
		JOIN activities a ON a.id = sg.activity_id
		WHERE sg.user_id = $1 AND a.start_time >= $2 AND a.start_time < $3 AND sg.avg_hr IS NOT NULL
		GROUP BY 1`,
		userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("segment load for user %s: %w", userID, err)
	}
	defer rows.Close()

	loads := make(map[string]float64)
	for rows.Next() {
		var day time.Time
		var load float64
		if err := rows.Scan(&day, &load); err != nil {
			return nil, err
		}
		loads[day.Format("2006-01-02")] = load
	}
	return loads, rows.Err()
}
