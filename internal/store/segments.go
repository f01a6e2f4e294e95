package store

import (
	"context"
	"fmt"
)

// ReplaceSegments atomically swaps all segments and their features for an
// activity. Re-running with the same inputs produces identical rows.
func (s *Store) ReplaceSegments(ctx context.Context, activityID int64, segs []Segment, feats []SegmentFeatures) error {
	if len(segs) != len(feats) {
		return fmt.Errorf("replace segments: %d segments but %d feature rows", len(segs), len(feats))
	}
	return s.InTx(ctx, func(tx *Store) error {
		if _, err := tx.db.Exec(ctx,
			`DELETE FROM segments WHERE activity_id = $1`, activityID); err != nil {
			return fmt.Errorf("delete segments for activity %d: %w", activityID, err)
		}
		for i := range segs {
			seg := &segs[i]
			if _, err := tx.db.Exec(ctx, `
				INSERT INTO segments (activity_id, user_id, segment_index, distance_m, elapsed_s,
					pace_min_per_km, avg_grade, elevation_gain_m, elevation_loss_m,
					avg_hr, avg_cadence, mid_lat, mid_lon, avg_altitude_m)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
				seg.ActivityID, seg.UserID, seg.SegmentIndex, seg.DistanceM, seg.ElapsedS,
				seg.PaceMinPerKm, seg.AvgGrade, seg.ElevationGainM, seg.ElevationLossM,
				seg.AvgHR, seg.AvgCadence, seg.MidLat, seg.MidLon, seg.AvgAltitudeM); err != nil {
				return fmt.Errorf("insert segment %d/%d: %w", activityID, seg.SegmentIndex, err)
			}
			f := &feats[i]
			if _, err := tx.db.Exec(ctx, `
				INSERT INTO segment_features (activity_id, segment_index, cumulative_distance_km,
					cumulative_elapsed_min, cumulative_gain_m, cumulative_loss_m,
					race_completion_pct, intensity_proxy, minetti_cost_j_per_kg_m,
					cardiac_drift_pct, cadence_decay_pct, grade_variability, efficiency_factor)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
				f.ActivityID, f.SegmentIndex, f.CumulativeDistanceKm, f.CumulativeElapsedMin,
				f.CumulativeGainM, f.CumulativeLossM, f.RaceCompletionPct, f.IntensityProxy,
				f.MinettiCostJPerKgM, f.CardiacDriftPct, f.CadenceDecayPct,
				f.GradeVariability, f.EfficiencyFactor); err != nil {
				return fmt.Errorf("insert segment features %d/%d: %w", activityID, f.SegmentIndex, err)
			}
		}
		return nil
	})
}

// SegmentsForActivity returns the contiguous segment rows for an activity.
func (s *Store) SegmentsForActivity(ctx context.Context, activityID int64) ([]Segment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT activity_id, user_id, segment_index, distance_m, elapsed_s, pace_min_per_km,
		       avg_grade, elevation_gain_m, elevation_loss_m, avg_hr, avg_cadence,
		       mid_lat, mid_lon, avg_altitude_m
		FROM segments WHERE activity_id = $1 ORDER BY segment_index`,
		activityID)
	if err != nil {
		return nil, fmt.Errorf("segments for activity %d: %w", activityID, err)
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.ActivityID, &seg.UserID, &seg.SegmentIndex, &seg.DistanceM,
			&seg.ElapsedS, &seg.PaceMinPerKm, &seg.AvgGrade, &seg.ElevationGainM,
			&seg.ElevationLossM, &seg.AvgHR, &seg.AvgCadence, &seg.MidLat, &seg.MidLon,
			&seg.AvgAltitudeM); err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// SegmentedActivityCount reports how many activities have segments, for
// the segment status endpoint.
func (s *Store) SegmentedActivityCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx,
		`SELECT count(DISTINCT activity_id) FROM segments`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("segmented activity count: %w", err)
	}
	return n, nil
}

// UnsegmentedActivityIDs lists activities that have streams but no
// segments yet.
func (s *Store) UnsegmentedActivityIDs(ctx context.Context, limit int) ([]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT a.id FROM activities a
		WHERE a.streams IS NOT NULL
		  AND a.streams::text <> '"null"'
		  AND NOT EXISTS (SELECT 1 FROM segments sg WHERE sg.activity_id = a.id)
		ORDER BY a.start_time DESC
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("unsegmented activities: %w", err)
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
