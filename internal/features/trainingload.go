// Package features computes per-day training load: an intensity proxy
// from segments, Edwards TRIMP from heart-rate samples, and the Banister
// impulse-response rollups (CTL, ATL, TSB) over both series.
package features

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stridesync/stridesync/internal/store"
	"github.com/stridesync/stridesync/internal/streams"
)

// Banister time constants, in days.
const (
	ctlTau = 42.0
	atlTau = 7.0
)

const dayFormat = "2006-01-02"

// Store is the persistence surface training-load computation needs.
type Store interface {
	GetUser(ctx context.Context, id uuid.UUID) (*store.User, error)
	ActivitiesForUserInRange(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]store.Activity, error)
	SegmentLoadForRange(ctx context.Context, userID uuid.UUID, from, to time.Time) (map[string]float64, error)
	UpsertTrainingLoadDay(ctx context.Context, d *store.TrainingLoadDay) error
}

// Calculator produces TrainingLoadDay rows for a user and date range.
type Calculator struct {
	store Store
	log   zerolog.Logger
}

// NewCalculator builds a training-load calculator over the store.
func NewCalculator(st Store, log zerolog.Logger) *Calculator {
	return &Calculator{
		store: st,
		log:   log.With().Str("component", "features").Logger(),
	}
}

// Compute upserts exactly one row per calendar day in [from, to]. Both
// bounds are truncated to UTC days. Re-running over the same data writes
// identical rows.
func (c *Calculator) Compute(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]store.TrainingLoadDay, error) {
	user, err := c.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	first := from.UTC().Truncate(24 * time.Hour)
	last := to.UTC().Truncate(24 * time.Hour)

	intensityByDay, err := c.store.SegmentLoadForRange(ctx, userID, first, last.Add(24*time.Hour))
	if err != nil {
		return nil, err
	}
	trimpByDay, err := c.trimpByDay(ctx, userID, user, first, last.Add(24*time.Hour))
	if err != nil {
		return nil, err
	}

	var days []store.TrainingLoadDay
	var intensity, trimp rollup
	for day := first; !day.After(last); day = day.Add(24 * time.Hour) {
		key := day.Format(dayFormat)

		row := store.TrainingLoadDay{UserID: userID, Day: day}
		row.IntensityLoad = intensityByDay[key]
		row.IntensityCTL, row.IntensityATL, row.IntensityTSB = intensity.step(row.IntensityLoad)

		load, ok := trimpByDay[key]
		if !ok && userMaxHRKnown(user) {
			// an idle day with a configured max heart rate carries zero
			// load, not an unknown one
			ok = true
		}
		if ok {
			ctl, atl, tsb := trimp.step(load)
			row.TrimpLoad = &load
			row.TrimpCTL = &ctl
			row.TrimpATL = &atl
			row.TrimpTSB = &tsb
		} else {
			// no max heart rate known: keep the series rolling on zero load
			trimp.step(0)
		}

		if err := c.store.UpsertTrainingLoadDay(ctx, &row); err != nil {
			return nil, err
		}
		days = append(days, row)
	}

	c.log.Info().Str("user_id", userID.String()).Int("days", len(days)).Msg("training load computed")
	return days, nil
}

// trimpByDay sums Edwards TRIMP per calendar day over the user's
// activities. Days whose activities all lack a usable max heart rate are
// absent from the map.
func (c *Calculator) trimpByDay(ctx context.Context, userID uuid.UUID, user *store.User, from, to time.Time) (map[string]float64, error) {
	acts, err := c.store.ActivitiesForUserInRange(ctx, userID, from, to)
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	for i := range acts {
		act := &acts[i]
		maxHR := activityMaxHR(act, user)
		if maxHR <= 0 {
			continue
		}
		set, ok := streams.Decode(act.Streams)
		if !ok || len(set.Heartrate) == 0 || len(set.Time) != len(set.Heartrate) {
			continue
		}
		key := act.StartTime.UTC().Format(dayFormat)
		out[key] += EdwardsTrimp(set.Time, set.Heartrate, maxHR)
	}
	return out, nil
}

func userMaxHRKnown(user *store.User) bool {
	return user != nil && user.MaxHR != nil && *user.MaxHR > 0
}

// activityMaxHR prefers the activity's own recorded max over the user's
// configured one.
func activityMaxHR(act *store.Activity, user *store.User) float64 {
	if act.MaxHR != nil && *act.MaxHR > 0 {
		return *act.MaxHR
	}
	if user != nil && user.MaxHR != nil && *user.MaxHR > 0 {
		return float64(*user.MaxHR)
	}
	return 0
}

// EdwardsTrimp accumulates (sample minutes) x (zone coefficient) over the
// heart-rate series. Zones start at 50% of max heart rate and step every
// ten percentage points.
func EdwardsTrimp(tm, hr []float64, maxHR float64) float64 {
	total := 0.0
	for i := 1; i < len(hr) && i < len(tm); i++ {
		dt := tm[i] - tm[i-1]
		if dt <= 0 {
			continue
		}
		total += dt / 60 * float64(zoneCoefficient(hr[i]/maxHR))
	}
	return total
}

func zoneCoefficient(frac float64) int {
	switch {
	case frac < 0.5:
		return 0
	case frac < 0.6:
		return 1
	case frac < 0.7:
		return 2
	case frac < 0.8:
		return 3
	case frac < 0.9:
		return 4
	default:
		return 5
	}
}

// rollup carries the Banister recursion state across days.
type rollup struct {
	ctl, atl float64
}

func (r *rollup) step(load float64) (ctl, atl, tsb float64) {
	r.ctl = r.ctl*math.Exp(-1/ctlTau) + load*(1-math.Exp(-1/ctlTau))
	r.atl = r.atl*math.Exp(-1/atlTau) + load*(1-math.Exp(-1/atlTau))
	return r.ctl, r.atl, r.ctl - r.atl
}
