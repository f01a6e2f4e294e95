package enrich

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stridesync/stridesync/internal/store"
	"github.com/stridesync/stridesync/internal/strava"
)

// syncBackdate is subtracted from the last sync cursor so activities
// uploaded late (device sync lag) are not missed.
const syncBackdate = 12 * time.Hour

// Lister is the upstream list endpoint the syncer consumes.
type Lister interface {
	AthleteActivities(ctx context.Context, userID uuid.UUID, after time.Time, page int) ([]strava.ActivitySummary, error)
}

// SyncStore is the store surface the delta sync writes through.
type SyncStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*store.User, error)
	UpsertSummary(ctx context.Context, a *store.Activity) (int64, error)
	GetActivityByUpstreamID(ctx context.Context, upstreamID int64) (*store.Activity, error)
	Enqueue(ctx context.Context, activityID int64, userID uuid.UUID, priority, maxAttempts int) (bool, error)
	UpdateLastSyncedAt(ctx context.Context, id uuid.UUID, t time.Time) error
}

// Syncer pulls a user's recent upstream activities, persists summaries,
// and queues anything new for enrichment.
type Syncer struct {
	client      Lister
	store       SyncStore
	maxAttempts int
	log         zerolog.Logger
}

// NewSyncer wires a delta syncer.
func NewSyncer(client Lister, st SyncStore, maxAttempts int, log zerolog.Logger) *Syncer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Syncer{
		client:      client,
		store:       st,
		maxAttempts: maxAttempts,
		log:         log.With().Str("component", "sync").Logger(),
	}
}

// SyncUser walks the upstream activity list after the user's cursor and
// upserts each summary, enqueueing newly seen activities. since overrides
// the stored cursor when non-zero. Returns how many were queued.
func (s *Syncer) SyncUser(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if user == nil {
		return 0, fmt.Errorf("sync: unknown user %s", userID)
	}

	after := since
	if after.IsZero() {
		if user.LastSyncedAt != nil {
			after = user.LastSyncedAt.Add(-syncBackdate)
		} else {
			// first sync pulls the trailing year
			after = time.Now().AddDate(-1, 0, 0)
		}
	}

	started := time.Now()
	queued := 0
	for page := 1; ; page++ {
		summaries, err := s.client.AthleteActivities(ctx, userID, after, page)
		if err != nil {
			return queued, fmt.Errorf("list activities page %d: %w", page, err)
		}
		if len(summaries) == 0 {
			break
		}
		for i := range summaries {
			n, err := s.ingest(ctx, userID, &summaries[i])
			if err != nil {
				s.log.Warn().Err(err).Int64("upstream_id", summaries[i].ID).Msg("could not ingest summary")
				continue
			}
			queued += n
		}
	}

	if err := s.store.UpdateLastSyncedAt(ctx, userID, started); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID.String()).Msg("could not advance sync cursor")
	}
	s.log.Info().Str("user_id", userID.String()).Int("queued", queued).Msg("delta sync finished")
	return queued, nil
}

// ingest persists one summary and enqueues it when it is new. Returns 1
// when a queue item was created.
func (s *Syncer) ingest(ctx context.Context, userID uuid.UUID, sum *strava.ActivitySummary) (int, error) {
	existing, err := s.store.GetActivityByUpstreamID(ctx, sum.ID)
	if err != nil {
		return 0, err
	}

	act, err := SummaryToActivity(userID, sum)
	if err != nil {
		return 0, err
	}
	id, err := s.store.UpsertSummary(ctx, act)
	if err != nil {
		return 0, err
	}

	if existing != nil {
		return 0, nil
	}
	ok, err := s.store.Enqueue(ctx, id, userID, 10, s.maxAttempts)
	if err != nil {
		return 0, err
	}
	if ok {
		return 1, nil
	}
	return 0, nil
}

// SummaryToActivity maps an upstream summary onto an activity row.
func SummaryToActivity(userID uuid.UUID, sum *strava.ActivitySummary) (*store.Activity, error) {
	startTime, err := time.Parse(time.RFC3339, sum.StartDate)
	if err != nil {
		return nil, fmt.Errorf("parse start date %q: %w", sum.StartDate, err)
	}

	act := &store.Activity{
		UserID:         userID,
		UpstreamID:     &sum.ID,
		Name:           sum.Name,
		Sport:          mapSport(sum),
		StartTime:      startTime,
		DistanceM:      sum.Distance,
		MovingTimeS:    sum.MovingTime,
		ElapsedTimeS:   sum.ElapsedTime,
		AverageHR:      sum.AverageHeartrate,
		MaxHR:          sum.MaxHeartrate,
		AverageCadence: sum.AverageCadence,
		AverageWatts:   sum.AverageWatts,
	}
	if local, err := time.Parse(time.RFC3339, sum.StartDateLocal); err == nil {
		act.StartTimeLocal = &local
	}
	if sum.TotalElevationGain > 0 {
		g := sum.TotalElevationGain
		act.ElevationGainM = &g
	}
	if sum.AverageSpeed > 0 {
		v := sum.AverageSpeed
		act.AverageSpeed = &v
	}
	if sum.MaxSpeed > 0 {
		v := sum.MaxSpeed
		act.MaxSpeed = &v
	}
	if p := sum.Polyline(); p != "" {
		act.Polyline = &p
	}
	return act, nil
}

// mapSport folds the provider's sport taxonomy into ours. Unknown sports
// keep the provider name lowercased so nothing is silently dropped.
func mapSport(sum *strava.ActivitySummary) string {
	t := sum.SportType
	if t == "" {
		t = sum.Type
	}
	switch t {
	case "Run", "VirtualRun":
		return store.TypeRun
	case "TrailRun":
		return store.TypeTrailRun
	case "Ride", "VirtualRide", "GravelRide", "MountainBikeRide", "EBikeRide":
		return store.TypeRide
	case "Swim", "OpenWaterSwim":
		return store.TypeSwim
	case "Walk", "Hike":
		return store.TypeWalk
	}
	return strings.ToLower(t)
}
