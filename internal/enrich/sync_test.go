package enrich

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stridesync/stridesync/internal/store"
	"github.com/stridesync/stridesync/internal/strava"
)

type fakeLister struct {
	pages [][]strava.ActivitySummary
	after []time.Time
}

func (f *fakeLister) AthleteActivities(ctx context.Context, userID uuid.UUID, after time.Time, page int) ([]strava.ActivitySummary, error) {
	f.after = append(f.after, after)
	if page > len(f.pages) {
		return nil, nil
	}
	return f.pages[page-1], nil
}

type fakeSyncStore struct {
	user       *store.User
	byUpstream map[int64]*store.Activity
	nextID     int64
	enqueued   []int64
	cursor     *time.Time
}

func newFakeSyncStore(u *store.User) *fakeSyncStore {
	return &fakeSyncStore{user: u, byUpstream: map[int64]*store.Activity{}}
}

func (f *fakeSyncStore) GetUser(ctx context.Context, id uuid.UUID) (*store.User, error) {
	if f.user != nil && f.user.ID == id {
		return f.user, nil
	}
	return nil, nil
}

func (f *fakeSyncStore) GetActivityByUpstreamID(ctx context.Context, upstreamID int64) (*store.Activity, error) {
	return f.byUpstream[upstreamID], nil
}

func (f *fakeSyncStore) UpsertSummary(ctx context.Context, a *store.Activity) (int64, error) {
	if existing, ok := f.byUpstream[*a.UpstreamID]; ok {
		a.ID = existing.ID
		f.byUpstream[*a.UpstreamID] = a
		return existing.ID, nil
	}
	f.nextID++
	a.ID = f.nextID
	f.byUpstream[*a.UpstreamID] = a
	return a.ID, nil
}

func (f *fakeSyncStore) Enqueue(ctx context.Context, activityID int64, userID uuid.UUID, priority, maxAttempts int) (bool, error) {
	f.enqueued = append(f.enqueued, activityID)
	return true, nil
}

func (f *fakeSyncStore) UpdateLastSyncedAt(ctx context.Context, id uuid.UUID, t time.Time) error {
	f.cursor = &t
	return nil
}

func summary(id int64, sport string) strava.ActivitySummary {
	return strava.ActivitySummary{
		ID:          id,
		Name:        "morning run",
		SportType:   sport,
		StartDate:   "2026-08-20T07:00:00Z",
		Distance:    5000,
		MovingTime:  1500,
		ElapsedTime: 1550,
	}
}

func TestSyncUserQueuesNewActivities(t *testing.T) {
	userID := uuid.New()
	st := newFakeSyncStore(&store.User{ID: userID})
	lister := &fakeLister{pages: [][]strava.ActivitySummary{
		{summary(101, "Run"), summary(102, "Ride")},
		{summary(103, "Run")},
	}}

	s := NewSyncer(lister, st, 3, zerolog.Nop())
	queued, err := s.SyncUser(context.Background(), userID, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, 3, queued)
	assert.Len(t, st.byUpstream, 3)
	require.NotNil(t, st.cursor)
	assert.WithinDuration(t, time.Now(), *st.cursor, time.Minute)
}

func TestSyncUserSkipsKnownActivities(t *testing.T) {
	userID := uuid.New()
	st := newFakeSyncStore(&store.User{ID: userID})
	lister := &fakeLister{pages: [][]strava.ActivitySummary{{summary(101, "Run")}}}

	s := NewSyncer(lister, st, 3, zerolog.Nop())
	queued, err := s.SyncUser(context.Background(), userID, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, queued)

	// second pass re-upserts but does not enqueue again
	lister.pages = [][]strava.ActivitySummary{{summary(101, "Run")}}
	queued, err = s.SyncUser(context.Background(), userID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, queued)
	assert.Len(t, st.enqueued, 1)
}

func TestSyncUserBackdatesCursor(t *testing.T) {
	userID := uuid.New()
	last := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	st := newFakeSyncStore(&store.User{ID: userID, LastSyncedAt: &last})
	lister := &fakeLister{}

	s := NewSyncer(lister, st, 3, zerolog.Nop())
	_, err := s.SyncUser(context.Background(), userID, time.Time{})
	require.NoError(t, err)

	require.NotEmpty(t, lister.after)
	assert.Equal(t, last.Add(-12*time.Hour), lister.after[0])
}

func TestSyncUserUnknownUser(t *testing.T) {
	st := newFakeSyncStore(nil)
	s := NewSyncer(&fakeLister{}, st, 3, zerolog.Nop())
	_, err := s.SyncUser(context.Background(), uuid.New(), time.Time{})
	assert.Error(t, err)
}

func TestMapSport(t *testing.T) {
	cases := map[string]string{
		"Run":        store.TypeRun,
		"VirtualRun": store.TypeRun,
		"TrailRun":   store.TypeTrailRun,
		"Ride":       store.TypeRide,
		"GravelRide": store.TypeRide,
		"Swim":       store.TypeSwim,
		"Hike":       store.TypeWalk,
		"NordicSki":  "nordicski",
	}
	for in, want := range cases {
		sum := summary(1, in)
		assert.Equal(t, want, mapSport(&sum), in)
	}
}

func TestSummaryToActivity(t *testing.T) {
	userID := uuid.New()
	sum := summary(42, "Run")
	sum.TotalElevationGain = 120
	sum.StartDateLocal = "2026-08-20T09:00:00Z"

	act, err := SummaryToActivity(userID, &sum)
	require.NoError(t, err)
	assert.Equal(t, int64(42), *act.UpstreamID)
	assert.Equal(t, store.TypeRun, act.Sport)
	assert.Equal(t, 5000.0, act.DistanceM)
	require.NotNil(t, act.ElevationGainM)
	assert.Equal(t, 120.0, *act.ElevationGainM)
	require.NotNil(t, act.StartTimeLocal)

	sum.StartDate = "not a date"
	_, err = SummaryToActivity(userID, &sum)
	assert.Error(t, err)
}
