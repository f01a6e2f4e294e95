package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stridesync/stridesync/internal/jobs"
	"github.com/stridesync/stridesync/internal/quota"
	"github.com/stridesync/stridesync/internal/store"
	"github.com/stridesync/stridesync/internal/strava"
)

type fakeStore struct {
	activity    *store.Activity
	unenriched  []int64
	enqueued    []int64
	prioritized []int64
	counts      store.QueueCounts
	position    int64
	segs        []store.Segment
	weather     *store.WeatherRecord
	days        []store.TrainingLoadDay
	typeSet     string
}

func (f *fakeStore) GetActivity(ctx context.Context, id int64) (*store.Activity, error) {
	if f.activity != nil && f.activity.ID == id {
		return f.activity, nil
	}
	return nil, nil
}

func (f *fakeStore) UpdateActivityType(ctx context.Context, id int64, sport string) error {
	f.typeSet = sport
	return nil
}

func (f *fakeStore) UnenrichedActivityIDs(ctx context.Context, userID uuid.UUID, limit int) ([]int64, error) {
	if len(f.unenriched) > limit {
		return f.unenriched[:limit], nil
	}
	return f.unenriched, nil
}

func (f *fakeStore) Enqueue(ctx context.Context, activityID int64, userID uuid.UUID, priority, maxAttempts int) (bool, error) {
	f.enqueued = append(f.enqueued, activityID)
	return true, nil
}

func (f *fakeStore) Prioritize(ctx context.Context, activityID int64, userID uuid.UUID, maxAttempts int) (bool, error) {
	f.prioritized = append(f.prioritized, activityID)
	return true, nil
}

func (f *fakeStore) StatusForUser(ctx context.Context, userID uuid.UUID) (store.QueueCounts, error) {
	return f.counts, nil
}

func (f *fakeStore) QueuePosition(ctx context.Context, userID uuid.UUID) (int64, error) {
	return f.position, nil
}

func (f *fakeStore) FailedItems(ctx context.Context, userID uuid.UUID) ([]store.QueueItem, error) {
	return nil, nil
}

func (f *fakeStore) SegmentsForActivity(ctx context.Context, activityID int64) ([]store.Segment, error) {
	return f.segs, nil
}

func (f *fakeStore) SegmentedActivityCount(ctx context.Context) (int64, error) {
	return int64(len(f.segs)), nil
}

func (f *fakeStore) GetWeather(ctx context.Context, activityID int64) (*store.WeatherRecord, error) {
	return f.weather, nil
}

func (f *fakeStore) WeatherCount(ctx context.Context) (int64, error) { return 4, nil }

func (f *fakeStore) TrainingLoadDays(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]store.TrainingLoadDay, error) {
	return f.days, nil
}

type fakeRouteEnricher struct {
	err   error
	calls []int64
}

func (f *fakeRouteEnricher) EnrichActivity(ctx context.Context, activityID int64, userID uuid.UUID) error {
	f.calls = append(f.calls, activityID)
	return f.err
}

type fakeSegmenter struct{ processed []int64 }

func (f *fakeSegmenter) ProcessActivity(ctx context.Context, activityID int64) error {
	f.processed = append(f.processed, activityID)
	return nil
}

func (f *fakeSegmenter) ProcessBacklog(ctx context.Context, limit int) (int, error) {
	return 3, nil
}

type fakeLoads struct{ days []store.TrainingLoadDay }

func (f *fakeLoads) Compute(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]store.TrainingLoadDay, error) {
	return f.days, nil
}

type fakeWeather struct{}

func (f *fakeWeather) ProcessActivity(ctx context.Context, activityID int64) error { return nil }
func (f *fakeWeather) Sweep(ctx context.Context, limit int) (int, error)           { return 2, nil }

type fakeQuota struct{ status quota.Status }

func (f *fakeQuota) CurrentStatus(ctx context.Context) quota.Status { return f.status }

type fakeTasks struct{ tasks []*asynq.Task }

func (f *fakeTasks) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{}, nil
}

type fixture struct {
	srv      *Server
	store    *fakeStore
	enricher *fakeRouteEnricher
	tasks    *fakeTasks
	userID   uuid.UUID
}

func newFixture() *fixture {
	st := &fakeStore{}
	en := &fakeRouteEnricher{}
	tasks := &fakeTasks{}
	srv := New(Options{
		Store:    st,
		Enricher: en,
		Segments: &fakeSegmenter{},
		Loads:    &fakeLoads{},
		Weather:  &fakeWeather{},
		Quota:    &fakeQuota{status: quota.Status{DailyUsed: 3, DailyLimit: 1000}},
		Tasks:    tasks,
		Log:      zerolog.Nop(),
	})
	return &fixture{srv: srv, store: st, enricher: en, tasks: tasks, userID: uuid.New()}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("X-User-ID", f.userID.String())
	rec := httptest.NewRecorder()
	f.srv.Router.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	f := newFixture()
	req := httptest.NewRequest(http.MethodGet, "/enrichment/queue-status", nil)
	rec := httptest.NewRecorder()
	f.srv.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthzIsPublic(t *testing.T) {
	f := newFixture()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.srv.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEnrichOne(t *testing.T) {
	f := newFixture()
	f.store.activity = &store.Activity{ID: 7, UserID: f.userID}

	rec := f.do(http.MethodPost, "/activities/7/enrich", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{7}, f.enricher.calls)
}

func TestEnrichOneQuotaExhausted(t *testing.T) {
	f := newFixture()
	f.store.activity = &store.Activity{ID: 7, UserID: f.userID}
	f.enricher.err = strava.ErrQuotaExhausted

	rec := f.do(http.MethodPost, "/activities/7/enrich", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestEnrichOneWrongOwner(t *testing.T) {
	f := newFixture()
	f.store.activity = &store.Activity{ID: 7, UserID: uuid.New()}

	rec := f.do(http.MethodPost, "/activities/7/enrich", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, f.enricher.calls)
}

func TestEnrichOneNotFound(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/activities/7/enrich", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnrichBatchStopsOnQuota(t *testing.T) {
	f := newFixture()
	f.store.unenriched = []int64{1, 2, 3}
	f.enricher.err = strava.ErrQuotaExhausted

	rec := f.do(http.MethodPost, "/activities/enrich-batch?max=3", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 0, out["enriched"])
	assert.Len(t, f.enricher.calls, 1, "the batch stops at the first quota error")
}

func TestEnrichBatchCapsMax(t *testing.T) {
	f := newFixture()
	for i := int64(1); i <= 100; i++ {
		f.store.unenriched = append(f.store.unenriched, i)
	}

	rec := f.do(http.MethodPost, "/activities/enrich-batch?max=500", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, f.enricher.calls, maxBatchMax)
}

func TestPrioritizeWakesScheduler(t *testing.T) {
	f := newFixture()
	f.store.activity = &store.Activity{ID: 7, UserID: f.userID}

	rec := f.do(http.MethodPost, "/activities/7/prioritize", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{7}, f.store.prioritized)

	require.Len(t, f.tasks.tasks, 1)
	assert.Equal(t, jobs.TaskWakeSchedule, f.tasks.tasks[0].Type())
}

func TestAutoEnrichStart(t *testing.T) {
	f := newFixture()
	f.store.unenriched = []int64{4, 5, 6}

	rec := f.do(http.MethodPost, "/activities/auto-enrich/start", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []int64{4, 5, 6}, f.store.enqueued)
	require.Len(t, f.tasks.tasks, 1)
	assert.Equal(t, jobs.TaskWakeSchedule, f.tasks.tasks[0].Type())
}

func TestSyncQueuesTask(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/activities/sync", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.tasks.tasks, 1)
	assert.Equal(t, jobs.TaskSyncUser, f.tasks.tasks[0].Type())

	var payload jobs.SyncUserPayload
	require.NoError(t, json.Unmarshal(f.tasks.tasks[0].Payload(), &payload))
	assert.Equal(t, f.userID.String(), payload.UserID)
}

func TestUpdateTypeValidation(t *testing.T) {
	f := newFixture()
	f.store.activity = &store.Activity{ID: 7, UserID: f.userID}

	rec := f.do(http.MethodPatch, "/activities/7/type", `{"type":"skydiving"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPatch, "/activities/7/type", `{"type":"trail_run"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "trail_run", f.store.typeSet)
}

func TestQueueStatus(t *testing.T) {
	f := newFixture()
	f.store.counts = store.QueueCounts{Pending: 2, Completed: 5}

	rec := f.do(http.MethodGet, "/enrichment/queue-status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.EqualValues(t, 2, out["pending"])
	assert.EqualValues(t, 5, out["completed"])
}

func TestQueuePosition(t *testing.T) {
	f := newFixture()
	f.store.position = 11

	rec := f.do(http.MethodGet, "/enrichment/queue-position", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, int64(11), out["position"])
}

func TestSegmentsProcessOne(t *testing.T) {
	f := newFixture()
	f.store.activity = &store.Activity{ID: 7, UserID: f.userID}

	rec := f.do(http.MethodPost, "/segments/process/7", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSegmentsBacklog(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/segments/process", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 3, out["processed"])
}

func TestTrainingLoadBadRange(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodGet, "/training-load?from=tuesday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWeatherGetMissing(t *testing.T) {
	f := newFixture()
	f.store.activity = &store.Activity{ID: 7, UserID: f.userID}

	rec := f.do(http.MethodGet, "/weather/7", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWeatherEnrich(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/weather/enrich", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 2, out["fetched"])
}

func TestQuotaStatus(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodGet, "/strava/quota", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st quota.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 3, st.DailyUsed)
	assert.Equal(t, 1000, st.DailyLimit)
}
