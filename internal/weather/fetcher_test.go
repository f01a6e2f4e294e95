package weather

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stridesync/stridesync/internal/store"
)

type fakeWeatherStore struct {
	activity *store.Activity
	has      bool
	stored   *store.WeatherRecord
	missing  []int64
}

func (f *fakeWeatherStore) GetActivity(ctx context.Context, id int64) (*store.Activity, error) {
	return f.activity, nil
}

func (f *fakeWeatherStore) HasWeather(ctx context.Context, activityID int64) (bool, error) {
	return f.has, nil
}

func (f *fakeWeatherStore) UpsertWeather(ctx context.Context, w *store.WeatherRecord) error {
	f.stored = w
	return nil
}

func (f *fakeWeatherStore) ActivityIDsMissingWeather(ctx context.Context, limit int) ([]int64, error) {
	return f.missing, nil
}

func hourlyBody(times []string, temps []float64) map[string]any {
	return map[string]any{
		"hourly": map[string]any{
			"time":           times,
			"temperature_2m": temps,
			"weather_code":   []int{1, 2, 3},
		},
	}
}

func gpsActivity(start time.Time) *store.Activity {
	blob, _ := json.Marshal(map[string]any{
		"latlng": map[string]any{"data": [][2]float64{{47.37, 8.54}}},
	})
	return &store.Activity{ID: 1, StartTime: start, Streams: blob}
}

func newTestFetcher(st Store, url string) *Fetcher {
	return NewFetcher(st, url, url, zerolog.Nop())
}

func TestProcessActivityStoresClosestHour(t *testing.T) {
	start := time.Date(2026, 8, 20, 7, 40, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2026-08-20", r.URL.Query().Get("start_date"))
		assert.Equal(t, "47.3700", r.URL.Query().Get("latitude"))
		_ = json.NewEncoder(w).Encode(hourlyBody(
			[]string{"2026-08-20T06:00", "2026-08-20T07:00", "2026-08-20T08:00"},
			[]float64{14.5, 16.0, 18.2},
		))
	}))
	defer srv.Close()

	st := &fakeWeatherStore{activity: gpsActivity(start)}
	f := newTestFetcher(st, srv.URL)

	require.NoError(t, f.ProcessActivity(context.Background(), 1))
	require.NotNil(t, st.stored)

	// 07:40 is closest to the 08:00 sample
	assert.Equal(t, int64(1), st.stored.ActivityID)
	require.NotNil(t, st.stored.TemperatureC)
	assert.InDelta(t, 18.2, *st.stored.TemperatureC, 1e-9)
	require.NotNil(t, st.stored.ConditionCode)
	assert.Equal(t, 3, *st.stored.ConditionCode)
}

func TestProcessActivitySkipsExistingWeather(t *testing.T) {
	st := &fakeWeatherStore{has: true}
	f := newTestFetcher(st, "http://unused.invalid")

	require.NoError(t, f.ProcessActivity(context.Background(), 1))
	assert.Nil(t, st.stored)
}

func TestProcessActivitySkipsWithoutGPS(t *testing.T) {
	st := &fakeWeatherStore{activity: &store.Activity{
		ID:      1,
		Streams: []byte(`{"distance":{"data":[0,10]}}`),
	}}
	f := newTestFetcher(st, "http://unused.invalid")

	require.NoError(t, f.ProcessActivity(context.Background(), 1))
	assert.Nil(t, st.stored)
}

func TestFetchUsesArchiveForOldActivities(t *testing.T) {
	var forecastHits, archiveHits int
	handler := func(hits *int) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			*hits++
			_ = json.NewEncoder(w).Encode(hourlyBody(
				[]string{"2026-08-01T07:00"}, []float64{15.0}))
		}
	}
	forecast := httptest.NewServer(handler(&forecastHits))
	defer forecast.Close()
	archive := httptest.NewServer(handler(&archiveHits))
	defer archive.Close()

	st := &fakeWeatherStore{activity: gpsActivity(time.Date(2026, 8, 1, 7, 0, 0, 0, time.UTC))}
	f := NewFetcher(st, forecast.URL, archive.URL, zerolog.Nop())
	f.now = func() time.Time { return time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, f.ProcessActivity(context.Background(), 1))
	assert.Equal(t, 0, forecastHits)
	assert.Equal(t, 1, archiveHits)

	// a recent activity goes to the forecast endpoint
	st.stored = nil
	st.activity = gpsActivity(time.Date(2026, 8, 19, 7, 0, 0, 0, time.UTC))
	require.NoError(t, f.ProcessActivity(context.Background(), 1))
	assert.Equal(t, 1, forecastHits)
}

func TestFetchErrorsOnServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	st := &fakeWeatherStore{activity: gpsActivity(time.Now())}
	f := newTestFetcher(st, srv.URL)

	err := f.ProcessActivity(context.Background(), 1)
	assert.Error(t, err)
	assert.Nil(t, st.stored)
}

func TestSweepBackfills(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(hourlyBody(
			[]string{"2026-08-20T07:00"}, []float64{15.0}))
	}))
	defer srv.Close()

	st := &fakeWeatherStore{
		activity: gpsActivity(time.Now()),
		missing:  []int64{1, 2},
	}
	f := newTestFetcher(st, srv.URL)

	done, err := f.Sweep(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, done)
}

func TestClosestHourEmptyResponse(t *testing.T) {
	_, err := closestHour(&hourlyResponse{}, time.Now())
	assert.Error(t, err)
}
