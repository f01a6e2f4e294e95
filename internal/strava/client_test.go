package strava

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGate struct {
	allow    bool
	recorded atomic.Int64
	forced   atomic.Bool
}

func (g *fakeGate) MayProceed(ctx context.Context) (bool, error) { return g.allow, nil }
func (g *fakeGate) RecordUse(ctx context.Context)                { g.recorded.Add(1) }
func (g *fakeGate) ForceDailyExhausted(ctx context.Context)      { g.forced.Store(true) }

type staticTokens string

func (s staticTokens) AccessToken(ctx context.Context, userID uuid.UUID) (string, error) {
	return string(s), nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc, gate *fakeGate) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, gate, staticTokens("tok"), zerolog.Nop())
}

func TestActivityDetail(t *testing.T) {
	gate := &fakeGate{allow: true}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/activities/42", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("include_all_efforts"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"id": 42, "name": "Morning Run", "map": {"summary_polyline": "abc"}}`))
	}, gate)

	a, err := c.ActivityDetail(context.Background(), uuid.New(), 42)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, int64(42), a.ID)
	assert.Equal(t, "abc", a.Polyline())
	assert.Equal(t, int64(1), gate.recorded.Load(), "2xx must record quota use")
}

func TestNotFoundReturnsNil(t *testing.T) {
	gate := &fakeGate{allow: true}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, gate)

	body, err := c.ActivityStreams(context.Background(), uuid.New(), 42)
	require.NoError(t, err)
	assert.Nil(t, body, "404 means the resource is gone, not an error")
	assert.Equal(t, int64(0), gate.recorded.Load(), "404 must not record quota use")
}

func TestQuotaExhaustedAbandonsRequest(t *testing.T) {
	gate := &fakeGate{allow: false}
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	}, gate)

	_, err := c.ActivityLaps(context.Background(), uuid.New(), 42)
	assert.ErrorIs(t, err, ErrQuotaExhausted)
	assert.False(t, called, "no request may be issued once the daily budget is spent")
}

func TestRateLimitedForcesDailyExhaustion(t *testing.T) {
	gate := &fakeGate{allow: true}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}, gate)

	_, err := c.ActivitySegmentEfforts(context.Background(), uuid.New(), 42)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, gate.forced.Load(), "429 must pin the daily counter")
	assert.Equal(t, int64(0), gate.recorded.Load())
}

func TestServerErrorIsTransient(t *testing.T) {
	gate := &fakeGate{allow: true}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, gate)

	_, err := c.ActivityStreams(context.Background(), uuid.New(), 42)
	assert.ErrorIs(t, err, ErrTransient)
}

func TestUnauthorizedClassified(t *testing.T) {
	gate := &fakeGate{allow: true}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, gate)

	_, err := c.ActivityDetail(context.Background(), uuid.New(), 42)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAthleteActivitiesPagination(t *testing.T) {
	gate := &fakeGate{allow: true}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/athlete/activities", r.URL.Path)
		assert.Equal(t, "200", r.URL.Query().Get("per_page"))
		assert.Equal(t, "3", r.URL.Query().Get("page"))
		assert.NotEmpty(t, r.URL.Query().Get("after"))
		_, _ = w.Write([]byte(`[{"id": 1}, {"id": 2}]`))
	}, gate)

	items, err := c.AthleteActivities(context.Background(), uuid.New(), time.Now().Add(-24*time.Hour), 3)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}
