package enrich

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stridesync/stridesync/internal/store"
	"github.com/stridesync/stridesync/internal/strava"
)

type fakeUpstream struct {
	streams strava.RawJSON
	laps    strava.RawJSON
	efforts strava.RawJSON
	detail  *strava.ActivitySummary
	calls   []string
	err     error
	failOn  string
}

func (f *fakeUpstream) fail(call string) error {
	if f.failOn == call {
		return f.err
	}
	return nil
}

func (f *fakeUpstream) ActivityStreams(ctx context.Context, userID uuid.UUID, upstreamID int64) (strava.RawJSON, error) {
	f.calls = append(f.calls, "streams")
	return f.streams, f.fail("streams")
}

func (f *fakeUpstream) ActivityLaps(ctx context.Context, userID uuid.UUID, upstreamID int64) (strava.RawJSON, error) {
	f.calls = append(f.calls, "laps")
	return f.laps, f.fail("laps")
}

func (f *fakeUpstream) ActivitySegmentEfforts(ctx context.Context, userID uuid.UUID, upstreamID int64) (strava.RawJSON, error) {
	f.calls = append(f.calls, "efforts")
	return f.efforts, f.fail("efforts")
}

func (f *fakeUpstream) ActivityDetail(ctx context.Context, userID uuid.UUID, upstreamID int64) (*strava.ActivitySummary, error) {
	f.calls = append(f.calls, "detail")
	return f.detail, f.fail("detail")
}

type fakeActStore struct {
	activity *store.Activity

	updatedID int64
	streams   []byte
	laps      []byte
	polyline  *string
	updates   int
}

func (f *fakeActStore) GetActivity(ctx context.Context, id int64) (*store.Activity, error) {
	return f.activity, nil
}

func (f *fakeActStore) UpdateEnrichment(ctx context.Context, id int64, streams, laps []byte, polyline *string) error {
	f.updatedID = id
	f.streams = streams
	f.laps = laps
	f.polyline = polyline
	f.updates++
	return nil
}

type recordingPost struct {
	called []int64
	err    error
}

func (p *recordingPost) ProcessActivity(ctx context.Context, activityID int64) error {
	p.called = append(p.called, activityID)
	return p.err
}

func upstreamID(v int64) *int64 { return &v }

func TestEnrichActivityHappyPath(t *testing.T) {
	up := &fakeUpstream{
		streams: []byte(`{"distance":{"data":[0,10]}}`),
		laps:    []byte(`[{"lap_index":1}]`),
		detail: &strava.ActivitySummary{Map: &struct {
			SummaryPolyline string `json:"summary_polyline"`
			Polyline        string `json:"polyline"`
		}{Polyline: "abc123"}},
	}
	st := &fakeActStore{activity: &store.Activity{ID: 7, UpstreamID: upstreamID(900)}}
	post := &recordingPost{}

	e := NewEnricher(up, st, zerolog.Nop(), post)
	require.NoError(t, e.EnrichActivity(context.Background(), 7, uuid.New()))

	// streams first, detail last
	assert.Equal(t, []string{"streams", "laps", "efforts", "detail"}, up.calls)
	assert.Equal(t, int64(7), st.updatedID)
	assert.JSONEq(t, `{"distance":{"data":[0,10]}}`, string(st.streams))
	require.NotNil(t, st.polyline)
	assert.Equal(t, "abc123", *st.polyline)
	assert.Equal(t, []int64{7}, post.called)
}

func TestEnrichActivityMergesEfforts(t *testing.T) {
	up := &fakeUpstream{
		streams: []byte(`{"distance":{"data":[0,10]}}`),
		efforts: []byte(`[{"id":1,"name":"hill"}]`),
	}
	st := &fakeActStore{activity: &store.Activity{ID: 7, UpstreamID: upstreamID(900)}}

	e := NewEnricher(up, st, zerolog.Nop())
	require.NoError(t, e.EnrichActivity(context.Background(), 7, uuid.New()))

	assert.JSONEq(t,
		`{"distance":{"data":[0,10]},"segment_efforts":[{"id":1,"name":"hill"}]}`,
		string(st.streams))
}

func TestEnrichActivityAbandonsOnQuota(t *testing.T) {
	up := &fakeUpstream{failOn: "laps", err: strava.ErrQuotaExhausted}
	st := &fakeActStore{activity: &store.Activity{ID: 7, UpstreamID: upstreamID(900)}}

	e := NewEnricher(up, st, zerolog.Nop())
	err := e.EnrichActivity(context.Background(), 7, uuid.New())
	assert.ErrorIs(t, err, strava.ErrQuotaExhausted)
	assert.Zero(t, st.updates, "nothing may be written on a failed fetch")
}

func TestEnrichActivityMissingActivity(t *testing.T) {
	up := &fakeUpstream{}
	st := &fakeActStore{}

	e := NewEnricher(up, st, zerolog.Nop())
	require.NoError(t, e.EnrichActivity(context.Background(), 7, uuid.New()))
	assert.Empty(t, up.calls)
}

func TestEnrichActivityDeviceOnly(t *testing.T) {
	up := &fakeUpstream{}
	st := &fakeActStore{activity: &store.Activity{ID: 7}}

	e := NewEnricher(up, st, zerolog.Nop())
	require.NoError(t, e.EnrichActivity(context.Background(), 7, uuid.New()))
	assert.Empty(t, up.calls, "activities without an upstream id are skipped")
}

func TestEnrichActivityPostprocessorFailureIsSwallowed(t *testing.T) {
	up := &fakeUpstream{streams: []byte(`{}`)}
	st := &fakeActStore{activity: &store.Activity{ID: 7, UpstreamID: upstreamID(900)}}
	post := &recordingPost{err: errors.New("segmentation broke")}

	e := NewEnricher(up, st, zerolog.Nop(), post)
	assert.NoError(t, e.EnrichActivity(context.Background(), 7, uuid.New()))
	assert.Equal(t, 1, st.updates)
}
