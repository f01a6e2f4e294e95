// Package weather records one hourly observation per GPS activity from
// the open-meteo service. It runs outside the upstream quota and uses its
// own request throttle.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stridesync/stridesync/internal/store"
	"github.com/stridesync/stridesync/internal/streams"
)

// archiveCutoff is the activity age past which the forecast endpoint no
// longer carries data and the archive must be used.
const archiveCutoff = 5 * 24 * time.Hour

const hourlyVars = "temperature_2m,relative_humidity_2m,wind_speed_10m,wind_direction_10m,surface_pressure,precipitation,cloud_cover,weather_code"

// Store is the persistence surface the fetcher needs.
type Store interface {
	GetActivity(ctx context.Context, id int64) (*store.Activity, error)
	HasWeather(ctx context.Context, activityID int64) (bool, error)
	UpsertWeather(ctx context.Context, w *store.WeatherRecord) error
	ActivityIDsMissingWeather(ctx context.Context, limit int) ([]int64, error)
}

// Fetcher resolves one weather observation per activity.
type Fetcher struct {
	store       Store
	http        *http.Client
	limiter     *rate.Limiter
	forecastURL string
	archiveURL  string
	now         func() time.Time
	log         zerolog.Logger
}

// NewFetcher builds a weather fetcher. Requests are throttled to one per
// 100 ms regardless of caller concurrency.
func NewFetcher(st Store, forecastURL, archiveURL string, log zerolog.Logger) *Fetcher {
	return &Fetcher{
		store:       st,
		http:        &http.Client{Timeout: 15 * time.Second},
		limiter:     rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
		forecastURL: forecastURL,
		archiveURL:  archiveURL,
		now:         time.Now,
		log:         log.With().Str("component", "weather").Logger(),
	}
}

// ProcessActivity fetches and stores weather for one activity. Activities
// that already have an observation or carry no GPS are skipped silently.
func (f *Fetcher) ProcessActivity(ctx context.Context, activityID int64) error {
	has, err := f.store.HasWeather(ctx, activityID)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	act, err := f.store.GetActivity(ctx, activityID)
	if err != nil {
		return err
	}
	if act == nil {
		return nil
	}

	set, ok := streams.Decode(act.Streams)
	if !ok {
		return nil
	}
	lat, lon, ok := set.FirstLatLng()
	if !ok {
		f.log.Debug().Int64("activity_id", activityID).Msg("no GPS, skipping weather")
		return nil
	}

	obs, err := f.fetch(ctx, lat, lon, act.StartTime)
	if err != nil {
		return fmt.Errorf("fetch weather for activity %d: %w", activityID, err)
	}
	obs.ActivityID = activityID

	if err := f.store.UpsertWeather(ctx, obs); err != nil {
		return err
	}
	f.log.Info().Int64("activity_id", activityID).Msg("weather recorded")
	return nil
}

// Sweep backfills weather for up to limit activities missing it. Returns
// how many observations were stored.
func (f *Fetcher) Sweep(ctx context.Context, limit int) (int, error) {
	ids, err := f.store.ActivityIDsMissingWeather(ctx, limit)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, id := range ids {
		if err := f.ProcessActivity(ctx, id); err != nil {
			f.log.Warn().Err(err).Int64("activity_id", id).Msg("weather backfill failed")
			continue
		}
		done++
	}
	return done, nil
}

type hourlyResponse struct {
	Hourly struct {
		Time             []string  `json:"time"`
		Temperature      []float64 `json:"temperature_2m"`
		RelativeHumidity []float64 `json:"relative_humidity_2m"`
		WindSpeed        []float64 `json:"wind_speed_10m"`
		WindDirection    []float64 `json:"wind_direction_10m"`
		SurfacePressure  []float64 `json:"surface_pressure"`
		Precipitation    []float64 `json:"precipitation"`
		CloudCover       []float64 `json:"cloud_cover"`
		WeatherCode      []int     `json:"weather_code"`
	} `json:"hourly"`
}

// fetch requests the hourly series for the activity's start date and
// picks the hour closest to its start time.
func (f *Fetcher) fetch(ctx context.Context, lat, lon float64, start time.Time) (*store.WeatherRecord, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	base := f.forecastURL
	if f.now().Sub(start) > archiveCutoff {
		base = f.archiveURL
	}

	day := start.UTC().Format("2006-01-02")
	q := url.Values{
		"latitude":   {fmt.Sprintf("%.4f", lat)},
		"longitude":  {fmt.Sprintf("%.4f", lon)},
		"hourly":     {hourlyVars},
		"start_date": {day},
		"end_date":   {day},
		"timezone":   {"UTC"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("weather service returned %d: %s", resp.StatusCode, body)
	}

	var hr hourlyResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return nil, fmt.Errorf("decode weather response: %w", err)
	}
	return closestHour(&hr, start)
}

// closestHour selects the hourly sample nearest the activity start.
func closestHour(hr *hourlyResponse, start time.Time) (*store.WeatherRecord, error) {
	h := &hr.Hourly
	if len(h.Time) == 0 {
		return nil, fmt.Errorf("weather response carried no hourly data")
	}

	best := -1
	bestDiff := math.MaxFloat64
	var bestAt time.Time
	for i, ts := range h.Time {
		at, err := time.Parse("2006-01-02T15:04", ts)
		if err != nil {
			continue
		}
		diff := math.Abs(at.Sub(start.UTC()).Seconds())
		if diff < bestDiff {
			best = i
			bestDiff = diff
			bestAt = at
		}
	}
	if best < 0 {
		return nil, fmt.Errorf("weather response carried no parsable timestamps")
	}

	rec := &store.WeatherRecord{ObservedAt: &bestAt}
	assign := func(dst **float64, vals []float64) {
		if best < len(vals) {
			v := vals[best]
			*dst = &v
		}
	}
	assign(&rec.TemperatureC, h.Temperature)
	assign(&rec.HumidityPct, h.RelativeHumidity)
	assign(&rec.WindSpeedKmh, h.WindSpeed)
	assign(&rec.WindDirectionDeg, h.WindDirection)
	assign(&rec.PressureHpa, h.SurfacePressure)
	assign(&rec.PrecipitationMm, h.Precipitation)
	assign(&rec.CloudCoverPct, h.CloudCover)
	if best < len(h.WeatherCode) {
		code := h.WeatherCode[best]
		rec.ConditionCode = &code
	}
	return rec, nil
}
