package store

import (
	"time"

	"github.com/google/uuid"
)

// Activity types recognized by the platform.
const (
	TypeRun      = "run"
	TypeTrailRun = "trail_run"
	TypeRide     = "ride"
	TypeSwim     = "swim"
	TypeWalk     = "walk"
)

// ValidActivityType reports whether t is one of the enumerated types.
func ValidActivityType(t string) bool {
	switch t {
	case TypeRun, TypeTrailRun, TypeRide, TypeSwim, TypeWalk:
		return true
	}
	return false
}

// Activity is a single recorded workout synced from the upstream provider.
// Streams and Laps hold the raw JSONB blobs; decode Streams through the
// streams package, which tolerates the legacy "null" sentinel.
type Activity struct {
	ID             int64
	UserID         uuid.UUID
	UpstreamID     *int64
	DeviceID       *string
	Name           string
	Sport          string
	StartTime      time.Time
	StartTimeLocal *time.Time
	DistanceM      float64
	MovingTimeS    int
	ElapsedTimeS   int
	ElevationGainM *float64
	AverageSpeed   *float64
	MaxSpeed       *float64
	AverageHR      *float64
	MaxHR          *float64
	AverageCadence *float64
	AverageWatts   *float64
	Polyline       *string
	Streams        []byte
	Laps           []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Queue item statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// QueueItem is a durable enrichment work ticket.
type QueueItem struct {
	ID          int64
	ActivityID  int64
	UserID      uuid.UUID
	Priority    int
	Status      string
	Attempts    int
	MaxAttempts int
	NextRetryAt *time.Time
	LastError   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LeasedItem identifies a queue item flipped to in_progress by a lease.
type LeasedItem struct {
	ActivityID int64
	UserID     uuid.UUID
}

// QueueCounts summarizes queue state for one user or the whole queue.
type QueueCounts struct {
	Pending    int64 `json:"pending"`
	InProgress int64 `json:"in_progress"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// Segment is a ~100 m slice of an activity derived from its streams.
type Segment struct {
	ActivityID     int64    `json:"activity_id"`
	UserID         uuid.UUID `json:"user_id"`
	SegmentIndex   int      `json:"segment_index"`
	DistanceM      float64  `json:"distance_m"`
	ElapsedS       float64  `json:"elapsed_s"`
	PaceMinPerKm   float64  `json:"pace_min_per_km"`
	AvgGrade       *float64 `json:"avg_grade,omitempty"`
	ElevationGainM *float64 `json:"elevation_gain_m,omitempty"`
	ElevationLossM *float64 `json:"elevation_loss_m,omitempty"`
	AvgHR          *float64 `json:"avg_hr,omitempty"`
	AvgCadence     *float64 `json:"avg_cadence,omitempty"`
	MidLat         *float64 `json:"mid_lat,omitempty"`
	MidLon         *float64 `json:"mid_lon,omitempty"`
	AvgAltitudeM   *float64 `json:"avg_altitude_m,omitempty"`
}

// SegmentFeatures carries the cumulative and derived measurements
// attached 1:1 to a segment. The derived fields are nullable: each one
// needs a stream (heart rate, cadence, grade) the activity may lack.
type SegmentFeatures struct {
	ActivityID           int64    `json:"activity_id"`
	SegmentIndex         int      `json:"segment_index"`
	CumulativeDistanceKm float64  `json:"cumulative_distance_km"`
	CumulativeElapsedMin float64  `json:"cumulative_elapsed_min"`
	CumulativeGainM      float64  `json:"cumulative_gain_m"`
	CumulativeLossM      float64  `json:"cumulative_loss_m"`
	RaceCompletionPct    float64  `json:"race_completion_pct"`
	IntensityProxy       *float64 `json:"intensity_proxy,omitempty"`
	MinettiCostJPerKgM   *float64 `json:"minetti_cost_j_per_kg_m,omitempty"`
	CardiacDriftPct      *float64 `json:"cardiac_drift_pct,omitempty"`
	CadenceDecayPct      *float64 `json:"cadence_decay_pct,omitempty"`
	GradeVariability     *float64 `json:"grade_variability,omitempty"`
	EfficiencyFactor     *float64 `json:"efficiency_factor,omitempty"`
}

// WeatherRecord is the single weather observation for an activity.
type WeatherRecord struct {
	ActivityID       int64      `json:"activity_id"`
	TemperatureC     *float64   `json:"temperature_c,omitempty"`
	HumidityPct      *float64   `json:"humidity_pct,omitempty"`
	WindSpeedKmh     *float64   `json:"wind_speed_kmh,omitempty"`
	WindDirectionDeg *float64   `json:"wind_direction_deg,omitempty"`
	PressureHpa      *float64   `json:"pressure_hpa,omitempty"`
	PrecipitationMm  *float64   `json:"precipitation_mm,omitempty"`
	CloudCoverPct    *float64   `json:"cloud_cover_pct,omitempty"`
	ConditionCode    *int       `json:"condition_code,omitempty"`
	ObservedAt       *time.Time `json:"observed_at,omitempty"`
}

// TrainingLoadDay is one row per (user, calendar date). The intensity
// series is always present; the Edwards TRIMP series is nil only when no
// max heart rate was known for the day, so idle days with a configured
// max carry a zero load.
type TrainingLoadDay struct {
	UserID         uuid.UUID `json:"user_id"`
	Day            time.Time `json:"day"`
	IntensityLoad  float64   `json:"intensity_load"`
	IntensityCTL   float64   `json:"intensity_ctl"`
	IntensityATL   float64   `json:"intensity_atl"`
	IntensityTSB   float64   `json:"intensity_tsb"`
	TrimpLoad      *float64  `json:"trimp_load,omitempty"`
	TrimpCTL       *float64  `json:"trimp_ctl,omitempty"`
	TrimpATL       *float64  `json:"trimp_atl,omitempty"`
	TrimpTSB       *float64  `json:"trimp_tsb,omitempty"`
	RestingHRDelta *float64  `json:"resting_hr_delta,omitempty"`
}

// User holds the credential and profile fields the core needs.
type User struct {
	ID              uuid.UUID
	StravaAthleteID *int64
	AccessToken     *string
	RefreshToken    *string
	TokenExpiry     *time.Time
	MaxHR           *int
	LastSyncedAt    *time.Time
}
