package strava

import "encoding/json"

// ActivitySummary is the summary representation of an upstream activity,
// as returned by the detail and list endpoints.
type ActivitySummary struct {
	ID                 int64    `json:"id"`
	Name               string   `json:"name"`
	Type               string   `json:"type"`
	SportType          string   `json:"sport_type"`
	StartDate          string   `json:"start_date"`
	StartDateLocal     string   `json:"start_date_local"`
	Distance           float64  `json:"distance"`
	MovingTime         int      `json:"moving_time"`
	ElapsedTime        int      `json:"elapsed_time"`
	TotalElevationGain float64  `json:"total_elevation_gain"`
	AverageSpeed       float64  `json:"average_speed"`
	MaxSpeed           float64  `json:"max_speed"`
	AverageHeartrate   *float64 `json:"average_heartrate,omitempty"`
	MaxHeartrate       *float64 `json:"max_heartrate,omitempty"`
	AverageCadence     *float64 `json:"average_cadence,omitempty"`
	AverageWatts       *float64 `json:"average_watts,omitempty"`
	Map                *struct {
		SummaryPolyline string `json:"summary_polyline"`
		Polyline        string `json:"polyline"`
	} `json:"map,omitempty"`
}

// Polyline returns the best available encoded polyline, if any.
func (a *ActivitySummary) Polyline() string {
	if a.Map == nil {
		return ""
	}
	if a.Map.Polyline != "" {
		return a.Map.Polyline
	}
	return a.Map.SummaryPolyline
}

// streamKeys are requested on every streams fetch, keyed by type.
const streamKeys = "time,latlng,distance,altitude,velocity_smooth,heartrate,cadence,watts,temp,moving,grade_smooth"

// RawJSON carries an endpoint body that is persisted verbatim (streams,
// laps, segment efforts).
type RawJSON = json.RawMessage
