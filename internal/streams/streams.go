// Package streams decodes the per-sample stream blobs stored on
// activities. The store may still contain a legacy textual "null"
// sentinel in place of the mapping; the decoder treats it, and any
// malformed blob, as "no streams" rather than an error.
package streams

import (
	"bytes"
	"encoding/json"
)

// Stream keys fetched from the upstream provider.
const (
	KeyTime           = "time"
	KeyDistance       = "distance"
	KeyLatLng         = "latlng"
	KeyAltitude       = "altitude"
	KeyHeartrate      = "heartrate"
	KeyCadence        = "cadence"
	KeyVelocitySmooth = "velocity_smooth"
	KeyGradeSmooth    = "grade_smooth"
	KeyWatts          = "watts"
	KeyTemp           = "temp"
	KeyMoving         = "moving"

	// merged segment efforts live under this reserved key
	KeySegmentEfforts = "segment_efforts"
)

// Stream is one dense series keyed by type.
type Stream struct {
	Data []json.RawMessage `json:"data"`
}

// Set is the decoded per-sample dictionary.
type Set struct {
	Time      []float64
	Distance  []float64
	Altitude  []float64
	Heartrate []float64
	Cadence   []float64
	Grade     []float64
	LatLng    [][2]float64
}

var nullSentinel = []byte(`"null"`)

// Decode parses a streams blob. It returns (nil, false) for an absent
// blob, the legacy "null" sentinel, JSON null, or a malformed mapping.
func Decode(blob []byte) (*Set, bool) {
	if len(blob) == 0 || bytes.Equal(bytes.TrimSpace(blob), nullSentinel) {
		return nil, false
	}

	var raw map[string]Stream
	if err := json.Unmarshal(blob, &raw); err != nil || raw == nil {
		return nil, false
	}

	s := &Set{
		Time:      floats(raw[KeyTime]),
		Distance:  floats(raw[KeyDistance]),
		Altitude:  floats(raw[KeyAltitude]),
		Heartrate: floats(raw[KeyHeartrate]),
		Cadence:   floats(raw[KeyCadence]),
		Grade:     floats(raw[KeyGradeSmooth]),
		LatLng:    latlngs(raw[KeyLatLng]),
	}
	return s, true
}

// Segmentable reports whether the set carries the distance and time
// series segmentation needs, both with at least two samples and lengths
// that line up.
func (s *Set) Segmentable() bool {
	return s != nil &&
		len(s.Distance) >= 2 &&
		len(s.Time) == len(s.Distance)
}

// FirstLatLng returns the first valid GPS point, if any.
func (s *Set) FirstLatLng() (lat, lon float64, ok bool) {
	if s == nil {
		return 0, 0, false
	}
	for _, p := range s.LatLng {
		if p[0] != 0 || p[1] != 0 {
			return p[0], p[1], true
		}
	}
	return 0, 0, false
}

// MergeSegmentEfforts re-encodes the blob with the efforts payload under
// the reserved key, leaving all other streams untouched.
func MergeSegmentEfforts(blob, efforts []byte) ([]byte, error) {
	m := map[string]json.RawMessage{}
	if len(blob) > 0 && !bytes.Equal(bytes.TrimSpace(blob), nullSentinel) {
		if err := json.Unmarshal(blob, &m); err != nil {
			m = map[string]json.RawMessage{}
		}
	}
	m[KeySegmentEfforts] = json.RawMessage(efforts)
	return json.Marshal(m)
}

func floats(st Stream) []float64 {
	if len(st.Data) == 0 {
		return nil
	}
	out := make([]float64, 0, len(st.Data))
	for _, raw := range st.Data {
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			// non-numeric sample (e.g. null): carry the previous value
			if len(out) > 0 {
				v = out[len(out)-1]
			}
		}
		out = append(out, v)
	}
	return out
}

func latlngs(st Stream) [][2]float64 {
	if len(st.Data) == 0 {
		return nil
	}
	out := make([][2]float64, 0, len(st.Data))
	for _, raw := range st.Data {
		var p [2]float64
		_ = json.Unmarshal(raw, &p)
		out = append(out, p)
	}
	return out
}
