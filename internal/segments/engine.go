// Package segments slices an activity's streams into fixed-length
// segments and derives the cumulative features attached to them.
package segments

import (
	"context"
	"math"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stridesync/stridesync/internal/store"
	"github.com/stridesync/stridesync/internal/streams"
)

// SegmentLength is the target segment distance in meters.
const SegmentLength = 100.0

// Store is the persistence surface the engine needs.
type Store interface {
	GetActivity(ctx context.Context, id int64) (*store.Activity, error)
	ReplaceSegments(ctx context.Context, activityID int64, segs []store.Segment, feats []store.SegmentFeatures) error
	UnsegmentedActivityIDs(ctx context.Context, limit int) ([]int64, error)
}

// Engine turns stream samples into segment rows.
type Engine struct {
	store Store
	log   zerolog.Logger
}

// NewEngine builds a segmentation engine over the store.
func NewEngine(st Store, log zerolog.Logger) *Engine {
	return &Engine{
		store: st,
		log:   log.With().Str("component", "segments").Logger(),
	}
}

// ProcessActivity segments one activity. Activities without usable
// streams are skipped without error so the enrichment pipeline never
// fails on them.
func (e *Engine) ProcessActivity(ctx context.Context, activityID int64) error {
	act, err := e.store.GetActivity(ctx, activityID)
	if err != nil {
		return err
	}
	if act == nil {
		return nil
	}

	set, ok := streams.Decode(act.Streams)
	if !ok || !set.Segmentable() {
		e.log.Debug().Int64("activity_id", activityID).Msg("activity not segmentable")
		return nil
	}

	rows := BuildSegments(set, act.ID, act.UserID)
	feats := Features(set, act.ID, rows)

	if err := e.store.ReplaceSegments(ctx, act.ID, rows, feats); err != nil {
		return err
	}
	e.log.Info().Int64("activity_id", activityID).Int("segments", len(rows)).Msg("activity segmented")
	return nil
}

// ProcessBacklog segments up to limit activities that have streams but no
// segments yet. Returns how many were processed.
func (e *Engine) ProcessBacklog(ctx context.Context, limit int) (int, error) {
	ids, err := e.store.UnsegmentedActivityIDs(ctx, limit)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, id := range ids {
		if err := e.ProcessActivity(ctx, id); err != nil {
			e.log.Warn().Err(err).Int64("activity_id", id).Msg("backlog segmentation failed")
			continue
		}
		done++
	}
	return done, nil
}

// span is one closed slice of the sample arrays, [from, to] inclusive.
type span struct {
	from, to int
}

// BuildSegments walks the distance series with a running anchor, closing
// a segment whenever it accumulates SegmentLength meters or the samples
// run out. Zero-distance slices (paused recordings, duplicate samples)
// advance the anchor without producing a segment. A short tail is merged
// into its predecessor so the last segment is never a stub.
func BuildSegments(set *streams.Set, activityID int64, userID uuid.UUID) []store.Segment {
	spans := splitSpans(set.Distance)

	rows := make([]store.Segment, len(spans))
	for i, sp := range spans {
		rows[i] = measure(set, sp, activityID, userID)
		rows[i].SegmentIndex = i
	}
	return rows
}

func splitSpans(dist []float64) []span {
	n := len(dist)
	var spans []span
	anchor := 0
	for i := 1; i < n; i++ {
		d := dist[i] - dist[anchor]
		if d < SegmentLength && i < n-1 {
			continue
		}
		if d <= 0 {
			anchor = i
			continue
		}
		spans = append(spans, span{from: anchor, to: i})
		anchor = i
	}

	// a stub tail shorter than half a segment folds into its predecessor
	if len(spans) >= 2 {
		last := spans[len(spans)-1]
		if dist[last.to]-dist[last.from] < SegmentLength/2 {
			spans[len(spans)-2].to = last.to
			spans = spans[:len(spans)-1]
		}
	}
	return spans
}

// measure derives the per-segment measurements from the stream slices.
func measure(set *streams.Set, sp span, activityID int64, userID uuid.UUID) store.Segment {
	out := store.Segment{
		ActivityID: activityID,
		UserID:     userID,
		DistanceM:  set.Distance[sp.to] - set.Distance[sp.from],
		ElapsedS:   set.Time[sp.to] - set.Time[sp.from],
	}
	if out.DistanceM > 0 {
		out.PaceMinPerKm = (out.ElapsedS / 60) / (out.DistanceM / 1000)
	}

	if gain, loss, ok := elevationDeltas(set.Altitude, sp.from, sp.to); ok {
		out.ElevationGainM = &gain
		out.ElevationLossM = &loss
	}
	out.AvgAltitudeM = sliceMean(set.Altitude, sp.from, sp.to)
	out.AvgHR = sliceMean(set.Heartrate, sp.from, sp.to)
	out.AvgCadence = sliceMean(set.Cadence, sp.from, sp.to)
	out.AvgGrade = sliceMean(set.Grade, sp.from, sp.to)

	if mid := (sp.from + sp.to) / 2; mid < len(set.LatLng) {
		p := set.LatLng[mid]
		if p[0] != 0 || p[1] != 0 {
			lat, lon := p[0], p[1]
			out.MidLat = &lat
			out.MidLon = &lon
		}
	}
	return out
}

// Features produces one feature row per segment. Race completion is the
// raw distance stream value at the segment's last sample over the stream's
// final value; the intensity proxy is avg_hr times segment distance in km
// when heart rate is present. The derived fields compare each segment to
// the first one, so drift and decay read 0 on segment zero.
func Features(set *streams.Set, activityID int64, rows []store.Segment) []store.SegmentFeatures {
	if len(rows) == 0 {
		return nil
	}

	spans := splitSpans(set.Distance)
	finalM := set.Distance[len(set.Distance)-1]

	var distM, elapsedS, gainM, lossM float64
	feats := make([]store.SegmentFeatures, len(rows))
	for i := range rows {
		distM += rows[i].DistanceM
		elapsedS += rows[i].ElapsedS
		if g := rows[i].ElevationGainM; g != nil {
			gainM += *g
		}
		if l := rows[i].ElevationLossM; l != nil {
			lossM += *l
		}

		f := store.SegmentFeatures{
			ActivityID:           activityID,
			SegmentIndex:         i,
			CumulativeDistanceKm: distM / 1000,
			CumulativeElapsedMin: elapsedS / 60,
			CumulativeGainM:      gainM,
			CumulativeLossM:      lossM,
		}
		if finalM > 0 && i < len(spans) {
			f.RaceCompletionPct = set.Distance[spans[i].to] / finalM * 100
		}
		if hr := rows[i].AvgHR; hr != nil {
			v := *hr * rows[i].DistanceM / 1000
			f.IntensityProxy = &v
		}
		if i < len(spans) {
			derive(set, spans[i], &rows[i], &rows[0], &f)
		}
		feats[i] = f
	}
	return feats
}

// derive fills the per-segment derived fields: Minetti cost from the mean
// grade, grade variability from the grade samples, efficiency factor as
// speed per heartbeat, and cardiac drift / cadence decay relative to the
// first segment.
func derive(set *streams.Set, sp span, seg, first *store.Segment, f *store.SegmentFeatures) {
	if g := seg.AvgGrade; g != nil {
		c := minettiCost(*g)
		f.MinettiCostJPerKgM = &c
	}
	f.GradeVariability = sliceStdDev(set.Grade, sp.from, sp.to)

	speed := segSpeed(seg)
	if speed > 0 && seg.AvgHR != nil && *seg.AvgHR > 0 {
		ef := speed * 60 / *seg.AvgHR
		f.EfficiencyFactor = &ef
	}

	baseSpeed := segSpeed(first)
	if speed > 0 && baseSpeed > 0 &&
		seg.AvgHR != nil && first.AvgHR != nil && *first.AvgHR > 0 {
		d := ((*seg.AvgHR / speed) / (*first.AvgHR / baseSpeed) - 1) * 100
		f.CardiacDriftPct = &d
	}
	if seg.AvgCadence != nil && first.AvgCadence != nil && *first.AvgCadence > 0 {
		d := (*seg.AvgCadence / *first.AvgCadence - 1) * 100
		f.CadenceDecayPct = &d
	}
}

// minettiCost is the metabolic cost of running at a grade in J/kg/m
// (Minetti et al. 2002 polynomial). The gradient fraction is clamped to
// the ±0.45 range the polynomial was fitted on.
func minettiCost(gradePct float64) float64 {
	i := gradePct / 100
	if i > 0.45 {
		i = 0.45
	}
	if i < -0.45 {
		i = -0.45
	}
	i2 := i * i
	return 155.4*i2*i2*i - 30.4*i2*i2 - 43.3*i2*i + 46.3*i2 + 19.5*i + 3.6
}

func segSpeed(seg *store.Segment) float64 {
	if seg.ElapsedS <= 0 {
		return 0
	}
	return seg.DistanceM / seg.ElapsedS
}

func elevationDeltas(alt []float64, from, to int) (gain, loss float64, ok bool) {
	if to >= len(alt) || from >= to {
		return 0, 0, false
	}
	for i := from + 1; i <= to; i++ {
		d := alt[i] - alt[i-1]
		if d > 0 {
			gain += d
		} else {
			loss += -d
		}
	}
	return gain, loss, true
}

func sliceMean(vals []float64, from, to int) *float64 {
	if to >= len(vals) || from > to {
		return nil
	}
	sum := 0.0
	for i := from; i <= to; i++ {
		sum += vals[i]
	}
	m := sum / float64(to-from+1)
	return &m
}

func sliceStdDev(vals []float64, from, to int) *float64 {
	mean := sliceMean(vals, from, to)
	if mean == nil {
		return nil
	}
	sum := 0.0
	for i := from; i <= to; i++ {
		d := vals[i] - *mean
		sum += d * d
	}
	sd := math.Sqrt(sum / float64(to-from+1))
	return &sd
}
