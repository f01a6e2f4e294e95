// Package enrich drains the persistent enrichment queue: a round-robin
// scheduler leases work fairly across users and bounded workers run the
// per-activity enrichment protocol against the quota-gated upstream.
package enrich

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stridesync/stridesync/internal/store"
	"github.com/stridesync/stridesync/internal/strava"
	"github.com/stridesync/stridesync/internal/streams"
)

// Upstream is the slice of the Strava client the enricher consumes.
type Upstream interface {
	ActivityDetail(ctx context.Context, userID uuid.UUID, upstreamID int64) (*strava.ActivitySummary, error)
	ActivityStreams(ctx context.Context, userID uuid.UUID, upstreamID int64) (strava.RawJSON, error)
	ActivityLaps(ctx context.Context, userID uuid.UUID, upstreamID int64) (strava.RawJSON, error)
	ActivitySegmentEfforts(ctx context.Context, userID uuid.UUID, upstreamID int64) (strava.RawJSON, error)
}

// ActivityStore is the store surface the enrichment protocol writes to.
type ActivityStore interface {
	GetActivity(ctx context.Context, id int64) (*store.Activity, error)
	UpdateEnrichment(ctx context.Context, id int64, streams, laps []byte, polyline *string) error
}

// Postprocessor runs after a successful enrichment. Failures here are
// logged, never propagated: segmentation and weather are opportunistic.
type Postprocessor interface {
	ProcessActivity(ctx context.Context, activityID int64) error
}

// Enricher executes the enrichment protocol for one activity at a time.
type Enricher struct {
	client Upstream
	store  ActivityStore
	post   []Postprocessor
	log    zerolog.Logger
}

// NewEnricher wires the protocol. Postprocessors run in order after the
// activity row is updated.
func NewEnricher(client Upstream, st ActivityStore, log zerolog.Logger, post ...Postprocessor) *Enricher {
	return &Enricher{
		client: client,
		store:  st,
		post:   post,
		log:    log.With().Str("component", "enricher").Logger(),
	}
}

// EnrichActivity fetches streams, laps, segment efforts, and detail in
// that order, merges efforts into the streams blob, and persists the
// result in one write. A 404 on any endpoint is accepted as absent data.
func (e *Enricher) EnrichActivity(ctx context.Context, activityID int64, userID uuid.UUID) error {
	act, err := e.store.GetActivity(ctx, activityID)
	if err != nil {
		return err
	}
	if act == nil {
		e.log.Warn().Int64("activity_id", activityID).Msg("activity vanished before enrichment")
		return nil
	}
	if act.UpstreamID == nil {
		// device-only activity, nothing to fetch
		return nil
	}
	upstreamID := *act.UpstreamID

	streamsBlob, err := e.client.ActivityStreams(ctx, userID, upstreamID)
	if err != nil {
		return fmt.Errorf("fetch streams: %w", err)
	}
	laps, err := e.client.ActivityLaps(ctx, userID, upstreamID)
	if err != nil {
		return fmt.Errorf("fetch laps: %w", err)
	}
	efforts, err := e.client.ActivitySegmentEfforts(ctx, userID, upstreamID)
	if err != nil {
		return fmt.Errorf("fetch segment efforts: %w", err)
	}
	detail, err := e.client.ActivityDetail(ctx, userID, upstreamID)
	if err != nil {
		return fmt.Errorf("fetch detail: %w", err)
	}

	if efforts != nil {
		merged, err := streams.MergeSegmentEfforts(streamsBlob, efforts)
		if err == nil {
			streamsBlob = merged
		} else {
			e.log.Warn().Err(err).Int64("activity_id", activityID).Msg("could not merge segment efforts")
		}
	}

	var polyline *string
	if detail != nil {
		if p := detail.Polyline(); p != "" {
			polyline = &p
		}
	}

	if err := e.store.UpdateEnrichment(ctx, activityID, streamsBlob, laps, polyline); err != nil {
		return err
	}

	// segmentation and weather run best-effort, outside the quota
	for _, p := range e.post {
		if err := p.ProcessActivity(ctx, activityID); err != nil {
			e.log.Warn().Err(err).Int64("activity_id", activityID).Msg("postprocessing failed")
		}
	}

	e.log.Info().Int64("activity_id", activityID).Int64("upstream_id", upstreamID).Msg("activity enriched")
	return nil
}
