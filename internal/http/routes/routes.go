// Package routes terminates the internal HTTP API: enrichment controls,
// queue visibility, segmentation, training load, weather, and the
// provider webhook.
package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	appmw "github.com/stridesync/stridesync/internal/http/middleware"
	"github.com/stridesync/stridesync/internal/jobs"
	"github.com/stridesync/stridesync/internal/quota"
	"github.com/stridesync/stridesync/internal/store"
	"github.com/stridesync/stridesync/internal/strava"
	"github.com/stridesync/stridesync/internal/webhook"
)

const (
	defaultBatchMax   = 10
	maxBatchMax       = 50
	autoEnrichLimit   = 1000
	backlogLimit      = 100
	weatherSweepLimit = 50
)

// Store is the persistence surface the handlers read and mutate.
type Store interface {
	GetActivity(ctx context.Context, id int64) (*store.Activity, error)
	UpdateActivityType(ctx context.Context, id int64, sport string) error
	UnenrichedActivityIDs(ctx context.Context, userID uuid.UUID, limit int) ([]int64, error)
	Enqueue(ctx context.Context, activityID int64, userID uuid.UUID, priority, maxAttempts int) (bool, error)
	Prioritize(ctx context.Context, activityID int64, userID uuid.UUID, maxAttempts int) (bool, error)
	StatusForUser(ctx context.Context, userID uuid.UUID) (store.QueueCounts, error)
	QueuePosition(ctx context.Context, userID uuid.UUID) (int64, error)
	FailedItems(ctx context.Context, userID uuid.UUID) ([]store.QueueItem, error)
	SegmentsForActivity(ctx context.Context, activityID int64) ([]store.Segment, error)
	SegmentedActivityCount(ctx context.Context) (int64, error)
	GetWeather(ctx context.Context, activityID int64) (*store.WeatherRecord, error)
	WeatherCount(ctx context.Context) (int64, error)
	TrainingLoadDays(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]store.TrainingLoadDay, error)
}

// Enricher runs the enrichment protocol synchronously for the one-shot
// endpoints.
type Enricher interface {
	EnrichActivity(ctx context.Context, activityID int64, userID uuid.UUID) error
}

// Segmenter drives the segmentation engine.
type Segmenter interface {
	ProcessActivity(ctx context.Context, activityID int64) error
	ProcessBacklog(ctx context.Context, limit int) (int, error)
}

// LoadCalculator computes training load rows.
type LoadCalculator interface {
	Compute(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]store.TrainingLoadDay, error)
}

// WeatherFetcher resolves weather observations.
type WeatherFetcher interface {
	ProcessActivity(ctx context.Context, activityID int64) error
	Sweep(ctx context.Context, limit int) (int, error)
}

// QuotaReader exposes the quota counters.
type QuotaReader interface {
	CurrentStatus(ctx context.Context) quota.Status
}

// Server wires the chi router over the collaborators.
type Server struct {
	Router *chi.Mux

	store       Store
	enricher    Enricher
	segments    Segmenter
	loads       LoadCalculator
	weather     WeatherFetcher
	quota       QuotaReader
	tasks       webhook.Enqueuer
	hook        *webhook.Handler
	maxAttempts int
	log         zerolog.Logger
}

// Options carries the Server collaborators.
type Options struct {
	Store       Store
	Enricher    Enricher
	Segments    Segmenter
	Loads       LoadCalculator
	Weather     WeatherFetcher
	Quota       QuotaReader
	Tasks       webhook.Enqueuer
	Webhook     *webhook.Handler
	MaxAttempts int
	Log         zerolog.Logger
}

// New builds the router. The webhook endpoints stay outside the
// authenticated group because the provider calls them directly.
func New(opts Options) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	s := &Server{
		Router:      r,
		store:       opts.Store,
		enricher:    opts.Enricher,
		segments:    opts.Segments,
		loads:       opts.Loads,
		weather:     opts.Weather,
		quota:       opts.Quota,
		tasks:       opts.Tasks,
		hook:        opts.Webhook,
		maxAttempts: opts.MaxAttempts,
		log:         opts.Log.With().Str("component", "http").Logger(),
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = 3
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.hook != nil {
		r.Get("/webhooks/strava", s.hook.Challenge)
		r.Post("/webhooks/strava", s.hook.Receive)
	}

	r.Group(func(pr chi.Router) {
		pr.Use(appmw.UserToContext)
		pr.Use(appmw.RequireAuth)

		pr.Post("/activities/{id}/enrich", s.handleEnrichOne)
		pr.Post("/activities/enrich-batch", s.handleEnrichBatch)
		pr.Post("/activities/{id}/prioritize", s.handlePrioritize)
		pr.Post("/activities/auto-enrich/start", s.handleAutoEnrichStart)
		pr.Post("/activities/sync", s.handleSyncActivities)
		pr.Patch("/activities/{id}/type", s.handleUpdateType)

		pr.Get("/enrichment/queue-status", s.handleQueueStatus)
		pr.Get("/enrichment/queue-position", s.handleQueuePosition)

		pr.Post("/segments/process", s.handleSegmentsBacklog)
		pr.Post("/segments/process/{id}", s.handleSegmentsProcessOne)
		pr.Get("/segments/status", s.handleSegmentsStatus)
		pr.Get("/segments/{id}", s.handleSegmentsGet)

		pr.Post("/features/compute", s.handleSegmentsBacklog)
		pr.Post("/features/compute/{id}", s.handleSegmentsProcessOne)

		pr.Get("/training-load", s.handleTrainingLoadGet)
		pr.Post("/training-load/compute", s.handleTrainingLoadCompute)

		pr.Post("/weather/enrich", s.handleWeatherEnrich)
		pr.Get("/weather/status", s.handleWeatherStatus)
		pr.Get("/weather/{id}", s.handleWeatherGet)

		pr.Get("/strava/quota", s.handleQuotaStatus)
	})

	return s
}

func (s *Server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("could not write response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, code int, msg string) {
	s.respond(w, code, map[string]string{"error": msg})
}

// ownedActivity loads the activity and checks it belongs to the caller.
// It writes the error response itself and returns nil when the caller
// should stop.
func (s *Server) ownedActivity(w http.ResponseWriter, r *http.Request) *store.Activity {
	userID, _ := appmw.UserID(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid activity id")
		return nil
	}

	act, err := s.store.GetActivity(r.Context(), id)
	if err != nil {
		s.log.Error().Err(err).Int64("activity_id", id).Msg("could not load activity")
		s.respondError(w, http.StatusInternalServerError, "could not load activity")
		return nil
	}
	if act == nil {
		s.respondError(w, http.StatusNotFound, "activity not found")
		return nil
	}
	if act.UserID != userID {
		s.respondError(w, http.StatusForbidden, "not your activity")
		return nil
	}
	return act
}

// wakeScheduler signals the worker process through the background queue.
func (s *Server) wakeScheduler(ctx context.Context) {
	_, err := s.tasks.EnqueueContext(ctx,
		asynq.NewTask(jobs.TaskWakeSchedule, nil),
		asynq.Queue(jobs.QueueDefault),
		asynq.MaxRetry(0))
	if err != nil {
		s.log.Warn().Err(err).Msg("could not signal scheduler")
	}
}

func (s *Server) handleEnrichOne(w http.ResponseWriter, r *http.Request) {
	act := s.ownedActivity(w, r)
	if act == nil {
		return
	}
	userID, _ := appmw.UserID(r.Context())

	if err := s.enricher.EnrichActivity(r.Context(), act.ID, userID); err != nil {
		s.writeEnrichError(w, act.ID, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"activity_id": act.ID, "enriched": true})
}

func (s *Server) writeEnrichError(w http.ResponseWriter, activityID int64, err error) {
	switch {
	case errors.Is(err, strava.ErrQuotaExhausted), errors.Is(err, strava.ErrRateLimited):
		s.respondError(w, http.StatusTooManyRequests, "upstream quota exhausted, try again tomorrow")
	case errors.Is(err, strava.ErrUnauthorized):
		s.respondError(w, http.StatusBadGateway, "upstream authorization failed, reconnect your account")
	default:
		s.log.Error().Err(err).Int64("activity_id", activityID).Msg("enrichment failed")
		s.respondError(w, http.StatusInternalServerError, "enrichment failed")
	}
}

func (s *Server) handleEnrichBatch(w http.ResponseWriter, r *http.Request) {
	userID, _ := appmw.UserID(r.Context())

	max := defaultBatchMax
	if raw := r.URL.Query().Get("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.respondError(w, http.StatusBadRequest, "max must be a positive integer")
			return
		}
		if n > maxBatchMax {
			n = maxBatchMax
		}
		max = n
	}

	ids, err := s.store.UnenrichedActivityIDs(r.Context(), userID, max)
	if err != nil {
		s.log.Error().Err(err).Msg("could not list unenriched activities")
		s.respondError(w, http.StatusInternalServerError, "could not list activities")
		return
	}

	enriched := 0
	for _, id := range ids {
		err := s.enricher.EnrichActivity(r.Context(), id, userID)
		if errors.Is(err, strava.ErrQuotaExhausted) || errors.Is(err, strava.ErrRateLimited) {
			break
		}
		if err != nil {
			s.log.Warn().Err(err).Int64("activity_id", id).Msg("batch enrichment item failed")
			continue
		}
		enriched++
	}
	s.respond(w, http.StatusOK, map[string]int{"requested": len(ids), "enriched": enriched})
}

func (s *Server) handlePrioritize(w http.ResponseWriter, r *http.Request) {
	act := s.ownedActivity(w, r)
	if act == nil {
		return
	}
	userID, _ := appmw.UserID(r.Context())

	moved, err := s.store.Prioritize(r.Context(), act.ID, userID, s.maxAttempts)
	if err != nil {
		s.log.Error().Err(err).Int64("activity_id", act.ID).Msg("could not prioritize")
		s.respondError(w, http.StatusInternalServerError, "could not prioritize")
		return
	}
	s.wakeScheduler(r.Context())
	s.respond(w, http.StatusOK, map[string]any{"activity_id": act.ID, "prioritized": moved})
}

func (s *Server) handleAutoEnrichStart(w http.ResponseWriter, r *http.Request) {
	userID, _ := appmw.UserID(r.Context())

	ids, err := s.store.UnenrichedActivityIDs(r.Context(), userID, autoEnrichLimit)
	if err != nil {
		s.log.Error().Err(err).Msg("could not list unenriched activities")
		s.respondError(w, http.StatusInternalServerError, "could not list activities")
		return
	}

	queued := 0
	for _, id := range ids {
		ok, err := s.store.Enqueue(r.Context(), id, userID, 10, s.maxAttempts)
		if err != nil {
			s.log.Warn().Err(err).Int64("activity_id", id).Msg("could not enqueue")
			continue
		}
		if ok {
			queued++
		}
	}
	if queued > 0 {
		s.wakeScheduler(r.Context())
	}
	s.respond(w, http.StatusAccepted, map[string]int{"queued": queued})
}

func (s *Server) handleSyncActivities(w http.ResponseWriter, r *http.Request) {
	userID, _ := appmw.UserID(r.Context())

	payload, _ := json.Marshal(jobs.SyncUserPayload{UserID: userID.String()})
	_, err := s.tasks.EnqueueContext(r.Context(),
		asynq.NewTask(jobs.TaskSyncUser, payload),
		asynq.Queue(jobs.QueueDefault),
		asynq.MaxRetry(3),
		asynq.Timeout(10*time.Minute))
	if err != nil {
		s.log.Error().Err(err).Msg("could not queue sync")
		s.respondError(w, http.StatusServiceUnavailable, "could not queue sync")
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"status": "sync queued"})
}

func (s *Server) handleUpdateType(w http.ResponseWriter, r *http.Request) {
	act := s.ownedActivity(w, r)
	if act == nil {
		return
	}

	var body struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !store.ValidActivityType(body.Type) {
		s.respondError(w, http.StatusBadRequest, "type must be one of run, trail_run, ride, swim, walk")
		return
	}

	if err := s.store.UpdateActivityType(r.Context(), act.ID, body.Type); err != nil {
		s.log.Error().Err(err).Int64("activity_id", act.ID).Msg("could not update type")
		s.respondError(w, http.StatusInternalServerError, "could not update type")
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"type": body.Type})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	userID, _ := appmw.UserID(r.Context())

	counts, err := s.store.StatusForUser(r.Context(), userID)
	if err != nil {
		s.log.Error().Err(err).Msg("could not read queue status")
		s.respondError(w, http.StatusInternalServerError, "could not read queue status")
		return
	}
	failed, err := s.store.FailedItems(r.Context(), userID)
	if err != nil {
		s.log.Warn().Err(err).Msg("could not list failed items")
	}

	type failedItem struct {
		ActivityID int64   `json:"activity_id"`
		Attempts   int     `json:"attempts"`
		LastError  *string `json:"last_error,omitempty"`
	}
	out := struct {
		store.QueueCounts
		FailedItems []failedItem `json:"failed_items"`
	}{QueueCounts: counts, FailedItems: []failedItem{}}
	for _, it := range failed {
		out.FailedItems = append(out.FailedItems, failedItem{
			ActivityID: it.ActivityID,
			Attempts:   it.Attempts,
			LastError:  it.LastError,
		})
	}
	s.respond(w, http.StatusOK, out)
}

func (s *Server) handleQueuePosition(w http.ResponseWriter, r *http.Request) {
	userID, _ := appmw.UserID(r.Context())

	pos, err := s.store.QueuePosition(r.Context(), userID)
	if err != nil {
		s.log.Error().Err(err).Msg("could not read queue position")
		s.respondError(w, http.StatusInternalServerError, "could not read queue position")
		return
	}
	s.respond(w, http.StatusOK, map[string]int64{"position": pos})
}

func (s *Server) handleSegmentsBacklog(w http.ResponseWriter, r *http.Request) {
	done, err := s.segments.ProcessBacklog(r.Context(), backlogLimit)
	if err != nil {
		s.log.Error().Err(err).Msg("segment backlog failed")
		s.respondError(w, http.StatusInternalServerError, "segmentation failed")
		return
	}
	s.respond(w, http.StatusOK, map[string]int{"processed": done})
}

func (s *Server) handleSegmentsProcessOne(w http.ResponseWriter, r *http.Request) {
	act := s.ownedActivity(w, r)
	if act == nil {
		return
	}

	if err := s.segments.ProcessActivity(r.Context(), act.ID); err != nil {
		s.log.Error().Err(err).Int64("activity_id", act.ID).Msg("segmentation failed")
		s.respondError(w, http.StatusInternalServerError, "segmentation failed")
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"activity_id": act.ID, "processed": true})
}

func (s *Server) handleSegmentsGet(w http.ResponseWriter, r *http.Request) {
	act := s.ownedActivity(w, r)
	if act == nil {
		return
	}

	segs, err := s.store.SegmentsForActivity(r.Context(), act.ID)
	if err != nil {
		s.log.Error().Err(err).Int64("activity_id", act.ID).Msg("could not load segments")
		s.respondError(w, http.StatusInternalServerError, "could not load segments")
		return
	}
	if segs == nil {
		segs = []store.Segment{}
	}
	s.respond(w, http.StatusOK, map[string]any{"activity_id": act.ID, "segments": segs})
}

func (s *Server) handleSegmentsStatus(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.SegmentedActivityCount(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("could not read segment status")
		s.respondError(w, http.StatusInternalServerError, "could not read segment status")
		return
	}
	s.respond(w, http.StatusOK, map[string]int64{"segmented_activities": n})
}

func parseDay(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.Parse("2006-01-02", raw)
}

func (s *Server) loadRange(r *http.Request) (from, to time.Time, err error) {
	now := time.Now().UTC().Truncate(24 * time.Hour)
	from, err = parseDay(r.URL.Query().Get("from"), now.AddDate(0, 0, -90))
	if err != nil {
		return
	}
	to, err = parseDay(r.URL.Query().Get("to"), now)
	return
}

func (s *Server) handleTrainingLoadGet(w http.ResponseWriter, r *http.Request) {
	userID, _ := appmw.UserID(r.Context())

	from, to, err := s.loadRange(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "dates must be YYYY-MM-DD")
		return
	}

	days, err := s.store.TrainingLoadDays(r.Context(), userID, from, to)
	if err != nil {
		s.log.Error().Err(err).Msg("could not load training load")
		s.respondError(w, http.StatusInternalServerError, "could not load training load")
		return
	}
	if days == nil {
		days = []store.TrainingLoadDay{}
	}
	s.respond(w, http.StatusOK, map[string]any{"days": days})
}

func (s *Server) handleTrainingLoadCompute(w http.ResponseWriter, r *http.Request) {
	userID, _ := appmw.UserID(r.Context())

	from, to, err := s.loadRange(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "dates must be YYYY-MM-DD")
		return
	}

	days, err := s.loads.Compute(r.Context(), userID, from, to)
	if err != nil {
		s.log.Error().Err(err).Msg("training load computation failed")
		s.respondError(w, http.StatusInternalServerError, "training load computation failed")
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"computed_days": len(days)})
}

func (s *Server) handleWeatherEnrich(w http.ResponseWriter, r *http.Request) {
	done, err := s.weather.Sweep(r.Context(), weatherSweepLimit)
	if err != nil {
		s.log.Error().Err(err).Msg("weather sweep failed")
		s.respondError(w, http.StatusInternalServerError, "weather sweep failed")
		return
	}
	s.respond(w, http.StatusOK, map[string]int{"fetched": done})
}

func (s *Server) handleWeatherGet(w http.ResponseWriter, r *http.Request) {
	act := s.ownedActivity(w, r)
	if act == nil {
		return
	}

	rec, err := s.store.GetWeather(r.Context(), act.ID)
	if err != nil {
		s.log.Error().Err(err).Int64("activity_id", act.ID).Msg("could not load weather")
		s.respondError(w, http.StatusInternalServerError, "could not load weather")
		return
	}
	if rec == nil {
		s.respondError(w, http.StatusNotFound, "no weather recorded for this activity")
		return
	}
	s.respond(w, http.StatusOK, rec)
}

func (s *Server) handleWeatherStatus(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.WeatherCount(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("could not read weather status")
		s.respondError(w, http.StatusInternalServerError, "could not read weather status")
		return
	}
	s.respond(w, http.StatusOK, map[string]int64{"activities_with_weather": n})
}

func (s *Server) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.quota.CurrentStatus(r.Context()))
}
