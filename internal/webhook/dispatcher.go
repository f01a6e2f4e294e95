// Package webhook accepts provider push notifications, answers within
// the provider's response SLA, and hands event processing to the
// background queue.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/stridesync/stridesync/internal/enrich"
	"github.com/stridesync/stridesync/internal/jobs"
	"github.com/stridesync/stridesync/internal/store"
	"github.com/stridesync/stridesync/internal/strava"
)

// Enqueuer is the slice of the asynq client the HTTP handler needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Handler terminates the provider's webhook HTTP surface.
type Handler struct {
	verifyToken    string
	subscriptionID int64
	tasks          Enqueuer
	log            zerolog.Logger
}

// NewHandler builds the webhook HTTP handler. subscriptionID zero
// disables the subscription check.
func NewHandler(verifyToken string, subscriptionID int64, tasks Enqueuer, log zerolog.Logger) *Handler {
	return &Handler{
		verifyToken:    verifyToken,
		subscriptionID: subscriptionID,
		tasks:          tasks,
		log:            log.With().Str("component", "webhook").Logger(),
	}
}

// Challenge answers the provider's subscription verification probe.
func (h *Handler) Challenge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.verify_token") != h.verifyToken {
		h.log.Warn().Msg("webhook challenge with wrong verify token")
		http.Error(w, "verify token mismatch", http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"hub.challenge": q.Get("hub.challenge"),
	})
}

// Receive validates an event and queues it for background processing.
// The response is always 200 once the payload passes schema validation,
// no matter what processing later does.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	var ev jobs.WebhookEventPayload
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}
	if ev.ObjectType == "" || ev.ObjectID == 0 || ev.AspectType == "" || ev.OwnerID == 0 || ev.SubscriptionID == 0 {
		http.Error(w, "missing required event fields", http.StatusBadRequest)
		return
	}
	if h.subscriptionID != 0 && ev.SubscriptionID != h.subscriptionID {
		h.log.Warn().Int64("subscription_id", ev.SubscriptionID).Msg("event for unknown subscription")
		http.Error(w, "unknown subscription", http.StatusForbidden)
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	_, err = h.tasks.EnqueueContext(r.Context(),
		asynq.NewTask(jobs.TaskWebhookEvent, payload),
		asynq.Queue(jobs.QueueWebhooks),
		asynq.MaxRetry(5),
		asynq.Timeout(2*time.Minute))
	if err != nil {
		// a non-200 makes the provider disable the subscription after
		// repeated failures, so acknowledge and surface the loss in logs
		h.log.Error().Err(err).Int64("object_id", ev.ObjectID).Msg("could not queue webhook event, dropping")
		w.WriteHeader(http.StatusOK)
		return
	}

	h.log.Info().
		Str("object_type", ev.ObjectType).
		Str("aspect_type", ev.AspectType).
		Int64("object_id", ev.ObjectID).
		Msg("webhook event accepted")
	w.WriteHeader(http.StatusOK)
}

// ProcessorStore is the persistence surface event processing needs.
type ProcessorStore interface {
	GetUserByAthleteID(ctx context.Context, athleteID int64) (*store.User, error)
	GetActivityByUpstreamID(ctx context.Context, upstreamID int64) (*store.Activity, error)
	UpsertSummary(ctx context.Context, a *store.Activity) (int64, error)
	DeleteActivityByUpstreamID(ctx context.Context, upstreamID int64) (bool, error)
	Enqueue(ctx context.Context, activityID int64, userID uuid.UUID, priority, maxAttempts int) (bool, error)
}

// Detailer fetches one activity summary from the upstream provider.
type Detailer interface {
	ActivityDetail(ctx context.Context, userID uuid.UUID, upstreamID int64) (*strava.ActivitySummary, error)
}

// Waker nudges the enrichment scheduler after an enqueue.
type Waker interface {
	Wake()
}

// Processor converts validated events into queue mutations. It runs in
// the worker process behind the background queue.
type Processor struct {
	store       ProcessorStore
	client      Detailer
	waker       Waker
	maxAttempts int
	log         zerolog.Logger
}

// NewProcessor wires the background event processor.
func NewProcessor(st ProcessorStore, client Detailer, waker Waker, maxAttempts int, log zerolog.Logger) *Processor {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Processor{
		store:       st,
		client:      client,
		waker:       waker,
		maxAttempts: maxAttempts,
		log:         log.With().Str("component", "webhook_processor").Logger(),
	}
}

// HandleTask is the asynq handler for webhook event tasks.
func (p *Processor) HandleTask(ctx context.Context, t *asynq.Task) error {
	var ev jobs.WebhookEventPayload
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		return fmt.Errorf("decode webhook payload: %w", err)
	}
	return p.ProcessEvent(ctx, &ev)
}

// ProcessEvent applies one event. Unknown owners, unknown aspect types,
// and non-activity objects are dropped without error so the queue never
// retries them.
func (p *Processor) ProcessEvent(ctx context.Context, ev *jobs.WebhookEventPayload) error {
	if ev.ObjectType != "activity" {
		p.log.Debug().Str("object_type", ev.ObjectType).Msg("ignoring non-activity event")
		return nil
	}

	log := p.log.With().Int64("object_id", ev.ObjectID).Str("aspect_type", ev.AspectType).Logger()

	switch ev.AspectType {
	case "create":
		return p.createActivity(ctx, ev, log)
	case "update":
		return p.updateActivity(ctx, ev, log)
	case "delete":
		removed, err := p.store.DeleteActivityByUpstreamID(ctx, ev.ObjectID)
		if err != nil {
			return err
		}
		if removed {
			log.Info().Msg("activity deleted by webhook")
		}
		return nil
	default:
		log.Debug().Msg("ignoring unknown aspect type")
		return nil
	}
}

func (p *Processor) createActivity(ctx context.Context, ev *jobs.WebhookEventPayload, log zerolog.Logger) error {
	user, err := p.store.GetUserByAthleteID(ctx, ev.OwnerID)
	if err != nil {
		return err
	}
	if user == nil {
		log.Warn().Int64("owner_id", ev.OwnerID).Msg("event for unknown athlete, dropping")
		return nil
	}

	existing, err := p.store.GetActivityByUpstreamID(ctx, ev.ObjectID)
	if err != nil {
		return err
	}
	if existing != nil {
		log.Debug().Msg("activity already known, dropping create")
		return nil
	}

	id, err := p.fetchAndPersist(ctx, user.ID, ev.ObjectID)
	if err != nil || id == 0 {
		return err
	}

	queued, err := p.store.Enqueue(ctx, id, user.ID, 0, p.maxAttempts)
	if err != nil {
		return err
	}
	if queued && p.waker != nil {
		p.waker.Wake()
	}
	log.Info().Int64("activity_id", id).Msg("activity created by webhook")
	return nil
}

func (p *Processor) updateActivity(ctx context.Context, ev *jobs.WebhookEventPayload, log zerolog.Logger) error {
	existing, err := p.store.GetActivityByUpstreamID(ctx, ev.ObjectID)
	if err != nil {
		return err
	}
	if existing == nil {
		// late or out-of-order delivery: treat as create
		return p.createActivity(ctx, ev, log)
	}

	if _, err := p.fetchAndPersist(ctx, existing.UserID, ev.ObjectID); err != nil {
		return err
	}
	log.Info().Msg("activity updated by webhook")
	return nil
}

// fetchAndPersist pulls the summary upstream and upserts it. A vanished
// activity (404) returns id 0 without error.
func (p *Processor) fetchAndPersist(ctx context.Context, userID uuid.UUID, upstreamID int64) (int64, error) {
	sum, err := p.client.ActivityDetail(ctx, userID, upstreamID)
	if err != nil {
		return 0, fmt.Errorf("fetch summary %d: %w", upstreamID, err)
	}
	if sum == nil {
		p.log.Warn().Int64("upstream_id", upstreamID).Msg("activity vanished upstream")
		return 0, nil
	}

	act, err := enrich.SummaryToActivity(userID, sum)
	if err != nil {
		return 0, err
	}
	return p.store.UpsertSummary(ctx, act)
}
