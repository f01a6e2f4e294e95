// Package jobs defines the asynq task names and payloads shared by the
// API and worker processes.
package jobs

// Task type names.
const (
	TaskWebhookEvent = "webhook:strava_event"
	TaskWakeSchedule = "enrich:wake"
	TaskSyncUser     = "sync:user_activities"
)

// Queue names. Webhooks outrank background sync.
const (
	QueueWebhooks = "webhooks"
	QueueDefault  = "default"
)

// WebhookEventPayload carries a validated provider push notification.
type WebhookEventPayload struct {
	ObjectType     string `json:"object_type"`
	ObjectID       int64  `json:"object_id"`
	AspectType     string `json:"aspect_type"`
	OwnerID        int64  `json:"owner_id"`
	SubscriptionID int64  `json:"subscription_id"`
	EventTime      int64  `json:"event_time,omitempty"`
}

// SyncUserPayload asks the worker to run a delta sync for one user.
type SyncUserPayload struct {
	UserID    string `json:"user_id"`
	SinceUnix int64  `json:"since_unix,omitempty"`
}
