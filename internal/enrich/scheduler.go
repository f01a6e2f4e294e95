package enrich

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stridesync/stridesync/internal/store"
	"github.com/stridesync/stridesync/internal/strava"
)

// Queue is the persistent queue surface the scheduler drives. The lease
// step is the single serialization point between workers.
type Queue interface {
	ReadyUsers(ctx context.Context) ([]uuid.UUID, error)
	LeaseForUser(ctx context.Context, userID uuid.UUID, limit int) ([]store.LeasedItem, error)
	Complete(ctx context.Context, activityID int64) error
	Fail(ctx context.Context, activityID int64, errMsg string) error
	FailTerminal(ctx context.Context, activityID int64, errMsg string) error
	Release(ctx context.Context, activityID int64) error
	PendingCount(ctx context.Context) (int64, error)
	InProgressCount(ctx context.Context) (int64, error)
	ReapStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Config tunes the scheduler loop and its worker pool.
type Config struct {
	BatchSize      int
	ItemsPerUser   int
	Concurrency    int
	Sleep          time.Duration
	StaleAfter     time.Duration
	InterItemDelay time.Duration
}

// Scheduler owns the lease cursor and the sleep/wake loop. Workers run
// in parallel; on shutdown they finish their current activity and the
// loop exits after the batch drains.
type Scheduler struct {
	queue    Queue
	enricher interface {
		EnrichActivity(ctx context.Context, activityID int64, userID uuid.UUID) error
	}
	cfg Config
	log zerolog.Logger

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	lastUserIndex int
	quotaBlocked  atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewScheduler builds a scheduler over the queue and enricher.
func NewScheduler(queue Queue, enricher *Enricher, cfg Config, log zerolog.Logger) *Scheduler {
	return newScheduler(queue, enricher, cfg, log)
}

func newScheduler(queue Queue, enricher interface {
	EnrichActivity(ctx context.Context, activityID int64, userID uuid.UUID) error
}, cfg Config, log zerolog.Logger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.ItemsPerUser <= 0 {
		cfg.ItemsPerUser = 2
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Sleep <= 0 {
		cfg.Sleep = 5 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	return &Scheduler{
		queue:    queue,
		enricher: enricher,
		cfg:      cfg,
		log:      log.With().Str("component", "scheduler").Logger(),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Wake nudges the scheduler out of its inter-batch sleep. Safe to call
// from any goroutine; extra wakes collapse.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start launches the loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.run(ctx)
	})
}

// Stop signals shutdown and waits for in-flight workers to finish their
// current activity.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	// revert leases orphaned by a previous crash
	if n, err := s.queue.ReapStale(ctx, s.cfg.StaleAfter); err != nil {
		s.log.Warn().Err(err).Msg("startup reap failed")
	} else if n > 0 {
		s.log.Info().Int64("items", n).Msg("reaped stale in-progress items")
	}

	s.log.Info().
		Int("batch_size", s.cfg.BatchSize).
		Int("items_per_user", s.cfg.ItemsPerUser).
		Int("concurrency", s.cfg.Concurrency).
		Msg("scheduler running")

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		batch, err := s.leaseBatch(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("lease cycle failed")
		}
		if len(batch) > 0 {
			s.dispatch(ctx, batch)
		}

		if s.quotaBlocked.Swap(false) {
			s.sleepUntil(untilNextUTCMidnight())
			continue
		}

		if len(batch) == 0 && s.queueEmpty(ctx) {
			// idle until someone enqueues and wakes us
			s.log.Debug().Msg("queue drained, going idle")
			select {
			case <-s.wake:
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		s.sleepUntil(s.cfg.Sleep)
	}
}

func (s *Scheduler) sleepUntil(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.wake:
	case <-s.stop:
	}
}

func (s *Scheduler) queueEmpty(ctx context.Context) bool {
	pending, err := s.queue.PendingCount(ctx)
	if err != nil {
		return false
	}
	inProgress, err := s.queue.InProgressCount(ctx)
	if err != nil {
		return false
	}
	return pending == 0 && inProgress == 0
}

// leaseBatch rotates the ready-user list at the cursor and grabs up to
// ItemsPerUser items per visit until the batch is full or a whole pass
// leases nothing. The cursor advances by the number of visits served so
// successive batches start with the next user in line.
func (s *Scheduler) leaseBatch(ctx context.Context) ([]store.LeasedItem, error) {
	users, err := s.queue.ReadyUsers(ctx)
	if err != nil || len(users) == 0 {
		return nil, err
	}

	start := s.lastUserIndex % len(users)
	var batch []store.LeasedItem
	served := 0
	idle := 0 // consecutive visits that leased nothing

	for i := 0; len(batch) < s.cfg.BatchSize && idle < len(users); i++ {
		user := users[(start+i)%len(users)]
		want := s.cfg.ItemsPerUser
		if remaining := s.cfg.BatchSize - len(batch); want > remaining {
			want = remaining
		}
		items, err := s.queue.LeaseForUser(ctx, user, want)
		if err != nil {
			return batch, err
		}
		if len(items) == 0 {
			idle++
			continue
		}
		idle = 0
		served++
		batch = append(batch, items...)
	}

	s.lastUserIndex = (start + served) % len(users)
	return batch, nil
}

func (s *Scheduler) dispatch(ctx context.Context, batch []store.LeasedItem) {
	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, item := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(it store.LeasedItem) {
			defer wg.Done()
			defer func() { <-sem }()
			s.process(ctx, it)
		}(item)
	}
	wg.Wait()
}

// process runs one enrichment end to end and settles the queue item. No
// error ever reaches the scheduler loop.
func (s *Scheduler) process(ctx context.Context, it store.LeasedItem) {
	err := s.enricher.EnrichActivity(ctx, it.ActivityID, it.UserID)

	switch {
	case err == nil:
		if err := s.queue.Complete(ctx, it.ActivityID); err != nil {
			s.log.Error().Err(err).Int64("activity_id", it.ActivityID).Msg("could not complete item")
		}
	case errors.Is(err, strava.ErrQuotaExhausted):
		// the work is untouched; keep it pending for the next day
		s.quotaBlocked.Store(true)
		if err := s.queue.Release(ctx, it.ActivityID); err != nil {
			s.log.Error().Err(err).Int64("activity_id", it.ActivityID).Msg("could not release item")
		}
	case errors.Is(err, strava.ErrUnauthorized):
		s.log.Warn().Err(err).Int64("activity_id", it.ActivityID).Str("user_id", it.UserID.String()).
			Msg("enrichment unauthorized, user must reconnect")
		if err := s.queue.FailTerminal(ctx, it.ActivityID, shortError(err)); err != nil {
			s.log.Error().Err(err).Int64("activity_id", it.ActivityID).Msg("could not fail item")
		}
	default:
		s.log.Warn().Err(err).Int64("activity_id", it.ActivityID).Msg("enrichment failed")
		if err := s.queue.Fail(ctx, it.ActivityID, shortError(err)); err != nil {
			s.log.Error().Err(err).Int64("activity_id", it.ActivityID).Msg("could not fail item")
		}
	}

	if s.cfg.InterItemDelay > 0 {
		t := time.NewTimer(s.cfg.InterItemDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
		}
	}
}

// shortError truncates an error for the last_error column.
func shortError(err error) string {
	msg := err.Error()
	if len(msg) > 255 {
		msg = msg[:255]
	}
	return msg
}

func untilNextUTCMidnight() time.Duration {
	now := time.Now().UTC()
	return now.Truncate(24 * time.Hour).Add(24 * time.Hour).Sub(now)
}
