package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// backoffBase is the first retry delay; each further attempt doubles it.
const backoffBase = 30 * time.Second

// Enqueue inserts a pending queue item for the activity. It returns false
// without error when a pending or in-progress item already exists, which
// the partial unique index guarantees even under concurrent producers.
func (s *Store) Enqueue(ctx context.Context, activityID int64, userID uuid.UUID, priority, maxAttempts int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO enrichment_queue (activity_id, user_id, priority, max_attempts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (activity_id) WHERE status IN ('pending', 'in_progress') DO NOTHING`,
		activityID, userID, priority, maxAttempts)
	if err != nil {
		return false, fmt.Errorf("enqueue activity %d: %w", activityID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Prioritize moves an existing pending item to the top of its user's
// queue, or enqueues the activity at priority 0 if no live item exists.
func (s *Store) Prioritize(ctx context.Context, activityID int64, userID uuid.UUID, maxAttempts int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE enrichment_queue
		SET priority = 0, next_retry_at = NULL, updated_at = now()
		WHERE activity_id = $1 AND status = 'pending'`,
		activityID)
	if err != nil {
		return false, fmt.Errorf("prioritize activity %d: %w", activityID, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	return s.Enqueue(ctx, activityID, userID, 0, maxAttempts)
}

// ReadyUsers returns the distinct users that currently have ready pending
// items, ordered by each user's best priority and then oldest item. The
// scheduler rotates this list for round-robin fairness.
func (s *Store) ReadyUsers(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT user_id
		FROM enrichment_queue
		WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= now())
		GROUP BY user_id
		ORDER BY MIN(priority), MIN(created_at)`)
	if err != nil {
		return nil, fmt.Errorf("ready users: %w", err)
	}
	defer rows.Close()

	var users []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// LeaseForUser flips up to limit ready items for one user to in_progress
// and returns them. SKIP LOCKED keeps concurrent schedulers from leasing
// the same items.
func (s *Store) LeaseForUser(ctx context.Context, userID uuid.UUID, limit int) ([]LeasedItem, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE enrichment_queue
		SET status = 'in_progress', updated_at = now()
		WHERE id IN (
			SELECT id FROM enrichment_queue
			WHERE user_id = $1
			  AND status = 'pending'
			  AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY priority, created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING activity_id, user_id`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("lease for user %s: %w", userID, err)
	}
	defer rows.Close()

	var items []LeasedItem
	for rows.Next() {
		var it LeasedItem
		if err := rows.Scan(&it.ActivityID, &it.UserID); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Complete marks the live item for the activity as completed.
func (s *Store) Complete(ctx context.Context, activityID int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE enrichment_queue
		SET status = 'completed', next_retry_at = NULL, last_error = NULL, updated_at = now()
		WHERE activity_id = $1 AND status = 'in_progress'`,
		activityID)
	if err != nil {
		return fmt.Errorf("complete activity %d: %w", activityID, err)
	}
	return nil
}

// Fail records a failed attempt. Below max_attempts the item goes back to
// pending with exponential backoff (30s, 60s, 120s, ...); at the cap it
// becomes terminally failed.
func (s *Store) Fail(ctx context.Context, activityID int64, errMsg string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE enrichment_queue
		SET attempts = attempts + 1,
		    last_error = $2,
		    status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
		    next_retry_at = CASE WHEN attempts + 1 >= max_attempts THEN NULL
		                         ELSE now() + ($3 * power(2, attempts)) * interval '1 second' END,
		    updated_at = now()
		WHERE activity_id = $1 AND status = 'in_progress'`,
		activityID, errMsg, backoffBase.Seconds())
	if err != nil {
		return fmt.Errorf("fail activity %d: %w", activityID, err)
	}
	return nil
}

// FailTerminal marks the live item failed immediately, regardless of
// remaining attempts. Used when the user's token cannot be refreshed:
// retrying cannot help until they reconnect.
func (s *Store) FailTerminal(ctx context.Context, activityID int64, errMsg string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE enrichment_queue
		SET status = 'failed', attempts = attempts + 1, last_error = $2,
		    next_retry_at = NULL, updated_at = now()
		WHERE activity_id = $1 AND status = 'in_progress'`,
		activityID, errMsg)
	if err != nil {
		return fmt.Errorf("fail activity %d terminally: %w", activityID, err)
	}
	return nil
}

// Release returns a leased item to pending without consuming an attempt.
// Used when the daily quota ran out mid-batch: the work is untouched.
func (s *Store) Release(ctx context.Context, activityID int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE enrichment_queue
		SET status = 'pending', next_retry_at = NULL, updated_at = now()
		WHERE activity_id = $1 AND status = 'in_progress'`,
		activityID)
	if err != nil {
		return fmt.Errorf("release activity %d: %w", activityID, err)
	}
	return nil
}

// ReapStale reverts in_progress items older than the threshold back to
// pending with a failed attempt, covering workers that crashed between
// lease and complete.
func (s *Store) ReapStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE enrichment_queue
		SET attempts = attempts + 1,
		    last_error = 'reaped: worker did not finish',
		    status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
		    next_retry_at = NULL,
		    updated_at = now()
		WHERE status = 'in_progress' AND updated_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("reap stale items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PendingCount returns the number of ready-or-waiting pending items.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	return s.countStatus(ctx, StatusPending)
}

// InProgressCount returns the number of leased items.
func (s *Store) InProgressCount(ctx context.Context) (int64, error) {
	return s.countStatus(ctx, StatusInProgress)
}

func (s *Store) countStatus(ctx context.Context, status string) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM enrichment_queue WHERE status = $1`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s items: %w", status, err)
	}
	return n, nil
}

// StatusForUser summarizes the queue for one user.
func (s *Store) StatusForUser(ctx context.Context, userID uuid.UUID) (QueueCounts, error) {
	var c QueueCounts
	err := s.db.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'in_progress'),
			count(*) FILTER (WHERE status = 'completed'),
			count(*) FILTER (WHERE status = 'failed')
		FROM enrichment_queue WHERE user_id = $1`,
		userID).Scan(&c.Pending, &c.InProgress, &c.Completed, &c.Failed)
	if err != nil {
		return c, fmt.Errorf("queue status for user %s: %w", userID, err)
	}
	return c, nil
}

// QueuePosition returns how many ready items sit ahead of the user's best
// pending item, across all users.
func (s *Store) QueuePosition(ctx context.Context, userID uuid.UUID) (int64, error) {
	var pos int64
	err := s.db.QueryRow(ctx, `
		WITH mine AS (
			SELECT priority, created_at FROM enrichment_queue
			WHERE user_id = $1 AND status = 'pending'
			ORDER BY priority, created_at LIMIT 1
		)
		SELECT count(*) FROM enrichment_queue q, mine
		WHERE q.status = 'pending'
		  AND (q.priority, q.created_at) < (mine.priority, mine.created_at)`,
		userID).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("queue position for user %s: %w", userID, err)
	}
	return pos, nil
}

// FailedItems lists terminally failed items for a user with their last
// error, for UI visibility.
func (s *Store) FailedItems(ctx context.Context, userID uuid.UUID) ([]QueueItem, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, activity_id, user_id, priority, status, attempts, max_attempts,
		       next_retry_at, last_error, created_at, updated_at
		FROM enrichment_queue
		WHERE user_id = $1 AND status = 'failed'
		ORDER BY updated_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed items for user %s: %w", userID, err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var it QueueItem
		if err := rows.Scan(&it.ID, &it.ActivityID, &it.UserID, &it.Priority, &it.Status,
			&it.Attempts, &it.MaxAttempts, &it.NextRetryAt, &it.LastError,
			&it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
