// Package quota enforces the upstream provider's rolling call limits
// across all workers and processes via shared Redis counters.
package quota

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	dailyKey = "strava:quota:daily"
	shortKey = "strava:quota:15min"

	shortWindow = 15 * time.Minute
)

// Status reports counter state with at most one second of staleness.
type Status struct {
	DailyUsed      int       `json:"daily_used"`
	DailyLimit     int       `json:"daily_limit"`
	ShortUsed      int       `json:"short_used"`
	ShortLimit     int       `json:"short_limit"`
	NextShortReset time.Time `json:"next_short_reset"`
	NextDailyReset time.Time `json:"next_daily_reset"`
}

// Manager tracks the two rolling windows. A nil or unreachable Redis
// degrades to "unlimited" with a warning rather than stopping workers.
type Manager struct {
	rdb        *redis.Client
	log        zerolog.Logger
	dailyLimit int
	shortLimit int

	// replaced in tests to avoid real sleeps
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a quota manager over the shared Redis client.
func NewManager(rdb *redis.Client, dailyLimit, shortLimit int, log zerolog.Logger) *Manager {
	return &Manager{
		rdb:        rdb,
		log:        log.With().Str("component", "quota").Logger(),
		dailyLimit: dailyLimit,
		shortLimit: shortLimit,
		now:        time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// untilNextUTCMidnight is always positive: exactly at midnight the counter
// belongs to the new day and lives a full 24h.
func (m *Manager) untilNextUTCMidnight() time.Duration {
	now := m.now().UTC()
	next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	d := next.Sub(now)
	if d <= 0 {
		d = 24 * time.Hour
	}
	return d
}

// readCounter returns the counter value and repairs a missing TTL, which
// can be left behind by a crash between INCR and EXPIRE.
func (m *Manager) readCounter(ctx context.Context, key string, ttl time.Duration) (int, time.Duration, error) {
	pipe := m.rdb.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, err
	}

	n, err := getCmd.Int()
	if err == redis.Nil {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}

	remaining := ttlCmd.Val()
	if remaining < 0 {
		// orphan key without expiry: repair it
		if err := m.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return n, 0, err
		}
		remaining = ttl
	}
	return n, remaining, nil
}

// MayProceed returns false when the daily budget is spent. When only the
// short window is exhausted it blocks the caller until the window ends,
// then allows the call.
func (m *Manager) MayProceed(ctx context.Context) (bool, error) {
	daily, _, err := m.readCounter(ctx, dailyKey, m.untilNextUTCMidnight())
	if err != nil {
		m.log.Warn().Err(err).Msg("quota store unreachable, allowing request")
		return true, nil
	}
	if daily >= m.dailyLimit {
		return false, nil
	}

	short, remaining, err := m.readCounter(ctx, shortKey, shortWindow)
	if err != nil {
		m.log.Warn().Err(err).Msg("quota store unreachable, allowing request")
		return true, nil
	}
	if short >= m.shortLimit {
		if remaining <= 0 {
			remaining = shortWindow
		}
		m.log.Info().Dur("wait", remaining).Msg("short window exhausted, waiting for reset")
		if err := m.sleep(ctx, remaining); err != nil {
			return false, err
		}
	}
	return true, nil
}

// RecordUse atomically increments both counters, applying the correct TTL
// whenever a counter is newly created or found without one.
func (m *Manager) RecordUse(ctx context.Context) {
	pipe := m.rdb.Pipeline()
	dailyIncr := pipe.Incr(ctx, dailyKey)
	dailyTTL := pipe.TTL(ctx, dailyKey)
	shortIncr := pipe.Incr(ctx, shortKey)
	shortTTL := pipe.TTL(ctx, shortKey)
	if _, err := pipe.Exec(ctx); err != nil {
		m.log.Warn().Err(err).Msg("failed to record quota use")
		return
	}

	if dailyIncr.Val() == 1 || dailyTTL.Val() < 0 {
		if err := m.rdb.Expire(ctx, dailyKey, m.untilNextUTCMidnight()).Err(); err != nil {
			m.log.Warn().Err(err).Msg("failed to set daily quota TTL")
		}
	}
	if shortIncr.Val() == 1 || shortTTL.Val() < 0 {
		if err := m.rdb.Expire(ctx, shortKey, shortWindow).Err(); err != nil {
			m.log.Warn().Err(err).Msg("failed to set short quota TTL")
		}
	}
}

// ForceDailyExhausted pins the daily counter to its limit until the next
// UTC midnight. Called on an upstream 429 so the whole fleet backs off.
func (m *Manager) ForceDailyExhausted(ctx context.Context) {
	if err := m.rdb.Set(ctx, dailyKey, m.dailyLimit, m.untilNextUTCMidnight()).Err(); err != nil {
		m.log.Warn().Err(err).Msg("failed to force daily quota exhaustion")
		return
	}
	m.log.Warn().Int("limit", m.dailyLimit).Msg("daily quota forced exhausted after upstream 429")
}

// CurrentStatus reads both counters and derives the reset instants from
// the cache entry TTLs.
func (m *Manager) CurrentStatus(ctx context.Context) Status {
	st := Status{DailyLimit: m.dailyLimit, ShortLimit: m.shortLimit}
	now := m.now()

	daily, dailyTTL, err := m.readCounter(ctx, dailyKey, m.untilNextUTCMidnight())
	if err != nil {
		m.log.Warn().Err(err).Msg("quota store unreachable while reading status")
	} else {
		st.DailyUsed = daily
	}
	if dailyTTL > 0 {
		st.NextDailyReset = now.Add(dailyTTL)
	} else {
		st.NextDailyReset = now.Add(m.untilNextUTCMidnight())
	}

	short, shortTTL, err := m.readCounter(ctx, shortKey, shortWindow)
	if err == nil {
		st.ShortUsed = short
	}
	if shortTTL > 0 {
		st.NextShortReset = now.Add(shortTTL)
	} else {
		st.NextShortReset = now.Add(shortWindow)
	}
	return st
}
