package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const userColumns = `id, strava_athlete_id, access_token, refresh_token,
	token_expiry, max_hr, last_synced_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.StravaAthleteID, &u.AccessToken, &u.RefreshToken,
		&u.TokenExpiry, &u.MaxHR, &u.LastSyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser returns the user or nil when unknown.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

// GetUserByAthleteID resolves a webhook owner_id to a local user, or nil.
func (s *Store) GetUserByAthleteID(ctx context.Context, athleteID int64) (*User, error) {
	u, err := scanUser(s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE strava_athlete_id = $1`, athleteID))
	if err != nil {
		return nil, fmt.Errorf("get user by athlete id %d: %w", athleteID, err)
	}
	return u, nil
}

// UpdateUserTokens persists a rotated token pair before it is used.
func (s *Store) UpdateUserTokens(ctx context.Context, id uuid.UUID, access, refresh string, expiry time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE users
		SET access_token = $2, refresh_token = $3, token_expiry = $4
		WHERE id = $1`,
		id, access, refresh, expiry)
	if err != nil {
		return fmt.Errorf("update tokens for user %s: %w", id, err)
	}
	return nil
}

// UpdateLastSyncedAt records the delta-sync cursor.
func (s *Store) UpdateLastSyncedAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE users SET last_synced_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("update last synced for user %s: %w", id, err)
	}
	return nil
}
