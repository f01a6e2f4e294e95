package strava

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/stridesync/stridesync/internal/store"
)

// refreshMargin is how close to expiry a token may get before a refresh
// happens ahead of the call.
const refreshMargin = 5 * time.Minute

// DefaultTokenURL is the production token endpoint.
const DefaultTokenURL = "https://www.strava.com/oauth/token"

// CredentialStore is the slice of the store the token provider needs.
type CredentialStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*store.User, error)
	UpdateUserTokens(ctx context.Context, id uuid.UUID, access, refresh string, expiry time.Time) error
}

// TokenProvider hands out valid access tokens, refreshing through the
// OAuth endpoint when a token is inside the expiry margin. Concurrent
// refreshes for the same user collapse into one flight so a rotated
// refresh token is never raced away.
type TokenProvider struct {
	conf  *oauth2.Config
	users CredentialStore
	log   zerolog.Logger
	group singleflight.Group
}

// NewTokenProvider builds the credential collaborator.
func NewTokenProvider(clientID, clientSecret, tokenURL string, users CredentialStore, log zerolog.Logger) *TokenProvider {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &TokenProvider{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		},
		users: users,
		log:   log.With().Str("component", "tokens").Logger(),
	}
}

// AccessToken returns a token valid for at least the refresh margin.
func (p *TokenProvider) AccessToken(ctx context.Context, userID uuid.UUID) (string, error) {
	u, err := p.users.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if u == nil || u.AccessToken == nil || u.RefreshToken == nil {
		return "", fmt.Errorf("user %s has no provider connection", userID)
	}

	if u.TokenExpiry != nil && time.Until(*u.TokenExpiry) > refreshMargin {
		return *u.AccessToken, nil
	}

	// one refresh per user at a time; everyone else waits for its result
	tok, err, _ := p.group.Do(userID.String(), func() (any, error) {
		return p.refresh(ctx, userID)
	})
	if err != nil {
		return "", err
	}
	return tok.(string), nil
}

func (p *TokenProvider) refresh(ctx context.Context, userID uuid.UUID) (string, error) {
	// re-read inside the flight: another caller may have just rotated
	u, err := p.users.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if u == nil || u.RefreshToken == nil {
		return "", fmt.Errorf("user %s has no refresh token", userID)
	}
	if u.TokenExpiry != nil && time.Until(*u.TokenExpiry) > refreshMargin {
		return *u.AccessToken, nil
	}

	src := p.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: *u.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("refresh token for user %s: %w", userID, err)
	}

	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = *u.RefreshToken
	}
	// the rotated pair must be durable before the token is used
	if err := p.users.UpdateUserTokens(ctx, userID, tok.AccessToken, refresh, tok.Expiry); err != nil {
		return "", fmt.Errorf("persist rotated tokens for user %s: %w", userID, err)
	}

	p.log.Info().Str("user_id", userID.String()).Time("expiry", tok.Expiry).Msg("token refreshed")
	return tok.AccessToken, nil
}
