// Package strava isolates every call to the upstream provider behind a
// small surface with uniform quota gating and error classification.
package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultAPIBase is the production API root.
	DefaultAPIBase = "https://www.strava.com/api/v3"

	requestTimeout = 30 * time.Second
	listPageSize   = 200
)

// Gate is the quota manager surface the client consumes.
type Gate interface {
	MayProceed(ctx context.Context) (bool, error)
	RecordUse(ctx context.Context)
	ForceDailyExhausted(ctx context.Context)
}

// TokenSource yields a valid access token for a user, refreshing and
// persisting a rotated pair when needed.
type TokenSource interface {
	AccessToken(ctx context.Context, userID uuid.UUID) (string, error)
}

// Client talks to the upstream API. All methods return (nil, nil) when
// the upstream answers 404: the resource is gone, not an error.
type Client struct {
	base   string
	http   *http.Client
	gate   Gate
	tokens TokenSource
	log    zerolog.Logger
}

// NewClient creates an upstream client gated by the quota manager.
func NewClient(base string, gate Gate, tokens TokenSource, log zerolog.Logger) *Client {
	if base == "" {
		base = DefaultAPIBase
	}
	return &Client{
		base:   base,
		http:   &http.Client{Timeout: requestTimeout},
		gate:   gate,
		tokens: tokens,
		log:    log.With().Str("component", "strava").Logger(),
	}
}

// get runs one gated request and returns the body, or nil on 404.
func (c *Client) get(ctx context.Context, userID uuid.UUID, path string, params url.Values) ([]byte, error) {
	ok, err := c.gate.MayProceed(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrQuotaExhausted
	}

	token, err := c.tokens.AccessToken(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	u := c.base + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		c.gate.ForceDailyExhausted(ctx)
		return nil, ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d on %s", ErrUnauthorized, resp.StatusCode, path)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d on %s", ErrTransient, resp.StatusCode, path)
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("GET %s -> %s: %s", path, resp.Status, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	c.gate.RecordUse(ctx)
	return body, nil
}

// ActivityDetail fetches the summary representation, polyline included.
func (c *Client) ActivityDetail(ctx context.Context, userID uuid.UUID, upstreamID int64) (*ActivitySummary, error) {
	body, err := c.get(ctx, userID, fmt.Sprintf("/activities/%d", upstreamID),
		url.Values{"include_all_efforts": {"true"}})
	if err != nil || body == nil {
		return nil, err
	}
	var a ActivitySummary
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("decode activity %d: %w", upstreamID, err)
	}
	return &a, nil
}

// ActivityStreams fetches the per-sample streams keyed by type.
func (c *Client) ActivityStreams(ctx context.Context, userID uuid.UUID, upstreamID int64) (RawJSON, error) {
	return c.get(ctx, userID, fmt.Sprintf("/activities/%d/streams", upstreamID),
		url.Values{"keys": {streamKeys}, "key_by_type": {"true"}})
}

// ActivityLaps fetches the ordered lap summaries.
func (c *Client) ActivityLaps(ctx context.Context, userID uuid.UUID, upstreamID int64) (RawJSON, error) {
	return c.get(ctx, userID, fmt.Sprintf("/activities/%d/laps", upstreamID), nil)
}

// ActivitySegmentEfforts fetches the activity's segment efforts.
func (c *Client) ActivitySegmentEfforts(ctx context.Context, userID uuid.UUID, upstreamID int64) (RawJSON, error) {
	return c.get(ctx, userID, fmt.Sprintf("/activities/%d/segment_efforts", upstreamID), nil)
}

// AthleteActivities fetches one page of the athlete's activities after
// the given instant, paginated at 200 per page.
func (c *Client) AthleteActivities(ctx context.Context, userID uuid.UUID, after time.Time, page int) ([]ActivitySummary, error) {
	body, err := c.get(ctx, userID, "/athlete/activities", url.Values{
		"after":    {strconv.FormatInt(after.Unix(), 10)},
		"per_page": {strconv.Itoa(listPageSize)},
		"page":     {strconv.Itoa(page)},
	})
	if err != nil || body == nil {
		return nil, err
	}
	var items []ActivitySummary
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("decode athlete activities page %d: %w", page, err)
	}
	return items, nil
}
