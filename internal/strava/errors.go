package strava

import "errors"

// The error kinds the enrichment core distinguishes. Workers classify
// with errors.Is and decide between retry, terminal failure, and backing
// off for the day.
var (
	// ErrQuotaExhausted means the internal daily budget is spent; the
	// request was never issued and the work stays pending.
	ErrQuotaExhausted = errors.New("strava: daily quota exhausted")

	// ErrRateLimited means the upstream answered 429; the daily counter
	// has been pinned and the item retries with backoff.
	ErrRateLimited = errors.New("strava: rate limited by upstream")

	// ErrUnauthorized means the token could not be refreshed; the user
	// must reconnect.
	ErrUnauthorized = errors.New("strava: unauthorized")

	// ErrTransient covers timeouts, network failures, and 5xx answers.
	ErrTransient = errors.New("strava: transient upstream error")
)
