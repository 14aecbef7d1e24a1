// Package ratelimit provides rate limiting domain types.
package ratelimit

import "time"

// Window is the span over which requests are counted.
const Window = time.Minute

// Result is the outcome of a rate limit check.
type Result struct {
	// Allowed indicates whether the request may proceed.
	Allowed bool

	// Remaining is the number of further requests allowed in the current
	// window. Zero when Allowed is false.
	Remaining int

	// ResetAt is when capacity next becomes available: for a rejected
	// request, the earliest in-window timestamp plus the window length.
	ResetAt time.Time
}

// RetryAfterSeconds returns the whole seconds until ResetAt, at least 1.
// Intended for the Retry-After response header of a rejected request.
func (r Result) RetryAfterSeconds() int {
	secs := int(time.Until(r.ResetAt).Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter is a sliding-window counter keyed by an opaque string,
// typically a client IP.
type Limiter interface {
	// Check records an attempt for key under the given per-window limit
	// and reports whether it is allowed. Operations on a single key are
	// mutually exclusive; distinct keys are independent.
	Check(key string, limit int) Result

	// Destroy stops background compaction. Safe to call multiple times.
	Destroy()
}
