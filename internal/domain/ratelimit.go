package domain

import "time"

// RateLimitBucket identifies a named limiting policy for a class of API
// routes. Buckets are registered once and immutable afterwards except by
// explicit re-registration.
type RateLimitBucket struct {
	Key    string        `json:"key"`
	Window time.Duration `json:"window"`
	Limit  int64         `json:"limit"`
}

// RateLimitDecision is the outcome of one Acquire call. Allowed means the
// request may go out now; otherwise the caller must wait RetryAfter first.
type RateLimitDecision struct {
	Allowed    bool          `json:"allowed"`
	RetryAfter time.Duration `json:"retry_after"`
	Count      int64         `json:"count"`
}
