package models

import (
	"math"
	"time"

	dErrors "kycgate/pkg/domain-errors"
)

const (
	DefaultMaxRequests = 60
	DefaultWindow      = 60 * time.Second
)

// Limit is the fixed-window ceiling applied to every client.
type Limit struct {
	MaxRequests int
	Window      time.Duration
}

// NewLimit validates a configured limit.
func NewLimit(maxRequests int, window time.Duration) (Limit, error) {
	if maxRequests <= 0 {
		return Limit{}, dErrors.New(dErrors.CodeInvariantViolation, "max requests must be positive")
	}
	if window <= 0 {
		return Limit{}, dErrors.New(dErrors.CodeInvariantViolation, "window must be positive")
	}
	return Limit{MaxRequests: maxRequests, Window: window}, nil
}

// Window is one client's counter. Count includes rejected attempts.
type Window struct {
	Count int
	Start time.Time
}

// Expired reports whether the window is older than length at now.
func (w Window) Expired(now time.Time, length time.Duration) bool {
	return now.Sub(w.Start) > length
}

// Result is the outcome of a single admission check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter is whole seconds until the window resets; set only when denied.
	RetryAfter int
	// Degraded is true when the decision came from the fallback store.
	Degraded bool
}

// NewResult derives the admission outcome for a window holding count hits.
func NewResult(count int, limit Limit, resetAt, now time.Time) *Result {
	r := &Result{
		Allowed:   count <= limit.MaxRequests,
		Limit:     limit.MaxRequests,
		Remaining: max(limit.MaxRequests-count, 0),
		ResetAt:   resetAt,
	}
	if !r.Allowed {
		r.RetryAfter = max(int(math.Ceil(resetAt.Sub(now).Seconds())), 1)
	}
	return r
}
