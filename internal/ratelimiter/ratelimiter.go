// Package ratelimiter wraps golang.org/x/time/rate behind the small surface
// the background workers need. The orphan scanner paces its per-inode work
// with a limiter so a large backlog never monopolizes the item store.
package ratelimiter

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket limiter safe for concurrent use.
//
// Tokens accumulate at a sustained rate up to the burst capacity and each
// operation consumes one. Callers either reject when the bucket is empty
// (Allow) or block until a token arrives (Wait).
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing opsPerSecond sustained with the given burst
// capacity. opsPerSecond of 0 disables limiting.
func New(opsPerSecond, burst uint) *RateLimiter {
	if opsPerSecond == 0 {
		// effectively unlimited; rate.Inf skips burst accounting and
		// behaves oddly with Wait under cancellation
		opsPerSecond = 1_000_000_000
		burst = opsPerSecond
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(opsPerSecond), int(burst)),
	}
}

// Allow consumes a token if one is available and reports whether it did.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// AllowN consumes n tokens if all are available and reports whether it did.
// No tokens are consumed on failure.
func (r *RateLimiter) AllowN(n uint) bool {
	return r.limiter.AllowN(time.Now(), int(n))
}

// Wait blocks until a token is available or ctx is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// SetLimit changes the sustained rate. A rate of 0 disables limiting.
func (r *RateLimiter) SetLimit(opsPerSecond uint) {
	if opsPerSecond == 0 {
		opsPerSecond = 1_000_000_000
	}
	r.limiter.SetLimit(rate.Limit(opsPerSecond))
	if uint(r.limiter.Burst()) < opsPerSecond {
		r.limiter.SetBurst(int(opsPerSecond))
	}
}

// Tokens reports the tokens currently available, for monitoring.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
