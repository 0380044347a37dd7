// Package quota enforces per-principal request rate limits.
package quota

import (
	"math"
	"sync"
	"time"
)

// RateLimiter implements per-principal token bucket rate limiting.
type RateLimiter struct {
	mu      sync.Mutex
	rpm     int
	buckets map[string]*tokenBucket
	now     func() time.Time
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter creates a limiter allowing rpm requests per minute per
// principal. rpm=0 means unlimited.
func NewRateLimiter(rpm int) *RateLimiter {
	return &RateLimiter{
		rpm:     rpm,
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
}

// Enabled reports whether any limit is enforced.
func (rl *RateLimiter) Enabled() bool {
	return rl.rpm > 0
}

// Allow checks if a request from principal should be allowed.
func (rl *RateLimiter) Allow(principal string) bool {
	if rl.rpm <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket := rl.refill(principal)
	if bucket.tokens < 1 {
		return false
	}
	bucket.tokens--
	return true
}

// RetryAfter returns the number of seconds until the next token is available.
func (rl *RateLimiter) RetryAfter(principal string) int {
	if rl.rpm <= 0 {
		return 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.buckets[principal]
	if !ok || bucket.tokens >= 1 {
		return 0
	}

	needed := 1.0 - bucket.tokens
	return int(math.Ceil(needed * 60 / float64(rl.rpm)))
}

// Cleanup removes buckets for principals that haven't been seen recently.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxAge)
	removed := 0
	for principal, bucket := range rl.buckets {
		if bucket.lastRefill.Before(cutoff) {
			delete(rl.buckets, principal)
			removed++
		}
	}
	return removed
}

// refill must be called with mu held.
func (rl *RateLimiter) refill(principal string) *tokenBucket {
	now := rl.now()
	bucket, ok := rl.buckets[principal]
	if !ok {
		bucket = &tokenBucket{tokens: float64(rl.rpm), lastRefill: now}
		rl.buckets[principal] = bucket
		return bucket
	}

	bucket.tokens += now.Sub(bucket.lastRefill).Seconds() * rl.refillRate()
	if limit := float64(rl.rpm); bucket.tokens > limit {
		bucket.tokens = limit
	}
	bucket.lastRefill = now
	return bucket
}

func (rl *RateLimiter) refillRate() float64 {
	return float64(rl.rpm) / 60.0
}
