package transfer

import (
	"sync"
	"time"
)

// RateLimiter is a per-key token bucket. Each key accrues tokens
// continuously at rate/window and holds at most rate tokens; one token is
// spent per admitted call.
type RateLimiter struct {
	mu      sync.Mutex
	rate    float64
	window  time.Duration
	buckets map[string]*bucket

	now func() time.Time
}

type bucket struct {
	allowance  float64
	lastRefill time.Time
}

// NewRateLimiter builds a limiter admitting rate calls per window for each
// key (defaults 100 per 60s).
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	if rate <= 0 {
		rate = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		rate:    float64(rate),
		window:  window,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Acquire spends one token for key, reporting whether the call is admitted.
// A rejection is advisory (429), never an error to retry against.
func (rl *RateLimiter) Acquire(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{allowance: rl.rate, lastRefill: now}
		rl.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.allowance += elapsed * rl.rate / rl.window.Seconds()
	if b.allowance > rl.rate {
		b.allowance = rl.rate
	}
	b.lastRefill = now

	if b.allowance < 1.0 {
		return false
	}
	b.allowance -= 1.0
	return true
}
