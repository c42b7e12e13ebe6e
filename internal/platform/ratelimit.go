package platform

import (
	"context"
	"sync"
	"time"

	"conductor/internal/types"
)

// RateLimiter is a token bucket per (provider, credential) gating model
// calls. Bucket exhaustion suspends callers; waits respect cancellation.
type RateLimiter struct {
	mu      sync.Mutex
	clock   Clock
	rate    float64 // tokens per second
	burst   float64
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewRateLimiter creates a limiter refilling rate tokens/sec up to burst.
func NewRateLimiter(clock Clock, rate, burst float64) *RateLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	return &RateLimiter{
		clock:   clock,
		rate:    rate,
		burst:   burst,
		buckets: make(map[string]*bucket),
	}
}

// Wait blocks until one token is available for the key or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context, provider, credential string) error {
	key := provider + "/" + credential
	for {
		r.mu.Lock()
		b, ok := r.buckets[key]
		now := r.clock.Now()
		if !ok {
			b = &bucket{tokens: r.burst, last: now}
			r.buckets[key] = b
		}
		b.tokens += now.Sub(b.last).Seconds() * r.rate
		if b.tokens > r.burst {
			b.tokens = r.burst
		}
		b.last = now
		if b.tokens >= 1 {
			b.tokens--
			r.mu.Unlock()
			return nil
		}
		deficit := 1 - b.tokens
		r.mu.Unlock()

		wait := time.Duration(deficit / r.rate * float64(time.Second))
		if wait < 5*time.Millisecond {
			wait = 5 * time.Millisecond
		}
		if err := r.clock.Sleep(ctx, wait); err != nil {
			return &types.RateLimitedError{Provider: provider}
		}
	}
}
