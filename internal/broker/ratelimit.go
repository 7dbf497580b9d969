// ratelimit.go implements token-bucket rate limiting for the ProjectX
// gateway API.
//
// The gateway budgets roughly 200 requests per minute per session. Retries
// inside the client multiply call volume, so each request category waits on
// a smooth token bucket that refills continuously rather than in bursts.
//
// Three buckets are maintained:
//   - Auth:   5 burst / 0.5 per sec — loginKey is called once per token life
//   - Order:  60 burst / 2 per sec  — place/cancel
//   - Search: 60 burst / 2 per sec  — account/contract/position/order reads
package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by gateway endpoint category.
type RateLimiter struct {
	Auth   *TokenBucket // POST /Auth/loginKey
	Order  *TokenBucket // POST /Order/place, /Order/cancel
	Search *TokenBucket // POST /Account|Contract|Position|Order search
}

// NewRateLimiter creates rate limiters sized for the gateway's per-minute budget.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Auth:   NewTokenBucket(5, 0.5),
		Order:  NewTokenBucket(60, 2),
		Search: NewTokenBucket(60, 2),
	}
}
