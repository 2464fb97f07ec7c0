// Package admission gates inbound command throughput with a global token
// bucket and provides the bounded retry policy clients apply on overload.
package admission

import (
	"errors"
	"sync"
	"time"
)

// ErrOverloaded is the standardized failure for a request rejected by the limiter.
var ErrOverloaded = errors.New("too many requests")

// Limiter admits or rejects a single request without waiting.
type Limiter interface {
	Allow() bool
}

// TokenBucket is a token bucket replenished in whole periods: every period,
// refill tokens are added, never exceeding capacity. Requests beyond the
// available tokens are rejected immediately; nothing is queued.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int
	refill     int
	period     time.Duration
	tokens     int
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a full bucket.
//
// Precondition: capacity, refill and period must be > 0. now may be nil, in which case time.Now is used.
func NewTokenBucket(capacity, refill int, period time.Duration, now func() time.Time) *TokenBucket {
	if capacity <= 0 || refill <= 0 || period <= 0 {
		panic("admission.NewTokenBucket: capacity, refill and period must be > 0")
	}
	if now == nil {
		now = time.Now
	}
	return &TokenBucket{
		capacity:   capacity,
		refill:     refill,
		period:     period,
		tokens:     capacity,
		lastRefill: now(),
		now:        now,
	}
}

// Allow takes one token if available.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replenish()
	if b.tokens == 0 {
		return false
	}
	b.tokens--
	return true
}

// Tokens returns the tokens currently available.
func (b *TokenBucket) Tokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replenish()
	return b.tokens
}

// replenish adds the tokens of every whole period elapsed since the last refill.
// Caller must hold b.mu.
func (b *TokenBucket) replenish() {
	elapsed := b.now().Sub(b.lastRefill)
	if elapsed < b.period {
		return
	}
	periods := int(elapsed / b.period)
	b.tokens = min(b.capacity, b.tokens+periods*b.refill)
	b.lastRefill = b.lastRefill.Add(time.Duration(periods) * b.period)
}
