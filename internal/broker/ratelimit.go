package broker

import (
	"context"
	"sync"
	"time"
)

// tokenBucket is a simple per-account rate limiter. Refill happens lazily
// on Wait so no background goroutine is needed per account.
type tokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(capacity, refillPerSecond float64) *tokenBucket {
	return &tokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillPerSecond,
		lastRefill: time.Now(),
	}
}

func (b *tokenBucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// Wait blocks (respecting ctx) until a token is available, then consumes
// it. It never holds b.mu across the sleep, so unrelated accounts (each
// with their own bucket) are never blocked by one account's wait.
func (b *tokenBucket) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		b.refillLocked()
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		deficit := 1 - b.tokens
		wait := time.Duration(deficit/b.refillRate*1000) * time.Millisecond
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// limiterRegistry hands out one bucket per account, created on first use.
type limiterRegistry struct {
	mu       sync.Mutex
	buckets  map[string]*tokenBucket
	capacity float64
	refill   float64
}

func newLimiterRegistry(capacity, refillPerSecond float64) *limiterRegistry {
	return &limiterRegistry{
		buckets:  make(map[string]*tokenBucket),
		capacity: capacity,
		refill:   refillPerSecond,
	}
}

func (r *limiterRegistry) forAccount(accountID string) *tokenBucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[accountID]
	if !ok {
		b = newTokenBucket(r.capacity, r.refill)
		r.buckets[accountID] = b
	}
	return b
}
