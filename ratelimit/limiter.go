// Package ratelimit provides per-subscription token bucket rate limiting.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter tracks a token bucket per subscription. Buckets are created lazily
// on first use and rebuilt when a subscription's configured rate changes.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	rate   float64 // tokens per second, also the burst capacity
	tokens float64
	at     time.Time // last refill
}

// New creates a new rate limiter with no buckets.
func New() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether a delivery attempt for the subscription may proceed
// right now, consuming one token if so. A rateLimit of 0 or less means
// unlimited; any state held for the subscription is dropped so a later
// re-enabled limit starts from a full bucket.
func (l *Limiter) Allow(subscriptionID string, rateLimit int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rateLimit <= 0 {
		delete(l.buckets, subscriptionID)
		return true
	}

	rate := float64(rateLimit)
	b, ok := l.buckets[subscriptionID]
	if !ok || b.rate != rate {
		// New subscription, or its limit was reconfigured. Start full.
		b = &bucket{rate: rate, tokens: rate, at: time.Now()}
		l.buckets[subscriptionID] = b
	}

	now := time.Now()
	b.tokens += now.Sub(b.at).Seconds() * b.rate
	if b.tokens > b.rate {
		b.tokens = b.rate
	}
	b.at = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
