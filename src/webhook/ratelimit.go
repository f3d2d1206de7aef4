package webhook

import (
	"sync"
	"time"
)

// tokenBucket is a minimal token-bucket limiter. Tokens refill continuously
// at rate/sec up to burst; each admitted request consumes one.
type tokenBucket struct {
	rate       float64
	burst      float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(rate, burst float64, now time.Time) *tokenBucket {
	if burst < rate {
		burst = rate
	}
	return &tokenBucket{
		rate:       rate,
		burst:      burst,
		tokens:     burst,
		lastRefill: now,
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// RateLimiter enforces a per-webhook, per-client-IP request budget. Buckets
// are created lazily and swept once they have been idle long enough to be
// full again, keeping the map bounded by the set of currently active callers.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	sweepAt time.Time
	now     func() time.Time
}

const bucketIdleSweep = 5 * time.Minute

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
}

// Allow admits or rejects one request for the webhook+IP pair given the
// webhook's per-minute budget. A non-positive budget disables limiting.
func (l *RateLimiter) Allow(webhookToken, clientIP string, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}

	now := l.now()
	key := webhookToken + "|" + clientIP

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.sweepAt) {
		l.sweep(now)
		l.sweepAt = now.Add(bucketIdleSweep)
	}

	bucket, ok := l.buckets[key]
	if !ok {
		bucket = newTokenBucket(float64(perMinute)/60.0, float64(perMinute), now)
		l.buckets[key] = bucket
	}
	return bucket.allow(now)
}

func (l *RateLimiter) sweep(now time.Time) {
	for key, bucket := range l.buckets {
		if now.Sub(bucket.lastRefill) > bucketIdleSweep {
			delete(l.buckets, key)
		}
	}
}

func (l *RateLimiter) bucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
