package webhook

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testSignal(action string) *Signal {
	s := &Signal{Action: action, Symbol: "MES"}
	_ = s.Normalize()
	return s
}

func TestKeyIsDeterministic(t *testing.T) {
	first := Key("tok-abc", testSignal("buy"))
	second := Key("tok-abc", testSignal("BUY"))
	if first != second {
		t.Fatalf("normalized identical signals must collide: %s vs %s", first, second)
	}

	if Key("tok-abc", testSignal("SELL")) == first {
		t.Fatalf("different actions must not collide")
	}
	if Key("tok-other", testSignal("BUY")) == first {
		t.Fatalf("different webhooks must not collide")
	}
}

func TestIdempotencyCacheReturnsCachedResponseWithinTTL(t *testing.T) {
	cache := NewIdempotencyCache(time.Second)
	base := time.Now()
	cache.now = func() time.Time { return base }

	key := Key("tok-abc", testSignal("BUY"))
	if _, found := cache.PutIfAbsent(key, CachedResponse{StatusCode: 200, Body: []byte(`{"status":"accepted"}`)}); found {
		t.Fatalf("first write must win the reservation")
	}

	cached, found := cache.PutIfAbsent(key, CachedResponse{StatusCode: 200, Body: []byte(`other`)})
	if !found {
		t.Fatalf("expected cache hit inside TTL")
	}
	if string(cached.Body) != `{"status":"accepted"}` {
		t.Fatalf("cached body must be verbatim, got %s", cached.Body)
	}

	cache.now = func() time.Time { return base.Add(1500 * time.Millisecond) }
	if _, found := cache.PutIfAbsent(key, CachedResponse{StatusCode: 200}); found {
		t.Fatalf("expected cache miss after TTL")
	}
}

func TestIdempotencyCacheSingleWinnerUnderContention(t *testing.T) {
	cache := NewIdempotencyCache(time.Second)
	key := Key("tok-abc", testSignal("BUY"))

	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, found := cache.PutIfAbsent(key, CachedResponse{StatusCode: 200}); !found {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Fatalf("exactly one concurrent duplicate may win the reservation, got %d", winners.Load())
	}
}

func TestIdempotencyCacheDeleteReleasesReservation(t *testing.T) {
	cache := NewIdempotencyCache(time.Second)
	key := Key("tok-abc", testSignal("BUY"))

	cache.PutIfAbsent(key, CachedResponse{StatusCode: 200})
	cache.Delete(key)

	if _, found := cache.PutIfAbsent(key, CachedResponse{StatusCode: 200}); found {
		t.Fatalf("deleted key must be reservable again")
	}
}

func TestIdempotencyCacheSweepsExpiredOnWrite(t *testing.T) {
	cache := NewIdempotencyCache(time.Second)
	base := time.Now()
	cache.now = func() time.Time { return base }

	for i := 0; i < 10; i++ {
		cache.PutIfAbsent(Key("tok", &Signal{Action: "BUY", Symbol: string(rune('A' + i))}), CachedResponse{StatusCode: 200})
	}
	if cache.size() != 10 {
		t.Fatalf("expected 10 live entries, got %d", cache.size())
	}

	cache.now = func() time.Time { return base.Add(2 * time.Second) }
	cache.PutIfAbsent("fresh-key", CachedResponse{StatusCode: 200})

	if cache.size() != 1 {
		t.Fatalf("expected expired entries swept on write, got %d", cache.size())
	}
}

func TestRateLimiterEnforcesBudget(t *testing.T) {
	limiter := NewRateLimiter()
	base := time.Now()
	limiter.now = func() time.Time { return base }

	admitted := 0
	for i := 0; i < 100; i++ {
		if limiter.Allow("tok", "1.2.3.4", 60) {
			admitted++
		}
	}
	if admitted != 60 {
		t.Fatalf("expected burst of 60 admitted, got %d", admitted)
	}

	// One second later one token has refilled.
	limiter.now = func() time.Time { return base.Add(time.Second) }
	if !limiter.Allow("tok", "1.2.3.4", 60) {
		t.Fatalf("expected a refilled token after one second")
	}
	if limiter.Allow("tok", "1.2.3.4", 60) {
		t.Fatalf("expected only one token refilled")
	}
}

func TestRateLimiterKeysPerIP(t *testing.T) {
	limiter := NewRateLimiter()
	base := time.Now()
	limiter.now = func() time.Time { return base }

	for i := 0; i < 60; i++ {
		limiter.Allow("tok", "1.1.1.1", 60)
	}
	if limiter.Allow("tok", "1.1.1.1", 60) {
		t.Fatalf("first caller should be exhausted")
	}
	if !limiter.Allow("tok", "2.2.2.2", 60) {
		t.Fatalf("second caller has its own bucket")
	}
}

func TestRateLimiterSweepsIdleBuckets(t *testing.T) {
	limiter := NewRateLimiter()
	base := time.Now()
	limiter.now = func() time.Time { return base }

	limiter.Allow("tok", "1.1.1.1", 60)
	limiter.Allow("tok", "2.2.2.2", 60)
	if limiter.bucketCount() != 2 {
		t.Fatalf("expected 2 buckets, got %d", limiter.bucketCount())
	}

	limiter.now = func() time.Time { return base.Add(10 * time.Minute) }
	limiter.Allow("tok", "3.3.3.3", 60)

	if limiter.bucketCount() != 1 {
		t.Fatalf("expected idle buckets swept, got %d", limiter.bucketCount())
	}
}

func TestRateLimiterDisabledBudget(t *testing.T) {
	limiter := NewRateLimiter()
	for i := 0; i < 1000; i++ {
		if !limiter.Allow("tok", "1.1.1.1", 0) {
			t.Fatalf("zero budget must disable limiting")
		}
	}
}
