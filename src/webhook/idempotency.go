package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// CachedResponse is the verbatim first answer for a dedupe key. Replays
// within the TTL get exactly these bytes back.
type CachedResponse struct {
	StatusCode int
	Body       []byte
}

// IdempotencyCache collapses upstream retry storms: the same logical signal
// hitting the same webhook twice inside the TTL returns the cached response
// instead of executing trades again. The TTL is deliberately short so
// legitimate rapid re-signals (new bar, same direction) still go through.
type IdempotencyCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	response  CachedResponse
	expiresAt time.Time
}

func NewIdempotencyCache(ttl time.Duration) *IdempotencyCache {
	if ttl <= 0 {
		ttl = time.Second
	}
	return &IdempotencyCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Key derives the dedupe key from the webhook token and the canonical
// payload. Deterministic: identical logical signals always collide.
func Key(webhookToken string, signal *Signal) string {
	sum := sha256.Sum256([]byte(webhookToken + "\n" + signal.CanonicalJSON()))
	return hex.EncodeToString(sum[:])
}

// PutIfAbsent reserves the key with response unless a live entry already
// exists, in which case the existing response comes back with found=true.
// Check and reservation happen under one lock, so of two concurrent
// duplicates exactly one wins. Expired entries are swept opportunistically
// on write so the map stays bounded by the TTL window.
func (c *IdempotencyCache) PutIfAbsent(key string, response CachedResponse) (CachedResponse, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, k)
		}
	}

	if entry, ok := c.entries[key]; ok {
		return entry.response, true
	}

	c.entries[key] = cacheEntry{
		response:  response,
		expiresAt: now.Add(c.ttl),
	}
	return response, false
}

// Delete drops a reservation whose request was not accepted after all, so a
// retry executes instead of replaying a rejection.
func (c *IdempotencyCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *IdempotencyCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
