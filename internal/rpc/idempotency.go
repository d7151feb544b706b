package rpc

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultIdempotencyTTL is how long a cached response survives before it
// is treated as a miss again.
const DefaultIdempotencyTTL = 10 * time.Minute

// DefaultIdempotencyCapacity bounds the cache independently of TTL so a
// burst of distinct keys cannot grow it unbounded within one TTL window.
const DefaultIdempotencyCapacity = 4096

// idempotencyKey scopes a client-supplied IdempotencyKey to the
// connection that sent it — two different connections reusing the same
// key must not collide.
type idempotencyKey struct {
	connectionID string
	key          string
}

// IdempotencyCache is a shared in-memory LRU/TTL cache: a request carrying
// an idempotencyKey that hits the cache returns the prior response
// without re-dispatching the method. Eviction is expirable.LRU's own
// expired-first-then-LRU policy.
type IdempotencyCache struct {
	cache *lru.LRU[idempotencyKey, Response]
}

// NewIdempotencyCache builds a cache with the given TTL and entry
// capacity. A zero/negative ttl or capacity falls back to the package
// defaults.
func NewIdempotencyCache(ttl time.Duration, capacity int) *IdempotencyCache {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if capacity <= 0 {
		capacity = DefaultIdempotencyCapacity
	}
	return &IdempotencyCache{cache: lru.NewLRU[idempotencyKey, Response](capacity, nil, ttl)}
}

// Get returns the cached response for (connectionID, key), if any and not
// expired.
func (c *IdempotencyCache) Get(connectionID, key string) (Response, bool) {
	return c.cache.Get(idempotencyKey{connectionID: connectionID, key: key})
}

// Put stores resp under (connectionID, key).
func (c *IdempotencyCache) Put(connectionID, key string, resp Response) {
	c.cache.Add(idempotencyKey{connectionID: connectionID, key: key}, resp)
}
