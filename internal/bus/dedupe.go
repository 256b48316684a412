package bus

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// DedupeCache is an optional L1 accelerator in front of the durable queue's
// authoritative DONE lookup. A cache miss always falls through to the
// queue — this cache never becomes a second source of truth.
type DedupeCache interface {
	// SeenDone reports whether eventID is known DONE, with ok=false on a
	// cache miss (caller must then consult the durable queue).
	SeenDone(ctx context.Context, eventID string) (seen bool, ok bool)
	// MarkDone records eventID as DONE for the dedupe window.
	MarkDone(ctx context.Context, eventID string)
}

// RedisDedupeCache implements DedupeCache against a Redis instance, keying
// each event_id with a TTL equal to the configured dedupe window.
type RedisDedupeCache struct {
	client *redis.Client
	window time.Duration
}

// NewRedisDedupeCache constructs a RedisDedupeCache.
func NewRedisDedupeCache(addr string, db int, window time.Duration) *RedisDedupeCache {
	return &RedisDedupeCache{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		window: window,
	}
}

func (c *RedisDedupeCache) SeenDone(ctx context.Context, eventID string) (bool, bool) {
	n, err := c.client.Exists(ctx, dedupeKey(eventID)).Result()
	if err != nil {
		// Treat any Redis failure as a cache miss — the queue remains
		// authoritative, so a degraded cache never causes a false
		// rejection or a false duplicate.
		return false, false
	}
	return n > 0, true
}

func (c *RedisDedupeCache) MarkDone(ctx context.Context, eventID string) {
	_ = c.client.Set(ctx, dedupeKey(eventID), 1, c.window).Err()
}

// Close releases the underlying Redis connection pool.
func (c *RedisDedupeCache) Close() error {
	return c.client.Close()
}

func dedupeKey(eventID string) string {
	return "amoskys:dedupe:" + eventID
}

// noopDedupeCache is used when no Redis address is configured; every call
// is a guaranteed miss, so the queue is consulted on every publish.
type noopDedupeCache struct{}

func (noopDedupeCache) SeenDone(context.Context, string) (bool, bool) { return false, false }
func (noopDedupeCache) MarkDone(context.Context, string)              {}

// NewNoopDedupeCache returns a DedupeCache that always misses.
func NewNoopDedupeCache() DedupeCache { return noopDedupeCache{} }
