package adversarial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayCache remembers payload hashes for a bounded time. Implementations
// must keep entries visible for at least their TTL, across every process
// that serves the same users.
type ReplayCache interface {
	// Seen records key at `at` unless it was already recorded within window
	// before `at`, in which case it returns that earlier time and dup=true.
	// The check and the write are atomic.
	Seen(ctx context.Context, key string, at time.Time, window time.Duration) (prev time.Time, dup bool, err error)
	// Forget drops key.
	Forget(ctx context.Context, key string) error
}

// purgeEvery is how many writes pass between opportunistic purges.
const purgeEvery = 64

// MemoryCache is a single-process ReplayCache.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	writes  int
	now     func() time.Time
}

// NewMemoryCache creates an in-memory cache with the given entry TTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Seen implements ReplayCache.
func (c *MemoryCache) Seen(ctx context.Context, key string, at time.Time, window time.Duration) (time.Time, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.entries[key]; ok && c.now().Sub(prev) <= c.ttl && at.Sub(prev) <= window {
		return prev, true, nil
	}
	c.entries[key] = at
	c.writes++
	if c.writes%purgeEvery == 0 {
		c.purgeLocked()
	}
	return at, false, nil
}

// Forget implements ReplayCache.
func (c *MemoryCache) Forget(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// Len returns the number of cached entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge drops expired entries.
func (c *MemoryCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()
}

func (c *MemoryCache) purgeLocked() {
	cutoff := c.now().Add(-c.ttl)
	for k, at := range c.entries {
		if at.Before(cutoff) {
			delete(c.entries, k)
		}
	}
}

// ReplayStore is the persistence behind StoreCache.
type ReplayStore interface {
	SeenReplay(ctx context.Context, key string, at time.Time, window time.Duration) (time.Time, bool, error)
	ForgetReplay(ctx context.Context, key string) error
	PurgeReplay(ctx context.Context, cutoff time.Time) (int64, error)
}

// StoreCache keeps replay hashes in the service database, so every process
// opening the same database shares them.
type StoreCache struct {
	store  ReplayStore
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	writes int
}

// NewStoreCache creates a database-backed cache with the given entry TTL.
func NewStoreCache(st ReplayStore, ttl time.Duration, logger *slog.Logger) *StoreCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreCache{store: st, ttl: ttl, logger: logger.With("component", "replay_cache")}
}

// Seen implements ReplayCache.
func (c *StoreCache) Seen(ctx context.Context, key string, at time.Time, window time.Duration) (time.Time, bool, error) {
	prev, dup, err := c.store.SeenReplay(ctx, key, at, window)
	if err != nil || dup {
		return prev, dup, err
	}

	c.mu.Lock()
	c.writes++
	purge := c.writes%purgeEvery == 0
	c.mu.Unlock()
	if purge {
		if n, err := c.store.PurgeReplay(ctx, at.Add(-c.ttl)); err != nil {
			c.logger.Warn("purge replay hashes", "error", err)
		} else if n > 0 {
			c.logger.Debug("purged replay hashes", "count", n)
		}
	}
	return prev, false, nil
}

// Forget implements ReplayCache.
func (c *StoreCache) Forget(ctx context.Context, key string) error {
	return c.store.ForgetReplay(ctx, key)
}

// RedisCache is a ReplayCache shared between nodes. Entries expire through
// the Redis key TTL.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a cache on an existing client.
func NewRedisCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "recoveryd:replay:"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// DialRedis connects to a single Redis server and verifies it responds.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

// seenScript returns the stored timestamp when it lies within the window,
// otherwise stores ARGV[1] with a PX expiry and returns nil.
//
//	KEYS[1] cache key
//	ARGV[1] unix nanos of this sighting
//	ARGV[2] window in nanos
//	ARGV[3] ttl in milliseconds
var seenScript = redis.NewScript(`
local prev = redis.call('GET', KEYS[1])
if prev and tonumber(ARGV[1]) - tonumber(prev) <= tonumber(ARGV[2]) then
  return prev
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return false
`)

// Seen implements ReplayCache.
func (c *RedisCache) Seen(ctx context.Context, key string, at time.Time, window time.Duration) (time.Time, bool, error) {
	val, err := seenScript.Run(ctx, c.client, []string{c.prefix + key},
		at.UnixNano(), window.Nanoseconds(), c.ttl.Milliseconds(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return at, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis replay check: %w", err)
	}
	ns, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis replay entry %q: %w", key, err)
	}
	return time.Unix(0, ns), true, nil
}

// Forget implements ReplayCache.
func (c *RedisCache) Forget(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
