package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// cache is the small surface the resolver needs. Backed by redis in
// production and by memoryCache in tests.
type cache interface {
	get(ctx context.Context, key string) ([]byte, bool, error)
	set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	del(ctx context.Context, keys ...string) error
}

// Resolver maps a dialed E.164 number to the owning tenant's config.
//
// It sits on the call accept path, so lookups are bounded by resolveTimeout
// and served from redis when possible. An unknown number is ErrNotFound;
// calls to unknown numbers are rejected, never answered with defaults.
type Resolver struct {
	store  Store
	cache  cache
	ttl    time.Duration
	logger *slog.Logger

	resolveTimeout time.Duration
}

const (
	defaultCacheTTL       = 5 * time.Minute
	defaultResolveTimeout = 2 * time.Second
)

func NewResolver(store Store, rdb *redis.Client, logger *slog.Logger) *Resolver {
	var c cache
	if rdb != nil {
		c = &redisCache{rdb: rdb}
	} else {
		c = newMemoryCache()
	}
	return &Resolver{
		store:          store,
		cache:          c,
		ttl:            defaultCacheTTL,
		logger:         logger,
		resolveTimeout: defaultResolveTimeout,
	}
}

func numberKey(number string) string { return "tenant:num:" + number }

// Resolve returns the tenant owning the dialed number. Cache errors degrade
// to a store read; store errors do not.
func (r *Resolver) Resolve(ctx context.Context, number string) (Config, error) {
	if number == "" {
		return Config{}, ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, r.resolveTimeout)
	defer cancel()

	key := numberKey(number)
	if raw, ok, err := r.cache.get(ctx, key); err != nil {
		r.logger.Warn("tenant cache read failed", "number", number, "error", err)
	} else if ok {
		var c Config
		if err := json.Unmarshal(raw, &c); err == nil {
			return c, nil
		}
		// Corrupt entry; drop it and fall through to the store.
		_ = r.cache.del(ctx, key)
	}

	c, err := r.store.ByNumber(ctx, number)
	if err != nil {
		return Config{}, err
	}

	if raw, err := json.Marshal(c); err == nil {
		if err := r.cache.set(ctx, key, raw, r.ttl); err != nil {
			r.logger.Warn("tenant cache write failed", "number", number, "error", err)
		}
	}
	return c, nil
}

// Invalidate drops the cached entry for a number. The ops API calls this
// when the dashboard saves settings, so the next call picks up fresh config.
func (r *Resolver) Invalidate(ctx context.Context, number string) error {
	if number == "" {
		return fmt.Errorf("tenant: number required for invalidation")
	}
	return r.cache.del(ctx, numberKey(number))
}

// InvalidateTenant drops the cached entry for every number the tenant owns.
func (r *Resolver) InvalidateTenant(ctx context.Context, tenantID string) error {
	c, err := r.store.ByID(ctx, tenantID)
	if err != nil {
		return err
	}
	return r.Invalidate(ctx, c.PhoneNumber)
}

type redisCache struct {
	rdb *redis.Client
}

func (c *redisCache) get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, err
	}
	return raw, true, nil
}

func (c *redisCache) set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, val, ttl).Err()
}

func (c *redisCache) del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	val     []byte
	expires time.Time
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]memoryEntry)}
}

func (c *memoryCache) get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return e.val, true, nil
}

func (c *memoryCache) set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	c.mu.Lock()
	c.entries[key] = memoryEntry{val: val, expires: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *memoryCache) del(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	c.mu.Unlock()
	return nil
}
