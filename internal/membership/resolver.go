package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/procura/internal/observability"
	"github.com/pitabwire/procura/model"
)

// Cache holds resolved memberships for a bounded time.
type Cache interface {
	Get(ctx context.Context, key string) (model.Membership, bool, error)
	Set(ctx context.Context, key string, m model.Membership, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Resolver answers membership lookups through a TTL cache. Only found
// memberships are cached so a newly added member is seen immediately.
type Resolver struct {
	store   Store
	cache   Cache
	ttl     time.Duration
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewResolver creates a Resolver. A nil cache or a zero ttl disables caching.
func NewResolver(store Store, cache Cache, ttl time.Duration, metrics *observability.Metrics, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, cache: cache, ttl: ttl, metrics: metrics, logger: logger}
}

func cacheKey(orgID, userID string) string {
	return "membership:" + orgID + ":" + userID
}

// Resolve returns the membership of userID in orgID. Cache failures are
// logged and fall through to the store.
func (r *Resolver) Resolve(ctx context.Context, orgID, userID string) (model.Membership, error) {
	key := cacheKey(orgID, userID)

	if r.caching() {
		m, ok, err := r.cache.Get(ctx, key)
		if err != nil {
			r.logger.Warn("membership cache read failed", zap.Error(err))
		} else if ok {
			r.metrics.RecordMembershipCacheHit()
			return m, nil
		}
		r.metrics.RecordMembershipCacheMiss()
	}

	m, err := r.store.Get(ctx, orgID, userID)
	if err != nil {
		return model.Membership{}, err
	}

	if r.caching() {
		if err := r.cache.Set(ctx, key, m, r.ttl); err != nil {
			r.logger.Warn("membership cache write failed", zap.Error(err))
		}
	}
	return m, nil
}

// ActiveMember reports whether userID is an active member of orgID.
func (r *Resolver) ActiveMember(ctx context.Context, orgID, userID string) (bool, error) {
	m, err := r.Resolve(ctx, orgID, userID)
	if model.HasCode(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.Active(), nil
}

// ListActiveByRole reads through to the store; role listings are not cached.
func (r *Resolver) ListActiveByRole(ctx context.Context, orgID string, role model.Role) ([]model.Membership, error) {
	return r.store.ListActiveByRole(ctx, orgID, role)
}

// Invalidate drops the cached membership of userID in orgID.
func (r *Resolver) Invalidate(ctx context.Context, orgID, userID string) error {
	if !r.caching() {
		return nil
	}
	return r.cache.Delete(ctx, cacheKey(orgID, userID))
}

func (r *Resolver) caching() bool {
	return r.cache != nil && r.ttl > 0
}

// --- MemoryCache ---

type cacheEntry struct {
	m       model.Membership
	expires time.Time
}

// MemoryCache is an in-process Cache. When maxEntries is reached, expired
// entries are swept first and then an arbitrary entry is evicted.
type MemoryCache struct {
	mu         sync.RWMutex
	entries    map[string]cacheEntry
	maxEntries int
	now        func() time.Time
}

// NewMemoryCache creates a MemoryCache. maxEntries <= 0 means unbounded.
func NewMemoryCache(maxEntries int) *MemoryCache {
	return &MemoryCache{
		entries:    make(map[string]cacheEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns a cached membership that has not expired.
func (c *MemoryCache) Get(_ context.Context, key string) (model.Membership, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || !c.now().Before(entry.expires) {
		return model.Membership{}, false, nil
	}
	return entry.m, true, nil
}

// Set stores m for ttl.
func (c *MemoryCache) Set(_ context.Context, key string, m model.Membership, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	c.entries[key] = cacheEntry{m: m, expires: c.now().Add(ttl)}
	return nil
}

// Delete removes key.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries, including expired ones.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MemoryCache) evictLocked() {
	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.maxEntries {
		return
	}
	for k := range c.entries {
		delete(c.entries, k)
		return
	}
}

// --- RedisCache ---

// RedisCache is a Cache shared between instances through redis.
type RedisCache struct {
	client redis.Cmdable
}

// NewRedisCache creates a redis-backed membership cache.
func NewRedisCache(client redis.Cmdable) *RedisCache {
	return &RedisCache{client: client}
}

// Get returns the cached membership for key.
func (c *RedisCache) Get(ctx context.Context, key string) (model.Membership, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Membership{}, false, nil
	}
	if err != nil {
		return model.Membership{}, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var m model.Membership
	if err := json.Unmarshal(raw, &m); err != nil {
		return model.Membership{}, false, fmt.Errorf("unmarshal membership %q: %w", key, err)
	}
	return m, true, nil
}

// Set stores m under key with ttl.
func (c *RedisCache) Set(ctx context.Context, key string, m model.Membership, ttl time.Duration) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal membership: %w", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}
