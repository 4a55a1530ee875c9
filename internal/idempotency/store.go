// Package idempotency replays the stored response of a POST carrying an
// Idempotency-Key header instead of running it twice.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/procura/model"
)

// Response is a captured HTTP response.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
}

// Store provides deduplication for POST requests. Keys are built by Key.
type Store interface {
	// Reserve atomically claims key for a request with inputHash. When the
	// key already holds a finished response for the same input it returns
	// that response. A key used with different input, or one whose first
	// request is still running, yields a CONFLICT error. Otherwise the
	// caller holds the key for ttl and both results are nil.
	Reserve(ctx context.Context, key, inputHash string, ttl time.Duration) (*Response, error)

	// Save replaces the reservation with resp, kept for ttl.
	Save(ctx context.Context, key, inputHash string, resp Response, ttl time.Duration) error

	// Release drops a reservation that will never be completed.
	Release(ctx context.Context, key string) error
}

type entry struct {
	InputHash string   `json:"input_hash"`
	Pending   bool     `json:"pending,omitempty"`
	Response  Response `json:"response"`
}

// resolve answers a Reserve that found e already under key.
func (e entry) resolve(key, inputHash string) (*Response, error) {
	if e.InputHash != inputHash {
		return nil, conflict(key)
	}
	if e.Pending {
		return nil, inProgress(key)
	}
	resp := e.Response
	return &resp, nil
}

// Key scopes an Idempotency-Key header value to the caller and route so two
// users of one organization never collide.
func Key(orgID, userID, route, headerKey string) string {
	return fmt.Sprintf("idem:%s:%s:%s:%s", orgID, userID, route, headerKey)
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with a different request", key))
}

func inProgress(key string) error {
	return model.NewConflictError(fmt.Sprintf("request with idempotency key %q is still in progress", key))
}

// MemoryStore is an in-memory Store with TTL support.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

// Reserve claims key or resolves it against the entry already held.
// Expired entries are dropped.
func (s *MemoryStore) Reserve(_ context.Context, key, inputHash string, ttl time.Duration) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok {
		if !now.After(e.expiresAt) {
			return e.data.resolve(key, inputHash)
		}
		delete(s.entries, key)
	}
	s.entries[key] = memEntry{
		data:      entry{InputHash: inputHash, Pending: true},
		expiresAt: now.Add(ttl),
	}
	return nil, nil
}

// Save stores resp with ttl.
func (s *MemoryStore) Save(_ context.Context, key, inputHash string, resp Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{
		data:      entry{InputHash: inputHash, Response: resp},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Release drops key.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// reserveAttempts bounds SET NX retries against a key expiring between the
// claim and the read.
const reserveAttempts = 2

// RedisStore is a Redis-backed Store.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Reserve claims key with SET NX. When the key is taken it reads the
// holder back; a holder that expires in between is claimed on the next
// attempt.
func (s *RedisStore) Reserve(ctx context.Context, key, inputHash string, ttl time.Duration) (*Response, error) {
	placeholder, err := json.Marshal(entry{InputHash: inputHash, Pending: true})
	if err != nil {
		return nil, fmt.Errorf("marshal idempotency entry: %w", err)
	}

	for attempt := 0; attempt < reserveAttempts; attempt++ {
		claimed, err := s.client.SetNX(ctx, key, placeholder, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx %q: %w", key, err)
		}
		if claimed {
			return nil, nil
		}

		raw, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get %q: %w", key, err)
		}
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
		}
		return e.resolve(key, inputHash)
	}
	return nil, fmt.Errorf("reserve idempotency key %q: key kept expiring", key)
}

// Save stores resp in Redis with ttl.
func (s *RedisStore) Save(ctx context.Context, key, inputHash string, resp Response, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Response: resp})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Release deletes key.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// RedisChecker adapts a redis client to the readiness HealthChecker
// interface.
type RedisChecker struct {
	Client redis.Cmdable
}

// HealthCheck pings redis.
func (c RedisChecker) HealthCheck(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}
