// Package dedup remembers which inbound events have already been processed.
//
// It is a fast path only. Callers still check entity state before mutating,
// so a lost or expired marker never causes a double effect.
package dedup

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a processed event key is remembered.
const DefaultTTL = 72 * time.Hour

// Store records processed event keys.
type Store interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// Connect initializes a Redis client from a redis:// URL or host:port.
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// RedisStore keeps markers in Redis with a TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed store. Keys are namespaced by prefix.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) Seen(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) Mark(ctx context.Context, key string) error {
	return s.client.Set(ctx, s.prefix+key, "1", s.ttl).Err()
}

// Ping checks connectivity, for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// MemoryStore is an in-process store for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{entries: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (s *MemoryStore) Seen(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if s.now().After(exp) {
		delete(s.entries, key)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) Mark(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	// Opportunistic cleanup keeps the map bounded without a janitor goroutine.
	if len(s.entries) > 10000 {
		for k, exp := range s.entries {
			if now.After(exp) {
				delete(s.entries, k)
			}
		}
	}
	s.entries[key] = now.Add(s.ttl)
	return nil
}
