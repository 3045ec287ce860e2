package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore backs the limiter's shared counters. In a multi-instance
// deployment every worker process shares one request budget, so production
// uses the Redis store; the in-memory store serves single-instance runs and
// tests.
type CounterStore interface {
	// Incr bumps the counter behind key, setting expiry on first touch, and
	// returns the new value.
	Incr(ctx context.Context, key string, expiry time.Duration) (int64, error)
	// Decr undoes one reservation.
	Decr(ctx context.Context, key string) error
	// SetThrottle records the shared throttle-until timestamp.
	SetThrottle(ctx context.Context, until time.Time) error
	// GetThrottle returns the shared throttle-until timestamp, zero if none.
	GetThrottle(ctx context.Context) (time.Time, error)
}

const throttleKey = "ratelimit:throttle_until"

// RedisStore keeps counters in Redis so all instances draw from one budget.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ledgersync"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

func (s *RedisStore) Incr(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, s.key(key))
	pipe.ExpireNX(ctx, s.key(key), expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr counter: %w", err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) Decr(ctx context.Context, key string) error {
	if err := s.client.Decr(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("decr counter: %w", err)
	}
	return nil
}

func (s *RedisStore) SetThrottle(ctx context.Context, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.key(throttleKey), until.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("set throttle: %w", err)
	}
	return nil
}

func (s *RedisStore) GetThrottle(ctx context.Context) (time.Time, error) {
	ms, err := s.client.Get(ctx, s.key(throttleKey)).Int64()
	if err != nil {
		if err == redis.Nil {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("get throttle: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// MemoryStore is a process-local counter store.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memCounter
	throttle time.Time
}

type memCounter struct {
	value     int64
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]*memCounter)}
}

func (s *MemoryStore) Incr(_ context.Context, key string, expiry time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	c, ok := s.counters[key]
	if !ok || now.After(c.expiresAt) {
		c = &memCounter{expiresAt: now.Add(expiry)}
		s.counters[key] = c
	}
	c.value++
	return c.value, nil
}

func (s *MemoryStore) Decr(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[key]; ok && c.value > 0 {
		c.value--
	}
	return nil
}

func (s *MemoryStore) SetThrottle(_ context.Context, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if until.After(s.throttle) {
		s.throttle = until
	}
	return nil
}

func (s *MemoryStore) GetThrottle(_ context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.throttle, nil
}
