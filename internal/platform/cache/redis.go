// Package cache wraps the Redis client used for short-lived read caches.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// New creates a new Redis client.
func New(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("platform/cache: ping: %w", err)
	}

	return client, nil
}

// Snapshot caches serialized payloads under a fixed TTL. A nil Snapshot is a
// no-op so callers can run without Redis.
type Snapshot struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSnapshot constructs a Snapshot cache.
func NewSnapshot(client *redis.Client, ttl time.Duration) *Snapshot {
	return &Snapshot{client: client, ttl: ttl}
}

// Get returns the cached payload for key, or ok false on miss or error.
func (s *Snapshot) Get(ctx context.Context, key string) ([]byte, bool) {
	if s == nil || s.client == nil {
		return nil, false
	}
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return data, true
}

// Set stores the payload for key under the configured TTL.
func (s *Snapshot) Set(ctx context.Context, key string, payload []byte) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Set(ctx, key, payload, s.ttl).Err()
}

// Invalidate drops the cached payload for key.
func (s *Snapshot) Invalidate(ctx context.Context, key string) error {
	if s == nil || s.client == nil {
		return nil
	}
	err := s.client.Del(ctx, key).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
