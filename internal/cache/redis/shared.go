// Package redis implements the shared-cache second tier (§4.1, §6.2) on
// top of Redis, adapted from the Redis-backed dedup tier used elsewhere in
// the source-fetch domain.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Shared is a Redis-backed implementation of cache.Shared.
type Shared struct {
	client *redis.Client
}

// Config configures the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New dials Redis and returns a Shared cache, or an error if the initial
// PING fails.
func New(ctx context.Context, cfg Config) (*Shared, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Addr, err)
	}
	return &Shared{client: client}, nil
}

// Close releases the underlying connection pool.
func (s *Shared) Close() error {
	return s.client.Close()
}

// Get implements cache.Shared.
func (s *Shared) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis GET %s: %w", key, err)
	}
	return raw, true, nil
}

// Set implements cache.Shared.
func (s *Shared) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

// Del implements cache.Shared.
func (s *Shared) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis DEL %s: %w", key, err)
	}
	return nil
}
