package coordination

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"cidrotate/internal/config"
)

// RedisStore implements Store against a shared Redis instance. Every
// primitive maps to a single Redis command (or an INCR followed by a
// first-writer EXPIRE), so the atomicity guarantees are Redis's own.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and pings the configured Redis instance.
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis at %s: %w", cfg.Addr, err)
	}

	log.Printf("[Coordination] Connected to Redis at %s (db %d)", cfg.Addr, cfg.DB)
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	created, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, wrapTransient("SETNX "+key, err)
	}
	return created, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapTransient("GET "+key, err)
	}
	return val, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, wrapTransient("DEL "+key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) IncrementWithTTL(ctx context.Context, key string, ttlIfNew time.Duration) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, wrapTransient("INCR "+key, err)
	}
	// The first writer of a bucket owns the TTL. A crash between INCR and
	// EXPIRE leaves the counter without expiry, but the key name carries
	// the bucket so it simply goes cold at rollover.
	if n == 1 {
		if err := s.client.Expire(ctx, key, ttlIfNew).Err(); err != nil {
			log.Printf("[Coordination] WARNING: EXPIRE failed for %s: %v", key, err)
		}
	}
	return n, nil
}

func (s *RedisStore) Decrement(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Decr(ctx, key).Result()
	if err != nil {
		return 0, wrapTransient("DECR "+key, err)
	}
	return n, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func wrapTransient(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
