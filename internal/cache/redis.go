package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

const keyPrefix = "capcache:"

// RedisStore is a shared cache backend. Calls go through a circuit breaker so
// that a struggling Redis turns into fast misses instead of slow requests.
type RedisStore struct {
	client  redis.UniversalClient
	breaker *gobreaker.CircuitBreaker
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	settings := gobreaker.Settings{
		Name:        "redis-cache",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrMiss)
		},
	}
	return &RedisStore{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		v, err := s.client.Get(ctx, keyPrefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return v, err
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// Put uses SET NX so a live entry is never overwritten.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.client.SetNX(ctx, keyPrefix+key, value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

func (s *RedisStore) Invalidate(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cache entry: %w", err)
	}
	return nil
}

// Clear removes every capability entry without touching other keys in the
// same database.
func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("failed to clear cache: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}
	if len(batch) > 0 {
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
	}
	return nil
}

// State exposes the breaker state for the status endpoint.
func (s *RedisStore) State() string {
	return s.breaker.State().String()
}
