package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const namespace = "gatehouse"

// RedisStore backs the count cache with a shared Redis, so several service
// instances see the same invalidations.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (int, error) {
	value, err := s.client.Get(ctx, namespace+":"+key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, ErrMiss
	}
	if err != nil {
		return 0, fmt.Errorf("reading cache key: %w", err)
	}

	return value, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value int, ttl time.Duration) error {
	if err := s.client.Set(ctx, namespace+":"+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("writing cache key: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, namespace+":"+key).Err(); err != nil {
		return fmt.Errorf("deleting cache key: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
