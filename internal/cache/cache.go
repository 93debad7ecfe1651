// Package cache memoizes request counts. It is never authoritative: every
// entry is TTL-bounded and explicitly invalidated on mutation, and a miss
// just falls back to a storage count.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

type Store interface {
	Get(ctx context.Context, key string) (int, error)
	Set(ctx context.Context, key string, value int, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
