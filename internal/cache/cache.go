// Package cache defines a small key-value cache abstraction used for
// hot-path reads: internal/chatapi's Client uses it to cache channel
// ownership verdicts instead of round-tripping to the chat platform on
// every channel-scoped host call.
//
// Grounded on oriys-nova's internal/cache.Cache interface.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("cache: key not found")

// Cache abstracts a key-value cache with TTL support. Implementations must
// be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
