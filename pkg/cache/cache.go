package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCacheMiss is returned when a key is not found in cache
	ErrCacheMiss = errors.New("cache miss")
)

// Cache stores opaque documents shared between gatekeeper replicas.
type Cache interface {
	// Get retrieves a value, or ErrCacheMiss
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value; a zero ttl falls back to the cache default
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key from cache
	Delete(ctx context.Context, key string) error

	// Ping checks if cache is available
	Ping(ctx context.Context) error
}

// Options represents cache configuration options
type Options struct {
	// DefaultTTL applies when Set is called with a zero ttl. Zero keeps
	// entries until they are deleted.
	DefaultTTL time.Duration

	// Namespace is a prefix for all cache keys
	Namespace string
}

// Stats counts cache traffic since creation.
type Stats struct {
	Hits    int64
	Misses  int64
	Sets    int64
	Deletes int64
	Errors  int64
}
