package keyset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/permgate-go/pkg/cache"
	"github.com/permgate-go/pkg/logger"
	"github.com/permgate-go/pkg/resilience"
	"github.com/redis/go-redis/v9"
)

// HTTPSource fetches a JWKS document from a URL.
type HTTPSource struct {
	url    string
	client *http.Client
}

func NewHTTPSource(url string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: DefaultFetchTimeout}
	}
	return &HTTPSource{url: url, client: client}
}

func (s *HTTPSource) Fetch(ctx context.Context) (jwk.Set, error) {
	set, err := jwk.Fetch(ctx, s.url, jwk.WithHTTPClient(s.client))
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %w", ErrSourceUnavailable, s.url, err)
	}
	return set, nil
}

// CachedSource shares the key set document between replicas through a
// cache, falling back to the wrapped source on a miss. Cache failures degrade
// to the wrapped source and are never reported to the caller.
//
// The shared copy lives for ttl, which bounds how long a key removed upstream
// stays trusted. A non-positive ttl turns the cache off and every Fetch goes
// to the wrapped source.
type CachedSource struct {
	inner  Source
	cache  cache.Cache
	key    string
	ttl    time.Duration
	logger logger.Logger
}

func NewCachedSource(inner Source, c cache.Cache, key string, ttl time.Duration, log logger.Logger) *CachedSource {
	if log == nil {
		log = logger.NewNop()
	}
	return &CachedSource{
		inner:  inner,
		cache:  c,
		key:    key,
		ttl:    ttl,
		logger: log,
	}
}

// NewRedisSource caches the key set under key in Redis.
func NewRedisSource(inner Source, client *redis.Client, key string, ttl time.Duration, log logger.Logger) *CachedSource {
	return NewCachedSource(inner, cache.NewRedisCache(client, cache.Options{}), key, ttl, log)
}

func (s *CachedSource) Fetch(ctx context.Context) (jwk.Set, error) {
	if s.ttl <= 0 {
		return s.inner.Fetch(ctx)
	}

	data, err := s.cache.Get(ctx, s.key)
	switch {
	case err == nil:
		set, perr := jwk.Parse(data)
		if perr == nil {
			return set, nil
		}
		s.logger.Warn("Discarding unreadable cached key set", "key", s.key, "error", perr)
	case errors.Is(err, cache.ErrCacheMiss):
	default:
		s.logger.Warn("Key set cache read failed", "key", s.key, "error", err)
	}

	set, err := s.inner.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	data, err = json.Marshal(set)
	if err != nil {
		s.logger.Warn("Failed to encode key set for cache", "error", err)
		return set, nil
	}
	if err := s.cache.Set(ctx, s.key, data, s.ttl); err != nil {
		s.logger.Warn("Key set cache write failed", "key", s.key, "error", err)
	}
	return set, nil
}

// Invalidate drops the shared copy so the next Fetch reaches the inner source.
func (s *CachedSource) Invalidate(ctx context.Context) error {
	if s.ttl > 0 {
		if err := s.cache.Delete(ctx, s.key); err != nil {
			return err
		}
	}
	if inv, ok := s.inner.(Invalidator); ok {
		return inv.Invalidate(ctx)
	}
	return nil
}

// BreakerSource guards a source with a circuit breaker so a failing key
// endpoint is not hammered by every request. An open circuit is reported as
// ErrSourceUnavailable.
type BreakerSource struct {
	inner   Source
	breaker *resilience.CircuitBreaker
}

func NewBreakerSource(inner Source, breaker *resilience.CircuitBreaker) *BreakerSource {
	return &BreakerSource{inner: inner, breaker: breaker}
}

func (s *BreakerSource) Fetch(ctx context.Context) (jwk.Set, error) {
	result, err := s.breaker.ExecuteWithContext(ctx, func(ctx context.Context) (interface{}, error) {
		return s.inner.Fetch(ctx)
	})
	if err != nil {
		if errors.Is(err, ErrSourceUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, s.breaker.Name(), err)
	}
	return result.(jwk.Set), nil
}

func (s *BreakerSource) Invalidate(ctx context.Context) error {
	if inv, ok := s.inner.(Invalidator); ok {
		return inv.Invalidate(ctx)
	}
	return nil
}

// StaticSource serves a fixed key set, for deployments that pin keys in a
// local JWKS file (auth.jwks_file).
type StaticSource struct {
	set jwk.Set
}

func NewStaticSource(set jwk.Set) *StaticSource {
	return &StaticSource{set: set}
}

// ParseStaticSource builds a StaticSource from a JWKS document.
func ParseStaticSource(doc []byte) (*StaticSource, error) {
	set, err := jwk.Parse(doc)
	if err != nil {
		return nil, fmt.Errorf("parse key set: %w", err)
	}
	return NewStaticSource(set), nil
}

func (s *StaticSource) Fetch(ctx context.Context) (jwk.Set, error) {
	return s.set, nil
}
