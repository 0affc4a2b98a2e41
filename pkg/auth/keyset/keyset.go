// Package keyset resolves the public signing keys trusted for token
// verification. Keys come from a Source (typically a published JWKS document)
// and are cached process-wide; the cache is always replaced as a whole.
package keyset

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/permgate-go/pkg/logger"
	"github.com/permgate-go/pkg/metrics"
	"github.com/permgate-go/pkg/ratelimit"
	"github.com/permgate-go/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrKeyNotFound is returned when no trusted key carries the requested id.
	ErrKeyNotFound = errors.New("signing key not found")
	// ErrSourceUnavailable is returned when the key source cannot be read.
	// It is an infrastructure failure, not an authorization failure.
	ErrSourceUnavailable = errors.New("key source unavailable")
)

const DefaultFetchTimeout = 5 * time.Second

// SigningKey is one trusted verification key.
type SigningKey struct {
	ID string
	// Algorithm is the key's declared "alg"; empty when the key set omits it.
	Algorithm string
	Key       crypto.PublicKey
}

// Source supplies the current trusted key set.
type Source interface {
	Fetch(ctx context.Context) (jwk.Set, error)
}

// Invalidator is implemented by sources that keep their own copy of the key
// set. The resolver invalidates before a refresh triggered by an unknown kid.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

type keyMap map[string]SigningKey

// Resolver looks up signing keys by id, refreshing from its Source on a miss
// at most once per resolution.
type Resolver struct {
	source  Source
	timeout time.Duration
	limiter ratelimit.RateLimiter
	logger  logger.Logger
	tracer  trace.Tracer

	keys  atomic.Pointer[keyMap]
	group singleflight.Group
}

type Option func(*Resolver)

// WithFetchTimeout bounds each fetch from the source.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRefreshLimiter throttles refreshes triggered by unknown key ids.
func WithRefreshLimiter(l ratelimit.RateLimiter) Option {
	return func(r *Resolver) { r.limiter = l }
}

func WithLogger(l logger.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Resolver) { r.tracer = t }
}

func NewResolver(source Source, opts ...Option) *Resolver {
	r := &Resolver{
		source:  source,
		timeout: DefaultFetchTimeout,
		limiter: ratelimit.Unlimited{},
		logger:  logger.NewNop(),
		tracer:  otel.Tracer("permgate/keyset"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the key for keyID. A miss triggers one refresh; if the key
// is still absent afterwards the result is ErrKeyNotFound.
func (r *Resolver) Resolve(ctx context.Context, keyID string) (SigningKey, error) {
	if keyID == "" {
		return SigningKey{}, fmt.Errorf("%w: empty key id", ErrKeyNotFound)
	}

	cached := r.keys.Load()
	if cached != nil {
		if key, ok := (*cached)[keyID]; ok {
			return key, nil
		}
		if allowed, err := r.limiter.Allow(ctx, keyID); err != nil || !allowed {
			metrics.KeyRefreshesThrottled.Inc()
			r.logger.Debug("Refresh on miss throttled", "kid", keyID)
			return SigningKey{}, fmt.Errorf("%w: %q", ErrKeyNotFound, keyID)
		}
	}

	// An empty cache is populated unconditionally; a miss on a populated
	// cache also drops any copy the source keeps.
	if err := r.refresh(ctx, cached != nil); err != nil {
		return SigningKey{}, err
	}

	if key, ok := r.lookup(keyID); ok {
		return key, nil
	}
	return SigningKey{}, fmt.Errorf("%w: %q", ErrKeyNotFound, keyID)
}

// Refresh replaces the cached key set with the source's current one.
func (r *Resolver) Refresh(ctx context.Context) error {
	return r.refresh(ctx, false)
}

func (r *Resolver) refresh(ctx context.Context, invalidate bool) error {
	// A refresh for an unknown kid must not ride on a plain refresh that may
	// read a stale shared copy.
	flight := "keyset"
	if invalidate {
		flight = "keyset:invalidate"
	}
	ch := r.group.DoChan(flight, func() (interface{}, error) {
		return nil, r.fetch(ctx, invalidate)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrSourceUnavailable, ctx.Err())
	}
}

func (r *Resolver) fetch(ctx context.Context, invalidate bool) error {
	// Shared by every caller waiting on this flight, so it must not inherit
	// a single caller's cancellation.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "keyset.refresh")
	defer span.End()

	if inv, ok := r.source.(Invalidator); ok && invalidate {
		if err := inv.Invalidate(ctx); err != nil {
			r.logger.Warn("Failed to invalidate cached key set", "error", err)
		}
	}

	start := time.Now()
	set, err := r.source.Fetch(ctx)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		metrics.RecordKeyFetch("error", elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "key set fetch failed")
		r.logger.Error("Failed to fetch key set", "error", err)
		if !errors.Is(err, ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}
		return err
	}
	metrics.RecordKeyFetch("success", elapsed)

	keys := r.buildKeyMap(set)
	r.keys.Store(&keys)

	metrics.KeyCacheSize.Set(float64(len(keys)))
	span.SetAttributes(telemetry.KeyCountAttribute(len(keys)))
	r.logger.Info("Key set refreshed", "keys", len(keys))
	return nil
}

func (r *Resolver) buildKeyMap(set jwk.Set) keyMap {
	keys := make(keyMap, set.Len())
	for i := 0; i < set.Len(); i++ {
		raw, ok := set.Key(i)
		if !ok {
			continue
		}
		key, err := toSigningKey(raw)
		if err != nil {
			r.logger.Warn("Skipping unusable key", "kid", raw.KeyID(), "error", err)
			continue
		}
		keys[key.ID] = key
	}
	return keys
}

func toSigningKey(key jwk.Key) (SigningKey, error) {
	if key.KeyID() == "" {
		return SigningKey{}, errors.New("key has no kid")
	}
	if use := key.KeyUsage(); use != "" && use != string(jwk.ForSignature) {
		return SigningKey{}, fmt.Errorf("key use %q is not for signatures", use)
	}
	if key.KeyType() == jwa.OctetSeq {
		return SigningKey{}, errors.New("symmetric keys are never trusted")
	}

	pub, err := key.PublicKey()
	if err != nil {
		return SigningKey{}, fmt.Errorf("derive public key: %w", err)
	}
	var material interface{}
	if err := pub.Raw(&material); err != nil {
		return SigningKey{}, fmt.Errorf("export key material: %w", err)
	}

	var alg string
	if a := key.Algorithm(); a != nil {
		alg = a.String()
	}

	return SigningKey{
		ID:        key.KeyID(),
		Algorithm: alg,
		Key:       material,
	}, nil
}

func (r *Resolver) lookup(keyID string) (SigningKey, bool) {
	cached := r.keys.Load()
	if cached == nil {
		return SigningKey{}, false
	}
	key, ok := (*cached)[keyID]
	return key, ok
}

// Ready reports whether a key set has been loaded at least once.
func (r *Resolver) Ready() bool {
	return r.keys.Load() != nil
}

// Len returns the number of cached keys.
func (r *Resolver) Len() int {
	cached := r.keys.Load()
	if cached == nil {
		return 0
	}
	return len(*cached)
}

// Run refreshes the key set every interval until ctx is done. Failures are
// logged and the previous key set stays in place.
func (r *Resolver) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn("Periodic key set refresh failed", "error", err)
			}
		}
	}
}
