package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/permgate-go/pkg/auth/guard"
	"github.com/permgate-go/pkg/auth/keyset"
	"github.com/permgate-go/pkg/auth/token"
	"github.com/permgate-go/pkg/config"
	"github.com/permgate-go/pkg/logger"
	ratelimitmw "github.com/permgate-go/pkg/middleware/ratelimit"
	"github.com/permgate-go/pkg/ratelimit"
	"github.com/permgate-go/pkg/resilience"
	"github.com/permgate-go/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

const serviceName = "gatekeeper"

type Server struct {
	config     *config.Config
	logger     logger.Logger
	httpServer *http.Server
	router     *gin.Engine
	redis      *redis.Client
	resolver   *keyset.Resolver
	telemetry  *telemetry.Telemetry
}

func New(cfg *config.Config, log logger.Logger) (*Server, error) {
	tel, err := telemetry.New(telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		JaegerURL:    cfg.Telemetry.JaegerURL,
		ServiceName:  cfg.Telemetry.ServiceName,
		SamplingRate: cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	source, redisClient, err := newKeySource(cfg, log)
	if err != nil {
		return nil, err
	}

	var refreshLimiter ratelimit.RateLimiter = ratelimit.Unlimited{}
	if cfg.Auth.RefreshRate > 0 {
		refreshLimiter = ratelimit.NewTokenBucketLimiter(cfg.Auth.RefreshRate, cfg.Auth.RefreshBurst)
	}

	resolver := keyset.NewResolver(source,
		keyset.WithFetchTimeout(cfg.Auth.FetchTimeoutDuration()),
		keyset.WithRefreshLimiter(refreshLimiter),
		keyset.WithLogger(log.With("component", "keyset")),
		keyset.WithTracer(tel.Tracer()),
	)

	verifier := token.NewVerifier(resolver, token.Config{
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		Algorithms: cfg.Auth.AllowedAlgorithms,
		Leeway:     cfg.Auth.LeewayDuration(),
	})
	extractor := token.NewExtractor(token.ExtractOptions{
		PermissionsClaim:   cfg.Auth.PermissionsClaim,
		RolesClaim:         cfg.Auth.RolesClaim,
		RequirePermissions: cfg.Auth.RequirePermissions,
	})

	guardOpts := []guard.Option{
		guard.WithLogger(log.With("component", "guard")),
		guard.WithTracer(tel.Tracer()),
	}
	if cfg.Auth.RolePolicy != "" {
		grants, err := guard.NewCasbinRoleGrants(cfg.Auth.RolePolicy, log)
		if err != nil {
			return nil, fmt.Errorf("failed to load role policy: %w", err)
		}
		guardOpts = append(guardOpts, guard.WithRoleGrants(grants))
	}
	g := guard.New(verifier, extractor, guardOpts...)

	rules, err := NewRules(cfg.Auth.Rules)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	handlers := NewHandlers(g, resolver, rules, log)
	router := setupRouter(cfg, handlers, tel, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	return &Server{
		config:     cfg,
		logger:     log,
		httpServer: httpServer,
		router:     router,
		redis:      redisClient,
		resolver:   resolver,
		telemetry:  tel,
	}, nil
}

// newKeySource builds the key source chain: Redis cache -> circuit breaker ->
// HTTP, or a pinned JWKS file when auth.jwks_file is set. The Redis client is
// returned so Shutdown can close it; it is nil when the cache is off.
func newKeySource(cfg *config.Config, log logger.Logger) (keyset.Source, *redis.Client, error) {
	if cfg.Auth.JWKSFile != "" {
		doc, err := os.ReadFile(cfg.Auth.JWKSFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read key set file: %w", err)
		}
		source, err := keyset.ParseStaticSource(doc)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load key set file: %w", err)
		}
		log.Info("Using pinned key set", "path", cfg.Auth.JWKSFile)
		return source, nil, nil
	}

	var source keyset.Source = keyset.NewHTTPSource(cfg.Auth.JWKSURL, &http.Client{
		Timeout: cfg.Auth.FetchTimeoutDuration(),
	})
	source = keyset.NewBreakerSource(source, newBreaker(cfg.Auth.Breaker, log))

	if !cfg.Redis.Enabled {
		return source, nil, nil
	}
	ttl := cfg.Auth.CacheTTLDuration()
	if ttl <= 0 {
		log.Warn("Redis is enabled but auth.cache_ttl is 0; key set is not shared")
		return source, nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return keyset.NewRedisSource(source, client, cfg.Auth.CacheKey, ttl, log), client, nil
}

func newBreaker(cfg config.BreakerConfig, log logger.Logger) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "jwks",
		MaxRequests:  cfg.MaxRequests,
		Interval:     time.Duration(cfg.Interval) * time.Second,
		Timeout:      time.Duration(cfg.Timeout) * time.Second,
		FailureRatio: cfg.FailureRatio,
		MinRequests:  cfg.MinRequests,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
}

func setupRouter(cfg *config.Config, h *Handlers, tel *telemetry.Telemetry, log logger.Logger) *gin.Engine {
	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(tel.HTTPMiddleware())
	router.Use(loggingMiddleware(log))
	router.Use(metricsMiddleware(serviceName))

	// Health checks
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authorize := router.Group("/authorize")
	if rl := cfg.Server.RateLimit; rl.RPS > 0 {
		limiter := ratelimit.NewKeyedLimiter(rl.RPS, rl.Burst, 10*time.Minute)
		authorize.Use(ratelimitmw.ClientRateLimitMiddleware(limiter, log))
	}
	authorize.Any("", h.Authorize)

	return router
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Warmup loads the key set once so the first request does not pay for it.
// Failure is logged; requests will retry the fetch.
func (s *Server) Warmup(ctx context.Context) {
	if err := s.resolver.Refresh(ctx); err != nil {
		s.logger.Warn("Initial key set fetch failed", "error", err)
	}
}

// RunKeyRefresh refreshes keys in the background until ctx is done.
func (s *Server) RunKeyRefresh(ctx context.Context) {
	s.resolver.Run(ctx, s.config.Auth.RefreshIntervalDuration())
}

func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("Failed to close Redis", "error", err)
		}
	}

	if err := s.telemetry.Close(ctx); err != nil {
		s.logger.Error("Failed to flush traces", "error", err)
	}

	return nil
}
