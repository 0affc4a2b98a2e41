package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/permgate-go/pkg/logger"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

type ServerConfig struct {
	Port            int    `mapstructure:"port"`
	Host            string `mapstructure:"host"`
	ReadTimeout     int    `mapstructure:"read_timeout"`
	WriteTimeout    int    `mapstructure:"write_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`

	// RateLimit throttles each client address; RPS 0 disables it.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// AuthConfig is the process-wide authorization surface. It is read once at
// startup and never reloaded.
type AuthConfig struct {
	Issuer             string        `mapstructure:"issuer"`
	Audience           string        `mapstructure:"audience"`
	JWKSURL            string        `mapstructure:"jwks_url"`
	JWKSFile           string        `mapstructure:"jwks_file"`
	FetchTimeout       int           `mapstructure:"fetch_timeout"`
	AllowedAlgorithms  []string      `mapstructure:"allowed_algorithms"`
	PermissionsClaim   string        `mapstructure:"permissions_claim"`
	RolesClaim         string        `mapstructure:"roles_claim"`
	RequirePermissions bool          `mapstructure:"require_permissions"`
	Leeway             int           `mapstructure:"leeway"`
	RefreshInterval    int           `mapstructure:"refresh_interval"`
	RefreshRate        float64       `mapstructure:"refresh_rate"`
	RefreshBurst       int           `mapstructure:"refresh_burst"`
	CacheTTL           int           `mapstructure:"cache_ttl"`
	CacheKey           string        `mapstructure:"cache_key"`
	RolePolicy         string        `mapstructure:"role_policy"`
	Breaker            BreakerConfig `mapstructure:"breaker"`
	Rules              []RuleConfig  `mapstructure:"rules"`
}

type BreakerConfig struct {
	MaxRequests  uint32  `mapstructure:"max_requests"`
	Interval     int     `mapstructure:"interval"`
	Timeout      int     `mapstructure:"timeout"`
	FailureRatio float64 `mapstructure:"failure_ratio"`
	MinRequests  uint32  `mapstructure:"min_requests"`
}

// RuleConfig maps a forwarded request onto the permissions it requires.
// Method "*" matches every method; Path uses path.Match glob syntax.
type RuleConfig struct {
	Method      string   `mapstructure:"method"`
	Path        string   `mapstructure:"path"`
	Permissions []string `mapstructure:"permissions"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	JaegerURL    string  `mapstructure:"jaeger_url"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	AddCaller  bool   `mapstructure:"add_caller"`
	Stacktrace bool   `mapstructure:"stacktrace"`
}

// asymmetricAlgorithms lists the only algorithms a published key set can
// verify. HMAC and "none" never appear here.
var asymmetricAlgorithms = map[string]struct{}{
	"RS256": {}, "RS384": {}, "RS512": {},
	"PS256": {}, "PS384": {}, "PS512": {},
	"ES256": {}, "ES384": {}, "ES512": {},
	"EdDSA": {},
}

func Load(serviceName string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(serviceName)
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/permgate")

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("PERMGATE")

	if err := v.ReadInConfig(); err != nil {
		// It's okay if config file doesn't exist, we'll use defaults and env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return decode(v)
}

// LoadFile reads an explicit YAML file, as used by tests and the -config flag.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("PERMGATE")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Comma separated lists arrive as a single string from the environment
	if algs := v.GetString("auth.allowed_algorithms"); strings.Contains(algs, ",") {
		config.Auth.AllowedAlgorithms = strings.Split(algs, ",")
	}
	for i, alg := range config.Auth.AllowedAlgorithms {
		config.Auth.AllowedAlgorithms[i] = strings.TrimSpace(alg)
	}

	if len(config.Auth.Rules) == 0 {
		config.Auth.Rules = DefaultRules()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.shutdown_timeout", 30)
	v.SetDefault("server.rate_limit.rps", 0)
	v.SetDefault("server.rate_limit.burst", 20)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	// Auth defaults
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.jwks_url", "")
	v.SetDefault("auth.jwks_file", "")
	v.SetDefault("auth.fetch_timeout", 5)
	v.SetDefault("auth.allowed_algorithms", []string{"RS256"})
	v.SetDefault("auth.permissions_claim", "permissions")
	v.SetDefault("auth.roles_claim", "")
	v.SetDefault("auth.require_permissions", false)
	v.SetDefault("auth.leeway", 0)
	v.SetDefault("auth.refresh_interval", 0)
	v.SetDefault("auth.refresh_rate", 0.1) // one refresh-on-miss every 10s
	v.SetDefault("auth.refresh_burst", 3)
	v.SetDefault("auth.cache_ttl", 0)
	v.SetDefault("auth.cache_key", "permgate:jwks")
	v.SetDefault("auth.role_policy", "")
	v.SetDefault("auth.breaker.max_requests", 1)
	v.SetDefault("auth.breaker.interval", 60)
	v.SetDefault("auth.breaker.timeout", 30)
	v.SetDefault("auth.breaker.failure_ratio", 0.5)
	v.SetDefault("auth.breaker.min_requests", 3)

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.jaeger_url", "http://localhost:14268/api/traces")
	v.SetDefault("telemetry.service_name", "permgate")
	v.SetDefault("telemetry.sampling_rate", 1.0)

	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.add_caller", true)
	v.SetDefault("logger.stacktrace", false)
}

// Validate rejects configurations the gatekeeper cannot safely run with.
func (c *Config) Validate() error {
	var errs []error
	a := c.Auth

	if a.Issuer == "" {
		errs = append(errs, errors.New("auth.issuer is required"))
	}
	if a.Audience == "" {
		errs = append(errs, errors.New("auth.audience is required"))
	}
	if a.JWKSURL == "" && a.JWKSFile == "" {
		errs = append(errs, errors.New("auth.jwks_url is required unless auth.jwks_file is set"))
	}
	if len(a.AllowedAlgorithms) == 0 {
		errs = append(errs, errors.New("auth.allowed_algorithms must not be empty"))
	}
	for _, alg := range a.AllowedAlgorithms {
		if _, ok := asymmetricAlgorithms[alg]; !ok {
			errs = append(errs, fmt.Errorf("auth.allowed_algorithms: %q is not an asymmetric signing algorithm", alg))
		}
	}
	if a.PermissionsClaim == "" {
		errs = append(errs, errors.New("auth.permissions_claim is required"))
	}
	if a.FetchTimeout <= 0 {
		errs = append(errs, errors.New("auth.fetch_timeout must be positive"))
	}
	if a.Leeway < 0 {
		errs = append(errs, errors.New("auth.leeway must not be negative"))
	}
	for i, rule := range a.Rules {
		if rule.Path == "" {
			errs = append(errs, fmt.Errorf("auth.rules[%d]: path is required", i))
		}
	}

	return errors.Join(errs...)
}

// DefaultRules mirrors the movie and actor operations of the casting API.
func DefaultRules() []RuleConfig {
	var rules []RuleConfig
	for _, resource := range []string{"movies", "actors"} {
		rules = append(rules,
			RuleConfig{Method: "GET", Path: "/" + resource, Permissions: []string{"get:" + resource}},
			RuleConfig{Method: "GET", Path: "/" + resource + "/*", Permissions: []string{"get:" + resource}},
			RuleConfig{Method: "POST", Path: "/" + resource, Permissions: []string{"post:" + resource}},
			RuleConfig{Method: "PATCH", Path: "/" + resource + "/*", Permissions: []string{"patch:" + resource}},
			RuleConfig{Method: "DELETE", Path: "/" + resource + "/*", Permissions: []string{"delete:" + resource}},
		)
	}
	return rules
}

func (c AuthConfig) FetchTimeoutDuration() time.Duration {
	return time.Duration(c.FetchTimeout) * time.Second
}

func (c AuthConfig) LeewayDuration() time.Duration {
	return time.Duration(c.Leeway) * time.Second
}

func (c AuthConfig) RefreshIntervalDuration() time.Duration {
	return time.Duration(c.RefreshInterval) * time.Second
}

func (c AuthConfig) CacheTTLDuration() time.Duration {
	return time.Duration(c.CacheTTL) * time.Second
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ToLoggerConfig converts LoggerConfig to logger.Config
func (c LoggerConfig) ToLoggerConfig() logger.Config {
	return logger.Config{
		Level:      c.Level,
		Format:     c.Format,
		Output:     c.Output,
		AddCaller:  c.AddCaller,
		Stacktrace: c.Stacktrace,
	}
}
