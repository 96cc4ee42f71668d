// Package config loads gateway settings from a YAML file and GATEWAY_
// prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendRabbitMQ = "rabbitmq"
)

// EnvPrefix is prepended to every environment override, so cache.ttl is
// read from GATEWAY_CACHE_TTL
const EnvPrefix = "GATEWAY"

// Config holds all configuration for the gateway
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Registry RegistryConfig `mapstructure:"registry"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Queue    QueueConfig    `mapstructure:"queue"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Forward  ForwardConfig  `mapstructure:"forward"`
	Health   HealthConfig   `mapstructure:"health"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
}

// AuthConfig selects how bearer tokens are verified. Exactly one of
// JWTSecret and JWTPublicKeyFile must be set.
type AuthConfig struct {
	JWTSecret        string        `mapstructure:"jwt_secret"`
	JWTPublicKeyFile string        `mapstructure:"jwt_public_key_file"`
	Issuer           string        `mapstructure:"issuer"`
	Leeway           time.Duration `mapstructure:"leeway"`
}

type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

type CacheConfig struct {
	Backend         string        `mapstructure:"backend"`
	TTL             time.Duration `mapstructure:"ttl"`
	SingleUse       bool          `mapstructure:"single_use"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	KeyPrefix       string        `mapstructure:"key_prefix"`
}

type RedisConfig struct {
	URL         string        `mapstructure:"url"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type QueueConfig struct {
	Backend    string `mapstructure:"backend"`
	Partitions int    `mapstructure:"partitions"`
	Link       string `mapstructure:"link"`
	DataFlow   string `mapstructure:"dataflow"`
}

type RabbitMQConfig struct {
	URL                  string        `mapstructure:"url"`
	Prefetch             int           `mapstructure:"prefetch"`
	ConfirmTimeout       time.Duration `mapstructure:"confirm_timeout"`
	SingleActiveConsumer bool          `mapstructure:"single_active_consumer"`
}

// RetryConfig drives both the redelivery backoff and the attempt budget
// stamped on every retry envelope
type RetryConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

type ForwardConfig struct {
	Timeout        time.Duration        `mapstructure:"timeout"`
	Token          string               `mapstructure:"token"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	HalfOpenRequests int           `mapstructure:"half_open_requests"`
}

type HealthConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	DepthWarning int           `mapstructure:"depth_warning"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SlogLevel parses Level, defaulting to info
func (l LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Load reads configuration. With an empty path config.yaml is searched in
// the working directory, ./config and /etc/gateway; a missing file is not an
// error. Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/gateway")
	}

	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// SetDefaults registers every key with its default. Keys without a default
// are invisible to AutomaticEnv, so all of them are listed here.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_public_key_file", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.leeway", 30*time.Second)

	v.SetDefault("registry.path", "registry.yaml")

	v.SetDefault("cache.backend", BackendMemory)
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.single_use", true)
	v.SetDefault("cache.cleanup_interval", time.Minute)
	v.SetDefault("cache.key_prefix", "gw:corr:")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)

	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.partitions", 4)
	v.SetDefault("queue.link", "gw.link")
	v.SetDefault("queue.dataflow", "gw.dataflow")

	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.prefetch", 1)
	v.SetDefault("rabbitmq.confirm_timeout", 5*time.Second)
	v.SetDefault("rabbitmq.single_active_consumer", true)

	v.SetDefault("retry.initial_delay", time.Second)
	v.SetDefault("retry.max_delay", 5*time.Minute)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_attempts", 5)

	v.SetDefault("forward.timeout", 10*time.Second)
	v.SetDefault("forward.token", "")
	v.SetDefault("forward.circuit_breaker.enabled", true)
	v.SetDefault("forward.circuit_breaker.failure_threshold", 5)
	v.SetDefault("forward.circuit_breaker.success_threshold", 2)
	v.SetDefault("forward.circuit_breaker.open_timeout", 30*time.Second)
	v.SetDefault("forward.circuit_breaker.half_open_requests", 1)

	v.SetDefault("health.timeout", 3*time.Second)
	v.SetDefault("health.depth_warning", 10000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Addr == "" {
		add("server.addr is required")
	}

	switch {
	case c.Auth.JWTSecret == "" && c.Auth.JWTPublicKeyFile == "":
		add("one of auth.jwt_secret or auth.jwt_public_key_file is required")
	case c.Auth.JWTSecret != "" && c.Auth.JWTPublicKeyFile != "":
		add("auth.jwt_secret and auth.jwt_public_key_file are mutually exclusive")
	}

	if c.Registry.Path == "" {
		add("registry.path is required")
	}

	switch c.Cache.Backend {
	case BackendMemory:
	case BackendRedis:
		if err := checkURL(c.Redis.URL, "redis", "rediss"); err != nil {
			add("redis.url: %w", err)
		}
	default:
		add("cache.backend %q: want %s or %s", c.Cache.Backend, BackendMemory, BackendRedis)
	}
	if c.Cache.TTL <= 0 {
		add("cache.ttl must be positive")
	}

	switch c.Queue.Backend {
	case BackendMemory:
	case BackendRabbitMQ:
		if err := checkURL(c.RabbitMQ.URL, "amqp", "amqps"); err != nil {
			add("rabbitmq.url: %w", err)
		}
		if c.RabbitMQ.Prefetch < 1 {
			add("rabbitmq.prefetch must be at least 1")
		}
	default:
		add("queue.backend %q: want %s or %s", c.Queue.Backend, BackendMemory, BackendRabbitMQ)
	}
	if c.Queue.Partitions < 1 {
		add("queue.partitions must be at least 1")
	}
	if c.Queue.Link == "" || c.Queue.DataFlow == "" {
		add("queue.link and queue.dataflow are required")
	}

	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts must be at least 1")
	}
	if c.Retry.InitialDelay <= 0 || c.Retry.MaxDelay < c.Retry.InitialDelay {
		add("retry delays must satisfy 0 < initial_delay <= max_delay")
	}
	if c.Retry.Multiplier < 1 {
		add("retry.multiplier must be at least 1")
	}

	if c.Forward.Timeout <= 0 {
		add("forward.timeout must be positive")
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		add("log.format %q: want json or text", c.Log.Format)
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("unsupported scheme %q", u.Scheme)
}
