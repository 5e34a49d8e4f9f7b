package config

import (
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/skychat-io/skychat/pkg/trace"
)

type (
	// Config is the root configuration for the chat engine.
	Config struct {
		Server    ServerConfig    `yaml:"server"`
		Logger    LoggerConfig    `yaml:"logger"`
		Tracing   trace.Config    `yaml:"tracing"`
		Upstream  UpstreamConfig  `yaml:"upstream"`
		Store     StoreConfig     `yaml:"store"`
		RateLimit RateLimitConfig `yaml:"rate_limit"`
		Registry  RegistryConfig  `yaml:"registry"`
		Pipeline  PipelineConfig  `yaml:"pipeline"`
		Metrics   MetricsConfig   `yaml:"metrics"`
	}

	// ServerConfig represents the HTTP/WebSocket server configuration
	ServerConfig struct {
		Addr            string        `yaml:"addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		MaxMessageBytes int           `yaml:"max_message_bytes"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
		Color      bool   `yaml:"color"`       // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace"`  // whether to include stacktrace in error logs
		TimeZone   string `yaml:"time_zone"`   // time zone for log timestamps, e.g., "UTC", default is local
		TimeFormat string `yaml:"time_format"` // time format for log timestamps, default is "2006-01-02 15:04:05"
	}

	// UpstreamConfig represents the streaming completion provider configuration
	UpstreamConfig struct {
		BaseURL          string        `yaml:"base_url"`
		APIKey           string        `yaml:"api_key"`
		Model            string        `yaml:"model"`
		Timeout          time.Duration `yaml:"timeout"`            // overall deadline for one completion call
		ChunkIdleTimeout time.Duration `yaml:"chunk_idle_timeout"` // abort when no chunk arrives within this window
		Breaker          BreakerConfig `yaml:"breaker"`
	}

	// BreakerConfig controls the upstream circuit breaker
	BreakerConfig struct {
		FailureThreshold int           `yaml:"failure_threshold"` // consecutive failures before opening
		Cooldown         time.Duration `yaml:"cooldown"`          // how long the breaker stays open
	}

	// StoreConfig represents the session and cache store configuration
	StoreConfig struct {
		Type          string        `yaml:"type"` // "memory" or "redis"
		Redis         RedisConfig   `yaml:"redis"`
		SessionTTL    time.Duration `yaml:"session_ttl"`    // sliding, refreshed on activity
		CacheTTL      time.Duration `yaml:"cache_ttl"`      // fixed from creation
		ContextWindow int           `yaml:"context_window"` // last W turns kept per session
	}

	// RedisConfig represents a Redis connection configuration
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	}

	// RateLimitConfig represents the admission control configuration
	RateLimitConfig struct {
		Type             string      `yaml:"type"` // "memory" or "redis"
		Redis            RedisConfig `yaml:"redis"`
		Capacity         int64       `yaml:"capacity"`           // per-session bucket capacity
		RefillRate       float64     `yaml:"refill_rate"`        // tokens per second
		GlobalCapacity   int64       `yaml:"global_capacity"`    // 0 disables the global bucket
		GlobalRefillRate float64     `yaml:"global_refill_rate"` // tokens per second
	}

	// RegistryConfig represents the connection registry configuration
	RegistryConfig struct {
		MaxConnectionsPerSession int           `yaml:"max_connections_per_session"`
		HeartbeatInterval        time.Duration `yaml:"heartbeat_interval"`
		MaxMissedHeartbeats      int           `yaml:"max_missed_heartbeats"`
		WriteTimeout             time.Duration `yaml:"write_timeout"`
	}

	// PipelineConfig represents the streaming pipeline configuration
	PipelineConfig struct {
		ReplayChunkChars int           `yaml:"replay_chunk_chars"` // target size of synthetic cache-replay chunks
		CancelGrace      time.Duration `yaml:"cancel_grace"`       // bound on generation teardown after cancel
	}

	// MetricsConfig represents the Prometheus metrics configuration
	MetricsConfig struct {
		Namespace string    `yaml:"namespace"`
		Buckets   []float64 `yaml:"buckets"`
	}
)

// Load loads configuration from a YAML file with environment variable support
func Load(path string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Resolve environment variables
	data = resolveEnv(data)
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults fills in defaults for values the file omitted
func (c *Config) setDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.MaxMessageBytes <= 0 {
		c.Server.MaxMessageBytes = 4096
	}
	if c.Upstream.Timeout <= 0 {
		c.Upstream.Timeout = 120 * time.Second
	}
	if c.Upstream.ChunkIdleTimeout <= 0 {
		c.Upstream.ChunkIdleTimeout = 30 * time.Second
	}
	if c.Upstream.Breaker.FailureThreshold <= 0 {
		c.Upstream.Breaker.FailureThreshold = 5
	}
	if c.Upstream.Breaker.Cooldown <= 0 {
		c.Upstream.Breaker.Cooldown = 30 * time.Second
	}
	if c.Store.Type == "" {
		c.Store.Type = "memory"
	}
	if c.Store.SessionTTL <= 0 {
		c.Store.SessionTTL = 30 * time.Minute
	}
	if c.Store.CacheTTL <= 0 {
		c.Store.CacheTTL = 30 * time.Minute
	}
	if c.Store.ContextWindow <= 0 {
		c.Store.ContextWindow = 20
	}
	if c.RateLimit.Type == "" {
		c.RateLimit.Type = "memory"
	}
	if c.RateLimit.Capacity <= 0 {
		c.RateLimit.Capacity = 30
	}
	if c.RateLimit.RefillRate <= 0 {
		c.RateLimit.RefillRate = 0.5
	}
	if c.Registry.MaxConnectionsPerSession <= 0 {
		c.Registry.MaxConnectionsPerSession = 4
	}
	if c.Registry.HeartbeatInterval <= 0 {
		c.Registry.HeartbeatInterval = 15 * time.Second
	}
	if c.Registry.MaxMissedHeartbeats <= 0 {
		c.Registry.MaxMissedHeartbeats = 3
	}
	if c.Registry.WriteTimeout <= 0 {
		c.Registry.WriteTimeout = 5 * time.Second
	}
	if c.Pipeline.ReplayChunkChars <= 0 {
		c.Pipeline.ReplayChunkChars = 24
	}
	if c.Pipeline.CancelGrace <= 0 {
		c.Pipeline.CancelGrace = time.Second
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "skychat"
	}
}

// resolveEnv replaces environment variable placeholders in YAML content
func resolveEnv(content []byte) []byte {
	regex := regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

	return regex.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := regex.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}
