package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"     validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"   validate:"required"`
	Redis     RedisConfig     `mapstructure:"redis"      validate:"required"`
	Cache     CacheConfig     `mapstructure:"cache"      validate:"required"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" validate:"required"`
	Jobs      JobsConfig      `mapstructure:"jobs"       validate:"required"`
}

// ServerConfig contains all HTTP server related settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains settings for the system-of-record database the
// scheduler and job handlers read from.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// RedisConfig contains settings for the shared Redis deployment backing the
// cache, the rate limiter and the job queue.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"   validate:"gte=0"`

	// CommandTimeout bounds every individual command; a command exceeding
	// it is treated as remote-store unavailability.
	CommandTimeout time.Duration `mapstructure:"command_timeout" validate:"required"`
}

// CacheConfig tunes the cache service and its in-memory fallback.
type CacheConfig struct {
	DefaultTTL         time.Duration `mapstructure:"default_ttl"          validate:"required"`
	FallbackMaxEntries int           `mapstructure:"fallback_max_entries" validate:"required,gt=0"`
	FallbackSweepEvery time.Duration `mapstructure:"fallback_sweep_every" validate:"required"`
}

// RateLimitConfig holds the default admission policy applied by the HTTP
// gate. Individual callers may override limit and window per check.
type RateLimitConfig struct {
	Limit  int           `mapstructure:"limit"  validate:"required,gt=0"`
	Window time.Duration `mapstructure:"window" validate:"required"`
}

// JobsConfig tunes the background job pipeline.
type JobsConfig struct {
	WorkerCount     int           `mapstructure:"worker_count"      validate:"required,gt=0"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"   validate:"required,gt=0"`
	LeaseTTL        time.Duration `mapstructure:"lease_ttl"         validate:"required"`
	MaxAttempts     int           `mapstructure:"max_attempts"      validate:"required,gt=0"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"      validate:"required"`
	BatchSize       int           `mapstructure:"batch_size"        validate:"required,gt=0"`
	BatchStagger    time.Duration `mapstructure:"batch_stagger"     validate:"required"`
	OverdueEvery    time.Duration `mapstructure:"overdue_every"     validate:"required"`
	StaleStatsEvery time.Duration `mapstructure:"stale_stats_every" validate:"required"`
	CleanupEvery    time.Duration `mapstructure:"cleanup_every"     validate:"required"`
	RetainCompleted time.Duration `mapstructure:"retain_completed"  validate:"required"`
}
