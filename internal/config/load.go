package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and an optional
// config.yaml in the working directory. Environment variables use the
// TASKLOOM_ prefix with underscores for nesting (e.g. TASKLOOM_REDIS_ADDR)
// and take precedence over file values.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; env vars and defaults cover it.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("TASKLOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers defaults for every tunable so a bare environment
// still produces a runnable configuration (Redis/Postgres addresses aside).
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.command_timeout", "3s")

	v.SetDefault("database.url", "postgres://localhost:5432/taskloom?sslmode=disable")

	v.SetDefault("cache.default_ttl", "5m")
	v.SetDefault("cache.fallback_max_entries", 10000)
	v.SetDefault("cache.fallback_sweep_every", "1m")

	v.SetDefault("rate_limit.limit", 100)
	v.SetDefault("rate_limit.window", "1m")

	v.SetDefault("jobs.worker_count", 2)
	v.SetDefault("jobs.rate_per_second", 10)
	v.SetDefault("jobs.lease_ttl", "1m")
	v.SetDefault("jobs.max_attempts", 3)
	v.SetDefault("jobs.backoff_base", "5s")
	v.SetDefault("jobs.batch_size", 100)
	v.SetDefault("jobs.batch_stagger", "5s")
	v.SetDefault("jobs.overdue_every", "1h")
	v.SetDefault("jobs.stale_stats_every", "6h")
	v.SetDefault("jobs.cleanup_every", "24h")
	v.SetDefault("jobs.retain_completed", "720h")
}
