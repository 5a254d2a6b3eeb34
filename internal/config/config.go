// Package config defines the server configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields are populated from an optional
// TOML file and then overridden by environment variables.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Engine   EngineConfig   `toml:"engine"`
	Archive  ArchiveConfig  `toml:"archive"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// DatabaseConfig holds the PostgreSQL connection. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL           string `toml:"url"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds the Redis connection used for the read cache, the
// distributed portfolio lock and the quote hash. An empty URL disables all
// three.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
	LockTTL  duration `toml:"lock_ttl"`
}

// EngineConfig holds risk and settlement parameters.
type EngineConfig struct {
	// RulesFile is a TOML risk ruleset loaded at startup and on SIGHUP.
	// Empty means the built-in defaults.
	RulesFile    string   `toml:"rules_file"`
	LockTimeout  duration `toml:"lock_timeout"`
	QuoteTimeout duration `toml:"quote_timeout"`
}

// ArchiveConfig holds the S3 audit archive. An empty Bucket disables it.
type ArchiveConfig struct {
	Bucket         string   `toml:"bucket"`
	Region         string   `toml:"region"`
	Endpoint       string   `toml:"endpoint"`
	Prefix         string   `toml:"prefix"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	ForcePathStyle bool     `toml:"force_path_style"`
	Interval       duration `toml:"interval"`
	BatchSize      int      `toml:"batch_size"`
}

// Enabled reports whether archiving is configured.
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// duration wraps time.Duration so TOML strings like "5s" decode.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			CORSOrigins:     []string{"*"},
			RequestTimeout:  duration{30 * time.Second},
			ShutdownTimeout: duration{10 * time.Second},
		},
		Database: DatabaseConfig{
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
			LockTTL:  duration{30 * time.Second},
		},
		Engine: EngineConfig{
			LockTimeout:  duration{5 * time.Second},
			QuoteTimeout: duration{2 * time.Second},
		},
		Archive: ArchiveConfig{
			Prefix:    "simengine/audit",
			Interval:  duration{time.Hour},
			BatchSize: 5000,
		},
		LogLevel: "info",
	}
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.RequestTimeout.Duration <= 0 || c.Server.ShutdownTimeout.Duration <= 0 {
		errs = append(errs, "server timeouts must be positive")
	}
	if c.Engine.LockTimeout.Duration <= 0 {
		errs = append(errs, "engine.lock_timeout must be positive")
	}
	if c.Engine.QuoteTimeout.Duration <= 0 {
		errs = append(errs, "engine.quote_timeout must be positive")
	}
	if c.Redis.URL != "" && (c.Redis.CacheTTL.Duration <= 0 || c.Redis.LockTTL.Duration <= 0) {
		errs = append(errs, "redis.cache_ttl and redis.lock_ttl must be positive")
	}
	if c.Archive.Enabled() {
		if c.Archive.Region == "" {
			errs = append(errs, "archive.region is required when archive.bucket is set")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive.interval must be positive")
		}
		if c.Archive.BatchSize <= 0 {
			errs = append(errs, "archive.batch_size must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
