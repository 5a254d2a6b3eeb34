package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when path is empty) over the
// defaults, then applies environment overrides. The result is not
// validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// A missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Deployment platforms set these without a prefix.
	setInt(&cfg.Server.Port, "PORT")
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")

	setStringSlice(&cfg.Server.CORSOrigins, "SIMENGINE_CORS_ORIGINS")
	setBool(&cfg.Database.RunMigrations, "SIMENGINE_RUN_MIGRATIONS")

	setStr(&cfg.Engine.RulesFile, "SIMENGINE_RULES_FILE")
	setDuration(&cfg.Engine.LockTimeout, "SIMENGINE_LOCK_TIMEOUT")
	setDuration(&cfg.Engine.QuoteTimeout, "SIMENGINE_QUOTE_TIMEOUT")

	setStr(&cfg.Archive.Bucket, "SIMENGINE_S3_BUCKET")
	setStr(&cfg.Archive.Region, "SIMENGINE_S3_REGION")
	setStr(&cfg.Archive.Endpoint, "SIMENGINE_S3_ENDPOINT")
	setStr(&cfg.Archive.Prefix, "SIMENGINE_S3_PREFIX")
	setStr(&cfg.Archive.AccessKey, "SIMENGINE_S3_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "SIMENGINE_S3_SECRET_KEY")
	setBool(&cfg.Archive.ForcePathStyle, "SIMENGINE_S3_FORCE_PATH_STYLE")
	setDuration(&cfg.Archive.Interval, "SIMENGINE_ARCHIVE_INTERVAL")

	setStr(&cfg.LogLevel, "SIMENGINE_LOG_LEVEL")
}

// Each helper only touches dst when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
