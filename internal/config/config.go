// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// DatabaseURL is the Postgres connection string for the persistent store.
	// Required unless StoreMode is "memory".
	DatabaseURL string

	// StoreMode selects the repository backend: "postgres" or "memory".
	// "memory" is intended for local development and tests.
	StoreMode string

	// CryptoSecretKey derives the AES-256-GCM key used to encrypt provider
	// credential bags at rest. Required, at least 32 bytes.
	CryptoSecretKey string

	// CryptoLegacyPlaintext resolves the credential-decrypt open question:
	// when true, an untagged (unencrypted) stored credential is treated as
	// already-plaintext instead of failing decryption. Default: false.
	CryptoLegacyPlaintext bool

	Session   SessionConfig
	Scheduler SchedulerConfig
	Upstream  UpstreamConfig
	Media     MediaConfig

	// CORSOrigins is the list of allowed CORS origins.
	CORSOrigins []string
}

// SessionConfig controls session matching and TTL.
type SessionConfig struct {
	// TTL is how long an idle session stays active before the maintenance
	// sweep deletes it. Default: 1h.
	TTL time.Duration

	// MaxPerUser caps the number of simultaneously active sessions a single
	// user may hold before the oldest is evicted. Default: 100.
	MaxPerUser int

	// CleanupInterval is how often the expired-session sweep runs. Default: 5m.
	CleanupInterval time.Duration
}

// SchedulerConfig controls provider selection, health and cooldown.
type SchedulerConfig struct {
	// HealthThreshold is the minimum health_score a candidate provider must
	// have to be selected. Default: 50.
	HealthThreshold int

	// FailureThreshold is the consecutive-failure count that trips a
	// provider into cooling. 2x this trips it permanently into failed.
	// Default: 5.
	FailureThreshold int

	// CooldownDuration is how long a cooling provider stays unavailable.
	// Default: 5m.
	CooldownDuration time.Duration

	// MaxRetries is the maximum provider attempts per executor call,
	// including the first. Default: 3.
	MaxRetries int

	// RecoveryInterval is how often the cooling→active sweep runs. Default: 1m.
	RecoveryInterval time.Duration
}

// UpstreamConfig controls the upstream chat backend client.
type UpstreamConfig struct {
	// BaseURL is the upstream service's API root.
	BaseURL string

	// TokenFetchURL issues the server-side cross-site-request token this
	// gateway signs into a bearer JWT.
	TokenFetchURL string

	// UnaryTimeout bounds a single non-streaming upstream call. Default: 120s.
	UnaryTimeout time.Duration

	// StreamTimeout bounds a single streaming upstream call. Default: 1800s.
	StreamTimeout time.Duration

	// ClientCacheTTL is how long a constructed upstream client (and its
	// bearer token) is reused before being recreated. Default: 5m.
	ClientCacheTTL time.Duration
}

// MediaConfig controls media-intent detection and the fetch grace period.
type MediaConfig struct {
	// Keywords is the case-insensitive substring set that marks a text-only
	// request as wanting inline media, in addition to an explicit IMAGE
	// response modality.
	Keywords []string

	// FetchGracePeriod is how long the streaming path waits after the
	// upstream text stream closes before fetching generated media.
	// Default: 2s.
	FetchGracePeriod time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_MODE", "postgres")
	v.SetDefault("CRYPTO_LEGACY_PLAINTEXT", false)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("SESSION_TTL_MS", 3_600_000)
	v.SetDefault("MAX_SESSIONS_PER_USER", 100)
	v.SetDefault("SESSION_CLEANUP_INTERVAL_MS", 300_000)

	v.SetDefault("PROVIDER_HEALTH_THRESHOLD", 50)
	v.SetDefault("PROVIDER_FAILURE_THRESHOLD", 5)
	v.SetDefault("PROVIDER_COOLDOWN_MS", 300_000)
	v.SetDefault("SCHEDULER_MAX_RETRIES", 3)
	v.SetDefault("SCHEDULER_RECOVERY_INTERVAL_MS", 60_000)

	v.SetDefault("UPSTREAM_UNARY_TIMEOUT_MS", 120_000)
	v.SetDefault("UPSTREAM_STREAM_TIMEOUT_MS", 1_800_000)
	v.SetDefault("UPSTREAM_CLIENT_CACHE_TTL_MS", 300_000)

	v.SetDefault("MEDIA_KEYWORDS", []string{"draw", "generate an image", "picture of", "sketch", "illustration of"})
	v.SetDefault("MEDIA_FETCH_GRACE_MS", 2_000)

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		DatabaseURL:           v.GetString("DATABASE_URL"),
		StoreMode:             strings.ToLower(v.GetString("STORE_MODE")),
		CryptoSecretKey:       v.GetString("CRYPTO_SECRET_KEY"),
		CryptoLegacyPlaintext: v.GetBool("CRYPTO_LEGACY_PLAINTEXT"),

		Session: SessionConfig{
			TTL:             time.Duration(v.GetInt64("SESSION_TTL_MS")) * time.Millisecond,
			MaxPerUser:      v.GetInt("MAX_SESSIONS_PER_USER"),
			CleanupInterval: time.Duration(v.GetInt64("SESSION_CLEANUP_INTERVAL_MS")) * time.Millisecond,
		},

		Scheduler: SchedulerConfig{
			HealthThreshold:  v.GetInt("PROVIDER_HEALTH_THRESHOLD"),
			FailureThreshold: v.GetInt("PROVIDER_FAILURE_THRESHOLD"),
			CooldownDuration: time.Duration(v.GetInt64("PROVIDER_COOLDOWN_MS")) * time.Millisecond,
			MaxRetries:       v.GetInt("SCHEDULER_MAX_RETRIES"),
			RecoveryInterval: time.Duration(v.GetInt64("SCHEDULER_RECOVERY_INTERVAL_MS")) * time.Millisecond,
		},

		Upstream: UpstreamConfig{
			BaseURL:        v.GetString("UPSTREAM_BASE_URL"),
			TokenFetchURL:  v.GetString("UPSTREAM_TOKEN_FETCH_URL"),
			UnaryTimeout:   time.Duration(v.GetInt64("UPSTREAM_UNARY_TIMEOUT_MS")) * time.Millisecond,
			StreamTimeout:  time.Duration(v.GetInt64("UPSTREAM_STREAM_TIMEOUT_MS")) * time.Millisecond,
			ClientCacheTTL: time.Duration(v.GetInt64("UPSTREAM_CLIENT_CACHE_TTL_MS")) * time.Millisecond,
		},

		Media: MediaConfig{
			Keywords:         v.GetStringSlice("MEDIA_KEYWORDS"),
			FetchGracePeriod: time.Duration(v.GetInt64("MEDIA_FETCH_GRACE_MS")) * time.Millisecond,
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.StoreMode != "memory" && c.StoreMode != "postgres" {
		return fmt.Errorf("config: invalid STORE_MODE %q; must be one of: postgres, memory", c.StoreMode)
	}
	if c.StoreMode == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required when STORE_MODE=postgres")
	}
	if len(c.CryptoSecretKey) < 32 {
		return fmt.Errorf("config: CRYPTO_SECRET_KEY is required and must be at least 32 bytes")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("config: UPSTREAM_BASE_URL is required")
	}
	if c.Upstream.TokenFetchURL == "" {
		return fmt.Errorf("config: UPSTREAM_TOKEN_FETCH_URL is required")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Scheduler.MaxRetries < 1 {
		return fmt.Errorf("config: SCHEDULER_MAX_RETRIES must be >= 1, got %d", c.Scheduler.MaxRetries)
	}
	if c.Scheduler.FailureThreshold < 1 {
		return fmt.Errorf("config: PROVIDER_FAILURE_THRESHOLD must be >= 1, got %d", c.Scheduler.FailureThreshold)
	}
	if c.Session.MaxPerUser < 1 {
		return fmt.Errorf("config: MAX_SESSIONS_PER_USER must be >= 1, got %d", c.Session.MaxPerUser)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
