// Package config loads runtime configuration for the proxy from the
// environment, matching the keys named in the specification.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable named in the specification's Configuration
// keys section, plus the ambient server/database settings the teacher
// repo also carries.
type Config struct {
	Host string
	Port int

	DBPath string

	EncryptionKey string

	// Token lifecycle (§4.2, §6)
	SafetyWindow      time.Duration
	Backoff           time.Duration
	FailureTTL        time.Duration
	MaxFailureRecords int
	MaxBackoffRetries int

	// Health bands (§4.3)
	RefreshTokenWarning  time.Duration
	RefreshTokenCritical time.Duration
	RefreshTokenMaxAge   time.Duration
	HealthCheckInterval  time.Duration

	// Streaming sink (§4.9)
	StreamUsageBufferBytes int
	StreamOrphanTimeout    time.Duration

	// Scheduler (§4.10)
	SchedulerTick    time.Duration
	FailureThreshold int

	RequestTimeout time.Duration

	OAuthClientID string
	OAuthTokenURL string

	LogLevel string
}

// Load reads configuration from the environment, applying the defaults
// named in the specification where a variable is unset.
func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 8787),

		DBPath: envOr("DB_PATH", "./ccflare-proxy.db"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),

		SafetyWindow:      envDuration("SAFETY_WINDOW", 30*time.Minute),
		Backoff:           envDuration("BACKOFF", 60*time.Second),
		FailureTTL:        envDuration("FAILURE_TTL", 5*time.Minute),
		MaxFailureRecords: envInt("MAX_FAILURE_RECORDS", 1000),
		MaxBackoffRetries: envInt("MAX_BACKOFF_RETRIES", 10),

		RefreshTokenWarning:  envDuration("REFRESH_TOKEN_WARNING", 7*24*time.Hour),
		RefreshTokenCritical: envDuration("REFRESH_TOKEN_CRITICAL", 3*24*time.Hour),
		RefreshTokenMaxAge:   envDuration("REFRESH_TOKEN_MAX_AGE", 90*24*time.Hour),
		HealthCheckInterval:  envDuration("HEALTH_CHECK_INTERVAL", 6*time.Hour),

		StreamUsageBufferBytes: envInt("STREAM_USAGE_BUFFER_BYTES", 64*1024),
		StreamOrphanTimeout:    envDuration("STREAM_ORPHAN_TIMEOUT_MS", 30*time.Second),

		SchedulerTick:    envDuration("SCHEDULER_TICK_MS", 60*time.Second),
		FailureThreshold: envInt("FAILURE_THRESHOLD", 5),

		RequestTimeout: envDuration("REQUEST_TIMEOUT", 5*time.Minute),

		OAuthClientID: envOr("OAUTH_CLIENT_ID", "9d1c250a-e61b-44d9-88ed-5944d1962f5e"),
		OAuthTokenURL: envOr("OAUTH_TOKEN_URL", "https://console.anthropic.com/v1/oauth/token"),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return errMissing("ENCRYPTION_KEY")
	}
	return nil
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
