package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all environment-derived settings for the relay.
type Config struct {
	// Server
	Host string
	Port int

	// Database
	DBPath string

	// Security
	EncryptionKey string
	AdminPassword string

	// Upstream
	UpstreamBaseURL string

	// Scheduling / maintenance
	AutoQueryBalanceAfterCalls int
	BlockPurgeInterval         time.Duration

	// Timeouts
	UpstreamTimeout     time.Duration
	ClientSocketTimeout time.Duration
	BalanceProbeTimeout time.Duration
	ProxyVerifyPrimary  time.Duration
	ProxyVerifyFallback time.Duration

	// Request engine bounds
	MaxCredentialSwitches int
	MaxAttemptsPerCred    int
	RetryBackoff          time.Duration
	RetryPollInterval     time.Duration

	// Proxy pin / block windows
	ProxyPinWindow   time.Duration
	SoftBlockWindow  time.Duration
	MaxRequestBodyMB int

	// Usage log retention
	UsageLogRetention time.Duration

	LogLevel string
}

// upstreamBaseURL is a compile-time constant per spec: the upstream chat
// completion API this relay fronts.
const upstreamBaseURL = "https://api.siliconflow.cn/v1"

// Load reads configuration from the environment, applying the documented
// defaults for anything unset.
func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 3838),

		DBPath: envOr("DB_PATH", "./relay.db"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),

		UpstreamBaseURL: envOr("UPSTREAM_BASE_URL", upstreamBaseURL),

		AutoQueryBalanceAfterCalls: envInt("AUTO_QUERY_BALANCE_AFTER_CALLS", 0),
		BlockPurgeInterval:         5 * time.Minute,

		UpstreamTimeout:     envMillis("UPSTREAM_TIMEOUT_MS", 240_000),
		ClientSocketTimeout: envMillis("CLIENT_SOCKET_TIMEOUT_MS", 480_000),
		BalanceProbeTimeout: 5 * time.Second,
		ProxyVerifyPrimary:  8 * time.Second,
		ProxyVerifyFallback: 5 * time.Second,

		MaxCredentialSwitches: 10,
		MaxAttemptsPerCred:    4, // R=3 retries plus the initial attempt
		RetryBackoff:          30 * time.Second,
		RetryPollInterval:     1 * time.Second,

		ProxyPinWindow:   60 * time.Minute,
		SoftBlockWindow:  30 * time.Minute,
		MaxRequestBodyMB: 100,

		UsageLogRetention: 30 * 24 * time.Hour,

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

// AuthEnabled reports whether the bearer-token check on client and admin
// requests is active. Auth is disabled when no admin password is configured.
func (c *Config) AuthEnabled() bool {
	return c.AdminPassword != ""
}

// EncryptionEnabled reports whether credential secrets are encrypted at
// rest. Disabled only when the operator explicitly omits ENCRYPTION_KEY.
func (c *Config) EncryptionEnabled() bool {
	return c.EncryptionKey != ""
}

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

func envMillis(key string, fallbackMs int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return time.Duration(fallbackMs) * time.Millisecond
}
