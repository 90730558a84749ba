package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/use-agent/pubcrawl/models"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Browser   BrowserConfig
	Capture   CaptureConfig
	Sessions  SessionConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Webhook   WebhookConfig
	Log       LogConfig
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string // default: "0.0.0.0"
	Port int    // default: 8080
	Mode string // "debug", "release", "test"; default: "release"
}

// BrowserConfig controls how Chromium is launched for each session.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool // default: true

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string

	// DefaultProxy is used when a capture does not name its own proxy.
	DefaultProxy string

	// SlowMotion delays every browser action in debug sessions.
	SlowMotion time.Duration // default: 250ms
}

// CaptureConfig holds server-side defaults for capture options. Values the
// client sets always win.
type CaptureConfig struct {
	TimeoutMs    int      // default: 20000
	Retries      int      // default: 3
	ContentLimit int      // default: 256
	WaitUntil    []string // default: ["networkidle"]
	ScreenSize   string   // default: "1440x900"
	UserAgent    string
	Stealth      bool // default: false
	BlockAds     bool // default: false

	// MaxTimeoutMs caps the per-attempt timeout a client may ask for.
	MaxTimeoutMs int // default: 120000
}

// SessionConfig bounds concurrent capture sessions.
type SessionConfig struct {
	// MaxConcurrent is the number of sessions (browsers) running at once.
	MaxConcurrent int // default: 4

	// JobTTL is how long finished batch jobs stay queryable.
	JobTTL time.Duration // default: 1h

	// PatternCacheEntries bounds the cache of compiled URL patterns.
	PatternCacheEntries int // default: 256

	// ChallengeMemory is how long a host that served a challenge keeps
	// getting stealth sessions.
	ChallengeMemory time.Duration // default: 24h
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	// Enabled toggles API key authentication.
	Enabled bool // default: true

	// APIKeys is the list of valid API keys.
	APIKeys []string
}

// RateLimitConfig controls per-key rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per API key.
	RequestsPerSecond float64 // default: 2

	// Burst is the maximum burst size per API key.
	Burst int // default: 4
}

// WebhookConfig controls batch completion callbacks.
type WebhookConfig struct {
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration // default: 10s

	// RetryDelays are the waits before each redelivery.
	RetryDelays []time.Duration // default: [1s, 5s, 15s]
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// CLILogConfig returns the logging settings of the command-line tool. It
// reads the same variables as Load with terminal-friendly defaults.
func CLILogConfig() LogConfig {
	return LogConfig{
		Level:  envOr("PUBCRAWL_LOG_LEVEL", "warn"),
		Format: envOr("PUBCRAWL_LOG_FORMAT", "text"),
	}
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host: envOr("PUBCRAWL_HOST", "0.0.0.0"),
			Port: envIntOr("PUBCRAWL_PORT", 8080),
			Mode: envOr("PUBCRAWL_MODE", "release"),
		},
		Browser: BrowserConfig{
			Headless:     envBoolOr("PUBCRAWL_HEADLESS", true),
			NoSandbox:    envBoolOr("PUBCRAWL_NO_SANDBOX", false),
			BrowserBin:   os.Getenv("PUBCRAWL_BROWSER_BIN"),
			DefaultProxy: os.Getenv("PUBCRAWL_PROXY"),
			SlowMotion:   envDurationOr("PUBCRAWL_SLOW_MOTION", 250*time.Millisecond),
		},
		Capture: CaptureConfig{
			TimeoutMs:    envIntOr("PUBCRAWL_TIMEOUT_MS", models.DefaultTimeoutMs),
			Retries:      envIntOr("PUBCRAWL_RETRIES", models.DefaultRetries),
			ContentLimit: envIntOr("PUBCRAWL_CONTENT_LIMIT", models.DefaultContentLimit),
			WaitUntil:    envSliceOr("PUBCRAWL_WAIT_UNTIL", []string{models.WaitNetworkIdle}),
			ScreenSize:   envOr("PUBCRAWL_SCREEN_SIZE", models.DefaultScreenSize),
			UserAgent:    os.Getenv("PUBCRAWL_USER_AGENT"),
			Stealth:      envBoolOr("PUBCRAWL_STEALTH", false),
			BlockAds:     envBoolOr("PUBCRAWL_BLOCK_ADS", false),
			MaxTimeoutMs: envIntOr("PUBCRAWL_MAX_TIMEOUT_MS", 120000),
		},
		Sessions: SessionConfig{
			MaxConcurrent:       envIntOr("PUBCRAWL_MAX_SESSIONS", 4),
			JobTTL:              envDurationOr("PUBCRAWL_JOB_TTL", time.Hour),
			PatternCacheEntries: envIntOr("PUBCRAWL_PATTERN_CACHE_ENTRIES", 256),
			ChallengeMemory:     envDurationOr("PUBCRAWL_CHALLENGE_MEMORY", 24*time.Hour),
		},
		Auth: AuthConfig{
			Enabled: envBoolOr("PUBCRAWL_AUTH_ENABLED", true),
			APIKeys: envSliceOr("PUBCRAWL_API_KEYS", nil),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envFloatOr("PUBCRAWL_RATE_RPS", 2.0),
			Burst:             envIntOr("PUBCRAWL_RATE_BURST", 4),
		},
		Webhook: WebhookConfig{
			Timeout:     envDurationOr("PUBCRAWL_WEBHOOK_TIMEOUT", 10*time.Second),
			RetryDelays: envDurationSliceOr("PUBCRAWL_WEBHOOK_RETRY_DELAYS", []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}),
		},
		Log: LogConfig{
			Level:  envOr("PUBCRAWL_LOG_LEVEL", "info"),
			Format: envOr("PUBCRAWL_LOG_FORMAT", "json"),
		},
	}
}

// Apply fills the unset fields of opts with the configured defaults and
// clamps the per-attempt timeout.
func (c CaptureConfig) Apply(opts *models.CaptureOptions) {
	if opts.TimeoutMs == 0 {
		opts.TimeoutMs = c.TimeoutMs
	}
	if c.MaxTimeoutMs > 0 && opts.TimeoutMs > c.MaxTimeoutMs {
		opts.TimeoutMs = c.MaxTimeoutMs
	}
	if opts.Retries == nil {
		r := c.Retries
		opts.Retries = &r
	}
	if opts.ContentLimit == nil {
		l := c.ContentLimit
		opts.ContentLimit = &l
	}
	if len(opts.WaitUntil) == 0 {
		opts.WaitUntil = append([]string(nil), c.WaitUntil...)
	}
	if opts.ScreenSize == "" {
		opts.ScreenSize = c.ScreenSize
	}
	if opts.UserAgent == "" {
		opts.UserAgent = c.UserAgent
	}
	opts.Stealth = opts.Stealth || c.Stealth
	opts.BlockAds = opts.BlockAds || c.BlockAds
}

func envDurationSliceOr(key string, fallback []time.Duration) []time.Duration {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]time.Duration, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				if d, err := time.ParseDuration(trimmed); err == nil {
					result = append(result, d)
				}
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
