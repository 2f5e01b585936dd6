// Package config loads runner configuration from environment
// variables, with optional per-tenant YAML execution profiles layered
// on top.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// Registry backend. Empty DatabaseURL selects the in-memory
	// registry, which only makes sense in dev mode.
	DatabaseURL string

	// Bundle store. Backend is one of "fs", "s3", "gcs"; the
	// store factory reads its own backend-specific variables.
	StoreBackend string
	DataDir      string

	// Trust anchor: hex-encoded ed25519 public key, or a path to a
	// file containing one.
	TrustAnchor string

	LedgerPath string
	RedisAddr  string

	SessionSecret string

	CacheMaxBytes int64
	CacheMaxItems int

	DefaultTimeout  time.Duration
	DefaultMemoryMB int64
	MaxConcurrency  int64
	GlobalInstances int64

	GatewayTimeout time.Duration
	MaxBodyBytes   int64
	RateRPS        int
	RateBurst      int

	EgressAllowlist []string

	// Quota window ceilings. Zero means unlimited.
	QuotaWindow         time.Duration
	QuotaMaxInvocations int64
	QuotaMaxCPUTimeMS   int64
	QuotaMaxEgressBytes int64

	// ProfilesDir, when set, points at per-tenant execution profile
	// YAML files overriding the defaults above.
	ProfilesDir string

	// DevMode swaps the wazero invoker for the in-process one and
	// accepts any bearer token as a tenant id.
	DevMode bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:            envOr("PORT", "8080"),
		LogLevel:        envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		StoreBackend:    envOr("BUNDLE_STORE_BACKEND", "fs"),
		DataDir:         envOr("DATA_DIR", "data"),
		TrustAnchor:     os.Getenv("TRUST_ANCHOR"),
		LedgerPath:      envOr("LEDGER_PATH", "./data/ledger.db"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		SessionSecret:   os.Getenv("SESSION_SECRET"),
		CacheMaxBytes:   envInt64("CACHE_MAX_BYTES", 256<<20),
		CacheMaxItems:   int(envInt64("CACHE_MAX_ITEMS", 128)),
		DefaultTimeout:  envDurationMS("DEFAULT_TIMEOUT_MS", 5*time.Second),
		DefaultMemoryMB: envInt64("DEFAULT_MEMORY_MB", 64),
		MaxConcurrency:  envInt64("DEFAULT_CONCURRENCY", 4),
		GlobalInstances: envInt64("GLOBAL_INSTANCES", 256),
		GatewayTimeout:  envDurationMS("GATEWAY_TIMEOUT_MS", 10*time.Second),
		MaxBodyBytes:    envInt64("MAX_BODY_BYTES", 1<<20),
		RateRPS:         int(envInt64("RATE_RPS", 50)),
		RateBurst:       int(envInt64("RATE_BURST", 100)),
		ProfilesDir:     os.Getenv("PROFILES_DIR"),
		DevMode:         os.Getenv("DEV_MODE") == "true",

		QuotaWindow:         envDurationMS("QUOTA_WINDOW_MS", time.Hour),
		QuotaMaxInvocations: envInt64("QUOTA_MAX_INVOCATIONS", 0),
		QuotaMaxCPUTimeMS:   envInt64("QUOTA_MAX_CPU_TIME_MS", 0),
		QuotaMaxEgressBytes: envInt64("QUOTA_MAX_EGRESS_BYTES", 0),
	}

	if v := os.Getenv("EGRESS_ALLOWLIST"); v != "" {
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				cfg.EgressAllowlist = append(cfg.EgressAllowlist, h)
			}
		}
	}

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envDurationMS(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
