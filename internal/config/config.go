// Package config loads gateway configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the bot gateway process.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Gateway   GatewayConfig
	Redis     RedisConfig
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
	// SampleRatio is the fraction of traces kept when tracing is enabled;
	// 1.0 samples everything. Defaults to 1.0 so a freshly deployed gateway
	// is fully traced until an operator dials it back under load.
	SampleRatio float64
}

// GatewayConfig holds the §6 environment variables the core reads directly.
type GatewayConfig struct {
	// MasterKeyBase64 is the AEAD master key (C1). Fatal if unset.
	MasterKeyBase64 string
	// ZeroTrustMode enables ProxyToken auth; otherwise the proxy handler runs
	// direct-mode auth against the bot's own bot.proxyTokenHash.
	ZeroTrustMode bool
	// ProxyTokenTTL is the token lifetime, default 86400s (24h).
	ProxyTokenTTL time.Duration
	// ConfigReloadInterval is C4's hot-reload tick period, default 5m.
	ConfigReloadInterval time.Duration
}

type RedisConfig struct {
	Enabled bool
	Addr    string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("GATEWAY_PORT", 8080),
		Version: envStr("GATEWAY_VERSION", "0.1.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "bot-gateway"),
			SampleRatio:  envFloat("OTEL_SAMPLE_RATIO", 1.0),
		},
		Gateway: GatewayConfig{
			MasterKeyBase64:      envStr("BOT_MASTER_KEY", ""),
			ZeroTrustMode:        envBool("ZERO_TRUST_MODE", false),
			ProxyTokenTTL:        envDuration("PROXY_TOKEN_TTL", 86400*time.Second),
			ConfigReloadInterval: envDuration("CONFIG_RELOAD_INTERVAL", 5*time.Minute),
		},
		Redis: RedisConfig{
			Enabled: envBool("REDIS_ENABLED", false),
			Addr:    envStr("REDIS_ADDR", "localhost:6379"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// envDuration parses PROXY_TOKEN_TTL and similar vars. §6 specifies
// PROXY_TOKEN_TTL "in seconds"; accept a bare integer as seconds, or a Go
// duration string (e.g. "5m") for the other interval knobs.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}
