// Package config loads client configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the client.
type Config struct {
	// Host settings
	HostURL      string
	ConnectionID string
	AccessToken  string
	JWKSURL      string

	// Local cache
	CachePath string

	// Request settings
	RequestTimeout      time.Duration
	AgentListRetries    int
	AgentListRetryDelay time.Duration

	// Reconnect settings
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	PingInterval      time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int

	// Observability
	TelemetryURL string
	LogLevel     string
	LogFormat    string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		HostURL:      getEnv("HOST_URL", ""),
		ConnectionID: getEnv("CONNECTION_ID", ""),
		AccessToken:  getEnv("ACCESS_TOKEN", ""),
		JWKSURL:      getEnv("JWKS_URL", ""),

		CachePath: getEnv("CACHE_PATH", defaultCachePath()),

		RequestTimeout:      getEnvDuration("REQUEST_TIMEOUT", 15*time.Second),
		AgentListRetries:    getEnvInt("AGENT_LIST_RETRIES", 3),
		AgentListRetryDelay: getEnvDuration("AGENT_LIST_RETRY_DELAY", 2*time.Second),

		ReconnectMinDelay: getEnvDuration("RECONNECT_MIN_DELAY", 500*time.Millisecond),
		ReconnectMaxDelay: getEnvDuration("RECONNECT_MAX_DELAY", 30*time.Second),
		PingInterval:      getEnvDuration("PING_INTERVAL", 20*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 4096),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 4096),

		TelemetryURL: getEnv("TELEMETRY_URL", ""),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFormat:    getEnv("LOG_FORMAT", "json"),
	}

	if cfg.HostURL == "" {
		return nil, fmt.Errorf("HOST_URL is required")
	}
	u, err := url.Parse(cfg.HostURL)
	if err != nil {
		return nil, fmt.Errorf("HOST_URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("HOST_URL must use ws, wss, http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("HOST_URL has no host")
	}
	cfg.HostURL = u.String()

	if cfg.ConnectionID == "" {
		cfg.ConnectionID = u.Host
	}
	if cfg.AgentListRetries < 0 {
		return nil, fmt.Errorf("AGENT_LIST_RETRIES must not be negative")
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectMinDelay {
		cfg.ReconnectMaxDelay = cfg.ReconnectMinDelay
	}

	return cfg, nil
}

func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "agent-client", "cache.db")
	}
	return filepath.Join(home, ".agent-client", "cache.db")
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
