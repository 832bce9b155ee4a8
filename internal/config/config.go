// Package config loads tunnel server and client configuration from the
// environment, following spec.md §6's configuration surface.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds the tunnel server's runtime configuration.
type Config struct {
	// WSPort is the port the control-channel WebSocket listener (and the
	// /health, /metrics admin routes) bind to.
	WSPort int
	// PublicPortStart / PublicPortEnd bound the public ingress port range.
	PublicPortStart int
	PublicPortEnd   int
	// RequestTimeoutSeconds bounds how long an ingress request waits for a
	// response frame before failing with 504.
	RequestTimeoutSeconds int
	// MaxClients is the maximum number of simultaneously registered tunnel
	// sessions this server instance will hold.
	MaxClients int
	// ServerID is reported in `registered` frames and on /health.
	ServerID string
	// IdleThresholdSeconds is how long a session may go without any traffic
	// before the idle-eviction sweep closes it.
	IdleThresholdSeconds int

	Env       string
	LogLevel  string
	LogFormat string

	// RedisURL / RedisAddr back both the Asynq broker (idle-sweep scheduler)
	// and the rate-limit counter store. Empty RedisAddr disables both: the
	// rate limiter counts only in its in-process store and the sweep runs on
	// an in-process ticker.
	RedisURL  string
	RedisAddr string
}

// ClientConfig holds the tunnel client's (proxier's) runtime configuration.
type ClientConfig struct {
	ServerURL             string
	AuthToken             string
	RequestTimeoutSeconds int
	HeartbeatInterval     int
	ReconnectDelaySeconds int
	MaxReconnectAttempts  int
}

// Load reads the server configuration from the environment, applying the
// defaults from spec.md §6. A ".env" file in the working directory is
// loaded first, if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		WSPort:                getEnvAsInt("WS_PORT", 8765),
		PublicPortStart:       getEnvAsInt("PUBLIC_PORT_START", 5000),
		PublicPortEnd:         getEnvAsInt("PUBLIC_PORT_END", 5999),
		RequestTimeoutSeconds: getEnvAsInt("REQUEST_TIMEOUT", 30),
		MaxClients:            getEnvAsInt("MAX_CLIENTS_PER_SERVER", 100),
		ServerID:              getEnv("SERVER_ID", "server-1"),
		IdleThresholdSeconds:  getEnvAsInt("IDLE_THRESHOLD_SECONDS", 300),
		Env:                   getEnv("ENV", "development"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "json"),
		RedisURL:              "redis://localhost:6379",
	}
	// An explicitly empty REDIS_URL disables Redis, so it is looked up
	// directly rather than through getEnv (which treats empty as unset).
	if redisURL, ok := os.LookupEnv("REDIS_URL"); ok {
		cfg.RedisURL = redisURL
	}
	cfg.RedisAddr = parseRedisAddr(cfg.RedisURL)

	if cfg.PublicPortStart <= 0 || cfg.PublicPortEnd < cfg.PublicPortStart {
		return nil, fmt.Errorf("config: invalid public port range [%d, %d]", cfg.PublicPortStart, cfg.PublicPortEnd)
	}
	if cfg.MaxClients <= 0 {
		return nil, fmt.Errorf("config: MAX_CLIENTS_PER_SERVER must be positive, got %d", cfg.MaxClients)
	}

	return cfg, nil
}

// LoadClient reads the client configuration from the environment. Callers
// (cmd/tunnelc) overlay any CLI flag values after calling this.
func LoadClient() *ClientConfig {
	_ = godotenv.Load()

	return &ClientConfig{
		ServerURL:             getEnv("TUNNEL_SERVER_URL", "ws://localhost:8765/tunnel/connect"),
		AuthToken:             getEnv("TUNNEL_AUTH_TOKEN", ""),
		RequestTimeoutSeconds: getEnvAsInt("REQUEST_TIMEOUT", 30),
		HeartbeatInterval:     getEnvAsInt("HEARTBEAT_INTERVAL", 30),
		ReconnectDelaySeconds: getEnvAsInt("RECONNECT_DELAY", 5),
		MaxReconnectAttempts:  getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// parseRedisAddr extracts a host:port suitable for redis.Options.Addr and
// asynq.RedisClientOpt from a redis:// URL, a bare host:port, or an empty
// string (which disables Redis entirely).
func parseRedisAddr(redisURL string) string {
	if redisURL == "" {
		return ""
	}
	addr := strings.TrimPrefix(redisURL, "redis://")
	addr = strings.TrimPrefix(addr, "rediss://")
	addr = strings.TrimSuffix(addr, "/")
	if !strings.Contains(addr, ":") {
		addr = addr + ":6379"
	}
	return addr
}
