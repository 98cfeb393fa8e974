// Package config provides environment configuration for the sync agent.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Backend REST API
	APIBaseURL  string
	HTTPTimeout time.Duration

	// Realtime hub
	HubURL               string
	HubTransport         string
	InvokeTimeout        time.Duration
	ReconnectInitial     time.Duration
	ReconnectMaxInterval time.Duration
	ReconnectMaxElapsed  time.Duration

	// NATS hub settings
	NATSURL           string
	NATSSubjectPrefix string
	NATSCAFile        string
	NATSCertFile      string
	NATSKeyFile       string

	// Conversation sessions
	HistoryPageSize int

	// Optional token used to log in at startup
	AccessToken string

	// Local bridge
	BridgePort           string
	BridgeAllowedOrigins []string
	ServerReadTimeout    time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	Environment string
	LogLevel    string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Transport names accepted in HUB_TRANSPORT.
const (
	TransportWebsocket = "websocket"
	TransportNATS      = "nats"
)

// Load reads configuration from environment variables. Values from a .env
// file in the working directory are loaded first and never override the
// process environment.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Backend
		APIBaseURL:  strings.TrimRight(getEnv("API_BASE_URL", "http://localhost:5000/api/v1"), "/"),
		HTTPTimeout: getDurationEnv("HTTP_TIMEOUT", 15*time.Second),

		// Hub
		HubURL:               getEnv("HUB_URL", "ws://localhost:5000/chatHub"),
		HubTransport:         strings.ToLower(getEnv("HUB_TRANSPORT", TransportWebsocket)),
		InvokeTimeout:        getDurationEnv("INVOKE_TIMEOUT", 10*time.Second),
		ReconnectInitial:     getDurationEnv("RECONNECT_INITIAL", time.Second),
		ReconnectMaxInterval: getDurationEnv("RECONNECT_MAX_INTERVAL", 30*time.Second),
		ReconnectMaxElapsed:  getDurationEnv("RECONNECT_MAX_ELAPSED", 2*time.Minute),

		// NATS
		NATSURL:           getEnv("NATS_URL", "nats://localhost:4222"),
		NATSSubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "chathub"),
		NATSCAFile:        getEnv("NATS_CA_FILE", ""),
		NATSCertFile:      getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:       getEnv("NATS_KEY_FILE", ""),

		// Sessions
		HistoryPageSize: getIntEnv("HISTORY_PAGE_SIZE", 30),

		AccessToken: getEnv("ACCESS_TOKEN", ""),

		// Bridge
		BridgePort:           getEnv("BRIDGE_PORT", "7420"),
		BridgeAllowedOrigins: splitAndTrim(getEnv("BRIDGE_ALLOWED_ORIGINS", "http://localhost:4200")),
		ServerReadTimeout:    getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		Environment: getEnv("ENV", "production"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
