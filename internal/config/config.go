// Package config provides configuration for the realtime server.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the server configuration.
type Config struct {
	Env string

	// Server settings
	WSPort   int // External WebSocket port
	HTTPPort int // Internal HTTP port for /health, /metrics, /internal/*
	RPCPort  int // Internal JSON-RPC port

	// Collaborators
	DatabaseURL string // SQLite DSN, postgres:// URL or http(s):// persistence service
	RedisURL    string // Optional presence mirror

	// Auth and admission
	JWTSecret  string
	PolicyFile string

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	SendBuffer     int

	// Inbound rate limit per connection
	RateLimit float64
	RateBurst int

	// Timeouts
	PersistTimeout  time.Duration
	ShutdownTimeout time.Duration

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables, reading .env first if present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Env:             getEnv("ENV", "development"),
		WSPort:          getEnvInt("WS_PORT", 8090),
		HTTPPort:        getEnvInt("HTTP_PORT", 8091),
		RPCPort:         getEnvInt("RPC_PORT", 8092),
		DatabaseURL:     getEnv("DATABASE_URL", "file:huddle.db?cache=shared&mode=rwc"),
		RedisURL:        getEnv("REDIS_URL", ""),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		PolicyFile:      getEnv("POLICY_FILE", ""),
		PingInterval:    time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:    time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:     time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxMessageSize:  int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
		SendBuffer:      getEnvInt("SEND_BUFFER", 256),
		RateLimit:       float64(getEnvInt("RATE_LIMIT_PER_SEC", 20)),
		RateBurst:       getEnvInt("RATE_LIMIT_BURST", 40),
		PersistTimeout:  time.Duration(getEnvInt("PERSIST_TIMEOUT_MS", 10000)) * time.Millisecond,
		ShutdownTimeout: time.Duration(getEnvInt("SHUTDOWN_TIMEOUT_MS", 10000)) * time.Millisecond,
		LogLevel:        getEnv("LOG_LEVEL", "info"),
	}
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
