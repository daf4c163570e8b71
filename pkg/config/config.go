package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds the application configuration
type Config struct {
	Environment           string
	ServerPort            int
	LogLevel              string
	StoreBackend          string
	RedisURL              string
	Database              DatabaseConfig
	JWTSecret             string
	JWTIssuer             string
	CORSAllowedOrigins    []string
	DefaultSearchRadiusKm float64
	RateLimitPerMinute    int
	SessionSendBuffer     int
	PingInterval          time.Duration
	HandshakeTimeout      time.Duration
	PresenceSweepInterval time.Duration
}

// DatabaseConfig is the subset of settings needed to reach Postgres
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	port, err := strconv.Atoi(getEnv("SERVER_PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}

	dbPort, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	radius, err := strconv.ParseFloat(getEnv("DEFAULT_SEARCH_RADIUS_KM", "10"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_SEARCH_RADIUS_KM: %w", err)
	}
	if radius <= 0 {
		return nil, fmt.Errorf("invalid DEFAULT_SEARCH_RADIUS_KM: must be positive")
	}

	rateLimit, err := strconv.Atoi(getEnv("RATE_LIMIT_PER_MINUTE", "100"))
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %w", err)
	}

	sendBuffer, err := strconv.Atoi(getEnv("SESSION_SEND_BUFFER", "64"))
	if err != nil {
		return nil, fmt.Errorf("invalid SESSION_SEND_BUFFER: %w", err)
	}

	pingSeconds, err := strconv.Atoi(getEnv("WS_PING_INTERVAL_SECONDS", "15"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_PING_INTERVAL_SECONDS: %w", err)
	}

	handshakeSeconds, err := strconv.Atoi(getEnv("WS_HANDSHAKE_TIMEOUT_SECONDS", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_HANDSHAKE_TIMEOUT_SECONDS: %w", err)
	}

	sweepSeconds, err := strconv.Atoi(getEnv("PRESENCE_SWEEP_INTERVAL_SECONDS", "30"))
	if err != nil {
		return nil, fmt.Errorf("invalid PRESENCE_SWEEP_INTERVAL_SECONDS: %w", err)
	}

	backend := strings.ToLower(getEnv("STORE_BACKEND", BackendMemory))
	switch backend {
	case BackendMemory, BackendPostgres, BackendRedis:
	default:
		return nil, fmt.Errorf("invalid STORE_BACKEND: %q", backend)
	}

	return &Config{
		Environment:  getEnv("ENVIRONMENT", "development"),
		ServerPort:   port,
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		StoreBackend: backend,
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379"),
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("DB_USER", "crowdaid"),
			Password: getEnv("DB_PASSWORD", "dev"),
			Name:     getEnv("DB_NAME", "crowdaid"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		JWTSecret: getEnv("JWT_SECRET", ""),
		JWTIssuer: getEnv("JWT_ISSUER", "crowdaid"),
		CORSAllowedOrigins: parseCSVEnv("CORS_ALLOWED_ORIGINS", []string{
			"http://localhost:5173",
			"http://localhost:3000",
		}),
		DefaultSearchRadiusKm: radius,
		RateLimitPerMinute:    rateLimit,
		SessionSendBuffer:     sendBuffer,
		PingInterval:          time.Duration(pingSeconds) * time.Second,
		HandshakeTimeout:      time.Duration(handshakeSeconds) * time.Second,
		PresenceSweepInterval: time.Duration(sweepSeconds) * time.Second,
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseCSVEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
