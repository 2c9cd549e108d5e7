// Package config loads process configuration from the environment. A .env
// file in the working directory is honoured when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Store backends for the shared queue/cooldown/room state.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds every tunable of the wsserver binary.
type Config struct {
	// Server
	ListenAddr string
	Env        string
	LogLevel   string
	ServerName string
	ClientURL  string

	// WebSocket transport
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// Shared state
	StoreBackend string
	RedisAddr    string
	NATSURL      string // empty: in-process signal bus
	DatabaseURL  string // empty: in-memory profile and report stores

	// Identity tokens
	JWTSecret     string
	JWTExpiration time.Duration

	// Matchmaking
	BaseCooldown     time.Duration
	SkipCooldown     time.Duration
	ScanLimit        int
	DailyFilterLimit int
	DailyReportLimit int
	AutoRequeue      bool

	// Verification classifier endpoint
	VerifyURL string

	AdminToken string // empty: admin routes are not mounted
}

// Load reads the environment into a Config, applying defaults for unset keys.
func Load() (*Config, error) {
	_ = godotenv.Load()

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "ws-1"
	}

	cfg := &Config{
		ListenAddr:       getEnv("LISTEN_ADDR", ":8080"),
		Env:              getEnv("ENV", "development"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		ServerName:       getEnv("SERVER_NAME", hostname),
		ClientURL:        getEnv("CLIENT_URL", "http://localhost:5173"),
		WorkerPoolSize:   getInt("WORKER_POOL_SIZE", 256),
		MaxConnections:   getInt("MAX_CONNECTIONS", 100000),
		ReadTimeout:      getDuration("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:     getDuration("WRITE_TIMEOUT", 10*time.Second),
		StoreBackend:     getEnv("STORE_BACKEND", BackendMemory),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		NATSURL:          os.Getenv("NATS_URL"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		JWTSecret:        getEnv("JWT_SECRET", "ghosty-dev-secret"),
		JWTExpiration:    getDuration("JWT_EXPIRATION", 30*24*time.Hour),
		BaseCooldown:     getDuration("BASE_COOLDOWN", 30*time.Second),
		SkipCooldown:     getDuration("SKIP_COOLDOWN", 5*time.Second),
		ScanLimit:        getInt("SCAN_LIMIT", 5),
		DailyFilterLimit: getInt("DAILY_FILTER_LIMIT", 5),
		DailyReportLimit: getInt("DAILY_REPORT_LIMIT", 3),
		AutoRequeue:      getBool("AUTO_REQUEUE", true),
		VerifyURL:        getEnv("VERIFY_URL", "http://localhost:8000/api/verify-gender"),
		AdminToken:       os.Getenv("ADMIN_TOKEN"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the server cannot run with.
func (c *Config) Validate() error {
	if c.StoreBackend != BackendMemory && c.StoreBackend != BackendRedis {
		return fmt.Errorf("config: STORE_BACKEND must be %q or %q, got %q", BackendMemory, BackendRedis, c.StoreBackend)
	}
	if c.ScanLimit < 3 || c.ScanLimit > 5 {
		return fmt.Errorf("config: SCAN_LIMIT must be between 3 and 5, got %d", c.ScanLimit)
	}
	if c.BaseCooldown <= 0 || c.SkipCooldown <= 0 {
		return fmt.Errorf("config: cooldowns must be positive")
	}
	if c.Env == "production" && c.JWTSecret == "ghosty-dev-secret" {
		return fmt.Errorf("config: JWT_SECRET must be set in production")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}
