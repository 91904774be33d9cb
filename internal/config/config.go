// Package config provides configuration management for the GOMP miner.
// It handles loading configuration from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/cpuid/v2"

	"github.com/bardlex/gomp-miner/internal/mining"
	"github.com/bardlex/gomp-miner/internal/settings"
)

// Settings backends
const (
	SettingsBackendFile  = "file"
	SettingsBackendRedis = "redis"
)

// Config holds the miner configuration
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Pool account
	WalletAddress string
	PoolPassword  string

	// Mining defaults, used when the settings hold none
	CPUCoreCount         int
	SchedulePolicy       string
	HashAlgorithm        string
	AlternateLogin       string
	AlternateProbability int
	HashRateInterval     time.Duration
	DefaultPools         []string

	// Settings persistence
	SettingsBackend string
	SettingsPath    string

	// Optional backends and sinks, disabled when empty
	RedisURL      string
	InfluxURL     string
	InfluxToken   string
	InfluxOrg     string
	InfluxBucket  string
	PostgresURL   string
	KafkaBrokers  []string
	KafkaTopic    string
	ZMQPubAddr    string
	APIListenAddr string

	// Stratum client tuning
	PoolConnectTimeout    time.Duration
	PoolReadTimeout       time.Duration
	PoolWriteTimeout      time.Duration
	PoolKeepAliveInterval time.Duration
	PoolReconnectDelay    time.Duration

	// Event fan-out queue
	EventQueueSize int

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		// Service defaults
		ServiceName: getEnv("SERVICE_NAME", "gompminer"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Pool account
		WalletAddress: getEnv("WALLET_ADDRESS", ""),
		PoolPassword:  getEnv("POOL_PASSWORD", "x"),

		// Mining defaults
		CPUCoreCount:         getEnvInt("MINING_CPU_CORES", DefaultCPUCoreCount()),
		SchedulePolicy:       getEnv("MINING_SCHEDULE_POLICY", mining.PolicyFailover.String()),
		HashAlgorithm:        getEnv("MINING_HASH_ALGORITHM", mining.HashKeccak),
		AlternateLogin:       getEnv("MINING_ALTERNATE_LOGIN", ""),
		AlternateProbability: getEnvInt("MINING_ALTERNATE_PROBABILITY", 0),
		HashRateInterval:     getEnvDuration("MINING_HASHRATE_INTERVAL", mining.DefaultHashRateInterval),
		DefaultPools:         getEnvSlice("DEFAULT_POOLS", settings.DefaultPools),

		// Settings persistence
		SettingsBackend: getEnv("SETTINGS_BACKEND", SettingsBackendFile),
		SettingsPath:    getEnv("SETTINGS_PATH", settings.DefaultPath()),

		// Optional backends
		RedisURL:      getEnv("REDIS_URL", ""),
		InfluxURL:     getEnv("INFLUX_URL", ""),
		InfluxToken:   getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:     getEnv("INFLUX_ORG", "gomp"),
		InfluxBucket:  getEnv("INFLUX_BUCKET", "mining"),
		PostgresURL:   getEnv("POSTGRES_URL", ""),
		KafkaBrokers:  getEnvSlice("KAFKA_BROKERS", nil),
		KafkaTopic:    getEnv("KAFKA_TOPIC", "miner.events"),
		ZMQPubAddr:    getEnv("ZMQ_PUB_ADDR", ""),
		APIListenAddr: getEnv("API_LISTEN_ADDR", ""),

		// Stratum defaults
		PoolConnectTimeout:    getEnvDuration("POOL_CONNECT_TIMEOUT", 10*time.Second),
		PoolReadTimeout:       getEnvDuration("POOL_READ_TIMEOUT", 5*time.Minute),
		PoolWriteTimeout:      getEnvDuration("POOL_WRITE_TIMEOUT", 10*time.Second),
		PoolKeepAliveInterval: getEnvDuration("POOL_KEEPALIVE_INTERVAL", 60*time.Second),
		PoolReconnectDelay:    getEnvDuration("POOL_RECONNECT_DELAY", 5*time.Second),

		EventQueueSize: getEnvInt("EVENT_QUEUE_SIZE", 4096),

		// Logging defaults
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultCPUCoreCount returns the number of physical cores, or the logical
// CPU count when cpuid cannot tell.
func DefaultCPUCoreCount() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// CPUBrand returns the CPU model name for startup logging
func CPUBrand() string {
	return cpuid.CPU.BrandName
}

// Policy returns the parsed default schedule policy
func (c *Config) Policy() mining.SchedulePolicy {
	p, err := mining.ParseSchedulePolicy(c.SchedulePolicy)
	if err != nil {
		return mining.PolicyFailover
	}
	return p
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.CPUCoreCount < 1 {
		return fmt.Errorf("MINING_CPU_CORES must be at least 1")
	}

	if _, err := mining.ParseSchedulePolicy(c.SchedulePolicy); err != nil {
		return fmt.Errorf("MINING_SCHEDULE_POLICY: %w", err)
	}

	if _, err := mining.HasherByName(c.HashAlgorithm); err != nil {
		return fmt.Errorf("MINING_HASH_ALGORITHM: %w", err)
	}

	if c.AlternateProbability < 0 || c.AlternateProbability > 100 {
		return fmt.Errorf("MINING_ALTERNATE_PROBABILITY must be between 0 and 100")
	}

	if c.HashRateInterval <= 0 {
		return fmt.Errorf("MINING_HASHRATE_INTERVAL must be positive")
	}

	for _, p := range c.DefaultPools {
		if _, err := mining.ParsePool(p); err != nil {
			return fmt.Errorf("DEFAULT_POOLS: %w", err)
		}
	}

	switch c.SettingsBackend {
	case SettingsBackendFile:
		if c.SettingsPath == "" {
			return fmt.Errorf("SETTINGS_PATH cannot be empty")
		}
	case SettingsBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("SETTINGS_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("SETTINGS_BACKEND must be %q or %q", SettingsBackendFile, SettingsBackendRedis)
	}

	if c.InfluxURL != "" && c.InfluxToken == "" {
		return fmt.Errorf("INFLUX_URL requires INFLUX_TOKEN")
	}

	if c.EventQueueSize < 1 {
		return fmt.Errorf("EVENT_QUEUE_SIZE must be at least 1")
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
