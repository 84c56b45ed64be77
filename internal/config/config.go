// Package config handles engine configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/lucytrasero/ROBOX-sub001/internal/money"
)

// Config holds all clearing-engine configuration.
type Config struct {
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Database. Empty DatabaseURL selects the in-memory store.
	DatabaseURL    string
	DBMaxOpenConns int
	DBConnTimeout  time.Duration

	// Fee policy. FeeBps is applied by the default fee calculator;
	// FeeSinkAccount receives collected fees, or fees are burned when empty.
	FeeBps         int64
	FeeSinkAccount string

	// Default limits stamped onto new accounts.
	DefaultMaxTransfer string // empty = unlimited
	DefaultDailyLimit  string // empty = unlimited
	DefaultMinBalance  string

	EnableAuditLog bool

	// Scheduler.
	SchedulerCheckInterval time.Duration
	SchedulerMaxFailures   int

	// Escrow expiry sweeper.
	EscrowSweepInterval time.Duration

	// Observability.
	MetricsAddr  string
	OTLPEndpoint string
}

const (
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultDBMaxOpenConns      = 10
	DefaultDBConnTimeoutMs     = 10000
	DefaultSchedulerIntervalMs = 60000
	DefaultSchedulerMaxFails   = 3
	DefaultEscrowSweepMs       = 15000
	DefaultMetricsAddr         = ":9090"
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", "text"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:         int(getEnvInt64("DB_MAX_OPEN_CONNS", DefaultDBMaxOpenConns)),
		DBConnTimeout:          time.Duration(getEnvInt64("DB_CONN_TIMEOUT_MS", DefaultDBConnTimeoutMs)) * time.Millisecond,
		FeeBps:                 getEnvInt64("FEE_BPS", 0),
		FeeSinkAccount:         os.Getenv("FEE_SINK_ACCOUNT"),
		DefaultMaxTransfer:     os.Getenv("DEFAULT_MAX_TRANSFER"),
		DefaultDailyLimit:      os.Getenv("DEFAULT_DAILY_LIMIT"),
		DefaultMinBalance:      getEnv("DEFAULT_MIN_BALANCE", "0"),
		EnableAuditLog:         getEnvBool("ENABLE_AUDIT_LOG", true),
		SchedulerCheckInterval: time.Duration(getEnvInt64("SCHEDULER_CHECK_INTERVAL_MS", DefaultSchedulerIntervalMs)) * time.Millisecond,
		SchedulerMaxFailures:   int(getEnvInt64("SCHEDULER_MAX_FAILURES", DefaultSchedulerMaxFails)),
		EscrowSweepInterval:    time.Duration(getEnvInt64("ESCROW_SWEEP_INTERVAL_MS", DefaultEscrowSweepMs)) * time.Millisecond,
		MetricsAddr:            getEnv("METRICS_ADDR", DefaultMetricsAddr),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.FeeBps < 0 || c.FeeBps > 10000 {
		return fmt.Errorf("FEE_BPS must be between 0 and 10000, got %d", c.FeeBps)
	}
	for name, v := range map[string]string{
		"DEFAULT_MAX_TRANSFER": c.DefaultMaxTransfer,
		"DEFAULT_DAILY_LIMIT":  c.DefaultDailyLimit,
		"DEFAULT_MIN_BALANCE":  c.DefaultMinBalance,
	} {
		if v == "" {
			continue
		}
		if _, ok := money.Parse(v); !ok {
			return fmt.Errorf("%s is not a valid amount: %q", name, v)
		}
	}
	if c.SchedulerCheckInterval <= 0 {
		return fmt.Errorf("SCHEDULER_CHECK_INTERVAL_MS must be positive")
	}
	if c.SchedulerMaxFailures <= 0 {
		return fmt.Errorf("SCHEDULER_MAX_FAILURES must be positive")
	}
	return nil
}

// IsDevelopment returns true when running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true when running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
