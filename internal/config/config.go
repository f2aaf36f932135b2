// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/tmarsden/skillvault/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Wallet settings
	WalletCurrency string // ISO 4217 code for the monetary wallet
	MinWithdrawal  string // Smallest amount a single request may carry
	MaxWithdrawal  string // Largest amount a single request may carry

	// Reconciliation
	ReconcileInterval time.Duration

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; tracing disabled when empty

	// Security
	AdminSecret string // Shared secret for the admin review endpoints (optional)
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultWalletCurrency    = "USD"
	DefaultMinWithdrawal     = "10.00"
	DefaultMaxWithdrawal     = "10000.00"
	DefaultReconcileInterval = 5 * time.Minute
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		WalletCurrency:    getEnv("WALLET_CURRENCY", DefaultWalletCurrency),
		MinWithdrawal:     getEnv("MIN_WITHDRAWAL", DefaultMinWithdrawal),
		MaxWithdrawal:     getEnv("MAX_WITHDRAWAL", DefaultMaxWithdrawal),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent
func (c *Config) Validate() error {
	if !currencyPattern.MatchString(c.WalletCurrency) {
		return fmt.Errorf("WALLET_CURRENCY must be a 3-letter uppercase code, got %q", c.WalletCurrency)
	}

	if _, ok := money.ParsePositive(c.MinWithdrawal); !ok {
		return fmt.Errorf("MIN_WITHDRAWAL must be a positive amount, got %q", c.MinWithdrawal)
	}
	if _, ok := money.ParsePositive(c.MaxWithdrawal); !ok {
		return fmt.Errorf("MAX_WITHDRAWAL must be a positive amount, got %q", c.MaxWithdrawal)
	}
	if money.Cmp(c.MinWithdrawal, c.MaxWithdrawal) > 0 {
		return fmt.Errorf("MIN_WITHDRAWAL %s exceeds MAX_WITHDRAWAL %s", c.MinWithdrawal, c.MaxWithdrawal)
	}

	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
