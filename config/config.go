package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"investLedger/internal/adapters/logger" // Import the logger package for LogLevel
)

// Config holds all application configuration.
type Config struct {
	// Database
	DBPath string

	// Logging
	LogLevel  logger.LogLevel // Use the LogLevel type from the logger adapter
	LogFormat string          // "text" or "json"

	// Arithmetic
	DecimalPrecision int32 // Significant digits kept by ledger arithmetic
	DefaultPrecision int32 // Display places for assets without their own precision

	// Rebuild
	MaxChainDepth    int           // Bound on corporate action chains followed by the resolver
	SnapshotCacheTTL time.Duration // Lifetime of cached account checkpoints, zero disables the cache
	RebuildFrom      int64         // Unix timestamp the entrypoint rebuilds from, 0 for everything
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []string // Collect validation errors

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/ledger.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "text"))
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		errs = append(errs, "LOG_FORMAT must be text or json")
	}

	precision, err := getEnvAsIntRequired("DECIMAL_PRECISION", 28)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DECIMAL_PRECISION: %v", err))
	} else if precision < 8 || precision > 64 {
		errs = append(errs, "DECIMAL_PRECISION must be between 8 and 64")
	}
	cfg.DecimalPrecision = int32(precision)

	display, err := getEnvAsIntRequired("DEFAULT_PRECISION", 2)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DEFAULT_PRECISION: %v", err))
	} else if display < 0 || display > precision {
		errs = append(errs, "DEFAULT_PRECISION must be between 0 and DECIMAL_PRECISION")
	}
	cfg.DefaultPrecision = int32(display)

	cfg.MaxChainDepth, err = getEnvAsIntRequired("MAX_CHAIN_DEPTH", 64)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_CHAIN_DEPTH: %v", err))
	} else if cfg.MaxChainDepth <= 0 {
		errs = append(errs, "MAX_CHAIN_DEPTH must be positive")
	}

	ttlSeconds, err := getEnvAsIntRequired("SNAPSHOT_CACHE_TTL_SECONDS", 600)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid SNAPSHOT_CACHE_TTL_SECONDS: %v", err))
	} else if ttlSeconds < 0 {
		errs = append(errs, "SNAPSHOT_CACHE_TTL_SECONDS cannot be negative")
	}
	cfg.SnapshotCacheTTL = time.Duration(ttlSeconds) * time.Second

	cfg.RebuildFrom, err = getEnvAsInt64Required("REBUILD_FROM", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid REBUILD_FROM: %v", err))
	} else if cfg.RebuildFrom < 0 {
		errs = append(errs, "REBUILD_FROM cannot be negative")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsInt64Required(key string, defaultValue int64) (int64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}
