package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Copy modes
const (
	CopyModeScaled = "scaled"
	CopyModeExact  = "exact"
)

// Config holds all configuration for the mirror engine
type Config struct {
	// Logging
	LogLevel string

	// Accounts
	TargetAccount      string
	OperatorAccount    string
	OperatorPrivateKey string

	// Mode
	DryRun bool

	// Venue API
	VenueAPIURL    string
	VenueWSURL     string
	EnableWSFeed   bool
	WSStaleSeconds int

	// Copy trading
	EnableCopyTrading   bool
	CopyMode            string // "scaled" or "exact"
	PollIntervalMinutes int
	ScaleMultiplier     decimal.Decimal // applied to equity ratio in scaled mode
	AdjustThreshold     decimal.Decimal // fractional size drift that triggers an adjust
	MinPositionMargin   decimal.Decimal // USD margin floor per position

	// Independent trading
	IndependentEnabled          bool
	IndependentMaxAllocationPct decimal.Decimal
	IndependentMaxPositions     int
	IndependentLeverage         int
	IndependentUseTimeExit      bool
	IndependentHoldHours        int
	IndependentTpPct            decimal.Decimal
	IndependentSlPct            decimal.Decimal
	IndependentMinScore         float64
	IndependentWhitelist        []string

	// Predictions
	ModelVersion          string
	ValidationWindowHours int

	// Database
	DatabaseURL string

	// HTTP API
	APIAddr string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Accounts
		TargetAccount:      os.Getenv("TARGET_ACCOUNT"),
		OperatorAccount:    os.Getenv("OPERATOR_ACCOUNT"),
		OperatorPrivateKey: os.Getenv("OPERATOR_PRIVATE_KEY"),

		// Mode
		DryRun: getEnvBool("DRY_RUN", false),

		// Venue API
		VenueAPIURL:    getEnv("VENUE_API_URL", "https://api.hyperliquid.xyz"),
		VenueWSURL:     getEnv("VENUE_WS_URL", "wss://api.hyperliquid.xyz/ws"),
		EnableWSFeed:   getEnvBool("ENABLE_WS_FEED", true),
		WSStaleSeconds: getEnvInt("WS_STALE_SECONDS", 10),

		// Copy trading
		EnableCopyTrading:   getEnvBool("ENABLE_COPY_TRADING", true),
		CopyMode:            getEnv("COPY_MODE", CopyModeScaled),
		PollIntervalMinutes: getEnvInt("COPY_POLL_INTERVAL_MINUTES", 5),
		ScaleMultiplier:     getEnvDecimal("COPY_SCALE_MULTIPLIER", decimal.NewFromFloat(1.3)),
		AdjustThreshold:     getEnvDecimal("POSITION_ADJUST_THRESHOLD", decimal.NewFromFloat(0.10)),
		MinPositionMargin:   getEnvDecimal("MIN_POSITION_SIZE_USD", decimal.NewFromInt(5)),

		// Independent trading
		IndependentEnabled:          getEnvBool("ENABLE_INDEPENDENT_TRADING", false),
		IndependentMaxAllocationPct: getEnvDecimal("INDEPENDENT_MAX_ALLOCATION_PCT", decimal.NewFromFloat(0.10)),
		IndependentMaxPositions:     getEnvInt("INDEPENDENT_MAX_POSITIONS", 3),
		IndependentLeverage:         getEnvInt("INDEPENDENT_LEVERAGE", 5),
		IndependentUseTimeExit:      getEnvBool("INDEPENDENT_USE_TIME_EXIT", true),
		IndependentHoldHours:        getEnvInt("INDEPENDENT_HOLD_HOURS", 4),
		IndependentTpPct:            getEnvDecimal("INDEPENDENT_TP_PCT", decimal.NewFromFloat(0.20)),
		IndependentSlPct:            getEnvDecimal("INDEPENDENT_SL_PCT", decimal.NewFromFloat(0.12)),
		IndependentMinScore:         getEnvFloat("INDEPENDENT_MIN_SCORE", 90),
		IndependentWhitelist:        getEnvList("INDEPENDENT_WHITELIST"),

		// Predictions
		ModelVersion:          getEnv("PREDICTION_MODEL_VERSION", "momentum-v1"),
		ValidationWindowHours: getEnvInt("VALIDATION_WINDOW_HOURS", 4),

		// Database
		DatabaseURL: os.Getenv("DATABASE_URL"),

		// HTTP API
		APIAddr: getEnv("API_ADDR", ":8080"),
	}

	// Validate required fields
	if cfg.TargetAccount == "" {
		return nil, fmt.Errorf("TARGET_ACCOUNT is required")
	}
	if cfg.OperatorAccount == "" {
		return nil, fmt.Errorf("OPERATOR_ACCOUNT is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.OperatorPrivateKey == "" && !cfg.DryRun {
		return nil, fmt.Errorf("OPERATOR_PRIVATE_KEY is required unless DRY_RUN=true")
	}
	if cfg.CopyMode != CopyModeScaled && cfg.CopyMode != CopyModeExact {
		return nil, fmt.Errorf("invalid COPY_MODE %q: must be %q or %q", cfg.CopyMode, CopyModeScaled, CopyModeExact)
	}
	if cfg.PollIntervalMinutes < 1 {
		return nil, fmt.Errorf("COPY_POLL_INTERVAL_MINUTES must be >= 1, got %d", cfg.PollIntervalMinutes)
	}

	return cfg, nil
}

// PollInterval returns the scan cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMinutes) * time.Minute
}

// ValidationWindow returns the minimum age before a prediction is validated.
func (c *Config) ValidationWindow() time.Duration {
	return time.Duration(c.ValidationWindowHours) * time.Hour
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList parses a comma-separated symbol list, upper-cased and trimmed.
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
