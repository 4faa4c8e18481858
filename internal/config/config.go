package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the bot
type Config struct {
	// Exchange credentials
	AppKey         string
	Username       string
	Password       string
	CertFile       string
	KeyFile        string
	CertPassphrase string

	// Region selects among the equivalent identity endpoints
	// (global, italy, spain, romania, sweden)
	Region string

	// Mode
	DryRun bool
	Debug  bool

	// Timeouts
	HTTPTimeout time.Duration

	// Fixture discovery
	FixtureWindow   time.Duration // how far ahead to look for kickoffs
	FixtureInterval time.Duration // how often to re-sync the schedule

	// Market line for the under/over totals market (2.5 = Under 2.5 Goals)
	MarketLine decimal.Decimal

	// Session
	KeepAliveInterval time.Duration

	// Telegram (optional)
	TelegramToken  string
	TelegramChatID int64

	// Status surface
	StatusAddr string

	// Database
	DatabasePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		// Exchange credentials
		AppKey:         os.Getenv("EXCHANGE_APP_KEY"),
		Username:       os.Getenv("EXCHANGE_USERNAME"),
		Password:       os.Getenv("EXCHANGE_PASSWORD"),
		CertFile:       os.Getenv("EXCHANGE_CERT_FILE"),
		KeyFile:        os.Getenv("EXCHANGE_KEY_FILE"),
		CertPassphrase: os.Getenv("EXCHANGE_CERT_PASSPHRASE"),
		Region:         getEnv("EXCHANGE_REGION", "global"),

		// Mode
		DryRun: getEnvBool("DRY_RUN", false),
		Debug:  getEnvBool("DEBUG", false),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 15*time.Second),

		FixtureWindow:   getEnvDuration("FIXTURE_WINDOW", 12*time.Hour),
		FixtureInterval: getEnvDuration("FIXTURE_INTERVAL", 10*time.Minute),

		MarketLine: getEnvDecimal("MARKET_LINE", decimal.NewFromFloat(2.5)),

		KeepAliveInterval: getEnvDuration("KEEPALIVE_INTERVAL", 10*time.Minute),

		// Telegram
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		// Status surface
		StatusAddr: getEnv("STATUS_ADDR", ":9090"),

		// Database
		DatabasePath: getEnv("DATABASE_PATH", "data/goalbot.db"),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	// Missing exchange credentials is fatal: there is nothing the bot
	// can do without a session, and retrying will never fix it.
	if cfg.AppKey == "" {
		return nil, fmt.Errorf("EXCHANGE_APP_KEY is required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("EXCHANGE_USERNAME and EXCHANGE_PASSWORD are required")
	}
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, fmt.Errorf("EXCHANGE_CERT_FILE and EXCHANGE_KEY_FILE are required")
	}

	return cfg, nil
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
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
