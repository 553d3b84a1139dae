package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Network  string `envconfig:"MINTER_NETWORK" default:"testnet"`
	LogLevel string `envconfig:"MINTER_LOG_LEVEL" default:"info"`
	LogDir   string `envconfig:"MINTER_LOG_DIR" default:"./logs"`
	DBPath   string `envconfig:"MINTER_DB_PATH" default:"./data/minter.sqlite"`
	Port     int    `envconfig:"MINTER_PORT" default:"8081"`

	ECDSAKeyName     string `envconfig:"MINTER_ECDSA_KEY_NAME" default:"ckbtc_minter_key"`
	MinConfirmations uint32 `envconfig:"MINTER_MIN_CONFIRMATIONS" default:"12"`

	// MnemonicFile configures the development signing oracle (internal/signer.LocalOracle).
	// Unset in a deployment that talks to a real threshold-ECDSA service.
	MnemonicFile string `envconfig:"MINTER_MNEMONIC_FILE"`

	// OracleURL, if set, selects the HTTP-backed production oracle instead of LocalOracle.
	OracleURL string `envconfig:"MINTER_ORACLE_URL"`

	BitcoinAPIURLs []string `envconfig:"MINTER_BITCOIN_API_URLS" default:"https://blockstream.info/testnet/api"`

	BatchMinPending int `envconfig:"MINTER_BATCH_MIN_PENDING" default:"20"`
	BatchMaxSize    int `envconfig:"MINTER_BATCH_MAX_SIZE" default:"100"`

	HeartbeatInterval string `envconfig:"MINTER_HEARTBEAT_INTERVAL" default:"10s"`
}

// Load reads configuration from .env file (if present) then from environment variables.
// Environment variables override .env values.
func Load() (*Config, error) {
	// Load .env file if it exists. godotenv does NOT override already-set env vars,
	// so real environment variables take precedence over .env values.
	envFiles := []string{".env"}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				slog.Warn("failed to load .env file", "file", f, "error", err)
			} else {
				slog.Info("loaded .env file", "file", f)
			}
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.Network != "mainnet" && c.Network != "testnet" && c.Network != "regtest" {
		return fmt.Errorf("%w: network must be \"mainnet\", \"testnet\", or \"regtest\", got %q", ErrInvalidConfig, c.Network)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be 1-65535, got %d", ErrInvalidConfig, c.Port)
	}
	if c.BatchMinPending < 1 {
		return fmt.Errorf("%w: batch min pending must be >= 1, got %d", ErrInvalidConfig, c.BatchMinPending)
	}
	if c.BatchMaxSize < c.BatchMinPending {
		return fmt.Errorf("%w: batch max size must be >= batch min pending", ErrInvalidConfig)
	}
	if len(c.BitcoinAPIURLs) == 0 {
		return fmt.Errorf("%w: at least one bitcoin API URL is required", ErrInvalidConfig)
	}
	return nil
}
