// Package config loads walletvault settings from WALLETVAULT_* environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/illarion/walletvault/internal/backup"
	"github.com/illarion/walletvault/internal/crypto"
	"github.com/illarion/walletvault/internal/storage"
	"github.com/illarion/walletvault/internal/webauthn"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix.
const Prefix = "WALLETVAULT"

// Config contains all configuration parameters of a wallet.
type Config struct {
	DBPath            string        `envconfig:"DB_PATH" default:"wallet.db"`
	OpenTimeout       time.Duration `envconfig:"OPEN_TIMEOUT" default:"15s"`
	BlockedPoll       time.Duration `envconfig:"BLOCKED_POLL" default:"1s"`
	RecoverCorruption bool          `envconfig:"RECOVER_CORRUPTION" default:"true"`
	ImportTxTimeout   time.Duration `envconfig:"IMPORT_TX_TIMEOUT" default:"10s"`

	StrictSignatureCounter bool   `envconfig:"STRICT_SIGNATURE_COUNTER" default:"false"`
	KDFIterations          int    `envconfig:"KDF_ITERATIONS" default:"210000"`
	RPID                   string `envconfig:"RP_ID" default:"localhost"`
	RPName                 string `envconfig:"RP_NAME" default:"walletvault"`
	Origin                 string `envconfig:"ORIGIN" default:"https://localhost"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogDir   string `envconfig:"LOG_DIR"`

	// Password, when set, is used instead of prompting.
	Password string `envconfig:"PASSWORD"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(Prefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	switch {
	case c.DBPath == "":
		return fmt.Errorf("%s_DB_PATH must not be empty", Prefix)
	case c.KDFIterations < 100000:
		return fmt.Errorf("%s_KDF_ITERATIONS must be at least 100000, got %d",
			Prefix, c.KDFIterations)
	case c.ImportTxTimeout <= 0:
		return fmt.Errorf("%s_IMPORT_TX_TIMEOUT must be positive", Prefix)
	}
	if _, ok := btclog.LevelFromString(c.LogLevel); !ok {
		return fmt.Errorf("%s_LOG_LEVEL: unknown level %q", Prefix, c.LogLevel)
	}
	return nil
}

// Storage returns the store configuration.
func (c *Config) Storage() storage.Config {
	cfg := storage.DefaultConfig(c.DBPath)
	cfg.OpenTimeout = c.OpenTimeout
	cfg.BlockedPoll = c.BlockedPoll
	cfg.RecoverCorruption = c.RecoverCorruption
	return cfg
}

// WebAuthn returns the relying party configuration.
func (c *Config) WebAuthn() webauthn.Config {
	return webauthn.Config{
		RPID:          c.RPID,
		RPName:        c.RPName,
		Origin:        c.Origin,
		StrictCounter: c.StrictSignatureCounter,
	}
}

// Iterations returns the password KDF iteration count.
func (c *Config) Iterations() int {
	if c.KDFIterations <= 0 {
		return crypto.DefaultIters
	}
	return c.KDFIterations
}

// ImportTimeout returns the per-collection import wait.
func (c *Config) ImportTimeout() time.Duration {
	if c.ImportTxTimeout <= 0 {
		return backup.DefaultTxTimeout
	}
	return c.ImportTxTimeout
}
