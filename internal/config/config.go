package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for keywarden.
type Config struct {
	// Environment controls log format: "production" switches to JSON.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// StatePath is the bbolt database file holding accounts, sync
	// metadata and the decrypted vault mirror. Defaults to
	// ~/.keywarden/state.db.
	StatePath string `env:"KEYWARDEN_STATE_PATH"`

	// AccountsFile is an optional YAML file describing accounts to
	// provision at startup (headless bootstrap). See accounts.go.
	AccountsFile string `env:"KEYWARDEN_ACCOUNTS_FILE"`

	// SyncInterval is the period of the background full-sync loop.
	SyncInterval time.Duration `env:"SYNC_INTERVAL" envDefault:"30m"`

	// HTTPTimeout bounds every vault API request, including the full
	// /sync download. The first sync of a large vault is the slowest
	// request we make, so this is deliberately generous.
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"90s"`

	// EnableNotifications connects to the server's notifications hub
	// and triggers a sync when the vault changes remotely.
	EnableNotifications bool `env:"ENABLE_NOTIFICATIONS" envDefault:"true"`

	// Locale is sent as the Accept-Language header value.
	Locale string `env:"LOCALE" envDefault:"en-US"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.StatePath == "" {
		path, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve the state path to an absolute path at startup so later
	// chdir calls cannot silently move the database.
	absPath, err := filepath.Abs(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("resolving state path: %w", err)
	}

	cfg.StatePath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	if c.SyncInterval < time.Minute {
		return fmt.Errorf("SYNC_INTERVAL must be at least 1m, got %s", c.SyncInterval)
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive, got %s", c.HTTPTimeout)
	}

	return nil
}

// DefaultStatePath returns the default state database location:
// ~/.keywarden/state.db
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".keywarden", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
