package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the sync client.
type Config struct {
	// Local directory kept in sync with the bucket. A leading ~ is
	// expanded to the user's home directory.
	LocalDir string `env:"LOCAL_DIR"`

	// Bucket and credentials. When both keys are empty the default AWS
	// credential chain is used.
	Bucket    string `env:"S3_BUCKET"`
	Region    string `env:"AWS_REGION"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`

	// Optional S3-compatible endpoint (MinIO, LocalStack). Enables
	// path-style addressing.
	Endpoint string `env:"S3_ENDPOINT"`

	// Relay connection.
	WebsocketURL      string        `env:"WEBSOCKET_URL"`
	WebsocketToken    string        `env:"WEBSOCKET_TOKEN"`
	ReconnectDelay    time.Duration `env:"RECONNECT_DELAY" envDefault:"500ms"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"5s"`

	// Sync tuning.
	WatcherDebounce        time.Duration `env:"WATCHER_DEBOUNCE" envDefault:"500ms"`
	SuppressionTTL         time.Duration `env:"SUPPRESSION_TTL" envDefault:"1s"`
	MaxConcurrentTransfers int           `env:"MAX_CONCURRENT_TRANSFERS" envDefault:"8"`
	IgnorePatterns         []string      `env:"IGNORE_PATTERNS" envSeparator:"," envDefault:"**/*.swp,**/*~,**/.DS_Store,**/.#*"`

	// Directory holding the transfer journal.
	StateDir string `env:"STATE_DIR"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// RelayConfig holds the environment-based configuration for the relay.
type RelayConfig struct {
	Port              int           `env:"PORT" envDefault:"3000"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"5s"`

	// SNS credentials used to confirm topic subscriptions.
	Region    string `env:"AWS_REGION"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`

	// bcrypt hash of the token clients must present. Empty disables auth.
	TokenHash string `env:"RELAY_TOKEN_HASH"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
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

// Load reads client configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	dir, err := expandHome(cfg.LocalDir)
	if err != nil {
		return nil, err
	}

	// Watcher events carry absolute paths; the suppression ledger
	// compares them as strings.
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving local dir to absolute path: %w", err)
	}

	cfg.LocalDir = absDir

	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.StateDir = filepath.Join(home, ".s3sync")
	}

	stateDir, err := expandHome(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	if cfg.StateDir, err = filepath.Abs(stateDir); err != nil {
		return nil, fmt.Errorf("resolving state dir to absolute path: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.LocalDir == "" {
		return fmt.Errorf("LOCAL_DIR is required")
	}

	if c.Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required")
	}

	if c.Region == "" {
		return fmt.Errorf("AWS_REGION is required")
	}

	if (c.AccessKey == "") != (c.SecretKey == "") {
		return fmt.Errorf("ACCESS_KEY and SECRET_KEY must be set together")
	}

	if c.WebsocketURL == "" {
		return fmt.Errorf("WEBSOCKET_URL is required")
	}

	if !strings.HasPrefix(c.WebsocketURL, "ws://") && !strings.HasPrefix(c.WebsocketURL, "wss://") {
		return fmt.Errorf("WEBSOCKET_URL must use ws:// or wss://")
	}

	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be positive")
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}

	// An entry that expires before the debounce timer fires can never
	// suppress the echo it was created for.
	if c.SuppressionTTL <= c.WatcherDebounce {
		return fmt.Errorf("SUPPRESSION_TTL must be longer than WATCHER_DEBOUNCE")
	}

	if c.MaxConcurrentTransfers < 1 {
		return fmt.Errorf("MAX_CONCURRENT_TRANSFERS must be at least 1")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// JournalPath returns the bbolt journal location inside StateDir.
func (c *Config) JournalPath() string {
	return filepath.Join(c.StateDir, "journal.db")
}

// LoadRelay reads relay configuration from environment variables.
func LoadRelay() (*RelayConfig, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &RelayConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *RelayConfig) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}

	if (c.AccessKey == "") != (c.SecretKey == "") {
		return fmt.Errorf("ACCESS_KEY and SECRET_KEY must be set together")
	}

	if c.TokenHash != "" && !strings.HasPrefix(c.TokenHash, "$2") {
		return fmt.Errorf("RELAY_TOKEN_HASH must be a bcrypt hash")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *RelayConfig) IsProduction() bool {
	return c.Environment == "production"
}

// Addr returns the listen address for the relay HTTP server.
func (c *RelayConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
