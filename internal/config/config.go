// Package config loads warden configuration from warden.yaml with
// environment-variable overrides. The signing secret is never stored
// in the file; it is read from the environment at startup and its
// absence is a hard failure unless signing is explicitly disabled.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// SecretEnvVar is the environment variable holding the signing
// secret. The value must never be logged.
const SecretEnvVar = "WARDEN_SIGNING_SECRET"

// Config holds all warden configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Store   StoreConfig   `yaml:"store"`
	Signing SigningConfig `yaml:"signing"`
	Session SessionConfig `yaml:"session"`
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig selects and tunes the note store backend.
type StoreConfig struct {
	// Backend is "file" or "sqlite".
	Backend string `yaml:"backend"`

	// Root is the directory for the file backend.
	Root string `yaml:"root"`

	// DatabasePath is the database file for the sqlite backend.
	DatabasePath string `yaml:"database_path"`

	// Timeout bounds each individual note store call.
	Timeout string `yaml:"timeout"`
}

// SigningConfig controls state integrity tagging.
type SigningConfig struct {
	// Disabled switches integrity checking off entirely. An explicit
	// opt-out for single-user local-first setups; the default is
	// signing on.
	Disabled bool `yaml:"disabled"`
}

// SessionConfig tunes the update protocol and compaction.
type SessionConfig struct {
	MaxRetries          int  `yaml:"max_retries"`
	CompactionThreshold int  `yaml:"compaction_threshold"`
	CompactionKeep      int  `yaml:"compaction_keep"`
	Watch               bool `yaml:"watch"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "warden",
		Version: "0.3.0",

		Store: StoreConfig{
			Backend: "file",
			Root:    ".warden/notes",
			Timeout: "5s",
		},

		Session: SessionConfig{
			MaxRetries:          3,
			CompactionThreshold: 10,
			CompactionKeep:      3,
			Watch:               true,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file, falling back to
// defaults when the file does not exist, then applies environment
// overrides and validates.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if backend := os.Getenv("WARDEN_STORE_BACKEND"); backend != "" {
		c.Store.Backend = backend
	}
	if root := os.Getenv("WARDEN_STORE_ROOT"); root != "" {
		c.Store.Root = root
	}
	if path := os.Getenv("WARDEN_DB"); path != "" {
		c.Store.DatabasePath = path
		if os.Getenv("WARDEN_STORE_BACKEND") == "" {
			c.Store.Backend = "sqlite"
		}
	}
	if os.Getenv("WARDEN_SIGNING_DISABLED") == "1" {
		c.Signing.Disabled = true
	}
	if os.Getenv("WARDEN_DEBUG") == "1" {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
}

// Validate rejects configurations that cannot be wired.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "file":
		if c.Store.Root == "" {
			return fmt.Errorf("store.root required for the file backend")
		}
	case "sqlite":
		if c.Store.DatabasePath == "" {
			return fmt.Errorf("store.database_path required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q (want file or sqlite)", c.Store.Backend)
	}

	if _, err := time.ParseDuration(c.Store.Timeout); c.Store.Timeout != "" && err != nil {
		return fmt.Errorf("invalid store.timeout %q: %w", c.Store.Timeout, err)
	}
	return nil
}

// StoreTimeout returns the per-call note store timeout.
func (c *Config) StoreTimeout() time.Duration {
	d, err := time.ParseDuration(c.Store.Timeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// SigningSecret reads the secret from the environment. When signing
// is enabled and no secret is set, this is a startup failure: there
// is no unsigned fallback mode.
func (c *Config) SigningSecret() ([]byte, error) {
	if c.Signing.Disabled {
		return nil, nil
	}
	secret := os.Getenv(SecretEnvVar)
	if secret == "" {
		return nil, fmt.Errorf("%s is not set; set it or disable signing explicitly in warden.yaml", SecretEnvVar)
	}
	return []byte(secret), nil
}
