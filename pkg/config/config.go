// Package config handles configuration via environment variables and an
// optional YAML file.
//
// All settings have working defaults; a bare `muninn serve` runs with
// the user graph under the home directory and the current directory as
// the project. Environment variables are prefixed with KG_ and override
// both defaults and the YAML file.
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
//	fmt.Printf("HTTP server: %s:%d\n", cfg.Server.Address, cfg.Server.Port)
//
// Environment Variables:
//   - KG_USER_PATH: user graph file (default ~/.muninn/user.json)
//   - KG_PROJECT_PATH: default project directory (default ".")
//   - KG_MAX_TOKENS: per-graph token budget (default 5000)
//   - KG_GRACE_PERIOD_DAYS: archival protection for fresh writes (default 7)
//   - KG_ORPHAN_GRACE_DAYS: orphaned-archive retention (default 7)
//   - KG_SAVE_INTERVAL: maintenance loop period (default 30s)
//   - KG_SESSION_TTL: session expiry (default 24h)
//   - KG_HTTP_ADDRESS / KG_HTTP_PORT: listen address (default localhost:7749)
//   - KG_ENABLE_CORS: allow cross-origin requests (default true)
//   - KG_LOG_LEVEL: DEBUG, INFO, WARN, ERROR (default INFO)
//   - KG_TOMBSTONES_ENABLED / KG_TOMBSTONES_PATH: deletion ledger
//   - KG_CONFIG: path to a YAML file with the same settings
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/muninn/pkg/muninn"
	"github.com/orneryd/muninn/pkg/session"
)

// Config holds all server configuration.
//
// Use LoadFromEnv() to create a Config from the environment, optionally
// layered over a YAML file named by KG_CONFIG.
type Config struct {
	// Storage settings
	Storage StorageConfig `yaml:"storage"`

	// Memory decay settings
	Memory MemoryConfig `yaml:"memory"`

	// Session settings
	Session SessionConfig `yaml:"session"`

	// HTTP server settings
	Server ServerConfig `yaml:"server"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Tombstones ledger for deleted nodes
	Tombstones TombstonesConfig `yaml:"tombstones"`
}

// StorageConfig holds graph file locations.
type StorageConfig struct {
	// UserPath is the user-level graph file
	UserPath string `yaml:"user_path"`
	// ProjectPath is the default project directory
	ProjectPath string `yaml:"project_path"`
	// SaveInterval between maintenance passes
	SaveInterval time.Duration `yaml:"save_interval"`
}

// MemoryConfig holds decay and compaction settings.
type MemoryConfig struct {
	// MaxTokens is the per-graph budget before compaction
	MaxTokens int `yaml:"max_tokens"`
	// GracePeriodDays protects recently written nodes from archival
	GracePeriodDays int `yaml:"grace_period_days"`
	// OrphanGraceDays before unreferenced archives are dropped
	OrphanGraceDays int `yaml:"orphan_grace_days"`
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	// TTL after which an unused session expires
	TTL time.Duration `yaml:"ttl"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Address to bind to (default "localhost")
	Address string `yaml:"address"`
	// Port to listen on (default 7749)
	Port int `yaml:"port"`
	// EnableCORS for cross-origin requests
	EnableCORS bool `yaml:"enable_cors"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR
	Level string `yaml:"level"`
}

// TombstonesConfig holds the deletion ledger settings.
type TombstonesConfig struct {
	// Enabled turns the ledger on
	Enabled bool `yaml:"enabled"`
	// Path is the ledger database directory
	Path string `yaml:"path"`
}

// Defaults returns a Config with all defaults applied and no
// environment or file input.
func Defaults() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Storage: StorageConfig{
			UserPath:     filepath.Join(home, ".muninn", "user.json"),
			ProjectPath:  ".",
			SaveInterval: muninn.DefaultSaveInterval,
		},
		Memory: MemoryConfig{
			MaxTokens:       muninn.DefaultMaxTokens,
			GracePeriodDays: muninn.DefaultGracePeriodDays,
			OrphanGraceDays: muninn.DefaultOrphanGraceDays,
		},
		Session: SessionConfig{
			TTL: session.DefaultTTLSeconds * time.Second,
		},
		Server: ServerConfig{
			Address:    "localhost",
			Port:       7749,
			EnableCORS: true,
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
		Tombstones: TombstonesConfig{
			Enabled: false,
			Path:    filepath.Join(home, ".muninn", "tombstones"),
		},
	}
}

// LoadFromEnv builds a Config from defaults, an optional YAML file
// named by KG_CONFIG, and KG_* environment variables, in that order of
// precedence (environment wins).
func LoadFromEnv() *Config {
	cfg := Defaults()

	if path := os.Getenv("KG_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v, continuing with defaults\n", err)
		}
	}

	cfg.Storage.UserPath = getEnv("KG_USER_PATH", cfg.Storage.UserPath)
	cfg.Storage.ProjectPath = getEnv("KG_PROJECT_PATH", cfg.Storage.ProjectPath)
	cfg.Storage.SaveInterval = getEnvDuration("KG_SAVE_INTERVAL", cfg.Storage.SaveInterval)

	cfg.Memory.MaxTokens = getEnvInt("KG_MAX_TOKENS", cfg.Memory.MaxTokens)
	cfg.Memory.GracePeriodDays = getEnvInt("KG_GRACE_PERIOD_DAYS", cfg.Memory.GracePeriodDays)
	cfg.Memory.OrphanGraceDays = getEnvInt("KG_ORPHAN_GRACE_DAYS", cfg.Memory.OrphanGraceDays)

	cfg.Session.TTL = getEnvDuration("KG_SESSION_TTL", cfg.Session.TTL)

	cfg.Server.Address = getEnv("KG_HTTP_ADDRESS", cfg.Server.Address)
	cfg.Server.Port = getEnvInt("KG_HTTP_PORT", cfg.Server.Port)
	cfg.Server.EnableCORS = getEnvBool("KG_ENABLE_CORS", cfg.Server.EnableCORS)

	cfg.Logging.Level = getEnv("KG_LOG_LEVEL", cfg.Logging.Level)

	cfg.Tombstones.Enabled = getEnvBool("KG_TOMBSTONES_ENABLED", cfg.Tombstones.Enabled)
	cfg.Tombstones.Path = getEnv("KG_TOMBSTONES_PATH", cfg.Tombstones.Path)

	return cfg
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for logical errors.
//
// Call Validate() after LoadFromEnv() and before using the Config.
func (c *Config) Validate() error {
	if c.Storage.UserPath == "" {
		return fmt.Errorf("user graph path must not be empty")
	}
	if c.Storage.SaveInterval <= 0 {
		return fmt.Errorf("invalid save interval: %v", c.Storage.SaveInterval)
	}
	if c.Memory.MaxTokens <= 0 {
		return fmt.Errorf("invalid max tokens: %d", c.Memory.MaxTokens)
	}
	if c.Memory.GracePeriodDays < 0 {
		return fmt.Errorf("invalid grace period: %d days", c.Memory.GracePeriodDays)
	}
	if c.Memory.OrphanGraceDays < 0 {
		return fmt.Errorf("invalid orphan grace: %d days", c.Memory.OrphanGraceDays)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("invalid session ttl: %v", c.Session.TTL)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid http port: %d", c.Server.Port)
	}
	switch c.Logging.Level {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Tombstones.Enabled && c.Tombstones.Path == "" {
		return fmt.Errorf("tombstones enabled but no path configured")
	}
	return nil
}

// StoreConfig maps the loaded settings onto a store configuration.
// Broadcast and tombstone wiring stay with the caller.
func (c *Config) StoreConfig() muninn.Config {
	return muninn.Config{
		MaxTokens:       c.Memory.MaxTokens,
		GracePeriodDays: c.Memory.GracePeriodDays,
		OrphanGraceDays: c.Memory.OrphanGraceDays,
		SaveInterval:    c.Storage.SaveInterval,
		SessionTTL:      c.Session.TTL.Seconds(),
		UserPath:        c.Storage.UserPath,
		ProjectPath:     c.Storage.ProjectPath,
	}
}

// String returns a representation of the Config safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{User: %s, Project: %s, MaxTokens: %d, HTTP: %s:%d}",
		c.Storage.UserPath, c.Storage.ProjectPath,
		c.Memory.MaxTokens,
		c.Server.Address, c.Server.Port,
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go duration strings ("45s", "1h") and, for
// compatibility with older deployments, bare integers meaning seconds.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultVal
}
