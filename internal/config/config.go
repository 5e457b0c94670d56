package config

import (
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/foreman/internal/db"
	"github.com/livinlefevreloca/foreman/internal/runner"
	"github.com/livinlefevreloca/foreman/internal/schedule"
	"github.com/livinlefevreloca/foreman/internal/stats"
)

// Config represents the application configuration
type Config struct {
	Database  db.Config           `toml:"database"`
	Runner    runner.Config       `toml:"runner"`
	Logging   LoggingConfig       `toml:"logging"`
	Stats     stats.Config        `toml:"stats"`
	Schedules []schedule.Schedule `toml:"schedules"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	runnerConfig := runner.DefaultConfig()
	runnerConfig.PersistencePath = "foreman-runs.json"

	return &Config{
		Database: db.DefaultConfig(),
		Runner:   runnerConfig,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Stats: stats.DefaultConfig(),
	}
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, errors.Newf("config file does not exist: %s", path)
	}

	// Parse TOML file
	md, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.Newf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	// If no config file specified, return defaults
	if configPath == "" {
		return DefaultConfig(), nil
	}

	return LoadFromFile(configPath)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Database validation
	if c.Database.Driver == "" {
		return errors.New("database driver must be specified")
	}
	if c.Database.Driver != "sqlite3" {
		return errors.Newf("unsupported database driver: %s (must be sqlite3)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database DSN must be specified")
	}

	// Runner validation
	if err := c.Runner.Validate(); err != nil {
		return errors.Wrap(err, "runner")
	}

	if c.Stats.FlushInterval < 0 {
		return errors.New("stats flush_interval must not be negative")
	}

	// Schedule validation
	seen := make(map[string]bool, len(c.Schedules))
	for _, s := range c.Schedules {
		if err := s.Validate(); err != nil {
			return err
		}
		key := strings.ToLower(s.Name)
		if seen[key] {
			return errors.Newf("duplicate schedule name: %s", s.Name)
		}
		seen[key] = true
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return errors.Newf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return errors.Newf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}
