// Package config loads and validates the daemon configuration from file,
// environment and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bgly/scoutfs/pkg/item/badgerstore"
)

// Config captures every configurable aspect of the metadata daemon.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (SCOUTFS_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains daemon-wide settings
	Server ServerConfig `mapstructure:"server"`

	// Store configures the badger-backed item store
	Store badgerstore.Config `mapstructure:"store"`

	// Transaction controls the commit cadence
	Transaction TransactionConfig `mapstructure:"transaction"`

	// OrphanScan tunes the background orphan scanner
	OrphanScan OrphanScanConfig `mapstructure:"orphan_scan"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
}

// ServerConfig contains daemon-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// MaxIno caps the inode number space; 0 means no cap
	MaxIno uint64 `mapstructure:"max_ino"`
}

// TransactionConfig controls the commit cadence.
type TransactionConfig struct {
	// CommitInterval is how often the open transaction is committed.
	// Index walks only observe sequences up to the last commit, so the
	// interval bounds their staleness.
	CommitInterval time.Duration `mapstructure:"commit_interval" validate:"required,gt=0"`
}

// OrphanScanConfig tunes the background orphan scanner.
type OrphanScanConfig struct {
	// Interval between sweeps; each scheduling adds a random delay up to
	// Jitter so hosts sharing a store don't sweep in phase
	Interval time.Duration `mapstructure:"interval" validate:"required,gt=0"`
	Jitter   time.Duration `mapstructure:"jitter" validate:"gte=0"`

	// InosPerSecond paces per-marker work; 0 disables pacing
	InosPerSecond uint `mapstructure:"inos_per_second"`
	Burst         uint `mapstructure:"burst"`

	// OpenMapTTL bounds how long cached open-handle bitmaps are trusted
	OpenMapTTL time.Duration `mapstructure:"open_map_ttl" validate:"gte=0"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns metrics collection and the HTTP endpoint on
	Enabled bool `mapstructure:"enabled"`

	// Listen is the address the metrics endpoint binds to
	// Only used when Enabled is true
	Listen string `mapstructure:"listen"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns the loaded and validated configuration.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures environment variable support and the config file
// search path.
//
// Environment variables use the SCOUTFS_ prefix with underscores, e.g.
// SCOUTFS_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("SCOUTFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. A missing file
// is fine; defaults apply.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory: $XDG_CONFIG_HOME if
// set, otherwise ~/.config, falling back to the current directory.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "scoutfs")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "scoutfs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
