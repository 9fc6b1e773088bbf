package config

import (
	"strings"
	"testing"
	"time"
)

// validConfig returns a configuration that passes validation, for tests to
// break one field at a time.
func validConfig() *Config {
	cfg := &Config{}
	cfg.Store.InMemory = true
	ApplyDefaults(cfg)
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Errorf("Expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = "INVALID"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log level")
	}
	if !strings.Contains(err.Error(), "oneof") {
		t.Errorf("Expected 'oneof' validation error, got: %v", err)
	}
}

func TestValidate_MissingDBPath(t *testing.T) {
	cfg := validConfig()
	cfg.Store.InMemory = false
	cfg.Store.DBPath = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for missing db_path")
	}
	if !strings.Contains(err.Error(), "db_path") {
		t.Errorf("Expected db_path error, got: %v", err)
	}
}

func TestValidate_ZeroCommitInterval(t *testing.T) {
	cfg := validConfig()
	cfg.Transaction.CommitInterval = 0

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for zero commit interval")
	}
}

func TestValidate_JitterExceedsInterval(t *testing.T) {
	cfg := validConfig()
	cfg.OrphanScan.Interval = 10 * time.Second
	cfg.OrphanScan.Jitter = time.Minute

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for jitter above interval")
	}
	if !strings.Contains(err.Error(), "jitter") {
		t.Errorf("Expected jitter error, got: %v", err)
	}
}

func TestValidate_BurstBelowRate(t *testing.T) {
	cfg := validConfig()
	cfg.OrphanScan.InosPerSecond = 100
	cfg.OrphanScan.Burst = 10

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for burst below rate")
	}
	if !strings.Contains(err.Error(), "burst") {
		t.Errorf("Expected burst error, got: %v", err)
	}
}

func TestValidate_MetricsWithoutListenAddress(t *testing.T) {
	cfg := validConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for metrics without listen address")
	}
	if !strings.Contains(err.Error(), "listen") {
		t.Errorf("Expected listen error, got: %v", err)
	}
}
