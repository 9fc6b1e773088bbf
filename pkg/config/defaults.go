package config

import (
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields. Called after loading from file and environment, so zero values
// are replaced while explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyStoreDefaults(cfg)
	applyTransactionDefaults(&cfg.Transaction)
	applyOrphanScanDefaults(&cfg.OrphanScan)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyStoreDefaults(cfg *Config) {
	if cfg.Store.DBPath == "" && !cfg.Store.InMemory {
		cfg.Store.DBPath = "/var/lib/scoutfs/meta"
	}
	if cfg.Store.BlockCacheSizeMB == 0 {
		cfg.Store.BlockCacheSizeMB = 256
	}
}

func applyTransactionDefaults(cfg *TransactionConfig) {
	if cfg.CommitInterval == 0 {
		cfg.CommitInterval = time.Second
	}
}

func applyOrphanScanDefaults(cfg *OrphanScanConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Jitter == 0 {
		cfg.Jitter = cfg.Interval / 4
	}
	if cfg.InosPerSecond > 0 && cfg.Burst == 0 {
		cfg.Burst = cfg.InosPerSecond
	}
	if cfg.OpenMapTTL == 0 {
		cfg.OpenMapTTL = 10 * time.Second
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Listen == "" {
		cfg.Listen = ":9090"
	}
}
