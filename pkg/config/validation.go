package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate checks the configuration using struct tags plus custom rules
// that can't be expressed declaratively.
//
// Level normalization happens in ApplyDefaults, not here; validation
// accepts both cases.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

// validateCustomRules performs cross-field validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if !cfg.Store.InMemory && cfg.Store.DBPath == "" {
		return fmt.Errorf("store: db_path is required unless in_memory is set")
	}

	if cfg.OrphanScan.Jitter > cfg.OrphanScan.Interval {
		return fmt.Errorf("orphan_scan: jitter %v exceeds interval %v",
			cfg.OrphanScan.Jitter, cfg.OrphanScan.Interval)
	}

	if cfg.OrphanScan.InosPerSecond > 0 && cfg.OrphanScan.Burst < cfg.OrphanScan.InosPerSecond {
		return fmt.Errorf("orphan_scan: burst %d is below inos_per_second %d",
			cfg.OrphanScan.Burst, cfg.OrphanScan.InosPerSecond)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics: listen address is required when enabled")
	}

	return nil
}

// formatValidationError converts validator errors into readable messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
