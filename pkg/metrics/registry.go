// Package metrics provides Prometheus metrics collection for the metadata
// core.
//
// All metrics are optional. If InitRegistry is never called the component
// constructors return nil and consumers fall back to their built-in no-op
// implementations, so the core runs with zero metrics overhead when
// collection is disabled.
//
// Usage:
//
//	// Initialize global registry (typically in main.go)
//	metrics.InitRegistry()
//
//	// Create metrics instances for components
//	inodeMetrics := metrics.NewInodeMetrics()
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// registry is the global Prometheus registry, write-once read-many
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry. Safe to call more
// than once; later calls are ignored.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global registry, or nil if metrics are disabled.
// The sync.Once in InitRegistry provides the happens-before edge that makes
// the registry value visible to all readers.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
