package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bgly/scoutfs/pkg/inode"
)

// inodeMetrics is the Prometheus implementation of the inode.Metrics
// interface: refresh and index-maintenance counters, deletion outcomes,
// orphan scanner sweep totals, allocator pool gauges and corruption counts.
type inodeMetrics struct {
	refreshes      *prometheus.CounterVec
	indexUpdates   prometheus.Counter
	indexRetries   prometheus.Counter
	deletions      *prometheus.CounterVec
	orphansScanned prometheus.Counter
	orphansDeleted prometheus.Counter
	orphanScanErrs prometheus.Counter
	allocRemaining *prometheus.GaugeVec
	corruptions    *prometheus.CounterVec
}

// NewInodeMetrics creates a Prometheus-backed inode.Metrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called), which
// causes the inode core to use its built-in no-op implementation.
func NewInodeMetrics() inode.Metrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &inodeMetrics{
		refreshes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "scoutfs_inode_refreshes_total",
				Help: "Total inode refresh calls by path (fast or lookup)",
			},
			[]string{"path"},
		),
		indexUpdates: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "scoutfs_index_updates_total",
				Help: "Total secondary index maintenance passes",
			},
		),
		indexRetries: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "scoutfs_index_lock_retries_total",
				Help: "Total index lock acquisitions raced by a transaction sequence advance",
			},
		),
		deletions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "scoutfs_inode_deletions_total",
				Help: "Total full inode deletion attempts by status",
			},
			[]string{"status"},
		),
		orphansScanned: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "scoutfs_orphans_scanned_total",
				Help: "Total orphan markers examined by the background scanner",
			},
		),
		orphansDeleted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "scoutfs_orphans_deleted_total",
				Help: "Total orphaned inodes queued for deletion by the scanner",
			},
		),
		orphanScanErrs: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "scoutfs_orphan_scan_errors_total",
				Help: "Total errors encountered during orphan scanner sweeps",
			},
		),
		allocRemaining: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scoutfs_inode_allocator_remaining",
				Help: "Inode numbers remaining in the local allocator pools",
			},
			[]string{"pool"},
		),
		corruptions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "scoutfs_corruption_reports_total",
				Help: "Detected metadata invariant violations by reason",
			},
			[]string{"reason"},
		),
	}
}

func (m *inodeMetrics) RecordRefresh(itemLookup bool) {
	if itemLookup {
		m.refreshes.WithLabelValues("lookup").Inc()
	} else {
		m.refreshes.WithLabelValues("fast").Inc()
	}
}

func (m *inodeMetrics) RecordIndexUpdate(retries int) {
	m.indexUpdates.Inc()
	if retries > 0 {
		m.indexRetries.Add(float64(retries))
	}
}

func (m *inodeMetrics) RecordDeletion(err error) {
	if err != nil {
		m.deletions.WithLabelValues("error").Inc()
	} else {
		m.deletions.WithLabelValues("ok").Inc()
	}
}

func (m *inodeMetrics) RecordOrphanScan(scanned, deleted, errors int) {
	m.orphansScanned.Add(float64(scanned))
	m.orphansDeleted.Add(float64(deleted))
	m.orphanScanErrs.Add(float64(errors))
}

func (m *inodeMetrics) SetAllocatorRemaining(dir bool, remaining uint64) {
	pool := "file"
	if dir {
		pool = "dir"
	}
	m.allocRemaining.WithLabelValues(pool).Set(float64(remaining))
}

func (m *inodeMetrics) RecordCorruption(reason string) {
	m.corruptions.WithLabelValues(reason).Inc()
}
