package inode

// Metrics receives counters from the inode core. Implementations must be
// safe for concurrent use. A nil Metrics passed to NewMount selects the
// built-in no-op implementation.
type Metrics interface {
	// RecordRefresh counts a refresh call; itemLookup reports whether the
	// slow path performed an item-store lookup.
	RecordRefresh(itemLookup bool)

	// RecordIndexUpdate counts one index-maintenance pass and the number
	// of times its lock acquisition raced the transaction sequence.
	RecordIndexUpdate(retries int)

	// RecordDeletion counts one full deletion attempt.
	RecordDeletion(err error)

	// RecordOrphanScan reports the outcome of one scanner sweep.
	RecordOrphanScan(scanned, deleted, errors int)

	// SetAllocatorRemaining publishes a pool's remaining number count.
	SetAllocatorRemaining(dir bool, remaining uint64)

	// RecordCorruption counts a detected invariant violation.
	RecordCorruption(reason string)
}

type nopMetrics struct{}

func (nopMetrics) RecordRefresh(bool)                 {}
func (nopMetrics) RecordIndexUpdate(int)              {}
func (nopMetrics) RecordDeletion(error)               {}
func (nopMetrics) RecordOrphanScan(int, int, int)     {}
func (nopMetrics) SetAllocatorRemaining(bool, uint64) {}
func (nopMetrics) RecordCorruption(string)            {}
