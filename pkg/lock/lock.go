// Package lock defines the cluster lock coordinator consumed by the inode
// core: granted locks carry monotonic refresh generations that drive cache
// coherence, and coverage tracking ties cached entries to the lock that
// protects them so reclaim can tell when an entry has fallen outside lock
// protection.
package lock

import (
	"context"

	"github.com/bgly/scoutfs/pkg/item"
)

// Mode is the requested lock compatibility class.
type Mode int

const (
	// ModeRead allows shared reads of covered items.
	ModeRead Mode = iota

	// ModeWrite allows exclusive reads and writes of covered items.
	ModeWrite

	// ModeWriteOnly allows blind writes without read caching. Used for
	// index items and orphan markers, which are written without being
	// read back under the same lock.
	ModeWriteOnly
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	case ModeWriteOnly:
		return "write-only"
	default:
		return "unknown"
	}
}

// Lock group geometry. Locks cover fixed-size clamped regions of the key
// space rather than single keys so that nearby items share one lock. The
// clamping here is shared with the inode core's index-lock descriptors: the
// descriptor sort order and the region boundaries together guarantee
// deadlock-free acquisition, so both sides must agree on the boundaries.
const (
	// InodeGroupSize is the number of inode numbers covered by one
	// fs-zone or orphan-zone lock, and the inode clamp of index regions.
	InodeGroupSize = 1024

	// IndexMajorGroupSize is the number of index major values covered by
	// one index-zone lock region.
	IndexMajorGroupSize = 1024
)

// ClampInodeGroup rounds ino down to its lock group boundary.
func ClampInodeGroup(ino uint64) uint64 {
	return ino &^ (InodeGroupSize - 1)
}

// ClampIndexMajor rounds an index major value down to its region boundary.
func ClampIndexMajor(major uint64) uint64 {
	return major &^ (IndexMajorGroupSize - 1)
}

// Scope names a lockable region of the key space. Start and End bound the
// region in encoded key order; InoLow/InoHigh additionally clamp index
// regions to one inode group (the index key space is sparse in both
// dimensions, so regions bound both the major and the inode axis).
type Scope struct {
	Start   item.Key
	End     item.Key
	InoLow  uint64
	InoHigh uint64
}

// Contains reports whether the scope covers the key.
func (s Scope) Contains(k item.Key) bool {
	if s.Start.Compare(k) > 0 || s.End.Compare(k) < 0 {
		return false
	}
	if k.Zone == item.ZoneIndex {
		return k.Ino >= s.InoLow && k.Ino <= s.InoHigh
	}
	return true
}

// InodeScope returns the fs-zone scope covering ino's lock group.
func InodeScope(ino uint64) Scope {
	g := ClampInodeGroup(ino)
	return Scope{
		Start:   item.Key{Zone: item.ZoneFS, Ino: g},
		End:     item.Key{Zone: item.ZoneFS, Ino: g + InodeGroupSize - 1, Type: ^item.Type(0)},
		InoLow:  0,
		InoHigh: ^uint64(0),
	}
}

// OrphanScope returns the orphan-zone scope covering ino's lock group.
func OrphanScope(ino uint64) Scope {
	g := ClampInodeGroup(ino)
	return Scope{
		Start:   item.Key{Zone: item.ZoneOrphan, Ino: g},
		End:     item.Key{Zone: item.ZoneOrphan, Ino: g + InodeGroupSize - 1, Type: ^item.Type(0)},
		InoLow:  0,
		InoHigh: ^uint64(0),
	}
}

// IndexScope returns the index-zone scope covering the clamped region that
// (typ, major, ino) falls in.
func IndexScope(typ item.Type, major, ino uint64) Scope {
	m := ClampIndexMajor(major)
	g := ClampInodeGroup(ino)
	return Scope{
		Start:   item.IndexKey(typ, m, 0, 0),
		End:     item.IndexKey(typ, m+IndexMajorGroupSize-1, ^uint32(0), ^uint64(0)),
		InoLow:  g,
		InoHigh: g + InodeGroupSize - 1,
	}
}

// IndexWalkScope returns the index-zone scope covering a whole major region
// across all inodes. Read-side index walks use it so that one lock covers an
// entire region of the ordered walk.
func IndexWalkScope(typ item.Type, major uint64) Scope {
	m := ClampIndexMajor(major)
	return Scope{
		Start:   item.IndexKey(typ, m, 0, 0),
		End:     item.IndexKey(typ, m+IndexMajorGroupSize-1, ^uint32(0), ^uint64(0)),
		InoLow:  0,
		InoHigh: ^uint64(0),
	}
}

// Lock is a granted cluster lock. A Lock's refresh generation is strictly
// greater than the generation of any previously granted lock over the same
// scope that has since been invalidated; cache entries compare their
// last-refreshed generation against it to decide whether their fields may be
// stale.
type Lock struct {
	scope Scope
	mode  Mode
	gen   uint64

	grant *grant
}

// RefreshGen returns the lock's refresh generation.
func (l *Lock) RefreshGen() uint64 { return l.gen }

// Mode returns the granted mode.
func (l *Lock) Mode() Mode { return l.mode }

// Scope returns the granted scope.
func (l *Lock) Scope() Scope { return l.scope }

// End returns the last key of the granted scope. Ordered walks compare
// iteration keys against it to decide when to move to the next region.
func (l *Lock) End() item.Key { return l.scope.End }

// Covers implements item.Locker.
func (l *Lock) Covers(k item.Key) bool { return l.scope.Contains(k) }

// Coverage records that a cached object is protected by a currently granted
// lock. Entries embed one Coverage per protected object; the coordinator
// clears it when the lock is invalidated, calling the entry's drop hook.
type Coverage struct {
	g      *grant
	onDrop func()
}

// SetDropHook installs the callback invoked when the covering lock is
// invalidated. Must be set before the coverage is first added.
func (c *Coverage) SetDropHook(fn func()) { c.onDrop = fn }

// Coordinator grants and tracks cluster locks.
type Coordinator interface {
	// Acquire blocks until a lock over scope is granted in mode.
	Acquire(ctx context.Context, scope Scope, mode Mode) (*Lock, error)

	// Release drops the caller's hold on the lock. The grant itself can
	// outlive the hold so that coverage persists until invalidation.
	Release(l *Lock)

	// AddCoverage marks the cached object as protected by l's grant.
	AddCoverage(l *Lock, cov *Coverage)

	// DelCoverage removes coverage, if any. Safe to call when not
	// covered.
	DelCoverage(cov *Coverage)

	// IsCovered reports whether the object is still protected by a
	// granted, non-invalidated lock.
	IsCovered(cov *Coverage) bool

	// Invalidate revokes grants intersecting scope, bumping the
	// generation any future grant will carry and firing the drop hooks
	// of covered objects.
	Invalidate(scope Scope, mode Mode)
}
