package inode

import (
	"context"
	"fmt"
	"sort"

	"github.com/bgly/scoutfs/pkg/item"
	"github.com/bgly/scoutfs/pkg/lock"
)

// indexLockRetryCap bounds the sample-prepare-acquire-verify loop. The loop
// only repeats when a commit advanced the transaction sequence while locks
// were being acquired, which the commit cadence rate-limits; hitting the
// cap means pathological commit churn and the operation fails rather than
// livelocking.
const indexLockRetryCap = 100

// indexDesc names one coarse index lock region: the clamped coordinates of
// an index item a pending update will touch. The sort order below is the
// global acquisition order; every updater acquiring multiple regions does
// so in this order, which is what makes concurrent updates over
// overlapping regions deadlock-free.
type indexDesc struct {
	typ   item.Type
	major uint64
	minor uint32
	ino   uint64
}

// descFor clamps raw index item coordinates to their lock region.
func descFor(typ item.Type, major uint64, minor uint32, ino uint64) indexDesc {
	return indexDesc{
		typ:   typ,
		major: lock.ClampIndexMajor(major),
		minor: minor,
		ino:   lock.ClampInodeGroup(ino),
	}
}

func descLess(a, b indexDesc) bool {
	if a.typ != b.typ {
		return a.typ < b.typ
	}
	if a.major != b.major {
		return a.major < b.major
	}
	if a.minor != b.minor {
		return a.minor < b.minor
	}
	return a.ino < b.ino
}

// sortDescs orders and deduplicates a descriptor list in place.
func sortDescs(descs []indexDesc) []indexDesc {
	sort.Slice(descs, func(i, j int) bool { return descLess(descs[i], descs[j]) })
	out := descs[:0]
	for i, d := range descs {
		if i == 0 || d != descs[i-1] {
			out = append(out, d)
		}
	}
	return out
}

// IndexLocks holds the write-only cluster locks covering every index item
// one update will touch, plus a hold on the open transaction. Acquired by
// HoldIndexLocks before the item mutation, released after it.
type IndexLocks struct {
	m       *Mount
	descs   []indexDesc
	locks   []*lock.Lock
	retries int
	held    bool
}

// Release drops the transaction hold and the index locks.
func (il *IndexLocks) Release() {
	if il == nil {
		return
	}
	if il.held {
		il.m.trans.Release()
		il.held = false
	}
	il.unlock()
}

func (il *IndexLocks) unlock() {
	for i := len(il.locks) - 1; i >= 0; i-- {
		il.m.locks.Release(il.locks[i])
	}
	il.locks = nil
}

// lockFor finds the acquired lock covering an index key.
func (il *IndexLocks) lockFor(k item.Key) (*lock.Lock, error) {
	for _, lk := range il.locks {
		if lk.Covers(k) {
			return lk, nil
		}
	}
	return nil, fmt.Errorf("no index lock covers %s", k)
}

// HoldIndexLocks prepares and acquires the index locks for an update of the
// entry, and enters the open transaction. setDataSeq must be true when the
// update changes file data, so the data-seq index move is covered too.
//
// The new index coordinate is the sequence of the transaction the update
// will commit in, which can't be known until the transaction is held, and
// the locks must be acquired before entering the transaction to avoid
// holding them across a commit boundary. So: sample the sequence, prepare
// and acquire locks assuming it, hold the transaction, then verify the
// sequence didn't advance meanwhile; on a race release everything and start
// over from a fresh sample.
func (m *Mount) HoldIndexLocks(ctx context.Context, e *Entry, setDataSeq bool) (*IndexLocks, error) {
	return m.holdIndexLocks(ctx, func(seq uint64) []indexDesc {
		return m.prepareIndices(e, seq, setDataSeq)
	})
}

func (m *Mount) holdIndexLocks(ctx context.Context, build func(seq uint64) []indexDesc) (*IndexLocks, error) {
	for tries := 0; ; tries++ {
		if tries > indexLockRetryCap {
			m.log.Warn("index lock acquisition retried %d times against commit churn", tries)
			return nil, fmt.Errorf("index lock acquisition kept racing transaction commits")
		}

		seq := m.trans.Seq()
		descs := sortDescs(build(seq))

		il := &IndexLocks{m: m, descs: descs, retries: tries}
		for _, d := range descs {
			lk, err := m.locks.Acquire(ctx, lock.IndexScope(d.typ, d.major, d.ino), lock.ModeWriteOnly)
			if err != nil {
				il.unlock()
				return nil, err
			}
			il.locks = append(il.locks, lk)
		}

		if err := m.trans.Hold(ctx); err != nil {
			il.unlock()
			return nil, err
		}
		il.held = true

		if m.trans.Seq() != seq {
			il.Release()
			continue
		}
		return il, nil
	}
}

// prepareIndices builds the descriptor list for updating the entry's index
// items to coordinates derived from seq: a region for each index item that
// will be inserted and each that will be deleted.
func (m *Mount) prepareIndices(e *Entry, seq uint64, setDataSeq bool) []indexDesc {
	e.itemMu.Lock()
	defer e.itemMu.Unlock()

	var descs []indexDesc

	add := func(typ item.Type, coord indexCoord, newMajor uint64) {
		if !coord.valid || coord.major != newMajor || coord.minor != 0 {
			descs = append(descs, descFor(typ, newMajor, 0, e.ino))
		}
		if coord.valid && (coord.major != newMajor || coord.minor != 0) {
			descs = append(descs, descFor(typ, coord.major, coord.minor, e.ino))
		}
	}

	add(item.TypeIndexMetaSeq, e.indexes[metaSlot], seq)
	if setDataSeq && (!e.have || e.cur.IsRegular()) {
		add(item.TypeIndexDataSeq, e.indexes[dataSlot], seq)
	}
	return descs
}

// prepareIndexDeletion builds the descriptor list for removing all index
// items of an inode being deleted, from the item's current seq fields.
func prepareIndexDeletion(ino uint64, cur *Inode) []indexDesc {
	descs := []indexDesc{descFor(item.TypeIndexMetaSeq, cur.MetaSeq, 0, ino)}
	if cur.IsRegular() {
		descs = append(descs, descFor(item.TypeIndexDataSeq, cur.DataSeq, 0, ino))
	}
	return descs
}

// appliedIndexOp records one index change so a later failure can restore
// the pre-update index set.
type appliedIndexOp struct {
	newKey item.Key
	oldKey item.Key
	del    bool
}

// updateIndexItems moves the entry's index items to the coordinates of
// next, inside the current transaction. Called with e.itemMu held.
//
// Per index type the new item is inserted first, force-create so a stale
// leftover at the same coordinate is overwritten, then the old item is
// force-deleted. If the delete fails the insert is rolled back, and a
// failure on a later type rolls back earlier types, so a partial failure
// always leaves the index set exactly as it was before the update.
func (m *Mount) updateIndexItems(ctx context.Context, e *Entry, next *Inode, il *IndexLocks) ([]appliedIndexOp, error) {
	var applied []appliedIndexOp

	apply := func(typ item.Type, coord indexCoord, newMajor uint64) error {
		ins := !coord.valid || coord.major != newMajor || coord.minor != 0
		del := coord.valid && (coord.major != newMajor || coord.minor != 0)
		if !ins {
			return nil
		}

		newKey := item.IndexKey(typ, newMajor, 0, e.ino)
		lk, err := il.lockFor(newKey)
		if err != nil {
			return err
		}
		if err := m.store.CreateForce(ctx, newKey, nil, lk); err != nil {
			return fmt.Errorf("inserting index item %s: %w", newKey, err)
		}

		op := appliedIndexOp{newKey: newKey}
		if del {
			oldKey := item.IndexKey(typ, coord.major, coord.minor, e.ino)
			olk, err := il.lockFor(oldKey)
			if err == nil {
				err = m.store.DeleteForce(ctx, oldKey, olk)
			}
			if err != nil {
				if rerr := m.store.DeleteForce(ctx, newKey, lk); rerr != nil {
					m.log.Error("rolling back index insert %s: %v", newKey, rerr)
				}
				return fmt.Errorf("deleting old index item %s: %w", oldKey, err)
			}
			op.oldKey = oldKey
			op.del = true
		}
		applied = append(applied, op)
		return nil
	}

	err := apply(item.TypeIndexMetaSeq, e.indexes[metaSlot], next.MetaSeq)
	if err == nil && next.IsRegular() {
		err = apply(item.TypeIndexDataSeq, e.indexes[dataSlot], next.DataSeq)
	}
	if err != nil {
		m.rollbackIndexItems(ctx, il, applied)
		return nil, err
	}
	return applied, nil
}

// rollbackIndexItems undoes applied index changes in reverse order, best
// effort; failures here are logged since the transaction has already
// diverged and only a commit failure could reconcile it.
func (m *Mount) rollbackIndexItems(ctx context.Context, il *IndexLocks, applied []appliedIndexOp) {
	for i := len(applied) - 1; i >= 0; i-- {
		op := applied[i]
		if lk, err := il.lockFor(op.newKey); err == nil {
			if err := m.store.DeleteForce(ctx, op.newKey, lk); err != nil {
				m.log.Error("rolling back index insert %s: %v", op.newKey, err)
			}
		}
		if op.del {
			if lk, err := il.lockFor(op.oldKey); err == nil {
				if err := m.store.CreateForce(ctx, op.oldKey, nil, lk); err != nil {
					m.log.Error("restoring index item %s: %v", op.oldKey, err)
				}
			}
		}
	}
}

// UpdateItem writes the entry's item as next and moves its index items to
// match, all in the current transaction. Callers hold the inode's write
// lock and an IndexLocks from HoldIndexLocks; callers that must not fail
// here dirty the item first with DirtyItem.
func (m *Mount) UpdateItem(ctx context.Context, e *Entry, lk *lock.Lock, il *IndexLocks, next *Inode) error {
	e.itemMu.Lock()
	defer e.itemMu.Unlock()

	applied, err := m.updateIndexItems(ctx, e, next, il)
	if err != nil {
		return err
	}

	if err := m.store.Update(ctx, item.InodeKey(e.ino), next.Marshal(), lk); err != nil {
		m.rollbackIndexItems(ctx, il, applied)
		return fmt.Errorf("updating inode item %d: %w", e.ino, err)
	}

	e.cur = *next
	e.have = true
	e.publish()
	e.setIndexCoords()
	m.metrics.RecordIndexUpdate(il.retries)
	return nil
}
