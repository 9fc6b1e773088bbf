package inode

import (
	"context"
	"errors"
	"fmt"

	"github.com/bgly/scoutfs/pkg/cluster"
	"github.com/bgly/scoutfs/pkg/item"
	"github.com/bgly/scoutfs/pkg/lock"
)

// Modify runs one locked, indexed mutation of the entry: acquire the
// inode's write lock, refresh, take the index locks and the transaction,
// dirty the item, apply fn to a copy with the seq fields already stamped
// for this transaction, then write the item and move its index items.
// dataChange must be true when the mutation changes file data so the
// data-seq index follows.
func (m *Mount) Modify(ctx context.Context, e *Entry, dataChange bool, fn func(*Inode) error) error {
	return m.modify(ctx, e, dataChange, fn, nil)
}

func (m *Mount) modify(ctx context.Context, e *Entry, dataChange bool, fn func(*Inode) error, post func(context.Context) error) error {
	lk, err := m.locks.Acquire(ctx, lock.InodeScope(e.ino), lock.ModeWrite)
	if err != nil {
		return err
	}
	defer m.locks.Release(lk)

	if err := m.Refresh(ctx, e, lk); err != nil {
		return err
	}

	il, err := m.HoldIndexLocks(ctx, e, dataChange)
	if err != nil {
		return err
	}
	defer il.Release()

	if err := m.DirtyItem(ctx, e, lk); err != nil {
		return err
	}

	next := e.Inode()
	seq := m.trans.Seq()
	next.MetaSeq = seq
	if dataChange && next.IsRegular() {
		next.DataSeq = seq
	}
	if err := fn(&next); err != nil {
		return err
	}

	if err := m.UpdateItem(ctx, e, lk, il, &next); err != nil {
		return err
	}
	if post != nil {
		// runs inside the same transaction hold as the item update
		return post(ctx)
	}
	return nil
}

// CreateAttrs are the caller-supplied fields of a new inode.
type CreateAttrs struct {
	Mode uint32
	UID  uint32
	GID  uint32
	Rdev uint32
}

// CreateInode allocates an inode number and creates the inode item and its
// index items in the current transaction. The returned entry carries a
// reference.
func (m *Mount) CreateInode(ctx context.Context, attrs CreateAttrs) (*Entry, error) {
	ino, err := m.alloc.alloc(ctx, attrs.Mode&ModeFmt == ModeDir)
	if err != nil {
		return nil, err
	}
	return m.createAt(ctx, ino, attrs)
}

func (m *Mount) createAt(ctx context.Context, ino uint64, attrs CreateAttrs) (*Entry, error) {
	e, created := m.getEntry(ctx, ino)

	lk, err := m.locks.Acquire(ctx, lock.InodeScope(ino), lock.ModeWrite)
	if err != nil {
		m.forgetRef(ctx, e, created)
		return nil, err
	}
	defer m.locks.Release(lk)

	il, err := m.HoldIndexLocks(ctx, e, attrs.Mode&ModeFmt == ModeRegular)
	if err != nil {
		m.forgetRef(ctx, e, created)
		return nil, err
	}
	defer il.Release()

	seq := m.trans.Seq()
	now := TimespecNow()
	nlink := uint32(1)
	if attrs.Mode&ModeFmt == ModeDir {
		nlink = 2
	}
	next := Inode{
		MetaSeq: seq,
		DataSeq: seq,
		Nlink:   nlink,
		UID:     attrs.UID,
		GID:     attrs.GID,
		Mode:    attrs.Mode,
		Rdev:    attrs.Rdev,
		Atime:   now,
		Mtime:   now,
		Ctime:   now,
		Crtime:  now,
	}

	e.itemMu.Lock()
	applied, err := m.updateIndexItems(ctx, e, &next, il)
	if err != nil {
		e.itemMu.Unlock()
		m.forgetRef(ctx, e, created)
		return nil, err
	}
	if err := m.store.Create(ctx, item.InodeKey(ino), next.Marshal(), lk); err != nil {
		m.rollbackIndexItems(ctx, il, applied)
		e.itemMu.Unlock()
		m.forgetRef(ctx, e, created)
		return nil, fmt.Errorf("creating inode item %d: %w", ino, err)
	}
	e.cur = next
	e.have = true
	e.publish()
	e.setIndexCoords()
	e.lastRefreshed.Store(lk.RefreshGen())
	e.itemMu.Unlock()

	m.locks.AddCoverage(lk, &e.cov)
	m.metrics.RecordIndexUpdate(il.retries)
	return e, nil
}

// EnsureRoot creates the root directory inode if the store doesn't have
// one yet.
func (m *Mount) EnsureRoot(ctx context.Context) error {
	e, err := m.LookupOrLoad(ctx, cluster.RootIno)
	if err == nil {
		m.QueueRelease(e)
		return nil
	}
	if !errors.Is(err, item.ErrNotFound) {
		return err
	}

	e, err = m.createAt(ctx, cluster.RootIno, CreateAttrs{Mode: ModeDir | 0o755})
	if err != nil {
		return err
	}
	m.QueueRelease(e)
	return nil
}

// DropLink decrements the link count. When the count reaches zero the
// orphan marker is created in the same transaction as the link-count
// update, so a crash can never lose track of an unreachable inode.
func (m *Mount) DropLink(ctx context.Context, e *Entry) error {
	orphaned := false
	return m.modify(ctx, e, false, func(ino *Inode) error {
		if ino.Nlink == 0 {
			return fmt.Errorf("inode %d link count already zero", e.ino)
		}
		ino.Nlink--
		ino.Ctime = TimespecNow()
		orphaned = ino.Nlink == 0
		return nil
	}, func(ctx context.Context) error {
		if !orphaned {
			return nil
		}
		return m.MarkPendingDeletion(ctx, e.ino)
	})
}

// AddLink increments the link count.
func (m *Mount) AddLink(ctx context.Context, e *Entry) error {
	return m.Modify(ctx, e, false, func(ino *Inode) error {
		ino.Nlink++
		ino.Ctime = TimespecNow()
		return nil
	})
}

// SetSize changes a regular file's size. Any change bumps the data version;
// a shrinking change additionally marks the truncate as in progress so that
// extents past the new size are known to be pending removal until
// CompleteTruncate clears the flag. The flag is persistent: a crash between
// the size change and the extent removal leaves it set, and the next opener
// that sees it finishes the truncate.
func (m *Mount) SetSize(ctx context.Context, e *Entry, size uint64) error {
	return m.Modify(ctx, e, true, func(ino *Inode) error {
		if !ino.IsRegular() {
			return fmt.Errorf("inode %d is not a regular file", e.ino)
		}
		if size == ino.Size {
			return nil
		}
		ino.DataVersion++
		if size < ino.Size {
			ino.Flags |= FlagTruncateInProgress
		}
		ino.Size = size
		now := TimespecNow()
		ino.Mtime = now
		ino.Ctime = now
		return nil
	})
}

// CompleteTruncate removes data extents past the current size and clears
// the in-progress flag in a following transaction. Idempotent; a no-op
// when the flag isn't set.
func (m *Mount) CompleteTruncate(ctx context.Context, e *Entry) error {
	cur := e.Inode()
	if cur.Flags&FlagTruncateInProgress == 0 {
		return nil
	}

	start := (cur.Size + (1 << BlockShift) - 1) >> BlockShift
	if err := m.data.DeleteDataItems(ctx, e.ino, start, ^uint64(0)); err != nil {
		return fmt.Errorf("truncating data items of inode %d: %w", e.ino, err)
	}

	return m.Modify(ctx, e, false, func(ino *Inode) error {
		ino.Flags &^= FlagTruncateInProgress
		return nil
	})
}
