package inode

import (
	"context"
	"errors"
	"fmt"

	"github.com/bgly/scoutfs/pkg/item"
	"github.com/bgly/scoutfs/pkg/lock"
)

// WalkEntry is one (major, minor, ino) coordinate returned by an index
// walk; for the seq indexes the major value is the inode's meta or data
// sequence at its last change.
type WalkEntry struct {
	Major uint64
	Minor uint32
	Ino   uint64
}

// WalkInodes returns up to max index entries of the given type between
// first and last, in index order.
//
// Results are clamped to the cluster's last stable sequence: entries above
// it belong to transactions still open somewhere and could mutate or
// vanish before committing, so they are never reported. Each coarse index
// region is read under its own read lock; empty regions cost one lookup
// and are skipped.
func (m *Mount) WalkInodes(ctx context.Context, typ item.Type, first, last WalkEntry, max int) ([]WalkEntry, error) {
	if typ != item.TypeIndexMetaSeq && typ != item.TypeIndexDataSeq {
		return nil, fmt.Errorf("unknown index type %d", typ)
	}
	if max <= 0 {
		return nil, nil
	}

	stable, err := m.cluster.LastStableSeq(ctx)
	if err != nil {
		return nil, err
	}
	if last.Major > stable {
		last = WalkEntry{Major: stable, Minor: ^uint32(0), Ino: ^uint64(0)}
	}
	lastKey := item.IndexKey(typ, last.Major, last.Minor, last.Ino)
	cur := item.IndexKey(typ, first.Major, first.Minor, first.Ino)

	var out []WalkEntry
	for len(out) < max && cur.Compare(lastKey) <= 0 {
		lk, err := m.locks.Acquire(ctx, lock.IndexWalkScope(typ, cur.Major), lock.ModeRead)
		if err != nil {
			return out, err
		}

		end := lk.End()
		if end.Compare(lastKey) > 0 {
			end = lastKey
		}

		for len(out) < max {
			k, _, err := m.store.Next(ctx, cur, end, lk)
			if errors.Is(err, item.ErrNotFound) {
				break
			}
			if err != nil {
				m.locks.Release(lk)
				return out, err
			}
			out = append(out, WalkEntry{Major: k.Major, Minor: k.Minor, Ino: k.Ino})
			cur = k.Next()
		}

		next := lk.End().Next()
		m.locks.Release(lk)
		if cur.Compare(next) < 0 {
			cur = next
		}
	}
	return out, nil
}
