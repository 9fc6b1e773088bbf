package cluster

import (
	"context"
	"sync"
)

// RootIno is the lowest reserved inode number; allocation starts above it.
const RootIno = 1

// LocalCoordinator implements Coordinator for a single host, backing tests
// and single-node deployments. Inode ranges come from an in-memory cursor
// and the open-handle map reflects only this host's registrations.
type LocalCoordinator struct {
	mu        sync.Mutex
	nextIno   uint64
	maxIno    uint64
	openCount map[uint64]int

	// StableSeqFn supplies the last stable sequence, wired to the
	// transaction manager by the mount. Nil means zero.
	StableSeqFn func() uint64
}

// NewLocalCoordinator returns a coordinator allocating inode numbers from
// RootIno+1 up to maxIno (0 means the full 64-bit space).
func NewLocalCoordinator(maxIno uint64) *LocalCoordinator {
	if maxIno == 0 {
		maxIno = ^uint64(0)
	}
	return &LocalCoordinator{
		nextIno:   RootIno + 1,
		maxIno:    maxIno,
		openCount: make(map[uint64]int),
	}
}

// AllocInodeRange implements Coordinator.
func (c *LocalCoordinator) AllocInodeRange(ctx context.Context, count uint64) (uint64, uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nextIno > c.maxIno {
		return 0, 0, ErrNoSpace
	}
	if remaining := c.maxIno - c.nextIno + 1; count > remaining {
		count = remaining
	}
	start := c.nextIno
	c.nextIno += count
	return start, count, nil
}

// OpenInoMap implements Coordinator.
func (c *LocalCoordinator) OpenInoMap(ctx context.Context, group uint64) (*OpenMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	m := &OpenMap{Group: group}
	lo := group << OpenMapShift
	hi := lo + (1 << OpenMapShift)
	for ino, n := range c.openCount {
		if n > 0 && ino >= lo && ino < hi {
			bit := ino & (1<<OpenMapShift - 1)
			m.Bits[bit/64] |= 1 << (bit % 64)
		}
	}
	return m, nil
}

// LastStableSeq implements Coordinator.
func (c *LocalCoordinator) LastStableSeq(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if c.StableSeqFn == nil {
		return 0, nil
	}
	return c.StableSeqFn(), nil
}

// OpenInc implements Coordinator.
func (c *LocalCoordinator) OpenInc(ctx context.Context, ino uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openCount[ino]++
	return nil
}

// OpenDec implements Coordinator.
func (c *LocalCoordinator) OpenDec(ctx context.Context, ino uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openCount[ino] > 1 {
		c.openCount[ino]--
	} else {
		delete(c.openCount, ino)
	}
	return nil
}
