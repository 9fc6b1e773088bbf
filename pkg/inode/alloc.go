package inode

import (
	"context"
	"fmt"
	"sync"

	"github.com/bgly/scoutfs/pkg/cluster"
	"github.com/bgly/scoutfs/pkg/lock"
)

// allocBatch is how many inode numbers one coordinator call reserves.
// Batching in multiples of the lock group size keeps the numbers a pool
// hands out inside few lock groups, so inodes created together tend to
// share locks.
const allocBatch = lock.InodeGroupSize * 10

// inoPool is one {next, remaining} allocation window.
type inoPool struct {
	next      uint64
	remaining uint64
}

// inodeAllocator hands out unique inode numbers from two independent pools,
// one for directories and one for everything else, so sibling files and
// subdirectories cluster into separate number ranges. Unused numbers in a
// pool are lost at unmount; the coordinator never hands a range out twice.
type inodeAllocator struct {
	cluster cluster.Coordinator
	metrics Metrics

	mu    sync.Mutex
	pools [2]inoPool
}

func poolIdx(dir bool) int {
	if dir {
		return 1
	}
	return 0
}

// alloc returns the next unique inode number for the given intent,
// refilling the pool from the coordinator when empty. The coordinator call
// happens outside the pool mutex; if a concurrent alloc refilled first, the
// freshly fetched range wins only when the pool is still empty, otherwise
// that range is dropped.
func (a *inodeAllocator) alloc(ctx context.Context, dir bool) (uint64, error) {
	idx := poolIdx(dir)

	a.mu.Lock()
	for a.pools[idx].remaining == 0 {
		a.mu.Unlock()

		start, nr, err := a.cluster.AllocInodeRange(ctx, allocBatch)
		if err != nil {
			return 0, fmt.Errorf("allocating inode range: %w", err)
		}
		if nr == 0 {
			// an empty range with no error would spin the refill loop
			return 0, fmt.Errorf("allocating inode range: %w", cluster.ErrNoSpace)
		}

		a.mu.Lock()
		if a.pools[idx].remaining == 0 {
			a.pools[idx] = inoPool{next: start, remaining: nr}
		}
	}

	ino := a.pools[idx].next
	a.pools[idx].next++
	a.pools[idx].remaining--
	remaining := a.pools[idx].remaining
	a.mu.Unlock()

	a.metrics.SetAllocatorRemaining(dir, remaining)
	return ino, nil
}
