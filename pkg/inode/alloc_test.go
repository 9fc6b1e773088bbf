package inode

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bgly/scoutfs/pkg/cluster"
)

// countingCluster counts range allocations so tests can see batching.
type countingCluster struct {
	cluster.Coordinator

	mu     sync.Mutex
	allocs int
}

func (c *countingCluster) AllocInodeRange(ctx context.Context, count uint64) (uint64, uint64, error) {
	c.mu.Lock()
	c.allocs++
	c.mu.Unlock()
	return c.Coordinator.AllocInodeRange(ctx, count)
}

func (c *countingCluster) rangeAllocs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocs
}

func TestAllocatorBatchesRangeRequests(t *testing.T) {
	var counter *countingCluster
	env := newTestMount(t, func(o *Options) {
		counter = &countingCluster{Coordinator: o.Cluster}
		o.Cluster = counter
	})
	ctx := context.Background()

	first, err := env.alloc.alloc(ctx, false)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if first != cluster.RootIno+1 {
		t.Errorf("first ino = %d, want %d", first, cluster.RootIno+1)
	}

	// the rest of the batch is handed out without going back to the
	// coordinator
	for i := uint64(1); i < 100; i++ {
		ino, err := env.alloc.alloc(ctx, false)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if ino != first+i {
			t.Errorf("alloc %d = %d, want %d", i, ino, first+i)
		}
	}
	if n := counter.rangeAllocs(); n != 1 {
		t.Errorf("coordinator range allocations = %d, want 1", n)
	}
}

func TestAllocatorSeparatesDirectoryPool(t *testing.T) {
	env := newTestMount(t)
	ctx := context.Background()

	f1, err := env.alloc.alloc(ctx, false)
	if err != nil {
		t.Fatalf("file alloc: %v", err)
	}
	d1, err := env.alloc.alloc(ctx, true)
	if err != nil {
		t.Fatalf("dir alloc: %v", err)
	}
	f2, err := env.alloc.alloc(ctx, false)
	if err != nil {
		t.Fatalf("file alloc: %v", err)
	}

	if d1 == f1+1 {
		t.Error("directory allocation drew from the file pool")
	}
	if f2 != f1+1 {
		t.Errorf("file pool lost its position: %d then %d", f1, f2)
	}
}

func TestAllocatorReportsExhaustion(t *testing.T) {
	env := newTestMount(t)
	ctx := context.Background()

	// a tiny number space drains after a handful of allocations
	small := cluster.NewLocalCoordinator(cluster.RootIno + 5)
	env.alloc.cluster = small

	for {
		_, err := env.alloc.alloc(ctx, false)
		if errors.Is(err, cluster.ErrNoSpace) {
			return
		}
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
	}
}

// emptyRangeCluster hands back a zero-length range without an error.
type emptyRangeCluster struct {
	cluster.Coordinator
}

func (emptyRangeCluster) AllocInodeRange(context.Context, uint64) (uint64, uint64, error) {
	return 0, 0, nil
}

func TestAllocatorRejectsEmptyRange(t *testing.T) {
	env := newTestMount(t)
	env.alloc.cluster = emptyRangeCluster{Coordinator: env.clus}

	_, err := env.alloc.alloc(context.Background(), false)
	if !errors.Is(err, cluster.ErrNoSpace) {
		t.Fatalf("alloc from an empty range = %v, want no-space", err)
	}
}
