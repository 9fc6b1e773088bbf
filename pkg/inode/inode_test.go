package inode

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bgly/scoutfs/pkg/cluster"
	"github.com/bgly/scoutfs/pkg/item"
	"github.com/bgly/scoutfs/pkg/item/badgerstore"
	"github.com/bgly/scoutfs/pkg/lock"
	"github.com/bgly/scoutfs/pkg/trans"
)

// allKeys stands in for a covering cluster lock when tests inspect the
// store directly.
type allKeys struct{}

func (allKeys) Covers(item.Key) bool { return true }

// hookStore wraps the real store to count lookups, park them, and inject
// failures.
type hookStore struct {
	item.Store
	lookups      atomic.Int64
	failIndexDel atomic.Bool

	gated   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

// gateNextLookup arms a one-shot gate: the next LookupExact closes entered
// and parks until release is closed.
func (h *hookStore) gateNextLookup() {
	h.entered = make(chan struct{})
	h.release = make(chan struct{})
	h.gated.Store(true)
}

func (h *hookStore) LookupExact(ctx context.Context, key item.Key, lk item.Locker) ([]byte, error) {
	h.lookups.Add(1)
	if h.gated.CompareAndSwap(true, false) {
		close(h.entered)
		<-h.release
	}
	return h.Store.LookupExact(ctx, key, lk)
}

func (h *hookStore) DeleteForce(ctx context.Context, key item.Key, lk item.Locker) error {
	if key.Zone == item.ZoneIndex && h.failIndexDel.CompareAndSwap(true, false) {
		return errors.New("injected index delete failure")
	}
	return h.Store.DeleteForce(ctx, key, lk)
}

type testMount struct {
	*Mount
	store item.Store
	locks *lock.LocalCoordinator
	clus  *cluster.LocalCoordinator
	tm    *trans.Manager
}

func newTestMount(t *testing.T, opts ...func(*Options)) *testMount {
	t.Helper()

	base, err := badgerstore.New(context.Background(), badgerstore.Config{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = base.Close() })

	locks := lock.NewLocalCoordinator()
	clus := cluster.NewLocalCoordinator(0)
	tm := trans.NewManager(base, 0)
	clus.StableSeqFn = tm.LastStableSeq

	o := Options{Store: base, Locks: locks, Cluster: clus, Trans: tm}
	for _, fn := range opts {
		fn(&o)
	}
	m := NewMount(o)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	return &testMount{Mount: m, store: o.Store, locks: locks, clus: clus, tm: tm}
}

// indexKeys returns every index item of one type, in key order.
func indexKeys(t *testing.T, s item.Store, typ item.Type) []item.Key {
	t.Helper()

	var keys []item.Key
	after := item.IndexKey(typ, 0, 0, 0)
	last := item.IndexKey(typ, ^uint64(0), ^uint32(0), ^uint64(0))
	for {
		k, _, err := s.Next(context.Background(), after, last, allKeys{})
		if errors.Is(err, item.ErrNotFound) {
			return keys
		}
		if err != nil {
			t.Fatalf("iterating index items: %v", err)
		}
		keys = append(keys, k)
		after = k.Next()
	}
}

func mustCreate(t *testing.T, env *testMount, attrs CreateAttrs) *Entry {
	t.Helper()
	e, err := env.CreateInode(context.Background(), attrs)
	if err != nil {
		t.Fatalf("create inode: %v", err)
	}
	return e
}

func TestCreateInodeWritesItemAndIndexes(t *testing.T) {
	env := newTestMount(t)
	ctx := context.Background()

	seq := env.tm.Seq()
	e := mustCreate(t, env, CreateAttrs{Mode: ModeRegular | 0o644, UID: 1000, GID: 1000})

	n := e.Inode()
	if n.Nlink != 1 {
		t.Errorf("new file nlink = %d, want 1", n.Nlink)
	}
	if n.Mode != ModeRegular|0o644 {
		t.Errorf("mode = %o", n.Mode)
	}
	if n.MetaSeq != seq || n.DataSeq != seq {
		t.Errorf("seqs = %d/%d, want %d", n.MetaSeq, n.DataSeq, seq)
	}
	if n.Crtime.Sec == 0 {
		t.Error("create time not set")
	}

	val, err := env.store.LookupExact(ctx, item.InodeKey(e.Ino()), allKeys{})
	if err != nil {
		t.Fatalf("inode item lookup: %v", err)
	}
	stored, err := UnmarshalInode(val)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stored != n {
		t.Errorf("stored item %+v differs from cached %+v", stored, n)
	}

	meta := indexKeys(t, env.store, item.TypeIndexMetaSeq)
	if len(meta) != 1 || meta[0].Major != seq || meta[0].Ino != e.Ino() {
		t.Errorf("meta index items = %v, want one at (%d, %d)", meta, seq, e.Ino())
	}
	data := indexKeys(t, env.store, item.TypeIndexDataSeq)
	if len(data) != 1 || data[0].Major != seq || data[0].Ino != e.Ino() {
		t.Errorf("data index items = %v, want one at (%d, %d)", data, seq, e.Ino())
	}
}

func TestCreateDirectoryHasNoDataIndex(t *testing.T) {
	env := newTestMount(t)

	e := mustCreate(t, env, CreateAttrs{Mode: ModeDir | 0o755})
	if n := e.Inode(); n.Nlink != 2 {
		t.Errorf("new directory nlink = %d, want 2", n.Nlink)
	}
	if data := indexKeys(t, env.store, item.TypeIndexDataSeq); len(data) != 0 {
		t.Errorf("directory grew data index items: %v", data)
	}
	if meta := indexKeys(t, env.store, item.TypeIndexMetaSeq); len(meta) != 1 {
		t.Errorf("meta index items = %v, want one", meta)
	}
}

func TestLookupReturnsCachedEntry(t *testing.T) {
	env := newTestMount(t)
	ctx := context.Background()

	e := mustCreate(t, env, CreateAttrs{Mode: ModeRegular | 0o644})
	e2, err := env.LookupOrLoad(ctx, e.Ino())
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if e2 != e {
		t.Fatal("lookup of a cached inode returned a different entry")
	}
	if _, err := env.Release(ctx, e2); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestLookupAbsentInode(t *testing.T) {
	env := newTestMount(t)

	if _, err := env.LookupOrLoad(context.Background(), 12345); !errors.Is(err, item.ErrNotFound) {
		t.Fatalf("lookup of absent inode: got %v, want ErrNotFound", err)
	}
	if env.hasEntry(12345) {
		t.Error("failed load left a cache entry behind")
	}
}

func TestRefreshFastPathSkipsItemLookup(t *testing.T) {
	var hook *hookStore
	env := newTestMount(t, func(o *Options) {
		hook = &hookStore{Store: o.Store}
		o.Store = hook
	})
	ctx := context.Background()

	e := mustCreate(t, env, CreateAttrs{Mode: ModeRegular | 0o644})
	ino := e.Ino()

	// the create populated the entry under the same grant, so lookups
	// ride the generation fast path
	for i := 0; i < 3; i++ {
		e2, err := env.LookupOrLoad(ctx, ino)
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		env.QueueRelease(e2)
	}
	if n := hook.lookups.Load(); n != 0 {
		t.Fatalf("fast-path lookups hit the store %d times", n)
	}

	env.locks.Invalidate(lock.InodeScope(ino), lock.ModeWrite)

	e2, err := env.LookupOrLoad(ctx, ino)
	if err != nil {
		t.Fatalf("lookup after invalidation: %v", err)
	}
	env.QueueRelease(e2)
	if n := hook.lookups.Load(); n != 1 {
		t.Fatalf("post-invalidation lookups = %d, want 1", n)
	}
}

func TestConcurrentRefreshDoesOneLookup(t *testing.T) {
	var hook *hookStore
	env := newTestMount(t, func(o *Options) {
		hook = &hookStore{Store: o.Store}
		o.Store = hook
	})
	ctx := context.Background()

	e := mustCreate(t, env, CreateAttrs{Mode: ModeRegular | 0o644})
	ino := e.Ino()
	env.locks.Invalidate(lock.InodeScope(ino), lock.ModeWrite)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e2, err := env.LookupOrLoad(ctx, ino)
			if err != nil {
				t.Errorf("concurrent lookup: %v", err)
				return
			}
			env.QueueRelease(e2)
		}()
	}
	wg.Wait()

	if n := hook.lookups.Load(); n != 1 {
		t.Fatalf("concurrent refresh hit the store %d times, want 1", n)
	}
}

func TestRefreshGenerationRegressionPanics(t *testing.T) {
	env := newTestMount(t)
	ctx := context.Background()

	e := mustCreate(t, env, CreateAttrs{Mode: ModeRegular | 0o644})
	e.lastRefreshed.Store(^uint64(0))

	lk, err := env.locks.Acquire(ctx, lock.InodeScope(e.Ino()), lock.ModeRead)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer env.locks.Release(lk)

	defer func() {
		if recover() == nil {
			t.Fatal("refresh with a regressed generation should panic")
		}
	}()
	_ = env.Refresh(ctx, e, lk)
}

// A refresher holding an older grant that arrives while a newer-grant
// refresher is mid-lookup must come out a no-op: the entry keeps the newer
// generation and the older caller never reloads under its stale lock.
func TestRefreshWithOlderLockKeepsNewerGeneration(t *testing.T) {
	var hook *hookStore
	env := newTestMount(t, func(o *Options) {
		hook = &hookStore{Store: o.Store}
		o.Store = hook
	})
	ctx := context.Background()

	e := mustCreate(t, env, CreateAttrs{Mode: ModeRegular | 0o644})
	scope := lock.InodeScope(e.Ino())

	// an older grant kept around past its release, then a newer grant
	// from a second invalidation
	env.locks.Invalidate(scope, lock.ModeWrite)
	older, err := env.locks.Acquire(ctx, scope, lock.ModeRead)
	if err != nil {
		t.Fatalf("acquire older: %v", err)
	}
	env.locks.Release(older)

	env.locks.Invalidate(scope, lock.ModeWrite)
	newer, err := env.locks.Acquire(ctx, scope, lock.ModeRead)
	if err != nil {
		t.Fatalf("acquire newer: %v", err)
	}
	defer env.locks.Release(newer)

	if older.RefreshGen() >= newer.RefreshGen() {
		t.Fatalf("grant gens %d/%d not increasing", older.RefreshGen(), newer.RefreshGen())
	}

	before := hook.lookups.Load()
	hook.gateNextLookup()

	newerDone := make(chan error, 1)
	go func() { newerDone <- env.Refresh(ctx, e, newer) }()
	<-hook.entered

	// the older refresher passes its entry check while the newer one is
	// parked mid-lookup, then queues on the entry lock behind it
	olderDone := make(chan error, 1)
	go func() { olderDone <- env.Refresh(ctx, e, older) }()
	time.Sleep(50 * time.Millisecond)
	close(hook.release)

	if err := <-newerDone; err != nil {
		t.Fatalf("refresh with newer lock: %v", err)
	}
	if err := <-olderDone; err != nil {
		t.Fatalf("refresh with older lock: %v", err)
	}

	if got := e.lastRefreshed.Load(); got != newer.RefreshGen() {
		t.Fatalf("entry generation = %d, want %d", got, newer.RefreshGen())
	}
	if n := hook.lookups.Load() - before; n != 1 {
		t.Fatalf("refresh pair hit the store %d times, want 1", n)
	}
}

func TestSnapshotFollowsUpdates(t *testing.T) {
	env := newTestMount(t)
	ctx := context.Background()

	e := mustCreate(t, env, CreateAttrs{Mode: ModeRegular | 0o644})
	before := e.Snapshot()

	if err := env.tm.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := env.SetSize(ctx, e, 4096); err != nil {
		t.Fatalf("set size: %v", err)
	}

	after := e.Snapshot()
	if after.MetaSeq <= before.MetaSeq || after.DataSeq <= before.DataSeq {
		t.Errorf("snapshot seqs did not advance: %+v -> %+v", before, after)
	}
	if after.DataVersion != before.DataVersion+1 {
		t.Errorf("data version = %d, want %d", after.DataVersion, before.DataVersion+1)
	}
}

func TestAddOnOffRejectsNegativeCounts(t *testing.T) {
	env := newTestMount(t)
	ctx := context.Background()

	e := mustCreate(t, env, CreateAttrs{Mode: ModeRegular | 0o644})
	if err := env.AddOnOff(ctx, e, 4, 0); err != nil {
		t.Fatalf("add blocks: %v", err)
	}
	if n := e.Inode(); n.OnlineBlocks != 4 {
		t.Errorf("online blocks = %d, want 4", n.OnlineBlocks)
	}

	if err := env.AddOnOff(ctx, e, -8, 0); err == nil {
		t.Fatal("negative accounting should fail")
	}
	if n := e.Inode(); n.OnlineBlocks != 4 {
		t.Errorf("failed modify changed the counts: %d", n.OnlineBlocks)
	}
}

func TestUnmarshalInodeRejectsShortBuffer(t *testing.T) {
	if _, err := UnmarshalInode(make([]byte, 10)); err == nil {
		t.Fatal("short buffer should not unmarshal")
	}
}
