// Package inode implements the inode lifecycle and metadata-index core: the
// per-mount cache of inode entries kept coherent through cluster lock
// refresh generations, the secondary seq indexes maintained in lockstep with
// inode item updates, the crash-safe deletion protocol driven by orphan
// markers, and the writeback and deferred-release coordination around
// transaction commits.
//
// Everything hangs off a Mount, the per-mount context owning the cache
// table, allocator pools, pending sets and background workers. There are no
// process-wide singletons; two Mounts over two stores coexist in one
// process, which is also how the tests exercise multi-host behavior.
package inode

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bgly/scoutfs/internal/logger"
	"github.com/bgly/scoutfs/pkg/cluster"
	"github.com/bgly/scoutfs/pkg/item"
	"github.com/bgly/scoutfs/pkg/lock"
	"github.com/bgly/scoutfs/pkg/trans"
)

// File type bits of Inode.Mode, matching the usual stat layout.
const (
	ModeFmt     uint32 = 0o170000
	ModeDir     uint32 = 0o040000
	ModeRegular uint32 = 0o100000
	ModeSymlink uint32 = 0o120000
)

// Inode.Flags bits.
const (
	// FlagTruncateInProgress marks an inode whose data extents past the
	// current size may not have been removed yet. Set when a shrinking
	// size change commits, cleared by CompleteTruncate in a later
	// transaction. Survives crashes.
	FlagTruncateInProgress uint32 = 1 << 0
)

// Block geometry: data blocks are 4KB, stat reports 512-byte sectors.
const (
	BlockShift  = 12
	SectorShift = 9
)

// Timespec is a second/nanosecond timestamp pair.
type Timespec struct {
	Sec  int64
	Nsec uint32
}

// TimespecNow returns the current time as a Timespec.
func TimespecNow() Timespec {
	now := time.Now()
	return Timespec{Sec: now.Unix(), Nsec: uint32(now.Nanosecond())}
}

// Inode is the authoritative inode record stored as one item keyed by inode
// number. MetaSeq advances with every change, DataSeq with every data
// change; the seq indexes mirror those two fields.
type Inode struct {
	Size           uint64
	MetaSeq        uint64
	DataSeq        uint64
	DataVersion    uint64
	OnlineBlocks   uint64
	OfflineBlocks  uint64
	NextReaddirPos uint64
	NextXattrID    uint64
	Nlink          uint32
	UID            uint32
	GID            uint32
	Mode           uint32
	Rdev           uint32
	Flags          uint32
	Atime          Timespec
	Mtime          Timespec
	Ctime          Timespec
	Crtime         Timespec
}

func (i *Inode) IsDir() bool     { return i.Mode&ModeFmt == ModeDir }
func (i *Inode) IsRegular() bool { return i.Mode&ModeFmt == ModeRegular }
func (i *Inode) IsSymlink() bool { return i.Mode&ModeFmt == ModeSymlink }

// StatBlocks returns the block count reported by stat: online plus offline
// blocks scaled to sector units.
func (i *Inode) StatBlocks() uint64 {
	return (i.OnlineBlocks + i.OfflineBlocks) << (BlockShift - SectorShift)
}

const inodeItemSize = 8*8 + 6*4 + 4*12

func putTimespec(buf []byte, ts Timespec) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(ts.Sec))
	binary.LittleEndian.PutUint32(buf[8:12], ts.Nsec)
}

func getTimespec(buf []byte) Timespec {
	return Timespec{
		Sec:  int64(binary.LittleEndian.Uint64(buf[0:8])),
		Nsec: binary.LittleEndian.Uint32(buf[8:12]),
	}
}

// Marshal encodes the inode into its fixed little-endian item layout.
func (i *Inode) Marshal() []byte {
	buf := make([]byte, inodeItemSize)
	binary.LittleEndian.PutUint64(buf[0:8], i.Size)
	binary.LittleEndian.PutUint64(buf[8:16], i.MetaSeq)
	binary.LittleEndian.PutUint64(buf[16:24], i.DataSeq)
	binary.LittleEndian.PutUint64(buf[24:32], i.DataVersion)
	binary.LittleEndian.PutUint64(buf[32:40], i.OnlineBlocks)
	binary.LittleEndian.PutUint64(buf[40:48], i.OfflineBlocks)
	binary.LittleEndian.PutUint64(buf[48:56], i.NextReaddirPos)
	binary.LittleEndian.PutUint64(buf[56:64], i.NextXattrID)
	binary.LittleEndian.PutUint32(buf[64:68], i.Nlink)
	binary.LittleEndian.PutUint32(buf[68:72], i.UID)
	binary.LittleEndian.PutUint32(buf[72:76], i.GID)
	binary.LittleEndian.PutUint32(buf[76:80], i.Mode)
	binary.LittleEndian.PutUint32(buf[80:84], i.Rdev)
	binary.LittleEndian.PutUint32(buf[84:88], i.Flags)
	putTimespec(buf[88:100], i.Atime)
	putTimespec(buf[100:112], i.Mtime)
	putTimespec(buf[112:124], i.Ctime)
	putTimespec(buf[124:136], i.Crtime)
	return buf
}

// UnmarshalInode decodes an inode item value.
func UnmarshalInode(buf []byte) (Inode, error) {
	if len(buf) != inodeItemSize {
		return Inode{}, fmt.Errorf("bad inode item length %d, want %d", len(buf), inodeItemSize)
	}
	return Inode{
		Size:           binary.LittleEndian.Uint64(buf[0:8]),
		MetaSeq:        binary.LittleEndian.Uint64(buf[8:16]),
		DataSeq:        binary.LittleEndian.Uint64(buf[16:24]),
		DataVersion:    binary.LittleEndian.Uint64(buf[24:32]),
		OnlineBlocks:   binary.LittleEndian.Uint64(buf[32:40]),
		OfflineBlocks:  binary.LittleEndian.Uint64(buf[40:48]),
		NextReaddirPos: binary.LittleEndian.Uint64(buf[48:56]),
		NextXattrID:    binary.LittleEndian.Uint64(buf[56:64]),
		Nlink:          binary.LittleEndian.Uint32(buf[64:68]),
		UID:            binary.LittleEndian.Uint32(buf[68:72]),
		GID:            binary.LittleEndian.Uint32(buf[72:76]),
		Mode:           binary.LittleEndian.Uint32(buf[76:80]),
		Rdev:           binary.LittleEndian.Uint32(buf[80:84]),
		Flags:          binary.LittleEndian.Uint32(buf[84:88]),
		Atime:          getTimespec(buf[88:100]),
		Mtime:          getTimespec(buf[100:112]),
		Ctime:          getTimespec(buf[112:124]),
		Crtime:         getTimespec(buf[124:136]),
	}, nil
}

// Snapshot is the consistently-read view of the fields readers poll without
// taking the entry's item mutex. Writers publish a new immutable Snapshot
// after every item change; readers do a single atomic load.
type Snapshot struct {
	MetaSeq       uint64
	DataSeq       uint64
	DataVersion   uint64
	OnlineBlocks  uint64
	OfflineBlocks uint64
}

// index slots of Entry.indexes
const (
	metaSlot = 0
	dataSlot = 1
)

// indexCoord is the (major, minor) coordinate of the index item last
// written for one index type, used to compute insert/delete pairs on the
// next update. Invalid until the entry first observes the item.
type indexCoord struct {
	major uint64
	minor uint32
	valid bool
}

// Entry is the in-memory cache entry for one inode. One Entry exists per
// (Mount, ino); all concurrent users share it through references handed out
// by LookupOrLoad and returned through Release or QueueRelease.
type Entry struct {
	ino uint64

	// refs is guarded by the Mount's cache mutex
	refs int

	// itemMu serializes refresh and item updates; the fields below it
	// are only touched with it held
	itemMu  sync.Mutex
	have    bool
	cur     Inode
	indexes [2]indexCoord

	// lastRefreshed is the refresh generation of the lock that last
	// populated cur. Monotonic; a granted lock with a lower generation
	// indicates corruption and is fatal.
	lastRefreshed atomic.Uint64

	// dropped is set when the covering lock was invalidated or the
	// inode was unlinked while cached; the entry is evicted on the next
	// release instead of lingering
	dropped atomic.Bool

	snap atomic.Pointer[Snapshot]

	cov lock.Coverage

	inWriteback bool
}

// Ino returns the entry's inode number.
func (e *Entry) Ino() uint64 { return e.ino }

// Inode returns a copy of the current item fields. Valid only after a
// successful refresh.
func (e *Entry) Inode() Inode {
	e.itemMu.Lock()
	defer e.itemMu.Unlock()
	return e.cur
}

// Snapshot returns the last published consistent view of the seq and block
// fields. The zero Snapshot means the entry was never refreshed.
func (e *Entry) Snapshot() Snapshot {
	if s := e.snap.Load(); s != nil {
		return *s
	}
	return Snapshot{}
}

// publish must be called with itemMu held after cur changed.
func (e *Entry) publish() {
	s := Snapshot{
		MetaSeq:       e.cur.MetaSeq,
		DataSeq:       e.cur.DataSeq,
		DataVersion:   e.cur.DataVersion,
		OnlineBlocks:  e.cur.OnlineBlocks,
		OfflineBlocks: e.cur.OfflineBlocks,
	}
	e.snap.Store(&s)
}

// setIndexCoords must be called with itemMu held; records the index
// coordinates implied by the item the entry now mirrors.
func (e *Entry) setIndexCoords() {
	e.indexes[metaSlot] = indexCoord{major: e.cur.MetaSeq, valid: true}
	if e.cur.IsRegular() {
		e.indexes[dataSlot] = indexCoord{major: e.cur.DataSeq, valid: true}
	} else {
		e.indexes[dataSlot] = indexCoord{}
	}
}

// DataOps is the data-extent subsystem consumed through an interface: extent
// removal for deletion and truncation, and per-inode dirty data flushing at
// commit.
type DataOps interface {
	// DeleteDataItems removes all data extents of ino in the block range
	// [startBlock, endBlock], in the subsystem's own transaction.
	DeleteDataItems(ctx context.Context, ino, startBlock, endBlock uint64) error

	// WriteDirty starts asynchronous flushing of ino's dirty data.
	WriteDirty(ctx context.Context, ino uint64) error

	// WaitWritten blocks until flushes started by WriteDirty finish.
	WaitWritten(ctx context.Context, ino uint64) error
}

// AttrOps is the extended-attribute subsystem.
type AttrOps interface {
	// DeleteAllAttrs removes every xattr item of ino.
	DeleteAllAttrs(ctx context.Context, ino uint64) error
}

// SymlinkOps stores symlink targets outside the inode item.
type SymlinkOps interface {
	// DropTarget removes ino's target-storage items.
	DropTarget(ctx context.Context, ino uint64) error
}

// NopData, NopAttrs and NopSymlinks satisfy the subsystem interfaces with
// no-ops, for tests and metadata-only deployments.
type NopData struct{}

func (NopData) DeleteDataItems(context.Context, uint64, uint64, uint64) error { return nil }
func (NopData) WriteDirty(context.Context, uint64) error                      { return nil }
func (NopData) WaitWritten(context.Context, uint64) error                     { return nil }

type NopAttrs struct{}

func (NopAttrs) DeleteAllAttrs(context.Context, uint64) error { return nil }

type NopSymlinks struct{}

func (NopSymlinks) DropTarget(context.Context, uint64) error { return nil }

// Options carries the collaborators a Mount is built over. Store, Locks,
// Cluster and Trans are required; nil subsystems default to no-ops and nil
// Metrics disables collection.
type Options struct {
	Store    item.Store
	Locks    lock.Coordinator
	Cluster  cluster.Coordinator
	Trans    *trans.Manager
	Data     DataOps
	Attrs    AttrOps
	Symlinks SymlinkOps
	Metrics  Metrics
}

// Mount is the per-mount context owning all inode core state.
type Mount struct {
	rid     uuid.UUID
	log     *logger.ComponentLogger
	store   item.Store
	locks   lock.Coordinator
	cluster cluster.Coordinator
	trans   *trans.Manager
	data    DataOps
	attrs   AttrOps
	links   SymlinkOps
	metrics Metrics

	mu      sync.Mutex
	entries map[uint64]*Entry

	alloc inodeAllocator

	delMu    sync.Mutex
	deleting map[uint64]struct{}

	wbMu      sync.Mutex
	writeback map[uint64]*Entry

	releaseCh chan releaseReq
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewMount assembles a mount context, registers its writeback walk with the
// transaction manager and starts the deferred-release worker.
func NewMount(opts Options) *Mount {
	m := &Mount{
		rid:       uuid.New(),
		store:     opts.Store,
		locks:     opts.Locks,
		cluster:   opts.Cluster,
		trans:     opts.Trans,
		data:      opts.Data,
		attrs:     opts.Attrs,
		links:     opts.Symlinks,
		metrics:   opts.Metrics,
		entries:   make(map[uint64]*Entry),
		deleting:  make(map[uint64]struct{}),
		writeback: make(map[uint64]*Entry),
		releaseCh: make(chan releaseReq, 128),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	if m.data == nil {
		m.data = NopData{}
	}
	if m.attrs == nil {
		m.attrs = NopAttrs{}
	}
	if m.links == nil {
		m.links = NopSymlinks{}
	}
	if m.metrics == nil {
		m.metrics = nopMetrics{}
	}
	m.log = logger.Component("inode[" + m.rid.String()[:8] + "]")
	m.alloc.cluster = m.cluster
	m.alloc.metrics = m.metrics

	m.trans.RegisterPreCommit(m.WalkWriteback)
	go m.releaseWorker()
	return m
}

// RID returns the mount's random identity, used in logs and cluster
// registrations.
func (m *Mount) RID() uuid.UUID { return m.rid }

// Close stops the release worker and drops every cached entry. Callers
// stop the transaction manager and scanner first.
func (m *Mount) Close(ctx context.Context) error {
	close(m.stopCh)
	select {
	case <-m.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	entries := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.entries = make(map[uint64]*Entry)
	m.mu.Unlock()

	for _, e := range entries {
		m.locks.DelCoverage(&e.cov)
		if err := m.cluster.OpenDec(ctx, e.ino); err != nil {
			m.log.Warn("open map dec for ino %d at close: %v", e.ino, err)
		}
	}
	return nil
}

// LookupOrLoad returns the cache entry for ino with a new reference,
// creating and refreshing it if needed. The read lock taken to refresh is
// released before returning; coverage keeps the entry valid until the lock
// is invalidated.
func (m *Mount) LookupOrLoad(ctx context.Context, ino uint64) (*Entry, error) {
	e, created := m.getEntry(ctx, ino)

	lk, err := m.locks.Acquire(ctx, lock.InodeScope(ino), lock.ModeRead)
	if err != nil {
		m.forgetRef(ctx, e, created)
		return nil, err
	}
	defer m.locks.Release(lk)

	if err := m.Refresh(ctx, e, lk); err != nil {
		m.forgetRef(ctx, e, created)
		return nil, err
	}
	return e, nil
}

// getEntry returns the entry for ino with a new reference, creating it if
// absent. Reports whether this call created it.
func (m *Mount) getEntry(ctx context.Context, ino uint64) (*Entry, bool) {
	m.mu.Lock()
	e := m.entries[ino]
	if e != nil {
		e.refs++
		m.mu.Unlock()
		return e, false
	}
	e = &Entry{ino: ino, refs: 1}
	e.cov.SetDropHook(func() { m.onInvalidated(e) })
	m.entries[ino] = e
	m.mu.Unlock()

	if err := m.cluster.OpenInc(ctx, ino); err != nil {
		m.log.Warn("open map inc for ino %d: %v", ino, err)
	}
	return e, true
}

// forgetRef undoes getEntry after a failed load.
func (m *Mount) forgetRef(ctx context.Context, e *Entry, created bool) {
	m.mu.Lock()
	e.refs--
	gone := created && e.refs == 0 && !e.have
	if gone {
		delete(m.entries, e.ino)
	}
	m.mu.Unlock()

	if gone {
		if err := m.cluster.OpenDec(ctx, e.ino); err != nil {
			m.log.Warn("open map dec for ino %d: %v", e.ino, err)
		}
	}
}

// Refresh brings the entry's fields up to date with the authoritative item
// under the given lock.
//
// The comparison of the entry's last-refreshed generation against the
// lock's refresh generation is the coherence protocol: equal means current
// (the common fast path), lower means the fields may be stale and must be
// reloaded. A generation already above the lock's at entry means the caller
// kept using a lock across a full invalidate and regrant cycle, a
// use-after-invalidate bug or memory corruption, which is fatal.
//
// Any number of goroutines may call Refresh concurrently; one performs the
// lookup per generation transition, the rest observe the updated generation
// under itemMu and return. A caller that loses that race to a refresher
// holding a newer lock finds the generation already past its own under
// itemMu; the entry is fresher than its lock requires and the call is a
// no-op success, never a reload that would regress the generation.
func (m *Mount) Refresh(ctx context.Context, e *Entry, lk *lock.Lock) error {
	gen := lk.RefreshGen()
	last := e.lastRefreshed.Load()
	if last == gen {
		m.metrics.RecordRefresh(false)
		return nil
	}
	if last > gen {
		panic(fmt.Sprintf("inode %d refreshed at gen %d but lock grants gen %d", e.ino, last, gen))
	}

	e.itemMu.Lock()
	defer e.itemMu.Unlock()

	if e.lastRefreshed.Load() >= gen {
		m.metrics.RecordRefresh(false)
		return nil
	}

	val, err := m.store.LookupExact(ctx, item.InodeKey(e.ino), lk)
	if err != nil {
		return err
	}
	ino, err := UnmarshalInode(val)
	if err != nil {
		return err
	}

	e.cur = ino
	e.have = true
	e.publish()
	e.setIndexCoords()
	m.locks.AddCoverage(lk, &e.cov)
	e.dropped.Store(false)
	e.lastRefreshed.Store(gen)
	m.metrics.RecordRefresh(true)
	return nil
}

// onInvalidated is the coverage drop hook: the lock protecting the entry
// was revoked, so the cached fields must not outlive it. References in
// flight finish their current operation; the entry is evicted on release.
func (m *Mount) onInvalidated(e *Entry) {
	e.dropped.Store(true)

	m.mu.Lock()
	reap := e.refs == 0 && m.entries[e.ino] == e
	m.mu.Unlock()
	if reap {
		m.queue(releaseReq{e: e, decRef: false})
	}
}

// DirtyItem writes the entry's current item so that the update at the end
// of the operation cannot fail on allocation. The early write is the
// error-return point; under itemMu the bytes written match the bytes a
// concurrent refresher would read.
func (m *Mount) DirtyItem(ctx context.Context, e *Entry, lk *lock.Lock) error {
	e.itemMu.Lock()
	defer e.itemMu.Unlock()

	if !e.have {
		return fmt.Errorf("dirtying inode %d before refresh", e.ino)
	}
	return m.store.CreateForce(ctx, item.InodeKey(e.ino), e.cur.Marshal(), lk)
}

// AddOnOff adjusts the online/offline block counts through the usual
// locked update path. Accounting that would go negative is a corruption
// report; the delta is dropped rather than wrapping the counters.
func (m *Mount) AddOnOff(ctx context.Context, e *Entry, onDelta, offDelta int64) error {
	return m.Modify(ctx, e, true, func(ino *Inode) error {
		on := int64(ino.OnlineBlocks) + onDelta
		off := int64(ino.OfflineBlocks) + offDelta
		if on < 0 || off < 0 {
			m.reportCorruption(e.ino, "negative block count",
				fmt.Sprintf("online %d%+d offline %d%+d", ino.OnlineBlocks, onDelta, ino.OfflineBlocks, offDelta))
			return fmt.Errorf("inode %d block accounting would go negative", e.ino)
		}
		ino.OnlineBlocks = uint64(on)
		ino.OfflineBlocks = uint64(off)
		return nil
	})
}

func (m *Mount) reportCorruption(ino uint64, reason, detail string) {
	m.log.Error("corruption: ino %d: %s (%s)", ino, reason, detail)
	m.metrics.RecordCorruption(reason)
}

// hasEntry reports whether ino is cached locally, without loading it.
func (m *Mount) hasEntry(ino uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[ino] != nil
}
