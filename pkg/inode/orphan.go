package inode

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/orca-zhang/ecache"

	"github.com/bgly/scoutfs/internal/logger"
	"github.com/bgly/scoutfs/internal/ratelimiter"
	"github.com/bgly/scoutfs/pkg/cluster"
	"github.com/bgly/scoutfs/pkg/item"
	"github.com/bgly/scoutfs/pkg/lock"
)

// ErrCorruption wraps invariant violations detected in stored metadata.
var ErrCorruption = errors.New("metadata corruption detected")

// MarkPendingDeletion writes the orphan marker recording that ino must be
// deleted once no host holds it open. DropLink calls it in the transaction
// that takes the link count to zero; callers replaying interrupted unlinks
// may call it again, the write is idempotent. Force-create under a
// write-only lock; the marker is never read back under the same lock.
func (m *Mount) MarkPendingDeletion(ctx context.Context, ino uint64) error {
	lk, err := m.locks.Acquire(ctx, lock.OrphanScope(ino), lock.ModeWriteOnly)
	if err != nil {
		return err
	}
	defer m.locks.Release(lk)

	return m.store.CreateForce(ctx, item.OrphanKey(ino), nil, lk)
}

// deleteOrphan removes the orphan marker for ino, tolerating its absence.
func (m *Mount) deleteOrphan(ctx context.Context, ino uint64) error {
	lk, err := m.locks.Acquire(ctx, lock.OrphanScope(ino), lock.ModeWriteOnly)
	if err != nil {
		return err
	}
	defer m.locks.Release(lk)

	return m.store.DeleteForce(ctx, item.OrphanKey(ino), lk)
}

// DeleteInodeItems removes everything stored for an orphaned inode: data
// extents, xattrs, index items, symlink target, the inode item and finally
// the orphan marker.
//
// The sequence is idempotent and restartable. Every step before the marker
// removal may have already happened in a previous attempt on any host; a
// failure at any step leaves the marker in place, which is the mechanism
// guaranteeing a future attempt resumes the work. Concurrent attempts on
// this host collapse through the deleting set.
func (m *Mount) DeleteInodeItems(ctx context.Context, ino uint64) (err error) {
	m.delMu.Lock()
	if _, busy := m.deleting[ino]; busy {
		m.delMu.Unlock()
		return nil
	}
	m.deleting[ino] = struct{}{}
	m.delMu.Unlock()

	defer func() {
		m.delMu.Lock()
		delete(m.deleting, ino)
		m.delMu.Unlock()
		m.metrics.RecordDeletion(err)
	}()

	lk, err := m.locks.Acquire(ctx, lock.InodeScope(ino), lock.ModeWrite)
	if err != nil {
		return err
	}
	defer m.locks.Release(lk)

	val, err := m.store.LookupExact(ctx, item.InodeKey(ino), lk)
	if errors.Is(err, item.ErrNotFound) {
		// a previous attempt got as far as removing the item but
		// crashed before the marker; only the marker is left
		return m.deleteOrphan(ctx, ino)
	}
	if err != nil {
		return err
	}
	cur, err := UnmarshalInode(val)
	if err != nil {
		return err
	}

	if cur.Nlink != 0 {
		// relinked without clearing the marker; leave the marker for
		// manual repair rather than guessing which state is right
		m.reportCorruption(ino, "orphaned inode with links", fmt.Sprintf("nlink %d", cur.Nlink))
		return fmt.Errorf("inode %d has an orphan marker but %d links: %w", ino, cur.Nlink, ErrCorruption)
	}

	if cur.IsRegular() {
		if err = m.data.DeleteDataItems(ctx, ino, 0, ^uint64(0)); err != nil {
			return fmt.Errorf("deleting data items of inode %d: %w", ino, err)
		}
	}
	if err = m.attrs.DeleteAllAttrs(ctx, ino); err != nil {
		return fmt.Errorf("deleting attributes of inode %d: %w", ino, err)
	}

	il, err := m.holdIndexLocks(ctx, func(uint64) []indexDesc {
		return prepareIndexDeletion(ino, &cur)
	})
	if err != nil {
		return err
	}
	defer il.Release()

	keys := []item.Key{item.IndexKey(item.TypeIndexMetaSeq, cur.MetaSeq, 0, ino)}
	if cur.IsRegular() {
		keys = append(keys, item.IndexKey(item.TypeIndexDataSeq, cur.DataSeq, 0, ino))
	}
	for _, k := range keys {
		ilk, lerr := il.lockFor(k)
		if lerr != nil {
			return lerr
		}
		if err = m.store.DeleteForce(ctx, k, ilk); err != nil {
			return fmt.Errorf("deleting index item %s: %w", k, err)
		}
	}

	if cur.IsSymlink() {
		if err = m.links.DropTarget(ctx, ino); err != nil {
			return fmt.Errorf("dropping symlink target of inode %d: %w", ino, err)
		}
	}

	if err = m.store.DeleteForce(ctx, item.InodeKey(ino), lk); err != nil {
		return fmt.Errorf("deleting inode item %d: %w", ino, err)
	}
	return m.deleteOrphan(ctx, ino)
}

// ScannerConfig tunes the background orphan scanner.
type ScannerConfig struct {
	// Interval between sweeps; Jitter is an additional random delay per
	// scheduling so hosts sharing a store don't sweep in phase.
	Interval time.Duration
	Jitter   time.Duration

	// InosPerSecond paces per-marker work within a sweep; 0 disables
	// pacing.
	InosPerSecond uint
	Burst         uint

	// OpenMapTTL bounds how long a cached open-handle bitmap is trusted.
	OpenMapTTL time.Duration
}

// OrphanScanner periodically walks the orphan markers in the stable view
// of the item store and nudges deletion of any inode no host holds open.
// Each host runs one; the work is idempotent so overlap between hosts is
// harmless.
type OrphanScanner struct {
	m       *Mount
	cfg     ScannerConfig
	limiter *ratelimiter.RateLimiter
	omaps   *ecache.Cache
	log     *logger.ComponentLogger

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewOrphanScanner builds a scanner over the mount. Zero config fields get
// conservative defaults.
func NewOrphanScanner(m *Mount, cfg ScannerConfig) *OrphanScanner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = cfg.Interval / 4
	}
	if cfg.Burst == 0 {
		cfg.Burst = cfg.InosPerSecond
	}
	if cfg.OpenMapTTL <= 0 {
		cfg.OpenMapTTL = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &OrphanScanner{
		m:       m,
		cfg:     cfg,
		limiter: ratelimiter.New(cfg.InosPerSecond, cfg.Burst),
		omaps:   ecache.NewLRUCache(16, 256, cfg.OpenMapTTL),
		log:     logger.Component("orphan-scan"),
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *OrphanScanner) Start() {
	go func() {
		defer close(s.doneCh)

		timer := time.NewTimer(s.delay())
		defer timer.Stop()
		for {
			select {
			case <-timer.C:
				s.sweep()
				timer.Reset(s.delay())
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop cancels in-flight work and waits for the loop to exit.
func (s *OrphanScanner) Stop() {
	close(s.stopCh)
	s.cancel()
	<-s.doneCh
}

func (s *OrphanScanner) delay() time.Duration {
	return s.cfg.Interval + time.Duration(rand.Int63n(int64(s.cfg.Jitter)+1))
}

func (s *OrphanScanner) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// sweep walks all orphan markers once. It reads the stable committed view,
// never the live transaction, so it doesn't contend with foreground writes
// and never sees markers of still-open unlinked files mid-transaction.
// Errors count and move on; the next sweep retries.
func (s *OrphanScanner) sweep() {
	var scanned, queued, errs int

	after := item.OrphanKey(0)
	last := item.OrphanKey(^uint64(0))

	for !s.stopped() {
		k, _, err := s.m.store.StableNext(s.ctx, after, last)
		if errors.Is(err, item.ErrNotFound) {
			break
		}
		if err != nil {
			s.log.Warn("orphan iteration: %v", err)
			errs++
			break
		}
		after = k.Next()
		scanned++
		ino := k.Ino

		if err := s.limiter.Wait(s.ctx); err != nil {
			break
		}

		// locally cached means this host is already responsible for it
		if s.m.hasEntry(ino) {
			continue
		}

		open, err := s.openAnywhere(ino)
		if err != nil {
			s.log.Warn("open map query for ino %d: %v", ino, err)
			errs++
			continue
		}
		if open {
			continue
		}

		// load purely to force eviction: the release of an orphaned,
		// unopened entry runs the deletion sequence
		e, err := s.m.LookupOrLoad(s.ctx, ino)
		if errors.Is(err, item.ErrNotFound) {
			// marker outlived the item; finish the removal here
			if err := s.m.DeleteInodeItems(s.ctx, ino); err != nil {
				errs++
			} else {
				queued++
			}
			continue
		}
		if err != nil {
			errs++
			continue
		}
		s.m.QueueRelease(e)
		queued++
	}

	if scanned > 0 || errs > 0 {
		s.log.Debug("sweep scanned %d orphans, queued %d, %d errors", scanned, queued, errs)
	}
	s.m.metrics.RecordOrphanScan(scanned, queued, errs)
}

// openAnywhere consults the cluster open-handle bitmap for ino's group,
// through a short-TTL cache so one sweep over a dense orphan range doesn't
// hammer the coordinator with one query per marker. A stale cached bit only
// defers deletion to a later sweep.
func (s *OrphanScanner) openAnywhere(ino uint64) (bool, error) {
	group := cluster.OpenMapGroup(ino)
	key := strconv.FormatUint(group, 10)

	if v, ok := s.omaps.Get(key); ok {
		if om, ok := v.(*cluster.OpenMap); ok {
			return om.IsOpen(ino), nil
		}
	}

	om, err := s.m.cluster.OpenInoMap(s.ctx, group)
	if err != nil {
		return false, err
	}
	s.omaps.Put(key, om)
	return om.IsOpen(ino), nil
}
