package inode

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/bgly/scoutfs/pkg/cluster"
)

// ReleaseAction reports what releasing a reference did, so call sites that
// care (tests, the scanner) see the follow-up instead of it hiding inside
// teardown.
type ReleaseAction int

const (
	// ReleaseKept means the entry stays cached: references remain or the
	// entry is still covered and live.
	ReleaseKept ReleaseAction = iota

	// ReleaseEvicted means the entry was dropped from the cache.
	ReleaseEvicted

	// ReleaseDeleted means the entry was dropped and the inode's items
	// were fully deleted.
	ReleaseDeleted
)

// TrackWriteback adds the entry to the pending-writeback set, once. The set
// holds a reference per member so entries with dirty data can't be evicted
// until the commit walk has flushed them.
func (m *Mount) TrackWriteback(e *Entry) {
	m.wbMu.Lock()
	if e.inWriteback {
		m.wbMu.Unlock()
		return
	}
	e.inWriteback = true
	m.writeback[e.ino] = e
	m.wbMu.Unlock()

	m.mu.Lock()
	e.refs++
	m.mu.Unlock()
}

// WalkWriteback runs during transaction commit, after new writers are
// excluded. The write pass starts asynchronous flushes for every tracked
// entry; the wait pass blocks on them and releases clean entries from the
// set. Once the wait pass returns nil, no tracked dirty data remains.
func (m *Mount) WalkWriteback(ctx context.Context, write bool) error {
	m.wbMu.Lock()
	entries := make([]*Entry, 0, len(m.writeback))
	for _, e := range m.writeback {
		entries = append(entries, e)
	}
	m.wbMu.Unlock()

	if write {
		g, gctx := errgroup.WithContext(ctx)
		for _, e := range entries {
			ino := e.ino
			g.Go(func() error {
				return m.data.WriteDirty(gctx, ino)
			})
		}
		return g.Wait()
	}

	var firstErr error
	for _, e := range entries {
		if err := m.data.WaitWritten(ctx, e.ino); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.wbMu.Lock()
		delete(m.writeback, e.ino)
		e.inWriteback = false
		m.wbMu.Unlock()

		// the commit path must not run eviction work inline
		m.QueueRelease(e)
	}
	return firstErr
}

// mayDrop is the reclaim predicate for a zero-reference entry: drop when
// the covering lock was invalidated, when coverage was lost some other
// way, or when the inode was unlinked, so stale metadata never lingers
// outside lock protection and never blocks another host's deletion.
func (m *Mount) mayDrop(e *Entry) bool {
	if e.dropped.Load() {
		return true
	}
	if !m.locks.IsCovered(&e.cov) {
		return true
	}
	e.itemMu.Lock()
	nlinkZero := e.have && e.cur.Nlink == 0
	e.itemMu.Unlock()
	return nlinkZero
}

// Release drops one reference. When the last reference goes and the entry
// may be dropped, it is evicted: coverage removed, the open map
// decremented, and, for an orphaned inode no host has open, the full item
// deletion runs.
func (m *Mount) Release(ctx context.Context, e *Entry) (ReleaseAction, error) {
	drop := m.mayDrop(e)

	m.mu.Lock()
	if e.refs == 0 {
		m.mu.Unlock()
		panic("inode entry released without reference")
	}
	e.refs--
	if e.refs > 0 || !drop || m.entries[e.ino] != e {
		m.mu.Unlock()
		return ReleaseKept, nil
	}
	delete(m.entries, e.ino)
	m.mu.Unlock()

	return m.evict(ctx, e)
}

// evict finishes tearing down an entry already removed from the cache
// table.
func (m *Mount) evict(ctx context.Context, e *Entry) (ReleaseAction, error) {
	m.locks.DelCoverage(&e.cov)
	if err := m.cluster.OpenDec(ctx, e.ino); err != nil {
		m.log.Warn("open map dec for ino %d: %v", e.ino, err)
	}

	e.itemMu.Lock()
	orphaned := e.have && e.cur.Nlink == 0
	e.itemMu.Unlock()
	if !orphaned {
		return ReleaseEvicted, nil
	}

	// deletion may only start once no host anywhere has the inode open;
	// a racing opener re-creates its own cache entry and the orphan
	// scanner retries later, so an error here just defers the work
	om, err := m.cluster.OpenInoMap(ctx, cluster.OpenMapGroup(e.ino))
	if err != nil {
		return ReleaseEvicted, err
	}
	if om.IsOpen(e.ino) {
		return ReleaseEvicted, nil
	}

	if err := m.DeleteInodeItems(ctx, e.ino); err != nil {
		return ReleaseEvicted, err
	}
	return ReleaseDeleted, nil
}

// releaseReq is one unit of deferred-release work: a reference drop, or a
// reap of a zero-reference entry flagged by lock invalidation.
type releaseReq struct {
	e      *Entry
	decRef bool
}

// queue hands work to the release worker without ever blocking the caller;
// invalidation callbacks and the commit path must not stall on a full
// channel.
func (m *Mount) queue(r releaseReq) {
	select {
	case m.releaseCh <- r:
	default:
		go func() { m.releaseCh <- r }()
	}
}

// QueueRelease drops a reference asynchronously via the release worker.
// Used from contexts that must not run eviction or deletion inline.
func (m *Mount) QueueRelease(e *Entry) {
	m.queue(releaseReq{e: e, decRef: true})
}

// releaseWorker processes queued releases. Each wakeup drains everything
// queued at that point, so several queued releases of one entry resolve in
// a single pass.
func (m *Mount) releaseWorker() {
	defer close(m.doneCh)
	ctx := context.Background()

	for {
		select {
		case r := <-m.releaseCh:
			m.processRelease(ctx, r)
			m.drainReleases(ctx)
		case <-m.stopCh:
			m.drainReleases(ctx)
			return
		}
	}
}

func (m *Mount) drainReleases(ctx context.Context) {
	for {
		select {
		case r := <-m.releaseCh:
			m.processRelease(ctx, r)
		default:
			return
		}
	}
}

func (m *Mount) processRelease(ctx context.Context, r releaseReq) {
	if r.decRef {
		if _, err := m.Release(ctx, r.e); err != nil {
			m.log.Warn("deferred release of ino %d: %v", r.e.ino, err)
		}
		return
	}

	// invalidation reap of an entry nobody references
	m.mu.Lock()
	if r.e.refs != 0 || m.entries[r.e.ino] != r.e {
		m.mu.Unlock()
		return
	}
	delete(m.entries, r.e.ino)
	m.mu.Unlock()

	if _, err := m.evict(ctx, r.e); err != nil {
		m.log.Warn("evicting invalidated ino %d: %v", r.e.ino, err)
	}
}
