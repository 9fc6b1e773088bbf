// Package trans coordinates the ambient transaction shared by all metadata
// mutations on one mount.
//
// Writers Hold the transaction while applying item-store mutations so that a
// commit can't slide in between the related updates of one operation; Commit
// drains holders, runs the registered pre-commit hooks (the inode core's
// dirty-data writeback walks), commits the item store atomically, and
// advances the transaction sequence. The sequence advance is what the index
// maintainer's sample-prepare-acquire-verify loop observes.
package trans

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bgly/scoutfs/internal/logger"
	"github.com/bgly/scoutfs/pkg/item"
)

// PreCommitFunc runs during Commit after new holders are excluded. The write
// pass starts dirty-data flushes; the wait pass blocks until they finish.
type PreCommitFunc func(ctx context.Context, write bool) error

// Manager owns the transaction sequence and commit cadence for one mount.
type Manager struct {
	store item.Store

	mu         sync.Mutex
	cond       *sync.Cond
	holders    int
	committing bool
	seq        uint64
	stableSeq  uint64

	preCommit []PreCommitFunc

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager creates a manager whose first open transaction has sequence
// startSeq+1 and whose stable sequence starts at startSeq.
func NewManager(store item.Store, startSeq uint64) *Manager {
	m := &Manager{
		store:     store,
		seq:       startSeq + 1,
		stableSeq: startSeq,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// RegisterPreCommit adds a hook run on every commit. Must be called before
// the commit loop starts.
func (m *Manager) RegisterPreCommit(fn PreCommitFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preCommit = append(m.preCommit, fn)
}

// Hold joins the open transaction, blocking while a commit is in progress.
// Every successful Hold must be paired with Release.
func (m *Manager) Hold(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.committing {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.cond.Wait()
	}
	m.holders++
	return nil
}

// Release leaves the open transaction.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.holders--
	if m.holders < 0 {
		panic("transaction release without hold")
	}
	m.cond.Broadcast()
}

// Seq returns the sequence of the currently open transaction. Values
// sampled before acquiring locks are re-checked after, so callers tolerate
// staleness.
func (m *Manager) Seq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// LastStableSeq returns the newest committed sequence.
func (m *Manager) LastStableSeq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stableSeq
}

// Commit excludes new holders, waits for current holders to drain, flushes
// dirty data through the pre-commit hooks, commits the item store and
// advances the sequence. An empty commit is still a sequence advance; the
// index maintainer depends only on monotonicity.
func (m *Manager) Commit(ctx context.Context) error {
	m.mu.Lock()
	for m.committing {
		m.cond.Wait()
	}
	m.committing = true
	for m.holders > 0 {
		m.cond.Wait()
	}
	hooks := m.preCommit
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.committing = false
		m.cond.Broadcast()
		m.mu.Unlock()
	}()

	// start async writeback, then wait for it; no new writers are
	// admitted so no dirty data remains once the wait pass returns
	for _, fn := range hooks {
		if err := fn(ctx, true); err != nil {
			return fmt.Errorf("pre-commit write pass: %w", err)
		}
	}
	for _, fn := range hooks {
		if err := fn(ctx, false); err != nil {
			return fmt.Errorf("pre-commit wait pass: %w", err)
		}
	}

	if err := m.store.Commit(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.stableSeq = m.seq
	m.seq++
	m.mu.Unlock()
	return nil
}

// Run commits on a fixed cadence until Stop is called. Commit errors are
// logged and the cadence continues; the uncommitted writes stay in the open
// transaction for the next attempt.
func (m *Manager) Run(interval time.Duration) {
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if err := m.Commit(ctx); err != nil {
					logger.Error("transaction commit failed: %v", err)
				}
				cancel()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop ends the commit loop and performs a final commit.
func (m *Manager) Stop(ctx context.Context) error {
	close(m.stopCh)
	select {
	case <-m.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.Commit(ctx)
}
