package lock

import (
	"context"
	"sync"
)

// LocalCoordinator is the in-process lock coordinator used by a single mount
// and by tests. Grants block until no conflicting-mode hold remains over the
// same scope, and carry the bookkeeping the inode core depends on: monotonic
// refresh generations per scope, grant caching across holds, coverage
// tracking, and invalidation with drop-hook callbacks. A remote DLM client
// would implement the same Coordinator interface.
type LocalCoordinator struct {
	mu     sync.Mutex
	gen    uint64
	grants map[string]*grant

	// changed is closed and replaced whenever a hold is released, waking
	// blocked acquirers to re-evaluate their conflicts
	changed chan struct{}
}

// grant is the coordinator-side state for one scope. It persists after all
// holds are released so that coverage keeps protecting cached entries until
// the scope is invalidated.
type grant struct {
	scope     Scope
	gen       uint64
	holds     [3]int
	stale     bool
	coverages map[*Coverage]struct{}
}

// conflicts reports whether a new hold in mode is incompatible with the
// grant's current holds. Shared reads coexist and blind writes coexist;
// every other pairing excludes.
func (g *grant) conflicts(m Mode) bool {
	switch m {
	case ModeRead:
		return g.holds[ModeWrite] > 0 || g.holds[ModeWriteOnly] > 0
	case ModeWriteOnly:
		return g.holds[ModeRead] > 0 || g.holds[ModeWrite] > 0
	default:
		return g.anyHolds()
	}
}

func (g *grant) anyHolds() bool {
	return g.holds[ModeRead] > 0 || g.holds[ModeWrite] > 0 || g.holds[ModeWriteOnly] > 0
}

// NewLocalCoordinator returns an empty coordinator. Refresh generations
// start above zero so that a fresh cache entry (generation zero) always
// refreshes on first acquire.
func NewLocalCoordinator() *LocalCoordinator {
	return &LocalCoordinator{
		gen:     1,
		grants:  make(map[string]*grant),
		changed: make(chan struct{}),
	}
}

func scopeKey(s Scope) string {
	// the encoded start key plus the ino clamp uniquely names a scope
	b := s.Start.Encode()
	b = append(b, byte(s.InoLow>>56), byte(s.InoLow>>48), byte(s.InoLow>>40),
		byte(s.InoLow>>32), byte(s.InoLow>>24), byte(s.InoLow>>16),
		byte(s.InoLow>>8), byte(s.InoLow))
	return string(b)
}

// signal wakes every blocked acquirer. Called with c.mu held.
func (c *LocalCoordinator) signal() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Acquire implements Coordinator. A stale grant drains its remaining holds
// before the scope is regranted, so a write hold excludes new holds across
// an invalidation too.
func (c *LocalCoordinator) Acquire(ctx context.Context, scope Scope, mode Mode) (*Lock, error) {
	key := scopeKey(scope)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c.mu.Lock()
		g := c.grants[key]
		switch {
		case g != nil && g.stale && g.anyHolds():
		case g != nil && !g.stale && g.conflicts(mode):
		default:
			if g == nil || g.stale {
				c.gen++
				g = &grant{
					scope:     scope,
					gen:       c.gen,
					coverages: make(map[*Coverage]struct{}),
				}
				c.grants[key] = g
			}
			g.holds[mode]++
			c.mu.Unlock()
			return &Lock{scope: scope, mode: mode, gen: g.gen, grant: g}, nil
		}
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// Release implements Coordinator.
func (c *LocalCoordinator) Release(l *Lock) {
	if l == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if l.grant.holds[l.mode] > 0 {
		l.grant.holds[l.mode]--
		c.signal()
	}
}

// AddCoverage implements Coordinator.
func (c *LocalCoordinator) AddCoverage(l *Lock, cov *Coverage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cov.g == l.grant {
		return
	}
	if cov.g != nil {
		delete(cov.g.coverages, cov)
	}
	cov.g = l.grant
	l.grant.coverages[cov] = struct{}{}
}

// DelCoverage implements Coordinator.
func (c *LocalCoordinator) DelCoverage(cov *Coverage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cov.g != nil {
		delete(cov.g.coverages, cov)
		cov.g = nil
	}
}

// IsCovered implements Coordinator.
func (c *LocalCoordinator) IsCovered(cov *Coverage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return cov.g != nil && !cov.g.stale
}

// Invalidate implements Coordinator. Grants whose scope intersects the given
// scope are marked stale; the next Acquire over them carries a higher
// refresh generation. Drop hooks run outside c.mu since they take entry
// locks.
func (c *LocalCoordinator) Invalidate(scope Scope, mode Mode) {
	var hooks []func()

	c.mu.Lock()
	for _, g := range c.grants {
		if g.stale || !scopesIntersect(g.scope, scope) {
			continue
		}
		g.stale = true
		for cov := range g.coverages {
			if cov.onDrop != nil {
				hooks = append(hooks, cov.onDrop)
			}
			cov.g = nil
		}
		g.coverages = make(map[*Coverage]struct{})
	}
	c.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func scopesIntersect(a, b Scope) bool {
	if a.Start.Compare(b.End) > 0 || b.Start.Compare(a.End) > 0 {
		return false
	}
	return a.InoLow <= b.InoHigh && b.InoLow <= a.InoHigh
}
