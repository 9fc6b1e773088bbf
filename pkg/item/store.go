// Package item defines the ordered, transactional item store that holds all
// persistent filesystem metadata: inode items, secondary index items, and
// orphan markers.
//
// The store is the single source of truth. Mutations made between commits
// belong to one ambient transaction and become durable atomically when the
// transaction manager commits. Reads observe the ambient transaction's own
// writes; StableNext reads the last committed (merged) view instead, which
// the orphan scanner depends on to avoid transient items.
package item

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by lookups and deletes of absent items.
	ErrNotFound = errors.New("item not found")

	// ErrAlreadyExists is returned by Create when the key is present.
	ErrAlreadyExists = errors.New("item already exists")
)

// Locker is the minimal view of a cluster lock the store needs: callers must
// hold a lock covering every key they touch. The store only asserts coverage;
// granting and invalidation live in pkg/lock.
type Locker interface {
	// Covers reports whether the lock's granted range contains the key.
	Covers(key Key) bool
}

// Store is the ordered item store consumed by the inode core.
//
// All mutating operations and LookupExact/Next operate within the ambient
// transaction and require a covering lock. StableNext bypasses the ambient
// transaction and locks entirely.
type Store interface {
	// LookupExact reads the value of key. Returns ErrNotFound if absent.
	LookupExact(ctx context.Context, key Key, lock Locker) ([]byte, error)

	// Create stores a new item. Returns ErrAlreadyExists if present.
	Create(ctx context.Context, key Key, value []byte, lock Locker) error

	// CreateForce stores an item regardless of whether one exists,
	// overwriting any stale value.
	CreateForce(ctx context.Context, key Key, value []byte, lock Locker) error

	// Update overwrites an existing item. Returns ErrNotFound if absent.
	Update(ctx context.Context, key Key, value []byte, lock Locker) error

	// Delete removes an item. Returns ErrNotFound if absent.
	Delete(ctx context.Context, key Key, lock Locker) error

	// DeleteForce removes an item regardless of whether it exists.
	DeleteForce(ctx context.Context, key Key, lock Locker) error

	// Next returns the first item with key ≥ after and ≤ last, in the
	// ambient transaction's view. Returns ErrNotFound when the range is
	// empty.
	Next(ctx context.Context, after, last Key, lock Locker) (Key, []byte, error)

	// StableNext is Next against the last committed view of the store,
	// ignoring the ambient transaction's uncommitted writes and requiring
	// no lock. Background scans use it to avoid contending with live
	// traffic and to avoid observing transient uncommitted items.
	StableNext(ctx context.Context, after, last Key) (Key, []byte, error)

	// Commit atomically persists the ambient transaction's writes and
	// begins a new one. Called only by the transaction manager.
	Commit(ctx context.Context) error

	// Close aborts the ambient transaction and releases resources.
	Close() error
}
