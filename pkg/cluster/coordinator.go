// Package cluster defines the coordinator service the inode core talks to
// for cluster-wide state: inode number range allocation, the open-handle
// map that records which hosts hold an inode open, and the last stable
// (committed everywhere) transaction sequence.
package cluster

import (
	"context"
	"errors"
)

// ErrNoSpace is returned by AllocInodeRange when the inode number space is
// exhausted.
var ErrNoSpace = errors.New("no inode numbers remaining")

// OpenMapShift sizes open-handle map groups; each group covers
// 1<<OpenMapShift inode numbers.
const OpenMapShift = 10

// OpenMapGroup returns the open-map group containing ino.
func OpenMapGroup(ino uint64) uint64 { return ino >> OpenMapShift }

// OpenMap is one group's open-handle bitmap: a bit is set when any host in
// the cluster holds the inode open (cached).
type OpenMap struct {
	Group uint64
	Bits  [1 << OpenMapShift / 64]uint64
}

// IsOpen reports whether the map records any open handle for ino. The ino
// must fall inside the map's group.
func (m *OpenMap) IsOpen(ino uint64) bool {
	bit := ino & (1<<OpenMapShift - 1)
	return m.Bits[bit/64]&(1<<(bit%64)) != 0
}

// Coordinator is the RPC surface of the cluster coordinator. The local
// implementation below serves a single host; a networked client implements
// the same interface.
type Coordinator interface {
	// AllocInodeRange reserves count unused inode numbers and returns
	// the start and length of the reserved contiguous range. The
	// returned length may be less than requested. Numbers are never
	// handed out twice and never reclaimed.
	AllocInodeRange(ctx context.Context, count uint64) (start, nr uint64, err error)

	// OpenInoMap returns the open-handle bitmap for a group.
	OpenInoMap(ctx context.Context, group uint64) (*OpenMap, error)

	// LastStableSeq returns the newest transaction sequence that has
	// been committed and merged; index walks clamp their results to it.
	LastStableSeq(ctx context.Context) (uint64, error)

	// OpenInc records that this host holds ino open (cached); OpenDec
	// removes one such record. The coordinator aggregates these into
	// the open-handle maps.
	OpenInc(ctx context.Context, ino uint64) error
	OpenDec(ctx context.Context, ino uint64) error
}
