// Package badgerstore implements the item.Store interface on BadgerDB.
//
// BadgerDB gives us the two properties the inode core requires from its
// backing store:
//   - ordered iteration over raw keys, which matches the item key encoding
//     (see pkg/item/key.go), and
//   - atomic multi-key commits, which back the ambient transaction.
//
// One long-lived read-write badger transaction plays the role of the ambient
// transaction: every mutating call applies to it, reads observe its pending
// writes, and Commit() commits it and opens the next one. Badger transactions
// are not safe for concurrent use, so all access is serialized by a mutex;
// the callers' concurrency control (cluster locks, entry guards) keeps the
// critical sections short.
package badgerstore

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/bgly/scoutfs/pkg/item"
)

// Config contains configuration for creating a badger-backed item store.
type Config struct {
	// DBPath is the directory where badger stores its files. Ignored when
	// InMemory is set.
	DBPath string `mapstructure:"db_path"`

	// InMemory runs badger without touching disk. Used by tests.
	InMemory bool `mapstructure:"in_memory"`

	// BlockCacheSizeMB is badger's block cache size in MB (default 128).
	BlockCacheSizeMB int64 `mapstructure:"block_cache_size_mb"`
}

// Store implements item.Store on a badger database.
type Store struct {
	db *badger.DB

	// mu serializes access to txn; badger transactions are not
	// goroutine-safe.
	mu  sync.Mutex
	txn *badger.Txn
}

// New opens the badger database and begins the first ambient transaction.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(cfg.DBPath)
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	blockCacheMB := cfg.BlockCacheSizeMB
	if blockCacheMB == 0 {
		blockCacheMB = 128
	}
	opts = opts.WithBlockCacheSize(blockCacheMB << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", cfg.DBPath, err)
	}

	return &Store{
		db:  db,
		txn: db.NewTransaction(true),
	}, nil
}

func checkCovered(key item.Key, lock item.Locker) error {
	if lock == nil || !lock.Covers(key) {
		return fmt.Errorf("no covering lock held for item %s", key)
	}
	return nil
}

// LookupExact implements item.Store.
func (s *Store) LookupExact(ctx context.Context, key item.Key, lock item.Locker) ([]byte, error) {
	if err := checkCovered(key, lock); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.txn.Get(key.Encode())
	if err == badger.ErrKeyNotFound {
		return nil, item.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", key, err)
	}
	return it.ValueCopy(nil)
}

// Create implements item.Store.
func (s *Store) Create(ctx context.Context, key item.Key, value []byte, lock item.Locker) error {
	if err := checkCovered(key, lock); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.txn.Get(key.Encode())
	if err == nil {
		return item.ErrAlreadyExists
	}
	if err != badger.ErrKeyNotFound {
		return fmt.Errorf("create %s: %w", key, err)
	}
	return s.set(key, value)
}

// CreateForce implements item.Store.
func (s *Store) CreateForce(ctx context.Context, key item.Key, value []byte, lock item.Locker) error {
	if err := checkCovered(key, lock); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(key, value)
}

// Update implements item.Store.
func (s *Store) Update(ctx context.Context, key item.Key, value []byte, lock item.Locker) error {
	if err := checkCovered(key, lock); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.txn.Get(key.Encode()); err == badger.ErrKeyNotFound {
		return item.ErrNotFound
	} else if err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	return s.set(key, value)
}

// Delete implements item.Store.
func (s *Store) Delete(ctx context.Context, key item.Key, lock item.Locker) error {
	if err := checkCovered(key, lock); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.txn.Get(key.Encode()); err == badger.ErrKeyNotFound {
		return item.ErrNotFound
	} else if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return s.del(key)
}

// DeleteForce implements item.Store.
func (s *Store) DeleteForce(ctx context.Context, key item.Key, lock item.Locker) error {
	if err := checkCovered(key, lock); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.del(key)
}

// set and del write into the ambient transaction. Callers hold s.mu.
func (s *Store) set(key item.Key, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	if err := s.txn.Set(key.Encode(), v); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *Store) del(key item.Key) error {
	if err := s.txn.Delete(key.Encode()); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// Next implements item.Store.
func (s *Store) Next(ctx context.Context, after, last item.Key, lock item.Locker) (item.Key, []byte, error) {
	if err := checkCovered(after, lock); err != nil {
		return item.Key{}, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return next(s.txn, after, last)
}

// StableNext implements item.Store. It reads from a fresh read-only
// transaction, which observes only committed data.
func (s *Store) StableNext(ctx context.Context, after, last item.Key) (item.Key, []byte, error) {
	txn := s.db.NewTransaction(false)
	defer txn.Discard()
	return next(txn, after, last)
}

func next(txn *badger.Txn, after, last item.Key) (item.Key, []byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	lastEnc := last.Encode()
	it.Seek(after.Encode())
	if !it.Valid() {
		return item.Key{}, nil, item.ErrNotFound
	}
	bi := it.Item()
	if bytes.Compare(bi.Key(), lastEnc) > 0 {
		return item.Key{}, nil, item.ErrNotFound
	}
	key, err := item.DecodeKey(bi.KeyCopy(nil))
	if err != nil {
		return item.Key{}, nil, err
	}
	value, err := bi.ValueCopy(nil)
	if err != nil {
		return item.Key{}, nil, fmt.Errorf("next %s: %w", key, err)
	}
	return key, value, nil
}

// Commit implements item.Store. It makes the ambient transaction's writes
// durable in one atomic badger commit and opens the next transaction.
func (s *Store) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.txn.Commit(); err != nil {
		// the transaction is dead either way; start fresh so later
		// operations don't reuse its state
		s.txn = s.db.NewTransaction(true)
		return fmt.Errorf("commit item transaction: %w", err)
	}
	s.txn = s.db.NewTransaction(true)
	return nil
}

// Close implements item.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	s.txn.Discard()
	s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger: %w", err)
	}
	return nil
}
