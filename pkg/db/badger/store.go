// Package badger implements db.KVStore on badger. Batches are read-write
// badger transactions and snapshots are read-only ones.
package badger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v3"

	"github.com/eigerco/cartridge/pkg/db"
)

var (
	ErrClosed          = db.ErrClosed
	ErrNotFound        = db.ErrNotFound
	ErrBatchDone       = db.ErrBatchDone
	ErrIteratorInvalid = db.ErrIteratorInvalid
)

// KVStore is a badger backed implementation of db.KVStore
type KVStore struct {
	db     *badger.DB
	closed bool
	mu     sync.RWMutex
}

// NewKVStore opens a badger database under path, in memory when path is
// empty.
func NewKVStore(path string) (*KVStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}
	return &KVStore{db: bdb}, nil
}

func (s *KVStore) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		val, err = get(txn, key)
		return err
	})
	return val, err
}

func (s *KVStore) NewIterator(start, end []byte) (db.Iterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	var it db.Iterator
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		it, err = scan(txn, start, end)
		return err
	})
	return it, err
}

func (s *KVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *KVStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func get(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

var _ db.KVStore = (*KVStore)(nil)
