package badger

import (
	"sync/atomic"

	"github.com/dgraph-io/badger/v3"

	"github.com/eigerco/cartridge/pkg/db"
)

// Batch is a read-write badger transaction: reads see its own writes.
type Batch struct {
	store *KVStore
	txn   *badger.Txn
	done  atomic.Bool
}

// NewBatch opens a read-write transaction. On a closed store the batch is
// inert and every operation fails with ErrClosed.
func (s *KVStore) NewBatch() db.Batch {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b := &Batch{store: s}
	if s.closed {
		b.done.Store(true)
		return b
	}
	b.txn = s.db.NewTransaction(true)
	return b
}

func (b *Batch) check() error {
	if b.store.isClosed() {
		return ErrClosed
	}
	if b.done.Load() {
		return ErrBatchDone
	}
	return nil
}

func (b *Batch) Get(key []byte) ([]byte, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return get(b.txn, key)
}

func (b *Batch) NewIterator(start, end []byte) (db.Iterator, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return scan(b.txn, start, end)
}

func (b *Batch) Put(key, value []byte) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.txn.Set(key, value)
}

func (b *Batch) Delete(key []byte) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.txn.Delete(key)
}

func (b *Batch) Commit() error {
	if err := b.check(); err != nil {
		return err
	}
	if err := b.txn.Commit(); err != nil {
		return err
	}
	b.done.Store(true)
	return nil
}

func (b *Batch) Close() error {
	if b.done.CompareAndSwap(false, true) {
		b.txn.Discard()
	}
	return nil
}

// Snapshot is a read-only badger transaction.
type Snapshot struct {
	store  *KVStore
	txn    *badger.Txn
	closed atomic.Bool
}

// NewSnapshot opens a read-only transaction. A snapshot of a closed store is
// already closed.
func (s *KVStore) NewSnapshot() db.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{store: s}
	if s.closed {
		snap.closed.Store(true)
		return snap
	}
	snap.txn = s.db.NewTransaction(false)
	return snap
}

func (s *Snapshot) Get(key []byte) ([]byte, error) {
	if s.closed.Load() || s.store.isClosed() {
		return nil, ErrClosed
	}
	return get(s.txn, key)
}

func (s *Snapshot) NewIterator(start, end []byte) (db.Iterator, error) {
	if s.closed.Load() || s.store.isClosed() {
		return nil, ErrClosed
	}
	return scan(s.txn, start, end)
}

func (s *Snapshot) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.txn.Discard()
	}
	return nil
}
