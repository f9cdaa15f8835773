package pebble

import (
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"github.com/eigerco/cartridge/pkg/db"
)

// Snapshot is a read-only point-in-time view of the store.
type Snapshot struct {
	store  *KVStore
	snap   *pebble.Snapshot
	closed atomic.Bool
}

// NewSnapshot pins the committed state. A snapshot of a closed store is
// already closed.
func (p *KVStore) NewSnapshot() db.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := &Snapshot{store: p}
	if p.closed {
		s.closed.Store(true)
		return s
	}
	s.snap = p.db.NewSnapshot()
	return s
}

func (s *Snapshot) Get(key []byte) ([]byte, error) {
	if s.closed.Load() || s.store.isClosed() {
		return nil, ErrClosed
	}
	return get(s.snap, key)
}

func (s *Snapshot) NewIterator(start, end []byte) (db.Iterator, error) {
	if s.closed.Load() || s.store.isClosed() {
		return nil, ErrClosed
	}
	return newIterator(s.snap, start, end)
}

func (s *Snapshot) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.snap.Close()
}
