package pebble

import (
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"github.com/eigerco/cartridge/pkg/db"
)

// Batch is an indexed pebble batch: reads through it observe its own staged
// mutations layered over the committed state.
type Batch struct {
	store *KVStore
	batch *pebble.Batch
	done  atomic.Bool
}

// NewBatch returns an indexed batch. On a closed store the batch is inert and
// every operation fails with ErrClosed.
func (p *KVStore) NewBatch() db.Batch {
	p.mu.RLock()
	defer p.mu.RUnlock()

	b := &Batch{store: p}
	if p.closed {
		b.done.Store(true)
		return b
	}
	b.batch = p.db.NewIndexedBatch()
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
	return get(b.batch, key)
}

func (b *Batch) NewIterator(start, end []byte) (db.Iterator, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return newIterator(b.batch, start, end)
}

func (b *Batch) Put(key, value []byte) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.batch.Set(key, value, nil)
}

func (b *Batch) Delete(key []byte) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.batch.Delete(key, nil)
}

func (b *Batch) Commit() error {
	if err := b.check(); err != nil {
		return err
	}
	if err := b.batch.Commit(pebble.Sync); err != nil {
		return err
	}
	b.done.Store(true)
	return b.batch.Close()
}

func (b *Batch) Close() error {
	if !b.done.CompareAndSwap(false, true) {
		return nil
	}
	return b.batch.Close()
}
