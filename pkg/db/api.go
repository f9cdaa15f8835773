package db

import "errors"

var (
	// ErrNotFound is returned by Reader.Get when the key is absent.
	ErrNotFound        = errors.New("kv-store: key not found")
	ErrClosed          = errors.New("kv-store: database is closed")
	ErrBatchDone       = errors.New("kv-store: batch already committed or closed")
	ErrIteratorInvalid = errors.New("kv-store: iterator is not positioned on a key")
)

// KVStore represents a durable, ordered key-value medium. All mutations go
// through batches; reads see either the committed state or a snapshot of it.
type KVStore interface {
	Reader
	// NewBatch returns a batch that can read its own staged mutations on top
	// of the committed state.
	NewBatch() Batch
	// NewSnapshot returns a point-in-time read-only view of the committed state.
	NewSnapshot() Snapshot
	Close() error
}

// Reader is implemented by the store, batches and snapshots.
type Reader interface {
	Get(key []byte) ([]byte, error)
	// NewIterator iterates keys in [start, end) in ascending order. A nil bound
	// is unbounded.
	NewIterator(start, end []byte) (Iterator, error)
}

type Writer interface {
	Put(key []byte, value []byte) error
}

// Batch represents an atomic batch of operations.
// All operations in a batch are performed atomically.
type Batch interface {
	Reader
	Writer
	Delete(key []byte) error
	Commit() error
	Close() error
}

// Snapshot is a consistent view of the store at the moment it was taken.
// Snapshots must be closed after use.
type Snapshot interface {
	Reader
	Close() error
}

// Iterator provides sequential access over a range of key-value pairs.
// Iterators must be closed after use.
type Iterator interface {
	Next() bool
	Prev() bool
	// SeekGE positions the iterator at the first key >= key.
	SeekGE(key []byte) bool
	// Last positions the iterator at the last key of the range.
	Last() bool
	Key() []byte
	Value() ([]byte, error)
	Valid() bool
	Close() error
}
