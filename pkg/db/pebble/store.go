package pebble

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/eigerco/cartridge/pkg/db"
)

const (
	defaultCacheSize        = 64 * 1024 * 1024  // 64MB
	defaultMemTableSize     = 32 * 1024 * 1024  // 32MB
	defaultMaxMemTableTotal = 128 * 1024 * 1024 // 128MB
)

type Option func(*options)

type options struct {
	path      string
	cacheSize int64
}

// WithPath stores the data on disk under path. Without it the store lives in
// an in-memory filesystem and is lost on Close.
func WithPath(path string) Option {
	return func(o *options) {
		o.path = path
	}
}

// WithCacheSize sets the block cache size in bytes.
func WithCacheSize(size int64) Option {
	return func(o *options) {
		if size > 0 {
			o.cacheSize = size
		}
	}
}

// KVStore is a pebble backed implementation of db.KVStore
type KVStore struct {
	db     *pebble.DB
	closed bool
	mu     sync.RWMutex
}

// NewKVStore opens a pebble database, in memory unless WithPath is given.
func NewKVStore(opts ...Option) (*KVStore, error) {
	o := options{cacheSize: defaultCacheSize}
	for _, opt := range opts {
		opt(&o)
	}

	cache := pebble.NewCache(o.cacheSize)
	defer cache.Unref()

	pebbleOpts := &pebble.Options{
		Cache:        cache,
		MemTableSize: defaultMemTableSize,
	}
	path := o.path
	if path == "" {
		pebbleOpts.FS = vfs.NewMem()
		path = "cartridge"
	}

	pdb, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %q: %w", path, err)
	}

	return &KVStore{db: pdb}, nil
}

func (p *KVStore) Get(key []byte) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrClosed
	}

	return get(p.db, key)
}

func (p *KVStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

func (p *KVStore) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

type getter interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

func get(g getter, key []byte) ([]byte, error) {
	value, closer, err := g.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close() //nolint:errcheck // closer only releases the value buffer

	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

var _ db.KVStore = (*KVStore)(nil)
