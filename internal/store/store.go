// Package store is the transactional storage engine: tuple keys mapped to
// opaque values on top of an ordered durable medium, with snapshot reads,
// serialized atomic writes and commit notifications for the watch registry.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/eigerco/cartridge/internal/keys"
	"github.com/eigerco/cartridge/internal/metrics"
	"github.com/eigerco/cartridge/internal/watch"
	"github.com/eigerco/cartridge/pkg/db"
	"github.com/eigerco/cartridge/pkg/log"
)

const (
	prefixData byte = iota + 1
	prefixMeta
)

var (
	dataNamespace = []byte{prefixData}
	seqKey        = []byte{prefixMeta, 's', 'e', 'q'}
)

type Option func(*Store)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// Store is the storage engine. It owns its medium exclusively: Close closes it.
type Store struct {
	medium db.KVStore

	// lifecycle is held shared by every running transaction and exclusively
	// by Close.
	lifecycle sync.RWMutex
	closed    bool

	// writeMu serializes write transactions from begin to commit.
	writeMu sync.Mutex
	seq     atomic.Uint64

	watches *watch.Registry
	metrics *metrics.Metrics
}

// Open wraps medium and restores the last commit sequence from it.
func Open(medium db.KVStore, opts ...Option) (*Store, error) {
	s := &Store{medium: medium}
	for _, opt := range opts {
		opt(s)
	}

	raw, err := medium.Get(seqKey)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("%w: read commit sequence: %w", ErrStorageIO, err)
	default:
		if len(raw) != 8 {
			return nil, fmt.Errorf("%w: corrupt commit sequence %x", ErrStorageIO, raw)
		}
		s.seq.Store(binary.BigEndian.Uint64(raw))
	}

	s.watches = watch.NewRegistry(watch.WithLastSeq(s.seq.Load()), watch.WithMetrics(s.metrics))

	log.Storage.Info().Uint64("seq", s.seq.Load()).Msg("store opened")
	return s, nil
}

// Watches returns the registry notified after every commit.
func (s *Store) Watches() *watch.Registry {
	return s.watches
}

// Seq returns the sequence number of the last commit.
func (s *Store) Seq() uint64 {
	return s.seq.Load()
}

// Close waits for running transactions, drops all watch subscriptions and
// closes the medium.
func (s *Store) Close() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.watches.Close()

	log.Storage.Info().Uint64("seq", s.seq.Load()).Msg("store closed")
	return s.medium.Close()
}

func (s *Store) acquire() error {
	s.lifecycle.RLock()
	if s.closed {
		s.lifecycle.RUnlock()
		return ErrClosed
	}
	return nil
}

func (s *Store) release() {
	s.lifecycle.RUnlock()
}

// Read runs fn against a snapshot of the committed state. The snapshot is
// always discarded; reads never wait for writers.
func (s *Store) Read(fn func(tx *ReadTx) error) (err error) {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	snap := s.medium.NewSnapshot()
	tx := &ReadTx{reader: newReader(snap)}
	defer func() {
		err = multierr.Append(err, tx.finish())
		err = multierr.Append(err, snap.Close())
	}()

	return fn(tx)
}

// Write runs fn in a write transaction and commits it when fn returns nil.
// If fn fails or panics nothing is applied. Write transactions run one at a
// time, so calling Write from inside fn deadlocks.
func (s *Store) Write(fn func(tx *WriteTx) error) (err error) {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	batch := s.medium.NewBatch()
	tx := &WriteTx{
		reader:  newReader(batch),
		batch:   batch,
		changes: make(map[string]watch.Change),
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.finish()
			_ = batch.Close()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		return multierr.Combine(err, tx.finish(), batch.Close())
	}
	if err := tx.finish(); err != nil {
		return multierr.Append(err, batch.Close())
	}

	return s.commit(tx)
}

func (s *Store) commit(tx *WriteTx) error {
	if len(tx.changes) == 0 {
		return tx.batch.Close()
	}

	seq := s.seq.Load() + 1
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], seq)
	if err := tx.batch.Put(seqKey, raw[:]); err != nil {
		return s.failCommit(tx, err)
	}

	start := time.Now()
	if err := tx.batch.Commit(); err != nil {
		return s.failCommit(tx, err)
	}
	s.seq.Store(seq)
	s.metrics.ObserveCommit(time.Since(start), len(tx.changes))

	changes := tx.changeList()
	log.Storage.Debug().Uint64("seq", seq).Int("changes", len(changes)).Msg("committed")

	s.watches.Notify(seq, changes)
	return nil
}

func (s *Store) failCommit(tx *WriteTx, cause error) error {
	s.metrics.CommitFailed()
	log.Storage.Error().Err(cause).Uint64("seq", s.seq.Load()+1).Msg("commit failed")
	return multierr.Append(fmt.Errorf("%w: commit: %w", ErrStorageIO, cause), tx.batch.Close())
}

// ReadValue is Read for functions that produce a result.
func ReadValue[R any](s *Store, fn func(tx *ReadTx) (R, error)) (R, error) {
	var res R
	err := s.Read(func(tx *ReadTx) error {
		var err error
		res, err = fn(tx)
		return err
	})
	return res, err
}

// WriteValue is Write for functions that produce a result. The result is
// only returned if the commit succeeded.
func WriteValue[R any](s *Store, fn func(tx *WriteTx) (R, error)) (R, error) {
	var res R
	err := s.Write(func(tx *WriteTx) error {
		var err error
		res, err = fn(tx)
		return err
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return res, nil
}

func dataKey(k keys.Key) []byte {
	return k.Encode(append(make([]byte, 0, 32), prefixData))
}

func sortChanges(changes []watch.Change) {
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Key.Compare(changes[j].Key) < 0
	})
}
