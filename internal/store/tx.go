package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/eigerco/cartridge/internal/keys"
	"github.com/eigerco/cartridge/internal/watch"
	"github.com/eigerco/cartridge/pkg/db"
)

// Reader is the read surface shared by read and write transactions.
type Reader interface {
	Get(key keys.Key) ([]byte, error)
	Exists(key keys.Key) (bool, error)
	Size(prefix keys.Key) (int, error)
	Iterator(prefix keys.Key) (*Iterator, error)
	IteratorFrom(prefix keys.Key, seek string) (*Iterator, error)
	ReverseIterator(prefix keys.Key) (*Iterator, error)
	ReverseIteratorFrom(prefix keys.Key, seek string) (*Iterator, error)
	Seq() (uint64, error)
}

var (
	_ Reader = (*ReadTx)(nil)
	_ Reader = (*WriteTx)(nil)
)

// ReadTx is a snapshot view of the committed state.
type ReadTx struct {
	reader
}

// WriteTx sees its own staged writes on top of the state committed before it
// began. Nothing it stages is visible to others until commit.
type WriteTx struct {
	reader
	batch   db.Batch
	changes map[string]watch.Change
}

type reader struct {
	r     db.Reader
	done  atomic.Bool
	iters []*Iterator
}

func newReader(r db.Reader) reader {
	return reader{r: r}
}

// finish marks the transaction done and closes iterators left open.
func (rd *reader) finish() error {
	rd.done.Store(true)
	var err error
	for _, it := range rd.iters {
		err = multierr.Append(err, it.Close())
	}
	rd.iters = nil
	return err
}

func (rd *reader) check() error {
	if rd.done.Load() {
		return ErrTxDone
	}
	return nil
}

// Get returns the value of key or ErrNotFound.
func (rd *reader) Get(key keys.Key) ([]byte, error) {
	if err := rd.check(); err != nil {
		return nil, err
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	val, err := rd.r.Get(dataKey(key))
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", ErrStorageIO, key, err)
	}
	return val, nil
}

func (rd *reader) Exists(key keys.Key) (bool, error) {
	_, err := rd.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Size counts the keys under prefix.
func (rd *reader) Size(prefix keys.Key) (int, error) {
	it, err := rd.Iterator(prefix)
	if err != nil {
		return 0, err
	}
	defer it.Close() //nolint:errcheck // closed again by finish

	n := 0
	for ; !it.Done(); it.Next() {
		n++
	}
	return n, it.Err()
}

// Iterator walks the keys under prefix in ascending order.
func (rd *reader) Iterator(prefix keys.Key) (*Iterator, error) {
	return rd.newIterator(prefix, nil, false)
}

// IteratorFrom walks the keys under prefix in ascending order, starting at
// the first key >= prefix + [seek].
func (rd *reader) IteratorFrom(prefix keys.Key, seek string) (*Iterator, error) {
	return rd.newIterator(prefix, dataKey(prefix.Append(seek)), false)
}

// ReverseIterator walks the keys under prefix in descending order.
func (rd *reader) ReverseIterator(prefix keys.Key) (*Iterator, error) {
	return rd.newIterator(prefix, nil, true)
}

// ReverseIteratorFrom walks the keys under prefix in descending order,
// starting at the last key <= prefix + [seek]. Keys nested below
// prefix + [seek] sort after it and are skipped.
func (rd *reader) ReverseIteratorFrom(prefix keys.Key, seek string) (*Iterator, error) {
	return rd.newIterator(prefix, dataKey(prefix.Append(seek)), true)
}

func (rd *reader) newIterator(prefix keys.Key, seek []byte, reverse bool) (*Iterator, error) {
	if err := rd.check(); err != nil {
		return nil, err
	}
	if err := prefix.ValidatePrefix(); err != nil {
		return nil, err
	}

	start, end := prefix.Span(dataNamespace)
	it, err := rd.r.NewIterator(start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: iterate %s: %w", ErrStorageIO, prefix, err)
	}

	iter := &Iterator{it: it, reverse: reverse}
	switch {
	case seek != nil && reverse:
		iter.load(seekLE(it, seek))
	case seek != nil:
		iter.load(it.SeekGE(seek))
	case reverse:
		iter.load(it.Last())
	default:
		iter.load(it.Next())
	}
	rd.iters = append(rd.iters, iter)
	return iter, nil
}

// seekLE positions it on the last key <= seek.
func seekLE(it db.Iterator, seek []byte) bool {
	if !it.SeekGE(seek) {
		return it.Last()
	}
	if bytes.Equal(it.Key(), seek) {
		return true
	}
	return it.Prev()
}

// Seq returns the sequence number of the last commit visible to the
// transaction.
func (rd *reader) Seq() (uint64, error) {
	if err := rd.check(); err != nil {
		return 0, err
	}
	raw, err := rd.r.Get(seqKey)
	if errors.Is(err, db.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read commit sequence: %w", ErrStorageIO, err)
	}
	return binary.BigEndian.Uint64(raw), nil
}

// Put stages an upsert of key.
func (tx *WriteTx) Put(key keys.Key, value []byte) error {
	if err := tx.check(); err != nil {
		return err
	}
	if err := key.Validate(); err != nil {
		return err
	}
	dk := dataKey(key)
	if err := tx.batch.Put(dk, value); err != nil {
		return fmt.Errorf("%w: put %s: %w", ErrStorageIO, key, err)
	}
	tx.changes[string(dk)] = watch.Change{Key: append(keys.Key(nil), key...)}
	return nil
}

// Delete stages a tombstone for key. Deleting an absent key is not an error.
func (tx *WriteTx) Delete(key keys.Key) error {
	if err := tx.check(); err != nil {
		return err
	}
	if err := key.Validate(); err != nil {
		return err
	}
	dk := dataKey(key)
	if err := tx.batch.Delete(dk); err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrStorageIO, key, err)
	}
	tx.changes[string(dk)] = watch.Change{Key: append(keys.Key(nil), key...), Deleted: true}
	return nil
}

// DeletePrefix deletes every key under prefix and returns how many there were.
func (tx *WriteTx) DeletePrefix(prefix keys.Key) (int, error) {
	it, err := tx.Iterator(prefix)
	if err != nil {
		return 0, err
	}
	var doomed []keys.Key
	for ; !it.Done(); it.Next() {
		doomed = append(doomed, it.Key())
	}
	if err := multierr.Append(it.Err(), it.Close()); err != nil {
		return 0, err
	}

	for _, k := range doomed {
		if err := tx.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(doomed), nil
}

func (tx *WriteTx) changeList() []watch.Change {
	out := make([]watch.Change, 0, len(tx.changes))
	for _, c := range tx.changes {
		out = append(out, c)
	}
	sortChanges(out)
	return out
}
