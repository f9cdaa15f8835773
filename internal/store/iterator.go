package store

import (
	"fmt"

	"github.com/eigerco/cartridge/internal/keys"
	"github.com/eigerco/cartridge/pkg/db"
)

// Iterator walks one prefix family in key order. It is positioned on its
// first entry when created:
//
//	for ; !it.Done(); it.Next() {
//		use(it.Key(), it.Value())
//	}
//	if err := it.Err(); err != nil { ... }
//
// Iterators still open when their transaction ends are closed by it.
type Iterator struct {
	it      db.Iterator
	reverse bool
	closed  bool

	key   keys.Key
	value []byte
	err   error
}

// Done reports whether the iterator is exhausted, closed or failed.
func (i *Iterator) Done() bool {
	return i.closed || i.err != nil || i.key == nil
}

// Key returns the current key, nil once Done.
func (i *Iterator) Key() keys.Key {
	return i.key
}

// Value returns the current value, nil once Done.
func (i *Iterator) Value() []byte {
	return i.value
}

// Next advances to the following entry in iteration order.
func (i *Iterator) Next() {
	if i.Done() {
		return
	}
	if i.reverse {
		i.load(i.it.Prev())
		return
	}
	i.load(i.it.Next())
}

// Err returns the first error met while iterating.
func (i *Iterator) Err() error {
	return i.err
}

func (i *Iterator) Close() error {
	if i.closed {
		return nil
	}
	i.closed = true
	i.key, i.value = nil, nil
	if err := i.it.Close(); err != nil {
		return fmt.Errorf("%w: close iterator: %w", ErrStorageIO, err)
	}
	return nil
}

func (i *Iterator) load(valid bool) {
	i.key, i.value = nil, nil
	if !valid {
		return
	}

	raw := i.it.Key()
	if len(raw) == 0 || raw[0] != prefixData {
		i.err = fmt.Errorf("%w: foreign key %#x in data range", ErrStorageIO, raw)
		return
	}
	k, err := keys.Decode(raw[1:])
	if err != nil {
		i.err = fmt.Errorf("%w: %w", ErrStorageIO, err)
		return
	}
	v, err := i.it.Value()
	if err != nil {
		i.err = fmt.Errorf("%w: %w", ErrStorageIO, err)
		return
	}
	i.key, i.value = k, v
}
