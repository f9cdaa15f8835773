package pebble

import (
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/eigerco/cartridge/pkg/db"
)

type iterSource interface {
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

type Iterator struct {
	iter *pebble.Iterator
	// positioned is false until the first Next/Prev/Seek call so that an
	// exhausted iterator does not silently restart from the beginning.
	positioned bool
}

func (p *KVStore) NewIterator(start, end []byte) (db.Iterator, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	return newIterator(p.db, start, end)
}

func newIterator(src iterSource, start, end []byte) (db.Iterator, error) {
	iter, err := src.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: end,
	})
	if err != nil {
		return nil, fmt.Errorf(ErrInIteratorCreation, err)
	}
	return &Iterator{iter: iter}, nil
}

func (it *Iterator) Next() bool {
	// If the iterator is un-positioned, position it at the first key
	if !it.positioned {
		it.positioned = true
		return it.iter.First()
	}
	if !it.iter.Valid() {
		return false
	}
	return it.iter.Next()
}

func (it *Iterator) Prev() bool {
	if !it.positioned {
		it.positioned = true
		return it.iter.Last()
	}
	if !it.iter.Valid() {
		return false
	}
	return it.iter.Prev()
}

func (it *Iterator) SeekGE(key []byte) bool {
	it.positioned = true
	return it.iter.SeekGE(key)
}

func (it *Iterator) Last() bool {
	it.positioned = true
	return it.iter.Last()
}

func (it *Iterator) Key() []byte {
	if !it.iter.Valid() {
		return nil
	}
	key := it.iter.Key()
	result := make([]byte, len(key))
	copy(result, key)
	return result
}

func (it *Iterator) Value() ([]byte, error) {
	if !it.iter.Valid() {
		return nil, ErrIteratorInvalid
	}

	val, err := it.iter.ValueAndErr()
	if err != nil {
		return nil, fmt.Errorf(ErrIteratorValue, err)
	}

	result := make([]byte, len(val))
	copy(result, val)
	return result, nil
}

func (it *Iterator) Valid() bool {
	return it.iter.Valid()
}

func (it *Iterator) Close() error {
	return it.iter.Close()
}
