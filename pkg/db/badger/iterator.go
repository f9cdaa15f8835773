package badger

import (
	"bytes"
	"sort"

	"github.com/dgraph-io/badger/v3"

	"github.com/eigerco/cartridge/pkg/db"
)

type entry struct {
	key, value []byte
}

// Iterator walks a copy of the range taken when it was created. Badger
// allows a single open iterator per read-write transaction, so ranges are
// read eagerly and the badger iterator is closed right away.
type Iterator struct {
	entries    []entry
	pos        int
	positioned bool
}

func scan(txn *badger.Txn, start, end []byte) (db.Iterator, error) {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var entries []entry
	for it.Seek(start); it.Valid(); it.Next() {
		item := it.Item()
		if end != nil && bytes.Compare(item.Key(), end) >= 0 {
			break
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry{key: item.KeyCopy(nil), value: val})
	}
	return &Iterator{entries: entries}, nil
}

func (it *Iterator) Next() bool {
	if !it.positioned {
		it.positioned = true
		it.pos = 0
		return it.Valid()
	}
	if !it.Valid() {
		return false
	}
	it.pos++
	return it.Valid()
}

func (it *Iterator) Prev() bool {
	if !it.positioned {
		return it.Last()
	}
	if !it.Valid() {
		return false
	}
	it.pos--
	return it.Valid()
}

func (it *Iterator) SeekGE(key []byte) bool {
	it.positioned = true
	it.pos = sort.Search(len(it.entries), func(i int) bool {
		return bytes.Compare(it.entries[i].key, key) >= 0
	})
	return it.Valid()
}

func (it *Iterator) Last() bool {
	it.positioned = true
	it.pos = len(it.entries) - 1
	return it.Valid()
}

func (it *Iterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return append([]byte(nil), it.entries[it.pos].key...)
}

func (it *Iterator) Value() ([]byte, error) {
	if !it.Valid() {
		return nil, ErrIteratorInvalid
	}
	return append([]byte(nil), it.entries[it.pos].value...), nil
}

func (it *Iterator) Valid() bool {
	return it.positioned && it.pos >= 0 && it.pos < len(it.entries)
}

func (it *Iterator) Close() error {
	it.entries = nil
	return nil
}
