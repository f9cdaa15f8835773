// Package dbtest holds the behaviour every db.KVStore medium must share. The
// storage engine relies on each of these cases.
package dbtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/cartridge/pkg/db"
)

// Opener returns a fresh, empty store. The suite closes it.
type Opener func(t *testing.T) db.KVStore

// Run exercises store under every case of the suite.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, store db.KVStore)
	}{
		{name: "batch_commit", fn: testBatchCommit},
		{name: "batch_done_guards", fn: testBatchDoneGuards},
		{name: "batch_read_own_writes", fn: testBatchReadOwnWrites},
		{name: "batch_discard", fn: testBatchDiscard},
		{name: "snapshot_isolation", fn: testSnapshotIsolation},
		{name: "snapshot_close", fn: testSnapshotClose},
		{name: "bounded_iteration", fn: testBoundedIteration},
		{name: "iterator_validity", fn: testIteratorValidity},
		{name: "reverse_and_seek", fn: testReverseAndSeek},
		{name: "nested_batch_iterators", fn: testNestedBatchIterators},
		{name: "closed_store", fn: testClosedStore},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := open(t)
			defer store.Close() //nolint:errcheck

			tc.fn(t, store)
		})
	}
}

// Commit writes pairs of key, value in one batch.
func Commit(t *testing.T, store db.KVStore, kv ...string) {
	t.Helper()
	require.Zero(t, len(kv)%2, "odd number of key/value arguments")

	batch := store.NewBatch()
	defer batch.Close() //nolint:errcheck
	for i := 0; i < len(kv); i += 2 {
		require.NoError(t, batch.Put([]byte(kv[i]), []byte(kv[i+1])))
	}
	require.NoError(t, batch.Commit())
}

func collectKeys(t *testing.T, it db.Iterator) []string {
	t.Helper()
	var out []string
	for it.Next() {
		out = append(out, string(it.Key()))
	}
	return out
}

func testBatchCommit(t *testing.T, store db.KVStore) {
	batch := store.NewBatch()
	defer batch.Close() //nolint:errcheck

	require.NoError(t, batch.Put([]byte("key1"), []byte("value1")))
	require.NoError(t, batch.Put([]byte("key2"), []byte("value2")))
	require.NoError(t, batch.Put([]byte("key3"), []byte("value3")))
	require.NoError(t, batch.Delete([]byte("key2")))
	// deleting an absent key is not an error
	require.NoError(t, batch.Delete([]byte("missing")))
	require.NoError(t, batch.Commit())

	val, err := store.Get([]byte("key1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value1"), val)

	_, err = store.Get([]byte("key2"))
	assert.ErrorIs(t, err, db.ErrNotFound)

	val, err = store.Get([]byte("key3"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value3"), val)
}

func testBatchDoneGuards(t *testing.T, store db.KVStore) {
	batch := store.NewBatch()
	require.NoError(t, batch.Put([]byte("key"), []byte("value")))
	require.NoError(t, batch.Commit())

	assert.ErrorIs(t, batch.Put([]byte("key2"), nil), db.ErrBatchDone)
	assert.ErrorIs(t, batch.Delete([]byte("key2")), db.ErrBatchDone)
	assert.ErrorIs(t, batch.Commit(), db.ErrBatchDone)
	_, err := batch.Get([]byte("key"))
	assert.ErrorIs(t, err, db.ErrBatchDone)
	_, err = batch.NewIterator(nil, nil)
	assert.ErrorIs(t, err, db.ErrBatchDone)

	assert.NoError(t, batch.Close())
	assert.NoError(t, batch.Close())
}

func testBatchReadOwnWrites(t *testing.T, store db.KVStore) {
	Commit(t, store, "a", "committed")

	batch := store.NewBatch()
	defer batch.Close() //nolint:errcheck
	require.NoError(t, batch.Put([]byte("b"), []byte("staged")))
	require.NoError(t, batch.Delete([]byte("a")))

	val, err := batch.Get([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("staged"), val)
	_, err = batch.Get([]byte("a"))
	assert.ErrorIs(t, err, db.ErrNotFound)

	// not visible outside the batch before commit
	_, err = store.Get([]byte("b"))
	assert.ErrorIs(t, err, db.ErrNotFound)

	it, err := batch.NewIterator(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, collectKeys(t, it))
	require.NoError(t, it.Close())
}

func testBatchDiscard(t *testing.T, store db.KVStore) {
	batch := store.NewBatch()
	require.NoError(t, batch.Put([]byte("key"), []byte("value")))
	require.NoError(t, batch.Close())

	_, err := store.Get([]byte("key"))
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.ErrorIs(t, batch.Commit(), db.ErrBatchDone)
}

func testSnapshotIsolation(t *testing.T, store db.KVStore) {
	Commit(t, store, "k1", "before")

	snap := store.NewSnapshot()
	defer snap.Close() //nolint:errcheck

	Commit(t, store, "k1", "after", "k2", "new")

	val, err := snap.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("before"), val)
	_, err = snap.Get([]byte("k2"))
	assert.ErrorIs(t, err, db.ErrNotFound)

	it, err := snap.NewIterator(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1"}, collectKeys(t, it))
	require.NoError(t, it.Close())

	val, err = store.Get([]byte("k2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), val)
}

func testSnapshotClose(t *testing.T, store db.KVStore) {
	snap := store.NewSnapshot()
	require.NoError(t, snap.Close())
	require.NoError(t, snap.Close())

	_, err := snap.Get([]byte("k"))
	assert.ErrorIs(t, err, db.ErrClosed)
	_, err = snap.NewIterator(nil, nil)
	assert.ErrorIs(t, err, db.ErrClosed)
}

func testBoundedIteration(t *testing.T, store db.KVStore) {
	Commit(t, store, "a", "va", "b1", "vb1", "b2", "vb2", "b3", "vb3", "c", "vc")

	it, err := store.NewIterator([]byte("b"), []byte("c"))
	require.NoError(t, err)
	defer it.Close() //nolint:errcheck

	var pairs []string
	for it.Next() {
		v, err := it.Value()
		require.NoError(t, err)
		pairs = append(pairs, string(it.Key())+"="+string(v))
	}
	assert.Equal(t, []string{"b1=vb1", "b2=vb2", "b3=vb3"}, pairs)

	// exhausted iterators stay exhausted
	assert.False(t, it.Next())
	assert.False(t, it.Valid())
	_, err = it.Value()
	assert.ErrorIs(t, err, db.ErrIteratorInvalid)
}

func testIteratorValidity(t *testing.T, store db.KVStore) {
	Commit(t, store, "key1", "value1", "key2", "value2")

	it, err := store.NewIterator(nil, nil)
	require.NoError(t, err)
	defer it.Close() //nolint:errcheck

	// not positioned until the first move
	assert.False(t, it.Valid())

	require.True(t, it.Next())
	assert.Equal(t, []byte("key1"), it.Key())
	require.True(t, it.Next())
	val, err := it.Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("value2"), val)

	assert.False(t, it.Next())
	assert.Nil(t, it.Key())
}

func testReverseAndSeek(t *testing.T, store db.KVStore) {
	Commit(t, store, "a", "va", "b", "vb", "c", "vc", "d", "vd")

	it, err := store.NewIterator([]byte("a"), []byte("d"))
	require.NoError(t, err)
	defer it.Close() //nolint:errcheck

	var keys []string
	for it.Prev() {
		keys = append(keys, string(it.Key()))
	}
	assert.Equal(t, []string{"c", "b", "a"}, keys)
	assert.False(t, it.Prev())

	require.True(t, it.SeekGE([]byte("bb")))
	assert.Equal(t, []byte("c"), it.Key())
	require.True(t, it.Prev())
	assert.Equal(t, []byte("b"), it.Key())

	require.True(t, it.Last())
	assert.Equal(t, []byte("c"), it.Key())
	assert.False(t, it.SeekGE([]byte("z")))
	assert.False(t, it.Next())
	require.True(t, it.Last())
	assert.Equal(t, []byte("c"), it.Key())
}

func testNestedBatchIterators(t *testing.T, store db.KVStore) {
	batch := store.NewBatch()
	defer batch.Close() //nolint:errcheck
	require.NoError(t, batch.Put([]byte("a"), []byte("1")))
	require.NoError(t, batch.Put([]byte("b"), []byte("2")))

	outer, err := batch.NewIterator(nil, nil)
	require.NoError(t, err)
	inner, err := batch.NewIterator(nil, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, collectKeys(t, outer))
	assert.Equal(t, []string{"a", "b"}, collectKeys(t, inner))
	require.NoError(t, outer.Close())
	require.NoError(t, inner.Close())
}

func testClosedStore(t *testing.T, store db.KVStore) {
	Commit(t, store, "k", "v")
	open := store.NewBatch()
	defer open.Close() //nolint:errcheck

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err := store.Get([]byte("k"))
	assert.ErrorIs(t, err, db.ErrClosed)
	_, err = store.NewIterator(nil, nil)
	assert.ErrorIs(t, err, db.ErrClosed)

	// a batch opened before close cannot commit after it
	assert.ErrorIs(t, open.Put([]byte("k"), []byte("v2")), db.ErrClosed)
	assert.ErrorIs(t, open.Commit(), db.ErrClosed)

	batch := store.NewBatch()
	assert.ErrorIs(t, batch.Put([]byte("k"), nil), db.ErrClosed)
	assert.ErrorIs(t, batch.Commit(), db.ErrClosed)
	assert.NoError(t, batch.Close())

	snap := store.NewSnapshot()
	_, err = snap.Get([]byte("k"))
	assert.ErrorIs(t, err, db.ErrClosed)
	assert.NoError(t, snap.Close())
}
