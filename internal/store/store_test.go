package store

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/cartridge/internal/keys"
	"github.com/eigerco/cartridge/internal/watch"
	"github.com/eigerco/cartridge/pkg/db"
	"github.com/eigerco/cartridge/pkg/db/badger"
	"github.com/eigerco/cartridge/pkg/db/pebble"
)

var errInjected = errors.New("injected commit failure")

// faultyMedium fails batch commits while failCommits is set.
type faultyMedium struct {
	db.KVStore
	failCommits atomic.Bool
}

func (f *faultyMedium) NewBatch() db.Batch {
	return &faultyBatch{Batch: f.KVStore.NewBatch(), medium: f}
}

type faultyBatch struct {
	db.Batch
	medium *faultyMedium
}

func (b *faultyBatch) Commit() error {
	if b.medium.failCommits.Load() {
		return errInjected
	}
	return b.Batch.Commit()
}

var media = map[string]func() (db.KVStore, error){
	"pebble": func() (db.KVStore, error) { return pebble.NewKVStore() },
	"badger": func() (db.KVStore, error) { return badger.NewKVStore("") },
}

func newMedium(t *testing.T, engine string) *faultyMedium {
	t.Helper()
	kv, err := media[engine]()
	require.NoError(t, err)
	return &faultyMedium{KVStore: kv}
}

func openStore(t *testing.T) (*Store, *faultyMedium) {
	return openStoreOn(t, "pebble")
}

func openStoreOn(t *testing.T, engine string) (*Store, *faultyMedium) {
	t.Helper()
	medium := newMedium(t, engine)
	s, err := Open(medium)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s, medium
}

func put(t *testing.T, s *Store, value string, key ...string) {
	t.Helper()
	require.NoError(t, s.Write(func(tx *WriteTx) error {
		return tx.Put(keys.New(key...), []byte(value))
	}))
}

func get(t *testing.T, s *Store, key ...string) (string, error) {
	t.Helper()
	v, err := ReadValue(s, func(tx *ReadTx) ([]byte, error) {
		return tx.Get(keys.New(key...))
	})
	return string(v), err
}

func collect(t *testing.T, it *Iterator) []string {
	t.Helper()
	var out []string
	for ; !it.Done(); it.Next() {
		out = append(out, it.Key().Last()+"="+string(it.Value()))
	}
	require.NoError(t, it.Err())
	return out
}

func TestStore(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s *Store, medium *faultyMedium)
	}{
		{name: "put_get", fn: testPutGet},
		{name: "read_own_writes", fn: testReadOwnWrites},
		{name: "error_rolls_back", fn: testErrorRollsBack},
		{name: "panic_rolls_back", fn: testPanicRollsBack},
		{name: "failed_commit_is_atomic", fn: testFailedCommitIsAtomic},
		{name: "snapshot_isolation", fn: testSnapshotIsolation},
		{name: "iteration_order", fn: testIterationOrder},
		{name: "reverse_iterator_from", fn: testReverseIteratorFrom},
		{name: "prefix_families_do_not_bleed", fn: testPrefixFamilies},
		{name: "delete_prefix", fn: testDeletePrefix},
		{name: "trim_to_size", fn: testTrimToSize},
		{name: "tx_used_after_finish", fn: testTxUsedAfterFinish},
		{name: "invalid_keys", fn: testInvalidKeys},
		{name: "commit_notifies_watchers", fn: testCommitNotifiesWatchers},
		{name: "read_only_write_is_silent", fn: testReadOnlyWriteIsSilent},
	}

	for engine := range media {
		for _, tc := range tests {
			t.Run(engine+"/"+tc.name, func(t *testing.T) {
				s, medium := openStoreOn(t, engine)
				tc.fn(t, s, medium)
			})
		}
	}
}

func testPutGet(t *testing.T, s *Store, _ *faultyMedium) {
	put(t, s, "alice", "users", "1")

	v, err := get(t, s, "users", "1")
	require.NoError(t, err)
	assert.Equal(t, "alice", v)

	_, err = get(t, s, "users", "2")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Write(func(tx *WriteTx) error {
		return tx.Delete(keys.New("users", "1"))
	}))
	_, err = get(t, s, "users", "1")
	assert.ErrorIs(t, err, ErrNotFound)

	// deleting an absent key is fine
	require.NoError(t, s.Write(func(tx *WriteTx) error {
		return tx.Delete(keys.New("users", "1"))
	}))
}

func testReadOwnWrites(t *testing.T, s *Store, _ *faultyMedium) {
	put(t, s, "old", "k", "a")

	require.NoError(t, s.Write(func(tx *WriteTx) error {
		require.NoError(t, tx.Put(keys.New("k", "b"), []byte("new")))
		require.NoError(t, tx.Delete(keys.New("k", "a")))

		v, err := tx.Get(keys.New("k", "b"))
		require.NoError(t, err)
		assert.Equal(t, "new", string(v))

		ok, err := tx.Exists(keys.New("k", "a"))
		require.NoError(t, err)
		assert.False(t, ok)

		n, err := tx.Size(keys.New("k"))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	}))
}

func testErrorRollsBack(t *testing.T, s *Store, _ *faultyMedium) {
	boom := errors.New("boom")
	err := s.Write(func(tx *WriteTx) error {
		require.NoError(t, tx.Put(keys.New("k"), []byte("v")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = get(t, s, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, s.Seq())
}

func testPanicRollsBack(t *testing.T, s *Store, _ *faultyMedium) {
	assert.PanicsWithValue(t, "boom", func() {
		_ = s.Write(func(tx *WriteTx) error {
			require.NoError(t, tx.Put(keys.New("k"), []byte("v")))
			panic("boom")
		})
	})

	_, err := get(t, s, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	// the writer lock was released
	put(t, s, "v", "k")
}

func testFailedCommitIsAtomic(t *testing.T, s *Store, medium *faultyMedium) {
	put(t, s, "1", "a")
	sub, err := s.Watches().Subscribe(keys.New())
	require.NoError(t, err)
	drain(t, sub)

	medium.failCommits.Store(true)
	err = s.Write(func(tx *WriteTx) error {
		require.NoError(t, tx.Put(keys.New("a"), []byte("2")))
		return tx.Put(keys.New("b"), []byte("2"))
	})
	require.ErrorIs(t, err, ErrStorageIO)
	assert.ErrorIs(t, err, errInjected)

	v, err := get(t, s, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
	_, err = get(t, s, "b")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.EqualValues(t, 1, s.Seq())
	_, ok := sub.TryNext()
	assert.False(t, ok)

	medium.failCommits.Store(false)
	put(t, s, "3", "a")
	assert.EqualValues(t, 2, s.Seq())
}

func testSnapshotIsolation(t *testing.T, s *Store, _ *faultyMedium) {
	put(t, s, "before", "k")

	require.NoError(t, s.Read(func(tx *ReadTx) error {
		put(t, s, "after", "k")
		put(t, s, "new", "other")

		v, err := tx.Get(keys.New("k"))
		require.NoError(t, err)
		assert.Equal(t, "before", string(v))

		ok, err := tx.Exists(keys.New("other"))
		require.NoError(t, err)
		assert.False(t, ok)

		seq, err := tx.Seq()
		require.NoError(t, err)
		assert.EqualValues(t, 1, seq)
		return nil
	}))

	v, err := get(t, s, "k")
	require.NoError(t, err)
	assert.Equal(t, "after", v)
}

func testIterationOrder(t *testing.T, s *Store, _ *faultyMedium) {
	require.NoError(t, s.Write(func(tx *WriteTx) error {
		for _, id := range []string{"c", "a", "d", "b"} {
			if err := tx.Put(keys.New("items", id), []byte(id)); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.Read(func(tx *ReadTx) error {
		it, err := tx.Iterator(keys.New("items"))
		require.NoError(t, err)
		assert.Equal(t, []string{"a=a", "b=b", "c=c", "d=d"}, collect(t, it))

		it, err = tx.ReverseIterator(keys.New("items"))
		require.NoError(t, err)
		assert.Equal(t, []string{"d=d", "c=c", "b=b", "a=a"}, collect(t, it))

		it, err = tx.IteratorFrom(keys.New("items"), "bb")
		require.NoError(t, err)
		assert.Equal(t, []string{"c=c", "d=d"}, collect(t, it))

		it, err = tx.Iterator(keys.New("missing"))
		require.NoError(t, err)
		assert.True(t, it.Done())
		return nil
	}))
}

func testReverseIteratorFrom(t *testing.T, s *Store, _ *faultyMedium) {
	require.NoError(t, s.Write(func(tx *WriteTx) error {
		for _, k := range []keys.Key{
			keys.New("items", "a"),
			keys.New("items", "b"),
			keys.New("items", "b", "x"),
			keys.New("items", "d"),
			keys.New("other", "a"),
		} {
			if err := tx.Put(k, []byte(k.Last())); err != nil {
				return err
			}
		}

		// staged writes are visible from inside the transaction
		it, err := tx.ReverseIteratorFrom(keys.New("items"), "c")
		require.NoError(t, err)
		assert.Equal(t, []string{"x=x", "b=b", "a=a"}, collect(t, it))
		return nil
	}))

	tests := []struct {
		seek     string
		expected []string
	}{
		{seek: "b", expected: []string{"b", "a"}},
		{seek: "bb", expected: []string{"x", "b", "a"}},
		{seek: "z", expected: []string{"d", "x", "b", "a"}},
		{seek: "0", expected: nil},
	}
	require.NoError(t, s.Read(func(tx *ReadTx) error {
		for _, tc := range tests {
			it, err := tx.ReverseIteratorFrom(keys.New("items"), tc.seek)
			require.NoError(t, err)
			var got []string
			for ; !it.Done(); it.Next() {
				got = append(got, it.Key().Last())
			}
			require.NoError(t, it.Err())
			assert.Equal(t, tc.expected, got, "seek %q", tc.seek)
		}
		return nil
	}))
}

func testPrefixFamilies(t *testing.T, s *Store, _ *faultyMedium) {
	put(t, s, "1", "user")
	put(t, s, "2", "users", "x")
	put(t, s, "3", "users", "x", "settings")
	put(t, s, "4", "users\x00", "y")
	put(t, s, "5", "usersx")

	n, err := ReadValue(s, func(tx *ReadTx) (int, error) {
		return tx.Size(keys.New("users"))
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = ReadValue(s, func(tx *ReadTx) (int, error) {
		return tx.Size(keys.New())
	})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func testDeletePrefix(t *testing.T, s *Store, _ *faultyMedium) {
	put(t, s, "1", "chat", "a")
	put(t, s, "2", "chat", "b")
	put(t, s, "3", "users", "a")

	n, err := WriteValue(s, func(tx *WriteTx) (int, error) {
		return tx.DeletePrefix(keys.New("chat"))
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = get(t, s, "users", "a")
	assert.NoError(t, err)
	_, err = get(t, s, "chat", "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testTrimToSize(t *testing.T, s *Store, _ *faultyMedium) {
	for i := 0; i < 15; i++ {
		require.NoError(t, s.Write(func(tx *WriteTx) error {
			if err := tx.Put(keys.New("chat", fmt.Sprintf("%04d", i)), []byte(fmt.Sprint(i))); err != nil {
				return err
			}
			_, err := TrimToSize(tx, keys.New("chat"), 10)
			return err
		}))
	}

	require.NoError(t, s.Read(func(tx *ReadTx) error {
		it, err := tx.Iterator(keys.New("chat"))
		require.NoError(t, err)
		var ids []string
		for ; !it.Done(); it.Next() {
			ids = append(ids, string(it.Value()))
		}
		assert.Equal(t, []string{"5", "6", "7", "8", "9", "10", "11", "12", "13", "14"}, ids)
		return nil
	}))

	_, err := WriteValue(s, func(tx *WriteTx) (int, error) {
		return TrimToSize(tx, keys.New("chat"), -1)
	})
	assert.ErrorIs(t, err, ErrInvalidLimit)
}

func testTxUsedAfterFinish(t *testing.T, s *Store, _ *faultyMedium) {
	var (
		leakedRead  *ReadTx
		leakedWrite *WriteTx
		leakedIter  *Iterator
	)
	put(t, s, "v", "k")

	require.NoError(t, s.Read(func(tx *ReadTx) error {
		leakedRead = tx
		var err error
		leakedIter, err = tx.Iterator(keys.New())
		return err
	}))
	require.NoError(t, s.Write(func(tx *WriteTx) error {
		leakedWrite = tx
		return nil
	}))

	_, err := leakedRead.Get(keys.New("k"))
	assert.ErrorIs(t, err, ErrTxDone)
	assert.ErrorIs(t, leakedWrite.Put(keys.New("k"), nil), ErrTxDone)
	assert.True(t, leakedIter.Done())
}

func testInvalidKeys(t *testing.T, s *Store, _ *faultyMedium) {
	err := s.Write(func(tx *WriteTx) error {
		return tx.Put(keys.New(), []byte("v"))
	})
	assert.ErrorIs(t, err, keys.ErrInvalidKey)

	huge := string(make([]byte, keys.MaxKeySize+1))
	err = s.Read(func(tx *ReadTx) error {
		_, err := tx.Iterator(keys.New(huge))
		return err
	})
	assert.ErrorIs(t, err, keys.ErrInvalidPrefix)
}

func drain(t *testing.T, sub *watch.Subscription) []watch.Event {
	t.Helper()
	var out []watch.Event
	for {
		ev, ok := sub.TryNext()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func testCommitNotifiesWatchers(t *testing.T, s *Store, _ *faultyMedium) {
	chat, err := s.Watches().Subscribe(keys.New("chat"))
	require.NoError(t, err)
	defer chat.Close()
	initial := drain(t, chat)
	require.Len(t, initial, 1)
	assert.True(t, initial[0].Initial)

	require.NoError(t, s.Write(func(tx *WriteTx) error {
		for _, k := range []keys.Key{
			keys.New("chat", "2"),
			keys.New("chat", "1"),
			keys.New("users", "x"),
		} {
			if err := tx.Put(k, []byte("v")); err != nil {
				return err
			}
		}
		return tx.Delete(keys.New("chat", "2"))
	}))

	select {
	case <-chat.Ready():
	case <-time.After(time.Second):
		t.Fatal("no event after commit")
	}
	events := drain(t, chat)
	require.Len(t, events, 1)
	assert.EqualValues(t, 1, events[0].Seq)
	assert.Equal(t, []watch.Change{
		{Key: keys.New("chat", "1")},
		{Key: keys.New("chat", "2"), Deleted: true},
	}, events[0].Changes)
}

func testReadOnlyWriteIsSilent(t *testing.T, s *Store, _ *faultyMedium) {
	sub, err := s.Watches().Subscribe(keys.New())
	require.NoError(t, err)
	defer sub.Close()
	drain(t, sub)

	require.NoError(t, s.Write(func(tx *WriteTx) error {
		_, err := tx.Exists(keys.New("k"))
		return err
	}))
	assert.Zero(t, s.Seq())
	assert.Empty(t, drain(t, sub))
}

func TestClosedStore(t *testing.T) {
	s, _ := openStore(t)
	sub, err := s.Watches().Subscribe(keys.New())
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Read(func(*ReadTx) error { return nil }), ErrClosed)
	assert.ErrorIs(t, s.Write(func(*WriteTx) error { return nil }), ErrClosed)

	select {
	case <-sub.Removed():
	case <-time.After(time.Second):
		t.Fatal("subscription survived close")
	}
}

func TestReopenRestoresSequence(t *testing.T) {
	dir := t.TempDir()

	kv, err := pebble.NewKVStore(pebble.WithPath(dir))
	require.NoError(t, err)
	s, err := Open(kv)
	require.NoError(t, err)
	put(t, s, "1", "k")
	put(t, s, "2", "k")
	require.NoError(t, s.Close())

	kv, err = pebble.NewKVStore(pebble.WithPath(dir))
	require.NoError(t, err)
	s, err = Open(kv)
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	assert.EqualValues(t, 2, s.Seq())
	assert.EqualValues(t, 2, s.Watches().LastSeq())
	v, err := get(t, s, "k")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}

func TestReopenBadgerRestoresSequence(t *testing.T) {
	dir := t.TempDir()

	kv, err := badger.NewKVStore(dir)
	require.NoError(t, err)
	s, err := Open(kv)
	require.NoError(t, err)
	put(t, s, "1", "k")
	put(t, s, "2", "k")
	put(t, s, "3", "j")
	require.NoError(t, s.Close())

	kv, err = badger.NewKVStore(dir)
	require.NoError(t, err)
	s, err = Open(kv)
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	assert.EqualValues(t, 3, s.Seq())
	v, err := get(t, s, "k")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}
