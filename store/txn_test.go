package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brineflow/kvindex/kvstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(kvstore.NewMemEngine(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDeleteRoundTrip(t *testing.T) {
	s := newTestStore(t)
	tree, err := s.TreeOpen("docs", TreeCreate, 0)
	require.NoError(t, err)

	tx, err := tree.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, tx.Commit())

	tx2, err := tree.Begin(false)
	require.NoError(t, err)
	v, ok, err := tx2.Get([]byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(v))
	require.NoError(t, tx2.Abort())

	tx3, err := tree.Begin(true)
	require.NoError(t, err)
	existed, err := tx3.Delete([]byte("k1"))
	require.NoError(t, err)
	require.True(t, existed)
	require.NoError(t, tx3.Commit())

	tx4, err := tree.Begin(false)
	require.NoError(t, err)
	_, ok, err = tx4.Get([]byte("k1"))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, tx4.Abort())
}

func TestUpdateRequiresExistingKey(t *testing.T) {
	s := newTestStore(t)
	tree, err := s.TreeOpen("docs", TreeCreate, 0)
	require.NoError(t, err)

	tx, err := tree.Begin(true)
	require.NoError(t, err)
	err = tx.Update([]byte("missing"), []byte("v"))
	require.Error(t, err)
	require.True(t, IsCode(err, NOT_FOUND))
	require.NoError(t, tx.Abort())
}

func TestReadOnlyTxnRejectsWrites(t *testing.T) {
	s := newTestStore(t)
	tree, err := s.TreeOpen("docs", TreeCreate, 0)
	require.NoError(t, err)

	tx, err := tree.Begin(false)
	require.NoError(t, err)
	defer tx.Abort()
	require.Error(t, tx.Put([]byte("k"), []byte("v")))
}

func TestAbortDiscardsWrites(t *testing.T) {
	s := newTestStore(t)
	tree, err := s.TreeOpen("docs", TreeCreate, 0)
	require.NoError(t, err)

	tx, err := tree.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("k"), []byte("v")))
	require.NoError(t, tx.Abort())

	tx2, err := tree.Begin(false)
	require.NoError(t, err)
	defer tx2.Abort()
	_, ok, err := tx2.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMergeDefaultsToOverwrite(t *testing.T) {
	s := newTestStore(t)
	tree, err := s.TreeOpen("docs", TreeCreate, 0)
	require.NoError(t, err)

	tx, err := tree.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.Merge([]byte("k"), []byte("first")))
	require.NoError(t, tx.Merge([]byte("k"), []byte("second")))
	require.NoError(t, tx.Commit())

	tx2, err := tree.Begin(false)
	require.NoError(t, err)
	defer tx2.Abort()
	v, ok, err := tx2.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "second", string(v))
}

func TestMergeUsesCustomMergeFn(t *testing.T) {
	s := newTestStore(t)
	tree, err := s.TreeOpen("docs", TreeCreate, 0)
	require.NoError(t, err)
	tree.SetMergeFn(func(_, old, newV []byte) []byte {
		return append(append([]byte(nil), old...), newV...)
	})

	tx, err := tree.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.Merge([]byte("k"), []byte("a")))
	require.NoError(t, tx.Merge([]byte("k"), []byte("b")))
	require.NoError(t, tx.Commit())

	tx2, err := tree.Begin(false)
	require.NoError(t, err)
	defer tx2.Abort()
	v, _, err := tx2.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "ab", string(v))
}

func TestModifyDispatchesInsertUpdateDelete(t *testing.T) {
	s := newTestStore(t)
	tree, err := s.TreeOpen("docs", TreeCreate, 0)
	require.NoError(t, err)

	tx, err := tree.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.Modify([]byte("k"), func(existing []byte, ok bool) ([]byte, bool) {
		require.False(t, ok)
		return []byte("inserted"), false
	}))
	require.NoError(t, tx.Commit())

	tx2, err := tree.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx2.Modify([]byte("k"), func(existing []byte, ok bool) ([]byte, bool) {
		require.True(t, ok)
		require.Equal(t, "inserted", string(existing))
		return []byte("updated"), false
	}))
	require.NoError(t, tx2.Commit())

	tx3, err := tree.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx3.Modify([]byte("k"), func(existing []byte, ok bool) ([]byte, bool) {
		return nil, true
	}))
	require.NoError(t, tx3.Commit())

	tx4, err := tree.Begin(false)
	require.NoError(t, err)
	defer tx4.Abort()
	_, ok, err := tx4.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func seedKeys(t *testing.T, tree *Tree, keys ...string) {
	t.Helper()
	tx, err := tree.Begin(true)
	require.NoError(t, err)
	for _, k := range keys {
		require.NoError(t, tx.Put([]byte(k), []byte(k)))
	}
	require.NoError(t, tx.Commit())
}

func TestScanRangeInclusiveBounds(t *testing.T) {
	s := newTestStore(t)
	tree, err := s.TreeOpen("docs", TreeCreate, 0)
	require.NoError(t, err)
	seedKeys(t, tree, "a", "b", "c", "d", "e")

	tx, err := tree.Begin(false)
	require.NoError(t, err)
	defer tx.Abort()

	var got []string
	require.NoError(t, tx.ScanRange([]byte("b"), []byte("d"), func(k, v []byte) bool {
		got = append(got, string(k))
		return true
	}))
	require.Equal(t, []string{"b", "c", "d"}, got)
}

func TestScanReverseWalksDescending(t *testing.T) {
	s := newTestStore(t)
	tree, err := s.TreeOpen("docs", TreeCreate, 0)
	require.NoError(t, err)
	seedKeys(t, tree, "a", "b", "c", "d", "e")

	tx, err := tree.Begin(false)
	require.NoError(t, err)
	defer tx.Abort()

	var got []string
	require.NoError(t, tx.ScanReverse([]byte("b"), []byte("d"), func(k, v []byte) bool {
		got = append(got, string(k))
		return true
	}))
	require.Equal(t, []string{"d", "c", "b"}, got)
}

func TestScanPrefixStopsAtMismatch(t *testing.T) {
	s := newTestStore(t)
	tree, err := s.TreeOpen("docs", TreeCreate, 0)
	require.NoError(t, err)
	seedKeys(t, tree, "user:1", "user:2", "zzz")

	tx, err := tree.Begin(false)
	require.NoError(t, err)
	defer tx.Abort()

	var got []string
	require.NoError(t, tx.ScanPrefix([]byte("user:"), func(k, v []byte) bool {
		got = append(got, string(k))
		return true
	}))
	require.Equal(t, []string{"user:1", "user:2"}, got)
}

func TestDeleteIfRemovesMatching(t *testing.T) {
	s := newTestStore(t)
	tree, err := s.TreeOpen("docs", TreeCreate, 0)
	require.NoError(t, err)
	seedKeys(t, tree, "a", "b", "c", "d")

	tx, err := tree.Begin(true)
	require.NoError(t, err)
	n, err := tx.DeleteIf(nil, nil, func(k, v []byte) bool {
		return string(k) == "b" || string(k) == "c"
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, tx.Commit())

	tx2, err := tree.Begin(false)
	require.NoError(t, err)
	defer tx2.Abort()
	var remaining []string
	require.NoError(t, tx2.ScanRange(nil, nil, func(k, v []byte) bool {
		remaining = append(remaining, string(k))
		return true
	}))
	require.Equal(t, []string{"a", "d"}, remaining)
}

func TestCollectRangeRespectsMaxCount(t *testing.T) {
	s := newTestStore(t)
	tree, err := s.TreeOpen("docs", TreeCreate, 0)
	require.NoError(t, err)
	seedKeys(t, tree, "a", "b", "c", "d")

	tx, err := tree.Begin(false)
	require.NoError(t, err)
	defer tx.Abort()

	keys, values, err := tx.CollectRange(nil, nil, nil, 2)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Len(t, values, 2)
}
