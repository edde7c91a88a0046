package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brineflow/kvindex/kvstore"
)

func TestEncodeDecodeIndexRecordRoundTrip(t *testing.T) {
	rec := indexRecord{extractorID: EncodeExtractorID(1, 2), unique: true, sparse: false, userData: []byte("hello")}
	decoded, err := decodeIndexRecord(encodeIndexRecord(rec))
	require.NoError(t, err)
	require.Equal(t, rec.extractorID, decoded.extractorID)
	require.Equal(t, rec.unique, decoded.unique)
	require.Equal(t, rec.sparse, decoded.sparse)
	require.Equal(t, rec.userData, decoded.userData)
}

func TestDecodeIndexRecordRejectsShortHeader(t *testing.T) {
	_, err := decodeIndexRecord([]byte{1, 2, 3})
	require.Error(t, err)
	require.True(t, IsCode(err, EINVAL))
}

func TestDecodeIndexRecordRejectsOverrunLength(t *testing.T) {
	buf := encodeIndexRecord(indexRecord{extractorID: 1})
	// Corrupt the user_data_len field to claim more bytes than present.
	buf[12] = 0xFF
	buf[13] = 0xFF
	_, err := decodeIndexRecord(buf)
	require.Error(t, err)
	require.True(t, IsCode(err, EINVAL))
}

func TestEncodeDecodeExtractorID(t *testing.T) {
	id := EncodeExtractorID(7, 42)
	major, minor := DecodeExtractorID(id)
	require.Equal(t, uint32(7), major)
	require.Equal(t, uint32(42), minor)
}

func TestPersistedIndexAutoAttachesOnReopen(t *testing.T) {
	s := newTestStore(t)
	s.RegisterKeyExtractor(EncodeExtractorID(1, 0), FlagUnique, valueOwnerExtractor)

	tree, err := s.TreeOpen("docs", TreeCreate, 0)
	require.NoError(t, err)
	require.NoError(t, tree.AddIndex(IndexConfig{
		Name:        "by_owner",
		ExtractorID: EncodeExtractorID(1, 0),
		Unique:      true,
		Extract:     valueOwnerExtractor,
		Persist:     true,
	}))
	tx, err := tree.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("doc1"), []byte("alice")))
	require.NoError(t, tx.Commit())
	tree.Close()

	reopened, err := s.TreeOpen("docs", 0, 0)
	require.NoError(t, err)
	require.Contains(t, reopened.IndexNames(), "by_owner")

	rtx, err := reopened.Begin(false)
	require.NoError(t, err)
	defer rtx.Abort()
	var hits []string
	require.NoError(t, rtx.IndexSeek("by_owner", []byte("alice"), func(pk []byte) bool {
		hits = append(hits, string(pk))
		return true
	}))
	require.Equal(t, []string{"doc1"}, hits)
}

func TestPersistedIndexSkippedWhenExtractorUnregistered(t *testing.T) {
	engine := kvstore.NewMemEngine()
	s, err := Open(engine, Options{})
	require.NoError(t, err)
	s.RegisterKeyExtractor(EncodeExtractorID(1, 0), FlagUnique, valueOwnerExtractor)

	tree, err := s.TreeOpen("docs", TreeCreate, 0)
	require.NoError(t, err)
	require.NoError(t, tree.AddIndex(IndexConfig{
		Name:        "by_owner",
		ExtractorID: EncodeExtractorID(1, 0),
		Unique:      true,
		Extract:     valueOwnerExtractor,
		Persist:     true,
	}))
	tree.Close()

	// A fresh Store over the same engine, with no extractor registered,
	// models reopening the store in a process that never registered it.
	s2, err := Open(engine, Options{})
	require.NoError(t, err)
	reopened, err := s2.TreeOpen("docs", 0, 0)
	require.NoError(t, err)
	require.NotContains(t, reopened.IndexNames(), "by_owner")
}

func TestTreeOpenReusesHandleAndBumpsRefCount(t *testing.T) {
	s := newTestStore(t)
	t1, err := s.TreeOpen("docs", TreeCreate, 0)
	require.NoError(t, err)
	t2, err := s.TreeOpen("docs", 0, 0)
	require.NoError(t, err)
	require.Same(t, t1, t2)
}

func TestTreeDeleteRefusesWhileOpen(t *testing.T) {
	s := newTestStore(t)
	_, err := s.TreeOpen("docs", TreeCreate, 0)
	require.NoError(t, err)
	err = s.TreeDelete("docs")
	require.Error(t, err)
}

func TestTreeDeleteCascadesIndexesAndMetadata(t *testing.T) {
	s := newTestStore(t)
	tree, err := s.TreeOpen("docs", TreeCreate, 0)
	require.NoError(t, err)
	require.NoError(t, tree.AddIndex(IndexConfig{
		Name:    "by_owner",
		Unique:  true,
		Extract: valueOwnerExtractor,
		Persist: true,
	}))
	tree.Close()

	require.NoError(t, s.TreeDelete("docs"))

	names, err := s.Engine().ListSubMaps("idx:docs:")
	require.NoError(t, err)
	require.Empty(t, names)
}
