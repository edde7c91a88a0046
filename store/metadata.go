package store

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/google/uuid"

	"github.com/brineflow/kvindex/kvstore"
)

// indexRecord is the decoded form of spec §3's 16-byte-header metadata
// record: extractor id, unique/sparse flags, and an opaque user-data blob.
type indexRecord struct {
	extractorID uint64
	unique      bool
	sparse      bool
	userData    []byte
}

const metadataHeaderLen = 16

func (r indexRecord) flagBits() uint32 {
	var f uint32
	if r.unique {
		f |= FlagUnique
	}
	if r.sparse {
		f |= FlagSparse
	}
	return f
}

// encodeIndexRecord serializes exactly as spec §3: little-endian
// extractor_id (u64), flags (u32), user_data_len (u32), then user_data.
func encodeIndexRecord(r indexRecord) []byte {
	buf := make([]byte, metadataHeaderLen+len(r.userData))
	binary.LittleEndian.PutUint64(buf[0:8], r.extractorID)
	binary.LittleEndian.PutUint32(buf[8:12], r.flagBits())
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(r.userData)))
	copy(buf[16:], r.userData)
	return buf
}

// decodeIndexRecord is the inverse of encodeIndexRecord. A record shorter
// than the fixed header, or whose declared user_data_len overruns the
// buffer, is rejected with EINVAL (spec P8: "truncated metadata decode
// fails with a specific error").
func decodeIndexRecord(b []byte) (indexRecord, error) {
	if len(b) < metadataHeaderLen {
		return indexRecord{}, errInvalid("index metadata record shorter than 16-byte header")
	}
	extractorID := binary.LittleEndian.Uint64(b[0:8])
	flags := binary.LittleEndian.Uint32(b[8:12])
	userDataLen := binary.LittleEndian.Uint32(b[12:16])
	if uint64(metadataHeaderLen)+uint64(userDataLen) > uint64(len(b)) {
		return indexRecord{}, errInvalid("index metadata record truncated: user_data_len overruns buffer")
	}
	userData := make([]byte, userDataLen)
	copy(userData, b[16:16+userDataLen])
	return indexRecord{
		extractorID: extractorID,
		unique:      flags&FlagUnique != 0,
		sparse:      flags&FlagSparse != 0,
		userData:    userData,
	}, nil
}

// saveIndexMetadata writes (or overwrites) idx's metadata record for tree t
// within its own write transaction.
func saveIndexMetadata(t *Tree, idx *Index) error {
	txn, err := t.store.engine.Begin(true)
	if err != nil {
		return translateStoreErr("saveIndexMetadata: begin", err)
	}
	rec := indexRecord{extractorID: idx.extractorID, unique: idx.unique, sparse: idx.sparse, userData: idx.userData}
	if err := txn.Put(MetaSubMapName, []byte(metadataKey(t.name, idx.name)), encodeIndexRecord(rec)); err != nil {
		_ = txn.Abort()
		return translateStoreErr("saveIndexMetadata: put", err)
	}
	if err := txn.Commit(); err != nil {
		return translateStoreErr("saveIndexMetadata: commit", err)
	}
	return nil
}

func deleteIndexMetadata(s *Store, treeName, indexName string) error {
	txn, err := s.engine.Begin(true)
	if err != nil {
		return translateStoreErr("deleteIndexMetadata: begin", err)
	}
	if _, err := txn.Delete(MetaSubMapName, []byte(metadataKey(treeName, indexName))); err != nil {
		_ = txn.Abort()
		return translateStoreErr("deleteIndexMetadata: delete", err)
	}
	if err := txn.Commit(); err != nil {
		return translateStoreErr("deleteIndexMetadata: commit", err)
	}
	return nil
}

// loadIndexMetadata implements spec §4.9: read the persisted record for
// tree.name+":"+name, look up its extractor by id, and if found, open the
// physical index sub-map and append a descriptor to the tree. Returns
// attached=false (with no error) when the extractor id is unregistered, so
// the caller can warn-and-skip per spec §4.6.
func loadIndexMetadata(t *Tree, name string) (attached bool, err error) {
	rtxn, err := t.store.engine.Begin(false)
	if err != nil {
		return false, translateStoreErr("loadIndexMetadata: begin read", err)
	}
	raw, ok, err := rtxn.Get(MetaSubMapName, []byte(metadataKey(t.name, name)))
	_ = rtxn.Abort()
	if err != nil {
		return false, translateStoreErr("loadIndexMetadata: get", err)
	}
	if !ok {
		return false, errNotFound("loadIndexMetadata: no persisted record for " + metadataKey(t.name, name))
	}
	rec, err := decodeIndexRecord(raw)
	if err != nil {
		return false, err
	}

	fn, _, found := t.store.LookupExtractor(rec.extractorID)
	if !found {
		return false, nil
	}

	physName := physicalIndexName(t.name, name)
	_, err = t.store.engine.OpenSubMap(physName, kvstore.SubMapOptions{Create: true, DupSort: !rec.unique})
	if err != nil {
		return false, translateStoreErr("loadIndexMetadata: open index sub-map", err)
	}

	idx := &Index{
		id:          uuid.NewString(),
		name:        name,
		physName:    physName,
		unique:      rec.unique,
		sparse:      rec.sparse,
		extractorID: rec.extractorID,
		extract:     fn,
		userData:    rec.userData,
	}
	t.mu.Lock()
	t.indexes = append(t.indexes, idx)
	t.mu.Unlock()
	return true, nil
}

// listPersistedIndexes enumerates every metadata key prefixed "<tree>:" and
// strips the prefix, returning the bare index names (spec §4.9).
func listPersistedIndexes(s *Store, treeName string) ([]string, error) {
	prefix := treeName + ":"
	txn, err := s.engine.Begin(false)
	if err != nil {
		return nil, translateStoreErr("listPersistedIndexes: begin", err)
	}
	defer txn.Abort()

	cur, err := txn.Cursor(MetaSubMapName)
	if err != nil {
		return nil, translateStoreErr("listPersistedIndexes: cursor", err)
	}
	defer cur.Close()

	var out []string
	k, _, ok, err := cur.Seek(kvstore.CursorSetRange, []byte(prefix))
	for ; ok && err == nil; k, _, ok, err = cur.Next() {
		if !bytes.HasPrefix(k, []byte(prefix)) {
			break
		}
		out = append(out, strings.TrimPrefix(string(k), prefix))
	}
	if err != nil {
		return nil, translateStoreErr("listPersistedIndexes: scan", err)
	}
	return out, nil
}
