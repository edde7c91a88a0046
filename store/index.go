package store

import (
	"github.com/google/uuid"

	"github.com/brineflow/kvindex/internal/keycodec"
	"github.com/brineflow/kvindex/kvstore"
)

// IndexConfig describes a secondary index to attach via Tree.AddIndex
// (spec §4.8).
type IndexConfig struct {
	Name            string
	ExtractorID     uint64
	Extract         ExtractFunc
	UserData        []byte
	UserDataCleanup func([]byte)
	Unique          bool
	Sparse          bool
	Compare         kvstore.Comparator
	Persist         bool
}

// Index is the in-memory descriptor for one attached secondary index
// (spec §3).
type Index struct {
	id          string // uuid, used only for logs/metrics correlation
	name        string
	physName    string
	unique      bool
	sparse      bool
	extractorID uint64
	extract     ExtractFunc
	userData    []byte
	userCleanup func([]byte)
	compare     kvstore.Comparator
}

// IndexInfo is the read-only snapshot returned by Tree.Indexes for callers
// that want the full descriptor rather than just a name (see IndexNames).
type IndexInfo struct {
	Name        string
	Unique      bool
	Sparse      bool
	ExtractorID uint64
}

func (t *Tree) findIndex(name string) *Index {
	for _, idx := range t.indexes {
		if idx.name == name {
			return idx
		}
	}
	return nil
}

// AddIndex attaches a new secondary index to the tree (spec §4.8).
func (t *Tree) AddIndex(cfg IndexConfig) error {
	if cfg.Name == "" || cfg.Extract == nil {
		return errInvalid("store.Tree.AddIndex: name and Extract are required")
	}

	t.mu.Lock()
	if t.findIndex(cfg.Name) != nil {
		t.mu.Unlock()
		return errKeyExists("store.Tree.AddIndex: index " + cfg.Name + " already attached")
	}
	t.mu.Unlock()

	physName := physicalIndexName(t.name, cfg.Name)
	if _, err := t.store.engine.OpenSubMap(physName, kvstore.SubMapOptions{
		Create:  true,
		DupSort: !cfg.Unique,
		Compare: cfg.Compare,
	}); err != nil {
		return translateStoreErr("store.Tree.AddIndex: open index sub-map", err)
	}

	idx := &Index{
		id:          uuid.NewString(),
		name:        cfg.Name,
		physName:    physName,
		unique:      cfg.Unique,
		sparse:      cfg.Sparse,
		extractorID: cfg.ExtractorID,
		extract:     cfg.Extract,
		userData:    cfg.UserData,
		userCleanup: cfg.UserDataCleanup,
		compare:     cfg.Compare,
	}

	t.mu.Lock()
	t.indexes = append(t.indexes, idx)
	t.mu.Unlock()

	if cfg.Persist {
		if err := saveIndexMetadata(t, idx); err != nil {
			t.mu.Lock()
			t.removeIndexLocked(cfg.Name)
			t.mu.Unlock()
			_ = t.store.engine.DropSubMap(physName)
			return err
		}
	}

	return nil
}

func (t *Tree) removeIndexLocked(name string) {
	for i, idx := range t.indexes {
		if idx.name == name {
			t.indexes = append(t.indexes[:i], t.indexes[i+1:]...)
			return
		}
	}
}

// DropIndex detaches and destroys a secondary index: drops its physical
// sub-map, deletes its metadata record, and removes its descriptor
// (spec §4.8).
func (t *Tree) DropIndex(name string) error {
	t.mu.Lock()
	idx := t.findIndex(name)
	if idx == nil {
		t.mu.Unlock()
		return errNotFound("store.Tree.DropIndex: no such index " + name)
	}
	t.removeIndexLocked(name)
	t.mu.Unlock()

	if err := t.store.engine.DropSubMap(idx.physName); err != nil {
		return translateStoreErr("store.Tree.DropIndex: drop sub-map", err)
	}
	if err := deleteIndexMetadata(t.store, t.name, name); err != nil && !IsCode(err, NOT_FOUND) {
		return err
	}
	if idx.userCleanup != nil {
		idx.userCleanup(idx.userData)
	}
	return nil
}

// PopulateIndex scans the primary tree within one write transaction,
// extracting and inserting an index entry per qualifying value, enforcing
// the unique constraint (spec §4.8).
func (t *Tree) PopulateIndex(name string) error {
	t.mu.RLock()
	idx := t.findIndex(name)
	t.mu.RUnlock()
	if idx == nil {
		return errNotFound("store.Tree.PopulateIndex: no such index " + name)
	}

	tx, err := t.Begin(true)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Abort()
		}
	}()

	var scanErr error
	err = tx.ScanRange(nil, nil, func(k, v []byte) bool {
		scanErr = insertOneIndexEntry(tx.raw, idx, k, v)
		return scanErr == nil
	})
	if err != nil {
		return err
	}
	if scanErr != nil {
		return scanErr
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func insertOneIndexEntry(raw kvstore.Txn, idx *Index, primaryKey, value []byte) error {
	should, ik, err := idx.extract(value, idx.userData)
	if err != nil {
		return wrapErr(INDEX_ERROR, CategoryLib, "extractor failed", err)
	}
	if !should || (idx.sparse && len(ik) == 0) {
		return nil
	}
	return putIndexEntry(raw, idx, ik, primaryKey)
}

// putIndexEntry writes one (index_key -> primary_key) mapping, enforcing
// uniqueness. Non-unique indexes fold the primary key into the physical key
// itself (package keycodec) since the underlying kvstore.Engine contract
// has no native DUPSORT sub-map type.
func putIndexEntry(raw kvstore.Txn, idx *Index, indexKey, primaryKey []byte) error {
	if idx.unique {
		existing, ok, err := raw.Get(idx.physName, indexKey)
		if err != nil {
			return translateStoreErr("putIndexEntry: get", err)
		}
		if ok && string(existing) != string(primaryKey) {
			return errIndex("duplicate key for unique index " + idx.name)
		}
		if err := raw.Put(idx.physName, indexKey, primaryKey); err != nil {
			return translateStoreErr("putIndexEntry: put", err)
		}
		return nil
	}
	composite, err := keycodec.EncodeComposite(indexKey, primaryKey)
	if err != nil {
		return wrapErr(INDEX_ERROR, CategoryLib, "encode composite index key", err)
	}
	if err := raw.Put(idx.physName, composite, nil); err != nil {
		return translateStoreErr("putIndexEntry: put", err)
	}
	return nil
}

func removeIndexEntry(raw kvstore.Txn, idx *Index, indexKey, primaryKey []byte) error {
	if idx.unique {
		existing, ok, err := raw.Get(idx.physName, indexKey)
		if err != nil {
			return translateStoreErr("removeIndexEntry: get", err)
		}
		if !ok || string(existing) != string(primaryKey) {
			return nil
		}
		if _, err := raw.Delete(idx.physName, indexKey); err != nil {
			return translateStoreErr("removeIndexEntry: delete", err)
		}
		return nil
	}
	composite, err := keycodec.EncodeComposite(indexKey, primaryKey)
	if err != nil {
		return wrapErr(INDEX_ERROR, CategoryLib, "encode composite index key", err)
	}
	if _, err := raw.Delete(idx.physName, composite); err != nil {
		return translateStoreErr("removeIndexEntry: delete", err)
	}
	return nil
}

// indexInsert runs the Insert protocol (spec §4.8) for every attached index
// before the primary write.
func (t *Tree) indexInsert(raw kvstore.Txn, primaryKey, value []byte) error {
	t.mu.RLock()
	indexes := append([]*Index(nil), t.indexes...)
	t.mu.RUnlock()
	for _, idx := range indexes {
		should, ik, err := idx.extract(value, idx.userData)
		if err != nil {
			return wrapErr(INDEX_ERROR, CategoryLib, "extractor failed", err)
		}
		if !should || (idx.sparse && len(ik) == 0) {
			continue
		}
		if err := putIndexEntry(raw, idx, ik, primaryKey); err != nil {
			return err
		}
	}
	return nil
}

// indexDelete runs the Delete protocol: recompute each index's key from the
// old value and remove the corresponding entry.
func (t *Tree) indexDelete(raw kvstore.Txn, primaryKey, oldValue []byte) error {
	t.mu.RLock()
	indexes := append([]*Index(nil), t.indexes...)
	t.mu.RUnlock()
	for _, idx := range indexes {
		should, ik, err := idx.extract(oldValue, idx.userData)
		if err != nil {
			return wrapErr(INDEX_ERROR, CategoryLib, "extractor failed", err)
		}
		if !should || (idx.sparse && len(ik) == 0) {
			continue
		}
		if err := removeIndexEntry(raw, idx, ik, primaryKey); err != nil {
			return err
		}
	}
	return nil
}

// indexUpdate runs the Update protocol: recompute old and new index keys
// per attached index; no-op when they match, else remove-then-insert under
// the unique check.
func (t *Tree) indexUpdate(raw kvstore.Txn, primaryKey, oldValue, newValue []byte) error {
	t.mu.RLock()
	indexes := append([]*Index(nil), t.indexes...)
	t.mu.RUnlock()
	for _, idx := range indexes {
		oldShould, oldIK, err := idx.extract(oldValue, idx.userData)
		if err != nil {
			return wrapErr(INDEX_ERROR, CategoryLib, "extractor failed", err)
		}
		newShould, newIK, err := idx.extract(newValue, idx.userData)
		if err != nil {
			return wrapErr(INDEX_ERROR, CategoryLib, "extractor failed", err)
		}
		oldQualifies := oldShould && !(idx.sparse && len(oldIK) == 0)
		newQualifies := newShould && !(idx.sparse && len(newIK) == 0)

		if oldQualifies && newQualifies && string(oldIK) == string(newIK) {
			continue
		}
		if oldQualifies {
			if err := removeIndexEntry(raw, idx, oldIK, primaryKey); err != nil {
				return err
			}
		}
		if newQualifies {
			if err := putIndexEntry(raw, idx, newIK, primaryKey); err != nil {
				return err
			}
		}
	}
	return nil
}

// VerifyIndexes performs the two-phase consistency walk from spec §4.8
// (P1): phase 1 checks every qualifying primary entry has a matching index
// entry (I1); phase 2 checks every index entry's primary key exists and
// still re-extracts to the same key (I2), and that unique indexes have no
// duplicate index keys (I3).
func (t *Tree) VerifyIndexes() error {
	tx, err := t.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Abort()

	t.mu.RLock()
	indexes := append([]*Index(nil), t.indexes...)
	t.mu.RUnlock()

	// Phase 1: primary -> index.
	var phase1Err error
	err = tx.ScanRange(nil, nil, func(pk, v []byte) bool {
		for _, idx := range indexes {
			should, ik, extractErr := idx.extract(v, idx.userData)
			if extractErr != nil {
				phase1Err = wrapErr(INDEX_ERROR, CategoryLib, "extractor failed", extractErr)
				return false
			}
			if !should || (idx.sparse && len(ik) == 0) {
				continue
			}
			ok, lookErr := indexHasEntry(tx.raw, idx, ik, pk)
			if lookErr != nil {
				phase1Err = lookErr
				return false
			}
			if !ok {
				phase1Err = errIndex("missing index entry for " + idx.name)
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	if phase1Err != nil {
		return phase1Err
	}

	// Phase 2: index -> primary, plus uniqueness.
	for _, idx := range indexes {
		if err := verifyIndexReverse(tx, idx); err != nil {
			return err
		}
	}
	return nil
}

func indexHasEntry(raw kvstore.Txn, idx *Index, indexKey, primaryKey []byte) (bool, error) {
	if idx.unique {
		v, ok, err := raw.Get(idx.physName, indexKey)
		if err != nil {
			return false, translateStoreErr("indexHasEntry: get", err)
		}
		return ok && string(v) == string(primaryKey), nil
	}
	composite, err := keycodec.EncodeComposite(indexKey, primaryKey)
	if err != nil {
		return false, wrapErr(INDEX_ERROR, CategoryLib, "encode composite index key", err)
	}
	_, ok, err := raw.Get(idx.physName, composite)
	if err != nil {
		return false, translateStoreErr("indexHasEntry: get", err)
	}
	return ok, nil
}

func verifyIndexReverse(tx *Txn, idx *Index) error {
	cur, err := tx.raw.Cursor(idx.physName)
	if err != nil {
		return translateStoreErr("verifyIndexReverse: cursor", err)
	}
	defer cur.Close()

	seen := make(map[string]bool)
	k, v, ok, err := cur.Seek(kvstore.CursorFirst, nil)
	for ; ok && err == nil; k, v, ok, err = cur.Next() {
		var primaryKey, indexKey []byte
		if idx.unique {
			indexKey, primaryKey = k, v
		} else {
			indexKey, primaryKey, err = keycodec.DecodeComposite(k)
			if err != nil {
				return wrapErr(INDEX_ERROR, CategoryLib, "decode composite index key", err)
			}
		}
		pv, exists, getErr := tx.getPrimary(primaryKey)
		if getErr != nil {
			return getErr
		}
		if !exists {
			return errIndex("index " + idx.name + " references missing primary key")
		}
		should, reIK, extractErr := idx.extract(pv, idx.userData)
		if extractErr != nil {
			return wrapErr(INDEX_ERROR, CategoryLib, "extractor failed", extractErr)
		}
		if !should || string(reIK) != string(indexKey) {
			return errIndex("index " + idx.name + " entry no longer matches re-extraction")
		}
		if idx.unique {
			if seen[string(indexKey)] {
				return errIndex("unique index " + idx.name + " has duplicate key")
			}
			seen[string(indexKey)] = true
		}
	}
	if err != nil {
		return translateStoreErr("verifyIndexReverse: scan", err)
	}
	return nil
}

// IndexSeek iterates the primary keys mapped to indexKey under the named
// non-unique or unique index, in ascending primary-key order for equal
// index keys (spec S2/S3).
func (tx *Txn) IndexSeek(indexName string, indexKey []byte, cb func(primaryKey []byte) bool) error {
	tx.tree.mu.RLock()
	idx := tx.tree.findIndex(indexName)
	tx.tree.mu.RUnlock()
	if idx == nil {
		return errNotFound("store.Txn.IndexSeek: no such index " + indexName)
	}

	if idx.unique {
		v, ok, err := tx.raw.Get(idx.physName, indexKey)
		if err != nil {
			return translateStoreErr("IndexSeek: get", err)
		}
		if ok {
			cb(v)
		}
		return nil
	}

	cur, err := tx.raw.Cursor(idx.physName)
	if err != nil {
		return translateStoreErr("IndexSeek: cursor", err)
	}
	defer cur.Close()

	prefix, err := keycodec.EncodePrefix(indexKey)
	if err != nil {
		return wrapErr(INDEX_ERROR, CategoryLib, "encode index seek prefix", err)
	}

	k, _, ok, err := cur.Seek(kvstore.CursorSetRange, prefix)
	for ; ok && err == nil; k, _, ok, err = cur.Next() {
		decodedIK, pk, decErr := keycodec.DecodeComposite(k)
		if decErr != nil {
			return wrapErr(INDEX_ERROR, CategoryLib, "decode composite index key", decErr)
		}
		if string(decodedIK) != string(indexKey) {
			break
		}
		if !cb(pk) {
			return nil
		}
	}
	if err != nil {
		return translateStoreErr("IndexSeek: scan", err)
	}
	return nil
}
