package kvstore

import (
	"bytes"
	"sort"
	"sync"

	forestdb "github.com/couchbase/goforestdb"
	"github.com/pkg/errors"
)

// ForestDBEngine is the concrete binding of Engine against
// github.com/couchbase/goforestdb, a cgo wrapper over ForestDB: a
// memory-mapped, log-structured B+tree store with MVCC read snapshots. This
// is the same library github.com/couchbase/indexing's storage manager opens
// directly (forestdb.Open, File.OpenKVStore, KVStore.Commit); this module
// uses it the same way, as the "ordered persistent map" spec §6 leaves
// unspecified beyond its interface.
//
// ForestDB has no begin/commit/abort transaction primitive of its own: a
// SetKV/DeleteKV takes effect in the store's working set immediately and
// Commit only controls durability (WAL flush), not visibility. To give
// callers the abort-has-no-effect guarantee spec I6 requires, writes made
// during a write Txn are staged in an in-memory overlay and only applied to
// the underlying KVStore, then fsync'd via Commit, when the Txn itself
// commits.
type ForestDBEngine struct {
	writeMu sync.Mutex

	file *forestdb.File
	kv   map[string]*forestdb.KVStore // sub-map name -> open handle
	mu   sync.RWMutex
	ids  map[string]uint32
	next uint32

	mapPath string
}

// OpenForestDB opens (creating if necessary) a ForestDB-backed environment
// at path.
func OpenForestDB(path string) (*ForestDBEngine, error) {
	cfg := forestdb.DefaultConfig()
	f, err := forestdb.Open(path, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "kvstore: open forestdb file")
	}
	return &ForestDBEngine{
		file:    f,
		kv:      make(map[string]*forestdb.KVStore),
		ids:     make(map[string]uint32),
		mapPath: path,
	}, nil
}

func (e *ForestDBEngine) SupportsCustomCompare() bool { return false }

func (e *ForestDBEngine) OpenSubMap(name string, opts SubMapOptions) (uint32, error) {
	if opts.Compare != nil {
		return 0, ErrCompareUnsupported
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.ids[name]; ok {
		return id, nil
	}
	if !opts.Create {
		return 0, ErrNotFound
	}
	kvcfg := forestdb.DefaultKVStoreConfig()
	store, err := e.file.OpenKVStore(name, kvcfg)
	if err != nil {
		return 0, errors.Wrapf(err, "kvstore: open sub-map %q", name)
	}
	e.next++
	e.kv[name] = store
	e.ids[name] = e.next
	return e.next, nil
}

func (e *ForestDBEngine) DropSubMap(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	store, ok := e.kv[name]
	if !ok {
		return nil
	}
	if err := store.Close(); err != nil {
		return errors.Wrapf(err, "kvstore: close sub-map %q before drop", name)
	}
	delete(e.kv, name)
	delete(e.ids, name)
	return e.file.DeleteKVStore(name)
}

// ListSubMaps lists only sub-maps opened through this handle; KV stores
// that exist in the ForestDB file but have not been opened are not listed.
func (e *ForestDBEngine) ListSubMaps(prefix string) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []string
	for name := range e.ids {
		if len(prefix) == 0 || (len(name) >= len(prefix) && name[:len(prefix)] == prefix) {
			out = append(out, name)
		}
	}
	return out, nil
}

func (e *ForestDBEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, store := range e.kv {
		_ = store.Close()
	}
	return e.file.Close()
}

// AdviseMemory, MLock, MUnlock, Prefetch and MapInfo are no-ops here: per
// spec §4.11, advise operations against a store whose map address isn't
// materialized through this binding succeed as no-ops rather than failing.
// The OS-level surface used when a real mapping is available lives in
// package store (mmap.go), layered over edsrzf/mmap-go and golang.org/x/sys
// against the file the store actually mmaps.
func (e *ForestDBEngine) AdviseMemory(kind AdviseKind) error { return nil }
func (e *ForestDBEngine) MLock(LockScope) error              { return nil }
func (e *ForestDBEngine) MUnlock() error                     { return nil }
func (e *ForestDBEngine) Prefetch(int64, int64) error        { return nil }
func (e *ForestDBEngine) MapInfo() (uintptr, int64, error)   { return 0, 0, nil }

func (e *ForestDBEngine) Begin(write bool) (Txn, error) {
	if write {
		e.writeMu.Lock()
	}
	return &fdbTxn{engine: e, write: write, overlay: make(map[string]map[string]*[]byte)}, nil
}

// fdbTxn stages writes in overlay until Commit. overlay[subMap][key] == nil
// means "deleted in this txn"; a non-nil *[]byte is the staged value.
type fdbTxn struct {
	engine  *ForestDBEngine
	write   bool
	overlay map[string]map[string]*[]byte
	done    bool
}

func (tx *fdbTxn) IsWrite() bool { return tx.write }

func (tx *fdbTxn) store(subMap string) (*forestdb.KVStore, error) {
	tx.engine.mu.RLock()
	s, ok := tx.engine.kv[subMap]
	tx.engine.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (tx *fdbTxn) Put(subMap string, key, value []byte) error {
	if !tx.write {
		return ErrTxnReadOnly
	}
	if _, err := tx.store(subMap); err != nil {
		return err
	}
	m := tx.overlay[subMap]
	if m == nil {
		m = make(map[string]*[]byte)
		tx.overlay[subMap] = m
	}
	vv := make([]byte, len(value))
	copy(vv, value)
	m[string(key)] = &vv
	return nil
}

func (tx *fdbTxn) Delete(subMap string, key []byte) (bool, error) {
	if !tx.write {
		return false, ErrTxnReadOnly
	}
	_, existed, err := tx.Get(subMap, key)
	if err != nil {
		return false, err
	}
	m := tx.overlay[subMap]
	if m == nil {
		m = make(map[string]*[]byte)
		tx.overlay[subMap] = m
	}
	m[string(key)] = nil
	return existed, nil
}

func (tx *fdbTxn) Get(subMap string, key []byte) ([]byte, bool, error) {
	if m, ok := tx.overlay[subMap]; ok {
		if vp, staged := m[string(key)]; staged {
			if vp == nil {
				return nil, false, nil
			}
			return *vp, true, nil
		}
	}
	store, err := tx.store(subMap)
	if err != nil {
		return nil, false, err
	}
	v, err := store.GetKV(key)
	if err == forestdb.RESULT_KEY_NOT_FOUND {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "kvstore: get from %q", subMap)
	}
	return v, true, nil
}

func (tx *fdbTxn) Cursor(subMap string) (Cursor, error) {
	store, err := tx.store(subMap)
	if err != nil {
		return nil, err
	}
	it, err := store.IteratorInit(nil, nil, forestdb.ITR_NONE)
	if err != nil && err != forestdb.RESULT_ITERATOR_FAIL {
		return nil, errors.Wrapf(err, "kvstore: iterate %q", subMap)
	}
	base := make(map[string][]byte)
	if it != nil {
		for {
			doc, derr := it.Get()
			if derr != nil {
				break
			}
			base[string(doc.Key)] = doc.Body
			if it.Next() != nil {
				break
			}
		}
		_ = it.Close()
	}
	overlay := tx.overlay[subMap]
	for k, vp := range overlay {
		if vp == nil {
			delete(base, k)
		} else {
			base[k] = *vp
		}
	}
	keys := make([][]byte, 0, len(base))
	for k := range base {
		keys = append(keys, []byte(k))
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	return &memCursor{tx: nil, cmp: bytes.Compare, keys: keys, values: base, pos: -1, fdbDelete: func(k []byte) error {
		_, err := tx.Delete(subMap, k)
		return err
	}}, nil
}

func (tx *fdbTxn) Commit() error {
	if tx.done {
		return errTxnDone
	}
	tx.done = true
	if !tx.write {
		return nil
	}
	defer tx.engine.writeMu.Unlock()
	for subMap, m := range tx.overlay {
		store, err := tx.store(subMap)
		if err != nil {
			return err
		}
		for key, vp := range m {
			if vp == nil {
				if err := store.DeleteKV([]byte(key)); err != nil && err != forestdb.RESULT_KEY_NOT_FOUND {
					return errors.Wrapf(err, "kvstore: delete from %q", subMap)
				}
				continue
			}
			if err := store.SetKV([]byte(key), *vp); err != nil {
				return errors.Wrapf(err, "kvstore: set in %q", subMap)
			}
		}
		if err := store.Commit(forestdb.COMMIT_NORMAL); err != nil {
			return errors.Wrapf(err, "kvstore: commit %q", subMap)
		}
	}
	return nil
}

func (tx *fdbTxn) Abort() error {
	if tx.done {
		return errTxnDone
	}
	tx.done = true
	if tx.write {
		tx.engine.writeMu.Unlock()
	}
	return nil
}
