package store

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/brineflow/kvindex/internal/logging"
	"github.com/brineflow/kvindex/kvstore"
)

// TreeFlags are the open-flags a tree is created/opened with (spec §3).
type TreeFlags uint32

const (
	// TreeCreate creates the tree's backing sub-map if it does not exist.
	TreeCreate TreeFlags = 1 << iota
)

// Tree is a named ordered sub-map inside a Store, plus the in-memory list of
// secondary indexes currently attached to it (spec §3/§4.6).
type Tree struct {
	mu sync.RWMutex

	store *Store
	name  string
	id    uint32
	flags TreeFlags

	entryCount int64 // best-effort cached count

	indexes []*Index
	compare kvstore.Comparator
	merge   MergeFunc

	closed bool
}

func physicalIndexName(tree, index string) string {
	return fmt.Sprintf("idx:%s:%s", tree, index)
}

func indexPrefixFor(tree string) string {
	return fmt.Sprintf("idx:%s:", tree)
}

func metadataKey(tree, index string) string {
	return tree + ":" + index
}

// TreeOpen opens or creates the named tree. If the tree is already open in
// this Store, the existing handle is returned with its reference count
// bumped (spec invariant: "while a Tree handle lives, its underlying
// sub-map is kept open").
func (s *Store) TreeOpen(name string, flags TreeFlags, entryCountHint int64) (*Tree, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errInvalid("store.TreeOpen: store is closed")
	}
	if slot, ok := s.trees[name]; ok {
		slot.refCount++
		s.mu.Unlock()
		return slot.tree, nil
	}
	s.mu.Unlock()

	id, err := s.engine.OpenSubMap(name, kvstore.SubMapOptions{Create: flags&TreeCreate != 0})
	if err != nil {
		return nil, translateStoreErr("store.TreeOpen: open sub-map", err)
	}

	t := &Tree{
		store:      s,
		name:       name,
		id:         id,
		flags:      flags,
		entryCount: entryCountHint,
		merge:      s.merge,
	}

	if err := t.autoAttachPersistedIndexes(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.trees[name] = &treeSlot{tree: t, refCount: 1}
	s.mu.Unlock()

	return t, nil
}

// autoAttachPersistedIndexes implements spec §4.6's auto-attach step: list
// persisted index names for this tree and load each one. A persisted index
// whose extractor id isn't registered is skipped with a warning unless the
// store was opened with FailClosedOnMissingExtractor.
func (t *Tree) autoAttachPersistedIndexes() error {
	names, err := listPersistedIndexes(t.store, t.name)
	if err != nil {
		return err
	}
	for _, name := range names {
		attached, err := loadIndexMetadata(t, name)
		if err != nil {
			return err
		}
		if !attached {
			msg := fmt.Sprintf("tree %q: persisted index %q references an unregistered extractor; skipping attach", t.name, name)
			if t.store.opts.FailClosedOnMissingExtractor {
				return errInvalid(msg)
			}
			logging.Warnf("%s", msg)
		}
	}
	return nil
}

// Name returns the tree's name.
func (t *Tree) Name() string { return t.name }

// ID returns the numeric identifier the underlying engine issued for this
// tree's sub-map.
func (t *Tree) ID() uint32 { return t.id }

// EntryCount returns the best-effort cached entry count (spec §3).
func (t *Tree) EntryCount() int64 { return atomic.LoadInt64(&t.entryCount) }

// IndexNames returns the names of all currently attached indexes, in
// attach order.
func (t *Tree) IndexNames() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.indexes))
	for i, idx := range t.indexes {
		out[i] = idx.name
	}
	return out
}

// Indexes returns the full read-only descriptor of every currently
// attached index, in attach order, for callers that need more than a name
// (spec §3's index descriptor attributes).
func (t *Tree) Indexes() []IndexInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]IndexInfo, len(t.indexes))
	for i, idx := range t.indexes {
		out[i] = IndexInfo{
			Name:        idx.name,
			Unique:      idx.unique,
			Sparse:      idx.sparse,
			ExtractorID: idx.extractorID,
		}
	}
	return out
}

// SetCompare installs a custom key comparator for the tree's primary
// sub-map (spec §4.6). Only engines implementing kvstore.ComparableEngine
// can honor one; against any other engine this returns EINVAL.
func (t *Tree) SetCompare(cmp kvstore.Comparator) error {
	ce, ok := t.store.engine.(kvstore.ComparableEngine)
	if !ok || !ce.SupportsCustomCompare() {
		return errInvalid("store.Tree.SetCompare: engine does not support custom comparators")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.compare = cmp
	if _, err := t.store.engine.OpenSubMap(t.name, kvstore.SubMapOptions{Compare: cmp}); err != nil {
		return translateStoreErr("store.Tree.SetCompare", err)
	}
	return nil
}

// SetMergeFn registers a conflict resolver used by Txn.Merge.
func (t *Tree) SetMergeFn(fn MergeFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn == nil {
		fn = t.store.merge
	}
	t.merge = fn
}

// Close frees the tree's in-memory descriptor. It does not touch the
// persisted sub-map or persisted index metadata (spec §4.6: "tree_close
// frees in-memory descriptors only").
func (t *Tree) Close() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.trees[t.name]
	if !ok {
		return
	}
	slot.refCount--
	if slot.refCount <= 0 {
		t.mu.Lock()
		t.closed = true
		t.indexes = nil
		t.mu.Unlock()
		delete(s.trees, t.name)
	}
}

// TreeDelete cascades the deletion of a tree's physical sub-map, every
// index sub-map listed under its "idx:<tree>:" prefix, and every persisted
// metadata record for it (spec §4.6). Only the metadata deletes run inside
// one write transaction; the sub-map drops are direct engine calls that are
// not part of it, so a failed commit leaves the index sub-maps already
// dropped, and the tree's own sub-map is dropped after the commit.
func (s *Store) TreeDelete(name string) error {
	s.mu.RLock()
	if _, open := s.trees[name]; open {
		s.mu.RUnlock()
		return errInvalid("store.TreeDelete: tree is still open")
	}
	s.mu.RUnlock()

	indexSubMaps, err := s.engine.ListSubMaps(indexPrefixFor(name))
	if err != nil {
		return translateStoreErr("store.TreeDelete: list index sub-maps", err)
	}
	metaNames, err := listPersistedIndexes(s, name)
	if err != nil {
		return err
	}

	txn, err := s.engine.Begin(true)
	if err != nil {
		return translateStoreErr("store.TreeDelete: begin", err)
	}
	for _, sm := range indexSubMaps {
		if err := s.engine.DropSubMap(sm); err != nil {
			_ = txn.Abort()
			return translateStoreErr("store.TreeDelete: drop index sub-map", err)
		}
	}
	for _, idxName := range metaNames {
		if _, err := txn.Delete(MetaSubMapName, []byte(metadataKey(name, idxName))); err != nil {
			_ = txn.Abort()
			return translateStoreErr("store.TreeDelete: delete metadata", err)
		}
	}
	if err := txn.Commit(); err != nil {
		return translateStoreErr("store.TreeDelete: commit", err)
	}
	if err := s.engine.DropSubMap(name); err != nil {
		return translateStoreErr("store.TreeDelete: drop tree sub-map", err)
	}
	return nil
}
