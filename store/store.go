// Package store implements the index-consistent transactional layer over an
// out-of-scope ordered persistent map (package kvstore): the store/tree
// handles (spec C5/C6), the transaction shell (C7), the secondary index
// engine (C8), the index metadata codec and extractor registry (C9), bulk
// and scan primitives (C10), and the OS memory-optimization surface (C11).
package store

import (
	"sync"

	"github.com/brineflow/kvindex/internal/logging"
	"github.com/brineflow/kvindex/kvstore"
)

// MetaSubMapName is the physical sub-map holding persisted index metadata
// records (spec §3, §6). The exact name is implementation-defined; this one
// mirrors the teacher's reserved "__meta__" convention.
const MetaSubMapName = "__meta__"

// ExtractFunc is the extractor contract from spec §6: given a primary
// value and the index's opaque user-data, decide whether the value should
// be indexed and, if so, produce the index key. Implementations must be
// deterministic, pure, and must not retain the input slices past return.
type ExtractFunc func(value []byte, userData []byte) (shouldIndex bool, indexKey []byte, err error)

// MergeFunc resolves a merge-style write against an existing value. The
// default (nil) merge function is overwrite: MergeFunc(key, old, new) == new.
type MergeFunc func(key, oldValue, newValue []byte) []byte

func defaultMerge(_ []byte, _ []byte, newValue []byte) []byte { return newValue }

// Flag bits an extractor may be registered against (spec §4.5/§4.8).
const (
	FlagUnique uint32 = 1 << 0
	FlagSparse uint32 = 1 << 1
)

// EncodeExtractorID packs a (major, minor) extraction-contract version into
// the 64-bit identifier persisted in index metadata (spec §3, §6).
func EncodeExtractorID(major, minor uint32) uint64 {
	return uint64(major)<<32 | uint64(minor)
}

// DecodeExtractorID is the inverse of EncodeExtractorID.
func DecodeExtractorID(id uint64) (major, minor uint32) {
	return uint32(id >> 32), uint32(id)
}

type extractorEntry struct {
	fn        ExtractFunc
	flagsMask uint32
}

// Options configures Open.
type Options struct {
	Path     string
	MapSize  int64
	MaxTrees int
	Version  string
	ReadOnly bool
	// FailClosedOnMissingExtractor, when true, makes TreeOpen return an
	// error instead of warning-and-skipping a persisted index whose
	// extractor id isn't registered (spec §4.6 Design Note: "may optionally
	// refuse to open; the chosen behavior is 'skip with warning'" is the
	// default, this flag is the opt-in fail-closed alternative).
	FailClosedOnMissingExtractor bool
}

// Store is a process-wide handle over one open environment.
type Store struct {
	mu sync.RWMutex

	engine  kvstore.Engine
	opts    Options
	merge   MergeFunc
	closed  bool
	advisor *memoryAdvisor

	extractors map[uint64]extractorEntry

	trees map[string]*treeSlot
}

type treeSlot struct {
	tree     *Tree
	refCount int
}

// Open opens a Store over an already-constructed kvstore.Engine. Callers
// construct the engine themselves (e.g. kvstore.OpenForestDB(opts.Path) or
// kvstore.NewMemEngine() in tests) so package store never hard-codes which
// concrete ordered-map binding backs it.
func Open(engine kvstore.Engine, opts Options) (*Store, error) {
	if engine == nil {
		return nil, errInvalid("store.Open: nil engine")
	}
	s := &Store{
		engine:     engine,
		opts:       opts,
		merge:      defaultMerge,
		extractors: make(map[uint64]extractorEntry),
		trees:      make(map[string]*treeSlot),
	}
	if _, err := engine.OpenSubMap(MetaSubMapName, kvstore.SubMapOptions{Create: true}); err != nil {
		return nil, translateStoreErr("store.Open: open metadata sub-map", err)
	}
	return s, nil
}

// Close closes the store exactly once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errInvalid("store.Close: already closed")
	}
	s.closed = true
	for name, slot := range s.trees {
		if slot.refCount > 0 {
			logging.Warnf("store.Close: tree %q still has %d open handle(s)", name, slot.refCount)
		}
	}
	if s.advisor != nil {
		if err := s.advisor.close(); err != nil {
			return err
		}
	}
	if err := s.engine.Close(); err != nil {
		return translateStoreErr("store.Close", err)
	}
	return nil
}

// Engine returns the underlying kvstore.Engine, mainly for package-internal
// use by Tree/Txn and for tests that need to reach past the Store API.
func (s *Store) Engine() kvstore.Engine { return s.engine }

// SetDefaultMergeFn installs the store-wide default merge resolver. Each
// tree copies the default when it is opened, so the new resolver applies to
// trees opened after this call (and to a tree that later calls
// Tree.SetMergeFn(nil)); trees already open keep the resolver they had.
func (s *Store) SetDefaultMergeFn(fn MergeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		fn = defaultMerge
	}
	s.merge = fn
}

// RegisterKeyExtractor registers fn under extractorID, valid for use by any
// index configuration whose (unique, sparse) flag combination is a subset
// of flagsMask (spec §4.5: "registers the function for every flag
// combination in the mask"). The mask is stored and returned by
// LookupExtractor; AddIndex and the reattach step of TreeOpen do not check
// an index's flags against it. Re-registering the same id overwrites the
// previous entry; already-open trees are unaffected until reopened.
func (s *Store) RegisterKeyExtractor(extractorID uint64, flagsMask uint32, fn ExtractFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extractors[extractorID] = extractorEntry{fn: fn, flagsMask: flagsMask}
}

// LookupExtractor returns the registered function and its flags mask, or
// ok=false if extractorID has never been registered.
func (s *Store) LookupExtractor(extractorID uint64) (fn ExtractFunc, flagsMask uint32, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.extractors[extractorID]
	if !ok {
		return nil, 0, false
	}
	return e.fn, e.flagsMask, true
}
