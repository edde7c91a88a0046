// Package kvstore defines the contract this module requires of an
// underlying ordered persistent map (spec §6): named sub-maps, single-writer
// multi-reader transactions, and cursors with SET/SET_RANGE/FIRST/LAST/
// NEXT/PREV/CURRENT/DELETE semantics. The on-disk page format of whatever
// engine implements this contract is explicitly out of scope; this package
// only fixes the Go-level interface plus one concrete binding
// (forestdb_engine.go) against github.com/couchbase/goforestdb, and one
// in-memory binding (memengine.go) used by this module's own tests so that
// the transactional/index layer can be exercised without cgo.
package kvstore

import "errors"

// ErrNotFound is returned when a named sub-map does not exist (OpenSubMap
// without Create, or a Txn method addressing an unknown sub-map) and by
// Cursor.Delete when the cursor is not on an entry. A missing key is not an
// error: Txn.Get and Cursor positioning calls report it with ok=false and a
// nil error. ErrNotFound is not a [github.com/brineflow/kvindex/store.Error];
// package store translates it into store.NOT_FOUND at the boundary.
var ErrNotFound = errors.New("kvstore: not found")

// ErrTxnReadOnly is returned by any mutating Txn method called on a
// read-only transaction.
var ErrTxnReadOnly = errors.New("kvstore: transaction is read-only")

// Comparator orders two keys the way bytes.Compare does: negative if a<b,
// zero if equal, positive if a>b.
type Comparator func(a, b []byte) int

// SubMapOptions configures a sub-map at open time.
type SubMapOptions struct {
	// Create creates the sub-map if it does not already exist.
	Create bool
	// DupSort documents that the sub-map is used to hold multiple logical
	// values per key (the case for non-unique secondary indexes). Engines in
	// this package never store true physical duplicates: callers that need
	// DupSort semantics fold the duplicate dimension into the key itself
	// (see package keycodec) and DupSort here is informational only, kept
	// so Tree/Index metadata can report it back accurately.
	DupSort bool
	// Compare installs a custom key ordering for the sub-map. Only engines
	// implementing ComparableEngine honor this; others return
	// ErrCompareUnsupported from OpenSubMap when Compare is non-nil.
	Compare Comparator
}

// ErrCompareUnsupported is returned by OpenSubMap when a custom Comparator
// is requested against an engine that cannot honor one.
var ErrCompareUnsupported = errors.New("kvstore: engine does not support custom comparators")

// Engine is one open store-wide environment: a memory-mapped file (or, for
// the in-memory test engine, a process-local map) holding any number of
// named sub-maps plus a reserved catalog for enumerating them.
type Engine interface {
	// OpenSubMap opens (and with Create, creates) a named sub-map and
	// returns a stable numeric identifier for it.
	OpenSubMap(name string, opts SubMapOptions) (id uint32, err error)
	// DropSubMap removes a sub-map and all of its entries. It is a no-op
	// returning nil if the sub-map does not exist.
	DropSubMap(name string) error
	// ListSubMaps returns the names of every sub-map known to this Engine
	// handle whose name has the given prefix, in unspecified order. This
	// models the reserved catalog sub-map every real engine in this
	// contract's family (LMDB/MDBX/ForestDB-with-a-names-kvstore) exposes
	// for enumerating its own named sub-maps. ForestDBEngine knows only the
	// sub-maps opened or created through it since OpenForestDB; sub-maps
	// present in the file but not yet opened are not listed.
	ListSubMaps(prefix string) ([]string, error)
	// Begin starts a transaction. The engine serializes writers: a second
	// concurrent Begin(write=true) blocks until the first commits or aborts.
	Begin(write bool) (Txn, error)
	// Advise exposes OS memory-optimization hints over the engine's mapped
	// region (spec C11). Engines that are not memory-mapped implement it as
	// a no-op.
	Advise
	// Close closes the environment. Safe to call once; a second call
	// returns an error.
	Close() error
}

// ComparableEngine is implemented by engines that can honor a custom
// Comparator passed via SubMapOptions.Compare. store.Tree.SetCompare fails
// with store.EINVAL against an engine that does not implement it.
type ComparableEngine interface {
	Engine
	SupportsCustomCompare() bool
}

// Txn is a single read or write transaction over an Engine.
type Txn interface {
	IsWrite() bool
	Put(subMap string, key, value []byte) error
	Delete(subMap string, key []byte) (bool, error)
	Get(subMap string, key []byte) (value []byte, ok bool, err error)
	// Cursor opens a cursor over subMap scoped to this transaction's
	// lifetime; it must be closed before the transaction ends.
	Cursor(subMap string) (Cursor, error)
	Commit() error
	Abort() error
}

// CursorOp selects how Cursor.Seek positions the cursor.
type CursorOp int

const (
	CursorFirst CursorOp = iota
	CursorLast
	CursorSet
	CursorSetRange
)

// Cursor walks one sub-map's keys in order within the transaction that
// created it.
type Cursor interface {
	Seek(op CursorOp, key []byte) (k, v []byte, ok bool, err error)
	Next() (k, v []byte, ok bool, err error)
	Prev() (k, v []byte, ok bool, err error)
	Current() (k, v []byte, ok bool, err error)
	// Delete removes the entry the cursor currently sits on.
	Delete() error
	Close() error
}

// AdviseKind selects the OS memory-advise hint (spec C11).
type AdviseKind int

const (
	AdviseNormal AdviseKind = iota
	AdviseRandom
	AdviseSequential
	AdviseWillNeed
	AdviseDontNeed
)

// LockScope selects mlock's persistence across future growth of the mapping.
type LockScope int

const (
	LockCurrent LockScope = iota
	LockFuture
)

// Advise is the OS memory-optimization surface (spec §4.11) applied to an
// engine's mapped region. Every method is a safe no-op when the engine has
// no materialized mapping yet, rather than an error.
type Advise interface {
	AdviseMemory(kind AdviseKind) error
	MLock(scope LockScope) error
	MUnlock() error
	Prefetch(offset, length int64) error
	MapInfo() (addr uintptr, size int64, err error)
}
