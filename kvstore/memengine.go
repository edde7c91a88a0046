package kvstore

import (
	"bytes"
	"sort"
	"sync"
)

// MemEngine is a process-local, non-persistent implementation of Engine
// used by this module's own test suite so the transactional/index layer
// (package store) can be exercised deterministically without cgo. It copies
// a sub-map's entries on first write within a transaction (copy-on-write),
// giving read transactions a stable snapshot the way the spec's MVCC
// read-snapshot requirement describes, at the cost of doing a full map copy
// per touched sub-map per write transaction — fine for tests, not a
// production engine.
type MemEngine struct {
	writeMu sync.Mutex

	mu     sync.RWMutex
	subs   map[string]*subMapData
	nextID uint32
	closed bool
}

type subMapData struct {
	id      uint32
	dupSort bool
	compare Comparator
	entries map[string][]byte
}

func (sm *subMapData) clone() *subMapData {
	cp := &subMapData{id: sm.id, dupSort: sm.dupSort, compare: sm.compare, entries: make(map[string][]byte, len(sm.entries))}
	for k, v := range sm.entries {
		vv := make([]byte, len(v))
		copy(vv, v)
		cp.entries[k] = vv
	}
	return cp
}

func NewMemEngine() *MemEngine {
	return &MemEngine{subs: make(map[string]*subMapData)}
}

func (e *MemEngine) SupportsCustomCompare() bool { return true }

func (e *MemEngine) OpenSubMap(name string, opts SubMapOptions) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sm, ok := e.subs[name]; ok {
		if opts.Compare != nil {
			sm.compare = opts.Compare
		}
		return sm.id, nil
	}
	if !opts.Create {
		return 0, ErrNotFound
	}
	e.nextID++
	e.subs[name] = &subMapData{
		id:      e.nextID,
		dupSort: opts.DupSort,
		compare: opts.Compare,
		entries: make(map[string][]byte),
	}
	return e.nextID, nil
}

func (e *MemEngine) DropSubMap(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, name)
	return nil
}

func (e *MemEngine) ListSubMaps(prefix string) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []string
	for name := range e.subs {
		if len(prefix) == 0 || (len(name) >= len(prefix) && name[:len(prefix)] == prefix) {
			out = append(out, name)
		}
	}
	return out, nil
}

func (e *MemEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errAlreadyClosed
	}
	e.closed = true
	return nil
}

var errAlreadyClosed = bytesErr("kvstore: engine already closed")

type bytesErr string

func (b bytesErr) Error() string { return string(b) }

// Advise surface: MemEngine has no real mapping, so every call is a no-op,
// matching spec §4.11's "operations succeed as no-ops" rule.
func (e *MemEngine) AdviseMemory(AdviseKind) error        { return nil }
func (e *MemEngine) MLock(LockScope) error                { return nil }
func (e *MemEngine) MUnlock() error                        { return nil }
func (e *MemEngine) Prefetch(offset, length int64) error  { return nil }
func (e *MemEngine) MapInfo() (uintptr, int64, error)     { return 0, 0, nil }

func (e *MemEngine) Begin(write bool) (Txn, error) {
	if write {
		e.writeMu.Lock()
	}
	e.mu.RLock()
	base := make(map[string]*subMapData, len(e.subs))
	for k, v := range e.subs {
		base[k] = v
	}
	e.mu.RUnlock()
	return &memTxn{
		engine: e,
		write:  write,
		base:   base,
		dirty:  make(map[string]*subMapData),
	}, nil
}

type memTxn struct {
	engine *MemEngine
	write  bool
	base   map[string]*subMapData
	dirty  map[string]*subMapData
	done   bool
}

func (tx *memTxn) IsWrite() bool { return tx.write }

func (tx *memTxn) view(subMap string) *subMapData {
	if sm, ok := tx.dirty[subMap]; ok {
		return sm
	}
	return tx.base[subMap]
}

func (tx *memTxn) mutable(subMap string) (*subMapData, error) {
	if !tx.write {
		return nil, ErrTxnReadOnly
	}
	if sm, ok := tx.dirty[subMap]; ok {
		return sm, nil
	}
	base, ok := tx.base[subMap]
	if !ok {
		return nil, ErrNotFound
	}
	cp := base.clone()
	tx.dirty[subMap] = cp
	return cp, nil
}

func (tx *memTxn) Put(subMap string, key, value []byte) error {
	sm, err := tx.mutable(subMap)
	if err != nil {
		return err
	}
	vv := make([]byte, len(value))
	copy(vv, value)
	sm.entries[string(key)] = vv
	return nil
}

func (tx *memTxn) Delete(subMap string, key []byte) (bool, error) {
	sm, err := tx.mutable(subMap)
	if err != nil {
		return false, err
	}
	_, existed := sm.entries[string(key)]
	delete(sm.entries, string(key))
	return existed, nil
}

func (tx *memTxn) Get(subMap string, key []byte) ([]byte, bool, error) {
	sm := tx.view(subMap)
	if sm == nil {
		return nil, false, nil
	}
	v, ok := sm.entries[string(key)]
	return v, ok, nil
}

func (tx *memTxn) Cursor(subMap string) (Cursor, error) {
	sm := tx.view(subMap)
	var cmp Comparator = bytes.Compare
	var keys [][]byte
	if sm != nil {
		if sm.compare != nil {
			cmp = sm.compare
		}
		keys = make([][]byte, 0, len(sm.entries))
		values := make(map[string][]byte, len(sm.entries))
		for k, v := range sm.entries {
			keys = append(keys, []byte(k))
			values[k] = v
		}
		sort.Slice(keys, func(i, j int) bool { return cmp(keys[i], keys[j]) < 0 })
		return &memCursor{tx: tx, subMap: subMap, cmp: cmp, keys: keys, values: values, pos: -1}, nil
	}
	return &memCursor{tx: tx, subMap: subMap, cmp: cmp, pos: -1}, nil
}

func (tx *memTxn) Commit() error {
	if tx.done {
		return errTxnDone
	}
	tx.done = true
	if !tx.write {
		return nil
	}
	defer tx.engine.writeMu.Unlock()
	tx.engine.mu.Lock()
	for name, sm := range tx.dirty {
		tx.engine.subs[name] = sm
	}
	tx.engine.mu.Unlock()
	return nil
}

func (tx *memTxn) Abort() error {
	if tx.done {
		return errTxnDone
	}
	tx.done = true
	if tx.write {
		tx.engine.writeMu.Unlock()
	}
	return nil
}

var errTxnDone = bytesErr("kvstore: transaction already committed or aborted")

type memCursor struct {
	tx     *memTxn
	subMap string
	cmp    Comparator
	keys   [][]byte
	values map[string][]byte
	pos    int
	// fdbDelete, when set, backs Delete() for cursors returned by
	// ForestDBEngine's Txn.Cursor, which has no *memTxn of its own.
	fdbDelete func(key []byte) error
}

func (c *memCursor) at(i int) (k, v []byte, ok bool) {
	if i < 0 || i >= len(c.keys) {
		return nil, nil, false
	}
	return c.keys[i], c.values[string(c.keys[i])], true
}

func (c *memCursor) Seek(op CursorOp, key []byte) ([]byte, []byte, bool, error) {
	switch op {
	case CursorFirst:
		c.pos = 0
	case CursorLast:
		c.pos = len(c.keys) - 1
	case CursorSet:
		c.pos = sort.Search(len(c.keys), func(i int) bool { return c.cmp(c.keys[i], key) >= 0 })
		if c.pos >= len(c.keys) || c.cmp(c.keys[c.pos], key) != 0 {
			c.pos = len(c.keys)
		}
	case CursorSetRange:
		c.pos = sort.Search(len(c.keys), func(i int) bool { return c.cmp(c.keys[i], key) >= 0 })
	}
	k, v, ok := c.at(c.pos)
	return k, v, ok, nil
}

func (c *memCursor) Next() ([]byte, []byte, bool, error) {
	c.pos++
	k, v, ok := c.at(c.pos)
	return k, v, ok, nil
}

func (c *memCursor) Prev() ([]byte, []byte, bool, error) {
	c.pos--
	k, v, ok := c.at(c.pos)
	return k, v, ok, nil
}

func (c *memCursor) Current() ([]byte, []byte, bool, error) {
	k, v, ok := c.at(c.pos)
	return k, v, ok, nil
}

func (c *memCursor) Delete() error {
	k, _, ok := c.at(c.pos)
	if !ok {
		return ErrNotFound
	}
	if c.fdbDelete != nil {
		return c.fdbDelete(k)
	}
	_, err := c.tx.Delete(c.subMap, k)
	return err
}

func (c *memCursor) Close() error { return nil }
