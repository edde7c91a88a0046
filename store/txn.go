package store

import (
	"bytes"

	"github.com/brineflow/kvindex/kvstore"
)

// Txn wraps one read or write transaction from the underlying store,
// routing every mutating primitive through the index engine before it
// touches the primary tree (spec §4.7).
type Txn struct {
	tree  *Tree
	raw   kvstore.Txn
	write bool
	done  bool
}

// Begin starts a transaction against the tree.
func (t *Tree) Begin(write bool) (*Txn, error) {
	raw, err := t.store.engine.Begin(write)
	if err != nil {
		return nil, translateStoreErr("store.Tree.Begin", err)
	}
	return &Txn{tree: t, raw: raw, write: write}, nil
}

// IsWrite reports whether this is a write transaction.
func (tx *Txn) IsWrite() bool { return tx.write }

// Commit commits the transaction. On success, I1-I3 hold across the main
// tree and every attached index (spec I6).
func (tx *Txn) Commit() error {
	if tx.done {
		return errInvalid("store.Txn.Commit: transaction already finished")
	}
	tx.done = true
	if err := tx.raw.Commit(); err != nil {
		return translateStoreErr("store.Txn.Commit", err)
	}
	return nil
}

// Abort aborts the transaction with no visible effect on the main tree or
// any attached index (spec I6).
func (tx *Txn) Abort() error {
	if tx.done {
		return nil
	}
	tx.done = true
	if err := tx.raw.Abort(); err != nil {
		return translateStoreErr("store.Txn.Abort", err)
	}
	return nil
}

func (tx *Txn) requireWrite(op string) error {
	if !tx.write {
		return errInvalid(op + ": read-only transaction")
	}
	return nil
}

func (tx *Txn) getPrimary(key []byte) ([]byte, bool, error) {
	v, ok, err := tx.raw.Get(tx.tree.name, key)
	if err != nil {
		return nil, false, translateStoreErr("store.Txn.Get", err)
	}
	return v, ok, nil
}

// Get returns the value stored for key, or ok=false if absent.
func (tx *Txn) Get(key []byte) ([]byte, bool, error) {
	return tx.getPrimary(key)
}

// GetMany looks up several keys in one call.
func (tx *Txn) GetMany(keys [][]byte) ([][]byte, []bool, error) {
	values := make([][]byte, len(keys))
	oks := make([]bool, len(keys))
	for i, k := range keys {
		v, ok, err := tx.getPrimary(k)
		if err != nil {
			return nil, nil, err
		}
		values[i] = v
		oks[i] = ok
	}
	return values, oks, nil
}

// ExistsMany reports whether each key is present.
func (tx *Txn) ExistsMany(keys [][]byte) ([]bool, error) {
	_, oks, err := tx.GetMany(keys)
	return oks, err
}

// Put is an upsert: if key already exists, the Update index-maintenance
// protocol runs; otherwise the Insert protocol runs (spec §4.8).
func (tx *Txn) Put(key, value []byte) error {
	if err := tx.requireWrite("store.Txn.Put"); err != nil {
		return err
	}
	old, existed, err := tx.getPrimary(key)
	if err != nil {
		return err
	}
	if existed {
		if err := tx.tree.indexUpdate(tx.raw, key, old, value); err != nil {
			return err
		}
	} else {
		if err := tx.tree.indexInsert(tx.raw, key, value); err != nil {
			return err
		}
	}
	if err := tx.raw.Put(tx.tree.name, key, value); err != nil {
		return translateStoreErr("store.Txn.Put", err)
	}
	return nil
}

// Delete removes key. If key is absent, it returns false and touches no
// index (spec §4.8).
func (tx *Txn) Delete(key []byte) (bool, error) {
	if err := tx.requireWrite("store.Txn.Delete"); err != nil {
		return false, err
	}
	old, existed, err := tx.getPrimary(key)
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}
	if err := tx.tree.indexDelete(tx.raw, key, old); err != nil {
		return false, err
	}
	existed, err = tx.raw.Delete(tx.tree.name, key)
	if err != nil {
		return false, translateStoreErr("store.Txn.Delete", err)
	}
	return existed, nil
}

// Update requires key to already exist; it is otherwise identical to Put's
// Update branch, and returns NOT_FOUND when key is absent.
func (tx *Txn) Update(key, value []byte) error {
	if err := tx.requireWrite("store.Txn.Update"); err != nil {
		return err
	}
	old, existed, err := tx.getPrimary(key)
	if err != nil {
		return err
	}
	if !existed {
		return errNotFound("store.Txn.Update: key does not exist")
	}
	if err := tx.tree.indexUpdate(tx.raw, key, old, value); err != nil {
		return err
	}
	if err := tx.raw.Put(tx.tree.name, key, value); err != nil {
		return translateStoreErr("store.Txn.Update", err)
	}
	return nil
}

// Merge applies the tree's merge function (default: overwrite) to combine
// an existing value with a new one, then proceeds as Put.
func (tx *Txn) Merge(key, value []byte) error {
	if err := tx.requireWrite("store.Txn.Merge"); err != nil {
		return err
	}
	old, existed, err := tx.getPrimary(key)
	if err != nil {
		return err
	}
	merged := value
	if existed {
		merged = tx.tree.merge(key, old, value)
		if err := tx.tree.indexUpdate(tx.raw, key, old, merged); err != nil {
			return err
		}
	} else {
		if err := tx.tree.indexInsert(tx.raw, key, merged); err != nil {
			return err
		}
	}
	if err := tx.raw.Put(tx.tree.name, key, merged); err != nil {
		return translateStoreErr("store.Txn.Merge", err)
	}
	return nil
}

// ModifyFunc decides the outcome of Txn.Modify given the existing value (if
// any): returning del=true deletes the key; returning a non-nil newValue
// with del=false inserts or updates; returning (nil, false) is a no-op.
type ModifyFunc func(existing []byte, ok bool) (newValue []byte, del bool)

// Modify reads the current value (if any), asks f for the outcome, and
// performs whichever of insert/update/delete/no-op f selected, all through
// the index-maintaining paths.
func (tx *Txn) Modify(key []byte, f ModifyFunc) error {
	if err := tx.requireWrite("store.Txn.Modify"); err != nil {
		return err
	}
	old, existed, err := tx.getPrimary(key)
	if err != nil {
		return err
	}
	newValue, del := f(old, existed)
	switch {
	case del:
		if !existed {
			return nil
		}
		_, err := tx.Delete(key)
		return err
	case newValue == nil:
		return nil
	case existed:
		return tx.Update(key, newValue)
	default:
		return tx.Put(key, newValue)
	}
}

// ScanCallback is called once per visited (key, value); returning false
// stops the scan early without error.
type ScanCallback func(key, value []byte) bool

// ScanRange visits [start, end] in ascending order. A nil bound is open.
func (tx *Txn) ScanRange(start, end []byte, cb ScanCallback) error {
	cur, err := tx.raw.Cursor(tx.tree.name)
	if err != nil {
		return translateStoreErr("store.Txn.ScanRange", err)
	}
	defer cur.Close()

	var k, v []byte
	var ok bool
	if start == nil {
		k, v, ok, err = cur.Seek(kvstore.CursorFirst, nil)
	} else {
		k, v, ok, err = cur.Seek(kvstore.CursorSetRange, start)
	}
	for ; ok && err == nil; k, v, ok, err = cur.Next() {
		if end != nil && bytes.Compare(k, end) > 0 {
			break
		}
		if !cb(k, v) {
			return nil
		}
	}
	if err != nil {
		return translateStoreErr("store.Txn.ScanRange", err)
	}
	return nil
}

// seekLastAtMost positions cur at the greatest key <= bound, or at the
// very last key if bound is nil.
func seekLastAtMost(cur kvstore.Cursor, bound []byte) ([]byte, []byte, bool, error) {
	if bound == nil {
		return cur.Seek(kvstore.CursorLast, nil)
	}
	k, v, ok, err := cur.Seek(kvstore.CursorSetRange, bound)
	if err != nil {
		return nil, nil, false, err
	}
	if !ok {
		return cur.Seek(kvstore.CursorLast, nil)
	}
	if bytes.Compare(k, bound) > 0 {
		return cur.Prev()
	}
	return k, v, true, nil
}

// ScanReverse visits [start, end] in descending order: positioned at the
// greatest key <= end (or the last key if end is nil), then walks backward
// until the key would fall below start (spec §4.7, P10).
func (tx *Txn) ScanReverse(start, end []byte, cb ScanCallback) error {
	cur, err := tx.raw.Cursor(tx.tree.name)
	if err != nil {
		return translateStoreErr("store.Txn.ScanReverse", err)
	}
	defer cur.Close()

	k, v, ok, err := seekLastAtMost(cur, end)
	for ; ok && err == nil; k, v, ok, err = cur.Prev() {
		if start != nil && bytes.Compare(k, start) < 0 {
			break
		}
		if !cb(k, v) {
			return nil
		}
	}
	if err != nil {
		return translateStoreErr("store.Txn.ScanReverse", err)
	}
	return nil
}

// ScanPrefix visits every key starting with prefix, in ascending order,
// stopping at the first key that no longer shares the prefix (spec P9).
func (tx *Txn) ScanPrefix(prefix []byte, cb ScanCallback) error {
	cur, err := tx.raw.Cursor(tx.tree.name)
	if err != nil {
		return translateStoreErr("store.Txn.ScanPrefix", err)
	}
	defer cur.Close()

	k, v, ok, err := cur.Seek(kvstore.CursorSetRange, prefix)
	for ; ok && err == nil; k, v, ok, err = cur.Next() {
		if !bytes.HasPrefix(k, prefix) {
			break
		}
		if !cb(k, v) {
			return nil
		}
	}
	if err != nil {
		return translateStoreErr("store.Txn.ScanPrefix", err)
	}
	return nil
}

// DeleteIf deletes every entry in [start, end] for which predicate returns
// true, routing each deletion through the index engine, and returns the
// count deleted.
func (tx *Txn) DeleteIf(start, end []byte, predicate func(key, value []byte) bool) (int, error) {
	if err := tx.requireWrite("store.Txn.DeleteIf"); err != nil {
		return 0, err
	}
	cur, err := tx.raw.Cursor(tx.tree.name)
	if err != nil {
		return 0, translateStoreErr("store.Txn.DeleteIf", err)
	}
	defer cur.Close()

	var k, v []byte
	var ok bool
	if start == nil {
		k, v, ok, err = cur.Seek(kvstore.CursorFirst, nil)
	} else {
		k, v, ok, err = cur.Seek(kvstore.CursorSetRange, start)
	}

	count := 0
	for ; ok && err == nil; k, v, ok, err = cur.Next() {
		if end != nil && bytes.Compare(k, end) > 0 {
			break
		}
		if !predicate(k, v) {
			continue
		}
		// Copy key/value into transient buffers before the delete: the
		// cursor's reference to them is not guaranteed valid afterward
		// (spec §4.10).
		keyCopy := append([]byte(nil), k...)
		valueCopy := append([]byte(nil), v...)
		if err := tx.tree.indexDelete(tx.raw, keyCopy, valueCopy); err != nil {
			return count, err
		}
		if err := cur.Delete(); err != nil {
			return count, translateStoreErr("store.Txn.DeleteIf", err)
		}
		count++
	}
	if err != nil {
		return count, translateStoreErr("store.Txn.DeleteIf", err)
	}
	return count, nil
}

// CollectRange gathers up to maxCount (0 = unlimited) matching entries from
// [start, end] into parallel key/value slices.
func (tx *Txn) CollectRange(start, end []byte, predicate func(key, value []byte) bool, maxCount int) ([][]byte, [][]byte, error) {
	var keys, values [][]byte
	err := tx.ScanRange(start, end, func(k, v []byte) bool {
		if predicate != nil && !predicate(k, v) {
			return true
		}
		keys = append(keys, append([]byte(nil), k...))
		values = append(values, append([]byte(nil), v...))
		return maxCount <= 0 || len(keys) < maxCount
	})
	return keys, values, err
}
