// Package keycodec composes order-preserving composite keys for non-unique
// secondary indexes.
//
// The underlying store (package kvstore) has no native DUPSORT sub-map type
// the way LMDB/MDBX does, so a non-unique index entry "(index_key -> primary
// key)" is stored as a single composite key inside an ordinary sub-map, with
// the primary key appended as a tuple element rather than as a duplicate
// value. Composing the tuple uses collatejson, the same library
// github.com/couchbase/indexing uses to turn a list of JSON-typed secondary
// index key components into one binary, order-preserving byte string: here
// the tuple is always the two-element JSON array [indexKeyHex, primaryKeyHex].
// Hex keeps arbitrary index/primary key bytes valid inside a JSON string
// regardless of content, and hex strings sort in the same order as the raw
// bytes they encode.
package keycodec

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/prataprc/collatejson"
)

const codecBufHint = 64

func newCodec() *collatejson.Codec {
	return collatejson.NewCodec(codecBufHint)
}

// EncodeComposite returns an order-preserving byte string such that, for two
// composites sharing the same indexKey, the encoding ordering matches the
// primaryKey ordering, and composites with a different indexKey never
// interleave with composites of another indexKey's group.
func EncodeComposite(indexKey, primaryKey []byte) ([]byte, error) {
	tuple, err := json.Marshal([2]string{
		hex.EncodeToString(indexKey),
		hex.EncodeToString(primaryKey),
	})
	if err != nil {
		return nil, err
	}
	codec := newCodec()
	out := make([]byte, 0, len(tuple)*2)
	encoded, err := codec.Encode(tuple, out)
	if err != nil {
		return nil, fmt.Errorf("keycodec: encode composite: %w", err)
	}
	return encoded, nil
}

// EncodePrefix returns the order-preserving encoding of just the indexKey
// half of the tuple, usable as an inclusive lower bound for a range scan that
// visits every composite sharing that indexKey.
func EncodePrefix(indexKey []byte) ([]byte, error) {
	tuple, err := json.Marshal([1]string{hex.EncodeToString(indexKey)})
	if err != nil {
		return nil, err
	}
	// Encode only the first tuple element's bytes by encoding the full
	// one-element array and trimming collatejson's array terminator so the
	// result is a proper prefix of any two-element composite sharing the
	// same first element.
	codec := newCodec()
	out := make([]byte, 0, len(tuple)*2)
	encoded, err := codec.Encode(tuple, out)
	if err != nil {
		return nil, fmt.Errorf("keycodec: encode prefix: %w", err)
	}
	return trimArrayTerminator(encoded), nil
}

// DecodeComposite reverses EncodeComposite.
func DecodeComposite(encoded []byte) (indexKey, primaryKey []byte, err error) {
	codec := newCodec()
	out := make([]byte, 0, len(encoded)*2)
	tuple, err := codec.Decode(encoded, out)
	if err != nil {
		return nil, nil, fmt.Errorf("keycodec: decode composite: %w", err)
	}
	var parts [2]string
	if err := json.Unmarshal(tuple, &parts); err != nil {
		return nil, nil, fmt.Errorf("keycodec: malformed tuple: %w", err)
	}
	indexKey, err = hex.DecodeString(parts[0])
	if err != nil {
		return nil, nil, err
	}
	primaryKey, err = hex.DecodeString(parts[1])
	if err != nil {
		return nil, nil, err
	}
	return indexKey, primaryKey, nil
}

// trimArrayTerminator drops collatejson's trailing array-close marker byte
// (0x00) so a one-element encoding becomes a valid prefix of the equivalent
// two-element encoding sharing the same first element.
func trimArrayTerminator(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	return b[:len(b)-1]
}
