// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package tuple implements fixed-arity rows and their on-disk layout.
//
// A stored row splits into key columns and dependent columns. The storage
// key is the big-endian relation id followed by the memcmp encoding of the
// key columns; the storage value is the compact encoding of the
// dependents. Keys of one relation therefore form a contiguous byte range
// and prefix scans over leading key columns are plain range scans.
package tuple

import (
	"encoding/binary"

	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/value"
)

// RelationId identifies a relation in storage. Ids below UserIdStart are
// reserved for the catalog.
type RelationId uint64

// UserIdStart is the first relation id handed to user relations.
const UserIdStart RelationId = 16

// Tuple is an ordered sequence of values.
type Tuple []value.Value

// Clone returns a copy sharing no slice header with t.
func (t Tuple) Clone() Tuple {
	out := make(Tuple, len(t))
	copy(out, t)
	return out
}

// Compare orders tuples lexicographically by element.
func (t Tuple) Compare(o Tuple) int {
	n := len(t)
	if len(o) < n {
		n = len(o)
	}
	for i := 0; i < n; i++ {
		if c := t[i].Compare(o[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(t) < len(o):
		return -1
	case len(t) > len(o):
		return 1
	}
	return 0
}

// EncodeKey builds the storage key for the key columns of a row.
func EncodeKey(rel RelationId, keys Tuple) []byte {
	buf := make([]byte, 8, 8+16*len(keys))
	binary.BigEndian.PutUint64(buf, uint64(rel))
	for _, v := range keys {
		buf = value.EncodeKey(buf, v)
	}
	return buf
}

// EncodeVals builds the storage value for the dependent columns of a row.
func EncodeVals(deps Tuple) []byte {
	buf := make([]byte, 0, 8*len(deps)+1)
	buf = binary.AppendUvarint(buf, uint64(len(deps)))
	for _, v := range deps {
		buf = value.EncodeValue(buf, v)
	}
	return buf
}

// DecodeKey decodes the key columns from a storage key, checking the
// relation prefix.
func DecodeKey(key []byte) (RelationId, Tuple, error) {
	if len(key) < 8 {
		return 0, nil, kerr.Internalf("tuple::short_key", "storage key shorter than its prefix")
	}
	rel := RelationId(binary.BigEndian.Uint64(key))
	rest := key[8:]
	var out Tuple
	for len(rest) > 0 {
		var v value.Value
		var err error
		v, rest, err = value.DecodeKey(rest)
		if err != nil {
			return 0, nil, err
		}
		out = append(out, v)
	}
	return rel, out, nil
}

// DecodeVals decodes the dependent columns from a storage value.
func DecodeVals(val []byte) (Tuple, error) {
	n, sz := binary.Uvarint(val)
	if sz <= 0 {
		return nil, kerr.Internalf("tuple::short_val", "truncated dependent columns")
	}
	rest := val[sz:]
	out := make(Tuple, 0, n)
	for i := uint64(0); i < n; i++ {
		var v value.Value
		var err error
		v, rest, err = value.DecodeValue(rest)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// DecodeRow reassembles the full row from a storage pair.
func DecodeRow(key, val []byte) (Tuple, error) {
	_, keys, err := DecodeKey(key)
	if err != nil {
		return nil, err
	}
	if len(val) == 0 {
		return keys, nil
	}
	deps, err := DecodeVals(val)
	if err != nil {
		return nil, err
	}
	return append(keys, deps...), nil
}

// ScanBounds returns the [lo, hi) byte range covering all rows of rel
// whose key columns start with prefix. An empty prefix covers the whole
// relation.
func ScanBounds(rel RelationId, prefix Tuple) (lo, hi []byte) {
	lo = EncodeKey(rel, prefix)
	hi = append(append([]byte(nil), lo...), 0xFF)
	return lo, hi
}

// The 0xFF bound above works because no value encoding begins with 0xFF
// except the Top sentinel, which never occurs at rest. For backends that
// cannot express exclusive upper bounds, Successor synthesizes the
// smallest key strictly above k.
func Successor(k []byte) []byte {
	return append(append([]byte(nil), k...), 0x00)
}

// RelBounds covers every key of one relation.
func RelBounds(rel RelationId) (lo, hi []byte) {
	lo = make([]byte, 8)
	binary.BigEndian.PutUint64(lo, uint64(rel))
	hi = make([]byte, 8)
	binary.BigEndian.PutUint64(hi, uint64(rel)+1)
	return lo, hi
}
