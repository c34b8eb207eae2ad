// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package tuple

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/krakdb/internal/value"
)

func TestRowRoundTrip(t *testing.T) {
	keys := Tuple{value.Int(7), value.Str("k")}
	deps := Tuple{value.Float(2.5), value.Null}
	k := EncodeKey(42, keys)
	v := EncodeVals(deps)

	rel, gotKeys, err := DecodeKey(k)
	require.NoError(t, err)
	require.Equal(t, RelationId(42), rel)
	require.Zero(t, gotKeys.Compare(keys))

	full, err := DecodeRow(k, v)
	require.NoError(t, err)
	require.Zero(t, full.Compare(append(keys.Clone(), deps...)))
}

func TestScanBoundsCoverPrefix(t *testing.T) {
	lo, hi := ScanBounds(5, Tuple{value.Int(1)})
	inside := EncodeKey(5, Tuple{value.Int(1), value.Str("x")})
	outside := EncodeKey(5, Tuple{value.Int(2)})
	otherRel := EncodeKey(6, Tuple{value.Int(1)})

	require.LessOrEqual(t, bytes.Compare(lo, inside), 0)
	require.Negative(t, bytes.Compare(inside, hi))
	require.False(t, bytes.Compare(lo, outside) <= 0 && bytes.Compare(outside, hi) < 0)
	require.False(t, bytes.Compare(lo, otherRel) <= 0 && bytes.Compare(otherRel, hi) < 0)

	// The exact prefix row itself is covered.
	exact := EncodeKey(5, Tuple{value.Int(1)})
	require.LessOrEqual(t, bytes.Compare(lo, exact), 0)
	require.Negative(t, bytes.Compare(exact, hi))
}

func TestRelBounds(t *testing.T) {
	lo, hi := RelBounds(9)
	in := EncodeKey(9, Tuple{value.Str("anything")})
	require.LessOrEqual(t, bytes.Compare(lo, in), 0)
	require.Negative(t, bytes.Compare(in, hi))
	out := EncodeKey(10, nil)
	require.GreaterOrEqual(t, bytes.Compare(out, hi), 0)
}

func TestSuccessor(t *testing.T) {
	k := []byte{1, 2, 3}
	s := Successor(k)
	require.Positive(t, bytes.Compare(s, k))
	// Nothing sorts strictly between a key and its successor.
	require.Equal(t, append([]byte{1, 2, 3}, 0), s)
}

func TestTupleCompare(t *testing.T) {
	a := Tuple{value.Int(1), value.Int(2)}
	b := Tuple{value.Int(1), value.Int(3)}
	require.Negative(t, a.Compare(b))
	require.Positive(t, b.Compare(a))
	require.Zero(t, a.Compare(a.Clone()))
	require.Negative(t, Tuple{value.Int(1)}.Compare(a))
}
