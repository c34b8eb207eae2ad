// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package value

import (
	"bytes"
	"math"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// roundTrip decodes the encoding of v and asserts full identity.
func roundTrip(t *testing.T, v Value) {
	t.Helper()
	enc := EncodeKey(nil, v)
	dec, rest, err := DecodeKey(enc)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, v.Kind(), dec.Kind())
	require.Zero(t, v.Compare(dec), "decoded %s != %s", dec, v)
	require.Equal(t, v.String(), dec.String())
}

func TestEncodeDecodeNum(t *testing.T) {
	var collected [][]byte
	var values []Value

	test := func(v Value) {
		roundTrip(t, v)
		collected = append(collected, EncodeKey(nil, v))
		values = append(values, v)
	}

	n := int64(math.MaxInt64)
	for i := 0; i < 54; i++ {
		for j := int64(0); j < 50; j++ {
			vb := (n >> uint(i)) - j
			test(Int(vb))
			test(Int(-vb - 1))
		}
	}
	test(Float(math.Inf(1)))
	test(Float(math.Inf(-1)))
	test(Float(math.NaN()))
	for f := -4.0; f < 4.0; f += 0.0625 {
		test(Float(f))
		if f != 0 {
			test(Float(1 / f))
		}
	}

	// Byte order of the encodings must agree with value order.
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	byBytes := append([]int(nil), idx...)
	sort.SliceStable(byBytes, func(a, b int) bool {
		return bytes.Compare(collected[byBytes[a]], collected[byBytes[b]]) < 0
	})
	byValue := append([]int(nil), idx...)
	sort.SliceStable(byValue, func(a, b int) bool {
		c := values[byValue[a]].Compare(values[byValue[b]])
		if c != 0 {
			return c < 0
		}
		// Numerically equal int/float pairs tie in value order; the codec
		// breaks the tie with the discriminator, float first.
		return bytes.Compare(collected[byValue[a]], collected[byValue[b]]) < 0
	})
	require.Equal(t, byValue, byBytes)
}

func TestEncodeDecodeBytes(t *testing.T) {
	target := []byte("Lorem ipsum dolor sit amet, consectetur adipiscing elit...")
	for i := 0; i < len(target); i++ {
		bs := target[i:]

		enc := appendChunked(nil, bs)
		dec, rest, err := decodeChunked(enc)
		require.NoError(t, err)
		require.Empty(t, rest)
		require.Equal(t, bs, dec)

		// Several chunked strings concatenate unambiguously.
		enc = appendChunked(nil, target)
		enc = appendChunked(enc, bs)
		enc = appendChunked(enc, bs)
		enc = appendChunked(enc, target)

		dec, rest, err = decodeChunked(enc)
		require.NoError(t, err)
		require.Equal(t, target, dec)
		dec, rest, err = decodeChunked(rest)
		require.NoError(t, err)
		require.Equal(t, bs, dec)
		dec, rest, err = decodeChunked(rest)
		require.NoError(t, err)
		require.Equal(t, bs, dec)
		dec, rest, err = decodeChunked(rest)
		require.NoError(t, err)
		require.Empty(t, rest)
		require.Equal(t, target, dec)
	}
}

func TestChunkedWithZeros(t *testing.T) {
	for _, payload := range [][]byte{
		{}, {0}, {0, 0}, {0, 1}, {1, 0}, {0, 0xFF, 0}, {0xFF}, {0xFF, 0},
	} {
		enc := appendChunked(nil, payload)
		dec, rest, err := decodeChunked(enc)
		require.NoError(t, err)
		require.Empty(t, rest)
		require.Equal(t, payload, dec)
	}
	// Prefix ordering survives embedded zeros.
	a := appendChunked(nil, []byte("a"))
	b := appendChunked(nil, []byte("a\x00b"))
	require.Negative(t, bytes.Compare(a, b))
}

func TestEncodeDecodeUuid(t *testing.T) {
	u := uuid.MustParse("dd85b19a-5fde-11ed-a88e-1774a7698039")
	roundTrip(t, Uuid(u))
}

func TestSpecificEncode(t *testing.T) {
	enc := EncodeKey(nil, Int(2095))
	enc = EncodeKey(enc, Str("MSS"))
	a, rest, err := DecodeKey(enc)
	require.NoError(t, err)
	b, rest, err := DecodeKey(rest)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Zero(t, a.Compare(Int(2095)))
	require.Zero(t, b.Compare(Str("MSS")))
}

func TestEncodeDecodeNestedLists(t *testing.T) {
	dv := []Value{
		Null,
		Bool(false),
		Bool(true),
		Int(1),
		Float(1.0),
		Int(math.MaxInt64),
		Int(math.MaxInt64 - 1),
		Int(math.MinInt64),
		Int(math.MinInt64 + 1),
		Float(math.Inf(1)),
		Float(math.Inf(-1)),
		List(nil),
	}
	dv = append(dv, List(append([]Value(nil), dv...)))
	dv = append(dv, List(append([]Value(nil), dv...)))
	roundTrip(t, List(dv))
}

func TestValidityKeyOrder(t *testing.T) {
	// Later timestamps sort first; asserts before retractions on ties.
	newer := EncodeKey(nil, Vld(10, true))
	older := EncodeKey(nil, Vld(5, true))
	require.Negative(t, bytes.Compare(newer, older))

	assert := EncodeKey(nil, Vld(10, true))
	retract := EncodeKey(nil, Vld(10, false))
	require.Negative(t, bytes.Compare(assert, retract))

	roundTrip(t, Vld(-12345, false))
	roundTrip(t, Vld(12345, true))
}

func TestSentinelBounds(t *testing.T) {
	bot := EncodeKey(nil, Bot)
	top := EncodeKey(nil, Top)
	for _, v := range []Value{
		Null, Bool(true), Int(-1), Float(2.5), Str("x"), Bytes([]byte{9}),
		List([]Value{Int(1)}), Vld(7, true),
	} {
		enc := EncodeKey(nil, v)
		require.Negative(t, bytes.Compare(bot, enc))
		require.Positive(t, bytes.Compare(top, enc))
	}
}

// genValue produces an arbitrary value of bounded depth.
func genValue(depth int) *rapid.Generator[Value] {
	return rapid.Custom(func(t *rapid.T) Value {
		max := 8
		if depth > 0 {
			max = 10
		}
		switch rapid.IntRange(0, max).Draw(t, "kind") {
		case 0:
			return Null
		case 1:
			return Bool(rapid.Bool().Draw(t, "b"))
		case 2:
			return Int(rapid.Int64().Draw(t, "i"))
		case 3:
			return Float(rapid.Float64().Draw(t, "f"))
		case 4:
			return Str(rapid.String().Draw(t, "s"))
		case 5:
			return Bytes(rapid.SliceOfN(rapid.Byte(), 0, 16).Draw(t, "by"))
		case 6:
			var u uuid.UUID
			copy(u[:], rapid.SliceOfN(rapid.Byte(), 16, 16).Draw(t, "u"))
			return Uuid(u)
		case 7:
			return Vld(rapid.Int64Range(MinValidityTs+1, MaxValidityTs-1).Draw(t, "ts"),
				rapid.Bool().Draw(t, "assert"))
		case 8:
			return Vec(Vector{F32: rapid.SliceOfN(rapid.Float32(), 0, 4).Draw(t, "vec")})
		case 9:
			return List(rapid.SliceOfN(genValue(depth-1), 0, 3).Draw(t, "list"))
		default:
			return Set(rapid.SliceOfN(genValue(depth-1), 0, 3).Draw(t, "set"))
		}
	})
}

func TestKeyCodecProperties(t *testing.T) {
	gen := genValue(2)
	rapid.Check(t, func(t *rapid.T) {
		a := gen.Draw(t, "a")
		b := gen.Draw(t, "b")

		encA := EncodeKey(nil, a)
		decA, rest, err := DecodeKey(encA)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(rest) != 0 {
			t.Fatalf("trailing bytes after decode")
		}
		if decA.Compare(a) != 0 || decA.Kind() != a.Kind() {
			t.Fatalf("round trip changed %s into %s", a, decA)
		}

		encB := EncodeKey(nil, b)
		bc := bytes.Compare(encA, encB)
		vc := a.Compare(b)
		if bc < 0 && vc > 0 || bc > 0 && vc < 0 {
			t.Fatalf("order mismatch: bytes %d vs values %d for %s / %s", bc, vc, a, b)
		}
		if bc == 0 && vc != 0 {
			t.Fatalf("equal encodings for unequal values %s / %s", a, b)
		}
	})
}

func TestValueCodecProperties(t *testing.T) {
	gen := genValue(2)
	rapid.Check(t, func(t *rapid.T) {
		v := gen.Draw(t, "v")
		enc := EncodeValue(nil, v)
		dec, rest, err := DecodeValue(enc)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(rest) != 0 {
			t.Fatalf("trailing bytes after decode")
		}
		if dec.Compare(v) != 0 || dec.Kind() != v.Kind() {
			t.Fatalf("round trip changed %s into %s", v, dec)
		}
	})
}
