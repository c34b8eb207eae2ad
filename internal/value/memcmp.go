// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package value

import (
	"encoding/binary"
	"math"

	"github.com/google/uuid"

	kerr "github.com/kraklabs/krakdb/internal/errors"
)

// Key codec tags. Numeric tag order matches value order; Bot and Top are
// the extreme tags so they work as exclusive range bounds.
const (
	tagBot      byte = 0x00
	tagNull     byte = 0x01
	tagBool     byte = 0x02
	tagNum      byte = 0x03
	tagString   byte = 0x04
	tagBytes    byte = 0x05
	tagUuid     byte = 0x06
	tagList     byte = 0x07
	tagSet      byte = 0x08
	tagVec      byte = 0x09
	tagJson     byte = 0x0A
	tagValidity byte = 0x0B
	tagTop      byte = 0xFF
)

// Number discriminators, ordered Float below Int so that a float and an
// int with the same mathematical value encode adjacently, float first.
const (
	numDiscFloat byte = 0x00
	numDiscInt   byte = 0x01
)

// EncodeKey appends the memcmp encoding of v to dst. The invariant is
// byte order == value order: for any a, b with a.Compare(b) < 0,
// EncodeKey(a) sorts strictly below EncodeKey(b). Numerically equal Int
// and Float encode distinctly but adjacently.
func EncodeKey(dst []byte, v Value) []byte {
	switch v.kind {
	case KindBot:
		return append(dst, tagBot)
	case KindTop:
		return append(dst, tagTop)
	case KindNull:
		return append(dst, tagNull)
	case KindBool:
		dst = append(dst, tagBool)
		if v.b {
			return append(dst, 1)
		}
		return append(dst, 0)
	case KindInt, KindFloat:
		dst = append(dst, tagNum)
		orderKey, residual, disc := numKeyParts(v)
		dst = appendU64(dst, orderKey)
		dst = appendU64(dst, residual)
		return append(dst, disc)
	case KindString:
		dst = append(dst, tagString)
		return appendChunked(dst, []byte(v.s))
	case KindBytes:
		dst = append(dst, tagBytes)
		return appendChunked(dst, v.by)
	case KindUuid:
		dst = append(dst, tagUuid)
		return append(dst, uuidSortKey(v.u)...)
	case KindList, KindSet:
		if v.kind == KindList {
			dst = append(dst, tagList)
		} else {
			dst = append(dst, tagSet)
		}
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(v.l)))
		for _, e := range v.l {
			dst = EncodeKey(dst, e)
		}
		return dst
	case KindVec:
		dst = append(dst, tagVec)
		if v.vec.Is64() {
			dst = append(dst, 1)
			dst = binary.BigEndian.AppendUint32(dst, uint32(len(v.vec.F64)))
			for _, f := range v.vec.F64 {
				dst = appendU64(dst, orderedFloat64(f))
			}
		} else {
			dst = append(dst, 0)
			dst = binary.BigEndian.AppendUint32(dst, uint32(len(v.vec.F32)))
			for _, f := range v.vec.F32 {
				dst = binary.BigEndian.AppendUint32(dst, orderedFloat32(f))
			}
		}
		return dst
	case KindJson:
		dst = append(dst, tagJson)
		return appendChunked(dst, []byte(v.s))
	case KindValidity:
		dst = append(dst, tagValidity)
		// Invert the biased timestamp so larger timestamps sort first.
		dst = appendU64(dst, ^biasI64(v.vld.Ts))
		if v.vld.Assert {
			return append(dst, 0)
		}
		return append(dst, 1)
	}
	return dst
}

// DecodeKey decodes one value from the front of buf and returns the rest.
func DecodeKey(buf []byte) (Value, []byte, error) {
	if len(buf) == 0 {
		return Null, nil, kerr.Internalf("key::truncated", "empty key buffer")
	}
	tag := buf[0]
	buf = buf[1:]
	switch tag {
	case tagBot:
		return Bot, buf, nil
	case tagTop:
		return Top, buf, nil
	case tagNull:
		return Null, buf, nil
	case tagBool:
		if len(buf) < 1 {
			return Null, nil, kerr.Internalf("key::truncated", "truncated bool key")
		}
		return Bool(buf[0] != 0), buf[1:], nil
	case tagNum:
		if len(buf) < 17 {
			return Null, nil, kerr.Internalf("key::truncated", "truncated number key")
		}
		orderKey := binary.BigEndian.Uint64(buf)
		residual := binary.BigEndian.Uint64(buf[8:])
		disc := buf[16]
		rest := buf[17:]
		if disc == numDiscInt {
			return Int(unbiasI64(residual)), rest, nil
		}
		return Float(unorderedFloat64(orderKey)), rest, nil
	case tagString:
		raw, rest, err := decodeChunked(buf)
		if err != nil {
			return Null, nil, err
		}
		return Str(string(raw)), rest, nil
	case tagBytes:
		raw, rest, err := decodeChunked(buf)
		if err != nil {
			return Null, nil, err
		}
		return Bytes(raw), rest, nil
	case tagUuid:
		if len(buf) < 16 {
			return Null, nil, kerr.Internalf("key::truncated", "truncated uuid key")
		}
		var u uuid.UUID
		k := buf[:16]
		u[6], u[7], u[4], u[5] = k[0], k[1], k[2], k[3]
		u[0], u[1], u[2], u[3] = k[4], k[5], k[6], k[7]
		copy(u[8:], k[8:16])
		return Uuid(u), buf[16:], nil
	case tagList, tagSet:
		if len(buf) < 4 {
			return Null, nil, kerr.Internalf("key::truncated", "truncated list key")
		}
		n := binary.BigEndian.Uint32(buf)
		buf = buf[4:]
		elems := make([]Value, 0, n)
		for i := uint32(0); i < n; i++ {
			var e Value
			var err error
			e, buf, err = DecodeKey(buf)
			if err != nil {
				return Null, nil, err
			}
			elems = append(elems, e)
		}
		if tag == tagList {
			return List(elems), buf, nil
		}
		return Value{kind: KindSet, l: elems}, buf, nil
	case tagVec:
		if len(buf) < 5 {
			return Null, nil, kerr.Internalf("key::truncated", "truncated vec key")
		}
		is64 := buf[0] == 1
		n := int(binary.BigEndian.Uint32(buf[1:]))
		buf = buf[5:]
		if is64 {
			if len(buf) < 8*n {
				return Null, nil, kerr.Internalf("key::truncated", "truncated vec key")
			}
			fs := make([]float64, n)
			for i := 0; i < n; i++ {
				fs[i] = unorderedFloat64(binary.BigEndian.Uint64(buf[8*i:]))
			}
			return Vec(Vector{F64: fs}), buf[8*n:], nil
		}
		if len(buf) < 4*n {
			return Null, nil, kerr.Internalf("key::truncated", "truncated vec key")
		}
		fs := make([]float32, n)
		for i := 0; i < n; i++ {
			fs[i] = unorderedFloat32(binary.BigEndian.Uint32(buf[4*i:]))
		}
		return Vec(Vector{F32: fs}), buf[4*n:], nil
	case tagJson:
		raw, rest, err := decodeChunked(buf)
		if err != nil {
			return Null, nil, err
		}
		return Json(string(raw)), rest, nil
	case tagValidity:
		if len(buf) < 9 {
			return Null, nil, kerr.Internalf("key::truncated", "truncated validity key")
		}
		ts := unbiasI64(^binary.BigEndian.Uint64(buf))
		assert := buf[8] == 0
		return Vld(ts, assert), buf[9:], nil
	}
	return Null, nil, kerr.Internalf("key::bad_tag", "unknown key tag 0x%02x", tag)
}

// numKeyParts splits a number into its three key components: an 8-byte
// order key (the sign-flipped float64 bits, monotone but lossy above
// 2^53), an 8-byte exact residual that breaks ties between integers
// collapsing onto the same float, and the Int/Float discriminator.
func numKeyParts(v Value) (orderKey, residual uint64, disc byte) {
	if v.kind == KindInt {
		return orderedFloat64(float64(v.i)), biasI64(v.i), numDiscInt
	}
	f := v.f
	orderKey = orderedFloat64(f)
	switch {
	case f == math.Trunc(f) && f >= math.MinInt64 && f < 1<<63:
		// Integral and exactly representable as int64: place it among the
		// integers sharing its order key.
		residual = biasI64(int64(f))
	case f >= 1<<63:
		// Above the int64 range every colliding integer is smaller.
		residual = math.MaxUint64
	default:
		residual = 0
	}
	return orderKey, residual, numDiscFloat
}

// orderedFloat64 maps float64 bits to uint64 so that unsigned byte order
// equals numeric order: flip the sign bit for non-negatives, all bits for
// negatives. NaN is canonicalized first and lands above +Inf.
func orderedFloat64(f float64) uint64 {
	if math.IsNaN(f) {
		f = math.NaN()
	} else if f == 0 {
		f = 0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

func unorderedFloat64(u uint64) float64 {
	if u&(1<<63) != 0 {
		return math.Float64frombits(u &^ (1 << 63))
	}
	return math.Float64frombits(^u)
}

func orderedFloat32(f float32) uint32 {
	bits := math.Float32bits(f)
	if f == 0 {
		bits = 0
	}
	if bits&(1<<31) != 0 {
		return ^bits
	}
	return bits | (1 << 31)
}

func unorderedFloat32(u uint32) float32 {
	if u&(1<<31) != 0 {
		return math.Float32frombits(u &^ (1 << 31))
	}
	return math.Float32frombits(^u)
}

// biasI64 maps int64 to uint64 preserving order.
func biasI64(i int64) uint64 { return uint64(i) ^ (1 << 63) }

func unbiasI64(u uint64) int64 { return int64(u ^ (1 << 63)) }

func appendU64(dst []byte, u uint64) []byte {
	return binary.BigEndian.AppendUint64(dst, u)
}

// Chunked byte encoding: 0x00 inside the payload escapes to {0x00, 0xFF}
// and the terminator is {0x00, 0x01}. A proper prefix therefore always
// sorts below its extensions and further values can follow unambiguously.
const (
	chunkEscape byte = 0x00
	chunkEscAlt byte = 0xFF
	chunkTerm   byte = 0x01
)

func appendChunked(dst, payload []byte) []byte {
	for _, b := range payload {
		if b == chunkEscape {
			dst = append(dst, chunkEscape, chunkEscAlt)
		} else {
			dst = append(dst, b)
		}
	}
	return append(dst, chunkEscape, chunkTerm)
}

func decodeChunked(buf []byte) (payload, rest []byte, err error) {
	out := make([]byte, 0, len(buf))
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		if b != chunkEscape {
			out = append(out, b)
			continue
		}
		if i+1 >= len(buf) {
			return nil, nil, kerr.Internalf("key::truncated", "unterminated chunked bytes")
		}
		switch buf[i+1] {
		case chunkTerm:
			return out, buf[i+2:], nil
		case chunkEscAlt:
			out = append(out, 0x00)
			i++
		default:
			return nil, nil, kerr.Internalf("key::bad_escape", "bad chunk escape 0x%02x", buf[i+1])
		}
	}
	return nil, nil, kerr.Internalf("key::truncated", "unterminated chunked bytes")
}
