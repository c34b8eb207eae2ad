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

// The dependent-column codec. Unlike the key codec it need not preserve
// order, so it trades comparability for density: varint integers and
// length-prefixed strings instead of biased and chunked forms. It is
// self-delimiting, which the backup framing relies on.

// EncodeValue appends the compact encoding of v to dst.
func EncodeValue(dst []byte, v Value) []byte {
	dst = append(dst, byte(v.kind))
	switch v.kind {
	case KindBot, KindTop, KindNull:
	case KindBool:
		if v.b {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	case KindInt:
		dst = binary.AppendVarint(dst, v.i)
	case KindFloat:
		dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(v.f))
	case KindString, KindJson:
		dst = binary.AppendUvarint(dst, uint64(len(v.s)))
		dst = append(dst, v.s...)
	case KindBytes:
		dst = binary.AppendUvarint(dst, uint64(len(v.by)))
		dst = append(dst, v.by...)
	case KindUuid:
		dst = append(dst, v.u[:]...)
	case KindList, KindSet:
		dst = binary.AppendUvarint(dst, uint64(len(v.l)))
		for _, e := range v.l {
			dst = EncodeValue(dst, e)
		}
	case KindVec:
		if v.vec.Is64() {
			dst = append(dst, 1)
			dst = binary.AppendUvarint(dst, uint64(len(v.vec.F64)))
			for _, f := range v.vec.F64 {
				dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(f))
			}
		} else {
			dst = append(dst, 0)
			dst = binary.AppendUvarint(dst, uint64(len(v.vec.F32)))
			for _, f := range v.vec.F32 {
				dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(f))
			}
		}
	case KindValidity:
		dst = binary.AppendVarint(dst, v.vld.Ts)
		if v.vld.Assert {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	}
	return dst
}

// DecodeValue decodes one value from the front of buf and returns the
// rest.
func DecodeValue(buf []byte) (Value, []byte, error) {
	if len(buf) == 0 {
		return Null, nil, kerr.Internalf("codec::truncated", "empty value buffer")
	}
	kind := Kind(buf[0])
	buf = buf[1:]
	switch kind {
	case KindBot:
		return Bot, buf, nil
	case KindTop:
		return Top, buf, nil
	case KindNull:
		return Null, buf, nil
	case KindBool:
		if len(buf) < 1 {
			return Null, nil, errTruncated()
		}
		return Bool(buf[0] != 0), buf[1:], nil
	case KindInt:
		i, n := binary.Varint(buf)
		if n <= 0 {
			return Null, nil, errTruncated()
		}
		return Int(i), buf[n:], nil
	case KindFloat:
		if len(buf) < 8 {
			return Null, nil, errTruncated()
		}
		return Float(math.Float64frombits(binary.LittleEndian.Uint64(buf))), buf[8:], nil
	case KindString, KindJson:
		raw, rest, err := decodeLenPrefixed(buf)
		if err != nil {
			return Null, nil, err
		}
		if kind == KindString {
			return Str(string(raw)), rest, nil
		}
		return Json(string(raw)), rest, nil
	case KindBytes:
		raw, rest, err := decodeLenPrefixed(buf)
		if err != nil {
			return Null, nil, err
		}
		out := make([]byte, len(raw))
		copy(out, raw)
		return Bytes(out), rest, nil
	case KindUuid:
		if len(buf) < 16 {
			return Null, nil, errTruncated()
		}
		var u uuid.UUID
		copy(u[:], buf[:16])
		return Uuid(u), buf[16:], nil
	case KindList, KindSet:
		n, sz := binary.Uvarint(buf)
		if sz <= 0 {
			return Null, nil, errTruncated()
		}
		buf = buf[sz:]
		elems := make([]Value, 0, n)
		for i := uint64(0); i < n; i++ {
			var e Value
			var err error
			e, buf, err = DecodeValue(buf)
			if err != nil {
				return Null, nil, err
			}
			elems = append(elems, e)
		}
		if kind == KindList {
			return List(elems), buf, nil
		}
		return Value{kind: KindSet, l: elems}, buf, nil
	case KindVec:
		if len(buf) < 1 {
			return Null, nil, errTruncated()
		}
		is64 := buf[0] == 1
		n, sz := binary.Uvarint(buf[1:])
		if sz <= 0 {
			return Null, nil, errTruncated()
		}
		buf = buf[1+sz:]
		if is64 {
			if uint64(len(buf)) < 8*n {
				return Null, nil, errTruncated()
			}
			fs := make([]float64, n)
			for i := uint64(0); i < n; i++ {
				fs[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
			}
			return Vec(Vector{F64: fs}), buf[8*n:], nil
		}
		if uint64(len(buf)) < 4*n {
			return Null, nil, errTruncated()
		}
		fs := make([]float32, n)
		for i := uint64(0); i < n; i++ {
			fs[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		}
		return Vec(Vector{F32: fs}), buf[4*n:], nil
	case KindValidity:
		ts, n := binary.Varint(buf)
		if n <= 0 || len(buf) < n+1 {
			return Null, nil, errTruncated()
		}
		return Vld(ts, buf[n] != 0), buf[n+1:], nil
	}
	return Null, nil, kerr.Internalf("codec::bad_tag", "unknown value kind 0x%02x", uint8(kind))
}

func decodeLenPrefixed(buf []byte) (raw, rest []byte, err error) {
	n, sz := binary.Uvarint(buf)
	if sz <= 0 || uint64(len(buf)-sz) < n {
		return nil, nil, errTruncated()
	}
	return buf[sz : sz+int(n)], buf[sz+int(n):], nil
}

func errTruncated() error {
	return kerr.Internalf("codec::truncated", "truncated value buffer")
}
