// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package value implements the krakdb data model: a tagged sum type over
// scalars and collections, a total order on it, a memcmp-safe key codec,
// a compact codec for dependent columns, and the JSON wire mapping.
//
// Two codecs live here for a reason. Keys must sort in byte order exactly
// the way values sort in value order, because the storage layer only knows
// how to compare bytes. Dependents never participate in ordering, so they
// use a denser, self-delimiting encoding instead.
package value

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Kind identifies the variant held by a Value.
type Kind uint8

// Kinds in ascending sort order. Int and Float share the number family and
// interleave by mathematical value; all other kinds order by Kind first.
const (
	KindBot Kind = iota
	KindNull
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindUuid
	KindList
	KindSet
	KindVec
	KindJson
	KindValidity
	KindTop
)

func (k Kind) String() string {
	switch k {
	case KindBot:
		return "Bot"
	case KindNull:
		return "Null"
	case KindBool:
		return "Bool"
	case KindInt:
		return "Int"
	case KindFloat:
		return "Float"
	case KindString:
		return "String"
	case KindBytes:
		return "Bytes"
	case KindUuid:
		return "Uuid"
	case KindList:
		return "List"
	case KindSet:
		return "Set"
	case KindVec:
		return "Vec"
	case KindJson:
		return "Json"
	case KindValidity:
		return "Validity"
	case KindTop:
		return "Top"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Validity is a timestamped assert/retract marker. Within a relation the
// rows for one logical key sort by descending timestamp, so the natural
// order on Validity is reversed time: a later timestamp compares smaller.
type Validity struct {
	Ts     int64 // microseconds since the Unix epoch
	Assert bool
}

// Reserved validity timestamps. MaxValidityTs and MinValidityTs are usable
// as query instants but are rejected in data at rest.
const (
	MaxValidityTs = math.MaxInt64
	MinValidityTs = math.MinInt64
)

// Vector is a fixed-length array of 32- or 64-bit floats. Exactly one of
// F32 and F64 is non-nil.
type Vector struct {
	F32 []float32
	F64 []float64
}

// Len returns the number of elements.
func (v Vector) Len() int {
	if v.F64 != nil {
		return len(v.F64)
	}
	return len(v.F32)
}

// Is64 reports whether the vector holds 64-bit elements.
func (v Vector) Is64() bool { return v.F64 != nil }

// At returns element i widened to float64.
func (v Vector) At(i int) float64 {
	if v.F64 != nil {
		return v.F64[i]
	}
	return float64(v.F32[i])
}

// Value is one krakdb datum. The zero Value is the Bot sentinel; use the
// constructors for anything that reaches user data.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string // String and Json text
	by   []byte
	u    uuid.UUID
	l    []Value // List elements, or Set elements kept sorted and deduped
	vec  Vector
	vld  Validity
}

// Sentinels. Bot compares below every real value and Top above; neither
// appears in user data at rest.
var (
	Bot  = Value{kind: KindBot}
	Top  = Value{kind: KindTop}
	Null = Value{kind: KindNull}

	False = Value{kind: KindBool, b: false}
	True  = Value{kind: KindBool, b: true}
)

// Bool returns a boolean Value.
func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Int returns a 64-bit integer Value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a float Value. Negative zero is canonicalized to positive
// zero and every NaN payload to the canonical quiet NaN, so that encoding
// and comparison see a single representative.
func Float(f float64) Value {
	if f == 0 {
		f = 0 // drops the sign of -0
	} else if math.IsNaN(f) {
		f = math.NaN()
	}
	return Value{kind: KindFloat, f: f}
}

// Str returns a string Value.
func Str(s string) Value { return Value{kind: KindString, s: s} }

// Bytes returns a byte-string Value. The slice is not copied.
func Bytes(b []byte) Value { return Value{kind: KindBytes, by: b} }

// Uuid returns a UUID Value.
func Uuid(u uuid.UUID) Value { return Value{kind: KindUuid, u: u} }

// List returns a list Value. The slice is not copied.
func List(elems []Value) Value { return Value{kind: KindList, l: elems} }

// Set returns a set Value; elements are sorted and deduplicated.
func Set(elems []Value) Value {
	sorted := make([]Value, len(elems))
	copy(sorted, elems)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Compare(sorted[j]) < 0 })
	out := sorted[:0]
	for _, e := range sorted {
		if len(out) == 0 || out[len(out)-1].Compare(e) != 0 {
			out = append(out, e)
		}
	}
	return Value{kind: KindSet, l: out}
}

// Vec returns a vector Value.
func Vec(v Vector) Value { return Value{kind: KindVec, vec: v} }

// Json returns an opaque JSON document Value holding the raw text.
func Json(raw string) Value { return Value{kind: KindJson, s: raw} }

// Vld returns a validity Value.
func Vld(ts int64, assert bool) Value {
	return Value{kind: KindValidity, vld: Validity{Ts: ts, Assert: assert}}
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is Null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean payload.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsInt returns the integer payload.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsFloat returns the numeric payload widened to float64. It succeeds for
// both Int and Float values.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	}
	return 0, false
}

// AsStr returns the string payload.
func (v Value) AsStr() (string, bool) { return v.s, v.kind == KindString }

// AsBytes returns the byte-string payload.
func (v Value) AsBytes() ([]byte, bool) { return v.by, v.kind == KindBytes }

// AsUuid returns the UUID payload.
func (v Value) AsUuid() (uuid.UUID, bool) { return v.u, v.kind == KindUuid }

// AsList returns the elements of a List or Set.
func (v Value) AsList() ([]Value, bool) {
	return v.l, v.kind == KindList || v.kind == KindSet
}

// AsVec returns the vector payload.
func (v Value) AsVec() (Vector, bool) { return v.vec, v.kind == KindVec }

// AsJson returns the raw JSON text.
func (v Value) AsJson() (string, bool) { return v.s, v.kind == KindJson }

// AsValidity returns the validity payload.
func (v Value) AsValidity() (Validity, bool) { return v.vld, v.kind == KindValidity }

// String renders the value for diagnostics and the repl. It is not the wire
// format; see EncodeJson for that.
func (v Value) String() string {
	switch v.kind {
	case KindBot:
		return "bot"
	case KindTop:
		return "top"
	case KindNull:
		return "null"
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindBytes:
		return fmt.Sprintf("bytes(%x)", v.by)
	case KindUuid:
		return v.u.String()
	case KindList, KindSet:
		var sb strings.Builder
		open, closing := "[", "]"
		if v.kind == KindSet {
			open, closing = "{", "}"
		}
		sb.WriteString(open)
		for i, e := range v.l {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(e.String())
		}
		sb.WriteString(closing)
		return sb.String()
	case KindVec:
		var sb strings.Builder
		sb.WriteString("vec(")
		for i := 0; i < v.vec.Len(); i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%g", v.vec.At(i))
		}
		sb.WriteString(")")
		return sb.String()
	case KindJson:
		return "json(" + v.s + ")"
	case KindValidity:
		op := "RETRACT"
		if v.vld.Assert {
			op = "ASSERT"
		}
		return fmt.Sprintf("[%d, %s]", v.vld.Ts, op)
	}
	return "invalid"
}
