// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package value

import (
	"bytes"
	"math"
	"strings"

	"github.com/google/uuid"
)

// family collapses Int and Float into one rank so that numbers interleave
// by mathematical value.
func family(k Kind) int {
	switch k {
	case KindBot:
		return 0
	case KindNull:
		return 1
	case KindBool:
		return 2
	case KindInt, KindFloat:
		return 3
	case KindString:
		return 4
	case KindBytes:
		return 5
	case KindUuid:
		return 6
	case KindList:
		return 7
	case KindSet:
		return 8
	case KindVec:
		return 9
	case KindJson:
		return 10
	case KindValidity:
		return 11
	case KindTop:
		return 12
	}
	return 13
}

// Compare imposes the total order of the data model: Bot, Null, Bool,
// numbers by mathematical value (NaN above +Inf), String, Bytes, Uuid,
// List, Set, Vec, Json, Validity, Top. Int and Float comparing equal
// numerically compare as 0 even though they are distinct values.
func (v Value) Compare(o Value) int {
	fa, fb := family(v.kind), family(o.kind)
	if fa != fb {
		return cmpInt(fa, fb)
	}
	switch v.kind {
	case KindBot, KindNull, KindTop:
		return 0
	case KindBool:
		return cmpBool(v.b, o.b)
	case KindInt, KindFloat:
		return compareNum(v, o)
	case KindString:
		return strings.Compare(v.s, o.s)
	case KindBytes:
		return bytes.Compare(v.by, o.by)
	case KindUuid:
		return bytes.Compare(uuidSortKey(v.u), uuidSortKey(o.u))
	case KindList, KindSet:
		return compareLists(v.l, o.l)
	case KindVec:
		return compareVecs(v.vec, o.vec)
	case KindJson:
		return strings.Compare(v.s, o.s)
	case KindValidity:
		return compareValidity(v.vld, o.vld)
	}
	return 0
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpBool(a, b bool) int {
	switch {
	case !a && b:
		return -1
	case a && !b:
		return 1
	}
	return 0
}

// compareNum compares across Int and Float. NaN sorts above every other
// number, deterministically.
func compareNum(a, b Value) int {
	if a.kind == KindInt && b.kind == KindInt {
		return cmpI64(a.i, b.i)
	}
	af, _ := a.AsFloat()
	bf, _ := b.AsFloat()
	an, bn := math.IsNaN(af), math.IsNaN(bf)
	switch {
	case an && bn:
		return 0
	case an:
		return 1
	case bn:
		return -1
	}
	// Mixed int/float near 2^53 loses precision in float64; compare through
	// the exact key encoding instead of trusting the widened floats.
	if a.kind != b.kind && (af >= 1<<53 || af <= -(1<<53)) {
		return bytes.Compare(numSortKey(a), numSortKey(b))
	}
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	}
	return 0
}

func cmpI64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// numSortKey is the 16-byte order-key-plus-residual of the key codec,
// without the discriminator so that numerically equal Int/Float tie.
func numSortKey(v Value) []byte {
	buf := make([]byte, 0, 16)
	ok, res, _ := numKeyParts(v)
	buf = appendU64(buf, ok)
	buf = appendU64(buf, res)
	return buf
}

// compareLists orders shortlex: shorter lists first, ties elementwise.
// This matches the length-prefixed key encoding.
func compareLists(a, b []Value) int {
	if c := cmpInt(len(a), len(b)); c != 0 {
		return c
	}
	for i := range a {
		if c := a[i].Compare(b[i]); c != 0 {
			return c
		}
	}
	return 0
}

func compareVecs(a, b Vector) int {
	if c := cmpBool(a.Is64(), b.Is64()); c != 0 {
		return c
	}
	if c := cmpInt(a.Len(), b.Len()); c != 0 {
		return c
	}
	for i := 0; i < a.Len(); i++ {
		x, y := a.At(i), b.At(i)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

// compareValidity orders by descending timestamp, asserts before
// retractions on ties. Point-in-time lookup relies on this: the first
// entry at or after the probe instant is the newest fact.
func compareValidity(a, b Validity) int {
	if c := cmpI64(b.Ts, a.Ts); c != 0 {
		return c
	}
	return cmpBool(!a.Assert, !b.Assert)
}

// uuidSortKey rearranges RFC 4122 bytes so that the version nibble leads,
// then the high, mid and low timestamp fields, then the random tail. The
// effect is that v1 UUIDs sort by creation time.
func uuidSortKey(u uuid.UUID) []byte {
	return []byte{
		u[6], u[7], u[4], u[5], u[0], u[1], u[2], u[3],
		u[8], u[9], u[10], u[11], u[12], u[13], u[14], u[15],
	}
}
