// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package value

import (
	"time"

	kerr "github.com/kraklabs/krakdb/internal/errors"
)

// Validity sugar accepted wherever a validity value or instant is
// expected in scripts.
const (
	VldAssert  = "ASSERT"  // assert at the current instant
	VldRetract = "RETRACT" // retract at the current instant
	VldNow     = "NOW"     // query instant: the current time
	VldEnd     = "END"     // query instant: the end of time
)

// NowMicros returns the current time in epoch microseconds.
func NowMicros() int64 { return time.Now().UnixMicro() }

// CoerceValidity converts a value appearing in a validity column position
// into a Validity value. Accepted shapes: a Validity itself, the strings
// ASSERT / RETRACT, an Int timestamp (asserting), or a two-element list
// [ts, is_assert].
func CoerceValidity(v Value, nowMicros int64) (Value, error) {
	switch v.kind {
	case KindValidity:
		return v, nil
	case KindString:
		switch v.s {
		case VldAssert:
			return Vld(nowMicros, true), nil
		case VldRetract:
			return Vld(nowMicros, false), nil
		}
		return Null, kerr.Newf(kerr.Schema, "validity::bad_sugar",
			"expected ASSERT or RETRACT, got %q", v.s)
	case KindInt:
		return Vld(v.i, true), nil
	case KindList:
		if len(v.l) == 2 {
			ts, tsOK := v.l[0].AsInt()
			assert, aOK := v.l[1].AsBool()
			if tsOK && aOK {
				return Vld(ts, assert), nil
			}
		}
	}
	return Null, kerr.Newf(kerr.Schema, "validity::bad_value",
		"cannot interpret %s as a validity", v)
}

// CheckValidityAtRest rejects the reserved timestamps in stored data. They
// remain legal as query instants.
func CheckValidityAtRest(v Validity) error {
	if v.Ts == MaxValidityTs || v.Ts == MinValidityTs {
		return kerr.Newf(kerr.Schema, "validity::reserved_ts",
			"validity timestamp %d is reserved", v.Ts)
	}
	return nil
}

// CoerceValidityInstant converts a query instant expression value (after
// evaluation) into a probe timestamp. Accepted: Int micros, Validity, or
// the strings NOW / END.
func CoerceValidityInstant(v Value, nowMicros int64) (int64, error) {
	switch v.kind {
	case KindInt:
		return v.i, nil
	case KindValidity:
		return v.vld.Ts, nil
	case KindString:
		switch v.s {
		case VldNow:
			return nowMicros, nil
		case VldEnd:
			return MaxValidityTs, nil
		}
	}
	return 0, kerr.Newf(kerr.Schema, "validity::bad_instant",
		"cannot interpret %s as a time-travel instant", v)
}
