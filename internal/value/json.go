// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package value

import (
	"encoding/base64"
	"math"
	"strconv"
	"strings"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"

	kerr "github.com/kraklabs/krakdb/internal/errors"
)

// Sentinel strings for floats that JSON numbers cannot carry.
const (
	jsonInfinity    = "INFINITY"
	jsonNegInfinity = "NEGATIVE_INFINITY"
)

// EncodeJson renders v in the wire representation: Int and Float as
// numbers (infinities as sentinel strings, NaN as null), Bytes as base64,
// Uuid as its canonical string, Vec as an array of numbers, Validity as
// [ts_micros, is_assert], Json embedded verbatim.
func EncodeJson(v Value) ([]byte, error) {
	return gojson.Marshal(jsonShape(v))
}

// JsonValue converts v into the plain-Go shape gojson marshals to the wire
// representation. Embedders receive rows in this shape.
func JsonValue(v Value) any { return jsonShape(v) }

func jsonShape(v Value) any {
	switch v.kind {
	case KindNull, KindBot, KindTop:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		switch {
		case math.IsInf(v.f, 1):
			return jsonInfinity
		case math.IsInf(v.f, -1):
			return jsonNegInfinity
		case math.IsNaN(v.f):
			return nil
		}
		return v.f
	case KindString:
		return v.s
	case KindBytes:
		return base64.StdEncoding.EncodeToString(v.by)
	case KindUuid:
		return v.u.String()
	case KindList, KindSet:
		out := make([]any, len(v.l))
		for i, e := range v.l {
			out[i] = jsonShape(e)
		}
		return out
	case KindVec:
		out := make([]any, v.vec.Len())
		for i := range out {
			out[i] = v.vec.At(i)
		}
		return out
	case KindJson:
		return gojson.RawMessage(v.s)
	case KindValidity:
		return []any{v.vld.Ts, v.vld.Assert}
	}
	return nil
}

// FromJson converts a decoded JSON document (as produced by
// gojson.Unmarshal into any) to a Value. Numbers become Int when they
// parse as int64 without a fraction, Float otherwise; objects become
// opaque Json documents; the float sentinel strings are NOT interpreted
// here since a plain string is indistinguishable from them — column
// coercion handles that.
func FromJson(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null, nil
	case bool:
		return Bool(t), nil
	case gojson.Number:
		return numberValue(string(t))
	case string:
		return Str(t), nil
	case float64:
		if t == math.Trunc(t) && t >= math.MinInt64 && t < 1<<63 {
			return Int(int64(t)), nil
		}
		return Float(t), nil
	case int64:
		return Int(t), nil
	case int:
		return Int(int64(t)), nil
	case []any:
		elems := make([]Value, len(t))
		for i, e := range t {
			v, err := FromJson(e)
			if err != nil {
				return Null, err
			}
			elems[i] = v
		}
		return List(elems), nil
	case map[string]any:
		raw, err := gojson.Marshal(t)
		if err != nil {
			return Null, kerr.Newf(kerr.Runtime, "wire::bad_json", "cannot re-encode object: %v", err)
		}
		return Json(string(raw)), nil
	}
	return Null, kerr.Newf(kerr.Runtime, "wire::bad_json", "cannot convert %T to a value", x)
}

func numberValue(s string) (Value, error) {
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(i), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Null, kerr.Newf(kerr.Runtime, "wire::bad_number", "bad number %q", s)
	}
	return Float(f), nil
}

// ParseUuidString parses the canonical textual form.
func ParseUuidString(s string) (Value, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Null, kerr.Newf(kerr.Runtime, "wire::bad_uuid", "bad uuid %q", s)
	}
	return Uuid(u), nil
}

// DecodeBase64Bytes decodes the wire form of a Bytes value.
func DecodeBase64Bytes(s string) (Value, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Null, kerr.Newf(kerr.Runtime, "wire::bad_base64", "bad base64 payload")
	}
	return Bytes(b), nil
}
