// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package value

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWireEncoding(t *testing.T) {
	cases := []struct {
		v    Value
		want string
	}{
		{Null, `null`},
		{Bool(true), `true`},
		{Int(42), `42`},
		{Float(2.5), `2.5`},
		{Float(math.Inf(1)), `"INFINITY"`},
		{Float(math.Inf(-1)), `"NEGATIVE_INFINITY"`},
		{Float(math.NaN()), `null`},
		{Str("hi"), `"hi"`},
		{Bytes([]byte{1, 2}), `"AQI="`},
		{List([]Value{Int(1), Str("a")}), `[1,"a"]`},
		{Vec(Vector{F32: []float32{1, 2}}), `[1,2]`},
		{Json(`{"a":1}`), `{"a":1}`},
		{Vld(5, true), `[5,true]`},
	}
	for _, tc := range cases {
		got, err := EncodeJson(tc.v)
		require.NoError(t, err)
		require.Equal(t, tc.want, string(got), tc.v.String())
	}
}

func TestFromJson(t *testing.T) {
	v, err := FromJson(float64(3))
	require.NoError(t, err)
	require.Equal(t, KindInt, v.Kind())

	v, err = FromJson(3.5)
	require.NoError(t, err)
	require.Equal(t, KindFloat, v.Kind())

	v, err = FromJson([]any{int64(1), "x", nil})
	require.NoError(t, err)
	require.Equal(t, KindList, v.Kind())

	v, err = FromJson(map[string]any{"a": 1})
	require.NoError(t, err)
	require.Equal(t, KindJson, v.Kind())
}

func TestValiditySugar(t *testing.T) {
	v, err := CoerceValidity(Str("ASSERT"), 99)
	require.NoError(t, err)
	vd, _ := v.AsValidity()
	require.Equal(t, Validity{Ts: 99, Assert: true}, vd)

	v, err = CoerceValidity(List([]Value{Int(7), Bool(false)}), 0)
	require.NoError(t, err)
	vd, _ = v.AsValidity()
	require.Equal(t, Validity{Ts: 7, Assert: false}, vd)

	_, err = CoerceValidity(Str("bogus"), 0)
	require.Error(t, err)

	require.Error(t, CheckValidityAtRest(Validity{Ts: MaxValidityTs}))
	require.Error(t, CheckValidityAtRest(Validity{Ts: MinValidityTs}))
	require.NoError(t, CheckValidityAtRest(Validity{Ts: 0}))

	ts, err := CoerceValidityInstant(Str("NOW"), 1234)
	require.NoError(t, err)
	require.Equal(t, int64(1234), ts)
	ts, err = CoerceValidityInstant(Str("END"), 0)
	require.NoError(t, err)
	require.Equal(t, int64(MaxValidityTs), ts)
}
