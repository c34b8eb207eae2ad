// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package aggr

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kraklabs/krakdb/internal/value"
)

// meetApply runs one full meet fold over vs.
func meetApply(t *testing.T, a *Aggregation, vs []value.Value) value.Value {
	t.Helper()
	acc, err := a.Init(vs[0])
	require.NoError(t, err)
	for _, v := range vs[1:] {
		acc, _, err = a.Combine(acc, v)
		require.NoError(t, err)
	}
	return acc
}

// TestMeetLaws checks idempotence, commutativity and associativity for
// every meet aggregate over its value domain.
func TestMeetLaws(t *testing.T) {
	domains := map[string]*rapid.Generator[value.Value]{
		"min":    rapid.Custom(func(t *rapid.T) value.Value { return value.Int(rapid.Int64Range(-50, 50).Draw(t, "i")) }),
		"max":    rapid.Custom(func(t *rapid.T) value.Value { return value.Int(rapid.Int64Range(-50, 50).Draw(t, "i")) }),
		"choice": rapid.Custom(func(t *rapid.T) value.Value { return value.Str(rapid.StringMatching(`[a-c]{1,3}`).Draw(t, "s")) }),
		"and":    rapid.Custom(func(t *rapid.T) value.Value { return value.Bool(rapid.Bool().Draw(t, "b")) }),
		"or":     rapid.Custom(func(t *rapid.T) value.Value { return value.Bool(rapid.Bool().Draw(t, "b")) }),
		"union": rapid.Custom(func(t *rapid.T) value.Value {
			var elems []value.Value
			for _, i := range rapid.SliceOfN(rapid.Int64Range(0, 5), 0, 4).Draw(t, "es") {
				elems = append(elems, value.Int(i))
			}
			return value.List(elems)
		}),
		"intersection": rapid.Custom(func(t *rapid.T) value.Value {
			var elems []value.Value
			for _, i := range rapid.SliceOfN(rapid.Int64Range(0, 5), 0, 4).Draw(t, "es") {
				elems = append(elems, value.Int(i))
			}
			return value.List(elems)
		}),
	}

	for name, gen := range domains {
		a, ok := Lookup(name)
		require.True(t, ok, name)
		require.True(t, a.IsMeet, name)
		t.Run(name, func(t *testing.T) {
			rapid.Check(t, func(rt *rapid.T) {
				x := gen.Draw(rt, "x")
				y := gen.Draw(rt, "y")
				z := gen.Draw(rt, "z")

				// Init normalizes into the semilattice carrier.
				nx, err := a.Init(x)
				require.NoError(t, err)
				ny, err := a.Init(y)
				require.NoError(t, err)
				nz, err := a.Init(z)
				require.NoError(t, err)

				comb := func(p, q value.Value) value.Value {
					r, _, err := a.Combine(p, q)
					require.NoError(t, err)
					return r
				}

				// A(x, x) = x
				require.Zero(t, comb(nx, nx).Compare(nx), "idempotence")
				// A(x, y) = A(y, x)
				require.Zero(t, comb(nx, ny).Compare(comb(ny, nx)), "commutativity")
				// A(x, A(y, z)) = A(A(x, y), z)
				require.Zero(t,
					comb(nx, comb(ny, nz)).Compare(comb(comb(nx, ny), nz)),
					"associativity")
			})
		})
	}
}

func TestMeetMin(t *testing.T) {
	got := meetApply(t, mustLookup(t, "min"),
		[]value.Value{value.Int(3), value.Int(1), value.Int(2)})
	require.Zero(t, got.Compare(value.Int(1)))
}

func TestMeetUnion(t *testing.T) {
	got := meetApply(t, mustLookup(t, "union"), []value.Value{
		value.List([]value.Value{value.Int(1), value.Int(2)}),
		value.List([]value.Value{value.Int(2), value.Int(3)}),
	})
	require.Zero(t, got.Compare(value.Set([]value.Value{
		value.Int(1), value.Int(2), value.Int(3),
	})))
}

func mustLookup(t *testing.T, name string) *Aggregation {
	t.Helper()
	a, ok := Lookup(name)
	require.True(t, ok)
	return a
}

func foldNormal(t *testing.T, name string, vs []value.Value) value.Value {
	t.Helper()
	a := mustLookup(t, name)
	require.False(t, a.IsMeet)
	acc := a.New(nil)
	for _, v := range vs {
		require.NoError(t, acc.Step(v))
	}
	out, err := acc.Finalize()
	require.NoError(t, err)
	return out
}

func TestNormalAggregates(t *testing.T) {
	in := []value.Value{value.Int(2), value.Int(2), value.Int(5)}

	require.Zero(t, foldNormal(t, "count", in).Compare(value.Int(3)))
	require.Zero(t, foldNormal(t, "count_unique", in).Compare(value.Int(2)))
	require.Zero(t, foldNormal(t, "sum", in).Compare(value.Int(9)))
	require.Zero(t, foldNormal(t, "mean", in).Compare(value.Float(3)))
	require.Zero(t, foldNormal(t, "collect", in).Compare(
		value.List([]value.Value{value.Int(2), value.Int(2), value.Int(5)})))
	require.Zero(t, foldNormal(t, "unique", in).Compare(
		value.Set([]value.Value{value.Int(2), value.Int(5)})))
	require.Zero(t, foldNormal(t, "group_count", in).Compare(
		value.List([]value.Value{
			value.List([]value.Value{value.Int(2), value.Int(2)}),
			value.List([]value.Value{value.Int(5), value.Int(1)}),
		})))
}

func TestSumStaysIntUntilFloat(t *testing.T) {
	require.Equal(t, value.KindInt,
		foldNormal(t, "sum", []value.Value{value.Int(1), value.Int(2)}).Kind())
	require.Equal(t, value.KindFloat,
		foldNormal(t, "sum", []value.Value{value.Int(1), value.Float(0.5)}).Kind())
}
