// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package eval

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/krakdb/internal/aggr"
	"github.com/kraklabs/krakdb/internal/catalog"
	"github.com/kraklabs/krakdb/internal/compile"
	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/parse"
	"github.com/kraklabs/krakdb/internal/storage"
	"github.com/kraklabs/krakdb/internal/tuple"
	"github.com/kraklabs/krakdb/internal/value"
)

// setupEdges seeds an in-memory store with an edge relation and returns
// everything needed to evaluate programs against it.
func setupEdges(t *testing.T, pairs [][2]int64) (*Context, *catalog.Snapshot) {
	t.Helper()
	store := storage.NewMem()
	meta := &catalog.RelationMeta{
		Id:   tuple.UserIdStart,
		Name: "edge",
		Keys: []catalog.ColumnDef{
			{Name: "fr", Type: catalog.TyInt},
			{Name: "to", Type: catalog.TyInt},
		},
	}
	tx, err := store.Transact(true)
	require.NoError(t, err)
	for _, p := range pairs {
		k := tuple.EncodeKey(meta.Id, tuple.Tuple{value.Int(p[0]), value.Int(p[1])})
		require.NoError(t, tx.Put(k, tuple.EncodeVals(nil)))
	}
	require.NoError(t, tx.Commit())

	snap := &catalog.Snapshot{Rels: map[string]*catalog.RelationMeta{"edge": meta}}
	rd, err := store.Transact(false)
	require.NoError(t, err)
	t.Cleanup(rd.Discard)
	return &Context{
		Tx:     rd,
		Snap:   snap,
		Poison: NewPoison(),
		Now:    value.NowMicros(),
	}, snap
}

func compileSrc(t *testing.T, src string, snap *catalog.Snapshot) *compile.CompiledProgram {
	t.Helper()
	p, err := parse.ParseScript(src)
	require.NoError(t, err)
	normal, err := compile.Normalize(p.Query, snap, nil)
	require.NoError(t, err)
	stratified, err := compile.Stratify(compile.MagicRewrite(normal))
	require.NoError(t, err)
	compiled, err := compile.CompileProgram(stratified, snap, func(name string) (bool, bool) {
		a, ok := aggr.Lookup(name)
		if !ok {
			return false, false
		}
		return a.IsMeet, true
	})
	require.NoError(t, err)
	return compiled
}

// naiveClosure saturates the closure without any cleverness; the
// semi-naive result must coincide with it.
func naiveClosure(pairs [][2]int64) map[[2]int64]struct{} {
	out := map[[2]int64]struct{}{}
	for _, p := range pairs {
		out[p] = struct{}{}
	}
	for {
		grew := false
		for a := range out {
			for b := range out {
				if a[1] == b[0] {
					n := [2]int64{a[0], b[1]}
					if _, ok := out[n]; !ok {
						out[n] = struct{}{}
						grew = true
					}
				}
			}
		}
		if !grew {
			return out
		}
	}
}

func TestSemiNaiveMatchesNaive(t *testing.T) {
	pairs := [][2]int64{{1, 2}, {2, 3}, {3, 4}, {4, 2}, {5, 1}, {2, 5}}
	ctx, snap := setupEdges(t, pairs)
	prog := compileSrc(t, `
		r[a, b] := *edge{fr: a, to: b}
		r[a, b] := r[a, c], *edge{fr: c, to: b}
		?[a, b] := r[a, b]
	`, snap)

	rows, err := Run(ctx, prog)
	require.NoError(t, err)

	want := naiveClosure(pairs)
	require.Len(t, rows, len(want))
	for _, r := range rows {
		a, _ := r[0].AsInt()
		b, _ := r[1].AsInt()
		_, ok := want[[2]int64{a, b}]
		require.True(t, ok, "unexpected row (%d, %d)", a, b)
	}
}

func TestMutualRecursion(t *testing.T) {
	ctx, snap := setupEdges(t, [][2]int64{{1, 2}, {2, 3}, {3, 4}})
	prog := compileSrc(t, `
		even[a] := a = 1
		even[a] := odd[b], *edge{fr: b, to: a}
		odd[a] := even[b], *edge{fr: b, to: a}
		?[a] := even[a]
	`, snap)
	rows, err := Run(ctx, prog)
	require.NoError(t, err)
	var got []int64
	for _, r := range rows {
		v, _ := r[0].AsInt()
		got = append(got, v)
	}
	require.Equal(t, []int64{1, 3}, got)
}

func TestPoisonStopsEvaluation(t *testing.T) {
	var pairs [][2]int64
	for i := int64(0); i < 400; i++ {
		pairs = append(pairs, [2]int64{i, i + 1})
	}
	ctx, snap := setupEdges(t, pairs)
	ctx.Poison.Cancel()
	prog := compileSrc(t, `
		r[a, b] := *edge{fr: a, to: b}
		r[a, b] := r[a, c], *edge{fr: c, to: b}
		?[a, b] := r[a, b]
	`, snap)
	_, err := Run(ctx, prog)
	require.Error(t, err)
	require.True(t, kerr.IsKind(err, kerr.Cancelled))
}

func TestLimitHintStopsEarly(t *testing.T) {
	var pairs [][2]int64
	for i := int64(0); i < 200; i++ {
		pairs = append(pairs, [2]int64{i, i + 1})
	}
	ctx, snap := setupEdges(t, pairs)
	ctx.LimitHint = 3
	prog := compileSrc(t, `
		r[a, b] := *edge{fr: a, to: b}
		r[a, b] := r[a, c], *edge{fr: c, to: b}
		?[a, b] := r[a, b]
	`, snap)
	rows, err := Run(ctx, prog)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(rows), 3)
	require.Less(t, len(rows), 200*100, "the hint should stop saturation early")
}

func TestAggregateGrouping(t *testing.T) {
	ctx, snap := setupEdges(t, [][2]int64{{1, 2}, {1, 3}, {2, 3}})
	prog := compileSrc(t, `?[a, count(b)] := *edge{fr: a, to: b}`, snap)
	rows, err := Run(ctx, prog)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Zero(t, rows[0].Compare(tuple.Tuple{value.Int(1), value.Int(2)}))
	require.Zero(t, rows[1].Compare(tuple.Tuple{value.Int(2), value.Int(1)}))
}
