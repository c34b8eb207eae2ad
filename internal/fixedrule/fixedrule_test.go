// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package fixedrule

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/krakdb/internal/eval"
	"github.com/kraklabs/krakdb/internal/expr"
	"github.com/kraklabs/krakdb/internal/tuple"
	"github.com/kraklabs/krakdb/internal/value"
)

// sliceInput adapts a plain slice of rows to the input contract.
type sliceInput struct {
	rows []tuple.Tuple
}

func (s *sliceInput) Iter(fn func(t tuple.Tuple) (bool, error)) error {
	for _, t := range s.rows {
		cont, err := fn(t)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (s *sliceInput) PrefixIter(prefix tuple.Tuple, fn func(t tuple.Tuple) (bool, error)) error {
	return s.Iter(func(t tuple.Tuple) (bool, error) {
		for i, p := range prefix {
			if i >= len(t) || t[i].Compare(p) != 0 {
				return true, nil
			}
		}
		return fn(t)
	})
}

func edges(pairs ...[2]int64) eval.FixedInput {
	var rows []tuple.Tuple
	for _, p := range pairs {
		rows = append(rows, tuple.Tuple{value.Int(p[0]), value.Int(p[1])})
	}
	return &sliceInput{rows: rows}
}

func nodes(ns ...int64) eval.FixedInput {
	var rows []tuple.Tuple
	for _, n := range ns {
		rows = append(rows, tuple.Tuple{value.Int(n)})
	}
	return &sliceInput{rows: rows}
}

func runRule(t *testing.T, name string, inputs []eval.FixedInput, options map[string]expr.Expr) []tuple.Tuple {
	t.Helper()
	reg := Default()
	rule, ok := reg.Lookup(name)
	require.True(t, ok, "missing builtin %s", name)
	var out []tuple.Tuple
	p := &Payload{Inputs: inputs, Options: options}
	err := rule.Run(p, func(row tuple.Tuple) error {
		out = append(out, row.Clone())
		return nil
	}, eval.NewPoison())
	require.NoError(t, err)
	sort.Slice(out, func(a, b int) bool { return out[a].Compare(out[b]) < 0 })
	return out
}

func opt(v value.Value) expr.Expr { return expr.Const{Val: v} }

func TestDefaultCatalogComplete(t *testing.T) {
	reg := Default()
	for _, name := range []string{
		"Constant", "JsonReader", "ReorderSort",
		"DegreeCentrality", "PageRank",
		"MinimumSpanningTreePrim", "MinimumSpanningForestKruskal",
		"BFS", "DFS", "ShortestPathBFS", "ShortestPathAStar",
		"StronglyConnectedComponents", "ConnectedComponents", "TopSort",
		"ClusteringCoefficients", "LabelPropagation",
		"CommunityDetectionLouvain", "RandomWalk",
		"BetweennessCentrality", "ClosenessCentrality",
	} {
		_, ok := reg.Lookup(name)
		require.True(t, ok, "catalog is missing %s", name)
	}
}

func TestConstant(t *testing.T) {
	data := value.List([]value.Value{
		value.List([]value.Value{value.Int(1), value.Str("a")}),
		value.List([]value.Value{value.Int(2), value.Str("b")}),
	})
	rows := runRule(t, "Constant", nil, map[string]expr.Expr{"data": opt(data)})
	require.Len(t, rows, 2)
	require.Zero(t, rows[0].Compare(tuple.Tuple{value.Int(1), value.Str("a")}))
}

func TestDegreeCentrality(t *testing.T) {
	rows := runRule(t, "DegreeCentrality", []eval.FixedInput{edges([2]int64{1, 2}, [2]int64{1, 3})}, nil)
	// node 1 has out-degree 2, nodes 2 and 3 in-degree 1.
	byNode := map[int64]tuple.Tuple{}
	for _, r := range rows {
		n, _ := r[0].AsInt()
		byNode[n] = r
	}
	deg, _ := byNode[1][3].AsInt() // out_degree
	require.Equal(t, int64(2), deg)
	inDeg, _ := byNode[2][2].AsInt()
	require.Equal(t, int64(1), inDeg)
}

func TestStronglyConnectedComponents(t *testing.T) {
	rows := runRule(t, "StronglyConnectedComponents",
		[]eval.FixedInput{edges([2]int64{1, 2}, [2]int64{2, 1}, [2]int64{2, 3})}, nil)
	comp := map[int64]int64{}
	for _, r := range rows {
		n, _ := r[0].AsInt()
		c, _ := r[1].AsInt()
		comp[n] = c
	}
	require.Equal(t, comp[1], comp[2], "1 and 2 are mutually reachable")
	require.NotEqual(t, comp[1], comp[3])
}

func TestConnectedComponents(t *testing.T) {
	rows := runRule(t, "ConnectedComponents",
		[]eval.FixedInput{edges([2]int64{1, 2}, [2]int64{3, 4})}, nil)
	comp := map[int64]int64{}
	for _, r := range rows {
		n, _ := r[0].AsInt()
		c, _ := r[1].AsInt()
		comp[n] = c
	}
	require.Equal(t, comp[1], comp[2])
	require.Equal(t, comp[3], comp[4])
	require.NotEqual(t, comp[1], comp[3])
}

func TestPrimSpansTree(t *testing.T) {
	in := &sliceInput{rows: []tuple.Tuple{
		{value.Int(1), value.Int(2), value.Float(1)},
		{value.Int(2), value.Int(3), value.Float(5)},
		{value.Int(1), value.Int(3), value.Float(2)},
	}}
	rows := runRule(t, "MinimumSpanningTreePrim", []eval.FixedInput{in}, nil)
	require.Len(t, rows, 2)
	total := 0.0
	for _, r := range rows {
		c, _ := r[2].AsFloat()
		total += c
	}
	require.InDelta(t, 3.0, total, 1e-9) // edges 1-2 and 1-3
}

func TestKruskalForest(t *testing.T) {
	in := &sliceInput{rows: []tuple.Tuple{
		{value.Int(1), value.Int(2), value.Float(1)},
		{value.Int(3), value.Int(4), value.Float(2)},
		{value.Int(1), value.Int(2), value.Float(9)},
	}}
	rows := runRule(t, "MinimumSpanningForestKruskal", []eval.FixedInput{in}, nil)
	require.Len(t, rows, 2, "two components, one edge each")
}

func TestShortestPathAStarIsDijkstraWithoutHeuristic(t *testing.T) {
	in := &sliceInput{rows: []tuple.Tuple{
		{value.Int(1), value.Int(2), value.Float(1)},
		{value.Int(2), value.Int(4), value.Float(1)},
		{value.Int(1), value.Int(3), value.Float(5)},
		{value.Int(3), value.Int(4), value.Float(1)},
	}}
	rows := runRule(t, "ShortestPathAStar",
		[]eval.FixedInput{in, nodes(1), nodes(4)}, nil)
	require.Len(t, rows, 1)
	cost, _ := rows[0][2].AsFloat()
	require.InDelta(t, 2.0, cost, 1e-9)
}

func TestClusteringCoefficients(t *testing.T) {
	// A triangle: every node has coefficient 1.
	rows := runRule(t, "ClusteringCoefficients",
		[]eval.FixedInput{edges([2]int64{1, 2}, [2]int64{2, 3}, [2]int64{1, 3})}, nil)
	for _, r := range rows {
		coef, _ := r[1].AsFloat()
		require.InDelta(t, 1.0, coef, 1e-9)
	}
}

func TestBetweennessMiddleNodeWins(t *testing.T) {
	rows := runRule(t, "BetweennessCentrality",
		[]eval.FixedInput{edges([2]int64{1, 2}, [2]int64{2, 3})}, nil)
	best := int64(-1)
	bestScore := -1.0
	for _, r := range rows {
		n, _ := r[0].AsInt()
		s, _ := r[1].AsFloat()
		if s > bestScore {
			best, bestScore = n, s
		}
	}
	require.Equal(t, int64(2), best)
}

func TestReorderSortOptions(t *testing.T) {
	in := &sliceInput{rows: []tuple.Tuple{
		{value.Int(3)}, {value.Int(1)}, {value.Int(2)},
	}}
	rows := runRule(t, "ReorderSort", []eval.FixedInput{in}, map[string]expr.Expr{
		"descending": opt(value.True),
		"take":       opt(value.Int(2)),
	})
	require.Len(t, rows, 2)
}

func TestPayloadOptionValidation(t *testing.T) {
	p := &Payload{Options: map[string]expr.Expr{
		"theta": opt(value.Float(1.5)),
		"n":     opt(value.Int(-1)),
	}}
	_, err := p.UnitIntervalOption("theta", 0.85)
	require.Error(t, err)
	_, err = p.PosIntOption("n", 1)
	require.Error(t, err)
	b, err := p.BoolOption("absent", true)
	require.NoError(t, err)
	require.True(t, b)
}

func TestRegistryRegisterUnregister(t *testing.T) {
	reg := Default()
	require.Error(t, reg.Register("PageRank", &pageRank{fixedArity: 2}))
	require.NoError(t, reg.Register("Custom", &pageRank{fixedArity: 2}))
	require.NoError(t, reg.Unregister("Custom"))
	require.Error(t, reg.Unregister("Custom"))
}
