// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package fixedrule

import (
	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/eval"
	"github.com/kraklabs/krakdb/internal/tuple"
	"github.com/kraklabs/krakdb/internal/value"
)

// graphEdge is one outgoing arc in the compact adjacency form.
type graphEdge struct {
	to     int
	weight float64
}

// graph is the compact adjacency representation shared by the graph
// algorithms: node values interned to dense indices.
type graph struct {
	adj   [][]graphEdge
	nodes []value.Value
	idxOf map[string]int
}

func (g *graph) size() int { return len(g.nodes) }

func (g *graph) intern(v value.Value) int {
	key := string(value.EncodeKey(nil, v))
	if i, ok := g.idxOf[key]; ok {
		return i
	}
	i := len(g.nodes)
	g.idxOf[key] = i
	g.nodes = append(g.nodes, v)
	g.adj = append(g.adj, nil)
	return i
}

// buildGraph reads an edge relation (from, to, optional weight) into
// adjacency lists. Missing weights default to 1; negative weights are
// rejected because every consumer here assumes nonnegative costs.
func buildGraph(in eval.FixedInput, undirected bool, poison *eval.Poison) (*graph, error) {
	g := &graph{idxOf: map[string]int{}}
	count := 0
	err := in.Iter(func(t tuple.Tuple) (bool, error) {
		count++
		if count%1024 == 0 {
			if err := poison.Check(); err != nil {
				return false, err
			}
		}
		if len(t) < 2 {
			return false, kerr.New(kerr.Schema, "fixed::bad_edges",
				"edge relations need at least two columns")
		}
		w := 1.0
		if len(t) > 2 {
			if f, ok := t[2].AsFloat(); ok {
				w = f
			}
			if w < 0 {
				return false, kerr.New(kerr.Schema, "fixed::negative_weight",
					"edge weights must be nonnegative")
			}
		}
		from := g.intern(t[0])
		to := g.intern(t[1])
		g.adj[from] = append(g.adj[from], graphEdge{to: to, weight: w})
		if undirected {
			g.adj[to] = append(g.adj[to], graphEdge{to: from, weight: w})
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// nodeList reads a single-column relation of node values, resolving them
// against the interned graph. Unknown nodes are interned so isolated
// starting nodes still work.
func nodeList(in eval.FixedInput, g *graph) ([]int, error) {
	var out []int
	err := in.Iter(func(t tuple.Tuple) (bool, error) {
		if len(t) < 1 {
			return false, kerr.New(kerr.Schema, "fixed::bad_nodes",
				"node relations need at least one column")
		}
		out = append(out, g.intern(t[0]))
		return true, nil
	})
	return out, err
}

// pathValues converts a dense-index path back into a list value.
func (g *graph) pathValues(path []int) value.Value {
	vs := make([]value.Value, len(path))
	for i, n := range path {
		vs[i] = g.nodes[n]
	}
	return value.List(vs)
}
