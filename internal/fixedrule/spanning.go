// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package fixedrule

import (
	"container/heap"
	"sort"

	"github.com/kraklabs/krakdb/internal/eval"
	"github.com/kraklabs/krakdb/internal/tuple"
	"github.com/kraklabs/krakdb/internal/value"
)

func init() {
	registerBuiltin("MinimumSpanningTreePrim", &prim{fixedArity: 3})
	registerBuiltin("MinimumSpanningForestKruskal", &kruskal{fixedArity: 3})
}

// prim emits the MST edges (from, to, cost) of the component containing
// the starting node (second input, optional: defaults to the first
// interned node).
type prim struct{ fixedArity }

func (r *prim) Run(p *Payload, out Out, poison *eval.Poison) error {
	in, err := p.Input(0)
	if err != nil {
		return err
	}
	g, err := buildGraph(in, true, poison)
	if err != nil {
		return err
	}
	if g.size() == 0 {
		return nil
	}
	start := 0
	if len(p.Inputs) > 1 {
		starts, err := nodeList(p.Inputs[1], g)
		if err != nil {
			return err
		}
		if len(starts) > 0 {
			start = starts[0]
		}
	}

	visited := make([]bool, g.size())
	visited[start] = true
	pq := &edgeHeap{}
	push := func(from int) {
		for _, e := range g.adj[from] {
			if !visited[e.to] {
				heap.Push(pq, heapEdge{from: from, to: e.to, cost: e.weight})
			}
		}
	}
	push(start)
	for pq.Len() > 0 {
		if err := poison.Check(); err != nil {
			return err
		}
		e := heap.Pop(pq).(heapEdge)
		if visited[e.to] {
			continue
		}
		visited[e.to] = true
		if err := out(tuple.Tuple{
			g.nodes[e.from], g.nodes[e.to], value.Float(e.cost),
		}); err != nil {
			return err
		}
		push(e.to)
	}
	return nil
}

type heapEdge struct {
	from, to int
	cost     float64
}

type edgeHeap []heapEdge

func (h edgeHeap) Len() int           { return len(h) }
func (h edgeHeap) Less(i, j int) bool { return h[i].cost < h[j].cost }
func (h edgeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *edgeHeap) Push(x any)        { *h = append(*h, x.(heapEdge)) }
func (h *edgeHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// kruskal emits the minimum spanning forest edges (from, to, cost)
// across all components.
type kruskal struct{ fixedArity }

func (r *kruskal) Run(p *Payload, out Out, poison *eval.Poison) error {
	in, err := p.Input(0)
	if err != nil {
		return err
	}
	g, err := buildGraph(in, false, poison)
	if err != nil {
		return err
	}
	type rawEdge struct {
		from, to int
		cost     float64
	}
	var edges []rawEdge
	for from, adj := range g.adj {
		for _, e := range adj {
			edges = append(edges, rawEdge{from: from, to: e.to, cost: e.weight})
		}
	}
	sort.Slice(edges, func(a, b int) bool { return edges[a].cost < edges[b].cost })

	uf := newUnionFind(g.size())
	for i, e := range edges {
		if i%1024 == 0 {
			if err := poison.Check(); err != nil {
				return err
			}
		}
		if uf.find(e.from) == uf.find(e.to) {
			continue
		}
		uf.union(e.from, e.to)
		if err := out(tuple.Tuple{
			g.nodes[e.from], g.nodes[e.to], value.Float(e.cost),
		}); err != nil {
			return err
		}
	}
	return nil
}
