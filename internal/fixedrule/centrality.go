// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package fixedrule

import (
	"math"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kraklabs/krakdb/internal/eval"
	"github.com/kraklabs/krakdb/internal/tuple"
	"github.com/kraklabs/krakdb/internal/value"
)

func init() {
	registerBuiltin("DegreeCentrality", &degreeCentrality{fixedArity: 4})
	registerBuiltin("PageRank", &pageRank{fixedArity: 2})
	registerBuiltin("BetweennessCentrality", &betweenness{fixedArity: 2})
	registerBuiltin("ClosenessCentrality", &closeness{fixedArity: 2})
}

// degreeCentrality emits (node, degree, in_degree, out_degree).
type degreeCentrality struct{ fixedArity }

func (d *degreeCentrality) Run(p *Payload, out Out, poison *eval.Poison) error {
	in, err := p.Input(0)
	if err != nil {
		return err
	}
	undirected, err := p.BoolOption("undirected", false)
	if err != nil {
		return err
	}
	g, err := buildGraph(in, false, poison)
	if err != nil {
		return err
	}
	outDeg := make([]int64, g.size())
	inDeg := make([]int64, g.size())
	for from, edges := range g.adj {
		for _, e := range edges {
			outDeg[from]++
			inDeg[e.to]++
			if undirected {
				outDeg[e.to]++
				inDeg[from]++
			}
		}
	}
	for i, node := range g.nodes {
		if err := poison.Check(); err != nil {
			return err
		}
		if err := out(tuple.Tuple{
			node,
			value.Int(outDeg[i] + inDeg[i]),
			value.Int(inDeg[i]),
			value.Int(outDeg[i]),
		}); err != nil {
			return err
		}
	}
	return nil
}

// pageRank is the classic power iteration with damping, emitting
// (node, rank).
type pageRank struct{ fixedArity }

func (r *pageRank) Run(p *Payload, out Out, poison *eval.Poison) error {
	in, err := p.Input(0)
	if err != nil {
		return err
	}
	undirected, err := p.BoolOption("undirected", false)
	if err != nil {
		return err
	}
	theta, err := p.UnitIntervalOption("theta", 0.85)
	if err != nil {
		return err
	}
	epsilon, err := p.UnitIntervalOption("epsilon", 0.0001)
	if err != nil {
		return err
	}
	iterations, err := p.PosIntOption("iterations", 10)
	if err != nil {
		return err
	}

	g, err := buildGraph(in, undirected, poison)
	if err != nil {
		return err
	}
	n := g.size()
	if n == 0 {
		return nil
	}

	ranks := make([]float64, n)
	next := make([]float64, n)
	for i := range ranks {
		ranks[i] = 1.0 / float64(n)
	}
	base := (1 - theta) / float64(n)

	for iter := int64(0); iter < iterations; iter++ {
		if err := poison.Check(); err != nil {
			return err
		}
		for i := range next {
			next[i] = base
		}
		dangling := 0.0
		for from, edges := range g.adj {
			if len(edges) == 0 {
				dangling += ranks[from]
				continue
			}
			share := theta * ranks[from] / float64(len(edges))
			for _, e := range edges {
				next[e.to] += share
			}
		}
		spread := theta * dangling / float64(n)
		diff := 0.0
		for i := range next {
			next[i] += spread
			diff += math.Abs(next[i] - ranks[i])
		}
		ranks, next = next, ranks
		if diff < epsilon {
			break
		}
	}

	for i, node := range g.nodes {
		if err := out(tuple.Tuple{node, value.Float(ranks[i])}); err != nil {
			return err
		}
	}
	return nil
}

// betweenness runs Brandes' algorithm, fanning out one source per
// worker; the per-source passes are independent.
type betweenness struct{ fixedArity }

func (b *betweenness) Run(p *Payload, out Out, poison *eval.Poison) error {
	in, err := p.Input(0)
	if err != nil {
		return err
	}
	undirected, err := p.BoolOption("undirected", false)
	if err != nil {
		return err
	}
	g, err := buildGraph(in, undirected, poison)
	if err != nil {
		return err
	}
	n := g.size()
	if n == 0 {
		return nil
	}

	centrality := make([]float64, n)
	var mu sync.Mutex
	var eg errgroup.Group
	eg.SetLimit(runtime.GOMAXPROCS(0))

	for s := 0; s < n; s++ {
		src := s
		eg.Go(func() error {
			if err := poison.Check(); err != nil {
				return err
			}
			delta := brandesPass(g, src, poison)
			if delta == nil {
				return poison.Check()
			}
			mu.Lock()
			for i, d := range delta {
				centrality[i] += d
			}
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	scale := 1.0
	if undirected {
		scale = 0.5
	}
	for i, node := range g.nodes {
		if err := out(tuple.Tuple{node, value.Float(centrality[i] * scale)}); err != nil {
			return err
		}
	}
	return nil
}

// brandesPass accumulates dependency scores for one source over the
// unweighted graph; returns nil when poisoned.
func brandesPass(g *graph, src int, poison *eval.Poison) []float64 {
	n := g.size()
	sigma := make([]float64, n)
	dist := make([]int, n)
	delta := make([]float64, n)
	preds := make([][]int, n)
	for i := range dist {
		dist[i] = -1
	}
	sigma[src] = 1
	dist[src] = 0
	queue := []int{src}
	var order []int

	for len(queue) > 0 {
		if poison.Poisoned() {
			return nil
		}
		v := queue[0]
		queue = queue[1:]
		order = append(order, v)
		for _, e := range g.adj[v] {
			if dist[e.to] < 0 {
				dist[e.to] = dist[v] + 1
				queue = append(queue, e.to)
			}
			if dist[e.to] == dist[v]+1 {
				sigma[e.to] += sigma[v]
				preds[e.to] = append(preds[e.to], v)
			}
		}
	}
	for i := len(order) - 1; i > 0; i-- {
		w := order[i]
		for _, v := range preds[w] {
			delta[v] += sigma[v] / sigma[w] * (1 + delta[w])
		}
	}
	delta[src] = 0
	return delta
}

// closeness emits (node, closeness) with the harmonic-mean convention
// for disconnected graphs, one BFS per source in parallel.
type closeness struct{ fixedArity }

func (c *closeness) Run(p *Payload, out Out, poison *eval.Poison) error {
	in, err := p.Input(0)
	if err != nil {
		return err
	}
	undirected, err := p.BoolOption("undirected", false)
	if err != nil {
		return err
	}
	g, err := buildGraph(in, undirected, poison)
	if err != nil {
		return err
	}
	n := g.size()
	if n == 0 {
		return nil
	}

	scores := make([]float64, n)
	var eg errgroup.Group
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for s := 0; s < n; s++ {
		src := s
		eg.Go(func() error {
			if err := poison.Check(); err != nil {
				return err
			}
			dist := make([]int, n)
			for i := range dist {
				dist[i] = -1
			}
			dist[src] = 0
			queue := []int{src}
			sum := 0.0
			for len(queue) > 0 {
				v := queue[0]
				queue = queue[1:]
				if dist[v] > 0 {
					sum += 1.0 / float64(dist[v])
				}
				for _, e := range g.adj[v] {
					if dist[e.to] < 0 {
						dist[e.to] = dist[v] + 1
						queue = append(queue, e.to)
					}
				}
			}
			if n > 1 {
				scores[src] = sum / float64(n-1)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	for i, node := range g.nodes {
		if err := out(tuple.Tuple{node, value.Float(scores[i])}); err != nil {
			return err
		}
	}
	return nil
}
