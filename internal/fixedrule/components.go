// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package fixedrule

import (
	"math/rand"

	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/eval"
	"github.com/kraklabs/krakdb/internal/tuple"
	"github.com/kraklabs/krakdb/internal/value"
)

func init() {
	registerBuiltin("StronglyConnectedComponents", &sccRule{fixedArity: 2})
	registerBuiltin("ConnectedComponents", &ccRule{fixedArity: 2})
	registerBuiltin("TopSort", &topSort{fixedArity: 2})
	registerBuiltin("ClusteringCoefficients", &clustering{fixedArity: 4})
	registerBuiltin("LabelPropagation", &labelProp{fixedArity: 2})
	registerBuiltin("CommunityDetectionLouvain", &louvain{fixedArity: 2})
}

// sccRule emits (node, component) where the component id is the lowest
// dense index inside the strongly connected component.
type sccRule struct{ fixedArity }

func (s *sccRule) Run(p *Payload, out Out, poison *eval.Poison) error {
	in, err := p.Input(0)
	if err != nil {
		return err
	}
	g, err := buildGraph(in, false, poison)
	if err != nil {
		return err
	}
	n := g.size()
	comp := make([]int, n)
	for i := range comp {
		comp[i] = -1
	}

	// Iterative Tarjan; the explicit stack avoids recursion depth limits
	// on long chains.
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}
	var stack []int
	counter := 0

	type frame struct {
		node int
		edge int
	}
	for root := 0; root < n; root++ {
		if index[root] != -1 {
			continue
		}
		frames := []frame{{node: root}}
		index[root] = counter
		low[root] = counter
		counter++
		stack = append(stack, root)
		onStack[root] = true

		for len(frames) > 0 {
			if err := poison.Check(); err != nil {
				return err
			}
			f := &frames[len(frames)-1]
			if f.edge < len(g.adj[f.node]) {
				to := g.adj[f.node][f.edge].to
				f.edge++
				if index[to] == -1 {
					index[to] = counter
					low[to] = counter
					counter++
					stack = append(stack, to)
					onStack[to] = true
					frames = append(frames, frame{node: to})
				} else if onStack[to] && index[to] < low[f.node] {
					low[f.node] = index[to]
				}
				continue
			}
			// Leaving the frame.
			v := f.node
			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				parent := frames[len(frames)-1].node
				if low[v] < low[parent] {
					low[parent] = low[v]
				}
			}
			if low[v] == index[v] {
				id := v
				members := []int{}
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					members = append(members, w)
					if w < id {
						id = w
					}
					if w == v {
						break
					}
				}
				for _, m := range members {
					comp[m] = id
				}
			}
		}
	}

	for i, node := range g.nodes {
		if err := out(tuple.Tuple{node, value.Int(int64(comp[i]))}); err != nil {
			return err
		}
	}
	return nil
}

// ccRule emits (node, component) over the undirected reachability
// closure via union-find.
type ccRule struct{ fixedArity }

func (c *ccRule) Run(p *Payload, out Out, poison *eval.Poison) error {
	in, err := p.Input(0)
	if err != nil {
		return err
	}
	g, err := buildGraph(in, true, poison)
	if err != nil {
		return err
	}
	uf := newUnionFind(g.size())
	for from, edges := range g.adj {
		for _, e := range edges {
			uf.union(from, e.to)
		}
	}
	for i, node := range g.nodes {
		if err := poison.Check(); err != nil {
			return err
		}
		if err := out(tuple.Tuple{node, value.Int(int64(uf.find(i)))}); err != nil {
			return err
		}
	}
	return nil
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	if uf.rank[ra] < uf.rank[rb] {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	if uf.rank[ra] == uf.rank[rb] {
		uf.rank[ra]++
	}
}

// topSort emits (order, node); cyclic inputs are rejected.
type topSort struct{ fixedArity }

func (t *topSort) Run(p *Payload, out Out, poison *eval.Poison) error {
	in, err := p.Input(0)
	if err != nil {
		return err
	}
	g, err := buildGraph(in, false, poison)
	if err != nil {
		return err
	}
	n := g.size()
	inDeg := make([]int, n)
	for _, edges := range g.adj {
		for _, e := range edges {
			inDeg[e.to]++
		}
	}
	var queue []int
	for i := 0; i < n; i++ {
		if inDeg[i] == 0 {
			queue = append(queue, i)
		}
	}
	order := int64(0)
	for len(queue) > 0 {
		if err := poison.Check(); err != nil {
			return err
		}
		v := queue[0]
		queue = queue[1:]
		if err := out(tuple.Tuple{value.Int(order), g.nodes[v]}); err != nil {
			return err
		}
		order++
		for _, e := range g.adj[v] {
			inDeg[e.to]--
			if inDeg[e.to] == 0 {
				queue = append(queue, e.to)
			}
		}
	}
	if order != int64(n) {
		return kerr.New(kerr.Runtime, "fixed::cyclic",
			"the input graph contains a cycle, topological sort is impossible").WithSpan(p.Span)
	}
	return nil
}

// clustering emits (node, coefficient, triangles, degree) over the
// undirected view of the input.
type clustering struct{ fixedArity }

func (c *clustering) Run(p *Payload, out Out, poison *eval.Poison) error {
	in, err := p.Input(0)
	if err != nil {
		return err
	}
	g, err := buildGraph(in, true, poison)
	if err != nil {
		return err
	}
	n := g.size()
	neighbors := make([]map[int]struct{}, n)
	for i, edges := range g.adj {
		neighbors[i] = map[int]struct{}{}
		for _, e := range edges {
			if e.to != i {
				neighbors[i][e.to] = struct{}{}
			}
		}
	}
	for i, node := range g.nodes {
		if err := poison.Check(); err != nil {
			return err
		}
		deg := len(neighbors[i])
		triangles := 0
		for a := range neighbors[i] {
			for b := range neighbors[i] {
				if a < b {
					if _, ok := neighbors[a][b]; ok {
						triangles++
					}
				}
			}
		}
		coef := 0.0
		if deg > 1 {
			coef = 2 * float64(triangles) / float64(deg*(deg-1))
		}
		if err := out(tuple.Tuple{
			node, value.Float(coef), value.Int(int64(triangles)), value.Int(int64(deg)),
		}); err != nil {
			return err
		}
	}
	return nil
}

// labelProp emits (node, label) after asynchronous label propagation:
// each pass visits nodes in a random order and updates labels in place.
type labelProp struct{ fixedArity }

func (l *labelProp) Run(p *Payload, out Out, poison *eval.Poison) error {
	in, err := p.Input(0)
	if err != nil {
		return err
	}
	undirected, err := p.BoolOption("undirected", true)
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
	labels := make([]int, n)
	for i := range labels {
		labels[i] = i
	}

	order := rand.Perm(n)
	for iter := int64(0); iter < iterations; iter++ {
		if err := poison.Check(); err != nil {
			return err
		}
		changed := false
		for _, v := range order {
			if len(g.adj[v]) == 0 {
				continue
			}
			counts := map[int]float64{}
			for _, e := range g.adj[v] {
				counts[labels[e.to]] += e.weight
			}
			best, bestW := labels[v], -1.0
			for lab, w := range counts {
				if w > bestW || w == bestW && lab < best {
					best, bestW = lab, w
				}
			}
			if best != labels[v] {
				labels[v] = best
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	for i, node := range g.nodes {
		if err := out(tuple.Tuple{node, value.Int(int64(labels[i]))}); err != nil {
			return err
		}
	}
	return nil
}

// louvain emits (node, community) after modularity-greedy local moving,
// the first phase of the Louvain method, repeated until no node moves or
// for at most 32 passes.
type louvain struct{ fixedArity }

func (l *louvain) Run(p *Payload, out Out, poison *eval.Poison) error {
	in, err := p.Input(0)
	if err != nil {
		return err
	}
	g, err := buildGraph(in, true, poison)
	if err != nil {
		return err
	}
	n := g.size()
	if n == 0 {
		return nil
	}

	community := make([]int, n)
	degree := make([]float64, n)
	total := 0.0
	for i := range community {
		community[i] = i
		for _, e := range g.adj[i] {
			degree[i] += e.weight
			total += e.weight
		}
	}
	if total == 0 {
		total = 1
	}
	commDegree := append([]float64(nil), degree...)

	for pass := 0; pass < 32; pass++ {
		if err := poison.Check(); err != nil {
			return err
		}
		moved := false
		for v := 0; v < n; v++ {
			cur := community[v]
			// Weights from v into each neighboring community.
			links := map[int]float64{}
			for _, e := range g.adj[v] {
				if e.to != v {
					links[community[e.to]] += e.weight
				}
			}
			commDegree[cur] -= degree[v]
			bestComm, bestGain := cur, 0.0
			for comm, w := range links {
				gain := w - commDegree[comm]*degree[v]/total
				if gain > bestGain || gain == bestGain && comm < bestComm {
					bestComm, bestGain = comm, gain
				}
			}
			commDegree[bestComm] += degree[v]
			if bestComm != cur {
				community[v] = bestComm
				moved = true
			}
		}
		if !moved {
			break
		}
	}

	// Renumber communities to their lowest member index.
	lowest := map[int]int{}
	for v, c := range community {
		if cur, ok := lowest[c]; !ok || v < cur {
			lowest[c] = v
		}
	}
	for i, node := range g.nodes {
		if err := out(tuple.Tuple{node, value.Int(int64(lowest[community[i]]))}); err != nil {
			return err
		}
	}
	return nil
}
