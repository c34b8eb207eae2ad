// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package fixedrule

import (
	"container/heap"
	"math"
	"math/rand"

	"github.com/kraklabs/krakdb/internal/eval"
	"github.com/kraklabs/krakdb/internal/expr"
	"github.com/kraklabs/krakdb/internal/tuple"
	"github.com/kraklabs/krakdb/internal/value"
)

func init() {
	registerBuiltin("BFS", &searchRule{fixedArity: 3, depthFirst: false})
	registerBuiltin("DFS", &searchRule{fixedArity: 3, depthFirst: true})
	registerBuiltin("ShortestPathBFS", &shortestPathBFS{fixedArity: 3})
	registerBuiltin("ShortestPathAStar", &shortestPathAStar{fixedArity: 4})
	registerBuiltin("RandomWalk", &randomWalk{fixedArity: 3})
}

// searchRule implements BFS and DFS: inputs (edges, starting, goals?),
// an optional condition expression over the variable `node`, output
// (start, goal, path).
type searchRule struct {
	fixedArity
	depthFirst bool
}

// goalTest builds the acceptance predicate from the goals input (when
// present) and the condition option.
func goalTest(p *Payload, g *graph) (func(n int, env *expr.Env) (bool, error), error) {
	goalSet := map[int]struct{}{}
	if len(p.Inputs) > 2 {
		goals, err := nodeList(p.Inputs[2], g)
		if err != nil {
			return nil, err
		}
		for _, n := range goals {
			goalSet[n] = struct{}{}
		}
	}
	cond, hasCond := p.ExprOption("condition")
	return func(n int, env *expr.Env) (bool, error) {
		if len(goalSet) > 0 {
			if _, ok := goalSet[n]; !ok {
				return false, nil
			}
		} else if !hasCond {
			return false, nil
		}
		if hasCond {
			env.Row[0] = g.nodes[n]
			return expr.EvalPred(cond, env)
		}
		return true, nil
	}, nil
}

func condEnv(p *Payload) *expr.Env {
	return &expr.Env{
		Row:    make([]value.Value, 1),
		Slots:  map[string]int{"node": 0},
		Params: p.Params,
	}
}

func (s *searchRule) Run(p *Payload, out Out, poison *eval.Poison) error {
	edges, err := p.Input(0)
	if err != nil {
		return err
	}
	starting, err := p.Input(1)
	if err != nil {
		return err
	}
	limit, err := p.PosIntOption("limit", 1)
	if err != nil {
		return err
	}
	g, err := buildGraph(edges, false, poison)
	if err != nil {
		return err
	}
	starts, err := nodeList(starting, g)
	if err != nil {
		return err
	}
	accept, err := goalTest(p, g)
	if err != nil {
		return err
	}
	env := condEnv(p)

	for _, start := range starts {
		if err := poison.Check(); err != nil {
			return err
		}
		found := int64(0)
		parent := make([]int, g.size())
		visited := make([]bool, g.size())
		for i := range parent {
			parent[i] = -1
		}
		frontier := []int{start}
		visited[start] = true
		for len(frontier) > 0 && found < limit {
			if err := poison.Check(); err != nil {
				return err
			}
			var cur int
			if s.depthFirst {
				cur = frontier[len(frontier)-1]
				frontier = frontier[:len(frontier)-1]
			} else {
				cur = frontier[0]
				frontier = frontier[1:]
			}
			ok, err := accept(cur, env)
			if err != nil {
				return err
			}
			if ok && cur != start {
				var path []int
				for n := cur; n != -1; n = parent[n] {
					path = append([]int{n}, path...)
				}
				if err := out(tuple.Tuple{g.nodes[start], g.nodes[cur], g.pathValues(path)}); err != nil {
					return err
				}
				found++
			}
			for _, e := range g.adj[cur] {
				if !visited[e.to] {
					visited[e.to] = true
					parent[e.to] = cur
					frontier = append(frontier, e.to)
				}
			}
		}
	}
	return nil
}

// shortestPathBFS finds one shortest unweighted path per (start, goal)
// pair, output (start, goal, path).
type shortestPathBFS struct{ fixedArity }

func (s *shortestPathBFS) Run(p *Payload, out Out, poison *eval.Poison) error {
	edges, err := p.Input(0)
	if err != nil {
		return err
	}
	starting, err := p.Input(1)
	if err != nil {
		return err
	}
	goalsIn, err := p.Input(2)
	if err != nil {
		return err
	}
	g, err := buildGraph(edges, false, poison)
	if err != nil {
		return err
	}
	starts, err := nodeList(starting, g)
	if err != nil {
		return err
	}
	goals, err := nodeList(goalsIn, g)
	if err != nil {
		return err
	}

	for _, start := range starts {
		parent := make([]int, g.size())
		dist := make([]int, g.size())
		for i := range parent {
			parent[i] = -1
			dist[i] = -1
		}
		dist[start] = 0
		queue := []int{start}
		for len(queue) > 0 {
			if err := poison.Check(); err != nil {
				return err
			}
			cur := queue[0]
			queue = queue[1:]
			for _, e := range g.adj[cur] {
				if dist[e.to] < 0 {
					dist[e.to] = dist[cur] + 1
					parent[e.to] = cur
					queue = append(queue, e.to)
				}
			}
		}
		for _, goal := range goals {
			if dist[goal] < 0 {
				continue
			}
			var path []int
			for n := goal; n != -1; n = parent[n] {
				path = append([]int{n}, path...)
			}
			if err := out(tuple.Tuple{g.nodes[start], g.nodes[goal], g.pathValues(path)}); err != nil {
				return err
			}
		}
	}
	return nil
}

// shortestPathAStar runs weighted shortest path (Dijkstra when no
// heuristic is configured), output (start, goal, cost, path).
type shortestPathAStar struct{ fixedArity }

type pqItem struct {
	node int
	cost float64
	est  float64
}

type priorityQueue []pqItem

func (q priorityQueue) Len() int           { return len(q) }
func (q priorityQueue) Less(i, j int) bool { return q[i].est < q[j].est }
func (q priorityQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *priorityQueue) Push(x any)        { *q = append(*q, x.(pqItem)) }
func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}

func (s *shortestPathAStar) Run(p *Payload, out Out, poison *eval.Poison) error {
	edges, err := p.Input(0)
	if err != nil {
		return err
	}
	starting, err := p.Input(1)
	if err != nil {
		return err
	}
	goalsIn, err := p.Input(2)
	if err != nil {
		return err
	}
	g, err := buildGraph(edges, false, poison)
	if err != nil {
		return err
	}
	starts, err := nodeList(starting, g)
	if err != nil {
		return err
	}
	goals, err := nodeList(goalsIn, g)
	if err != nil {
		return err
	}
	heuristic, hasH := p.ExprOption("heuristic")
	env := &expr.Env{
		Row:    make([]value.Value, 2),
		Slots:  map[string]int{"node": 0, "goal": 1},
		Params: p.Params,
	}
	h := func(n, goal int) (float64, error) {
		if !hasH {
			return 0, nil
		}
		env.Row[0] = g.nodes[n]
		env.Row[1] = g.nodes[goal]
		v, err := heuristic.Eval(env)
		if err != nil {
			return 0, err
		}
		f, ok := v.AsFloat()
		if !ok {
			return 0, p.badOption("heuristic", "a numeric expression", v)
		}
		return f, nil
	}

	for _, start := range starts {
		for _, goal := range goals {
			if err := poison.Check(); err != nil {
				return err
			}
			dist := make([]float64, g.size())
			parent := make([]int, g.size())
			done := make([]bool, g.size())
			for i := range dist {
				dist[i] = math.Inf(1)
				parent[i] = -1
			}
			dist[start] = 0
			h0, err := h(start, goal)
			if err != nil {
				return err
			}
			pq := &priorityQueue{{node: start, cost: 0, est: h0}}
			for pq.Len() > 0 {
				if err := poison.Check(); err != nil {
					return err
				}
				it := heap.Pop(pq).(pqItem)
				if done[it.node] {
					continue
				}
				done[it.node] = true
				if it.node == goal {
					break
				}
				for _, e := range g.adj[it.node] {
					nd := dist[it.node] + e.weight
					if nd < dist[e.to] {
						dist[e.to] = nd
						parent[e.to] = it.node
						he, err := h(e.to, goal)
						if err != nil {
							return err
						}
						heap.Push(pq, pqItem{node: e.to, cost: nd, est: nd + he})
					}
				}
			}
			if math.IsInf(dist[goal], 1) {
				continue
			}
			var path []int
			for n := goal; n != -1; n = parent[n] {
				path = append([]int{n}, path...)
			}
			if err := out(tuple.Tuple{
				g.nodes[start], g.nodes[goal],
				value.Float(dist[goal]), g.pathValues(path),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// randomWalk emits (index, start, path) for repeated random walks.
type randomWalk struct{ fixedArity }

func (r *randomWalk) Run(p *Payload, out Out, poison *eval.Poison) error {
	edges, err := p.Input(0)
	if err != nil {
		return err
	}
	starting, err := p.Input(1)
	if err != nil {
		return err
	}
	steps, err := p.PosIntOption("steps", 10)
	if err != nil {
		return err
	}
	iterations, err := p.PosIntOption("iterations", 1)
	if err != nil {
		return err
	}
	g, err := buildGraph(edges, false, poison)
	if err != nil {
		return err
	}
	starts, err := nodeList(starting, g)
	if err != nil {
		return err
	}

	counter := int64(0)
	for _, start := range starts {
		for it := int64(0); it < iterations; it++ {
			if err := poison.Check(); err != nil {
				return err
			}
			path := []int{start}
			cur := start
			for st := int64(0); st < steps; st++ {
				next := g.adj[cur]
				if len(next) == 0 {
					break
				}
				cur = next[rand.Intn(len(next))].to
				path = append(path, cur)
			}
			if err := out(tuple.Tuple{
				value.Int(counter), g.nodes[start], g.pathValues(path),
			}); err != nil {
				return err
			}
			counter++
		}
	}
	return nil
}
