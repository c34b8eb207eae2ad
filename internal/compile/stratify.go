// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package compile

import (
	"sort"

	"github.com/kraklabs/krakdb/internal/aggr"
	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/program"
)

// depEdge labels one dependency between rule names.
type depEdge struct {
	to string
	// negative edges are negations, normal aggregations and fixed-rule
	// inputs; they may not close a cycle.
	negative bool
}

// Stratify checks stratifiability and splits the normal program into
// evaluation strata: strongly connected components of the dependency
// graph in topological order, the entry's component last. Rules not
// reachable from the entry are pruned.
func Stratify(prog *program.NormalProgram) (*program.StratifiedProgram, error) {
	edges := map[string][]depEdge{}
	addEdge := func(from, to string, negative bool) {
		edges[from] = append(edges[from], depEdge{to: to, negative: negative})
	}

	for name, rules := range prog.Rules {
		for _, r := range rules {
			// A rule folding a normal aggregate needs its inputs complete
			// before the fold; its dependencies count as negative.
			aggrNeg := false
			for _, a := range r.Aggrs {
				if a == nil {
					continue
				}
				def, ok := aggr.Lookup(a.Name)
				if !ok {
					return nil, kerr.Newf(kerr.Schema, "compile::unknown_aggr",
						"unknown aggregate %s", a.Name).WithSpan(a.Span)
				}
				if !def.IsMeet {
					aggrNeg = true
				}
			}
			for _, atom := range r.Body {
				switch atom.Kind {
				case program.NormalRuleApply:
					addEdge(name, atom.Name, aggrNeg)
				case program.NormalNegRuleApply:
					addEdge(name, atom.Name, true)
				}
			}
		}
		if _, ok := edges[name]; !ok {
			edges[name] = nil
		}
	}
	for name, fa := range prog.Fixed {
		for _, in := range fa.Inputs {
			if in.RuleName != "" {
				addEdge(name, in.RuleName, true)
			}
		}
		if _, ok := edges[name]; !ok {
			edges[name] = nil
		}
	}

	// Edges to names that are neither inline rules nor fixed applications
	// are compile errors, except magic placeholders which cannot occur
	// here.
	for from, es := range edges {
		for _, e := range es {
			if _, ok := prog.Rules[e.to]; ok {
				continue
			}
			if _, ok := prog.Fixed[e.to]; ok {
				continue
			}
			return nil, kerr.Newf(kerr.Schema, "compile::unknown_rule",
				"rule %s refers to undefined rule %s", from, e.to)
		}
	}

	// Prune to the part reachable from the entry.
	reachable := map[string]struct{}{}
	var visit func(string)
	visit = func(n string) {
		if _, ok := reachable[n]; ok {
			return
		}
		reachable[n] = struct{}{}
		for _, e := range edges[n] {
			visit(e.to)
		}
	}
	visit(program.EntryName)

	// Tarjan's strongly connected components over the pruned graph.
	sccs := stronglyConnected(edges, reachable)

	// Any negative edge inside one component rejects the program.
	compOf := map[string]int{}
	for i, comp := range sccs {
		for _, n := range comp {
			compOf[n] = i
		}
	}
	for from := range reachable {
		for _, e := range edges[from] {
			if e.negative && compOf[from] == compOf[e.to] {
				return nil, kerr.Newf(kerr.Unsafe, "eval::unstratifiable",
					"the rules %v form a cycle through negation or aggregation", sccs[compOf[from]])
			}
		}
	}

	// Kahn order over the condensed DAG, dependencies first. Tarjan
	// already emits components in reverse topological order; verify by
	// construction and use it directly.
	strata := make([]program.Stratum, 0, len(sccs))
	for _, comp := range sccs {
		s := program.Stratum{
			Rules: map[string][]program.NormalRule{},
			Fixed: map[string]*program.FixedApply{},
		}
		for _, n := range comp {
			if rs, ok := prog.Rules[n]; ok {
				s.Rules[n] = rs
			}
			if fa, ok := prog.Fixed[n]; ok {
				s.Fixed[n] = fa
			}
		}
		strata = append(strata, s)
	}
	return &program.StratifiedProgram{Strata: strata, Options: prog.Options}, nil
}

// stronglyConnected returns the SCCs of the subgraph induced by keep, in
// reverse topological order (every component precedes its dependents),
// with deterministic member order.
func stronglyConnected(edges map[string][]depEdge, keep map[string]struct{}) [][]string {
	names := make([]string, 0, len(keep))
	for n := range keep {
		names = append(names, n)
	}
	sort.Strings(names)

	index := map[string]int{}
	low := map[string]int{}
	onStack := map[string]bool{}
	var stack []string
	var out [][]string
	counter := 0

	var strongconnect func(string)
	strongconnect = func(v string) {
		index[v] = counter
		low[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, e := range edges[v] {
			if _, ok := keep[e.to]; !ok {
				continue
			}
			if _, visited := index[e.to]; !visited {
				strongconnect(e.to)
				if low[e.to] < low[v] {
					low[v] = low[e.to]
				}
			} else if onStack[e.to] && index[e.to] < low[v] {
				low[v] = index[e.to]
			}
		}

		if low[v] == index[v] {
			var comp []string
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			sort.Strings(comp)
			out = append(out, comp)
		}
	}

	for _, n := range names {
		if _, visited := index[n]; !visited {
			strongconnect(n)
		}
	}
	return out
}
