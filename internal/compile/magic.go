// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package compile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kraklabs/krakdb/internal/expr"
	"github.com/kraklabs/krakdb/internal/program"
)

// MagicRewrite restricts rule evaluation to bindings actually demanded
// by call sites. This implementation specializes on *constant* bound
// argument patterns: when a call site applies a non-recursive rule with
// some arguments unified to constants, the callee is cloned under an
// adorned name, a synthetic magic relation holding the demanded constant
// tuples is generated, and the clone consumes it as an additional
// filter. Recursive components are left untouched, so the rewrite always
// preserves answers. It is skipped entirely under :disable_magic.
func MagicRewrite(prog *program.NormalProgram) *program.NormalProgram {
	if prog.Options.DisableMagic {
		return prog
	}

	recursive := recursiveNames(prog)

	out := &program.NormalProgram{
		Rules:   map[string][]program.NormalRule{},
		Fixed:   prog.Fixed,
		Options: prog.Options,
	}
	for name, rules := range prog.Rules {
		out.Rules[name] = rules
	}

	// magicRows[adornedName] accumulates one demanded constant tuple per
	// call site.
	magicRows := map[string][][]magicBinding{}
	adornedOf := map[string]string{}

	for name, rules := range prog.Rules {
		rewritten := make([]program.NormalRule, len(rules))
		for ri, rule := range rules {
			consts := constBindings(&rule)
			clone := rule
			clone.Body = append([]program.NormalAtom(nil), rule.Body...)
			for ai := range clone.Body {
				atom := &clone.Body[ai]
				if atom.Kind != program.NormalRuleApply {
					continue
				}
				callee := atom.Name
				if callee == name || recursive[callee] {
					continue
				}
				if _, isFixed := prog.Fixed[callee]; isFixed {
					continue
				}
				bound := make([]magicBinding, 0, len(atom.Vars))
				adorn := make([]byte, len(atom.Vars))
				for vi, v := range atom.Vars {
					if cv, ok := consts[v]; ok {
						adorn[vi] = 'b'
						bound = append(bound, magicBinding{pos: vi, val: cv})
					} else {
						adorn[vi] = 'f'
					}
				}
				if len(bound) == 0 || len(bound) == len(atom.Vars) {
					// Nothing to specialize, or the probe is already a
					// point lookup.
					continue
				}
				adorned := fmt.Sprintf("%s%s|%s", program.MagicPrefix, callee, adorn)
				adornedOf[adorned] = callee
				magicRows[adorned] = append(magicRows[adorned], bound)
				atom.Name = adorned
			}
			rewritten[ri] = clone
		}
		out.Rules[name] = rewritten
	}

	// Emit the adorned clones and their magic input relations.
	adornedNames := make([]string, 0, len(adornedOf))
	for n := range adornedOf {
		adornedNames = append(adornedNames, n)
	}
	sort.Strings(adornedNames)
	for _, adorned := range adornedNames {
		base := adornedOf[adorned]
		adornment := adorned[strings.LastIndexByte(adorned, '|')+1:]
		magicName := adorned + "|input"

		// The magic relation: one disjunct per demanded constant tuple.
		var magicRules []program.NormalRule
		var boundPos []int
		for i, c := range adornment {
			if c == 'b' {
				boundPos = append(boundPos, i)
			}
		}
		head := make([]string, len(boundPos))
		for i := range boundPos {
			head[i] = fmt.Sprintf("~mb%d", i)
		}
		for _, row := range magicRows[adorned] {
			body := make([]program.NormalAtom, len(row))
			for i, b := range row {
				body[i] = program.NormalAtom{
					Kind:    program.NormalUnification,
					UnifVar: head[i],
					UnifE:   expr.Const{Val: b.val.Val},
				}
			}
			magicRules = append(magicRules, program.NormalRule{Head: head, Body: body})
		}
		out.Rules[magicName] = magicRules

		// The adorned clone: original bodies plus the magic filter on
		// the bound head positions.
		for _, orig := range out.Rules[base] {
			clone := orig
			magicVars := make([]string, len(boundPos))
			for i, pos := range boundPos {
				magicVars[i] = orig.Head[pos]
			}
			filter := program.NormalAtom{
				Kind: program.NormalRuleApply,
				Name: magicName,
				Vars: magicVars,
			}
			clone.Body = append([]program.NormalAtom{filter}, orig.Body...)
			out.Rules[adorned] = append(out.Rules[adorned], clone)
		}
	}
	return out
}

type magicBinding struct {
	pos int
	val expr.Const
}

// constBindings collects variables unified to literal constants in the
// rule body.
func constBindings(rule *program.NormalRule) map[string]expr.Const {
	out := map[string]expr.Const{}
	for _, a := range rule.Body {
		if a.Kind != program.NormalUnification {
			continue
		}
		if c, ok := a.UnifE.(expr.Const); ok {
			out[a.UnifVar] = c
		}
	}
	return out
}

// recursiveNames finds rules involved in any cycle, including self
// cycles.
func recursiveNames(prog *program.NormalProgram) map[string]bool {
	edges := map[string][]depEdge{}
	keep := map[string]struct{}{}
	for name, rules := range prog.Rules {
		keep[name] = struct{}{}
		for _, r := range rules {
			for _, atom := range r.Body {
				if atom.Kind == program.NormalRuleApply || atom.Kind == program.NormalNegRuleApply {
					edges[name] = append(edges[name], depEdge{to: atom.Name})
				}
			}
		}
	}
	for name := range prog.Fixed {
		keep[name] = struct{}{}
	}
	out := map[string]bool{}
	for _, comp := range stronglyConnected(edges, keep) {
		if len(comp) > 1 {
			for _, n := range comp {
				out[n] = true
			}
			continue
		}
		n := comp[0]
		for _, e := range edges[n] {
			if e.to == n {
				out[n] = true
			}
		}
	}
	return out
}
