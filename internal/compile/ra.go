// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package compile

import (
	"fmt"
	"strings"

	"github.com/kraklabs/krakdb/internal/catalog"
	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/expr"
	"github.com/kraklabs/krakdb/internal/program"
)

// StepKind discriminates join-plan steps.
type StepKind uint8

const (
	StepScanRel StepKind = iota + 1
	StepScanRule
	StepNegRel
	StepNegRule
	StepFilter
	StepUnify
)

// Step is one operation of a rule's join plan. Scans bind the variables
// of their unbound argument positions; bound positions filter. The
// leading run of bound arguments (NumPrefix) narrows the scan to a key
// prefix.
type Step struct {
	Kind StepKind
	Span kerr.Span

	// Scans.
	Rel         *catalog.RelationMeta // StepScanRel / StepNegRel
	RuleName    string                // StepScanRule / StepNegRule
	SameStratum bool                  // rule scan reads a recursive rule
	ArgSlots    []int
	BoundBefore []bool
	NumPrefix   int
	ValidAt     expr.Expr // non-nil: point-in-time relation scan

	// StepFilter.
	Pred expr.Expr

	// StepUnify.
	UnifSlot  int
	UnifBound bool
	UnifE     expr.Expr
}

// CompiledRule is one rule clause lowered to a join plan over variable
// slots. SlotOf is the binding map: where each variable first becomes
// available.
type CompiledRule struct {
	NumSlots int
	SlotOf   map[string]int
	OutSlots []int
	Steps    []Step
	Span     kerr.Span
}

// CompiledRuleSet is all clauses of one rule name plus its aggregate
// signature.
type CompiledRuleSet struct {
	Name      string
	Arity     int
	Aggrs     []*program.AggrApply
	GroupCols []int // head positions without an aggregate
	AggrCols  []int // head positions with one
	Rules     []*CompiledRule
	MeetOnly  bool
}

// CompiledStratum is one evaluation layer.
type CompiledStratum struct {
	Rules map[string]*CompiledRuleSet
	Fixed map[string]*program.FixedApply
}

// CompiledProgram is the executable program.
type CompiledProgram struct {
	Strata  []CompiledStratum
	Options program.QueryOptions
	// EntryHead names the output columns of the entry rule.
	EntryHead []string
}

// CompileProgram lowers a stratified program to join plans. isMeet
// classifies aggregate names so the evaluator knows which rules can fold
// during the fixed point.
func CompileProgram(sp *program.StratifiedProgram, snap *catalog.Snapshot, isMeet func(name string) (bool, bool)) (*CompiledProgram, error) {
	arities := map[string]int{}
	for _, st := range sp.Strata {
		for name, rules := range st.Rules {
			if len(rules) > 0 {
				arities[name] = len(rules[0].Head)
			}
		}
		for name, fa := range st.Fixed {
			arities[name] = fa.Arity
		}
	}

	out := &CompiledProgram{Options: sp.Options}
	for _, st := range sp.Strata {
		cst := CompiledStratum{
			Rules: map[string]*CompiledRuleSet{},
			Fixed: st.Fixed,
		}
		for name, rules := range st.Rules {
			set, err := compileRuleSet(name, rules, st, snap, arities, isMeet)
			if err != nil {
				return nil, err
			}
			cst.Rules[name] = set
		}
		out.Strata = append(out.Strata, cst)
		if _, ok := st.Rules[program.EntryName]; ok {
			out.EntryHead = st.Rules[program.EntryName][0].Head
		}
		if fa, ok := st.Fixed[program.EntryName]; ok {
			out.EntryHead = fa.Head
		}
	}
	if out.EntryHead == nil {
		return nil, kerr.New(kerr.Internal, "compile::no_entry", "entry rule lost during compilation")
	}
	return out, nil
}

func compileRuleSet(name string, rules []program.NormalRule, st program.Stratum, snap *catalog.Snapshot, arities map[string]int, isMeet func(string) (bool, bool)) (*CompiledRuleSet, error) {
	set := &CompiledRuleSet{
		Name:  name,
		Arity: len(rules[0].Head),
		Aggrs: rules[0].Aggrs,
	}
	// All clauses must agree on the aggregate signature; otherwise the
	// fold would be ambiguous.
	for _, r := range rules[1:] {
		if !sameAggrs(rules[0].Aggrs, r.Aggrs) {
			return nil, kerr.Newf(kerr.Unsafe, "compile::aggr_mismatch",
				"every clause of %s must use the same aggregates", name).WithSpan(r.Span)
		}
	}
	set.MeetOnly = true
	for i, a := range set.Aggrs {
		if a == nil {
			set.GroupCols = append(set.GroupCols, i)
			continue
		}
		set.AggrCols = append(set.AggrCols, i)
		meet, ok := isMeet(a.Name)
		if !ok {
			return nil, kerr.Newf(kerr.Schema, "compile::unknown_aggr",
				"unknown aggregate %s", a.Name).WithSpan(a.Span)
		}
		if !meet {
			set.MeetOnly = false
		}
	}
	if set.Aggrs == nil {
		set.GroupCols = nil
	}

	for i := range rules {
		cr, err := compileRule(&rules[i], st, snap, arities)
		if err != nil {
			return nil, err
		}
		set.Rules = append(set.Rules, cr)
	}
	return set, nil
}

func sameAggrs(a, b []*program.AggrApply) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		switch {
		case a[i] == nil && b[i] == nil:
		case a[i] == nil || b[i] == nil:
			return false
		case a[i].Name != b[i].Name:
			return false
		}
	}
	return true
}

func compileRule(rule *program.NormalRule, st program.Stratum, snap *catalog.Snapshot, arities map[string]int) (*CompiledRule, error) {
	cr := &CompiledRule{SlotOf: map[string]int{}, Span: rule.Span}
	bound := map[int]bool{}

	for ai := range rule.Body {
		atom := &rule.Body[ai]
		switch atom.Kind {
		case program.NormalRuleApply, program.NormalNegRuleApply:
			want, ok := arities[atom.Name]
			if !ok {
				return nil, kerr.Newf(kerr.Schema, "compile::unknown_rule",
					"applied rule %s is not defined", atom.Name).WithSpan(atom.Span)
			}
			if want != len(atom.Vars) {
				return nil, kerr.Newf(kerr.Schema, "compile::arity_mismatch",
					"rule %s has arity %d, applied with %d arguments", atom.Name, want, len(atom.Vars)).
					WithSpan(atom.Span)
			}
			step := Step{
				Kind:     StepScanRule,
				Span:     atom.Span,
				RuleName: atom.Name,
			}
			if atom.Kind == program.NormalNegRuleApply {
				step.Kind = StepNegRule
			}
			_, step.SameStratum = st.Rules[atom.Name]
			if !step.SameStratum {
				_, step.SameStratum = st.Fixed[atom.Name]
			}
			cr.fillScanSlots(&step, atom.Vars, bound, atom.Kind == program.NormalRuleApply)
			cr.Steps = append(cr.Steps, step)
		case program.NormalRelationApply, program.NormalNegRelationApply:
			meta, err := snap.Must(atom.Name)
			if err != nil {
				return nil, withSpan(err, atom.Span)
			}
			step := Step{
				Kind:    StepScanRel,
				Span:    atom.Span,
				Rel:     meta,
				ValidAt: atom.ValidAt,
			}
			if atom.Kind == program.NormalNegRelationApply {
				step.Kind = StepNegRel
			}
			cr.fillScanSlots(&step, atom.Vars, bound, atom.Kind == program.NormalRelationApply)
			cr.Steps = append(cr.Steps, step)
		case program.NormalPredicate:
			cr.Steps = append(cr.Steps, Step{
				Kind: StepFilter,
				Span: atom.Span,
				Pred: atom.Pred,
			})
		case program.NormalUnification:
			s := cr.allocSlot(atom.UnifVar)
			cr.Steps = append(cr.Steps, Step{
				Kind:      StepUnify,
				Span:      atom.Span,
				UnifSlot:  s,
				UnifBound: bound[s],
				UnifE:     atom.UnifE,
			})
			bound[s] = true
		}
	}

	cr.OutSlots = make([]int, len(rule.Head))
	for i, h := range rule.Head {
		s, ok := cr.SlotOf[h]
		if !ok || !bound[s] {
			return nil, kerr.Newf(kerr.Unsafe, "eval::unsafe_rule",
				"head variable %s is not bound by any positive atom", h).WithSpan(rule.Span)
		}
		cr.OutSlots[i] = s
	}
	return cr, nil
}

func (r *CompiledRule) allocSlot(v string) int {
	if s, ok := r.SlotOf[v]; ok {
		return s
	}
	s := r.NumSlots
	r.SlotOf[v] = s
	r.NumSlots++
	return s
}

// fillScanSlots resolves argument slots and the bound prefix of a scan
// step. Positive scans bind their unbound arguments; negated scans leave
// unbound arguments as existential wildcards (slot -1).
func (r *CompiledRule) fillScanSlots(step *Step, vars []string, bound map[int]bool, positive bool) {
	step.ArgSlots = make([]int, len(vars))
	step.BoundBefore = make([]bool, len(vars))
	for i, v := range vars {
		if !positive {
			if s, ok := r.SlotOf[v]; ok && bound[s] {
				step.ArgSlots[i] = s
				step.BoundBefore[i] = true
			} else {
				step.ArgSlots[i] = -1
			}
			continue
		}
		s := r.allocSlot(v)
		step.ArgSlots[i] = s
		step.BoundBefore[i] = bound[s]
		bound[s] = true
	}
	// Duplicate variables inside one positive atom: the second occurrence
	// filters rather than binds.
	if positive {
		firstSeen := map[int]int{}
		for i, s := range step.ArgSlots {
			if prev, dup := firstSeen[s]; dup && prev != i {
				step.BoundBefore[i] = true
			} else if !dup {
				firstSeen[s] = i
			}
		}
	}
	for _, b := range step.BoundBefore {
		if !b {
			break
		}
		step.NumPrefix++
	}
}

// Explain renders the compiled program as rows of (stratum, rule,
// clause, step, detail) for ::explain.
func (p *CompiledProgram) Explain() [][]string {
	var rows [][]string
	for si, st := range p.Strata {
		for name, fa := range st.Fixed {
			rows = append(rows, []string{
				fmt.Sprint(si), name, "0", "fixed",
				fmt.Sprintf("%s/%d", fa.Algo, fa.Arity),
			})
		}
		for name, set := range st.Rules {
			for ci, r := range set.Rules {
				for pi, s := range r.Steps {
					rows = append(rows, []string{
						fmt.Sprint(si), name, fmt.Sprint(ci), fmt.Sprint(pi), describeStep(&s),
					})
				}
			}
		}
	}
	return rows
}

func describeStep(s *Step) string {
	switch s.Kind {
	case StepScanRel:
		return fmt.Sprintf("scan *%s prefix=%d", s.Rel.Name, s.NumPrefix)
	case StepNegRel:
		return fmt.Sprintf("anti-join *%s", s.Rel.Name)
	case StepScanRule:
		return fmt.Sprintf("probe %s prefix=%d", s.RuleName, s.NumPrefix)
	case StepNegRule:
		return fmt.Sprintf("anti-join %s", s.RuleName)
	case StepFilter:
		return "filter " + s.Pred.String()
	case StepUnify:
		verb := "unify"
		if s.UnifBound {
			verb = "check"
		}
		return fmt.Sprintf("%s slot %d = %s", verb, s.UnifSlot, s.UnifE.String())
	}
	return "?"
}

// SlotNames inverts a binding map for diagnostics.
func (r *CompiledRule) SlotNames() []string {
	out := make([]string, r.NumSlots)
	for v, s := range r.SlotOf {
		if out[s] == "" {
			out[s] = v
		} else {
			out[s] = out[s] + "|" + v
		}
	}
	for i, v := range out {
		if v == "" {
			out[i] = "~"
		}
		out[i] = strings.TrimSpace(out[i])
	}
	return out
}
