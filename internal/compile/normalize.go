// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package compile lowers parsed programs to executable plans: the safety
// rewrite to normal form, stratification, the optional magic-set
// rewrite, and per-rule join plans with binding maps.
package compile

import (
	"fmt"

	"github.com/kraklabs/krakdb/internal/catalog"
	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/expr"
	"github.com/kraklabs/krakdb/internal/program"
	"github.com/kraklabs/krakdb/internal/value"
)

// Normalize lowers an input program to normal form: every application
// argument becomes a plain variable (synthesizing unifications for
// expression arguments), named stored-relation forms expand to
// positional, predicates are constant-folded, and each rule is safety
// reordered.
func Normalize(in *program.InputProgram, snap *catalog.Snapshot, params map[string]value.Value) (*program.NormalProgram, error) {
	out := &program.NormalProgram{
		Rules:   map[string][]program.NormalRule{},
		Fixed:   map[string]*program.FixedApply{},
		Options: in.Options,
	}
	for name, fa := range in.Fixed {
		folded := make(map[string]expr.Expr, len(fa.Options))
		for k, e := range fa.Options {
			f, err := expr.Fold(e, params)
			if err != nil {
				return nil, err
			}
			folded[k] = f
		}
		clone := *fa
		clone.Options = folded
		out.Fixed[name] = &clone
	}
	for name, rules := range in.Rules {
		if _, clash := out.Fixed[name]; clash {
			return nil, kerr.Newf(kerr.Unsafe, "compile::dup_rule",
				"rule %s is defined both inline and as a fixed rule", name)
		}
		arity := -1
		for _, r := range rules {
			nr, err := normalizeRule(name, &r, snap, params)
			if err != nil {
				return nil, err
			}
			if arity == -1 {
				arity = len(nr.Head)
			} else if arity != len(nr.Head) {
				return nil, kerr.Newf(kerr.Unsafe, "compile::arity_mismatch",
					"rule %s is defined with conflicting arities", name).WithSpan(r.Span)
			}
			out.Rules[name] = append(out.Rules[name], *nr)
		}
	}
	if _, ok := out.Rules[program.EntryName]; !ok {
		if _, ok := out.Fixed[program.EntryName]; !ok {
			return nil, kerr.New(kerr.Unsafe, "compile::no_entry",
				"every query needs an entry rule named ?")
		}
	}
	return out, nil
}

// freshVars generates synthetic variable names that cannot clash with
// user variables.
type freshVars struct{ n int }

func (f *freshVars) next() string {
	f.n++
	return fmt.Sprintf("~%d", f.n)
}

func normalizeRule(name string, in *program.InputRule, snap *catalog.Snapshot, params map[string]value.Value) (*program.NormalRule, error) {
	seen := map[string]struct{}{}
	for _, h := range in.Head {
		if h == "_" {
			return nil, kerr.New(kerr.Unsafe, "compile::wild_head",
				"the wildcard _ cannot appear in a rule head").WithSpan(in.Span)
		}
		if _, dup := seen[h]; dup {
			return nil, kerr.Newf(kerr.Unsafe, "compile::dup_head_var",
				"variable %s appears twice in the head of %s", h, name).WithSpan(in.Span)
		}
		seen[h] = struct{}{}
	}

	fresh := &freshVars{}
	var body []program.NormalAtom
	for i := range in.Body {
		atoms, err := normalizeAtom(&in.Body[i], snap, params, fresh, false)
		if err != nil {
			return nil, err
		}
		body = append(body, atoms...)
	}

	rule := &program.NormalRule{
		Head:  in.Head,
		Aggrs: in.Aggrs,
		Body:  body,
		Span:  in.Span,
	}
	if err := reorderRule(rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// normalizeAtom lowers one input atom, possibly emitting auxiliary
// unifications for expression arguments.
func normalizeAtom(a *program.InputAtom, snap *catalog.Snapshot, params map[string]value.Value, fresh *freshVars, negated bool) ([]program.NormalAtom, error) {
	switch a.Kind {
	case program.KindNegation:
		if a.Negated.Kind == program.KindNegation {
			// Double negation cancels.
			return normalizeAtom(a.Negated.Negated, snap, params, fresh, negated)
		}
		return normalizeAtom(a.Negated, snap, params, fresh, !negated)

	case program.KindPredicate:
		folded, err := expr.Fold(a.Pred, params)
		if err != nil {
			return nil, err
		}
		if negated {
			folded = expr.Apply{Op: expr.OpNot, Args: []expr.Expr{folded}, Span: a.Span}
		}
		// A constant-true predicate contributes nothing.
		if c, ok := folded.(expr.Const); ok {
			if b, isB := c.Val.AsBool(); isB && b {
				return nil, nil
			}
		}
		return []program.NormalAtom{{
			Kind: program.NormalPredicate,
			Span: a.Span,
			Pred: folded,
		}}, nil

	case program.KindUnification:
		if negated {
			return nil, kerr.New(kerr.Unsafe, "compile::negated_unification",
				"a unification cannot be negated").WithSpan(a.Span)
		}
		folded, err := expr.Fold(a.Unif.E, params)
		if err != nil {
			return nil, err
		}
		return []program.NormalAtom{{
			Kind:    program.NormalUnification,
			Span:    a.Span,
			UnifVar: a.Unif.Binding,
			UnifE:   folded,
		}}, nil

	case program.KindRuleApply:
		vars, aux, err := argsToVars(a.Rule.Args, a.Span, params, fresh)
		if err != nil {
			return nil, err
		}
		kind := program.NormalRuleApply
		if negated {
			kind = program.NormalNegRuleApply
		}
		atom := program.NormalAtom{Kind: kind, Span: a.Span, Name: a.Rule.Name, Vars: vars}
		return append(aux, atom), nil

	case program.KindRelationApply:
		meta, err := snap.Must(a.Rel.Name)
		if err != nil {
			return nil, withSpan(err, a.Span)
		}
		if err := catalog.CheckReadable(meta); err != nil {
			return nil, withSpan(err, a.Span)
		}
		args, validAt, err := relationArgs(a.Rel, meta, fresh)
		if err != nil {
			return nil, withSpan(err, a.Span)
		}
		vars, aux, err := argsToVars(args, a.Span, params, fresh)
		if err != nil {
			return nil, err
		}
		if validAt != nil {
			validAt, err = expr.Fold(validAt, params)
			if err != nil {
				return nil, err
			}
		}
		kind := program.NormalRelationApply
		if negated {
			kind = program.NormalNegRelationApply
		}
		atom := program.NormalAtom{
			Kind: kind, Span: a.Span, Name: a.Rel.Name, Vars: vars, ValidAt: validAt,
		}
		return append(aux, atom), nil
	}
	return nil, kerr.Internalf("compile::bad_atom", "unknown input atom kind %d", a.Kind)
}

// relationArgs expands a relation atom to one expression per column.
func relationArgs(rel *program.InputRelationApply, meta *catalog.RelationMeta, fresh *freshVars) ([]expr.Expr, expr.Expr, error) {
	if rel.Named == nil {
		if len(rel.Positional) != meta.Arity() {
			return nil, nil, kerr.Newf(kerr.Schema, "schema::arity_mismatch",
				"relation %s has %d columns, %d given", meta.Name, meta.Arity(), len(rel.Positional))
		}
		return rel.Positional, rel.ValidAt, nil
	}
	cols := meta.Columns()
	args := make([]expr.Expr, len(cols))
	used := map[string]struct{}{}
	for i, c := range cols {
		if e, ok := rel.Named[c.Name]; ok {
			args[i] = e
			used[c.Name] = struct{}{}
		} else {
			args[i] = expr.Binding{Name: fresh.next()}
		}
	}
	for n := range rel.Named {
		if _, ok := used[n]; !ok {
			return nil, nil, kerr.Newf(kerr.Schema, "schema::unknown_column",
				"relation %s has no column %s", meta.Name, n)
		}
	}
	return args, rel.ValidAt, nil
}

// argsToVars turns application arguments into variables, emitting a
// unification for every non-variable argument.
func argsToVars(args []expr.Expr, span kerr.Span, params map[string]value.Value, fresh *freshVars) ([]string, []program.NormalAtom, error) {
	vars := make([]string, len(args))
	var aux []program.NormalAtom
	for i, arg := range args {
		if b, ok := arg.(expr.Binding); ok {
			if b.Name == "_" {
				vars[i] = fresh.next()
				continue
			}
			vars[i] = b.Name
			continue
		}
		folded, err := expr.Fold(arg, params)
		if err != nil {
			return nil, nil, err
		}
		v := fresh.next()
		vars[i] = v
		aux = append(aux, program.NormalAtom{
			Kind:    program.NormalUnification,
			Span:    span,
			UnifVar: v,
			UnifE:   folded,
		})
	}
	return vars, aux, nil
}

func withSpan(err error, span kerr.Span) error {
	if ee, ok := err.(*kerr.Error); ok && !ee.Span.Valid() {
		return ee.WithSpan(span)
	}
	return err
}
