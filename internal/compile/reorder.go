// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package compile

import (
	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/expr"
	"github.com/kraklabs/krakdb/internal/program"
)

// reorderRule rewrites the rule body into a safe evaluation order:
// positive applications keep their relative order and bind variables as
// they appear; unifications, predicates and negations float rightward to
// the first point where their inputs are bound. A rule that cannot be so
// ordered, or whose head uses a variable no positive atom binds, fails
// with an unsafe-rule error.
func reorderRule(rule *program.NormalRule) error {
	// Variables any positive atom or unification can ever bind.
	bindable := map[string]struct{}{}
	for i := range rule.Body {
		a := &rule.Body[i]
		switch a.Kind {
		case program.NormalRuleApply, program.NormalRelationApply:
			for _, v := range a.Vars {
				bindable[v] = struct{}{}
			}
		case program.NormalUnification:
			bindable[a.UnifVar] = struct{}{}
		}
	}

	pending := make([]*program.NormalAtom, len(rule.Body))
	for i := range rule.Body {
		pending[i] = &rule.Body[i]
	}
	seen := map[string]struct{}{}
	var collected []program.NormalAtom

	place := func(a *program.NormalAtom) {
		switch a.Kind {
		case program.NormalRuleApply, program.NormalRelationApply:
			for _, v := range a.Vars {
				seen[v] = struct{}{}
			}
		case program.NormalUnification:
			seen[a.UnifVar] = struct{}{}
		}
		collected = append(collected, *a)
	}

	ready := func(a *program.NormalAtom) bool {
		switch a.Kind {
		case program.NormalRuleApply, program.NormalRelationApply:
			return true
		case program.NormalUnification:
			// Bindable right-hand sides must be available; a bound
			// left-hand side makes the unification a filter, which is
			// fine either way.
			return subset(expr.BindingSet(a.UnifE), seen)
		case program.NormalPredicate:
			return subset(expr.BindingSet(a.Pred), seen)
		case program.NormalNegRuleApply, program.NormalNegRelationApply:
			// Arguments bound elsewhere must already be bound here; the
			// rest are existential wildcards of the anti-join.
			for _, v := range a.Vars {
				if _, canBind := bindable[v]; canBind {
					if _, ok := seen[v]; !ok {
						return false
					}
				}
			}
			return true
		}
		return false
	}

	for len(pending) > 0 {
		progressed := false
		next := pending[:0]
		for _, a := range pending {
			if ready(a) {
				place(a)
				progressed = true
			} else {
				next = append(next, a)
			}
		}
		pending = next
		if !progressed {
			return kerr.New(kerr.Unsafe, "eval::unsafe_rule",
				"encountered an unsafe negation, predicate or unification that can never be bound").
				WithSpan(rule.Span)
		}
	}

	// Every head variable must be bound by the positive part.
	for _, h := range rule.Head {
		if _, ok := seen[h]; !ok {
			return kerr.Newf(kerr.Unsafe, "eval::unsafe_rule",
				"head variable %s is not bound by any positive atom", h).
				WithSpan(rule.Span)
		}
	}
	// An empty positive part can produce no bindings at all unless the
	// head is empty too.
	hasPositive := false
	for _, a := range collected {
		if a.Kind == program.NormalRuleApply || a.Kind == program.NormalRelationApply ||
			a.Kind == program.NormalUnification {
			hasPositive = true
			break
		}
	}
	if !hasPositive && len(rule.Head) > 0 {
		return kerr.New(kerr.Unsafe, "eval::unsafe_rule",
			"the rule body contains no positive atom").WithSpan(rule.Span)
	}

	rule.Body = collected
	return nil
}

func subset(small map[string]struct{}, big map[string]struct{}) bool {
	for k := range small {
		if _, ok := big[k]; !ok {
			return false
		}
	}
	return true
}
