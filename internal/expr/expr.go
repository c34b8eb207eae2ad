// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package expr implements the expression language shared by predicates,
// unifications, column defaults and fixed-rule options: a small AST
// walked directly over values. The same walker runs at compile time for
// constant folding and at runtime per candidate row.
package expr

import (
	"fmt"
	"strings"

	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/value"
)

// Expr is one expression node.
type Expr interface {
	fmt.Stringer
	// Bindings accumulates the variable names referenced by the node.
	Bindings(into map[string]struct{})
	// Eval computes the node against an environment.
	Eval(env *Env) (value.Value, error)
}

// Env is the evaluation environment: the candidate row plus query
// parameters. Slots maps variable names to row positions.
type Env struct {
	Row    []value.Value
	Slots  map[string]int
	Params map[string]value.Value
}

// Const is a literal.
type Const struct {
	Val value.Value
}

func (c Const) String() string                    { return c.Val.String() }
func (c Const) Bindings(into map[string]struct{}) {}
func (c Const) Eval(env *Env) (value.Value, error) {
	return c.Val, nil
}

// Binding is a variable reference resolved positionally at evaluation.
type Binding struct {
	Name string
	Span kerr.Span
}

func (b Binding) String() string                    { return b.Name }
func (b Binding) Bindings(into map[string]struct{}) { into[b.Name] = struct{}{} }
func (b Binding) Eval(env *Env) (value.Value, error) {
	if env.Slots != nil {
		if idx, ok := env.Slots[b.Name]; ok && idx < len(env.Row) {
			return env.Row[idx], nil
		}
	}
	return value.Null, kerr.Newf(kerr.Runtime, "expr::unbound",
		"variable %s is not bound here", b.Name).WithSpan(b.Span)
}

// Param is a query parameter reference ($name).
type Param struct {
	Name string
	Span kerr.Span
}

func (p Param) String() string                    { return "$" + p.Name }
func (p Param) Bindings(into map[string]struct{}) {}
func (p Param) Eval(env *Env) (value.Value, error) {
	if env.Params != nil {
		if v, ok := env.Params[p.Name]; ok {
			return v, nil
		}
	}
	return value.Null, kerr.Newf(kerr.Runtime, "expr::missing_param",
		"parameter $%s was not supplied", p.Name).WithSpan(p.Span)
}

// Apply is a function or operator application.
type Apply struct {
	Op   *Op
	Args []Expr
	Span kerr.Span
}

func (a Apply) String() string {
	parts := make([]string, len(a.Args))
	for i, arg := range a.Args {
		parts[i] = arg.String()
	}
	return a.Op.Name + "(" + strings.Join(parts, ", ") + ")"
}

func (a Apply) Bindings(into map[string]struct{}) {
	for _, arg := range a.Args {
		arg.Bindings(into)
	}
}

func (a Apply) Eval(env *Env) (value.Value, error) {
	// Short-circuiting forms evaluate their own arguments.
	if a.Op.Lazy != nil {
		v, err := a.Op.Lazy(env, a.Args)
		if err != nil {
			return value.Null, spanned(err, a.Span)
		}
		return v, nil
	}
	args := make([]value.Value, len(a.Args))
	for i, arg := range a.Args {
		v, err := arg.Eval(env)
		if err != nil {
			return value.Null, err
		}
		args[i] = v
	}
	v, err := a.Op.Fn(args)
	if err != nil {
		return value.Null, spanned(err, a.Span)
	}
	return v, nil
}

func spanned(err error, span kerr.Span) error {
	if ee, ok := err.(*kerr.Error); ok && !ee.Span.Valid() {
		return ee.WithSpan(span)
	}
	return err
}

// BindingSet returns the variables referenced by e.
func BindingSet(e Expr) map[string]struct{} {
	out := make(map[string]struct{})
	e.Bindings(out)
	return out
}

// IsConst reports whether e references no variables (parameters count as
// constant once the query starts).
func IsConst(e Expr) bool {
	return len(BindingSet(e)) == 0
}

// Fold constant-folds e bottom-up. Nodes whose arguments are all
// literals and whose op is pure collapse into literals; evaluation errors
// during folding surface immediately, matching runtime behavior.
func Fold(e Expr, params map[string]value.Value) (Expr, error) {
	switch t := e.(type) {
	case Apply:
		folded := make([]Expr, len(t.Args))
		allConst := true
		for i, arg := range t.Args {
			f, err := Fold(arg, params)
			if err != nil {
				return nil, err
			}
			folded[i] = f
			if _, ok := f.(Const); !ok {
				allConst = false
			}
		}
		out := Apply{Op: t.Op, Args: folded, Span: t.Span}
		if allConst && !t.Op.Impure && t.Op.Lazy == nil {
			v, err := out.Eval(&Env{Params: params})
			if err != nil {
				return nil, err
			}
			return Const{Val: v}, nil
		}
		return out, nil
	case Param:
		if params != nil {
			if v, ok := params[t.Name]; ok {
				return Const{Val: v}, nil
			}
		}
		return e, nil
	default:
		return e, nil
	}
}

// EvalPred evaluates e as a predicate: the result must be Bool.
func EvalPred(e Expr, env *Env) (bool, error) {
	v, err := e.Eval(env)
	if err != nil {
		return false, err
	}
	b, ok := v.AsBool()
	if !ok {
		return false, kerr.Newf(kerr.Runtime, "expr::not_bool",
			"predicate evaluated to %s, want a boolean", v)
	}
	return b, nil
}
