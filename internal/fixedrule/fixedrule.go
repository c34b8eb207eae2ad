// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package fixedrule implements the pluggable relation-producing
// operators invoked with <~: utilities (Constant, JsonReader,
// ReorderSort) and the graph algorithm catalog. A fixed rule receives a
// payload exposing its input relations and typed option accessors and
// writes rows into an output temp relation, respecting the poison token
// throughout.
package fixedrule

import (
	"sort"
	"sync"

	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/eval"
	"github.com/kraklabs/krakdb/internal/expr"
	"github.com/kraklabs/krakdb/internal/program"
	"github.com/kraklabs/krakdb/internal/tuple"
	"github.com/kraklabs/krakdb/internal/value"
)

// Out receives one produced row.
type Out func(t tuple.Tuple) error

// FixedRule is the capability set of one operator.
type FixedRule interface {
	// Arity computes the output arity from the declared options and the
	// rule head, validating options at compile time.
	Arity(options map[string]expr.Expr, head []string) (int, error)

	// Run produces the output rows.
	Run(p *Payload, out Out, poison *eval.Poison) error
}

// Registry maps operator names to implementations. The zero registry is
// empty; Default returns one with the built-in catalog. Embedders may
// register custom rules; names are first-come.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]FixedRule
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{rules: map[string]FixedRule{}}
}

// Default returns a registry holding the built-in catalog.
func Default() *Registry {
	r := NewRegistry()
	for name, rule := range builtins {
		r.rules[name] = rule
	}
	return r
}

// Register adds a rule under name; registering an existing name fails.
func (r *Registry) Register(name string, rule FixedRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.rules[name]; dup {
		return kerr.Newf(kerr.Schema, "fixed::exists", "fixed rule %s already registered", name)
	}
	r.rules[name] = rule
	return nil
}

// Unregister removes a rule by name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[name]; !ok {
		return kerr.Newf(kerr.NotFound, "fixed::unknown", "fixed rule %s is not registered", name)
	}
	delete(r.rules, name)
	return nil
}

// Lookup resolves a rule by name.
func (r *Registry) Lookup(name string) (FixedRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[name]
	return rule, ok
}

// Names lists registered names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rules))
	for n := range r.rules {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// CheckArity validates a parsed application against the registry at
// compile time.
func (r *Registry) CheckArity(fa *program.FixedApply) error {
	rule, ok := r.Lookup(fa.Algo)
	if !ok {
		return kerr.Newf(kerr.Schema, "fixed::unknown",
			"fixed rule %s is not registered", fa.Algo).WithSpan(fa.Span)
	}
	want, err := rule.Arity(fa.Options, fa.Head)
	if err != nil {
		return withSpan(err, fa.Span)
	}
	if want != fa.Arity {
		return kerr.Newf(kerr.Schema, "fixed::arity_mismatch",
			"%s produces %d columns, the head has %d", fa.Algo, want, fa.Arity).WithSpan(fa.Span)
	}
	return nil
}

// Run implements eval.FixedRunner.
func (r *Registry) Run(fa *program.FixedApply, inputs []eval.FixedInput, out func(t tuple.Tuple) error, poison *eval.Poison, params map[string]value.Value) error {
	rule, ok := r.Lookup(fa.Algo)
	if !ok {
		return kerr.Newf(kerr.Schema, "fixed::unknown",
			"fixed rule %s is not registered", fa.Algo).WithSpan(fa.Span)
	}
	p := &Payload{Inputs: inputs, Options: fa.Options, Params: params, Span: fa.Span}
	return rule.Run(p, Out(out), poison)
}

// Payload is what a fixed rule sees at run time.
type Payload struct {
	Inputs  []eval.FixedInput
	Options map[string]expr.Expr
	Params  map[string]value.Value
	Span    kerr.Span
}

// Input returns input relation i.
func (p *Payload) Input(i int) (eval.FixedInput, error) {
	if i >= len(p.Inputs) {
		return nil, kerr.Newf(kerr.Schema, "fixed::missing_input",
			"the rule requires at least %d input relations", i+1).WithSpan(p.Span)
	}
	return p.Inputs[i], nil
}

func (p *Payload) optionValue(name string) (value.Value, bool, error) {
	e, ok := p.Options[name]
	if !ok {
		return value.Null, false, nil
	}
	v, err := e.Eval(&expr.Env{Params: p.Params})
	if err != nil {
		return value.Null, false, err
	}
	return v, true, nil
}

// BoolOption reads a boolean option with a default.
func (p *Payload) BoolOption(name string, def bool) (bool, error) {
	v, ok, err := p.optionValue(name)
	if err != nil || !ok {
		return def, err
	}
	if b, isB := v.AsBool(); isB {
		return b, nil
	}
	return false, p.badOption(name, "a boolean", v)
}

// IntOption reads an integer option with a default.
func (p *Payload) IntOption(name string, def int64) (int64, error) {
	v, ok, err := p.optionValue(name)
	if err != nil || !ok {
		return def, err
	}
	if i, isI := v.AsInt(); isI {
		return i, nil
	}
	return 0, p.badOption(name, "an integer", v)
}

// PosIntOption reads a positive integer option with a default.
func (p *Payload) PosIntOption(name string, def int64) (int64, error) {
	i, err := p.IntOption(name, def)
	if err != nil {
		return 0, err
	}
	if i <= 0 {
		return 0, kerr.Newf(kerr.Schema, "fixed::bad_option",
			"option %s must be positive, got %d", name, i).WithSpan(p.Span)
	}
	return i, nil
}

// FloatOption reads a numeric option with a default.
func (p *Payload) FloatOption(name string, def float64) (float64, error) {
	v, ok, err := p.optionValue(name)
	if err != nil || !ok {
		return def, err
	}
	if f, isF := v.AsFloat(); isF {
		return f, nil
	}
	return 0, p.badOption(name, "a number", v)
}

// UnitIntervalOption reads a number in [0, 1].
func (p *Payload) UnitIntervalOption(name string, def float64) (float64, error) {
	f, err := p.FloatOption(name, def)
	if err != nil {
		return 0, err
	}
	if f < 0 || f > 1 {
		return 0, kerr.Newf(kerr.Schema, "fixed::bad_option",
			"option %s must lie in [0, 1], got %g", name, f).WithSpan(p.Span)
	}
	return f, nil
}

// StrOption reads a string option with a default.
func (p *Payload) StrOption(name string, def string) (string, error) {
	v, ok, err := p.optionValue(name)
	if err != nil || !ok {
		return def, err
	}
	if s, isS := v.AsStr(); isS {
		return s, nil
	}
	return "", p.badOption(name, "a string", v)
}

// ExprOption returns the raw option expression.
func (p *Payload) ExprOption(name string) (expr.Expr, bool) {
	e, ok := p.Options[name]
	return e, ok
}

func (p *Payload) badOption(name, want string, got value.Value) error {
	return kerr.Newf(kerr.Schema, "fixed::bad_option",
		"option %s expects %s, got %s", name, want, got).WithSpan(p.Span)
}

// builtins is the default catalog, filled by the per-algorithm files.
var builtins = map[string]FixedRule{}

func registerBuiltin(name string, rule FixedRule) {
	builtins[name] = rule
}

// fixedArity is a helper for rules with a constant output arity.
type fixedArity int

func (a fixedArity) Arity(map[string]expr.Expr, []string) (int, error) { return int(a), nil }

func withSpan(err error, span kerr.Span) error {
	if ee, ok := err.(*kerr.Error); ok && !ee.Span.Valid() {
		return ee.WithSpan(span)
	}
	return err
}
