// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package program defines the intermediate representations a script moves
// through on its way to execution: the input form produced by the parser,
// the normal form after safety rewriting, and the stratified form handed
// to the evaluator. Rules reference each other by name, never by pointer,
// so rewrites can add synthetic rules without ownership cycles.
package program

import (
	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/expr"
	"github.com/kraklabs/krakdb/internal/value"
)

// EntryName is the name of the entry rule of every query.
const EntryName = "?"

// MagicPrefix marks synthetic relations introduced by the magic-set
// rewrite; user rule names cannot start with it.
const MagicPrefix = "*magic*"

// InputAtom is one conjunct of a rule body as parsed.
type InputAtom struct {
	Kind    InputAtomKind
	Span    kerr.Span
	Rule    *InputRuleApply     // KindRuleApply
	Rel     *InputRelationApply // KindRelationApply
	Pred    expr.Expr           // KindPredicate
	Unif    *InputUnification   // KindUnification
	Negated *InputAtom          // KindNegation
}

// InputAtomKind discriminates InputAtom.
type InputAtomKind uint8

const (
	KindRuleApply InputAtomKind = iota + 1
	KindRelationApply
	KindPredicate
	KindUnification
	KindNegation
)

// InputRuleApply applies another inline rule. Arguments are general
// expressions; normalization reduces them to variables.
type InputRuleApply struct {
	Name string
	Args []expr.Expr
}

// InputRelationApply matches a stored relation. Either Positional is set
// (the bracket form *rel[a, b]) or Named is set (the brace form
// *rel{col: binding}). ValidAt, when non-nil, is the time-travel instant.
type InputRelationApply struct {
	Name       string
	Positional []expr.Expr
	Named      map[string]expr.Expr
	ValidAt    expr.Expr
}

// InputUnification binds a variable to an expression.
type InputUnification struct {
	Binding string
	E       expr.Expr
}

// AggrApply names an aggregate applied to one head column, with optional
// constant arguments.
type AggrApply struct {
	Name string
	Args []value.Value
	Span kerr.Span
}

// InputRule is one parsed rule clause.
type InputRule struct {
	Head  []string     // head column variables, in output order
	Aggrs []*AggrApply // per head column; nil entries mean no aggregate
	Body  []InputAtom
	Span  kerr.Span
}

// FixedInput references a relation fed into a fixed rule: either another
// inline rule or a stored relation.
type FixedInput struct {
	RuleName string // inline rule, or
	Relation string // stored relation
	Span     kerr.Span
}

// FixedApply is the application of a fixed rule, bound to a rule name in
// the program (usually the entry).
type FixedApply struct {
	Algo    string
	Inputs  []FixedInput
	Options map[string]expr.Expr
	Head    []string
	Arity   int
	Span    kerr.Span
}

// InputProgram is the parsed form of a query.
type InputProgram struct {
	Rules   map[string][]InputRule
	Fixed   map[string]*FixedApply
	Options QueryOptions
}

// OutMode says what happens to the entry rule's rows.
type OutMode uint8

const (
	OutNone OutMode = iota // stream to the caller
	OutCreate
	OutReplace
	OutPut
	OutRm
	OutEnsure
	OutEnsureNot
)

func (m OutMode) String() string {
	switch m {
	case OutNone:
		return "none"
	case OutCreate:
		return "create"
	case OutReplace:
		return "replace"
	case OutPut:
		return "put"
	case OutRm:
		return "rm"
	case OutEnsure:
		return "ensure"
	case OutEnsureNot:
		return "ensure_not"
	}
	return "?"
}

// Sorter is one :order entry.
type Sorter struct {
	Col  string
	Desc bool
}

// ColumnSpec is a parsed column declaration of a :create / :replace
// target, resolved against the type system later.
type ColumnSpec struct {
	Name     string
	Type     string // empty means Any
	Nullable bool
	Default  expr.Expr // nil when absent
}

// QueryOptions are the trailing options of the entry rule.
type QueryOptions struct {
	Limit        int
	HasLimit     bool
	Offset       int
	Sorters      []Sorter
	OutRelation  string
	OutMode      OutMode
	OutHeaders   []string // explicit column names of :put / :rm targets
	OutKeyCount  int      // how many of OutHeaders are keys (-1: unspecified)
	CreateKeys   []ColumnSpec
	CreateDeps   []ColumnSpec
	TimeoutSecs  float64
	AssertSome   bool // :assert some — error when the result is empty
	AssertNone   bool // :assert none — error when the result is non-empty
	DisableMagic bool
}

// NormalAtom is a body conjunct after normalization: every argument is a
// plain variable and disjunctions are gone.
type NormalAtom struct {
	Kind    NormalAtomKind
	Span    kerr.Span
	Name    string    // rule or relation name for apply kinds
	Vars    []string  // argument variables for apply kinds
	ValidAt expr.Expr // relation applies only
	Pred    expr.Expr // predicate kind
	UnifVar string    // unification kind
	UnifE   expr.Expr
}

// NormalAtomKind discriminates NormalAtom.
type NormalAtomKind uint8

const (
	NormalRuleApply NormalAtomKind = iota + 1
	NormalRelationApply
	NormalNegRuleApply
	NormalNegRelationApply
	NormalPredicate
	NormalUnification
)

// Negative reports whether the atom is a negated application.
func (a *NormalAtom) Negative() bool {
	return a.Kind == NormalNegRuleApply || a.Kind == NormalNegRelationApply
}

// NormalRule is a rule in normal form.
type NormalRule struct {
	Head  []string
	Aggrs []*AggrApply
	Body  []NormalAtom
	Span  kerr.Span
}

// HasAggr reports whether any head column carries an aggregate, meet or
// normal.
func (r *NormalRule) HasAggr() bool {
	for _, a := range r.Aggrs {
		if a != nil {
			return true
		}
	}
	return false
}

// NormalProgram is the rewritten program plus fixed-rule applications.
type NormalProgram struct {
	Rules   map[string][]NormalRule
	Fixed   map[string]*FixedApply
	Options QueryOptions
}

// Arity returns the arity of a rule name, from either family.
func (p *NormalProgram) Arity(name string) (int, bool) {
	if rs, ok := p.Rules[name]; ok && len(rs) > 0 {
		return len(rs[0].Head), true
	}
	if fa, ok := p.Fixed[name]; ok {
		return fa.Arity, true
	}
	return 0, false
}

// Stratum is one layer of the stratified program: the rules inside may be
// mutually recursive with each other but depend on earlier strata only
// for negation and aggregation.
type Stratum struct {
	Rules map[string][]NormalRule
	Fixed map[string]*FixedApply
}

// StratifiedProgram is the final IR handed to the evaluator: strata in
// dependency order, the entry's stratum last.
type StratifiedProgram struct {
	Strata  []Stratum
	Options QueryOptions
}
