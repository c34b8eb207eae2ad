// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package parse

import (
	"testing"

	"github.com/stretchr/testify/require"

	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/expr"
	"github.com/kraklabs/krakdb/internal/program"
)

func mustQuery(t *testing.T, src string) *program.InputProgram {
	t.Helper()
	p, err := ParseScript(src)
	require.NoError(t, err)
	require.Equal(t, ScriptQuery, p.Kind)
	return p.Query
}

func TestParseSimpleRule(t *testing.T) {
	q := mustQuery(t, `?[a, b] := *edge{fr: a, to: b}, a != b`)
	rules := q.Rules[program.EntryName]
	require.Len(t, rules, 1)
	require.Equal(t, []string{"a", "b"}, rules[0].Head)
	require.Len(t, rules[0].Body, 2)
	require.Equal(t, program.KindRelationApply, rules[0].Body[0].Kind)
	require.Equal(t, "edge", rules[0].Body[0].Rel.Name)
	require.Equal(t, program.KindPredicate, rules[0].Body[1].Kind)
}

func TestParseDisjunctionSplitsRules(t *testing.T) {
	q := mustQuery(t, `?[v] := *n{v}, v == 1 or *n{v}, v == 3`)
	require.Len(t, q.Rules[program.EntryName], 2)
}

func TestParseAggregateHead(t *testing.T) {
	q := mustQuery(t, `?[k, min(v)] := *t{k, v}`)
	r := q.Rules[program.EntryName][0]
	require.Equal(t, []string{"k", "v"}, r.Head)
	require.Nil(t, r.Aggrs[0])
	require.Equal(t, "min", r.Aggrs[1].Name)
}

func TestParseConstRule(t *testing.T) {
	q := mustQuery(t, `?[a, b] <- [[1, 2], [3, 4]]`)
	fa := q.Fixed[program.EntryName]
	require.NotNil(t, fa)
	require.Equal(t, "Constant", fa.Algo)
	require.Equal(t, 2, fa.Arity)
}

func TestParseFixedRule(t *testing.T) {
	q := mustQuery(t, `?[node, rank] <~ PageRank(*edge[], theta: 0.8, undirected: true)`)
	fa := q.Fixed[program.EntryName]
	require.NotNil(t, fa)
	require.Equal(t, "PageRank", fa.Algo)
	require.Len(t, fa.Inputs, 1)
	require.Equal(t, "edge", fa.Inputs[0].Relation)
	require.Contains(t, fa.Options, "theta")
	require.Contains(t, fa.Options, "undirected")
}

func TestParseOptions(t *testing.T) {
	q := mustQuery(t, `
		?[v] := *n{v}
		:order -v, v2
		:limit 10
		:offset 2
		:timeout 1.5
	`)
	o := q.Options
	require.True(t, o.HasLimit)
	require.Equal(t, 10, o.Limit)
	require.Equal(t, 2, o.Offset)
	require.InDelta(t, 1.5, o.TimeoutSecs, 1e-9)
	require.Equal(t, []program.Sorter{{Col: "v", Desc: true}, {Col: "v2"}}, o.Sorters)
}

func TestParsePutOption(t *testing.T) {
	q := mustQuery(t, `
		?[a, b, c] <- [[1, 2, 3]]
		:put rel {a, b => c}
	`)
	o := q.Options
	require.Equal(t, program.OutPut, o.OutMode)
	require.Equal(t, "rel", o.OutRelation)
	require.Equal(t, []string{"a", "b", "c"}, o.OutHeaders)
	require.Equal(t, 2, o.OutKeyCount)
}

func TestParseCreateOption(t *testing.T) {
	q := mustQuery(t, `
		?[k, v] <- [[1, "x"]]
		:create t {k: Int => v: String? default "d"}
	`)
	o := q.Options
	require.Equal(t, program.OutCreate, o.OutMode)
	require.Len(t, o.CreateKeys, 1)
	require.Equal(t, "Int", o.CreateKeys[0].Type)
	require.Len(t, o.CreateDeps, 1)
	require.True(t, o.CreateDeps[0].Nullable)
	require.NotNil(t, o.CreateDeps[0].Default)
}

func TestParseValidityInstant(t *testing.T) {
	q := mustQuery(t, `?[a, d] := *vld{a, d @ "NOW"}`)
	atom := q.Rules[program.EntryName][0].Body[0]
	require.Equal(t, program.KindRelationApply, atom.Kind)
	require.NotNil(t, atom.Rel.ValidAt)
}

func TestParseNegation(t *testing.T) {
	q := mustQuery(t, `?[x] := *person{id: x}, not *banned{id: x}`)
	body := q.Rules[program.EntryName][0].Body
	require.Equal(t, program.KindNegation, body[1].Kind)
	require.Equal(t, program.KindRelationApply, body[1].Negated.Kind)
}

func TestParseSchemaOps(t *testing.T) {
	p, err := ParseScript(`::create t {k: Int => v: String}`)
	require.NoError(t, err)
	require.Equal(t, ScriptSchema, p.Kind)
	require.Equal(t, SchemaCreate, p.Schema.Op)
	require.Len(t, p.Schema.Keys, 1)
	require.Len(t, p.Schema.Deps, 1)

	p, err = ParseScript(`::remove a, b`)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, p.Schema.Names)

	p, err = ParseScript(`::rename old new`)
	require.NoError(t, err)
	require.Equal(t, SchemaRename, p.Schema.Op)

	p, err = ParseScript(`::index create t:by_v {v} unique`)
	require.NoError(t, err)
	require.Equal(t, SchemaIndexCreate, p.Schema.Op)
	require.Equal(t, []string{"v"}, p.Schema.IndexColumns)
	require.Contains(t, p.Schema.IndexOptions, "unique")

	p, err = ParseScript(`::fts create t:ft {fields: ["body"], tokenizer: "simple"}`)
	require.NoError(t, err)
	require.Equal(t, SchemaFtsCreate, p.Schema.Op)

	p, err = ParseScript(`::access_level read_only t`)
	require.NoError(t, err)
	require.Equal(t, "read_only", p.Schema.Access)

	p, err = ParseScript(`::trigger t on put { ?[k] := _new[k] :put log {k} }`)
	require.NoError(t, err)
	require.Len(t, p.Schema.Triggers, 1)
	require.Equal(t, "put", p.Schema.Triggers[0].On)
	require.Contains(t, p.Schema.Triggers[0].Script, "_new")
}

func TestParseSysOps(t *testing.T) {
	p, err := ParseScript(`::running`)
	require.NoError(t, err)
	require.Equal(t, ScriptSys, p.Kind)
	require.Equal(t, SysRunning, p.Sys.Op)

	p, err = ParseScript(`::kill 42`)
	require.NoError(t, err)
	require.Equal(t, uint64(42), p.Sys.Id)

	p, err = ParseScript(`::explain { ?[x] := x = 1 }`)
	require.NoError(t, err)
	require.Equal(t, SysExplain, p.Sys.Op)
	require.NotNil(t, p.Sys.Query)
}

func TestParseErrorsCarrySpans(t *testing.T) {
	_, err := ParseScript(`?[x] := `)
	require.Error(t, err)
	var ee *kerr.Error
	require.ErrorAs(t, err, &ee)
	require.Equal(t, kerr.Parse, ee.Kind)
	require.True(t, ee.Span.Valid())
}

func TestParseExprPrecedence(t *testing.T) {
	e, err := ParseExpr(`1 + 2 * 3`)
	require.NoError(t, err)
	v, err := e.Eval(&expr.Env{})
	require.NoError(t, err)
	i, _ := v.AsInt()
	require.Equal(t, int64(7), i)

	e, err = ParseExpr(`2 ^ 3 ^ 2`)
	require.NoError(t, err)
	v, err = e.Eval(&expr.Env{})
	require.NoError(t, err)
	f, _ := v.AsFloat()
	require.InDelta(t, 512.0, f, 1e-9) // right associative

	e, err = ParseExpr(`-2 + 1 < 0 && true`)
	require.NoError(t, err)
	v, err = e.Eval(&expr.Env{})
	require.NoError(t, err)
	b, _ := v.AsBool()
	require.True(t, b)
}

func TestLexerStrings(t *testing.T) {
	toks, err := NewLexer(`"a\nb" 'cA'`).Tokens()
	require.NoError(t, err)
	require.Equal(t, "a\nb", toks[0].Literal)
	require.Equal(t, "cA", toks[1].Literal)
}

func TestLexerComments(t *testing.T) {
	toks, err := NewLexer("1 # a comment\n// another\n2").Tokens()
	require.NoError(t, err)
	require.Equal(t, TokenInt, toks[0].Type)
	require.Equal(t, TokenInt, toks[1].Type)
	require.Equal(t, TokenEOF, toks[2].Type)
}
