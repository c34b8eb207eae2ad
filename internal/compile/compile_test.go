// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package compile

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/krakdb/internal/aggr"
	"github.com/kraklabs/krakdb/internal/catalog"
	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/parse"
	"github.com/kraklabs/krakdb/internal/program"
	"github.com/kraklabs/krakdb/internal/tuple"
)

// testSnapshot fakes a catalog with a couple of relations.
func testSnapshot() *catalog.Snapshot {
	return &catalog.Snapshot{Rels: map[string]*catalog.RelationMeta{
		"edge": {
			Id:   tuple.UserIdStart,
			Name: "edge",
			Keys: []catalog.ColumnDef{{Name: "fr", Type: catalog.TyInt}, {Name: "to", Type: catalog.TyInt}},
		},
		"person": {
			Id:   tuple.UserIdStart + 1,
			Name: "person",
			Keys: []catalog.ColumnDef{{Name: "id", Type: catalog.TyInt}},
		},
		"banned": {
			Id:   tuple.UserIdStart + 2,
			Name: "banned",
			Keys: []catalog.ColumnDef{{Name: "id", Type: catalog.TyInt}},
		},
	}}
}

func isMeet(name string) (bool, bool) {
	a, ok := aggr.Lookup(name)
	if !ok {
		return false, false
	}
	return a.IsMeet, true
}

func normalized(t *testing.T, src string) (*program.NormalProgram, error) {
	t.Helper()
	p, err := parse.ParseScript(src)
	require.NoError(t, err)
	require.Equal(t, parse.ScriptQuery, p.Kind)
	return Normalize(p.Query, testSnapshot(), nil)
}

func compiled(t *testing.T, src string) (*CompiledProgram, error) {
	t.Helper()
	normal, err := normalized(t, src)
	if err != nil {
		return nil, err
	}
	stratified, err := Stratify(MagicRewrite(normal))
	if err != nil {
		return nil, err
	}
	return CompileProgram(stratified, testSnapshot(), isMeet)
}

func TestUnsafeRuleRejected(t *testing.T) {
	_, err := normalized(t, `?[x] := not *banned{id: x}`)
	require.Error(t, err)
	require.True(t, kerr.IsKind(err, kerr.Unsafe), "got %v", err)

	_, err = normalized(t, `?[x] := *person{id: y}`)
	require.Error(t, err)
	require.True(t, kerr.IsKind(err, kerr.Unsafe))

	// Predicates cannot bind.
	_, err = normalized(t, `?[x] := x > 1`)
	require.Error(t, err)
	require.True(t, kerr.IsKind(err, kerr.Unsafe))
}

func TestReorderMovesDependentsAfterBindings(t *testing.T) {
	normal, err := normalized(t, `?[b] := b = a + 1, *person{id: a}`)
	require.NoError(t, err)
	body := normal.Rules[program.EntryName][0].Body
	// The unification consumes a, so the relation scan must come first.
	require.Equal(t, program.NormalRelationApply, body[0].Kind)
	require.Equal(t, program.NormalUnification, body[1].Kind)
}

func TestStratificationRejectsNegativeCycle(t *testing.T) {
	_, err := compiled(t, `
		p[x] := *person{id: x}, not q[x]
		q[x] := *person{id: x}, not p[x]
		?[x] := p[x]
	`)
	require.Error(t, err)
	require.True(t, kerr.IsKind(err, kerr.Unsafe), "got %v", err)
	require.Equal(t, "eval::unstratifiable", kerr.CodeOf(err))
}

func TestStratificationRejectsRecursiveNormalAggregate(t *testing.T) {
	_, err := compiled(t, `
		p[x, count(y)] := *edge{fr: x, to: y}
		p[x, count(y)] := p[x, y]
		?[x, y] := p[x, y]
	`)
	require.Error(t, err)
	require.True(t, kerr.IsKind(err, kerr.Unsafe))
}

func TestMeetAggregateRecursionAccepted(t *testing.T) {
	_, err := compiled(t, `
		p[x, min(y)] := *edge{fr: x, to: y}
		p[x, min(y)] := p[x, y]
		?[x, y] := p[x, y]
	`)
	require.NoError(t, err)
}

func TestStrataOrderDependenciesFirst(t *testing.T) {
	prog, err := compiled(t, `
		base[x] := *person{id: x}
		?[x] := base[x], not *banned{id: x}
	`)
	require.NoError(t, err)
	// The entry must sit in the last stratum.
	last := prog.Strata[len(prog.Strata)-1]
	_, ok := last.Rules[program.EntryName]
	require.True(t, ok)
}

func TestUnreachableRulesPruned(t *testing.T) {
	prog, err := compiled(t, `
		used[x] := *person{id: x}
		orphan[x] := *banned{id: x}
		?[x] := used[x]
	`)
	require.NoError(t, err)
	for _, st := range prog.Strata {
		_, ok := st.Rules["orphan"]
		require.False(t, ok, "unreachable rule survived stratification")
	}
}

func TestMagicRewriteSpecializesConstantCalls(t *testing.T) {
	normal, err := normalized(t, `
		out[a, b] := *edge{fr: a, to: b}
		?[b] := out[1, b]
	`)
	require.NoError(t, err)
	rewritten := MagicRewrite(normal)

	foundAdorned := false
	for name := range rewritten.Rules {
		if name != program.EntryName && name != "out" && len(name) > len(program.MagicPrefix) {
			foundAdorned = true
		}
	}
	require.True(t, foundAdorned, "no adorned rules were synthesized")

	// Under :disable_magic the program is untouched.
	normal2, err := normalized(t, `
		out[a, b] := *edge{fr: a, to: b}
		?[b] := out[1, b]
		:disable_magic
	`)
	require.NoError(t, err)
	require.Same(t, normal2, MagicRewrite(normal2))
}

func TestMagicRewriteLeavesRecursionAlone(t *testing.T) {
	normal, err := normalized(t, `
		r[a, b] := *edge{fr: a, to: b}
		r[a, b] := r[a, c], *edge{fr: c, to: b}
		?[b] := r[1, b]
	`)
	require.NoError(t, err)
	rewritten := MagicRewrite(normal)
	for name := range rewritten.Rules {
		require.NotContains(t, name, "|", "recursive rules must not be adorned: %s", name)
	}
}

func TestJoinPlanPrefixes(t *testing.T) {
	prog, err := compiled(t, `?[b] := *edge{fr: 1, to: b}`)
	require.NoError(t, err)
	var entry *CompiledRuleSet
	for _, st := range prog.Strata {
		if s, ok := st.Rules[program.EntryName]; ok {
			entry = s
		}
	}
	require.NotNil(t, entry)
	steps := entry.Rules[0].Steps
	// The constant unification precedes the scan and feeds a one-column
	// key prefix.
	var scan *Step
	for i := range steps {
		if steps[i].Kind == StepScanRel {
			scan = &steps[i]
		}
	}
	require.NotNil(t, scan)
	require.Equal(t, 1, scan.NumPrefix)
}

func TestCompileChecksArity(t *testing.T) {
	_, err := compiled(t, `
		r[a] := *person{id: a}
		?[a, b] := r[a, b]
	`)
	require.Error(t, err)
	require.True(t, kerr.IsKind(err, kerr.Schema))
}

func TestExplainProducesRows(t *testing.T) {
	prog, err := compiled(t, `?[x] := *person{id: x}, not *banned{id: x}`)
	require.NoError(t, err)
	require.NotEmpty(t, prog.Explain())
}
