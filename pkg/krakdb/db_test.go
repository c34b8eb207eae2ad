// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package krakdb_test

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	kerr "github.com/kraklabs/krakdb/internal/errors"
	ktest "github.com/kraklabs/krakdb/internal/testing"
	"github.com/kraklabs/krakdb/pkg/krakdb"
)

func TestArithmeticRoundTrip(t *testing.T) {
	db := ktest.SetupTestDb(t)
	res := ktest.MustRun(t, db, `?[x] := x = 1 + 1`)
	require.Equal(t, [][]any{{int64(2)}}, res.Rows)
}

func TestTransitiveClosure(t *testing.T) {
	db := ktest.SetupTestDb(t)
	ktest.MustRun(t, db, `:create edge {fr: Int, to: Int}`)
	ktest.MustRun(t, db, `
		?[fr, to] <- [[1, 2], [2, 3], [3, 4]]
		:put edge {fr, to}
	`)
	res := ktest.MustRun(t, db, `
		r[a, b] := *edge{fr: a, to: b}
		r[a, b] := r[a, c], *edge{fr: c, to: b}
		?[a, b] := r[a, b]
	`)
	require.Equal(t, [][]any{
		{int64(1), int64(2)}, {int64(1), int64(3)}, {int64(1), int64(4)},
		{int64(2), int64(3)}, {int64(2), int64(4)},
		{int64(3), int64(4)},
	}, res.Rows)
}

func TestSafeNegation(t *testing.T) {
	db := ktest.SetupTestDb(t)
	ktest.MustRun(t, db, `:create person {id: Int}`)
	ktest.MustRun(t, db, `:create banned {id: Int}`)
	ktest.MustRun(t, db, `
		?[id] <- [[1], [2], [3]]
		:put person {id}
	`)
	ktest.MustRun(t, db, `
		?[id] <- [[2]]
		:put banned {id}
	`)

	res := ktest.MustRun(t, db, `?[x] := *person{id: x}, not *banned{id: x}`)
	require.Equal(t, [][]any{{int64(1)}, {int64(3)}}, res.Rows)

	// Negation alone cannot bind the head variable.
	_, err := db.Run(`?[x] := not *banned{id: x}`, nil)
	require.Error(t, err)
	require.True(t, kerr.IsKind(err, kerr.Unsafe), "got %v", err)
}

func TestMeetAggregate(t *testing.T) {
	db := ktest.SetupTestDb(t)
	ktest.MustRun(t, db, `:create t {k: String, v: Int}`)
	ktest.MustRun(t, db, `
		?[k, v] <- [["a", 3], ["a", 1], ["a", 2], ["b", 5]]
		:put t {k, v}
	`)
	want := [][]any{{"a", int64(1)}, {"b", int64(5)}}

	res := ktest.MustRun(t, db, `?[k, min(v)] := *t{k, v}`)
	require.Equal(t, want, res.Rows)

	// The same rule made recursive through an identity join must agree:
	// meet aggregation inside the loop converges to the same fold.
	res = ktest.MustRun(t, db, `
		r[k, min(v)] := *t{k, v}
		r[k, min(v)] := r[k, v]
		?[k, v] := r[k, v]
	`)
	require.Equal(t, want, res.Rows)
}

func TestNormalAggregates(t *testing.T) {
	db := ktest.SetupTestDb(t)
	ktest.MustRun(t, db, `:create t {k: String, v: Int}`)
	ktest.MustRun(t, db, `
		?[k, v] <- [["a", 3], ["a", 1], ["b", 5]]
		:put t {k, v}
	`)
	res := ktest.MustRun(t, db, `?[k, count(v), sum(v)] := *t{k, v}`)
	require.Equal(t, [][]any{
		{"a", int64(2), int64(4)},
		{"b", int64(1), int64(5)},
	}, res.Rows)
}

func TestValiditySemantics(t *testing.T) {
	db := ktest.SetupTestDb(t)
	ktest.MustRun(t, db, `:create vld {a: Int, v: Validity => d: Any?}`)

	ktest.MustRun(t, db, `
		?[a, v, d] <- [[1, [0, true], 0]]
		:put vld {a, v => d}
	`)
	res := ktest.MustRun(t, db, `?[a, d] := *vld{a, d @ "NOW"}`)
	require.Len(t, res.Rows, 1)

	ktest.MustRun(t, db, `
		?[a, v, d] <- [[1, [1, false], 1]]
		:put vld {a, v => d}
	`)
	res = ktest.MustRun(t, db, `?[a, d] := *vld{a, d @ "NOW"}`)
	require.Empty(t, res.Rows)

	ktest.MustRun(t, db, `
		?[a, v, d] <- [[1, "ASSERT", 2]]
		:put vld {a, v => d}
	`)
	res = ktest.MustRun(t, db, `?[a, d] := *vld{a, d @ "NOW"}`)
	require.Len(t, res.Rows, 1)
	require.Equal(t, int64(2), res.Rows[0][1])

	ktest.MustRun(t, db, `
		?[a, v, d] <- [[1, "RETRACT", 3]]
		:put vld {a, v => d}
	`)
	res = ktest.MustRun(t, db, `?[a, d] := *vld{a, d @ "NOW"}`)
	require.Empty(t, res.Rows)

	// Without an instant every version is visible.
	res = ktest.MustRun(t, db, `?[a, v, d] := *vld{a, v, d}`)
	require.Len(t, res.Rows, 4)

	// A fact asserted far in the future is invisible now but visible at
	// the end of time.
	ktest.MustRun(t, db, `
		?[a, v, d] <- [[1, [9223372036854775806, true], null]]
		:put vld {a, v => d}
	`)
	res = ktest.MustRun(t, db, `?[a, d] := *vld{a, d @ "NOW"}`)
	require.Empty(t, res.Rows)
	res = ktest.MustRun(t, db, `?[a, d] := *vld{a, d @ "END"}`)
	require.Len(t, res.Rows, 1)

	// Reserved timestamps are rejected at rest.
	_, err := db.Run(`
		?[a, v, d] <- [[1, [9223372036854775807, true], null]]
		:put vld {a, v => d}
	`, nil)
	require.Error(t, err)
	require.True(t, kerr.IsKind(err, kerr.Schema), "got %v", err)
	_, err = db.Run(`
		?[a, v, d] <- [[1, [-9223372036854775808, true], null]]
		:put vld {a, v => d}
	`, nil)
	require.Error(t, err)
}

func TestUniqueIndexConflict(t *testing.T) {
	db := ktest.SetupTestDb(t)
	ktest.MustRun(t, db, `::create t {k: Int => v: String}`)
	ktest.MustRun(t, db, `::index create t:uv {v} unique`)

	type outcome struct{ err error }
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		k := i
		go func() {
			_, err := db.Run(fmt.Sprintf(`
				?[k, v] <- [[%d, "x"]]
				:put t {k, v}
			`, k), nil)
			results <- outcome{err: err}
		}()
	}
	var failures int
	for i := 0; i < 2; i++ {
		o := <-results
		if o.err != nil {
			require.True(t, kerr.IsKind(o.err, kerr.Conflict), "got %v", o.err)
			failures++
		}
	}
	require.Equal(t, 1, failures, "exactly one transaction must lose")

	res := ktest.MustRun(t, db, `?[k, v] := *t[k, v]`)
	require.Len(t, res.Rows, 1)
}

func TestCancellation(t *testing.T) {
	db := ktest.SetupTestDb(t)
	ktest.MustRun(t, db, `:create edge {fr: Int, to: Int}`)
	// A long chain makes the transitive closure quadratic.
	script := `?[fr, to] <- [`
	for i := 0; i < 2000; i++ {
		if i > 0 {
			script += ", "
		}
		script += fmt.Sprintf("[%d, %d]", i, i+1)
	}
	script += `]
	:put edge {fr, to}`
	ktest.MustRun(t, db, script)

	done := make(chan error, 1)
	go func() {
		_, err := db.Run(`
			r[a, b] := *edge{fr: a, to: b}
			r[a, b] := r[a, c], *edge{fr: c, to: b}
			?[a, b] := r[a, b]
		`, nil)
		done <- err
	}()

	// Find the running query and kill it.
	deadline := time.Now().Add(10 * time.Second)
	killed := false
	for time.Now().Before(deadline) && !killed {
		res, err := db.Run(`::running`, nil)
		require.NoError(t, err)
		for _, row := range res.Rows {
			id := row[0].(int64)
			kr, err := db.Run(fmt.Sprintf("::kill %d", id), nil)
			require.NoError(t, err)
			if kr.Rows[0][0] == true {
				killed = true
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, killed, "the query never showed up in ::running")

	select {
	case err := <-done:
		require.Error(t, err)
		require.True(t, kerr.IsKind(err, kerr.Cancelled), "got %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("the query did not unwind after poisoning")
	}
}

func TestTimeout(t *testing.T) {
	db := ktest.SetupTestDb(t)
	ktest.MustRun(t, db, `:create edge {fr: Int, to: Int}`)
	script := `?[fr, to] <- [`
	for i := 0; i < 1500; i++ {
		if i > 0 {
			script += ", "
		}
		script += fmt.Sprintf("[%d, %d]", i, i+1)
	}
	script += `]
	:put edge {fr, to}`
	ktest.MustRun(t, db, script)

	_, err := db.Run(`
		r[a, b] := *edge{fr: a, to: b}
		r[a, b] := r[a, c], *edge{fr: c, to: b}
		?[a, b] := r[a, b]
		:timeout 0.01
	`, nil)
	require.Error(t, err)
	require.True(t, kerr.IsKind(err, kerr.Timeout), "got %v", err)
}

func TestSortLimitOffset(t *testing.T) {
	db := ktest.SetupTestDb(t)
	ktest.MustRun(t, db, `:create n {v: Int}`)
	ktest.MustRun(t, db, `
		?[v] <- [[5], [3], [1], [4], [2]]
		:put n {v}
	`)
	res := ktest.MustRun(t, db, `
		?[v] := *n{v}
		:order -v
		:offset 1
		:limit 2
	`)
	require.Equal(t, [][]any{{int64(4)}, {int64(3)}}, res.Rows)
}

func TestParameters(t *testing.T) {
	db := ktest.SetupTestDb(t)
	ktest.MustRun(t, db, `:create person {id: Int => name: String}`)
	ktest.MustRun(t, db, `
		?[id, name] <- [[1, "ada"], [2, "grace"]]
		:put person {id, name}
	`)
	res := ktest.MustRunParams(t, db, `
		?[id] := *person{id, name}, name == $who
	`, map[string]any{"who": "grace"})
	require.Equal(t, [][]any{{int64(2)}}, res.Rows)

	_, err := db.Run(`?[x] := x = $missing`, nil)
	require.Error(t, err)
}

func TestReadOnlyRejectsMutation(t *testing.T) {
	db := ktest.SetupTestDb(t)
	ktest.MustRun(t, db, `:create t {k: Int}`)
	_, err := db.RunReadOnly(`
		?[k] <- [[1]]
		:put t {k}
	`, nil)
	require.Error(t, err)
}

func TestDisjunctionAndUnification(t *testing.T) {
	db := ktest.SetupTestDb(t)
	ktest.MustRun(t, db, `:create n {v: Int}`)
	ktest.MustRun(t, db, `
		?[v] <- [[1], [2], [3]]
		:put n {v}
	`)
	res := ktest.MustRun(t, db, `
		?[v] := *n{v}, v == 1 or *n{v}, v == 3
	`)
	require.Equal(t, [][]any{{int64(1)}, {int64(3)}}, res.Rows)

	res = ktest.MustRun(t, db, `?[y] := *n{v}, y = v * 10`)
	require.Equal(t, [][]any{{int64(10)}, {int64(20)}, {int64(30)}}, res.Rows)
}

func TestRulesWithConstantArgs(t *testing.T) {
	db := ktest.SetupTestDb(t)
	ktest.MustRun(t, db, `:create edge {fr: Int, to: Int}`)
	ktest.MustRun(t, db, `
		?[fr, to] <- [[1, 2], [2, 3], [1, 4]]
		:put edge {fr, to}
	`)
	// The magic-set rewrite specializes out[x] on the constant 1.
	res := ktest.MustRun(t, db, `
		out[a, b] := *edge{fr: a, to: b}
		?[b] := out[1, b]
	`)
	require.Equal(t, [][]any{{int64(2)}, {int64(4)}}, res.Rows)

	// Answers must not change when the rewrite is off.
	res = ktest.MustRun(t, db, `
		out[a, b] := *edge{fr: a, to: b}
		?[b] := out[1, b]
		:disable_magic
	`)
	require.Equal(t, [][]any{{int64(2)}, {int64(4)}}, res.Rows)
}

func TestTriggersAndCallbacks(t *testing.T) {
	db := ktest.SetupTestDb(t)
	ktest.MustRun(t, db, `::create src {k: Int}`)
	ktest.MustRun(t, db, `::create log {k: Int}`)
	ktest.MustRun(t, db, `::trigger src on put {
		?[k] := _new[k]
		:put log {k}
	}`)

	id, events := db.RegisterCallback("src", 8)
	defer db.UnregisterCallback(id)

	ktest.MustRun(t, db, `
		?[k] <- [[7]]
		:put src {k}
	`)

	select {
	case ev := <-events:
		require.Equal(t, "Put", ev.Op)
		require.Equal(t, "src", ev.Relation)
		require.Equal(t, [][]any{{int64(7)}}, ev.New.Rows)
	case <-time.After(5 * time.Second):
		t.Fatal("no callback event arrived")
	}

	// The trigger ran post-commit in its own transaction.
	require.Eventually(t, func() bool {
		res, err := db.Run(`?[k] := *log{k}`, nil)
		return err == nil && len(res.Rows) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestExportImport(t *testing.T) {
	db := ktest.SetupTestDb(t)
	ktest.MustRun(t, db, `:create t {k: Int => v: String}`)
	ktest.MustRun(t, db, `
		?[k, v] <- [[1, "a"], [2, "b"]]
		:put t {k, v}
	`)
	data, err := db.ExportRelations([]string{"t"})
	require.NoError(t, err)
	require.Len(t, data["t"].Rows, 2)

	other := ktest.SetupTestDb(t)
	ktest.MustRun(t, other, `:create t {k: Int => v: String}`)
	require.NoError(t, other.ImportRelations(data))
	res := ktest.MustRun(t, other, `?[k, v] := *t[k, v]`)
	require.Equal(t, [][]any{{int64(1), "a"}, {int64(2), "b"}}, res.Rows)
}

func TestBackupRestore(t *testing.T) {
	dir := t.TempDir()
	db := ktest.SetupTestDb(t)
	ktest.MustRun(t, db, `:create t {k: Int => v: String}`)
	ktest.MustRun(t, db, `
		?[k, v] <- [[1, "a"], [2, "b"]]
		:put t {k, v}
	`)
	backup := filepath.Join(dir, "snap.krak")
	require.NoError(t, db.Backup(backup))

	fresh := ktest.SetupTestDb(t)
	require.NoError(t, fresh.Restore(backup))
	res := ktest.MustRun(t, fresh, `?[k, v] := *t[k, v]`)
	require.Equal(t, [][]any{{int64(1), "a"}, {int64(2), "b"}}, res.Rows)

	// Restore demands an empty target.
	require.Error(t, fresh.Restore(backup))
}

func TestBoltPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	db, err := krakdb.Open("bolt", path, krakdb.Options{})
	require.NoError(t, err)
	ktest.MustRun(t, db, `:create t {k: Int}`)
	ktest.MustRun(t, db, `
		?[k] <- [[42]]
		:put t {k}
	`)
	require.NoError(t, db.Close())

	db, err = krakdb.Open("bolt", path, krakdb.Options{})
	require.NoError(t, err)
	defer db.Close()
	res := ktest.MustRun(t, db, `?[k] := *t[k]`)
	require.Equal(t, [][]any{{int64(42)}}, res.Rows)
}

func TestSysOps(t *testing.T) {
	db := ktest.SetupTestDb(t)
	ktest.MustRun(t, db, `::create t {k: Int => v: String}`)

	res := ktest.MustRun(t, db, `::relations`)
	require.Len(t, res.Rows, 1)
	require.Equal(t, "t", res.Rows[0][0])

	res = ktest.MustRun(t, db, `::columns t`)
	require.Len(t, res.Rows, 2)

	res = ktest.MustRun(t, db, `::explain { ?[k] := *t{k, v} }`)
	require.NotEmpty(t, res.Rows)

	ktest.MustRun(t, db, `::rename t t2`)
	_, err := db.Run(`::columns t`, nil)
	require.True(t, kerr.IsKind(err, kerr.NotFound))

	ktest.MustRun(t, db, `::access_level read_only t2`)
	_, err = db.Run(`
		?[k, v] <- [[1, "x"]]
		:put t2 {k, v}
	`, nil)
	require.Error(t, err)

	ktest.MustRun(t, db, `::access_level normal t2`)
	ktest.MustRun(t, db, `::remove t2`)
	res = ktest.MustRun(t, db, `::relations`)
	require.Empty(t, res.Rows)
}

func TestFixedRulePageRank(t *testing.T) {
	db := ktest.SetupTestDb(t)
	ktest.MustRun(t, db, `:create edge {fr: Int, to: Int}`)
	ktest.MustRun(t, db, `
		?[fr, to] <- [[1, 2], [2, 3], [3, 1], [3, 2]]
		:put edge {fr, to}
	`)
	res := ktest.MustRun(t, db, `?[node, rank] <~ PageRank(*edge[])`)
	require.Len(t, res.Rows, 3)
	total := 0.0
	for _, row := range res.Rows {
		total += row[1].(float64)
	}
	require.InDelta(t, 1.0, total, 0.05)
}

func TestFixedRuleTopSortAndSCC(t *testing.T) {
	db := ktest.SetupTestDb(t)
	ktest.MustRun(t, db, `:create edge {fr: String, to: String}`)
	ktest.MustRun(t, db, `
		?[fr, to] <- [["a", "b"], ["b", "c"], ["a", "c"]]
		:put edge {fr, to}
	`)
	res := ktest.MustRun(t, db, `?[ord, node] <~ TopSort(*edge[])`)
	require.Equal(t, [][]any{
		{int64(0), "a"}, {int64(1), "b"}, {int64(2), "c"},
	}, res.Rows)

	res = ktest.MustRun(t, db, `?[node, comp] <~ StronglyConnectedComponents(*edge[])`)
	require.Len(t, res.Rows, 3)
	seen := map[any]struct{}{}
	for _, row := range res.Rows {
		seen[row[1]] = struct{}{}
	}
	require.Len(t, seen, 3, "an acyclic graph has singleton components")
}

func TestFixedRuleShortestPath(t *testing.T) {
	db := ktest.SetupTestDb(t)
	ktest.MustRun(t, db, `:create edge {fr: Int, to: Int}`)
	ktest.MustRun(t, db, `
		?[fr, to] <- [[1, 2], [2, 3], [1, 3], [3, 4]]
		:put edge {fr, to}
	`)
	res := ktest.MustRun(t, db, `
		starting[x] <- [[1]]
		goals[x] <- [[4]]
		?[start, goal, path] <~ ShortestPathBFS(*edge[], starting[], goals[])
	`)
	require.Len(t, res.Rows, 1)
	require.Equal(t, []any{int64(1), int64(3), int64(4)}, res.Rows[0][2])
}

func TestCustomFixedRule(t *testing.T) {
	db := ktest.SetupTestDb(t)
	require.NoError(t, db.RegisterFixedRule("Doubler", doubler{}))
	defer func() { require.NoError(t, db.UnregisterFixedRule("Doubler")) }()

	ktest.MustRun(t, db, `:create n {v: Int}`)
	ktest.MustRun(t, db, `
		?[v] <- [[1], [2]]
		:put n {v}
	`)
	res := ktest.MustRun(t, db, `?[v, d] <~ Doubler(*n[])`)
	require.Equal(t, [][]any{
		{int64(1), int64(2)}, {int64(2), int64(4)},
	}, res.Rows)
}

type doubler struct{}

func (doubler) Arity(map[string]any) (int, error) { return 2, nil }

func (doubler) Run(inputs []krakdb.NamedRows, _ map[string]any, yield func([]any) error) error {
	for _, row := range inputs[0].Rows {
		v := row[0].(int64)
		if err := yield([]any{v, v * 2}); err != nil {
			return err
		}
	}
	return nil
}

func TestFtsIndex(t *testing.T) {
	db := ktest.SetupTestDb(t)
	ktest.MustRun(t, db, `::create doc {id: Int => body: String}`)
	ktest.MustRun(t, db, `::fts create doc:body_idx {fields: ["body"], tokenizer: "simple"}`)
	ktest.MustRun(t, db, `
		?[id, body] <- [[1, "the quick brown fox"], [2, "lazy dogs sleep"], [3, "quick dogs"]]
		:put doc {id, body}
	`)
	res, err := db.FtsSearch("doc", "body_idx", "quick")
	require.NoError(t, err)
	require.Equal(t, [][]any{{int64(1)}, {int64(3)}}, res.Rows)

	res, err = db.FtsSearch("doc", "body_idx", "quick dogs")
	require.NoError(t, err)
	require.Equal(t, [][]any{{int64(3)}}, res.Rows)

	// Deletion drops the postings.
	ktest.MustRun(t, db, `
		?[id] <- [[3]]
		:rm doc {id}
	`)
	res, err = db.FtsSearch("doc", "body_idx", "quick dogs")
	require.NoError(t, err)
	require.Empty(t, res.Rows)
}

func TestKnnSearch(t *testing.T) {
	db := ktest.SetupTestDb(t)
	ktest.MustRun(t, db, `::create emb {id: Int => vec: Vec}`)
	ktest.MustRun(t, db, `::hnsw create emb:vi {fields: ["vec"], dim: 2}`)
	ktest.MustRun(t, db, `
		?[id, vec] <- [[1, [0.0, 0.0]], [2, [1.0, 0.0]], [3, [5.0, 5.0]]]
		:put emb {id, vec}
	`)
	res, err := db.KnnSearch("emb", "vi", []float64{0.9, 0.1}, 2)
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	require.Equal(t, int64(2), res.Rows[0][0])
}

func TestEnsureModes(t *testing.T) {
	db := ktest.SetupTestDb(t)
	ktest.MustRun(t, db, `:create t {k: Int => v: String}`)
	ktest.MustRun(t, db, `
		?[k, v] <- [[1, "a"]]
		:put t {k, v}
	`)
	ktest.MustRun(t, db, `
		?[k, v] <- [[1, "a"]]
		:ensure t {k, v}
	`)
	_, err := db.Run(`
		?[k, v] <- [[1, "b"]]
		:ensure t {k, v}
	`, nil)
	require.Error(t, err)
	_, err = db.Run(`
		?[k] <- [[1]]
		:ensure_not t {k}
	`, nil)
	require.Error(t, err)
}

func TestCreateFromQuery(t *testing.T) {
	db := ktest.SetupTestDb(t)
	ktest.MustRun(t, db, `:create src {v: Int}`)
	ktest.MustRun(t, db, `
		?[v] <- [[1], [2]]
		:put src {v}
	`)
	ktest.MustRun(t, db, `
		?[v] := *src{v}
		:create dst {v: Int}
	`)
	res := ktest.MustRun(t, db, `?[v] := *dst[v]`)
	require.Equal(t, [][]any{{int64(1)}, {int64(2)}}, res.Rows)
}
