// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package runtime

import (
	"log/slog"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kraklabs/krakdb/internal/aggr"
	"github.com/kraklabs/krakdb/internal/catalog"
	"github.com/kraklabs/krakdb/internal/compile"
	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/eval"
	"github.com/kraklabs/krakdb/internal/expr"
	"github.com/kraklabs/krakdb/internal/fixedrule"
	"github.com/kraklabs/krakdb/internal/parse"
	"github.com/kraklabs/krakdb/internal/program"
	"github.com/kraklabs/krakdb/internal/storage"
	"github.com/kraklabs/krakdb/internal/tuple"
	"github.com/kraklabs/krakdb/internal/value"
)

// Rows is the tabular result of one script.
type Rows struct {
	Headers []string
	Rows    []tuple.Tuple
}

// maxTriggerDepth stops runaway trigger chains.
const maxTriggerDepth = 32

// parseCacheSize bounds the parsed-script cache on the engine.
const parseCacheSize = 256

// Engine is the transact driver: everything behind the public Db
// handle.
type Engine struct {
	store     storage.Storage
	cat       *catalog.Catalog
	fixed     *fixedrule.Registry
	running   *running
	callbacks *callbacks
	log       *slog.Logger
	parsed    *lru.Cache[string, *parse.Parsed]

	schemaMu chanMutex
}

// chanMutex serializes schema operations; a channel keeps the zero
// value unusable, which catches construction mistakes early.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	return m
}

func (m chanMutex) Lock()   { m <- struct{}{} }
func (m chanMutex) Unlock() { <-m }

// New creates an engine over an opened storage backend.
func New(store storage.Storage, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cat, err := catalog.Load(store)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[string, *parse.Parsed](parseCacheSize)
	if err != nil {
		return nil, kerr.Internalf("engine::cache", "cannot build parse cache: %v", err)
	}
	return &Engine{
		store:     store,
		cat:       cat,
		fixed:     fixedrule.Default(),
		running:   newRunning(),
		callbacks: newCallbacks(),
		log:       logger.With("component", "krakdb"),
		parsed:    cache,
		schemaMu:  newChanMutex(),
	}, nil
}

// Close releases the engine and its storage.
func (e *Engine) Close() error { return e.store.Close() }

// Storage exposes the backend for export and backup paths.
func (e *Engine) Storage() storage.Storage { return e.store }

// Catalog exposes the current catalog snapshot.
func (e *Engine) Catalog() *catalog.Snapshot { return e.cat.Snapshot() }

// FixedRules exposes the fixed-rule registry for embedder registration.
func (e *Engine) FixedRules() *fixedrule.Registry { return e.fixed }

// RegisterCallback attaches ch to mutations of a relation.
func (e *Engine) RegisterCallback(relation string, ch chan<- CallbackEvent) uint64 {
	return e.callbacks.register(relation, ch)
}

// UnregisterCallback removes a callback registration.
func (e *Engine) UnregisterCallback(id uint64) bool {
	return e.callbacks.unregister(id)
}

// Run executes one script.
func (e *Engine) Run(script string, params map[string]value.Value, mutable bool) (*Rows, error) {
	return e.run(script, params, mutable, 0, nil)
}

func (e *Engine) run(script string, params map[string]value.Value, mutable bool, depth int, injected map[string]injectedRows) (rows *Rows, err error) {
	start := time.Now()
	kind := "query"
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		meter().queriesRun.WithLabelValues(kind, outcome).Inc()
		meter().queryDuration.Observe(time.Since(start).Seconds())
	}()

	parsed, ok := e.parsed.Get(script)
	if !ok {
		parsed, err = parse.ParseScript(script)
		if err != nil {
			return nil, err
		}
		e.parsed.Add(script, parsed)
	}

	switch parsed.Kind {
	case parse.ScriptSys:
		kind = "sys"
		return e.runSys(parsed.Sys, params, mutable)
	case parse.ScriptSchema:
		kind = "schema"
		if !mutable {
			return nil, kerr.New(kerr.Schema, "tx::read_only",
				"schema operations need a mutable call")
		}
		return e.runSchema(parsed.Schema)
	default:
		return e.runQuery(script, parsed.Query, params, mutable, depth, injected)
	}
}

// runQuery is the query pipeline: compile, evaluate, shape, materialize.
func (e *Engine) runQuery(script string, in *program.InputProgram, params map[string]value.Value, mutable bool, depth int, injected map[string]injectedRows) (*Rows, error) {
	opts := in.Options
	writes := opts.OutMode != program.OutNone
	if writes && !mutable {
		return nil, kerr.New(kerr.Schema, "tx::read_only",
			"the query writes to a stored relation but the call is immutable")
	}

	// A bare :create / :replace block defines an empty relation.
	if len(in.Rules) == 0 && len(in.Fixed) == 0 {
		return e.createEmpty(&opts)
	}

	poison := eval.NewPoison()
	qid := e.running.register(script, poison)
	defer e.running.unregister(qid)
	if opts.TimeoutSecs > 0 {
		timer := time.AfterFunc(time.Duration(opts.TimeoutSecs*float64(time.Second)), poison.Expire)
		defer timer.Stop()
	}

	snap := e.cat.Snapshot()
	prog := in
	if injected != nil {
		prog = injectConstRules(in, injected)
	}

	normal, err := compile.Normalize(prog, snap, params)
	if err != nil {
		return nil, err
	}
	normal = compile.MagicRewrite(normal)
	stratified, err := compile.Stratify(normal)
	if err != nil {
		return nil, err
	}
	for _, st := range stratified.Strata {
		for _, fa := range st.Fixed {
			if err := e.fixed.CheckArity(fa); err != nil {
				return nil, err
			}
		}
	}
	compiled, err := compile.CompileProgram(stratified, snap, func(name string) (bool, bool) {
		a, ok := aggr.Lookup(name)
		if !ok {
			return false, false
		}
		return a.IsMeet, true
	})
	if err != nil {
		return nil, err
	}

	// Creating a relation needs the catalog latch; take it before the
	// storage transaction so the lock order agrees with runSchema.
	if opts.OutMode == program.OutCreate || opts.OutMode == program.OutReplace {
		e.schemaMu.Lock()
		defer e.schemaMu.Unlock()
	}
	tx, err := e.store.Transact(writes)
	if err != nil {
		return nil, err
	}
	defer tx.Discard()

	entrySet := entryRuleSet(compiled)
	limitHint := 0
	if opts.HasLimit && len(opts.Sorters) == 0 && !writes &&
		!opts.AssertSome && !opts.AssertNone &&
		(entrySet == nil || entrySet.Aggrs == nil) {
		limitHint = opts.Limit + opts.Offset
	}

	ectx := &eval.Context{
		Tx:        tx,
		Snap:      snap,
		Params:    params,
		Poison:    poison,
		Fixed:     e.fixed,
		Now:       value.NowMicros(),
		LimitHint: limitHint,
	}
	resultRows, err := eval.Run(ectx, compiled)
	if err != nil {
		return nil, err
	}

	headers := compiled.EntryHead
	resultRows, err = shapeRows(resultRows, headers, &opts)
	if err != nil {
		return nil, err
	}

	if !writes {
		return &Rows{Headers: headers, Rows: resultRows}, nil
	}
	return e.materialize(tx, snap, headers, resultRows, &opts, params, depth, ectx.Now)
}

// createEmpty performs the schema half of :create / :replace when the
// script supplies no rows.
func (e *Engine) createEmpty(opts *program.QueryOptions) (*Rows, error) {
	op := &parse.SchemaOp{Op: parse.SchemaCreate, Name: opts.OutRelation,
		Keys: opts.CreateKeys, Deps: opts.CreateDeps}
	if opts.OutMode == program.OutReplace {
		op.Op = parse.SchemaReplace
	}
	return e.runSchema(op)
}

// entryRuleSet digs the entry's compiled rule set out of the program.
func entryRuleSet(p *compile.CompiledProgram) *compile.CompiledRuleSet {
	for _, st := range p.Strata {
		if set, ok := st.Rules[program.EntryName]; ok {
			return set
		}
	}
	return nil
}

// shapeRows applies :order, :offset, :limit and the :assert checks.
func shapeRows(rows []tuple.Tuple, headers []string, opts *program.QueryOptions) ([]tuple.Tuple, error) {
	if len(opts.Sorters) > 0 {
		idx := make([]int, len(opts.Sorters))
		for i, s := range opts.Sorters {
			found := -1
			for hi, h := range headers {
				if h == s.Col {
					found = hi
					break
				}
			}
			if found < 0 {
				return nil, kerr.Newf(kerr.Schema, "query::bad_sort",
					"cannot sort by %s: not an output column", s.Col)
			}
			idx[i] = found
		}
		sort.SliceStable(rows, func(a, b int) bool {
			for i, s := range opts.Sorters {
				c := rows[a][idx[i]].Compare(rows[b][idx[i]])
				if c == 0 {
					continue
				}
				if s.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if opts.AssertSome && len(rows) == 0 {
		return nil, kerr.New(kerr.NotFound, "query::assert_some", "the query returned no rows")
	}
	if opts.AssertNone && len(rows) > 0 {
		return nil, kerr.New(kerr.Conflict, "query::assert_none", "the query returned rows")
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(rows) {
			rows = nil
		} else {
			rows = rows[opts.Offset:]
		}
	}
	if opts.HasLimit && opts.Limit < len(rows) {
		rows = rows[:opts.Limit]
	}
	return rows, nil
}

// materialize writes the result into the target stored relation and
// fires triggers and callbacks after commit.
func (e *Engine) materialize(tx storage.StoreTx, snap *catalog.Snapshot, headers []string, rows []tuple.Tuple, opts *program.QueryOptions, params map[string]value.Value, depth int, now int64) (*Rows, error) {
	var muts []*mutationResult
	var publishers []func()

	switch opts.OutMode {
	case program.OutCreate, program.OutReplace:
		keys, err := specToColumns(opts.CreateKeys)
		if err != nil {
			return nil, err
		}
		deps, err := specToColumns(opts.CreateDeps)
		if err != nil {
			return nil, err
		}
		if opts.OutMode == program.OutReplace {
			if _, exists := snap.Get(opts.OutRelation); exists {
				pub, err := e.cat.Drop(tx, opts.OutRelation)
				if err != nil {
					return nil, err
				}
				publishers = append(publishers, pub)
			}
		}
		id, err := catalog.NextRelationId(tx)
		if err != nil {
			return nil, err
		}
		meta := &catalog.RelationMeta{Id: id, Name: opts.OutRelation, Keys: keys, Deps: deps}
		pub, err := e.cat.Create(tx, meta, opts.OutMode == program.OutReplace)
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, pub)
		mapping, err := buildMapping(meta, opts.OutHeaders, headers, false)
		if err != nil {
			return nil, err
		}
		mut, err := putRows(tx, mapping, rows, params, now)
		if err != nil {
			return nil, err
		}
		muts = append(muts, mut)

	case program.OutPut, program.OutRm, program.OutEnsure, program.OutEnsureNot:
		meta, err := snap.Must(opts.OutRelation)
		if err != nil {
			return nil, err
		}
		mapping, err := buildMapping(meta, opts.OutHeaders, headers,
			opts.OutMode == program.OutRm || opts.OutMode == program.OutEnsureNot)
		if err != nil {
			return nil, err
		}
		switch opts.OutMode {
		case program.OutPut:
			mut, err := putRows(tx, mapping, rows, params, now)
			if err != nil {
				return nil, err
			}
			muts = append(muts, mut)
		case program.OutRm:
			mut, err := rmRows(tx, mapping, rows, params, now)
			if err != nil {
				return nil, err
			}
			muts = append(muts, mut)
		case program.OutEnsure:
			if err := ensureRows(tx, mapping, rows, params, now, true); err != nil {
				return nil, err
			}
		case program.OutEnsureNot:
			if err := ensureRows(tx, mapping, rows, params, now, false); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, p := range publishers {
		p()
	}
	for _, mut := range muts {
		meter().rowsMaterialized.Add(float64(len(mut.newRows) + len(mut.oldRows)))
	}
	e.afterCommit(muts, depth)

	return &Rows{
		Headers: []string{"status"},
		Rows:    []tuple.Tuple{{value.Str("OK")}},
	}, nil
}

// afterCommit fans mutation records out to callbacks and runs attached
// trigger scripts in fresh sub-transactions. Trigger failures are
// logged, never retried, and never undo the committed mutation.
func (e *Engine) afterCommit(muts []*mutationResult, depth int) {
	for _, mut := range muts {
		if mut == nil || (len(mut.newRows) == 0 && len(mut.oldRows) == 0) {
			continue
		}
		e.callbacks.send(CallbackEvent{
			Op:       mut.op,
			Relation: mut.meta.Name,
			Headers:  mut.headers,
			New:      mut.newRows,
			Old:      mut.oldRows,
		}, meter().callbacksDropped.Inc)

		if len(mut.meta.Triggers) == 0 {
			continue
		}
		if depth >= maxTriggerDepth {
			e.log.Warn("trigger chain too deep, skipping",
				"relation", mut.meta.Name, "depth", depth)
			continue
		}
		want := catalog.TriggerOnPut
		if mut.op == CallbackRm {
			want = catalog.TriggerOnRm
		}
		for _, trig := range mut.meta.Triggers {
			if trig.On != want && trig.On != catalog.TriggerOnReplace {
				continue
			}
			injected := map[string]injectedRows{
				"_new": {arity: len(mut.headers), rows: mut.newRows},
				"_old": {arity: len(mut.headers), rows: mut.oldRows},
			}
			if _, err := e.run(trig.Script, nil, true, depth+1, injected); err != nil {
				meter().triggerFailures.Inc()
				e.log.Warn("trigger script failed",
					"relation", mut.meta.Name, "on", string(trig.On), "err", err)
			}
		}
	}
}

// injectedRows is a constant relation injected into a trigger script.
type injectedRows struct {
	arity int
	rows  []tuple.Tuple
}

// injectConstRules clones the input program with extra constant rules,
// used to expose _new and _old to trigger scripts.
func injectConstRules(in *program.InputProgram, injected map[string]injectedRows) *program.InputProgram {
	out := &program.InputProgram{
		Rules:   in.Rules,
		Fixed:   make(map[string]*program.FixedApply, len(in.Fixed)+len(injected)),
		Options: in.Options,
	}
	for k, v := range in.Fixed {
		out.Fixed[k] = v
	}
	for name, inj := range injected {
		if _, used := out.Fixed[name]; used {
			continue
		}
		if _, used := out.Rules[name]; used {
			continue
		}
		data := make([]value.Value, len(inj.rows))
		for i, r := range inj.rows {
			data[i] = value.List(r)
		}
		out.Fixed[name] = &program.FixedApply{
			Algo:    "Constant",
			Options: map[string]expr.Expr{"data": expr.Const{Val: value.List(data)}},
			Arity:   inj.arity,
		}
	}
	return out
}

// Running lists currently running queries for ::running.
func (e *Engine) Running() *Rows {
	out := &Rows{Headers: []string{"id", "started_at", "script"}}
	for _, q := range e.running.list() {
		out.Rows = append(out.Rows, tuple.Tuple{
			value.Int(int64(q.Id)),
			value.Str(q.Started.UTC().Format(time.RFC3339Nano)),
			value.Str(q.Script),
		})
	}
	return out
}

// Kill flips the poison token of a running query.
func (e *Engine) Kill(id uint64) bool { return e.running.kill(id) }

func okRows() *Rows {
	return &Rows{Headers: []string{"status"}, Rows: []tuple.Tuple{{value.Str("OK")}}}
}

func boolRows(header string, b bool) *Rows {
	return &Rows{Headers: []string{header}, Rows: []tuple.Tuple{{value.Bool(b)}}}
}
