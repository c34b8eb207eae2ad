// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package eval

import (
	"errors"
	"sort"

	"github.com/kraklabs/krakdb/internal/aggr"
	"github.com/kraklabs/krakdb/internal/catalog"
	"github.com/kraklabs/krakdb/internal/compile"
	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/expr"
	"github.com/kraklabs/krakdb/internal/program"
	"github.com/kraklabs/krakdb/internal/storage"
	"github.com/kraklabs/krakdb/internal/tuple"
	"github.com/kraklabs/krakdb/internal/value"
)

// FixedInput is what a fixed rule sees of one of its input relations.
type FixedInput interface {
	Iter(fn func(t tuple.Tuple) (bool, error)) error
	PrefixIter(prefix tuple.Tuple, fn func(t tuple.Tuple) (bool, error)) error
}

// FixedRunner executes fixed-rule applications; the concrete registry
// lives outside the evaluator.
type FixedRunner interface {
	Run(fa *program.FixedApply, inputs []FixedInput, out func(t tuple.Tuple) error,
		poison *Poison, params map[string]value.Value) error
}

// Context carries everything one query evaluation needs.
type Context struct {
	Tx     storage.StoreTx
	Snap   *catalog.Snapshot
	Params map[string]value.Value
	Poison *Poison
	Fixed  FixedRunner
	Now    int64

	// LimitHint, when positive, lets the evaluator stop once the entry
	// rule holds that many rows. The driver only sets it when any subset
	// of rows is acceptable (no sorters, no aggregates on the entry).
	LimitHint int
}

// errEnough aborts evaluation early once the limit hint is satisfied.
var errEnough = errors.New("enough rows")

// Run evaluates a compiled program and returns the entry rule's rows in
// store order.
func Run(ctx *Context, prog *compile.CompiledProgram) ([]tuple.Tuple, error) {
	ev := &evaluator{ctx: ctx, stores: map[string]*ruleStore{}}
	for _, st := range prog.Strata {
		if err := ev.runStratum(&st); err != nil {
			if errors.Is(err, errEnough) {
				break
			}
			return nil, err
		}
	}
	entry, ok := ev.stores[program.EntryName]
	if !ok {
		return nil, kerr.Internalf("eval::no_entry", "entry store missing after evaluation")
	}
	var rows []tuple.Tuple
	entry.stable.Scan(func(t tuple.Tuple) bool {
		rows = append(rows, t)
		return true
	})
	return rows, nil
}

type evaluator struct {
	ctx    *Context
	stores map[string]*ruleStore
}

// runStratum drives one fixed point.
func (ev *evaluator) runStratum(st *compile.CompiledStratum) error {
	if err := ev.ctx.Poison.Check(); err != nil {
		return err
	}

	// Fixed rules: singleton strata, inputs fully computed earlier.
	for name, fa := range st.Fixed {
		if err := ev.runFixed(name, fa); err != nil {
			return err
		}
	}

	names := make([]string, 0, len(st.Rules))
	for name := range st.Rules {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		set := st.Rules[name]
		var ms []*aggr.Aggregation
		if set.Aggrs != nil && set.MeetOnly {
			ms = make([]*aggr.Aggregation, set.Arity)
			for i, a := range set.Aggrs {
				if a == nil {
					continue
				}
				def, _ := aggr.Lookup(a.Name)
				ms[i] = def
			}
		}
		ev.stores[name] = newRuleStore(set, ms)
	}

	// Normal-aggregate rules cannot be recursive; they fold after a
	// single pass and the stratum is done for them.
	for _, name := range names {
		set := st.Rules[name]
		if set.Aggrs != nil && !set.MeetOnly {
			if err := ev.evalNormalAggr(set); err != nil {
				return err
			}
		}
	}

	// Round zero: every clause evaluated against earlier strata plus
	// whatever this stratum already holds.
	for _, name := range names {
		set := st.Rules[name]
		if set.Aggrs != nil && !set.MeetOnly {
			continue
		}
		for _, cr := range set.Rules {
			if err := ev.evalClause(set, cr, -1); err != nil {
				return err
			}
		}
	}

	// Semi-naive rounds: each recursive clause re-evaluates once per
	// same-stratum scan step, that step reading the delta.
	for {
		if err := ev.ctx.Poison.Check(); err != nil {
			return err
		}
		work := false
		for _, name := range names {
			if ev.stores[name].advance() {
				work = true
			}
		}
		if !work {
			return nil
		}
		for _, name := range names {
			set := st.Rules[name]
			if set.Aggrs != nil && !set.MeetOnly {
				continue
			}
			for _, cr := range set.Rules {
				for si, step := range cr.Steps {
					if step.Kind == compile.StepScanRule && step.SameStratum {
						if err := ev.evalClause(set, cr, si); err != nil {
							return err
						}
					}
				}
			}
		}
	}
}

// evalClause evaluates one clause into its rule store. deltaStep
// designates which same-stratum scan reads the delta; -1 means none
// (round zero).
func (ev *evaluator) evalClause(set *compile.CompiledRuleSet, cr *compile.CompiledRule, deltaStep int) error {
	row := make([]value.Value, cr.NumSlots)
	env := &expr.Env{Row: row, Slots: cr.SlotOf, Params: ev.ctx.Params}
	store := ev.stores[set.Name]

	sink := func() error {
		out := make(tuple.Tuple, len(cr.OutSlots))
		for i, s := range cr.OutSlots {
			out[i] = row[s]
		}
		if _, err := store.put(out); err != nil {
			return err
		}
		if ev.ctx.LimitHint > 0 && set.Name == program.EntryName &&
			store.stable.Len() >= ev.ctx.LimitHint {
			return errEnough
		}
		return nil
	}
	return ev.walkClause(cr, env, row, deltaStep, sink)
}

// walkClause runs the join plan of one clause, calling sink once per
// fully bound row.
func (ev *evaluator) walkClause(cr *compile.CompiledRule, env *expr.Env, row []value.Value, deltaStep int, sink func() error) error {
	var walk func(si int) error
	walk = func(si int) error {
		if err := ev.ctx.Poison.Check(); err != nil {
			return err
		}
		if si == len(cr.Steps) {
			return sink()
		}
		step := &cr.Steps[si]
		switch step.Kind {
		case compile.StepUnify:
			v, err := step.UnifE.Eval(env)
			if err != nil {
				return err
			}
			if step.UnifBound {
				if row[step.UnifSlot].Compare(v) != 0 {
					return nil
				}
				return walk(si + 1)
			}
			row[step.UnifSlot] = v
			return walk(si + 1)

		case compile.StepFilter:
			ok, err := expr.EvalPred(step.Pred, env)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			return walk(si + 1)

		case compile.StepScanRule:
			view, err := ev.ruleView(step, deltaStep == si)
			if err != nil {
				return err
			}
			prefix := make(tuple.Tuple, step.NumPrefix)
			for i := 0; i < step.NumPrefix; i++ {
				prefix[i] = row[step.ArgSlots[i]]
			}
			return view.prefixIter(prefix, ev.ctx.Poison, func(t tuple.Tuple) (bool, error) {
				if !ev.bindScan(step, t, row) {
					return true, nil
				}
				if err := walk(si + 1); err != nil {
					return false, err
				}
				return true, nil
			})

		case compile.StepScanRel:
			return ev.scanRelation(step, env, row, func() error { return walk(si + 1) })

		case compile.StepNegRule:
			view, err := ev.ruleView(step, false)
			if err != nil {
				return err
			}
			prefix, pattern := ev.negProbe(step, row)
			found, err := view.contains(prefix, pattern, ev.ctx.Poison)
			if err != nil {
				return err
			}
			if found {
				return nil
			}
			return walk(si + 1)

		case compile.StepNegRel:
			found, err := ev.relContains(step, env, row)
			if err != nil {
				return err
			}
			if found {
				return nil
			}
			return walk(si + 1)
		}
		return kerr.Internalf("eval::bad_step", "unknown step kind %d", step.Kind)
	}
	return walk(0)
}

// bindScan matches a scanned tuple against the step's slots: bound
// positions filter, unbound positions bind. It reports match success and
// mutates row in place.
func (ev *evaluator) bindScan(step *compile.Step, t tuple.Tuple, row []value.Value) bool {
	if len(t) < len(step.ArgSlots) {
		return false
	}
	for i, slot := range step.ArgSlots {
		if slot < 0 {
			continue
		}
		if step.BoundBefore[i] {
			if row[slot].Compare(t[i]) != 0 {
				return false
			}
			continue
		}
		row[slot] = t[i]
	}
	// Duplicate slots within the atom must agree.
	for i, slot := range step.ArgSlots {
		if slot >= 0 && row[slot].Compare(t[i]) != 0 {
			return false
		}
	}
	return true
}

func (ev *evaluator) ruleView(step *compile.Step, delta bool) (storeView, error) {
	s, ok := ev.stores[step.RuleName]
	if !ok {
		return storeView{}, kerr.Internalf("eval::missing_store",
			"rule %s evaluated before its stratum", step.RuleName)
	}
	return s.view(delta), nil
}

func (ev *evaluator) negProbe(step *compile.Step, row []value.Value) (tuple.Tuple, []*tupleSlot) {
	var prefix tuple.Tuple
	for i := 0; i < step.NumPrefix; i++ {
		prefix = append(prefix, row[step.ArgSlots[i]])
	}
	var pattern []*tupleSlot
	for i := step.NumPrefix; i < len(step.ArgSlots); i++ {
		if step.ArgSlots[i] >= 0 && step.BoundBefore[i] {
			pattern = append(pattern, &tupleSlot{pos: i, val: row[step.ArgSlots[i]]})
		}
	}
	return prefix, pattern
}

// scanRelation iterates a stored relation with the step's bound prefix,
// honoring point-in-time semantics for validity relations.
func (ev *evaluator) scanRelation(step *compile.Step, env *expr.Env, row []value.Value, cont func() error) error {
	meta := step.Rel
	validAt, hasValid, err := ev.validInstant(step, env)
	if err != nil {
		return err
	}

	numPrefix := step.NumPrefix
	if numPrefix > meta.KeyArity() {
		// Dependent columns cannot participate in the key prefix.
		numPrefix = meta.KeyArity()
	}
	if hasValid && numPrefix >= meta.KeyArity() {
		// Never let the validity column itself into the prefix when
		// time-travelling; the probe decides which version wins.
		numPrefix = meta.KeyArity() - 1
	}
	prefix := make(tuple.Tuple, numPrefix)
	for i := 0; i < numPrefix; i++ {
		prefix[i] = row[step.ArgSlots[i]]
	}
	lo, hi := tuple.ScanBounds(meta.Id, prefix)
	it := ev.ctx.Tx.RangeScan(lo, hi)
	defer it.Close()

	vldCol := meta.KeyArity() - 1
	var lastLogical tuple.Tuple
	count := 0
	for it.Next() {
		count++
		if count%poisonStride == 0 {
			if err := ev.ctx.Poison.Check(); err != nil {
				return err
			}
		}
		full, err := tuple.DecodeRow(it.Key(), it.Val())
		if err != nil {
			return err
		}
		if hasValid {
			logical := full[:vldCol]
			if lastLogical != nil && logical.Compare(lastLogical) == 0 {
				continue // a newer version already decided this key
			}
			vd, _ := full[vldCol].AsValidity()
			if vd.Ts > validAt {
				continue // asserted after the probe instant
			}
			lastLogical = logical.Clone()
			if !vd.Assert {
				continue // latest applicable version is a retraction
			}
		}
		if !ev.bindScan(step, full, row) {
			continue
		}
		if err := cont(); err != nil {
			return err
		}
	}
	return it.Err()
}

func (ev *evaluator) validInstant(step *compile.Step, env *expr.Env) (int64, bool, error) {
	if step.ValidAt == nil {
		return 0, false, nil
	}
	if !step.Rel.HasValidity() {
		return 0, false, kerr.Newf(kerr.Schema, "schema::not_validity",
			"relation %s has no validity column", step.Rel.Name).WithSpan(step.Span)
	}
	v, err := step.ValidAt.Eval(env)
	if err != nil {
		return 0, false, err
	}
	ts, err := value.CoerceValidityInstant(v, ev.ctx.Now)
	if err != nil {
		return 0, false, withSpan(err, step.Span)
	}
	return ts, true, nil
}

// relContains is the anti-join probe against a stored relation.
func (ev *evaluator) relContains(step *compile.Step, env *expr.Env, row []value.Value) (bool, error) {
	meta := step.Rel
	numPrefix := step.NumPrefix
	if numPrefix > meta.KeyArity() {
		numPrefix = meta.KeyArity()
	}
	prefix := make(tuple.Tuple, numPrefix)
	for i := 0; i < numPrefix; i++ {
		prefix[i] = row[step.ArgSlots[i]]
	}
	lo, hi := tuple.ScanBounds(meta.Id, prefix)
	it := ev.ctx.Tx.RangeScan(lo, hi)
	defer it.Close()
	count := 0
	for it.Next() {
		count++
		if count%poisonStride == 0 {
			if err := ev.ctx.Poison.Check(); err != nil {
				return false, err
			}
		}
		full, err := tuple.DecodeRow(it.Key(), it.Val())
		if err != nil {
			return false, err
		}
		match := true
		for i := numPrefix; i < len(step.ArgSlots); i++ {
			slot := step.ArgSlots[i]
			if slot < 0 || !step.BoundBefore[i] {
				continue
			}
			if i >= len(full) || full[i].Compare(row[slot]) != 0 {
				match = false
				break
			}
		}
		if match {
			return true, nil
		}
	}
	return false, it.Err()
}

// evalNormalAggr evaluates a rule set with at least one non-meet
// aggregate: one pass over each clause accumulating per-group folds,
// then finalize.
func (ev *evaluator) evalNormalAggr(set *compile.CompiledRuleSet) error {
	type group struct {
		key  tuple.Tuple
		accs []aggr.Accumulator
	}
	groups := map[string]*group{}
	store := ev.stores[set.Name]

	for _, cr := range set.Rules {
		row := make([]value.Value, cr.NumSlots)
		env := &expr.Env{Row: row, Slots: cr.SlotOf, Params: ev.ctx.Params}
		sink := func() error {
			out := make(tuple.Tuple, len(cr.OutSlots))
			for i, s := range cr.OutSlots {
				out[i] = row[s]
			}
			keyT := make(tuple.Tuple, 0, len(set.GroupCols))
			var keyB []byte
			for _, c := range set.GroupCols {
				keyT = append(keyT, out[c])
				keyB = value.EncodeKey(keyB, out[c])
			}
			g, ok := groups[string(keyB)]
			if !ok {
				g = &group{key: out.Clone(), accs: make([]aggr.Accumulator, set.Arity)}
				for _, c := range set.AggrCols {
					def, _ := aggr.Lookup(set.Aggrs[c].Name)
					if def.IsMeet {
						// A meet aggregate mixed with normal ones folds
						// via a tiny adapter.
						g.accs[c] = &meetAdapter{def: def}
					} else {
						g.accs[c] = def.New(set.Aggrs[c].Args)
					}
				}
				groups[string(keyB)] = g
			}
			for _, c := range set.AggrCols {
				if err := g.accs[c].Step(out[c]); err != nil {
					return err
				}
			}
			return nil
		}
		if err := ev.walkClause(cr, env, row, -1, sink); err != nil {
			return err
		}
	}

	for _, g := range groups {
		out := g.key.Clone()
		for _, c := range set.AggrCols {
			v, err := g.accs[c].Finalize()
			if err != nil {
				return err
			}
			out[c] = v
		}
		if _, err := store.put(out); err != nil {
			return err
		}
	}
	return nil
}

// meetAdapter folds a meet aggregate in accumulator form for mixed
// signatures.
type meetAdapter struct {
	def *aggr.Aggregation
	acc value.Value
	any bool
}

func (m *meetAdapter) Step(v value.Value) error {
	if !m.any {
		a, err := m.def.Init(v)
		if err != nil {
			return err
		}
		m.acc, m.any = a, true
		return nil
	}
	contrib, err := m.def.Init(v)
	if err != nil {
		return err
	}
	a, _, err := m.def.Combine(m.acc, contrib)
	if err != nil {
		return err
	}
	m.acc = a
	return nil
}

func (m *meetAdapter) Finalize() (value.Value, error) {
	if !m.any {
		return value.Null, nil
	}
	return m.acc, nil
}

// runFixed materializes one fixed-rule application into its store.
func (ev *evaluator) runFixed(name string, fa *program.FixedApply) error {
	if ev.ctx.Fixed == nil {
		return kerr.Newf(kerr.Schema, "eval::no_fixed_runner",
			"fixed rule %s cannot run without a registry", fa.Algo).WithSpan(fa.Span)
	}
	store := newRuleStore(&compile.CompiledRuleSet{Name: name, Arity: fa.Arity}, nil)
	ev.stores[name] = store

	inputs := make([]FixedInput, len(fa.Inputs))
	for i, in := range fa.Inputs {
		switch {
		case in.RuleName != "":
			src, ok := ev.stores[in.RuleName]
			if !ok {
				return kerr.Newf(kerr.Schema, "compile::unknown_rule",
					"fixed rule input %s is not defined", in.RuleName).WithSpan(in.Span)
			}
			inputs[i] = &storeInput{view: src.view(false), poison: ev.ctx.Poison}
		default:
			meta, err := ev.ctx.Snap.Must(in.Relation)
			if err != nil {
				return withSpan(err, in.Span)
			}
			inputs[i] = &relInput{ev: ev, meta: meta}
		}
	}

	out := func(t tuple.Tuple) error {
		if len(t) != fa.Arity {
			return kerr.Internalf("eval::fixed_arity",
				"fixed rule %s produced a row of arity %d, want %d", fa.Algo, len(t), fa.Arity)
		}
		_, err := store.put(t)
		return err
	}
	if err := ev.ctx.Fixed.Run(fa, inputs, out, ev.ctx.Poison, ev.ctx.Params); err != nil {
		return err
	}
	store.advance()
	return nil
}

// storeInput adapts a rule store for fixed-rule consumption.
type storeInput struct {
	view   storeView
	poison *Poison
}

func (s *storeInput) Iter(fn func(t tuple.Tuple) (bool, error)) error {
	return s.view.prefixIter(nil, s.poison, fn)
}

func (s *storeInput) PrefixIter(prefix tuple.Tuple, fn func(t tuple.Tuple) (bool, error)) error {
	return s.view.prefixIter(prefix, s.poison, fn)
}

// relInput adapts a stored relation for fixed-rule consumption.
type relInput struct {
	ev   *evaluator
	meta *catalog.RelationMeta
}

func (r *relInput) Iter(fn func(t tuple.Tuple) (bool, error)) error {
	return r.PrefixIter(nil, fn)
}

func (r *relInput) PrefixIter(prefix tuple.Tuple, fn func(t tuple.Tuple) (bool, error)) error {
	lo, hi := tuple.ScanBounds(r.meta.Id, prefix)
	it := r.ev.ctx.Tx.RangeScan(lo, hi)
	defer it.Close()
	count := 0
	for it.Next() {
		count++
		if count%poisonStride == 0 {
			if err := r.ev.ctx.Poison.Check(); err != nil {
				return err
			}
		}
		full, err := tuple.DecodeRow(it.Key(), it.Val())
		if err != nil {
			return err
		}
		cont, err := fn(full)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return it.Err()
}

func withSpan(err error, span kerr.Span) error {
	if ee, ok := err.(*kerr.Error); ok && !ee.Span.Valid() {
		return ee.WithSpan(span)
	}
	return err
}
