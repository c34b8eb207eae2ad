// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package aggr implements the closed aggregate catalog. An aggregate is
// either normal (collect everything, fold at the end) or meet (an
// idempotent, commutative, associative semilattice step applied in place
// during the fixed point, which is what lets recursion through it
// terminate).
package aggr

import (
	"sort"

	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/value"
)

// Accumulator folds contributing values of one group for a normal
// aggregate.
type Accumulator interface {
	Step(v value.Value) error
	Finalize() (value.Value, error)
}

// Aggregation is one catalog entry.
type Aggregation struct {
	Name   string
	IsMeet bool

	// New creates an accumulator (normal aggregates).
	New func(args []value.Value) Accumulator

	// Combine merges a contributing value into the running value and
	// reports whether it changed (meet aggregates). The first
	// contribution of a group is installed via Init.
	Combine func(acc, cur value.Value) (value.Value, bool, error)
	Init    func(cur value.Value) (value.Value, error)
}

var catalog = map[string]*Aggregation{}

func register(a *Aggregation) { catalog[a.Name] = a }

// Lookup resolves an aggregate by name.
func Lookup(name string) (*Aggregation, bool) {
	a, ok := catalog[name]
	return a, ok
}

func init() {
	register(&Aggregation{Name: "min", IsMeet: true, Init: idInit, Combine: combineMin})
	register(&Aggregation{Name: "max", IsMeet: true, Init: idInit, Combine: combineMax})
	register(&Aggregation{Name: "and", IsMeet: true, Init: boolInit, Combine: combineAnd})
	register(&Aggregation{Name: "or", IsMeet: true, Init: boolInit, Combine: combineOr})
	register(&Aggregation{Name: "choice", IsMeet: true, Init: idInit, Combine: combineChoice})
	register(&Aggregation{Name: "union", IsMeet: true, Init: setInit, Combine: combineUnion})
	register(&Aggregation{Name: "intersection", IsMeet: true, Init: setInit, Combine: combineIntersection})

	register(&Aggregation{Name: "count", New: func([]value.Value) Accumulator { return &countAcc{} }})
	register(&Aggregation{Name: "count_unique", New: func([]value.Value) Accumulator { return &countUniqueAcc{} }})
	register(&Aggregation{Name: "sum", New: func([]value.Value) Accumulator { return &sumAcc{isInt: true} }})
	register(&Aggregation{Name: "mean", New: func([]value.Value) Accumulator { return &meanAcc{} }})
	register(&Aggregation{Name: "collect", New: func([]value.Value) Accumulator { return &collectAcc{} }})
	register(&Aggregation{Name: "unique", New: func([]value.Value) Accumulator { return &uniqueAcc{} }})
	register(&Aggregation{Name: "group_count", New: func([]value.Value) Accumulator { return &groupCountAcc{} }})
}

func idInit(cur value.Value) (value.Value, error) { return cur, nil }

func boolInit(cur value.Value) (value.Value, error) {
	if _, ok := cur.AsBool(); !ok {
		return value.Null, kerr.Newf(kerr.Runtime, "aggr::not_bool",
			"boolean aggregate got %s", cur)
	}
	return cur, nil
}

func setInit(cur value.Value) (value.Value, error) {
	if l, ok := cur.AsList(); ok {
		return value.Set(l), nil
	}
	return value.Null, kerr.Newf(kerr.Runtime, "aggr::not_list",
		"set aggregate got %s", cur)
}

func combineMin(acc, cur value.Value) (value.Value, bool, error) {
	if cur.Compare(acc) < 0 {
		return cur, true, nil
	}
	return acc, false, nil
}

func combineMax(acc, cur value.Value) (value.Value, bool, error) {
	if cur.Compare(acc) > 0 {
		return cur, true, nil
	}
	return acc, false, nil
}

func combineAnd(acc, cur value.Value) (value.Value, bool, error) {
	a, okA := acc.AsBool()
	b, okB := cur.AsBool()
	if !okA || !okB {
		return value.Null, false, kerr.Newf(kerr.Runtime, "aggr::not_bool",
			"boolean aggregate got %s", cur)
	}
	out := a && b
	return value.Bool(out), out != a, nil
}

func combineOr(acc, cur value.Value) (value.Value, bool, error) {
	a, okA := acc.AsBool()
	b, okB := cur.AsBool()
	if !okA || !okB {
		return value.Null, false, kerr.Newf(kerr.Runtime, "aggr::not_bool",
			"boolean aggregate got %s", cur)
	}
	out := a || b
	return value.Bool(out), out != a, nil
}

// combineChoice keeps the smallest contribution, making the choice
// deterministic and the step commutative.
func combineChoice(acc, cur value.Value) (value.Value, bool, error) {
	return combineMin(acc, cur)
}

func combineUnion(acc, cur value.Value) (value.Value, bool, error) {
	al, _ := acc.AsList()
	cl, ok := cur.AsList()
	if !ok {
		return value.Null, false, kerr.Newf(kerr.Runtime, "aggr::not_list",
			"union aggregate got %s", cur)
	}
	merged := value.Set(append(append([]value.Value(nil), al...), cl...))
	return merged, merged.Compare(acc) != 0, nil
}

func combineIntersection(acc, cur value.Value) (value.Value, bool, error) {
	al, _ := acc.AsList()
	cl, ok := cur.AsList()
	if !ok {
		return value.Null, false, kerr.Newf(kerr.Runtime, "aggr::not_list",
			"intersection aggregate got %s", cur)
	}
	var kept []value.Value
	for _, a := range al {
		for _, c := range cl {
			if a.Compare(c) == 0 {
				kept = append(kept, a)
				break
			}
		}
	}
	merged := value.Set(kept)
	return merged, merged.Compare(acc) != 0, nil
}

type countAcc struct{ n int64 }

func (a *countAcc) Step(value.Value) error { a.n++; return nil }
func (a *countAcc) Finalize() (value.Value, error) {
	return value.Int(a.n), nil
}

type countUniqueAcc struct{ seen []value.Value }

func (a *countUniqueAcc) Step(v value.Value) error {
	for _, s := range a.seen {
		if s.Compare(v) == 0 {
			return nil
		}
	}
	a.seen = append(a.seen, v)
	return nil
}

func (a *countUniqueAcc) Finalize() (value.Value, error) {
	return value.Int(int64(len(a.seen))), nil
}

type sumAcc struct {
	isInt bool
	i     int64
	f     float64
}

func (a *sumAcc) Step(v value.Value) error {
	if i, ok := v.AsInt(); ok {
		a.i += i
		a.f += float64(i)
		return nil
	}
	f, ok := v.AsFloat()
	if !ok {
		return kerr.Newf(kerr.Runtime, "aggr::not_number", "sum got %s", v)
	}
	a.isInt = false
	a.f += f
	return nil
}

func (a *sumAcc) Finalize() (value.Value, error) {
	if a.isInt {
		return value.Int(a.i), nil
	}
	return value.Float(a.f), nil
}

type meanAcc struct {
	total float64
	n     int64
}

func (a *meanAcc) Step(v value.Value) error {
	f, ok := v.AsFloat()
	if !ok {
		return kerr.Newf(kerr.Runtime, "aggr::not_number", "mean got %s", v)
	}
	a.total += f
	a.n++
	return nil
}

func (a *meanAcc) Finalize() (value.Value, error) {
	if a.n == 0 {
		return value.Float(0), nil
	}
	return value.Float(a.total / float64(a.n)), nil
}

type collectAcc struct{ vals []value.Value }

func (a *collectAcc) Step(v value.Value) error {
	a.vals = append(a.vals, v)
	return nil
}

func (a *collectAcc) Finalize() (value.Value, error) {
	return value.List(a.vals), nil
}

type uniqueAcc struct{ vals []value.Value }

func (a *uniqueAcc) Step(v value.Value) error {
	a.vals = append(a.vals, v)
	return nil
}

func (a *uniqueAcc) Finalize() (value.Value, error) {
	return value.Set(a.vals), nil
}

// groupCountAcc counts occurrences per distinct value and finalizes as a
// sorted list of [value, count] pairs.
type groupCountAcc struct {
	keys   []value.Value
	counts []int64
}

func (a *groupCountAcc) Step(v value.Value) error {
	for i, k := range a.keys {
		if k.Compare(v) == 0 {
			a.counts[i]++
			return nil
		}
	}
	a.keys = append(a.keys, v)
	a.counts = append(a.counts, 1)
	return nil
}

func (a *groupCountAcc) Finalize() (value.Value, error) {
	idx := make([]int, len(a.keys))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(x, y int) bool {
		return a.keys[idx[x]].Compare(a.keys[idx[y]]) < 0
	})
	out := make([]value.Value, len(idx))
	for i, j := range idx {
		out[i] = value.List([]value.Value{a.keys[j], value.Int(a.counts[j])})
	}
	return value.List(out), nil
}
