// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package eval

import (
	"github.com/tidwall/btree"

	"github.com/kraklabs/krakdb/internal/aggr"
	"github.com/kraklabs/krakdb/internal/compile"
	"github.com/kraklabs/krakdb/internal/tuple"
	"github.com/kraklabs/krakdb/internal/value"
)

// ruleStore is the epoch store of one rule inside a fixed point: the
// stable relation plus the delta of the last round and the next delta
// being built. Meet-aggregated stores key rows by the group columns and
// combine in place.
type ruleStore struct {
	set *compile.CompiledRuleSet // nil for fixed-rule outputs

	less      func(a, b tuple.Tuple) bool
	stable    *btree.BTreeG[tuple.Tuple]
	delta     *btree.BTreeG[tuple.Tuple]
	nextDelta *btree.BTreeG[tuple.Tuple]

	// Meet aggregation state.
	groupCols []int
	meets     []*aggr.Aggregation // per head column, nil when plain
}

func fullLess(a, b tuple.Tuple) bool { return a.Compare(b) < 0 }

func newRuleStore(set *compile.CompiledRuleSet, meets []*aggr.Aggregation) *ruleStore {
	s := &ruleStore{set: set, meets: meets}
	less := fullLess
	if meets != nil {
		s.groupCols = set.GroupCols
		at := func(t tuple.Tuple, i int) value.Value {
			if i >= len(t) {
				return value.Bot
			}
			return t[i]
		}
		less = func(a, b tuple.Tuple) bool {
			for _, c := range s.groupCols {
				if cmp := at(a, c).Compare(at(b, c)); cmp != 0 {
					return cmp < 0
				}
			}
			return false
		}
	}
	s.less = less
	s.stable = btree.NewBTreeG[tuple.Tuple](less)
	s.delta = btree.NewBTreeG[tuple.Tuple](less)
	s.nextDelta = btree.NewBTreeG[tuple.Tuple](less)
	return s
}

// put merges a derived tuple. It reports whether anything changed; the
// changed row also lands in the next delta.
func (s *ruleStore) put(t tuple.Tuple) (bool, error) {
	if s.meets == nil {
		if _, dup := s.stable.Get(t); dup {
			return false, nil
		}
		s.stable.Set(t)
		s.nextDelta.Set(t)
		return true, nil
	}
	old, exists := s.stable.Get(t)
	if !exists {
		init := t.Clone()
		for col, m := range s.meets {
			if m == nil {
				continue
			}
			v, err := m.Init(t[col])
			if err != nil {
				return false, err
			}
			init[col] = v
		}
		s.stable.Set(init)
		s.nextDelta.Set(init)
		return true, nil
	}
	changed := false
	merged := old.Clone()
	for col, m := range s.meets {
		if m == nil {
			continue
		}
		contrib, err := m.Init(t[col])
		if err != nil {
			return false, err
		}
		v, ch, err := m.Combine(merged[col], contrib)
		if err != nil {
			return false, err
		}
		if ch {
			merged[col] = v
			changed = true
		}
	}
	if changed {
		s.stable.Set(merged)
		s.nextDelta.Set(merged)
	}
	return changed, nil
}

// advance swaps the delta buffers and reports whether the fixed point
// still has work.
func (s *ruleStore) advance() bool {
	s.delta = s.nextDelta
	s.nextDelta = btree.NewBTreeG[tuple.Tuple](s.less)
	return s.delta.Len() > 0
}

// view selects the readable side of the store. Grouped (meet) stores are
// keyed by group columns, so positional prefix seeks do not apply and
// the view filters a full scan instead.
type storeView struct {
	tree    *btree.BTreeG[tuple.Tuple]
	grouped bool
}

func (s *ruleStore) view(delta bool) storeView {
	t := s.delta
	if !delta {
		// put writes stable while a scan of it may be open on the same
		// goroutine; scanning a copy-on-write snapshot keeps the tree's
		// write lock from waiting on that scan's read lock.
		t = s.stable.Copy()
	}
	return storeView{tree: t, grouped: s.meets != nil}
}

// prefixIter walks tuples starting with prefix, calling fn until it
// returns false or errors.
func (v storeView) prefixIter(prefix tuple.Tuple, poison *Poison, fn func(t tuple.Tuple) (bool, error)) error {
	var iterErr error
	count := 0
	visit := func(t tuple.Tuple) bool {
		count++
		if count%poisonStride == 0 {
			if err := poison.Check(); err != nil {
				iterErr = err
				return false
			}
		}
		for i, pv := range prefix {
			if i >= len(t) || t[i].Compare(pv) != 0 {
				if v.grouped {
					return true // no seek order guarantee, keep scanning
				}
				return false
			}
		}
		cont, err := fn(t)
		if err != nil {
			iterErr = err
			return false
		}
		return cont
	}
	if v.grouped {
		v.tree.Scan(visit)
	} else {
		v.tree.Ascend(prefix, visit)
	}
	return iterErr
}

// poisonStride bounds the work between poison checks in tight loops.
const poisonStride = 64

// contains reports whether any tuple matches prefix plus the bound
// positions in pattern (nil entries are wildcards).
func (v storeView) contains(prefix tuple.Tuple, pattern []*tupleSlot, poison *Poison) (bool, error) {
	found := false
	err := v.prefixIter(prefix, poison, func(t tuple.Tuple) (bool, error) {
		for _, p := range pattern {
			if p == nil {
				continue
			}
			if p.pos >= len(t) || t[p.pos].Compare(p.val) != 0 {
				return true, nil // keep scanning
			}
		}
		found = true
		return false, nil
	})
	return found, err
}

// tupleSlot pins one non-prefix position of an existence probe to a
// concrete value.
type tupleSlot struct {
	pos int
	val value.Value
}
