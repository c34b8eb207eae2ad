// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"github.com/tidwall/btree"
)

// Temp backs temporary relations inside one query execution. It opts out
// of row-level locking (a query is single-threaded over its temp data)
// but keeps the ordering and own-writes semantics of the contract. It is
// discarded wholesale when the query finishes or is cancelled.
type Temp struct {
	m *btree.Map[string, []byte]
}

// NewTemp creates an empty temp store.
func NewTemp() *Temp {
	return &Temp{m: btree.NewMap[string, []byte](32)}
}

func (s *Temp) Kind() string { return "temp" }

// Transact hands out a view on the shared tree. Temp transactions are not
// isolated from each other; the evaluator never runs two concurrently.
func (s *Temp) Transact(write bool) (StoreTx, error) {
	return &tempTx{m: s.m}, nil
}

func (s *Temp) RangeCompact(lo, hi []byte) error { return nil }

func (s *Temp) Close() error {
	s.m.Clear()
	return nil
}

type tempTx struct {
	m *btree.Map[string, []byte]
}

func (t *tempTx) Get(key []byte, forUpdate bool) ([]byte, error) {
	if v, ok := t.m.Get(string(key)); ok {
		return v, nil
	}
	return nil, nil
}

func (t *tempTx) Exists(key []byte, forUpdate bool) (bool, error) {
	_, ok := t.m.Get(string(key))
	return ok, nil
}

func (t *tempTx) Put(key, val []byte) error {
	t.m.Set(string(key), append([]byte(nil), val...))
	return nil
}

func (t *tempTx) Del(key []byte) error {
	t.m.Delete(string(key))
	return nil
}

func (t *tempTx) RangeScan(lo, hi []byte) Iterator {
	return &tempIter{m: t.m, next: string(lo), hi: string(hi), bounded: true}
}

func (t *tempTx) RangeCount(lo, hi []byte) (int, error) {
	n := 0
	t.m.Ascend(string(lo), func(k string, _ []byte) bool {
		if k >= string(hi) {
			return false
		}
		n++
		return true
	})
	return n, nil
}

func (t *tempTx) TotalScan() Iterator {
	return &tempIter{m: t.m}
}

func (t *tempTx) Commit() error { return nil }
func (t *tempTx) Discard()      {}

// tempIter seeks afresh on every step, staying valid across interleaved
// writes to the same tree.
type tempIter struct {
	m       *btree.Map[string, []byte]
	next    string
	hi      string
	bounded bool
	exhaust bool
	k       string
	v       []byte
}

func (it *tempIter) Next() bool {
	if it.exhaust {
		return false
	}
	found := false
	it.m.Ascend(it.next, func(k string, v []byte) bool {
		if it.bounded && k >= it.hi {
			return false
		}
		it.k, it.v = k, v
		found = true
		return false
	})
	if !found {
		it.exhaust = true
		return false
	}
	it.next = it.k + "\x00"
	return true
}

func (it *tempIter) Key() []byte { return []byte(it.k) }
func (it *tempIter) Val() []byte { return it.v }
func (it *tempIter) Err() error  { return nil }
func (it *tempIter) Close()      {}
