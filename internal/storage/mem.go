// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"bytes"
	"sync"

	"github.com/google/btree"

	kerr "github.com/kraklabs/krakdb/internal/errors"
)

type kvItem struct {
	k, v []byte
}

func kvLess(a, b kvItem) bool { return bytes.Compare(a.k, b.k) < 0 }

// Mem is the in-memory backend. Snapshots are cheap: the btree is cloned
// copy-on-write at transaction start, so readers never see writer
// progress. A single writer mutex serializes write transactions, which
// also gives the forUpdate guarantee for free.
type Mem struct {
	mu      sync.RWMutex // guards tree pointer swap
	writeMu sync.Mutex   // held by the active write transaction
	tree    *btree.BTreeG[kvItem]
}

// NewMem creates an empty in-memory backend.
func NewMem() *Mem {
	return &Mem{tree: btree.NewG[kvItem](32, kvLess)}
}

func (m *Mem) Kind() string { return "mem" }

func (m *Mem) Transact(write bool) (StoreTx, error) {
	if write {
		m.writeMu.Lock()
	}
	m.mu.RLock()
	snap := m.tree.Clone()
	m.mu.RUnlock()
	return &memTx{store: m, tree: snap, write: write}, nil
}

func (m *Mem) RangeCompact(lo, hi []byte) error { return nil }

func (m *Mem) Close() error { return nil }

// BatchPut loads pairs outside any transaction, serialized with writers.
func (m *Mem) BatchPut(pairs func(yield func(k, v []byte) bool)) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	pairs(func(k, v []byte) bool {
		m.tree.ReplaceOrInsert(kvItem{k: append([]byte(nil), k...), v: append([]byte(nil), v...)})
		return true
	})
	return nil
}

type memTx struct {
	store *Mem
	tree  *btree.BTreeG[kvItem]
	write bool
	done  bool
}

func (t *memTx) Get(key []byte, forUpdate bool) ([]byte, error) {
	if it, ok := t.tree.Get(kvItem{k: key}); ok {
		return it.v, nil
	}
	return nil, nil
}

func (t *memTx) Exists(key []byte, forUpdate bool) (bool, error) {
	_, ok := t.tree.Get(kvItem{k: key})
	return ok, nil
}

func (t *memTx) Put(key, val []byte) error {
	if !t.write {
		return kerr.New(kerr.Storage, "storage::read_only", "put on a read transaction")
	}
	t.tree.ReplaceOrInsert(kvItem{
		k: append([]byte(nil), key...),
		v: append([]byte(nil), val...),
	})
	return nil
}

func (t *memTx) Del(key []byte) error {
	if !t.write {
		return kerr.New(kerr.Storage, "storage::read_only", "del on a read transaction")
	}
	t.tree.Delete(kvItem{k: key})
	return nil
}

func (t *memTx) RangeScan(lo, hi []byte) Iterator {
	return &memIter{tree: t.tree, next: append([]byte(nil), lo...), hi: hi}
}

func (t *memTx) RangeCount(lo, hi []byte) (int, error) {
	n := 0
	t.tree.AscendGreaterOrEqual(kvItem{k: lo}, func(it kvItem) bool {
		if bytes.Compare(it.k, hi) >= 0 {
			return false
		}
		n++
		return true
	})
	return n, nil
}

func (t *memTx) TotalScan() Iterator {
	return &memIter{tree: t.tree, next: []byte{}, hi: nil}
}

func (t *memTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.write {
		t.store.mu.Lock()
		t.store.tree = t.tree
		t.store.mu.Unlock()
		t.store.writeMu.Unlock()
	}
	return nil
}

func (t *memTx) Discard() {
	if t.done {
		return
	}
	t.done = true
	if t.write {
		t.store.writeMu.Unlock()
	}
}

// memIter walks by repeated seek so that it stays valid while its own
// transaction keeps writing.
type memIter struct {
	tree *btree.BTreeG[kvItem]
	next []byte
	hi   []byte
	k, v []byte
}

func (it *memIter) Next() bool {
	if it.next == nil {
		return false
	}
	found := false
	it.tree.AscendGreaterOrEqual(kvItem{k: it.next}, func(item kvItem) bool {
		if it.hi != nil && bytes.Compare(item.k, it.hi) >= 0 {
			return false
		}
		it.k, it.v = item.k, item.v
		found = true
		return false
	})
	if !found {
		it.next = nil
		return false
	}
	it.next = append(append(it.next[:0], it.k...), 0x00)
	return true
}

func (it *memIter) Key() []byte { return it.k }
func (it *memIter) Val() []byte { return it.v }
func (it *memIter) Err() error  { return nil }
func (it *memIter) Close()      {}
