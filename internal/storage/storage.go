// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package storage defines the transactional ordered key-value contract the
// query engine runs against, and provides the built-in backends:
//
//   - "mem": google/btree with clone-on-write snapshots, fast and
//     non-persistent (good for testing)
//   - "bolt": bbolt single-file persistence
//   - temp: an unlocked tidwall/btree map backing temporary relations
//     inside a single query
//
// The ordering contract is the load-bearing part: iterators yield strictly
// increasing keys in byte order, lower bounds are inclusive and upper
// bounds exclusive. A read-write transaction observes its own writes;
// reads with forUpdate acquire whatever lock the backend needs to prevent
// write skew on the inspected keys.
package storage

import (
	kerr "github.com/kraklabs/krakdb/internal/errors"
)

// Storage is a factory of transactions over one ordered keyspace.
type Storage interface {
	// Kind names the backend ("mem", "bolt", "temp").
	Kind() string

	// Transact opens a transaction. Only one write transaction runs at a
	// time; readers are never blocked by it.
	Transact(write bool) (StoreTx, error)

	// RangeCompact hints the backend to reclaim space in [lo, hi). May be
	// a no-op.
	RangeCompact(lo, hi []byte) error

	// Close releases backend resources.
	Close() error
}

// BatchStorage is implemented by backends supporting an out-of-band bulk
// load that bypasses the transaction machinery. Import and restore do not
// use it; they write through an ordinary transaction.
type BatchStorage interface {
	BatchPut(pairs func(yield func(k, v []byte) bool)) error
}

// Iterator is a lazy cursor over raw pairs. Next advances and reports
// whether a pair is available; Err surfaces the first failure. The same
// scan can be restarted by re-issuing it with the same bounds.
type Iterator interface {
	Next() bool
	Key() []byte
	Val() []byte
	Err() error
	Close()
}

// StoreTx is one transaction. All reads observe a consistent snapshot
// taken at open, plus the transaction's own writes.
type StoreTx interface {
	// Get returns the value at key, or nil when absent. With forUpdate
	// the key is locked against concurrent writers until commit.
	Get(key []byte, forUpdate bool) ([]byte, error)

	// Exists reports key presence, honoring forUpdate like Get.
	Exists(key []byte, forUpdate bool) (bool, error)

	Put(key, val []byte) error
	Del(key []byte) error

	// RangeScan iterates pairs with lo <= key < hi in ascending order.
	RangeScan(lo, hi []byte) Iterator

	// RangeCount counts pairs in [lo, hi).
	RangeCount(lo, hi []byte) (int, error)

	// TotalScan iterates the whole keyspace.
	TotalScan() Iterator

	// Commit makes the writes durable. On a read transaction it is a
	// no-op release.
	Commit() error

	// Discard abandons the transaction. Safe after Commit.
	Discard()
}

// errIterator is an Iterator that fails immediately.
type errIterator struct{ err error }

func (e *errIterator) Next() bool  { return false }
func (e *errIterator) Key() []byte { return nil }
func (e *errIterator) Val() []byte { return nil }
func (e *errIterator) Err() error  { return e.err }
func (e *errIterator) Close()      {}

// ErrIter wraps err into an Iterator.
func ErrIter(err error) Iterator { return &errIterator{err: err} }

// Open constructs a backend by engine name. Path is ignored by "mem".
func Open(engine, path string) (Storage, error) {
	switch engine {
	case "mem", "":
		return NewMem(), nil
	case "bolt":
		return OpenBolt(path)
	}
	return nil, kerr.Newf(kerr.Storage, "storage::unknown_engine",
		"unknown storage engine %q (want mem or bolt)", engine)
}
