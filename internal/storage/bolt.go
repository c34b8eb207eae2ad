// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"bytes"
	"os"

	bolt "go.etcd.io/bbolt"

	kerr "github.com/kraklabs/krakdb/internal/errors"
)

var boltBucket = []byte("krakdb")

// Bolt is the single-file persistent backend. bbolt gives serializable
// single-writer transactions and ordered cursors, which covers the whole
// StoreTx contract directly; forUpdate needs nothing extra because the
// write transaction holds the database lock for its lifetime.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, kerr.New(kerr.Storage, "storage::open", "cannot open database file").Wrap(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, kerr.New(kerr.Storage, "storage::open", "cannot create root bucket").Wrap(err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Kind() string { return "bolt" }

func (b *Bolt) Transact(write bool) (StoreTx, error) {
	tx, err := b.db.Begin(write)
	if err != nil {
		return nil, kerr.New(kerr.Storage, "storage::begin", "cannot begin transaction").Wrap(err)
	}
	return &boltTx{tx: tx, bucket: tx.Bucket(boltBucket), write: write}, nil
}

func (b *Bolt) RangeCompact(lo, hi []byte) error {
	// bbolt reclaims pages internally; nothing to do per range.
	return nil
}

func (b *Bolt) Close() error { return b.db.Close() }

// BatchPut bulk-loads in one write transaction.
func (b *Bolt) BatchPut(pairs func(yield func(k, v []byte) bool)) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(boltBucket)
		var err error
		pairs(func(k, v []byte) bool {
			err = bk.Put(k, v)
			return err == nil
		})
		return err
	})
}

// Path returns the backing file path.
func (b *Bolt) Path() string { return b.db.Path() }

// FileSize returns the current database file size, for diagnostics.
func (b *Bolt) FileSize() (int64, error) {
	st, err := os.Stat(b.db.Path())
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

type boltTx struct {
	tx     *bolt.Tx
	bucket *bolt.Bucket
	write  bool
	done   bool
}

func (t *boltTx) Get(key []byte, forUpdate bool) ([]byte, error) {
	v := t.bucket.Get(key)
	if v == nil {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (t *boltTx) Exists(key []byte, forUpdate bool) (bool, error) {
	return t.bucket.Get(key) != nil, nil
}

func (t *boltTx) Put(key, val []byte) error {
	if !t.write {
		return kerr.New(kerr.Storage, "storage::read_only", "put on a read transaction")
	}
	if err := t.bucket.Put(key, val); err != nil {
		return kerr.New(kerr.Storage, "storage::put", "put failed").Wrap(err)
	}
	return nil
}

func (t *boltTx) Del(key []byte) error {
	if !t.write {
		return kerr.New(kerr.Storage, "storage::read_only", "del on a read transaction")
	}
	if err := t.bucket.Delete(key); err != nil {
		return kerr.New(kerr.Storage, "storage::del", "delete failed").Wrap(err)
	}
	return nil
}

func (t *boltTx) RangeScan(lo, hi []byte) Iterator {
	return &boltIter{cur: t.bucket.Cursor(), lo: lo, hi: hi}
}

func (t *boltTx) RangeCount(lo, hi []byte) (int, error) {
	n := 0
	c := t.bucket.Cursor()
	for k, _ := c.Seek(lo); k != nil; k, _ = c.Next() {
		if hi != nil && bytes.Compare(k, hi) >= 0 {
			break
		}
		n++
	}
	return n, nil
}

func (t *boltTx) TotalScan() Iterator {
	return &boltIter{cur: t.bucket.Cursor(), lo: nil, hi: nil}
}

func (t *boltTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.write {
		if err := t.tx.Commit(); err != nil {
			return kerr.New(kerr.Storage, "storage::commit", "commit failed").Wrap(err)
		}
		return nil
	}
	return t.tx.Rollback()
}

func (t *boltTx) Discard() {
	if t.done {
		return
	}
	t.done = true
	_ = t.tx.Rollback()
}

type boltIter struct {
	cur     *bolt.Cursor
	lo, hi  []byte
	started bool
	k, v    []byte
}

func (it *boltIter) Next() bool {
	var k, v []byte
	if !it.started {
		it.started = true
		if it.lo == nil {
			k, v = it.cur.First()
		} else {
			k, v = it.cur.Seek(it.lo)
		}
	} else {
		k, v = it.cur.Next()
	}
	if k == nil || (it.hi != nil && bytes.Compare(k, it.hi) >= 0) {
		it.k, it.v = nil, nil
		return false
	}
	// bbolt memory is only valid for the transaction; copy defensively so
	// tuples can outlive the cursor position.
	it.k = append([]byte(nil), k...)
	it.v = append([]byte(nil), v...)
	return true
}

func (it *boltIter) Key() []byte { return it.k }
func (it *boltIter) Val() []byte { return it.v }
func (it *boltIter) Err() error  { return nil }
func (it *boltIter) Close()      {}
