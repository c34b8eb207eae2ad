// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Storage {
	t.Helper()
	bolt, err := OpenBolt(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })
	return map[string]Storage{
		"mem":  NewMem(),
		"bolt": bolt,
		"temp": NewTemp(),
	}
}

func TestPutGetDel(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			tx, err := s.Transact(true)
			require.NoError(t, err)
			require.NoError(t, tx.Put([]byte("a"), []byte("1")))
			require.NoError(t, tx.Put([]byte("b"), []byte("2")))

			// Own writes are visible before commit.
			v, err := tx.Get([]byte("a"), false)
			require.NoError(t, err)
			require.Equal(t, []byte("1"), v)

			require.NoError(t, tx.Del([]byte("a")))
			ok, err := tx.Exists([]byte("a"), false)
			require.NoError(t, err)
			require.False(t, ok)
			require.NoError(t, tx.Commit())

			rd, err := s.Transact(false)
			require.NoError(t, err)
			defer rd.Discard()
			v, err = rd.Get([]byte("b"), false)
			require.NoError(t, err)
			require.Equal(t, []byte("2"), v)
		})
	}
}

func TestRangeScanOrderAndBounds(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			tx, err := s.Transact(true)
			require.NoError(t, err)
			for i := 9; i >= 0; i-- {
				require.NoError(t, tx.Put([]byte(fmt.Sprintf("k%d", i)), []byte{byte(i)}))
			}
			require.NoError(t, tx.Commit())

			rd, err := s.Transact(false)
			require.NoError(t, err)
			defer rd.Discard()

			// lo inclusive, hi exclusive, strictly ascending.
			it := rd.RangeScan([]byte("k2"), []byte("k7"))
			var got []string
			for it.Next() {
				got = append(got, string(it.Key()))
			}
			require.NoError(t, it.Err())
			require.Equal(t, []string{"k2", "k3", "k4", "k5", "k6"}, got)

			n, err := rd.RangeCount([]byte("k2"), []byte("k7"))
			require.NoError(t, err)
			require.Equal(t, 5, n)

			total := rd.TotalScan()
			count := 0
			prev := ""
			for total.Next() {
				require.Greater(t, string(total.Key()), prev)
				prev = string(total.Key())
				count++
			}
			require.Equal(t, 10, count)
		})
	}
}

func TestSnapshotIsolationMem(t *testing.T) {
	s := NewMem()
	tx, err := s.Transact(true)
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("x"), []byte("1")))
	require.NoError(t, tx.Commit())

	rd, err := s.Transact(false)
	require.NoError(t, err)
	defer rd.Discard()

	wr, err := s.Transact(true)
	require.NoError(t, err)
	require.NoError(t, wr.Put([]byte("x"), []byte("2")))
	require.NoError(t, wr.Commit())

	// The reader still sees its snapshot.
	v, err := rd.Get([]byte("x"), false)
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
}

func TestWriteDuringScan(t *testing.T) {
	// The evaluator writes into a temp relation it is scanning; the
	// iterator must not skip or double-deliver.
	s := NewTemp()
	tx, _ := s.Transact(true)
	require.NoError(t, tx.Put([]byte("a"), nil))
	require.NoError(t, tx.Put([]byte("c"), nil))
	it := tx.RangeScan([]byte("a"), []byte("z"))
	require.True(t, it.Next())
	require.Equal(t, "a", string(it.Key()))
	require.NoError(t, tx.Put([]byte("b"), nil))
	require.True(t, it.Next())
	require.Equal(t, "b", string(it.Key()))
	require.True(t, it.Next())
	require.Equal(t, "c", string(it.Key()))
	require.False(t, it.Next())
}

func TestBatchPut(t *testing.T) {
	for name, s := range backends(t) {
		bs, ok := s.(BatchStorage)
		if !ok {
			continue
		}
		t.Run(name, func(t *testing.T) {
			err := bs.BatchPut(func(yield func(k, v []byte) bool) {
				for i := 0; i < 5; i++ {
					if !yield([]byte{byte(i)}, []byte{byte(i * 2)}) {
						return
					}
				}
			})
			require.NoError(t, err)

			rd, err := s.Transact(false)
			require.NoError(t, err)
			defer rd.Discard()
			n, err := rd.RangeCount([]byte{0}, []byte{10})
			require.NoError(t, err)
			require.Equal(t, 5, n)
		})
	}
}

func TestDiscardDropsWrites(t *testing.T) {
	for name, s := range backends(t) {
		if name == "temp" {
			continue // temp has no isolation by design
		}
		t.Run(name, func(t *testing.T) {
			tx, err := s.Transact(true)
			require.NoError(t, err)
			require.NoError(t, tx.Put([]byte("gone"), []byte("x")))
			tx.Discard()

			rd, err := s.Transact(false)
			require.NoError(t, err)
			defer rd.Discard()
			ok, err := rd.Exists([]byte("gone"), false)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}
