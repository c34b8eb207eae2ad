// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"

	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/storage"
	"github.com/kraklabs/krakdb/internal/tuple"
	"github.com/kraklabs/krakdb/internal/value"
)

func newTestCatalog(t *testing.T) (*Catalog, storage.Storage) {
	t.Helper()
	store := storage.NewMem()
	cat, err := Load(store)
	require.NoError(t, err)
	return cat, store
}

func personMeta(id uint64) *RelationMeta {
	return &RelationMeta{
		Id:   tuple.RelationId(id),
		Name: "person",
		Keys: []ColumnDef{{Name: "id", Type: TyInt}},
		Deps: []ColumnDef{{Name: "name", Type: TyString}},
	}
}

func TestCreatePersistsAndReloads(t *testing.T) {
	cat, store := newTestCatalog(t)
	tx, err := store.Transact(true)
	require.NoError(t, err)
	publish, err := cat.Create(tx, personMeta(100), false)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	publish()

	// A snapshot sees the relation.
	snap := cat.Snapshot()
	m, ok := snap.Get("person")
	require.True(t, ok)
	require.Equal(t, 2, m.Arity())

	// A fresh catalog loaded from the same storage sees it too.
	cat2, err := Load(store)
	require.NoError(t, err)
	_, ok = cat2.Snapshot().Get("person")
	require.True(t, ok)
}

func TestSnapshotIsolation(t *testing.T) {
	cat, store := newTestCatalog(t)
	before := cat.Snapshot()

	tx, err := store.Transact(true)
	require.NoError(t, err)
	publish, err := cat.Create(tx, personMeta(100), false)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	publish()

	// The earlier snapshot never observes the schema change.
	_, ok := before.Get("person")
	require.False(t, ok)
	_, ok = cat.Snapshot().Get("person")
	require.True(t, ok)
	require.Greater(t, cat.Snapshot().Epoch, before.Epoch)
}

func TestDuplicateCreateRejected(t *testing.T) {
	cat, store := newTestCatalog(t)
	tx, _ := store.Transact(true)
	publish, err := cat.Create(tx, personMeta(100), false)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	publish()

	tx, _ = store.Transact(true)
	defer tx.Discard()
	_, err = cat.Create(tx, personMeta(101), false)
	require.Error(t, err)
	require.True(t, kerr.IsKind(err, kerr.Schema))
}

func TestValidateRelation(t *testing.T) {
	require.Error(t, ValidateRelation(&RelationMeta{Name: "", Keys: []ColumnDef{{Name: "k"}}}))
	require.Error(t, ValidateRelation(&RelationMeta{Name: "t"})) // no keys
	require.Error(t, ValidateRelation(&RelationMeta{
		Name: "t",
		Keys: []ColumnDef{{Name: "a"}, {Name: "a"}},
	}))
	// Validity must be the last key column.
	require.Error(t, ValidateRelation(&RelationMeta{
		Name: "t",
		Keys: []ColumnDef{{Name: "v", Type: TyValidity}, {Name: "k"}},
	}))
	require.NoError(t, ValidateRelation(&RelationMeta{
		Name: "t",
		Keys: []ColumnDef{{Name: "k"}, {Name: "v", Type: TyValidity}},
	}))
	// Validity cannot be a dependent.
	require.Error(t, ValidateRelation(&RelationMeta{
		Name: "t",
		Keys: []ColumnDef{{Name: "k"}},
		Deps: []ColumnDef{{Name: "v", Type: TyValidity}},
	}))
}

func TestValidateIndex(t *testing.T) {
	meta := personMeta(100)
	require.Error(t, ValidateIndex(meta, &IndexDef{Name: "x", Kind: IndexCovering}))
	require.Error(t, ValidateIndex(meta, &IndexDef{
		Name: "x", Kind: IndexCovering, Columns: []string{"nope"},
	}))
	require.NoError(t, ValidateIndex(meta, &IndexDef{
		Name: "x", Kind: IndexCovering, Columns: []string{"name"},
	}))
	require.Error(t, ValidateIndex(meta, &IndexDef{
		Name: "x", Kind: IndexHNSW, Columns: []string{"name"},
	}))
}

func TestCoerceColumn(t *testing.T) {
	col := &ColumnDef{Name: "v", Type: TyInt}
	_, err := col.Coerce(value.Str("nope"), 0)
	require.Error(t, err)
	require.True(t, kerr.IsKind(err, kerr.Schema))

	got, err := col.Coerce(value.Int(3), 0)
	require.NoError(t, err)
	require.Zero(t, got.Compare(value.Int(3)))

	_, err = col.Coerce(value.Null, 0)
	require.Error(t, err)
	nullable := &ColumnDef{Name: "v", Type: TyInt, Nullable: true}
	_, err = nullable.Coerce(value.Null, 0)
	require.NoError(t, err)

	vec := &ColumnDef{Name: "v", Type: TyVec}
	got, err = vec.Coerce(value.List([]value.Value{value.Float(1), value.Int(2)}), 0)
	require.NoError(t, err)
	require.Equal(t, value.KindVec, got.Kind())

	vld := &ColumnDef{Name: "v", Type: TyValidity}
	got, err = vld.Coerce(value.Str("ASSERT"), 77)
	require.NoError(t, err)
	vd, _ := got.AsValidity()
	require.Equal(t, int64(77), vd.Ts)
	require.True(t, vd.Assert)
}

func TestDropClearsRows(t *testing.T) {
	cat, store := newTestCatalog(t)
	tx, _ := store.Transact(true)
	meta := personMeta(100)
	publish, err := cat.Create(tx, meta, false)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	publish()

	tx, _ = store.Transact(true)
	publish, err = cat.Drop(tx, "person")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	publish()
	_, ok := cat.Snapshot().Get("person")
	require.False(t, ok)
}
