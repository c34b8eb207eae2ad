// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package krakdb

import (
	"github.com/kraklabs/krakdb/internal/catalog"
	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/runtime"
	"github.com/kraklabs/krakdb/internal/tuple"
	"github.com/kraklabs/krakdb/internal/value"
)

// FtsSearch returns the key columns of rows matching every token of
// query under a full-text index.
func (db *Db) FtsSearch(relation, index, query string) (NamedRows, error) {
	meta, ix, err := db.index(relation, index, catalog.IndexFTS)
	if err != nil {
		return NamedRows{}, err
	}
	tx, err := db.eng.Storage().Transact(false)
	if err != nil {
		return NamedRows{}, err
	}
	defer tx.Discard()
	keys, err := runtime.FtsSearch(tx, meta, ix, query)
	if err != nil {
		return NamedRows{}, err
	}
	return keyRows(meta, keys), nil
}

// KnnSearch returns the k nearest rows of an HNSW-indexed vector
// column, with the distance appended as the last column.
func (db *Db) KnnSearch(relation, index string, vector []float64, k int) (NamedRows, error) {
	meta, ix, err := db.index(relation, index, catalog.IndexHNSW)
	if err != nil {
		return NamedRows{}, err
	}
	tx, err := db.eng.Storage().Transact(false)
	if err != nil {
		return NamedRows{}, err
	}
	defer tx.Discard()
	keys, dists, err := runtime.KnnSearch(tx, ix, value.Vector{F64: vector}, k)
	if err != nil {
		return NamedRows{}, err
	}
	out := keyRows(meta, keys)
	out.Headers = append(out.Headers, "distance")
	for i := range out.Rows {
		out.Rows[i] = append(out.Rows[i], dists[i])
	}
	return out, nil
}

// LshCandidates returns the rows sharing at least one MinHash band with
// the query text under an LSH index.
func (db *Db) LshCandidates(relation, index, text string) (NamedRows, error) {
	meta, ix, err := db.index(relation, index, catalog.IndexLSH)
	if err != nil {
		return NamedRows{}, err
	}
	tx, err := db.eng.Storage().Transact(false)
	if err != nil {
		return NamedRows{}, err
	}
	defer tx.Discard()
	keys, err := runtime.LshCandidates(tx, ix, text)
	if err != nil {
		return NamedRows{}, err
	}
	return keyRows(meta, keys), nil
}

func (db *Db) index(relation, index string, kind catalog.IndexKind) (*catalog.RelationMeta, *catalog.IndexDef, error) {
	meta, err := db.eng.Catalog().Must(relation)
	if err != nil {
		return nil, nil, err
	}
	ix, ok := meta.FindIndex(index)
	if !ok {
		return nil, nil, kerr.Newf(kerr.NotFound, "schema::unknown_index",
			"index %s does not exist on %s", index, relation)
	}
	if ix.Kind != kind {
		return nil, nil, kerr.Newf(kerr.Schema, "schema::wrong_index_kind",
			"index %s on %s is a %s index", index, relation, ix.Kind)
	}
	return meta, ix, nil
}

func keyRows(meta *catalog.RelationMeta, keys []tuple.Tuple) NamedRows {
	headers := make([]string, len(meta.Keys))
	for i, c := range meta.Keys {
		headers[i] = c.Name
	}
	return NamedRows{Headers: headers, Rows: tuplesToWire(keys)}
}
