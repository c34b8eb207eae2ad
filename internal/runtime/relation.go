// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package runtime

import (
	"github.com/kraklabs/krakdb/internal/catalog"
	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/expr"
	"github.com/kraklabs/krakdb/internal/parse"
	"github.com/kraklabs/krakdb/internal/program"
	"github.com/kraklabs/krakdb/internal/storage"
	"github.com/kraklabs/krakdb/internal/tuple"
	"github.com/kraklabs/krakdb/internal/value"
)

// colMapping connects the entry rule's output columns to the columns of
// a target stored relation.
type colMapping struct {
	meta *catalog.RelationMeta
	// src[i] is the result-row column feeding relation column i, or -1
	// when the column falls back to its default.
	src      []int
	defaults []expr.Expr
}

// buildMapping resolves the :put/:rm column specification. With an
// explicit header list, result column i feeds the relation column it
// names; otherwise the entry head variable names map by name.
func buildMapping(meta *catalog.RelationMeta, headers, entryHead []string, keysOnly bool) (*colMapping, error) {
	provided := headers
	if provided == nil {
		provided = entryHead
	}
	cols := meta.Columns()
	m := &colMapping{
		meta:     meta,
		src:      make([]int, len(cols)),
		defaults: make([]expr.Expr, len(cols)),
	}
	byName := map[string]int{}
	for i, name := range provided {
		if _, dup := byName[name]; dup {
			return nil, kerr.Newf(kerr.Schema, "schema::dup_column",
				"column %s specified twice", name)
		}
		byName[name] = i
	}
	for name := range byName {
		if _, ok := meta.ColIndex(name); !ok {
			return nil, kerr.Newf(kerr.Schema, "schema::unknown_column",
				"relation %s has no column %s", meta.Name, name)
		}
	}
	for i, col := range cols {
		if src, ok := byName[col.Name]; ok {
			if src >= len(entryHead) {
				return nil, kerr.Newf(kerr.Schema, "schema::arity_mismatch",
					"the query returns %d columns, column %s wants column %d",
					len(entryHead), col.Name, src+1)
			}
			m.src[i] = src
			continue
		}
		m.src[i] = -1
		if i < meta.KeyArity() || !keysOnly {
			if col.Default != "" {
				def, err := parse.ParseExpr(col.Default)
				if err != nil {
					return nil, kerr.Internalf("schema::bad_default",
						"stored default of %s.%s fails to parse", meta.Name, col.Name)
				}
				m.defaults[i] = def
				continue
			}
			if i < meta.KeyArity() {
				return nil, kerr.Newf(kerr.Schema, "schema::missing_column",
					"key column %s of %s is not provided", col.Name, meta.Name)
			}
			if !col.Nullable && col.Type != catalog.TyAny {
				return nil, kerr.Newf(kerr.Schema, "schema::missing_column",
					"column %s of %s is not provided and has no default", col.Name, meta.Name)
			}
		}
	}
	return m, nil
}

// buildRow materializes one relation row from one result row.
func (m *colMapping) buildRow(row tuple.Tuple, params map[string]value.Value, now int64) (tuple.Tuple, error) {
	cols := m.meta.Columns()
	out := make(tuple.Tuple, len(cols))
	for i := range cols {
		var v value.Value
		switch {
		case m.src[i] >= 0:
			v = row[m.src[i]]
		case m.defaults[i] != nil:
			var err error
			v, err = m.defaults[i].Eval(&expr.Env{Params: params})
			if err != nil {
				return nil, err
			}
		default:
			v = value.Null
		}
		cv, err := cols[i].Coerce(v, now)
		if err != nil {
			return nil, err
		}
		out[i] = cv
	}
	return out, nil
}

// buildKeys materializes only the key columns (for :rm and :ensure_not).
func (m *colMapping) buildKeys(row tuple.Tuple, params map[string]value.Value, now int64) (tuple.Tuple, error) {
	keys := make(tuple.Tuple, m.meta.KeyArity())
	cols := m.meta.Columns()
	for i := 0; i < m.meta.KeyArity(); i++ {
		var v value.Value
		switch {
		case m.src[i] >= 0:
			v = row[m.src[i]]
		case m.defaults[i] != nil:
			var err error
			v, err = m.defaults[i].Eval(&expr.Env{Params: params})
			if err != nil {
				return nil, err
			}
		default:
			return nil, kerr.Newf(kerr.Schema, "schema::missing_column",
				"key column %s of %s is not provided", cols[i].Name, m.meta.Name)
		}
		cv, err := cols[i].Coerce(v, now)
		if err != nil {
			return nil, err
		}
		keys[i] = cv
	}
	return keys, nil
}

// mutationResult carries the trigger and callback payload of one
// materialization.
type mutationResult struct {
	meta    *catalog.RelationMeta
	op      CallbackOp
	headers []string
	newRows []tuple.Tuple
	oldRows []tuple.Tuple
}

// putRows writes result rows into a stored relation, maintaining
// indices and recording replaced versions.
func putRows(tx storage.StoreTx, m *colMapping, rows []tuple.Tuple, params map[string]value.Value, now int64) (*mutationResult, error) {
	if err := catalog.CheckWritable(m.meta); err != nil {
		return nil, err
	}
	res := &mutationResult{meta: m.meta, op: CallbackPut, headers: headerNames(m.meta)}
	for _, row := range rows {
		full, err := m.buildRow(row, params, now)
		if err != nil {
			return nil, err
		}
		keys := full[:m.meta.KeyArity()]
		deps := full[m.meta.KeyArity():]
		k := tuple.EncodeKey(m.meta.Id, keys)

		var oldFull tuple.Tuple
		oldRaw, err := tx.Get(k, true)
		if err != nil {
			return nil, err
		}
		if oldRaw != nil {
			oldDeps, err := tuple.DecodeVals(oldRaw)
			if err != nil {
				return nil, err
			}
			oldFull = append(keys.Clone(), oldDeps...)
		}
		if err := tx.Put(k, tuple.EncodeVals(deps)); err != nil {
			return nil, err
		}
		if err := indexPut(tx, m.meta, full, oldFull); err != nil {
			return nil, err
		}
		res.newRows = append(res.newRows, full)
		if oldFull != nil {
			res.oldRows = append(res.oldRows, oldFull)
		}
	}
	return res, nil
}

// rmRows deletes the rows named by the result's key columns.
func rmRows(tx storage.StoreTx, m *colMapping, rows []tuple.Tuple, params map[string]value.Value, now int64) (*mutationResult, error) {
	if err := catalog.CheckWritable(m.meta); err != nil {
		return nil, err
	}
	res := &mutationResult{meta: m.meta, op: CallbackRm, headers: headerNames(m.meta)}
	for _, row := range rows {
		keys, err := m.buildKeys(row, params, now)
		if err != nil {
			return nil, err
		}
		k := tuple.EncodeKey(m.meta.Id, keys)
		oldRaw, err := tx.Get(k, true)
		if err != nil {
			return nil, err
		}
		if oldRaw == nil {
			continue
		}
		oldDeps, err := tuple.DecodeVals(oldRaw)
		if err != nil {
			return nil, err
		}
		oldFull := append(keys.Clone(), oldDeps...)
		if err := tx.Del(k); err != nil {
			return nil, err
		}
		if err := indexDel(tx, m.meta, oldFull); err != nil {
			return nil, err
		}
		res.oldRows = append(res.oldRows, oldFull)
	}
	return res, nil
}

// ensureRows verifies presence (or absence) without writing.
func ensureRows(tx storage.StoreTx, m *colMapping, rows []tuple.Tuple, params map[string]value.Value, now int64, wantPresent bool) error {
	for _, row := range rows {
		if wantPresent {
			full, err := m.buildRow(row, params, now)
			if err != nil {
				return err
			}
			keys := full[:m.meta.KeyArity()]
			raw, err := tx.Get(tuple.EncodeKey(m.meta.Id, keys), true)
			if err != nil {
				return err
			}
			if raw == nil {
				return kerr.Newf(kerr.NotFound, "tx::ensure_failed",
					"required row %s is absent from %s", keys, m.meta.Name)
			}
			deps, err := tuple.DecodeVals(raw)
			if err != nil {
				return err
			}
			if deps.Compare(full[m.meta.KeyArity():]) != 0 {
				return kerr.Newf(kerr.Conflict, "tx::ensure_failed",
					"row %s of %s differs from the required value", keys, m.meta.Name)
			}
			continue
		}
		keys, err := m.buildKeys(row, params, now)
		if err != nil {
			return err
		}
		ok, err := tx.Exists(tuple.EncodeKey(m.meta.Id, keys), true)
		if err != nil {
			return err
		}
		if ok {
			return kerr.Newf(kerr.Conflict, "tx::ensure_failed",
				"forbidden row %s is present in %s", keys, m.meta.Name)
		}
	}
	return nil
}

func headerNames(meta *catalog.RelationMeta) []string {
	cols := meta.Columns()
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// specToColumns converts parsed column specs into catalog definitions.
func specToColumns(specs []program.ColumnSpec) ([]catalog.ColumnDef, error) {
	out := make([]catalog.ColumnDef, 0, len(specs))
	for _, s := range specs {
		ty := catalog.TyAny
		if s.Type != "" {
			var ok bool
			ty, ok = catalog.ParseColType(s.Type)
			if !ok {
				return nil, kerr.Newf(kerr.Schema, "schema::bad_type",
					"unknown column type %s", s.Type)
			}
		}
		def := catalog.ColumnDef{Name: s.Name, Type: ty, Nullable: s.Nullable}
		if s.Default != nil {
			def.Default = s.Default.String()
		}
		out = append(out, def)
	}
	return out, nil
}
