// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package runtime

import (
	"github.com/kraklabs/krakdb/internal/aggr"
	"github.com/kraklabs/krakdb/internal/compile"
	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/parse"
	"github.com/kraklabs/krakdb/internal/tuple"
	"github.com/kraklabs/krakdb/internal/value"
)

// runSys dispatches ::running, ::kill, ::compact, the catalog listings
// and ::explain.
func (e *Engine) runSys(op *parse.SysOp, params map[string]value.Value, mutable bool) (*Rows, error) {
	switch op.Op {
	case parse.SysRunning:
		return e.Running(), nil

	case parse.SysKill:
		return boolRows("killed", e.Kill(op.Id)), nil

	case parse.SysCompact:
		if err := e.store.RangeCompact(nil, nil); err != nil {
			return nil, err
		}
		return okRows(), nil

	case parse.SysRelations:
		snap := e.cat.Snapshot()
		out := &Rows{Headers: []string{"name", "arity", "n_keys", "n_non_keys", "access_level", "n_indices", "n_triggers"}}
		for _, name := range snap.Names() {
			m, _ := snap.Get(name)
			out.Rows = append(out.Rows, tuple.Tuple{
				value.Str(m.Name),
				value.Int(int64(m.Arity())),
				value.Int(int64(len(m.Keys))),
				value.Int(int64(len(m.Deps))),
				value.Str(m.Access.String()),
				value.Int(int64(len(m.Indices))),
				value.Int(int64(len(m.Triggers))),
			})
		}
		return out, nil

	case parse.SysColumns:
		snap := e.cat.Snapshot()
		m, err := snap.Must(op.Name)
		if err != nil {
			return nil, err
		}
		out := &Rows{Headers: []string{"column", "is_key", "index", "type", "nullable", "default"}}
		for i, c := range m.Columns() {
			def := value.Null
			if c.Default != "" {
				def = value.Str(c.Default)
			}
			out.Rows = append(out.Rows, tuple.Tuple{
				value.Str(c.Name),
				value.Bool(i < m.KeyArity()),
				value.Int(int64(i)),
				value.Str(c.Type.String()),
				value.Bool(c.Nullable),
				def,
			})
		}
		return out, nil

	case parse.SysIndices:
		snap := e.cat.Snapshot()
		m, err := snap.Must(op.Name)
		if err != nil {
			return nil, err
		}
		out := &Rows{Headers: []string{"name", "kind", "columns"}}
		for _, ix := range m.Indices {
			cols := make([]value.Value, len(ix.Columns))
			for i, c := range ix.Columns {
				cols[i] = value.Str(c)
			}
			out.Rows = append(out.Rows, tuple.Tuple{
				value.Str(ix.Name),
				value.Str(ix.Kind.String()),
				value.List(cols),
			})
		}
		return out, nil

	case parse.SysExplain:
		snap := e.cat.Snapshot()
		normal, err := compile.Normalize(op.Query, snap, params)
		if err != nil {
			return nil, err
		}
		normal = compile.MagicRewrite(normal)
		stratified, err := compile.Stratify(normal)
		if err != nil {
			return nil, err
		}
		compiled, err := compile.CompileProgram(stratified, snap, func(name string) (bool, bool) {
			a, ok := aggr.Lookup(name)
			if !ok {
				return false, false
			}
			return a.IsMeet, true
		})
		if err != nil {
			return nil, err
		}
		out := &Rows{Headers: []string{"stratum", "rule", "clause", "step", "detail"}}
		for _, r := range compiled.Explain() {
			row := make(tuple.Tuple, len(r))
			for i, c := range r {
				row[i] = value.Str(c)
			}
			out.Rows = append(out.Rows, row)
		}
		return out, nil
	}
	return nil, kerr.Internalf("sys::bad_op", "unknown system op %d", op.Op)
}
