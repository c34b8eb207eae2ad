// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package runtime

import (
	"github.com/kraklabs/krakdb/internal/catalog"
	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/expr"
	"github.com/kraklabs/krakdb/internal/parse"
	"github.com/kraklabs/krakdb/internal/storage"
	"github.com/kraklabs/krakdb/internal/value"
)

// runSchema applies one schema operation under the catalog write latch.
// The latch excludes concurrent schema ops but not queries that already
// snapshotted the catalog.
func (e *Engine) runSchema(op *parse.SchemaOp) (*Rows, error) {
	e.schemaMu.Lock()
	defer e.schemaMu.Unlock()

	tx, err := e.store.Transact(true)
	if err != nil {
		return nil, err
	}
	defer tx.Discard()

	var publishers []func()
	publish := func(p func(), err error) error {
		if err != nil {
			return err
		}
		publishers = append(publishers, p)
		return nil
	}

	switch op.Op {
	case parse.SchemaCreate, parse.SchemaReplace:
		keys, err := specToColumns(op.Keys)
		if err != nil {
			return nil, err
		}
		deps, err := specToColumns(op.Deps)
		if err != nil {
			return nil, err
		}
		if op.Op == parse.SchemaReplace {
			if _, exists := e.cat.Snapshot().Get(op.Name); exists {
				if err := publish(e.cat.Drop(tx, op.Name)); err != nil {
					return nil, err
				}
			}
		}
		id, err := catalog.NextRelationId(tx)
		if err != nil {
			return nil, err
		}
		meta := &catalog.RelationMeta{Id: id, Name: op.Name, Keys: keys, Deps: deps}
		if err := publish(e.cat.Create(tx, meta, op.Op == parse.SchemaReplace)); err != nil {
			return nil, err
		}

	case parse.SchemaRemove:
		for _, name := range op.Names {
			if err := publish(e.cat.Drop(tx, name)); err != nil {
				return nil, err
			}
		}

	case parse.SchemaRename:
		if err := publish(e.cat.Rename(tx, op.Name, op.NewName)); err != nil {
			return nil, err
		}

	case parse.SchemaAccessLevel:
		level, ok := catalog.ParseAccessLevel(op.Access)
		if !ok {
			return nil, kerr.Newf(kerr.Schema, "schema::bad_option",
				"unknown access level %s", op.Access).WithSpan(op.Span)
		}
		for _, name := range op.Names {
			if err := publish(e.cat.SetAccess(tx, name, level)); err != nil {
				return nil, err
			}
		}

	case parse.SchemaTrigger:
		triggers := make([]catalog.TriggerDef, 0, len(op.Triggers))
		for _, t := range op.Triggers {
			if _, err := parse.ParseScript(t.Script); err != nil {
				return nil, kerr.New(kerr.Schema, "schema::bad_trigger",
					"the trigger script does not parse").Wrap(err).WithSpan(op.Span)
			}
			triggers = append(triggers, catalog.TriggerDef{
				On:     catalog.TriggerOp(t.On),
				Script: t.Script,
			})
		}
		if err := publish(e.cat.SetTriggers(tx, op.Name, triggers)); err != nil {
			return nil, err
		}

	case parse.SchemaIndexCreate, parse.SchemaFtsCreate, parse.SchemaHnswCreate, parse.SchemaLshCreate:
		if err := e.createIndex(tx, op, publish); err != nil {
			return nil, err
		}

	case parse.SchemaIndexDrop, parse.SchemaFtsDrop, parse.SchemaHnswDrop, parse.SchemaLshDrop:
		if err := publish(e.cat.DropIndex(tx, op.Name, op.IndexName)); err != nil {
			return nil, err
		}

	default:
		return nil, kerr.Internalf("schema::bad_op", "unknown schema op %d", op.Op)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, p := range publishers {
		p()
	}
	return okRows(), nil
}

func (e *Engine) createIndex(tx storage.StoreTx, op *parse.SchemaOp, publish func(func(), error) error) error {
	snap := e.cat.Snapshot()
	meta, err := snap.Must(op.Name)
	if err != nil {
		return err
	}
	id, err := catalog.NextRelationId(tx)
	if err != nil {
		return err
	}
	def := catalog.IndexDef{Name: op.IndexName, Id: id}

	optStr := func(name, fallback string) (string, error) {
		e, ok := op.IndexOptions[name]
		if !ok {
			return fallback, nil
		}
		v, err := evalConstOption(e)
		if err != nil {
			return "", err
		}
		s, isS := v.AsStr()
		if !isS {
			return "", badIndexOption(name)
		}
		return s, nil
	}
	optInt := func(name string, fallback int) (int, error) {
		e, ok := op.IndexOptions[name]
		if !ok {
			return fallback, nil
		}
		v, err := evalConstOption(e)
		if err != nil {
			return 0, err
		}
		i, isI := v.AsInt()
		if !isI {
			return 0, badIndexOption(name)
		}
		return int(i), nil
	}
	optStrs := func(name string) ([]string, error) {
		e, ok := op.IndexOptions[name]
		if !ok {
			return nil, nil
		}
		v, err := evalConstOption(e)
		if err != nil {
			return nil, err
		}
		l, isL := v.AsList()
		if !isL {
			return nil, badIndexOption(name)
		}
		out := make([]string, len(l))
		for i, s := range l {
			str, isS := s.AsStr()
			if !isS {
				return nil, badIndexOption(name)
			}
			out[i] = str
		}
		return out, nil
	}

	switch op.Op {
	case parse.SchemaIndexCreate:
		def.Kind = catalog.IndexCovering
		if _, unique := op.IndexOptions["unique"]; unique {
			def.Kind = catalog.IndexUnique
		}
		def.Columns = op.IndexColumns
	case parse.SchemaFtsCreate:
		def.Kind = catalog.IndexFTS
		if def.Columns, err = optStrs("fields"); err != nil {
			return err
		}
		if def.Tokenizer, err = optStr("tokenizer", "simple"); err != nil {
			return err
		}
		if def.Stopwords, err = optStrs("stopwords"); err != nil {
			return err
		}
		if def.NGram, err = optInt("ngram", 0); err != nil {
			return err
		}
	case parse.SchemaHnswCreate:
		def.Kind = catalog.IndexHNSW
		if def.Columns, err = optStrs("fields"); err != nil {
			return err
		}
		if def.Dim, err = optInt("dim", 0); err != nil {
			return err
		}
		if def.DistanceMetric, err = optStr("distance", "l2"); err != nil {
			return err
		}
		if def.EfConstruction, err = optInt("ef_construction", 64); err != nil {
			return err
		}
		if def.MaxDegree, err = optInt("m", 16); err != nil {
			return err
		}
	case parse.SchemaLshCreate:
		def.Kind = catalog.IndexLSH
		if def.Columns, err = optStrs("fields"); err != nil {
			return err
		}
		if def.Perms, err = optInt("n_perm", 32); err != nil {
			return err
		}
	}

	if err := publish(e.cat.AddIndex(tx, op.Name, def)); err != nil {
		return err
	}
	return backfillIndex(tx, meta, &def)
}

func evalConstOption(e expr.Expr) (value.Value, error) {
	return e.Eval(&expr.Env{})
}

func badIndexOption(name string) error {
	return kerr.Newf(kerr.Schema, "schema::bad_option", "bad index option %s", name)
}
