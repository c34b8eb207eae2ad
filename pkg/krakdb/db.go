// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package krakdb

import (
	"log/slog"
	"sync"

	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/eval"
	"github.com/kraklabs/krakdb/internal/expr"
	"github.com/kraklabs/krakdb/internal/fixedrule"
	"github.com/kraklabs/krakdb/internal/runtime"
	"github.com/kraklabs/krakdb/internal/storage"
	"github.com/kraklabs/krakdb/internal/tuple"
	"github.com/kraklabs/krakdb/internal/value"
)

// NamedRows is the tabular result of one script in wire shape. Next
// carries an optional paged continuation; the engine currently returns
// results in one page.
type NamedRows struct {
	Headers []string   `json:"headers"`
	Rows    [][]any    `json:"rows"`
	Next    *NamedRows `json:"next,omitempty"`
}

// CallbackEvent is one committed-mutation record delivered to a
// registered callback channel.
type CallbackEvent struct {
	Op       string
	Relation string
	New      NamedRows
	Old      NamedRows
}

// Options configures Open.
type Options struct {
	// Logger receives engine diagnostics; slog.Default when nil.
	Logger *slog.Logger
}

// Db is one opened database handle. All methods are safe for
// concurrent use.
type Db struct {
	eng *runtime.Engine

	mu     sync.Mutex
	relays map[uint64]chan runtime.CallbackEvent
}

// Open creates or opens a database with the named storage engine
// ("mem" or "bolt").
func Open(engine, path string, opts Options) (*Db, error) {
	store, err := storage.Open(engine, path)
	if err != nil {
		return nil, err
	}
	eng, err := runtime.New(store, opts.Logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &Db{eng: eng, relays: map[uint64]chan runtime.CallbackEvent{}}, nil
}

// Close releases the database.
func (db *Db) Close() error {
	db.mu.Lock()
	for id, ch := range db.relays {
		db.eng.UnregisterCallback(id)
		close(ch)
		delete(db.relays, id)
	}
	db.mu.Unlock()
	return db.eng.Close()
}

// Run executes one script with mutation allowed.
func (db *Db) Run(script string, params map[string]any) (NamedRows, error) {
	return db.run(script, params, true)
}

// RunReadOnly executes one script, rejecting mutation.
func (db *Db) RunReadOnly(script string, params map[string]any) (NamedRows, error) {
	return db.run(script, params, false)
}

func (db *Db) run(script string, params map[string]any, mutable bool) (NamedRows, error) {
	vparams, err := convertParams(params)
	if err != nil {
		return NamedRows{}, err
	}
	rows, err := db.eng.Run(script, vparams, mutable)
	if err != nil {
		return NamedRows{}, err
	}
	return toNamedRows(rows), nil
}

// ExportRelations reads whole relations in one consistent snapshot.
func (db *Db) ExportRelations(names []string) (map[string]NamedRows, error) {
	raw, err := db.eng.ExportRelations(names)
	if err != nil {
		return nil, err
	}
	out := make(map[string]NamedRows, len(raw))
	for name, rows := range raw {
		out[name] = toNamedRows(rows)
	}
	return out, nil
}

// ImportRelations bulk-loads rows into existing relations atomically,
// bypassing triggers.
func (db *Db) ImportRelations(data map[string]NamedRows) error {
	raw := make(map[string]*runtime.Rows, len(data))
	for name, rows := range data {
		converted, err := fromNamedRows(rows)
		if err != nil {
			return err
		}
		raw[name] = converted
	}
	return db.eng.ImportRelations(raw)
}

// Backup writes a consistent snapshot of the whole database to path.
func (db *Db) Backup(path string) error { return db.eng.Backup(path) }

// Restore loads a backup into this (empty) database.
func (db *Db) Restore(path string) error { return db.eng.Restore(path) }

// RegisterCallback subscribes to committed mutations of a relation. It
// returns the registration id and the event channel; delivery is
// best-effort and events overflowing the buffer are dropped.
func (db *Db) RegisterCallback(relation string, buffer int) (uint64, <-chan CallbackEvent) {
	if buffer <= 0 {
		buffer = 64
	}
	inner := make(chan runtime.CallbackEvent, buffer)
	outer := make(chan CallbackEvent, buffer)
	id := db.eng.RegisterCallback(relation, inner)
	db.mu.Lock()
	db.relays[id] = inner
	db.mu.Unlock()
	go func() {
		defer close(outer)
		for ev := range inner {
			pub := CallbackEvent{
				Op:       ev.Op.String(),
				Relation: ev.Relation,
				New:      NamedRows{Headers: ev.Headers, Rows: tuplesToWire(ev.New)},
				Old:      NamedRows{Headers: ev.Headers, Rows: tuplesToWire(ev.Old)},
			}
			select {
			case outer <- pub:
			default: // receiver lagging; drop rather than block the relay
			}
		}
	}()
	return id, outer
}

// UnregisterCallback removes a registration and closes its channel.
func (db *Db) UnregisterCallback(id uint64) bool {
	ok := db.eng.UnregisterCallback(id)
	db.mu.Lock()
	if ch, live := db.relays[id]; live {
		close(ch)
		delete(db.relays, id)
	}
	db.mu.Unlock()
	return ok
}

// FixedRule is the embedder-facing contract of a custom relation
// producer registered with RegisterFixedRule.
type FixedRule interface {
	// Arity returns the output arity given the evaluated options.
	Arity(options map[string]any) (int, error)
	// Run produces output rows from fully materialized inputs.
	Run(inputs []NamedRows, options map[string]any, yield func(row []any) error) error
}

// RegisterFixedRule adds a custom fixed rule under name.
func (db *Db) RegisterFixedRule(name string, impl FixedRule) error {
	return db.eng.FixedRules().Register(name, &fixedRuleAdapter{impl: impl})
}

// UnregisterFixedRule removes a custom fixed rule.
func (db *Db) UnregisterFixedRule(name string) error {
	return db.eng.FixedRules().Unregister(name)
}

// fixedRuleAdapter bridges the public contract onto the internal one.
type fixedRuleAdapter struct {
	impl FixedRule
}

func (a *fixedRuleAdapter) Arity(options map[string]expr.Expr, head []string) (int, error) {
	opts, err := evalOptions(options)
	if err != nil {
		return 0, err
	}
	n, err := a.impl.Arity(opts)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		n = len(head)
	}
	return n, nil
}

func (a *fixedRuleAdapter) Run(p *fixedrule.Payload, out fixedrule.Out, poison *eval.Poison) error {
	opts, err := evalOptions(p.Options)
	if err != nil {
		return err
	}
	inputs := make([]NamedRows, len(p.Inputs))
	for i, in := range p.Inputs {
		var rows [][]any
		err := in.Iter(func(t tuple.Tuple) (bool, error) {
			rows = append(rows, tupleToWire(t))
			return true, poison.Check()
		})
		if err != nil {
			return err
		}
		inputs[i] = NamedRows{Rows: rows}
	}
	return a.impl.Run(inputs, opts, func(row []any) error {
		if err := poison.Check(); err != nil {
			return err
		}
		t := make(tuple.Tuple, len(row))
		for i, c := range row {
			v, err := value.FromJson(c)
			if err != nil {
				return err
			}
			t[i] = v
		}
		return out(t)
	})
}

func evalOptions(options map[string]expr.Expr) (map[string]any, error) {
	out := make(map[string]any, len(options))
	for k, e := range options {
		v, err := e.Eval(&expr.Env{})
		if err != nil {
			return nil, kerr.Newf(kerr.Schema, "fixed::bad_option",
				"option %s is not a constant", k).Wrap(err)
		}
		out[k] = value.JsonValue(v)
	}
	return out, nil
}

func convertParams(params map[string]any) (map[string]value.Value, error) {
	if params == nil {
		return nil, nil
	}
	out := make(map[string]value.Value, len(params))
	for k, raw := range params {
		v, err := value.FromJson(raw)
		if err != nil {
			return nil, kerr.Newf(kerr.Schema, "wire::bad_param",
				"parameter $%s cannot be converted", k).Wrap(err)
		}
		out[k] = v
	}
	return out, nil
}

func toNamedRows(rows *runtime.Rows) NamedRows {
	return NamedRows{Headers: rows.Headers, Rows: tuplesToWire(rows.Rows)}
}

func tuplesToWire(ts []tuple.Tuple) [][]any {
	out := make([][]any, len(ts))
	for i, t := range ts {
		out[i] = tupleToWire(t)
	}
	return out
}

func tupleToWire(t tuple.Tuple) []any {
	row := make([]any, len(t))
	for i, v := range t {
		row[i] = value.JsonValue(v)
	}
	return row
}

func fromNamedRows(rows NamedRows) (*runtime.Rows, error) {
	out := &runtime.Rows{Headers: rows.Headers}
	for _, r := range rows.Rows {
		t := make(tuple.Tuple, len(r))
		for i, c := range r {
			v, err := value.FromJson(c)
			if err != nil {
				return nil, err
			}
			t[i] = v
		}
		out.Rows = append(out.Rows, t)
	}
	return out, nil
}
