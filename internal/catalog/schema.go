// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package catalog manages stored-relation metadata: schemas, access
// levels, secondary indices and triggers. The catalog is itself persisted
// in reserved low relation ids, so a database file is self-describing.
package catalog

import (
	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/tuple"
	"github.com/kraklabs/krakdb/internal/value"
)

// Reserved relation ids. User relations start at tuple.UserIdStart.
const (
	RelMeta     tuple.RelationId = 1 // relation name -> metadata document
	RelSequence tuple.RelationId = 2 // counters, e.g. the next relation id
)

// ColType is a declared column type.
type ColType uint8

const (
	TyAny ColType = iota
	TyBool
	TyInt
	TyFloat
	TyString
	TyBytes
	TyUuid
	TyList
	TyVec
	TyJson
	TyValidity
)

var colTypeNames = map[ColType]string{
	TyAny: "Any", TyBool: "Bool", TyInt: "Int", TyFloat: "Float",
	TyString: "String", TyBytes: "Bytes", TyUuid: "Uuid", TyList: "List",
	TyVec: "Vec", TyJson: "Json", TyValidity: "Validity",
}

func (t ColType) String() string { return colTypeNames[t] }

// ParseColType resolves a type name from schema text.
func ParseColType(s string) (ColType, bool) {
	for t, n := range colTypeNames {
		if n == s {
			return t, true
		}
	}
	// Lowercase aliases as they appear in scripts.
	switch s {
	case "any":
		return TyAny, true
	case "bool":
		return TyBool, true
	case "int":
		return TyInt, true
	case "float":
		return TyFloat, true
	case "string", "str":
		return TyString, true
	case "bytes":
		return TyBytes, true
	case "uuid":
		return TyUuid, true
	case "list":
		return TyList, true
	case "vec":
		return TyVec, true
	case "json":
		return TyJson, true
	case "validity":
		return TyValidity, true
	}
	return TyAny, false
}

// ColumnDef is one declared column.
type ColumnDef struct {
	Name     string  `json:"name"`
	Type     ColType `json:"type"`
	Nullable bool    `json:"nullable"`
	// Default is the script text of the default expression, empty when
	// absent. It is re-parsed on demand; defaults are rare and cheap.
	Default string `json:"default,omitempty"`
}

// AccessLevel gates what operations a relation accepts.
type AccessLevel uint8

const (
	AccessNormal AccessLevel = iota
	AccessProtected
	AccessReadOnly
	AccessHidden
)

var accessNames = map[AccessLevel]string{
	AccessNormal: "normal", AccessProtected: "protected",
	AccessReadOnly: "read_only", AccessHidden: "hidden",
}

func (a AccessLevel) String() string { return accessNames[a] }

// ParseAccessLevel resolves an access level name.
func ParseAccessLevel(s string) (AccessLevel, bool) {
	for a, n := range accessNames {
		if n == s {
			return a, true
		}
	}
	return AccessNormal, false
}

// IndexKind discriminates the secondary index families.
type IndexKind uint8

const (
	IndexCovering IndexKind = iota + 1
	IndexUnique
	IndexFTS
	IndexHNSW
	IndexLSH
)

func (k IndexKind) String() string {
	switch k {
	case IndexCovering:
		return "covering"
	case IndexUnique:
		return "unique"
	case IndexFTS:
		return "fts"
	case IndexHNSW:
		return "hnsw"
	case IndexLSH:
		return "lsh"
	}
	return "?"
}

// IndexDef describes one secondary index. Each index owns a relation id
// of its own; its rows live beside the base relation's under that prefix.
type IndexDef struct {
	Name    string           `json:"name"`
	Kind    IndexKind        `json:"kind"`
	Id      tuple.RelationId `json:"id"`
	Columns []string         `json:"columns"`

	// FTS configuration.
	Tokenizer string   `json:"tokenizer,omitempty"`
	Stopwords []string `json:"stopwords,omitempty"`
	NGram     int      `json:"ngram,omitempty"`

	// HNSW configuration (contract only; the reference implementation
	// scans exactly).
	Dim            int    `json:"dim,omitempty"`
	DistanceMetric string `json:"distance,omitempty"`
	EfConstruction int    `json:"ef_construction,omitempty"`
	MaxDegree      int    `json:"max_degree,omitempty"`

	// LSH configuration.
	Perms          int     `json:"perms,omitempty"`
	TargetDistance float64 `json:"target_distance,omitempty"`
}

// TriggerOp names the mutation a trigger fires on.
type TriggerOp string

const (
	TriggerOnPut     TriggerOp = "put"
	TriggerOnRm      TriggerOp = "rm"
	TriggerOnReplace TriggerOp = "replace"
)

// TriggerDef attaches a script to a mutation on a relation.
type TriggerDef struct {
	On     TriggerOp `json:"on"`
	Script string    `json:"script"`
}

// RelationMeta is the full metadata of one stored relation.
type RelationMeta struct {
	Id       tuple.RelationId `json:"id"`
	Name     string           `json:"name"`
	Keys     []ColumnDef      `json:"keys"`
	Deps     []ColumnDef      `json:"deps"`
	Access   AccessLevel      `json:"access"`
	Indices  []IndexDef       `json:"indices,omitempty"`
	Triggers []TriggerDef     `json:"triggers,omitempty"`
}

// Arity is the total column count.
func (m *RelationMeta) Arity() int { return len(m.Keys) + len(m.Deps) }

// KeyArity is the number of key columns.
func (m *RelationMeta) KeyArity() int { return len(m.Keys) }

// Columns returns all column definitions, keys first.
func (m *RelationMeta) Columns() []ColumnDef {
	out := make([]ColumnDef, 0, m.Arity())
	out = append(out, m.Keys...)
	return append(out, m.Deps...)
}

// ColIndex locates a column by name within the full row.
func (m *RelationMeta) ColIndex(name string) (int, bool) {
	for i, c := range m.Keys {
		if c.Name == name {
			return i, true
		}
	}
	for i, c := range m.Deps {
		if c.Name == name {
			return len(m.Keys) + i, true
		}
	}
	return 0, false
}

// HasValidity reports whether the last key column is validity-typed,
// which is what enables time travel on the relation.
func (m *RelationMeta) HasValidity() bool {
	n := len(m.Keys)
	return n > 0 && m.Keys[n-1].Type == TyValidity
}

// FindIndex locates an index by name.
func (m *RelationMeta) FindIndex(name string) (*IndexDef, bool) {
	for i := range m.Indices {
		if m.Indices[i].Name == name {
			return &m.Indices[i], true
		}
	}
	return nil, false
}

// Coerce enforces a declared column type on an incoming value, applying
// the conversions the wire representation makes ambiguous (strings to
// uuid/bytes, ints and lists to validity).
func (c *ColumnDef) Coerce(v value.Value, nowMicros int64) (value.Value, error) {
	if v.IsNull() {
		if c.Nullable || c.Type == TyAny {
			return v, nil
		}
		return value.Null, kerr.Newf(kerr.Schema, "schema::null_column",
			"column %s is not nullable", c.Name)
	}
	switch c.Type {
	case TyAny:
		return v, nil
	case TyBool:
		if _, ok := v.AsBool(); ok {
			return v, nil
		}
	case TyInt:
		if _, ok := v.AsInt(); ok {
			return v, nil
		}
	case TyFloat:
		if f, ok := v.AsFloat(); ok {
			return value.Float(f), nil
		}
	case TyString:
		if _, ok := v.AsStr(); ok {
			return v, nil
		}
	case TyBytes:
		if _, ok := v.AsBytes(); ok {
			return v, nil
		}
		if s, ok := v.AsStr(); ok {
			return value.DecodeBase64Bytes(s)
		}
	case TyUuid:
		if _, ok := v.AsUuid(); ok {
			return v, nil
		}
		if s, ok := v.AsStr(); ok {
			return value.ParseUuidString(s)
		}
	case TyList:
		if v.Kind() == value.KindList || v.Kind() == value.KindSet {
			return v, nil
		}
	case TyVec:
		if _, ok := v.AsVec(); ok {
			return v, nil
		}
		if l, ok := v.AsList(); ok {
			fs := make([]float64, len(l))
			for i, e := range l {
				f, ok := e.AsFloat()
				if !ok {
					return value.Null, kerr.Newf(kerr.Schema, "schema::bad_vec",
						"column %s: vector element %s is not a number", c.Name, e)
				}
				fs[i] = f
			}
			return value.Vec(value.Vector{F64: fs}), nil
		}
	case TyJson:
		if _, ok := v.AsJson(); ok {
			return v, nil
		}
	case TyValidity:
		vv, err := value.CoerceValidity(v, nowMicros)
		if err != nil {
			return value.Null, err
		}
		vd, _ := vv.AsValidity()
		if err := value.CheckValidityAtRest(vd); err != nil {
			return value.Null, err
		}
		return vv, nil
	}
	return value.Null, kerr.Newf(kerr.Schema, "schema::type_mismatch",
		"column %s expects %s, got %s", c.Name, c.Type, v.Kind())
}
