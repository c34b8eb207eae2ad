// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package catalog

import (
	"strings"

	kerr "github.com/kraklabs/krakdb/internal/errors"
)

// ValidateName checks a relation name: a non-empty plain identifier that
// does not start with a character reserved by rule syntax (* or _).
// Reserved words are not checked.
func ValidateName(name string) error {
	if name == "" {
		return kerr.New(kerr.Schema, "schema::empty_name", "relation name is empty")
	}
	if strings.HasPrefix(name, "*") || strings.HasPrefix(name, "_") {
		return kerr.Newf(kerr.Schema, "schema::bad_name",
			"relation name %s starts with a reserved character", name)
	}
	for i, r := range name {
		ok := r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' ||
			i > 0 && (r >= '0' && r <= '9' || r == '.')
		if !ok {
			return kerr.Newf(kerr.Schema, "schema::bad_name",
				"relation name %s contains illegal character %q", name, r)
		}
	}
	return nil
}

// ValidateRelation checks a full metadata record before registration.
func ValidateRelation(meta *RelationMeta) error {
	if err := ValidateName(meta.Name); err != nil {
		return err
	}
	if len(meta.Keys) == 0 {
		return kerr.Newf(kerr.Schema, "schema::no_keys",
			"relation %s needs at least one key column", meta.Name)
	}
	seen := map[string]struct{}{}
	for _, c := range meta.Columns() {
		if c.Name == "" {
			return kerr.Newf(kerr.Schema, "schema::empty_column",
				"relation %s has an unnamed column", meta.Name)
		}
		if _, dup := seen[c.Name]; dup {
			return kerr.Newf(kerr.Schema, "schema::dup_column",
				"relation %s declares column %s twice", meta.Name, c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	// A validity column is only meaningful as the last key column; other
	// placements would break the adjacency that point-in-time lookups
	// rely on.
	for i, c := range meta.Keys {
		if c.Type == TyValidity && i != len(meta.Keys)-1 {
			return kerr.Newf(kerr.Schema, "schema::validity_position",
				"relation %s: the validity column must be the last key column", meta.Name)
		}
	}
	for _, c := range meta.Deps {
		if c.Type == TyValidity {
			return kerr.Newf(kerr.Schema, "schema::validity_position",
				"relation %s: validity columns must be key columns", meta.Name)
		}
	}
	names := map[string]struct{}{}
	for _, ix := range meta.Indices {
		if _, dup := names[ix.Name]; dup {
			return kerr.Newf(kerr.Schema, "schema::index_exists",
				"relation %s declares index %s twice", meta.Name, ix.Name)
		}
		names[ix.Name] = struct{}{}
		if err := ValidateIndex(meta, &ix); err != nil {
			return err
		}
	}
	return nil
}

// ValidateIndex checks one index definition against its base relation.
func ValidateIndex(meta *RelationMeta, def *IndexDef) error {
	if def.Name == "" {
		return kerr.Newf(kerr.Schema, "schema::empty_name",
			"index on %s has no name", meta.Name)
	}
	if len(def.Columns) == 0 {
		return kerr.Newf(kerr.Schema, "schema::index_no_columns",
			"index %s on %s references no columns", def.Name, meta.Name)
	}
	for _, col := range def.Columns {
		idx, ok := meta.ColIndex(col)
		if !ok {
			return kerr.Newf(kerr.Schema, "schema::unknown_column",
				"index %s references unknown column %s", def.Name, col)
		}
		switch def.Kind {
		case IndexFTS:
			if c := meta.Columns()[idx]; c.Type != TyString && c.Type != TyAny {
				return kerr.Newf(kerr.Schema, "schema::index_bad_column",
					"fts index %s needs string columns, %s is %s", def.Name, col, c.Type)
			}
		case IndexHNSW, IndexLSH:
			if c := meta.Columns()[idx]; def.Kind == IndexHNSW && c.Type != TyVec && c.Type != TyAny {
				return kerr.Newf(kerr.Schema, "schema::index_bad_column",
					"hnsw index %s needs vector columns, %s is %s", def.Name, col, c.Type)
			}
		}
	}
	if def.Kind == IndexHNSW && def.Dim <= 0 {
		return kerr.Newf(kerr.Schema, "schema::bad_option",
			"hnsw index %s needs a positive dim", def.Name)
	}
	return nil
}
