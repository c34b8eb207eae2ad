// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package catalog

import (
	"sort"
	"sync"

	gojson "github.com/goccy/go-json"

	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/storage"
	"github.com/kraklabs/krakdb/internal/tuple"
	"github.com/kraklabs/krakdb/internal/value"
)

// Catalog is the shared, versioned schema registry. Readers take a
// Snapshot at transaction start and never observe concurrent schema
// changes; schema ops hold the write latch, persist through the caller's
// transaction and publish a fresh map on commit.
type Catalog struct {
	mu    sync.RWMutex
	rels  map[string]*RelationMeta
	epoch uint64
}

// Snapshot is an immutable view of the catalog.
type Snapshot struct {
	Rels  map[string]*RelationMeta
	Epoch uint64
}

// Get looks up a relation in the snapshot.
func (s *Snapshot) Get(name string) (*RelationMeta, bool) {
	m, ok := s.Rels[name]
	return m, ok
}

// Must looks up a relation and errors with the spec'd NotFound kind.
func (s *Snapshot) Must(name string) (*RelationMeta, error) {
	if m, ok := s.Rels[name]; ok {
		return m, nil
	}
	return nil, kerr.Newf(kerr.NotFound, "schema::unknown_relation",
		"stored relation %s does not exist", name)
}

// Names lists relation names in order.
func (s *Snapshot) Names() []string {
	out := make([]string, 0, len(s.Rels))
	for n := range s.Rels {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Load reads the persisted catalog out of storage.
func Load(st storage.Storage) (*Catalog, error) {
	tx, err := st.Transact(false)
	if err != nil {
		return nil, err
	}
	defer tx.Discard()

	rels := make(map[string]*RelationMeta)
	lo, hi := tuple.RelBounds(RelMeta)
	it := tx.RangeScan(lo, hi)
	defer it.Close()
	for it.Next() {
		var meta RelationMeta
		deps, err := tuple.DecodeVals(it.Val())
		if err != nil {
			return nil, err
		}
		raw, ok := deps[0].AsJson()
		if !ok {
			return nil, kerr.Internalf("catalog::bad_meta", "catalog row is not a document")
		}
		if err := gojson.Unmarshal([]byte(raw), &meta); err != nil {
			return nil, kerr.Internalf("catalog::bad_meta", "undecodable catalog row: %v", err)
		}
		rels[meta.Name] = &meta
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return &Catalog{rels: rels, epoch: 1}, nil
}

// Snapshot returns the current immutable view.
func (c *Catalog) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Snapshot{Rels: c.rels, Epoch: c.epoch}
}

// mutate clones the relation map, applies fn, persists the outcome rows
// through tx, and returns a publish closure. Publish applies the *delta*
// of the change to the then-current map, so several staged mutations in
// one operation compose instead of clobbering each other.
func (c *Catalog) mutate(tx storage.StoreTx, fn func(rels map[string]*RelationMeta) error) (func(), error) {
	c.mu.Lock()
	base := c.rels
	next := make(map[string]*RelationMeta, len(base)+1)
	for k, v := range base {
		next[k] = v
	}
	c.mu.Unlock()

	if err := fn(next); err != nil {
		return nil, err
	}
	sets := map[string]*RelationMeta{}
	var dels []string
	for k, v := range next {
		if old, ok := base[k]; !ok || old != v {
			sets[k] = v
		}
	}
	for k := range base {
		if _, ok := next[k]; !ok {
			dels = append(dels, k)
		}
	}
	return func() {
		c.mu.Lock()
		merged := make(map[string]*RelationMeta, len(c.rels)+len(sets))
		for k, v := range c.rels {
			merged[k] = v
		}
		for _, k := range dels {
			delete(merged, k)
		}
		for k, v := range sets {
			merged[k] = v
		}
		c.rels = merged
		c.epoch++
		c.mu.Unlock()
	}, nil
}

func metaKey(name string) []byte {
	return tuple.EncodeKey(RelMeta, tuple.Tuple{value.Str(name)})
}

func putMeta(tx storage.StoreTx, meta *RelationMeta) error {
	raw, err := gojson.Marshal(meta)
	if err != nil {
		return kerr.Internalf("catalog::encode_meta", "cannot encode metadata: %v", err)
	}
	return tx.Put(metaKey(meta.Name), tuple.EncodeVals(tuple.Tuple{value.Json(string(raw))}))
}

// NextRelationId allocates a fresh relation id through tx.
func NextRelationId(tx storage.StoreTx) (tuple.RelationId, error) {
	key := tuple.EncodeKey(RelSequence, tuple.Tuple{value.Str("relation_id")})
	raw, err := tx.Get(key, true)
	if err != nil {
		return 0, err
	}
	next := tuple.UserIdStart
	if raw != nil {
		deps, err := tuple.DecodeVals(raw)
		if err != nil {
			return 0, err
		}
		i, _ := deps[0].AsInt()
		next = tuple.RelationId(i)
	}
	if err := tx.Put(key, tuple.EncodeVals(tuple.Tuple{value.Int(int64(next) + 1)})); err != nil {
		return 0, err
	}
	return next, nil
}

// Create registers a new relation. The returned publish func must be
// called after the storage transaction commits.
func (c *Catalog) Create(tx storage.StoreTx, meta *RelationMeta, replaceExisting bool) (func(), error) {
	if err := ValidateRelation(meta); err != nil {
		return nil, err
	}
	return c.mutate(tx, func(rels map[string]*RelationMeta) error {
		if _, exists := rels[meta.Name]; exists && !replaceExisting {
			return kerr.Newf(kerr.Schema, "schema::relation_exists",
				"stored relation %s already exists", meta.Name)
		}
		rels[meta.Name] = meta
		return putMeta(tx, meta)
	})
}

// Drop removes a relation, its rows, its indices and their rows.
func (c *Catalog) Drop(tx storage.StoreTx, name string) (func(), error) {
	return c.mutate(tx, func(rels map[string]*RelationMeta) error {
		meta, ok := rels[name]
		if !ok {
			return kerr.Newf(kerr.NotFound, "schema::unknown_relation",
				"stored relation %s does not exist", name)
		}
		if meta.Access >= AccessReadOnly {
			return accessDenied(name, meta.Access)
		}
		ids := []tuple.RelationId{meta.Id}
		for _, ix := range meta.Indices {
			ids = append(ids, ix.Id)
		}
		for _, id := range ids {
			if err := clearRange(tx, id); err != nil {
				return err
			}
		}
		delete(rels, name)
		return tx.Del(metaKey(name))
	})
}

// Rename renames a relation, keeping its id and therefore its rows.
func (c *Catalog) Rename(tx storage.StoreTx, old, new string) (func(), error) {
	return c.mutate(tx, func(rels map[string]*RelationMeta) error {
		meta, ok := rels[old]
		if !ok {
			return kerr.Newf(kerr.NotFound, "schema::unknown_relation",
				"stored relation %s does not exist", old)
		}
		if _, clash := rels[new]; clash {
			return kerr.Newf(kerr.Schema, "schema::relation_exists",
				"stored relation %s already exists", new)
		}
		if err := ValidateName(new); err != nil {
			return err
		}
		clone := *meta
		clone.Name = new
		delete(rels, old)
		rels[new] = &clone
		if err := tx.Del(metaKey(old)); err != nil {
			return err
		}
		return putMeta(tx, &clone)
	})
}

// SetAccess changes a relation's access level.
func (c *Catalog) SetAccess(tx storage.StoreTx, name string, level AccessLevel) (func(), error) {
	return c.update(tx, name, func(clone *RelationMeta) error {
		clone.Access = level
		return nil
	})
}

// AddIndex attaches an index definition; the caller is responsible for
// backfilling its rows.
func (c *Catalog) AddIndex(tx storage.StoreTx, rel string, def IndexDef) (func(), error) {
	return c.update(tx, rel, func(clone *RelationMeta) error {
		if _, dup := clone.FindIndex(def.Name); dup {
			return kerr.Newf(kerr.Schema, "schema::index_exists",
				"index %s already exists on %s", def.Name, rel)
		}
		if err := ValidateIndex(clone, &def); err != nil {
			return err
		}
		clone.Indices = append(append([]IndexDef(nil), clone.Indices...), def)
		return nil
	})
}

// DropIndex removes an index and clears its rows.
func (c *Catalog) DropIndex(tx storage.StoreTx, rel, name string) (func(), error) {
	return c.update(tx, rel, func(clone *RelationMeta) error {
		ix, ok := clone.FindIndex(name)
		if !ok {
			return kerr.Newf(kerr.NotFound, "schema::unknown_index",
				"index %s does not exist on %s", name, rel)
		}
		if err := clearRange(tx, ix.Id); err != nil {
			return err
		}
		kept := make([]IndexDef, 0, len(clone.Indices)-1)
		for _, other := range clone.Indices {
			if other.Name != name {
				kept = append(kept, other)
			}
		}
		clone.Indices = kept
		return nil
	})
}

// SetTriggers replaces the trigger list of a relation.
func (c *Catalog) SetTriggers(tx storage.StoreTx, rel string, triggers []TriggerDef) (func(), error) {
	return c.update(tx, rel, func(clone *RelationMeta) error {
		clone.Triggers = triggers
		return nil
	})
}

func (c *Catalog) update(tx storage.StoreTx, name string, fn func(clone *RelationMeta) error) (func(), error) {
	return c.mutate(tx, func(rels map[string]*RelationMeta) error {
		meta, ok := rels[name]
		if !ok {
			return kerr.Newf(kerr.NotFound, "schema::unknown_relation",
				"stored relation %s does not exist", name)
		}
		clone := *meta
		if err := fn(&clone); err != nil {
			return err
		}
		rels[name] = &clone
		return putMeta(tx, &clone)
	})
}

func clearRange(tx storage.StoreTx, id tuple.RelationId) error {
	lo, hi := tuple.RelBounds(id)
	it := tx.RangeScan(lo, hi)
	defer it.Close()
	var keys [][]byte
	for it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	if err := it.Err(); err != nil {
		return err
	}
	for _, k := range keys {
		if err := tx.Del(k); err != nil {
			return err
		}
	}
	return nil
}

func accessDenied(name string, level AccessLevel) error {
	return kerr.Newf(kerr.Schema, "schema::access_denied",
		"stored relation %s has access level %s", name, level)
}

// CheckWritable errors unless the relation accepts mutations at its
// current access level.
func CheckWritable(meta *RelationMeta) error {
	if meta.Access >= AccessReadOnly {
		return accessDenied(meta.Name, meta.Access)
	}
	return nil
}

// CheckReadable errors for hidden relations.
func CheckReadable(meta *RelationMeta) error {
	if meta.Access == AccessHidden {
		return accessDenied(meta.Name, meta.Access)
	}
	return nil
}
