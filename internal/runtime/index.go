// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package runtime

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cespare/xxhash/v2"

	"github.com/kraklabs/krakdb/internal/catalog"
	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/storage"
	"github.com/kraklabs/krakdb/internal/tuple"
	"github.com/kraklabs/krakdb/internal/value"
)

// Sub-key tags inside an index's relation id range. Every index owns its
// own relation id, so these only need to be unique within one index.
const (
	ixTagRow   = "r" // covering rows / unique rows / vector rows
	ixTagDoc   = "d" // fts: base key -> doc id
	ixTagDocRv = "i" // fts: doc id -> base key
	ixTagTok   = "t" // fts: token -> roaring posting list
	ixTagSeq   = "s" // fts: doc id sequence
	ixTagBand  = "b" // lsh: band hash -> base key rows
)

func ixKey(id tuple.RelationId, tag string, rest ...value.Value) []byte {
	t := make(tuple.Tuple, 0, len(rest)+1)
	t = append(t, value.Str(tag))
	t = append(t, rest...)
	return tuple.EncodeKey(id, t)
}

// indexRowValues projects the indexed columns out of a full row.
func indexRowValues(meta *catalog.RelationMeta, ix *catalog.IndexDef, full tuple.Tuple) (tuple.Tuple, error) {
	out := make(tuple.Tuple, 0, len(ix.Columns))
	for _, col := range ix.Columns {
		pos, ok := meta.ColIndex(col)
		if !ok || pos >= len(full) {
			return nil, kerr.Internalf("index::bad_column",
				"index %s references missing column %s", ix.Name, col)
		}
		out = append(out, full[pos])
	}
	return out, nil
}

// indexPut maintains every index of meta for a newly written row.
// oldRow, when non-nil, is the replaced version whose entries must go.
func indexPut(tx storage.StoreTx, meta *catalog.RelationMeta, full, oldRow tuple.Tuple) error {
	keys := full[:meta.KeyArity()]
	for i := range meta.Indices {
		ix := &meta.Indices[i]
		if oldRow != nil {
			if err := indexDelOne(tx, meta, ix, oldRow); err != nil {
				return err
			}
		}
		if err := indexPutOne(tx, meta, ix, full, keys); err != nil {
			return err
		}
	}
	return nil
}

// indexDel removes every index entry of a deleted row.
func indexDel(tx storage.StoreTx, meta *catalog.RelationMeta, full tuple.Tuple) error {
	for i := range meta.Indices {
		if err := indexDelOne(tx, meta, &meta.Indices[i], full); err != nil {
			return err
		}
	}
	return nil
}

func indexPutOne(tx storage.StoreTx, meta *catalog.RelationMeta, ix *catalog.IndexDef, full, keys tuple.Tuple) error {
	vals, err := indexRowValues(meta, ix, full)
	if err != nil {
		return err
	}
	switch ix.Kind {
	case catalog.IndexCovering:
		k := ixKey(ix.Id, ixTagRow, append(vals.Clone(), keys...)...)
		return tx.Put(k, nil)

	case catalog.IndexUnique:
		k := ixKey(ix.Id, ixTagRow, vals...)
		existing, err := tx.Get(k, true)
		if err != nil {
			return err
		}
		if existing != nil {
			prevKeys, err := tuple.DecodeVals(existing)
			if err != nil {
				return err
			}
			if prevKeys.Compare(keys) != 0 {
				return kerr.Newf(kerr.Conflict, "index::unique_violation",
					"unique index %s on %s rejects a duplicate for %s",
					ix.Name, meta.Name, vals)
			}
		}
		return tx.Put(k, tuple.EncodeVals(keys))

	case catalog.IndexFTS:
		docId, err := ftsDocId(tx, ix, keys, true)
		if err != nil {
			return err
		}
		toks := map[string]struct{}{}
		for _, v := range vals {
			if s, ok := v.AsStr(); ok {
				for _, t := range Tokenize(ix, s) {
					toks[t] = struct{}{}
				}
			}
		}
		for tok := range toks {
			if err := ftsPostingAdd(tx, ix, tok, docId); err != nil {
				return err
			}
		}
		return nil

	case catalog.IndexHNSW:
		k := ixKey(ix.Id, ixTagRow, keys...)
		return tx.Put(k, tuple.EncodeVals(vals))

	case catalog.IndexLSH:
		for _, band := range lshBands(ix, vals) {
			k := ixKey(ix.Id, ixTagBand, append(tuple.Tuple{band}, keys...)...)
			if err := tx.Put(k, nil); err != nil {
				return err
			}
		}
		return nil
	}
	return kerr.Internalf("index::bad_kind", "unknown index kind %d", ix.Kind)
}

func indexDelOne(tx storage.StoreTx, meta *catalog.RelationMeta, ix *catalog.IndexDef, full tuple.Tuple) error {
	keys := full[:meta.KeyArity()]
	vals, err := indexRowValues(meta, ix, full)
	if err != nil {
		return err
	}
	switch ix.Kind {
	case catalog.IndexCovering:
		return tx.Del(ixKey(ix.Id, ixTagRow, append(vals.Clone(), keys...)...))
	case catalog.IndexUnique:
		k := ixKey(ix.Id, ixTagRow, vals...)
		existing, err := tx.Get(k, false)
		if err != nil {
			return err
		}
		if existing == nil {
			return nil
		}
		prevKeys, err := tuple.DecodeVals(existing)
		if err != nil {
			return err
		}
		if prevKeys.Compare(keys) == 0 {
			return tx.Del(k)
		}
		return nil
	case catalog.IndexFTS:
		docId, err := ftsDocId(tx, ix, keys, false)
		if err != nil || docId == 0 {
			return err
		}
		toks := map[string]struct{}{}
		for _, v := range vals {
			if s, ok := v.AsStr(); ok {
				for _, t := range Tokenize(ix, s) {
					toks[t] = struct{}{}
				}
			}
		}
		for tok := range toks {
			if err := ftsPostingRemove(tx, ix, tok, docId); err != nil {
				return err
			}
		}
		return nil
	case catalog.IndexHNSW:
		return tx.Del(ixKey(ix.Id, ixTagRow, keys...))
	case catalog.IndexLSH:
		for _, band := range lshBands(ix, vals) {
			if err := tx.Del(ixKey(ix.Id, ixTagBand, append(tuple.Tuple{band}, keys...)...)); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

// backfillIndex populates a freshly created index from the base rows.
func backfillIndex(tx storage.StoreTx, meta *catalog.RelationMeta, ix *catalog.IndexDef) error {
	lo, hi := tuple.RelBounds(meta.Id)
	it := tx.RangeScan(lo, hi)
	defer it.Close()
	var rows []tuple.Tuple
	for it.Next() {
		full, err := tuple.DecodeRow(it.Key(), it.Val())
		if err != nil {
			return err
		}
		rows = append(rows, full)
	}
	if err := it.Err(); err != nil {
		return err
	}
	for _, full := range rows {
		if err := indexPutOne(tx, meta, ix, full, full[:meta.KeyArity()]); err != nil {
			return err
		}
	}
	return nil
}

// ftsDocId resolves (or allocates) the dense doc id of a base key.
func ftsDocId(tx storage.StoreTx, ix *catalog.IndexDef, keys tuple.Tuple, create bool) (uint32, error) {
	docKey := ixKey(ix.Id, ixTagDoc, keys...)
	raw, err := tx.Get(docKey, false)
	if err != nil {
		return 0, err
	}
	if raw != nil {
		deps, err := tuple.DecodeVals(raw)
		if err != nil {
			return 0, err
		}
		i, _ := deps[0].AsInt()
		return uint32(i), nil
	}
	if !create {
		return 0, nil
	}
	seqKey := ixKey(ix.Id, ixTagSeq)
	rawSeq, err := tx.Get(seqKey, true)
	if err != nil {
		return 0, err
	}
	next := int64(1)
	if rawSeq != nil {
		deps, err := tuple.DecodeVals(rawSeq)
		if err != nil {
			return 0, err
		}
		next, _ = deps[0].AsInt()
	}
	if err := tx.Put(seqKey, tuple.EncodeVals(tuple.Tuple{value.Int(next + 1)})); err != nil {
		return 0, err
	}
	if err := tx.Put(docKey, tuple.EncodeVals(tuple.Tuple{value.Int(next)})); err != nil {
		return 0, err
	}
	rv := ixKey(ix.Id, ixTagDocRv, value.Int(next))
	if err := tx.Put(rv, tuple.EncodeVals(keys)); err != nil {
		return 0, err
	}
	return uint32(next), nil
}

func ftsPostingAdd(tx storage.StoreTx, ix *catalog.IndexDef, token string, docId uint32) error {
	return ftsPostingUpdate(tx, ix, token, func(bm *roaring.Bitmap) { bm.Add(docId) })
}

func ftsPostingRemove(tx storage.StoreTx, ix *catalog.IndexDef, token string, docId uint32) error {
	return ftsPostingUpdate(tx, ix, token, func(bm *roaring.Bitmap) { bm.Remove(docId) })
}

func ftsPostingUpdate(tx storage.StoreTx, ix *catalog.IndexDef, token string, f func(*roaring.Bitmap)) error {
	k := ixKey(ix.Id, ixTagTok, value.Str(token))
	raw, err := tx.Get(k, true)
	if err != nil {
		return err
	}
	bm := roaring.New()
	if raw != nil {
		if err := bm.UnmarshalBinary(raw); err != nil {
			return kerr.Internalf("index::bad_posting", "corrupt posting list for %q", token)
		}
	}
	f(bm)
	if bm.IsEmpty() {
		return tx.Del(k)
	}
	out, err := bm.MarshalBinary()
	if err != nil {
		return kerr.Internalf("index::bad_posting", "cannot encode posting list: %v", err)
	}
	return tx.Put(k, out)
}

// FtsSearch returns the base keys of rows containing every token of the
// query, per the index's tokenizer.
func FtsSearch(tx storage.StoreTx, meta *catalog.RelationMeta, ix *catalog.IndexDef, query string) ([]tuple.Tuple, error) {
	toks := Tokenize(ix, query)
	if len(toks) == 0 {
		return nil, nil
	}
	var acc *roaring.Bitmap
	for _, tok := range toks {
		raw, err := tx.Get(ixKey(ix.Id, ixTagTok, value.Str(tok)), false)
		if err != nil {
			return nil, err
		}
		bm := roaring.New()
		if raw != nil {
			if err := bm.UnmarshalBinary(raw); err != nil {
				return nil, kerr.Internalf("index::bad_posting", "corrupt posting list for %q", tok)
			}
		}
		if acc == nil {
			acc = bm
		} else {
			acc.And(bm)
		}
		if acc.IsEmpty() {
			return nil, nil
		}
	}
	var out []tuple.Tuple
	itr := acc.Iterator()
	for itr.HasNext() {
		docId := itr.Next()
		raw, err := tx.Get(ixKey(ix.Id, ixTagDocRv, value.Int(int64(docId))), false)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			continue
		}
		keys, err := tuple.DecodeVals(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, keys)
	}
	return out, nil
}

// Tokenize applies the index's tokenizer pipeline to one text.
func Tokenize(ix *catalog.IndexDef, text string) []string {
	var toks []string
	switch ix.Tokenizer {
	case "raw":
		toks = []string{text}
	case "whitespace":
		toks = strings.Fields(text)
	case "ngram":
		n := ix.NGram
		if n <= 0 {
			n = 3
		}
		runes := []rune(strings.ToLower(text))
		for i := 0; i+n <= len(runes); i++ {
			toks = append(toks, string(runes[i:i+n]))
		}
	default: // "simple" and unset
		toks = strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
	}
	if len(ix.Stopwords) == 0 {
		return toks
	}
	stop := map[string]struct{}{}
	for _, s := range ix.Stopwords {
		stop[s] = struct{}{}
	}
	kept := toks[:0]
	for _, t := range toks {
		if _, drop := stop[t]; !drop {
			kept = append(kept, t)
		}
	}
	return kept
}

// lshBands computes the MinHash band keys of a row's text columns. The
// signature uses xxhash with per-permutation seeds; bands of equal hash
// become candidate pairs.
func lshBands(ix *catalog.IndexDef, vals tuple.Tuple) []value.Value {
	perms := ix.Perms
	if perms <= 0 {
		perms = 32
	}
	bands := perms / 4
	if bands == 0 {
		bands = 1
	}
	var shingles []string
	for _, v := range vals {
		if s, ok := v.AsStr(); ok {
			runes := []rune(strings.ToLower(s))
			for i := 0; i+3 <= len(runes); i++ {
				shingles = append(shingles, string(runes[i:i+3]))
			}
		}
	}
	if len(shingles) == 0 {
		return nil
	}
	sig := make([]uint64, perms)
	for i := range sig {
		sig[i] = math.MaxUint64
	}
	for _, sh := range shingles {
		base := xxhash.Sum64String(sh)
		for i := 0; i < perms; i++ {
			// Cheap per-permutation mixing of one strong hash.
			h := base ^ (uint64(i+1) * 0x9E3779B97F4A7C15)
			h ^= h >> 33
			h *= 0xFF51AFD7ED558CCD
			h ^= h >> 33
			if h < sig[i] {
				sig[i] = h
			}
		}
	}
	rows := perms / bands
	out := make([]value.Value, 0, bands)
	for b := 0; b < bands; b++ {
		d := xxhash.New()
		for r := 0; r < rows; r++ {
			var buf [8]byte
			v := sig[b*rows+r]
			for i := 0; i < 8; i++ {
				buf[i] = byte(v >> (8 * i))
			}
			_, _ = d.Write(buf[:])
		}
		out = append(out, value.Int(int64(b)<<56|int64(d.Sum64()&0x00FFFFFFFFFFFFFF)))
	}
	return out
}

// LshCandidates returns the base keys sharing at least one band with
// the query text.
func LshCandidates(tx storage.StoreTx, ix *catalog.IndexDef, text string) ([]tuple.Tuple, error) {
	bands := lshBands(ix, tuple.Tuple{value.Str(text)})
	seen := map[string]tuple.Tuple{}
	for _, band := range bands {
		lo, hi := tuple.ScanBounds(ix.Id, tuple.Tuple{value.Str(ixTagBand), band})
		it := tx.RangeScan(lo, hi)
		for it.Next() {
			_, t, err := tuple.DecodeKey(it.Key())
			if err != nil {
				it.Close()
				return nil, err
			}
			keys := t[2:] // strip tag and band
			seen[string(tuple.EncodeKey(0, keys))] = keys
		}
		err := it.Err()
		it.Close()
		if err != nil {
			return nil, err
		}
	}
	out := make([]tuple.Tuple, 0, len(seen))
	for _, k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out, nil
}

// KnnSearch is the reference vector search behind the HNSW index
// contract: an exact scan over the stored vectors. Interchangeable with
// a true HNSW implementation; only the transactional obligations are
// fixed.
func KnnSearch(tx storage.StoreTx, ix *catalog.IndexDef, query value.Vector, k int) ([]tuple.Tuple, []float64, error) {
	type hit struct {
		keys tuple.Tuple
		dist float64
	}
	var hits []hit
	lo, hi := tuple.ScanBounds(ix.Id, tuple.Tuple{value.Str(ixTagRow)})
	it := tx.RangeScan(lo, hi)
	defer it.Close()
	for it.Next() {
		_, t, err := tuple.DecodeKey(it.Key())
		if err != nil {
			return nil, nil, err
		}
		vals, err := tuple.DecodeVals(it.Val())
		if err != nil {
			return nil, nil, err
		}
		if len(vals) == 0 {
			continue
		}
		vec, ok := vals[0].AsVec()
		if !ok || vec.Len() != query.Len() {
			continue
		}
		d := 0.0
		for i := 0; i < vec.Len(); i++ {
			diff := vec.At(i) - query.At(i)
			d += diff * diff
		}
		hits = append(hits, hit{keys: t[1:], dist: math.Sqrt(d)})
	}
	if err := it.Err(); err != nil {
		return nil, nil, err
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	keys := make([]tuple.Tuple, len(hits))
	dists := make([]float64, len(hits))
	for i, h := range hits {
		keys[i] = h.keys
		dists[i] = h.dist
	}
	return keys, dists, nil
}
