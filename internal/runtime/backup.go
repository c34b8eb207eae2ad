// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package runtime

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	gojson "github.com/goccy/go-json"
	"github.com/golang/snappy"

	"github.com/kraklabs/krakdb/internal/catalog"
	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/storage"
	"github.com/kraklabs/krakdb/internal/tuple"
	"github.com/kraklabs/krakdb/internal/value"
)

// backupMagic heads every backup file; the trailing digit versions the
// framing.
var backupMagic = []byte("KRAKBK1\n")

// ExportRelations reads whole stored relations into tabular form,
// consistently within one read transaction.
func (e *Engine) ExportRelations(names []string) (map[string]*Rows, error) {
	snap := e.cat.Snapshot()
	tx, err := e.store.Transact(false)
	if err != nil {
		return nil, err
	}
	defer tx.Discard()

	out := make(map[string]*Rows, len(names))
	for _, name := range names {
		meta, err := snap.Must(name)
		if err != nil {
			return nil, err
		}
		rows, err := readRelation(tx, meta)
		if err != nil {
			return nil, err
		}
		out[name] = rows
	}
	return out, nil
}

func readRelation(tx storage.StoreTx, meta *catalog.RelationMeta) (*Rows, error) {
	rows := &Rows{Headers: headerNames(meta)}
	lo, hi := tuple.RelBounds(meta.Id)
	it := tx.RangeScan(lo, hi)
	defer it.Close()
	for it.Next() {
		full, err := tuple.DecodeRow(it.Key(), it.Val())
		if err != nil {
			return nil, err
		}
		rows.Rows = append(rows.Rows, full)
	}
	return rows, it.Err()
}

// ImportRelations bulk-writes rows into existing relations. The copy is
// atomic (one transaction) and bypasses triggers by design; indices are
// still maintained.
func (e *Engine) ImportRelations(data map[string]*Rows) error {
	snap := e.cat.Snapshot()
	tx, err := e.store.Transact(true)
	if err != nil {
		return err
	}
	defer tx.Discard()
	now := value.NowMicros()

	for name, rows := range data {
		meta, err := snap.Must(name)
		if err != nil {
			return err
		}
		mapping, err := buildMapping(meta, rows.Headers, rows.Headers, false)
		if err != nil {
			return err
		}
		if _, err := putRows(tx, mapping, rows.Rows, nil, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Backup writes a consistent snapshot of every stored relation (hidden
// ones included) into a snappy-framed, length-prefixed file.
func (e *Engine) Backup(path string) error {
	snap := e.cat.Snapshot()
	tx, err := e.store.Transact(false)
	if err != nil {
		return err
	}
	defer tx.Discard()

	f, err := os.Create(path)
	if err != nil {
		return kerr.New(kerr.Storage, "backup::io", "cannot create the backup file").Wrap(err)
	}
	defer f.Close()
	if _, err := f.Write(backupMagic); err != nil {
		return kerr.New(kerr.Storage, "backup::io", "cannot write the backup header").Wrap(err)
	}
	w := snappy.NewBufferedWriter(f)

	names := snap.Names()
	if err := writeUvarint(w, uint64(len(names))); err != nil {
		return err
	}
	for _, name := range names {
		meta, _ := snap.Get(name)
		rawMeta, err := gojson.Marshal(meta)
		if err != nil {
			return kerr.Internalf("backup::encode", "cannot encode metadata: %v", err)
		}
		if err := writeChunk(w, []byte(name)); err != nil {
			return err
		}
		if err := writeChunk(w, rawMeta); err != nil {
			return err
		}
		rows, err := readRelation(tx, meta)
		if err != nil {
			return err
		}
		if err := writeUvarint(w, uint64(len(rows.Rows))); err != nil {
			return err
		}
		for _, r := range rows.Rows {
			if err := writeChunk(w, tuple.EncodeVals(r)); err != nil {
				return err
			}
		}
	}
	if err := w.Close(); err != nil {
		return kerr.New(kerr.Storage, "backup::io", "cannot flush the backup").Wrap(err)
	}
	return f.Sync()
}

// Restore loads a backup file into an empty database: relations are
// recreated with their persisted metadata and rows re-inserted through
// index maintenance, so secondary indices rebuild on the way in.
func (e *Engine) Restore(path string) error {
	if len(e.cat.Snapshot().Rels) != 0 {
		return kerr.New(kerr.Schema, "backup::not_empty",
			"restore requires an empty target database")
	}
	f, err := os.Open(path)
	if err != nil {
		return kerr.New(kerr.Storage, "backup::io", "cannot open the backup file").Wrap(err)
	}
	defer f.Close()
	head := make([]byte, len(backupMagic))
	if _, err := io.ReadFull(f, head); err != nil || string(head) != string(backupMagic) {
		return kerr.New(kerr.Storage, "backup::bad_file", "the file is not a krakdb backup")
	}
	r := bufio.NewReader(snappy.NewReader(f))

	e.schemaMu.Lock()
	defer e.schemaMu.Unlock()
	tx, err := e.store.Transact(true)
	if err != nil {
		return err
	}
	defer tx.Discard()

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return badBackup(err)
	}
	var publishers []func()
	maxId := tuple.UserIdStart
	for i := uint64(0); i < count; i++ {
		if _, err := readChunk(r); err != nil { // name, redundant with meta
			return badBackup(err)
		}
		rawMeta, err := readChunk(r)
		if err != nil {
			return badBackup(err)
		}
		var meta catalog.RelationMeta
		if err := gojson.Unmarshal(rawMeta, &meta); err != nil {
			return badBackup(err)
		}
		if meta.Id >= maxId {
			maxId = meta.Id + 1
		}
		for _, ix := range meta.Indices {
			if ix.Id >= maxId {
				maxId = ix.Id + 1
			}
		}
		pub, err := e.cat.Create(tx, &meta, false)
		if err != nil {
			return err
		}
		publishers = append(publishers, pub)

		nRows, err := binary.ReadUvarint(r)
		if err != nil {
			return badBackup(err)
		}
		for j := uint64(0); j < nRows; j++ {
			raw, err := readChunk(r)
			if err != nil {
				return badBackup(err)
			}
			full, err := tuple.DecodeVals(raw)
			if err != nil {
				return err
			}
			keys := full[:meta.KeyArity()]
			deps := full[meta.KeyArity():]
			if err := tx.Put(tuple.EncodeKey(meta.Id, keys), tuple.EncodeVals(deps)); err != nil {
				return err
			}
			if err := indexPut(tx, &meta, full, nil); err != nil {
				return err
			}
		}
	}
	// Bump the id sequence past everything restored.
	seqKey := tuple.EncodeKey(catalog.RelSequence, tuple.Tuple{value.Str("relation_id")})
	if err := tx.Put(seqKey, tuple.EncodeVals(tuple.Tuple{value.Int(int64(maxId))})); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, p := range publishers {
		p()
	}
	return nil
}

func badBackup(err error) error {
	return kerr.New(kerr.Storage, "backup::bad_file", "truncated or corrupt backup").Wrap(err)
}

func writeUvarint(w io.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	if _, err := w.Write(buf[:n]); err != nil {
		return kerr.New(kerr.Storage, "backup::io", "write failed").Wrap(err)
	}
	return nil
}

func writeChunk(w io.Writer, b []byte) error {
	if err := writeUvarint(w, uint64(len(b))); err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return kerr.New(kerr.Storage, "backup::io", "write failed").Wrap(err)
	}
	return nil
}

func readChunk(r *bufio.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
