// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package fixedrule

import (
	"bufio"
	"os"
	"sort"
	"strings"

	gojson "github.com/goccy/go-json"

	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/eval"
	"github.com/kraklabs/krakdb/internal/expr"
	"github.com/kraklabs/krakdb/internal/tuple"
	"github.com/kraklabs/krakdb/internal/value"
)

func init() {
	registerBuiltin("Constant", &constantRule{})
	registerBuiltin("JsonReader", &jsonReader{})
	registerBuiltin("ReorderSort", &reorderSort{})
}

// constantRule materializes an inline data literal; <- rules lower to
// it.
type constantRule struct{}

func (constantRule) Arity(options map[string]expr.Expr, head []string) (int, error) {
	if len(head) > 0 {
		return len(head), nil
	}
	// Without a head the arity comes from the first data row.
	e, ok := options["data"]
	if !ok {
		return 0, kerr.New(kerr.Schema, "fixed::bad_option", "Constant requires a data option")
	}
	if c, isConst := e.(expr.Const); isConst {
		if rows, isList := c.Val.AsList(); isList && len(rows) > 0 {
			if row, ok := rows[0].AsList(); ok {
				return len(row), nil
			}
		}
	}
	return 0, nil
}

func (constantRule) Run(p *Payload, out Out, poison *eval.Poison) error {
	e, ok := p.Options["data"]
	if !ok {
		return kerr.New(kerr.Schema, "fixed::bad_option", "Constant requires a data option").
			WithSpan(p.Span)
	}
	v, err := e.Eval(&expr.Env{Params: p.Params})
	if err != nil {
		return err
	}
	rows, ok := v.AsList()
	if !ok {
		return kerr.Newf(kerr.Schema, "fixed::bad_option",
			"Constant data must be a list of rows, got %s", v).WithSpan(p.Span)
	}
	for i, r := range rows {
		if i%1024 == 0 {
			if err := poison.Check(); err != nil {
				return err
			}
		}
		cols, ok := r.AsList()
		if !ok {
			return kerr.Newf(kerr.Schema, "fixed::bad_option",
				"Constant rows must be lists, got %s", r).WithSpan(p.Span)
		}
		if err := out(tuple.Tuple(cols)); err != nil {
			return err
		}
	}
	return nil
}

// jsonReader streams rows out of a JSON or JSON-lines file.
type jsonReader struct{}

func (jsonReader) Arity(options map[string]expr.Expr, head []string) (int, error) {
	fields, err := constStringList(options["fields"])
	if err != nil {
		return 0, err
	}
	n := len(fields)
	if flagSet(options["prepend_index"]) {
		n++
	}
	if n == 0 {
		return 0, kerr.New(kerr.Schema, "fixed::bad_option", "JsonReader requires a fields option")
	}
	return n, nil
}

func (jsonReader) Run(p *Payload, out Out, poison *eval.Poison) error {
	url, err := p.StrOption("url", "")
	if err != nil {
		return err
	}
	if url == "" {
		return kerr.New(kerr.Schema, "fixed::bad_option", "JsonReader requires a url option").
			WithSpan(p.Span)
	}
	path := strings.TrimPrefix(url, "file://")
	fields, err := constStringList(p.Options["fields"])
	if err != nil {
		return withSpan(err, p.Span)
	}
	jsonLines, err := p.BoolOption("json_lines", true)
	if err != nil {
		return err
	}
	nullIfAbsent, err := p.BoolOption("null_if_absent", false)
	if err != nil {
		return err
	}
	prependIndex, err := p.BoolOption("prepend_index", false)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return kerr.Newf(kerr.Runtime, "fixed::io", "cannot open %s", path).Wrap(err).WithSpan(p.Span)
	}
	defer f.Close()

	emit := func(idx int64, doc map[string]any) error {
		row := make(tuple.Tuple, 0, len(fields)+1)
		if prependIndex {
			row = append(row, value.Int(idx))
		}
		for _, field := range fields {
			raw, ok := doc[field]
			if !ok {
				if !nullIfAbsent {
					return kerr.Newf(kerr.Runtime, "fixed::missing_field",
						"document %d has no field %s", idx, field)
				}
				row = append(row, value.Null)
				continue
			}
			v, err := value.FromJson(raw)
			if err != nil {
				return err
			}
			row = append(row, v)
		}
		return out(row)
	}

	if jsonLines {
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 1024*1024), 16*1024*1024)
		idx := int64(0)
		for sc.Scan() {
			if err := poison.Check(); err != nil {
				return err
			}
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			var doc map[string]any
			if err := gojson.Unmarshal([]byte(line), &doc); err != nil {
				return kerr.Newf(kerr.Runtime, "fixed::bad_json",
					"line %d is not a JSON object", idx+1).Wrap(err)
			}
			if err := emit(idx, doc); err != nil {
				return err
			}
			idx++
		}
		return sc.Err()
	}

	var docs []map[string]any
	dec := gojson.NewDecoder(f)
	if err := dec.Decode(&docs); err != nil {
		return kerr.New(kerr.Runtime, "fixed::bad_json", "the file is not a JSON array of objects").Wrap(err)
	}
	for i, doc := range docs {
		if i%256 == 0 {
			if err := poison.Check(); err != nil {
				return err
			}
		}
		if err := emit(int64(i), doc); err != nil {
			return err
		}
	}
	return nil
}

func constStringList(e expr.Expr) ([]string, error) {
	if e == nil {
		return nil, nil
	}
	v, err := e.Eval(&expr.Env{})
	if err != nil {
		return nil, err
	}
	l, ok := v.AsList()
	if !ok {
		return nil, kerr.New(kerr.Schema, "fixed::bad_option", "expected a list of strings")
	}
	out := make([]string, len(l))
	for i, s := range l {
		str, ok := s.AsStr()
		if !ok {
			return nil, kerr.New(kerr.Schema, "fixed::bad_option", "expected a list of strings")
		}
		out[i] = str
	}
	return out, nil
}

func flagSet(e expr.Expr) bool {
	if e == nil {
		return false
	}
	v, err := e.Eval(&expr.Env{})
	if err != nil {
		return false
	}
	b, _ := v.AsBool()
	return b
}

// reorderSort re-sorts an input relation by chosen columns.
type reorderSort struct{}

func (reorderSort) Arity(options map[string]expr.Expr, head []string) (int, error) {
	return len(head), nil
}

func (reorderSort) Run(p *Payload, out Out, poison *eval.Poison) error {
	in, err := p.Input(0)
	if err != nil {
		return err
	}
	descending, err := p.BoolOption("descending", false)
	if err != nil {
		return err
	}
	skip, err := p.IntOption("skip", 0)
	if err != nil {
		return err
	}
	take, err := p.IntOption("take", 0)
	if err != nil {
		return err
	}
	var sortBy []int
	if e, ok := p.Options["sort_by"]; ok {
		v, err := e.Eval(&expr.Env{Params: p.Params})
		if err != nil {
			return err
		}
		l, isList := v.AsList()
		if !isList {
			return p.badOption("sort_by", "a list of column indices", v)
		}
		for _, c := range l {
			i, isInt := c.AsInt()
			if !isInt {
				return p.badOption("sort_by", "a list of column indices", c)
			}
			sortBy = append(sortBy, int(i))
		}
	}
	prependIndex, err := p.BoolOption("prepend_index", false)
	if err != nil {
		return err
	}

	var rows []tuple.Tuple
	if err := in.Iter(func(t tuple.Tuple) (bool, error) {
		rows = append(rows, t.Clone())
		return true, nil
	}); err != nil {
		return err
	}
	if err := poison.Check(); err != nil {
		return err
	}

	sort.SliceStable(rows, func(a, b int) bool {
		cmp := 0
		if len(sortBy) == 0 {
			cmp = rows[a].Compare(rows[b])
		} else {
			for _, c := range sortBy {
				if c < len(rows[a]) && c < len(rows[b]) {
					if cmp = rows[a][c].Compare(rows[b][c]); cmp != 0 {
						break
					}
				}
			}
		}
		if descending {
			return cmp > 0
		}
		return cmp < 0
	})

	if skip > 0 && int(skip) < len(rows) {
		rows = rows[skip:]
	} else if skip > 0 {
		rows = nil
	}
	if take > 0 && int(take) < len(rows) {
		rows = rows[:take]
	}
	for i, r := range rows {
		if i%1024 == 0 {
			if err := poison.Check(); err != nil {
				return err
			}
		}
		if prependIndex {
			r = append(tuple.Tuple{value.Int(int64(i))}, r...)
		}
		if err := out(r); err != nil {
			return err
		}
	}
	return nil
}
