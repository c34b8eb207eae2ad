// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package parse

import (
	"strconv"

	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/expr"
)

// parseOp parses a ::-prefixed schema or system operation.
func (p *parser) parseOp() (*Parsed, error) {
	start := p.cur().Start
	p.advance() // ::
	nameTok, err := p.expect(TokenIdent)
	if err != nil {
		return nil, err
	}
	switch nameTok.Text {
	// System operations.
	case "running":
		return p.finishSys(&SysOp{Op: SysRunning})
	case "kill":
		idTok, err := p.expect(TokenInt)
		if err != nil {
			return nil, err
		}
		id, err := strconv.ParseUint(idTok.Literal, 10, 64)
		if err != nil {
			return nil, p.errHere("parser::bad_number", "malformed query id")
		}
		return p.finishSys(&SysOp{Op: SysKill, Id: id})
	case "compact":
		return p.finishSys(&SysOp{Op: SysCompact})
	case "relations":
		return p.finishSys(&SysOp{Op: SysRelations})
	case "columns":
		rel, err := p.expect(TokenIdent)
		if err != nil {
			return nil, err
		}
		return p.finishSys(&SysOp{Op: SysColumns, Name: rel.Text})
	case "indices":
		rel, err := p.expect(TokenIdent)
		if err != nil {
			return nil, err
		}
		return p.finishSys(&SysOp{Op: SysIndices, Name: rel.Text})
	case "explain":
		inner, err := p.braceBlockSource()
		if err != nil {
			return nil, err
		}
		sub, err := ParseScript(inner)
		if err != nil {
			return nil, err
		}
		if sub.Kind != ScriptQuery {
			return nil, p.errHere("parser::bad_explain", "::explain takes a query")
		}
		return p.finishSys(&SysOp{Op: SysExplain, Query: sub.Query})

	// Schema operations.
	case "create", "replace":
		op := &SchemaOp{Op: SchemaCreate}
		if nameTok.Text == "replace" {
			op.Op = SchemaReplace
		}
		relTok, err := p.expect(TokenIdent)
		if err != nil {
			return nil, err
		}
		op.Name = relTok.Text
		op.Keys, op.Deps, err = p.parseColumnSpecs()
		if err != nil {
			return nil, err
		}
		return p.finishSchema(op, start)
	case "remove":
		op := &SchemaOp{Op: SchemaRemove}
		for {
			relTok, err := p.expect(TokenIdent)
			if err != nil {
				return nil, err
			}
			op.Names = append(op.Names, relTok.Text)
			if _, ok := p.accept(TokenComma); !ok {
				break
			}
		}
		return p.finishSchema(op, start)
	case "rename":
		oldTok, err := p.expect(TokenIdent)
		if err != nil {
			return nil, err
		}
		p.accept(TokenComma)
		newTok, err := p.expect(TokenIdent)
		if err != nil {
			return nil, err
		}
		return p.finishSchema(&SchemaOp{Op: SchemaRename, Name: oldTok.Text, NewName: newTok.Text}, start)
	case "index":
		return p.parseIndexOp(start, SchemaIndexCreate, SchemaIndexDrop, true)
	case "fts":
		return p.parseIndexOp(start, SchemaFtsCreate, SchemaFtsDrop, false)
	case "hnsw":
		return p.parseIndexOp(start, SchemaHnswCreate, SchemaHnswDrop, false)
	case "lsh":
		return p.parseIndexOp(start, SchemaLshCreate, SchemaLshDrop, false)
	case "access_level":
		levelTok, err := p.expect(TokenIdent)
		if err != nil {
			return nil, err
		}
		op := &SchemaOp{Op: SchemaAccessLevel, Access: levelTok.Text}
		for {
			relTok, err := p.expect(TokenIdent)
			if err != nil {
				return nil, err
			}
			op.Names = append(op.Names, relTok.Text)
			if _, ok := p.accept(TokenComma); !ok {
				break
			}
		}
		return p.finishSchema(op, start)
	case "trigger":
		relTok, err := p.expect(TokenIdent)
		if err != nil {
			return nil, err
		}
		op := &SchemaOp{Op: SchemaTrigger, Name: relTok.Text}
		for p.cur().Type == TokenIdent && p.cur().Text == "on" {
			p.advance()
			opTok, err := p.expect(TokenIdent)
			if err != nil {
				return nil, err
			}
			switch opTok.Text {
			case "put", "rm", "replace":
			default:
				return nil, p.errHere("parser::bad_trigger",
					"triggers fire on put, rm or replace, not %s", opTok.Text)
			}
			script, err := p.braceBlockSource()
			if err != nil {
				return nil, err
			}
			op.Triggers = append(op.Triggers, TriggerSpec{On: opTok.Text, Script: script})
		}
		return p.finishSchema(op, start)
	}
	return nil, p.errHere("parser::unknown_op", "unknown operation ::%s", nameTok.Text)
}

// parseIndexOp handles ::index|::fts|::hnsw|::lsh create rel:name {...}
// and ... drop rel:name.
func (p *parser) parseIndexOp(start int, createKind, dropKind SchemaOpKind, plainColumns bool) (*Parsed, error) {
	verbTok, err := p.expect(TokenIdent)
	if err != nil {
		return nil, err
	}
	relTok, err := p.expect(TokenIdent)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenColon); err != nil {
		return nil, err
	}
	idxTok, err := p.expect(TokenIdent)
	if err != nil {
		return nil, err
	}
	op := &SchemaOp{Name: relTok.Text, IndexName: idxTok.Text}
	switch verbTok.Text {
	case "drop":
		op.Op = dropKind
		return p.finishSchema(op, start)
	case "create":
		op.Op = createKind
	default:
		return nil, p.errHere("parser::bad_option", "expected create or drop, found %s", verbTok.Text)
	}
	if plainColumns {
		// ::index create rel:name {col, col}
		headers, _, err := p.parseHeaderSpec()
		if err != nil {
			return nil, err
		}
		op.IndexColumns = headers
		// A trailing `unique` marker upgrades to a unique index.
		if p.cur().Type == TokenIdent && p.cur().Text == "unique" {
			p.advance()
			op.IndexOptions = map[string]expr.Expr{"unique": expr.Const{}}
		}
		return p.finishSchema(op, start)
	}
	// Option block form: {key: expr, ...}.
	op.IndexOptions = map[string]expr.Expr{}
	if _, err := p.expect(TokenLBrace); err != nil {
		return nil, err
	}
	for p.cur().Type != TokenRBrace {
		keyTok, err := p.expect(TokenIdent)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenColon); err != nil {
			return nil, err
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		op.IndexOptions[keyTok.Text] = e
		if _, ok := p.accept(TokenComma); !ok {
			break
		}
	}
	if _, err := p.expect(TokenRBrace); err != nil {
		return nil, err
	}
	return p.finishSchema(op, start)
}

// braceBlockSource consumes a balanced { ... } group and returns the raw
// source between the braces. Strings were already tokenized, so braces
// inside literals do not confuse the balance count.
func (p *parser) braceBlockSource() (string, error) {
	open, err := p.expect(TokenLBrace)
	if err != nil {
		return "", err
	}
	depth := 1
	for {
		tok := p.cur()
		switch tok.Type {
		case TokenLBrace:
			depth++
		case TokenRBrace:
			depth--
			if depth == 0 {
				p.advance()
				return p.src[open.End:tok.Start], nil
			}
		case TokenEOF:
			return "", p.errHere("parser::unbalanced", "unbalanced braces in block")
		}
		p.advance()
	}
}

func (p *parser) finishSys(op *SysOp) (*Parsed, error) {
	if err := p.expectEOF(); err != nil {
		return nil, err
	}
	return &Parsed{Kind: ScriptSys, Sys: op}, nil
}

func (p *parser) finishSchema(op *SchemaOp, start int) (*Parsed, error) {
	if err := p.expectEOF(); err != nil {
		return nil, err
	}
	op.Span = kerr.Span{Start: start, End: p.cur().End}
	return &Parsed{Kind: ScriptSchema, Schema: op}, nil
}

func (p *parser) expectEOF() error {
	if p.cur().Type != TokenEOF {
		return p.errHere("parser::trailing_input", "unexpected input after the operation")
	}
	return nil
}
