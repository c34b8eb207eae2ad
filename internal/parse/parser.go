// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package parse

import (
	"strconv"
	"strings"

	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/expr"
	"github.com/kraklabs/krakdb/internal/program"
	"github.com/kraklabs/krakdb/internal/value"
)

// ScriptKind is the top-level classification of one script.
type ScriptKind int

const (
	ScriptQuery ScriptKind = iota + 1
	ScriptSchema
	ScriptSys
)

// Parsed is the result of ParseScript; exactly one payload is set.
type Parsed struct {
	Kind   ScriptKind
	Query  *program.InputProgram
	Schema *SchemaOp
	Sys    *SysOp
}

// SchemaOpKind discriminates schema operations.
type SchemaOpKind int

const (
	SchemaCreate SchemaOpKind = iota + 1
	SchemaReplace
	SchemaRemove
	SchemaRename
	SchemaIndexCreate
	SchemaIndexDrop
	SchemaFtsCreate
	SchemaFtsDrop
	SchemaHnswCreate
	SchemaHnswDrop
	SchemaLshCreate
	SchemaLshDrop
	SchemaAccessLevel
	SchemaTrigger
)

// SchemaOp is one parsed schema operation.
type SchemaOp struct {
	Op      SchemaOpKind
	Name    string   // target relation
	NewName string   // rename target
	Names   []string // remove / access_level targets
	Keys    []program.ColumnSpec
	Deps    []program.ColumnSpec

	IndexName    string
	IndexColumns []string
	IndexOptions map[string]expr.Expr

	Access   string
	Triggers []TriggerSpec
	Span     kerr.Span
}

// TriggerSpec is one `on <op> { script }` clause.
type TriggerSpec struct {
	On     string
	Script string
}

// SysOpKind discriminates system operations.
type SysOpKind int

const (
	SysRunning SysOpKind = iota + 1
	SysKill
	SysCompact
	SysRelations
	SysColumns
	SysIndices
	SysExplain
)

// SysOp is one parsed system operation.
type SysOp struct {
	Op    SysOpKind
	Id    uint64
	Name  string
	Query *program.InputProgram
}

// ParseScript parses one script into a query, a schema op or a system
// op. The three forms are mutually exclusive per call.
func ParseScript(src string) (*Parsed, error) {
	toks, err := NewLexer(src).Tokens()
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	if p.cur().Type == TokenDblColon {
		return p.parseOp()
	}
	q, err := p.parseQuery()
	if err != nil {
		return nil, err
	}
	return &Parsed{Kind: ScriptQuery, Query: q}, nil
}

type parser struct {
	src  string
	toks []Token
	pos  int
}

func (p *parser) cur() Token { return p.toks[p.pos] }

func (p *parser) peek(n int) Token {
	if p.pos+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+n]
}

func (p *parser) advance() Token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) accept(t TokenType) (Token, bool) {
	if p.cur().Type == t {
		return p.advance(), true
	}
	return Token{}, false
}

func (p *parser) expect(t TokenType) (Token, error) {
	if p.cur().Type == t {
		return p.advance(), nil
	}
	return Token{}, p.errHere("parser::expected_token", "expected %s, found %s", t, p.cur().Type)
}

func (p *parser) errHere(code, format string, args ...any) error {
	tok := p.cur()
	return kerr.Newf(kerr.Parse, code, format, args...).
		WithSpan(kerr.Span{Start: tok.Start, End: tok.End})
}

func (p *parser) span(from int) kerr.Span {
	return kerr.Span{Start: from, End: p.cur().Start}
}

// parseQuery parses inline rules, constant rules, fixed-rule applications
// and trailing options.
func (p *parser) parseQuery() (*program.InputProgram, error) {
	prog := &program.InputProgram{
		Rules: map[string][]program.InputRule{},
		Fixed: map[string]*program.FixedApply{},
	}
	prog.Options.OutKeyCount = -1
	for p.cur().Type != TokenEOF {
		if p.cur().Type == TokenColon {
			if err := p.parseOption(&prog.Options); err != nil {
				return nil, err
			}
			continue
		}
		if err := p.parseRuleDef(prog); err != nil {
			return nil, err
		}
	}
	if len(prog.Rules) == 0 && len(prog.Fixed) == 0 {
		// A bare :create / :replace block is a schema definition with no
		// rows to feed it; anything else without rules is malformed.
		if prog.Options.OutMode != program.OutCreate && prog.Options.OutMode != program.OutReplace {
			return nil, kerr.New(kerr.Parse, "parser::empty_query", "the query defines no rules").
				WithSpan(kerr.Span{Start: 0, End: len(p.src)})
		}
	}
	return prog, nil
}

func (p *parser) parseRuleName() (string, error) {
	if _, ok := p.accept(TokenQuestion); ok {
		return program.EntryName, nil
	}
	tok, err := p.expect(TokenIdent)
	if err != nil {
		return "", err
	}
	return tok.Text, nil
}

func (p *parser) parseRuleDef(prog *program.InputProgram) error {
	start := p.cur().Start
	name, err := p.parseRuleName()
	if err != nil {
		return err
	}
	if strings.HasPrefix(name, program.MagicPrefix) {
		return p.errHere("parser::reserved_name", "rule name %s is reserved", name)
	}
	if _, err := p.expect(TokenLBracket); err != nil {
		return err
	}
	head, aggrs, err := p.parseHead()
	if err != nil {
		return err
	}

	switch p.cur().Type {
	case TokenDefine:
		p.advance()
		bodies, err := p.parseBodies()
		if err != nil {
			return err
		}
		for _, body := range bodies {
			prog.Rules[name] = append(prog.Rules[name], program.InputRule{
				Head:  head,
				Aggrs: aggrs,
				Body:  body,
				Span:  p.span(start),
			})
		}
		return nil
	case TokenConstDef:
		p.advance()
		data, err := p.parseExpr()
		if err != nil {
			return err
		}
		if _, dup := prog.Fixed[name]; dup || len(prog.Rules[name]) > 0 {
			return p.errHere("parser::dup_rule", "rule %s defined more than once", name)
		}
		prog.Fixed[name] = &program.FixedApply{
			Algo:    "Constant",
			Options: map[string]expr.Expr{"data": data},
			Head:    head,
			Arity:   len(head),
			Span:    p.span(start),
		}
		return nil
	case TokenFixedDef:
		p.advance()
		fa, err := p.parseFixedApply(head)
		if err != nil {
			return err
		}
		fa.Span = p.span(start)
		if _, dup := prog.Fixed[name]; dup || len(prog.Rules[name]) > 0 {
			return p.errHere("parser::dup_rule", "rule %s defined more than once", name)
		}
		prog.Fixed[name] = fa
		return nil
	}
	return p.errHere("parser::expected_token", "expected :=, <- or <~ after the rule head")
}

// parseHead parses head columns up to the closing bracket. A column is a
// variable or aggr(variable, const...).
func (p *parser) parseHead() (head []string, aggrs []*program.AggrApply, err error) {
	if _, ok := p.accept(TokenRBracket); ok {
		return nil, nil, nil
	}
	for {
		tok, err := p.expect(TokenIdent)
		if err != nil {
			return nil, nil, err
		}
		if p.cur().Type == TokenLParen {
			p.advance()
			varTok, err := p.expect(TokenIdent)
			if err != nil {
				return nil, nil, err
			}
			var args []value.Value
			for p.cur().Type == TokenComma {
				p.advance()
				argE, err := p.parseExpr()
				if err != nil {
					return nil, nil, err
				}
				folded, err := expr.Fold(argE, nil)
				if err != nil {
					return nil, nil, err
				}
				c, ok := folded.(expr.Const)
				if !ok {
					return nil, nil, p.errHere("parser::aggr_arg",
						"aggregate arguments must be constants")
				}
				args = append(args, c.Val)
			}
			if _, err := p.expect(TokenRParen); err != nil {
				return nil, nil, err
			}
			head = append(head, varTok.Text)
			aggrs = append(aggrs, &program.AggrApply{
				Name: tok.Text,
				Args: args,
				Span: kerr.Span{Start: tok.Start, End: tok.End},
			})
		} else {
			head = append(head, tok.Text)
			aggrs = append(aggrs, nil)
		}
		if _, ok := p.accept(TokenComma); ok {
			continue
		}
		if _, err := p.expect(TokenRBracket); err != nil {
			return nil, nil, err
		}
		break
	}
	allNil := true
	for _, a := range aggrs {
		if a != nil {
			allNil = false
		}
	}
	if allNil {
		aggrs = nil
	}
	return head, aggrs, nil
}

// parseBodies parses a rule body: conjunctions separated by `or`, each
// becoming its own rule body.
func (p *parser) parseBodies() ([][]program.InputAtom, error) {
	var bodies [][]program.InputAtom
	for {
		conj, err := p.parseConjunction()
		if err != nil {
			return nil, err
		}
		bodies = append(bodies, conj)
		if _, ok := p.accept(TokenKwOr); ok {
			continue
		}
		return bodies, nil
	}
}

func (p *parser) parseConjunction() ([]program.InputAtom, error) {
	var atoms []program.InputAtom
	for {
		atom, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		atoms = append(atoms, atom)
		if p.cur().Type == TokenComma {
			p.advance()
			continue
		}
		return atoms, nil
	}
}

func (p *parser) parseAtom() (program.InputAtom, error) {
	start := p.cur().Start
	switch p.cur().Type {
	case TokenKwNot, TokenBang:
		p.advance()
		inner, err := p.parseAtom()
		if err != nil {
			return program.InputAtom{}, err
		}
		return program.InputAtom{
			Kind:    program.KindNegation,
			Span:    p.span(start),
			Negated: &inner,
		}, nil
	case TokenStar:
		return p.parseRelationAtom()
	case TokenIdent:
		switch p.peek(1).Type {
		case TokenLBracket:
			nameTok := p.advance()
			p.advance() // [
			var args []expr.Expr
			if p.cur().Type != TokenRBracket {
				for {
					e, err := p.parseExpr()
					if err != nil {
						return program.InputAtom{}, err
					}
					args = append(args, e)
					if _, ok := p.accept(TokenComma); ok {
						continue
					}
					break
				}
			}
			if _, err := p.expect(TokenRBracket); err != nil {
				return program.InputAtom{}, err
			}
			return program.InputAtom{
				Kind: program.KindRuleApply,
				Span: p.span(start),
				Rule: &program.InputRuleApply{Name: nameTok.Text, Args: args},
			}, nil
		case TokenAssign:
			nameTok := p.advance()
			p.advance() // =
			e, err := p.parseExpr()
			if err != nil {
				return program.InputAtom{}, err
			}
			return program.InputAtom{
				Kind: program.KindUnification,
				Span: p.span(start),
				Unif: &program.InputUnification{Binding: nameTok.Text, E: e},
			}, nil
		}
	}
	// Anything else is a predicate expression.
	e, err := p.parseExpr()
	if err != nil {
		return program.InputAtom{}, err
	}
	return program.InputAtom{Kind: program.KindPredicate, Span: p.span(start), Pred: e}, nil
}

// parseRelationAtom parses *name[...] or *name{col: binding, ... @ t}.
func (p *parser) parseRelationAtom() (program.InputAtom, error) {
	start := p.cur().Start
	p.advance() // *
	nameTok, err := p.expect(TokenIdent)
	if err != nil {
		return program.InputAtom{}, err
	}
	rel := &program.InputRelationApply{Name: nameTok.Text}

	switch p.cur().Type {
	case TokenLBracket:
		p.advance()
		if p.cur().Type != TokenRBracket {
			for {
				e, err := p.parseExpr()
				if err != nil {
					return program.InputAtom{}, err
				}
				rel.Positional = append(rel.Positional, e)
				if _, ok := p.accept(TokenComma); ok {
					continue
				}
				break
			}
		}
		if _, err := p.expect(TokenRBracket); err != nil {
			return program.InputAtom{}, err
		}
	case TokenLBrace:
		p.advance()
		rel.Named = map[string]expr.Expr{}
		for p.cur().Type != TokenRBrace {
			colTok, err := p.expect(TokenIdent)
			if err != nil {
				return program.InputAtom{}, err
			}
			if _, ok := p.accept(TokenColon); ok {
				e, err := p.parseExpr()
				if err != nil {
					return program.InputAtom{}, err
				}
				rel.Named[colTok.Text] = e
			} else {
				// Bare column name binds a variable of the same name.
				rel.Named[colTok.Text] = expr.Binding{
					Name: colTok.Text,
					Span: kerr.Span{Start: colTok.Start, End: colTok.End},
				}
			}
			if _, ok := p.accept(TokenAt); ok {
				e, err := p.parseExpr()
				if err != nil {
					return program.InputAtom{}, err
				}
				rel.ValidAt = e
				break
			}
			if _, ok := p.accept(TokenComma); ok {
				continue
			}
			break
		}
		if _, err := p.expect(TokenRBrace); err != nil {
			return program.InputAtom{}, err
		}
	default:
		return program.InputAtom{}, p.errHere("parser::expected_token",
			"expected [ or { after stored relation %s", rel.Name)
	}
	return program.InputAtom{
		Kind: program.KindRelationApply,
		Span: p.span(start),
		Rel:  rel,
	}, nil
}

// parseFixedApply parses Algo(input, ..., option: expr, ...).
func (p *parser) parseFixedApply(head []string) (*program.FixedApply, error) {
	algoTok, err := p.expect(TokenIdent)
	if err != nil {
		return nil, err
	}
	fa := &program.FixedApply{
		Algo:    algoTok.Text,
		Options: map[string]expr.Expr{},
		Head:    head,
		Arity:   len(head),
	}
	if _, err := p.expect(TokenLParen); err != nil {
		return nil, err
	}
	for p.cur().Type != TokenRParen {
		switch {
		case p.cur().Type == TokenStar:
			start := p.cur().Start
			p.advance()
			relTok, err := p.expect(TokenIdent)
			if err != nil {
				return nil, err
			}
			p.skipEmptyBrackets()
			fa.Inputs = append(fa.Inputs, program.FixedInput{
				Relation: relTok.Text,
				Span:     kerr.Span{Start: start, End: relTok.End},
			})
		case p.cur().Type == TokenIdent && p.peek(1).Type == TokenColon:
			optTok := p.advance()
			p.advance() // :
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			fa.Options[optTok.Text] = e
		case p.cur().Type == TokenIdent:
			ruleTok := p.advance()
			p.skipEmptyBrackets()
			fa.Inputs = append(fa.Inputs, program.FixedInput{
				RuleName: ruleTok.Text,
				Span:     kerr.Span{Start: ruleTok.Start, End: ruleTok.End},
			})
		default:
			return nil, p.errHere("parser::expected_token",
				"expected an input relation or option inside %s(...)", fa.Algo)
		}
		if _, ok := p.accept(TokenComma); ok {
			continue
		}
		break
	}
	if _, err := p.expect(TokenRParen); err != nil {
		return nil, err
	}
	return fa, nil
}

func (p *parser) skipEmptyBrackets() {
	if p.cur().Type == TokenLBracket && p.peek(1).Type == TokenRBracket {
		p.advance()
		p.advance()
	}
}

func (p *parser) constIntOption(name string) (int64, error) {
	e, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	folded, err := expr.Fold(e, nil)
	if err != nil {
		return 0, err
	}
	if c, ok := folded.(expr.Const); ok {
		if i, ok := c.Val.AsInt(); ok {
			return i, nil
		}
	}
	return 0, p.errHere("parser::bad_option", "option :%s expects a constant integer", name)
}

// parseOption parses one trailing :option line.
func (p *parser) parseOption(opts *program.QueryOptions) error {
	p.advance() // :
	nameTok, err := p.expect(TokenIdent)
	if err != nil {
		return err
	}
	switch nameTok.Text {
	case "limit":
		n, err := p.constIntOption("limit")
		if err != nil {
			return err
		}
		opts.Limit, opts.HasLimit = int(n), true
	case "offset":
		n, err := p.constIntOption("offset")
		if err != nil {
			return err
		}
		opts.Offset = int(n)
	case "timeout":
		e, err := p.parseExpr()
		if err != nil {
			return err
		}
		folded, err := expr.Fold(e, nil)
		if err != nil {
			return err
		}
		c, ok := folded.(expr.Const)
		if !ok {
			return p.errHere("parser::bad_option", "option :timeout expects a constant number")
		}
		f, ok := c.Val.AsFloat()
		if !ok {
			return p.errHere("parser::bad_option", "option :timeout expects a constant number")
		}
		opts.TimeoutSecs = f
	case "order", "sort":
		for {
			desc := false
			if _, ok := p.accept(TokenMinus); ok {
				desc = true
			} else {
				p.accept(TokenPlus)
			}
			colTok, err := p.expect(TokenIdent)
			if err != nil {
				return err
			}
			opts.Sorters = append(opts.Sorters, program.Sorter{Col: colTok.Text, Desc: desc})
			if _, ok := p.accept(TokenComma); !ok {
				break
			}
		}
	case "assert":
		modeTok, err := p.expect(TokenIdent)
		if err != nil {
			return err
		}
		switch modeTok.Text {
		case "none":
			opts.AssertNone = true
		case "some":
			opts.AssertSome = true
		default:
			return p.errHere("parser::bad_option", "expected :assert none or :assert some")
		}
	case "disable_magic":
		opts.DisableMagic = true
	case "create", "replace":
		if opts.OutMode != program.OutNone {
			return p.errHere("parser::bad_option", "more than one output option given")
		}
		relTok, err := p.expect(TokenIdent)
		if err != nil {
			return err
		}
		opts.OutRelation = relTok.Text
		if nameTok.Text == "create" {
			opts.OutMode = program.OutCreate
		} else {
			opts.OutMode = program.OutReplace
		}
		keys, deps, err := p.parseColumnSpecs()
		if err != nil {
			return err
		}
		opts.CreateKeys, opts.CreateDeps = keys, deps
	case "put", "rm", "ensure", "ensure_not":
		if opts.OutMode != program.OutNone {
			return p.errHere("parser::bad_option", "more than one output option given")
		}
		relTok, err := p.expect(TokenIdent)
		if err != nil {
			return err
		}
		opts.OutRelation = relTok.Text
		switch nameTok.Text {
		case "put":
			opts.OutMode = program.OutPut
		case "rm":
			opts.OutMode = program.OutRm
		case "ensure":
			opts.OutMode = program.OutEnsure
		case "ensure_not":
			opts.OutMode = program.OutEnsureNot
		}
		if p.cur().Type == TokenLBrace {
			headers, keyCount, err := p.parseHeaderSpec()
			if err != nil {
				return err
			}
			opts.OutHeaders, opts.OutKeyCount = headers, keyCount
		}
	default:
		return p.errHere("parser::bad_option", "unknown option :%s", nameTok.Text)
	}
	return nil
}

// parseHeaderSpec parses {k1, k2 => d1, d2}; the => is optional.
func (p *parser) parseHeaderSpec() ([]string, int, error) {
	if _, err := p.expect(TokenLBrace); err != nil {
		return nil, 0, err
	}
	var headers []string
	keyCount := -1
	for p.cur().Type != TokenRBrace {
		tok, err := p.expect(TokenIdent)
		if err != nil {
			return nil, 0, err
		}
		headers = append(headers, tok.Text)
		if _, ok := p.accept(TokenArrow); ok {
			keyCount = len(headers)
			continue
		}
		if _, ok := p.accept(TokenComma); ok {
			continue
		}
		break
	}
	if _, err := p.expect(TokenRBrace); err != nil {
		return nil, 0, err
	}
	return headers, keyCount, nil
}

// parseColumnSpecs parses a schema block {a, b: Int => c: String? default "x"}.
func (p *parser) parseColumnSpecs() (keys, deps []program.ColumnSpec, err error) {
	if _, err := p.expect(TokenLBrace); err != nil {
		return nil, nil, err
	}
	cur := &keys
	for p.cur().Type != TokenRBrace {
		nameTok, err := p.expect(TokenIdent)
		if err != nil {
			return nil, nil, err
		}
		spec := program.ColumnSpec{Name: nameTok.Text}
		if _, ok := p.accept(TokenColon); ok {
			tyTok, err := p.expect(TokenIdent)
			if err != nil {
				return nil, nil, err
			}
			spec.Type = tyTok.Text
			if _, ok := p.accept(TokenQuestion); ok {
				spec.Nullable = true
			}
		}
		if _, ok := p.accept(TokenKwDefault); ok {
			e, err := p.parseExpr()
			if err != nil {
				return nil, nil, err
			}
			spec.Default = e
		}
		*cur = append(*cur, spec)
		if _, ok := p.accept(TokenArrow); ok {
			if cur == &deps {
				return nil, nil, p.errHere("parser::bad_schema", "more than one => in a schema block")
			}
			cur = &deps
			continue
		}
		if _, ok := p.accept(TokenComma); ok {
			continue
		}
		break
	}
	if _, err := p.expect(TokenRBrace); err != nil {
		return nil, nil, err
	}
	return keys, deps, nil
}

func parseIntLit(tok Token) (int64, error) {
	i, err := strconv.ParseInt(tok.Literal, 10, 64)
	if err != nil {
		return 0, kerr.Newf(kerr.Parse, "parser::bad_number", "integer literal out of range").
			WithSpan(kerr.Span{Start: tok.Start, End: tok.End})
	}
	return i, nil
}
