// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package parse

import (
	"strconv"

	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/expr"
	"github.com/kraklabs/krakdb/internal/value"
)

// Binary operator precedence, loosest first. ^ is right associative and
// handled separately.
var binPrec = map[TokenType]int{
	TokenOrOr:   1,
	TokenAndAnd: 2,
	TokenEq:     3, TokenNeq: 3,
	TokenLt: 4, TokenLe: 4, TokenGt: 4, TokenGe: 4,
	TokenPlus: 5, TokenMinus: 5, TokenConcat: 5,
	TokenStar: 6, TokenSlash: 6, TokenPct: 6,
	TokenCaret: 7,
}

var binOps = map[TokenType]*expr.Op{
	TokenOrOr:   expr.OpOr,
	TokenAndAnd: expr.OpAnd,
	TokenEq:     expr.OpEq,
	TokenNeq:    expr.OpNeq,
	TokenLt:     expr.OpLt,
	TokenLe:     expr.OpLe,
	TokenGt:     expr.OpGt,
	TokenGe:     expr.OpGe,
	TokenPlus:   expr.OpAdd,
	TokenMinus:  expr.OpSub,
	TokenConcat: expr.OpConcat,
	TokenStar:   expr.OpMul,
	TokenSlash:  expr.OpDiv,
	TokenPct:    expr.OpMod,
	TokenCaret:  expr.OpPow,
}

// parseExpr parses a full expression via precedence climbing.
func (p *parser) parseExpr() (expr.Expr, error) {
	return p.parseBinary(1)
}

func (p *parser) parseBinary(minPrec int) (expr.Expr, error) {
	lhs, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		prec, ok := binPrec[p.cur().Type]
		if !ok || prec < minPrec {
			return lhs, nil
		}
		opTok := p.advance()
		nextMin := prec + 1
		if opTok.Type == TokenCaret { // right associative
			nextMin = prec
		}
		rhs, err := p.parseBinary(nextMin)
		if err != nil {
			return nil, err
		}
		lhs = expr.Apply{
			Op:   binOps[opTok.Type],
			Args: []expr.Expr{lhs, rhs},
			Span: kerr.Span{Start: opTok.Start, End: opTok.End},
		}
	}
}

func (p *parser) parseUnary() (expr.Expr, error) {
	switch p.cur().Type {
	case TokenMinus:
		opTok := p.advance()
		// Negative integer literals parse as one token pair so that
		// math.MinInt64 is expressible.
		if lit := p.cur(); lit.Type == TokenInt {
			p.advance()
			i, err := strconv.ParseInt("-"+lit.Literal, 10, 64)
			if err != nil {
				return nil, p.errHere("parser::bad_number", "integer literal out of range")
			}
			return expr.Const{Val: value.Int(i)}, nil
		}
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if c, ok := inner.(expr.Const); ok {
			if i, isInt := c.Val.AsInt(); isInt {
				return expr.Const{Val: value.Int(-i)}, nil
			}
			if f, isF := c.Val.AsFloat(); isF {
				return expr.Const{Val: value.Float(-f)}, nil
			}
		}
		return expr.Apply{
			Op:   expr.OpMinus,
			Args: []expr.Expr{inner},
			Span: kerr.Span{Start: opTok.Start, End: opTok.End},
		}, nil
	case TokenBang:
		opTok := p.advance()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return expr.Apply{
			Op:   expr.OpNot,
			Args: []expr.Expr{inner},
			Span: kerr.Span{Start: opTok.Start, End: opTok.End},
		}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (expr.Expr, error) {
	tok := p.cur()
	switch tok.Type {
	case TokenInt:
		p.advance()
		i, err := parseIntLit(tok)
		if err != nil {
			return nil, err
		}
		return expr.Const{Val: value.Int(i)}, nil
	case TokenFloat:
		p.advance()
		f, err := strconv.ParseFloat(tok.Literal, 64)
		if err != nil {
			return nil, p.errHere("parser::bad_number", "malformed float literal")
		}
		return expr.Const{Val: value.Float(f)}, nil
	case TokenString:
		p.advance()
		return expr.Const{Val: value.Str(tok.Literal)}, nil
	case TokenKwTrue:
		p.advance()
		return expr.Const{Val: value.True}, nil
	case TokenKwFalse:
		p.advance()
		return expr.Const{Val: value.False}, nil
	case TokenKwNull:
		p.advance()
		return expr.Const{Val: value.Null}, nil
	case TokenParam:
		p.advance()
		return expr.Param{Name: tok.Literal, Span: kerr.Span{Start: tok.Start, End: tok.End}}, nil
	case TokenLParen:
		p.advance()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRParen); err != nil {
			return nil, err
		}
		return inner, nil
	case TokenLBracket:
		p.advance()
		var elems []expr.Expr
		for p.cur().Type != TokenRBracket {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			elems = append(elems, e)
			if _, ok := p.accept(TokenComma); !ok {
				break
			}
		}
		if _, err := p.expect(TokenRBracket); err != nil {
			return nil, err
		}
		return expr.Apply{
			Op:   expr.OpList,
			Args: elems,
			Span: kerr.Span{Start: tok.Start, End: p.cur().Start},
		}, nil
	case TokenIdent:
		// Function call or variable reference.
		if p.peek(1).Type == TokenLParen {
			nameTok := p.advance()
			p.advance() // (
			op, ok := expr.LookupOp(nameTok.Text)
			if !ok {
				return nil, kerr.Newf(kerr.Parse, "parser::unknown_function",
					"unknown function %s", nameTok.Text).
					WithSpan(kerr.Span{Start: nameTok.Start, End: nameTok.End})
			}
			var args []expr.Expr
			for p.cur().Type != TokenRParen {
				e, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				args = append(args, e)
				if _, ok := p.accept(TokenComma); !ok {
					break
				}
			}
			if _, err := p.expect(TokenRParen); err != nil {
				return nil, err
			}
			if !expr.CheckArity(op, len(args)) {
				return nil, kerr.Newf(kerr.Parse, "parser::bad_arity",
					"function %s does not take %d arguments", op.Name, len(args)).
					WithSpan(kerr.Span{Start: nameTok.Start, End: nameTok.End})
			}
			return expr.Apply{
				Op:   op,
				Args: args,
				Span: kerr.Span{Start: nameTok.Start, End: nameTok.End},
			}, nil
		}
		p.advance()
		return expr.Binding{Name: tok.Text, Span: kerr.Span{Start: tok.Start, End: tok.End}}, nil
	}
	return nil, p.errHere("parser::expected_expr", "expected an expression, found %s", tok.Type)
}
