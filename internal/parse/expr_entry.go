// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package parse

import (
	"github.com/kraklabs/krakdb/internal/expr"
)

// ParseExpr parses a standalone expression, as stored for column
// defaults and trigger conditions.
func ParseExpr(src string) (expr.Expr, error) {
	toks, err := NewLexer(src).Tokens()
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectEOF(); err != nil {
		return nil, err
	}
	return e, nil
}
