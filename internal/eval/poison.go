// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package eval implements the semi-naive evaluator: per-stratum fixed
// points over epoch stores, in-loop meet aggregation, post-fold normal
// aggregation, and cooperative cancellation through a poison token.
package eval

import (
	"sync/atomic"

	kerr "github.com/kraklabs/krakdb/internal/errors"
)

// Poison is the shared cancellation token threaded through evaluation.
// Every loop head and per-row hot path polls Check; once the token is
// set, evaluation unwinds with the stored error within one bounded inner
// loop.
type Poison struct {
	err atomic.Pointer[kerr.Error]
}

// NewPoison creates an unset token.
func NewPoison() *Poison { return &Poison{} }

// Check returns nil until the token is set.
func (p *Poison) Check() error {
	if e := p.err.Load(); e != nil {
		return e
	}
	return nil
}

// Poisoned reports whether the token is set.
func (p *Poison) Poisoned() bool { return p.err.Load() != nil }

// Cancel sets the token with the Cancelled kind. The first setter wins.
func (p *Poison) Cancel() {
	p.set(kerr.New(kerr.Cancelled, "eval::cancelled", "the query was cancelled"))
}

// Expire sets the token with the Timeout kind.
func (p *Poison) Expire() {
	p.set(kerr.New(kerr.Timeout, "eval::timeout", "the query timed out"))
}

func (p *Poison) set(e *kerr.Error) {
	p.err.CompareAndSwap(nil, e)
}
