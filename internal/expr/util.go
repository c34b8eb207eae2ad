// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package expr

import (
	"math/rand"
	"sort"

	"github.com/kraklabs/krakdb/internal/value"
)

func sortValues(vs []value.Value) {
	sort.Slice(vs, func(i, j int) bool { return vs[i].Compare(vs[j]) < 0 })
}

func randFloat() float64 { return rand.Float64() }

// CheckArity validates an argument count against an op signature.
func CheckArity(op *Op, n int) bool {
	if op.Variadic {
		return n >= op.MinArity
	}
	return n == op.MinArity
}
