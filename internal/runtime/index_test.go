// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package runtime

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/krakdb/internal/catalog"
	"github.com/kraklabs/krakdb/internal/tuple"
	"github.com/kraklabs/krakdb/internal/value"
)

func TestTokenizers(t *testing.T) {
	cases := []struct {
		tokenizer string
		ngram     int
		text      string
		want      []string
	}{
		{"simple", 0, "The quick, brown FOX!", []string{"the", "quick", "brown", "fox"}},
		{"whitespace", 0, "a  b\tc", []string{"a", "b", "c"}},
		{"raw", 0, "Keep As Is", []string{"Keep As Is"}},
		{"ngram", 2, "abc", []string{"ab", "bc"}},
	}
	for _, tc := range cases {
		ix := &catalog.IndexDef{Tokenizer: tc.tokenizer, NGram: tc.ngram}
		require.Equal(t, tc.want, Tokenize(ix, tc.text), tc.tokenizer)
	}
}

func TestTokenizerStopwords(t *testing.T) {
	ix := &catalog.IndexDef{Tokenizer: "simple", Stopwords: []string{"the", "a"}}
	require.Equal(t, []string{"quick", "fox"}, Tokenize(ix, "the a quick fox"))
}

func TestLshBandsDeterministic(t *testing.T) {
	ix := &catalog.IndexDef{Perms: 32}
	a := lshBands(ix, tuple.Tuple{value.Str("hello world, how are you")})
	b := lshBands(ix, tuple.Tuple{value.Str("hello world, how are you")})
	require.Equal(t, a, b)
	require.NotEmpty(t, a)

	// Similar texts share at least one band far more often than not;
	// identical prefixes guarantee overlapping shingle sets.
	c := lshBands(ix, tuple.Tuple{value.Str("hello world, how are you doing")})
	shared := 0
	for i := range a {
		if a[i].Compare(c[i]) == 0 {
			shared++
		}
	}
	require.Positive(t, shared)
}

func TestBuildMappingByNameAndHeaders(t *testing.T) {
	meta := &catalog.RelationMeta{
		Id:   tuple.UserIdStart,
		Name: "t",
		Keys: []catalog.ColumnDef{{Name: "k", Type: catalog.TyInt}},
		Deps: []catalog.ColumnDef{{Name: "v", Type: catalog.TyString}},
	}

	// By entry head names.
	m, err := buildMapping(meta, nil, []string{"v", "k"}, false)
	require.NoError(t, err)
	require.Equal(t, []int{1, 0}, m.src)

	// With an explicit header list, position maps to the named column.
	m, err = buildMapping(meta, []string{"k", "v"}, []string{"a", "b"}, false)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, m.src)

	// Missing key columns are an error.
	_, err = buildMapping(meta, []string{"v"}, []string{"b"}, false)
	require.Error(t, err)

	// Unknown columns are an error.
	_, err = buildMapping(meta, []string{"zzz"}, []string{"b"}, false)
	require.Error(t, err)

	// Keys-only mode tolerates missing dependents.
	m, err = buildMapping(meta, []string{"k"}, []string{"a"}, true)
	require.NoError(t, err)
	require.Equal(t, -1, m.src[1])
}
