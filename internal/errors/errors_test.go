// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	e := New(Unsafe, "eval::unsafe_rule", "the rule cannot be ordered")
	require.Contains(t, e.Error(), "unsafe")
	require.Contains(t, e.Error(), "eval::unsafe_rule")

	spanned := Newf(Parse, "parser::expected_token", "expected %s", "]").
		WithSpan(Span{Start: 3, End: 7})
	require.Contains(t, spanned.Error(), "3..7")
}

func TestWrappingAndInspection(t *testing.T) {
	cause := fmt.Errorf("disk on fire")
	e := New(Storage, "storage::io", "write failed").Wrap(cause)

	require.True(t, stderrors.Is(e, cause))
	require.True(t, IsKind(e, Storage))
	require.False(t, IsKind(e, Parse))
	require.Equal(t, "storage::io", CodeOf(e))

	wrapped := fmt.Errorf("outer: %w", e)
	require.True(t, IsKind(wrapped, Storage))
	require.Equal(t, "storage::io", CodeOf(wrapped))

	require.False(t, IsKind(cause, Storage))
	require.Empty(t, CodeOf(cause))
}

func TestExitCodes(t *testing.T) {
	require.Equal(t, ExitSuccess, ExitCode(nil))
	require.Equal(t, ExitInput, ExitCode(New(Parse, "x", "m")))
	require.Equal(t, ExitInput, ExitCode(New(Conflict, "x", "m")))
	require.Equal(t, ExitDatabase, ExitCode(New(Storage, "x", "m")))
	require.Equal(t, ExitDatabase, ExitCode(New(Timeout, "x", "m")))
	require.Equal(t, ExitNotFound, ExitCode(New(NotFound, "x", "m")))
	require.Equal(t, ExitInternal, ExitCode(New(Internal, "x", "m")))
	require.Equal(t, ExitInternal, ExitCode(fmt.Errorf("plain")))
}

func TestSpanValidity(t *testing.T) {
	require.False(t, Span{}.Valid())
	require.True(t, Span{Start: 0, End: 4}.Valid())
	require.True(t, Span{Start: 9, End: 9}.Valid())
}
