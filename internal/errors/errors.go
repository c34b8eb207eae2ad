// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package errors provides structured error handling for the krakdb engine
// and CLI.
//
// Engine errors carry a Kind (the coarse category the transact driver and
// embedders dispatch on), a short stable Code such as "eval::unsafe_rule"
// that survives message rewording, an optional Span pointing into the
// original script, and an optional wrapped cause. The span is set where
// the raising code knows the source position; errors of any kind,
// compile-time ones included, may carry none (for example catalog
// errors and stratification errors).
//
// Creating and inspecting errors:
//
//	err := errors.New(errors.Unsafe, "eval::unsafe_rule",
//	    "the rule cannot be ordered so that all variables are bound").
//	    WithSpan(span)
//	if errors.IsKind(err, errors.Unsafe) { ... }
//
// The package also defines the CLI exit codes used by cmd/krakdb,
// following the Unix-style convention of the rest of the KrakLabs tools.
package errors

import (
	"errors"
	"fmt"
)

// Kind is the coarse error category of the engine.
type Kind uint8

const (
	// Parse indicates the script failed to tokenize or parse.
	Parse Kind = iota + 1
	// Schema indicates an unknown relation or column, a type mismatch
	// against a declared column, or a bad option.
	Schema
	// Unsafe indicates a rule that cannot be safely ordered, or an
	// unstratifiable program.
	Unsafe
	// Runtime indicates an expression evaluation failure such as an
	// arithmetic domain error or division by zero.
	Runtime
	// Storage indicates a backend failure: lock conflict, IO.
	Storage
	// Conflict indicates a unique-index violation on put.
	Conflict
	// Cancelled indicates the query's poison token was set.
	Cancelled
	// Timeout indicates the query deadline expired.
	Timeout
	// NotFound indicates a pull by key missed.
	NotFound
	// Internal indicates a violated engine invariant: a bug.
	Internal
)

func (k Kind) String() string {
	switch k {
	case Parse:
		return "parse"
	case Schema:
		return "schema"
	case Unsafe:
		return "unsafe"
	case Runtime:
		return "runtime"
	case Storage:
		return "storage"
	case Conflict:
		return "conflict"
	case Cancelled:
		return "cancelled"
	case Timeout:
		return "timeout"
	case NotFound:
		return "not_found"
	case Internal:
		return "internal"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Span is a half-open byte range into the original script.
type Span struct {
	Start int
	End   int
}

// Valid reports whether the span points at real source text.
func (s Span) Valid() bool { return s.End > s.Start || s.Start > 0 }

// Error is the structured engine error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Span    Span
	Err     error
}

// New creates an Error of the given kind with a stable code.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Internalf creates an Internal error; use for violated invariants.
func Internalf(code, format string, args ...any) *Error {
	return Newf(Internal, code, format, args...)
}

// WithSpan attaches a source span and returns the error.
func (e *Error) WithSpan(span Span) *Error {
	e.Span = span
	return e
}

// Wrap attaches an underlying cause and returns the error.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
	if e.Span.Valid() {
		msg = fmt.Sprintf("%s (at %d..%d)", msg, e.Span.Start, e.Span.End)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the wrapped cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err or anything it wraps is an engine Error of
// the given kind.
func IsKind(err error, kind Kind) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind == kind
	}
	return false
}

// CodeOf returns the stable code of err, or "" when err is not an engine
// Error.
func CodeOf(err error) string {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// Exit codes for the CLI, one per error category.
const (
	ExitSuccess  = 0
	ExitConfig   = 1
	ExitDatabase = 2
	ExitInput    = 4
	ExitNotFound = 6
	ExitInternal = 10
)

// ExitCode maps an error to the CLI exit code for its category.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *Error
	if !errors.As(err, &ee) {
		return ExitInternal
	}
	switch ee.Kind {
	case Parse, Schema, Unsafe, Runtime, Conflict:
		return ExitInput
	case Storage, Cancelled, Timeout:
		return ExitDatabase
	case NotFound:
		return ExitNotFound
	default:
		return ExitInternal
	}
}
