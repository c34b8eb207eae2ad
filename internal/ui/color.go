// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package ui provides user interface utilities for the krakdb CLI.
//
// This package offers color output helpers that respect the --no-color
// flag and the NO_COLOR environment variable.
//
// Color usage guidelines:
//   - Red: errors, failures
//   - Yellow: warnings
//   - Green: success
//   - Cyan: informational messages, headers of result tables
//   - Dim: less important details such as row counts and timings
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
)

// Pre-configured color instances for consistent CLI output.
var (
	// Red is used for error messages and failures.
	Red = color.New(color.FgRed)

	// Yellow is used for warnings.
	Yellow = color.New(color.FgYellow)

	// Green is used for success messages.
	Green = color.New(color.FgGreen)

	// Cyan is used for informational messages and table headers.
	Cyan = color.New(color.FgCyan)

	// Bold is used for important labels.
	Bold = color.New(color.Bold)

	// Dim is used for less important details.
	Dim = color.New(color.Faint)
)

// InitColors configures global color output based on the noColor flag.
// Call early in main() after parsing flags.
func InitColors(noColor bool) {
	if noColor || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}
}

// Table renders headers and rows as an aligned text table for the repl.
func Table(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, r := range rows {
		for i, c := range r {
			if i < len(widths) && len(c) > widths[i] {
				widths[i] = len(c)
			}
		}
	}
	var sb strings.Builder
	for i, h := range headers {
		if i > 0 {
			sb.WriteString("  ")
		}
		sb.WriteString(Cyan.Sprint(pad(h, widths[i])))
	}
	sb.WriteString("\n")
	for _, r := range rows {
		for i, c := range r {
			if i > 0 {
				sb.WriteString("  ")
			}
			if i < len(widths) {
				c = pad(c, widths[i])
			}
			sb.WriteString(c)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func pad(s string, w int) string {
	if len(s) >= w {
		return s
	}
	return s + strings.Repeat(" ", w-len(s))
}

// Errorf prints a formatted error line to stderr in red.
func Errorf(format string, args ...any) {
	fmt.Fprint(os.Stderr, Red.Sprint("Error: "))
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}
