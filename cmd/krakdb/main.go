// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package main implements the krakdb CLI: a repl and one-shot query
// runner over an embedded database.
//
// Usage:
//
//	krakdb                          Start a repl on an in-memory database
//	krakdb --engine bolt --path db  Open a persistent database
//	krakdb -e "?[x] := x = 1"       Run one script and exit
//	krakdb --json -e "..."          Emit results as JSON
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/output"
	"github.com/kraklabs/krakdb/internal/ui"
	"github.com/kraklabs/krakdb/pkg/krakdb"
)

// Version information (set via ldflags during build)
var (
	version = "dev"
	commit  = "unknown"
)

// fileConfig is the optional .krakdb.yaml next to the working
// directory; flags override it.
type fileConfig struct {
	Engine string `yaml:"engine"`
	Path   string `yaml:"path"`
}

func loadFileConfig() fileConfig {
	var cfg fileConfig
	raw, err := os.ReadFile(".krakdb.yaml")
	if err != nil {
		return cfg
	}
	_ = yaml.Unmarshal(raw, &cfg)
	return cfg
}

func main() {
	cfg := loadFileConfig()

	var (
		engine      = pflag.String("engine", "", `storage engine: "mem" or "bolt"`)
		path        = pflag.String("path", "", "database file path (bolt engine)")
		script      = pflag.StringP("execute", "e", "", "execute one script and exit")
		jsonOut     = pflag.Bool("json", false, "emit results as JSON")
		noColor     = pflag.Bool("no-color", false, "disable colored output")
		showVersion = pflag.Bool("version", false, "show version and exit")
	)
	pflag.Parse()
	ui.InitColors(*noColor || *jsonOut)

	if *showVersion {
		fmt.Printf("krakdb version %s\ncommit: %s\n", version, commit)
		return
	}

	if *engine == "" {
		*engine = cfg.Engine
	}
	if *engine == "" {
		*engine = "mem"
	}
	if *path == "" {
		*path = cfg.Path
	}

	db, err := krakdb.Open(*engine, *path, krakdb.Options{})
	if err != nil {
		fatal(err, *jsonOut)
	}
	defer db.Close()

	if *script != "" {
		res, err := db.Run(*script, nil)
		if err != nil {
			fatal(err, *jsonOut)
		}
		printResult(res, *jsonOut)
		return
	}

	repl(db, *jsonOut)
}

// repl reads scripts line by line; a trailing backslash continues the
// statement on the next line.
func repl(db *krakdb.Db, jsonOut bool) {
	fmt.Printf("krakdb %s — type a CozoScript query, or :quit to exit\n", version)
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	var pending strings.Builder
	for {
		if pending.Len() == 0 {
			fmt.Print("krakdb> ")
		} else {
			fmt.Print("   ...> ")
		}
		if !sc.Scan() {
			fmt.Println()
			return
		}
		line := sc.Text()
		if pending.Len() == 0 {
			trimmed := strings.TrimSpace(line)
			if trimmed == ":quit" || trimmed == ":exit" || trimmed == ":q" {
				return
			}
			if trimmed == "" {
				continue
			}
		}
		if strings.HasSuffix(line, "\\") {
			pending.WriteString(strings.TrimSuffix(line, "\\"))
			pending.WriteString("\n")
			continue
		}
		pending.WriteString(line)
		script := pending.String()
		pending.Reset()

		res, err := db.Run(script, nil)
		if err != nil {
			if jsonOut {
				_ = output.JSONError(err, kerr.CodeOf(err))
			} else {
				ui.Errorf("%v", err)
			}
			continue
		}
		printResult(res, jsonOut)
	}
}

func printResult(res krakdb.NamedRows, jsonOut bool) {
	if jsonOut {
		_ = output.JSON(res)
		return
	}
	rows := make([][]string, len(res.Rows))
	for i, r := range res.Rows {
		cells := make([]string, len(r))
		for j, c := range r {
			cells[j] = fmt.Sprintf("%v", c)
		}
		rows[i] = cells
	}
	fmt.Print(ui.Table(res.Headers, rows))
	fmt.Println(ui.Dim.Sprintf("(%d rows)", len(res.Rows)))
}

func fatal(err error, jsonOut bool) {
	if jsonOut {
		_ = output.JSONError(err, kerr.CodeOf(err))
	} else {
		ui.Errorf("%v", err)
	}
	os.Exit(kerr.ExitCode(err))
}
