// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package krakdb is the embedder surface of KrakDB, a pure-Go
// embeddable transactional deductive database queried in CozoScript.
//
// # Storage Engines
//
//   - "mem": in-memory, fast but not persisted (good for testing)
//   - "bolt": bbolt-backed single-file persistence
//
// # Quick Start
//
// Open a database and run queries:
//
//	db, err := krakdb.Open("bolt", "/path/to/data.db", krakdb.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	result, err := db.Run(`?[x] := x = 1 + 1`, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("1 + 1 = %v\n", result.Rows[0][0])
//
// # Read-Only Queries
//
// Use RunReadOnly for queries that must not modify data:
//
//	result, err := db.RunReadOnly(`?[name] := *person{name}`, nil)
//
// # Parameterized Queries
//
// Pass parameters to prevent injection and improve readability:
//
//	params := map[string]any{"name": "main"}
//	result, err := db.Run(`
//	    ?[id] := *person{id, name}, name == $name
//	`, params)
//
// # Backup and Restore
//
//	err := db.Backup("/path/to/backup.krak")
//	err  = db.Restore("/path/to/backup.krak") // target must be empty
//
// # Mutation Callbacks
//
// Register a channel to observe committed mutations of a relation:
//
//	id, events := db.RegisterCallback("person", 64)
//	defer db.UnregisterCallback(id)
//	for ev := range events {
//	    fmt.Println(ev.Op, ev.Relation, len(ev.New.Rows))
//	}
package krakdb
