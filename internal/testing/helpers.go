// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package testing provides helpers shared by krakdb test suites.
package testing

import (
	"testing"

	"github.com/kraklabs/krakdb/pkg/krakdb"
)

// SetupTestDb creates an in-memory database for testing. The handle is
// closed automatically when the test finishes.
//
// Example:
//
//	func TestMyFeature(t *testing.T) {
//	    db := testing.SetupTestDb(t)
//	    MustRun(t, db, ":create t {k: Int => v: String}")
//	    ...
//	}
func SetupTestDb(t *testing.T) *krakdb.Db {
	t.Helper()
	db, err := krakdb.Open("mem", "", krakdb.Options{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// MustRun executes a script and fails the test on error.
func MustRun(t *testing.T, db *krakdb.Db, script string) krakdb.NamedRows {
	t.Helper()
	res, err := db.Run(script, nil)
	if err != nil {
		t.Fatalf("script failed: %v\n%s", err, script)
	}
	return res
}

// MustRunParams executes a parameterized script and fails the test on
// error.
func MustRunParams(t *testing.T, db *krakdb.Db, script string, params map[string]any) krakdb.NamedRows {
	t.Helper()
	res, err := db.Run(script, params)
	if err != nil {
		t.Fatalf("script failed: %v\n%s", err, script)
	}
	return res
}
