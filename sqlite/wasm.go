// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

//go:build !tinygo

package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/ncruces/go-sqlite3/driver"    // Load database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed"   // Load sqlite WASM binary
	_ "github.com/ncruces/go-sqlite3/vfs/xts" // Encryption VFS
)

// Open creates or opens a SQLite chain database using a single connection.
// If a password is specified, then the xts VFS will be used with a text key,
// so that stored chains are encrypted at rest. Opening an encrypted database
// with the wrong password fails.
func Open(filename, password string) (*DB, error) {
	connector, err := (&driver.SQLite{}).OpenConnector(dsn(filename, password))
	if err != nil {
		return nil, fmt.Errorf("error creating sqlite connector: %w", err)
	}
	db := sql.OpenDB(connector)

	// Appending a certificate reads the next layer and inserts it in one
	// transaction, which must not interleave with another connection's
	// writes, so the pool holds a single connection.
	db.SetMaxOpenConns(1)

	if err := Init(db); err != nil {
		return nil, err
	}
	return New(db), nil
}

func dsn(filename, password string) string {
	query := "?_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)"
	if password != "" {
		query += fmt.Sprintf("&vfs=xts&_pragma=textkey(%q)&_pragma=temp_store(memory)", password)
	}
	return "file:" + filepath.Clean(filename) + query
}
