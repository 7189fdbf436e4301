// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package sqlite implements verifier-side persistence of DICE chains with a
// SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/fido-device-onboard/go-dice"
)

// DB implements chain state persistence.
type DB struct {
	// Log all SQL queries to this optional writer.
	DebugLog io.Writer

	db *sql.DB
}

// New creates a DB. The expected tables must be created and FOREIGN_KEYS must
// be enabled before the database is used for chain state.
func New(db *sql.DB) *DB { return &DB{db: db} }

// Init ensures all tables are created and pragma are set. It does not
// recognize if tables have been created with invalid schemas.
//
// In most cases, Open should be used, which implicitly calls Init. However,
// Init can be useful for alternative SQLite connections that do not use a
// local file.
func Init(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices
			( id BLOB PRIMARY KEY
			, public_key BLOB NOT NULL
			, created INTEGER NOT NULL
			, updated INTEGER NOT NULL
			)`,
		`CREATE TABLE IF NOT EXISTS certificates
			( device BLOB NOT NULL
			, layer INTEGER NOT NULL
			, cert BLOB NOT NULL
			, PRIMARY KEY(device, layer)
			, FOREIGN KEY(device) REFERENCES devices(id) ON DELETE CASCADE
			)`,
		`PRAGMA foreign_keys = ON`,
	}
	for _, sql := range stmts {
		if _, err := db.Exec(sql); err != nil {
			_ = db.Close()
			if strings.Contains(err.Error(), "file is not a database") {
				return fmt.Errorf("file is not a database: likely due to incorrect or missing database password")
			}
			return fmt.Errorf("error creating tables: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
//
// If the database connection is associated with unfinalized prepared
// statements, open blob handles, and/or unfinished backup objects, Close will
// leave the database connection open and return [sqlite3.BUSY].
func (db *DB) Close() error { return db.db.Close() }

// DB returns the underlying database/sql DB.
func (db *DB) DB() *sql.DB { return db.db }

type debugLogKey struct{}

func (db *DB) debugCtx(parent context.Context) context.Context {
	return context.WithValue(parent, debugLogKey{}, db.DebugLog)
}

func debug(ctx context.Context, format string, a ...any) {
	w, ok := ctx.Value(debugLogKey{}).(io.Writer)
	if !ok || w == nil {
		return
	}
	msg := strings.TrimSpace(fmt.Sprintf(format, a...))
	_, _ = fmt.Fprintln(w, msg)
}

// Compile-time check for interface implementation correctness
var _ dice.ChainState = (*DB)(nil)

// AddDevice registers the root public key of a device. Any certificates
// stored for a previous registration are removed.
func (db *DB) AddDevice(ctx context.Context, id dice.ID, rootPublicKey []byte) error {
	if len(rootPublicKey) == 0 {
		return fmt.Errorf("missing root public key")
	}
	ctx = db.debugCtx(ctx)
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if err := remove(ctx, tx, "certificates", map[string]any{"device": id[:]}); err != nil && !errors.Is(err, dice.ErrNotFound) {
			return fmt.Errorf("error removing previous certificates: %w", err)
		}
		now := time.Now().UnixMilli()
		return insert(ctx, tx, "devices", map[string]any{
			"id":         id[:],
			"public_key": rootPublicKey,
			"created":    now,
			"updated":    now,
		}, []string{"id"})
	})
}

// DevicePublicKey returns the root public key of a device.
func (db *DB) DevicePublicKey(ctx context.Context, id dice.ID) ([]byte, error) {
	var key []byte
	if err := query(db.debugCtx(ctx), db.db, "devices", []string{"public_key"}, map[string]any{"id": id[:]}, &key); err != nil {
		return nil, fmt.Errorf("device %s: %w", id, err)
	}
	return key, nil
}

// AppendCertificate stores the certificate of the next layer of a device.
func (db *DB) AppendCertificate(ctx context.Context, id dice.ID, cert []byte) (layer int, err error) {
	ctx = db.debugCtx(ctx)
	err = db.inTx(ctx, func(tx *sql.Tx) error {
		var created int64
		if err := query(ctx, tx, "devices", []string{"created"}, map[string]any{"id": id[:]}, &created); err != nil {
			return fmt.Errorf("device %s: %w", id, err)
		}

		const next = "SELECT COALESCE(MAX(layer) + 1, 0) FROM certificates WHERE device = ?"
		debug(ctx, "sqlite: %s\n%x", next, id[:])
		if err := tx.QueryRowContext(ctx, next, id[:]).Scan(&layer); err != nil {
			return fmt.Errorf("error querying next layer: %w", err)
		}

		if err := insert(ctx, tx, "certificates", map[string]any{
			"device": id[:],
			"layer":  layer,
			"cert":   cert,
		}, nil); err != nil {
			return fmt.Errorf("error inserting certificate: %w", err)
		}
		return update(ctx, tx, "devices",
			map[string]any{"updated": time.Now().UnixMilli()},
			map[string]any{"id": id[:]},
		)
	})
	if err != nil {
		return 0, err
	}
	return layer, nil
}

// Certificates returns the certificates of a device in layer order.
func (db *DB) Certificates(ctx context.Context, id dice.ID) ([][]byte, error) {
	ctx = db.debugCtx(ctx)
	var certs [][]byte
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		var created int64
		if err := query(ctx, tx, "devices", []string{"created"}, map[string]any{"id": id[:]}, &created); err != nil {
			return fmt.Errorf("device %s: %w", id, err)
		}

		const certsQuery = "SELECT cert FROM certificates WHERE device = ? ORDER BY layer ASC"
		debug(ctx, "sqlite: %s\n%x", certsQuery, id[:])
		rows, err := tx.QueryContext(ctx, certsQuery, id[:])
		if err != nil {
			return fmt.Errorf("error querying certificates: %w", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var cert []byte
			if err := rows.Scan(&cert); err != nil {
				return fmt.Errorf("error scanning certificate: %w", err)
			}
			certs = append(certs, cert)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if certs == nil {
		certs = [][]byte{}
	}
	return certs, nil
}

// RemoveDevice deletes a device and, by cascade, its certificates.
func (db *DB) RemoveDevice(ctx context.Context, id dice.ID) error {
	if err := remove(db.debugCtx(ctx), db.db, "devices", map[string]any{"id": id[:]}); err != nil {
		return fmt.Errorf("device %s: %w", id, err)
	}
	return nil
}

func (db *DB) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Allows using *sql.DB or *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Allows using *sql.DB or *sql.Tx
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// If upsertOnConflict is not empty, a row with the same values in those
// columns is updated in place instead of failing the insert.
func insert(ctx context.Context, db execer, table string, kvs map[string]any, upsertOnConflict []string) error {
	columns := slices.Sorted(maps.Keys(kvs))
	args := make([]any, len(columns))
	for i, name := range columns {
		args[i] = kvs[name]
	}
	markers := slices.Repeat([]string{"?"}, len(columns))

	var upsert string
	if len(upsertOnConflict) > 0 {
		var updates, whereClauses []string
		for _, key := range columns {
			excluded := fmt.Sprintf("`%s` = excluded.`%s`", key, key)
			switch {
			case slices.Contains(upsertOnConflict, key):
				whereClauses = append(whereClauses, excluded)
			case key == "created":
				// Keep the original registration time
			default:
				updates = append(updates, excluded)
			}
		}

		upsert = fmt.Sprintf(" ON CONFLICT(`%s`) DO UPDATE SET ", strings.Join(upsertOnConflict, "`, `"))
		upsert += strings.Join(updates, ", ")
		upsert += " WHERE "
		upsert += strings.Join(whereClauses, " AND ")
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)%s",
		table,
		"`"+strings.Join(columns, "`, `")+"`",
		strings.Join(markers, ", "),
		upsert,
	)
	debug(ctx, "sqlite: %s\n%+v", query, args)
	_, err := db.ExecContext(ctx, query, args...)
	return err
}

func update(ctx context.Context, db execer, table string, kvs, where map[string]any) error {
	setKeys := slices.Sorted(maps.Keys(kvs))
	setCmds := make([]string, len(setKeys))
	setVals := make([]any, len(setKeys))
	for i, key := range setKeys {
		setCmds[i] = "`" + key + "` = ?"
		setVals[i] = kvs[key]
	}
	clauses, whereVals := whereClauses(where)

	query := fmt.Sprintf(
		`UPDATE %s SET %s WHERE %s`,
		table,
		strings.Join(setCmds, ", "),
		strings.Join(clauses, " AND "),
	)
	debug(ctx, "sqlite: %s\n%+v", query, kvs)

	result, err := db.ExecContext(ctx, query, append(setVals, whereVals...)...)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n < 1 {
		return dice.ErrNotFound
	}
	return nil
}

func query(ctx context.Context, db querier, table string, columns []string, where map[string]any, into ...any) error {
	if len(columns) != len(into) {
		panic("programming error - query must have the same number of columns and values")
	}
	clauses, whereVals := whereClauses(where)

	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s`,
		"`"+strings.Join(columns, "`, `")+"`",
		table,
		strings.Join(clauses, " AND "),
	)
	debug(ctx, "sqlite: %s\n%+v", query, where)

	row := db.QueryRowContext(ctx, query, whereVals...)
	if err := row.Scan(into...); errors.Is(err, sql.ErrNoRows) {
		return dice.ErrNotFound
	} else if err != nil {
		return fmt.Errorf("error querying DB: %w", err)
	}
	return nil
}

func remove(ctx context.Context, db execer, table string, where map[string]any) error {
	clauses, whereVals := whereClauses(where)

	query := fmt.Sprintf(
		`DELETE FROM %s WHERE %s`,
		table,
		strings.Join(clauses, " AND "),
	)
	debug(ctx, "sqlite: %s\n%+v", query, whereVals)

	result, err := db.ExecContext(ctx, query, whereVals...)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n < 1 {
		return dice.ErrNotFound
	}
	return nil
}

func whereClauses(where map[string]any) (clauses []string, vals []any) {
	keys := slices.Sorted(maps.Keys(where))
	clauses = make([]string, len(keys))
	vals = make([]any, len(keys))
	for i, key := range keys {
		clauses[i] = "`" + key + "` = ?"
		vals[i] = where[key]
	}
	return clauses, vals
}
