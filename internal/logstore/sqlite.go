package logstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/fecore/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - kv table (bucket, key, value)
const currentSchemaVersion = 1

// SQLite is a KV backed by a SQLite database file.
type SQLite struct {
	db *sql.DB
}

var _ KV = (*SQLite)(nil)

// OpenSQLite creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// Any failure is reported as STORAGE_UNAVAILABLE; callers must not fall
// back to a memory-only store.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, ir.Wrap(ir.CodeStorageUnavailable, "open log store", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, ir.Wrap(ir.CodeStorageUnavailable, "open log store", fmt.Errorf("connect: %w", err))
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, ir.Wrap(ir.CodeStorageUnavailable, "open log store", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, ir.Wrap(ir.CodeStorageUnavailable, "open log store", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// View runs fn in a read transaction.
func (s *SQLite) View(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("logstore view: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	return nil
}

// Update runs fn in a read-write transaction and commits if fn succeeds.
func (s *SQLite) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("logstore update: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(&sqliteTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("logstore update: commit: %w", err)
	}
	return nil
}

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTx) Get(b Bucket, key []byte) ([]byte, error) {
	var value []byte
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT value FROM kv WHERE bucket = ? AND key = ?`, string(b), key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%x: %w", b, key, err)
	}
	return value, nil
}

func (t *sqliteTx) Put(b Bucket, key, value []byte) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO kv (bucket, key, value) VALUES (?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value
	`, string(b), key, value)
	if err != nil {
		return fmt.Errorf("put %s/%x: %w", b, key, err)
	}
	return nil
}

func (t *sqliteTx) Delete(b Bucket, key []byte) error {
	_, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM kv WHERE bucket = ? AND key = ?`, string(b), key)
	if err != nil {
		return fmt.Errorf("delete %s/%x: %w", b, key, err)
	}
	return nil
}

func (t *sqliteTx) DeleteRange(b Bucket, r Range) (int64, error) {
	where, args := rangeClause(b, r)
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM kv WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete range %s: %w", b, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete range %s: rows affected: %w", b, err)
	}
	return n, nil
}

func (t *sqliteTx) Count(b Bucket, r Range) (int64, error) {
	where, args := rangeClause(b, r)
	var n int64
	if err := t.tx.QueryRowContext(t.ctx, `SELECT COUNT(*) FROM kv WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", b, err)
	}
	return n, nil
}

func (t *sqliteTx) Scan(b Bucket, r Range) (Iterator, error) {
	where, args := rangeClause(b, r)

	var q strings.Builder
	q.WriteString(`SELECT key, value FROM kv WHERE `)
	q.WriteString(where)
	if r.Reverse {
		q.WriteString(` ORDER BY key DESC`)
	} else {
		q.WriteString(` ORDER BY key ASC`)
	}
	if r.Limit > 0 {
		q.WriteString(` LIMIT ?`)
		args = append(args, r.Limit)
	}

	rows, err := t.tx.QueryContext(t.ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", b, err)
	}
	return &rowsIterator{rows: rows}, nil
}

// rangeClause builds the WHERE clause shared by scans, counts and deletes.
func rangeClause(b Bucket, r Range) (string, []any) {
	clause := "bucket = ?"
	args := []any{string(b)}
	if r.Start != nil {
		clause += " AND key >= ?"
		args = append(args, r.Start)
	}
	if r.End != nil {
		clause += " AND key < ?"
		args = append(args, r.End)
	}
	return clause, args
}

type rowsIterator struct {
	rows  *sql.Rows
	key   []byte
	value []byte
	err   error
}

func (it *rowsIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	var key, value []byte
	if err := it.rows.Scan(&key, &value); err != nil {
		it.err = fmt.Errorf("scan row: %w", err)
		return false
	}
	it.key, it.value = key, value
	return true
}

func (it *rowsIterator) Key() []byte   { return it.key }
func (it *rowsIterator) Value() []byte { return it.value }

func (it *rowsIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *rowsIterator) Close() error {
	return it.rows.Close()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and records the schema version.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLite) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
