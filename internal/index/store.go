// Package index implements the relational index store: per-orbit
// metadata (capability chains, object versions, pins, seen nonces)
// persisted transactionally, per spec.md §4.2.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound mirrors the teacher's db.ErrNotFound sentinel: returned
// when a read transaction expected exactly one row and found none.
var ErrNotFound = errors.New("index: not found")

// ErrConflict is returned when an optimistic write loses a race (e.g. a
// version_seq collision), mapped to spec.md §7's *conflict* kind only
// when it indicates a CID collision; ordinary retry-safe races use this
// sentinel instead.
var ErrConflict = errors.New("index: conflict")

// dialect abstracts the handful of SQL differences between the three
// backends spec.md §6 names: placeholder syntax and upsert phrasing.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
	dialectMySQL
)

// Store wraps *sql.DB with the generic transaction helpers the teacher's
// FoundationDB wrapper (internal/pds/db/db.go) uses, adapted to
// database/sql's transaction model.
type Store struct {
	db      *sql.DB
	dialect dialect
}

// Open parses a connection string of the form spec.md §6 names
// (sqlite:<path>, postgres://…, mysql://…), connects, and applies
// migrations.
func Open(ctx context.Context, connStr string) (*Store, error) {
	driverName, dsn, dia, err := parseConnString(connStr)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open index store: %w", err)
	}

	if dia == dialectSQLite {
		// SQLite serializes writers; a single connection avoids
		// "database is locked" errors under concurrent access.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping index store: %w", err)
	}

	s := &Store{db: db, dialect: dia}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate index store: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func parseConnString(connStr string) (driverName, dsn string, dia dialect, err error) {
	switch {
	case strings.HasPrefix(connStr, "sqlite:"):
		return "sqlite3", strings.TrimPrefix(connStr, "sqlite:"), dialectSQLite, nil
	case strings.HasPrefix(connStr, "postgres://"), strings.HasPrefix(connStr, "postgresql://"):
		return "postgres", connStr, dialectPostgres, nil
	case strings.HasPrefix(connStr, "mysql://"):
		return "mysql", strings.TrimPrefix(connStr, "mysql://"), dialectMySQL, nil
	default:
		return "", "", 0, fmt.Errorf("unrecognized database connection string %q (expected sqlite:, postgres://, or mysql:// prefix)", connStr)
	}
}

// placeholder returns the positional parameter marker for index i
// (1-based) in the store's dialect.
func (s *Store) placeholder(i int) string {
	if s.dialect == dialectPostgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// querier is satisfied by both *sql.DB and *sql.Tx, mirroring the
// teacher's gorp.SqlExecutor-shaped helpers in the sapcc-keppel
// database layer.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// transaction runs fn inside a single SQL transaction, committing on
// success and rolling back on any error — the database/sql analogue of
// the teacher's generic transaction[T] helper over FDB transactions.
func transaction[T any](ctx context.Context, s *Store, fn func(ctx context.Context, tx *sql.Tx) (T, error)) (T, error) {
	var zero T

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollbackUnlessCommitted(tx)

	result, err := fn(ctx, tx)
	if err != nil {
		return zero, err
	}

	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return result, nil
}

// readTransaction runs fn inside a read-only SQL transaction.
func readTransaction[T any](ctx context.Context, s *Store, fn func(ctx context.Context, tx *sql.Tx) (T, error)) (T, error) {
	var zero T

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: s.dialect != dialectSQLite})
	if err != nil {
		return zero, fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer rollbackUnlessCommitted(tx)

	result, err := fn(ctx, tx)
	if err != nil {
		return zero, err
	}
	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit read transaction: %w", err)
	}
	return result, nil
}

// rollbackUnlessCommitted mirrors the sapcc-keppel helper of the same
// shape: safe to call after a successful commit, a no-op in that case.
func rollbackUnlessCommitted(tx *sql.Tx) {
	err := tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		// best-effort: the transaction is already gone either way
		_ = err
	}
}
